package services

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/splitwell/splitwell-api/events"
	"github.com/splitwell/splitwell-api/models"
	"github.com/splitwell/splitwell-api/storage"
)

// VendorService fronts vendor lookups and the ops tooling around them.
type VendorService struct {
	store  *storage.Store
	bus    *events.Bus
	logger *logrus.Logger
}

func NewVendorService(store *storage.Store, bus *events.Bus, logger *logrus.Logger) *VendorService {
	return &VendorService{store: store, bus: bus, logger: logger}
}

func (s *VendorService) List() ([]models.UniqueVendor, error) {
	return s.store.Vendors.List()
}

func (s *VendorService) Search(term string) ([]models.UniqueVendor, error) {
	return s.store.Vendors.Search(term)
}

// CreateAssociation links two merchant identities and announces it so
// recent charges under either name get re-examined against open bills.
func (s *VendorService) CreateAssociation(req *models.CreateVendorAssociationRequest) (*models.UniqueVendorAssociation, error) {
	if req.UniqueVendorID == req.AssociatedUniqueVendorID {
		return nil, fmt.Errorf("a vendor cannot be associated with itself")
	}
	switch req.AssociationType {
	case models.VendorAssociationParentCompany, models.VendorAssociationSubsidiary, models.VendorAssociationOther:
	default:
		return nil, fmt.Errorf("unknown association type %q", req.AssociationType)
	}

	vendor, err := s.store.Vendors.GetByID(req.UniqueVendorID)
	if err != nil {
		return nil, err
	}
	associated, err := s.store.Vendors.GetByID(req.AssociatedUniqueVendorID)
	if err != nil {
		return nil, err
	}
	if vendor == nil || associated == nil {
		return nil, fmt.Errorf("both vendors must exist before associating them")
	}

	assoc := &models.UniqueVendorAssociation{
		UniqueVendorID:           vendor.ID,
		AssociatedUniqueVendorID: associated.ID,
		AssociationType:          req.AssociationType,
		Notes:                    req.Notes,
	}
	if err := s.store.Vendors.CreateAssociation(assoc); err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"unique_vendor_id":            vendor.ID,
		"associated_unique_vendor_id": associated.ID,
		"association_type":            req.AssociationType,
	}).Info("vendor association created")

	s.bus.PublishVendorAssociation(events.VendorAssociationEvent{
		Vendor:           *vendor,
		AssociatedVendor: *associated,
		AssociationType:  req.AssociationType,
	})
	return assoc, nil
}

func (s *VendorService) AddToWatchlist(vendorID, notes string) error {
	vendor, err := s.store.Vendors.GetByID(vendorID)
	if err != nil {
		return err
	}
	if vendor == nil {
		return fmt.Errorf("unknown vendor %s", vendorID)
	}
	return s.store.Vendors.AddToWatchlist(vendorID, notes)
}

func (s *VendorService) RemoveFromWatchlist(vendorID string) error {
	return s.store.Vendors.RemoveFromWatchlist(vendorID)
}

func (s *VendorService) Watchlist() ([]models.UniqueVendor, error) {
	return s.store.Vendors.ListWatchlist()
}
