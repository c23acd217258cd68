package models

import (
	"time"
)

type UniqueVendor struct {
	ID              string    `json:"id"`
	FriendlyName    string    `json:"friendly_name"`
	NormalizedName  string    `json:"normalized_name"`
	DateTimeAdded   time.Time `json:"date_time_added"`
	HasBeenReviewed bool      `json:"has_been_reviewed"`
}

// VendorAssociationType describes why two vendor identities are linked.
type VendorAssociationType string

const (
	VendorAssociationParentCompany VendorAssociationType = "PARENT_COMPANY"
	VendorAssociationSubsidiary    VendorAssociationType = "SUBSIDIARY_COMPANY"
	VendorAssociationOther         VendorAssociationType = "OTHER"
)

// UniqueVendorAssociation is an alias link between two merchant identities.
// A bill can come through under a parent biller (e.g. a property management
// group) while the user agreed to split the subsidiary they actually know.
// Lookups treat the link as bidirectional.
type UniqueVendorAssociation struct {
	ID                       string                `json:"id"`
	UniqueVendorID           string                `json:"unique_vendor_id"`
	AssociatedUniqueVendorID string                `json:"associated_unique_vendor_id"`
	AssociationType          VendorAssociationType `json:"association_type"`
	Notes                    string                `json:"notes"`
	DateTimeCreated          time.Time             `json:"created_at"`
}

type CreateVendorAssociationRequest struct {
	UniqueVendorID           string                `json:"unique_vendor_id" binding:"required"`
	AssociatedUniqueVendorID string                `json:"associated_unique_vendor_id" binding:"required"`
	AssociationType          VendorAssociationType `json:"association_type" binding:"required"`
	Notes                    string                `json:"notes"`
}
