package storage

import (
	"database/sql"
	"fmt"

	"github.com/splitwell/splitwell-api/models"
)

type postgresVendorStore struct {
	db *sql.DB
}

const vendorColumns = `id, friendly_name, normalized_name, has_been_reviewed, created_at`

func scanVendor(row interface{ Scan(dest ...any) error }) (*models.UniqueVendor, error) {
	var vendor models.UniqueVendor
	err := row.Scan(&vendor.ID, &vendor.FriendlyName, &vendor.NormalizedName,
		&vendor.HasBeenReviewed, &vendor.DateTimeAdded)
	if err != nil {
		return nil, err
	}
	return &vendor, nil
}

func (s *postgresVendorStore) GetByID(id string) (*models.UniqueVendor, error) {
	vendor, err := scanVendor(s.db.QueryRow(
		`SELECT `+vendorColumns+` FROM unique_vendors WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get vendor: %w", err)
	}
	return vendor, nil
}

func (s *postgresVendorStore) List() ([]models.UniqueVendor, error) {
	return s.queryVendors(`SELECT ` + vendorColumns + ` FROM unique_vendors ORDER BY friendly_name`)
}

func (s *postgresVendorStore) Search(term string) ([]models.UniqueVendor, error) {
	return s.queryVendors(
		`SELECT `+vendorColumns+` FROM unique_vendors
		 WHERE normalized_name LIKE '%' || $1 || '%' ORDER BY friendly_name LIMIT 50`, term)
}

func (s *postgresVendorStore) queryVendors(query string, args ...any) ([]models.UniqueVendor, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query vendors: %w", err)
	}
	defer rows.Close()

	var vendors []models.UniqueVendor
	for rows.Next() {
		vendor, err := scanVendor(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan vendor: %w", err)
		}
		vendors = append(vendors, *vendor)
	}
	return vendors, rows.Err()
}

// FindOrCreate races safely on normalized_name: the insert is a no-op when
// the vendor exists and the follow-up select always returns the winner.
func (s *postgresVendorStore) FindOrCreate(friendlyName, normalizedName string) (*models.UniqueVendor, error) {
	if _, err := s.db.Exec(
		`INSERT INTO unique_vendors (friendly_name, normalized_name)
		 VALUES ($1, $2) ON CONFLICT (normalized_name) DO NOTHING`,
		friendlyName, normalizedName); err != nil {
		return nil, fmt.Errorf("failed to insert vendor: %w", err)
	}

	vendor, err := scanVendor(s.db.QueryRow(
		`SELECT `+vendorColumns+` FROM unique_vendors WHERE normalized_name = $1`, normalizedName))
	if err != nil {
		return nil, fmt.Errorf("failed to load vendor: %w", err)
	}
	return vendor, nil
}

func (s *postgresVendorStore) CreateAssociation(assoc *models.UniqueVendorAssociation) error {
	err := s.db.QueryRow(
		`INSERT INTO unique_vendor_associations
			(unique_vendor_id, associated_unique_vendor_id, association_type, notes)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (unique_vendor_id, associated_unique_vendor_id) DO UPDATE SET
			association_type = EXCLUDED.association_type,
			notes = EXCLUDED.notes
		 RETURNING id, created_at`,
		assoc.UniqueVendorID, assoc.AssociatedUniqueVendorID, assoc.AssociationType, assoc.Notes,
	).Scan(&assoc.ID, &assoc.DateTimeCreated)
	if err != nil {
		return fmt.Errorf("failed to create vendor association: %w", err)
	}
	return nil
}

func (s *postgresVendorStore) RelatedVendorIDs(vendorID string) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT associated_unique_vendor_id FROM unique_vendor_associations WHERE unique_vendor_id = $1
		 UNION
		 SELECT unique_vendor_id FROM unique_vendor_associations WHERE associated_unique_vendor_id = $1`,
		vendorID)
	if err != nil {
		return nil, fmt.Errorf("failed to query vendor associations: %w", err)
	}
	defer rows.Close()

	ids := []string{vendorID}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan vendor association: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *postgresVendorStore) AddToWatchlist(vendorID, notes string) error {
	if _, err := s.db.Exec(
		`INSERT INTO vendor_watchlist (unique_vendor_id, notes)
		 VALUES ($1, $2)
		 ON CONFLICT (unique_vendor_id) DO UPDATE SET notes = EXCLUDED.notes`,
		vendorID, notes); err != nil {
		return fmt.Errorf("failed to add vendor to watchlist: %w", err)
	}
	return nil
}

func (s *postgresVendorStore) RemoveFromWatchlist(vendorID string) error {
	if _, err := s.db.Exec(
		`DELETE FROM vendor_watchlist WHERE unique_vendor_id = $1`, vendorID); err != nil {
		return fmt.Errorf("failed to remove vendor from watchlist: %w", err)
	}
	return nil
}

func (s *postgresVendorStore) ListWatchlist() ([]models.UniqueVendor, error) {
	return s.queryVendors(
		`SELECT v.id, v.friendly_name, v.normalized_name, v.has_been_reviewed, v.created_at
		 FROM unique_vendors v
		 JOIN vendor_watchlist w ON w.unique_vendor_id = v.id
		 ORDER BY w.created_at`)
}
