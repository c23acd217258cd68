package storage

import (
	"database/sql"
	"fmt"

	"github.com/splitwell/splitwell-api/models"
)

type postgresUserStore struct {
	db *sql.DB
}

const userColumns = `id, email, first_name, last_name, password_hash, rail_customer_id,
	rail_customer_url, reverification_needed, created_at, deleted_at`

func scanUser(row interface{ Scan(dest ...any) error }) (*models.User, error) {
	var user models.User
	var railCustomerID, railCustomerURL sql.NullString
	err := row.Scan(&user.ID, &user.Email, &user.FirstName, &user.LastName,
		&user.PasswordHash, &railCustomerID, &railCustomerURL,
		&user.ReverificationNeeded, &user.DateTimeCreated, &user.DateTimeDeleted)
	if err != nil {
		return nil, err
	}
	user.RailCustomerID = railCustomerID.String
	user.RailCustomerURL = railCustomerURL.String
	return &user, nil
}

func (s *postgresUserStore) GetByID(id string) (*models.User, error) {
	user, err := scanUser(s.db.QueryRow(
		`SELECT `+userColumns+` FROM users WHERE id = $1 AND deleted_at IS NULL`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

func (s *postgresUserStore) GetByEmail(email string) (*models.User, error) {
	user, err := scanUser(s.db.QueryRow(
		`SELECT `+userColumns+` FROM users WHERE LOWER(email) = LOWER($1) AND deleted_at IS NULL`, email))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user by email: %w", err)
	}
	return user, nil
}

func (s *postgresUserStore) GetByRailCustomerID(railCustomerID string) (*models.User, error) {
	user, err := scanUser(s.db.QueryRow(
		`SELECT `+userColumns+` FROM users WHERE rail_customer_id = $1 AND deleted_at IS NULL`,
		railCustomerID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user by rail customer: %w", err)
	}
	return user, nil
}

func (s *postgresUserStore) Create(user *models.User) error {
	err := s.db.QueryRow(
		`INSERT INTO users (email, first_name, last_name, password_hash, rail_customer_id, rail_customer_url)
		 VALUES (LOWER($1), $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''))
		 RETURNING id, created_at`,
		user.Email, user.FirstName, user.LastName, user.PasswordHash,
		user.RailCustomerID, user.RailCustomerURL,
	).Scan(&user.ID, &user.DateTimeCreated)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

func (s *postgresUserStore) SetReverificationNeeded(userID string, needed bool) (*models.User, error) {
	user, err := scanUser(s.db.QueryRow(
		`UPDATE users SET reverification_needed = $2 WHERE id = $1
		 RETURNING `+userColumns, userID, needed))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to flag user for reverification: %w", err)
	}
	return user, nil
}

func (s *postgresUserStore) SoftDelete(userID string) error {
	if _, err := s.db.Exec(
		`UPDATE users SET deleted_at = NOW() WHERE id = $1 AND deleted_at IS NULL`, userID); err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	return nil
}

type postgresAccountStore struct {
	db *sql.DB
}

const accountColumns = `id, user_id, name, mask, account_type, institution_name,
	aggregator_account_id, aggregator_item_id, encrypted_access_token,
	rail_funding_source_url, sync_cursor, requires_relink, is_active, created_at, last_synced_at`

func scanAccount(row interface{ Scan(dest ...any) error }) (*models.BankAccount, error) {
	var account models.BankAccount
	var fundingSource sql.NullString
	err := row.Scan(&account.ID, &account.UserID, &account.Name, &account.Mask,
		&account.AccountType, &account.InstitutionName, &account.AggregatorAccountID,
		&account.AggregatorItemID, &account.EncryptedAccessToken, &fundingSource,
		&account.SyncCursor, &account.RequiresRelink, &account.IsActive,
		&account.DateTimeCreated, &account.DateTimeLastSynced)
	if err != nil {
		return nil, err
	}
	account.RailFundingSourceURL = fundingSource.String
	return &account, nil
}

func (s *postgresAccountStore) GetByID(id string) (*models.BankAccount, error) {
	account, err := scanAccount(s.db.QueryRow(
		`SELECT `+accountColumns+` FROM bank_accounts WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get bank account: %w", err)
	}
	return account, nil
}

func (s *postgresAccountStore) ListByUser(userID string) ([]models.BankAccount, error) {
	rows, err := s.db.Query(
		`SELECT `+accountColumns+` FROM bank_accounts
		 WHERE user_id = $1 AND is_active ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list bank accounts: %w", err)
	}
	defer rows.Close()

	var accounts []models.BankAccount
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan bank account: %w", err)
		}
		accounts = append(accounts, *account)
	}
	return accounts, rows.Err()
}

func (s *postgresAccountStore) ListActiveByItemID(itemID string) ([]models.BankAccount, error) {
	rows, err := s.db.Query(
		`SELECT `+accountColumns+` FROM bank_accounts
		 WHERE aggregator_item_id = $1 AND is_active ORDER BY created_at`, itemID)
	if err != nil {
		return nil, fmt.Errorf("failed to list bank accounts for item: %w", err)
	}
	defer rows.Close()

	var accounts []models.BankAccount
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan bank account: %w", err)
		}
		accounts = append(accounts, *account)
	}
	return accounts, rows.Err()
}

func (s *postgresAccountStore) Upsert(account *models.BankAccount) error {
	err := s.db.QueryRow(
		`INSERT INTO bank_accounts (user_id, name, mask, account_type, institution_name,
			aggregator_account_id, aggregator_item_id, encrypted_access_token, last_synced_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		 ON CONFLICT (user_id, aggregator_account_id) DO UPDATE SET
			name = EXCLUDED.name,
			mask = EXCLUDED.mask,
			institution_name = EXCLUDED.institution_name,
			aggregator_item_id = EXCLUDED.aggregator_item_id,
			encrypted_access_token = EXCLUDED.encrypted_access_token,
			is_active = TRUE,
			requires_relink = FALSE,
			last_synced_at = NOW()
		 RETURNING id, created_at`,
		account.UserID, account.Name, account.Mask, account.AccountType,
		account.InstitutionName, account.AggregatorAccountID, account.AggregatorItemID,
		account.EncryptedAccessToken,
	).Scan(&account.ID, &account.DateTimeCreated)
	if err != nil {
		return fmt.Errorf("failed to upsert bank account: %w", err)
	}
	return nil
}

func (s *postgresAccountStore) SetSyncCursor(accountID, cursor string) error {
	if _, err := s.db.Exec(
		`UPDATE bank_accounts SET sync_cursor = $2, last_synced_at = NOW() WHERE id = $1`,
		accountID, cursor); err != nil {
		return fmt.Errorf("failed to update sync cursor: %w", err)
	}
	return nil
}

func (s *postgresAccountStore) SetRequiresRelink(accountID string, requiresRelink bool) error {
	if _, err := s.db.Exec(
		`UPDATE bank_accounts SET requires_relink = $2 WHERE id = $1`,
		accountID, requiresRelink); err != nil {
		return fmt.Errorf("failed to update relink flag: %w", err)
	}
	return nil
}

func (s *postgresAccountStore) SetRailFundingSource(accountID, fundingSourceURL string) error {
	if _, err := s.db.Exec(
		`UPDATE bank_accounts SET rail_funding_source_url = $2 WHERE id = $1`,
		accountID, fundingSourceURL); err != nil {
		return fmt.Errorf("failed to update funding source: %w", err)
	}
	return nil
}

func (s *postgresAccountStore) Deactivate(accountID string) error {
	if _, err := s.db.Exec(
		`UPDATE bank_accounts SET is_active = FALSE WHERE id = $1`, accountID); err != nil {
		return fmt.Errorf("failed to deactivate bank account: %w", err)
	}
	return nil
}
