package config

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

func InitDB(databaseURL string) (*sql.DB, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL environment variable is required")
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	return db, nil
}

func RunMigrations(db *sql.DB) error {
	migrations := []string{
		`CREATE EXTENSION IF NOT EXISTS "uuid-ossp"`,

		`CREATE TABLE IF NOT EXISTS users (
			id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
			email VARCHAR(255) UNIQUE NOT NULL,
			first_name VARCHAR(255) NOT NULL DEFAULT '',
			last_name VARCHAR(255) NOT NULL DEFAULT '',
			password_hash VARCHAR(255) NOT NULL DEFAULT '',
			rail_customer_id VARCHAR(255),
			rail_customer_url VARCHAR(500),
			reverification_needed BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			deleted_at TIMESTAMPTZ
		)`,

		`CREATE TABLE IF NOT EXISTS bank_accounts (
			id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
			user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			name VARCHAR(255) NOT NULL DEFAULT '',
			mask VARCHAR(10) NOT NULL DEFAULT '',
			account_type VARCHAR(50) NOT NULL DEFAULT 'depository',
			institution_name VARCHAR(255) NOT NULL DEFAULT '',
			aggregator_account_id VARCHAR(255) NOT NULL,
			aggregator_item_id VARCHAR(255) NOT NULL,
			encrypted_access_token TEXT NOT NULL DEFAULT '',
			rail_funding_source_url VARCHAR(500),
			sync_cursor TEXT NOT NULL DEFAULT '',
			requires_relink BOOLEAN NOT NULL DEFAULT FALSE,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_synced_at TIMESTAMPTZ,
			UNIQUE(user_id, aggregator_account_id)
		)`,

		`CREATE TABLE IF NOT EXISTS unique_vendors (
			id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
			friendly_name VARCHAR(255) NOT NULL,
			normalized_name VARCHAR(255) UNIQUE NOT NULL,
			has_been_reviewed BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS unique_vendor_associations (
			id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
			unique_vendor_id UUID NOT NULL REFERENCES unique_vendors(id) ON DELETE CASCADE,
			associated_unique_vendor_id UUID NOT NULL REFERENCES unique_vendors(id) ON DELETE CASCADE,
			association_type VARCHAR(50) NOT NULL,
			notes TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE(unique_vendor_id, associated_unique_vendor_id)
		)`,

		`CREATE TABLE IF NOT EXISTS shared_expenses (
			id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
			expense_type VARCHAR(50) NOT NULL,
			nickname VARCHAR(255) NOT NULL DEFAULT '',
			owner_user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			owner_source_account_id UUID REFERENCES bank_accounts(id),
			owner_destination_account_id UUID NOT NULL REFERENCES bank_accounts(id),
			unique_vendor_id UUID REFERENCES unique_vendors(id),
			recurrence_interval VARCHAR(20),
			recurrence_frequency INTEGER,
			target_date_of_first_charge TIMESTAMPTZ,
			date_next_payment_scheduled TIMESTAMPTZ,
			recurring_payment_end_date TIMESTAMPTZ,
			is_active BOOLEAN NOT NULL DEFAULT FALSE,
			is_pending BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			deactivated_at TIMESTAMPTZ
		)`,

		// One live shared bill per owner and vendor.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_shared_expenses_one_active_bill
			ON shared_expenses(owner_user_id, unique_vendor_id)
			WHERE expense_type = 'SHARED_BILL' AND (is_active OR is_pending)`,

		`CREATE TABLE IF NOT EXISTS shared_expense_user_agreements (
			id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
			shared_expense_id UUID NOT NULL REFERENCES shared_expenses(id) ON DELETE CASCADE,
			user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			contribution_type VARCHAR(50) NOT NULL,
			contribution_value BIGINT,
			payment_account_id UUID REFERENCES bank_accounts(id),
			is_active BOOLEAN NOT NULL DEFAULT FALSE,
			is_pending BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			became_active_at TIMESTAMPTZ,
			became_inactive_at TIMESTAMPTZ,
			UNIQUE(shared_expense_id, user_id)
		)`,

		`CREATE TABLE IF NOT EXISTS user_invites (
			id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
			shared_expense_id UUID NOT NULL REFERENCES shared_expenses(id) ON DELETE CASCADE,
			email VARCHAR(255) NOT NULL,
			contribution_type VARCHAR(50) NOT NULL,
			contribution_value BIGINT,
			is_converted BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE(shared_expense_id, email)
		)`,

		`CREATE TABLE IF NOT EXISTS transactions (
			id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
			account_id UUID NOT NULL REFERENCES bank_accounts(id) ON DELETE CASCADE,
			unique_vendor_id UUID REFERENCES unique_vendors(id),
			amount_cents BIGINT NOT NULL,
			merchant_name VARCHAR(255) NOT NULL DEFAULT '',
			is_pending BOOLEAN NOT NULL DEFAULT FALSE,
			aggregator_transaction_id VARCHAR(255) UNIQUE NOT NULL,
			aggregator_pending_transaction_id VARCHAR(255),
			iso_currency_code VARCHAR(10) NOT NULL DEFAULT 'USD',
			date_posted TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_vendor ON transactions(unique_vendor_id)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_account ON transactions(account_id)`,

		`CREATE TABLE IF NOT EXISTS shared_expense_transactions (
			id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
			shared_expense_id UUID NOT NULL REFERENCES shared_expenses(id),
			shared_expense_user_agreement_id UUID NOT NULL REFERENCES shared_expense_user_agreements(id),
			matching_transaction_id UUID REFERENCES transactions(id),
			source_user_id UUID NOT NULL REFERENCES users(id),
			source_account_id UUID NOT NULL REFERENCES bank_accounts(id),
			destination_user_id UUID NOT NULL REFERENCES users(id),
			destination_account_id UUID NOT NULL REFERENCES bank_accounts(id),
			total_transaction_amount_cents BIGINT NOT NULL,
			total_fee_amount_cents BIGINT NOT NULL DEFAULT 0,
			idempotency_token UUID NOT NULL DEFAULT uuid_generate_v4(),
			rail_transfer_id VARCHAR(255),
			rail_transfer_url VARCHAR(500),
			transfer_status VARCHAR(50),
			has_been_transferred_to_destination BOOLEAN NOT NULL DEFAULT FALSE,
			date_time_transferred_to_destination TIMESTAMPTZ,
			number_of_times_attempted INTEGER NOT NULL DEFAULT 0,
			date_time_initiated TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			date_time_transaction_scheduled TIMESTAMPTZ,
			date_time_status_updated TIMESTAMPTZ
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_settlement_matching_txn
			ON shared_expense_transactions(shared_expense_user_agreement_id, matching_transaction_id)
			WHERE matching_transaction_id IS NOT NULL`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_settlement_scheduled_date
			ON shared_expense_transactions(shared_expense_user_agreement_id, date_time_transaction_scheduled)
			WHERE date_time_transaction_scheduled IS NOT NULL`,

		`CREATE TABLE IF NOT EXISTS shared_expense_withheld_transactions (
			id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
			shared_expense_transaction_id UUID NOT NULL REFERENCES shared_expense_transactions(id) ON DELETE CASCADE,
			shared_expense_user_agreement_id UUID NOT NULL REFERENCES shared_expense_user_agreements(id),
			matching_transaction_id UUID REFERENCES transactions(id),
			withholding_reason VARCHAR(100) NOT NULL,
			funds_available_at_time_of_attempt_cents BIGINT,
			total_contribution_amount_cents BIGINT NOT NULL,
			date_time_attempted TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			has_been_reconciled BOOLEAN NOT NULL DEFAULT FALSE,
			date_time_reconciled TIMESTAMPTZ,
			date_time_original_payment_scheduled TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_withheld_unreconciled
			ON shared_expense_withheld_transactions(shared_expense_transaction_id)
			WHERE NOT has_been_reconciled`,

		`CREATE TABLE IF NOT EXISTS shared_expense_transaction_events (
			id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
			shared_expense_transaction_id UUID REFERENCES shared_expense_transactions(id) ON DELETE CASCADE,
			event_uuid VARCHAR(255) UNIQUE NOT NULL,
			topic VARCHAR(100) NOT NULL,
			payload JSONB NOT NULL DEFAULT '{}',
			posted_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS jobs (
			id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
			job_key VARCHAR(255) UNIQUE NOT NULL,
			job_type VARCHAR(100) NOT NULL,
			payload JSONB NOT NULL,
			status VARCHAR(50) NOT NULL DEFAULT 'queued',
			attempts INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 1,
			backoff_seconds INTEGER NOT NULL DEFAULT 0,
			run_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_error TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_runnable ON jobs(run_at) WHERE status = 'queued'`,

		`CREATE TABLE IF NOT EXISTS vendor_watchlist (
			id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
			unique_vendor_id UUID UNIQUE NOT NULL REFERENCES unique_vendors(id) ON DELETE CASCADE,
			notes TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}

	for _, migration := range migrations {
		if _, err := db.Exec(migration); err != nil {
			return fmt.Errorf("failed to run migration: %w", err)
		}
	}

	return nil
}
