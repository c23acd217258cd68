package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/splitwell/splitwell-api/models"
)

type postgresTransactionStore struct {
	db *sql.DB
}

const transactionColumns = `id, account_id, unique_vendor_id, amount_cents, merchant_name,
	is_pending, aggregator_transaction_id, aggregator_pending_transaction_id,
	iso_currency_code, date_posted, created_at`

func scanTransaction(row interface{ Scan(dest ...any) error }) (*models.Transaction, error) {
	var txn models.Transaction
	var vendorID sql.NullString
	err := row.Scan(&txn.ID, &txn.AccountID, &vendorID, &txn.Amount, &txn.MerchantName,
		&txn.IsPending, &txn.AggregatorTransactionID, &txn.AggregatorPendingTransactionID,
		&txn.ISOCurrencyCode, &txn.Date, &txn.DateTimeCaptured)
	if err != nil {
		return nil, err
	}
	txn.UniqueVendorID = vendorID.String
	return &txn, nil
}

func (s *postgresTransactionStore) GetByID(id string) (*models.Transaction, error) {
	txn, err := scanTransaction(s.db.QueryRow(
		`SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return txn, nil
}

// Upsert stores one bank transaction. A posted transaction carrying a
// pending id takes over the pending row it supersedes, keeping the row id
// stable so settlements that already reference it stay linked.
func (s *postgresTransactionStore) Upsert(txn *models.Transaction) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if txn.AggregatorPendingTransactionID != nil {
		err := tx.QueryRow(
			`UPDATE transactions SET
				aggregator_transaction_id = $2,
				aggregator_pending_transaction_id = $1,
				amount_cents = $3,
				merchant_name = $4,
				is_pending = FALSE,
				unique_vendor_id = NULLIF($5, '')::uuid,
				date_posted = $6
			 WHERE aggregator_transaction_id = $1 AND is_pending
			 RETURNING id, created_at`,
			*txn.AggregatorPendingTransactionID, txn.AggregatorTransactionID,
			txn.Amount, txn.MerchantName, txn.UniqueVendorID, txn.Date,
		).Scan(&txn.ID, &txn.DateTimeCaptured)
		if err == nil {
			return tx.Commit()
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("failed to supersede pending transaction: %w", err)
		}
	}

	err = tx.QueryRow(
		`INSERT INTO transactions (account_id, unique_vendor_id, amount_cents, merchant_name,
			is_pending, aggregator_transaction_id, aggregator_pending_transaction_id,
			iso_currency_code, date_posted)
		 VALUES ($1, NULLIF($2, '')::uuid, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (aggregator_transaction_id) DO UPDATE SET
			amount_cents = EXCLUDED.amount_cents,
			merchant_name = EXCLUDED.merchant_name,
			is_pending = EXCLUDED.is_pending,
			unique_vendor_id = EXCLUDED.unique_vendor_id,
			date_posted = EXCLUDED.date_posted
		 RETURNING id, created_at`,
		txn.AccountID, txn.UniqueVendorID, txn.Amount, txn.MerchantName, txn.IsPending,
		txn.AggregatorTransactionID, txn.AggregatorPendingTransactionID,
		txn.ISOCurrencyCode, txn.Date,
	).Scan(&txn.ID, &txn.DateTimeCaptured)
	if err != nil {
		return fmt.Errorf("failed to upsert transaction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction upsert: %w", err)
	}
	return nil
}

func (s *postgresTransactionStore) ListByAccount(accountID string) ([]models.Transaction, error) {
	return s.queryTransactions(
		`SELECT `+transactionColumns+` FROM transactions
		 WHERE account_id = $1 ORDER BY date_posted DESC`, accountID)
}

func (s *postgresTransactionStore) ListByVendorSince(vendorIDs []string, since time.Time) ([]models.Transaction, error) {
	return s.queryTransactions(
		`SELECT `+transactionColumns+` FROM transactions
		 WHERE unique_vendor_id = ANY($1) AND date_posted >= $2
		 ORDER BY date_posted`, pq.Array(vendorIDs), since)
}

func (s *postgresTransactionStore) queryTransactions(query string, args ...any) ([]models.Transaction, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var txns []models.Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txns = append(txns, *txn)
	}
	return txns, rows.Err()
}
