package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/splitwell/splitwell-api/models"
)

type postgresSettlementStore struct {
	db *sql.DB
}

const settlementColumns = `id, shared_expense_id, shared_expense_user_agreement_id,
	matching_transaction_id, source_user_id, source_account_id, destination_user_id,
	destination_account_id, total_transaction_amount_cents, total_fee_amount_cents,
	idempotency_token, rail_transfer_id, rail_transfer_url, transfer_status,
	has_been_transferred_to_destination, date_time_transferred_to_destination,
	number_of_times_attempted, date_time_initiated, date_time_transaction_scheduled,
	date_time_status_updated`

func scanSettlement(row interface{ Scan(dest ...any) error }) (*models.SharedExpenseTransaction, error) {
	var txn models.SharedExpenseTransaction
	err := row.Scan(&txn.ID, &txn.SharedExpenseID, &txn.SharedExpenseUserAgreementID,
		&txn.MatchingTransactionID, &txn.SourceUserID, &txn.SourceAccountID,
		&txn.DestinationUserID, &txn.DestinationAccountID, &txn.TotalTransactionAmount,
		&txn.TotalFeeAmount, &txn.IdempotencyToken, &txn.RailTransferID, &txn.RailTransferURL,
		&txn.TransferStatus, &txn.HasBeenTransferredToDestination,
		&txn.DateTimeTransferredToDestination, &txn.NumberOfTimesAttempted,
		&txn.DateTimeInitiated, &txn.DateTimeTransactionScheduled, &txn.DateTimeStatusUpdated)
	if err != nil {
		return nil, err
	}
	return &txn, nil
}

func (s *postgresSettlementStore) FindOrCreateForMatch(txn *models.SharedExpenseTransaction) (bool, *models.SharedExpenseTransaction, error) {
	err := s.db.QueryRow(
		`INSERT INTO shared_expense_transactions
			(shared_expense_id, shared_expense_user_agreement_id, matching_transaction_id,
			 source_user_id, source_account_id, destination_user_id, destination_account_id,
			 total_transaction_amount_cents, total_fee_amount_cents)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (shared_expense_user_agreement_id, matching_transaction_id)
			WHERE matching_transaction_id IS NOT NULL DO NOTHING
		 RETURNING id, idempotency_token, date_time_initiated`,
		txn.SharedExpenseID, txn.SharedExpenseUserAgreementID, txn.MatchingTransactionID,
		txn.SourceUserID, txn.SourceAccountID, txn.DestinationUserID, txn.DestinationAccountID,
		txn.TotalTransactionAmount, txn.TotalFeeAmount,
	).Scan(&txn.ID, &txn.IdempotencyToken, &txn.DateTimeInitiated)
	if err == nil {
		return true, txn, nil
	}
	if err != sql.ErrNoRows {
		return false, nil, fmt.Errorf("failed to create settlement transaction: %w", err)
	}

	existing, err := scanSettlement(s.db.QueryRow(
		`SELECT `+settlementColumns+` FROM shared_expense_transactions
		 WHERE shared_expense_user_agreement_id = $1 AND matching_transaction_id = $2`,
		txn.SharedExpenseUserAgreementID, txn.MatchingTransactionID))
	if err != nil {
		return false, nil, fmt.Errorf("failed to load settlement transaction: %w", err)
	}
	return false, existing, nil
}

func (s *postgresSettlementStore) FindOrCreateScheduled(txn *models.SharedExpenseTransaction) (bool, *models.SharedExpenseTransaction, error) {
	err := s.db.QueryRow(
		`INSERT INTO shared_expense_transactions
			(shared_expense_id, shared_expense_user_agreement_id, date_time_transaction_scheduled,
			 source_user_id, source_account_id, destination_user_id, destination_account_id,
			 total_transaction_amount_cents, total_fee_amount_cents)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (shared_expense_user_agreement_id, date_time_transaction_scheduled)
			WHERE date_time_transaction_scheduled IS NOT NULL DO NOTHING
		 RETURNING id, idempotency_token, date_time_initiated`,
		txn.SharedExpenseID, txn.SharedExpenseUserAgreementID, txn.DateTimeTransactionScheduled,
		txn.SourceUserID, txn.SourceAccountID, txn.DestinationUserID, txn.DestinationAccountID,
		txn.TotalTransactionAmount, txn.TotalFeeAmount,
	).Scan(&txn.ID, &txn.IdempotencyToken, &txn.DateTimeInitiated)
	if err == nil {
		return true, txn, nil
	}
	if err != sql.ErrNoRows {
		return false, nil, fmt.Errorf("failed to create scheduled settlement: %w", err)
	}

	existing, err := scanSettlement(s.db.QueryRow(
		`SELECT `+settlementColumns+` FROM shared_expense_transactions
		 WHERE shared_expense_user_agreement_id = $1 AND date_time_transaction_scheduled = $2`,
		txn.SharedExpenseUserAgreementID, txn.DateTimeTransactionScheduled))
	if err != nil {
		return false, nil, fmt.Errorf("failed to load scheduled settlement: %w", err)
	}
	return false, existing, nil
}

func (s *postgresSettlementStore) GetByID(id string) (*models.SharedExpenseTransaction, error) {
	txn, err := scanSettlement(s.db.QueryRow(
		`SELECT `+settlementColumns+` FROM shared_expense_transactions WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get settlement transaction: %w", err)
	}
	return txn, nil
}

func (s *postgresSettlementStore) GetByRailTransferID(railTransferID string) (*models.SharedExpenseTransaction, error) {
	txn, err := scanSettlement(s.db.QueryRow(
		`SELECT `+settlementColumns+` FROM shared_expense_transactions WHERE rail_transfer_id = $1`,
		railTransferID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get settlement by rail transfer: %w", err)
	}
	return txn, nil
}

func (s *postgresSettlementStore) ListBySharedExpense(expenseID string) ([]models.SharedExpenseTransaction, error) {
	return s.querySettlements(
		`SELECT `+settlementColumns+` FROM shared_expense_transactions
		 WHERE shared_expense_id = $1 ORDER BY date_time_initiated DESC`, expenseID)
}

func (s *postgresSettlementStore) ListByUser(userID string) ([]models.SharedExpenseTransaction, error) {
	return s.querySettlements(
		`SELECT `+settlementColumns+` FROM shared_expense_transactions
		 WHERE source_user_id = $1 OR destination_user_id = $1
		 ORDER BY date_time_initiated DESC`, userID)
}

func (s *postgresSettlementStore) ListPendingStatus() ([]models.SharedExpenseTransaction, error) {
	return s.querySettlements(
		`SELECT ` + settlementColumns + ` FROM shared_expense_transactions
		 WHERE transfer_status = 'pending' AND rail_transfer_id IS NOT NULL`)
}

func (s *postgresSettlementStore) querySettlements(query string, args ...any) ([]models.SharedExpenseTransaction, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query settlement transactions: %w", err)
	}
	defer rows.Close()

	var txns []models.SharedExpenseTransaction
	for rows.Next() {
		txn, err := scanSettlement(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan settlement transaction: %w", err)
		}
		txns = append(txns, *txn)
	}
	return txns, rows.Err()
}

func (s *postgresSettlementStore) MarkTransferInitiated(id, railTransferID, railTransferURL string, status models.TransferStatus) error {
	if _, err := s.db.Exec(
		`UPDATE shared_expense_transactions
		 SET rail_transfer_id = $2, rail_transfer_url = $3, transfer_status = $4,
			date_time_status_updated = NOW()
		 WHERE id = $1`, id, railTransferID, railTransferURL, status); err != nil {
		return fmt.Errorf("failed to mark transfer initiated: %w", err)
	}
	return nil
}

func (s *postgresSettlementStore) IncrementAttempts(id string) error {
	if _, err := s.db.Exec(
		`UPDATE shared_expense_transactions
		 SET number_of_times_attempted = number_of_times_attempted + 1
		 WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to increment attempts: %w", err)
	}
	return nil
}

func (s *postgresSettlementStore) UpdateStatus(id string, status models.TransferStatus, at time.Time) error {
	var err error
	if status == models.TransferStatusProcessed {
		_, err = s.db.Exec(
			`UPDATE shared_expense_transactions
			 SET transfer_status = $2, date_time_status_updated = $3,
				has_been_transferred_to_destination = TRUE,
				date_time_transferred_to_destination = $3
			 WHERE id = $1`, id, status, at)
	} else {
		_, err = s.db.Exec(
			`UPDATE shared_expense_transactions
			 SET transfer_status = $2, date_time_status_updated = $3
			 WHERE id = $1`, id, status, at)
	}
	if err != nil {
		return fmt.Errorf("failed to update transfer status: %w", err)
	}
	return nil
}

const withheldColumns = `id, shared_expense_transaction_id, shared_expense_user_agreement_id,
	matching_transaction_id, withholding_reason, funds_available_at_time_of_attempt_cents,
	total_contribution_amount_cents, date_time_attempted, has_been_reconciled,
	date_time_reconciled, date_time_original_payment_scheduled`

func scanWithheld(row interface{ Scan(dest ...any) error }) (*models.SharedExpenseWithheldTransaction, error) {
	var withheld models.SharedExpenseWithheldTransaction
	err := row.Scan(&withheld.ID, &withheld.SharedExpenseTransactionID,
		&withheld.SharedExpenseUserAgreementID, &withheld.MatchingTransactionID,
		&withheld.WithholdingReason, &withheld.FundsAvailableAtTimeOfAttempt,
		&withheld.TotalContributionAmount, &withheld.DateTimeAttempted,
		&withheld.HasBeenReconciled, &withheld.DateTimeReconciled,
		&withheld.DateTimeOriginalPaymentScheduled)
	if err != nil {
		return nil, err
	}
	return &withheld, nil
}

func (s *postgresSettlementStore) CreateWithheld(row *models.SharedExpenseWithheldTransaction) error {
	err := s.db.QueryRow(
		`INSERT INTO shared_expense_withheld_transactions
			(shared_expense_transaction_id, shared_expense_user_agreement_id,
			 matching_transaction_id, withholding_reason,
			 funds_available_at_time_of_attempt_cents, total_contribution_amount_cents,
			 date_time_original_payment_scheduled)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id, date_time_attempted`,
		row.SharedExpenseTransactionID, row.SharedExpenseUserAgreementID,
		row.MatchingTransactionID, row.WithholdingReason, row.FundsAvailableAtTimeOfAttempt,
		row.TotalContributionAmount, row.DateTimeOriginalPaymentScheduled,
	).Scan(&row.ID, &row.DateTimeAttempted)
	if err != nil {
		return fmt.Errorf("failed to record withheld transaction: %w", err)
	}
	return nil
}

// ReconcileWithheld stamps every open withheld row under a settlement
// transaction, not just the latest one.
func (s *postgresSettlementStore) ReconcileWithheld(settlementTransactionID string, at time.Time) error {
	if _, err := s.db.Exec(
		`UPDATE shared_expense_withheld_transactions
		 SET has_been_reconciled = TRUE, date_time_reconciled = $2
		 WHERE shared_expense_transaction_id = $1 AND NOT has_been_reconciled`,
		settlementTransactionID, at); err != nil {
		return fmt.Errorf("failed to reconcile withheld transactions: %w", err)
	}
	return nil
}

func (s *postgresSettlementStore) ListRetryableWithheld(attemptedBefore time.Time) ([]models.SharedExpenseWithheldTransaction, error) {
	rows, err := s.db.Query(
		`SELECT DISTINCT ON (w.shared_expense_transaction_id)
			w.id, w.shared_expense_transaction_id, w.shared_expense_user_agreement_id,
			w.matching_transaction_id, w.withholding_reason,
			w.funds_available_at_time_of_attempt_cents, w.total_contribution_amount_cents,
			w.date_time_attempted, w.has_been_reconciled, w.date_time_reconciled,
			w.date_time_original_payment_scheduled
		 FROM shared_expense_withheld_transactions w
		 JOIN shared_expense_transactions t ON t.id = w.shared_expense_transaction_id
		 WHERE NOT w.has_been_reconciled
		   AND NOT t.has_been_transferred_to_destination
		 ORDER BY w.shared_expense_transaction_id, w.date_time_attempted DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query withheld transactions: %w", err)
	}
	defer rows.Close()

	var results []models.SharedExpenseWithheldTransaction
	for rows.Next() {
		withheld, err := scanWithheld(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan withheld transaction: %w", err)
		}
		// The DISTINCT ON row is the latest attempt; anything newer than the
		// cutoff waits for the next sweep.
		if withheld.DateTimeAttempted.After(attemptedBefore) {
			continue
		}
		results = append(results, *withheld)
	}
	return results, rows.Err()
}

func (s *postgresSettlementStore) RecordEvent(event *models.SharedExpenseTransactionEvent) (bool, error) {
	err := s.db.QueryRow(
		`INSERT INTO shared_expense_transaction_events
			(shared_expense_transaction_id, event_uuid, topic, payload, posted_at)
		 VALUES (NULLIF($1, '')::uuid, $2, $3, $4::jsonb, $5)
		 ON CONFLICT (event_uuid) DO NOTHING
		 RETURNING id, recorded_at`,
		event.SharedExpenseTransactionID, event.EventUUID, event.Topic, event.Payload,
		event.DateTimePosted,
	).Scan(&event.ID, &event.DateTimeRecorded)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to record transaction event: %w", err)
	}
	return true, nil
}
