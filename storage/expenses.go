package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/splitwell/splitwell-api/models"
)

type postgresExpenseStore struct {
	db *sql.DB
}

const expenseColumns = `id, expense_type, nickname, owner_user_id, owner_source_account_id,
	owner_destination_account_id, unique_vendor_id, recurrence_interval, recurrence_frequency,
	target_date_of_first_charge, date_next_payment_scheduled, recurring_payment_end_date,
	is_active, is_pending, created_at, deactivated_at`

func scanExpense(row interface{ Scan(dest ...any) error }) (*models.SharedExpense, error) {
	var expense models.SharedExpense
	var sourceAccount sql.NullString
	err := row.Scan(&expense.ID, &expense.ExpenseType, &expense.Nickname, &expense.OwnerUserID,
		&sourceAccount, &expense.OwnerDestinationAccountID, &expense.UniqueVendorID,
		&expense.RecurrenceInterval, &expense.RecurrenceFrequency,
		&expense.TargetDateOfFirstCharge, &expense.DateNextPaymentScheduled,
		&expense.RecurringPaymentEndDate, &expense.IsActive, &expense.IsPending,
		&expense.DateTimeCreated, &expense.DateTimeDeactivated)
	if err != nil {
		return nil, err
	}
	expense.OwnerSourceAccountID = sourceAccount.String
	return &expense, nil
}

// Create stores the expense together with its initial agreements and email
// invites in one transaction so a half-built expense can never settle.
func (s *postgresExpenseStore) Create(expense *models.SharedExpense, agreements []models.SharedExpenseUserAgreement, invites []models.UserInvite) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRow(
		`INSERT INTO shared_expenses (expense_type, nickname, owner_user_id,
			owner_source_account_id, owner_destination_account_id, unique_vendor_id,
			recurrence_interval, recurrence_frequency, target_date_of_first_charge,
			date_next_payment_scheduled, recurring_payment_end_date)
		 VALUES ($1, $2, $3, NULLIF($4, '')::uuid, $5, $6, $7, $8, $9, $10, $11)
		 RETURNING id, created_at`,
		expense.ExpenseType, expense.Nickname, expense.OwnerUserID,
		expense.OwnerSourceAccountID, expense.OwnerDestinationAccountID,
		expense.UniqueVendorID, expense.RecurrenceInterval, expense.RecurrenceFrequency,
		expense.TargetDateOfFirstCharge, expense.DateNextPaymentScheduled,
		expense.RecurringPaymentEndDate,
	).Scan(&expense.ID, &expense.DateTimeCreated)
	if err != nil {
		return fmt.Errorf("failed to create shared expense: %w", err)
	}

	for i := range agreements {
		agreement := &agreements[i]
		agreement.SharedExpenseID = expense.ID
		err = tx.QueryRow(
			`INSERT INTO shared_expense_user_agreements
				(shared_expense_id, user_id, contribution_type, contribution_value, payment_account_id)
			 VALUES ($1, $2, $3, $4, $5)
			 RETURNING id, created_at`,
			agreement.SharedExpenseID, agreement.UserID, agreement.ContributionType,
			agreement.ContributionValue, agreement.PaymentAccountID,
		).Scan(&agreement.ID, &agreement.DateTimeCreated)
		if err != nil {
			return fmt.Errorf("failed to create agreement: %w", err)
		}
	}

	for i := range invites {
		invite := &invites[i]
		invite.SharedExpenseID = expense.ID
		err = tx.QueryRow(
			`INSERT INTO user_invites (shared_expense_id, email, contribution_type, contribution_value)
			 VALUES ($1, LOWER($2), $3, $4)
			 ON CONFLICT (shared_expense_id, email) DO UPDATE SET
				contribution_type = EXCLUDED.contribution_type,
				contribution_value = EXCLUDED.contribution_value
			 RETURNING id, created_at`,
			invite.SharedExpenseID, invite.Email, invite.ContributionType, invite.ContributionValue,
		).Scan(&invite.ID, &invite.DateTimeCreated)
		if err != nil {
			return fmt.Errorf("failed to create invite: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit shared expense: %w", err)
	}
	return nil
}

func (s *postgresExpenseStore) GetByID(id string) (*models.SharedExpense, error) {
	expense, err := scanExpense(s.db.QueryRow(
		`SELECT `+expenseColumns+` FROM shared_expenses WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get shared expense: %w", err)
	}
	return expense, nil
}

func (s *postgresExpenseStore) ListByUser(userID string) ([]models.SharedExpense, error) {
	return s.queryExpenses(
		`SELECT DISTINCT e.id, e.expense_type, e.nickname, e.owner_user_id, e.owner_source_account_id,
			e.owner_destination_account_id, e.unique_vendor_id, e.recurrence_interval,
			e.recurrence_frequency, e.target_date_of_first_charge, e.date_next_payment_scheduled,
			e.recurring_payment_end_date, e.is_active, e.is_pending, e.created_at, e.deactivated_at
		 FROM shared_expenses e
		 LEFT JOIN shared_expense_user_agreements a ON a.shared_expense_id = e.id
		 WHERE e.owner_user_id = $1 OR a.user_id = $1
		 ORDER BY e.created_at DESC`, userID)
}

func (s *postgresExpenseStore) ListActiveByVendorIDs(vendorIDs []string) ([]models.SharedExpense, error) {
	return s.queryExpenses(
		`SELECT `+expenseColumns+` FROM shared_expenses
		 WHERE expense_type = 'SHARED_BILL' AND is_active AND unique_vendor_id = ANY($1)`,
		pq.Array(vendorIDs))
}

func (s *postgresExpenseStore) ListActiveRecurringDueBy(cutoff time.Time) ([]models.SharedExpense, error) {
	return s.queryExpenses(
		`SELECT `+expenseColumns+` FROM shared_expenses
		 WHERE expense_type = 'RECURRING_PAYMENT' AND is_active
		   AND date_next_payment_scheduled <= $1`, cutoff)
}

func (s *postgresExpenseStore) ListActiveRecurringScheduledOn(day time.Time) ([]models.SharedExpense, error) {
	return s.queryExpenses(
		`SELECT `+expenseColumns+` FROM shared_expenses
		 WHERE expense_type = 'RECURRING_PAYMENT' AND is_active
		   AND date_next_payment_scheduled >= $1
		   AND date_next_payment_scheduled < $1 + INTERVAL '1 day'`,
		day)
}

func (s *postgresExpenseStore) ListByAccount(accountID string) ([]models.SharedExpense, error) {
	return s.queryExpenses(
		`SELECT DISTINCT e.id, e.expense_type, e.nickname, e.owner_user_id, e.owner_source_account_id,
			e.owner_destination_account_id, e.unique_vendor_id, e.recurrence_interval,
			e.recurrence_frequency, e.target_date_of_first_charge, e.date_next_payment_scheduled,
			e.recurring_payment_end_date, e.is_active, e.is_pending, e.created_at, e.deactivated_at
		 FROM shared_expenses e
		 LEFT JOIN shared_expense_user_agreements a ON a.shared_expense_id = e.id
		 WHERE e.owner_source_account_id = $1 OR e.owner_destination_account_id = $1
			OR a.payment_account_id = $1`, accountID)
}

func (s *postgresExpenseStore) ListUnsettledBills() ([]models.SharedExpense, error) {
	return s.queryExpenses(
		`SELECT e.id, e.expense_type, e.nickname, e.owner_user_id, e.owner_source_account_id,
			e.owner_destination_account_id, e.unique_vendor_id, e.recurrence_interval,
			e.recurrence_frequency, e.target_date_of_first_charge, e.date_next_payment_scheduled,
			e.recurring_payment_end_date, e.is_active, e.is_pending, e.created_at, e.deactivated_at
		 FROM shared_expenses e
		 WHERE e.expense_type = 'SHARED_BILL' AND e.is_active
			AND NOT EXISTS (
				SELECT 1 FROM shared_expense_transactions t WHERE t.shared_expense_id = e.id)
		 ORDER BY e.created_at`)
}

func (s *postgresExpenseStore) queryExpenses(query string, args ...any) ([]models.SharedExpense, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query shared expenses: %w", err)
	}
	defer rows.Close()

	var expenses []models.SharedExpense
	for rows.Next() {
		expense, err := scanExpense(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan shared expense: %w", err)
		}
		expenses = append(expenses, *expense)
	}
	return expenses, rows.Err()
}

func (s *postgresExpenseStore) AdvanceSchedule(expenseID string, from, next time.Time) error {
	if _, err := s.db.Exec(
		`UPDATE shared_expenses SET date_next_payment_scheduled = $3
		 WHERE id = $1 AND date_next_payment_scheduled = $2`,
		expenseID, from, next); err != nil {
		return fmt.Errorf("failed to advance payment schedule: %w", err)
	}
	return nil
}

// Deactivate retires the expense and every agreement under it. The
// scheduled date is left untouched for audit.
func (s *postgresExpenseStore) Deactivate(expenseID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`UPDATE shared_expenses SET is_active = FALSE, is_pending = FALSE, deactivated_at = NOW()
		 WHERE id = $1 AND deactivated_at IS NULL`, expenseID); err != nil {
		return fmt.Errorf("failed to deactivate shared expense: %w", err)
	}
	if _, err := tx.Exec(
		`UPDATE shared_expense_user_agreements
		 SET is_active = FALSE, is_pending = FALSE, became_inactive_at = NOW()
		 WHERE shared_expense_id = $1 AND became_inactive_at IS NULL`, expenseID); err != nil {
		return fmt.Errorf("failed to deactivate agreements: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit deactivation: %w", err)
	}
	return nil
}

func (s *postgresExpenseStore) Activate(expenseID string) error {
	if _, err := s.db.Exec(
		`UPDATE shared_expenses SET is_active = TRUE, is_pending = FALSE WHERE id = $1`,
		expenseID); err != nil {
		return fmt.Errorf("failed to activate shared expense: %w", err)
	}
	return nil
}

const agreementColumns = `id, shared_expense_id, user_id, contribution_type, contribution_value,
	payment_account_id, is_active, is_pending, created_at, became_active_at, became_inactive_at`

func scanAgreement(row interface{ Scan(dest ...any) error }) (*models.SharedExpenseUserAgreement, error) {
	var agreement models.SharedExpenseUserAgreement
	err := row.Scan(&agreement.ID, &agreement.SharedExpenseID, &agreement.UserID,
		&agreement.ContributionType, &agreement.ContributionValue, &agreement.PaymentAccountID,
		&agreement.IsActive, &agreement.IsPending, &agreement.DateTimeCreated,
		&agreement.DateTimeBecameActive, &agreement.DateTimeBecameInactive)
	if err != nil {
		return nil, err
	}
	return &agreement, nil
}

func (s *postgresExpenseStore) CreateAgreement(agreement *models.SharedExpenseUserAgreement) error {
	err := s.db.QueryRow(
		`INSERT INTO shared_expense_user_agreements
			(shared_expense_id, user_id, contribution_type, contribution_value, payment_account_id)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at`,
		agreement.SharedExpenseID, agreement.UserID, agreement.ContributionType,
		agreement.ContributionValue, agreement.PaymentAccountID,
	).Scan(&agreement.ID, &agreement.DateTimeCreated)
	if err != nil {
		return fmt.Errorf("failed to create agreement: %w", err)
	}
	return nil
}

func (s *postgresExpenseStore) GetAgreement(id string) (*models.SharedExpenseUserAgreement, error) {
	agreement, err := scanAgreement(s.db.QueryRow(
		`SELECT `+agreementColumns+` FROM shared_expense_user_agreements WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agreement: %w", err)
	}
	return agreement, nil
}

func (s *postgresExpenseStore) ListAgreements(expenseID string, activeOnly bool) ([]models.SharedExpenseUserAgreement, error) {
	query := `SELECT ` + agreementColumns + ` FROM shared_expense_user_agreements
		 WHERE shared_expense_id = $1`
	if activeOnly {
		query += ` AND is_active`
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.Query(query, expenseID)
	if err != nil {
		return nil, fmt.Errorf("failed to list agreements: %w", err)
	}
	defer rows.Close()

	var agreements []models.SharedExpenseUserAgreement
	for rows.Next() {
		agreement, err := scanAgreement(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agreement: %w", err)
		}
		agreements = append(agreements, *agreement)
	}
	return agreements, rows.Err()
}

func (s *postgresExpenseStore) ListPendingAgreementsByUser(userID string) ([]models.SharedExpenseUserAgreement, error) {
	rows, err := s.db.Query(
		`SELECT `+agreementColumns+` FROM shared_expense_user_agreements
		 WHERE user_id = $1 AND is_pending ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending agreements: %w", err)
	}
	defer rows.Close()

	var agreements []models.SharedExpenseUserAgreement
	for rows.Next() {
		agreement, err := scanAgreement(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agreement: %w", err)
		}
		agreements = append(agreements, *agreement)
	}
	return agreements, rows.Err()
}

func (s *postgresExpenseStore) ResolveAgreement(agreementID string, accepted bool, paymentAccountID *string) (*models.SharedExpenseUserAgreement, error) {
	var agreement *models.SharedExpenseUserAgreement
	var err error
	if accepted {
		agreement, err = scanAgreement(s.db.QueryRow(
			`UPDATE shared_expense_user_agreements
			 SET is_pending = FALSE, is_active = TRUE, payment_account_id = COALESCE($2, payment_account_id),
				became_active_at = NOW()
			 WHERE id = $1 AND is_pending
			 RETURNING `+agreementColumns, agreementID, paymentAccountID))
	} else {
		agreement, err = scanAgreement(s.db.QueryRow(
			`UPDATE shared_expense_user_agreements
			 SET is_pending = FALSE, is_active = FALSE, became_inactive_at = NOW()
			 WHERE id = $1 AND is_pending
			 RETURNING `+agreementColumns, agreementID))
	}
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve agreement: %w", err)
	}
	return agreement, nil
}

func (s *postgresExpenseStore) DeactivateAgreement(agreementID string) error {
	if _, err := s.db.Exec(
		`UPDATE shared_expense_user_agreements
		 SET is_active = FALSE, is_pending = FALSE, became_inactive_at = NOW()
		 WHERE id = $1`, agreementID); err != nil {
		return fmt.Errorf("failed to deactivate agreement: %w", err)
	}
	return nil
}

// CountUnresolvedParticipants counts pending agreements plus unconverted
// invites. An expense activates when this reaches zero.
func (s *postgresExpenseStore) CountUnresolvedParticipants(expenseID string) (int, error) {
	var count int
	err := s.db.QueryRow(
		`SELECT
			(SELECT COUNT(*) FROM shared_expense_user_agreements WHERE shared_expense_id = $1 AND is_pending) +
			(SELECT COUNT(*) FROM user_invites WHERE shared_expense_id = $1 AND NOT is_converted)`,
		expenseID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count unresolved participants: %w", err)
	}
	return count, nil
}

func (s *postgresExpenseStore) CreateInvite(invite *models.UserInvite) error {
	err := s.db.QueryRow(
		`INSERT INTO user_invites (shared_expense_id, email, contribution_type, contribution_value)
		 VALUES ($1, LOWER($2), $3, $4)
		 ON CONFLICT (shared_expense_id, email) DO UPDATE SET
			contribution_type = EXCLUDED.contribution_type,
			contribution_value = EXCLUDED.contribution_value
		 RETURNING id, created_at`,
		invite.SharedExpenseID, invite.Email, invite.ContributionType, invite.ContributionValue,
	).Scan(&invite.ID, &invite.DateTimeCreated)
	if err != nil {
		return fmt.Errorf("failed to create invite: %w", err)
	}
	return nil
}

func (s *postgresExpenseStore) ListInvitesByEmail(email string) ([]models.UserInvite, error) {
	rows, err := s.db.Query(
		`SELECT id, shared_expense_id, email, contribution_type, contribution_value, is_converted, created_at
		 FROM user_invites WHERE email = LOWER($1) AND NOT is_converted`, email)
	if err != nil {
		return nil, fmt.Errorf("failed to list invites: %w", err)
	}
	defer rows.Close()

	var invites []models.UserInvite
	for rows.Next() {
		var invite models.UserInvite
		if err := rows.Scan(&invite.ID, &invite.SharedExpenseID, &invite.Email,
			&invite.ContributionType, &invite.ContributionValue, &invite.IsConverted,
			&invite.DateTimeCreated); err != nil {
			return nil, fmt.Errorf("failed to scan invite: %w", err)
		}
		invites = append(invites, invite)
	}
	return invites, rows.Err()
}

func (s *postgresExpenseStore) MarkInviteConverted(inviteID string) error {
	if _, err := s.db.Exec(
		`UPDATE user_invites SET is_converted = TRUE WHERE id = $1`, inviteID); err != nil {
		return fmt.Errorf("failed to mark invite converted: %w", err)
	}
	return nil
}
