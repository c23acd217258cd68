package models

import (
	"fmt"
	"time"

	"github.com/splitwell/splitwell-api/money"
)

type SharedExpenseType string

const (
	// SharedBill settles whenever a monitored account is charged by the
	// agreed vendor.
	SharedBill SharedExpenseType = "SHARED_BILL"
	// RecurringPayment settles on a fixed schedule regardless of any bank
	// activity.
	RecurringPayment SharedExpenseType = "RECURRING_PAYMENT"
)

type RecurringInterval string

const (
	IntervalDays   RecurringInterval = "DAYS"
	IntervalMonths RecurringInterval = "MONTHS"
	IntervalYears  RecurringInterval = "YEARS"
)

type SharedExpense struct {
	ID          string            `json:"id"`
	ExpenseType SharedExpenseType `json:"expense_type"`
	Nickname    string            `json:"nickname"`
	OwnerUserID string            `json:"owner_user_id"`
	// The account watched for matching vendor charges. May be a credit card.
	OwnerSourceAccountID string `json:"owner_source_account_id"`
	// The depository account that receives settlement funds.
	OwnerDestinationAccountID string  `json:"owner_destination_account_id"`
	UniqueVendorID            *string `json:"unique_vendor_id"`

	RecurrenceInterval       *RecurringInterval `json:"recurrence_interval"`
	RecurrenceFrequency      *int               `json:"recurrence_frequency"`
	TargetDateOfFirstCharge  *time.Time         `json:"target_date_of_first_charge"`
	DateNextPaymentScheduled *time.Time         `json:"date_next_payment_scheduled"`
	RecurringPaymentEndDate  *time.Time         `json:"recurring_payment_end_date"`

	IsActive            bool       `json:"is_active"`
	IsPending           bool       `json:"is_pending"`
	DateTimeCreated     time.Time  `json:"created_at"`
	DateTimeDeactivated *time.Time `json:"deactivated_at"`
}

// FrequencyDescription renders a recurrence as "2 months", "45 days", etc.
// for notification copy.
func (e *SharedExpense) FrequencyDescription() string {
	if e.RecurrenceInterval == nil || e.RecurrenceFrequency == nil {
		return ""
	}

	var unit string
	switch *e.RecurrenceInterval {
	case IntervalMonths:
		unit = "month"
	case IntervalYears:
		unit = "year"
	default:
		unit = "day"
	}

	if *e.RecurrenceFrequency == 1 {
		return fmt.Sprintf("1 %s", unit)
	}
	return fmt.Sprintf("%d %ss", *e.RecurrenceFrequency, unit)
}

type ContributionType string

const (
	ContributionPercentage  ContributionType = "PERCENTAGE"
	ContributionFixed       ContributionType = "FIXED"
	ContributionSplitEvenly ContributionType = "SPLIT_EVENLY"
)

// SharedExpenseUserAgreement is one participant's commitment within a
// shared expense. ContributionValue is null for SPLIT_EVENLY; for
// PERCENTAGE it holds the whole-number percent, for FIXED the amount in
// minor units.
type SharedExpenseUserAgreement struct {
	ID                     string           `json:"id"`
	SharedExpenseID        string           `json:"shared_expense_id"`
	UserID                 string           `json:"user_id"`
	ContributionType       ContributionType `json:"contribution_type"`
	ContributionValue      *int64           `json:"contribution_value"`
	PaymentAccountID       *string          `json:"payment_account_id"`
	IsActive               bool             `json:"is_active"`
	IsPending              bool             `json:"is_pending"`
	DateTimeCreated        time.Time        `json:"created_at"`
	DateTimeBecameActive   *time.Time       `json:"became_active_at"`
	DateTimeBecameInactive *time.Time       `json:"became_inactive_at"`
}

// AgreementDescription renders the ask for invitation copy, e.g.
// "pay 25% of the cost of Rent".
func (a *SharedExpenseUserAgreement) AgreementDescription(expenseName string) string {
	switch a.ContributionType {
	case ContributionSplitEvenly:
		return fmt.Sprintf("split the cost of %s evenly", expenseName)
	case ContributionPercentage:
		return fmt.Sprintf("pay %d%% of the cost of %s", *a.ContributionValue, expenseName)
	default:
		amount := money.FromCents(*a.ContributionValue)
		return fmt.Sprintf("pay %s for %s", amount.Format(), expenseName)
	}
}

// UserInvite is an invitation extended to an email address that has no
// account yet. On signup it converts into a pending agreement.
type UserInvite struct {
	ID                string           `json:"id"`
	SharedExpenseID   string           `json:"shared_expense_id"`
	Email             string           `json:"email"`
	ContributionType  ContributionType `json:"contribution_type"`
	ContributionValue *int64           `json:"contribution_value"`
	IsConverted       bool             `json:"is_converted"`
	DateTimeCreated   time.Time        `json:"created_at"`
}

type CreateSharedBillRequest struct {
	Nickname             string                  `json:"nickname" binding:"required"`
	UniqueVendorID       string                  `json:"unique_vendor_id" binding:"required"`
	SourceAccountID      string                  `json:"source_account_id" binding:"required"`
	DestinationAccountID string                  `json:"destination_account_id" binding:"required"`
	ActiveUsers          map[string]Contribution `json:"active_users"`
	ProspectiveUsers     map[string]Contribution `json:"prospective_users"`
}

type CreateRecurringPaymentRequest struct {
	Nickname             string                  `json:"nickname" binding:"required"`
	DestinationAccountID string                  `json:"destination_account_id" binding:"required"`
	Interval             RecurringInterval       `json:"interval" binding:"required"`
	Frequency            int                     `json:"frequency" binding:"required"`
	StartDate            string                  `json:"start_date" binding:"required"`
	EndDate              string                  `json:"end_date"`
	ActiveUsers          map[string]Contribution `json:"active_users"`
	ProspectiveUsers     map[string]Contribution `json:"prospective_users"`
}

type Contribution struct {
	ContributionType  ContributionType `json:"contribution_type" binding:"required"`
	ContributionValue *int64           `json:"contribution_value"`
}

type AgreementDecisionRequest struct {
	Accept           bool    `json:"accept"`
	PaymentAccountID *string `json:"payment_account_id"`
}
