package models

import (
	"time"

	"github.com/splitwell/splitwell-api/money"
)

// Transaction is one bank transaction captured from the aggregator feed.
type Transaction struct {
	ID                             string       `json:"id"`
	AccountID                      string       `json:"account_id"`
	UniqueVendorID                 string       `json:"unique_vendor_id"`
	Amount                         money.Amount `json:"amount"`
	MerchantName                   string       `json:"merchant_name"`
	IsPending                      bool         `json:"is_pending"`
	AggregatorTransactionID        string       `json:"-"`
	AggregatorPendingTransactionID *string      `json:"-"`
	ISOCurrencyCode                string       `json:"iso_currency_code"`
	Date                           time.Time    `json:"date"`
	DateTimeCaptured               time.Time    `json:"captured_at"`
}

type TransferStatus string

const (
	TransferStatusPending   TransferStatus = "pending"
	TransferStatusProcessed TransferStatus = "processed"
	TransferStatusFailed    TransferStatus = "failed"
	TransferStatusCancelled TransferStatus = "cancelled"
)

// SharedExpenseTransaction is one concrete money-movement attempt between a
// payer and the expense owner. There is at most one row per
// (agreement, triggering bank transaction) and per (agreement, scheduled
// date) for recurring payments; the database enforces both.
type SharedExpenseTransaction struct {
	ID                           string  `json:"id"`
	SharedExpenseID              string  `json:"shared_expense_id"`
	SharedExpenseUserAgreementID string  `json:"shared_expense_user_agreement_id"`
	MatchingTransactionID        *string `json:"matching_transaction_id"`

	SourceUserID         string `json:"source_user_id"`
	SourceAccountID      string `json:"source_account_id"`
	DestinationUserID    string `json:"destination_user_id"`
	DestinationAccountID string `json:"destination_account_id"`

	TotalTransactionAmount money.Amount `json:"total_transaction_amount"`
	TotalFeeAmount         money.Amount `json:"total_fee_amount"`

	// Sent to the payment rail so a retried request cannot double-charge.
	IdempotencyToken string `json:"-"`

	RailTransferID  *string         `json:"rail_transfer_id"`
	RailTransferURL *string         `json:"-"`
	TransferStatus  *TransferStatus `json:"transfer_status"`

	HasBeenTransferredToDestination  bool       `json:"has_been_transferred_to_destination"`
	DateTimeTransferredToDestination *time.Time `json:"transferred_at"`

	NumberOfTimesAttempted       int        `json:"number_of_times_attempted"`
	DateTimeInitiated            time.Time  `json:"initiated_at"`
	DateTimeTransactionScheduled *time.Time `json:"scheduled_for"`
	DateTimeStatusUpdated        *time.Time `json:"status_updated_at"`
}

type WithholdingReason string

const (
	WithholdingInsufficientFunds    WithholdingReason = "INSUFFICIENT_FUNDS"
	WithholdingInvalidFundingSource WithholdingReason = "INVALID_FUNDING_SOURCE"
	WithholdingInvalidAccessToken   WithholdingReason = "INVALID_ACCESS_TOKEN"
	WithholdingForbidden            WithholdingReason = "FORBIDDEN"
	WithholdingNoRealTimeBalance    WithholdingReason = "UNABLE_TO_GET_REAL_TIME_BALANCE"
	WithholdingUnknown              WithholdingReason = "UNKNOWN"
)

// SharedExpenseWithheldTransaction records one failed settlement attempt.
// A transaction that fails repeatedly accumulates one row per attempt;
// every unreconciled row is stamped reconciled when the underlying
// transaction finally transfers.
type SharedExpenseWithheldTransaction struct {
	ID                               string            `json:"id"`
	SharedExpenseTransactionID       string            `json:"shared_expense_transaction_id"`
	SharedExpenseUserAgreementID     string            `json:"shared_expense_user_agreement_id"`
	MatchingTransactionID            *string           `json:"matching_transaction_id"`
	WithholdingReason                WithholdingReason `json:"withholding_reason"`
	FundsAvailableAtTimeOfAttempt    *money.Amount     `json:"funds_available_at_time_of_attempt"`
	TotalContributionAmount          money.Amount      `json:"total_contribution_amount"`
	DateTimeAttempted                time.Time         `json:"attempted_at"`
	HasBeenReconciled                bool              `json:"has_been_reconciled"`
	DateTimeReconciled               *time.Time        `json:"reconciled_at"`
	DateTimeOriginalPaymentScheduled *time.Time        `json:"original_payment_scheduled_for"`
}

// SharedExpenseTransactionEvent logs one webhook event delivered by the
// payment rail. EventUUID is unique, which makes redelivery a no-op.
type SharedExpenseTransactionEvent struct {
	ID                         string    `json:"id"`
	SharedExpenseTransactionID string    `json:"shared_expense_transaction_id"`
	EventUUID                  string    `json:"event_uuid"`
	Topic                      string    `json:"topic"`
	Payload                    string    `json:"payload"`
	DateTimePosted             time.Time `json:"posted_at"`
	DateTimeRecorded           time.Time `json:"recorded_at"`
}

// TransferWebhookPayload is the JSON body the payment rail posts to the
// webhook endpoint.
type TransferWebhookPayload struct {
	ID         string `json:"id" binding:"required"`
	ResourceID string `json:"resourceId" binding:"required"`
	Topic      string `json:"topic" binding:"required"`
	Created    string `json:"created"`
}
