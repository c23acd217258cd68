// Package storage holds the Postgres persistence layer. Every store is
// exposed behind an interface so services can be tested against in-memory
// fakes without a database.
package storage

import (
	"database/sql"
	"time"

	"github.com/splitwell/splitwell-api/models"
)

type UserStore interface {
	GetByID(id string) (*models.User, error)
	GetByEmail(email string) (*models.User, error)
	GetByRailCustomerID(railCustomerID string) (*models.User, error)
	Create(user *models.User) error
	SetReverificationNeeded(userID string, needed bool) (*models.User, error)
	SoftDelete(userID string) error
}

type AccountStore interface {
	GetByID(id string) (*models.BankAccount, error)
	ListByUser(userID string) ([]models.BankAccount, error)
	ListActiveByItemID(itemID string) ([]models.BankAccount, error)
	Upsert(account *models.BankAccount) error
	SetSyncCursor(accountID, cursor string) error
	SetRequiresRelink(accountID string, requiresRelink bool) error
	SetRailFundingSource(accountID, fundingSourceURL string) error
	Deactivate(accountID string) error
}

type VendorStore interface {
	GetByID(id string) (*models.UniqueVendor, error)
	List() ([]models.UniqueVendor, error)
	Search(term string) ([]models.UniqueVendor, error)
	FindOrCreate(friendlyName, normalizedName string) (*models.UniqueVendor, error)
	CreateAssociation(assoc *models.UniqueVendorAssociation) error
	// RelatedVendorIDs returns the ids reachable from vendorID through
	// associations in either direction, vendorID included.
	RelatedVendorIDs(vendorID string) ([]string, error)
	AddToWatchlist(vendorID, notes string) error
	RemoveFromWatchlist(vendorID string) error
	ListWatchlist() ([]models.UniqueVendor, error)
}

type ExpenseStore interface {
	Create(expense *models.SharedExpense, agreements []models.SharedExpenseUserAgreement, invites []models.UserInvite) error
	GetByID(id string) (*models.SharedExpense, error)
	ListByUser(userID string) ([]models.SharedExpense, error)
	ListActiveByVendorIDs(vendorIDs []string) ([]models.SharedExpense, error)
	ListActiveRecurringDueBy(cutoff time.Time) ([]models.SharedExpense, error)
	ListActiveRecurringScheduledOn(day time.Time) ([]models.SharedExpense, error)
	ListByAccount(accountID string) ([]models.SharedExpense, error)
	// ListUnsettledBills returns active shared bills that have never
	// produced a settlement transaction. Ops uses it to spot vendors
	// whose charges are not matching.
	ListUnsettledBills() ([]models.SharedExpense, error)
	// AdvanceSchedule moves the next payment date only if it still reads
	// `from`, so concurrent settlers of the same slot advance it once.
	AdvanceSchedule(expenseID string, from, next time.Time) error
	Deactivate(expenseID string) error
	Activate(expenseID string) error

	CreateAgreement(agreement *models.SharedExpenseUserAgreement) error
	GetAgreement(id string) (*models.SharedExpenseUserAgreement, error)
	ListAgreements(expenseID string, activeOnly bool) ([]models.SharedExpenseUserAgreement, error)
	ListPendingAgreementsByUser(userID string) ([]models.SharedExpenseUserAgreement, error)
	ResolveAgreement(agreementID string, accepted bool, paymentAccountID *string) (*models.SharedExpenseUserAgreement, error)
	DeactivateAgreement(agreementID string) error
	CountUnresolvedParticipants(expenseID string) (int, error)

	CreateInvite(invite *models.UserInvite) error
	ListInvitesByEmail(email string) ([]models.UserInvite, error)
	MarkInviteConverted(inviteID string) error
}

type SettlementStore interface {
	// FindOrCreateForMatch inserts a settlement row keyed on the agreement
	// and the triggering bank transaction. Returns created=false when the
	// pair was already settled.
	FindOrCreateForMatch(txn *models.SharedExpenseTransaction) (bool, *models.SharedExpenseTransaction, error)
	// FindOrCreateScheduled is the recurring-payment analogue, keyed on the
	// agreement and the scheduled date.
	FindOrCreateScheduled(txn *models.SharedExpenseTransaction) (bool, *models.SharedExpenseTransaction, error)
	GetByID(id string) (*models.SharedExpenseTransaction, error)
	GetByRailTransferID(railTransferID string) (*models.SharedExpenseTransaction, error)
	ListBySharedExpense(expenseID string) ([]models.SharedExpenseTransaction, error)
	ListByUser(userID string) ([]models.SharedExpenseTransaction, error)
	ListPendingStatus() ([]models.SharedExpenseTransaction, error)
	MarkTransferInitiated(id, railTransferID, railTransferURL string, status models.TransferStatus) error
	IncrementAttempts(id string) error
	UpdateStatus(id string, status models.TransferStatus, at time.Time) error

	CreateWithheld(row *models.SharedExpenseWithheldTransaction) error
	ReconcileWithheld(settlementTransactionID string, at time.Time) error
	// ListRetryableWithheld returns the most recent unreconciled withheld
	// row per settlement transaction whose last attempt is old enough.
	ListRetryableWithheld(attemptedBefore time.Time) ([]models.SharedExpenseWithheldTransaction, error)

	// RecordEvent logs a webhook delivery. Returns false when the event
	// uuid was seen before.
	RecordEvent(event *models.SharedExpenseTransactionEvent) (bool, error)
}

type TransactionStore interface {
	GetByID(id string) (*models.Transaction, error)
	// Upsert stores a bank transaction, replacing any pending row the
	// posted transaction supersedes.
	Upsert(txn *models.Transaction) error
	ListByAccount(accountID string) ([]models.Transaction, error)
	ListByVendorSince(vendorIDs []string, since time.Time) ([]models.Transaction, error)
}

// Job is one unit of deferred work in the durable queue.
type Job struct {
	ID             string
	JobKey         string
	JobType        string
	Payload        []byte
	Status         string
	Attempts       int
	MaxAttempts    int
	BackoffSeconds int
	RunAt          time.Time
	LastError      *string
}

const (
	JobStatusQueued  = "queued"
	JobStatusRunning = "running"
	JobStatusDone    = "done"
	JobStatusFailed  = "failed"
)

type JobStore interface {
	// Enqueue inserts a job unless one with the same key already exists.
	Enqueue(jobKey, jobType string, payload []byte, runAt time.Time, maxAttempts, backoffSeconds int) (bool, error)
	ClaimDue(now time.Time, limit int) ([]Job, error)
	Complete(jobID string) error
	// Fail re-queues the job with backoff until attempts are exhausted.
	Fail(jobID string, errMsg string) error
	Delete(jobKey string) error
}

// Store bundles every store over one database handle.
type Store struct {
	DB           *sql.DB
	Users        UserStore
	Accounts     AccountStore
	Vendors      VendorStore
	Expenses     ExpenseStore
	Settlements  SettlementStore
	Transactions TransactionStore
	Jobs         JobStore
}

func NewStore(db *sql.DB) *Store {
	return &Store{
		DB:           db,
		Users:        &postgresUserStore{db: db},
		Accounts:     &postgresAccountStore{db: db},
		Vendors:      &postgresVendorStore{db: db},
		Expenses:     &postgresExpenseStore{db: db},
		Settlements:  &postgresSettlementStore{db: db},
		Transactions: &postgresTransactionStore{db: db},
		Jobs:         &postgresJobStore{db: db},
	}
}
