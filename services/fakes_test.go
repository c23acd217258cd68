package services

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/plaid/plaid-go/v20/plaid"
	"github.com/sirupsen/logrus"

	"github.com/splitwell/splitwell-api/models"
	"github.com/splitwell/splitwell-api/money"
	"github.com/splitwell/splitwell-api/storage"
)

// In-memory stores mirroring the Postgres semantics the services rely on,
// in particular the find-or-create uniqueness rules.

type fakeUserStore struct {
	users map[string]*models.User
}

func (f *fakeUserStore) GetByID(id string) (*models.User, error) {
	user, ok := f.users[id]
	if !ok {
		return nil, nil
	}
	copied := *user
	return &copied, nil
}

func (f *fakeUserStore) GetByEmail(email string) (*models.User, error) {
	for _, user := range f.users {
		if user.Email == email {
			copied := *user
			return &copied, nil
		}
	}
	return nil, nil
}

func (f *fakeUserStore) GetByRailCustomerID(railCustomerID string) (*models.User, error) {
	for _, user := range f.users {
		if user.RailCustomerID == railCustomerID {
			copied := *user
			return &copied, nil
		}
	}
	return nil, nil
}

func (f *fakeUserStore) Create(user *models.User) error {
	user.ID = uuid.NewString()
	user.DateTimeCreated = time.Now()
	copied := *user
	f.users[user.ID] = &copied
	return nil
}

func (f *fakeUserStore) SetReverificationNeeded(userID string, needed bool) (*models.User, error) {
	user, ok := f.users[userID]
	if !ok {
		return nil, nil
	}
	user.ReverificationNeeded = needed
	copied := *user
	return &copied, nil
}

func (f *fakeUserStore) SoftDelete(userID string) error {
	if user, ok := f.users[userID]; ok {
		now := time.Now()
		user.DateTimeDeleted = &now
	}
	return nil
}

type fakeAccountStore struct {
	accounts map[string]*models.BankAccount
}

func (f *fakeAccountStore) GetByID(id string) (*models.BankAccount, error) {
	account, ok := f.accounts[id]
	if !ok {
		return nil, nil
	}
	copied := *account
	return &copied, nil
}

func (f *fakeAccountStore) ListByUser(userID string) ([]models.BankAccount, error) {
	var accounts []models.BankAccount
	for _, account := range f.accounts {
		if account.UserID == userID && account.IsActive {
			accounts = append(accounts, *account)
		}
	}
	return accounts, nil
}

func (f *fakeAccountStore) ListActiveByItemID(itemID string) ([]models.BankAccount, error) {
	var accounts []models.BankAccount
	for _, account := range f.accounts {
		if account.AggregatorItemID == itemID && account.IsActive {
			accounts = append(accounts, *account)
		}
	}
	return accounts, nil
}

func (f *fakeAccountStore) Upsert(account *models.BankAccount) error {
	for _, existing := range f.accounts {
		if existing.UserID == account.UserID && existing.AggregatorAccountID == account.AggregatorAccountID {
			account.ID = existing.ID
			copied := *account
			f.accounts[existing.ID] = &copied
			return nil
		}
	}
	account.ID = uuid.NewString()
	account.DateTimeCreated = time.Now()
	copied := *account
	f.accounts[account.ID] = &copied
	return nil
}

func (f *fakeAccountStore) SetSyncCursor(accountID, cursor string) error {
	if account, ok := f.accounts[accountID]; ok {
		account.SyncCursor = cursor
		now := time.Now()
		account.DateTimeLastSynced = &now
	}
	return nil
}

func (f *fakeAccountStore) SetRequiresRelink(accountID string, requiresRelink bool) error {
	if account, ok := f.accounts[accountID]; ok {
		account.RequiresRelink = requiresRelink
	}
	return nil
}

func (f *fakeAccountStore) SetRailFundingSource(accountID, fundingSourceURL string) error {
	if account, ok := f.accounts[accountID]; ok {
		account.RailFundingSourceURL = fundingSourceURL
	}
	return nil
}

func (f *fakeAccountStore) Deactivate(accountID string) error {
	if account, ok := f.accounts[accountID]; ok {
		account.IsActive = false
	}
	return nil
}

type fakeVendorStore struct {
	vendors      map[string]*models.UniqueVendor
	associations []models.UniqueVendorAssociation
	watchlist    map[string]string
}

func (f *fakeVendorStore) GetByID(id string) (*models.UniqueVendor, error) {
	vendor, ok := f.vendors[id]
	if !ok {
		return nil, nil
	}
	copied := *vendor
	return &copied, nil
}

func (f *fakeVendorStore) List() ([]models.UniqueVendor, error) {
	var vendors []models.UniqueVendor
	for _, vendor := range f.vendors {
		vendors = append(vendors, *vendor)
	}
	return vendors, nil
}

func (f *fakeVendorStore) Search(term string) ([]models.UniqueVendor, error) {
	return f.List()
}

func (f *fakeVendorStore) FindOrCreate(friendlyName, normalizedName string) (*models.UniqueVendor, error) {
	for _, vendor := range f.vendors {
		if vendor.NormalizedName == normalizedName {
			copied := *vendor
			return &copied, nil
		}
	}
	vendor := &models.UniqueVendor{
		ID:             uuid.NewString(),
		FriendlyName:   friendlyName,
		NormalizedName: normalizedName,
		DateTimeAdded:  time.Now(),
	}
	f.vendors[vendor.ID] = vendor
	copied := *vendor
	return &copied, nil
}

func (f *fakeVendorStore) CreateAssociation(assoc *models.UniqueVendorAssociation) error {
	assoc.ID = uuid.NewString()
	assoc.DateTimeCreated = time.Now()
	f.associations = append(f.associations, *assoc)
	return nil
}

func (f *fakeVendorStore) RelatedVendorIDs(vendorID string) ([]string, error) {
	ids := []string{vendorID}
	for _, assoc := range f.associations {
		if assoc.UniqueVendorID == vendorID {
			ids = append(ids, assoc.AssociatedUniqueVendorID)
		}
		if assoc.AssociatedUniqueVendorID == vendorID {
			ids = append(ids, assoc.UniqueVendorID)
		}
	}
	return ids, nil
}

func (f *fakeVendorStore) AddToWatchlist(vendorID, notes string) error {
	f.watchlist[vendorID] = notes
	return nil
}

func (f *fakeVendorStore) RemoveFromWatchlist(vendorID string) error {
	delete(f.watchlist, vendorID)
	return nil
}

func (f *fakeVendorStore) ListWatchlist() ([]models.UniqueVendor, error) {
	var vendors []models.UniqueVendor
	for vendorID := range f.watchlist {
		if vendor, ok := f.vendors[vendorID]; ok {
			vendors = append(vendors, *vendor)
		}
	}
	return vendors, nil
}

type fakeExpenseStore struct {
	expenses    map[string]*models.SharedExpense
	agreements  map[string]*models.SharedExpenseUserAgreement
	invites     map[string]*models.UserInvite
	settlements *fakeSettlementStore
}

func (f *fakeExpenseStore) Create(expense *models.SharedExpense, agreements []models.SharedExpenseUserAgreement, invites []models.UserInvite) error {
	expense.ID = uuid.NewString()
	expense.IsPending = true
	expense.DateTimeCreated = time.Now()
	copied := *expense
	f.expenses[expense.ID] = &copied

	for i := range agreements {
		agreements[i].ID = uuid.NewString()
		agreements[i].SharedExpenseID = expense.ID
		agreements[i].IsPending = true
		agreements[i].DateTimeCreated = time.Now()
		copiedAgreement := agreements[i]
		f.agreements[agreements[i].ID] = &copiedAgreement
	}
	for i := range invites {
		invites[i].ID = uuid.NewString()
		invites[i].SharedExpenseID = expense.ID
		invites[i].DateTimeCreated = time.Now()
		copiedInvite := invites[i]
		f.invites[invites[i].ID] = &copiedInvite
	}
	return nil
}

func (f *fakeExpenseStore) CreateAgreement(agreement *models.SharedExpenseUserAgreement) error {
	agreement.ID = uuid.NewString()
	agreement.DateTimeCreated = time.Now()
	copied := *agreement
	f.agreements[agreement.ID] = &copied
	return nil
}

func (f *fakeExpenseStore) GetByID(id string) (*models.SharedExpense, error) {
	expense, ok := f.expenses[id]
	if !ok {
		return nil, nil
	}
	copied := *expense
	return &copied, nil
}

func (f *fakeExpenseStore) ListByUser(userID string) ([]models.SharedExpense, error) {
	var expenses []models.SharedExpense
	for _, expense := range f.expenses {
		if expense.OwnerUserID == userID {
			expenses = append(expenses, *expense)
			continue
		}
		for _, agreement := range f.agreements {
			if agreement.SharedExpenseID == expense.ID && agreement.UserID == userID {
				expenses = append(expenses, *expense)
				break
			}
		}
	}
	return expenses, nil
}

func (f *fakeExpenseStore) ListActiveByVendorIDs(vendorIDs []string) ([]models.SharedExpense, error) {
	lookup := map[string]bool{}
	for _, id := range vendorIDs {
		lookup[id] = true
	}
	var expenses []models.SharedExpense
	for _, expense := range f.expenses {
		if expense.ExpenseType == models.SharedBill && expense.IsActive &&
			expense.UniqueVendorID != nil && lookup[*expense.UniqueVendorID] {
			expenses = append(expenses, *expense)
		}
	}
	return expenses, nil
}

func (f *fakeExpenseStore) ListActiveRecurringDueBy(cutoff time.Time) ([]models.SharedExpense, error) {
	var expenses []models.SharedExpense
	for _, expense := range f.expenses {
		if expense.ExpenseType == models.RecurringPayment && expense.IsActive &&
			expense.DateNextPaymentScheduled != nil && !expense.DateNextPaymentScheduled.After(cutoff) {
			expenses = append(expenses, *expense)
		}
	}
	sort.Slice(expenses, func(i, j int) bool {
		return expenses[i].ID < expenses[j].ID
	})
	return expenses, nil
}

func (f *fakeExpenseStore) ListActiveRecurringScheduledOn(day time.Time) ([]models.SharedExpense, error) {
	end := day.Add(24 * time.Hour)
	var expenses []models.SharedExpense
	for _, expense := range f.expenses {
		if expense.ExpenseType == models.RecurringPayment && expense.IsActive &&
			expense.DateNextPaymentScheduled != nil &&
			!expense.DateNextPaymentScheduled.Before(day) &&
			expense.DateNextPaymentScheduled.Before(end) {
			expenses = append(expenses, *expense)
		}
	}
	return expenses, nil
}

func (f *fakeExpenseStore) ListByAccount(accountID string) ([]models.SharedExpense, error) {
	var expenses []models.SharedExpense
	for _, expense := range f.expenses {
		if expense.OwnerSourceAccountID == accountID || expense.OwnerDestinationAccountID == accountID {
			expenses = append(expenses, *expense)
			continue
		}
		for _, agreement := range f.agreements {
			if agreement.SharedExpenseID == expense.ID && agreement.PaymentAccountID != nil &&
				*agreement.PaymentAccountID == accountID {
				expenses = append(expenses, *expense)
				break
			}
		}
	}
	return expenses, nil
}

func (f *fakeExpenseStore) ListUnsettledBills() ([]models.SharedExpense, error) {
	var expenses []models.SharedExpense
	for _, expense := range f.expenses {
		if expense.ExpenseType != models.SharedBill || !expense.IsActive {
			continue
		}
		settled := false
		for _, settlement := range f.settlements.settlements {
			if settlement.SharedExpenseID == expense.ID {
				settled = true
				break
			}
		}
		if !settled {
			expenses = append(expenses, *expense)
		}
	}
	sort.Slice(expenses, func(i, j int) bool {
		return expenses[i].ID < expenses[j].ID
	})
	return expenses, nil
}

func (f *fakeExpenseStore) AdvanceSchedule(expenseID string, from, next time.Time) error {
	if expense, ok := f.expenses[expenseID]; ok {
		if expense.DateNextPaymentScheduled == nil || !expense.DateNextPaymentScheduled.Equal(from) {
			return nil
		}
		nextCopy := next
		expense.DateNextPaymentScheduled = &nextCopy
	}
	return nil
}

func (f *fakeExpenseStore) Deactivate(expenseID string) error {
	expense, ok := f.expenses[expenseID]
	if !ok {
		return nil
	}
	now := time.Now()
	expense.IsActive = false
	expense.IsPending = false
	expense.DateTimeDeactivated = &now
	for _, agreement := range f.agreements {
		if agreement.SharedExpenseID == expenseID {
			agreement.IsActive = false
			agreement.IsPending = false
			agreement.DateTimeBecameInactive = &now
		}
	}
	return nil
}

func (f *fakeExpenseStore) Activate(expenseID string) error {
	if expense, ok := f.expenses[expenseID]; ok {
		expense.IsActive = true
		expense.IsPending = false
	}
	return nil
}

func (f *fakeExpenseStore) GetAgreement(id string) (*models.SharedExpenseUserAgreement, error) {
	agreement, ok := f.agreements[id]
	if !ok {
		return nil, nil
	}
	copied := *agreement
	return &copied, nil
}

func (f *fakeExpenseStore) ListAgreements(expenseID string, activeOnly bool) ([]models.SharedExpenseUserAgreement, error) {
	var agreements []models.SharedExpenseUserAgreement
	for _, agreement := range f.agreements {
		if agreement.SharedExpenseID != expenseID {
			continue
		}
		if activeOnly && !agreement.IsActive {
			continue
		}
		agreements = append(agreements, *agreement)
	}
	sort.Slice(agreements, func(i, j int) bool {
		return agreements[i].ID < agreements[j].ID
	})
	return agreements, nil
}

func (f *fakeExpenseStore) ListPendingAgreementsByUser(userID string) ([]models.SharedExpenseUserAgreement, error) {
	var agreements []models.SharedExpenseUserAgreement
	for _, agreement := range f.agreements {
		if agreement.UserID == userID && agreement.IsPending {
			agreements = append(agreements, *agreement)
		}
	}
	return agreements, nil
}

func (f *fakeExpenseStore) ResolveAgreement(agreementID string, accepted bool, paymentAccountID *string) (*models.SharedExpenseUserAgreement, error) {
	agreement, ok := f.agreements[agreementID]
	if !ok || !agreement.IsPending {
		return nil, nil
	}
	now := time.Now()
	agreement.IsPending = false
	if accepted {
		agreement.IsActive = true
		agreement.DateTimeBecameActive = &now
		if paymentAccountID != nil {
			agreement.PaymentAccountID = paymentAccountID
		}
	} else {
		agreement.DateTimeBecameInactive = &now
	}
	copied := *agreement
	return &copied, nil
}

func (f *fakeExpenseStore) DeactivateAgreement(agreementID string) error {
	if agreement, ok := f.agreements[agreementID]; ok {
		now := time.Now()
		agreement.IsActive = false
		agreement.IsPending = false
		agreement.DateTimeBecameInactive = &now
	}
	return nil
}

func (f *fakeExpenseStore) CountUnresolvedParticipants(expenseID string) (int, error) {
	count := 0
	for _, agreement := range f.agreements {
		if agreement.SharedExpenseID == expenseID && agreement.IsPending {
			count++
		}
	}
	for _, invite := range f.invites {
		if invite.SharedExpenseID == expenseID && !invite.IsConverted {
			count++
		}
	}
	return count, nil
}

func (f *fakeExpenseStore) CreateInvite(invite *models.UserInvite) error {
	invite.ID = uuid.NewString()
	invite.DateTimeCreated = time.Now()
	copied := *invite
	f.invites[invite.ID] = &copied
	return nil
}

func (f *fakeExpenseStore) ListInvitesByEmail(email string) ([]models.UserInvite, error) {
	var invites []models.UserInvite
	for _, invite := range f.invites {
		if invite.Email == email && !invite.IsConverted {
			invites = append(invites, *invite)
		}
	}
	return invites, nil
}

func (f *fakeExpenseStore) MarkInviteConverted(inviteID string) error {
	if invite, ok := f.invites[inviteID]; ok {
		invite.IsConverted = true
	}
	return nil
}

type fakeSettlementStore struct {
	settlements map[string]*models.SharedExpenseTransaction
	withheld    []*models.SharedExpenseWithheldTransaction
	events      map[string]bool
}

func matchKey(agreementID string, matchingTxnID *string) string {
	if matchingTxnID == nil {
		return ""
	}
	return agreementID + "|" + *matchingTxnID
}

func (f *fakeSettlementStore) FindOrCreateForMatch(txn *models.SharedExpenseTransaction) (bool, *models.SharedExpenseTransaction, error) {
	key := matchKey(txn.SharedExpenseUserAgreementID, txn.MatchingTransactionID)
	for _, existing := range f.settlements {
		if key != "" && matchKey(existing.SharedExpenseUserAgreementID, existing.MatchingTransactionID) == key {
			copied := *existing
			return false, &copied, nil
		}
	}
	f.insert(txn)
	copied := *txn
	return true, &copied, nil
}

func (f *fakeSettlementStore) FindOrCreateScheduled(txn *models.SharedExpenseTransaction) (bool, *models.SharedExpenseTransaction, error) {
	for _, existing := range f.settlements {
		if existing.SharedExpenseUserAgreementID == txn.SharedExpenseUserAgreementID &&
			existing.DateTimeTransactionScheduled != nil && txn.DateTimeTransactionScheduled != nil &&
			existing.DateTimeTransactionScheduled.Equal(*txn.DateTimeTransactionScheduled) {
			copied := *existing
			return false, &copied, nil
		}
	}
	f.insert(txn)
	copied := *txn
	return true, &copied, nil
}

func (f *fakeSettlementStore) insert(txn *models.SharedExpenseTransaction) {
	txn.ID = uuid.NewString()
	txn.IdempotencyToken = uuid.NewString()
	txn.DateTimeInitiated = time.Now()
	copied := *txn
	f.settlements[txn.ID] = &copied
}

func (f *fakeSettlementStore) GetByID(id string) (*models.SharedExpenseTransaction, error) {
	settlement, ok := f.settlements[id]
	if !ok {
		return nil, nil
	}
	copied := *settlement
	return &copied, nil
}

func (f *fakeSettlementStore) GetByRailTransferID(railTransferID string) (*models.SharedExpenseTransaction, error) {
	for _, settlement := range f.settlements {
		if settlement.RailTransferID != nil && *settlement.RailTransferID == railTransferID {
			copied := *settlement
			return &copied, nil
		}
	}
	return nil, nil
}

func (f *fakeSettlementStore) ListBySharedExpense(expenseID string) ([]models.SharedExpenseTransaction, error) {
	var txns []models.SharedExpenseTransaction
	for _, settlement := range f.settlements {
		if settlement.SharedExpenseID == expenseID {
			txns = append(txns, *settlement)
		}
	}
	return txns, nil
}

func (f *fakeSettlementStore) ListByUser(userID string) ([]models.SharedExpenseTransaction, error) {
	var txns []models.SharedExpenseTransaction
	for _, settlement := range f.settlements {
		if settlement.SourceUserID == userID || settlement.DestinationUserID == userID {
			txns = append(txns, *settlement)
		}
	}
	return txns, nil
}

func (f *fakeSettlementStore) ListPendingStatus() ([]models.SharedExpenseTransaction, error) {
	var txns []models.SharedExpenseTransaction
	for _, settlement := range f.settlements {
		if settlement.RailTransferID != nil && settlement.TransferStatus != nil &&
			*settlement.TransferStatus == models.TransferStatusPending {
			txns = append(txns, *settlement)
		}
	}
	return txns, nil
}

func (f *fakeSettlementStore) MarkTransferInitiated(id, railTransferID, railTransferURL string, status models.TransferStatus) error {
	settlement, ok := f.settlements[id]
	if !ok {
		return fmt.Errorf("settlement %s not found", id)
	}
	now := time.Now()
	settlement.RailTransferID = &railTransferID
	settlement.RailTransferURL = &railTransferURL
	settlement.TransferStatus = &status
	settlement.DateTimeStatusUpdated = &now
	return nil
}

func (f *fakeSettlementStore) IncrementAttempts(id string) error {
	settlement, ok := f.settlements[id]
	if !ok {
		return fmt.Errorf("settlement %s not found", id)
	}
	settlement.NumberOfTimesAttempted++
	return nil
}

func (f *fakeSettlementStore) UpdateStatus(id string, status models.TransferStatus, at time.Time) error {
	settlement, ok := f.settlements[id]
	if !ok {
		return fmt.Errorf("settlement %s not found", id)
	}
	settlement.TransferStatus = &status
	settlement.DateTimeStatusUpdated = &at
	if status == models.TransferStatusProcessed {
		settlement.HasBeenTransferredToDestination = true
		settlement.DateTimeTransferredToDestination = &at
	}
	return nil
}

func (f *fakeSettlementStore) CreateWithheld(row *models.SharedExpenseWithheldTransaction) error {
	row.ID = uuid.NewString()
	row.DateTimeAttempted = time.Now()
	copied := *row
	f.withheld = append(f.withheld, &copied)
	return nil
}

func (f *fakeSettlementStore) ReconcileWithheld(settlementTransactionID string, at time.Time) error {
	for _, row := range f.withheld {
		if row.SharedExpenseTransactionID == settlementTransactionID && !row.HasBeenReconciled {
			row.HasBeenReconciled = true
			atCopy := at
			row.DateTimeReconciled = &atCopy
		}
	}
	return nil
}

func (f *fakeSettlementStore) ListRetryableWithheld(attemptedBefore time.Time) ([]models.SharedExpenseWithheldTransaction, error) {
	latest := map[string]*models.SharedExpenseWithheldTransaction{}
	for _, row := range f.withheld {
		if row.HasBeenReconciled {
			continue
		}
		settlement := f.settlements[row.SharedExpenseTransactionID]
		if settlement != nil && settlement.HasBeenTransferredToDestination {
			continue
		}
		current, ok := latest[row.SharedExpenseTransactionID]
		if !ok || row.DateTimeAttempted.After(current.DateTimeAttempted) {
			latest[row.SharedExpenseTransactionID] = row
		}
	}

	var results []models.SharedExpenseWithheldTransaction
	for _, row := range latest {
		if row.DateTimeAttempted.After(attemptedBefore) {
			continue
		}
		results = append(results, *row)
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].ID < results[j].ID
	})
	return results, nil
}

func (f *fakeSettlementStore) RecordEvent(event *models.SharedExpenseTransactionEvent) (bool, error) {
	if f.events[event.EventUUID] {
		return false, nil
	}
	f.events[event.EventUUID] = true
	event.ID = uuid.NewString()
	event.DateTimeRecorded = time.Now()
	return true, nil
}

func (f *fakeSettlementStore) unreconciledCount(settlementID string) int {
	count := 0
	for _, row := range f.withheld {
		if row.SharedExpenseTransactionID == settlementID && !row.HasBeenReconciled {
			count++
		}
	}
	return count
}

type fakeTransactionStore struct {
	transactions map[string]*models.Transaction
}

func (f *fakeTransactionStore) GetByID(id string) (*models.Transaction, error) {
	txn, ok := f.transactions[id]
	if !ok {
		return nil, nil
	}
	copied := *txn
	return &copied, nil
}

func (f *fakeTransactionStore) Upsert(txn *models.Transaction) error {
	if txn.AggregatorPendingTransactionID != nil {
		for id, existing := range f.transactions {
			if existing.AggregatorTransactionID == *txn.AggregatorPendingTransactionID && existing.IsPending {
				txn.ID = id
				txn.IsPending = false
				copied := *txn
				f.transactions[id] = &copied
				return nil
			}
		}
	}
	for _, existing := range f.transactions {
		if existing.AggregatorTransactionID == txn.AggregatorTransactionID {
			txn.ID = existing.ID
			copied := *txn
			f.transactions[existing.ID] = &copied
			return nil
		}
	}
	txn.ID = uuid.NewString()
	txn.DateTimeCaptured = time.Now()
	copied := *txn
	f.transactions[txn.ID] = &copied
	return nil
}

func (f *fakeTransactionStore) ListByAccount(accountID string) ([]models.Transaction, error) {
	var txns []models.Transaction
	for _, txn := range f.transactions {
		if txn.AccountID == accountID {
			txns = append(txns, *txn)
		}
	}
	return txns, nil
}

func (f *fakeTransactionStore) ListByVendorSince(vendorIDs []string, since time.Time) ([]models.Transaction, error) {
	lookup := map[string]bool{}
	for _, id := range vendorIDs {
		lookup[id] = true
	}
	var txns []models.Transaction
	for _, txn := range f.transactions {
		if lookup[txn.UniqueVendorID] && !txn.Date.Before(since) {
			txns = append(txns, *txn)
		}
	}
	return txns, nil
}

type fakeJobStore struct {
	jobs map[string]*storage.Job
}

func (f *fakeJobStore) Enqueue(jobKey, jobType string, payload []byte, runAt time.Time, maxAttempts, backoffSeconds int) (bool, error) {
	if _, exists := f.jobs[jobKey]; exists {
		return false, nil
	}
	f.jobs[jobKey] = &storage.Job{
		ID:             uuid.NewString(),
		JobKey:         jobKey,
		JobType:        jobType,
		Payload:        payload,
		Status:         storage.JobStatusQueued,
		MaxAttempts:    maxAttempts,
		BackoffSeconds: backoffSeconds,
		RunAt:          runAt,
	}
	return true, nil
}

func (f *fakeJobStore) ClaimDue(now time.Time, limit int) ([]storage.Job, error) {
	var due []storage.Job
	for _, job := range f.jobs {
		if job.Status == storage.JobStatusQueued && !job.RunAt.After(now) {
			job.Status = storage.JobStatusRunning
			due = append(due, *job)
		}
		if len(due) == limit {
			break
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].RunAt.Before(due[j].RunAt)
	})
	return due, nil
}

func (f *fakeJobStore) Complete(jobID string) error {
	for _, job := range f.jobs {
		if job.ID == jobID {
			job.Status = storage.JobStatusDone
			job.Attempts++
		}
	}
	return nil
}

func (f *fakeJobStore) Fail(jobID string, errMsg string) error {
	for _, job := range f.jobs {
		if job.ID == jobID {
			job.Attempts++
			job.LastError = &errMsg
			if job.Attempts >= job.MaxAttempts {
				job.Status = storage.JobStatusFailed
			} else {
				job.Status = storage.JobStatusQueued
				job.RunAt = time.Now().Add(time.Duration(job.BackoffSeconds) * time.Second)
			}
		}
	}
	return nil
}

func (f *fakeJobStore) Delete(jobKey string) error {
	delete(f.jobs, jobKey)
	return nil
}

func newFakeStore() *storage.Store {
	settlements := &fakeSettlementStore{settlements: map[string]*models.SharedExpenseTransaction{}, events: map[string]bool{}}
	return &storage.Store{
		Users:        &fakeUserStore{users: map[string]*models.User{}},
		Accounts:     &fakeAccountStore{accounts: map[string]*models.BankAccount{}},
		Vendors:      &fakeVendorStore{vendors: map[string]*models.UniqueVendor{}, watchlist: map[string]string{}},
		Expenses:     &fakeExpenseStore{expenses: map[string]*models.SharedExpense{}, agreements: map[string]*models.SharedExpenseUserAgreement{}, invites: map[string]*models.UserInvite{}, settlements: settlements},
		Settlements:  settlements,
		Transactions: &fakeTransactionStore{transactions: map[string]*models.Transaction{}},
		Jobs:         &fakeJobStore{jobs: map[string]*storage.Job{}},
	}
}

// fakeBank serves balances and transaction batches from memory, with an
// optional error per access token.
type fakeBank struct {
	balances    map[string]money.Amount
	errs        map[string]error
	accounts    []plaid.AccountBase
	feed        []BankTransaction
	feedRemoved []string
	nextCursor  string
	syncErr     error
	syncCalls   []string
}

func (f *fakeBank) CreateLinkToken(ctx context.Context, userID string) (string, error) {
	return "link-token", nil
}

func (f *fakeBank) ExchangePublicToken(ctx context.Context, publicToken string) (string, string, error) {
	return "access-token", "item-id", nil
}

func (f *fakeBank) GetAccounts(ctx context.Context, accessToken string) ([]plaid.AccountBase, error) {
	return f.accounts, nil
}

func (f *fakeBank) GetAvailableBalance(ctx context.Context, accessToken, aggregatorAccountID string) (money.Amount, error) {
	if err, ok := f.errs[aggregatorAccountID]; ok {
		return 0, err
	}
	balance, ok := f.balances[aggregatorAccountID]
	if !ok {
		return 0, ErrBalanceUnavailable
	}
	return balance, nil
}

func (f *fakeBank) SyncTransactions(ctx context.Context, accessToken, cursor string) ([]BankTransaction, []string, string, error) {
	f.syncCalls = append(f.syncCalls, cursor)
	if f.syncErr != nil {
		return nil, nil, cursor, f.syncErr
	}
	next := f.nextCursor
	if next == "" {
		next = cursor
	}
	return f.feed, f.feedRemoved, next, nil
}

// fakeRail answers every transfer request with a fixed status code and
// records what it was asked to do.
type fakeRail struct {
	statusCode int
	transferID string
	created    []TransferRequest
	statuses   map[string]string
	cancelled  []string
}

func (f *fakeRail) CreateTransfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	f.created = append(f.created, req)
	result := &TransferResult{StatusCode: f.statusCode}
	if f.statusCode == http.StatusCreated {
		result.TransferID = f.transferID
		result.TransferURL = "https://rail.example.com/transfers/" + f.transferID
	}
	return result, nil
}

func (f *fakeRail) GetTransfer(ctx context.Context, transferURL string) (*RailTransfer, error) {
	id := lastPathSegment(transferURL)
	status, ok := f.statuses[id]
	if !ok {
		return nil, fmt.Errorf("unknown transfer %s", id)
	}
	return &RailTransfer{ID: id, Status: status}, nil
}

func (f *fakeRail) CancelTransfer(ctx context.Context, transferURL string) error {
	f.cancelled = append(f.cancelled, lastPathSegment(transferURL))
	return nil
}

type notification struct {
	kind   string
	userID string
	reason models.WithholdingReason
}

type fakeNotifier struct {
	sent []notification
}

func (f *fakeNotifier) AgreementInvitation(to *models.User, inviterName, expenseName, askDescription string) {
	f.sent = append(f.sent, notification{kind: "invitation", userID: to.ID})
}

func (f *fakeNotifier) SettlementCompleted(to *models.User, expenseName string, amount money.Amount) {
	f.sent = append(f.sent, notification{kind: "completed", userID: to.ID})
}

func (f *fakeNotifier) SettlementWithheld(to *models.User, expenseName string, amount money.Amount, reason models.WithholdingReason) {
	f.sent = append(f.sent, notification{kind: "withheld", userID: to.ID, reason: reason})
}

func (f *fakeNotifier) TransferFailed(to *models.User, expenseName string, amount money.Amount) {
	f.sent = append(f.sent, notification{kind: "failed", userID: to.ID})
}

func (f *fakeNotifier) PaymentReminder(to *models.User, expenseName string, amount money.Amount, scheduled time.Time) {
	f.sent = append(f.sent, notification{kind: "reminder", userID: to.ID})
}

func (f *fakeNotifier) RelinkRequired(to *models.User, institutionName string) {
	f.sent = append(f.sent, notification{kind: "relink", userID: to.ID})
}

func (f *fakeNotifier) recipientsOf(kind string) []string {
	var ids []string
	for _, n := range f.sent {
		if n.kind == kind {
			ids = append(ids, n.userID)
		}
	}
	return ids
}

func (f *fakeNotifier) countKind(kind string) int {
	count := 0
	for _, n := range f.sent {
		if n.kind == kind {
			count++
		}
	}
	return count
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}
