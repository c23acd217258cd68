package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splitwell/splitwell-api/events"
	"github.com/splitwell/splitwell-api/models"
	"github.com/splitwell/splitwell-api/storage"
)

type expenseFixture struct {
	store     *storage.Store
	rail      *fakeRail
	bus       *events.Bus
	notifier  *fakeNotifier
	service   *ExpenseService
	owner     *models.User
	payer     *models.User
	ownerAcct *models.BankAccount
	payerAcct *models.BankAccount
	vendor    *models.UniqueVendor
}

func newExpenseFixture(t *testing.T) *expenseFixture {
	t.Helper()

	store := newFakeStore()
	notifier := &fakeNotifier{}

	owner := &models.User{Email: "owner@example.com", FirstName: "Oli", LastName: "Ng"}
	payer := &models.User{Email: "payer@example.com", FirstName: "Pat", LastName: "Lee"}
	require.NoError(t, store.Users.Create(owner))
	require.NoError(t, store.Users.Create(payer))

	ownerAcct := &models.BankAccount{
		UserID:              owner.ID,
		AccountType:         models.AccountTypeDepository,
		InstitutionName:     "First Bank",
		AggregatorAccountID: "agg-owner",
		AggregatorItemID:    "item-owner",
		IsActive:            true,
	}
	payerAcct := &models.BankAccount{
		UserID:              payer.ID,
		AccountType:         models.AccountTypeDepository,
		InstitutionName:     "Second Bank",
		AggregatorAccountID: "agg-payer",
		AggregatorItemID:    "item-payer",
		IsActive:            true,
	}
	require.NoError(t, store.Accounts.Upsert(ownerAcct))
	require.NoError(t, store.Accounts.Upsert(payerAcct))

	vendor, err := store.Vendors.FindOrCreate("Acme Rentals", "acme rentals")
	require.NoError(t, err)

	rail := &fakeRail{statusCode: 201, transferID: "transfer-1", statuses: map[string]string{}}
	bus := events.NewBus()

	return &expenseFixture{
		store:     store,
		rail:      rail,
		bus:       bus,
		notifier:  notifier,
		service:   NewExpenseService(store, rail, bus, notifier, testLogger()),
		owner:     owner,
		payer:     payer,
		ownerAcct: ownerAcct,
		payerAcct: payerAcct,
		vendor:    vendor,
	}
}

func (f *expenseFixture) sharedBillRequest() *models.CreateSharedBillRequest {
	return &models.CreateSharedBillRequest{
		Nickname:             "Rent",
		UniqueVendorID:       f.vendor.ID,
		SourceAccountID:      f.ownerAcct.ID,
		DestinationAccountID: f.ownerAcct.ID,
		ActiveUsers: map[string]models.Contribution{
			f.payer.ID: {ContributionType: models.ContributionSplitEvenly},
		},
	}
}

func (f *expenseFixture) pendingAgreement(t *testing.T, expenseID string) *models.SharedExpenseUserAgreement {
	t.Helper()
	agreements, err := f.store.Expenses.ListAgreements(expenseID, false)
	require.NoError(t, err)
	require.Len(t, agreements, 1)
	return &agreements[0]
}

func TestCreateSharedBillInvitesParticipants(t *testing.T) {
	fixture := newExpenseFixture(t)

	expense, err := fixture.service.CreateSharedBill(fixture.owner, fixture.sharedBillRequest())
	require.NoError(t, err)

	assert.True(t, expense.IsPending)
	assert.False(t, expense.IsActive)
	require.NotNil(t, expense.UniqueVendorID)
	assert.Equal(t, fixture.vendor.ID, *expense.UniqueVendorID)

	agreement := fixture.pendingAgreement(t, expense.ID)
	assert.True(t, agreement.IsPending)
	assert.Equal(t, fixture.payer.ID, agreement.UserID)

	assert.Equal(t, 1, fixture.notifier.countKind("invitation"))
}

func TestCreateSharedBillRejectsCreditDestination(t *testing.T) {
	fixture := newExpenseFixture(t)

	card := &models.BankAccount{
		UserID:              fixture.owner.ID,
		AccountType:         models.AccountTypeCredit,
		AggregatorAccountID: "agg-card",
		AggregatorItemID:    "item-owner",
		IsActive:            true,
	}
	require.NoError(t, fixture.store.Accounts.Upsert(card))

	req := fixture.sharedBillRequest()
	req.DestinationAccountID = card.ID

	_, err := fixture.service.CreateSharedBill(fixture.owner, req)
	assert.ErrorIs(t, err, ErrAccountNotUsable)
}

func TestCreateSharedBillRequiresParticipants(t *testing.T) {
	fixture := newExpenseFixture(t)

	req := fixture.sharedBillRequest()
	req.ActiveUsers = nil

	_, err := fixture.service.CreateSharedBill(fixture.owner, req)
	assert.ErrorIs(t, err, ErrNoParticipants)
}

func TestAcceptingFinalAgreementActivatesExpense(t *testing.T) {
	fixture := newExpenseFixture(t)

	expense, err := fixture.service.CreateSharedBill(fixture.owner, fixture.sharedBillRequest())
	require.NoError(t, err)
	agreement := fixture.pendingAgreement(t, expense.ID)

	var published []events.AgreementUpdateEvent
	fixture.bus.OnAgreementUpdate(func(event events.AgreementUpdateEvent) {
		published = append(published, event)
	})

	resolved, err := fixture.service.RespondToAgreement(fixture.payer, agreement.ID, &models.AgreementDecisionRequest{
		Accept:           true,
		PaymentAccountID: &fixture.payerAcct.ID,
	})
	require.NoError(t, err)
	assert.True(t, resolved.IsActive)
	assert.False(t, resolved.IsPending)

	stored, err := fixture.store.Expenses.GetByID(expense.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsActive)
	assert.False(t, stored.IsPending)

	require.Len(t, published, 1)
	assert.Equal(t, expense.ID, published[0].ExpenseID)
	assert.ElementsMatch(t, []string{fixture.owner.ID, fixture.payer.ID}, published[0].UserIDs)
}

func TestDecliningAgreementCancelsExpense(t *testing.T) {
	fixture := newExpenseFixture(t)

	expense, err := fixture.service.CreateSharedBill(fixture.owner, fixture.sharedBillRequest())
	require.NoError(t, err)
	agreement := fixture.pendingAgreement(t, expense.ID)

	resolved, err := fixture.service.RespondToAgreement(fixture.payer, agreement.ID, &models.AgreementDecisionRequest{Accept: false})
	require.NoError(t, err)
	assert.False(t, resolved.IsActive)

	stored, err := fixture.store.Expenses.GetByID(expense.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsActive)
	assert.False(t, stored.IsPending)
}

func TestRespondToAgreementRejectsOtherUsers(t *testing.T) {
	fixture := newExpenseFixture(t)

	expense, err := fixture.service.CreateSharedBill(fixture.owner, fixture.sharedBillRequest())
	require.NoError(t, err)
	agreement := fixture.pendingAgreement(t, expense.ID)

	_, err = fixture.service.RespondToAgreement(fixture.owner, agreement.ID, &models.AgreementDecisionRequest{Accept: false})
	assert.ErrorIs(t, err, ErrNotAgreementOwner)
}

func TestAcceptingRequiresPaymentAccount(t *testing.T) {
	fixture := newExpenseFixture(t)

	expense, err := fixture.service.CreateSharedBill(fixture.owner, fixture.sharedBillRequest())
	require.NoError(t, err)
	agreement := fixture.pendingAgreement(t, expense.ID)

	_, err = fixture.service.RespondToAgreement(fixture.payer, agreement.ID, &models.AgreementDecisionRequest{Accept: true})
	assert.ErrorIs(t, err, ErrPaymentAccountNeeded)
}

func TestCreateRecurringPaymentRequiresFixedContributions(t *testing.T) {
	fixture := newExpenseFixture(t)

	start := time.Now().UTC().AddDate(0, 0, 7).Format("2006-01-02")
	req := &models.CreateRecurringPaymentRequest{
		Nickname:             "Streaming",
		DestinationAccountID: fixture.ownerAcct.ID,
		Interval:             models.IntervalMonths,
		Frequency:            1,
		StartDate:            start,
		ActiveUsers: map[string]models.Contribution{
			fixture.payer.ID: {ContributionType: models.ContributionSplitEvenly},
		},
	}

	_, err := fixture.service.CreateRecurringPayment(fixture.owner, req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fixed contributions")
}

func TestCreateRecurringPaymentSchedulesFirstCharge(t *testing.T) {
	fixture := newExpenseFixture(t)

	start := time.Now().UTC().AddDate(0, 0, 7)
	amount := int64(1500)
	req := &models.CreateRecurringPaymentRequest{
		Nickname:             "Streaming",
		DestinationAccountID: fixture.ownerAcct.ID,
		Interval:             models.IntervalMonths,
		Frequency:            1,
		StartDate:            start.Format("2006-01-02"),
		ActiveUsers: map[string]models.Contribution{
			fixture.payer.ID: {ContributionType: models.ContributionFixed, ContributionValue: &amount},
		},
	}

	expense, err := fixture.service.CreateRecurringPayment(fixture.owner, req)
	require.NoError(t, err)

	require.NotNil(t, expense.DateNextPaymentScheduled)
	assert.Equal(t, start.Format("2006-01-02"), expense.DateNextPaymentScheduled.Format("2006-01-02"))
	assert.Equal(t, models.RecurringPayment, expense.ExpenseType)
	assert.Nil(t, expense.RecurringPaymentEndDate)
}

func TestCreateRecurringPaymentRejectsPastStart(t *testing.T) {
	fixture := newExpenseFixture(t)

	amount := int64(1500)
	req := &models.CreateRecurringPaymentRequest{
		Nickname:             "Streaming",
		DestinationAccountID: fixture.ownerAcct.ID,
		Interval:             models.IntervalMonths,
		Frequency:            1,
		StartDate:            time.Now().UTC().AddDate(0, 0, -2).Format("2006-01-02"),
		ActiveUsers: map[string]models.Contribution{
			fixture.payer.ID: {ContributionType: models.ContributionFixed, ContributionValue: &amount},
		},
	}

	_, err := fixture.service.CreateRecurringPayment(fixture.owner, req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "in the past")
}

func TestConvertInvitesCreatesPendingAgreement(t *testing.T) {
	fixture := newExpenseFixture(t)

	req := fixture.sharedBillRequest()
	req.ActiveUsers = nil
	req.ProspectiveUsers = map[string]models.Contribution{
		"Newcomer@Example.com": {ContributionType: models.ContributionSplitEvenly},
	}
	expense, err := fixture.service.CreateSharedBill(fixture.owner, req)
	require.NoError(t, err)

	newcomer := &models.User{Email: "newcomer@example.com", FirstName: "Nia"}
	require.NoError(t, fixture.store.Users.Create(newcomer))
	require.NoError(t, fixture.service.ConvertInvites(newcomer))

	agreement := fixture.pendingAgreement(t, expense.ID)
	assert.Equal(t, newcomer.ID, agreement.UserID)
	assert.True(t, agreement.IsPending)

	invites, err := fixture.store.Expenses.ListInvitesByEmail("newcomer@example.com")
	require.NoError(t, err)
	assert.Empty(t, invites)
}

func TestAccountDeactivationWindsDownExpenses(t *testing.T) {
	fixture := newExpenseFixture(t)

	expense, err := fixture.service.CreateSharedBill(fixture.owner, fixture.sharedBillRequest())
	require.NoError(t, err)

	require.NoError(t, fixture.service.HandleAccountDeactivation(context.Background(), fixture.ownerAcct.ID))

	stored, err := fixture.store.Expenses.GetByID(expense.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsActive)
	assert.False(t, stored.IsPending)

	account, err := fixture.store.Accounts.GetByID(fixture.ownerAcct.ID)
	require.NoError(t, err)
	assert.False(t, account.IsActive)
}

func TestAccountDeactivationCancelsPendingTransfers(t *testing.T) {
	fixture := newExpenseFixture(t)

	expense, err := fixture.service.CreateSharedBill(fixture.owner, fixture.sharedBillRequest())
	require.NoError(t, err)
	agreement := fixture.pendingAgreement(t, expense.ID)

	matchingID := "bank-txn-9"
	created, settlement, err := fixture.store.Settlements.FindOrCreateForMatch(&models.SharedExpenseTransaction{
		SharedExpenseID:              expense.ID,
		SharedExpenseUserAgreementID: agreement.ID,
		MatchingTransactionID:        &matchingID,
		SourceUserID:                 fixture.payer.ID,
		SourceAccountID:              fixture.payerAcct.ID,
		DestinationUserID:            fixture.owner.ID,
		DestinationAccountID:         fixture.ownerAcct.ID,
	})
	require.NoError(t, err)
	require.True(t, created)
	require.NoError(t, fixture.store.Settlements.MarkTransferInitiated(
		settlement.ID, "transfer-9", "https://rail.example.com/transfers/transfer-9", models.TransferStatusPending))

	require.NoError(t, fixture.service.HandleAccountDeactivation(context.Background(), fixture.ownerAcct.ID))
	assert.Equal(t, []string{"transfer-9"}, fixture.rail.cancelled)
}

func TestCancelExpenseRequiresOwner(t *testing.T) {
	fixture := newExpenseFixture(t)

	expense, err := fixture.service.CreateSharedBill(fixture.owner, fixture.sharedBillRequest())
	require.NoError(t, err)

	err = fixture.service.CancelExpense(fixture.payer, expense.ID)
	assert.ErrorIs(t, err, ErrNotExpenseOwner)

	require.NoError(t, fixture.service.CancelExpense(fixture.owner, expense.ID))
}
