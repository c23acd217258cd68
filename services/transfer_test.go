package services

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splitwell/splitwell-api/models"
	"github.com/splitwell/splitwell-api/money"
	"github.com/splitwell/splitwell-api/storage"
)

type orchestratorFixture struct {
	store      *storage.Store
	bank       *fakeBank
	rail       *fakeRail
	notifier   *fakeNotifier
	payer      *models.User
	owner      *models.User
	payerAcct  *models.BankAccount
	ownerAcct  *models.BankAccount
	expense    *models.SharedExpense
	agreement  *models.SharedExpenseUserAgreement
	settlement *models.SharedExpenseTransaction
}

func newOrchestratorFixture(t *testing.T, amount money.Amount) *orchestratorFixture {
	t.Helper()

	store := newFakeStore()

	payer := &models.User{Email: "payer@example.com", FirstName: "Pat"}
	owner := &models.User{Email: "owner@example.com", FirstName: "Oli"}
	require.NoError(t, store.Users.Create(payer))
	require.NoError(t, store.Users.Create(owner))

	payerAcct := &models.BankAccount{
		UserID:               payer.ID,
		AccountType:          models.AccountTypeDepository,
		InstitutionName:      "First Bank",
		AggregatorAccountID:  "agg-payer",
		AggregatorItemID:     "item-payer",
		EncryptedAccessToken: "payer-token",
		RailFundingSourceURL: "https://rail.example.com/funding-sources/payer",
		IsActive:             true,
	}
	ownerAcct := &models.BankAccount{
		UserID:               owner.ID,
		AccountType:          models.AccountTypeDepository,
		InstitutionName:      "Second Bank",
		AggregatorAccountID:  "agg-owner",
		AggregatorItemID:     "item-owner",
		EncryptedAccessToken: "owner-token",
		RailFundingSourceURL: "https://rail.example.com/funding-sources/owner",
		IsActive:             true,
	}
	require.NoError(t, store.Accounts.Upsert(payerAcct))
	require.NoError(t, store.Accounts.Upsert(ownerAcct))

	expense := &models.SharedExpense{
		ExpenseType:               models.SharedBill,
		Nickname:                  "Rent",
		OwnerUserID:               owner.ID,
		OwnerSourceAccountID:      ownerAcct.ID,
		OwnerDestinationAccountID: ownerAcct.ID,
	}
	agreements := []models.SharedExpenseUserAgreement{{
		UserID:           payer.ID,
		ContributionType: models.ContributionSplitEvenly,
		PaymentAccountID: &payerAcct.ID,
	}}
	require.NoError(t, store.Expenses.Create(expense, agreements, nil))

	_, err := store.Expenses.ResolveAgreement(agreements[0].ID, true, nil)
	require.NoError(t, err)
	require.NoError(t, store.Expenses.Activate(expense.ID))

	matchingID := "bank-txn-1"
	created, settlement, err := store.Settlements.FindOrCreateForMatch(&models.SharedExpenseTransaction{
		SharedExpenseID:              expense.ID,
		SharedExpenseUserAgreementID: agreements[0].ID,
		MatchingTransactionID:        &matchingID,
		SourceUserID:                 payer.ID,
		SourceAccountID:              payerAcct.ID,
		DestinationUserID:            owner.ID,
		DestinationAccountID:         ownerAcct.ID,
		TotalTransactionAmount:       amount,
	})
	require.NoError(t, err)
	require.True(t, created)

	return &orchestratorFixture{
		store:      store,
		bank:       &fakeBank{balances: map[string]money.Amount{}, errs: map[string]error{}},
		rail:       &fakeRail{statusCode: http.StatusCreated, transferID: "transfer-1", statuses: map[string]string{}},
		notifier:   &fakeNotifier{},
		payer:      payer,
		owner:      owner,
		payerAcct:  payerAcct,
		ownerAcct:  ownerAcct,
		expense:    expense,
		agreement:  &agreements[0],
		settlement: settlement,
	}
}

func (f *orchestratorFixture) orchestrator() *TransferOrchestrator {
	logger := testLogger()
	o := NewTransferOrchestrator(f.store, f.bank, f.rail, f.notifier, NewAlertService("", logger), logger)
	o.decryptToken = func(token string) ([]byte, error) {
		return []byte(token), nil
	}
	return o
}

func (f *orchestratorFixture) withheldRows() []*models.SharedExpenseWithheldTransaction {
	return f.store.Settlements.(*fakeSettlementStore).withheld
}

func TestAttemptInitiatesTransfer(t *testing.T) {
	fixture := newOrchestratorFixture(t, money.FromCents(5000))
	fixture.bank.balances["agg-payer"] = money.FromCents(10000)

	err := fixture.orchestrator().Attempt(context.Background(), fixture.settlement)
	require.NoError(t, err)

	require.Len(t, fixture.rail.created, 1)
	req := fixture.rail.created[0]
	assert.Equal(t, fixture.payerAcct.RailFundingSourceURL, req.SourceFundingSourceURL)
	assert.Equal(t, fixture.ownerAcct.RailFundingSourceURL, req.DestinationFundingSourceURL)
	assert.Equal(t, money.FromCents(5000), req.Amount)
	assert.Equal(t, fixture.settlement.IdempotencyToken, req.IdempotencyToken)

	updated, err := fixture.store.Settlements.GetByID(fixture.settlement.ID)
	require.NoError(t, err)
	require.NotNil(t, updated.RailTransferID)
	assert.Equal(t, "transfer-1", *updated.RailTransferID)
	assert.Equal(t, models.TransferStatusPending, *updated.TransferStatus)
	assert.Equal(t, 1, updated.NumberOfTimesAttempted)
	assert.False(t, updated.HasBeenTransferredToDestination)

	assert.Empty(t, fixture.withheldRows())
	// The payer hears their share went out; the recipient hears money is coming.
	assert.ElementsMatch(t, []string{fixture.payer.ID, fixture.owner.ID}, fixture.notifier.recipientsOf("completed"))
}

func TestAttemptWithholdsOnInsufficientFunds(t *testing.T) {
	fixture := newOrchestratorFixture(t, money.FromCents(5000))
	fixture.bank.balances["agg-payer"] = money.FromCents(4999)

	err := fixture.orchestrator().Attempt(context.Background(), fixture.settlement)
	require.NoError(t, err)

	assert.Empty(t, fixture.rail.created)

	rows := fixture.withheldRows()
	require.Len(t, rows, 1)
	assert.Equal(t, models.WithholdingInsufficientFunds, rows[0].WithholdingReason)
	require.NotNil(t, rows[0].FundsAvailableAtTimeOfAttempt)
	assert.Equal(t, money.FromCents(4999), *rows[0].FundsAvailableAtTimeOfAttempt)
	assert.Equal(t, money.FromCents(5000), rows[0].TotalContributionAmount)

	updated, _ := fixture.store.Settlements.GetByID(fixture.settlement.ID)
	assert.Equal(t, 1, updated.NumberOfTimesAttempted)
	assert.Nil(t, updated.RailTransferID)

	// Withholding notices reach both sides of the transfer.
	assert.ElementsMatch(t, []string{fixture.payer.ID, fixture.owner.ID}, fixture.notifier.recipientsOf("withheld"))
}

func TestAttemptWithholdsWhenBalanceUnavailable(t *testing.T) {
	fixture := newOrchestratorFixture(t, money.FromCents(5000))
	fixture.bank.errs["agg-payer"] = ErrBalanceUnavailable

	err := fixture.orchestrator().Attempt(context.Background(), fixture.settlement)
	require.NoError(t, err)

	rows := fixture.withheldRows()
	require.Len(t, rows, 1)
	assert.Equal(t, models.WithholdingNoRealTimeBalance, rows[0].WithholdingReason)
	assert.Nil(t, rows[0].FundsAvailableAtTimeOfAttempt)
}

func TestAttemptFlagsRelinkOnReauthError(t *testing.T) {
	fixture := newOrchestratorFixture(t, money.FromCents(5000))
	fixture.bank.errs["agg-payer"] = ErrReauthRequired

	err := fixture.orchestrator().Attempt(context.Background(), fixture.settlement)
	require.NoError(t, err)

	rows := fixture.withheldRows()
	require.Len(t, rows, 1)
	assert.Equal(t, models.WithholdingInvalidAccessToken, rows[0].WithholdingReason)

	account, _ := fixture.store.Accounts.GetByID(fixture.payerAcct.ID)
	assert.True(t, account.RequiresRelink)
	assert.Equal(t, 1, fixture.notifier.countKind("relink"))
}

func TestAttemptClassifiesRailRejections(t *testing.T) {
	cases := []struct {
		statusCode int
		reason     models.WithholdingReason
	}{
		{http.StatusBadRequest, models.WithholdingInvalidFundingSource},
		{http.StatusUnauthorized, models.WithholdingInvalidAccessToken},
		{http.StatusForbidden, models.WithholdingForbidden},
		{http.StatusInternalServerError, models.WithholdingUnknown},
	}

	for _, tc := range cases {
		fixture := newOrchestratorFixture(t, money.FromCents(5000))
		fixture.bank.balances["agg-payer"] = money.FromCents(10000)
		fixture.rail.statusCode = tc.statusCode

		err := fixture.orchestrator().Attempt(context.Background(), fixture.settlement)
		require.NoError(t, err)

		rows := fixture.withheldRows()
		require.Len(t, rows, 1, "status %d", tc.statusCode)
		assert.Equal(t, tc.reason, rows[0].WithholdingReason)

		updated, _ := fixture.store.Settlements.GetByID(fixture.settlement.ID)
		assert.Equal(t, 1, updated.NumberOfTimesAttempted)
	}
}

func TestAttemptSwapsDirectionForRefund(t *testing.T) {
	fixture := newOrchestratorFixture(t, money.FromCents(-2500))
	// The refund is drawn from the owner's account, so that balance is the
	// one checked.
	fixture.bank.balances["agg-owner"] = money.FromCents(10000)

	err := fixture.orchestrator().Attempt(context.Background(), fixture.settlement)
	require.NoError(t, err)

	require.Len(t, fixture.rail.created, 1)
	req := fixture.rail.created[0]
	assert.Equal(t, fixture.ownerAcct.RailFundingSourceURL, req.SourceFundingSourceURL)
	assert.Equal(t, fixture.payerAcct.RailFundingSourceURL, req.DestinationFundingSourceURL)
	assert.Equal(t, money.FromCents(2500), req.Amount)
}

func TestAttemptSkipsCompletedSettlement(t *testing.T) {
	fixture := newOrchestratorFixture(t, money.FromCents(5000))
	fixture.settlement.HasBeenTransferredToDestination = true

	err := fixture.orchestrator().Attempt(context.Background(), fixture.settlement)
	require.NoError(t, err)

	assert.Empty(t, fixture.rail.created)
	assert.Empty(t, fixture.withheldRows())
}

func TestSuccessReconcilesAllPriorWithheldRows(t *testing.T) {
	fixture := newOrchestratorFixture(t, money.FromCents(5000))
	orchestrator := fixture.orchestrator()

	// Two failed attempts pile up withheld rows.
	fixture.bank.balances["agg-payer"] = money.FromCents(100)
	require.NoError(t, orchestrator.Attempt(context.Background(), fixture.settlement))
	require.NoError(t, orchestrator.Attempt(context.Background(), fixture.settlement))
	require.Len(t, fixture.withheldRows(), 2)

	// Funds arrive and the third attempt succeeds.
	fixture.bank.balances["agg-payer"] = money.FromCents(10000)
	require.NoError(t, orchestrator.Attempt(context.Background(), fixture.settlement))

	for _, row := range fixture.withheldRows() {
		assert.True(t, row.HasBeenReconciled)
		assert.NotNil(t, row.DateTimeReconciled)
	}

	updated, _ := fixture.store.Settlements.GetByID(fixture.settlement.ID)
	assert.Equal(t, 3, updated.NumberOfTimesAttempted)
	require.NotNil(t, updated.RailTransferID)
}

func TestAttemptWithholdsWhenFundingSourceMissing(t *testing.T) {
	fixture := newOrchestratorFixture(t, money.FromCents(5000))
	fixture.bank.balances["agg-payer"] = money.FromCents(10000)
	require.NoError(t, fixture.store.Accounts.SetRailFundingSource(fixture.payerAcct.ID, ""))

	err := fixture.orchestrator().Attempt(context.Background(), fixture.settlement)
	require.NoError(t, err)

	assert.Empty(t, fixture.rail.created)
	rows := fixture.withheldRows()
	require.Len(t, rows, 1)
	assert.Equal(t, models.WithholdingInvalidFundingSource, rows[0].WithholdingReason)
}
