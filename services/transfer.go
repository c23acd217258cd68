package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/splitwell/splitwell-api/models"
	"github.com/splitwell/splitwell-api/money"
	"github.com/splitwell/splitwell-api/storage"
	"github.com/splitwell/splitwell-api/utils"
)

// TransferOrchestrator drives one settlement transaction through balance
// verification and the payment rail. Every attempt either initiates a
// transfer or appends a withheld row naming why the money stayed put; a
// successful attempt reconciles every withheld row accumulated before it.
type TransferOrchestrator struct {
	store        *storage.Store
	bank         BankDataProvider
	rail         PaymentRail
	notifier     Notifier
	alerts       *AlertService
	logger       *logrus.Logger
	decryptToken func(string) ([]byte, error)
}

func NewTransferOrchestrator(store *storage.Store, bank BankDataProvider, rail PaymentRail, notifier Notifier, alerts *AlertService, logger *logrus.Logger) *TransferOrchestrator {
	return &TransferOrchestrator{
		store:        store,
		bank:         bank,
		rail:         rail,
		notifier:     notifier,
		alerts:       alerts,
		logger:       logger,
		decryptToken: utils.Decrypt,
	}
}

// Attempt runs one settlement attempt. A nil error means the attempt was
// recorded, not that money moved; withheld outcomes are normal operation.
func (o *TransferOrchestrator) Attempt(ctx context.Context, settlement *models.SharedExpenseTransaction) error {
	if settlement.HasBeenTransferredToDestination {
		return nil
	}

	log := o.logger.WithFields(logrus.Fields{
		"settlement_id": settlement.ID,
		"agreement_id":  settlement.SharedExpenseUserAgreementID,
		"amount":        settlement.TotalTransactionAmount.Cents(),
	})

	sourceAccountID := settlement.SourceAccountID
	destinationAccountID := settlement.DestinationAccountID
	amount := settlement.TotalTransactionAmount
	// A negative amount is a refund back to the payer.
	if amount.IsNegative() {
		sourceAccountID, destinationAccountID = destinationAccountID, sourceAccountID
		amount = amount.Abs()
	}

	sourceAccount, err := o.store.Accounts.GetByID(sourceAccountID)
	if err != nil {
		return err
	}
	destinationAccount, err := o.store.Accounts.GetByID(destinationAccountID)
	if err != nil {
		return err
	}
	if sourceAccount == nil || destinationAccount == nil {
		return fmt.Errorf("settlement %s references a missing account", settlement.ID)
	}

	balance, reason := o.verifyBalance(ctx, sourceAccount, amount)
	if reason != "" {
		return o.withhold(settlement, reason, balance, log)
	}

	if sourceAccount.RailFundingSourceURL == "" || destinationAccount.RailFundingSourceURL == "" {
		return o.withhold(settlement, models.WithholdingInvalidFundingSource, balance, log)
	}

	result, err := o.rail.CreateTransfer(ctx, TransferRequest{
		SourceFundingSourceURL:      sourceAccount.RailFundingSourceURL,
		DestinationFundingSourceURL: destinationAccount.RailFundingSourceURL,
		Amount:                      amount,
		Fee:                         settlement.TotalFeeAmount,
		IdempotencyToken:            settlement.IdempotencyToken,
		CorrelationID:               settlement.ID,
	})
	if err != nil {
		log.WithError(err).Error("payment rail unreachable")
		return o.withhold(settlement, models.WithholdingUnknown, balance, log)
	}

	switch result.StatusCode {
	case http.StatusCreated:
		return o.completeAttempt(settlement, result, log)
	case http.StatusBadRequest:
		return o.withhold(settlement, models.WithholdingInvalidFundingSource, balance, log)
	case http.StatusUnauthorized:
		return o.withhold(settlement, models.WithholdingInvalidAccessToken, balance, log)
	case http.StatusForbidden:
		return o.withhold(settlement, models.WithholdingForbidden, balance, log)
	default:
		log.WithField("status_code", result.StatusCode).Error("unexpected payment rail response")
		return o.withhold(settlement, models.WithholdingUnknown, balance, log)
	}
}

// verifyBalance returns an empty reason when the payer can cover the
// amount. A reauth failure also flags the account for relink.
func (o *TransferOrchestrator) verifyBalance(ctx context.Context, account *models.BankAccount, amount money.Amount) (*money.Amount, models.WithholdingReason) {
	token, err := o.decryptToken(account.EncryptedAccessToken)
	if err != nil {
		return nil, models.WithholdingNoRealTimeBalance
	}

	balance, err := o.bank.GetAvailableBalance(ctx, string(token), account.AggregatorAccountID)
	if errors.Is(err, ErrReauthRequired) {
		o.flagRelink(account)
		return nil, models.WithholdingInvalidAccessToken
	}
	if err != nil {
		return nil, models.WithholdingNoRealTimeBalance
	}

	if balance.LessThan(amount) {
		return &balance, models.WithholdingInsufficientFunds
	}
	return &balance, ""
}

func (o *TransferOrchestrator) flagRelink(account *models.BankAccount) {
	if err := o.store.Accounts.SetRequiresRelink(account.ID, true); err != nil {
		o.logger.WithError(err).Error("failed to flag account for relink")
		return
	}
	if user, err := o.store.Users.GetByID(account.UserID); err == nil && user != nil {
		o.notifier.RelinkRequired(user, account.InstitutionName)
	}
}

func (o *TransferOrchestrator) withhold(settlement *models.SharedExpenseTransaction, reason models.WithholdingReason, balance *money.Amount, log *logrus.Entry) error {
	if err := o.store.Settlements.IncrementAttempts(settlement.ID); err != nil {
		return err
	}

	row := &models.SharedExpenseWithheldTransaction{
		SharedExpenseTransactionID:       settlement.ID,
		SharedExpenseUserAgreementID:     settlement.SharedExpenseUserAgreementID,
		MatchingTransactionID:            settlement.MatchingTransactionID,
		WithholdingReason:                reason,
		FundsAvailableAtTimeOfAttempt:    balance,
		TotalContributionAmount:          settlement.TotalTransactionAmount,
		DateTimeOriginalPaymentScheduled: settlement.DateTimeTransactionScheduled,
	}
	if err := o.store.Settlements.CreateWithheld(row); err != nil {
		return err
	}

	log.WithField("reason", reason).Info("settlement withheld")

	if reason == models.WithholdingUnknown || reason == models.WithholdingForbidden {
		o.alerts.Alert("settlement withheld for a non-recoverable reason", map[string]any{
			"settlement_id": settlement.ID,
			"reason":        string(reason),
		})
	}

	o.notifyWithheld(settlement, reason)
	return nil
}

// Both sides of the transfer hear about a withholding; the recipient is
// waiting on this money too.
func (o *TransferOrchestrator) notifyWithheld(settlement *models.SharedExpenseTransaction, reason models.WithholdingReason) {
	expense, err := o.store.Expenses.GetByID(settlement.SharedExpenseID)
	if err != nil || expense == nil {
		return
	}
	for _, userID := range []string{settlement.SourceUserID, settlement.DestinationUserID} {
		user, err := o.store.Users.GetByID(userID)
		if err != nil || user == nil {
			continue
		}
		o.notifier.SettlementWithheld(user, expense.Nickname, settlement.TotalTransactionAmount, reason)
	}
}

func (o *TransferOrchestrator) completeAttempt(settlement *models.SharedExpenseTransaction, result *TransferResult, log *logrus.Entry) error {
	if err := o.store.Settlements.IncrementAttempts(settlement.ID); err != nil {
		return err
	}
	if err := o.store.Settlements.MarkTransferInitiated(settlement.ID, result.TransferID, result.TransferURL, models.TransferStatusPending); err != nil {
		return err
	}
	// Every earlier failed attempt is closed out by this success.
	if err := o.store.Settlements.ReconcileWithheld(settlement.ID, time.Now()); err != nil {
		return err
	}

	log.WithField("rail_transfer_id", result.TransferID).Info("transfer initiated")

	if expense, err := o.store.Expenses.GetByID(settlement.SharedExpenseID); err == nil && expense != nil {
		for _, userID := range []string{settlement.SourceUserID, settlement.DestinationUserID} {
			if user, err := o.store.Users.GetByID(userID); err == nil && user != nil {
				o.notifier.SettlementCompleted(user, expense.Nickname, settlement.TotalTransactionAmount)
			}
		}
	}
	return nil
}
