package services

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/splitwell/splitwell-api/events"
	"github.com/splitwell/splitwell-api/models"
	"github.com/splitwell/splitwell-api/money"
	"github.com/splitwell/splitwell-api/storage"
)

// How far back a new vendor association reaches for charges that were
// missed under the other name.
const associationBackfillWindow = 30 * 24 * time.Hour

// SettlementCoordinator decides which settlements exist. It listens for
// matched bank transactions and vendor associations, fans each charge out
// into per-payer settlement transactions, and hands them to the
// orchestrator. Duplicate triggers collapse in the find-or-create layer.
type SettlementCoordinator struct {
	store        *storage.Store
	calculator   *ContributionCalculator
	orchestrator *TransferOrchestrator
	logger       *logrus.Logger
}

func NewSettlementCoordinator(store *storage.Store, calculator *ContributionCalculator, orchestrator *TransferOrchestrator, logger *logrus.Logger) *SettlementCoordinator {
	return &SettlementCoordinator{
		store:        store,
		calculator:   calculator,
		orchestrator: orchestrator,
		logger:       logger,
	}
}

// Subscribe wires the coordinator into the event bus.
func (c *SettlementCoordinator) Subscribe(bus *events.Bus) {
	bus.OnTransactionsUpdate(func(event events.TransactionsUpdateEvent) {
		c.HandleTransactionsUpdate(context.Background(), event)
	})
	bus.OnVendorAssociation(func(event events.VendorAssociationEvent) {
		c.HandleVendorAssociation(context.Background(), event)
	})
}

func (c *SettlementCoordinator) HandleTransactionsUpdate(ctx context.Context, event events.TransactionsUpdateEvent) {
	for i := range event.Transactions {
		txn := &event.Transactions[i]
		if txn.UniqueVendorID == "" {
			continue
		}
		if err := c.settleMatchingBills(ctx, txn); err != nil {
			c.logger.WithError(err).WithField("transaction_id", txn.ID).
				Error("failed to settle matched transaction")
		}
	}
}

// HandleVendorAssociation re-runs matching for recent charges under either
// vendor, so a bill that arrived under the parent company's name settles
// once the alias is recorded.
func (c *SettlementCoordinator) HandleVendorAssociation(ctx context.Context, event events.VendorAssociationEvent) {
	for _, vendorID := range []string{event.Vendor.ID, event.AssociatedVendor.ID} {
		relatedIDs, err := c.store.Vendors.RelatedVendorIDs(vendorID)
		if err != nil {
			c.logger.WithError(err).Error("failed to expand vendor associations")
			continue
		}

		transactions, err := c.store.Transactions.ListByVendorSince(relatedIDs, time.Now().Add(-associationBackfillWindow))
		if err != nil {
			c.logger.WithError(err).Error("failed to load recent vendor transactions")
			continue
		}

		for i := range transactions {
			if err := c.settleMatchingBills(ctx, &transactions[i]); err != nil {
				c.logger.WithError(err).WithField("transaction_id", transactions[i].ID).
					Error("failed to backfill settlement")
			}
		}
	}
}

func (c *SettlementCoordinator) settleMatchingBills(ctx context.Context, txn *models.Transaction) error {
	relatedIDs, err := c.store.Vendors.RelatedVendorIDs(txn.UniqueVendorID)
	if err != nil {
		return err
	}

	expenses, err := c.store.Expenses.ListActiveByVendorIDs(relatedIDs)
	if err != nil {
		return err
	}

	for i := range expenses {
		expense := &expenses[i]
		// Only charges hitting the account the owner told us to watch count.
		if expense.OwnerSourceAccountID != txn.AccountID {
			continue
		}
		if err := c.SettleSharedBill(ctx, expense, txn); err != nil {
			return err
		}
	}
	return nil
}

// SettleSharedBill creates one settlement per active payer for the charge
// and runs each through the orchestrator. Re-delivery of the same charge is
// a no-op.
func (c *SettlementCoordinator) SettleSharedBill(ctx context.Context, expense *models.SharedExpense, txn *models.Transaction) error {
	agreements, err := c.store.Expenses.ListAgreements(expense.ID, true)
	if err != nil {
		return err
	}
	if len(agreements) == 0 {
		return nil
	}

	// The owner participates in the split without an agreement row.
	participantCount := len(agreements) + 1

	for i := range agreements {
		agreement := &agreements[i]
		if agreement.PaymentAccountID == nil {
			c.logger.WithField("agreement_id", agreement.ID).Warn("active agreement has no payment account")
			continue
		}

		owed, err := c.calculator.AmountOwed(txn.Amount, agreement, participantCount)
		if err != nil {
			return err
		}
		if owed.IsZero() {
			continue
		}

		created, settlement, err := c.store.Settlements.FindOrCreateForMatch(&models.SharedExpenseTransaction{
			SharedExpenseID:              expense.ID,
			SharedExpenseUserAgreementID: agreement.ID,
			MatchingTransactionID:        &txn.ID,
			SourceUserID:                 agreement.UserID,
			SourceAccountID:              *agreement.PaymentAccountID,
			DestinationUserID:            expense.OwnerUserID,
			DestinationAccountID:         expense.OwnerDestinationAccountID,
			TotalTransactionAmount:       owed,
			TotalFeeAmount:               c.calculator.ProcessingFee(owed),
		})
		if err != nil {
			return err
		}
		if !created {
			continue
		}

		if err := c.orchestrator.Attempt(ctx, settlement); err != nil {
			return err
		}
	}
	return nil
}

// SettleRecurringAgreement runs one payer's scheduled settlement. The
// expense schedule advances as soon as a payer's transfer is accepted by
// the rail; a withheld transfer is an error so the job queue retries it,
// and after that the withheld sweep owns the settlement.
func (c *SettlementCoordinator) SettleRecurringAgreement(ctx context.Context, expense *models.SharedExpense, agreement *models.SharedExpenseUserAgreement) error {
	if !expense.IsActive || expense.DateNextPaymentScheduled == nil {
		return nil
	}
	scheduled := *expense.DateNextPaymentScheduled

	if agreement.PaymentAccountID == nil {
		c.logger.WithField("agreement_id", agreement.ID).Warn("active agreement has no payment account")
		return nil
	}
	if agreement.ContributionType != models.ContributionFixed || agreement.ContributionValue == nil {
		return fmt.Errorf("recurring agreement %s is not a fixed contribution", agreement.ID)
	}
	owed := money.FromCents(*agreement.ContributionValue)

	created, settlement, err := c.store.Settlements.FindOrCreateScheduled(&models.SharedExpenseTransaction{
		SharedExpenseID:              expense.ID,
		SharedExpenseUserAgreementID: agreement.ID,
		DateTimeTransactionScheduled: &scheduled,
		SourceUserID:                 agreement.UserID,
		SourceAccountID:              *agreement.PaymentAccountID,
		DestinationUserID:            expense.OwnerUserID,
		DestinationAccountID:         expense.OwnerDestinationAccountID,
		TotalTransactionAmount:       owed,
		TotalFeeAmount:               c.calculator.ProcessingFee(owed),
	})
	if err != nil {
		return err
	}
	if !created && settlement.RailTransferID != nil {
		// Already initiated on a previous run of this schedule slot.
		return advanceRecurringSchedule(c.store, c.logger, expense, scheduled)
	}

	if err := c.orchestrator.Attempt(ctx, settlement); err != nil {
		return err
	}

	updated, err := c.store.Settlements.GetByID(settlement.ID)
	if err != nil {
		return err
	}
	if updated == nil || updated.RailTransferID == nil {
		return fmt.Errorf("recurring settlement for agreement %s was withheld", agreement.ID)
	}
	return advanceRecurringSchedule(c.store, c.logger, expense, scheduled)
}

// advanceRecurringSchedule moves the next payment date one step past the
// slot that just settled. The store update is conditional on the date
// still reading that slot, so sibling agreements settling the same slot
// advance it once. An expense whose next date would pass its end date is
// deactivated with the date left untouched.
func advanceRecurringSchedule(store *storage.Store, logger *logrus.Logger, expense *models.SharedExpense, from time.Time) error {
	if expense.RecurrenceInterval == nil || expense.RecurrenceFrequency == nil {
		return fmt.Errorf("recurring expense %s has no recurrence", expense.ID)
	}

	next := NextScheduledDate(from, *expense.RecurrenceInterval, *expense.RecurrenceFrequency)

	if expense.RecurringPaymentEndDate != nil && next.After(*expense.RecurringPaymentEndDate) {
		logger.WithField("expense_id", expense.ID).Info("recurring payment reached its end date")
		return store.Expenses.Deactivate(expense.ID)
	}

	return store.Expenses.AdvanceSchedule(expense.ID, from, next)
}

// NextScheduledDate advances a schedule slot by one recurrence step.
func NextScheduledDate(from time.Time, interval models.RecurringInterval, frequency int) time.Time {
	switch interval {
	case models.IntervalMonths:
		return from.AddDate(0, frequency, 0)
	case models.IntervalYears:
		return from.AddDate(frequency, 0, 0)
	default:
		return from.AddDate(0, 0, frequency)
	}
}
