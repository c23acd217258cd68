package services

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/splitwell/splitwell-api/storage"
)

// A withheld settlement waits at least this long before another attempt.
const withheldRetryInterval = 24 * time.Hour

// WithheldRetryService re-attempts settlements that were withheld, one
// attempt per settlement per sweep. Settlements whose expense or agreement
// has since been deactivated are closed out instead of retried.
type WithheldRetryService struct {
	store        *storage.Store
	orchestrator *TransferOrchestrator
	maxAttempts  int
	logger       *logrus.Logger
}

func NewWithheldRetryService(store *storage.Store, orchestrator *TransferOrchestrator, maxAttempts int, logger *logrus.Logger) *WithheldRetryService {
	return &WithheldRetryService{
		store:        store,
		orchestrator: orchestrator,
		maxAttempts:  maxAttempts,
		logger:       logger,
	}
}

func (s *WithheldRetryService) Sweep(ctx context.Context, now time.Time) error {
	rows, err := s.store.Settlements.ListRetryableWithheld(now.Add(-withheldRetryInterval))
	if err != nil {
		return err
	}

	for i := range rows {
		row := &rows[i]
		log := s.logger.WithFields(logrus.Fields{
			"withheld_id":   row.ID,
			"settlement_id": row.SharedExpenseTransactionID,
		})

		settlement, err := s.store.Settlements.GetByID(row.SharedExpenseTransactionID)
		if err != nil {
			return err
		}
		if settlement == nil || settlement.HasBeenTransferredToDestination {
			continue
		}

		active, err := s.settlementStillActive(settlement.SharedExpenseID, settlement.SharedExpenseUserAgreementID)
		if err != nil {
			return err
		}
		if !active {
			// Nobody is owed this money anymore; close the books on it.
			if err := s.store.Settlements.ReconcileWithheld(settlement.ID, now); err != nil {
				return err
			}
			log.Info("withheld settlement reconciled for deactivated expense")
			continue
		}

		if settlement.NumberOfTimesAttempted >= s.maxAttempts {
			log.WithField("attempts", settlement.NumberOfTimesAttempted).
				Info("withheld settlement exhausted its attempts")
			continue
		}

		if err := s.orchestrator.Attempt(ctx, settlement); err != nil {
			log.WithError(err).Error("withheld retry failed")
			continue
		}

		if err := s.advanceIfInitiated(settlement.ID); err != nil {
			return err
		}
	}
	return nil
}

// advanceIfInitiated moves a recurring payment's schedule forward once a
// retried settlement made it onto the rail. Without this, an expense whose
// every payer was withheld would sit on the same slot forever after its
// queue retries ran out.
func (s *WithheldRetryService) advanceIfInitiated(settlementID string) error {
	settlement, err := s.store.Settlements.GetByID(settlementID)
	if err != nil {
		return err
	}
	if settlement == nil || settlement.RailTransferID == nil || settlement.DateTimeTransactionScheduled == nil {
		return nil
	}

	expense, err := s.store.Expenses.GetByID(settlement.SharedExpenseID)
	if err != nil {
		return err
	}
	if expense == nil || !expense.IsActive {
		return nil
	}
	return advanceRecurringSchedule(s.store, s.logger, expense, *settlement.DateTimeTransactionScheduled)
}

func (s *WithheldRetryService) settlementStillActive(expenseID, agreementID string) (bool, error) {
	expense, err := s.store.Expenses.GetByID(expenseID)
	if err != nil {
		return false, err
	}
	if expense == nil || !expense.IsActive {
		return false, nil
	}

	agreement, err := s.store.Expenses.GetAgreement(agreementID)
	if err != nil {
		return false, err
	}
	return agreement != nil && agreement.IsActive, nil
}
