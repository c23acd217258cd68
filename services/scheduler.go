package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/splitwell/splitwell-api/config"
	"github.com/splitwell/splitwell-api/storage"
)

// Scheduler walks the clock and feeds the job queue: settlement jobs at
// the settlement hour, day-before reminders at the reminder hour, and the
// withheld retry sweep at its own hour. All real work happens in the queue
// worker and the sweep, so a missed tick is recovered on the next one.
type Scheduler struct {
	store   *storage.Store
	retries *WithheldRetryService
	cfg     *config.Config
	logger  *logrus.Logger
}

func NewScheduler(store *storage.Store, retries *WithheldRetryService, cfg *config.Config, logger *logrus.Logger) *Scheduler {
	return &Scheduler{
		store:   store,
		retries: retries,
		cfg:     cfg,
		logger:  logger,
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	s.RunTick(ctx, time.Now())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunTick(ctx, time.Now())
		}
	}
}

// RunTick runs whichever duties fall on the current hour.
func (s *Scheduler) RunTick(ctx context.Context, now time.Time) {
	if now.Hour() == s.cfg.SettlementHour {
		if err := s.enqueueSettlements(now); err != nil {
			s.logger.WithError(err).Error("failed to enqueue settlement jobs")
		}
	}
	if now.Hour() == s.cfg.ReminderHour {
		if err := s.enqueueReminders(now); err != nil {
			s.logger.WithError(err).Error("failed to enqueue reminder jobs")
		}
	}
	if now.Hour() == s.cfg.WithheldRetryHour {
		if err := s.retries.Sweep(ctx, now); err != nil {
			s.logger.WithError(err).Error("withheld retry sweep failed")
		}
	}
}

// enqueueSettlements queues one job per payer agreement of each recurring
// payment whose scheduled date has arrived. The deterministic job key
// absorbs double ticks, and keying on the agreement keeps one payer's
// failure from stalling the rest of the expense.
func (s *Scheduler) enqueueSettlements(now time.Time) error {
	expenses, err := s.store.Expenses.ListActiveRecurringDueBy(endOfDay(now))
	if err != nil {
		return err
	}

	for i := range expenses {
		expense := &expenses[i]
		if expense.DateNextPaymentScheduled == nil {
			continue
		}
		scheduled := *expense.DateNextPaymentScheduled

		agreements, err := s.store.Expenses.ListAgreements(expense.ID, true)
		if err != nil {
			return err
		}

		for j := range agreements {
			agreement := &agreements[j]

			payload, err := json.Marshal(recurringJobPayload{
				SharedExpenseID: expense.ID,
				AgreementID:     agreement.ID,
				ScheduledFor:    scheduled,
			})
			if err != nil {
				return err
			}

			enqueued, err := s.store.Jobs.Enqueue(
				SettlementJobKey(agreement.ID, scheduled), JobTypeSettleRecurring, payload,
				now, settlementJobMaxAttempts, settlementJobBackoff)
			if err != nil {
				return err
			}
			if enqueued {
				s.logger.WithFields(logrus.Fields{
					"expense_id":   expense.ID,
					"agreement_id": agreement.ID,
					"scheduled":    scheduled,
				}).Info("settlement job enqueued")
			}
		}
	}
	return nil
}

// enqueueReminders queues one reminder per recurring payment that settles
// tomorrow.
func (s *Scheduler) enqueueReminders(now time.Time) error {
	tomorrow := startOfDay(now).AddDate(0, 0, 1)
	expenses, err := s.store.Expenses.ListActiveRecurringScheduledOn(tomorrow)
	if err != nil {
		return err
	}

	for i := range expenses {
		expense := &expenses[i]
		if expense.DateNextPaymentScheduled == nil {
			continue
		}
		scheduled := *expense.DateNextPaymentScheduled

		payload, err := json.Marshal(recurringJobPayload{
			SharedExpenseID: expense.ID,
			ScheduledFor:    scheduled,
		})
		if err != nil {
			return err
		}

		if _, err := s.store.Jobs.Enqueue(
			ReminderJobKey(expense.ID, scheduled), JobTypePaymentReminder, payload,
			now, reminderJobMaxAttempts, 0); err != nil {
			return err
		}
	}
	return nil
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func endOfDay(t time.Time) time.Time {
	return startOfDay(t).AddDate(0, 0, 1).Add(-time.Nanosecond)
}
