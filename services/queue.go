package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/splitwell/splitwell-api/money"
	"github.com/splitwell/splitwell-api/storage"
)

const (
	JobTypeSettleRecurring = "settle_recurring_payment"
	JobTypePaymentReminder = "payment_reminder"

	settlementJobMaxAttempts = 2
	settlementJobBackoff     = int(time.Hour / time.Second)
	reminderJobMaxAttempts   = 1

	queueClaimBatchSize = 25
)

// recurringJobPayload identifies the expense, the payer agreement, and the
// schedule slot a job belongs to. Reminders carry no agreement.
type recurringJobPayload struct {
	SharedExpenseID string    `json:"shared_expense_id"`
	AgreementID     string    `json:"agreement_id,omitempty"`
	ScheduledFor    time.Time `json:"scheduled_for"`
}

// SettlementJobKey is deterministic per agreement and slot, so enqueueing
// the same payer's settlement twice collapses into one job, and one payer's
// failed job never blocks the rest of the expense.
func SettlementJobKey(agreementID string, scheduled time.Time) string {
	return fmt.Sprintf("%s:%s:%s", JobTypeSettleRecurring, agreementID, scheduled.UTC().Format("2006-01-02"))
}

func ReminderJobKey(expenseID string, scheduled time.Time) string {
	return fmt.Sprintf("%s:%s:%s", JobTypePaymentReminder, expenseID, scheduled.UTC().Format("2006-01-02"))
}

// QueueWorker drains the durable job queue. Jobs survive restarts and
// deduplicate on their key; a settlement job gets one retry with an hour
// of backoff, a reminder runs at most once.
type QueueWorker struct {
	store        *storage.Store
	coordinator  *SettlementCoordinator
	notifier     Notifier
	logger       *logrus.Logger
	pollInterval time.Duration
}

func NewQueueWorker(store *storage.Store, coordinator *SettlementCoordinator, notifier Notifier, logger *logrus.Logger) *QueueWorker {
	return &QueueWorker{
		store:        store,
		coordinator:  coordinator,
		notifier:     notifier,
		logger:       logger,
		pollInterval: 15 * time.Second,
	}
}

func (w *QueueWorker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.RunOnce(ctx, time.Now()); err != nil {
				w.logger.WithError(err).Error("queue pass failed")
			}
		}
	}
}

// RunOnce claims and executes one batch of due jobs.
func (w *QueueWorker) RunOnce(ctx context.Context, now time.Time) error {
	jobs, err := w.store.Jobs.ClaimDue(now, queueClaimBatchSize)
	if err != nil {
		return err
	}

	for i := range jobs {
		job := &jobs[i]
		log := w.logger.WithFields(logrus.Fields{
			"job_key":  job.JobKey,
			"job_type": job.JobType,
		})

		if err := w.execute(ctx, job); err != nil {
			log.WithError(err).Warn("job failed")
			if failErr := w.store.Jobs.Fail(job.ID, err.Error()); failErr != nil {
				return failErr
			}
			continue
		}

		if err := w.store.Jobs.Complete(job.ID); err != nil {
			return err
		}
	}
	return nil
}

func (w *QueueWorker) execute(ctx context.Context, job *storage.Job) error {
	switch job.JobType {
	case JobTypeSettleRecurring:
		return w.runSettlement(ctx, job)
	case JobTypePaymentReminder:
		return w.runReminder(ctx, job)
	default:
		return fmt.Errorf("unknown job type %q", job.JobType)
	}
}

func (w *QueueWorker) runSettlement(ctx context.Context, job *storage.Job) error {
	var payload recurringJobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("malformed settlement payload: %w", err)
	}

	expense, err := w.store.Expenses.GetByID(payload.SharedExpenseID)
	if err != nil {
		return err
	}
	if expense == nil || !expense.IsActive {
		// Deactivated between enqueue and execution.
		return nil
	}

	agreement, err := w.store.Expenses.GetAgreement(payload.AgreementID)
	if err != nil {
		return err
	}
	if agreement == nil || !agreement.IsActive {
		return nil
	}
	return w.coordinator.SettleRecurringAgreement(ctx, expense, agreement)
}

func (w *QueueWorker) runReminder(ctx context.Context, job *storage.Job) error {
	var payload recurringJobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("malformed reminder payload: %w", err)
	}

	expense, err := w.store.Expenses.GetByID(payload.SharedExpenseID)
	if err != nil {
		return err
	}
	if expense == nil || !expense.IsActive {
		return nil
	}

	agreements, err := w.store.Expenses.ListAgreements(expense.ID, true)
	if err != nil {
		return err
	}

	var incoming money.Amount
	for i := range agreements {
		agreement := &agreements[i]
		if agreement.ContributionValue == nil {
			continue
		}
		owed := money.FromCents(*agreement.ContributionValue)
		incoming = incoming.Add(owed)

		payer, err := w.store.Users.GetByID(agreement.UserID)
		if err != nil {
			return err
		}
		if payer == nil {
			continue
		}
		w.notifier.PaymentReminder(payer, expense.Nickname, owed, payload.ScheduledFor)
	}

	// The recipient gets one reminder covering the whole collection.
	if owner, err := w.store.Users.GetByID(expense.OwnerUserID); err == nil && owner != nil && !incoming.IsZero() {
		w.notifier.PaymentReminder(owner, expense.Nickname, incoming, payload.ScheduledFor)
	}
	return nil
}
