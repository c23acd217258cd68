package services

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/splitwell/splitwell-api/events"
	"github.com/splitwell/splitwell-api/models"
	"github.com/splitwell/splitwell-api/storage"
)

// TransferStatusService reconciles settlement state with what the payment
// rail reports, via webhooks and a safety-net poller for deliveries that
// never arrive. Webhook redelivery is absorbed by the unique event log.
type TransferStatusService struct {
	store    *storage.Store
	rail     PaymentRail
	bus      *events.Bus
	notifier Notifier
	alerts   *AlertService
	logger   *logrus.Logger
}

func NewTransferStatusService(store *storage.Store, rail PaymentRail, bus *events.Bus, notifier Notifier, alerts *AlertService, logger *logrus.Logger) *TransferStatusService {
	return &TransferStatusService{
		store:    store,
		rail:     rail,
		bus:      bus,
		notifier: notifier,
		alerts:   alerts,
		logger:   logger,
	}
}

// HandleWebhook processes one rail delivery. It never fails on unknown
// topics; the event is logged and acknowledged so the rail stops resending.
func (s *TransferStatusService) HandleWebhook(ctx context.Context, payload *models.TransferWebhookPayload, rawBody []byte) error {
	log := s.logger.WithFields(logrus.Fields{
		"event_uuid": payload.ID,
		"topic":      payload.Topic,
	})

	settlementID := ""
	var settlement *models.SharedExpenseTransaction
	if isTransferTopic(payload.Topic) {
		found, err := s.store.Settlements.GetByRailTransferID(payload.ResourceID)
		if err != nil {
			return err
		}
		settlement = found
		if settlement != nil {
			settlementID = settlement.ID
		}
	}

	recorded, err := s.store.Settlements.RecordEvent(&models.SharedExpenseTransactionEvent{
		SharedExpenseTransactionID: settlementID,
		EventUUID:                  payload.ID,
		Topic:                      payload.Topic,
		Payload:                    string(rawBody),
		DateTimePosted:             parseEventTime(payload.Created),
	})
	if err != nil {
		return err
	}
	if !recorded {
		log.Debug("duplicate webhook delivery ignored")
		return nil
	}

	switch {
	case strings.HasSuffix(payload.Topic, "transfer_completed"):
		return s.applyStatus(settlement, models.TransferStatusProcessed, log)
	case strings.HasSuffix(payload.Topic, "transfer_failed"):
		if settlement != nil {
			s.alerts.Alert("payment rail reported a failed transfer", map[string]any{
				"settlement_id":    settlement.ID,
				"rail_transfer_id": payload.ResourceID,
			})
		}
		if err := s.applyStatus(settlement, models.TransferStatusFailed, log); err != nil {
			return err
		}
		s.notifyTransferFailed(settlement)
		return nil
	case strings.HasSuffix(payload.Topic, "transfer_cancelled"):
		return s.applyStatus(settlement, models.TransferStatusCancelled, log)
	case strings.HasSuffix(payload.Topic, "transfer_created"),
		strings.HasSuffix(payload.Topic, "transfer_pending"):
		// Intermediate states carry no new information; the row is already
		// pending.
		return nil
	case payload.Topic == "customer_reverification_needed":
		return s.flagReverification(payload.ResourceID, log)
	default:
		log.Info("unhandled webhook topic recorded")
		s.alerts.Alert("unhandled payment rail webhook topic", map[string]any{
			"topic":      payload.Topic,
			"event_uuid": payload.ID,
		})
		return nil
	}
}

func (s *TransferStatusService) applyStatus(settlement *models.SharedExpenseTransaction, status models.TransferStatus, log *logrus.Entry) error {
	if settlement == nil {
		log.Warn("webhook references an unknown transfer")
		return nil
	}
	if err := s.store.Settlements.UpdateStatus(settlement.ID, status, time.Now()); err != nil {
		return err
	}
	log.WithField("status", status).Info("transfer status updated")
	return nil
}

// notifyTransferFailed tells the payer and the recipient that money they
// thought was moving is not. Lookup problems only cost the notification.
func (s *TransferStatusService) notifyTransferFailed(settlement *models.SharedExpenseTransaction) {
	if settlement == nil {
		return
	}

	expense, err := s.store.Expenses.GetByID(settlement.SharedExpenseID)
	if err != nil || expense == nil {
		s.logger.WithField("settlement_id", settlement.ID).Warn("could not load expense for failure notification")
		return
	}

	for _, userID := range []string{settlement.SourceUserID, settlement.DestinationUserID} {
		user, err := s.store.Users.GetByID(userID)
		if err != nil || user == nil {
			continue
		}
		s.notifier.TransferFailed(user, expense.Nickname, settlement.TotalTransactionAmount)
	}
}

// flagReverification marks the user and pushes the change to connected
// clients so the app can walk them through reverification immediately.
func (s *TransferStatusService) flagReverification(railCustomerID string, log *logrus.Entry) error {
	user, err := s.store.Users.GetByRailCustomerID(railCustomerID)
	if err != nil {
		return err
	}
	if user == nil {
		log.Warn("reverification webhook references an unknown customer")
		return nil
	}

	updated, err := s.store.Users.SetReverificationNeeded(user.ID, true)
	if err != nil {
		return err
	}
	if updated != nil {
		s.bus.PublishUserUpdate(events.UserUpdateEvent{User: *updated})
	}
	log.WithField("user_id", user.ID).Info("user flagged for reverification")
	return nil
}

// PollPending asks the rail about every transfer still marked pending.
// Webhooks normally beat the poll; this catches the ones that got lost.
func (s *TransferStatusService) PollPending(ctx context.Context) error {
	pending, err := s.store.Settlements.ListPendingStatus()
	if err != nil {
		return err
	}

	for i := range pending {
		settlement := &pending[i]
		if settlement.RailTransferURL == nil {
			continue
		}

		transfer, err := s.rail.GetTransfer(ctx, *settlement.RailTransferURL)
		if err != nil {
			s.logger.WithError(err).WithField("settlement_id", settlement.ID).
				Warn("transfer status poll failed")
			continue
		}

		status, ok := railStatusToTransferStatus(transfer.Status)
		if !ok || status == models.TransferStatusPending {
			continue
		}
		if err := s.store.Settlements.UpdateStatus(settlement.ID, status, time.Now()); err != nil {
			return err
		}
	}
	return nil
}

// StartPolling runs PollPending on an interval until the context ends.
func (s *TransferStatusService) StartPolling(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.PollPending(ctx); err != nil {
				s.logger.WithError(err).Error("transfer status poll pass failed")
			}
		}
	}
}

func isTransferTopic(topic string) bool {
	return strings.Contains(topic, "transfer")
}

func railStatusToTransferStatus(railStatus string) (models.TransferStatus, bool) {
	switch railStatus {
	case "processed":
		return models.TransferStatusProcessed, true
	case "pending":
		return models.TransferStatusPending, true
	case "failed":
		return models.TransferStatusFailed, true
	case "cancelled":
		return models.TransferStatusCancelled, true
	default:
		return "", false
	}
}

func parseEventTime(value string) time.Time {
	if parsed, err := time.Parse(time.RFC3339, value); err == nil {
		return parsed
	}
	return time.Now()
}
