package services

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/splitwell/splitwell-api/models"
	"github.com/splitwell/splitwell-api/money"
)

// Notifier fans user-facing notifications out to whatever channels are
// configured. Settlement code never blocks on delivery problems; failures
// are logged and dropped.
type Notifier interface {
	AgreementInvitation(to *models.User, inviterName, expenseName, askDescription string)
	SettlementCompleted(to *models.User, expenseName string, amount money.Amount)
	SettlementWithheld(to *models.User, expenseName string, amount money.Amount, reason models.WithholdingReason)
	TransferFailed(to *models.User, expenseName string, amount money.Amount)
	PaymentReminder(to *models.User, expenseName string, amount money.Amount, scheduled time.Time)
	RelinkRequired(to *models.User, institutionName string)
}

type emailNotifier struct {
	email  *EmailService
	logger *logrus.Logger
}

func NewEmailNotifier(email *EmailService, logger *logrus.Logger) Notifier {
	return &emailNotifier{email: email, logger: logger}
}

func (n *emailNotifier) AgreementInvitation(to *models.User, inviterName, expenseName, askDescription string) {
	n.deliver("agreement_invitation", to,
		n.email.SendAgreementInvitation(to.Email, inviterName, expenseName, askDescription))
}

func (n *emailNotifier) SettlementCompleted(to *models.User, expenseName string, amount money.Amount) {
	n.deliver("settlement_completed", to,
		n.email.SendSettlementCompleted(to.Email, expenseName, amount.Format()))
}

func (n *emailNotifier) SettlementWithheld(to *models.User, expenseName string, amount money.Amount, reason models.WithholdingReason) {
	n.deliver("settlement_withheld", to,
		n.email.SendSettlementWithheld(to.Email, expenseName, amount.Format(), humanizeWithholdingReason(reason)))
}

func (n *emailNotifier) TransferFailed(to *models.User, expenseName string, amount money.Amount) {
	n.deliver("transfer_failed", to,
		n.email.SendTransferFailed(to.Email, expenseName, amount.Format()))
}

func (n *emailNotifier) PaymentReminder(to *models.User, expenseName string, amount money.Amount, scheduled time.Time) {
	n.deliver("payment_reminder", to,
		n.email.SendPaymentReminder(to.Email, expenseName, amount.Format(), scheduled.Format("January 2, 2006")))
}

func (n *emailNotifier) RelinkRequired(to *models.User, institutionName string) {
	n.deliver("relink_required", to,
		n.email.SendRelinkRequired(to.Email, institutionName))
}

func (n *emailNotifier) deliver(kind string, to *models.User, err error) {
	if err != nil {
		n.logger.WithFields(logrus.Fields{
			"notification": kind,
			"user_id":      to.ID,
		}).WithError(err).Warn("notification delivery failed")
	}
}

func humanizeWithholdingReason(reason models.WithholdingReason) string {
	switch reason {
	case models.WithholdingInsufficientFunds:
		return "insufficient funds"
	case models.WithholdingInvalidAccessToken:
		return "your bank connection needs to be relinked"
	case models.WithholdingInvalidFundingSource:
		return "your payment account could not be used"
	case models.WithholdingNoRealTimeBalance:
		return "we could not confirm your balance"
	default:
		return "a temporary problem"
	}
}

// AlertService posts operator alerts to an incoming-webhook URL. A blank
// URL turns alerting into a logged no-op, which is what local development
// wants.
type AlertService struct {
	webhookURL string
	logger     *logrus.Logger
	client     *http.Client
}

func NewAlertService(webhookURL string, logger *logrus.Logger) *AlertService {
	return &AlertService{
		webhookURL: webhookURL,
		logger:     logger,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *AlertService) Alert(message string, fields map[string]any) {
	entry := s.logger.WithField("alert", true)
	for key, value := range fields {
		entry = entry.WithField(key, value)
	}
	entry.Warn(message)

	if s.webhookURL == "" {
		return
	}

	text := message
	for key, value := range fields {
		text += fmt.Sprintf("\n%s: %v", key, value)
	}

	jsonData, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return
	}

	resp, err := s.client.Post(s.webhookURL, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		s.logger.WithError(err).Warn("failed to post operator alert")
		return
	}
	resp.Body.Close()
}
