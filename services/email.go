package services

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// EmailService delivers user-facing mail through the Resend HTTP API.
type EmailService struct {
	apiKey      string
	fromEmail   string
	frontendURL string
	client      *http.Client
}

func NewEmailService(apiKey, fromEmail, frontendURL string) *EmailService {
	return &EmailService{
		apiKey:      apiKey,
		fromEmail:   fromEmail,
		frontendURL: frontendURL,
		client:      &http.Client{Timeout: 15 * time.Second},
	}
}

func (s *EmailService) SendAgreementInvitation(to, inviterName, expenseName, askDescription string) error {
	html := fmt.Sprintf(`
<p>Hi,</p>
<p><strong>%s</strong> is asking you to %s.</p>
<p><a href="%s/agreements">Review the request</a></p>
`, inviterName, askDescription, s.frontendURL)

	return s.send(to, fmt.Sprintf("%s wants to split %s with you", inviterName, expenseName), html)
}

func (s *EmailService) SendSettlementCompleted(to, expenseName, amount string) error {
	html := fmt.Sprintf(`
<p>Hi,</p>
<p>Your payment of <strong>%s</strong> for <strong>%s</strong> is on its way.</p>
`, amount, expenseName)

	return s.send(to, fmt.Sprintf("Payment sent for %s", expenseName), html)
}

func (s *EmailService) SendSettlementWithheld(to, expenseName, amount, reason string) error {
	html := fmt.Sprintf(`
<p>Hi,</p>
<p>We couldn't collect your payment of <strong>%s</strong> for <strong>%s</strong> (%s).</p>
<p>We'll retry automatically. <a href="%s/settings/accounts">Check your linked accounts</a> if this keeps happening.</p>
`, amount, expenseName, reason, s.frontendURL)

	return s.send(to, fmt.Sprintf("Payment issue for %s", expenseName), html)
}

func (s *EmailService) SendPaymentReminder(to, expenseName, amount, scheduledDate string) error {
	html := fmt.Sprintf(`
<p>Hi,</p>
<p>A reminder that your payment of <strong>%s</strong> for <strong>%s</strong> is scheduled for %s.</p>
`, amount, expenseName, scheduledDate)

	return s.send(to, fmt.Sprintf("Upcoming payment for %s", expenseName), html)
}

func (s *EmailService) SendTransferFailed(to, expenseName, amount string) error {
	html := fmt.Sprintf(`
<p>Hi,</p>
<p>The bank transfer of <strong>%s</strong> for <strong>%s</strong> failed after it was initiated.
No money moved.</p>
<p><a href="%s/settings/accounts">Check your linked accounts</a> and we'll try again on the next cycle.</p>
`, amount, expenseName, s.frontendURL)

	return s.send(to, fmt.Sprintf("Transfer failed for %s", expenseName), html)
}

func (s *EmailService) SendRelinkRequired(to, institutionName string) error {
	html := fmt.Sprintf(`
<p>Hi,</p>
<p>Your connection to <strong>%s</strong> has expired. Payments that rely on
this account are on hold until you relink it.</p>
<p><a href="%s/settings/accounts">Relink your account</a></p>
`, institutionName, s.frontendURL)

	return s.send(to, fmt.Sprintf("Action needed: relink %s", institutionName), html)
}

func (s *EmailService) send(to, subject, htmlBody string) error {
	if s.apiKey == "" {
		return fmt.Errorf("RESEND_API_KEY not configured")
	}

	payload := map[string]interface{}{
		"from":    fmt.Sprintf("Splitwell <%s>", s.fromEmail),
		"to":      []string{to},
		"subject": subject,
		"html":    htmlBody,
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequest("POST", "https://api.resend.com/emails", bytes.NewBuffer(jsonData))
	if err != nil {
		return err
	}

	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", s.apiKey))
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to send email: status %d", resp.StatusCode)
	}

	return nil
}
