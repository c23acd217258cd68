package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/splitwell/splitwell-api/money"
)

// TransferRequest asks the payment rail to move funds between two funding
// sources. The idempotency token makes a retried request a no-op on the
// rail side.
type TransferRequest struct {
	SourceFundingSourceURL      string
	DestinationFundingSourceURL string
	Amount                      money.Amount
	Fee                         money.Amount
	IdempotencyToken            string
	CorrelationID               string
}

// TransferResult reports the rail's answer. StatusCode is always set so
// callers can classify rejections; TransferID and TransferURL are only
// populated on success.
type TransferResult struct {
	StatusCode  int
	TransferID  string
	TransferURL string
}

// RailTransfer is the rail's view of an existing transfer.
type RailTransfer struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// PaymentRail abstracts the ACH provider so settlement logic can be tested
// against a fake.
type PaymentRail interface {
	CreateTransfer(ctx context.Context, req TransferRequest) (*TransferResult, error)
	GetTransfer(ctx context.Context, transferURL string) (*RailTransfer, error)
	CancelTransfer(ctx context.Context, transferURL string) error
}

// DwollaService talks to the Dwolla REST API. Tokens are client-credential
// grants cached until shortly before expiry.
type DwollaService struct {
	baseURL string
	key     string
	secret  string
	client  *http.Client

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

func NewDwollaService(baseURL, key, secret string) *DwollaService {
	return &DwollaService{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		key:     key,
		secret:  secret,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (s *DwollaService) CreateTransfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	token, err := s.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	body := map[string]any{
		"_links": map[string]any{
			"source":      map[string]string{"href": req.SourceFundingSourceURL},
			"destination": map[string]string{"href": req.DestinationFundingSourceURL},
		},
		"amount": map[string]string{
			"currency": "USD",
			"value":    req.Amount.DollarString(),
		},
		"correlationId": req.CorrelationID,
	}
	if !req.Fee.IsZero() {
		body["fees"] = []map[string]any{
			{
				"_links": map[string]any{
					"charge-to": map[string]string{"href": req.DestinationFundingSourceURL},
				},
				"amount": map[string]string{"currency": "USD", "value": req.Fee.DollarString()},
			},
		}
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", s.baseURL+"/transfers", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Content-Type", "application/vnd.dwolla.v1.hal+json")
	httpReq.Header.Set("Accept", "application/vnd.dwolla.v1.hal+json")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyToken)

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("transfer request failed: %w", err)
	}
	defer resp.Body.Close()

	result := &TransferResult{StatusCode: resp.StatusCode}
	if resp.StatusCode == http.StatusCreated {
		result.TransferURL = resp.Header.Get("Location")
		result.TransferID = lastPathSegment(result.TransferURL)
	}
	return result, nil
}

func (s *DwollaService) GetTransfer(ctx context.Context, transferURL string) (*RailTransfer, error) {
	token, err := s.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, "GET", transferURL, nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Accept", "application/vnd.dwolla.v1.hal+json")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("transfer lookup failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("transfer lookup returned status %d", resp.StatusCode)
	}

	var transfer RailTransfer
	if err := json.NewDecoder(resp.Body).Decode(&transfer); err != nil {
		return nil, fmt.Errorf("failed to decode transfer: %w", err)
	}
	return &transfer, nil
}

func (s *DwollaService) CancelTransfer(ctx context.Context, transferURL string) error {
	token, err := s.accessToken(ctx)
	if err != nil {
		return err
	}

	jsonData, err := json.Marshal(map[string]string{"status": "cancelled"})
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", transferURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Content-Type", "application/vnd.dwolla.v1.hal+json")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("transfer cancellation failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("transfer cancellation returned status %d", resp.StatusCode)
	}
	return nil
}

func (s *DwollaService) accessToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && time.Now().Before(s.tokenExpiry) {
		return s.token, nil
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", s.baseURL+"/token",
		strings.NewReader("grant_type=client_credentials"))
	if err != nil {
		return "", err
	}
	httpReq.SetBasicAuth(s.key, s.secret)
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token request returned status %d", resp.StatusCode)
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}

	s.token = tokenResp.AccessToken
	s.tokenExpiry = time.Now().Add(time.Duration(tokenResp.ExpiresIn-60) * time.Second)
	return s.token, nil
}

func lastPathSegment(url string) string {
	if url == "" {
		return ""
	}
	parts := strings.Split(strings.TrimSuffix(url, "/"), "/")
	return parts[len(parts)-1]
}
