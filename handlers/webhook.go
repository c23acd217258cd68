package handlers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/splitwell/splitwell-api/models"
)

// TransferEventSink consumes verified rail events. Satisfied by
// services.TransferStatusService.
type TransferEventSink interface {
	HandleWebhook(ctx context.Context, payload *models.TransferWebhookPayload, rawBody []byte) error
}

type WebhookHandler struct {
	Status TransferEventSink
	Secret string
	Logger *logrus.Logger
}

// HandleRailWebhook ingests payment-rail events. The signature is checked
// against the raw body before anything is parsed, and the response is
// always fast: the heavy lifting happens in the status service but a
// processing failure is still a 201 so the rail does not retry forever.
// The pending-status poller catches anything dropped here.
func (h *WebhookHandler) HandleRailWebhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unreadable body"})
		return
	}

	signature := c.GetHeader("X-Request-Signature-SHA-256")
	if !validSignature(h.Secret, body, signature) {
		h.Logger.Warn("webhook signature mismatch")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid signature"})
		return
	}

	var payload models.TransferWebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Malformed payload"})
		return
	}

	if err := h.Status.HandleWebhook(c.Request.Context(), &payload, body); err != nil {
		h.Logger.WithError(err).WithFields(logrus.Fields{
			"event_id": payload.ID,
			"topic":    payload.Topic,
		}).Error("webhook processing failed")
	}
	c.JSON(http.StatusCreated, gin.H{"received": true})
}

func validSignature(secret string, body []byte, signature string) bool {
	if signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
