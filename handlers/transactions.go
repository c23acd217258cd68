package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/splitwell/splitwell-api/services"
)

// AggregatorWebhookHandler receives update notices from the bank data
// aggregator and pulls the new transactions for the affected item.
type AggregatorWebhookHandler struct {
	Ingestion *services.IngestionService
	Logger    *logrus.Logger
}

type aggregatorWebhookPayload struct {
	WebhookType string `json:"webhook_type"`
	WebhookCode string `json:"webhook_code"`
	ItemID      string `json:"item_id"`
}

// HandleAggregatorWebhook acknowledges every delivery. Sync failures are
// logged rather than surfaced; the aggregator redelivers and users can
// trigger a manual sync.
func (h *AggregatorWebhookHandler) HandleAggregatorWebhook(c *gin.Context) {
	var payload aggregatorWebhookPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Malformed webhook payload"})
		return
	}

	if payload.WebhookType == "TRANSACTIONS" && payload.ItemID != "" {
		if err := h.Ingestion.HandleAggregatorWebhook(c.Request.Context(), payload.ItemID); err != nil {
			h.Logger.WithError(err).WithFields(logrus.Fields{
				"item_id":      payload.ItemID,
				"webhook_code": payload.WebhookCode,
			}).Warn("aggregator webhook sync failed")
		}
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}
