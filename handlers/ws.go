package handlers

import (
	"encoding/json"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/olahol/melody"
	"github.com/sirupsen/logrus"

	"github.com/splitwell/splitwell-api/events"
	"github.com/splitwell/splitwell-api/middleware"
)

// WSHandler pushes account activity to connected clients. Sessions are
// keyed by user id so broadcasts only reach the user they concern.
type WSHandler struct {
	M      *melody.Melody
	logger *logrus.Logger
}

func NewWSHandler(logger *logrus.Logger) *WSHandler {
	m := melody.New()

	m.Config.MaxMessageSize = 1024 * 1024

	// Keep-alive keeps cloud load balancers from dropping idle sockets.
	m.Config.PingPeriod = 30 * time.Second
	m.Config.PongWait = 60 * time.Second

	m.HandleDisconnect(func(s *melody.Session) {
		userID, _ := s.Get("user_id")
		logger.WithField("user_id", userID).Debug("websocket client disconnected")
	})

	m.HandleError(func(s *melody.Session, err error) {
		logger.WithError(err).Warn("websocket error")
	})

	return &WSHandler{M: m, logger: logger}
}

// Subscribe wires the handler to the bus so stored transactions and user
// changes stream out as they happen.
func (h *WSHandler) Subscribe(bus *events.Bus) {
	bus.OnTransactionsUpdate(func(event events.TransactionsUpdateEvent) {
		h.BroadcastToUser(event.UserID, "transaction_updated", gin.H{
			"account_id":   event.AccountID,
			"transactions": event.Transactions,
		})
	})
	bus.OnAgreementUpdate(func(event events.AgreementUpdateEvent) {
		for _, userID := range event.UserIDs {
			h.BroadcastToUser(userID, "agreement_updated", gin.H{
				"shared_expense_id": event.ExpenseID,
				"agreement":         event.Agreement,
			})
		}
	})
	bus.OnUserUpdate(func(event events.UserUpdateEvent) {
		h.BroadcastToUser(event.User.ID, "user_updated", gin.H{
			"user": event.User,
		})
	})
}

// HandleWS upgrades the request. It sits behind the auth middleware, so
// the session is bound to the authenticated user.
func (h *WSHandler) HandleWS(c *gin.Context) {
	user := middleware.CurrentUser(c)
	if user == nil {
		return
	}

	err := h.M.HandleRequestWithKeys(c.Writer, c.Request, map[string]interface{}{
		"user_id": user.ID,
	})
	if err != nil {
		h.logger.WithError(err).Warn("failed to upgrade websocket")
	}
}

// BroadcastToUser sends a typed message to every session the user has open.
func (h *WSHandler) BroadcastToUser(userID, messageType string, payload gin.H) {
	msg, err := json.Marshal(gin.H{"type": messageType, "data": payload})
	if err != nil {
		h.logger.WithError(err).Warn("failed to encode websocket message")
		return
	}

	err = h.M.BroadcastFilter(msg, func(s *melody.Session) bool {
		id, exists := s.Get("user_id")
		return exists && id == userID
	})
	if err != nil {
		h.logger.WithError(err).WithField("user_id", userID).Warn("websocket broadcast failed")
	}
}
