package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/splitwell/splitwell-api/middleware"
	"github.com/splitwell/splitwell-api/models"
	"github.com/splitwell/splitwell-api/services"
	"github.com/splitwell/splitwell-api/storage"
)

type AccountHandler struct {
	Store     *storage.Store
	Bank      services.BankDataProvider
	Ingestion *services.IngestionService
	Expenses  *services.ExpenseService
	Logger    *logrus.Logger
}

// CreateLinkToken starts the aggregator link flow for the client.
func (h *AccountHandler) CreateLinkToken(c *gin.Context) {
	user := middleware.CurrentUser(c)
	token, err := h.Bank.CreateLinkToken(c.Request.Context(), user.ID)
	if err != nil {
		h.Logger.WithError(err).Warn("link token creation failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to create link token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"link_token": token})
}

// LinkAccounts finishes the link flow and registers the institution's
// accounts, then runs a first sync so matching can start immediately.
func (h *AccountHandler) LinkAccounts(c *gin.Context) {
	user := middleware.CurrentUser(c)

	var req models.LinkAccountsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	accounts, err := h.Ingestion.LinkAccounts(c.Request.Context(), user, req.PublicToken)
	if err != nil {
		h.Logger.WithError(err).WithField("user_id", user.ID).Warn("account link failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to link accounts"})
		return
	}

	for i := range accounts {
		if _, err := h.Ingestion.SyncAccount(c.Request.Context(), &accounts[i]); err != nil {
			h.Logger.WithError(err).WithField("account_id", accounts[i].ID).Warn("initial sync failed")
		}
	}

	c.JSON(http.StatusCreated, gin.H{"accounts": accounts})
}

func (h *AccountHandler) ListAccounts(c *gin.Context) {
	user := middleware.CurrentUser(c)
	accounts, err := h.Store.Accounts.ListByUser(user.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"accounts": accounts})
}

// SyncAccounts pulls the incremental feed for every linked account.
func (h *AccountHandler) SyncAccounts(c *gin.Context) {
	user := middleware.CurrentUser(c)
	if err := h.Ingestion.SyncUserAccounts(c.Request.Context(), user); err != nil {
		h.Logger.WithError(err).WithField("user_id", user.ID).Warn("account sync failed")
	}
	c.JSON(http.StatusOK, gin.H{"synced": true})
}

// RemoveAccount deactivates the account and every expense that depends
// on it.
func (h *AccountHandler) RemoveAccount(c *gin.Context) {
	user := middleware.CurrentUser(c)
	accountID := c.Param("id")

	account, err := h.Store.Accounts.GetByID(accountID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}
	if account == nil || account.UserID != user.ID {
		c.JSON(http.StatusNotFound, gin.H{"error": "Account not found"})
		return
	}

	if err := h.Expenses.HandleAccountDeactivation(c.Request.Context(), accountID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to remove account"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": true})
}

// ListTransactions returns captured transactions for one of the user's
// accounts.
func (h *AccountHandler) ListTransactions(c *gin.Context) {
	user := middleware.CurrentUser(c)
	accountID := c.Param("id")

	account, err := h.Store.Accounts.GetByID(accountID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}
	if account == nil || account.UserID != user.ID {
		c.JSON(http.StatusNotFound, gin.H{"error": "Account not found"})
		return
	}

	transactions, err := h.Store.Transactions.ListByAccount(accountID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": transactions})
}
