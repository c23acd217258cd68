package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/splitwell/splitwell-api/middleware"
	"github.com/splitwell/splitwell-api/models"
	"github.com/splitwell/splitwell-api/services"
	"github.com/splitwell/splitwell-api/storage"
)

type ExpenseHandler struct {
	Store    *storage.Store
	Expenses *services.ExpenseService
	Logger   *logrus.Logger
}

func (h *ExpenseHandler) CreateSharedBill(c *gin.Context) {
	user := middleware.CurrentUser(c)

	var req models.CreateSharedBillRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	expense, err := h.Expenses.CreateSharedBill(user, &req)
	if err != nil {
		if isUniqueViolation(err) {
			c.JSON(http.StatusConflict, gin.H{"error": "An active bill for this vendor already exists"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"shared_expense": expense})
}

func (h *ExpenseHandler) CreateRecurringPayment(c *gin.Context) {
	user := middleware.CurrentUser(c)

	var req models.CreateRecurringPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	expense, err := h.Expenses.CreateRecurringPayment(user, &req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"shared_expense": expense})
}

func (h *ExpenseHandler) ListExpenses(c *gin.Context) {
	user := middleware.CurrentUser(c)
	expenses, err := h.Store.Expenses.ListByUser(user.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"shared_expenses": expenses})
}

func (h *ExpenseHandler) GetExpense(c *gin.Context) {
	user := middleware.CurrentUser(c)
	expense, ok := h.loadVisibleExpense(c, user)
	if !ok {
		return
	}

	agreements, err := h.Store.Expenses.ListAgreements(expense.ID, false)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}
	settlements, err := h.Store.Settlements.ListBySharedExpense(expense.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"shared_expense": expense,
		"agreements":     agreements,
		"transactions":   settlements,
	})
}

func (h *ExpenseHandler) CancelExpense(c *gin.Context) {
	user := middleware.CurrentUser(c)
	err := h.Expenses.CancelExpense(user, c.Param("id"))
	if errors.Is(err, services.ErrNotExpenseOwner) {
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": true})
}

func (h *ExpenseHandler) ListPendingAgreements(c *gin.Context) {
	user := middleware.CurrentUser(c)
	agreements, err := h.Store.Expenses.ListPendingAgreementsByUser(user.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"agreements": agreements})
}

func (h *ExpenseHandler) RespondToAgreement(c *gin.Context) {
	user := middleware.CurrentUser(c)

	var req models.AgreementDecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	agreement, err := h.Expenses.RespondToAgreement(user, c.Param("id"), &req)
	switch {
	case errors.Is(err, services.ErrNotAgreementOwner):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		return
	case errors.Is(err, services.ErrAgreementResolved):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"agreement": agreement})
}

// ListSettlements returns every money movement the user is a party to.
func (h *ExpenseHandler) ListSettlements(c *gin.Context) {
	user := middleware.CurrentUser(c)
	settlements, err := h.Store.Settlements.ListByUser(user.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": settlements})
}

func (h *ExpenseHandler) loadVisibleExpense(c *gin.Context, user *models.User) (*models.SharedExpense, bool) {
	expense, err := h.Store.Expenses.GetByID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return nil, false
	}
	if expense == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Expense not found"})
		return nil, false
	}
	if expense.OwnerUserID != user.ID && !h.userParticipates(expense.ID, user.ID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Expense not found"})
		return nil, false
	}
	return expense, true
}

func (h *ExpenseHandler) userParticipates(expenseID, userID string) bool {
	agreements, err := h.Store.Expenses.ListAgreements(expenseID, false)
	if err != nil {
		return false
	}
	for i := range agreements {
		if agreements[i].UserID == userID {
			return true
		}
	}
	return false
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
