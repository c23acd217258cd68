package routes

import (
	"github.com/gin-gonic/gin"

	"github.com/splitwell/splitwell-api/handlers"
)

// SetupAuthRoutes registers the public signup and login endpoints.
func SetupAuthRoutes(rg *gin.RouterGroup, auth *handlers.AuthHandler) {
	rg.POST("/auth/signup", auth.Signup)
	rg.POST("/auth/login", auth.Login)
}

// SetupWebhookRoutes registers the external callbacks. They are public;
// the rail callback is signature-guarded.
func SetupWebhookRoutes(rg *gin.RouterGroup, webhook *handlers.WebhookHandler, aggregator *handlers.AggregatorWebhookHandler) {
	rg.POST("/webhooks/rail", webhook.HandleRailWebhook)
	rg.POST("/webhooks/aggregator", aggregator.HandleAggregatorWebhook)
}

// SetupUserRoutes registers the authenticated profile and account-linking
// endpoints.
func SetupUserRoutes(rg *gin.RouterGroup, auth *handlers.AuthHandler, accounts *handlers.AccountHandler) {
	rg.GET("/user/profile", auth.GetProfile)
	rg.DELETE("/user/account", auth.DeleteAccount)

	rg.POST("/accounts/link-token", accounts.CreateLinkToken)
	rg.POST("/accounts/link", accounts.LinkAccounts)
	rg.GET("/accounts", accounts.ListAccounts)
	rg.POST("/accounts/sync", accounts.SyncAccounts)
	rg.DELETE("/accounts/:id", accounts.RemoveAccount)
	rg.GET("/accounts/:id/transactions", accounts.ListTransactions)
}

// SetupExpenseRoutes registers shared-expense lifecycle endpoints.
func SetupExpenseRoutes(rg *gin.RouterGroup, expenses *handlers.ExpenseHandler) {
	rg.POST("/expenses/shared-bill", expenses.CreateSharedBill)
	rg.POST("/expenses/recurring", expenses.CreateRecurringPayment)
	rg.GET("/expenses", expenses.ListExpenses)
	rg.GET("/expenses/:id", expenses.GetExpense)
	rg.DELETE("/expenses/:id", expenses.CancelExpense)

	rg.GET("/agreements/pending", expenses.ListPendingAgreements)
	rg.POST("/agreements/:id/decision", expenses.RespondToAgreement)

	rg.GET("/transactions/settlements", expenses.ListSettlements)
}

// SetupVendorRoutes registers vendor lookup plus ops tooling.
func SetupVendorRoutes(rg *gin.RouterGroup, vendors *handlers.VendorHandler) {
	rg.GET("/vendors", vendors.ListVendors)
	rg.POST("/vendors/associations", vendors.CreateAssociation)
	rg.GET("/vendors/watchlist", vendors.Watchlist)
	rg.POST("/vendors/:id/watchlist", vendors.AddToWatchlist)
	rg.DELETE("/vendors/:id/watchlist", vendors.RemoveFromWatchlist)
	rg.GET("/ops/unsettled-bills", vendors.UnsettledBills)
}
