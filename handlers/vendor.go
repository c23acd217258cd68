package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/splitwell/splitwell-api/models"
	"github.com/splitwell/splitwell-api/services"
	"github.com/splitwell/splitwell-api/storage"
)

type VendorHandler struct {
	Store   *storage.Store
	Vendors *services.VendorService
	Logger  *logrus.Logger
}

func (h *VendorHandler) ListVendors(c *gin.Context) {
	if term := c.Query("search"); term != "" {
		vendors, err := h.Vendors.Search(term)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"vendors": vendors})
		return
	}

	vendors, err := h.Vendors.List()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"vendors": vendors})
}

// CreateAssociation is ops tooling: linking a parent biller to the vendor
// users actually pick re-examines the last month of charges.
func (h *VendorHandler) CreateAssociation(c *gin.Context) {
	var req models.CreateVendorAssociationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	assoc, err := h.Vendors.CreateAssociation(&req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"association": assoc})
}

func (h *VendorHandler) AddToWatchlist(c *gin.Context) {
	var req struct {
		Notes string `json:"notes"`
	}
	// A body is optional here.
	_ = c.ShouldBindJSON(&req)

	if err := h.Vendors.AddToWatchlist(c.Param("id"), req.Notes); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"watched": true})
}

func (h *VendorHandler) RemoveFromWatchlist(c *gin.Context) {
	if err := h.Vendors.RemoveFromWatchlist(c.Param("id")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"watched": false})
}

func (h *VendorHandler) Watchlist(c *gin.Context) {
	vendors, err := h.Vendors.Watchlist()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"vendors": vendors})
}

// UnsettledBills surfaces active bills whose vendor charges have never
// matched, usually a sign the merchant posts under a different name.
func (h *VendorHandler) UnsettledBills(c *gin.Context) {
	expenses, err := h.Store.Expenses.ListUnsettledBills()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"shared_expenses": expenses})
}
