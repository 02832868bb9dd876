package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/casaforge/casaforge-backend/internal/http/response"
	"github.com/casaforge/casaforge-backend/internal/services"
)

type DomainHandler struct {
	domains services.DomainService
}

func NewDomainHandler(domains services.DomainService) *DomainHandler {
	return &DomainHandler{domains: domains}
}

// GET /api/domains/check?domain=<name>
func (h *DomainHandler) CheckDomain(c *gin.Context) {
	name := c.Query("domain")
	if name == "" {
		name = c.Query("name")
	}
	check, err := h.domains.CheckDomain(c.Request.Context(), name)
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, check)
}

// POST /api/domains/purchase
func (h *DomainHandler) PurchaseDomain(c *gin.Context) {
	var req services.PurchaseDomainRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	purchase, err := h.domains.PurchaseDomain(c.Request.Context(), req)
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"purchase": purchase})
}
