package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/casaforge/casaforge-backend/internal/http/response"
	"github.com/casaforge/casaforge-backend/internal/provision"
	"github.com/casaforge/casaforge-backend/internal/services"
)

type SiteHandler struct {
	sites services.SiteService
}

func NewSiteHandler(sites services.SiteService) *SiteHandler {
	return &SiteHandler{sites: sites}
}

// POST /api/sites
// Accepts the provisioning request and returns 202 with the queued job;
// all external work happens in the worker.
func (h *SiteHandler) CreateSite(c *gin.Context) {
	var req provision.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	result, err := h.sites.CreateSite(c.Request.Context(), &req)
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondAccepted(c, gin.H{"job": result.Job, "site_id": result.SiteID})
}

// GET /api/sites
func (h *SiteHandler) ListSites(c *gin.Context) {
	sites, err := h.sites.ListSites(c.Request.Context())
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"sites": sites})
}

// GET /api/sites/:id
func (h *SiteHandler) GetSite(c *gin.Context) {
	siteID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_site_id", err)
		return
	}
	site, err := h.sites.GetSite(c.Request.Context(), siteID)
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"site": site})
}

// DELETE /api/sites/:id
// Teardown runs synchronously; the response carries the per-resource
// report so partial external failures are visible to the caller.
func (h *SiteHandler) DeleteSite(c *gin.Context) {
	siteID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_site_id", err)
		return
	}
	report, err := h.sites.DeleteSite(c.Request.Context(), siteID)
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"report": report})
}
