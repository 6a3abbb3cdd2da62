package handler

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"casepilot/internal/domain"
	"casepilot/internal/service"
	"github.com/gin-gonic/gin"
)

// CaseHandler handles test-case endpoints.
type CaseHandler struct {
	cases    *service.CaseService
	exporter *service.CaseExporter
}

// NewCaseHandler creates a new case handler.
// Parameters:
//   - cases: case management service.
//   - exporter: CSV export service.
//
// Returns:
//   - *CaseHandler: initialized handler.
func NewCaseHandler(cases *service.CaseService, exporter *service.CaseExporter) *CaseHandler {
	return &CaseHandler{
		cases:    cases,
		exporter: exporter,
	}
}

// List handles GET /api/v1/cases with optional project, module, and level
// filters.
func (h *CaseHandler) List(c *gin.Context) {
	cases, err := h.cases.List(c.Request.Context(),
		c.Query("project"), c.Query("module"), c.Query("level"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "internal_error",
			"error": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"total": len(cases),
		"cases": cases,
	})
}

// Get handles GET /api/v1/cases/:id.
func (h *CaseHandler) Get(c *gin.Context) {
	tc, err := h.cases.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondCaseError(c, err)
		return
	}
	c.JSON(http.StatusOK, tc)
}

// updateCaseRequest is the PUT body; absent fields are left untouched.
type updateCaseRequest struct {
	Module  *string             `json:"module"`
	Name    *string             `json:"name"`
	Level   *string             `json:"level"`
	Status  *string             `json:"status"`
	Content *domain.CaseContent `json:"content"`
}

// Update handles PUT /api/v1/cases/:id. Changes flow through the
// history-appending update path.
func (h *CaseHandler) Update(c *gin.Context) {
	var req updateCaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "invalid_request",
			"error": "Invalid request: " + err.Error(),
		})
		return
	}

	patch := &service.CasePatch{
		Module:  req.Module,
		Name:    req.Name,
		Content: req.Content,
	}
	if req.Level != nil {
		level := domain.CaseLevel(*req.Level)
		patch.Level = &level
	}
	if req.Status != nil {
		status := domain.CaseStatus(*req.Status)
		patch.Status = &status
	}

	tc, err := h.cases.Update(c.Request.Context(), c.Param("id"), patch)
	if err != nil {
		if errors.Is(err, service.ErrCaseNotFound) {
			respondCaseError(c, err)
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "invalid_request",
			"error": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, tc)
}

// Delete handles DELETE /api/v1/cases/:id.
func (h *CaseHandler) Delete(c *gin.Context) {
	if err := h.cases.Delete(c.Request.Context(), c.Param("id")); err != nil {
		respondCaseError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Histories handles GET /api/v1/cases/:id/histories, most recent first.
func (h *CaseHandler) Histories(c *gin.Context) {
	histories, err := h.cases.Histories(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondCaseError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"total":     len(histories),
		"histories": histories,
	})
}

// Export handles GET /api/v1/cases/export and streams CSV.
func (h *CaseHandler) Export(c *gin.Context) {
	fileName := fmt.Sprintf("cases-%s.csv", time.Now().Format("20060102-150405"))
	c.Header("Content-Type", "text/csv; charset=utf-8")
	c.Header("Content-Disposition", `attachment; filename="`+fileName+`"`)

	if err := h.exporter.Export(c.Request.Context(), c.Writer,
		c.Query("project"), c.Query("module"), c.Query("level")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "internal_error",
			"error": err.Error(),
		})
		return
	}
}

func respondCaseError(c *gin.Context, err error) {
	if errors.Is(err, service.ErrCaseNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"code":  "case_not_found",
			"error": "Test case not found",
		})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{
		"code":  "internal_error",
		"error": err.Error(),
	})
}
