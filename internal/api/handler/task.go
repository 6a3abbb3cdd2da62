package handler

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"casepilot/internal/service"
	"github.com/gin-gonic/gin"
)

// maxUploadSize caps a multipart upload at 100 MB.
const maxUploadSize = 100 << 20

// TaskHandler handles analysis-task endpoints.
type TaskHandler struct {
	orchestrator *service.Orchestrator
	mindmap      *service.MindmapProjector
}

// NewTaskHandler creates a new task handler.
// Parameters:
//   - orchestrator: task lifecycle service.
//   - mindmap: mind-map projection service.
//
// Returns:
//   - *TaskHandler: initialized handler.
func NewTaskHandler(orchestrator *service.Orchestrator, mindmap *service.MindmapProjector) *TaskHandler {
	return &TaskHandler{
		orchestrator: orchestrator,
		mindmap:      mindmap,
	}
}

// Create handles POST /api/v1/tasks. It accepts a multipart form with the
// requirement bundle and answers with the pending task snapshot.
func (h *TaskHandler) Create(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "invalid_request",
			"error": "Form file 'file' is required: " + err.Error(),
		})
		return
	}
	if fileHeader.Size > maxUploadSize {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "payload_too_large",
			"error": "Upload exceeds the 100MB limit",
		})
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "invalid_request",
			"error": "Failed to open upload: " + err.Error(),
		})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "invalid_request",
			"error": "Failed to read upload: " + err.Error(),
		})
		return
	}

	task, err := h.orchestrator.Submit(c.Request.Context(), &service.SubmitInput{
		Project:  c.PostForm("project"),
		FileName: fileHeader.Filename,
		Module:   c.PostForm("module"),
		Modules:  splitModules(c.PostForm("modules")),
		Data:     data,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  submitErrorCode(err),
			"error": err.Error(),
		})
		return
	}

	c.JSON(http.StatusAccepted, task)
}

// Get handles GET /api/v1/tasks/:id and returns the task snapshot.
func (h *TaskHandler) Get(c *gin.Context) {
	task, err := h.orchestrator.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondTaskError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// Cancel handles POST /api/v1/tasks/:id/cancel. Cancelling an already
// terminal task succeeds without effect.
func (h *TaskHandler) Cancel(c *gin.Context) {
	if err := h.orchestrator.Cancel(c.Request.Context(), c.Param("id")); err != nil {
		respondTaskError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Delete handles DELETE /api/v1/tasks/:id.
func (h *TaskHandler) Delete(c *gin.Context) {
	if err := h.orchestrator.Delete(c.Request.Context(), c.Param("id")); err != nil {
		respondTaskError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Mindmap handles GET /api/v1/tasks/:id/mindmap and returns the PlantUML
// outline as plain text. The optional modules query parameter is a
// comma-separated exact-match filter.
func (h *TaskHandler) Mindmap(c *gin.Context) {
	filter := splitModules(c.Query("modules"))

	outline, err := h.mindmap.Render(c.Request.Context(), c.Param("id"), filter)
	if err != nil {
		if errors.Is(err, service.ErrTaskNotComplete) {
			c.JSON(http.StatusConflict, gin.H{
				"code":  "task_not_complete",
				"error": err.Error(),
			})
			return
		}
		respondTaskError(c, err)
		return
	}

	c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(outline))
}

func respondTaskError(c *gin.Context, err error) {
	if errors.Is(err, service.ErrTaskNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"code":  "task_not_found",
			"error": "Task not found",
		})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{
		"code":  "internal_error",
		"error": err.Error(),
	})
}

// splitModules turns a comma-separated module list into trimmed names.
func splitModules(raw string) []string {
	var modules []string
	for _, m := range strings.Split(raw, ",") {
		if m = strings.TrimSpace(m); m != "" {
			modules = append(modules, m)
		}
	}
	return modules
}

func submitErrorCode(err error) string {
	switch {
	case errors.Is(err, service.ErrEmptyBundle):
		return "empty_bundle"
	case errors.Is(err, service.ErrCorruptArchive):
		return "corrupt_archive"
	case errors.Is(err, service.ErrUnsupportedFormat):
		return "unsupported_format"
	default:
		return "invalid_request"
	}
}
