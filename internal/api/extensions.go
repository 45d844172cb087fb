// Package api exposes the administrative control surface: a pure client of
// the lifecycle manager's API that lists extensions, triggers reloads, and
// flips toggles.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/microcosm-cc/bluemonday"

	"github.com/barkhq/bark/internal/extension"
)

// Handlers serves the extension admin endpoints.
type Handlers struct {
	manager   *extension.Manager
	logs      *extension.LogBuffer
	sanitizer *bluemonday.Policy
}

// NewHandlers creates the admin handlers. Extension panel HTML is sanitized
// before it leaves the host.
func NewHandlers(manager *extension.Manager, logs *extension.LogBuffer) *Handlers {
	return &Handlers{
		manager:   manager,
		logs:      logs,
		sanitizer: bluemonday.UGCPolicy(),
	}
}

// Register mounts the endpoints on a router group.
func (h *Handlers) Register(r gin.IRouter) {
	g := r.Group("/api/v1/extensions")
	g.GET("", h.list)
	g.GET("/logs", h.allLogs)
	g.GET("/:name", h.get)
	g.GET("/:name/logs", h.extensionLogs)
	g.POST("/:name/reload", h.reload)
	g.POST("/:name/enable", h.enable)
	g.POST("/:name/disable", h.disable)
	g.POST("/:name/call/:action", h.call)
}

// extensionView is a snapshot plus the persisted toggle flag, with the panel
// HTML sanitized.
type extensionView struct {
	extension.Snapshot
	Enabled bool `json:"enabled"`
}

func (h *Handlers) view(snap extension.Snapshot) extensionView {
	if snap.Panel != "" {
		snap.Panel = h.sanitizer.Sanitize(snap.Panel)
	}
	return extensionView{Snapshot: snap, Enabled: h.manager.Enabled(snap.Identifier)}
}

// GET /api/v1/extensions
func (h *Handlers) list(c *gin.Context) {
	snaps := h.manager.List()
	views := make([]extensionView, 0, len(snaps))
	for _, snap := range snaps {
		views = append(views, h.view(snap))
	}
	c.JSON(http.StatusOK, gin.H{"extensions": views})
}

// GET /api/v1/extensions/:name
func (h *Handlers) get(c *gin.Context) {
	name := c.Param("name")
	snap, ok := h.manager.Get(name)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"kind": "not_found", "message": "extension not found"}})
		return
	}
	c.JSON(http.StatusOK, h.view(snap))
}

// POST /api/v1/extensions/:name/reload
//
// Synchronous: the response reports whether the swap committed. On failure
// the previous instance is still serving.
func (h *Handlers) reload(c *gin.Context) {
	name := c.Param("name")
	if err := h.manager.Reload(c.Request.Context(), name); err != nil {
		h.writeError(c, err)
		return
	}
	snap, _ := h.manager.Get(name)
	c.JSON(http.StatusOK, gin.H{"reloaded": name, "version": snap.Version})
}

// POST /api/v1/extensions/:name/enable
func (h *Handlers) enable(c *gin.Context) {
	h.setEnabled(c, true)
}

// POST /api/v1/extensions/:name/disable
func (h *Handlers) disable(c *gin.Context) {
	h.setEnabled(c, false)
}

func (h *Handlers) setEnabled(c *gin.Context, enabled bool) {
	name := c.Param("name")
	if err := h.manager.SetEnabled(c.Request.Context(), name, enabled); err != nil {
		h.writeError(c, err)
		return
	}
	snap, _ := h.manager.Get(name)
	c.JSON(http.StatusOK, gin.H{"extension": name, "enabled": enabled, "state": snap.State})
}

// POST /api/v1/extensions/:name/call/:action
func (h *Handlers) call(c *gin.Context) {
	name := c.Param("name")
	action := c.Param("action")

	var payload json.RawMessage
	if err := c.ShouldBindJSON(&payload); err != nil {
		payload = nil
	}

	result, err := h.manager.HandleRequest(c.Request.Context(), name, action, payload)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if result == nil {
		c.Status(http.StatusNoContent)
		return
	}
	c.Data(http.StatusOK, "application/json", result)
}

// GET /api/v1/extensions/logs?limit=100&level=error
func (h *Handlers) allLogs(c *gin.Context) {
	if level := c.Query("level"); level != "" {
		c.JSON(http.StatusOK, gin.H{"logs": h.logs.ByLevel(level)})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	c.JSON(http.StatusOK, gin.H{"logs": h.logs.Recent(limit)})
}

// GET /api/v1/extensions/:name/logs
func (h *Handlers) extensionLogs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"logs": h.logs.ForExtension(c.Param("name"))})
}

// writeError maps the error taxonomy onto HTTP statuses and returns a
// structured body the dashboard can display.
func (h *Handlers) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	kind := "error"

	var (
		notFound  *extension.NotFoundError
		disabled  *extension.DisabledError
		protected *extension.ProtectedError
		conflict  *extension.ConflictError
		collision *extension.CollisionError
		loadErr   *extension.LoadError
	)
	switch {
	case errors.As(err, &notFound):
		status, kind = http.StatusNotFound, "not_found"
	case errors.As(err, &disabled):
		status, kind = http.StatusConflict, "disabled"
	case errors.As(err, &protected):
		status, kind = http.StatusForbidden, "protected"
	case errors.As(err, &conflict):
		status, kind = http.StatusConflict, "conflict"
	case errors.As(err, &collision):
		status, kind = http.StatusConflict, "collision"
	case errors.As(err, &loadErr):
		status, kind = http.StatusUnprocessableEntity, string(loadErr.Kind)
	}

	c.JSON(status, gin.H{"error": gin.H{"kind": kind, "message": err.Error()}})
}
