package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/parley/parley/internal/audit"
	"github.com/parley/parley/internal/common/apperr"
	"github.com/parley/parley/internal/common/httpmw"
	"github.com/parley/parley/internal/common/logger"
	"github.com/parley/parley/internal/memory"
	"github.com/parley/parley/internal/user"
)

type profileHandlers struct {
	profiles user.Store
	memory   *memory.Loader
	audit    *audit.Recorder
	logger   *logger.Logger
}

// RegisterProfileRoutes wires the caller's profile, persistent-memory
// clearing, and the audit trail. Everything here is scoped to the
// authenticated user.
func RegisterProfileRoutes(r gin.IRouter, profiles user.Store, loader *memory.Loader, recorder *audit.Recorder, log *logger.Logger) {
	h := &profileHandlers{
		profiles: profiles,
		memory:   loader,
		audit:    recorder,
		logger:   log.WithFields(zap.String("component", "profile-api")),
	}

	r.GET("/profile", h.get)
	r.PUT("/profile", h.update)
	r.DELETE("/memory/:assistant_id", h.clearMemory)
	r.GET("/audit", h.auditTrail)
}

func (h *profileHandlers) get(c *gin.Context) {
	profile, err := h.profiles.Get(c.Request.Context(), httpmw.UserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, profile)
}

func (h *profileHandlers) update(c *gin.Context) {
	userID := httpmw.UserID(c)

	var profile user.Profile
	if err := c.ShouldBindJSON(&profile); err != nil {
		respondError(c, apperr.BadRequest("invalid profile payload"))
		return
	}
	profile.UserID = userID

	ctx := c.Request.Context()
	existing, err := h.profiles.Get(ctx, userID)
	switch {
	case err == nil:
		profile.CreatedAt = existing.CreatedAt
		err = h.profiles.Update(ctx, &profile)
	case apperr.IsNotFound(err):
		err = h.profiles.Create(ctx, &profile)
	}
	if err != nil {
		h.logger.Error("failed to save profile", zap.String("user_id", userID), zap.Error(err))
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, &profile)
}

func (h *profileHandlers) clearMemory(c *gin.Context) {
	userID := httpmw.UserID(c)
	assistantID := c.Param("assistant_id")

	cleared, err := h.memory.Clear(userID, assistantID)
	if err != nil {
		h.logger.Error("failed to clear memory",
			zap.String("user_id", userID), zap.String("assistant_id", assistantID), zap.Error(err))
		respondError(c, apperr.Internal("failed to clear memory", err))
		return
	}
	if cleared {
		h.audit.Record(c.Request.Context(), userID, "", audit.ActionMemoryCleared,
			map[string]any{"assistant_id": assistantID})
	}

	c.JSON(http.StatusOK, gin.H{
		"cleared":      cleared,
		"assistant_id": assistantID,
	})
}

func (h *profileHandlers) auditTrail(c *gin.Context) {
	userID := httpmw.UserID(c)

	limit := queryInt(c, "limit", 100)
	entries, err := h.audit.List(c.Request.Context(), userID, limit)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"total":   len(entries),
	})
}
