package server

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/parley/parley/internal/common/apperr"
	"github.com/parley/parley/internal/common/httpmw"
	"github.com/parley/parley/internal/common/logger"
	"github.com/parley/parley/internal/rules"
)

// RuleStore is the CRUD surface the HTTP layer needs. Both the SQL and the
// in-memory rule stores satisfy it.
type RuleStore interface {
	LoadRules(ctx context.Context, userID string) ([]*rules.Rule, error)
	Create(ctx context.Context, rule *rules.Rule) error
	Get(ctx context.Context, ruleID string) (*rules.Rule, error)
	Update(ctx context.Context, rule *rules.Rule) error
	Delete(ctx context.Context, ruleID string) error
}

type ruleHandlers struct {
	store  RuleStore
	logger *logger.Logger
}

// RegisterRuleRoutes wires prompt-rule CRUD. Rules created here belong to the
// caller; global rules ship through the file source and read as foreign, so
// they cannot be edited over the API.
func RegisterRuleRoutes(r gin.IRouter, store RuleStore, log *logger.Logger) {
	h := &ruleHandlers{
		store:  store,
		logger: log.WithFields(zap.String("component", "rule-api")),
	}

	r.GET("/rules", h.list)
	r.POST("/rules", h.create)
	r.PUT("/rules/:rule_id", h.update)
	r.DELETE("/rules/:rule_id", h.delete)
}

func (h *ruleHandlers) list(c *gin.Context) {
	userID := httpmw.UserID(c)

	ruleList, err := h.store.LoadRules(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("failed to load rules", zap.String("user_id", userID), zap.Error(err))
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"rules": ruleList,
		"total": len(ruleList),
	})
}

func (h *ruleHandlers) create(c *gin.Context) {
	var rule rules.Rule
	if err := c.ShouldBindJSON(&rule); err != nil {
		respondError(c, apperr.BadRequest("invalid rule payload"))
		return
	}
	rule.ID = ""
	rule.UserID = httpmw.UserID(c)

	if err := h.store.Create(c.Request.Context(), &rule); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, &rule)
}

func (h *ruleHandlers) update(c *gin.Context) {
	existing, ok := h.ownedRule(c)
	if !ok {
		return
	}

	var rule rules.Rule
	if err := c.ShouldBindJSON(&rule); err != nil {
		respondError(c, apperr.BadRequest("invalid rule payload"))
		return
	}
	rule.ID = existing.ID
	rule.UserID = existing.UserID
	rule.CreatedAt = existing.CreatedAt

	if err := h.store.Update(c.Request.Context(), &rule); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, &rule)
}

func (h *ruleHandlers) delete(c *gin.Context) {
	existing, ok := h.ownedRule(c)
	if !ok {
		return
	}

	if err := h.store.Delete(c.Request.Context(), existing.ID); err != nil {
		respondError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// ownedRule loads the path's rule and checks the caller owns it. Rules owned
// by someone else, including global rules, read as absent.
func (h *ruleHandlers) ownedRule(c *gin.Context) (*rules.Rule, bool) {
	ruleID := c.Param("rule_id")
	rule, err := h.store.Get(c.Request.Context(), ruleID)
	if err != nil {
		respondError(c, err)
		return nil, false
	}
	if rule.UserID != httpmw.UserID(c) {
		respondError(c, apperr.NotFound("rule", ruleID))
		return nil, false
	}
	return rule, true
}
