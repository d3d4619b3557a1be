package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/parley/parley/internal/common/apperr"
	"github.com/parley/parley/internal/common/httpmw"
	"github.com/parley/parley/internal/common/logger"
	"github.com/parley/parley/internal/mcp"
)

type mcpHandlers struct {
	configs mcp.ConfigStore
	pool    *mcp.Pool
	logger  *logger.Logger
}

// RegisterMCPRoutes wires per-user MCP server configuration, connection
// health, and tool discovery. Config writes drop the affected pool
// connections so the next turn dials with the new settings.
func RegisterMCPRoutes(r gin.IRouter, configs mcp.ConfigStore, pool *mcp.Pool, log *logger.Logger) {
	h := &mcpHandlers{
		configs: configs,
		pool:    pool,
		logger:  log.WithFields(zap.String("component", "mcp-api")),
	}

	r.GET("/mcp/servers", h.listServers)
	r.PUT("/mcp/servers", h.replaceServers)
	r.POST("/mcp/servers", h.addServer)
	r.GET("/mcp/servers/:name", h.getServer)
	r.DELETE("/mcp/servers/:name", h.removeServer)
	r.GET("/mcp/health", h.health)
	r.GET("/mcp/tools", h.listTools)
}

func (h *mcpHandlers) listServers(c *gin.Context) {
	userID := httpmw.UserID(c)

	config, err := h.configs.GetUserConfig(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"servers": config.Servers,
		"total":   len(config.Servers),
	})
}

type replaceServersRequest struct {
	Servers []*mcp.ServerConfig `json:"servers"`
}

func (h *mcpHandlers) replaceServers(c *gin.Context) {
	userID := httpmw.UserID(c)

	var req replaceServersRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.BadRequest("invalid server list"))
		return
	}
	for _, server := range req.Servers {
		if err := server.Validate(); err != nil {
			respondError(c, apperr.BadRequest(err.Error()))
			return
		}
	}

	config := &mcp.UserConfig{UserID: userID, Servers: req.Servers}
	if err := h.configs.SaveUserConfig(c.Request.Context(), userID, config); err != nil {
		h.logger.Error("failed to save MCP config", zap.String("user_id", userID), zap.Error(err))
		respondError(c, err)
		return
	}

	// Every connection may now be stale.
	h.pool.Disconnect(userID)

	c.JSON(http.StatusOK, gin.H{
		"servers": config.Servers,
		"total":   len(config.Servers),
	})
}

func (h *mcpHandlers) addServer(c *gin.Context) {
	userID := httpmw.UserID(c)

	var server mcp.ServerConfig
	if err := c.ShouldBindJSON(&server); err != nil {
		respondError(c, apperr.BadRequest("invalid server config"))
		return
	}
	if err := server.Validate(); err != nil {
		respondError(c, apperr.BadRequest(err.Error()))
		return
	}

	if err := h.configs.AddServer(c.Request.Context(), userID, &server); err != nil {
		h.logger.Error("failed to add MCP server",
			zap.String("user_id", userID), zap.String("server", server.Name), zap.Error(err))
		respondError(c, err)
		return
	}

	// Replacing an existing server invalidates its open connection.
	h.pool.Disconnect(userID, server.Name)

	c.JSON(http.StatusCreated, &server)
}

func (h *mcpHandlers) getServer(c *gin.Context) {
	userID := httpmw.UserID(c)

	server, err := h.configs.GetServer(c.Request.Context(), userID, c.Param("name"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, server)
}

func (h *mcpHandlers) removeServer(c *gin.Context) {
	userID := httpmw.UserID(c)
	name := c.Param("name")

	ctx := c.Request.Context()
	if _, err := h.configs.GetServer(ctx, userID, name); err != nil {
		respondError(c, err)
		return
	}
	if err := h.configs.RemoveServer(ctx, userID, name); err != nil {
		respondError(c, err)
		return
	}
	h.pool.Disconnect(userID, name)

	c.Status(http.StatusNoContent)
}

func (h *mcpHandlers) health(c *gin.Context) {
	userID := httpmw.UserID(c)

	status := h.pool.HealthCheck(c.Request.Context(), userID)
	c.JSON(http.StatusOK, gin.H{
		"servers": status,
		"total":   len(status),
	})
}

func (h *mcpHandlers) listTools(c *gin.Context) {
	userID := httpmw.UserID(c)
	ctx := c.Request.Context()

	config, err := h.configs.GetUserConfig(ctx, userID)
	if err != nil {
		respondError(c, err)
		return
	}
	if len(config.Servers) > 0 {
		if err := h.pool.Connect(ctx, userID, config); err != nil {
			h.logger.Warn("MCP connect incomplete",
				zap.String("user_id", userID), zap.Error(err))
		}
	}

	tools := h.pool.GetTools(ctx, userID)
	c.JSON(http.StatusOK, gin.H{
		"tools": tools,
		"total": len(tools),
	})
}
