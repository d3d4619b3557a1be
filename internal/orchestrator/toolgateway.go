package orchestrator

import (
	"context"
	"fmt"
	"strings"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/parley/parley/internal/agent"
	"github.com/parley/parley/internal/audit"
	"github.com/parley/parley/internal/common/logger"
	"github.com/parley/parley/internal/hitl"
	"github.com/parley/parley/internal/mcp"
	"github.com/parley/parley/pkg/events"
	"github.com/parley/parley/pkg/wsproto"
)

// toolGateway routes a turn's tool calls into the MCP pool, gating every tool
// outside the auto-approve list behind an approval round-trip. Rejections,
// unknown tools, and transport failures all come back as error results; the
// executor decides how to proceed.
type toolGateway struct {
	sessionID string
	userID    string
	tools     map[string]mcp.Tool
	pool      *mcp.Pool
	approver  *hitl.Coordinator
	audit     *audit.Recorder
	logger    *logger.Logger
}

var _ agent.ToolGateway = (*toolGateway)(nil)

func toolIndex(tools []mcp.Tool) map[string]mcp.Tool {
	byName := make(map[string]mcp.Tool, len(tools))
	for _, t := range tools {
		byName[t.Name] = t
	}
	return byName
}

func (g *toolGateway) CallTool(ctx context.Context, call *events.ToolCall) *events.ToolResult {
	tool, ok := g.tools[call.ToolName]
	if !ok {
		return events.NewToolResult(call.CallID,
			fmt.Sprintf("unknown tool: %s", call.ToolName), events.StatusError)
	}

	if !tool.AutoApprove {
		decision := g.approver.RequestApproval(ctx, g.sessionID, []events.ActionRequest{{
			ActionName:  call.ToolName,
			Args:        call.Args,
			Description: tool.Description,
		}})
		g.audit.Record(ctx, g.userID, g.sessionID, audit.ActionHITLDecision, map[string]any{
			"tool":     call.ToolName,
			"decision": string(decision.Type),
		})
		if decision.Type != wsproto.DecisionApprove {
			msg := decision.Message
			if msg == "" {
				msg = "rejected by user"
			}
			return events.NewToolResult(call.CallID, "rejected: "+msg, events.StatusError)
		}
	}

	result, err := g.pool.CallTool(ctx, g.userID, tool.ServerName, call.ToolName, call.Args)
	if err != nil {
		g.logger.Warn("tool call failed",
			zap.String("tool", call.ToolName),
			zap.String("server", tool.ServerName),
			zap.Error(err))
		return events.NewToolResult(call.CallID, err.Error(), events.StatusError)
	}
	return flattenToolResult(call.CallID, result)
}

// flattenToolResult reduces an MCP result to the text the event stream
// carries. Non-text content blocks are skipped.
func flattenToolResult(callID string, result *mcpgo.CallToolResult) *events.ToolResult {
	var parts []string
	for _, content := range result.Content {
		if text, ok := mcpgo.AsTextContent(content); ok {
			parts = append(parts, text.Text)
		}
	}
	status := events.StatusSuccess
	if result.IsError {
		status = events.StatusError
	}
	return events.NewToolResult(callID, strings.Join(parts, "\n"), status)
}
