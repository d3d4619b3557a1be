// Package orchestrator drives chat turns end to end. The dispatcher resolves
// the session, assembles the executor's working context (profile, rules,
// memory, MCP tools), runs the executor, and fans its events out to the
// streaming gateway and the message store.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/parley/parley/internal/agent"
	"github.com/parley/parley/internal/audit"
	"github.com/parley/parley/internal/common/logger"
	"github.com/parley/parley/internal/gateway/websocket"
	"github.com/parley/parley/internal/hitl"
	"github.com/parley/parley/internal/mcp"
	"github.com/parley/parley/internal/memory"
	"github.com/parley/parley/internal/message"
	"github.com/parley/parley/internal/rules"
	"github.com/parley/parley/internal/session"
	"github.com/parley/parley/internal/user"
	"github.com/parley/parley/pkg/events"
	"github.com/parley/parley/pkg/wsproto"
)

// Dispatcher runs one turn at a time per session. It is the websocket
// gateway's TurnRunner and backs the one-shot chat endpoint.
type Dispatcher struct {
	sessions *session.Manager
	messages message.Store
	profiles user.Store
	configs  mcp.ConfigStore
	pool     *mcp.Pool
	rules    *rules.Engine
	memory   *memory.Loader
	approver *hitl.Coordinator
	manager  *websocket.ConnectionManager
	factory  agent.Factory
	audit    *audit.Recorder
	logger   *logger.Logger
}

var _ websocket.TurnRunner = (*Dispatcher)(nil)

// NewDispatcher wires the turn pipeline. All dependencies are required; the
// caller owns their lifecycles.
func NewDispatcher(
	sessions *session.Manager,
	messages message.Store,
	profiles user.Store,
	configs mcp.ConfigStore,
	pool *mcp.Pool,
	ruleEngine *rules.Engine,
	memLoader *memory.Loader,
	approver *hitl.Coordinator,
	manager *websocket.ConnectionManager,
	factory agent.Factory,
	recorder *audit.Recorder,
	log *logger.Logger,
) *Dispatcher {
	return &Dispatcher{
		sessions: sessions,
		messages: messages,
		profiles: profiles,
		configs:  configs,
		pool:     pool,
		rules:    ruleEngine,
		memory:   memLoader,
		approver: approver,
		manager:  manager,
		factory:  factory,
		audit:    recorder,
		logger:   log.WithFields(zap.String("component", "dispatcher")),
	}
}

// RunTurn executes a channel-attached turn: events stream through the
// connection manager as they are produced, and the turn is registered as the
// session's active task so cancel and disconnect reach it.
func (d *Dispatcher) RunTurn(ctx context.Context, req websocket.TurnRequest) {
	sess, err := d.sessions.GetOrCreateSession(ctx, req.UserID, req.AssistantID, req.SessionID)
	if err != nil {
		d.logger.Error("failed to resolve session for turn",
			zap.String("session_id", req.SessionID), zap.Error(err))
		d.manager.SendEvent(req.SessionID, events.NewError("failed to resolve session", false))
		d.manager.Send(req.SessionID, wsproto.NewStreamEndFrame())
		return
	}

	// The manager is keyed by the live channel's session id, which is what
	// the client cancels against.
	taskCtx, task := d.manager.StartTask(ctx, req.SessionID)
	defer d.manager.FinishTask(req.SessionID, task)

	d.run(taskCtx, req.SessionID, sess, req, func(ev events.Event) {
		d.manager.SendEvent(req.SessionID, ev)
	})
	d.manager.Send(req.SessionID, wsproto.NewStreamEndFrame())
}

// CollectTurn executes one turn without a streaming channel and returns every
// event it produced. HITL requests cannot reach a client on this path, so
// approval-gated tools resolve as rejections. The turn still registers with
// the connection manager, so cancel_chat works against it.
func (d *Dispatcher) CollectTurn(ctx context.Context, req websocket.TurnRequest) (*session.Session, []events.Event, error) {
	sess, err := d.sessions.GetOrCreateSession(ctx, req.UserID, req.AssistantID, req.SessionID)
	if err != nil {
		return nil, nil, err
	}

	taskCtx, task := d.manager.StartTask(ctx, sess.ID)
	defer d.manager.FinishTask(sess.ID, task)

	var collected []events.Event
	d.run(taskCtx, sess.ID, sess, req, func(ev events.Event) {
		collected = append(collected, ev)
	})
	return sess, collected, nil
}

// run is the shared turn core: persist the user message, build the executor
// config, execute, emit the terminal events, persist the assistant reply.
// channelID is the key the connection manager tracks this turn under; it is
// what approval slots attach to.
func (d *Dispatcher) run(ctx context.Context, channelID string, sess *session.Session, req websocket.TurnRequest, emit func(events.Event)) {
	assistantID := req.AssistantID
	if assistantID == "" {
		assistantID = sess.AssistantID
	}
	log := d.logger.WithFields(
		zap.String("session_id", sess.ID),
		zap.String("user_id", sess.UserID),
	)

	if _, err := d.messages.SaveMessage(ctx, &message.Message{
		SessionID: sess.ID,
		UserID:    sess.UserID,
		Role:      message.RoleUser,
		Content:   req.Message,
	}); err != nil {
		log.Warn("failed to persist user message", zap.Error(err))
	}
	d.audit.Record(ctx, sess.UserID, sess.ID, audit.ActionTurnStarted,
		map[string]any{"assistant_id": assistantID})

	cfg := d.buildConfig(ctx, sess, assistantID, req, log)

	exec, err := d.factory.NewExecutor(cfg)
	if err != nil {
		log.Error("failed to create executor", zap.Error(err))
		emit(events.NewError("failed to start agent: "+err.Error(), false))
		emit(events.NewDone(nil, false))
		return
	}

	var trail transcript
	env := agent.Environment{
		Emit: func(ev events.Event) {
			trail.observe(ev)
			emit(ev)
		},
		Tools: &toolGateway{
			sessionID: channelID,
			userID:    sess.UserID,
			tools:     toolIndex(cfg.Tools),
			pool:      d.pool,
			approver:  d.approver,
			audit:     d.audit,
			logger:    log,
		},
	}

	execErr := exec.Execute(ctx, req.Message, env)
	switch {
	case execErr == nil:
		emit(events.NewDone(nil, false))
	case errors.Is(execErr, context.Canceled) || errors.Is(execErr, context.DeadlineExceeded):
		log.Info("turn cancelled")
		emit(events.NewDone(nil, true))
	default:
		log.Error("turn failed", zap.Error(execErr))
		emit(events.NewError(execErr.Error(), false))
		emit(events.NewDone(nil, false))
	}

	// Persist whatever text the turn produced, including partial output from
	// a cancelled turn. WithoutCancel so the write survives the cancellation
	// that ended the turn.
	if content := trail.content(); content != "" {
		if _, err := d.messages.SaveMessage(context.WithoutCancel(ctx), &message.Message{
			SessionID: sess.ID,
			UserID:    sess.UserID,
			Role:      message.RoleAssistant,
			Content:   content,
		}); err != nil {
			log.Warn("failed to persist assistant message", zap.Error(err))
		}
	}
}

// buildConfig assembles the executor's working context. Every input is best
// effort: a failed profile lookup, rule resolution, or MCP connect narrows
// the config and the turn proceeds.
func (d *Dispatcher) buildConfig(ctx context.Context, sess *session.Session, assistantID string, req websocket.TurnRequest, log *logger.Logger) agent.Config {
	var tools []mcp.Tool
	userCfg, err := d.configs.GetUserConfig(ctx, sess.UserID)
	switch {
	case err != nil:
		log.Warn("failed to load MCP config, turn proceeds without tools", zap.Error(err))
	case len(userCfg.Servers) > 0:
		// Connect is idempotent for servers that are already open.
		if err := d.pool.Connect(ctx, sess.UserID, userCfg); err != nil {
			log.Warn("MCP connect incomplete", zap.Error(err))
		}
		tools = d.pool.GetTools(ctx, sess.UserID)
	}

	userContext := make(map[string]any)
	var profileSection string
	if profile, err := d.profiles.Get(ctx, sess.UserID); err == nil {
		fields := profile.PromptFields()
		for k, v := range fields {
			userContext[k] = v
		}
		profileSection = renderProfileSection(fields)
	} else {
		log.Debug("no profile for user", zap.Error(err))
	}
	// Caller-supplied context wins over profile fields.
	for k, v := range req.UserContext {
		userContext[k] = v
	}

	var ruleSection string
	refs := rules.ExtractReferences(req.Message)
	resolution, err := d.rules.Resolve(ctx, sess.UserID, &rules.Context{
		Query:       req.Message,
		Files:       refs.FileRefs,
		ManualRefs:  refs.ManualRefs,
		SessionID:   sess.ID,
		AssistantID: assistantID,
	})
	if err != nil {
		log.Warn("rule resolution failed", zap.Error(err))
	} else {
		ruleSection = resolution.Section
	}

	workspacePath, _ := userContext["workspace"].(string)
	mem := d.memory.Load(sess.UserID, assistantID, workspacePath)

	return agent.Config{
		SessionID:     sess.ID,
		UserID:        sess.UserID,
		AssistantID:   assistantID,
		WorkspacePath: workspacePath,
		SystemPrompt:  d.memory.ComposePrompt(mem, joinSections(profileSection, ruleSection)),
		Tools:         tools,
		UserContext:   userContext,
	}
}

// transcript accumulates the turn's assistant text for persistence. Final
// text events carry completed utterances; non-final chunks are in-flight
// previews that their final supersedes, kept only when the turn ends without
// one.
type transcript struct {
	finals  []string
	partial strings.Builder
}

func (t *transcript) observe(ev events.Event) {
	text, ok := ev.(*events.Text)
	if !ok {
		return
	}
	if text.IsFinal {
		t.finals = append(t.finals, text.Content)
		t.partial.Reset()
	} else {
		t.partial.WriteString(text.Content)
	}
}

func (t *transcript) content() string {
	parts := t.finals
	if t.partial.Len() > 0 {
		parts = append(parts, t.partial.String())
	}
	return strings.Join(parts, "\n")
}

func renderProfileSection(fields map[string]any) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("## User profile\n")
	for _, k := range keys {
		fmt.Fprintf(&b, "- %s: %v\n", k, fields[k])
	}
	return strings.TrimRight(b.String(), "\n")
}

func joinSections(sections ...string) string {
	parts := make([]string, 0, len(sections))
	for _, s := range sections {
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n\n")
}
