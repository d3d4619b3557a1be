package hitl

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/parley/parley/internal/common/logger"
	"github.com/parley/parley/pkg/events"
	"github.com/parley/parley/pkg/wsproto"
)

// DefaultTimeout bounds how long a turn stays suspended on one approval.
const DefaultTimeout = 300 * time.Second

// timeoutMessage is the reject reason delivered when no decision arrives.
const timeoutMessage = "Approval timeout - automatically rejected"

// Transport delivers approval requests to a session's client and tracks the
// pending slot for it. The websocket connection manager implements this.
type Transport interface {
	// SendEvent pushes an event frame to the session's client, reporting
	// whether a connected client received it.
	SendEvent(sessionID string, event events.Event) bool

	// InstallSlot registers a fresh pending slot for the session,
	// displacing (cancelling) any previous one.
	InstallSlot(sessionID string) *Slot

	// RemoveSlot clears the pending slot if it is still the given one.
	RemoveSlot(sessionID string, slot *Slot)
}

// Coordinator runs the approval protocol for suspended turns.
type Coordinator struct {
	transport Transport
	timeout   time.Duration
	logger    *logger.Logger
}

// NewCoordinator creates a coordinator over the given transport. A
// non-positive timeout falls back to DefaultTimeout.
func NewCoordinator(transport Transport, timeout time.Duration, log *logger.Logger) *Coordinator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = logger.Default()
	}
	return &Coordinator{
		transport: transport,
		timeout:   timeout,
		logger:    log.WithFields(zap.String("component", "hitl")),
	}
}

// RequestApproval suspends the calling turn until the session's client
// decides on the requested actions. The slot is installed before the request
// event is emitted so a decision frame can never race past its waiter. Every
// exit path yields a decision: timeout, cancellation, and delivery failure
// all degrade to reject.
func (c *Coordinator) RequestApproval(ctx context.Context, sessionID string, requests []events.ActionRequest) wsproto.Decision {
	interruptID := uuid.NewString()
	log := c.logger.WithFields(
		zap.String("session_id", sessionID),
		zap.String("interrupt_id", interruptID),
	)

	slot := c.transport.InstallSlot(sessionID)
	defer c.transport.RemoveSlot(sessionID, slot)

	// The timeout runs from slot install, not from event delivery.
	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	if !c.transport.SendEvent(sessionID, events.NewHITLRequest(interruptID, requests)) {
		log.Warn("approval request undeliverable, rejecting")
		return reject("client disconnected")
	}

	log.Info("awaiting approval decision",
		zap.Int("action_count", len(requests)),
		zap.Duration("timeout", c.timeout))

	select {
	case decision := <-slot.Decision():
		log.Info("approval decision received", zap.String("decision", string(decision.Type)))
		return decision
	case <-slot.Cancelled():
		cause := slot.Cause()
		log.Info("approval wait cancelled", zap.String("cause", cause))
		return reject(cause)
	case <-timer.C:
		slot.Cancel(timeoutMessage)
		log.Warn("approval timed out")
		return reject(timeoutMessage)
	case <-ctx.Done():
		slot.Cancel("task cancelled")
		log.Info("approval wait abandoned, task cancelled")
		return reject("task cancelled")
	}
}

func reject(message string) wsproto.Decision {
	return wsproto.Decision{Type: wsproto.DecisionReject, Message: message}
}
