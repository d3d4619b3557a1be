package websocket

import (
	"context"

	"go.uber.org/zap"

	"github.com/parley/parley/internal/bus"
	"github.com/parley/parley/internal/common/logger"
	"github.com/parley/parley/pkg/wsproto"
)

// Broadcaster forwards bus notices to the session they concern, as
// notification frames on the session's channel. Notices without a session_id
// are dropped; sessions without a live channel simply miss the notice.
type Broadcaster struct {
	manager       *ConnectionManager
	subscriptions []bus.Subscription
	logger        *logger.Logger
}

// RegisterNotifications wires session lifecycle and rule-conflict notices to
// connected clients. The broadcaster closes when ctx is cancelled.
func RegisterNotifications(ctx context.Context, notifier bus.Bus, manager *ConnectionManager, log *logger.Logger) *Broadcaster {
	b := &Broadcaster{
		manager: manager,
		logger:  log.WithFields(zap.String("component", "ws_broadcaster")),
	}
	if notifier == nil {
		return b
	}

	b.subscribe(notifier, bus.SubjectSessionDeleted, "session deleted")
	b.subscribe(notifier, bus.SubjectSessionExpired, "session expired")
	b.subscribe(notifier, bus.SubjectRuleConflict, "rule conflict")

	go func() {
		<-ctx.Done()
		b.Close()
	}()

	return b
}

// Close drops all bus subscriptions.
func (b *Broadcaster) Close() {
	for _, sub := range b.subscriptions {
		if sub != nil && sub.IsValid() {
			_ = sub.Unsubscribe()
		}
	}
	b.subscriptions = nil
}

func (b *Broadcaster) subscribe(notifier bus.Bus, subject, notice string) {
	sub, err := notifier.Subscribe(subject, func(ctx context.Context, n *bus.Notice) error {
		sessionID := extractSessionID(n.Data)
		if sessionID == "" {
			return nil
		}
		b.manager.Send(sessionID, wsproto.NewNotificationFrame(notice, n.Data))
		return nil
	})
	if err != nil {
		b.logger.Error("failed to subscribe to notices",
			zap.String("subject", subject), zap.Error(err))
		return
	}
	b.subscriptions = append(b.subscriptions, sub)
}

// extractSessionID pulls the session_id field out of a notice payload.
func extractSessionID(data map[string]any) string {
	if data == nil {
		return ""
	}
	if id, ok := data["session_id"].(string); ok {
		return id
	}
	return ""
}
