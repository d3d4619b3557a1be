package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/parley/parley/internal/common/config"
	"github.com/parley/parley/internal/common/logger"
)

// NATSBus implements Bus over a NATS connection. Used when multiple service
// processes need to observe the same lifecycle notices.
type NATSBus struct {
	conn   *nats.Conn
	logger *logger.Logger
}

// NewNATSBus connects to NATS with reconnection handling.
func NewNATSBus(cfg config.NATSConfig, log *logger.Logger) (*NATSBus, error) {
	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),

		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", zap.Error(err))
			} else {
				log.Info("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				log.Error("NATS connection closed", zap.Error(err))
			} else {
				log.Info("NATS connection closed")
			}
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error("NATS error", zap.Error(err), zap.String("subject", sub.Subject))
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	log.Info("connected to NATS", zap.String("url", cfg.URL))
	return &NATSBus{conn: conn, logger: log}, nil
}

// Publish sends a notice to a subject.
func (b *NATSBus) Publish(ctx context.Context, subject string, notice *Notice) error {
	data, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("failed to marshal notice: %w", err)
	}

	if err := b.conn.Publish(subject, data); err != nil {
		b.logger.Error("failed to publish notice",
			zap.String("subject", subject),
			zap.Error(err))
		return fmt.Errorf("failed to publish notice: %w", err)
	}

	b.logger.Debug("published notice",
		zap.String("subject", subject),
		zap.String("notice_id", notice.ID))
	return nil
}

// Subscribe registers a handler for a subject pattern.
func (b *NATSBus) Subscribe(subject string, handler Handler) (Subscription, error) {
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		var notice Notice
		if err := json.Unmarshal(msg.Data, &notice); err != nil {
			b.logger.Error("failed to unmarshal notice",
				zap.String("subject", msg.Subject),
				zap.Error(err))
			return
		}
		if err := handler(context.Background(), &notice); err != nil {
			b.logger.Error("notice handler failed",
				zap.String("subject", msg.Subject),
				zap.String("notice_id", notice.ID),
				zap.Error(err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	b.logger.Debug("subscribed", zap.String("subject", subject))
	return &natsSubscription{sub: sub}, nil
}

// Close drains the connection, processing pending messages first.
func (b *NATSBus) Close() {
	if b.conn == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.logger.Warn("error draining NATS connection", zap.Error(err))
		b.conn.Close()
	}
}

// IsConnected reports whether the NATS connection is active.
func (b *NATSBus) IsConnected() bool {
	return b.conn != nil && b.conn.IsConnected()
}

type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() error {
	return s.sub.Unsubscribe()
}

func (s *natsSubscription) IsValid() bool {
	return s.sub.IsValid()
}
