package bus

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/parley/parley/internal/common/logger"
)

// MemoryBus implements Bus with in-process fan-out. Handlers run on their
// own goroutines so a slow subscriber never blocks a publisher.
type MemoryBus struct {
	mu            sync.RWMutex
	subscriptions map[string][]*memorySubscription
	logger        *logger.Logger
	closed        bool
}

type memorySubscription struct {
	bus     *MemoryBus
	subject string
	pattern *regexp.Regexp // nil for exact-match subjects
	handler Handler
	mu      sync.Mutex
	active  bool
}

// NewMemoryBus creates an in-memory notification bus.
func NewMemoryBus(log *logger.Logger) *MemoryBus {
	return &MemoryBus{
		subscriptions: make(map[string][]*memorySubscription),
		logger:        log,
	}
}

// Publish delivers the notice to every matching subscription.
func (b *MemoryBus) Publish(ctx context.Context, subject string, notice *Notice) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("bus is closed")
	}

	for pattern, subs := range b.subscriptions {
		if !matches(subject, pattern) {
			continue
		}
		for _, sub := range subs {
			if !sub.IsValid() {
				continue
			}
			go func(s *memorySubscription, n *Notice) {
				if err := s.handler(ctx, n); err != nil {
					b.logger.Error("notice handler error",
						zap.String("subject", subject),
						zap.Error(err))
				}
			}(sub, notice)
		}
	}

	b.logger.Debug("published notice",
		zap.String("subject", subject),
		zap.String("notice_id", notice.ID))
	return nil
}

// Subscribe registers a handler for a subject pattern.
func (b *MemoryBus) Subscribe(subject string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("bus is closed")
	}

	sub := &memorySubscription{
		bus:     b,
		subject: subject,
		pattern: compilePattern(subject),
		handler: handler,
		active:  true,
	}
	b.subscriptions[subject] = append(b.subscriptions[subject], sub)

	b.logger.Debug("subscribed", zap.String("subject", subject))
	return sub, nil
}

// Close deactivates every subscription and rejects further publishes.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for _, subs := range b.subscriptions {
		for _, sub := range subs {
			sub.mu.Lock()
			sub.active = false
			sub.mu.Unlock()
		}
	}
	b.subscriptions = make(map[string][]*memorySubscription)
}

// IsConnected reports whether the bus accepts publishes.
func (b *MemoryBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

func (s *memorySubscription) Unsubscribe() error {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	subs := s.bus.subscriptions[s.subject]
	for i, sub := range subs {
		if sub == s {
			s.bus.subscriptions[s.subject] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	return nil
}

func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// matches checks a subject against a pattern with NATS-style wildcards:
// * matches one token, > matches the rest.
func matches(subject, pattern string) bool {
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, ">") {
		return subject == pattern
	}
	if regex := compilePattern(pattern); regex != nil {
		return regex.MatchString(subject)
	}
	return false
}

// compilePattern converts a NATS-style pattern to a regexp; nil when the
// pattern has no wildcards.
func compilePattern(pattern string) *regexp.Regexp {
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, ">") {
		return nil
	}

	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, `[^.]+`)
	escaped = strings.ReplaceAll(escaped, `>`, `.+`)

	regex, err := regexp.Compile("^" + escaped + "$")
	if err != nil {
		return nil
	}
	return regex
}
