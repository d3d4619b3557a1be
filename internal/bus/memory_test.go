package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/parley/parley/internal/common/logger"
)

func waitForNotice(t *testing.T, ch <-chan *Notice) *Notice {
	t.Helper()
	select {
	case n := <-ch:
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notice")
		return nil
	}
}

func TestMemoryBus_PublishSubscribe(t *testing.T) {
	b := NewMemoryBus(logger.Default())
	defer b.Close()

	received := make(chan *Notice, 1)
	_, err := b.Subscribe(SubjectSessionCreated, func(ctx context.Context, n *Notice) error {
		received <- n
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	notice := NewNotice(SubjectSessionCreated, "session-manager", map[string]any{"session_id": "s-1"})
	if err := b.Publish(context.Background(), SubjectSessionCreated, notice); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	got := waitForNotice(t, received)
	if got.Data["session_id"] != "s-1" {
		t.Errorf("Expected session_id s-1, got %v", got.Data)
	}
	if got.ID == "" || got.Timestamp.IsZero() {
		t.Error("Expected notice to carry id and timestamp")
	}
}

func TestMemoryBus_WildcardSubjects(t *testing.T) {
	b := NewMemoryBus(logger.Default())
	defer b.Close()

	tests := []struct {
		pattern string
		subject string
		match   bool
	}{
		{"session.*", "session.created", true},
		{"session.*", "session.deleted", true},
		{"session.*", "rules.conflict", false},
		{"session.>", "session.created", true},
		{"session.created", "session.created", true},
		{"session.created", "session.expired", false},
	}

	for _, tt := range tests {
		if got := matches(tt.subject, tt.pattern); got != tt.match {
			t.Errorf("matches(%q, %q) = %v, expected %v", tt.subject, tt.pattern, got, tt.match)
		}
	}
}

func TestMemoryBus_WildcardDelivery(t *testing.T) {
	b := NewMemoryBus(logger.Default())
	defer b.Close()

	received := make(chan *Notice, 2)
	_, err := b.Subscribe("session.*", func(ctx context.Context, n *Notice) error {
		received <- n
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	ctx := context.Background()
	_ = b.Publish(ctx, SubjectSessionCreated, NewNotice(SubjectSessionCreated, "t", nil))
	_ = b.Publish(ctx, SubjectSessionExpired, NewNotice(SubjectSessionExpired, "t", nil))

	subjects := map[string]bool{}
	for i := 0; i < 2; i++ {
		n := waitForNotice(t, received)
		subjects[n.Subject] = true
	}
	if !subjects[SubjectSessionCreated] || !subjects[SubjectSessionExpired] {
		t.Errorf("Expected both lifecycle notices, got %v", subjects)
	}
}

func TestMemoryBus_Unsubscribe(t *testing.T) {
	b := NewMemoryBus(logger.Default())
	defer b.Close()

	var mu sync.Mutex
	count := 0
	sub, err := b.Subscribe(SubjectRuleConflict, func(ctx context.Context, n *Notice) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if sub.IsValid() {
		t.Error("Expected subscription to be invalid after Unsubscribe")
	}

	_ = b.Publish(context.Background(), SubjectRuleConflict, NewNotice(SubjectRuleConflict, "t", nil))
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 0 {
		t.Errorf("Expected no deliveries after unsubscribe, got %d", count)
	}
}

func TestMemoryBus_Close(t *testing.T) {
	b := NewMemoryBus(logger.Default())

	if !b.IsConnected() {
		t.Error("Expected new bus to be connected")
	}

	b.Close()

	if b.IsConnected() {
		t.Error("Expected closed bus to report disconnected")
	}
	if err := b.Publish(context.Background(), SubjectSessionCreated, NewNotice(SubjectSessionCreated, "t", nil)); err == nil {
		t.Error("Expected publish on closed bus to fail")
	}
	if _, err := b.Subscribe(SubjectSessionCreated, func(ctx context.Context, n *Notice) error { return nil }); err == nil {
		t.Error("Expected subscribe on closed bus to fail")
	}
}
