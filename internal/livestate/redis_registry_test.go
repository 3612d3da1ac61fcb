package livestate

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"showroom/api/internal/protocol"
)

func setupTestRegistry(t *testing.T) (*RedisRegistry, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	registry, err := NewRedisRegistry("redis://"+s.Addr(), time.Hour)
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}
	return registry, s
}

func TestRegisterAndGet(t *testing.T) {
	registry, s := setupTestRegistry(t)
	defer registry.Close()
	defer s.Close()

	ctx := context.Background()
	live := LiveSession{
		SessionID:  "sess_abc",
		HostUserID: 7,
		ProductID:  "P42",
		StartedAt:  time.Now().UTC(),
	}

	if err := registry.Register(ctx, live); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	got, err := registry.Get(ctx, "sess_abc")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.HostUserID != 7 || got.ProductID != "P42" {
		t.Errorf("unexpected live session: %+v", got)
	}

	ok, err := registry.IsLive(ctx, "sess_abc")
	if err != nil {
		t.Fatalf("IsLive failed: %v", err)
	}
	if !ok {
		t.Error("expected session to be live")
	}
}

func TestGetUnknownSession(t *testing.T) {
	registry, s := setupTestRegistry(t)
	defer registry.Close()
	defer s.Close()

	if _, err := registry.Get(context.Background(), "sess_missing"); err != ErrNotLive {
		t.Errorf("expected ErrNotLive, got %v", err)
	}
}

func TestSetProductKeepsTTL(t *testing.T) {
	registry, s := setupTestRegistry(t)
	defer registry.Close()
	defer s.Close()

	ctx := context.Background()
	if err := registry.Register(ctx, LiveSession{SessionID: "sess_abc", ProductID: "P1"}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if err := registry.SetProduct(ctx, "sess_abc", "P2"); err != nil {
		t.Fatalf("SetProduct failed: %v", err)
	}

	got, err := registry.Get(ctx, "sess_abc")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.ProductID != "P2" {
		t.Errorf("expected product P2, got %s", got.ProductID)
	}
	if s.TTL(protocol.SessionKey("sess_abc")) == 0 {
		t.Error("expected TTL to survive product update")
	}
}

func TestEndRemovesSession(t *testing.T) {
	registry, s := setupTestRegistry(t)
	defer registry.Close()
	defer s.Close()

	ctx := context.Background()
	if err := registry.Register(ctx, LiveSession{SessionID: "sess_abc"}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := registry.End(ctx, "sess_abc"); err != nil {
		t.Fatalf("End failed: %v", err)
	}

	ok, err := registry.IsLive(ctx, "sess_abc")
	if err != nil {
		t.Fatalf("IsLive failed: %v", err)
	}
	if ok {
		t.Error("expected session to be gone after End")
	}
}

func TestSessionExpiry(t *testing.T) {
	s := miniredis.RunT(t)
	defer s.Close()
	registry, err := NewRedisRegistry("redis://"+s.Addr(), time.Minute)
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}
	defer registry.Close()

	ctx := context.Background()
	if err := registry.Register(ctx, LiveSession{SessionID: "sess_abc"}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	s.FastForward(2 * time.Minute)

	ok, err := registry.IsLive(ctx, "sess_abc")
	if err != nil {
		t.Fatalf("IsLive failed: %v", err)
	}
	if ok {
		t.Error("expected session to expire")
	}

	if err := registry.Touch(ctx, "sess_abc"); err != ErrNotLive {
		t.Errorf("expected ErrNotLive from Touch after expiry, got %v", err)
	}
}
