package recorder

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"showroom/api/internal/protocol"
	"showroom/api/internal/search"
	"showroom/api/internal/store"
)

type fakeStore struct {
	mu           sync.Mutex
	messages     []store.ChatMessage
	participants []store.Participant
	offline      []int64
	products     []string
}

func (f *fakeStore) InsertChatMessage(ctx context.Context, m store.ChatMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, m)
	return nil
}

func (f *fakeStore) UpsertParticipant(ctx context.Context, p store.Participant) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.participants = append(f.participants, p)
	return nil
}

func (f *fakeStore) MarkParticipantOffline(ctx context.Context, sessionID string, userID int64, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline = append(f.offline, userID)
	return nil
}

func (f *fakeStore) UpdateSessionProduct(ctx context.Context, id, productID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.products = append(f.products, productID)
	return nil
}

type fakeIndexer struct {
	mu      sync.Mutex
	records []search.MessageRecord
}

func (f *fakeIndexer) IndexMessage(record search.MessageRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, record)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func setupRecorder(t *testing.T) (*miniredis.Miniredis, *redis.Client, *fakeStore, *fakeIndexer) {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})

	st := &fakeStore{}
	idx := &fakeIndexer{}
	rec := NewWithClient(client, st, idx)
	if err := rec.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { _ = rec.Close() })

	return s, redis.NewClient(&redis.Options{Addr: s.Addr()}), st, idx
}

func publish(t *testing.T, client *redis.Client, env protocol.Envelope) {
	t.Helper()
	payload, err := protocol.Encode(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := client.Publish(context.Background(), protocol.Topic(env.SessionID, env.Type), payload).Err(); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func TestRecorderPersistsChatAndIndexes(t *testing.T) {
	_, client, st, idx := setupRecorder(t)

	sent := time.Now().UTC().Truncate(time.Millisecond)
	publish(t, client, protocol.Envelope{
		Type:        protocol.TypeChat,
		SessionID:   "sess_abc",
		UserID:      7,
		DisplayName: "Avery",
		SentAt:      sent,
		Payload:     protocol.ChatPayload{ID: "01J0000000000000000000MSG1", Message: "love this one"},
	})

	waitFor(t, time.Second, func() bool {
		st.mu.Lock()
		defer st.mu.Unlock()
		return len(st.messages) == 1
	})

	st.mu.Lock()
	msg := st.messages[0]
	st.mu.Unlock()
	if msg.ID != "01J0000000000000000000MSG1" {
		t.Errorf("expected sender-assigned id to be kept, got %s", msg.ID)
	}
	if msg.Body != "love this one" || msg.UserID != 7 || msg.SessionID != "sess_abc" {
		t.Errorf("unexpected message: %+v", msg)
	}

	waitFor(t, time.Second, func() bool {
		idx.mu.Lock()
		defer idx.mu.Unlock()
		return len(idx.records) == 1
	})
	idx.mu.Lock()
	record := idx.records[0]
	idx.mu.Unlock()
	if record.ID != msg.ID || record.Body != msg.Body {
		t.Errorf("unexpected index record: %+v", record)
	}
}

func TestRecorderAssignsIDWhenMissing(t *testing.T) {
	_, client, st, _ := setupRecorder(t)

	publish(t, client, protocol.Envelope{
		Type:        protocol.TypeChat,
		SessionID:   "sess_abc",
		UserID:      7,
		DisplayName: "Avery",
		SentAt:      time.Now().UTC(),
		Payload:     protocol.ChatPayload{Message: "no id"},
	})

	waitFor(t, time.Second, func() bool {
		st.mu.Lock()
		defer st.mu.Unlock()
		return len(st.messages) == 1
	})
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.messages[0].ID == "" {
		t.Error("expected recorder to assign a message id")
	}
}

func TestRecorderTracksPresenceAndProduct(t *testing.T) {
	_, client, st, _ := setupRecorder(t)

	now := time.Now().UTC()
	publish(t, client, protocol.Envelope{
		Type: protocol.TypeJoin, SessionID: "sess_abc", UserID: 9, DisplayName: "Blair", SentAt: now,
	})
	publish(t, client, protocol.Envelope{
		Type: protocol.TypeProductChange, SessionID: "sess_abc", UserID: 7, DisplayName: "Avery", SentAt: now,
		Payload: protocol.ProductChangePayload{ProductID: "P99"},
	})
	publish(t, client, protocol.Envelope{
		Type: protocol.TypeLeave, SessionID: "sess_abc", UserID: 9, DisplayName: "Blair", SentAt: now,
	})

	waitFor(t, time.Second, func() bool {
		st.mu.Lock()
		defer st.mu.Unlock()
		return len(st.participants) == 1 && len(st.products) == 1 && len(st.offline) == 1
	})

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.participants[0].UserID != 9 || st.participants[0].Role != store.RoleMember {
		t.Errorf("unexpected participant: %+v", st.participants[0])
	}
	if st.products[0] != "P99" {
		t.Errorf("expected product P99, got %s", st.products[0])
	}
	if st.offline[0] != 9 {
		t.Errorf("expected user 9 offline, got %d", st.offline[0])
	}
}

func TestRecorderSkipsMalformedEvents(t *testing.T) {
	_, client, st, _ := setupRecorder(t)

	ctx := context.Background()
	if err := client.Publish(ctx, protocol.Topic("sess_abc", protocol.TypeChat), "not json").Err(); err != nil {
		t.Fatalf("publish: %v", err)
	}
	// Envelope whose session does not match its topic.
	mismatched, _ := json.Marshal(map[string]any{
		"type": "chat", "sessionId": "sess_other", "userId": 7,
		"displayName": "Avery", "sentAt": time.Now().UTC(),
		"payload": map[string]any{"message": "hi"},
	})
	if err := client.Publish(ctx, protocol.Topic("sess_abc", protocol.TypeChat), mismatched).Err(); err != nil {
		t.Fatalf("publish: %v", err)
	}

	publish(t, client, protocol.Envelope{
		Type: protocol.TypeChat, SessionID: "sess_abc", UserID: 7, DisplayName: "Avery",
		SentAt: time.Now().UTC(), Payload: protocol.ChatPayload{Message: "good one"},
	})

	waitFor(t, time.Second, func() bool {
		st.mu.Lock()
		defer st.mu.Unlock()
		return len(st.messages) == 1
	})
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.messages[0].Body != "good one" {
		t.Errorf("expected only the valid message, got %+v", st.messages)
	}
}
