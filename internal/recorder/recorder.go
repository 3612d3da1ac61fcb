// Package recorder tails every live session topic and persists what it
// sees: chat messages into Postgres and the search index, presence into
// the participants table, product switches onto the session row. Clients
// stay fire-and-forget; durability is entirely this package's job.
package recorder

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"

	"showroom/api/internal/metrics"
	"showroom/api/internal/protocol"
	"showroom/api/internal/search"
	"showroom/api/internal/store"
)

// Store is the slice of the persistence layer the recorder writes to.
type Store interface {
	InsertChatMessage(ctx context.Context, m store.ChatMessage) error
	UpsertParticipant(ctx context.Context, p store.Participant) error
	MarkParticipantOffline(ctx context.Context, sessionID string, userID int64, at time.Time) error
	UpdateSessionProduct(ctx context.Context, id, productID string) error
}

// Indexer pushes chat messages into the search index.
type Indexer interface {
	IndexMessage(record search.MessageRecord)
}

// Recorder consumes the realtime firehose over a pattern subscription.
type Recorder struct {
	client  *redis.Client
	store   Store
	index   Indexer
	pubsub  *redis.PubSub
	done    chan struct{}
	stopped chan struct{}
}

// New connects a recorder to Redis. index may be nil.
func New(redisURL string, st Store, index Indexer) (*Recorder, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewWithClient(client, st, index), nil
}

// NewWithClient creates a recorder from an existing Redis client.
func NewWithClient(client *redis.Client, st Store, index Indexer) *Recorder {
	return &Recorder{
		client:  client,
		store:   st,
		index:   index,
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Start subscribes to every session topic and consumes until Close.
func (r *Recorder) Start(ctx context.Context) error {
	r.pubsub = r.client.PSubscribe(ctx, protocol.AllSessionsPattern())
	if _, err := r.pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe session topics: %w", err)
	}

	go r.loop()
	return nil
}

func (r *Recorder) loop() {
	defer close(r.stopped)
	ch := r.pubsub.Channel()
	for {
		select {
		case <-r.done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			r.handle(msg.Channel, []byte(msg.Payload))
		}
	}
}

func (r *Recorder) handle(topic string, payload []byte) {
	sessionID, _, ok := protocol.ParseTopic(topic)
	if !ok {
		metrics.EventsDropped.WithLabelValues("bad_topic").Inc()
		return
	}

	env, err := protocol.Decode(payload)
	if err != nil {
		metrics.EventsDropped.WithLabelValues("bad_envelope").Inc()
		log.Printf("recorder: drop event on %s: %v", topic, err)
		return
	}
	if env.SessionID != sessionID {
		metrics.EventsDropped.WithLabelValues("session_mismatch").Inc()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.record(ctx, env); err != nil {
		metrics.EventsDropped.WithLabelValues("store_error").Inc()
		log.Printf("recorder: persist %s event for %s: %v", env.Type, env.SessionID, err)
		return
	}
	metrics.EventsRecorded.WithLabelValues(string(env.Type)).Inc()
}

func (r *Recorder) record(ctx context.Context, env protocol.Envelope) error {
	switch env.Type {
	case protocol.TypeChat:
		payload := env.Payload.(protocol.ChatPayload)
		id := payload.ID
		if id == "" {
			id = ulid.Make().String()
		}
		msg := store.ChatMessage{
			ID:          id,
			SessionID:   env.SessionID,
			UserID:      env.UserID,
			DisplayName: env.DisplayName,
			Body:        payload.Message,
			SentAt:      env.SentAt,
		}
		if err := r.store.InsertChatMessage(ctx, msg); err != nil {
			return err
		}
		if r.index != nil {
			r.index.IndexMessage(search.MessageRecord{
				ID:          msg.ID,
				SessionID:   msg.SessionID,
				UserID:      msg.UserID,
				DisplayName: msg.DisplayName,
				Body:        msg.Body,
				SentAt:      msg.SentAt.Unix(),
			})
		}
		return nil

	case protocol.TypeJoin:
		return r.store.UpsertParticipant(ctx, store.Participant{
			SessionID:   env.SessionID,
			UserID:      env.UserID,
			DisplayName: env.DisplayName,
			Role:        store.RoleMember,
			Status:      "online",
			JoinedAt:    env.SentAt,
		})

	case protocol.TypeLeave:
		return r.store.MarkParticipantOffline(ctx, env.SessionID, env.UserID, env.SentAt)

	case protocol.TypeProductChange:
		payload := env.Payload.(protocol.ProductChangePayload)
		return r.store.UpdateSessionProduct(ctx, env.SessionID, payload.ProductID)
	}

	// Annotations are persisted on demand via the snapshot endpoint and
	// experience events are transient, so neither is recorded here.
	return nil
}

// Close stops the consumer and waits for the loop to drain.
func (r *Recorder) Close() error {
	close(r.done)
	var err error
	if r.pubsub != nil {
		err = r.pubsub.Close()
	}
	select {
	case <-r.stopped:
	case <-time.After(2 * time.Second):
	}
	if cerr := r.client.Close(); err == nil {
		err = cerr
	}
	return err
}
