// Package realtime owns the persistent connection for one active session:
// topic subscription, publish of outbound envelopes, and reconnection with
// bounded backoff.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"showroom/api/internal/protocol"
)

// State is the connection state observed by the session manager to gate
// outbound sends.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
)

// ConnectReason classifies a connection setup failure.
type ConnectReason string

const (
	ReasonNetworkUnavailable ConnectReason = "network_unavailable"
	ReasonHandshakeTimeout   ConnectReason = "handshake_timeout"
	ReasonRejected           ConnectReason = "rejected"
)

// ConnectError reports why the channel could not be established.
type ConnectError struct {
	Reason ConnectReason
	Err    error
}

func (e *ConnectError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("connect: %s", e.Reason)
	}
	return fmt.Sprintf("connect: %s: %v", e.Reason, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// ErrNotConnected is returned by Publish while the channel is anything other
// than connected. There is no store-and-forward; the caller decides whether
// to buffer.
var ErrNotConnected = errors.New("channel not connected")

// Handler receives one successfully decoded envelope, in transport delivery
// order. Handlers run to completion before the next envelope is dispatched.
type Handler func(protocol.Envelope)

// Options carries connection policy. Zero values fall back to defaults.
type Options struct {
	RedisURL             string
	HandshakeTimeout     time.Duration
	PingInterval         time.Duration
	MaxReconnectAttempts int
	ReconnectBase        time.Duration
}

func (o Options) withDefaults() Options {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 15 * time.Second
	}
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = 5
	}
	if o.ReconnectBase <= 0 {
		o.ReconnectBase = 500 * time.Millisecond
	}
	return o
}

// Channel is one persistent pub/sub connection scoped to a session's topic
// namespace. Instantiated per session and passed by reference; never a
// global.
type Channel struct {
	opts Options

	mu             sync.Mutex
	state          State
	client         *redis.Client
	pubsub         *redis.PubSub
	subs           map[string][]Handler
	stateListeners []func(State)
	sessionID      string
	userID         int64
	displayName    string
	closed         bool

	decodeFailures int64
}

func NewChannel(opts Options) *Channel {
	return &Channel{
		opts:  opts.withDefaults(),
		state: StateDisconnected,
		subs:  make(map[string][]Handler),
	}
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnStateChange registers a listener for connection-state transitions.
// Multiple listeners are supported.
func (c *Channel) OnStateChange(fn func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stateListeners = append(c.stateListeners, fn)
}

func (c *Channel) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.state = s
	listeners := make([]func(State), len(c.stateListeners))
	copy(listeners, c.stateListeners)
	c.mu.Unlock()
	for _, fn := range listeners {
		fn(s)
	}
	c.mu.Lock()
}

// Subscribe registers a handler for a topic. Handlers are retained across
// reconnects; delivery comes through the session-namespace pattern
// subscription, so no per-topic resubscribe is needed.
func (c *Channel) Subscribe(topic string, handler Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[topic] = append(c.subs[topic], handler)
}

// Connect opens the connection scoped to the session's topic namespace. The
// handshake pings the transport and verifies the session is registered as
// live; an unknown session id is a rejection, not a retryable failure.
func (c *Channel) Connect(ctx context.Context, sessionID string, userID int64, displayName string) error {
	c.mu.Lock()
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.sessionID = sessionID
	c.userID = userID
	c.displayName = displayName
	c.closed = false
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	client, pubsub, err := c.establish(ctx)
	if err != nil {
		c.mu.Lock()
		var connErr *ConnectError
		if errors.As(err, &connErr) && connErr.Reason == ReasonRejected {
			c.setStateLocked(StateFailed)
		} else {
			c.setStateLocked(StateDisconnected)
		}
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	c.client = client
	c.pubsub = pubsub
	c.setStateLocked(StateConnected)
	c.mu.Unlock()

	go c.receiveLoop(pubsub)
	go c.monitorLoop(client)
	return nil
}

// establish dials, handshakes, and subscribes the retained topics.
func (c *Channel) establish(ctx context.Context) (*redis.Client, *redis.PubSub, error) {
	redisOpts, err := redis.ParseURL(c.opts.RedisURL)
	if err != nil {
		return nil, nil, &ConnectError{Reason: ReasonNetworkUnavailable, Err: err}
	}
	client := redis.NewClient(redisOpts)

	handshakeCtx, cancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
	defer cancel()

	if err := client.Ping(handshakeCtx).Err(); err != nil {
		_ = client.Close()
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, nil, &ConnectError{Reason: ReasonHandshakeTimeout, Err: err}
		}
		return nil, nil, &ConnectError{Reason: ReasonNetworkUnavailable, Err: err}
	}

	live, err := client.Exists(handshakeCtx, protocol.SessionKey(c.sessionID)).Result()
	if err != nil {
		_ = client.Close()
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, nil, &ConnectError{Reason: ReasonHandshakeTimeout, Err: err}
		}
		return nil, nil, &ConnectError{Reason: ReasonNetworkUnavailable, Err: err}
	}
	if live == 0 {
		_ = client.Close()
		return nil, nil, &ConnectError{Reason: ReasonRejected, Err: fmt.Errorf("session %s is not live", c.sessionID)}
	}

	// One pattern subscription covers every topic in the session's
	// namespace, so handlers registered after connect need no resubscribe.
	pubsub := client.PSubscribe(ctx, protocol.SessionPattern(c.sessionID))
	return client, pubsub, nil
}

// Publish sends one envelope on a topic. It fails fast with ErrNotConnected
// rather than silently queuing; messages sent during a reconnect window are
// dropped by design.
func (c *Channel) Publish(ctx context.Context, topic string, env protocol.Envelope) error {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	client := c.client
	c.mu.Unlock()

	data, err := protocol.Encode(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := client.Publish(ctx, topic, data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Disconnect sends a best-effort leave envelope, then tears the connection
// down. Idempotent.
func (c *Channel) Disconnect() error {
	c.mu.Lock()
	if c.closed || c.state == StateDisconnected {
		c.closed = true
		c.setStateLocked(StateDisconnected)
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	client := c.client
	pubsub := c.pubsub
	sessionID := c.sessionID
	userID := c.userID
	displayName := c.displayName
	connected := c.state == StateConnected
	c.client = nil
	c.pubsub = nil
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	if connected && client != nil {
		leave := protocol.Envelope{
			Type:        protocol.TypeLeave,
			SessionID:   sessionID,
			UserID:      userID,
			DisplayName: displayName,
			SentAt:      time.Now().UTC(),
			Payload:     protocol.LeavePayload{},
		}
		if data, err := protocol.Encode(leave); err == nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = client.Publish(ctx, protocol.Topic(sessionID, protocol.TypeLeave), data).Err()
			cancel()
		}
	}

	if pubsub != nil {
		_ = pubsub.Close()
	}
	if client != nil {
		_ = client.Close()
	}
	return nil
}

// receiveLoop delivers envelopes one at a time; handlers run to completion
// before the next envelope is processed.
func (c *Channel) receiveLoop(pubsub *redis.PubSub) {
	for msg := range pubsub.Channel() {
		env, err := protocol.Decode([]byte(msg.Payload))
		if err != nil {
			c.noteDecodeFailure(err)
			continue
		}

		c.mu.Lock()
		handlers := make([]Handler, len(c.subs[msg.Channel]))
		copy(handlers, c.subs[msg.Channel])
		c.mu.Unlock()

		for _, h := range handlers {
			h(env)
		}
	}
}

// noteDecodeFailure counts malformed envelopes; one bad envelope must never
// block delivery of the valid ones behind it, so failures are dropped and
// aggregate-logged.
func (c *Channel) noteDecodeFailure(err error) {
	c.mu.Lock()
	c.decodeFailures++
	n := c.decodeFailures
	c.mu.Unlock()
	if n == 1 || n%50 == 0 {
		log.Printf("realtime: dropped %d malformed envelopes so far (latest: %v)", n, err)
	}
}

// DecodeFailures reports how many malformed envelopes were dropped.
func (c *Channel) DecodeFailures() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.decodeFailures
}

// monitorLoop watches connection health and drives the reconnect path on an
// unexpected drop.
func (c *Channel) monitorLoop(client *redis.Client) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for range ticker.C {
		c.mu.Lock()
		if c.closed || c.client != client {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), c.opts.HandshakeTimeout)
		err := client.Ping(ctx).Err()
		cancel()
		if err == nil {
			continue
		}

		c.handleDrop(client)
		return
	}
}

// handleDrop tears down the dropped connection and retries with exponential
// backoff. Handlers are retained and the pattern subscription is reopened on
// success; after the bounded attempts are exhausted the channel fails.
func (c *Channel) handleDrop(dropped *redis.Client) {
	c.mu.Lock()
	if c.closed || c.client != dropped {
		c.mu.Unlock()
		return
	}
	pubsub := c.pubsub
	c.client = nil
	c.pubsub = nil
	c.setStateLocked(StateReconnecting)
	c.mu.Unlock()

	if pubsub != nil {
		_ = pubsub.Close()
	}
	_ = dropped.Close()

	delay := c.opts.ReconnectBase
	for attempt := 1; attempt <= c.opts.MaxReconnectAttempts; attempt++ {
		time.Sleep(delay)
		if delay < 30*time.Second {
			delay *= 2
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		client, ps, err := c.establish(context.Background())
		if err != nil {
			log.Printf("realtime: reconnect attempt %d/%d failed: %v", attempt, c.opts.MaxReconnectAttempts, err)
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = ps.Close()
			_ = client.Close()
			return
		}
		c.client = client
		c.pubsub = ps
		c.setStateLocked(StateConnected)
		c.mu.Unlock()

		go c.receiveLoop(ps)
		go c.monitorLoop(client)
		return
	}

	c.mu.Lock()
	c.setStateLocked(StateFailed)
	c.mu.Unlock()
}
