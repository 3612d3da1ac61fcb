// Package collab orchestrates one collaborative shopping session: it creates
// or joins the session through the collaborator API, wires the realtime
// channel to the session's topics, and fans incoming envelopes out to the
// presence tracker, chat log, and annotation store.
package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"showroom/api/internal/canvas"
	"showroom/api/internal/chatlog"
	"showroom/api/internal/presence"
	"showroom/api/internal/protocol"
	"showroom/api/internal/realtime"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

// Session is the local view of the shared session. Only the manager mutates
// it.
type Session struct {
	ID         string
	HostUserID int64
	ProductRef string
	Status     Status
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

var (
	// ErrSessionNotFound is reported by the collaborator for unknown ids.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionEnded is reported by the collaborator when joining an ended
	// session.
	ErrSessionEnded = errors.New("session ended")
	// ErrNotHost rejects host-only operations from members.
	ErrNotHost = errors.New("only the host may end the session")
	// ErrNoSession rejects operations before a session is created or joined.
	ErrNoSession = errors.New("no active session")
)

// CreatedSession is the collaborator's answer to a create call.
type CreatedSession struct {
	SessionID string
	HostToken string
}

// JoinResult is the collaborator's answer to a join call.
type JoinResult struct {
	Accepted   bool
	HostUserID int64
	ProductRef string
	Roster     []presence.Participant
}

// Snapshot is the collaborator's authoritative view, pulled on demand after
// reconnection.
type Snapshot struct {
	Session     Session
	Roster      []presence.Participant
	Messages    []chatlog.Message
	Annotations []canvas.Annotation
}

// SessionAPI is the narrow contract to the session REST collaborator.
type SessionAPI interface {
	CreateSession(ctx context.Context, hostUserID int64, displayName, productRef string) (CreatedSession, error)
	JoinSession(ctx context.Context, sessionID string, userID int64, displayName string) (JoinResult, error)
	EndSession(ctx context.Context, sessionID, hostToken string) error
	GetSession(ctx context.Context, sessionID string) (Snapshot, error)
}

// Transport is the realtime channel contract, satisfied by
// *realtime.Channel.
type Transport interface {
	Connect(ctx context.Context, sessionID string, userID int64, displayName string) error
	Subscribe(topic string, handler realtime.Handler)
	Publish(ctx context.Context, topic string, env protocol.Envelope) error
	Disconnect() error
	State() realtime.State
	OnStateChange(fn func(realtime.State))
}

// EventKind names the event bus channels the manager re-emits on.
type EventKind string

const (
	EventChat          EventKind = "chat"
	EventAnnotation    EventKind = "annotation"
	EventClear         EventKind = "clear"
	EventPresence      EventKind = "presence"
	EventProductChange EventKind = "productChange"
	EventExperience    EventKind = "experience"
)

// Event is delivered to registered listeners after local state has been
// updated.
type Event struct {
	Kind     EventKind
	Envelope protocol.Envelope
}

// Manager is the per-session orchestrator and the single writer of all local
// session state.
type Manager struct {
	api         SessionAPI
	ch          Transport
	userID      int64
	displayName string

	mu        sync.Mutex
	session   Session
	hostToken string
	roster    *presence.Tracker
	log       *chatlog.Log
	canvas    *canvas.Store
	listeners map[EventKind][]func(Event)

	now func() time.Time
}

func NewManager(api SessionAPI, ch Transport, userID int64, displayName string) *Manager {
	m := &Manager{
		api:         api,
		ch:          ch,
		userID:      userID,
		displayName: displayName,
		listeners:   make(map[EventKind][]func(Event)),
		now:         time.Now,
	}
	// Once the channel is down, peer presence can no longer be observed.
	// The roster repopulates from join envelopes or Resync after reconnect.
	ch.OnStateChange(func(st realtime.State) {
		switch st {
		case realtime.StateDisconnected, realtime.StateReconnecting, realtime.StateFailed:
			m.mu.Lock()
			if m.roster != nil {
				m.roster.MarkAllOffline(m.now().UTC())
			}
			m.mu.Unlock()
		}
	})
	return m
}

// On registers a listener for an event kind. Multiple listeners per kind are
// supported; registering a second one never drops the first.
func (m *Manager) On(kind EventKind, fn func(Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners[kind] = append(m.listeners[kind], fn)
}

func (m *Manager) emit(kind EventKind, env protocol.Envelope) {
	m.mu.Lock()
	listeners := make([]func(Event), len(m.listeners[kind]))
	copy(listeners, m.listeners[kind])
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(Event{Kind: kind, Envelope: env})
	}
}

// Create asks the collaborator for a new session, then connects the channel.
// If the channel cannot connect, the session is still created: local state is
// initialized and the returned error lets the caller retry with Reconnect
// without re-creating.
func (m *Manager) Create(ctx context.Context, productRef string) error {
	created, err := m.api.CreateSession(ctx, m.userID, m.displayName, productRef)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	now := m.now().UTC()
	m.mu.Lock()
	m.session = Session{
		ID:         created.SessionID,
		HostUserID: m.userID,
		ProductRef: productRef,
		Status:     StatusActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	m.hostToken = created.HostToken
	m.roster = presence.NewTracker(m.userID)
	m.roster.OnJoin(m.userID, m.displayName, now)
	m.log = chatlog.New()
	m.canvas = canvas.NewStore(m.userID)
	m.mu.Unlock()

	m.subscribeAll(created.SessionID)
	return m.connectAndAnnounce(ctx)
}

// Join asks the collaborator to admit this user, then connects the channel
// the same way Create does.
func (m *Manager) Join(ctx context.Context, sessionID string) error {
	result, err := m.api.JoinSession(ctx, sessionID, m.userID, m.displayName)
	if err != nil {
		return err
	}
	if !result.Accepted {
		return ErrSessionNotFound
	}

	now := m.now().UTC()
	m.mu.Lock()
	m.session = Session{
		ID:         sessionID,
		HostUserID: result.HostUserID,
		ProductRef: result.ProductRef,
		Status:     StatusActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	m.roster = presence.NewTracker(result.HostUserID)
	for _, p := range result.Roster {
		m.roster.OnJoin(p.UserID, p.DisplayName, p.JoinedAt)
		if p.Status != presence.StatusOnline {
			m.roster.SetStatus(p.UserID, p.Status, p.LastSeenAt)
		}
	}
	m.roster.OnJoin(m.userID, m.displayName, now)
	m.log = chatlog.New()
	m.canvas = canvas.NewStore(m.userID)
	m.mu.Unlock()

	m.subscribeAll(sessionID)
	return m.connectAndAnnounce(ctx)
}

func (m *Manager) subscribeAll(sessionID string) {
	for _, t := range protocol.Types() {
		m.ch.Subscribe(protocol.Topic(sessionID, t), m.dispatch)
	}
}

func (m *Manager) connectAndAnnounce(ctx context.Context) error {
	m.mu.Lock()
	sessionID := m.session.ID
	m.mu.Unlock()

	if err := m.ch.Connect(ctx, sessionID, m.userID, m.displayName); err != nil {
		return err
	}
	// Best effort; peers also learn about us through the collaborator roster.
	_ = m.publish(ctx, protocol.TypeJoin, protocol.JoinPayload{})
	return nil
}

// Reconnect retries the channel connection for an already created or joined
// session.
func (m *Manager) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	if m.session.ID == "" {
		m.mu.Unlock()
		return ErrNoSession
	}
	m.mu.Unlock()
	return m.connectAndAnnounce(ctx)
}

// SendChat appends the message locally first, then publishes it. A publish
// failure is returned but the optimistic local state is never rolled back.
func (m *Manager) SendChat(ctx context.Context, body string) (chatlog.Message, error) {
	m.mu.Lock()
	if m.session.ID == "" {
		m.mu.Unlock()
		return chatlog.Message{}, ErrNoSession
	}
	now := m.now().UTC()
	msg := chatlog.Message{
		ID:          ulid.Make().String(),
		SessionID:   m.session.ID,
		UserID:      m.userID,
		DisplayName: m.displayName,
		Body:        body,
		SentAt:      now,
	}
	m.log.Append(msg)
	m.mu.Unlock()

	err := m.publishAt(ctx, protocol.TypeChat, protocol.ChatPayload{ID: msg.ID, Message: body}, now)
	return msg, err
}

// AddAnnotation applies a local annotation optimistically and broadcasts it.
// A missing id is assigned.
func (m *Manager) AddAnnotation(ctx context.Context, p protocol.AnnotationPayload) (canvas.Annotation, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	m.mu.Lock()
	if m.session.ID == "" {
		m.mu.Unlock()
		return canvas.Annotation{}, ErrNoSession
	}
	now := m.now().UTC()
	record := canvas.FromEnvelope(m.userID, m.displayName, now, p)
	m.canvas.ApplyLocal(record)
	m.mu.Unlock()

	err := m.publishAt(ctx, protocol.TypeAnnotation, p, now)
	return record, err
}

// ClearAnnotations clears the local canvas and broadcasts the clear.
// Annotations created after the clear's timestamp survive on every replica.
func (m *Manager) ClearAnnotations(ctx context.Context) error {
	m.mu.Lock()
	if m.session.ID == "" {
		m.mu.Unlock()
		return ErrNoSession
	}
	now := m.now().UTC()
	m.canvas.ApplyLocalClear(now)
	m.mu.Unlock()

	return m.publishAt(ctx, protocol.TypeAnnotation, protocol.AnnotationPayload{
		ID:   uuid.NewString(),
		Kind: protocol.KindClear,
	}, now)
}

// SwitchProduct changes the session's canonical product and broadcasts the
// change.
func (m *Manager) SwitchProduct(ctx context.Context, productRef string) error {
	m.mu.Lock()
	if m.session.ID == "" {
		m.mu.Unlock()
		return ErrNoSession
	}
	now := m.now().UTC()
	m.session.ProductRef = productRef
	m.session.UpdatedAt = now
	m.mu.Unlock()

	return m.publishAt(ctx, protocol.TypeProductChange, protocol.ProductChangePayload{ProductID: productRef}, now)
}

// SendExperience broadcasts an experience event without interpreting it.
func (m *Manager) SendExperience(ctx context.Context, experienceType string, data json.RawMessage) error {
	m.mu.Lock()
	if m.session.ID == "" {
		m.mu.Unlock()
		return ErrNoSession
	}
	m.mu.Unlock()
	return m.publish(ctx, protocol.TypeExperience, protocol.ExperiencePayload{
		ExperienceType: experienceType,
		ExperienceData: data,
	})
}

// Undo reverses the most recent local annotation edit. Nothing is emitted on
// the wire and remote edits are untouched.
func (m *Manager) Undo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.canvas == nil {
		return false
	}
	return m.canvas.Undo()
}

// Redo reverses the most recent Undo.
func (m *Manager) Redo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.canvas == nil {
		return false
	}
	return m.canvas.Redo()
}

// End is host-only: it ends the session at the collaborator, then tears the
// channel down. Peers learn of the end through the collaborator's own
// fan-out.
func (m *Manager) End(ctx context.Context) error {
	m.mu.Lock()
	if m.session.ID == "" {
		m.mu.Unlock()
		return ErrNoSession
	}
	if m.userID != m.session.HostUserID {
		m.mu.Unlock()
		return ErrNotHost
	}
	sessionID := m.session.ID
	token := m.hostToken
	m.mu.Unlock()

	if err := m.api.EndSession(ctx, sessionID, token); err != nil {
		return fmt.Errorf("end session: %w", err)
	}

	m.mu.Lock()
	m.session.Status = StatusEnded
	m.session.UpdatedAt = m.now().UTC()
	m.mu.Unlock()

	return m.ch.Disconnect()
}

// Leave disconnects without ending the session.
func (m *Manager) Leave() error {
	return m.ch.Disconnect()
}

// Resync pulls the collaborator's authoritative snapshot and merges it into
// local state. It is an explicit call, not an automatic post-reconnect step;
// nothing lost during a disconnect window is replayed otherwise.
func (m *Manager) Resync(ctx context.Context) error {
	m.mu.Lock()
	if m.session.ID == "" {
		m.mu.Unlock()
		return ErrNoSession
	}
	sessionID := m.session.ID
	m.mu.Unlock()

	snap, err := m.api.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("resync session: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.session.ProductRef = snap.Session.ProductRef
	m.session.Status = snap.Session.Status
	m.session.UpdatedAt = m.now().UTC()

	for _, p := range snap.Roster {
		m.roster.OnJoin(p.UserID, p.DisplayName, p.JoinedAt)
		if p.Status != presence.StatusOnline {
			m.roster.SetStatus(p.UserID, p.Status, p.LastSeenAt)
		}
	}

	seen := make(map[string]struct{}, m.log.Len())
	for _, msg := range m.log.Messages() {
		seen[msg.ID] = struct{}{}
	}
	for _, msg := range snap.Messages {
		if _, ok := seen[msg.ID]; ok {
			continue
		}
		m.log.Append(msg)
	}

	for _, a := range snap.Annotations {
		if a.AuthorUserID == m.userID {
			continue
		}
		m.canvas.MergeRemote(a)
	}
	return nil
}

// dispatch routes one decoded envelope to the component owning its type.
// The channel delivers envelopes one at a time, so handlers never reenter.
func (m *Manager) dispatch(env protocol.Envelope) {
	m.mu.Lock()
	if m.session.ID == "" || env.SessionID != m.session.ID {
		m.mu.Unlock()
		return
	}
	fromSelf := env.UserID == m.userID

	kind := EventKind("")
	switch env.Type {
	case protocol.TypeJoin:
		m.roster.OnJoin(env.UserID, env.DisplayName, env.SentAt)
		kind = EventPresence
	case protocol.TypeLeave:
		m.roster.OnLeave(env.UserID, env.SentAt)
		kind = EventPresence
	case protocol.TypeChat:
		// Own messages were already applied optimistically at send time.
		if !fromSelf {
			payload := env.Payload.(protocol.ChatPayload)
			id := payload.ID
			if id == "" {
				id = ulid.Make().String()
			}
			m.log.Append(chatlog.Message{
				ID:          id,
				SessionID:   env.SessionID,
				UserID:      env.UserID,
				DisplayName: env.DisplayName,
				Body:        payload.Message,
				SentAt:      env.SentAt,
			})
			kind = EventChat
		}
	case protocol.TypeAnnotation:
		payload := env.Payload.(protocol.AnnotationPayload)
		if payload.Kind == protocol.KindClear {
			if !fromSelf {
				m.canvas.MergeRemoteClear(env.SentAt)
				kind = EventClear
			}
		} else if !fromSelf {
			m.canvas.MergeRemote(canvas.FromEnvelope(env.UserID, env.DisplayName, env.SentAt, payload))
			kind = EventAnnotation
		}
	case protocol.TypeProductChange:
		if !fromSelf {
			payload := env.Payload.(protocol.ProductChangePayload)
			m.session.ProductRef = payload.ProductID
			m.session.UpdatedAt = m.now().UTC()
			kind = EventProductChange
		}
	case protocol.TypeExperience:
		// Re-emitted without interpreting the payload.
		if !fromSelf {
			kind = EventExperience
		}
	}
	m.mu.Unlock()

	if kind != "" {
		m.emit(kind, env)
	}
}

func (m *Manager) publish(ctx context.Context, t protocol.Type, payload any) error {
	return m.publishAt(ctx, t, payload, m.now().UTC())
}

func (m *Manager) publishAt(ctx context.Context, t protocol.Type, payload any, sentAt time.Time) error {
	m.mu.Lock()
	sessionID := m.session.ID
	m.mu.Unlock()

	return m.ch.Publish(ctx, protocol.Topic(sessionID, t), protocol.Envelope{
		Type:        t,
		SessionID:   sessionID,
		UserID:      m.userID,
		DisplayName: m.displayName,
		SentAt:      sentAt,
		Payload:     payload,
	})
}

// Session returns a copy of the local session view.
func (m *Manager) Session() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// Roster returns the current participant roster.
func (m *Manager) Roster() []presence.Participant {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.roster == nil {
		return nil
	}
	return m.roster.Roster()
}

// Messages returns the chat log in local receipt order.
func (m *Manager) Messages() []chatlog.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.log == nil {
		return nil
	}
	return m.log.Messages()
}

// Annotations returns the current annotation snapshot.
func (m *Manager) Annotations() []canvas.Annotation {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.canvas == nil {
		return nil
	}
	return m.canvas.Snapshot()
}

// ConnectionState reports the channel state for send gating and UI.
func (m *Manager) ConnectionState() realtime.State {
	return m.ch.State()
}
