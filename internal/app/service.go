package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/crypto/bcrypt"

	"showroom/api/internal/auth"
	"showroom/api/internal/config"
	"showroom/api/internal/email"
	"showroom/api/internal/export"
	"showroom/api/internal/livestate"
	"showroom/api/internal/metrics"
	"showroom/api/internal/protocol"
	"showroom/api/internal/search"
	"showroom/api/internal/store"
	"showroom/api/internal/util"
)

// dataStore is the slice of the persistence layer the service consumes.
type dataStore interface {
	Ping(ctx context.Context) error
	InsertSession(ctx context.Context, s store.Session) error
	GetSession(ctx context.Context, id string) (store.Session, error)
	EndSession(ctx context.Context, id string, endedAt time.Time) error
	UpdateSessionProduct(ctx context.Context, id, productID string) error
	UpsertParticipant(ctx context.Context, p store.Participant) error
	ListParticipants(ctx context.Context, sessionID string) ([]store.Participant, error)
	ListChatMessages(ctx context.Context, sessionID string, limit int) ([]store.ChatMessage, error)
	CreateInvite(ctx context.Context, invite store.Invite) error
	GetInvite(ctx context.Context, token string) (store.Invite, error)
	MarkInviteAccepted(ctx context.Context, token string, at time.Time) error
	SaveAnnotations(ctx context.Context, sessionID string, payload []byte, at time.Time) error
	GetAnnotations(ctx context.Context, sessionID string) ([]byte, time.Time, error)
	GetSessionCounts(ctx context.Context, sessionID string) (store.SessionCounts, error)
}

// liveRegistry is the slice of the live session registry the service consumes.
type liveRegistry interface {
	Register(ctx context.Context, live livestate.LiveSession) error
	IsLive(ctx context.Context, sessionID string) (bool, error)
	SetProduct(ctx context.Context, sessionID, productID string) error
	Touch(ctx context.Context, sessionID string) error
	End(ctx context.Context, sessionID string) error
	Ping(ctx context.Context) error
}

// SnapshotArchive is the optional object-storage backend for annotation
// snapshots. nil when MinIO is not configured.
type SnapshotArchive interface {
	Put(ctx context.Context, sessionID string, payload []byte) error
	Get(ctx context.Context, sessionID string) ([]byte, error)
	Stat(ctx context.Context, sessionID string) (time.Time, error)
}

type Service struct {
	cfg       config.Config
	store     dataStore
	live      liveRegistry
	search    *search.Service
	export    *export.Service
	email     *email.Service
	snapshots SnapshotArchive
	now       func() time.Time
}

func NewService(cfg config.Config, st dataStore, live liveRegistry, searchSvc *search.Service, emailSvc *email.Service, snapshots SnapshotArchive) *Service {
	s := &Service{
		cfg:       cfg,
		store:     st,
		live:      live,
		search:    searchSvc,
		email:     emailSvc,
		snapshots: snapshots,
		now:       time.Now,
	}
	s.export = export.NewService(&exportStore{store: st})
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) PingLive(ctx context.Context) error {
	return s.live.Ping(ctx)
}

type CreateSessionInput struct {
	HostUserID  int64  `json:"hostUserId"`
	DisplayName string `json:"displayName"`
	ProductID   string `json:"productId"`
}

type CreateSessionResult struct {
	SessionID string `json:"sessionId"`
	HostToken string `json:"hostToken"`
}

// CreateSession registers a new session, seeds the host into the roster,
// marks the session live, and issues the host control token.
func (s *Service) CreateSession(ctx context.Context, in CreateSessionInput) (CreateSessionResult, error) {
	if in.HostUserID == 0 {
		return CreateSessionResult{}, domainError(400, "INVALID_BODY", "hostUserId is required", nil)
	}
	if in.DisplayName == "" {
		return CreateSessionResult{}, domainError(400, "INVALID_BODY", "displayName is required", nil)
	}

	now := s.now().UTC()
	session := store.Session{
		ID:              util.NewID("sess"),
		HostUserID:      in.HostUserID,
		HostDisplayName: in.DisplayName,
		ProductID:       in.ProductID,
		Status:          store.SessionStatusActive,
		CreatedAt:       now,
	}
	if err := s.store.InsertSession(ctx, session); err != nil {
		return CreateSessionResult{}, err
	}
	if err := s.store.UpsertParticipant(ctx, store.Participant{
		SessionID:   session.ID,
		UserID:      in.HostUserID,
		DisplayName: in.DisplayName,
		Role:        store.RoleHost,
		Status:      "online",
		JoinedAt:    now,
	}); err != nil {
		return CreateSessionResult{}, err
	}
	if err := s.live.Register(ctx, livestate.LiveSession{
		SessionID:  session.ID,
		HostUserID: in.HostUserID,
		ProductID:  in.ProductID,
		StartedAt:  now,
	}); err != nil {
		return CreateSessionResult{}, err
	}

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		UserID:    in.HostUserID,
		Name:      in.DisplayName,
		Role:      store.RoleHost,
		SessionID: session.ID,
		JTI:       util.NewID(""),
		Exp:       now.Add(s.cfg.SessionTTL + time.Hour).Unix(),
	})
	if err != nil {
		return CreateSessionResult{}, fmt.Errorf("issue host token: %w", err)
	}

	metrics.SessionsCreated.Inc()
	return CreateSessionResult{SessionID: session.ID, HostToken: token}, nil
}

// hostClaims validates a host token against a session.
func (s *Service) hostClaims(sessionID, token string) (auth.Claims, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return auth.Claims{}, errNotHost()
	}
	if claims.Role != store.RoleHost || claims.SessionID != sessionID {
		return auth.Claims{}, errNotHost()
	}
	return claims, nil
}

// getActiveSession loads a session and rejects ended or expired ones.
func (s *Service) getActiveSession(ctx context.Context, sessionID string) (store.Session, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Session{}, errSessionNotFound()
	}
	if err != nil {
		return store.Session{}, err
	}
	if session.Status != store.SessionStatusActive {
		return store.Session{}, errSessionEnded()
	}

	live, err := s.live.IsLive(ctx, sessionID)
	if err != nil {
		return store.Session{}, err
	}
	if !live {
		// The registry key expired; treat the session as over.
		return store.Session{}, errSessionEnded()
	}
	return session, nil
}

type JoinSessionInput struct {
	UserID      int64  `json:"userId"`
	DisplayName string `json:"displayName"`
}

type JoinSessionResult struct {
	Accepted   bool              `json:"accepted"`
	HostUserID int64             `json:"hostUserId"`
	ProductID  string            `json:"productId"`
	Roster     []wireParticipant `json:"roster"`
}

// JoinSession admits a user into an active session and returns the roster.
func (s *Service) JoinSession(ctx context.Context, sessionID string, in JoinSessionInput) (JoinSessionResult, error) {
	if in.UserID == 0 || in.DisplayName == "" {
		return JoinSessionResult{}, domainError(400, "INVALID_BODY", "userId and displayName are required", nil)
	}

	session, err := s.getActiveSession(ctx, sessionID)
	if err != nil {
		return JoinSessionResult{}, err
	}

	now := s.now().UTC()
	if err := s.store.UpsertParticipant(ctx, store.Participant{
		SessionID:   sessionID,
		UserID:      in.UserID,
		DisplayName: in.DisplayName,
		Role:        store.RoleMember,
		Status:      "online",
		JoinedAt:    now,
	}); err != nil {
		return JoinSessionResult{}, err
	}
	if err := s.live.Touch(ctx, sessionID); err != nil && !errors.Is(err, livestate.ErrNotLive) {
		log.Printf("app: touch session %s: %v", sessionID, err)
	}

	roster, err := s.store.ListParticipants(ctx, sessionID)
	if err != nil {
		return JoinSessionResult{}, err
	}

	metrics.ParticipantsJoined.Inc()
	return JoinSessionResult{
		Accepted:   true,
		HostUserID: session.HostUserID,
		ProductID:  session.ProductID,
		Roster:     toWireParticipants(roster),
	}, nil
}

// EndSession ends a session. Idempotent for a valid host token.
func (s *Service) EndSession(ctx context.Context, sessionID, token string) error {
	if _, err := s.hostClaims(sessionID, token); err != nil {
		return err
	}

	now := s.now().UTC()
	err := s.store.EndSession(ctx, sessionID, now)
	if errors.Is(err, sql.ErrNoRows) {
		// Missing row vs already ended.
		if _, getErr := s.store.GetSession(ctx, sessionID); errors.Is(getErr, sql.ErrNoRows) {
			return errSessionNotFound()
		}
		err = nil
	}
	if err != nil {
		return err
	}

	// Dropping the live key makes every later channel handshake fail.
	if err := s.live.End(ctx, sessionID); err != nil {
		return err
	}
	metrics.SessionsEnded.Inc()
	return nil
}

type SwitchProductInput struct {
	ProductID string `json:"productId"`
}

// SwitchProduct changes the product under discussion. Host-only; the
// realtime broadcast happens client-side, this records the authoritative
// value for late joiners.
func (s *Service) SwitchProduct(ctx context.Context, sessionID, token string, in SwitchProductInput) error {
	if _, err := s.hostClaims(sessionID, token); err != nil {
		return err
	}
	if in.ProductID == "" {
		return domainError(400, "INVALID_BODY", "productId is required", nil)
	}
	if _, err := s.getActiveSession(ctx, sessionID); err != nil {
		return err
	}
	if err := s.store.UpdateSessionProduct(ctx, sessionID, in.ProductID); err != nil {
		return err
	}
	if err := s.live.SetProduct(ctx, sessionID, in.ProductID); err != nil && !errors.Is(err, livestate.ErrNotLive) {
		return err
	}
	return nil
}

type SessionSnapshot struct {
	Session     wireSession         `json:"session"`
	Roster      []wireParticipant   `json:"roster"`
	Messages    []wireMessage       `json:"messages"`
	Annotations []wireAnnotation    `json:"annotations"`
	Counts      store.SessionCounts `json:"counts"`
}

// GetSessionSnapshot returns the authoritative state a client needs to
// resynchronize: session row, roster, transcript tail, and the last
// persisted annotation set.
func (s *Service) GetSessionSnapshot(ctx context.Context, sessionID string) (SessionSnapshot, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionSnapshot{}, errSessionNotFound()
	}
	if err != nil {
		return SessionSnapshot{}, err
	}

	roster, err := s.store.ListParticipants(ctx, sessionID)
	if err != nil {
		return SessionSnapshot{}, err
	}
	messages, err := s.store.ListChatMessages(ctx, sessionID, s.cfg.HistoryTail)
	if err != nil {
		return SessionSnapshot{}, err
	}
	counts, err := s.store.GetSessionCounts(ctx, sessionID)
	if err != nil {
		return SessionSnapshot{}, err
	}

	snap := SessionSnapshot{
		Session:     toWireSession(session),
		Roster:      toWireParticipants(roster),
		Messages:    toWireMessages(messages),
		Annotations: []wireAnnotation{},
		Counts:      counts,
	}

	annotations, _, err := s.store.GetAnnotations(ctx, sessionID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return SessionSnapshot{}, err
	}
	if len(annotations) > 0 {
		if err := json.Unmarshal(annotations, &snap.Annotations); err != nil {
			log.Printf("app: corrupt annotation snapshot for %s: %v", sessionID, err)
			snap.Annotations = []wireAnnotation{}
		}
	}
	return snap, nil
}

// History returns the persisted transcript in send order.
func (s *Service) History(ctx context.Context, sessionID string, limit int) ([]wireMessage, error) {
	if _, err := s.store.GetSession(ctx, sessionID); errors.Is(err, sql.ErrNoRows) {
		return nil, errSessionNotFound()
	} else if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 1000 {
		limit = s.cfg.HistoryTail
	}
	messages, err := s.store.ListChatMessages(ctx, sessionID, limit)
	if err != nil {
		return nil, err
	}
	return toWireMessages(messages), nil
}

// SearchMessages searches persisted transcripts.
func (s *Service) SearchMessages(q search.Query) search.Response {
	metrics.SearchQueries.Inc()
	return s.search.Search(q)
}

type CreateInviteInput struct {
	Email    string `json:"email"`
	Password string `json:"password,omitempty"`
}

type CreateInviteResult struct {
	Token   string `json:"token"`
	JoinURL string `json:"joinUrl"`
	Emailed bool   `json:"emailed"`
}

// CreateInvite issues a join link for a session, optionally protected by
// a password, and mails it when SMTP is configured.
func (s *Service) CreateInvite(ctx context.Context, sessionID, token string, in CreateInviteInput) (CreateInviteResult, error) {
	claims, err := s.hostClaims(sessionID, token)
	if err != nil {
		return CreateInviteResult{}, err
	}
	if in.Email == "" {
		return CreateInviteResult{}, domainError(400, "INVALID_BODY", "email is required", nil)
	}
	session, err := s.getActiveSession(ctx, sessionID)
	if err != nil {
		return CreateInviteResult{}, err
	}

	var passwordHash string
	if in.Password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
		if err != nil {
			return CreateInviteResult{}, fmt.Errorf("hash invite password: %w", err)
		}
		passwordHash = string(hash)
	}

	now := s.now().UTC()
	invite := store.Invite{
		Token:        util.NewID("inv"),
		SessionID:    sessionID,
		Email:        in.Email,
		PasswordHash: passwordHash,
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.cfg.SessionTTL),
	}
	if err := s.store.CreateInvite(ctx, invite); err != nil {
		return CreateInviteResult{}, err
	}

	joinURL := s.cfg.PublicBaseURL + "/join?invite=" + invite.Token
	emailed := false
	if s.email != nil && s.email.IsConfigured() {
		if err := s.email.SendSessionInvite(in.Email, claims.Name, session.ProductID, joinURL, passwordHash != ""); err != nil {
			log.Printf("app: send invite for %s: %v", sessionID, err)
		} else {
			emailed = true
		}
	}

	metrics.InvitesSent.Inc()
	return CreateInviteResult{Token: invite.Token, JoinURL: joinURL, Emailed: emailed}, nil
}

type AcceptInviteInput struct {
	UserID      int64  `json:"userId"`
	DisplayName string `json:"displayName"`
	Password    string `json:"password,omitempty"`
}

type AcceptInviteResult struct {
	SessionID string            `json:"sessionId"`
	Join      JoinSessionResult `json:"join"`
}

// AcceptInvite validates an invite token and joins the invitee.
func (s *Service) AcceptInvite(ctx context.Context, token string, in AcceptInviteInput) (AcceptInviteResult, error) {
	invite, err := s.store.GetInvite(ctx, token)
	if errors.Is(err, sql.ErrNoRows) {
		return AcceptInviteResult{}, errInviteNotFound()
	}
	if err != nil {
		return AcceptInviteResult{}, err
	}
	if s.now().UTC().After(invite.ExpiresAt) {
		return AcceptInviteResult{}, errInviteExpired()
	}
	if invite.PasswordHash != "" {
		if err := bcrypt.CompareHashAndPassword([]byte(invite.PasswordHash), []byte(in.Password)); err != nil {
			return AcceptInviteResult{}, errInvitePassword()
		}
	}

	join, err := s.JoinSession(ctx, invite.SessionID, JoinSessionInput{UserID: in.UserID, DisplayName: in.DisplayName})
	if err != nil {
		return AcceptInviteResult{}, err
	}
	if invite.AcceptedAt == nil {
		if err := s.store.MarkInviteAccepted(ctx, token, s.now().UTC()); err != nil {
			log.Printf("app: mark invite %s accepted: %v", token, err)
		}
	}
	return AcceptInviteResult{SessionID: invite.SessionID, Join: join}, nil
}

// PersistAnnotations stores the host's annotation snapshot and mirrors it
// to the object-storage archive when one is configured.
func (s *Service) PersistAnnotations(ctx context.Context, sessionID, token string, payload json.RawMessage) error {
	if _, err := s.hostClaims(sessionID, token); err != nil {
		return err
	}
	if _, err := s.store.GetSession(ctx, sessionID); errors.Is(err, sql.ErrNoRows) {
		return errSessionNotFound()
	} else if err != nil {
		return err
	}

	var annotations []wireAnnotation
	if err := json.Unmarshal(payload, &annotations); err != nil {
		return domainError(400, "INVALID_BODY", "payload must be a list of annotations", nil)
	}
	for _, a := range annotations {
		if a.ID == "" || (a.Kind != protocol.KindStroke && a.Kind != protocol.KindText) {
			return domainError(400, "INVALID_BODY", "each annotation needs an id and a stroke or text kind", nil)
		}
	}

	canonical, err := json.Marshal(annotations)
	if err != nil {
		return fmt.Errorf("marshal annotations: %w", err)
	}
	if err := s.store.SaveAnnotations(ctx, sessionID, canonical, s.now().UTC()); err != nil {
		return err
	}
	if s.snapshots != nil {
		if err := s.snapshots.Put(ctx, sessionID, canonical); err != nil {
			log.Printf("app: archive annotations for %s: %v", sessionID, err)
		}
	}
	return nil
}

type AnnotationsResult struct {
	SessionID   string           `json:"sessionId"`
	SavedAt     *time.Time       `json:"savedAt,omitempty"`
	Annotations []wireAnnotation `json:"annotations"`
}

// GetAnnotations returns the last persisted annotation snapshot.
func (s *Service) GetAnnotations(ctx context.Context, sessionID string) (AnnotationsResult, error) {
	if _, err := s.store.GetSession(ctx, sessionID); errors.Is(err, sql.ErrNoRows) {
		return AnnotationsResult{}, errSessionNotFound()
	} else if err != nil {
		return AnnotationsResult{}, err
	}

	result := AnnotationsResult{SessionID: sessionID, Annotations: []wireAnnotation{}}
	payload, savedAt, err := s.store.GetAnnotations(ctx, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		// No row in Postgres; an archived copy may still exist from before
		// a restore. The archive is authoritative only as a fallback.
		if s.snapshots == nil {
			return result, nil
		}
		archived, archiveErr := s.snapshots.Get(ctx, sessionID)
		if archiveErr != nil || len(archived) == 0 {
			return result, nil
		}
		if err := json.Unmarshal(archived, &result.Annotations); err != nil {
			log.Printf("app: corrupt archived snapshot for %s: %v", sessionID, err)
			result.Annotations = []wireAnnotation{}
			return result, nil
		}
		if at, statErr := s.snapshots.Stat(ctx, sessionID); statErr == nil {
			result.SavedAt = &at
		}
		return result, nil
	}
	if err != nil {
		return AnnotationsResult{}, err
	}
	if err := json.Unmarshal(payload, &result.Annotations); err != nil {
		return AnnotationsResult{}, fmt.Errorf("decode annotation snapshot: %w", err)
	}
	result.SavedAt = &savedAt
	return result, nil
}

// ExportTranscript renders the session transcript in the requested format.
func (s *Service) ExportTranscript(ctx context.Context, sessionID string, format export.Format, includeRoster bool) (*export.Result, error) {
	if _, err := s.store.GetSession(ctx, sessionID); errors.Is(err, sql.ErrNoRows) {
		return nil, errSessionNotFound()
	} else if err != nil {
		return nil, err
	}
	return s.export.Export(ctx, export.Request{
		SessionID:     sessionID,
		Format:        format,
		IncludeRoster: includeRoster,
	})
}

// exportStore adapts dataStore to the export package's interface.
type exportStore struct {
	store dataStore
}

func (e *exportStore) GetSessionInfo(ctx context.Context, id string) (export.SessionInfo, error) {
	session, err := e.store.GetSession(ctx, id)
	if err != nil {
		return export.SessionInfo{}, err
	}
	return export.SessionInfo{
		ID:        session.ID,
		HostName:  session.HostDisplayName,
		ProductID: session.ProductID,
		Status:    session.Status,
		CreatedAt: session.CreatedAt,
		EndedAt:   session.EndedAt,
	}, nil
}

func (e *exportStore) ListRoster(ctx context.Context, sessionID string) ([]export.ParticipantInfo, error) {
	participants, err := e.store.ListParticipants(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	roster := make([]export.ParticipantInfo, 0, len(participants))
	for _, p := range participants {
		roster = append(roster, export.ParticipantInfo{
			Name:     p.DisplayName,
			Role:     p.Role,
			JoinedAt: p.JoinedAt,
		})
	}
	return roster, nil
}

func (e *exportStore) ListTranscript(ctx context.Context, sessionID string) ([]export.MessageInfo, error) {
	messages, err := e.store.ListChatMessages(ctx, sessionID, 10000)
	if err != nil {
		return nil, err
	}
	transcript := make([]export.MessageInfo, 0, len(messages))
	for _, m := range messages {
		transcript = append(transcript, export.MessageInfo{
			Author: m.DisplayName,
			Body:   m.Body,
			SentAt: m.SentAt,
		})
	}
	return transcript, nil
}
