package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"showroom/api/internal/auth"
	"showroom/api/internal/config"
	"showroom/api/internal/export"
	"showroom/api/internal/livestate"
	"showroom/api/internal/store"
)

type fakeStore struct {
	pingFn               func(context.Context) error
	insertSessionFn      func(context.Context, store.Session) error
	getSessionFn         func(context.Context, string) (store.Session, error)
	endSessionFn         func(context.Context, string, time.Time) error
	updateProductFn      func(context.Context, string, string) error
	upsertParticipantFn  func(context.Context, store.Participant) error
	listParticipantsFn   func(context.Context, string) ([]store.Participant, error)
	listChatMessagesFn   func(context.Context, string, int) ([]store.ChatMessage, error)
	createInviteFn       func(context.Context, store.Invite) error
	getInviteFn          func(context.Context, string) (store.Invite, error)
	markInviteAcceptedFn func(context.Context, string, time.Time) error
	saveAnnotationsFn    func(context.Context, string, []byte, time.Time) error
	getAnnotationsFn     func(context.Context, string) ([]byte, time.Time, error)
	sessionCountsFn      func(context.Context, string) (store.SessionCounts, error)
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}
func (f *fakeStore) InsertSession(ctx context.Context, s store.Session) error {
	if f.insertSessionFn != nil {
		return f.insertSessionFn(ctx, s)
	}
	return nil
}
func (f *fakeStore) GetSession(ctx context.Context, id string) (store.Session, error) {
	if f.getSessionFn != nil {
		return f.getSessionFn(ctx, id)
	}
	return store.Session{}, sql.ErrNoRows
}
func (f *fakeStore) EndSession(ctx context.Context, id string, endedAt time.Time) error {
	if f.endSessionFn != nil {
		return f.endSessionFn(ctx, id, endedAt)
	}
	return nil
}
func (f *fakeStore) UpdateSessionProduct(ctx context.Context, id, productID string) error {
	if f.updateProductFn != nil {
		return f.updateProductFn(ctx, id, productID)
	}
	return nil
}
func (f *fakeStore) UpsertParticipant(ctx context.Context, p store.Participant) error {
	if f.upsertParticipantFn != nil {
		return f.upsertParticipantFn(ctx, p)
	}
	return nil
}
func (f *fakeStore) ListParticipants(ctx context.Context, sessionID string) ([]store.Participant, error) {
	if f.listParticipantsFn != nil {
		return f.listParticipantsFn(ctx, sessionID)
	}
	return nil, nil
}
func (f *fakeStore) ListChatMessages(ctx context.Context, sessionID string, limit int) ([]store.ChatMessage, error) {
	if f.listChatMessagesFn != nil {
		return f.listChatMessagesFn(ctx, sessionID, limit)
	}
	return nil, nil
}
func (f *fakeStore) CreateInvite(ctx context.Context, invite store.Invite) error {
	if f.createInviteFn != nil {
		return f.createInviteFn(ctx, invite)
	}
	return nil
}
func (f *fakeStore) GetInvite(ctx context.Context, token string) (store.Invite, error) {
	if f.getInviteFn != nil {
		return f.getInviteFn(ctx, token)
	}
	return store.Invite{}, sql.ErrNoRows
}
func (f *fakeStore) MarkInviteAccepted(ctx context.Context, token string, at time.Time) error {
	if f.markInviteAcceptedFn != nil {
		return f.markInviteAcceptedFn(ctx, token, at)
	}
	return nil
}
func (f *fakeStore) SaveAnnotations(ctx context.Context, sessionID string, payload []byte, at time.Time) error {
	if f.saveAnnotationsFn != nil {
		return f.saveAnnotationsFn(ctx, sessionID, payload, at)
	}
	return nil
}
func (f *fakeStore) GetAnnotations(ctx context.Context, sessionID string) ([]byte, time.Time, error) {
	if f.getAnnotationsFn != nil {
		return f.getAnnotationsFn(ctx, sessionID)
	}
	return nil, time.Time{}, sql.ErrNoRows
}
func (f *fakeStore) GetSessionCounts(ctx context.Context, sessionID string) (store.SessionCounts, error) {
	if f.sessionCountsFn != nil {
		return f.sessionCountsFn(ctx, sessionID)
	}
	return store.SessionCounts{}, nil
}

type fakeLive struct {
	registerFn   func(context.Context, livestate.LiveSession) error
	isLiveFn     func(context.Context, string) (bool, error)
	setProductFn func(context.Context, string, string) error
	touchFn      func(context.Context, string) error
	endFn        func(context.Context, string) error
	pingFn       func(context.Context) error
}

func (f *fakeLive) Register(ctx context.Context, live livestate.LiveSession) error {
	if f.registerFn != nil {
		return f.registerFn(ctx, live)
	}
	return nil
}
func (f *fakeLive) IsLive(ctx context.Context, sessionID string) (bool, error) {
	if f.isLiveFn != nil {
		return f.isLiveFn(ctx, sessionID)
	}
	return true, nil
}
func (f *fakeLive) SetProduct(ctx context.Context, sessionID, productID string) error {
	if f.setProductFn != nil {
		return f.setProductFn(ctx, sessionID, productID)
	}
	return nil
}
func (f *fakeLive) Touch(ctx context.Context, sessionID string) error {
	if f.touchFn != nil {
		return f.touchFn(ctx, sessionID)
	}
	return nil
}
func (f *fakeLive) End(ctx context.Context, sessionID string) error {
	if f.endFn != nil {
		return f.endFn(ctx, sessionID)
	}
	return nil
}
func (f *fakeLive) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func testConfig() config.Config {
	return config.Config{
		JWTSecret:   "test-secret",
		SessionTTL:  time.Hour,
		HistoryTail: 200,
	}
}

func newTestService(fs *fakeStore, fl *fakeLive) *Service {
	svc := &Service{
		cfg:   testConfig(),
		store: fs,
		live:  fl,
		now:   time.Now,
	}
	svc.export = export.NewService(&exportStore{store: fs})
	return svc
}

func activeSession(id string) store.Session {
	return store.Session{
		ID:              id,
		HostUserID:      7,
		HostDisplayName: "Avery",
		ProductID:       "P42",
		Status:          store.SessionStatusActive,
		CreatedAt:       time.Now().UTC(),
	}
}

func hostTokenFor(t *testing.T, svc *Service, sessionID string) string {
	t.Helper()
	token, err := auth.IssueToken([]byte(svc.cfg.JWTSecret), auth.Claims{
		UserID:    7,
		Name:      "Avery",
		Role:      store.RoleHost,
		SessionID: sessionID,
		JTI:       "jti-test",
		Exp:       time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func domainCode(t *testing.T, err error) string {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	return domainErr.Code
}

func TestCreateSessionIssuesHostToken(t *testing.T) {
	var inserted store.Session
	var participant store.Participant
	var registered livestate.LiveSession

	fs := &fakeStore{
		insertSessionFn: func(ctx context.Context, s store.Session) error {
			inserted = s
			return nil
		},
		upsertParticipantFn: func(ctx context.Context, p store.Participant) error {
			participant = p
			return nil
		},
	}
	fl := &fakeLive{
		registerFn: func(ctx context.Context, live livestate.LiveSession) error {
			registered = live
			return nil
		},
	}
	svc := newTestService(fs, fl)

	result, err := svc.CreateSession(context.Background(), CreateSessionInput{
		HostUserID: 7, DisplayName: "Avery", ProductID: "P42",
	})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	if !strings.HasPrefix(result.SessionID, "sess_") {
		t.Errorf("unexpected session id %s", result.SessionID)
	}
	if inserted.Status != store.SessionStatusActive || inserted.ProductID != "P42" {
		t.Errorf("unexpected inserted session: %+v", inserted)
	}
	if participant.Role != store.RoleHost || participant.UserID != 7 {
		t.Errorf("expected host participant row, got %+v", participant)
	}
	if registered.SessionID != result.SessionID {
		t.Errorf("expected live registration for %s, got %+v", result.SessionID, registered)
	}

	claims, err := auth.ParseToken([]byte(svc.cfg.JWTSecret), result.HostToken)
	if err != nil {
		t.Fatalf("host token does not parse: %v", err)
	}
	if claims.Role != store.RoleHost || claims.SessionID != result.SessionID || claims.UserID != 7 {
		t.Errorf("unexpected claims: %+v", claims)
	}
}

func TestCreateSessionValidatesInput(t *testing.T) {
	svc := newTestService(&fakeStore{}, &fakeLive{})

	_, err := svc.CreateSession(context.Background(), CreateSessionInput{DisplayName: "Avery"})
	if code := domainCode(t, err); code != "INVALID_BODY" {
		t.Errorf("expected INVALID_BODY, got %s", code)
	}
	_, err = svc.CreateSession(context.Background(), CreateSessionInput{HostUserID: 7})
	if code := domainCode(t, err); code != "INVALID_BODY" {
		t.Errorf("expected INVALID_BODY, got %s", code)
	}
}

func TestJoinSessionRejections(t *testing.T) {
	t.Run("unknown session", func(t *testing.T) {
		svc := newTestService(&fakeStore{}, &fakeLive{})
		_, err := svc.JoinSession(context.Background(), "sess_missing", JoinSessionInput{UserID: 9, DisplayName: "Blair"})
		if code := domainCode(t, err); code != "SESSION_NOT_FOUND" {
			t.Errorf("expected SESSION_NOT_FOUND, got %s", code)
		}
	})

	t.Run("ended session", func(t *testing.T) {
		fs := &fakeStore{
			getSessionFn: func(ctx context.Context, id string) (store.Session, error) {
				s := activeSession(id)
				s.Status = store.SessionStatusEnded
				return s, nil
			},
		}
		svc := newTestService(fs, &fakeLive{})
		_, err := svc.JoinSession(context.Background(), "sess_abc", JoinSessionInput{UserID: 9, DisplayName: "Blair"})
		if code := domainCode(t, err); code != "SESSION_ENDED" {
			t.Errorf("expected SESSION_ENDED, got %s", code)
		}
	})

	t.Run("expired live key", func(t *testing.T) {
		fs := &fakeStore{
			getSessionFn: func(ctx context.Context, id string) (store.Session, error) {
				return activeSession(id), nil
			},
		}
		fl := &fakeLive{
			isLiveFn: func(ctx context.Context, sessionID string) (bool, error) { return false, nil },
		}
		svc := newTestService(fs, fl)
		_, err := svc.JoinSession(context.Background(), "sess_abc", JoinSessionInput{UserID: 9, DisplayName: "Blair"})
		if code := domainCode(t, err); code != "SESSION_ENDED" {
			t.Errorf("expected SESSION_ENDED, got %s", code)
		}
	})
}

func TestJoinSessionReturnsRoster(t *testing.T) {
	joined := time.Now().UTC()
	fs := &fakeStore{
		getSessionFn: func(ctx context.Context, id string) (store.Session, error) {
			return activeSession(id), nil
		},
		listParticipantsFn: func(ctx context.Context, sessionID string) ([]store.Participant, error) {
			return []store.Participant{
				{SessionID: sessionID, UserID: 7, DisplayName: "Avery", Role: store.RoleHost, Status: "online", JoinedAt: joined},
				{SessionID: sessionID, UserID: 9, DisplayName: "Blair", Role: store.RoleMember, Status: "online", JoinedAt: joined},
			}, nil
		},
	}
	svc := newTestService(fs, &fakeLive{})

	result, err := svc.JoinSession(context.Background(), "sess_abc", JoinSessionInput{UserID: 9, DisplayName: "Blair"})
	if err != nil {
		t.Fatalf("JoinSession failed: %v", err)
	}
	if !result.Accepted || result.HostUserID != 7 || result.ProductID != "P42" {
		t.Errorf("unexpected join result: %+v", result)
	}
	if len(result.Roster) != 2 || result.Roster[0].Role != store.RoleHost {
		t.Errorf("unexpected roster: %+v", result.Roster)
	}
}

func TestEndSessionIsHostOnly(t *testing.T) {
	fs := &fakeStore{
		getSessionFn: func(ctx context.Context, id string) (store.Session, error) {
			return activeSession(id), nil
		},
	}
	svc := newTestService(fs, &fakeLive{})

	if err := svc.EndSession(context.Background(), "sess_abc", "garbage"); domainCode(t, err) != "NOT_HOST" {
		t.Error("expected NOT_HOST for a garbage token")
	}

	otherToken := hostTokenFor(t, svc, "sess_other")
	if err := svc.EndSession(context.Background(), "sess_abc", otherToken); domainCode(t, err) != "NOT_HOST" {
		t.Error("expected NOT_HOST for a token bound to another session")
	}
}

func TestEndSessionEndsAndDropsLiveKey(t *testing.T) {
	ended := false
	liveEnded := false
	fs := &fakeStore{
		getSessionFn: func(ctx context.Context, id string) (store.Session, error) {
			return activeSession(id), nil
		},
		endSessionFn: func(ctx context.Context, id string, at time.Time) error {
			ended = true
			return nil
		},
	}
	fl := &fakeLive{
		endFn: func(ctx context.Context, sessionID string) error {
			liveEnded = true
			return nil
		},
	}
	svc := newTestService(fs, fl)

	token := hostTokenFor(t, svc, "sess_abc")
	if err := svc.EndSession(context.Background(), "sess_abc", token); err != nil {
		t.Fatalf("EndSession failed: %v", err)
	}
	if !ended || !liveEnded {
		t.Errorf("expected both store and live registry to end, got store=%v live=%v", ended, liveEnded)
	}

	// Already-ended sessions end idempotently.
	fs.endSessionFn = func(ctx context.Context, id string, at time.Time) error {
		return sql.ErrNoRows
	}
	if err := svc.EndSession(context.Background(), "sess_abc", token); err != nil {
		t.Fatalf("expected idempotent end, got %v", err)
	}
}

func TestSwitchProductUpdatesStoreAndRegistry(t *testing.T) {
	var storeProduct, liveProduct string
	fs := &fakeStore{
		getSessionFn: func(ctx context.Context, id string) (store.Session, error) {
			return activeSession(id), nil
		},
		updateProductFn: func(ctx context.Context, id, productID string) error {
			storeProduct = productID
			return nil
		},
	}
	fl := &fakeLive{
		setProductFn: func(ctx context.Context, sessionID, productID string) error {
			liveProduct = productID
			return nil
		},
	}
	svc := newTestService(fs, fl)

	token := hostTokenFor(t, svc, "sess_abc")
	if err := svc.SwitchProduct(context.Background(), "sess_abc", token, SwitchProductInput{ProductID: "P99"}); err != nil {
		t.Fatalf("SwitchProduct failed: %v", err)
	}
	if storeProduct != "P99" || liveProduct != "P99" {
		t.Errorf("expected product P99 everywhere, got store=%s live=%s", storeProduct, liveProduct)
	}
}

func TestInviteLifecycle(t *testing.T) {
	var saved store.Invite
	fs := &fakeStore{
		getSessionFn: func(ctx context.Context, id string) (store.Session, error) {
			return activeSession(id), nil
		},
		createInviteFn: func(ctx context.Context, invite store.Invite) error {
			saved = invite
			return nil
		},
	}
	svc := newTestService(fs, &fakeLive{})
	token := hostTokenFor(t, svc, "sess_abc")

	result, err := svc.CreateInvite(context.Background(), "sess_abc", token, CreateInviteInput{
		Email: "blair@example.com", Password: "hunter2",
	})
	if err != nil {
		t.Fatalf("CreateInvite failed: %v", err)
	}
	if !strings.HasPrefix(result.Token, "inv_") || !strings.Contains(result.JoinURL, result.Token) {
		t.Errorf("unexpected invite result: %+v", result)
	}
	if saved.PasswordHash == "" || saved.PasswordHash == "hunter2" {
		t.Error("expected password to be stored hashed")
	}

	fs.getInviteFn = func(ctx context.Context, tok string) (store.Invite, error) {
		if tok != saved.Token {
			return store.Invite{}, sql.ErrNoRows
		}
		return saved, nil
	}

	_, err = svc.AcceptInvite(context.Background(), saved.Token, AcceptInviteInput{
		UserID: 9, DisplayName: "Blair", Password: "wrong",
	})
	if code := domainCode(t, err); code != "INVITE_PASSWORD" {
		t.Errorf("expected INVITE_PASSWORD, got %s", code)
	}

	accepted := false
	fs.markInviteAcceptedFn = func(ctx context.Context, tok string, at time.Time) error {
		accepted = true
		return nil
	}
	joinResult, err := svc.AcceptInvite(context.Background(), saved.Token, AcceptInviteInput{
		UserID: 9, DisplayName: "Blair", Password: "hunter2",
	})
	if err != nil {
		t.Fatalf("AcceptInvite failed: %v", err)
	}
	if joinResult.SessionID != "sess_abc" || !joinResult.Join.Accepted {
		t.Errorf("unexpected accept result: %+v", joinResult)
	}
	if !accepted {
		t.Error("expected invite to be marked accepted")
	}

	_, err = svc.AcceptInvite(context.Background(), "inv_unknown", AcceptInviteInput{UserID: 9, DisplayName: "Blair"})
	if code := domainCode(t, err); code != "INVITE_NOT_FOUND" {
		t.Errorf("expected INVITE_NOT_FOUND, got %s", code)
	}

	saved.ExpiresAt = time.Now().Add(-time.Minute)
	_, err = svc.AcceptInvite(context.Background(), saved.Token, AcceptInviteInput{
		UserID: 9, DisplayName: "Blair", Password: "hunter2",
	})
	if code := domainCode(t, err); code != "INVITE_EXPIRED" {
		t.Errorf("expected INVITE_EXPIRED, got %s", code)
	}
}

func TestPersistAnnotationsValidatesAndStores(t *testing.T) {
	var savedPayload []byte
	fs := &fakeStore{
		getSessionFn: func(ctx context.Context, id string) (store.Session, error) {
			return activeSession(id), nil
		},
		saveAnnotationsFn: func(ctx context.Context, sessionID string, payload []byte, at time.Time) error {
			savedPayload = payload
			return nil
		},
	}
	svc := newTestService(fs, &fakeLive{})
	token := hostTokenFor(t, svc, "sess_abc")

	valid := json.RawMessage(`[{"id":"a1","kind":"stroke","points":[{"x":1,"y":2}],"anchor":{"x":0,"y":0},"authorUserId":7,"authorDisplayName":"Avery","createdAt":"2026-03-14T15:00:00Z"}]`)
	if err := svc.PersistAnnotations(context.Background(), "sess_abc", token, valid); err != nil {
		t.Fatalf("PersistAnnotations failed: %v", err)
	}
	if len(savedPayload) == 0 {
		t.Fatal("expected payload to be stored")
	}

	invalid := json.RawMessage(`[{"kind":"stroke"}]`)
	err := svc.PersistAnnotations(context.Background(), "sess_abc", token, invalid)
	if code := domainCode(t, err); code != "INVALID_BODY" {
		t.Errorf("expected INVALID_BODY for annotation without id, got %s", code)
	}

	err = svc.PersistAnnotations(context.Background(), "sess_abc", token, json.RawMessage(`{"not":"a list"}`))
	if code := domainCode(t, err); code != "INVALID_BODY" {
		t.Errorf("expected INVALID_BODY for non-list payload, got %s", code)
	}

	// Stored snapshot round-trips through GetAnnotations.
	fs.getAnnotationsFn = func(ctx context.Context, sessionID string) ([]byte, time.Time, error) {
		return savedPayload, time.Now().UTC(), nil
	}
	result, err := svc.GetAnnotations(context.Background(), "sess_abc")
	if err != nil {
		t.Fatalf("GetAnnotations failed: %v", err)
	}
	if len(result.Annotations) != 1 || result.Annotations[0].ID != "a1" {
		t.Errorf("unexpected annotations: %+v", result.Annotations)
	}
	if result.SavedAt == nil {
		t.Error("expected savedAt to be set")
	}
}

type fakeArchive struct {
	putFn  func(context.Context, string, []byte) error
	getFn  func(context.Context, string) ([]byte, error)
	statFn func(context.Context, string) (time.Time, error)
}

func (f *fakeArchive) Put(ctx context.Context, sessionID string, payload []byte) error {
	if f.putFn != nil {
		return f.putFn(ctx, sessionID, payload)
	}
	return nil
}
func (f *fakeArchive) Get(ctx context.Context, sessionID string) ([]byte, error) {
	if f.getFn != nil {
		return f.getFn(ctx, sessionID)
	}
	return nil, errors.New("no archived snapshot")
}
func (f *fakeArchive) Stat(ctx context.Context, sessionID string) (time.Time, error) {
	if f.statFn != nil {
		return f.statFn(ctx, sessionID)
	}
	return time.Time{}, errors.New("no archived snapshot")
}

func TestGetAnnotationsFallsBackToArchive(t *testing.T) {
	archivedAt := time.Date(2026, 3, 14, 16, 0, 0, 0, time.UTC)
	fs := &fakeStore{
		getSessionFn: func(ctx context.Context, id string) (store.Session, error) {
			return activeSession(id), nil
		},
	}
	svc := newTestService(fs, &fakeLive{})
	svc.snapshots = &fakeArchive{
		getFn: func(ctx context.Context, sessionID string) ([]byte, error) {
			return []byte(`[{"id":"a1","kind":"text","text":"love it","anchor":{"x":0.4,"y":0.2},"authorUserId":7,"authorDisplayName":"Avery","createdAt":"2026-03-14T15:00:00Z"}]`), nil
		},
		statFn: func(ctx context.Context, sessionID string) (time.Time, error) {
			return archivedAt, nil
		},
	}

	result, err := svc.GetAnnotations(context.Background(), "sess_abc")
	if err != nil {
		t.Fatalf("GetAnnotations failed: %v", err)
	}
	if len(result.Annotations) != 1 || result.Annotations[0].ID != "a1" {
		t.Errorf("expected the archived annotations, got %+v", result.Annotations)
	}
	if result.SavedAt == nil || !result.SavedAt.Equal(archivedAt) {
		t.Errorf("expected savedAt from the archive, got %v", result.SavedAt)
	}
}

func TestPersistAnnotationsMirrorsToArchive(t *testing.T) {
	var archivedSession string
	var archivedPayload []byte
	fs := &fakeStore{
		getSessionFn: func(ctx context.Context, id string) (store.Session, error) {
			return activeSession(id), nil
		},
	}
	svc := newTestService(fs, &fakeLive{})
	svc.snapshots = &fakeArchive{
		putFn: func(ctx context.Context, sessionID string, payload []byte) error {
			archivedSession = sessionID
			archivedPayload = payload
			return nil
		},
	}
	token := hostTokenFor(t, svc, "sess_abc")

	valid := json.RawMessage(`[{"id":"a2","kind":"text","text":"this colorway","anchor":{"x":0.1,"y":0.9},"authorUserId":7,"authorDisplayName":"Avery","createdAt":"2026-03-14T15:00:00Z"}]`)
	if err := svc.PersistAnnotations(context.Background(), "sess_abc", token, valid); err != nil {
		t.Fatalf("PersistAnnotations failed: %v", err)
	}
	if archivedSession != "sess_abc" || len(archivedPayload) == 0 {
		t.Errorf("expected snapshot mirrored to archive, got session %q payload %d bytes", archivedSession, len(archivedPayload))
	}
}

func TestGetAnnotationsEmptyWhenNeverPersisted(t *testing.T) {
	fs := &fakeStore{
		getSessionFn: func(ctx context.Context, id string) (store.Session, error) {
			return activeSession(id), nil
		},
	}
	svc := newTestService(fs, &fakeLive{})

	result, err := svc.GetAnnotations(context.Background(), "sess_abc")
	if err != nil {
		t.Fatalf("GetAnnotations failed: %v", err)
	}
	if len(result.Annotations) != 0 || result.SavedAt != nil {
		t.Errorf("expected empty result, got %+v", result)
	}
}
