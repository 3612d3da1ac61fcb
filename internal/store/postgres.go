package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *Postgres) InsertSession(ctx context.Context, s Session) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO sessions (id, host_user_id, host_display_name, product_id, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, s.ID, s.HostUserID, s.HostDisplayName, s.ProductID, s.Status, s.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (p *Postgres) GetSession(ctx context.Context, id string) (Session, error) {
	var s Session
	err := p.db.QueryRowContext(ctx, `
		SELECT id, host_user_id, host_display_name, product_id, status, created_at, ended_at
		FROM sessions WHERE id = $1
	`, id).Scan(&s.ID, &s.HostUserID, &s.HostDisplayName, &s.ProductID, &s.Status, &s.CreatedAt, &s.EndedAt)
	if err != nil {
		return Session{}, err
	}
	return s, nil
}

func (p *Postgres) EndSession(ctx context.Context, id string, endedAt time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE sessions SET status = $1, ended_at = $2 WHERE id = $3 AND status <> $1
	`, SessionStatusEnded, endedAt, id)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (p *Postgres) UpdateSessionProduct(ctx context.Context, id, productID string) error {
	_, err := p.db.ExecContext(ctx, `UPDATE sessions SET product_id = $1 WHERE id = $2`, productID, id)
	if err != nil {
		return fmt.Errorf("update session product: %w", err)
	}
	return nil
}

func (p *Postgres) UpsertParticipant(ctx context.Context, participant Participant) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO participants (session_id, user_id, display_name, role, status, joined_at, last_seen_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (session_id, user_id) DO UPDATE
		SET display_name = EXCLUDED.display_name,
		    status = EXCLUDED.status,
		    last_seen_at = EXCLUDED.last_seen_at
	`, participant.SessionID, participant.UserID, participant.DisplayName, participant.Role, participant.Status, participant.JoinedAt)
	if err != nil {
		return fmt.Errorf("upsert participant: %w", err)
	}
	return nil
}

func (p *Postgres) MarkParticipantOffline(ctx context.Context, sessionID string, userID int64, at time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE participants SET status = 'offline', last_seen_at = $1
		WHERE session_id = $2 AND user_id = $3
	`, at, sessionID, userID)
	if err != nil {
		return fmt.Errorf("mark participant offline: %w", err)
	}
	return nil
}

func (p *Postgres) ListParticipants(ctx context.Context, sessionID string) ([]Participant, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT session_id, user_id, display_name, role, status, joined_at, last_seen_at
		FROM participants WHERE session_id = $1
		ORDER BY (role = 'host') DESC, joined_at ASC, user_id ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	var participants []Participant
	for rows.Next() {
		var participant Participant
		if err := rows.Scan(&participant.SessionID, &participant.UserID, &participant.DisplayName,
			&participant.Role, &participant.Status, &participant.JoinedAt, &participant.LastSeenAt); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		participants = append(participants, participant)
	}
	return participants, rows.Err()
}

func (p *Postgres) InsertChatMessage(ctx context.Context, m ChatMessage) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO chat_messages (id, session_id, user_id, display_name, body, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`, m.ID, m.SessionID, m.UserID, m.DisplayName, m.Body, m.SentAt)
	if err != nil {
		return fmt.Errorf("insert chat message: %w", err)
	}
	return nil
}

// ListChatMessages returns up to limit messages in transcript order.
// Message ids are ULIDs, so lexical order on id is send-time order.
func (p *Postgres) ListChatMessages(ctx context.Context, sessionID string, limit int) ([]ChatMessage, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, session_id, user_id, display_name, body, sent_at
		FROM chat_messages WHERE session_id = $1
		ORDER BY id ASC
		LIMIT $2
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list chat messages: %w", err)
	}
	defer rows.Close()

	var messages []ChatMessage
	for rows.Next() {
		var m ChatMessage
		if err := rows.Scan(&m.ID, &m.SessionID, &m.UserID, &m.DisplayName, &m.Body, &m.SentAt); err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (p *Postgres) CreateInvite(ctx context.Context, invite Invite) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO invites (token, session_id, email, password_hash, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, invite.Token, invite.SessionID, invite.Email, invite.PasswordHash, invite.CreatedAt, invite.ExpiresAt)
	if err != nil {
		return fmt.Errorf("create invite: %w", err)
	}
	return nil
}

func (p *Postgres) GetInvite(ctx context.Context, token string) (Invite, error) {
	var invite Invite
	err := p.db.QueryRowContext(ctx, `
		SELECT token, session_id, email, password_hash, created_at, expires_at, accepted_at
		FROM invites WHERE token = $1
	`, token).Scan(&invite.Token, &invite.SessionID, &invite.Email, &invite.PasswordHash,
		&invite.CreatedAt, &invite.ExpiresAt, &invite.AcceptedAt)
	if err != nil {
		return Invite{}, err
	}
	return invite, nil
}

func (p *Postgres) MarkInviteAccepted(ctx context.Context, token string, at time.Time) error {
	_, err := p.db.ExecContext(ctx, `UPDATE invites SET accepted_at = $1 WHERE token = $2`, at, token)
	if err != nil {
		return fmt.Errorf("mark invite accepted: %w", err)
	}
	return nil
}

func (p *Postgres) SaveAnnotations(ctx context.Context, sessionID string, payload []byte, at time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO session_annotations (session_id, payload, saved_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (session_id) DO UPDATE SET payload = EXCLUDED.payload, saved_at = EXCLUDED.saved_at
	`, sessionID, payload, at)
	if err != nil {
		return fmt.Errorf("save annotations: %w", err)
	}
	return nil
}

func (p *Postgres) GetAnnotations(ctx context.Context, sessionID string) ([]byte, time.Time, error) {
	var payload []byte
	var savedAt time.Time
	err := p.db.QueryRowContext(ctx, `
		SELECT payload, saved_at FROM session_annotations WHERE session_id = $1
	`, sessionID).Scan(&payload, &savedAt)
	if err != nil {
		return nil, time.Time{}, err
	}
	return payload, savedAt, nil
}

func (p *Postgres) GetSessionCounts(ctx context.Context, sessionID string) (SessionCounts, error) {
	var counts SessionCounts
	err := p.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM participants WHERE session_id = $1),
			(SELECT COUNT(*) FROM chat_messages WHERE session_id = $1)
	`, sessionID).Scan(&counts.Participants, &counts.Messages)
	if err != nil {
		return SessionCounts{}, fmt.Errorf("session counts: %w", err)
	}
	return counts, nil
}
