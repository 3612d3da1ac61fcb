package app

import (
	"time"

	"showroom/api/internal/protocol"
	"showroom/api/internal/store"
)

// Wire shapes shared by the snapshot, join, and history responses.

type wireSession struct {
	ID         string    `json:"id"`
	HostUserID int64     `json:"hostUserId"`
	ProductID  string    `json:"productId"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

type wireParticipant struct {
	UserID      int64     `json:"userId"`
	DisplayName string    `json:"displayName"`
	AvatarRef   string    `json:"avatarRef,omitempty"`
	Role        string    `json:"role"`
	Status      string    `json:"status"`
	JoinedAt    time.Time `json:"joinedAt"`
	LastSeenAt  time.Time `json:"lastSeenAt"`
}

type wireMessage struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"sessionId"`
	UserID      int64     `json:"userId"`
	DisplayName string    `json:"displayName"`
	Body        string    `json:"body"`
	SentAt      time.Time `json:"sentAt"`
}

type wireAnnotation struct {
	protocol.AnnotationPayload
	AuthorUserID      int64     `json:"authorUserId"`
	AuthorDisplayName string    `json:"authorDisplayName"`
	CreatedAt         time.Time `json:"createdAt"`
}

func toWireSession(s store.Session) wireSession {
	updated := s.CreatedAt
	if s.EndedAt != nil {
		updated = *s.EndedAt
	}
	return wireSession{
		ID:         s.ID,
		HostUserID: s.HostUserID,
		ProductID:  s.ProductID,
		Status:     s.Status,
		CreatedAt:  s.CreatedAt,
		UpdatedAt:  updated,
	}
}

func toWireParticipants(participants []store.Participant) []wireParticipant {
	out := make([]wireParticipant, 0, len(participants))
	for _, p := range participants {
		out = append(out, wireParticipant{
			UserID:      p.UserID,
			DisplayName: p.DisplayName,
			Role:        p.Role,
			Status:      p.Status,
			JoinedAt:    p.JoinedAt,
			LastSeenAt:  p.LastSeenAt,
		})
	}
	return out
}

func toWireMessages(messages []store.ChatMessage) []wireMessage {
	out := make([]wireMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, wireMessage{
			ID:          m.ID,
			SessionID:   m.SessionID,
			UserID:      m.UserID,
			DisplayName: m.DisplayName,
			Body:        m.Body,
			SentAt:      m.SentAt,
		})
	}
	return out
}
