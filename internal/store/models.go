package store

import "time"

const (
	SessionStatusActive = "active"
	SessionStatusEnded  = "ended"
)

const (
	RoleHost   = "host"
	RoleMember = "member"
)

type Session struct {
	ID              string     `json:"sessionId"`
	HostUserID      int64      `json:"hostUserId"`
	HostDisplayName string     `json:"hostDisplayName"`
	ProductID       string     `json:"productId"`
	Status          string     `json:"status"`
	CreatedAt       time.Time  `json:"createdAt"`
	EndedAt         *time.Time `json:"endedAt,omitempty"`
}

type Participant struct {
	SessionID   string    `json:"sessionId"`
	UserID      int64     `json:"userId"`
	DisplayName string    `json:"displayName"`
	Role        string    `json:"role"`
	Status      string    `json:"status"`
	JoinedAt    time.Time `json:"joinedAt"`
	LastSeenAt  time.Time `json:"lastSeenAt"`
}

type ChatMessage struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"sessionId"`
	UserID      int64     `json:"userId"`
	DisplayName string    `json:"displayName"`
	Body        string    `json:"body"`
	SentAt      time.Time `json:"sentAt"`
}

type Invite struct {
	Token        string     `json:"token"`
	SessionID    string     `json:"sessionId"`
	Email        string     `json:"email"`
	PasswordHash string     `json:"-"`
	CreatedAt    time.Time  `json:"createdAt"`
	ExpiresAt    time.Time  `json:"expiresAt"`
	AcceptedAt   *time.Time `json:"acceptedAt,omitempty"`
}

type SessionCounts struct {
	Participants int `json:"participants"`
	Messages     int `json:"messages"`
}
