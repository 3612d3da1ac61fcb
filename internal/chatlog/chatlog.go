// Package chatlog keeps the append-only, locally-ordered chat sequence for
// one session.
package chatlog

import "time"

// Message is immutable once appended. Order is the order of local receipt;
// there is no global clock across participants.
type Message struct {
	ID          string
	SessionID   string
	UserID      int64
	DisplayName string
	Body        string
	SentAt      time.Time
}

type Log struct {
	messages []Message
}

func New() *Log {
	return &Log{}
}

func (l *Log) Append(m Message) {
	l.messages = append(l.messages, m)
}

// Messages returns a copy of the log in receipt order.
func (l *Log) Messages() []Message {
	out := make([]Message, len(l.messages))
	copy(out, l.messages)
	return out
}

func (l *Log) Len() int {
	return len(l.messages)
}
