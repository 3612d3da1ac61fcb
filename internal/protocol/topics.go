package protocol

import "strings"

const (
	topicPrefix   = "showroom:sess:"
	sessionPrefix = "showroom:session:"
)

// SessionKey is the live-session registry key the server maintains while a
// session is active. The channel handshake checks it to reject unknown or
// ended session ids.
func SessionKey(sessionID string) string {
	return sessionPrefix + sessionID
}

// Topic names the delivery channel for one envelope type within one session.
func Topic(sessionID string, t Type) string {
	return topicPrefix + sessionID + ":" + string(t)
}

// SessionPattern matches every topic of one session, for pattern subscribers.
func SessionPattern(sessionID string) string {
	return topicPrefix + sessionID + ":*"
}

// AllSessionsPattern matches every session topic, used by the recorder.
func AllSessionsPattern() string {
	return topicPrefix + "*"
}

// ParseTopic splits a topic back into session id and envelope type. ok is
// false for names outside the session namespace.
func ParseTopic(topic string) (sessionID string, t Type, ok bool) {
	rest, found := strings.CutPrefix(topic, topicPrefix)
	if !found {
		return "", "", false
	}
	idx := strings.LastIndex(rest, ":")
	if idx <= 0 {
		return "", "", false
	}
	sessionID = rest[:idx]
	t = Type(rest[idx+1:])
	if _, known := knownTypes[t]; !known {
		return "", "", false
	}
	return sessionID, t, true
}
