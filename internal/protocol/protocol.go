// Package protocol defines the wire envelope exchanged over a session's
// realtime topics and the codec that moves it to and from bytes.
package protocol

import (
	"encoding/json"
	"strings"
	"time"
)

// Type identifies the kind of envelope and, by convention, the topic it
// travels on.
type Type string

const (
	TypeJoin          Type = "join"
	TypeLeave         Type = "leave"
	TypeChat          Type = "chat"
	TypeAnnotation    Type = "annotation"
	TypeProductChange Type = "productChange"
	TypeExperience    Type = "experience"
)

var knownTypes = map[Type]struct{}{
	TypeJoin:          {},
	TypeLeave:         {},
	TypeChat:          {},
	TypeAnnotation:    {},
	TypeProductChange: {},
	TypeExperience:    {},
}

// Types lists every envelope type, in topic-subscription order.
func Types() []Type {
	return []Type{TypeJoin, TypeLeave, TypeChat, TypeAnnotation, TypeProductChange, TypeExperience}
}

// Envelope is one discrete protocol message. Payload holds the typed payload
// struct for the envelope's Type after a successful Decode.
type Envelope struct {
	Type        Type
	SessionID   string
	UserID      int64
	DisplayName string
	SentAt      time.Time
	Payload     any
}

// ChatPayload carries one chat message. The sender assigns the id so
// every peer and the transcript recorder store the message under the
// same key.
type ChatPayload struct {
	ID      string `json:"id,omitempty"`
	Message string `json:"message"`
}

type JoinPayload struct{}

type LeavePayload struct{}

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// AnnotationKind distinguishes drawn strokes, text labels, and the broadcast
// clear action, which rides the annotation topic as its own payload kind.
type AnnotationKind string

const (
	KindStroke AnnotationKind = "stroke"
	KindText   AnnotationKind = "text"
	KindClear  AnnotationKind = "clear"
)

type AnnotationPayload struct {
	ID          string         `json:"id"`
	Kind        AnnotationKind `json:"kind"`
	Points      []Point        `json:"points,omitempty"`
	Text        string         `json:"text,omitempty"`
	Color       string         `json:"color,omitempty"`
	StrokeWidth float64        `json:"strokeWidth,omitempty"`
	Anchor      Point          `json:"anchor"`
}

type ProductChangePayload struct {
	ProductID string `json:"productId"`
}

type ExperiencePayload struct {
	ExperienceType string          `json:"experienceType"`
	ExperienceData json.RawMessage `json:"experienceData,omitempty"`
}

type wireEnvelope struct {
	Type        Type            `json:"type"`
	SessionID   string          `json:"sessionId"`
	UserID      int64           `json:"userId"`
	DisplayName string          `json:"displayName"`
	SentAt      time.Time       `json:"sentAt"`
	Payload     json.RawMessage `json:"payload"`
}

// Encode serializes an envelope to wire bytes. The payload must match the
// envelope's type; a mismatch is reported as a DecodeError since it is the
// same contract violated from the other side.
func Encode(env Envelope) ([]byte, error) {
	if _, ok := knownTypes[env.Type]; !ok {
		return nil, &DecodeError{Reason: ReasonUnknownType, Detail: string(env.Type)}
	}
	if strings.TrimSpace(env.SessionID) == "" {
		return nil, &DecodeError{Reason: ReasonMissingSession}
	}

	payload, err := json.Marshal(payloadOrEmpty(env))
	if err != nil {
		return nil, &DecodeError{Reason: ReasonBadPayload, Detail: err.Error()}
	}

	return json.Marshal(wireEnvelope{
		Type:        env.Type,
		SessionID:   env.SessionID,
		UserID:      env.UserID,
		DisplayName: env.DisplayName,
		SentAt:      env.SentAt,
		Payload:     payload,
	})
}

func payloadOrEmpty(env Envelope) any {
	if env.Payload != nil {
		return env.Payload
	}
	switch env.Type {
	case TypeJoin:
		return JoinPayload{}
	case TypeLeave:
		return LeavePayload{}
	default:
		return struct{}{}
	}
}

// Decode parses wire bytes into an envelope, validating the payload shape for
// the envelope's type. It returns a *DecodeError for any malformed input and
// never panics past this boundary.
func Decode(data []byte) (Envelope, error) {
	var wire wireEnvelope
	if err := json.Unmarshal(data, &wire); err != nil {
		return Envelope{}, &DecodeError{Reason: ReasonBadJSON, Detail: err.Error()}
	}
	if _, ok := knownTypes[wire.Type]; !ok {
		return Envelope{}, &DecodeError{Reason: ReasonUnknownType, Detail: string(wire.Type)}
	}
	if strings.TrimSpace(wire.SessionID) == "" {
		return Envelope{}, &DecodeError{Reason: ReasonMissingSession}
	}

	env := Envelope{
		Type:        wire.Type,
		SessionID:   wire.SessionID,
		UserID:      wire.UserID,
		DisplayName: wire.DisplayName,
		SentAt:      wire.SentAt,
	}

	payload, err := decodePayload(wire.Type, wire.Payload)
	if err != nil {
		return Envelope{}, err
	}
	env.Payload = payload
	return env, nil
}

func decodePayload(t Type, raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}

	switch t {
	case TypeJoin:
		var p JoinPayload
		if err := strictUnmarshal(raw, &p); err != nil {
			return nil, err
		}
		return p, nil
	case TypeLeave:
		var p LeavePayload
		if err := strictUnmarshal(raw, &p); err != nil {
			return nil, err
		}
		return p, nil
	case TypeChat:
		var p ChatPayload
		if err := strictUnmarshal(raw, &p); err != nil {
			return nil, err
		}
		if p.Message == "" {
			return nil, &DecodeError{Reason: ReasonBadPayload, Detail: "chat message is empty"}
		}
		return p, nil
	case TypeAnnotation:
		var p AnnotationPayload
		if err := strictUnmarshal(raw, &p); err != nil {
			return nil, err
		}
		if err := validateAnnotation(p); err != nil {
			return nil, err
		}
		return p, nil
	case TypeProductChange:
		var p ProductChangePayload
		if err := strictUnmarshal(raw, &p); err != nil {
			return nil, err
		}
		if strings.TrimSpace(p.ProductID) == "" {
			return nil, &DecodeError{Reason: ReasonBadPayload, Detail: "productChange requires productId"}
		}
		return p, nil
	case TypeExperience:
		var p ExperiencePayload
		if err := strictUnmarshal(raw, &p); err != nil {
			return nil, err
		}
		if strings.TrimSpace(p.ExperienceType) == "" {
			return nil, &DecodeError{Reason: ReasonBadPayload, Detail: "experience requires experienceType"}
		}
		return p, nil
	}
	return nil, &DecodeError{Reason: ReasonUnknownType, Detail: string(t)}
}

func validateAnnotation(p AnnotationPayload) error {
	if strings.TrimSpace(p.ID) == "" {
		return &DecodeError{Reason: ReasonBadPayload, Detail: "annotation requires id"}
	}
	switch p.Kind {
	case KindStroke:
		if len(p.Points) == 0 {
			return &DecodeError{Reason: ReasonBadPayload, Detail: "stroke annotation requires points"}
		}
	case KindText:
		if p.Text == "" {
			return &DecodeError{Reason: ReasonBadPayload, Detail: "text annotation requires text"}
		}
	case KindClear:
		// No body beyond the id.
	default:
		return &DecodeError{Reason: ReasonBadPayload, Detail: "unknown annotation kind: " + string(p.Kind)}
	}
	return nil
}

func strictUnmarshal(raw json.RawMessage, target any) error {
	if err := json.Unmarshal(raw, target); err != nil {
		return &DecodeError{Reason: ReasonBadPayload, Detail: err.Error()}
	}
	return nil
}
