package protocol

import "fmt"

// DecodeReason classifies why an envelope failed to decode.
type DecodeReason string

const (
	ReasonBadJSON        DecodeReason = "bad_json"
	ReasonUnknownType    DecodeReason = "unknown_type"
	ReasonMissingSession DecodeReason = "missing_session"
	ReasonBadPayload     DecodeReason = "bad_payload"
)

// DecodeError reports a malformed envelope. It is the only error type Decode
// returns; callers log and drop, they never crash on it.
type DecodeError struct {
	Reason DecodeReason
	Detail string
}

func (e *DecodeError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("decode envelope: %s", e.Reason)
	}
	return fmt.Sprintf("decode envelope: %s: %s", e.Reason, e.Detail)
}
