// Package canvas holds the shared annotation state for one session: local
// edits apply optimistically, remote edits merge last-writer-wins, and
// undo/redo reaches local edits only.
package canvas

import (
	"sort"
	"time"

	"showroom/api/internal/protocol"
)

// historyLimit bounds the undo and redo stacks.
const historyLimit = 20

// Annotation is one stored annotation record. Author identity and timestamp
// come from the carrying envelope, the rest from the wire payload.
type Annotation struct {
	ID                string
	Kind              protocol.AnnotationKind
	AuthorUserID      int64
	AuthorDisplayName string
	CreatedAt         time.Time
	Color             string
	StrokeWidth       float64
	Points            []protocol.Point
	Text              string
	Anchor            protocol.Point
}

// FromEnvelope builds an annotation record from an envelope's identity fields
// and its decoded payload.
func FromEnvelope(userID int64, displayName string, sentAt time.Time, p protocol.AnnotationPayload) Annotation {
	return Annotation{
		ID:                p.ID,
		Kind:              p.Kind,
		AuthorUserID:      userID,
		AuthorDisplayName: displayName,
		CreatedAt:         sentAt,
		Color:             p.Color,
		StrokeWidth:       p.StrokeWidth,
		Points:            p.Points,
		Text:              p.Text,
		Anchor:            p.Anchor,
	}
}

// Payload converts a record back to its wire payload shape.
func (a Annotation) Payload() protocol.AnnotationPayload {
	return protocol.AnnotationPayload{
		ID:          a.ID,
		Kind:        a.Kind,
		Points:      a.Points,
		Text:        a.Text,
		Color:       a.Color,
		StrokeWidth: a.StrokeWidth,
		Anchor:      a.Anchor,
	}
}

// Store is the per-session annotation map. It is not safe for concurrent use;
// the session manager serializes access.
type Store struct {
	localUserID int64
	entries     map[string]Annotation
	undo        [][]Annotation
	redo        [][]Annotation
}

func NewStore(localUserID int64) *Store {
	return &Store{
		localUserID: localUserID,
		entries:     make(map[string]Annotation),
	}
}

// ApplyLocal inserts a local annotation optimistically, before any network
// round-trip, and records an undo point.
func (s *Store) ApplyLocal(a Annotation) {
	s.pushUndo()
	s.redo = nil
	s.entries[a.ID] = a
}

// ApplyLocalClear removes every annotation created before sentAt and records
// an undo point for the local author's portion.
func (s *Store) ApplyLocalClear(sentAt time.Time) {
	s.pushUndo()
	s.redo = nil
	s.removeBefore(sentAt)
}

// MergeRemote merges a remote annotation by id: insert when absent, otherwise
// last-writer-wins by CreatedAt with ties broken by the higher author id.
// Applying the same envelope twice leaves the store unchanged.
func (s *Store) MergeRemote(a Annotation) {
	existing, ok := s.entries[a.ID]
	if ok {
		if a.CreatedAt.Before(existing.CreatedAt) {
			return
		}
		if a.CreatedAt.Equal(existing.CreatedAt) && a.AuthorUserID < existing.AuthorUserID {
			return
		}
	}
	s.entries[a.ID] = a
}

// MergeRemoteClear removes entries created strictly before the clear was
// issued, preserving annotations added after it.
func (s *Store) MergeRemoteClear(sentAt time.Time) {
	s.removeBefore(sentAt)
}

func (s *Store) removeBefore(cutoff time.Time) {
	for id, a := range s.entries {
		if a.CreatedAt.Before(cutoff) {
			delete(s.entries, id)
		}
	}
}

// Undo restores the previous snapshot of the local author's annotations.
// Remote entries are untouched and nothing is emitted on the wire. Returns
// false when there is nothing to undo.
func (s *Store) Undo() bool {
	if len(s.undo) == 0 {
		return false
	}
	snapshot := s.undo[len(s.undo)-1]
	s.undo = s.undo[:len(s.undo)-1]
	s.redo = appendBounded(s.redo, s.localSubset())
	s.restoreLocal(snapshot)
	return true
}

// Redo reverses the most recent Undo.
func (s *Store) Redo() bool {
	if len(s.redo) == 0 {
		return false
	}
	snapshot := s.redo[len(s.redo)-1]
	s.redo = s.redo[:len(s.redo)-1]
	s.undo = appendBounded(s.undo, s.localSubset())
	s.restoreLocal(snapshot)
	return true
}

func (s *Store) pushUndo() {
	s.undo = appendBounded(s.undo, s.localSubset())
}

func appendBounded(stack [][]Annotation, snapshot []Annotation) [][]Annotation {
	stack = append(stack, snapshot)
	if len(stack) > historyLimit {
		stack = stack[1:]
	}
	return stack
}

func (s *Store) localSubset() []Annotation {
	var local []Annotation
	for _, a := range s.entries {
		if a.AuthorUserID == s.localUserID {
			local = append(local, a)
		}
	}
	return local
}

func (s *Store) restoreLocal(snapshot []Annotation) {
	for id, a := range s.entries {
		if a.AuthorUserID == s.localUserID {
			delete(s.entries, id)
		}
	}
	for _, a := range snapshot {
		s.entries[a.ID] = a
	}
}

// Get returns the annotation with the given id.
func (s *Store) Get(id string) (Annotation, bool) {
	a, ok := s.entries[id]
	return a, ok
}

func (s *Store) Len() int {
	return len(s.entries)
}

// Snapshot returns every annotation ordered by creation time, then id, so
// renders and persisted archives are deterministic.
func (s *Store) Snapshot() []Annotation {
	out := make([]Annotation, 0, len(s.entries))
	for _, a := range s.entries {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
