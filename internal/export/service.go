package export

import (
	"context"
	"fmt"
)

// DataStore defines the interface for data access
type DataStore interface {
	GetSessionInfo(ctx context.Context, id string) (SessionInfo, error)
	ListRoster(ctx context.Context, sessionID string) ([]ParticipantInfo, error)
	ListTranscript(ctx context.Context, sessionID string) ([]MessageInfo, error)
}

// Service provides transcript export functionality
type Service struct {
	store DataStore
}

// NewService creates a new export service
func NewService(store DataStore) *Service {
	return &Service{store: store}
}

// Export generates a transcript export in the requested format
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	info, err := s.store.GetSessionInfo(ctx, req.SessionID)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	messages, err := s.store.ListTranscript(ctx, req.SessionID)
	if err != nil {
		return nil, fmt.Errorf("list transcript: %w", err)
	}

	data := TemplateData{
		Session:  info,
		Messages: messages,
	}

	if req.IncludeRoster {
		roster, err := s.store.ListRoster(ctx, req.SessionID)
		if err != nil {
			return nil, fmt.Errorf("list roster: %w", err)
		}
		data.Roster = roster
	}

	html, err := RenderTranscriptHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	title := "session-" + info.ID
	switch req.Format {
	case FormatPDF:
		return exportPDF(html, title)
	case FormatDOCX:
		return exportDOCX(html, title)
	default:
		return nil, fmt.Errorf("unsupported format: %s", req.Format)
	}
}
