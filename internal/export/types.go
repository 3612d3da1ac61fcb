// Package export renders session transcripts as PDF or DOCX downloads.
package export

import (
	"errors"
	"time"
)

// Format represents the export output format
type Format string

const (
	FormatPDF  Format = "pdf"
	FormatDOCX Format = "docx"
)

// Request contains parameters for an export operation
type Request struct {
	SessionID     string
	Format        Format
	IncludeRoster bool
}

// Result contains the export output
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

// SessionInfo holds session metadata for the transcript header
type SessionInfo struct {
	ID        string
	HostName  string
	ProductID string
	Status    string
	CreatedAt time.Time
	EndedAt   *time.Time
}

// ParticipantInfo holds one roster row
type ParticipantInfo struct {
	Name     string
	Role     string
	JoinedAt time.Time
}

// MessageInfo holds one transcript line
type MessageInfo struct {
	Author string
	Body   string
	SentAt time.Time
}

var (
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
	// ErrDOCXDependencyMissing indicates DOCX export runtime dependencies are unavailable.
	ErrDOCXDependencyMissing = errors.New("export docx dependency missing")
)
