// Package export renders conversation transcripts to PDF and DOCX.
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

// Transcript is the fully assembled view of one conversation, ready to render.
// The caller merges messages and unlock markers into Items in stream order.
type Transcript struct {
	ConversationID string
	PropertyLabel  string
	OwnerName      string
	ViewerName     string
	CreatedAt      time.Time

	// Quoted waiting-note context, present when the conversation was born
	// from a promoted note.
	HasNote  bool
	NoteBody string
	NoteAt   time.Time

	Items []Item
}

// Item is one transcript entry: a message or an album unlock marker.
type Item struct {
	Kind       string // "message" or "album_unlocked"
	AuthorName string
	Body       string // message body, or the album title for unlocks
	At         time.Time
}

// Result contains the export output
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	// ErrChromeNotInstalled indicates no headless Chrome binary is available for PDF export.
	ErrChromeNotInstalled = errors.New("export: chromium not installed")
	// ErrPandocNotInstalled indicates pandoc is unavailable for DOCX export.
	ErrPandocNotInstalled = errors.New("export: pandoc not installed")
)
