// Package models defines the data structures used throughout the application
package models

import (
	"strings"
	"time"
	"unicode"
)

// Status represents the current status of a download task
type Status string

const (
	StatusPending     Status = "pending"
	StatusDownloading Status = "downloading"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
)

// Priority controls queue ordering. Lower values are served first.
type Priority int

const (
	PriorityHigh   Priority = 1
	PriorityNormal Priority = 5
	PriorityLow    Priority = 10
)

// String returns a display name for the priority level
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "normal"
	}
}

// MirrorSite represents a candidate download host for the archive
type MirrorSite struct {
	Name        string     `json:"name"`
	BaseURL     string     `json:"base_url"`
	Priority    int        `json:"priority"`
	Country     string     `json:"country,omitempty"`
	Active      bool       `json:"active"`
	HealthScore float64    `json:"health_score"`
	LastChecked *time.Time `json:"last_checked,omitempty"`
	LastSuccess *time.Time `json:"last_success,omitempty"`
}

// Health score bounds for mirrors. Scores are always clamped to this range.
const (
	MirrorHealthMin = 0.1
	MirrorHealthMax = 1.0
)

// ClampHealth bounds a health score to [MirrorHealthMin, MirrorHealthMax]
func ClampHealth(score float64) float64 {
	if score < MirrorHealthMin {
		return MirrorHealthMin
	}
	if score > MirrorHealthMax {
		return MirrorHealthMax
	}
	return score
}

// DownloadTask is one queued transfer owned by the download queue
type DownloadTask struct {
	Priority     Priority   `json:"priority"`
	BookID       int64      `json:"book_id"`
	SourceURL    string     `json:"source_url"`
	OutputPath   string     `json:"output_path"`
	RetryCount   int        `json:"retry_count"`
	Status       Status     `json:"status"`
	ErrorMessage string     `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// Download is the persisted per-book download record. It is the durable
// signal used to detect already-completed books and to resume transfers
// after a process restart.
type Download struct {
	ID              int64     `json:"id" db:"id"`
	BookID          int64     `json:"book_id" db:"book_id"`
	DownloadPath    string    `json:"download_path" db:"download_path"`
	Status          Status    `json:"status" db:"status"`
	BytesDownloaded int64     `json:"bytes_downloaded" db:"bytes_downloaded"`
	TotalBytes      int64     `json:"total_bytes" db:"total_bytes"`
	ErrorMessage    string    `json:"error_message" db:"error_message"`
	RetryCount      int       `json:"retry_count" db:"retry_count"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}

// Book represents an archive catalog entry
type Book struct {
	BookID        int64  `json:"book_id" db:"book_id"`
	Title         string `json:"title" db:"title"`
	Language      string `json:"language" db:"language"`
	DownloadCount int64  `json:"download_count" db:"download_count"`
	EpubURL       string `json:"epub_url" db:"epub_url"`
}

// SafeFilename derives a deterministic, filesystem-safe EPUB filename
// from a book title. Disallowed runes are dropped, spaces become
// underscores, and the stem is capped at 100 runes.
func SafeFilename(title string) string {
	var b strings.Builder
	for _, r := range title {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ' ' || r == '-' || r == '_' {
			b.WriteRune(r)
		}
	}
	stem := strings.TrimSpace(b.String())
	stem = strings.ReplaceAll(stem, " ", "_")
	runes := []rune(stem)
	if len(runes) > 100 {
		stem = string(runes[:100])
	}
	if stem == "" {
		stem = "book"
	}
	return stem + ".epub"
}
