package downloader

import (
	"gutenberg-fetcher/pkg/models"
)

// MirrorSelector defines the mirror manager operations used by the
// download engine
//
//go:generate mockgen -source=interfaces.go -destination=mocks/mock_interfaces.go -package=mocks
type MirrorSelector interface {
	// BookURL returns the download URL for a book on a freshly selected
	// mirror, along with the mirror's base URL.
	BookURL(bookID int64) (string, string)
	ReportFailure(baseURL string)
	ReportSuccess(baseURL string)
	// RecordAvailability notes a confirmed (book, mirror) pairing
	RecordAvailability(bookID int64, baseURL string)
}

// DownloadStore defines the persisted download record operations used
// by the download engine
type DownloadStore interface {
	UpsertDownloadState(record *models.Download) error
	GetDownloadState(bookID int64) (*models.Download, error)
}

// ProgressFunc receives (bytesDownloaded, totalBytes) after each chunk.
// totalBytes is 0 when the server did not report a length. It must not
// block.
type ProgressFunc func(bytesDownloaded, totalBytes int64)
