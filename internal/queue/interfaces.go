package queue

import (
	"context"

	"gutenberg-fetcher/internal/downloader"
	"gutenberg-fetcher/pkg/models"
)

//go:generate mockgen -source=interfaces.go -destination=mocks/mock_interfaces.go -package=mocks

// BookStore is the metadata store the queue resolves source URLs from
type BookStore interface {
	GetBook(bookID int64) (*models.Book, error)
	UpsertBook(book *models.Book) error
	IsCompleted(bookID int64) (bool, error)
}

// Downloader executes one transfer for a worker
type Downloader interface {
	Download(ctx context.Context, req downloader.Request) error
}
