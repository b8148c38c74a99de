// Package database provides SQLite-backed storage for the book catalog
// and per-book download records.
package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"gutenberg-fetcher/pkg/models"

	_ "modernc.org/sqlite"
)

// ErrBookNotFound is returned when a book id has no catalog entry
var ErrBookNotFound = errors.New("book not found")

// DB wraps the SQLite database connection
type DB struct {
	conn *sql.DB
}

// New creates a new database connection and initializes the schema
func New(dbPath string) (*DB, error) {
	// Add connection parameters to help with concurrent access
	connString := dbPath
	if dbPath != ":memory:" {
		connString = dbPath + "?_busy_timeout=30000&_journal_mode=WAL&_synchronous=NORMAL"
	}

	conn, err := sql.Open("sqlite", connString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite doesn't handle concurrent writes well
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	db := &DB{conn: conn}

	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// initSchema creates the necessary tables
func (db *DB) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS books (
		book_id INTEGER PRIMARY KEY,
		title TEXT NOT NULL,
		language TEXT,
		download_count INTEGER DEFAULT 0,
		epub_url TEXT
	);

	CREATE TABLE IF NOT EXISTS downloads (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		book_id INTEGER NOT NULL,
		download_path TEXT NOT NULL,
		status TEXT NOT NULL,
		bytes_downloaded INTEGER DEFAULT 0,
		total_bytes INTEGER DEFAULT 0,
		error_message TEXT,
		retry_count INTEGER DEFAULT 0,
		updated_at DATETIME NOT NULL,
		UNIQUE(book_id, download_path),
		FOREIGN KEY (book_id) REFERENCES books(book_id)
	);

	CREATE INDEX IF NOT EXISTS idx_downloads_status ON downloads(status);
	CREATE INDEX IF NOT EXISTS idx_downloads_book_id ON downloads(book_id);
	`

	if _, err := db.conn.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

// UpsertBook inserts or replaces a catalog entry
func (db *DB) UpsertBook(book *models.Book) error {
	query := `
	INSERT INTO books (book_id, title, language, download_count, epub_url)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(book_id) DO UPDATE SET
		title = excluded.title,
		language = excluded.language,
		download_count = excluded.download_count,
		epub_url = excluded.epub_url
	`

	_, err := db.conn.Exec(query,
		book.BookID, book.Title, book.Language, book.DownloadCount, book.EpubURL,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert book: %w", err)
	}

	return nil
}

// GetBook retrieves a catalog entry by book id
func (db *DB) GetBook(bookID int64) (*models.Book, error) {
	query := `
	SELECT book_id, title, language, download_count, epub_url
	FROM books WHERE book_id = ?
	`

	var book models.Book
	var language, epubURL sql.NullString
	err := db.conn.QueryRow(query, bookID).Scan(
		&book.BookID, &book.Title, &language, &book.DownloadCount, &epubURL,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrBookNotFound
		}
		return nil, fmt.Errorf("failed to get book: %w", err)
	}

	book.Language = language.String
	book.EpubURL = epubURL.String
	return &book, nil
}

// EpubURL returns the known EPUB download URL for a book, or
// ErrBookNotFound when the book has no catalog entry or no URL.
func (db *DB) EpubURL(bookID int64) (string, error) {
	book, err := db.GetBook(bookID)
	if err != nil {
		return "", err
	}
	if book.EpubURL == "" {
		return "", ErrBookNotFound
	}
	return book.EpubURL, nil
}

// UpsertDownloadState writes the persisted download record for a
// (book, path) pair, creating it on first write.
func (db *DB) UpsertDownloadState(record *models.Download) error {
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = time.Now()
	}

	query := `
	INSERT INTO downloads (
		book_id, download_path, status, bytes_downloaded,
		total_bytes, error_message, retry_count, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(book_id, download_path) DO UPDATE SET
		status = excluded.status,
		bytes_downloaded = excluded.bytes_downloaded,
		total_bytes = excluded.total_bytes,
		error_message = excluded.error_message,
		retry_count = excluded.retry_count,
		updated_at = excluded.updated_at
	`

	_, err := db.conn.Exec(query,
		record.BookID, record.DownloadPath, record.Status,
		record.BytesDownloaded, record.TotalBytes, record.ErrorMessage,
		record.RetryCount, record.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert download state: %w", err)
	}

	return nil
}

// GetDownloadState retrieves the most recently updated download record
// for a book, or nil when none exists.
func (db *DB) GetDownloadState(bookID int64) (*models.Download, error) {
	query := `
	SELECT id, book_id, download_path, status, bytes_downloaded,
		   total_bytes, error_message, retry_count, updated_at
	FROM downloads
	WHERE book_id = ?
	ORDER BY updated_at DESC
	LIMIT 1
	`

	var record models.Download
	var errorMessage sql.NullString
	err := db.conn.QueryRow(query, bookID).Scan(
		&record.ID, &record.BookID, &record.DownloadPath, &record.Status,
		&record.BytesDownloaded, &record.TotalBytes, &errorMessage,
		&record.RetryCount, &record.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get download state: %w", err)
	}

	record.ErrorMessage = errorMessage.String
	return &record, nil
}

// IsCompleted reports whether a book has a completed download record
func (db *DB) IsCompleted(bookID int64) (bool, error) {
	record, err := db.GetDownloadState(bookID)
	if err != nil {
		return false, err
	}
	return record != nil && record.Status == models.StatusCompleted, nil
}

// GetPendingStates returns download records that are not yet terminal,
// most recently updated first.
func (db *DB) GetPendingStates(limit int) ([]*models.Download, error) {
	query := `
	SELECT id, book_id, download_path, status, bytes_downloaded,
		   total_bytes, error_message, retry_count, updated_at
	FROM downloads
	WHERE status IN ('pending', 'downloading', 'failed')
	ORDER BY updated_at DESC
	`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending states: %w", err)
	}
	defer rows.Close()

	var records []*models.Download
	for rows.Next() {
		var record models.Download
		var errorMessage sql.NullString
		err := rows.Scan(
			&record.ID, &record.BookID, &record.DownloadPath, &record.Status,
			&record.BytesDownloaded, &record.TotalBytes, &errorMessage,
			&record.RetryCount, &record.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan download state: %w", err)
		}
		record.ErrorMessage = errorMessage.String
		records = append(records, &record)
	}

	return records, rows.Err()
}

// CountByStatus returns download record counts grouped by status
func (db *DB) CountByStatus() (map[models.Status]int, error) {
	rows, err := db.conn.Query(`SELECT status, COUNT(*) FROM downloads GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count downloads: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.Status]int)
	for rows.Next() {
		var status models.Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[status] = count
	}

	return counts, rows.Err()
}
