// Package gutendex provides client functionality for the Gutendex catalog API
package gutendex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"
)

// ErrNoEpub indicates a catalog entry with no EPUB rendition
var ErrNoEpub = errors.New("book has no epub format")

const (
	// DefaultBaseURL is the base URL for the Gutendex API
	DefaultBaseURL = "https://gutendex.com"
)

// Client represents a Gutendex API client
type Client struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
}

// BookResult represents a catalog entry returned by the API
type BookResult struct {
	ID            int64             `json:"id"`
	Title         string            `json:"title"`
	Languages     []string          `json:"languages"`
	DownloadCount int64             `json:"download_count"`
	Formats       map[string]string `json:"formats"`
}

// EpubURL returns the EPUB download link from the format map, or empty
// when the book has no EPUB rendition. The canonical epub+zip entry
// wins; other epub renditions are scanned in sorted key order so the
// pick is stable across runs.
func (b *BookResult) EpubURL() string {
	if url, ok := b.Formats["application/epub+zip"]; ok {
		return url
	}

	mimeTypes := make([]string, 0, len(b.Formats))
	for mimeType := range b.Formats {
		mimeTypes = append(mimeTypes, mimeType)
	}
	sort.Strings(mimeTypes)

	for _, mimeType := range mimeTypes {
		if strings.Contains(strings.ToLower(mimeType), "epub") {
			return b.Formats[mimeType]
		}
	}
	return ""
}

// CatalogClient defines the interface for catalog lookups
//
//go:generate mockgen -source=client.go -destination=mocks/mock_client.go -package=mocks
type CatalogClient interface {
	GetBook(ctx context.Context, bookID int64) (*BookResult, error)
}

// New creates a new Gutendex client
func New(userAgent string) *Client {
	return &Client{
		baseURL:   DefaultBaseURL,
		userAgent: userAgent,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// GetBook fetches a single catalog entry by book id
func (c *Client) GetBook(ctx context.Context, bookID int64) (*BookResult, error) {
	endpoint := fmt.Sprintf("%s/books/%d", c.baseURL, bookID)

	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("book %d not found in catalog", bookID)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API request failed with status %d", resp.StatusCode)
	}

	var result BookResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &result, nil
}
