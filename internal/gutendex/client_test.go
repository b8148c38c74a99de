package gutendex

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	client := New("test-agent/1.0")
	require.NotNil(t, client)
	require.Equal(t, DefaultBaseURL, client.baseURL)
	require.Equal(t, "test-agent/1.0", client.userAgent)
}

func TestClient_GetBook(t *testing.T) {
	tests := []struct {
		name           string
		serverResponse string
		statusCode     int
		wantErr        bool
		wantTitle      string
		wantEpubURL    string
	}{
		{
			name: "successful lookup",
			serverResponse: `{
				"id": 84,
				"title": "Frankenstein; Or, The Modern Prometheus",
				"languages": ["en"],
				"download_count": 12345,
				"formats": {
					"application/epub+zip": "https://www.gutenberg.org/ebooks/84.epub3.images",
					"text/html": "https://www.gutenberg.org/ebooks/84.html.images"
				}
			}`,
			statusCode:  200,
			wantErr:     false,
			wantTitle:   "Frankenstein; Or, The Modern Prometheus",
			wantEpubURL: "https://www.gutenberg.org/ebooks/84.epub3.images",
		},
		{
			name:           "book not found",
			serverResponse: `{"detail": "Not found."}`,
			statusCode:     404,
			wantErr:        true,
		},
		{
			name:           "server error",
			serverResponse: "Internal Server Error",
			statusCode:     500,
			wantErr:        true,
		},
		{
			name:           "malformed body",
			serverResponse: `{"id": `,
			statusCode:     200,
			wantErr:        true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				require.Equal(t, "/books/84", r.URL.Path)
				w.WriteHeader(tt.statusCode)
				if _, err := w.Write([]byte(tt.serverResponse)); err != nil {
					t.Errorf("Failed to write test response: %v", err)
				}
			}))
			defer server.Close()

			client := New("test-agent/1.0")
			client.baseURL = server.URL

			book, err := client.GetBook(context.Background(), 84)

			if tt.wantErr {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			require.Equal(t, tt.wantTitle, book.Title)
			require.Equal(t, tt.wantEpubURL, book.EpubURL())
		})
	}
}

func TestClient_GetBook_UserAgentSent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "test-agent/1.0", r.Header.Get("User-Agent"))
		w.Write([]byte(`{"id": 1, "title": "x", "formats": {}}`))
	}))
	defer server.Close()

	client := New("test-agent/1.0")
	client.baseURL = server.URL

	_, err := client.GetBook(context.Background(), 1)
	require.NoError(t, err)
}

func TestBookResult_EpubURL_NoEpub(t *testing.T) {
	book := &BookResult{
		Formats: map[string]string{
			"text/html":  "https://example.org/1.html",
			"text/plain": "https://example.org/1.txt",
		},
	}
	require.Empty(t, book.EpubURL())
}

func TestBookResult_EpubURL_PrefersCanonicalFormat(t *testing.T) {
	book := &BookResult{
		Formats: map[string]string{
			"application/epub+zip":      "https://example.org/1.epub",
			"application/epub.noimages": "https://example.org/1.noimages.epub",
			"text/html":                 "https://example.org/1.html",
		},
	}
	for i := 0; i < 20; i++ {
		require.Equal(t, "https://example.org/1.epub", book.EpubURL())
	}
}

func TestBookResult_EpubURL_DeterministicWithoutCanonical(t *testing.T) {
	book := &BookResult{
		Formats: map[string]string{
			"application/epub.noimages": "https://example.org/1.noimages.epub",
			"application/x-epub":        "https://example.org/1.x.epub",
		},
	}
	// Sorted key order: epub.noimages before x-epub
	for i := 0; i < 20; i++ {
		require.Equal(t, "https://example.org/1.noimages.epub", book.EpubURL())
	}
}
