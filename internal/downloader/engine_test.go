package downloader

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"gutenberg-fetcher/internal/downloader/mocks"
	"gutenberg-fetcher/pkg/models"
)

// rangeServer serves content honoring Range requests with 206 responses
func rangeServer(content []byte, ranges chan<- string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rng := r.Header.Get("Range")
		if rng == "" {
			w.Header().Set("Content-Length", strconv.Itoa(len(content)))
			w.Write(content)
			return
		}
		if ranges != nil {
			ranges <- rng
		}
		var start int
		fmt.Sscanf(rng, "bytes=%d-", &start)
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, len(content)-1, len(content)))
		w.Header().Set("Content-Length", strconv.Itoa(len(content)-start))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(content[start:])
	}))
}

func noSleep(e *Engine) {
	e.sleep = func(ctx context.Context, d time.Duration) error { return nil }
}

func TestDownload_WritesFile(t *testing.T) {
	content := bytes.Repeat([]byte("gutenberg "), 500)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(content)
	}))
	defer server.Close()

	outputPath := filepath.Join(t.TempDir(), "pg1342.epub")
	engine := NewEngine(Options{UserAgent: "test-agent/1.0"})

	err := engine.Download(context.Background(), Request{
		BookID:     1342,
		SourceURL:  server.URL,
		OutputPath: outputPath,
		VerifySize: true,
	})
	require.NoError(t, err)

	written, err := os.ReadFile(outputPath)
	require.NoError(t, err)
	require.Equal(t, content, written)
}

func TestDownload_ResumeAppendsRemainder(t *testing.T) {
	content := bytes.Repeat([]byte("abcdefgh"), 1000)
	ranges := make(chan string, 4)
	server := rangeServer(content, ranges)
	defer server.Close()

	outputPath := filepath.Join(t.TempDir(), "pg84.epub")
	require.NoError(t, os.WriteFile(outputPath, content[:3000], 0o644))

	engine := NewEngine(Options{})
	err := engine.Download(context.Background(), Request{
		BookID:     84,
		SourceURL:  server.URL,
		OutputPath: outputPath,
		Resumable:  true,
		VerifySize: true,
	})
	require.NoError(t, err)
	require.Equal(t, "bytes=3000-", <-ranges)

	written, err := os.ReadFile(outputPath)
	require.NoError(t, err)
	require.Equal(t, content, written)
}

func TestDownload_ServerIgnoresRange_RestartsFromZero(t *testing.T) {
	content := bytes.Repeat([]byte("xyz"), 2000)
	// Always replies 200 with the full body, whatever the request says
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(content)))
		w.Write(content)
	}))
	defer server.Close()

	outputPath := filepath.Join(t.TempDir(), "pg11.epub")
	require.NoError(t, os.WriteFile(outputPath, []byte("stale partial data"), 0o644))

	engine := NewEngine(Options{})
	err := engine.Download(context.Background(), Request{
		BookID:     11,
		SourceURL:  server.URL,
		OutputPath: outputPath,
		Resumable:  true,
		VerifySize: true,
	})
	require.NoError(t, err)

	written, err := os.ReadFile(outputPath)
	require.NoError(t, err)
	require.Equal(t, content, written)
}

func TestDownload_NotFoundRotatesToNextMirror(t *testing.T) {
	content := []byte("epub bytes")
	missing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer missing.Close()
	carrying := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(content)
	}))
	defer carrying.Close()

	ctrl := gomock.NewController(t)
	selector := mocks.NewMockMirrorSelector(ctrl)
	gomock.InOrder(
		selector.EXPECT().BookURL(int64(76)).Return(missing.URL, missing.URL),
		selector.EXPECT().ReportFailure(missing.URL),
		selector.EXPECT().BookURL(int64(76)).Return(carrying.URL, carrying.URL),
		selector.EXPECT().ReportSuccess(carrying.URL),
		selector.EXPECT().RecordAvailability(int64(76), carrying.URL),
	)

	outputPath := filepath.Join(t.TempDir(), "pg76.epub")
	engine := NewEngine(Options{Mirrors: selector})
	noSleep(engine)

	err := engine.Download(context.Background(), Request{
		BookID:     76,
		OutputPath: outputPath,
	})
	require.NoError(t, err)

	written, err := os.ReadFile(outputPath)
	require.NoError(t, err)
	require.Equal(t, content, written)
}

func TestDownload_RotationReturnsSameURL_GivesUp(t *testing.T) {
	missing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer missing.Close()

	ctrl := gomock.NewController(t)
	selector := mocks.NewMockMirrorSelector(ctrl)
	selector.EXPECT().BookURL(int64(5)).Return(missing.URL, missing.URL).Times(2)
	selector.EXPECT().ReportFailure(missing.URL)

	engine := NewEngine(Options{Mirrors: selector})
	noSleep(engine)

	err := engine.Download(context.Background(), Request{
		BookID:     5,
		OutputPath: filepath.Join(t.TempDir(), "pg5.epub"),
	})
	require.Error(t, err)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDownload_RetriesWithExponentialBackoff(t *testing.T) {
	content := []byte("eventually fine")
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write(content)
	}))
	defer server.Close()

	engine := NewEngine(Options{})
	var slept []time.Duration
	engine.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	outputPath := filepath.Join(t.TempDir(), "pg98.epub")
	err := engine.Download(context.Background(), Request{
		BookID:     98,
		SourceURL:  server.URL,
		OutputPath: outputPath,
	})
	require.NoError(t, err)
	require.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, slept)

	written, err := os.ReadFile(outputPath)
	require.NoError(t, err)
	require.Equal(t, content, written)
}

func TestDownload_ExhaustsAttempts(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	engine := NewEngine(Options{})
	noSleep(engine)

	err := engine.Download(context.Background(), Request{
		BookID:     7,
		SourceURL:  server.URL,
		OutputPath: filepath.Join(t.TempDir(), "pg7.epub"),
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "status 500")
	require.Equal(t, int64(3), calls.Load())
}

func TestDownload_CancelledContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("never read"))
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	engine := NewEngine(Options{})
	err := engine.Download(ctx, Request{
		BookID:     9,
		SourceURL:  server.URL,
		OutputPath: filepath.Join(t.TempDir(), "pg9.epub"),
	})
	require.Error(t, err)
}

func TestDownload_ReportsProgress(t *testing.T) {
	content := bytes.Repeat([]byte("p"), 20000)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(content)))
		w.Write(content)
	}))
	defer server.Close()

	var lastDownloaded, lastTotal int64
	engine := NewEngine(Options{ChunkSize: 4096})
	err := engine.Download(context.Background(), Request{
		BookID:     15,
		SourceURL:  server.URL,
		OutputPath: filepath.Join(t.TempDir(), "pg15.epub"),
		Progress: func(bytesDownloaded, totalBytes int64) {
			lastDownloaded = bytesDownloaded
			lastTotal = totalBytes
		},
	})
	require.NoError(t, err)
	require.Equal(t, int64(len(content)), lastDownloaded)
	require.Equal(t, int64(len(content)), lastTotal)
}

func TestDownload_PersistsStateTransitions(t *testing.T) {
	content := []byte("persisted")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(content)))
		w.Write(content)
	}))
	defer server.Close()

	ctrl := gomock.NewController(t)
	store := mocks.NewMockDownloadStore(ctrl)
	var records []models.Download
	store.EXPECT().UpsertDownloadState(gomock.Any()).DoAndReturn(func(record *models.Download) error {
		records = append(records, *record)
		return nil
	}).AnyTimes()

	outputPath := filepath.Join(t.TempDir(), "pg30.epub")
	engine := NewEngine(Options{Store: store})
	err := engine.Download(context.Background(), Request{
		BookID:     30,
		SourceURL:  server.URL,
		OutputPath: outputPath,
	})
	require.NoError(t, err)

	require.GreaterOrEqual(t, len(records), 2)
	require.Equal(t, models.StatusDownloading, records[0].Status)
	final := records[len(records)-1]
	require.Equal(t, models.StatusCompleted, final.Status)
	require.Equal(t, int64(30), final.BookID)
	require.Equal(t, outputPath, final.DownloadPath)
	require.Equal(t, int64(len(content)), final.BytesDownloaded)
	require.Equal(t, int64(len(content)), final.TotalBytes)
}

func TestFindIncompleteDownloads(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "small.epub"), []byte("tiny"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "full.epub"), bytes.Repeat([]byte("x"), 20*1024), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested"), 0o755))

	engine := NewEngine(Options{})
	incomplete, err := engine.FindIncompleteDownloads(dir)
	require.NoError(t, err)
	require.Equal(t, []string{filepath.Join(dir, "small.epub")}, incomplete)
}

func TestFindIncompleteDownloads_MissingDir(t *testing.T) {
	engine := NewEngine(Options{})
	_, err := engine.FindIncompleteDownloads(filepath.Join(t.TempDir(), "does-not-exist"))
	require.Error(t, err)
}

func TestResumeIncompleteDownloads_UsesRecordedURLWithMirrors(t *testing.T) {
	content := bytes.Repeat([]byte("resume"), 3000)
	paths := make(chan string, 4)
	mux := http.NewServeMux()
	mux.HandleFunc("/recorded/source.epub", func(w http.ResponseWriter, r *http.Request) {
		paths <- r.URL.Path
		var start int
		if rng := r.Header.Get("Range"); rng != "" {
			fmt.Sscanf(rng, "bytes=%d-", &start)
			w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, len(content)-1, len(content)))
			w.Header().Set("Content-Length", strconv.Itoa(len(content)-start))
			w.WriteHeader(http.StatusPartialContent)
		}
		w.Write(content[start:])
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	dir := t.TempDir()
	partial := filepath.Join(dir, "partial.epub")
	require.NoError(t, os.WriteFile(partial, content[:2000], 0o644))

	// A selector with no expectations: any consultation fails the test,
	// proving the recorded source URL is used as-is.
	ctrl := gomock.NewController(t)
	selector := mocks.NewMockMirrorSelector(ctrl)

	engine := NewEngine(Options{Mirrors: selector})
	noSleep(engine)
	results := engine.ResumeIncompleteDownloads(context.Background(),
		[]string{partial},
		map[string]string{partial: server.URL + "/recorded/source.epub"})
	require.True(t, results[partial])

	require.Equal(t, "/recorded/source.epub", <-paths)
	written, err := os.ReadFile(partial)
	require.NoError(t, err)
	require.Equal(t, content, written)
}

func TestDownload_FailureRecordKeepsTotalAndRetryCount(t *testing.T) {
	const serverTotal = 10000
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(serverTotal))
		w.Write(bytes.Repeat([]byte("x"), 4000))
		w.(http.Flusher).Flush()
		panic(http.ErrAbortHandler)
	}))
	defer server.Close()

	ctrl := gomock.NewController(t)
	store := mocks.NewMockDownloadStore(ctrl)
	var records []models.Download
	store.EXPECT().UpsertDownloadState(gomock.Any()).DoAndReturn(func(record *models.Download) error {
		records = append(records, *record)
		return nil
	}).AnyTimes()

	engine := NewEngine(Options{Store: store})
	noSleep(engine)

	err := engine.Download(context.Background(), Request{
		BookID:     17,
		SourceURL:  server.URL,
		OutputPath: filepath.Join(t.TempDir(), "pg17.epub"),
		RetryCount: 2,
	})
	require.Error(t, err)

	var failures []models.Download
	for _, record := range records {
		require.Equal(t, 2, record.RetryCount)
		if record.ErrorMessage != "" {
			failures = append(failures, record)
		}
	}
	require.NotEmpty(t, failures)
	for _, record := range failures {
		require.Equal(t, int64(serverTotal), record.TotalBytes)
	}
	require.Equal(t, models.StatusFailed, failures[len(failures)-1].Status)
}

func TestVerifyWritten(t *testing.T) {
	tests := []struct {
		name       string
		resumable  bool
		verifySize bool
		written    int64
		totalBytes int64
		wantErr    bool
		wantKept   bool
	}{
		{"match passes", true, true, 100, 100, false, true},
		{"unknown total skipped", true, true, 50, 0, false, true},
		{"verification off", false, false, 50, 100, false, true},
		{"short resumable kept", true, true, 50, 100, true, true},
		{"short non-resumable deleted", false, true, 50, 100, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "pg20.epub")
			require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte("y"), int(tt.written)), 0o644))

			engine := NewEngine(Options{})
			err := engine.verifyWritten(Request{
				OutputPath: path,
				Resumable:  tt.resumable,
				VerifySize: tt.verifySize,
			}, tt.written, tt.totalBytes)

			if tt.wantErr {
				require.Error(t, err)
				require.Contains(t, err.Error(), "size mismatch")
			} else {
				require.NoError(t, err)
			}

			_, statErr := os.Stat(path)
			if tt.wantKept {
				require.NoError(t, statErr)
			} else {
				require.True(t, os.IsNotExist(statErr))
			}
		})
	}
}

func TestResumeIncompleteDownloads(t *testing.T) {
	content := bytes.Repeat([]byte("resume"), 4000)
	server := rangeServer(content, nil)
	defer server.Close()

	dir := t.TempDir()
	partial := filepath.Join(dir, "partial.epub")
	require.NoError(t, os.WriteFile(partial, content[:1000], 0o644))
	unmapped := filepath.Join(dir, "unmapped.epub")
	require.NoError(t, os.WriteFile(unmapped, []byte("orphan"), 0o644))

	engine := NewEngine(Options{})
	results := engine.ResumeIncompleteDownloads(context.Background(),
		[]string{partial, unmapped},
		map[string]string{partial: server.URL})

	require.True(t, results[partial])
	require.False(t, results[unmapped])

	written, err := os.ReadFile(partial)
	require.NoError(t, err)
	require.Equal(t, content, written)
}
