// Package mirror manages the set of alternate archive hosts, scoring
// their health and selecting one per request with a weighted,
// failure-aware policy.
package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gutenberg-fetcher/pkg/models"
)

const (
	// DefaultPrimarySite is the fallback host used when no mirror is active
	DefaultPrimarySite = "https://www.gutenberg.org"

	// DefaultFailureThreshold is the failure count past which a mirror
	// is deactivated
	DefaultFailureThreshold = 5

	failureDecayFactor   = 0.8
	successBoostFactor   = 1.1
	successBoostOffset   = 0.05
	healthCheckRecovery  = 0.1
	healthCheckHTTPDecay = 0.2
	transportErrorDecay  = 0.3

	recentExclusionWindow = 3
	recentlyUsedMax       = 10
)

// Hosts known to not support TLS; their URLs are never upgraded to https
var httpOnlyHosts = []string{"di.uminho.pt", "csclub.uwaterloo.ca"}

// pathTemplate builds a book URL from a mirror base URL. {id} expands
// to the decimal book id.
type pathTemplate string

func (t pathTemplate) build(baseURL string, bookID int64) string {
	id := strconv.FormatInt(bookID, 10)
	return strings.TrimSuffix(baseURL, "/") + "/" + strings.ReplaceAll(string(t), "{id}", id)
}

// genericTemplate is the layout most mirrors use
const genericTemplate pathTemplate = "cache/epub/{id}/pg{id}.epub"

// pathTemplates maps known hosts to their path layout. New mirrors only
// need an entry here; selection logic is unaffected.
var pathTemplates = []struct {
	hostContains string
	template     pathTemplate
}{
	{"gutenberg.org", "ebooks/{id}.epub"},
	{"pglaf.org", "cache/epub/{id}/pg{id}.epub"},
	{"nabasny.com", "{id}.epub"},
	{"xmission.com", "cache/epub/{id}/pg{id}.epub"},
}

// Options configures a Manager
type Options struct {
	// ConfigPath is where the mirror list is persisted. Empty disables
	// persistence.
	ConfigPath string

	// PrimarySite is returned when no active mirror exists.
	// Default: DefaultPrimarySite.
	PrimarySite string

	// FailureThreshold deactivates a mirror once its failure count
	// exceeds it. Default: DefaultFailureThreshold.
	FailureThreshold int

	// UserAgent is sent with health probes.
	UserAgent string

	// Timeout for health probes. Default: 30s.
	Timeout time.Duration

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Manager owns the mirror list. All exported methods are safe for
// concurrent use; a single mutex covers the whole manager.
type Manager struct {
	mu            sync.Mutex
	mirrors       []*models.MirrorSite
	failureCounts map[string]int
	recentlyUsed  []string
	availability  map[int64]map[string]struct{}

	primarySite      string
	configPath       string
	failureThreshold int
	userAgent        string
	httpClient       *http.Client
	logger           *slog.Logger

	// Injectable for deterministic tests
	randFloat func() float64
	now       func() time.Time
}

// NewManager creates a mirror manager, loading the persisted mirror
// list from opts.ConfigPath or falling back to the built-in seed list.
func NewManager(opts Options) *Manager {
	if opts.PrimarySite == "" {
		opts.PrimarySite = DefaultPrimarySite
	}
	if opts.FailureThreshold == 0 {
		opts.FailureThreshold = DefaultFailureThreshold
	}
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	m := &Manager{
		failureCounts:    make(map[string]int),
		availability:     make(map[int64]map[string]struct{}),
		primarySite:      opts.PrimarySite,
		configPath:       opts.ConfigPath,
		failureThreshold: opts.FailureThreshold,
		userAgent:        opts.UserAgent,
		httpClient:       &http.Client{Timeout: opts.Timeout},
		logger:           opts.Logger,
		randFloat:        rand.Float64,
		now:              time.Now,
	}

	mirrors, err := m.loadMirrors()
	if err != nil {
		m.logger.Warn("Failed to load mirrors file, using seed list", "path", opts.ConfigPath, "error", err)
	}
	if mirrors == nil {
		mirrors = seedMirrors()
	}
	for _, mirror := range mirrors {
		mirror.BaseURL = NormalizeBaseURL(mirror.BaseURL)
		mirror.HealthScore = models.ClampHealth(mirror.HealthScore)
		m.failureCounts[mirror.BaseURL] = 0
	}
	m.mirrors = mirrors

	return m
}

// seedMirrors returns the built-in mirror list
func seedMirrors() []*models.MirrorSite {
	return []*models.MirrorSite{
		{Name: "Project Gutenberg Main", BaseURL: "https://www.gutenberg.org/", Priority: 5, Country: "US", Active: true, HealthScore: 1.0},
		{Name: "Project Gutenberg PGLAF", BaseURL: "https://gutenberg.pglaf.org/", Priority: 4, Country: "US", Active: true, HealthScore: 1.0},
		{Name: "Aleph PGLAF", BaseURL: "https://aleph.pglaf.org/", Priority: 4, Country: "US", Active: true, HealthScore: 1.0},
		{Name: "Nabasny", BaseURL: "https://gutenberg.nabasny.com/", Priority: 3, Country: "US", Active: true, HealthScore: 1.0},
		{Name: "UK Mirror Service", BaseURL: "https://www.mirrorservice.org/sites/ftp.ibiblio.org/pub/docs/books/gutenberg/", Priority: 2, Country: "UK", Active: true, HealthScore: 1.0},
		{Name: "Xmission", BaseURL: "https://mirrors.xmission.com/gutenberg/", Priority: 2, Country: "US", Active: true, HealthScore: 1.0},
		{Name: "University of Minho", BaseURL: "http://eremita.di.uminho.pt/gutenberg/", Priority: 1, Country: "PT", Active: true, HealthScore: 1.0},
		{Name: "University of Waterloo", BaseURL: "http://mirror.csclub.uwaterloo.ca/gutenberg/", Priority: 1, Country: "CA", Active: true, HealthScore: 1.0},
	}
}

// NormalizeBaseURL upgrades http to https for hosts that support it and
// ensures a single trailing slash.
func NormalizeBaseURL(rawURL string) string {
	if strings.HasPrefix(rawURL, "http://") {
		httpOnly := false
		for _, host := range httpOnlyHosts {
			if strings.Contains(rawURL, host) {
				httpOnly = true
				break
			}
		}
		if !httpOnly {
			rawURL = "https://" + strings.TrimPrefix(rawURL, "http://")
		}
	}
	return strings.TrimRight(rawURL, "/") + "/"
}

// BuildBookURL returns the URL for a book on the given mirror. The path
// layout is chosen from the per-host template table; unknown hosts use
// the generic layout.
func BuildBookURL(bookID int64, baseURL string) string {
	baseURL = NormalizeBaseURL(baseURL)
	for _, entry := range pathTemplates {
		if strings.Contains(baseURL, entry.hostContains) {
			return entry.template.build(baseURL, bookID)
		}
	}
	return genericTemplate.build(baseURL, bookID)
}

// BookURL selects a mirror for the book and returns the full download
// URL together with the chosen base URL.
func (m *Manager) BookURL(bookID int64) (string, string) {
	base := m.Select(bookID)
	return BuildBookURL(bookID, base), base
}

// Select picks a mirror base URL using the weighted selection policy.
// A bookID of 0 means no availability information is consulted. When no
// active mirror exists the primary site is returned.
func (m *Manager) Select(bookID int64) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	active := m.activeLocked()
	if len(active) == 0 {
		m.logger.Warn("No active mirrors available, using primary site")
		return m.primarySite
	}

	// Narrow to mirrors known to host this book, when that is known
	if bookID != 0 {
		if hosts, ok := m.availability[bookID]; ok && len(hosts) > 0 {
			var narrowed []*models.MirrorSite
			for _, mirror := range active {
				if _, ok := hosts[mirror.BaseURL]; ok {
					narrowed = append(narrowed, mirror)
				}
			}
			if len(narrowed) > 0 {
				active = narrowed
			}
		}
	}

	// Skip mirrors used in the last few selections. Small pools are
	// exempt so they cannot starve.
	recent := make(map[string]struct{}, recentExclusionWindow)
	if len(active) > recentExclusionWindow {
		start := len(m.recentlyUsed) - recentExclusionWindow
		if start < 0 {
			start = 0
		}
		for _, url := range m.recentlyUsed[start:] {
			recent[url] = struct{}{}
		}
	}

	candidates := make([]*models.MirrorSite, 0, len(active))
	for _, mirror := range active {
		if _, used := recent[mirror.BaseURL]; !used {
			candidates = append(candidates, mirror)
		}
	}
	if len(candidates) == 0 {
		candidates = active
	}

	selected := m.weightedChoice(candidates)

	m.recentlyUsed = append(m.recentlyUsed, selected.BaseURL)
	if len(m.recentlyUsed) > recentlyUsedMax {
		m.recentlyUsed = m.recentlyUsed[1:]
	}

	m.logger.Debug("Selected mirror", "name", selected.Name, "base_url", selected.BaseURL)
	return selected.BaseURL
}

// weightedChoice draws one candidate with probability proportional to
// priority × health / (1 + failures²). Zero total weight degrades to a
// uniform draw.
func (m *Manager) weightedChoice(candidates []*models.MirrorSite) *models.MirrorSite {
	weights := make([]float64, len(candidates))
	total := 0.0
	for i, mirror := range candidates {
		failures := m.failureCounts[mirror.BaseURL]
		weights[i] = float64(mirror.Priority) * mirror.HealthScore / float64(1+failures*failures)
		total += weights[i]
	}

	r := m.randFloat()
	if total <= 0 {
		return candidates[int(r*float64(len(candidates)))%len(candidates)]
	}

	r *= total
	for i, w := range weights {
		r -= w
		if r < 0 {
			return candidates[i]
		}
	}
	return candidates[len(candidates)-1]
}

// ReportFailure records a failed transfer against a mirror, decaying
// its health and deactivating it past the failure threshold.
func (m *Manager) ReportFailure(baseURL string) {
	baseURL = NormalizeBaseURL(baseURL)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.failureCounts[baseURL]++

	mirror := m.findLocked(baseURL)
	if mirror == nil {
		return
	}

	mirror.HealthScore = models.ClampHealth(mirror.HealthScore * failureDecayFactor)
	if m.failureCounts[baseURL] > m.failureThreshold {
		if mirror.Active {
			m.logger.Warn("Mirror deactivated after repeated failures", "name", mirror.Name, "failures", m.failureCounts[baseURL])
		}
		mirror.Active = false
	}
}

// ReportSuccess records a successful transfer, resetting the failure
// counter, boosting health, and reactivating the mirror if needed.
func (m *Manager) ReportSuccess(baseURL string) {
	baseURL = NormalizeBaseURL(baseURL)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.failureCounts[baseURL] = 0

	mirror := m.findLocked(baseURL)
	if mirror == nil {
		return
	}

	mirror.HealthScore = models.ClampHealth(mirror.HealthScore*successBoostFactor + successBoostOffset)
	if !mirror.Active {
		m.logger.Info("Reactivating mirror", "name", mirror.Name)
		mirror.Active = true
	}
	now := m.now()
	mirror.LastSuccess = &now
}

// RecordAvailability notes that a mirror is known to host a book. The
// index is advisory and only biases selection.
func (m *Manager) RecordAvailability(bookID int64, baseURL string) {
	baseURL = NormalizeBaseURL(baseURL)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.availability[bookID] == nil {
		m.availability[bookID] = make(map[string]struct{})
	}
	m.availability[bookID][baseURL] = struct{}{}
}

// CheckHealth probes a mirror with a HEAD request and adjusts its
// health score from the outcome. Returns true when the mirror responded
// successfully.
func (m *Manager) CheckHealth(ctx context.Context, mirror *models.MirrorSite) bool {
	m.mu.Lock()
	now := m.now()
	mirror.LastChecked = &now
	targetURL := mirror.BaseURL
	m.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, targetURL, nil)
	if err != nil {
		m.applyHealthResult(mirror, transportErrorDecay, false)
		return false
	}
	if m.userAgent != "" {
		req.Header.Set("User-Agent", m.userAgent)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		m.logger.Warn("Mirror health probe failed", "name", mirror.Name, "error", err)
		m.applyHealthResult(mirror, transportErrorDecay, false)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		m.applyHealthResult(mirror, healthCheckHTTPDecay, false)
		return false
	}

	m.applyHealthResult(mirror, 0, true)
	return true
}

// applyHealthResult mutates mirror state after a probe, under the lock
func (m *Manager) applyHealthResult(mirror *models.MirrorSite, decay float64, healthy bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if healthy {
		mirror.HealthScore = models.ClampHealth(mirror.HealthScore + healthCheckRecovery)
		m.failureCounts[mirror.BaseURL] = 0
		mirror.Active = true
		now := m.now()
		mirror.LastSuccess = &now
		return
	}

	mirror.HealthScore = models.ClampHealth(mirror.HealthScore - decay)
	m.failureCounts[mirror.BaseURL]++
	if m.failureCounts[mirror.BaseURL] > m.failureThreshold {
		mirror.Active = false
	}
}

// CheckAll probes every mirror concurrently and returns health status
// keyed by base URL.
func (m *Manager) CheckAll(ctx context.Context) map[string]bool {
	m.mu.Lock()
	mirrors := make([]*models.MirrorSite, len(m.mirrors))
	copy(mirrors, m.mirrors)
	m.mu.Unlock()

	results := make([]bool, len(mirrors))
	var wg sync.WaitGroup
	for i, mirror := range mirrors {
		wg.Add(1)
		go func(i int, mirror *models.MirrorSite) {
			defer wg.Done()
			results[i] = m.CheckHealth(ctx, mirror)
		}(i, mirror)
	}
	wg.Wait()

	out := make(map[string]bool, len(mirrors))
	for i, mirror := range mirrors {
		out[mirror.BaseURL] = results[i]
	}
	return out
}

// AddMirror adds a mirror or updates an existing one with the same URL
func (m *Manager) AddMirror(name, baseURL string, priority int, country string) {
	baseURL = NormalizeBaseURL(baseURL)

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, mirror := range m.mirrors {
		if mirror.BaseURL == baseURL {
			mirror.Name = name
			mirror.Priority = priority
			mirror.Country = country
			mirror.Active = true
			m.logger.Info("Updated mirror", "name", name, "base_url", baseURL)
			return
		}
	}

	m.mirrors = append(m.mirrors, &models.MirrorSite{
		Name:        name,
		BaseURL:     baseURL,
		Priority:    priority,
		Country:     country,
		Active:      true,
		HealthScore: models.MirrorHealthMax,
	})
	m.failureCounts[baseURL] = 0
	m.logger.Info("Added mirror", "name", name, "base_url", baseURL)
}

// RemoveMirror removes a mirror by base URL
func (m *Manager) RemoveMirror(baseURL string) {
	baseURL = NormalizeBaseURL(baseURL)

	m.mu.Lock()
	defer m.mu.Unlock()

	for i, mirror := range m.mirrors {
		if mirror.BaseURL == baseURL {
			m.mirrors = append(m.mirrors[:i], m.mirrors[i+1:]...)
			delete(m.failureCounts, baseURL)
			m.logger.Info("Removed mirror", "base_url", baseURL)
			return
		}
	}
	m.logger.Warn("Mirror not found for removal", "base_url", baseURL)
}

// Mirrors returns a copy of the mirror list
func (m *Manager) Mirrors() []models.MirrorSite {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.MirrorSite, len(m.mirrors))
	for i, mirror := range m.mirrors {
		out[i] = *mirror
	}
	return out
}

// FailureCount returns the current failure counter for a mirror
func (m *Manager) FailureCount(baseURL string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failureCounts[NormalizeBaseURL(baseURL)]
}

func (m *Manager) activeLocked() []*models.MirrorSite {
	var active []*models.MirrorSite
	for _, mirror := range m.mirrors {
		if mirror.Active {
			active = append(active, mirror)
		}
	}
	return active
}

func (m *Manager) findLocked(baseURL string) *models.MirrorSite {
	for _, mirror := range m.mirrors {
		if mirror.BaseURL == baseURL {
			return mirror
		}
	}
	return nil
}

// loadMirrors reads the persisted mirror list. A missing file is not an
// error; it returns (nil, nil) so the seed list is used.
func (m *Manager) loadMirrors() ([]*models.MirrorSite, error) {
	if m.configPath == "" {
		return nil, nil
	}

	data, err := os.ReadFile(m.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read mirrors file: %w", err)
	}

	var mirrors []*models.MirrorSite
	if err := json.Unmarshal(data, &mirrors); err != nil {
		return nil, fmt.Errorf("failed to parse mirrors file: %w", err)
	}

	m.logger.Info("Loaded mirrors from file", "path", m.configPath, "count", len(mirrors))
	return mirrors, nil
}

// Save writes the mirror list (health and active state included) back
// to the configured path.
func (m *Manager) Save() error {
	if m.configPath == "" {
		return nil
	}

	m.mu.Lock()
	data, err := json.MarshalIndent(m.mirrors, "", "  ")
	m.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to marshal mirrors: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(m.configPath), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(m.configPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write mirrors file: %w", err)
	}

	return nil
}

// Close persists the mirror list
func (m *Manager) Close() error {
	return m.Save()
}
