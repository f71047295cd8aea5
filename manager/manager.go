// Package manager orchestrates many downloads under caller-chosen keys. Each
// download runs on its own goroutines; progress and terminal outcomes are
// reported through per-manager callbacks, and an optional SQLite history
// keeps a durable record of every started download.
package manager

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/slipstream-dl/slipstream/download"
	"github.com/slipstream-dl/slipstream/internal/utils"
)

// Config carries optional per-download overrides. Zero values fall back to
// the download package defaults.
type Config struct {
	Directory    string
	TasksCount   int
	Timeout      time.Duration
	SpeedLimitKB uint64
}

type entry struct {
	id      string
	url     string
	cfg     *Config
	token   *download.CancelToken
	dl      *download.Downloader
	started bool
}

func (e *entry) options() []download.Option {
	opts := []download.Option{download.WithCancelToken(e.token)}
	if e.cfg == nil {
		return opts
	}
	if e.cfg.Directory != "" {
		opts = append(opts, download.WithDirectory(e.cfg.Directory))
	}
	if e.cfg.TasksCount > 0 {
		opts = append(opts, download.WithTasksCount(e.cfg.TasksCount))
	}
	if e.cfg.Timeout > 0 {
		opts = append(opts, download.WithTimeout(e.cfg.Timeout))
	}
	if e.cfg.SpeedLimitKB > 0 {
		opts = append(opts, download.WithSpeedLimit(e.cfg.SpeedLimitKB))
	}
	return opts
}

// Manager is a thread-safe registry of downloads keyed by K.
type Manager[K comparable] struct {
	client      *http.Client
	mu          sync.Mutex
	entries     map[K]*entry
	history     *History
	historyPath string

	onProgress  func(key K, downloadedBytes int64, speed int64)
	onCompleted func(key K)
	onFailed    func(key K, err error)
	onCanceled  func(key K)

	wg sync.WaitGroup
}

// Option configures a Manager at build time.
type Option[K comparable] func(*Manager[K])

// OnProgress registers the progress callback, invoked roughly once per second
// per running download with the byte counter and the smoothed speed in
// bytes per second.
func OnProgress[K comparable](cb func(key K, downloadedBytes int64, speed int64)) Option[K] {
	return func(m *Manager[K]) { m.onProgress = cb }
}

// OnCompleted registers the completion callback.
func OnCompleted[K comparable](cb func(key K)) Option[K] {
	return func(m *Manager[K]) { m.onCompleted = cb }
}

// OnFailed registers the failure callback.
func OnFailed[K comparable](cb func(key K, err error)) Option[K] {
	return func(m *Manager[K]) { m.onFailed = cb }
}

// OnCanceled registers the cancellation callback.
func OnCanceled[K comparable](cb func(key K)) Option[K] {
	return func(m *Manager[K]) { m.onCanceled = cb }
}

// WithHistory enables the SQLite download history at path.
func WithHistory[K comparable](path string) Option[K] {
	return func(m *Manager[K]) { m.historyPath = path }
}

// New builds a Manager sharing one HTTP client across downloads. A nil
// client falls back to http.DefaultClient.
func New[K comparable](client *http.Client, opts ...Option[K]) (*Manager[K], error) {
	if client == nil {
		client = http.DefaultClient
	}
	m := &Manager[K]{
		client:  client,
		entries: make(map[K]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.historyPath != "" {
		h, err := OpenHistory(m.historyPath)
		if err != nil {
			return nil, err
		}
		m.history = h
	}
	return m, nil
}

// AddDownload registers a download under key. A previous entry under the
// same key is replaced; cfg may be nil.
func (m *Manager[K]) AddDownload(key K, url string, cfg *Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = &entry{
		id:    uuid.New().String(),
		url:   url,
		cfg:   cfg,
		token: download.NewCancelToken(),
	}
}

// StartDownload builds and launches the download registered under key. Build
// validation errors are returned synchronously; probe and runtime failures
// arrive through the OnFailed callback.
func (m *Manager[K]) StartDownload(key K) error {
	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("no download registered for key %v", key)
	}
	if e.started {
		m.mu.Unlock()
		return fmt.Errorf("download %v already started", key)
	}
	e.started = true
	m.mu.Unlock()

	setup, err := download.NewSetup(m.client, e.url, e.options()...)
	if err != nil {
		m.mu.Lock()
		e.started = false
		m.mu.Unlock()
		return err
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		d, err := setup.Init(context.Background())
		if err != nil {
			utils.Debug("manager: init failed for %v: %v", key, err)
			m.recordFinished(e, download.StatusFailed, 0)
			if m.onFailed != nil {
				m.onFailed(key, err)
			}
			return
		}

		m.mu.Lock()
		e.dl = d
		m.mu.Unlock()
		m.recordStarted(e, key, d)

		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.monitor(key, e, d)
		}()

		d.Start(context.Background())
	}()
	return nil
}

// CancelDownload fires the cancel token of the download under key. Unknown
// keys and repeated cancels are no-ops.
func (m *Manager[K]) CancelDownload(key K) {
	m.mu.Lock()
	e, ok := m.entries[key]
	m.mu.Unlock()
	if ok {
		e.token.Cancel()
	}
}

// Downloader returns the running downloader under key, once its probe has
// finished.
func (m *Manager[K]) Downloader(key K) (*download.Downloader, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok || e.dl == nil {
		return nil, false
	}
	return e.dl, true
}

// History returns the download history store, nil when not enabled.
func (m *Manager[K]) History() *History {
	return m.history
}

// Close waits for all launched downloads and monitors to finish, then closes
// the history store.
func (m *Manager[K]) Close() error {
	m.wg.Wait()
	if m.history != nil {
		return m.history.Close()
	}
	return nil
}

func (m *Manager[K]) recordStarted(e *entry, key K, d *download.Downloader) {
	if m.history == nil {
		return
	}
	total, _ := d.Info().ContentLength()
	err := m.history.recordStarted(e.id, fmt.Sprintf("%v", key), e.url, d.Info().Filename(), total)
	if err != nil {
		utils.Debug("manager: history record failed: %v", err)
	}
}

func (m *Manager[K]) recordFinished(e *entry, status download.Status, downloaded int64) {
	if m.history == nil {
		return
	}
	if err := m.history.recordFinished(e.id, status.String(), downloaded); err != nil {
		utils.Debug("manager: history record failed: %v", err)
	}
}
