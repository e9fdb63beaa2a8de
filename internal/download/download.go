// Package download streams files over HTTP into place with progress events
// and epoch-scoped cancellation.
//
// Only one download is current at a time. Starting a download advances the
// session epoch, which silently retires any session still streaming; Cancel
// aborts whichever session is current.
package download

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	units "github.com/docker/go-units"
	cleanhttp "github.com/hashicorp/go-cleanhttp"
	retryablehttp "github.com/hashicorp/go-retryablehttp"

	"github.com/xfeldman/mxu/internal/errdefs"
	"github.com/xfeldman/mxu/internal/events"
)

// StagingSuffix marks a file that is still being downloaded.
const StagingSuffix = ".downloading"

const readChunk = 32 * 1024

// Options configures a Manager.
type Options struct {
	BackupDir        string
	UserAgent        string
	Timeout          time.Duration // until response headers arrive
	ConnectTimeout   time.Duration
	Retries          int
	ProgressInterval time.Duration
	BufferSize       int
}

// Request describes one download.
type Request struct {
	URL string `json:"url"`
	// Path is where the caller wants the file. A filename announced by the
	// server replaces its last element; the directory is always kept.
	Path string `json:"path"`
	// ExpectedSize is the size the caller already knows, 0 if unknown.
	ExpectedSize int64 `json:"expected_size,omitempty"`
	// Proxy is an optional http://, https:// or socks5:// proxy URL.
	Proxy string `json:"proxy,omitempty"`
}

// Result describes a finished download.
type Result struct {
	SessionID        uint64 `json:"session_id"`
	Path             string `json:"actual_save_path"`
	DetectedFilename string `json:"detected_filename,omitempty"`
	Bytes            int64  `json:"bytes"`
	BackupPath       string `json:"backup_path,omitempty"`
}

// Record is reported once per session, whatever its outcome.
type Record struct {
	SessionID  uint64
	URL        string
	Path       string
	Bytes      int64
	Status     string // "completed", "cancelled" or "failed"
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Manager runs download sessions.
type Manager struct {
	opts    Options
	emitter events.Emitter

	epoch     atomic.Uint64
	cancelled atomic.Bool

	mu      sync.Mutex
	staging string // staging file of the current session
	current uint64
	abort   context.CancelFunc

	// OnFinish, if set, receives the record of every session.
	OnFinish func(Record)
}

// NewManager creates a download manager emitting progress to emitter.
func NewManager(opts Options, emitter events.Emitter) *Manager {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 256 * 1024
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = 100 * time.Millisecond
	}
	if emitter == nil {
		emitter = events.Discard
	}
	return &Manager{opts: opts, emitter: emitter}
}

// Session returns the id of the most recently started session.
func (m *Manager) Session() uint64 { return m.epoch.Load() }

// stale reports whether session must stop: cancelled, or superseded.
func (m *Manager) stale(session uint64) bool {
	return m.cancelled.Load() || m.epoch.Load() != session
}

// Start downloads req.URL and moves it into place. It blocks until the
// download finishes, fails, or is cancelled.
func (m *Manager) Start(ctx context.Context, req Request) (*Result, error) {
	session := m.epoch.Add(1)
	m.cancelled.Store(false)
	log.Printf("download: session %d %s -> %s", session, req.URL, req.Path)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	m.mu.Lock()
	if m.abort != nil {
		m.abort() // superseded
	}
	m.current, m.abort = session, cancel
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		if m.current == session {
			m.abort = nil
		}
		m.mu.Unlock()
	}()

	started := time.Now()
	res, err := m.run(ctx, session, req)

	rec := Record{SessionID: session, URL: req.URL, Path: req.Path, StartedAt: started, FinishedAt: time.Now()}
	switch {
	case err == nil:
		rec.Status, rec.Path, rec.Bytes = "completed", res.Path, res.Bytes
	case errors.Is(err, errdefs.ErrCancelled):
		rec.Status, rec.Error = "cancelled", err.Error()
	default:
		rec.Status, rec.Error = "failed", err.Error()
	}
	if m.OnFinish != nil {
		m.OnFinish(rec)
	}
	if err != nil {
		log.Printf("download: session %d %s: %v", session, rec.Status, err)
	}
	return res, err
}

func (m *Manager) run(ctx context.Context, session uint64, req Request) (*Result, error) {
	if req.Path == "" {
		return nil, errdefs.InvalidConfigf("download needs a save path")
	}
	dir := filepath.Dir(req.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errdefs.IO(err, "create directory %s", dir)
	}

	client, err := m.client(req.Proxy)
	if err != nil {
		return nil, err
	}
	httpReq, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, errdefs.InvalidConfigf("invalid url %q: %v", req.URL, err)
	}
	if m.opts.UserAgent != "" {
		httpReq.Header.Set("User-Agent", m.opts.UserAgent)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		if m.stale(session) {
			return nil, errdefs.Cancelled("download cancelled")
		}
		return nil, errdefs.IO(err, "request %s", req.URL)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errdefs.IO(fmt.Errorf("HTTP %s", resp.Status), "request %s", req.URL)
	}

	target := req.Path
	detected, ok := DetectFilename(resp)
	if ok {
		target = filepath.Join(dir, detected)
		log.Printf("download: session %d detected filename %s", session, detected)
	}
	staging := target + StagingSuffix

	total := req.ExpectedSize
	if total <= 0 && resp.ContentLength > 0 {
		total = resp.ContentLength
	}
	if total < 0 {
		total = 0
	}

	m.setStaging(session, staging)
	defer m.setStaging(session, "")

	n, err := m.stream(ctx, session, resp.Body, staging, total)
	if err != nil {
		os.Remove(staging)
		return nil, err
	}

	backup, err := MoveToBackup(target, m.opts.BackupDir)
	if err != nil {
		log.Printf("download: session %d keep existing %s: %v", session, target, err)
	}
	if err := os.Rename(staging, target); err != nil {
		os.Remove(staging)
		return nil, errdefs.IO(err, "move %s into place", target)
	}

	log.Printf("download: session %d complete: %s -> %s", session, units.HumanSize(float64(n)), target)
	return &Result{
		SessionID:        session,
		Path:             target,
		DetectedFilename: detected,
		Bytes:            n,
		BackupPath:       backup,
	}, nil
}

// stream copies body into the staging file, emitting progress and checking
// for cancellation after every chunk. The staging file is synced and closed
// before a nil error is returned.
func (m *Manager) stream(ctx context.Context, session uint64, body io.Reader, staging string, total int64) (int64, error) {
	f, err := os.Create(staging)
	if err != nil {
		return 0, errdefs.IO(err, "create %s", staging)
	}
	defer f.Close()

	w := bufio.NewWriterSize(f, m.opts.BufferSize)
	chunk := make([]byte, readChunk)
	var downloaded, lastBytes int64
	lastTime := time.Now()

	for {
		if m.stale(session) {
			return downloaded, errdefs.Cancelled("download cancelled")
		}
		if err := ctx.Err(); err != nil {
			return downloaded, errdefs.Cancelled("download cancelled: %v", err)
		}

		nr, rerr := body.Read(chunk)
		if nr > 0 {
			if _, err := w.Write(chunk[:nr]); err != nil {
				return downloaded, errdefs.IO(err, "write %s", staging)
			}
			downloaded += int64(nr)

			if now := time.Now(); now.Sub(lastTime) >= m.opts.ProgressInterval {
				elapsed := now.Sub(lastTime).Seconds()
				m.emitter.Emit(events.DownloadProgress, events.DownloadProgressPayload{
					SessionID:       session,
					DownloadedBytes: downloaded,
					TotalBytes:      total,
					SpeedBps:        float64(downloaded-lastBytes) / elapsed,
					Percent:         percent(downloaded, total),
				})
				lastTime, lastBytes = now, downloaded
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			if m.stale(session) || ctx.Err() != nil {
				return downloaded, errdefs.Cancelled("download cancelled")
			}
			return downloaded, errdefs.IO(rerr, "read response body")
		}
	}

	if m.stale(session) {
		return downloaded, errdefs.Cancelled("download cancelled before finalize")
	}
	if err := w.Flush(); err != nil {
		return downloaded, errdefs.IO(err, "write %s", staging)
	}
	if err := f.Sync(); err != nil {
		return downloaded, errdefs.IO(err, "sync %s", staging)
	}
	if err := f.Close(); err != nil {
		return downloaded, errdefs.IO(err, "close %s", staging)
	}

	final := total
	if final <= 0 {
		final = downloaded
	}
	m.emitter.Emit(events.DownloadProgress, events.DownloadProgressPayload{
		SessionID:       session,
		DownloadedBytes: downloaded,
		TotalBytes:      final,
		SpeedBps:        0,
		Percent:         100,
	})
	return downloaded, nil
}

func percent(done, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(done) / float64(total) * 100
}

func (m *Manager) setStaging(session uint64, path string) {
	m.mu.Lock()
	if m.current == session {
		m.staging = path
	}
	m.mu.Unlock()
}

// Cancel aborts the current session and best-effort removes its staging
// file along with the one derived from path.
func (m *Manager) Cancel(path string) {
	m.cancelled.Store(true)
	log.Printf("download: cancel requested for %s", path)

	m.mu.Lock()
	current := m.staging
	if m.abort != nil {
		m.abort()
	}
	m.mu.Unlock()

	for _, p := range []string{path + StagingSuffix, current} {
		if p == "" || p == StagingSuffix {
			continue
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Printf("download: remove %s: %v", p, err)
		}
	}
}

// client builds an HTTP client for one session. Connection-level failures are
// retried; any HTTP response, error status included, is final.
func (m *Manager) client(proxy string) (*retryablehttp.Client, error) {
	transport := cleanhttp.DefaultPooledTransport()
	if m.opts.ConnectTimeout > 0 {
		transport.DialContext = (&net.Dialer{
			Timeout:   m.opts.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext
	}
	if m.opts.Timeout > 0 {
		transport.ResponseHeaderTimeout = m.opts.Timeout
	}
	if proxy != "" {
		u, err := url.Parse(proxy)
		if err != nil || u.Host == "" {
			return nil, errdefs.InvalidConfigf("invalid proxy %q: use http:// or socks5://", proxy)
		}
		switch u.Scheme {
		case "http", "https", "socks5", "socks5h":
		default:
			return nil, errdefs.InvalidConfigf("unsupported proxy scheme %q: use http:// or socks5://", u.Scheme)
		}
		transport.Proxy = http.ProxyURL(u)
		log.Printf("download: using proxy %s", u.Redacted())
	}

	rc := retryablehttp.NewClient()
	rc.HTTPClient = &http.Client{Transport: transport}
	rc.RetryMax = m.opts.Retries
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.Logger = nil
	rc.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if err == nil {
			return false, nil
		}
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return rc, nil
}
