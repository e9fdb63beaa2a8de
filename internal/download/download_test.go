package download

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xfeldman/mxu/internal/errdefs"
	"github.com/xfeldman/mxu/internal/events"
)

type recorder struct {
	mu   sync.Mutex
	msgs []events.DownloadProgressPayload
}

func (r *recorder) Emit(name string, payload any) {
	if name != events.DownloadProgress {
		return
	}
	r.mu.Lock()
	r.msgs = append(r.msgs, payload.(events.DownloadProgressPayload))
	r.mu.Unlock()
}

func (r *recorder) last() events.DownloadProgressPayload {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.msgs[len(r.msgs)-1]
}

func newTestManager(t *testing.T, em events.Emitter) *Manager {
	t.Helper()
	return NewManager(Options{
		BackupDir:        filepath.Join(t.TempDir(), "old"),
		UserAgent:        "mxu-test",
		Timeout:          5 * time.Second,
		ConnectTimeout:   time.Second,
		ProgressInterval: 10 * time.Millisecond,
	}, em)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"app.zip", "app.zip", true},
		{"report.pdf", "report.pdf", true},
		{"dir/a.zip", "a.zip", true},
		{"../../etc/passwd.txt", "", false},
		{"../../evil.exe", "", false},
		{`..\..\evil.exe`, "", false},
		{"files/../evil.exe", "", false},
		{`C:\Windows\evil.exe`, "evil.exe", true},
		{"dir/", "", false},
		{"", "", false},
		{".", "", false},
		{"..", "", false},
		{"..hidden.txt", "", false},
		{"README", "", false},
		{"noext", "", false},
	}
	for _, tt := range tests {
		got, ok := SanitizeFilename(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("SanitizeFilename(%q) = %q, %v, want %q, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestParseContentDisposition(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{`attachment; filename="example.exe"`, "example.exe"},
		{`attachment; filename=example.exe`, "example.exe"},
		{`attachment; filename*=UTF-8''%E4%B8%AD%E6%96%87.exe`, "中文.exe"},
		{`Attachment; Filename="Example.exe"`, "Example.exe"},
		{`attachment; filename="plain.zip"; filename*=UTF-8''enc%20oded.zip`, "enc oded.zip"},
		{`attachment; filename=my file.zip`, "my file.zip"},
	}
	for _, tt := range tests {
		got, ok := ParseContentDisposition(tt.header)
		if !ok || got != tt.want {
			t.Errorf("ParseContentDisposition(%q) = %q, %v, want %q", tt.header, got, ok, tt.want)
		}
	}

	_, ok := ParseContentDisposition("inline")
	assert.False(t, ok)
}

func TestDownloadUsesContentDisposition(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "mxu-test", r.UserAgent())
		w.Header().Set("Content-Disposition", `attachment; filename="builds/release-1.2.zip"`)
		w.Write([]byte("payload"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	m := newTestManager(t, nil)
	res, err := m.Start(context.Background(), Request{URL: srv.URL + "/dl", Path: filepath.Join(dir, "wanted.zip")})
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "release-1.2.zip"), res.Path)
	assert.Equal(t, "release-1.2.zip", res.DetectedFilename)
	assert.Equal(t, uint64(1), res.SessionID)
	data, err := os.ReadFile(res.Path)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
	assert.NoFileExists(t, filepath.Join(dir, "wanted.zip"))
}

func TestDownloadIgnoresTraversalName(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Disposition", `attachment; filename="../../evil.exe"`)
		w.Write([]byte("payload"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	m := newTestManager(t, nil)
	res, err := m.Start(context.Background(), Request{URL: srv.URL + "/dl", Path: filepath.Join(dir, "wanted.zip")})
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "wanted.zip"), res.Path)
	assert.Empty(t, res.DetectedFilename)
	assert.NoFileExists(t, filepath.Join(dir, "evil.exe"))
}

func TestDownloadUsesFinalURLName(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/latest", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/files/pkg%20v2.tar.gz", http.StatusFound)
	})
	mux.HandleFunc("/files/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("tarball"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	dir := t.TempDir()
	m := newTestManager(t, nil)
	res, err := m.Start(context.Background(), Request{URL: srv.URL + "/latest", Path: filepath.Join(dir, "pkg.tar.gz")})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "pkg v2.tar.gz"), res.Path)
}

func TestDownloadFallsBackToCallerName(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("x"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	m := newTestManager(t, nil)
	res, err := m.Start(context.Background(), Request{URL: srv.URL + "/download", Path: filepath.Join(dir, "asset.bin")})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "asset.bin"), res.Path)
	assert.Empty(t, res.DetectedFilename)
}

// A large download must land byte-identical and never be visible at the
// destination before the final rename.
func TestDownloadLargeFileAtomic(t *testing.T) {
	payload := make([]byte, 10*1024*1024)
	_, err := rand.Read(payload)
	require.NoError(t, err)

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		half := len(payload) / 2
		w.Header().Set("Content-Length", "10485760")
		w.Write(payload[:half])
		w.(http.Flusher).Flush()
		<-release
		w.Write(payload[half:])
	}))
	defer srv.Close()

	dir := t.TempDir()
	target := filepath.Join(dir, "big.bin")
	rec := &recorder{}
	m := newTestManager(t, rec)

	done := make(chan error, 1)
	var res *Result
	go func() {
		var err error
		res, err = m.Start(context.Background(), Request{URL: srv.URL + "/big", Path: target})
		done <- err
	}()

	waitFor(t, func() bool {
		info, err := os.Stat(target + StagingSuffix)
		return err == nil && info.Size() > 0
	})
	assert.NoFileExists(t, target)
	close(release)

	require.NoError(t, <-done)
	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, got))
	assert.Equal(t, int64(len(payload)), res.Bytes)
	assert.NoFileExists(t, target+StagingSuffix)

	final := rec.last()
	assert.Equal(t, float64(100), final.Percent)
	assert.Equal(t, float64(0), final.SpeedBps)
	assert.Equal(t, int64(len(payload)), final.TotalBytes)
}

func TestFinalProgressWithUnknownSize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("abc"))
		w.(http.Flusher).Flush() // forces chunked encoding, no Content-Length
		w.Write([]byte("def"))
	}))
	defer srv.Close()

	rec := &recorder{}
	m := newTestManager(t, rec)
	_, err := m.Start(context.Background(), Request{URL: srv.URL + "/f.txt", Path: filepath.Join(t.TempDir(), "f.txt")})
	require.NoError(t, err)

	final := rec.last()
	assert.Equal(t, int64(6), final.TotalBytes)
	assert.Equal(t, int64(6), final.DownloadedBytes)
	assert.Equal(t, float64(100), final.Percent)
}

func TestHTTPErrorIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	m := newTestManager(t, nil)
	m.opts.Retries = 3
	_, err := m.Start(context.Background(), Request{URL: srv.URL + "/x.zip", Path: filepath.Join(t.TempDir(), "x.zip")})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errdefs.ErrIO))
	assert.Contains(t, err.Error(), "503")
	assert.Equal(t, int32(1), hits.Load())
}

func slowServer(t *testing.T) (*httptest.Server, chan struct{}) {
	stop := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		chunk := bytes.Repeat([]byte("z"), 4096)
		for {
			if _, err := w.Write(chunk); err != nil {
				return
			}
			w.(http.Flusher).Flush()
			select {
			case <-stop:
				return
			case <-r.Context().Done():
				return
			case <-time.After(5 * time.Millisecond):
			}
		}
	}))
	t.Cleanup(func() {
		close(stop)
		srv.Close()
	})
	return srv, stop
}

func TestCancelRemovesStaging(t *testing.T) {
	srv, _ := slowServer(t)
	target := filepath.Join(t.TempDir(), "slow.bin")
	m := newTestManager(t, nil)

	done := make(chan error, 1)
	go func() {
		_, err := m.Start(context.Background(), Request{URL: srv.URL + "/stream", Path: target})
		done <- err
	}()
	waitFor(t, func() bool {
		_, err := os.Stat(target + StagingSuffix)
		return err == nil
	})

	m.Cancel(target)
	err := <-done
	assert.True(t, errors.Is(err, errdefs.ErrCancelled), "got %v", err)
	assert.NoFileExists(t, target+StagingSuffix)
	assert.NoFileExists(t, target)
}

func TestNewSessionSupersedesOld(t *testing.T) {
	slow, _ := slowServer(t)
	fast := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("second"))
	}))
	defer fast.Close()

	dir := t.TempDir()
	m := newTestManager(t, nil)

	first := make(chan error, 1)
	go func() {
		_, err := m.Start(context.Background(), Request{URL: slow.URL + "/one", Path: filepath.Join(dir, "one.bin")})
		first <- err
	}()
	waitFor(t, func() bool { return m.Session() == 1 })
	waitFor(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, "one.bin") + StagingSuffix)
		return err == nil
	})

	res, err := m.Start(context.Background(), Request{URL: fast.URL + "/two", Path: filepath.Join(dir, "two.bin")})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), res.SessionID)

	assert.True(t, errors.Is(<-first, errdefs.ErrCancelled))
	assert.NoFileExists(t, filepath.Join(dir, "one.bin"))
}

// A cancel issued before a session starts must not leak into it.
func TestStaleCancelDoesNotAffectNextSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	m := newTestManager(t, nil)
	m.Cancel(filepath.Join(t.TempDir(), "previous.bin"))

	_, err := m.Start(context.Background(), Request{URL: srv.URL + "/ok.txt", Path: filepath.Join(t.TempDir(), "ok.txt")})
	assert.NoError(t, err)
}

func TestCancelledSessionThenNewSessionCancellable(t *testing.T) {
	srv, _ := slowServer(t)
	dir := t.TempDir()
	m := newTestManager(t, nil)

	for i, name := range []string{"a.bin", "b.bin"} {
		target := filepath.Join(dir, name)
		done := make(chan error, 1)
		go func() {
			_, err := m.Start(context.Background(), Request{URL: srv.URL + "/s", Path: target})
			done <- err
		}()
		want := uint64(i + 1)
		waitFor(t, func() bool { return m.Session() == want })
		waitFor(t, func() bool {
			_, err := os.Stat(target + StagingSuffix)
			return err == nil
		})
		m.Cancel(target)
		assert.True(t, errors.Is(<-done, errdefs.ErrCancelled))
	}
}

func TestExistingFileMovedToBackup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("new"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	target := filepath.Join(dir, "app.exe")
	require.NoError(t, os.WriteFile(target, []byte("old"), 0644))

	m := newTestManager(t, nil)
	res, err := m.Start(context.Background(), Request{URL: srv.URL + "/dl", Path: target})
	require.NoError(t, err)

	data, _ := os.ReadFile(target)
	assert.Equal(t, "new", string(data))
	old, err := os.ReadFile(res.BackupPath)
	require.NoError(t, err)
	assert.Equal(t, "old", string(old))
}

func TestMoveToBackupNumbering(t *testing.T) {
	dir := t.TempDir()
	backup := filepath.Join(dir, "old")
	src := filepath.Join(dir, "file.dll")

	var got []string
	for i := 0; i < 3; i++ {
		require.NoError(t, os.WriteFile(src, []byte{byte(i)}, 0644))
		dest, err := MoveToBackup(src, backup)
		require.NoError(t, err)
		got = append(got, filepath.Base(dest))
	}
	assert.Equal(t, []string{"file.dll", "file.dll.bak001", "file.dll.bak002"}, got)

	dest, err := MoveToBackup(filepath.Join(dir, "missing"), backup)
	assert.NoError(t, err)
	assert.Empty(t, dest)
}

func TestMoveToBackupReusesLastSlotWhenFull(t *testing.T) {
	dir := t.TempDir()
	backup := filepath.Join(dir, "old")
	require.NoError(t, os.MkdirAll(backup, 0700))

	base := filepath.Join(backup, "file.dll")
	require.NoError(t, os.WriteFile(base, []byte("orig"), 0644))
	for i := 1; i <= 999; i++ {
		require.NoError(t, os.WriteFile(fmt.Sprintf("%s.bak%03d", base, i), []byte("stale"), 0644))
	}

	src := filepath.Join(dir, "file.dll")
	require.NoError(t, os.WriteFile(src, []byte("fresh"), 0644))
	dest, err := MoveToBackup(src, backup)
	require.NoError(t, err)
	assert.Equal(t, base+".bak999", dest)

	data, err := os.ReadFile(base + ".bak999")
	require.NoError(t, err)
	assert.Equal(t, "fresh", string(data))
	assert.NoFileExists(t, base+".bak1000")
	assert.NoFileExists(t, src)

	first, err := os.ReadFile(base + ".bak001")
	require.NoError(t, err)
	assert.Equal(t, "stale", string(first))
}

func TestInvalidProxy(t *testing.T) {
	m := newTestManager(t, nil)
	_, err := m.Start(context.Background(), Request{URL: "http://example.invalid/a.zip", Path: filepath.Join(t.TempDir(), "a.zip"), Proxy: "ftp://proxy:21"})
	assert.True(t, errors.Is(err, errdefs.ErrInvalidConfig))
}

func TestOnFinishRecords(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	m := newTestManager(t, nil)
	var recs []Record
	m.OnFinish = func(r Record) { recs = append(recs, r) }

	_, err := m.Start(context.Background(), Request{URL: srv.URL + "/r.txt", Path: filepath.Join(t.TempDir(), "r.txt")})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "completed", recs[0].Status)
	assert.Equal(t, int64(2), recs[0].Bytes)
}
