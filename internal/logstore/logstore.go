// Package logstore keeps agent child output per instance: an in-memory ring
// buffer for the UI plus NDJSON file persistence with gzip-compressed rotation.
package logstore

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	gzip "github.com/klauspost/compress/gzip"
)

const (
	maxLines     = 10000
	maxBytes     = 5 * 1024 * 1024  // 5MB in-memory ring buffer
	maxFileBytes = 10 * 1024 * 1024 // 10MB per log file before rotation
)

// Streams an entry can come from.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
	StreamSystem = "system" // spawn, exit and connect notices
)

// LogEntry is a single line of agent output.
type LogEntry struct {
	Timestamp  time.Time `json:"ts"`
	Stream     string    `json:"stream"`
	Line       string    `json:"line"`
	InstanceID string    `json:"instance_id"`
}

// String renders the entry the way it appears in plain-text logs.
func (e LogEntry) String() string {
	return fmt.Sprintf("%s [%s] %s", e.Timestamp.Format("2006-01-02 15:04:05.000"), e.Stream, e.Line)
}

// Store manages agent logs for all instances.
type Store struct {
	mu      sync.RWMutex
	logs    map[string]*InstanceLog
	logsDir string
}

// NewStore creates a new log store, creating logsDir if needed.
func NewStore(logsDir string) *Store {
	os.MkdirAll(logsDir, 0700)
	return &Store{
		logs:    make(map[string]*InstanceLog),
		logsDir: logsDir,
	}
}

func (s *Store) path(instanceID string) string {
	return filepath.Join(s.logsDir, "agent-"+instanceID+".ndjson")
}

// GetOrCreate returns the log for the given instance, creating it if needed.
func (s *Store) GetOrCreate(instanceID string) *InstanceLog {
	s.mu.RLock()
	il, ok := s.logs[instanceID]
	s.mu.RUnlock()
	if ok {
		return il
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if il, ok := s.logs[instanceID]; ok {
		return il
	}
	il = newInstanceLog(instanceID, s.path(instanceID))
	s.logs[instanceID] = il
	return il
}

// Get returns the log for the given instance, or nil if not found.
func (s *Store) Get(instanceID string) *InstanceLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.logs[instanceID]
}

// Close closes the log of an instance but keeps its files for diagnosis.
func (s *Store) Close(instanceID string) {
	s.mu.Lock()
	il, ok := s.logs[instanceID]
	delete(s.logs, instanceID)
	s.mu.Unlock()

	if ok {
		il.Close()
	}
}

// Remove closes the log for an instance and removes its files from disk.
func (s *Store) Remove(instanceID string) {
	s.Close(instanceID)
	p := s.path(instanceID)
	os.Remove(p)
	os.Remove(p + ".1.gz")
	os.Remove(p + ".1") // left by a rotation whose compression failed
}

// CloseAll closes every open log.
func (s *Store) CloseAll() {
	s.mu.Lock()
	logs := s.logs
	s.logs = make(map[string]*InstanceLog)
	s.mu.Unlock()

	for _, il := range logs {
		il.Close()
	}
}

// InstanceLog is a per-instance ring buffer with disk persistence and live subscriptions.
type InstanceLog struct {
	mu         sync.Mutex
	instanceID string

	entries    []LogEntry
	head       int
	count      int
	totalBytes int

	subs []chan LogEntry

	filePath  string
	file      *os.File
	fileBytes int64
}

func newInstanceLog(instanceID, filePath string) *InstanceLog {
	il := &InstanceLog{
		instanceID: instanceID,
		entries:    make([]LogEntry, maxLines),
		filePath:   filePath,
	}

	f, err := os.OpenFile(filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err == nil {
		il.file = f
		info, _ := f.Stat()
		if info != nil {
			il.fileBytes = info.Size()
		}
	}
	return il
}

func entrySize(e LogEntry) int {
	return len(e.Line) + len(e.Stream) + 100 // approximate overhead
}

// Append adds a line to the ring buffer, persists it, and notifies subscribers.
func (il *InstanceLog) Append(stream, line string) LogEntry {
	entry := LogEntry{
		Timestamp:  time.Now(),
		Stream:     stream,
		Line:       line,
		InstanceID: il.instanceID,
	}
	size := entrySize(entry)

	il.mu.Lock()

	for il.count > 0 && (il.totalBytes+size > maxBytes || il.count >= maxLines) {
		il.totalBytes -= entrySize(il.entries[il.head])
		il.head = (il.head + 1) % maxLines
		il.count--
	}

	idx := (il.head + il.count) % maxLines
	il.entries[idx] = entry
	il.count++
	il.totalBytes += size

	if il.file != nil {
		data, err := json.Marshal(entry)
		if err == nil {
			data = append(data, '\n')
			n, err := il.file.Write(data)
			if err == nil {
				il.fileBytes += int64(n)
				if il.fileBytes > maxFileBytes {
					il.rotate()
				}
			}
		}
	}

	subs := make([]chan LogEntry, len(il.subs))
	copy(subs, il.subs)
	il.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- entry:
		default:
		}
	}
	return entry
}

// rotate compresses the current file into <file>.1.gz, replacing any older
// segment, and starts a fresh file.
func (il *InstanceLog) rotate() {
	if il.file != nil {
		il.file.Close()
		il.file = nil
	}
	if err := compressFile(il.filePath, il.filePath+".1.gz"); err == nil {
		os.Remove(il.filePath)
	} else {
		os.Rename(il.filePath, il.filePath+".1")
	}
	f, err := os.OpenFile(il.filePath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err == nil {
		il.file = f
		il.fileBytes = 0
	}
}

func compressFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(out)
	if _, err := io.Copy(zw, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := zw.Close(); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

// ReadRotated returns the entries of the compressed previous segment, if any.
func (il *InstanceLog) ReadRotated() ([]LogEntry, error) {
	f, err := os.Open(il.filePath + ".1.gz")
	if err != nil {
		return nil, err
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	var entries []LogEntry
	dec := json.NewDecoder(zr)
	for dec.More() {
		var e LogEntry
		if err := dec.Decode(&e); err != nil {
			return entries, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Read returns buffered entries newer than since, limited to the last tail.
// If tail <= 0, all matching entries are returned.
func (il *InstanceLog) Read(since time.Time, tail int) []LogEntry {
	il.mu.Lock()
	defer il.mu.Unlock()

	var result []LogEntry
	for i := 0; i < il.count; i++ {
		e := il.entries[(il.head+i)%maxLines]
		if !since.IsZero() && !e.Timestamp.After(since) {
			continue
		}
		result = append(result, e)
	}

	if tail > 0 && len(result) > tail {
		result = result[len(result)-tail:]
	}
	return result
}

// Subscribe returns a channel for live entries, a snapshot of buffered ones,
// and an unsubscribe function.
func (il *InstanceLog) Subscribe() (ch chan LogEntry, existing []LogEntry, unsub func()) {
	il.mu.Lock()
	defer il.mu.Unlock()

	ch = make(chan LogEntry, 100)
	il.subs = append(il.subs, ch)

	existing = make([]LogEntry, 0, il.count)
	for i := 0; i < il.count; i++ {
		existing = append(existing, il.entries[(il.head+i)%maxLines])
	}

	unsub = func() {
		il.mu.Lock()
		defer il.mu.Unlock()
		for i, s := range il.subs {
			if s == ch {
				il.subs = append(il.subs[:i], il.subs[i+1:]...)
				close(ch)
				break
			}
		}
	}
	return ch, existing, unsub
}

// Close closes the file handle and all subscriber channels.
func (il *InstanceLog) Close() {
	il.mu.Lock()
	defer il.mu.Unlock()
	if il.file != nil {
		il.file.Close()
		il.file = nil
	}
	for _, ch := range il.subs {
		close(ch)
	}
	il.subs = nil
}
