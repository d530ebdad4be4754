// Package audit persists guard decisions as newline-delimited JSON and fans
// them out to live subscribers.
package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/koltyakov/tunnelguard/internal/domain"
	"github.com/koltyakov/tunnelguard/internal/fsutil"
	ilog "github.com/koltyakov/tunnelguard/internal/log"
)

// maxLineBytes bounds a single audit line when reading the log back.
const maxLineBytes = 1 << 20

// Log is an append-only audit trail. Each entry is written with a single
// Write call on an O_APPEND file so lines never interleave.
type Log struct {
	path string
	log  *slog.Logger
	now  func() time.Time

	mu sync.Mutex
	f  *os.File

	subMu  sync.RWMutex
	subs   map[uint64]chan domain.AuditEntry
	nextID uint64
}

// Open opens (creating if needed) the audit log at path.
func Open(path string, logger *slog.Logger) (*Log, error) {
	if err := fsutil.EnsureParentDir(path); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &Log{
		path: path,
		log:  ilog.OrDiscard(logger),
		now:  time.Now,
		f:    f,
		subs: make(map[uint64]chan domain.AuditEntry),
	}, nil
}

// Path returns the audit file location.
func (l *Log) Path() string { return l.path }

// Append writes e as one line. Missing timestamp and request id are filled
// in.
func (l *Log) Append(e domain.AuditEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now().UTC()
	}
	if e.RequestID == "" {
		e.RequestID = uuid.NewString()
	}
	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	l.mu.Lock()
	if l.f == nil {
		l.mu.Unlock()
		return os.ErrClosed
	}
	_, err = l.f.Write(line)
	l.mu.Unlock()
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}

	l.publish(e)
	return nil
}

// Record appends e and logs, rather than returns, any failure.
func (l *Log) Record(e domain.AuditEntry) {
	if err := l.Append(e); err != nil {
		l.log.Error("failed to write audit entry", "path", e.Path, "err", err)
	}
}

// Recent returns up to n of the newest entries, oldest first. Malformed
// lines are skipped. A missing file yields no entries.
func (l *Log) Recent(n int) ([]domain.AuditEntry, error) {
	return ReadRecent(l.path, n)
}

// ReadRecent is like [Log.Recent] for a log that is not open.
func ReadRecent(path string, n int) ([]domain.AuditEntry, error) {
	if n <= 0 {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	ring := make([]domain.AuditEntry, 0, n)
	start := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for sc.Scan() {
		var e domain.AuditEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		if len(ring) < n {
			ring = append(ring, e)
			continue
		}
		ring[start] = e
		start = (start + 1) % n
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read audit log: %w", err)
	}
	out := make([]domain.AuditEntry, 0, len(ring))
	out = append(out, ring[start:]...)
	out = append(out, ring[:start]...)
	return out, nil
}

// Subscribe registers a live listener. Entries are dropped for a
// subscriber whose buffer is full. The returned func unsubscribes.
func (l *Log) Subscribe(buffer int) (<-chan domain.AuditEntry, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan domain.AuditEntry, buffer)
	l.subMu.Lock()
	l.nextID++
	id := l.nextID
	l.subs[id] = ch
	l.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.subMu.Lock()
			delete(l.subs, id)
			l.subMu.Unlock()
			close(ch)
		})
	}
}

func (l *Log) publish(e domain.AuditEntry) {
	l.subMu.RLock()
	defer l.subMu.RUnlock()
	for _, ch := range l.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Close closes the file. Subscribers are left to unsubscribe themselves.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}
