package policy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/tidwall/jsonc"

	"github.com/koltyakov/tunnelguard/internal/domain"
	ilog "github.com/koltyakov/tunnelguard/internal/log"
)

// DefaultCacheTTL bounds how long a loaded policy is reused before the file
// is read again. Edits become effective within this window, not instantly.
const DefaultCacheTTL = 5 * time.Second

// Snapshot is an immutable, validated policy together with its compiled
// deny-list.
type Snapshot struct {
	Policy   *domain.Policy
	LoadedAt time.Time
	blocked  []blockedPattern
}

// BlockedBy returns the first blockedPaths pattern matching path.
func (s *Snapshot) BlockedBy(path string) (string, bool) {
	for _, bp := range s.blocked {
		if bp.re.MatchString(path) {
			return bp.raw, true
		}
	}
	return "", false
}

// Store loads the policy document from disk with a short-lived in-memory
// cache. Reload happens on expiry, not on file change. A read, parse, or
// validation failure yields no policy at all; the previous good policy is
// not reused.
type Store struct {
	path string
	ttl  time.Duration
	now  func() time.Time
	log  *slog.Logger

	writeMu sync.Mutex

	mu       sync.RWMutex
	snap     *Snapshot
	err      error
	loadedAt time.Time
}

// StoreOption customises a [Store].
type StoreOption func(*Store)

// WithCacheTTL overrides [DefaultCacheTTL].
func WithCacheTTL(d time.Duration) StoreOption {
	return func(s *Store) {
		if d > 0 {
			s.ttl = d
		}
	}
}

// WithClock injects the time source.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the logger used for reload failures.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.log = ilog.OrDiscard(l) }
}

// NewStore returns a store for the policy file at path.
func NewStore(path string, opts ...StoreOption) *Store {
	s := &Store{
		path: path,
		ttl:  DefaultCacheTTL,
		now:  time.Now,
		log:  ilog.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the policy file location.
func (s *Store) Path() string { return s.path }

// Load returns the current policy snapshot. Failures are cached for the
// same TTL as successes so a broken file does not turn every request into
// a disk read.
func (s *Store) Load() (*Snapshot, error) {
	now := s.now()
	s.mu.RLock()
	if s.fresh(now) {
		snap, err := s.snap, s.err
		s.mu.RUnlock()
		return snap, err
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fresh(now) {
		return s.snap, s.err
	}
	snap, err := s.read(now)
	if err != nil {
		s.log.Warn("policy unavailable, denying all requests", "path", s.path, "err", err)
	}
	s.snap, s.err, s.loadedAt = snap, err, now
	return snap, err
}

// Invalidate drops the cached snapshot so the next Load reads the file.
func (s *Store) Invalidate() {
	s.mu.Lock()
	s.snap, s.err, s.loadedAt = nil, nil, time.Time{}
	s.mu.Unlock()
}

// Exists reports whether the policy file is present.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// ReadDocument reads and parses the file without validating or caching it.
func (s *Store) ReadDocument() (*domain.Policy, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s does not exist", domain.ErrPolicyMissing, s.path)
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrPolicyMissing, err)
	}
	p, err := Parse(raw)
	if err != nil {
		return nil, &domain.PolicyInvalidError{Errors: []string{err.Error()}}
	}
	return p, nil
}

func (s *Store) fresh(now time.Time) bool {
	return !s.loadedAt.IsZero() && now.Sub(s.loadedAt) < s.ttl
}

func (s *Store) read(now time.Time) (*Snapshot, error) {
	p, err := s.ReadDocument()
	if err != nil {
		return nil, err
	}
	if err := Validate(p).Err(); err != nil {
		return nil, err
	}
	blocked, err := compileBlocked(p.BlockedPaths)
	if err != nil {
		return nil, &domain.PolicyInvalidError{Errors: []string{err.Error()}}
	}
	return &Snapshot{Policy: p, LoadedAt: now, blocked: blocked}, nil
}

// Parse decodes a policy document. Comments and trailing commas are
// permitted; unknown fields are rejected so a misspelt key (for example
// "blockedPath") cannot silently disable a rule.
func Parse(raw []byte) (*domain.Policy, error) {
	dec := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(raw)))
	dec.DisallowUnknownFields()
	var p domain.Policy
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("parsing policy: %w", err)
	}
	return &p, nil
}

// ValidateBytes parses and validates raw policy bytes in one pass.
func ValidateBytes(raw []byte) (Result, *domain.Policy) {
	p, err := Parse(raw)
	if err != nil {
		return Result{Errors: []string{err.Error()}}, nil
	}
	return Validate(p), p
}
