// Package breaker tracks failed requests per source and temporarily blocks
// sources that fail too often.
package breaker

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/koltyakov/tunnelguard/internal/domain"
	ilog "github.com/koltyakov/tunnelguard/internal/log"
)

const (
	DefaultMaxFailures   = 10
	DefaultWindow        = 60 * time.Second
	DefaultBlockDuration = 15 * time.Minute

	// shardCount controls how many independent shards the breaker uses.
	// Each shard has its own mutex so concurrent failures from distinct
	// sources rarely contend.
	shardCount = 16

	storeTimeout = 5 * time.Second
)

// Config holds the breaker thresholds.
type Config struct {
	MaxFailures   int
	Window        time.Duration
	BlockDuration time.Duration
}

// DefaultConfig returns 10 failures per minute, blocked for 15 minutes.
func DefaultConfig() Config {
	return Config{
		MaxFailures:   DefaultMaxFailures,
		Window:        DefaultWindow,
		BlockDuration: DefaultBlockDuration,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxFailures <= 0 {
		c.MaxFailures = DefaultMaxFailures
	}
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.BlockDuration <= 0 {
		c.BlockDuration = DefaultBlockDuration
	}
	return c
}

// BlockStore persists blocks across restarts.
type BlockStore interface {
	SaveBlock(ctx context.Context, b domain.BlockedIP) error
	DeleteBlock(ctx context.Context, ip string) error
	LoadBlocks(ctx context.Context, now time.Time) ([]domain.BlockedIP, error)
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// Breaker is a per-source sliding-window failure counter. Keys are mapped
// to one of [shardCount] shards via FNV hashing; pruning, threshold checks,
// block changes and their persistence for a key happen under its shard
// lock, so the store never disagrees with memory about a key.
type Breaker struct {
	cfg    Config
	shards [shardCount]shard
	store  BlockStore
	now    func() time.Time
	log    *slog.Logger
}

type shard struct {
	mu       sync.Mutex
	failures map[string][]time.Time
	blocks   map[string]domain.BlockedIP
}

// Option customises a [Breaker].
type Option func(*Breaker)

// WithStore enables block persistence.
func WithStore(s BlockStore) Option {
	return func(b *Breaker) { b.store = s }
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		if now != nil {
			b.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Breaker) { b.log = ilog.OrDiscard(l) }
}

// New returns a breaker with cfg; zero fields take the defaults.
func New(cfg Config, opts ...Option) *Breaker {
	b := &Breaker{
		cfg: cfg.withDefaults(),
		now: time.Now,
		log: ilog.Discard(),
	}
	for i := range b.shards {
		b.shards[i].failures = make(map[string][]time.Time)
		b.shards[i].blocks = make(map[string]domain.BlockedIP)
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Config returns the effective thresholds.
func (b *Breaker) Config() Config { return b.cfg }

// Restore loads unexpired blocks from the store.
func (b *Breaker) Restore(ctx context.Context) (int, error) {
	if b.store == nil {
		return 0, nil
	}
	blocks, err := b.store.LoadBlocks(ctx, b.now())
	if err != nil {
		return 0, err
	}
	for _, rec := range blocks {
		s := b.shard(rec.IP)
		s.mu.Lock()
		s.blocks[rec.IP] = rec
		s.mu.Unlock()
	}
	return len(blocks), nil
}

func (b *Breaker) shard(key string) *shard {
	return &b.shards[shardIndex(key)]
}

func shardIndex(key string) int {
	const (
		fnvOffset32 = uint32(2166136261)
		fnvPrime32  = uint32(16777619)
	)
	h := fnvOffset32
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= fnvPrime32
	}
	return int(h % uint32(shardCount))
}

// RecordFailure counts a failed request from ip. It reports whether ip is
// blocked after this failure and, if so, the block record. A source that is
// already blocked is not counted again.
func (b *Breaker) RecordFailure(ip, reason string) (bool, *domain.BlockedIP) {
	now := b.now()
	s := b.shard(ip)
	s.mu.Lock()
	if rec, ok := s.blocks[ip]; ok && !now.After(rec.BlockedUntil) {
		s.mu.Unlock()
		return true, &rec
	}

	window := prune(s.failures[ip], now.Add(-b.cfg.Window))
	window = append(window, now)
	if len(window) < b.cfg.MaxFailures {
		s.failures[ip] = window
		s.mu.Unlock()
		return false, nil
	}

	rec := domain.BlockedIP{
		IP:             ip,
		BlockedUntil:   now.Add(b.cfg.BlockDuration),
		Reason:         reason,
		FailedAttempts: len(window),
	}
	s.blocks[ip] = rec
	delete(s.failures, ip)
	b.persist(rec)
	s.mu.Unlock()

	b.log.Warn("source blocked", "ip", ip, "until", rec.BlockedUntil, "failed_attempts", rec.FailedAttempts, "reason", reason)
	return true, &rec
}

// RecordSuccess resets ip's failure window. It does not lift a block.
func (b *Breaker) RecordSuccess(ip string) {
	s := b.shard(ip)
	s.mu.Lock()
	delete(s.failures, ip)
	s.mu.Unlock()
}

// IsBlocked reports whether ip is currently blocked. An expired block is
// removed on the way.
func (b *Breaker) IsBlocked(ip string) (bool, *domain.BlockedIP) {
	now := b.now()
	s := b.shard(ip)
	s.mu.Lock()
	rec, ok := s.blocks[ip]
	if !ok {
		s.mu.Unlock()
		return false, nil
	}
	if now.After(rec.BlockedUntil) {
		delete(s.blocks, ip)
		b.forget(ip)
		s.mu.Unlock()
		return false, nil
	}
	s.mu.Unlock()
	return true, &rec
}

// BlockIP blocks ip for d regardless of its failure count.
func (b *Breaker) BlockIP(ip, reason string, d time.Duration) domain.BlockedIP {
	if d <= 0 {
		d = b.cfg.BlockDuration
	}
	now := b.now()
	s := b.shard(ip)
	s.mu.Lock()
	rec := domain.BlockedIP{
		IP:             ip,
		BlockedUntil:   now.Add(d),
		Reason:         reason,
		FailedAttempts: len(prune(s.failures[ip], now.Add(-b.cfg.Window))),
	}
	s.blocks[ip] = rec
	delete(s.failures, ip)
	b.persist(rec)
	s.mu.Unlock()

	b.log.Info("source blocked manually", "ip", ip, "until", rec.BlockedUntil)
	return rec
}

// UnblockIP lifts a block and clears the failure window. It reports
// whether a block existed.
func (b *Breaker) UnblockIP(ip string) bool {
	s := b.shard(ip)
	s.mu.Lock()
	_, ok := s.blocks[ip]
	delete(s.blocks, ip)
	delete(s.failures, ip)
	b.forget(ip)
	s.mu.Unlock()
	return ok
}

// Blocked lists the active blocks ordered by IP.
func (b *Breaker) Blocked() []domain.BlockedIP {
	now := b.now()
	var out []domain.BlockedIP
	for i := range b.shards {
		s := &b.shards[i]
		s.mu.Lock()
		for _, rec := range s.blocks {
			if !now.After(rec.BlockedUntil) {
				out = append(out, rec)
			}
		}
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IP < out[j].IP })
	return out
}

// Cleanup evicts idle failure windows and expired blocks across all
// shards. Called periodically by the janitor so the hot path never walks
// the maps.
func (b *Breaker) Cleanup() {
	now := b.now()
	cutoff := now.Add(-b.cfg.Window)
	for i := range b.shards {
		s := &b.shards[i]
		s.mu.Lock()
		for ip, window := range s.failures {
			if w := prune(window, cutoff); len(w) == 0 {
				delete(s.failures, ip)
			} else {
				s.failures[ip] = w
			}
		}
		for ip, rec := range s.blocks {
			if now.After(rec.BlockedUntil) {
				delete(s.blocks, ip)
			}
		}
		s.mu.Unlock()
	}
	if b.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if _, err := b.store.PurgeExpired(ctx, now); err != nil {
			b.log.Warn("failed to purge expired blocks", "err", err)
		}
	}
}

// persist and forget must be called with the key's shard lock held.
func (b *Breaker) persist(rec domain.BlockedIP) {
	if b.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := b.store.SaveBlock(ctx, rec); err != nil {
		b.log.Warn("failed to persist block", "ip", rec.IP, "err", err)
	}
}

func (b *Breaker) forget(ip string) {
	if b.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := b.store.DeleteBlock(ctx, ip); err != nil {
		b.log.Warn("failed to delete persisted block", "ip", ip, "err", err)
	}
}

// prune drops timestamps at or before cutoff. Timestamps are appended in
// order so the kept tail is contiguous.
func prune(window []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(window) && !window[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return window
	}
	return append(window[:0], window[i:]...)
}
