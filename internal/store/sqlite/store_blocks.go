package sqlite

import (
	"context"
	"time"

	"github.com/koltyakov/tunnelguard/internal/breaker"
	"github.com/koltyakov/tunnelguard/internal/domain"
)

var _ breaker.BlockStore = (*Store)(nil)

// Timestamps are stored as Unix milliseconds so range comparisons stay
// numeric.

// SaveBlock inserts or replaces the block for b.IP.
func (s *Store) SaveBlock(ctx context.Context, b domain.BlockedIP) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO blocked_ips(ip, blocked_until, reason, failed_attempts, created_at)
VALUES(?, ?, ?, ?, ?)
ON CONFLICT(ip) DO UPDATE SET
	blocked_until = excluded.blocked_until,
	reason = excluded.reason,
	failed_attempts = excluded.failed_attempts`,
		b.IP, b.BlockedUntil.UnixMilli(), b.Reason, b.FailedAttempts, time.Now().UnixMilli())
	return err
}

// DeleteBlock removes the block for ip. Removing an absent block is not an
// error.
func (s *Store) DeleteBlock(ctx context.Context, ip string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM blocked_ips WHERE ip = ?`, ip)
	return err
}

// LoadBlocks returns every block still active at now, ordered by IP.
func (s *Store) LoadBlocks(ctx context.Context, now time.Time) ([]domain.BlockedIP, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT ip, blocked_until, reason, failed_attempts
FROM blocked_ips
WHERE blocked_until > ?
ORDER BY ip`, now.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.BlockedIP
	for rows.Next() {
		var b domain.BlockedIP
		var until int64
		if err := rows.Scan(&b.IP, &until, &b.Reason, &b.FailedAttempts); err != nil {
			return nil, err
		}
		b.BlockedUntil = time.UnixMilli(until).UTC()
		out = append(out, b)
	}
	return out, rows.Err()
}

// PurgeExpired deletes blocks that ended at or before now and returns how
// many were removed.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM blocked_ips WHERE blocked_until <= ?`, now.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
