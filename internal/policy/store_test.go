package policy

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koltyakov/tunnelguard/internal/domain"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	path := filepath.Join(t.TempDir(), "policy.json")
	return NewStore(path, WithClock(clock.Now)), clock
}

func TestStoreMissingFileFailsClosed(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	snap, err := s.Load()
	assert.Nil(t, snap)
	assert.ErrorIs(t, err, domain.ErrPolicyMissing)
}

func TestStoreWriteThenLoad(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	require.NoError(t, s.Write(Default()))

	snap, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, Default(), snap.Policy)
	_, blocked := snap.BlockedBy("/admin/users")
	assert.True(t, blocked)

	info, err := os.Stat(s.Path())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestStoreWriteRejectsInvalidPolicy(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	p := Default()
	p.Mode = "yolo"

	var invalid *domain.PolicyInvalidError
	require.ErrorAs(t, s.Write(p), &invalid)
	assert.False(t, s.Exists())
}

func TestStoreUpdate(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	assert.ErrorIs(t, s.Update(func(*domain.Policy) error { return nil }), domain.ErrPolicyMissing)

	require.NoError(t, s.Write(Default()))
	require.NoError(t, s.Update(func(p *domain.Policy) error {
		p.Routes = append(p.Routes, NewRoute("/api/tasks"))
		return nil
	}))
	snap, err := s.Load()
	require.NoError(t, err)
	assert.Len(t, snap.Policy.Routes, len(Default().Routes)+1)

	errStop := errors.New("stop")
	before, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	assert.ErrorIs(t, s.Update(func(p *domain.Policy) error {
		p.Routes = nil
		return errStop
	}), errStop)
	after, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	assert.Equal(t, before, after, "failed update leaves the file untouched")
}

func TestStoreInitRefusesOverwrite(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	require.NoError(t, s.Init(Default()))
	assert.ErrorIs(t, s.Init(Default()), domain.ErrPolicyExists)
}

func TestStoreCachesUntilTTL(t *testing.T) {
	t.Parallel()

	s, clock := newTestStore(t)
	require.NoError(t, s.Write(Default()))
	first, err := s.Load()
	require.NoError(t, err)

	// Corrupt the file behind the store's back.
	require.NoError(t, os.WriteFile(s.Path(), []byte(`{"version":`), 0o600))

	clock.Advance(DefaultCacheTTL - time.Millisecond)
	cached, err := s.Load()
	require.NoError(t, err)
	assert.Same(t, first, cached)

	clock.Advance(2 * time.Millisecond)
	snap, err := s.Load()
	assert.Nil(t, snap, "a broken file must not fall back to the previous policy")
	var invalid *domain.PolicyInvalidError
	assert.True(t, errors.As(err, &invalid))
}

func TestStoreCachesFailures(t *testing.T) {
	t.Parallel()

	s, clock := newTestStore(t)
	_, err := s.Load()
	require.ErrorIs(t, err, domain.ErrPolicyMissing)

	require.NoError(t, os.WriteFile(s.Path(), mustMarshal(t, Default()), 0o600))
	_, err = s.Load()
	assert.ErrorIs(t, err, domain.ErrPolicyMissing, "failure should be cached within the TTL")

	clock.Advance(DefaultCacheTTL)
	snap, err := s.Load()
	require.NoError(t, err)
	assert.NotNil(t, snap)
}

func TestStoreSemanticErrorFailsClosed(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	raw := []byte(`{"version":"1.0","mode":"strict","routes":[{"path":"/x","methods":["GET"],"auth":"none","expires":null,"allowedEvents":["db.drop"]}],"blockedPaths":[]}`)
	require.NoError(t, os.WriteFile(s.Path(), raw, 0o600))

	snap, err := s.Load()
	assert.Nil(t, snap)
	var invalid *domain.PolicyInvalidError
	require.ErrorAs(t, err, &invalid)
	assert.Contains(t, invalid.Errors[0], "dangerous event")
}

func TestValidateBytes(t *testing.T) {
	t.Parallel()

	res, p := ValidateBytes([]byte(`not json`))
	assert.False(t, res.Valid)
	assert.Nil(t, p)

	res, p = ValidateBytes(mustMarshal(t, Default()))
	assert.True(t, res.Valid, "%v", res.Errors)
	assert.NotNil(t, p)
}

func mustMarshal(t *testing.T, p *domain.Policy) []byte {
	t.Helper()
	raw, err := Marshal(p)
	require.NoError(t, err)
	return raw
}
