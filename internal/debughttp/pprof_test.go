package debughttp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPprofMuxServesIndex(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil)
	rr := httptest.NewRecorder()

	newPprofMux().ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, strings.Contains(rr.Body.String(), "profile?debug=1"), "expected pprof index body")
}

func TestStartDisabled(t *testing.T) {
	t.Parallel()

	addr, err := Start(context.Background(), "  ", nil)
	require.NoError(t, err)
	assert.Nil(t, addr)
}

func TestStartRejectsPublicAddress(t *testing.T) {
	t.Parallel()

	for _, a := range []string{"0.0.0.0:0", ":6060", "203.0.113.4:6060"} {
		_, err := Start(context.Background(), a, nil)
		assert.ErrorIs(t, err, ErrNotLoopback, a)
	}
	_, err := Start(context.Background(), "no-port", nil)
	assert.Error(t, err)
}

func TestStartServesOnLoopback(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addr, err := Start(ctx, "127.0.0.1:0", nil)
	require.NoError(t, err)
	require.NotNil(t, addr)

	resp, err := http.Get("http://" + addr.String() + "/debug/pprof/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
