package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateTokenUnique(t *testing.T) {
	a, err := GenerateToken()
	require.NoError(t, err)
	b, err := GenerateToken()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 43)
}

func TestSecretMatchesPlaintext(t *testing.T) {
	t.Parallel()

	assert.True(t, SecretMatches("s3cret", "s3cret"))
	assert.False(t, SecretMatches("s3cret", "s3cre"))
	assert.False(t, SecretMatches("", "s3cret"))
	assert.False(t, SecretMatches("s3cret", ""))
}

func TestSecretMatchesBcrypt(t *testing.T) {
	t.Parallel()

	hash, err := HashSecret("s3cret")
	require.NoError(t, err)
	assert.True(t, IsBcryptHash(hash))
	assert.True(t, SecretMatches("s3cret", hash))
	assert.False(t, SecretMatches("nope", hash))
}

func TestExtractToken(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		header string
		value  string
		want   string
	}{
		{"dedicated header", TokenHeader, "abc", "abc"},
		{"token scheme", "Authorization", "Token abc", "abc"},
		{"bearer scheme", "Authorization", "Bearer abc", "abc"},
		{"basic scheme ignored", "Authorization", "Basic abc", ""},
		{"missing", "", "", ""},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				r.Header.Set(tt.header, tt.value)
			}
			assert.Equal(t, tt.want, ExtractToken(r))
		})
	}
}

func TestBearerToken(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	_, ok := BearerToken(r)
	assert.False(t, ok)

	r.Header.Set("Authorization", "Bearer a.b.c")
	tok, ok := BearerToken(r)
	assert.True(t, ok)
	assert.Equal(t, "a.b.c", tok)
}

func TestLooksLikeJWT(t *testing.T) {
	t.Parallel()

	assert.True(t, LooksLikeJWT("eyJhbGciOiJIUzI1NiJ9.eyJzdWIiOiIxIn0.c2ln"))
	assert.False(t, LooksLikeJWT("abc"))
	assert.False(t, LooksLikeJWT("a..c"))
	assert.False(t, LooksLikeJWT("a.b.c!"))
}
