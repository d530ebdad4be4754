package policy

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koltyakov/tunnelguard/internal/domain"
)

func strPtr(s string) *string { return &s }

func TestValidateDefaultPolicy(t *testing.T) {
	t.Parallel()

	res := Validate(Default())
	require.True(t, res.Valid, "errors: %v", res.Errors)
	assert.NoError(t, res.Err())
}

func TestValidateAccumulatesErrors(t *testing.T) {
	t.Parallel()

	p := &domain.Policy{
		Version: "2.0",
		Mode:    "prod",
		Routes: []domain.Route{
			{Path: "api", Methods: []string{"GET"}, Auth: domain.AuthNone},
			{Path: "", Methods: []string{"TRACE"}, Auth: "basic"},
			{Path: "/events", Methods: []string{"POST"}, Auth: domain.AuthToken, AllowedEvents: []string{"task.create", "Shell.Exec"}},
			{Path: "/window", Methods: []string{"GET"}, Auth: domain.AuthNone, AvailableBetween: &domain.TimeWindow{Start: "25:00", End: "06:00"}},
			{Path: "/expiring", Methods: []string{"GET"}, Auth: domain.AuthNone, Expires: strPtr("next tuesday")},
		},
		BlockedPaths: []string{""},
	}

	res := Validate(p)
	require.False(t, res.Valid)

	joined := strings.Join(res.Errors, "\n")
	for _, want := range []string{
		`version: "2.0" is not supported`,
		`mode: "prod" is not one of`,
		`routes[0].path: "api" must start with /`,
		`routes[1].path: is required`,
		`routes[1].methods[0]: "TRACE" is not one of`,
		`routes[1].auth: "basic" is not one of`,
		`routes[2].allowedEvents[1]: "Shell.Exec" is a dangerous event`,
		`routes[3].availableBetween.start: "25:00" must be HH:MM`,
		`routes[4].expires: "next tuesday" is not a valid ISO-8601 date`,
		`blockedPaths[0]: must not be empty`,
	} {
		assert.Contains(t, joined, want)
	}

	var invalid *domain.PolicyInvalidError
	require.ErrorAs(t, res.Err(), &invalid)
	assert.Equal(t, res.Errors, invalid.Errors)
}

func TestValidateRoutePathRules(t *testing.T) {
	t.Parallel()

	tests := map[string]bool{
		"/api":          true,
		"/api/*":        true,
		"/api/../etc":   false,
		"/api//x":       false,
		"/api/*/items":  false,
		"/api*":         false,
		"relative/path": false,
	}
	for path, valid := range tests {
		p := &domain.Policy{
			Version: domain.PolicyVersion,
			Mode:    domain.ModeStrict,
			Routes:  []domain.Route{{Path: path, Methods: []string{"GET"}, Auth: domain.AuthNone}},
		}
		assert.Equal(t, valid, Validate(p).Valid, "path %q", path)
	}
}

func TestValidateRejectsDuplicatePaths(t *testing.T) {
	t.Parallel()

	p := &domain.Policy{
		Version: domain.PolicyVersion,
		Mode:    domain.ModeDev,
		Routes: []domain.Route{
			{Path: "/a", Methods: []string{"GET"}, Auth: domain.AuthNone},
			{Path: "/a", Methods: []string{"POST"}, Auth: domain.AuthNone},
		},
	}
	res := Validate(p)
	require.False(t, res.Valid)
	assert.Contains(t, res.Errors[0], "duplicates routes[0]")
}

func TestValidateEmptyProjection(t *testing.T) {
	t.Parallel()

	p := Default()
	p.Projections["broken"] = domain.Projection{}
	res := Validate(p)
	require.False(t, res.Valid)
	assert.Equal(t, []string{"projections.broken.fields: must not be empty"}, res.Errors)
}

func TestValidateNil(t *testing.T) {
	t.Parallel()

	assert.False(t, Validate(nil).Valid)
}

func TestParseExpires(t *testing.T) {
	t.Parallel()

	for _, v := range []string{
		"2026-01-02T15:04:05Z",
		"2026-01-02T15:04:05.123+02:00",
		"2026-01-02T15:04:05",
		"2026-01-02T15:04",
		"2026-01-02",
	} {
		_, err := ParseExpires(v)
		assert.NoError(t, err, v)
	}
	_, err := ParseExpires("01/02/2026")
	assert.Error(t, err)
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	_, err := Parse([]byte(`{"version":"1.0","mode":"strict","routes":[],"blockedPath":["/admin/*"]}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "blockedPath")
}

func TestParseAcceptsComments(t *testing.T) {
	t.Parallel()

	p, err := Parse([]byte(`{
		// local overrides
		"version": "1.0",
		"mode": "dev",
		"routes": [],
		"blockedPaths": ["/admin/*",],
	}`))
	require.NoError(t, err)
	assert.Equal(t, domain.ModeDev, p.Mode)
	assert.Equal(t, []string{"/admin/*"}, p.BlockedPaths)
}

func TestSchemaDescribesPolicy(t *testing.T) {
	t.Parallel()

	raw, err := Schema()
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"blockedPaths"`)
	assert.Contains(t, string(raw), `"availableBetween"`)
}
