package projection

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koltyakov/tunnelguard/internal/domain"
)

var projections = map[string]domain.Projection{
	"task":  {Fields: []string{"id", "title"}},
	"agent": {Fields: []string{"id", "name", "status"}},
}

func TestProjectTask(t *testing.T) {
	t.Parallel()

	task := map[string]any{
		"id":         "t1",
		"title":      "Ship it",
		"status":     "open",
		"ownerEmail": "a@example.com",
		"secretNote": "x",
	}
	got, err := Project(task, "task", projections)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"id": "t1", "title": "Ship it"}, got)
}

func TestProjectUndefined(t *testing.T) {
	t.Parallel()

	_, err := Project(map[string]any{"id": 1}, "nope", projections)
	assert.ErrorIs(t, err, domain.ErrProjectionUndefined)
}

func TestProjectSliceAndStruct(t *testing.T) {
	t.Parallel()

	type task struct {
		ID        string    `json:"id"`
		Title     string    `json:"title"`
		Token     string    `json:"token"`
		CreatedAt time.Time `json:"createdAt"`
	}
	list := []task{{ID: "a", Title: "A", Token: "x"}, {ID: "b", Title: "B", Token: "y"}}

	got, err := Project(list, "task", projections)
	require.NoError(t, err)
	assert.Equal(t, []any{
		map[string]any{"id": "a", "title": "A"},
		map[string]any{"id": "b", "title": "B"},
	}, got)
}

func TestProjectRejectsScalars(t *testing.T) {
	t.Parallel()

	_, err := Project("just a string", "task", projections)
	assert.Error(t, err)
}

func TestApplyProjectionOmitsMissing(t *testing.T) {
	t.Parallel()

	got := ApplyProjection(map[string]any{"id": 1}, []string{"id", "title"})
	assert.Equal(t, map[string]any{"id": 1}, got)
}

func TestAutoProject(t *testing.T) {
	t.Parallel()

	raw := json.RawMessage(`[
		{"id":"t1","title":"Write","status":"open","assignee":"bob"},
		{"id":"a1","name":"planner","status":"idle","systemPrompt":"be nice","apiKey":"k"},
		{"name":"report.pdf","size":10,"mimeType":"application/pdf","path":"/home/u/report.pdf"},
		{"kind":"other","nested":{"password":"p","ok":true},"list":[{"cwd":"/tmp","v":1}]}
	]`)

	got := AutoProject(raw, projections)
	assert.Equal(t, []any{
		map[string]any{"id": "t1", "title": "Write"},
		map[string]any{"id": "a1", "name": "planner", "status": "idle"},
		// No "file" projection declared: sanitised instead.
		map[string]any{"name": "report.pdf", "size": float64(10), "mimeType": "application/pdf"},
		map[string]any{"kind": "other", "nested": map[string]any{"ok": true}, "list": []any{map[string]any{"v": float64(1)}}},
	}, got)
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		obj  map[string]any
		want string
	}{
		{map[string]any{"title": "x", "status": "open"}, KindTask},
		{map[string]any{"name": "bot", "model": "m"}, KindAgent},
		{map[string]any{"name": "a.txt", "mimeType": "text/plain"}, KindFile},
		{map[string]any{"summary": "s", "createdAt": "2026-01-01"}, KindMemory},
		{map[string]any{"foo": "bar"}, ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.obj), "%v", tt.obj)
	}
}

func TestSanitizeObject(t *testing.T) {
	t.Parallel()

	in := map[string]any{
		"id":            "1",
		"access_token":  "t",
		"Authorization": "Bearer x",
		"privateKey":    "k",
		"home":          "/home/u",
		"author":        "alice",
		"pathname":      "/tmp/x",
		"authHeader":    "Basic dXNlcjpwYXNz",
		"basicAuth":     "user:pass",
		"localPath":     "/Users/me/.ssh/id_rsa",
		"workingDir":    "/Users/me/project",
		"homeDirectory": "/Users/me",
		"title":         "t",
		"callback":      func() {},
		"items":         []any{map[string]any{"client-secret": "s", "n": 1}},
	}
	got := SanitizeObject(in)
	assert.Equal(t, map[string]any{
		"id":    "1",
		"title": "t",
		"items": []any{map[string]any{"n": float64(1)}},
	}, got)
}

func TestIsSensitiveKey(t *testing.T) {
	t.Parallel()

	for _, k := range []string{
		"password", "PASSWORD", "db_password", "refreshToken", "api-key", "apiKey", "credentials",
		"auth", "authHeader", "basicAuth", "author", "filePath", "localPath", "pathname",
		"dir", "workingDir", "directoryCount", "homeDirectory", "CWD",
	} {
		assert.True(t, IsSensitiveKey(k), k)
	}
	for _, k := range []string{"id", "title", "name", "status", "createdAt"} {
		assert.False(t, IsSensitiveKey(k), k)
	}
}
