package policy

import "testing"

func TestCompileGlob(t *testing.T) {
	t.Parallel()

	tests := []struct {
		pattern string
		path    string
		want    bool
	}{
		{"/admin/*", "/admin/users", true},
		{"/admin/*", "/admin/users/42/edit", true},
		{"/admin/*", "/ADMIN/Users", true},
		{"/admin/*", "/admin", false},
		{"/admin/*", "/administrator/x", false},
		{"/internal/**", "/internal/a/b/c", true},
		{"/internal/**", "/internals", false},
		{"/.env", "/.env", true},
		{"/.env", "/.env.local", false},
		{"/files/*.log", "/files/app.log", true},
		{"/files/*.log", "/files/nested/app.log", false},
		{"/**/*.pem", "/certs/deep/server.pem", true},
		{"/v?/status", "/v1/status", true},
		{"/v?/status", "/v12/status", false},
		{"/a+b/(x)", "/a+b/(x)", true},
		{"/a+b/(x)", "/aab/x", false},
	}
	for _, tt := range tests {
		re, err := CompileGlob(tt.pattern)
		if err != nil {
			t.Fatalf("CompileGlob(%q): %v", tt.pattern, err)
		}
		if got := re.MatchString(tt.path); got != tt.want {
			t.Fatalf("%q vs %q: got %v, want %v (re=%s)", tt.pattern, tt.path, got, tt.want, re)
		}
	}
}

func TestCompileGlobRejectsEmpty(t *testing.T) {
	t.Parallel()

	if _, err := CompileGlob("   "); err == nil {
		t.Fatal("expected error for blank pattern")
	}
}

func TestSnapshotBlockedByReturnsFirstMatch(t *testing.T) {
	t.Parallel()

	blocked, err := compileBlocked([]string{"/secret/*", "/**"})
	if err != nil {
		t.Fatal(err)
	}
	snap := &Snapshot{blocked: blocked}
	if got, ok := snap.BlockedBy("/secret/key"); !ok || got != "/secret/*" {
		t.Fatalf("expected /secret/* to match first, got %q %v", got, ok)
	}
	if got, ok := snap.BlockedBy("/other"); !ok || got != "/**" {
		t.Fatalf("expected /** to match, got %q %v", got, ok)
	}
}
