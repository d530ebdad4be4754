// Package tunnel manages tunnels through an external cloudflared-compatible
// CLI: install check, login, create/start/stop/delete, temporary tunnels,
// and static-site deploys.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/koltyakov/tunnelguard/internal/account"
	"github.com/koltyakov/tunnelguard/internal/domain"
	ilog "github.com/koltyakov/tunnelguard/internal/log"
)

const (
	MinTTLSeconds = 300
	MaxTTLSeconds = 86400

	DefaultBinary       = "cloudflared"
	DefaultDeployBinary = "wrangler"

	versionTimeout = 10 * time.Second
	loginTimeout   = 5 * time.Minute
	commandTimeout = 30 * time.Second
	deployTimeout  = 5 * time.Minute
	installTimeout = 5 * time.Minute

	defaultStopGrace = 5 * time.Second
	defaultURLWait   = 30 * time.Second
	pollInterval     = 100 * time.Millisecond
)

var (
	namePattern     = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,62}$`)
	uuidPattern     = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)
	quickURLPattern = regexp.MustCompile(`https://[a-z0-9-]+\.trycloudflare\.com`)
	pagesURLPattern = regexp.MustCompile(`https://[A-Za-z0-9.-]+\.pages\.dev\S*`)
	certPathPattern = regexp.MustCompile(`(?:[A-Za-z]:\\|/)\S*\.pem`)
	emailPattern    = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	versionPattern  = regexp.MustCompile(`\d+\.\d+\.\d+`)
	projectPattern  = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,57}$`)
)

// Config configures a [Manager].
type Config struct {
	// Binary is the tunnel CLI executable.
	Binary string
	// DeployBinary is the static-site deploy CLI executable.
	DeployBinary string
	// StateDir holds tunnels.json, account.json and process logs.
	StateDir string
	// BaseDomain, when set, names tunnels https://<name>.<BaseDomain>.
	BaseDomain string
	// StopGrace bounds how long Stop waits after SIGTERM before SIGKILL.
	StopGrace time.Duration
	// URLWait bounds how long a temporary tunnel may take to print its URL.
	URLWait time.Duration
}

// Manager supervises tunnel records and their client processes. Every
// state change is persisted before the call returns.
type Manager struct {
	cfg    Config
	runner Runner
	state  stateFile
	now    func() time.Time
	log    *slog.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// Option customises a [Manager].
type Option func(*Manager)

// WithRunner replaces the os/exec runner.
func WithRunner(r Runner) Option {
	return func(m *Manager) {
		if r != nil {
			m.runner = r
		}
	}
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = ilog.OrDiscard(l) }
}

// NewManager returns a manager persisting to cfg.StateDir.
func NewManager(cfg Config, opts ...Option) *Manager {
	if cfg.Binary == "" {
		cfg.Binary = DefaultBinary
	}
	if cfg.DeployBinary == "" {
		cfg.DeployBinary = DefaultDeployBinary
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = defaultStopGrace
	}
	if cfg.URLWait <= 0 {
		cfg.URLWait = defaultURLWait
	}
	m := &Manager{
		cfg:    cfg,
		runner: ExecRunner{},
		state:  stateFile{path: filepath.Join(cfg.StateDir, "tunnels.json")},
		now:    time.Now,
		log:    ilog.Discard(),
		timers: make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AccountPath is where Login stores the captured identity.
func (m *Manager) AccountPath() string { return filepath.Join(m.cfg.StateDir, "account.json") }

// StatePath is the tunnel record file.
func (m *Manager) StatePath() string { return m.state.path }

// ValidateTTL clamps a requested temporary-tunnel lifetime into
// [MinTTLSeconds, MaxTTLSeconds].
func ValidateTTL(seconds int) int {
	switch {
	case seconds < MinTTLSeconds:
		return MinTTLSeconds
	case seconds > MaxTTLSeconds:
		return MaxTTLSeconds
	}
	return seconds
}

// CheckInstalled runs the CLI version check and returns the version.
func (m *Manager) CheckInstalled(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, versionTimeout)
	defer cancel()
	out, err := m.runner.Run(ctx, m.cfg.Binary, "--version")
	if err != nil {
		return "", m.fail("", "check", domain.ErrTunnelToolUnavailable, err, out)
	}
	if v := versionPattern.FindString(out.Combined()); v != "" {
		return v, nil
	}
	return strings.TrimSpace(out.Combined()), nil
}

// Install installs the tunnel CLI with the platform package manager.
func (m *Manager) Install(ctx context.Context) error {
	name, args, ok := installerCommand(runtime.GOOS, m.cfg.Binary)
	if !ok {
		return m.fail("", "install", domain.ErrTunnelToolUnavailable,
			fmt.Errorf("no automatic installer for %s; install %s manually", runtime.GOOS, m.cfg.Binary), Output{})
	}
	ctx, cancel := context.WithTimeout(ctx, installTimeout)
	defer cancel()
	out, err := m.runner.Run(ctx, name, args...)
	if err != nil {
		return m.fail("", "install", domain.ErrTunnelOperationFailed, err, out)
	}
	m.log.Info("tunnel client installed", "binary", m.cfg.Binary)
	return nil
}

func installerCommand(goos, binary string) (string, []string, bool) {
	if binary != DefaultBinary {
		return "", nil, false
	}
	switch goos {
	case "darwin":
		return "brew", []string{"install", "cloudflared"}, true
	case "windows":
		return "winget", []string{"install", "--id", "Cloudflare.cloudflared", "-e"}, true
	}
	return "", nil, false
}

// Login runs the interactive CLI login and persists the captured identity.
func (m *Manager) Login(ctx context.Context) (account.Account, error) {
	ctx, cancel := context.WithTimeout(ctx, loginTimeout)
	defer cancel()
	out, err := m.runner.Run(ctx, m.cfg.Binary, "tunnel", "login")
	if err != nil {
		return account.Account{}, m.fail("", "login", domain.ErrTunnelOperationFailed, err, out)
	}
	combined := out.Combined()
	acct := account.Account{
		Account:    emailPattern.FindString(combined),
		LoggedInAt: m.now().UTC(),
		CertPath:   certPathPattern.FindString(combined),
	}
	if acct.Account == "" {
		acct.Account = "cloudflare"
	}
	if err := account.Save(m.AccountPath(), acct); err != nil {
		return account.Account{}, m.fail("", "login", domain.ErrTunnelOperationFailed, err, Output{})
	}
	m.log.Info("logged in", "account", acct.Account)
	return acct, nil
}

// AuthStatus returns the stored identity, if any.
func (m *Manager) AuthStatus() (account.Account, bool) {
	acct, err := account.Load(m.AccountPath())
	if err != nil {
		if !errors.Is(err, account.ErrNotLoggedIn) {
			m.log.Warn("failed to read account", "err", err)
		}
		return account.Account{}, false
	}
	return acct, true
}

// Logout forgets the stored identity.
func (m *Manager) Logout() error {
	return account.Clear(m.AccountPath())
}

// CreateTunnel registers a named tunnel with the provider and records it.
func (m *Manager) CreateTunnel(ctx context.Context, name string) (domain.Tunnel, error) {
	if !namePattern.MatchString(name) {
		return domain.Tunnel{}, m.fail(name, "create", domain.ErrTunnelOperationFailed,
			errors.New("name must be 1-63 lowercase letters, digits or hyphens"), Output{})
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	records, err := m.state.load()
	if err != nil {
		return domain.Tunnel{}, m.fail(name, "create", domain.ErrTunnelOperationFailed, err, Output{})
	}
	if _, exists := records[name]; exists {
		return domain.Tunnel{}, m.fail(name, "create", domain.ErrTunnelOperationFailed, errors.New("tunnel already exists"), Output{})
	}

	runCtx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	out, err := m.runner.Run(runCtx, m.cfg.Binary, "tunnel", "create", name)
	if err != nil {
		return domain.Tunnel{}, m.fail(name, "create", domain.ErrTunnelOperationFailed, err, out)
	}
	id, err := parseTunnelID(out.Combined())
	if err != nil {
		return domain.Tunnel{}, m.fail(name, "create", domain.ErrTunnelOperationFailed, err, out)
	}

	t := domain.Tunnel{
		ID:           id,
		Name:         name,
		URL:          m.namedURL(name, id),
		CreatedAt:    m.now().UTC(),
		Status:       domain.TunnelStatusStopped,
		ProcessState: domain.ProcessStopped,
	}
	records[name] = t
	if err := m.state.save(records); err != nil {
		return domain.Tunnel{}, m.fail(name, "create", domain.ErrTunnelOperationFailed, err, Output{})
	}
	m.log.Info("tunnel created", "tunnel", name, "id", id)
	return t, nil
}

func parseTunnelID(output string) (string, error) {
	for _, candidate := range uuidPattern.FindAllString(output, -1) {
		if id, err := uuid.Parse(candidate); err == nil {
			return id.String(), nil
		}
	}
	return "", errors.New("no tunnel id in CLI output")
}

func (m *Manager) namedURL(name, id string) string {
	if d := strings.Trim(strings.TrimSpace(m.cfg.BaseDomain), "."); d != "" {
		return "https://" + name + "." + d
	}
	return "https://" + id + ".cfargotunnel.com"
}

// StartTunnel launches the client process for a created tunnel, forwarding
// to localhost:port. Starting a running tunnel returns its record.
func (m *Manager) StartTunnel(ctx context.Context, name string, port int) (domain.Tunnel, error) {
	if err := validatePort(port); err != nil {
		return domain.Tunnel{}, m.fail(name, "start", domain.ErrTunnelOperationFailed, err, Output{})
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	records, err := m.state.load()
	if err != nil {
		return domain.Tunnel{}, m.fail(name, "start", domain.ErrTunnelOperationFailed, err, Output{})
	}
	t, ok := records[name]
	if !ok {
		return domain.Tunnel{}, &domain.TunnelError{Tunnel: name, Op: "start", Err: domain.ErrTunnelNotFound}
	}
	if t.PID > 0 && m.alive(t.PID) {
		return t, nil
	}

	t.ProcessState = domain.ProcessStarting
	t.LocalPort = port
	records[name] = t
	if err := m.state.save(records); err != nil {
		return domain.Tunnel{}, m.fail(name, "start", domain.ErrTunnelOperationFailed, err, Output{})
	}

	pid, _, err := m.spawn(name, []string{"tunnel", "run", "--url", localURL(port), t.ID})
	if err != nil {
		t.Status = domain.TunnelStatusError
		t.ProcessState = domain.ProcessStopped
		t.PID = 0
		records[name] = t
		if saveErr := m.state.save(records); saveErr != nil {
			m.log.Warn("failed to persist tunnel state", "tunnel", name, "err", saveErr)
		}
		return t, m.fail(name, "start", domain.ErrTunnelOperationFailed, err, Output{})
	}

	t.PID = pid
	t.Status = domain.TunnelStatusActive
	t.ProcessState = domain.ProcessRunning
	records[name] = t
	if err := m.state.save(records); err != nil {
		return t, m.fail(name, "start", domain.ErrTunnelOperationFailed, err, Output{})
	}
	m.log.Info("tunnel started", "tunnel", name, "pid", pid, "port", port, "url", t.URL)
	return t, nil
}

// StopTunnel terminates the tunnel's client process. A process that is
// already gone counts as stopped.
func (m *Manager) StopTunnel(ctx context.Context, name string) (domain.Tunnel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	records, err := m.state.load()
	if err != nil {
		return domain.Tunnel{}, m.fail(name, "stop", domain.ErrTunnelOperationFailed, err, Output{})
	}
	t, ok := records[name]
	if !ok {
		return domain.Tunnel{}, &domain.TunnelError{Tunnel: name, Op: "stop", Err: domain.ErrTunnelNotFound}
	}
	t, err = m.stopLocked(ctx, records, t)
	if err != nil {
		return t, m.fail(name, "stop", domain.ErrTunnelOperationFailed, err, Output{})
	}
	return t, nil
}

func (m *Manager) stopLocked(ctx context.Context, records map[string]domain.Tunnel, t domain.Tunnel) (domain.Tunnel, error) {
	m.cancelTimer(t.Name)
	if t.PID > 0 && m.alive(t.PID) {
		t.ProcessState = domain.ProcessStopping
		records[t.Name] = t
		if err := m.state.save(records); err != nil {
			return t, err
		}
		if err := m.terminate(ctx, t.PID); err != nil {
			return t, err
		}
	}
	t.PID = 0
	t.Status = domain.TunnelStatusStopped
	t.ProcessState = domain.ProcessStopped
	records[t.Name] = t
	if err := m.state.save(records); err != nil {
		return t, err
	}
	m.log.Info("tunnel stopped", "tunnel", t.Name)
	return t, nil
}

// alive reports whether pid is still the tunnel CLI this manager started.
func (m *Manager) alive(pid int) bool {
	return pid > 0 && m.runner.Alive(pid, m.cfg.Binary)
}

// terminate sends SIGTERM, waits up to the grace period, then SIGKILLs.
func (m *Manager) terminate(ctx context.Context, pid int) error {
	if err := m.runner.Terminate(pid); err != nil {
		if errors.Is(err, ErrProcessNotFound) {
			return nil
		}
		m.log.Warn("terminate failed, killing", "pid", pid, "err", err)
	} else if m.waitExit(ctx, pid, m.cfg.StopGrace) {
		return nil
	}
	if err := m.runner.Kill(pid); err != nil && !errors.Is(err, ErrProcessNotFound) {
		return fmt.Errorf("kill pid %d: %w", pid, err)
	}
	return nil
}

func (m *Manager) waitExit(ctx context.Context, pid int, grace time.Duration) bool {
	deadline := time.NewTimer(grace)
	defer deadline.Stop()
	tick := time.NewTicker(pollInterval)
	defer tick.Stop()
	for {
		if !m.alive(pid) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return !m.alive(pid)
		case <-tick.C:
		}
	}
}

// DeleteTunnel stops the tunnel and removes it from the provider and the
// local records. Temporary tunnels have no provider registration.
func (m *Manager) DeleteTunnel(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	records, err := m.state.load()
	if err != nil {
		return m.fail(name, "delete", domain.ErrTunnelOperationFailed, err, Output{})
	}
	t, ok := records[name]
	if !ok {
		return &domain.TunnelError{Tunnel: name, Op: "delete", Err: domain.ErrTunnelNotFound}
	}
	if t, err = m.stopLocked(ctx, records, t); err != nil {
		return m.fail(name, "delete", domain.ErrTunnelOperationFailed, err, Output{})
	}
	if !t.IsTemporary {
		runCtx, cancel := context.WithTimeout(ctx, commandTimeout)
		defer cancel()
		out, err := m.runner.Run(runCtx, m.cfg.Binary, "tunnel", "delete", "-f", t.ID)
		if err != nil {
			return m.fail(name, "delete", domain.ErrTunnelOperationFailed, err, out)
		}
	}
	delete(records, name)
	if err := m.state.save(records); err != nil {
		return m.fail(name, "delete", domain.ErrTunnelOperationFailed, err, Output{})
	}
	m.log.Info("tunnel deleted", "tunnel", name)
	return nil
}

// ListTunnels returns all records after reconciling them with the live
// process table: dead processes are marked stopped (or error when they
// died while running) and expired temporary tunnels are stopped and
// dropped.
func (m *Manager) ListTunnels(ctx context.Context) ([]domain.Tunnel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	records, err := m.state.load()
	if err != nil {
		return nil, m.fail("", "list", domain.ErrTunnelOperationFailed, err, Output{})
	}

	now := m.now()
	changed := false
	for name, t := range records {
		if t.IsTemporary && t.Expires != nil && !now.Before(*t.Expires) {
			if _, err := m.stopLocked(ctx, records, t); err != nil {
				m.log.Warn("failed to stop expired tunnel", "tunnel", name, "err", err)
				continue
			}
			delete(records, name)
			changed = true
			continue
		}
		if t.PID > 0 && !m.alive(t.PID) {
			if t.ProcessState == domain.ProcessRunning {
				t.Status = domain.TunnelStatusError
			} else {
				t.Status = domain.TunnelStatusStopped
			}
			t.PID = 0
			t.ProcessState = domain.ProcessStopped
			records[name] = t
			changed = true
		}
	}
	if changed {
		if err := m.state.save(records); err != nil {
			return nil, m.fail("", "list", domain.ErrTunnelOperationFailed, err, Output{})
		}
	}
	return sortedRecords(records), nil
}

// Get returns the record for name.
func (m *Manager) Get(name string) (domain.Tunnel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	records, err := m.state.load()
	if err != nil {
		return domain.Tunnel{}, m.fail(name, "get", domain.ErrTunnelOperationFailed, err, Output{})
	}
	t, ok := records[name]
	if !ok {
		return domain.Tunnel{}, &domain.TunnelError{Tunnel: name, Op: "get", Err: domain.ErrTunnelNotFound}
	}
	return t, nil
}

// StartTemporary opens an account-less quick tunnel to localhost:port for
// ttlSeconds (clamped by [ValidateTTL]). The tunnel is stopped when it
// expires, by a timer while this process lives and by ListTunnels
// otherwise.
func (m *Manager) StartTemporary(ctx context.Context, port, ttlSeconds int) (domain.Tunnel, error) {
	if err := validatePort(port); err != nil {
		return domain.Tunnel{}, m.fail("", "temp", domain.ErrTunnelOperationFailed, err, Output{})
	}
	ttl := time.Duration(ValidateTTL(ttlSeconds)) * time.Second
	name := "temp-" + strings.SplitN(uuid.NewString(), "-", 2)[0]

	m.mu.Lock()
	defer m.mu.Unlock()
	records, err := m.state.load()
	if err != nil {
		return domain.Tunnel{}, m.fail(name, "temp", domain.ErrTunnelOperationFailed, err, Output{})
	}

	pid, logPath, err := m.spawn(name, []string{"tunnel", "--no-autoupdate", "--url", localURL(port)})
	if err != nil {
		return domain.Tunnel{}, m.fail(name, "temp", domain.ErrTunnelOperationFailed, err, Output{})
	}
	url, err := m.waitForURL(ctx, logPath, pid)
	if err != nil {
		if termErr := m.terminate(context.Background(), pid); termErr != nil {
			m.log.Warn("failed to stop temporary tunnel", "tunnel", name, "err", termErr)
		}
		return domain.Tunnel{}, m.fail(name, "temp", domain.ErrTunnelOperationFailed, err, Output{})
	}

	now := m.now().UTC()
	expires := now.Add(ttl)
	t := domain.Tunnel{
		ID:           name,
		Name:         name,
		URL:          url,
		LocalPort:    port,
		CreatedAt:    now,
		Status:       domain.TunnelStatusActive,
		IsTemporary:  true,
		Expires:      &expires,
		PID:          pid,
		ProcessState: domain.ProcessRunning,
	}
	records[name] = t
	if err := m.state.save(records); err != nil {
		return t, m.fail(name, "temp", domain.ErrTunnelOperationFailed, err, Output{})
	}
	m.timers[name] = time.AfterFunc(ttl, func() { m.expire(name) })
	m.log.Info("temporary tunnel started", "tunnel", name, "url", url, "expires", expires)
	return t, nil
}

func (m *Manager) expire(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.timers, name)
	records, err := m.state.load()
	if err != nil {
		m.log.Warn("failed to load tunnel state", "err", err)
		return
	}
	t, ok := records[name]
	if !ok {
		return
	}
	if _, err := m.stopLocked(context.Background(), records, t); err != nil {
		m.log.Warn("failed to stop expired tunnel", "tunnel", name, "err", err)
		return
	}
	delete(records, name)
	if err := m.state.save(records); err != nil {
		m.log.Warn("failed to persist tunnel state", "tunnel", name, "err", err)
	}
	m.log.Info("temporary tunnel expired", "tunnel", name)
}

// cancelTimer must be called with m.mu held.
func (m *Manager) cancelTimer(name string) {
	if t, ok := m.timers[name]; ok {
		t.Stop()
		delete(m.timers, name)
	}
}

// Close stops pending expiry timers. Running processes are left alone.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, t := range m.timers {
		t.Stop()
		delete(m.timers, name)
	}
}

// DeployResult describes a finished static-site deploy.
type DeployResult struct {
	Project string `json:"project" yaml:"project"`
	URL     string `json:"url,omitempty" yaml:"url,omitempty"`
	Output  string `json:"output,omitempty" yaml:"-"`
}

// DeployStaticSite publishes dir as project with the deploy CLI.
func (m *Manager) DeployStaticSite(ctx context.Context, dir, project string) (DeployResult, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return DeployResult{}, m.fail(project, "deploy", domain.ErrTunnelOperationFailed, err, Output{})
	}
	if !info.IsDir() {
		return DeployResult{}, m.fail(project, "deploy", domain.ErrTunnelOperationFailed, fmt.Errorf("%s is not a directory", dir), Output{})
	}
	if !projectPattern.MatchString(project) {
		return DeployResult{}, m.fail(project, "deploy", domain.ErrTunnelOperationFailed,
			errors.New("project must be lowercase letters, digits or hyphens"), Output{})
	}

	ctx, cancel := context.WithTimeout(ctx, deployTimeout)
	defer cancel()
	out, err := m.runner.Run(ctx, m.cfg.DeployBinary, "pages", "deploy", dir, "--project-name", project)
	if err != nil {
		return DeployResult{}, m.fail(project, "deploy", domain.ErrTunnelOperationFailed, err, out)
	}
	res := DeployResult{
		Project: project,
		URL:     pagesURLPattern.FindString(out.Combined()),
		Output:  out.Combined(),
	}
	m.log.Info("static site deployed", "project", project, "url", res.URL)
	return res, nil
}

// spawn starts the tunnel CLI with output appended to a per-tunnel log
// file. It returns the PID and the log path.
func (m *Manager) spawn(name string, args []string) (int, string, error) {
	logPath := filepath.Join(m.cfg.StateDir, "logs", name+".log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0o700); err != nil {
		return 0, "", err
	}
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, "", err
	}
	// The child holds its own descriptor once started.
	defer f.Close()
	pid, err := m.runner.Start(m.cfg.Binary, args, f)
	if err != nil {
		return 0, "", err
	}
	return pid, logPath, nil
}

// waitForURL polls the process log until a quick-tunnel URL appears, the
// process exits, or URLWait elapses.
func (m *Manager) waitForURL(ctx context.Context, logPath string, pid int) (string, error) {
	deadline := time.NewTimer(m.cfg.URLWait)
	defer deadline.Stop()
	tick := time.NewTicker(pollInterval)
	defer tick.Stop()
	for {
		if raw, err := os.ReadFile(logPath); err == nil {
			if url := quickURLPattern.FindString(string(raw)); url != "" {
				return url, nil
			}
		}
		if !m.alive(pid) {
			return "", errors.New("tunnel process exited before publishing a URL")
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline.C:
			return "", fmt.Errorf("no tunnel URL after %s", m.cfg.URLWait)
		case <-tick.C:
		}
	}
}

// fail wraps err as a *domain.TunnelError carrying sentinel and logs it.
// A missing executable is always reported as ErrTunnelToolUnavailable.
func (m *Manager) fail(name, op string, sentinel, err error, out Output) error {
	if isNotFound(err) || errors.Is(err, domain.ErrTunnelToolUnavailable) {
		sentinel = domain.ErrTunnelToolUnavailable
	}
	wrapped := err
	if !errors.Is(err, sentinel) {
		wrapped = fmt.Errorf("%w: %w", sentinel, err)
	}
	if msg := lastLine(out.Stderr); msg != "" {
		wrapped = fmt.Errorf("%w (%s)", wrapped, msg)
	}
	m.log.Warn("tunnel operation failed", "tunnel", name, "op", op, "err", wrapped)
	return &domain.TunnelError{Tunnel: name, Op: op, Err: wrapped}
}

func isNotFound(err error) bool {
	return errors.Is(err, exec.ErrNotFound)
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(s)
}

func validatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("invalid port %d", port)
	}
	return nil
}

func localURL(port int) string {
	return "http://localhost:" + strconv.Itoa(port)
}
