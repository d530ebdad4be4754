// Package config reads gateway settings from TUNNELGUARD_* environment
// variables, lets command-line flags override them, and validates the result.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v9"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"

	"github.com/koltyakov/tunnelguard/internal/breaker"
	"github.com/koltyakov/tunnelguard/internal/policy"
	"github.com/koltyakov/tunnelguard/internal/tunnel"
)

const homeDirName = ".tunnelguard"

// Common holds settings shared by every subcommand.
type Common struct {
	Home         string `env:"TUNNELGUARD_HOME"`
	LogLevel     string `env:"TUNNELGUARD_LOG_LEVEL" envDefault:"info" validate:"oneof=debug info warn error"`
	LogFormat    string `env:"TUNNELGUARD_LOG_FORMAT" envDefault:"text" validate:"oneof=text json"`
	TunnelBinary string `env:"TUNNELGUARD_TUNNEL_BINARY" envDefault:"cloudflared" validate:"required"`
	DeployBinary string `env:"TUNNELGUARD_DEPLOY_BINARY" envDefault:"wrangler" validate:"required"`
	BaseDomain   string `env:"TUNNELGUARD_BASE_DOMAIN" validate:"omitempty,fqdn"`
}

// PolicyPath is the access-policy document.
func (c Common) PolicyPath() string { return filepath.Join(c.Home, "policy.json") }

// AuditPath is the NDJSON request log.
func (c Common) AuditPath() string { return filepath.Join(c.Home, "audit.log") }

// BlocksDBPath is the sqlite database holding persisted source blocks.
func (c Common) BlocksDBPath() string { return filepath.Join(c.Home, "blocks.db") }

// AdminTokenPath holds the generated control API token.
func (c Common) AdminTokenPath() string { return filepath.Join(c.Home, "admin.token") }

// StateDir holds tunnel state, the account file, and process logs.
func (c Common) StateDir() string { return c.Home }

// TunnelConfig returns the tunnel manager settings derived from c.
func (c Common) TunnelConfig() tunnel.Config {
	return tunnel.Config{
		Binary:       c.TunnelBinary,
		DeployBinary: c.DeployBinary,
		StateDir:     c.StateDir(),
		BaseDomain:   c.BaseDomain,
	}
}

// ServeConfig configures the long-running gateway.
type ServeConfig struct {
	Common

	PublicListen  string `env:"TUNNELGUARD_PUBLIC_LISTEN" envDefault:"127.0.0.1:8787" validate:"required,hostname_port"`
	ControlListen string `env:"TUNNELGUARD_CONTROL_LISTEN" envDefault:"127.0.0.1:8788" validate:"required,hostname_port"`
	EngineURL     string `env:"TUNNELGUARD_ENGINE_URL" envDefault:"http://127.0.0.1:3000" validate:"required,http_url"`
	EngineToken   string `env:"TUNNELGUARD_ENGINE_TOKEN"`
	GatewayToken  string `env:"TUNNELGUARD_GATEWAY_TOKEN"`
	AdminToken    string `env:"TUNNELGUARD_ADMIN_TOKEN"`
	TunnelName    string `env:"TUNNELGUARD_TUNNEL_NAME"`
	PprofListen   string `env:"TUNNELGUARD_PPROF_LISTEN" validate:"omitempty,hostname_port"`

	PolicyCacheTTL     time.Duration `env:"TUNNELGUARD_POLICY_CACHE_TTL" envDefault:"5s" validate:"gt=0"`
	BreakerMaxFailures int           `env:"TUNNELGUARD_BREAKER_MAX_FAILURES" envDefault:"10" validate:"min=1"`
	BreakerWindow      time.Duration `env:"TUNNELGUARD_BREAKER_WINDOW" envDefault:"60s" validate:"gt=0"`
	BreakerBlock       time.Duration `env:"TUNNELGUARD_BREAKER_BLOCK" envDefault:"15m" validate:"gt=0"`
	PersistBlocks      bool          `env:"TUNNELGUARD_PERSIST_BLOCKS" envDefault:"true"`
	JanitorInterval    time.Duration `env:"TUNNELGUARD_JANITOR_INTERVAL" envDefault:"1m" validate:"gt=0"`
}

// BreakerConfig returns the breaker thresholds.
func (c ServeConfig) BreakerConfig() breaker.Config {
	return breaker.Config{
		MaxFailures:   c.BreakerMaxFailures,
		Window:        c.BreakerWindow,
		BlockDuration: c.BreakerBlock,
	}
}

// ControlClient locates the control API of a running gateway.
type ControlClient struct {
	Addr  string `env:"TUNNELGUARD_CONTROL_LISTEN" envDefault:"127.0.0.1:8788" validate:"required,hostname_port"`
	Token string `env:"TUNNELGUARD_ADMIN_TOKEN"`
}

// BaseURL is the control API root.
func (c ControlClient) BaseURL() string { return "http://" + c.Addr }

// LoadControlClient reads the control API location from the environment.
func LoadControlClient() (ControlClient, error) {
	var c ControlClient
	if err := env.Parse(&c); err != nil {
		return ControlClient{}, fmt.Errorf("reading environment: %w", err)
	}
	c.Addr = strings.TrimSpace(c.Addr)
	c.Token = strings.TrimSpace(c.Token)
	if err := validate.Struct(c); err != nil {
		return ControlClient{}, describe(err)
	}
	return c, nil
}

var validate = validator.New()

// DefaultHome returns ~/.tunnelguard, or a relative .tunnelguard when the
// user home cannot be resolved.
func DefaultHome() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return homeDirName
	}
	return filepath.Join(home, homeDirName)
}

// LoadCommon reads the shared settings from the environment.
func LoadCommon() (Common, error) {
	var c Common
	if err := env.Parse(&c); err != nil {
		return Common{}, fmt.Errorf("reading environment: %w", err)
	}
	c.normalize()
	if err := validate.Struct(c); err != nil {
		return Common{}, describe(err)
	}
	return c, nil
}

// AddCommonFlags registers overrides for the shared settings on fs. The
// current values of c become the flag defaults.
func AddCommonFlags(fs *pflag.FlagSet, c *Common) {
	fs.StringVar(&c.Home, "home", c.Home, "state directory (env: TUNNELGUARD_HOME)")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level: debug, info, warn, error")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "log format: text or json")
	fs.StringVar(&c.TunnelBinary, "tunnel-binary", c.TunnelBinary, "tunnel CLI executable")
	fs.StringVar(&c.DeployBinary, "deploy-binary", c.DeployBinary, "static deploy CLI executable")
	fs.StringVar(&c.BaseDomain, "base-domain", c.BaseDomain, "domain for named tunnel hostnames")
}

// ValidateCommon normalizes and validates c after flag parsing.
func ValidateCommon(c *Common) error {
	c.normalize()
	if err := validate.Struct(c); err != nil {
		return describe(err)
	}
	return nil
}

// ParseServeFlags builds the serve configuration: environment first, then
// flag overrides, then validation.
func ParseServeFlags(args []string) (ServeConfig, error) {
	var cfg ServeConfig
	if err := env.Parse(&cfg); err != nil {
		return ServeConfig{}, fmt.Errorf("reading environment: %w", err)
	}
	if cfg.PolicyCacheTTL <= 0 {
		cfg.PolicyCacheTTL = policy.DefaultCacheTTL
	}

	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	AddCommonFlags(fs, &cfg.Common)
	fs.StringVar(&cfg.PublicListen, "listen", cfg.PublicListen, "public gateway address")
	fs.StringVar(&cfg.ControlListen, "control-listen", cfg.ControlListen, "control API address (loopback only)")
	fs.StringVar(&cfg.EngineURL, "engine-url", cfg.EngineURL, "automation engine base URL")
	fs.StringVar(&cfg.EngineToken, "engine-token", cfg.EngineToken, "bearer token sent to the engine")
	fs.StringVar(&cfg.GatewayToken, "gateway-token", cfg.GatewayToken, "shared secret for auth=token routes (plaintext or bcrypt)")
	fs.StringVar(&cfg.AdminToken, "admin-token", cfg.AdminToken, "control API token (generated when empty)")
	fs.StringVar(&cfg.TunnelName, "tunnel", cfg.TunnelName, "tunnel name recorded in the audit log")
	fs.StringVar(&cfg.PprofListen, "pprof-listen", cfg.PprofListen, "optional pprof address (loopback only)")
	fs.DurationVar(&cfg.PolicyCacheTTL, "policy-cache-ttl", cfg.PolicyCacheTTL, "how long a loaded policy is reused")
	fs.IntVar(&cfg.BreakerMaxFailures, "breaker-max-failures", cfg.BreakerMaxFailures, "failures per window before a source is blocked")
	fs.DurationVar(&cfg.BreakerWindow, "breaker-window", cfg.BreakerWindow, "failure counting window")
	fs.DurationVar(&cfg.BreakerBlock, "breaker-block", cfg.BreakerBlock, "block duration")
	fs.BoolVar(&cfg.PersistBlocks, "persist-blocks", cfg.PersistBlocks, "keep blocks across restarts")
	fs.DurationVar(&cfg.JanitorInterval, "janitor-interval", cfg.JanitorInterval, "breaker cleanup and tunnel reconcile interval")
	if err := fs.Parse(args); err != nil {
		return ServeConfig{}, err
	}
	if fs.NArg() > 0 {
		return ServeConfig{}, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}

	cfg.normalize()
	cfg.EngineURL = strings.TrimRight(strings.TrimSpace(cfg.EngineURL), "/")
	if err := cfg.Validate(); err != nil {
		return ServeConfig{}, err
	}
	return cfg, nil
}

// Validate runs the struct rules and the cross-field checks.
func (c ServeConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return describe(err)
	}
	if !isLoopbackAddr(c.ControlListen) {
		return fmt.Errorf("control listen address %q must be loopback", c.ControlListen)
	}
	if c.PprofListen != "" && !isLoopbackAddr(c.PprofListen) {
		return fmt.Errorf("pprof listen address %q must be loopback", c.PprofListen)
	}
	if c.PublicListen == c.ControlListen {
		return errors.New("public and control listeners must use different addresses")
	}
	return nil
}

func (c *Common) normalize() {
	c.Home = strings.TrimSpace(c.Home)
	if c.Home == "" {
		c.Home = DefaultHome()
	}
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	c.BaseDomain = strings.Trim(strings.TrimSpace(c.BaseDomain), ".")
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func describe(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, fmt.Sprintf("%s: invalid value %q (%s)", fe.Field(), fmt.Sprint(fe.Value()), fe.Tag()))
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
}
