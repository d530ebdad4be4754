package cli

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"github.com/koltyakov/tunnelguard/internal/audit"
	"github.com/koltyakov/tunnelguard/internal/auth"
	"github.com/koltyakov/tunnelguard/internal/breaker"
	"github.com/koltyakov/tunnelguard/internal/config"
	"github.com/koltyakov/tunnelguard/internal/debughttp"
	"github.com/koltyakov/tunnelguard/internal/engine"
	"github.com/koltyakov/tunnelguard/internal/fsutil"
	"github.com/koltyakov/tunnelguard/internal/gateway"
	"github.com/koltyakov/tunnelguard/internal/guard"
	ilog "github.com/koltyakov/tunnelguard/internal/log"
	"github.com/koltyakov/tunnelguard/internal/policy"
	"github.com/koltyakov/tunnelguard/internal/server"
	"github.com/koltyakov/tunnelguard/internal/store/sqlite"
	"github.com/koltyakov/tunnelguard/internal/tunnel"
)

func runServe(ctx context.Context, s stdio, args []string) int {
	cfg, err := config.ParseServeFlags(args)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		s.errorf("serve config error: %v", err)
		return 2
	}
	logger := ilog.NewWriter(s.err, cfg.LogLevel, cfg.LogFormat)

	if err := os.MkdirAll(cfg.Home, 0o700); err != nil {
		s.errorf("state dir error: %v", err)
		return 1
	}
	if cfg.AdminToken == "" {
		token, err := ensureAdminToken(cfg.AdminTokenPath())
		if err != nil {
			s.errorf("admin token error: %v", err)
			return 1
		}
		cfg.AdminToken = token
		logger.Info("control API token loaded", "path", cfg.AdminTokenPath())
	}

	store := policy.NewStore(cfg.PolicyPath(), policy.WithCacheTTL(cfg.PolicyCacheTTL), policy.WithLogger(logger))
	if !store.Exists() {
		logger.Warn("no policy file, every request will be denied (run tunnelguard route init)", "path", store.Path())
	}

	auditLog, err := audit.Open(cfg.AuditPath(), logger)
	if err != nil {
		s.errorf("audit log error: %v", err)
		return 1
	}
	defer func() { _ = auditLog.Close() }()

	breakerOpts := []breaker.Option{breaker.WithLogger(logger)}
	if cfg.PersistBlocks {
		blocks, err := sqlite.Open(cfg.BlocksDBPath())
		if err != nil {
			s.errorf("block store error: %v", err)
			return 1
		}
		defer func() { _ = blocks.Close() }()
		breakerOpts = append(breakerOpts, breaker.WithStore(blocks))
	}
	cb := breaker.New(cfg.BreakerConfig(), breakerOpts...)
	if n, err := cb.Restore(ctx); err != nil {
		logger.Warn("failed to restore blocks", "err", err)
	} else if n > 0 {
		logger.Info("restored blocked sources", "count", n)
	}

	eng, err := engine.New(engine.Config{URL: cfg.EngineURL, Token: cfg.EngineToken}, engine.WithLogger(logger))
	if err != nil {
		s.errorf("engine config error: %v", err)
		return 2
	}

	if cfg.GatewayToken == "" {
		logger.Warn("no gateway token configured, auth=token routes will deny every request")
	}
	g := guard.New(store, guard.Options{
		GatewayToken: cfg.GatewayToken,
		Recorder:     auditLog,
		TunnelName:   cfg.TunnelName,
		Logger:       logger,
	})

	mgr := tunnel.NewManager(cfg.TunnelConfig(), tunnel.WithRunner(tunnelRunner), tunnel.WithLogger(logger))
	defer mgr.Close()
	gw := gateway.New(gateway.Options{
		Policies:  store,
		Tunnels:   mgr,
		Blocks:    cb,
		AuditPath: cfg.AuditPath(),
		Logger:    logger,
	})

	if _, err := debughttp.Start(ctx, cfg.PprofListen, logger); err != nil {
		s.errorf("pprof error: %v", err)
		return 2
	}

	srv := server.New(server.Config{
		PublicAddr:      cfg.PublicListen,
		ControlAddr:     cfg.ControlListen,
		AdminToken:      cfg.AdminToken,
		JanitorInterval: cfg.JanitorInterval,
	}, server.Deps{
		Gateway: gw,
		Guard:   g,
		Breaker: cb,
		Engine:  eng,
		Audit:   auditLog,
		Logger:  logger,
	})
	logger.Info("tunnelguard starting", "version", Version, "engine", eng.BaseURL())
	if err := srv.Run(ctx); err != nil {
		s.errorf("server error: %v", err)
		return 1
	}
	return 0
}

// ensureAdminToken returns the token stored at path, generating and
// persisting a new one (mode 0600) when the file is absent.
func ensureAdminToken(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		if token := strings.TrimSpace(string(raw)); token != "" {
			return token, nil
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}
	token, err := auth.GenerateToken()
	if err != nil {
		return "", err
	}
	if err := fsutil.WriteFileAtomic(path, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("writing %s: %w", path, err)
	}
	return token, nil
}
