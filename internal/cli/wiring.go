package cli

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/koltyakov/tunnelguard/internal/domain"
	"github.com/koltyakov/tunnelguard/internal/gateway"
	ilog "github.com/koltyakov/tunnelguard/internal/log"
	"github.com/koltyakov/tunnelguard/internal/policy"
	"github.com/koltyakov/tunnelguard/internal/store/sqlite"
	"github.com/koltyakov/tunnelguard/internal/tunnel"
)

// tunnelRunner replaces the os/exec runner in tests. Nil keeps the default.
var tunnelRunner tunnel.Runner

func (c *command) logger() *slog.Logger {
	return ilog.NewWriter(c.err, c.common.LogLevel, c.common.LogFormat)
}

func (c *command) gateway(logger *slog.Logger) *gateway.Gateway {
	store := policy.NewStore(c.common.PolicyPath(), policy.WithLogger(logger))
	mgr := tunnel.NewManager(c.common.TunnelConfig(), tunnel.WithRunner(tunnelRunner), tunnel.WithLogger(logger))
	return gateway.New(gateway.Options{
		Policies:  store,
		Tunnels:   mgr,
		Blocks:    persistedBlocks{path: c.common.BlocksDBPath(), log: logger},
		AuditPath: c.common.AuditPath(),
		Logger:    logger,
	})
}

// persistedBlocks reads active blocks from the sqlite file a running gateway
// writes. A missing database means no blocks.
type persistedBlocks struct {
	path string
	log  *slog.Logger
}

func (p persistedBlocks) Blocked() []domain.BlockedIP {
	if _, err := os.Stat(p.path); err != nil {
		return nil
	}
	store, err := sqlite.Open(p.path)
	if err != nil {
		p.log.Warn("cannot open block store", "path", p.path, "err", err)
		return nil
	}
	defer func() { _ = store.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	blocks, err := store.LoadBlocks(ctx, time.Now())
	if err != nil {
		p.log.Warn("cannot read blocks", "path", p.path, "err", err)
		return nil
	}
	return blocks
}
