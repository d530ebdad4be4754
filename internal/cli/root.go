// Package cli implements the tunnelguard command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

// Run is the main CLI entry point. It parses args and dispatches to the
// appropriate subcommand, returning a process exit code.
func Run(args []string) int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return run(ctx, args, os.Stdout, os.Stderr)
}

// stdio carries the output streams so commands can be exercised in tests.
type stdio struct {
	out io.Writer
	err io.Writer
}

func (s stdio) errorf(format string, args ...any) {
	_, _ = fmt.Fprintf(s.err, format+"\n", args...)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	s := stdio{out: stdout, err: stderr}
	if len(args) == 0 {
		printUsage(s.out)
		return 2
	}

	switch args[0] {
	case "serve":
		return runServe(ctx, s, args[1:])
	case "login":
		return runLogin(ctx, s, args[1:])
	case "logout":
		return runLogout(s, args[1:])
	case "status":
		return runStatus(ctx, s, args[1:])
	case "route":
		return runRoute(s, args[1:])
	case "policy":
		return runPolicy(s, args[1:])
	case "tunnel":
		return runTunnel(ctx, s, args[1:])
	case "deploy":
		return runDeploy(ctx, s, args[1:])
	case "audit":
		return runAudit(ctx, s, args[1:])
	case "block":
		return runBlock(ctx, s, args[1:])
	case "unblock":
		return runUnblock(ctx, s, args[1:])
	case "blocks":
		return runBlocks(ctx, s, args[1:])
	case "hash-secret":
		return runHashSecret(s, args[1:])
	case "version", "--version", "-v":
		printVersion(s.out)
		return 0
	case "-h", "--help", "help":
		printUsage(s.out)
		return 0
	default:
		s.errorf("unknown command %q (see tunnelguard help)", args[0])
		return 2
	}
}
