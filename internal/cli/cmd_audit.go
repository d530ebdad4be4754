package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/koltyakov/tunnelguard/internal/auth"
	"github.com/koltyakov/tunnelguard/internal/domain"
)

// stdin is read by hash-secret when no argument is given.
var stdin io.Reader = os.Stdin

func runAudit(ctx context.Context, s stdio, args []string) int {
	cmd, err := newCommand(s, "audit")
	if err != nil {
		s.errorf("config error: %v", err)
		return 2
	}
	follow := cmd.fs.BoolP("follow", "f", false, "stream new audit entries from the running gateway")
	control := cmd.fs.String("control", "", "control API address (default from TUNNELGUARD_CONTROL_LISTEN)")
	if err := cmd.parse(args); err != nil {
		return cmd.exit(err)
	}

	if *follow {
		cc, err := newControlClient(cmd.common, *control)
		if err != nil {
			return cmd.exit(err)
		}
		enc := json.NewEncoder(cmd.out)
		return cmd.exit(cc.follow(ctx, func(e domain.AuditEntry) error {
			if cmd.format != string(formatText) {
				return enc.Encode(e)
			}
			return printAuditEntry(cmd.out, e)
		}))
	}

	rep, err := cmd.gateway(cmd.logger()).SecurityAudit(ctx)
	if err != nil {
		return cmd.exit(err)
	}
	return cmd.exit(cmd.emit(rep, func(w io.Writer) {
		_, _ = fmt.Fprintf(w, "Generated:\t%s\n", rep.GeneratedAt.Local().Format(time.RFC3339))
		_, _ = fmt.Fprintf(w, "Logged in:\t%t\n", rep.Auth.LoggedIn)
		_, _ = fmt.Fprintf(w, "Policy valid:\t%t\n", rep.Policy.Valid)
		_, _ = fmt.Fprintf(w, "Active tunnels:\t%d\n", rep.ActiveTunnels)
		_, _ = fmt.Fprintf(w, "Recent requests:\t%d (%d denied)\n", rep.RecentRequests, rep.RecentDenied)
		_, _ = fmt.Fprintf(w, "Blocked sources:\t%d\n", len(rep.BlockedIPs))
		if len(rep.Suspicions) > 0 {
			_, _ = fmt.Fprintln(w, "\nSuspicious activity:")
			for _, sp := range rep.Suspicions {
				_, _ = fmt.Fprintf(w, "  %s\t%s\t%d\t%s\n", sp.Kind, sp.Subject, sp.Count, sp.Reason)
			}
		}
		if len(rep.Warnings) > 0 {
			_, _ = fmt.Fprintln(w, "\nWarnings:")
			for _, warn := range rep.Warnings {
				_, _ = fmt.Fprintf(w, "  - %s\n", warn)
			}
		}
	}))
}

func printAuditEntry(w io.Writer, e domain.AuditEntry) error {
	verdict := "ALLOW"
	if !e.Allowed {
		verdict = "DENY"
	}
	_, err := fmt.Fprintf(w, "%s %-5s %3d %-7s %s %s %s\n", e.Timestamp.Local().Format(time.RFC3339),
		verdict, e.Status, e.Method, e.Path, e.SourceIP, e.Reason)
	return err
}

func runBlocks(ctx context.Context, s stdio, args []string) int {
	cmd, err := newCommand(s, "blocks")
	if err != nil {
		s.errorf("config error: %v", err)
		return 2
	}
	control := cmd.fs.String("control", "", "control API address")
	if err := cmd.parse(args); err != nil {
		return cmd.exit(err)
	}
	cc, err := newControlClient(cmd.common, *control)
	if err != nil {
		return cmd.exit(err)
	}
	blocks, err := cc.blocks(ctx)
	if err != nil {
		return cmd.exit(err)
	}
	if blocks == nil {
		blocks = []domain.BlockedIP{}
	}
	return cmd.exit(cmd.emit(blocks, func(w io.Writer) {
		if len(blocks) == 0 {
			_, _ = fmt.Fprintln(w, "no blocked sources")
			return
		}
		_, _ = fmt.Fprintln(w, "IP\tUNTIL\tFAILURES\tREASON")
		for _, b := range blocks {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", b.IP, b.BlockedUntil.Local().Format(time.RFC3339), b.FailedAttempts, b.Reason)
		}
	}))
}

func runBlock(ctx context.Context, s stdio, args []string) int {
	cmd, err := newCommand(s, "block")
	if err != nil {
		s.errorf("config error: %v", err)
		return 2
	}
	control := cmd.fs.String("control", "", "control API address")
	reason := cmd.fs.String("reason", "", "reason recorded with the block")
	duration := cmd.fs.Duration("duration", 0, "block duration (default: the breaker block duration)")
	if err := cmd.parse(args); err != nil {
		return cmd.exit(err)
	}
	if cmd.fs.NArg() != 1 || net.ParseIP(cmd.fs.Arg(0)) == nil {
		return cmd.usageError("expected exactly one IP address")
	}
	cc, err := newControlClient(cmd.common, *control)
	if err != nil {
		return cmd.exit(err)
	}
	b, err := cc.block(ctx, cmd.fs.Arg(0), *reason, *duration)
	if err != nil {
		return cmd.exit(err)
	}
	return cmd.exit(cmd.emit(b, func(w io.Writer) {
		_, _ = fmt.Fprintf(w, "blocked %s until %s\n", b.IP, b.BlockedUntil.Local().Format(time.RFC3339))
	}))
}

func runUnblock(ctx context.Context, s stdio, args []string) int {
	cmd, err := newCommand(s, "unblock")
	if err != nil {
		s.errorf("config error: %v", err)
		return 2
	}
	control := cmd.fs.String("control", "", "control API address")
	if err := cmd.parse(args); err != nil {
		return cmd.exit(err)
	}
	if cmd.fs.NArg() != 1 {
		return cmd.usageError("expected exactly one IP address")
	}
	cc, err := newControlClient(cmd.common, *control)
	if err != nil {
		return cmd.exit(err)
	}
	ip := cmd.fs.Arg(0)
	if err := cc.unblock(ctx, ip); err != nil {
		return cmd.exit(err)
	}
	return cmd.exit(cmd.emit(map[string]string{"unblocked": ip}, func(w io.Writer) {
		_, _ = fmt.Fprintf(w, "unblocked %s\n", ip)
	}))
}

func runHashSecret(s stdio, args []string) int {
	var secret string
	switch len(args) {
	case 0:
		line, err := bufio.NewReader(stdin).ReadString('\n')
		if err != nil && err != io.EOF {
			s.errorf("hash-secret: %v", err)
			return 1
		}
		secret = strings.TrimSpace(line)
	case 1:
		secret = strings.TrimSpace(args[0])
	default:
		s.errorf("usage: tunnelguard hash-secret [SECRET]")
		return 2
	}
	if secret == "" {
		s.errorf("hash-secret: empty secret")
		return 2
	}
	hash, err := auth.HashSecret(secret)
	if err != nil {
		s.errorf("hash-secret: %v", err)
		return 1
	}
	_, _ = fmt.Fprintln(s.out, hash)
	return 0
}
