package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/koltyakov/tunnelguard/internal/domain"
	"github.com/koltyakov/tunnelguard/internal/tunnel"
)

func runLogin(ctx context.Context, s stdio, args []string) int {
	cmd, err := newCommand(s, "login")
	if err != nil {
		s.errorf("config error: %v", err)
		return 2
	}
	if err := cmd.parse(args); err != nil {
		return cmd.exit(err)
	}
	st, err := cmd.gateway(cmd.logger()).Login(ctx)
	if err != nil {
		return cmd.exit(err)
	}
	return cmd.exit(cmd.emit(st, func(w io.Writer) {
		_, _ = fmt.Fprintf(w, "logged in as %s\n", orDash(st.Account))
	}))
}

func runLogout(s stdio, args []string) int {
	cmd, err := newCommand(s, "logout")
	if err != nil {
		s.errorf("config error: %v", err)
		return 2
	}
	if err := cmd.parse(args); err != nil {
		return cmd.exit(err)
	}
	if err := cmd.gateway(cmd.logger()).Logout(); err != nil {
		return cmd.exit(err)
	}
	return cmd.exit(cmd.emit(map[string]bool{"loggedIn": false}, func(w io.Writer) {
		_, _ = fmt.Fprintln(w, "logged out")
	}))
}

func runStatus(ctx context.Context, s stdio, args []string) int {
	cmd, err := newCommand(s, "status")
	if err != nil {
		s.errorf("config error: %v", err)
		return 2
	}
	if err := cmd.parse(args); err != nil {
		return cmd.exit(err)
	}
	st, err := cmd.gateway(cmd.logger()).Status(ctx)
	if err != nil {
		return cmd.exit(err)
	}
	return cmd.exit(cmd.emit(st, func(w io.Writer) {
		login := "no"
		if st.Auth.LoggedIn {
			login = "yes (" + orDash(st.Auth.Account) + ")"
		}
		pol := "missing"
		switch {
		case st.Policy.Exists && st.Policy.Valid:
			pol = fmt.Sprintf("valid, mode %s, %d routes, %d blocked paths", st.Policy.Mode, st.Policy.Routes, st.Policy.BlockedPaths)
		case st.Policy.Exists:
			pol = fmt.Sprintf("INVALID (%s)", strings.Join(st.Policy.Errors, "; "))
		}
		_, _ = fmt.Fprintf(w, "Logged in:\t%s\n", login)
		_, _ = fmt.Fprintf(w, "Policy:\t%s\n", pol)
		_, _ = fmt.Fprintf(w, "Policy file:\t%s\n", st.Policy.Path)
		_, _ = fmt.Fprintf(w, "Tunnels:\t%d (%d active)\n", len(st.Tunnels), st.ActiveTunnels)
	}))
}

func runTunnel(ctx context.Context, s stdio, args []string) int {
	if len(args) == 0 {
		s.errorf("usage: tunnelguard tunnel create|start|stop|delete|list|temp|check|install")
		return 2
	}
	switch args[0] {
	case "create":
		return runTunnelNamed(ctx, s, "tunnel create", args[1:], func(ctx context.Context, c *command, name string) (domain.Tunnel, error) {
			return c.gateway(c.logger()).TunnelCreate(ctx, name)
		})
	case "start":
		return runTunnelStart(ctx, s, args[1:])
	case "stop":
		return runTunnelNamed(ctx, s, "tunnel stop", args[1:], func(ctx context.Context, c *command, name string) (domain.Tunnel, error) {
			return c.gateway(c.logger()).TunnelStop(ctx, name)
		})
	case "delete", "rm":
		return runTunnelDelete(ctx, s, args[1:])
	case "list", "ls":
		return runTunnelList(ctx, s, args[1:])
	case "temp":
		return runTunnelTemp(ctx, s, args[1:])
	case "check":
		return runTunnelCheck(ctx, s, args[1:])
	case "install":
		return runTunnelInstall(ctx, s, args[1:])
	default:
		s.errorf("unknown tunnel command %q", args[0])
		return 2
	}
}

func runTunnelNamed(ctx context.Context, s stdio, name string, args []string, op func(context.Context, *command, string) (domain.Tunnel, error)) int {
	cmd, err := newCommand(s, name)
	if err != nil {
		s.errorf("config error: %v", err)
		return 2
	}
	if err := cmd.parse(args); err != nil {
		return cmd.exit(err)
	}
	if cmd.fs.NArg() != 1 {
		return cmd.usageError("expected exactly one tunnel NAME")
	}
	t, err := op(ctx, cmd, cmd.fs.Arg(0))
	if err != nil {
		return cmd.exit(err)
	}
	return cmd.exit(cmd.emit(t, func(w io.Writer) { printTunnel(w, t) }))
}

func runTunnelStart(ctx context.Context, s stdio, args []string) int {
	cmd, err := newCommand(s, "tunnel start")
	if err != nil {
		s.errorf("config error: %v", err)
		return 2
	}
	port := cmd.fs.IntP("port", "p", 8787, "local port to expose (normally the public gateway)")
	if err := cmd.parse(args); err != nil {
		return cmd.exit(err)
	}
	if cmd.fs.NArg() != 1 {
		return cmd.usageError("expected exactly one tunnel NAME")
	}
	t, err := cmd.gateway(cmd.logger()).TunnelStart(ctx, cmd.fs.Arg(0), *port)
	if err != nil {
		return cmd.exit(err)
	}
	return cmd.exit(cmd.emit(t, func(w io.Writer) { printTunnel(w, t) }))
}

func runTunnelDelete(ctx context.Context, s stdio, args []string) int {
	cmd, err := newCommand(s, "tunnel delete")
	if err != nil {
		s.errorf("config error: %v", err)
		return 2
	}
	if err := cmd.parse(args); err != nil {
		return cmd.exit(err)
	}
	if cmd.fs.NArg() != 1 {
		return cmd.usageError("expected exactly one tunnel NAME")
	}
	name := cmd.fs.Arg(0)
	if err := cmd.gateway(cmd.logger()).TunnelDelete(ctx, name); err != nil {
		return cmd.exit(err)
	}
	return cmd.exit(cmd.emit(map[string]string{"deleted": name}, func(w io.Writer) {
		_, _ = fmt.Fprintf(w, "deleted %s\n", name)
	}))
}

func runTunnelList(ctx context.Context, s stdio, args []string) int {
	cmd, err := newCommand(s, "tunnel list")
	if err != nil {
		s.errorf("config error: %v", err)
		return 2
	}
	if err := cmd.parse(args); err != nil {
		return cmd.exit(err)
	}
	tunnels, err := cmd.gateway(cmd.logger()).TunnelList(ctx)
	if err != nil {
		return cmd.exit(err)
	}
	if tunnels == nil {
		tunnels = []domain.Tunnel{}
	}
	return cmd.exit(cmd.emit(tunnels, func(w io.Writer) {
		if len(tunnels) == 0 {
			_, _ = fmt.Fprintln(w, "no tunnels")
			return
		}
		_, _ = fmt.Fprintln(w, "NAME\tSTATUS\tPORT\tURL\tEXPIRES")
		for _, t := range tunnels {
			port, expires := "-", "-"
			if t.LocalPort > 0 {
				port = fmt.Sprint(t.LocalPort)
			}
			if t.Expires != nil {
				expires = t.Expires.Local().Format(time.RFC3339)
			}
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", t.Name, t.Status, port, orDash(t.URL), expires)
		}
	}))
}

func runTunnelTemp(ctx context.Context, s stdio, args []string) int {
	cmd, err := newCommand(s, "tunnel temp")
	if err != nil {
		s.errorf("config error: %v", err)
		return 2
	}
	port := cmd.fs.IntP("port", "p", 8787, "local port to expose")
	ttl := cmd.fs.Int("ttl", 3600, fmt.Sprintf("lifetime in seconds (%d-%d)", tunnel.MinTTLSeconds, tunnel.MaxTTLSeconds))
	detach := cmd.fs.Bool("detach", false, "return after start; expiry is enforced by the next serve janitor or tunnel list")
	if err := cmd.parse(args); err != nil {
		return cmd.exit(err)
	}
	gw := cmd.gateway(cmd.logger())
	t, err := gw.TunnelTemp(ctx, *port, *ttl)
	if err != nil {
		return cmd.exit(err)
	}
	if err := cmd.emit(t, func(w io.Writer) { printTunnel(w, t) }); err != nil {
		return cmd.exit(err)
	}
	if *detach || t.Expires == nil {
		return 0
	}

	timer := time.NewTimer(time.Until(*t.Expires))
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	// The manager's own expiry timer may have removed it already.
	if err := gw.TunnelDelete(stopCtx, t.Name); err != nil && !errors.Is(err, domain.ErrTunnelNotFound) {
		return cmd.exit(err)
	}
	s.errorf("temporary tunnel %s closed", t.Name)
	return 0
}

func runTunnelCheck(ctx context.Context, s stdio, args []string) int {
	cmd, err := newCommand(s, "tunnel check")
	if err != nil {
		s.errorf("config error: %v", err)
		return 2
	}
	if err := cmd.parse(args); err != nil {
		return cmd.exit(err)
	}
	version, err := cmd.gateway(cmd.logger()).Tunnels().CheckInstalled(ctx)
	if err != nil {
		return cmd.exit(err)
	}
	out := map[string]string{"binary": cmd.common.TunnelBinary, "version": version}
	return cmd.exit(cmd.emit(out, func(w io.Writer) {
		_, _ = fmt.Fprintf(w, "%s %s\n", cmd.common.TunnelBinary, orDash(version))
	}))
}

func runTunnelInstall(ctx context.Context, s stdio, args []string) int {
	cmd, err := newCommand(s, "tunnel install")
	if err != nil {
		s.errorf("config error: %v", err)
		return 2
	}
	if err := cmd.parse(args); err != nil {
		return cmd.exit(err)
	}
	if err := cmd.gateway(cmd.logger()).Tunnels().Install(ctx); err != nil {
		return cmd.exit(err)
	}
	s.errorf("installed %s", cmd.common.TunnelBinary)
	return 0
}

func runDeploy(ctx context.Context, s stdio, args []string) int {
	cmd, err := newCommand(s, "deploy")
	if err != nil {
		s.errorf("config error: %v", err)
		return 2
	}
	project := cmd.fs.String("project", "", "project name (lowercase letters, digits, dashes)")
	if err := cmd.parse(args); err != nil {
		return cmd.exit(err)
	}
	if cmd.fs.NArg() != 1 || strings.TrimSpace(*project) == "" {
		return cmd.usageError("usage: tunnelguard deploy DIR --project NAME")
	}
	res, err := cmd.gateway(cmd.logger()).Deploy(ctx, cmd.fs.Arg(0), *project)
	if err != nil {
		return cmd.exit(err)
	}
	return cmd.exit(cmd.emit(res, func(w io.Writer) {
		_, _ = fmt.Fprintf(w, "deployed %s\t%s\n", res.Project, orDash(res.URL))
	}))
}

func printTunnel(w io.Writer, t domain.Tunnel) {
	_, _ = fmt.Fprintf(w, "Name:\t%s\n", t.Name)
	_, _ = fmt.Fprintf(w, "ID:\t%s\n", t.ID)
	_, _ = fmt.Fprintf(w, "Status:\t%s\n", t.Status)
	_, _ = fmt.Fprintf(w, "URL:\t%s\n", orDash(t.URL))
	if t.LocalPort > 0 {
		_, _ = fmt.Fprintf(w, "Local port:\t%d\n", t.LocalPort)
	}
	if t.Expires != nil {
		_, _ = fmt.Fprintf(w, "Expires:\t%s\n", t.Expires.Local().Format(time.RFC3339))
	}
}
