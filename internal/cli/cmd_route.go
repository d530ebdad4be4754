package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/koltyakov/tunnelguard/internal/domain"
	"github.com/koltyakov/tunnelguard/internal/gateway"
	"github.com/koltyakov/tunnelguard/internal/policy"
)

func runRoute(s stdio, args []string) int {
	if len(args) == 0 {
		s.errorf("usage: tunnelguard route init|add|remove|list|validate")
		return 2
	}
	switch args[0] {
	case "init":
		return runRouteInit(s, args[1:])
	case "add":
		return runRouteAdd(s, args[1:])
	case "remove", "rm":
		return runRouteRemove(s, args[1:])
	case "list", "ls":
		return runRouteList(s, args[1:])
	case "validate":
		return runRouteValidate(s, args[1:])
	default:
		s.errorf("unknown route command %q", args[0])
		return 2
	}
}

func runRouteInit(s stdio, args []string) int {
	cmd, err := newCommand(s, "route init")
	if err != nil {
		s.errorf("config error: %v", err)
		return 2
	}
	if err := cmd.parse(args); err != nil {
		return cmd.exit(err)
	}
	gw := cmd.gateway(cmd.logger())
	p, err := gw.RouteInit()
	if err != nil {
		return cmd.exit(err)
	}
	return cmd.exit(cmd.emit(p, func(w io.Writer) {
		_, _ = fmt.Fprintf(w, "wrote %s (mode %s, %d routes, %d blocked paths)\n",
			gw.Policies().Path(), p.Mode, len(p.Routes), len(p.BlockedPaths))
	}))
}

func runRouteAdd(s stdio, args []string) int {
	cmd, err := newCommand(s, "route add")
	if err != nil {
		s.errorf("config error: %v", err)
		return 2
	}
	var (
		opts    gateway.RouteOptions
		between string
	)
	cmd.fs.StringSliceVar(&opts.Methods, "methods", nil, "allowed methods (default GET)")
	cmd.fs.StringVar(&opts.Auth, "auth", "", "auth mode: none, token or jwt (default none)")
	cmd.fs.StringVar(&opts.Expires, "expires", "", "ISO-8601 expiry, e.g. 2026-12-31T23:59:59Z")
	cmd.fs.StringVar(&between, "between", "", "daily availability window HH:MM-HH:MM")
	cmd.fs.StringSliceVar(&opts.AllowedEvents, "events", nil, "events accepted via POST")
	cmd.fs.StringVar(&opts.Description, "description", "", "free-text note")
	if err := cmd.parse(args); err != nil {
		return cmd.exit(err)
	}
	if cmd.fs.NArg() != 1 {
		return cmd.usageError("expected exactly one PATH")
	}
	if between != "" {
		w, err := parseWindow(between)
		if err != nil {
			return cmd.usageError("%v", err)
		}
		opts.AvailableBetween = w
	}

	route, warning, err := cmd.gateway(cmd.logger()).RouteAdd(cmd.fs.Arg(0), opts)
	if err != nil {
		return cmd.exitPolicy(err)
	}
	if warning != "" {
		s.errorf("warning: %s", warning)
	}
	out := struct {
		Route   domain.Route `json:"route" yaml:"route"`
		Warning string       `json:"warning,omitempty" yaml:"warning,omitempty"`
	}{route, warning}
	return cmd.exit(cmd.emit(out, func(w io.Writer) {
		_, _ = fmt.Fprintf(w, "added %s [%s] auth=%s\n", route.Path, strings.Join(route.Methods, ","), route.Auth)
	}))
}

func runRouteRemove(s stdio, args []string) int {
	cmd, err := newCommand(s, "route remove")
	if err != nil {
		s.errorf("config error: %v", err)
		return 2
	}
	if err := cmd.parse(args); err != nil {
		return cmd.exit(err)
	}
	if cmd.fs.NArg() != 1 {
		return cmd.usageError("expected exactly one PATH")
	}
	path := cmd.fs.Arg(0)
	if err := cmd.gateway(cmd.logger()).RouteRemove(path); err != nil {
		return cmd.exitPolicy(err)
	}
	return cmd.exit(cmd.emit(map[string]string{"removed": path}, func(w io.Writer) {
		_, _ = fmt.Fprintf(w, "removed %s\n", path)
	}))
}

func runRouteList(s stdio, args []string) int {
	cmd, err := newCommand(s, "route list")
	if err != nil {
		s.errorf("config error: %v", err)
		return 2
	}
	if err := cmd.parse(args); err != nil {
		return cmd.exit(err)
	}
	routes, err := cmd.gateway(cmd.logger()).RouteList()
	if err != nil {
		return cmd.exitPolicy(err)
	}
	if routes == nil {
		routes = []domain.Route{}
	}
	return cmd.exit(cmd.emit(routes, func(w io.Writer) {
		if len(routes) == 0 {
			_, _ = fmt.Fprintln(w, "no routes (every request is denied)")
			return
		}
		_, _ = fmt.Fprintln(w, "PATH\tMETHODS\tAUTH\tEXPIRES\tWINDOW\tEVENTS")
		for _, r := range routes {
			expires, window := "never", "-"
			if r.Expires != nil && *r.Expires != "" {
				expires = *r.Expires
			}
			if r.AvailableBetween != nil {
				window = r.AvailableBetween.Start + "-" + r.AvailableBetween.End
			}
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", r.Path, strings.Join(r.Methods, ","), r.Auth,
				expires, window, orDash(strings.Join(r.AllowedEvents, ",")))
		}
	}))
}

func runRouteValidate(s stdio, args []string) int {
	cmd, err := newCommand(s, "route validate")
	if err != nil {
		s.errorf("config error: %v", err)
		return 2
	}
	if err := cmd.parse(args); err != nil {
		return cmd.exit(err)
	}
	res, err := cmd.gateway(cmd.logger()).RouteValidate()
	if err != nil {
		return cmd.exitPolicy(err)
	}
	if res.Errors == nil {
		res.Errors = []string{}
	}
	if err := cmd.emit(res, func(w io.Writer) {
		if res.Valid {
			_, _ = fmt.Fprintln(w, "policy is valid")
			return
		}
		_, _ = fmt.Fprintf(w, "policy is invalid (%d errors):\n", len(res.Errors))
		for _, e := range res.Errors {
			_, _ = fmt.Fprintf(w, "  - %s\n", e)
		}
	}); err != nil {
		return cmd.exit(err)
	}
	if !res.Valid {
		return 1
	}
	return 0
}

func runPolicy(s stdio, args []string) int {
	if len(args) == 0 || args[0] != "schema" {
		s.errorf("usage: tunnelguard policy schema")
		return 2
	}
	schema, err := policy.Schema()
	if err != nil {
		s.errorf("policy schema: %v", err)
		return 1
	}
	_, _ = s.out.Write(schema)
	_, _ = fmt.Fprintln(s.out)
	return 0
}

// exitPolicy prints policy validation errors one per line.
func (c *command) exitPolicy(err error) int {
	var invalid *domain.PolicyInvalidError
	if errors.As(err, &invalid) {
		c.errorf("%s: policy rejected:", c.fs.Name())
		for _, e := range invalid.Errors {
			c.errorf("  - %s", e)
		}
		return 1
	}
	if errors.Is(err, domain.ErrPolicyMissing) {
		c.errorf("%s: %v (run tunnelguard route init)", c.fs.Name(), err)
		return 1
	}
	return c.exit(err)
}

func parseWindow(v string) (*domain.TimeWindow, error) {
	start, end, ok := strings.Cut(strings.TrimSpace(v), "-")
	if !ok {
		return nil, fmt.Errorf("--between %q must be HH:MM-HH:MM", v)
	}
	return &domain.TimeWindow{Start: strings.TrimSpace(start), End: strings.TrimSpace(end)}, nil
}
