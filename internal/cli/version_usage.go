package cli

import (
	"fmt"
	"io"

	"github.com/koltyakov/tunnelguard/internal/versionutil"
)

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, `tunnelguard - zero-trust exposure gateway for a local automation engine

Only whitelisted routes, methods and events reach the engine; responses are
projected to whitelisted fields before they leave.

Usage:
  tunnelguard serve                         Start the public gateway and control API
  tunnelguard status                        Show login, policy and tunnel state
  tunnelguard login | logout                Manage the tunnel provider login
  tunnelguard route init                    Write a default deny-all policy
  tunnelguard route add PATH [flags]        Whitelist a route (--methods, --auth, --expires, --between, --events)
  tunnelguard route remove PATH             Remove a route
  tunnelguard route list                    List whitelisted routes
  tunnelguard route validate                Validate the policy file
  tunnelguard policy schema                 Print the policy JSON Schema
  tunnelguard tunnel create NAME            Create a named tunnel
  tunnelguard tunnel start NAME --port N    Run a named tunnel to a local port
  tunnelguard tunnel stop NAME              Stop a running tunnel
  tunnelguard tunnel delete NAME            Delete a tunnel
  tunnelguard tunnel list                   List tunnels
  tunnelguard tunnel temp --port N          Start a temporary tunnel (--ttl seconds)
  tunnelguard tunnel check | install        Check for or install the tunnel CLI
  tunnelguard deploy DIR --project NAME     Publish a static directory
  tunnelguard audit                         Security audit report (--follow streams live entries)
  tunnelguard blocks                        List blocked sources on the running gateway
  tunnelguard block IP | unblock IP         Block or unblock a source on the running gateway
  tunnelguard hash-secret [SECRET]          Print a bcrypt hash for a gateway token
  tunnelguard version                       Print version
  tunnelguard help                          Show this help

Most commands accept --format text|json|yaml.

Environment Variables:
  TUNNELGUARD_HOME              State directory (default: ~/.tunnelguard)
  TUNNELGUARD_ENGINE_URL        Automation engine URL (default: http://127.0.0.1:3000)
  TUNNELGUARD_PUBLIC_LISTEN     Public gateway address (default: 127.0.0.1:8787)
  TUNNELGUARD_CONTROL_LISTEN    Control API address (default: 127.0.0.1:8788)
  TUNNELGUARD_GATEWAY_TOKEN     Secret for auth=token routes (plaintext or bcrypt)
  TUNNELGUARD_ADMIN_TOKEN       Control API token (default: generated into $HOME/admin.token)
  TUNNELGUARD_TUNNEL_BINARY     Tunnel CLI (default: cloudflared)
  TUNNELGUARD_LOG_LEVEL         Log level: debug|info|warn|error (default: info)`)
}

// Version is set at build time via -ldflags.
var Version = versionutil.Dev

func init() {
	Version = versionutil.Resolve(Version)
}

func printVersion(w io.Writer) {
	_, _ = fmt.Fprintln(w, "tunnelguard", Version)
}
