package domain

import "strings"

// DangerousEvents is the global blacklist of internal events that may never
// be triggered remotely. Policy documents cannot override it.
var DangerousEvents = []string{
	"disk.delete",
	"disk.format",
	"agent.reload",
	"agent.uninstall",
	"tunnel.destroy",
	"tunnel.delete",
	"shell.exec",
	"process.spawn",
	"config.write",
	"config.update",
	"memory.wipe",
	"db.drop",
	"db.wipe",
	"plugin.uninstall",
	"os.listener.register",
	"system.shutdown",
	"system.restart",
}

var dangerousEventSet = func() map[string]struct{} {
	m := make(map[string]struct{}, len(DangerousEvents))
	for _, e := range DangerousEvents {
		m[e] = struct{}{}
	}
	return m
}()

// IsDangerousEvent reports whether name is on the global blacklist.
// Matching ignores case and surrounding whitespace.
func IsDangerousEvent(name string) bool {
	_, ok := dangerousEventSet[strings.ToLower(strings.TrimSpace(name))]
	return ok
}
