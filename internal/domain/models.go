// Package domain defines the core data types shared across the gateway
// policy, guard, breaker, and tunnel layers.
package domain

import "time"

// PolicyVersion is the only policy document version this build understands.
const PolicyVersion = "1.0"

// Policy modes. The mode is informational and does not change enforcement.
const (
	ModeStrict = "strict"
	ModeDev    = "dev"
)

// Route auth schemes.
const (
	AuthNone  = "none"
	AuthToken = "token"
	AuthJWT   = "jwt"
)

// HTTPMethods is the set of verbs a route may whitelist.
var HTTPMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"}

// Policy is the access-policy document enforced by the route guard.
type Policy struct {
	Version      string                `json:"version" yaml:"version" validate:"required,eq=1.0" jsonschema:"enum=1.0"`
	Mode         string                `json:"mode" yaml:"mode" validate:"required,oneof=strict dev" jsonschema:"enum=strict,enum=dev"`
	Routes       []Route               `json:"routes" yaml:"routes" validate:"dive"`
	BlockedPaths []string              `json:"blockedPaths" yaml:"blockedPaths"`
	Projections  map[string]Projection `json:"projections,omitempty" yaml:"projections,omitempty"`
}

// Route is a single allow-list entry. Routes are matched in document order.
type Route struct {
	Path               string      `json:"path" yaml:"path" validate:"required"`
	Methods            []string    `json:"methods" yaml:"methods" validate:"min=1,dive,oneof=GET POST PUT PATCH DELETE HEAD OPTIONS"`
	Auth               string      `json:"auth" yaml:"auth" validate:"required,oneof=none token jwt" jsonschema:"enum=none,enum=token,enum=jwt"`
	Expires            *string     `json:"expires" yaml:"expires" jsonschema:"nullable"`
	AvailableBetween   *TimeWindow `json:"availableBetween,omitempty" yaml:"availableBetween,omitempty"`
	AllowedEvents      []string    `json:"allowedEvents,omitempty" yaml:"allowedEvents,omitempty"`
	Description        string      `json:"description,omitempty" yaml:"description,omitempty"`
	RateLimitPerMinute int         `json:"rateLimitPerMinute,omitempty" yaml:"rateLimitPerMinute,omitempty"`
}

// AllowsMethod reports whether m is whitelisted on the route.
func (r Route) AllowsMethod(m string) bool {
	for _, allowed := range r.Methods {
		if allowed == m {
			return true
		}
	}
	return false
}

// TimeWindow bounds a route to a daily HH:MM window. Start > End wraps
// past midnight.
type TimeWindow struct {
	Start string `json:"start" yaml:"start" jsonschema:"pattern=^([01][0-9]|2[0-3]):[0-5][0-9]$"`
	End   string `json:"end" yaml:"end" jsonschema:"pattern=^([01][0-9]|2[0-3]):[0-5][0-9]$"`
}

// Projection is a field whitelist applied to entities before they leave
// the process.
type Projection struct {
	Fields []string `json:"fields" yaml:"fields"`
}

// AuditEntry is an immutable record of one guard decision.
type AuditEntry struct {
	Timestamp  time.Time `json:"timestamp" yaml:"timestamp"`
	RequestID  string    `json:"requestId,omitempty" yaml:"requestId,omitempty"`
	Method     string    `json:"method" yaml:"method"`
	Path       string    `json:"path" yaml:"path"`
	SourceIP   string    `json:"sourceIP" yaml:"sourceIP"`
	Allowed    bool      `json:"allowed" yaml:"allowed"`
	Status     int       `json:"status,omitempty" yaml:"status,omitempty"`
	Reason     string    `json:"reason,omitempty" yaml:"reason,omitempty"`
	TunnelName string    `json:"tunnelName" yaml:"tunnelName"`
}

// BlockedIP is a circuit-breaker block on a request source.
type BlockedIP struct {
	IP             string    `json:"ip" yaml:"ip"`
	BlockedUntil   time.Time `json:"blockedUntil" yaml:"blockedUntil"`
	Reason         string    `json:"reason" yaml:"reason"`
	FailedAttempts int       `json:"failedAttempts" yaml:"failedAttempts"`
}

// Tunnel status constants describe what the process believes is running.
const (
	TunnelStatusActive  = "active"
	TunnelStatusStopped = "stopped"
	TunnelStatusError   = "error"
)

// Process state constants track the supervised tunnel client process.
const (
	ProcessStarting = "starting"
	ProcessRunning  = "running"
	ProcessStopping = "stopping"
	ProcessStopped  = "stopped"
)

// Tunnel is the persisted record of a tunnel managed by this process.
type Tunnel struct {
	ID           string     `json:"id" yaml:"id"`
	Name         string     `json:"name" yaml:"name"`
	URL          string     `json:"url" yaml:"url"`
	LocalPort    int        `json:"localPort" yaml:"localPort"`
	CreatedAt    time.Time  `json:"createdAt" yaml:"createdAt"`
	Status       string     `json:"status" yaml:"status"`
	IsTemporary  bool       `json:"isTemporary" yaml:"isTemporary"`
	Expires      *time.Time `json:"expires,omitempty" yaml:"expires,omitempty"`
	PID          int        `json:"pid,omitempty" yaml:"pid,omitempty"`
	ProcessState string     `json:"processState,omitempty" yaml:"processState,omitempty"`
}
