package breaker

import (
	"fmt"
	"sort"

	"github.com/koltyakov/tunnelguard/internal/domain"
)

const (
	suspiciousPathDenials    = 5
	suspiciousSourceRequests = 50
)

// Suspicion kinds reported by [AnalyzeAuditLog].
const (
	SuspicionPath   = "path"
	SuspicionSource = "source"
)

// Suspicion is a heuristic finding over audit history. It never blocks
// anything by itself.
type Suspicion struct {
	Kind    string `json:"kind" yaml:"kind"`
	Subject string `json:"subject" yaml:"subject"`
	Count   int    `json:"count" yaml:"count"`
	Reason  string `json:"reason" yaml:"reason"`
}

// AnalyzeAuditLog flags paths with more than 5 denied attempts and sources
// with more than 50 requests in entries. Results are ordered by kind, then
// descending count.
func AnalyzeAuditLog(entries []domain.AuditEntry) []Suspicion {
	deniedByPath := make(map[string]int)
	bySource := make(map[string]int)
	for _, e := range entries {
		if !e.Allowed {
			deniedByPath[e.Path]++
		}
		if e.SourceIP != "" {
			bySource[e.SourceIP]++
		}
	}

	var out []Suspicion
	for p, n := range deniedByPath {
		if n > suspiciousPathDenials {
			out = append(out, Suspicion{
				Kind:    SuspicionPath,
				Subject: p,
				Count:   n,
				Reason:  fmt.Sprintf("%d denied attempts on %s", n, p),
			})
		}
	}
	for ip, n := range bySource {
		if n > suspiciousSourceRequests {
			out = append(out, Suspicion{
				Kind:    SuspicionSource,
				Subject: ip,
				Count:   n,
				Reason:  fmt.Sprintf("%d requests from %s", n, ip),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Subject < out[j].Subject
	})
	return out
}
