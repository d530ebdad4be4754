package eventguard

import "regexp"

// rule is a single payload detection pattern, applied to every string key
// and value in the payload.
type rule struct {
	name    string
	pattern *regexp.Regexp
}

// payloadRules is the built-in ruleset. Patterns are compiled once at
// startup; a panic here is a programming error caught immediately.
var payloadRules = []rule{
	{
		name: "shell-metacharacter",
		pattern: regexp.MustCompile(
			"(?:" +
				`;` +
				`|&&` +
				`|\|\|?` +
				"|`" +
				`|\$\(` +
				`)`,
		),
	},
	{
		name: "sql-statement",
		pattern: regexp.MustCompile(
			`(?i)(?:` +
				`\bdrop\s+(?:table|database|schema|index|view|user)\b` +
				`|\bdelete\s+from\b` +
				`|\binsert\s+into\b` +
				`|\bupdate\s+\S+\s+set\b` +
				`|\balter\s+(?:table|database|schema|user)\b` +
				`|\btruncate\s+(?:table\s+)?\w` +
				`|\bunion\s+(?:all\s+)?select\b` +
				`)`,
		),
	},
	{
		name:    "code-eval",
		pattern: regexp.MustCompile(`(?i)\beval\s*\(`),
	},
	{
		name: "prototype-pollution",
		pattern: regexp.MustCompile(
			`(?:` +
				`__proto__` +
				`|constructor\s*\.\s*prototype` +
				`|constructor\s*\[\s*['"]prototype` +
				`)`,
		),
	},
}

// pollutionKeys are object keys rejected outright.
var pollutionKeys = map[string]struct{}{
	"__proto__":   {},
	"prototype":   {},
	"constructor": {},
}

// pathFields are object keys whose values are treated as filesystem paths
// and checked for traversal. Keys are compared lower-cased.
var pathFields = map[string]struct{}{
	"path":      {},
	"file":      {},
	"filepath":  {},
	"dir":       {},
	"directory": {},
	"filename":  {},
	"target":    {},
	"src":       {},
	"dest":      {},
}

// traversalPattern matches ".." as a path segment with either separator,
// after percent-decoding.
var traversalPattern = regexp.MustCompile(`(?:^|[\\/])\.\.(?:[\\/]|$)`)
