package policy

import (
	"errors"
	"regexp"
	"strings"
)

// CompileGlob turns a blockedPaths pattern into a case-insensitive,
// anchored regular expression. A single star matches any run of characters
// except a slash, a double star matches across slashes, and a question mark
// matches one non-slash character. A trailing "/*" matches every descendant
// of the prefix at any depth.
func CompileGlob(pattern string) (*regexp.Regexp, error) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return nil, errors.New("empty pattern")
	}

	var b strings.Builder
	b.WriteString("(?i)^")
	body, descendants := pattern, false
	if strings.HasSuffix(pattern, "/*") && !strings.HasSuffix(pattern, "/**") {
		body, descendants = strings.TrimSuffix(pattern, "/*"), true
	}
	for i := 0; i < len(body); i++ {
		switch c := body[i]; c {
		case '*':
			if i+1 < len(body) && body[i+1] == '*' {
				b.WriteString(".*")
				i++
			} else {
				b.WriteString("[^/]*")
			}
		case '?':
			b.WriteString("[^/]")
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	if descendants {
		b.WriteString("/.*")
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}

type blockedPattern struct {
	raw string
	re  *regexp.Regexp
}

func compileBlocked(patterns []string) ([]blockedPattern, error) {
	out := make([]blockedPattern, 0, len(patterns))
	for _, p := range patterns {
		re, err := CompileGlob(p)
		if err != nil {
			return nil, err
		}
		out = append(out, blockedPattern{raw: p, re: re})
	}
	return out, nil
}
