// Package policy loads, validates, and writes the gateway access-policy
// document.
package policy

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/koltyakov/tunnelguard/internal/domain"
)

// Result is the outcome of validating a candidate policy. Errors are
// accumulated, never short-circuited.
type Result struct {
	Valid  bool     `json:"valid" yaml:"valid"`
	Errors []string `json:"errors" yaml:"errors"`
}

// Err returns nil for a valid result and a *domain.PolicyInvalidError
// otherwise.
func (r Result) Err() error {
	if r.Valid {
		return nil
	}
	return &domain.PolicyInvalidError{Errors: r.Errors}
}

var clockPattern = regexp.MustCompile(`^([01][0-9]|2[0-3]):([0-5][0-9])$`)

// expiresLayouts are the ISO-8601 forms accepted for route expiry.
var expiresLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

// structValidator is stateless after construction; it only caches struct
// metadata.
var structValidator = newStructValidator()

func newStructValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		switch name {
		case "-":
			return ""
		case "":
			return f.Name
		}
		return name
	})
	return v
}

// Validate checks a candidate policy's shape and semantics. It has no side
// effects.
func Validate(p *domain.Policy) Result {
	if p == nil {
		return Result{Errors: []string{"policy is empty"}}
	}

	var errs []string
	if err := structValidator.Struct(p); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			for _, fe := range fieldErrs {
				errs = append(errs, describeFieldError(fe))
			}
		} else {
			errs = append(errs, err.Error())
		}
	}

	seen := make(map[string]int, len(p.Routes))
	for i, r := range p.Routes {
		prefix := fmt.Sprintf("routes[%d]", i)
		errs = append(errs, validateRoutePath(prefix, r.Path)...)
		if r.Path != "" {
			if first, dup := seen[r.Path]; dup {
				errs = append(errs, fmt.Sprintf("%s.path: %q duplicates routes[%d]", prefix, r.Path, first))
			} else {
				seen[r.Path] = i
			}
		}
		if r.Expires != nil && strings.TrimSpace(*r.Expires) != "" {
			if _, err := ParseExpires(*r.Expires); err != nil {
				errs = append(errs, fmt.Sprintf("%s.expires: %q is not a valid ISO-8601 date", prefix, *r.Expires))
			}
		}
		if w := r.AvailableBetween; w != nil {
			if !clockPattern.MatchString(w.Start) {
				errs = append(errs, fmt.Sprintf("%s.availableBetween.start: %q must be HH:MM (00-23:00-59)", prefix, w.Start))
			}
			if !clockPattern.MatchString(w.End) {
				errs = append(errs, fmt.Sprintf("%s.availableBetween.end: %q must be HH:MM (00-23:00-59)", prefix, w.End))
			}
		}
		for j, ev := range r.AllowedEvents {
			switch {
			case strings.TrimSpace(ev) == "":
				errs = append(errs, fmt.Sprintf("%s.allowedEvents[%d]: must not be empty", prefix, j))
			case domain.IsDangerousEvent(ev):
				errs = append(errs, fmt.Sprintf("%s.allowedEvents[%d]: %q is a dangerous event and cannot be whitelisted", prefix, j, ev))
			}
		}
	}

	for i, bp := range p.BlockedPaths {
		if strings.TrimSpace(bp) == "" {
			errs = append(errs, fmt.Sprintf("blockedPaths[%d]: must not be empty", i))
			continue
		}
		if _, err := CompileGlob(bp); err != nil {
			errs = append(errs, fmt.Sprintf("blockedPaths[%d]: %v", i, err))
		}
	}

	names := make([]string, 0, len(p.Projections))
	for name := range p.Projections {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if strings.TrimSpace(name) == "" {
			errs = append(errs, "projections: projection name must not be empty")
			continue
		}
		if len(p.Projections[name].Fields) == 0 {
			errs = append(errs, fmt.Sprintf("projections.%s.fields: must not be empty", name))
		}
	}

	return Result{Valid: len(errs) == 0, Errors: errs}
}

// ParseExpires parses a route expiry timestamp.
func ParseExpires(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	for _, layout := range expiresLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date %q", v)
}

func validateRoutePath(prefix, path string) []string {
	if path == "" {
		// Reported by the struct validator.
		return nil
	}
	var errs []string
	if !strings.HasPrefix(path, "/") {
		errs = append(errs, fmt.Sprintf("%s.path: %q must start with /", prefix, path))
	}
	if strings.Contains(path, "..") {
		errs = append(errs, fmt.Sprintf("%s.path: %q must not contain ..", prefix, path))
	}
	if strings.Contains(path, "//") {
		errs = append(errs, fmt.Sprintf("%s.path: %q must not contain //", prefix, path))
	}
	if i := strings.Index(path, "*"); i >= 0 && (i != len(path)-1 || !strings.HasSuffix(path, "/*")) {
		errs = append(errs, fmt.Sprintf("%s.path: %q may only use * as a trailing /* wildcard", prefix, path))
	}
	return errs
}

func describeFieldError(fe validator.FieldError) string {
	field := fe.Namespace()
	if _, rest, ok := strings.Cut(field, "."); ok {
		field = rest
	}
	switch fe.Tag() {
	case "required":
		return field + ": is required"
	case "min":
		return field + ": must not be empty"
	case "oneof":
		return fmt.Sprintf("%s: %q is not one of [%s]", field, fmt.Sprint(fe.Value()), fe.Param())
	case "eq":
		return fmt.Sprintf("%s: %q is not supported (expected %q)", field, fmt.Sprint(fe.Value()), fe.Param())
	default:
		return fmt.Sprintf("%s: failed %s check", field, fe.Tag())
	}
}
