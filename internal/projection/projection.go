// Package projection redacts internal entities to declared field
// whitelists before they leave the process.
package projection

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/koltyakov/tunnelguard/internal/domain"
)

// Entity kinds recognised by [Classify].
const (
	KindTask   = "task"
	KindAgent  = "agent"
	KindFile   = "file"
	KindMemory = "memory"
)

// Project applies the named projection to entity. Slices are projected
// element-wise; non-object elements are dropped. It fails with
// [domain.ErrProjectionUndefined] when name is not declared.
func Project(entity any, name string, projections map[string]domain.Projection) (any, error) {
	proj, ok := projections[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrProjectionUndefined, name)
	}
	v, err := Normalize(entity)
	if err != nil {
		return nil, err
	}
	switch t := v.(type) {
	case map[string]any:
		return ApplyProjection(t, proj.Fields), nil
	case []any:
		out := make([]any, 0, len(t))
		for _, el := range t {
			if obj, ok := el.(map[string]any); ok {
				out = append(out, ApplyProjection(obj, proj.Fields))
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("projection %q applies to objects, got %T", name, entity)
	}
}

// ApplyProjection returns a new object holding only the listed fields that
// are present in obj.
func ApplyProjection(obj map[string]any, fields []string) map[string]any {
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		if v, ok := obj[f]; ok {
			out[f] = v
		}
	}
	return out
}

// AutoProject classifies each object by its field signature and applies
// the projection of that name when declared; anything else is passed
// through [SanitizeObject]. Unrecognised data is sanitised, never passed
// through as is.
func AutoProject(data any, projections map[string]domain.Projection) any {
	v, err := Normalize(data)
	if err != nil {
		return nil
	}
	return autoProject(v, projections)
}

func autoProject(v any, projections map[string]domain.Projection) any {
	switch t := v.(type) {
	case map[string]any:
		if kind := Classify(t); kind != "" {
			if proj, ok := projections[kind]; ok {
				return ApplyProjection(t, proj.Fields)
			}
		}
		return sanitize(t)
	case []any:
		out := make([]any, 0, len(t))
		for _, el := range t {
			out = append(out, autoProject(el, projections))
		}
		return out
	default:
		return v
	}
}

// Classify guesses which entity kind obj is. It returns "" when the shape
// is not recognised.
func Classify(obj map[string]any) string {
	has := func(keys ...string) bool {
		for _, k := range keys {
			if _, ok := obj[k]; ok {
				return true
			}
		}
		return false
	}
	switch {
	case has("title") && has("status", "dueDate", "completed", "priority"):
		return KindTask
	case has("summary", "embedding") && has("content", "createdAt", "summary") && !has("title"):
		return KindMemory
	case has("mimeType") || (has("name") && has("size") && has("extension", "modifiedAt", "updatedAt", "mimeType")):
		return KindFile
	case has("name") && has("model", "capabilities", "systemPrompt", "status"):
		return KindAgent
	}
	return ""
}

// SanitizeObject recursively removes keys that commonly hold credentials
// or host filesystem locations. Function and channel values are dropped.
func SanitizeObject(data any) any {
	v, err := Normalize(data)
	if err != nil {
		return nil
	}
	return sanitizeValue(v)
}

func sanitizeValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return sanitize(t)
	case []any:
		out := make([]any, 0, len(t))
		for _, el := range t {
			out = append(out, sanitizeValue(el))
		}
		return out
	default:
		return v
	}
}

func sanitize(obj map[string]any) map[string]any {
	out := make(map[string]any, len(obj))
	for k, v := range obj {
		if IsSensitiveKey(k) {
			continue
		}
		out[k] = sanitizeValue(v)
	}
	return out
}

// sensitiveTerms are stripped wherever they appear in a key, so
// "authHeader" and "workingDir" go as well as "author" and "pathname".
var sensitiveTerms = []string{
	"password", "passwd", "secret", "token", "apikey", "privatekey", "credential",
	"auth", "path", "dir", "home", "cwd",
}

// IsSensitiveKey reports whether a key is removed by [SanitizeObject]. Case,
// underscores, hyphens and dots are ignored.
func IsSensitiveKey(key string) bool {
	k := strings.ToLower(key)
	k = strings.NewReplacer("_", "", "-", "", ".", "").Replace(k)
	for _, term := range sensitiveTerms {
		if strings.Contains(k, term) {
			return true
		}
	}
	return false
}

// Normalize converts data into plain JSON-shaped values (maps, slices,
// strings, float64, bool, nil). Raw JSON is decoded; structs go through a
// JSON round trip. Function and channel values are dropped.
func Normalize(data any) (any, error) {
	switch t := data.(type) {
	case nil, string, bool, float64:
		return t, nil
	case json.RawMessage:
		return decode(t)
	case []byte:
		return decode(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, v := range t {
			if unsupported(v) {
				continue
			}
			n, err := Normalize(v)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	case []any:
		out := make([]any, 0, len(t))
		for _, v := range t {
			if unsupported(v) {
				continue
			}
			n, err := Normalize(v)
			if err != nil {
				return nil, err
			}
			out = append(out, n)
		}
		return out, nil
	}
	if unsupported(data) {
		return nil, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("normalize %T: %w", data, err)
	}
	return decode(raw)
}

func decode(raw []byte) (any, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode entity: %w", err)
	}
	return v, nil
}

func unsupported(v any) bool {
	if v == nil {
		return false
	}
	switch reflect.TypeOf(v).Kind() {
	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return true
	}
	return false
}
