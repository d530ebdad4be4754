package tunnel

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"

	"github.com/koltyakov/tunnelguard/internal/domain"
	"github.com/koltyakov/tunnelguard/internal/fsutil"
)

// stateFile stores tunnel records as a JSON array keyed by name. Callers
// serialise access; every save rewrites the file atomically.
type stateFile struct {
	path string
}

func (s stateFile) load() (map[string]domain.Tunnel, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]domain.Tunnel{}, nil
		}
		return nil, err
	}
	var list []domain.Tunnel
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, fmt.Errorf("parse %s: %w", s.path, err)
		}
	}
	out := make(map[string]domain.Tunnel, len(list))
	for _, t := range list {
		out[t.Name] = t
	}
	return out, nil
}

func (s stateFile) save(records map[string]domain.Tunnel) error {
	list := sortedRecords(records)
	raw, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(s.path, append(raw, '\n'), 0o600)
}

func sortedRecords(records map[string]domain.Tunnel) []domain.Tunnel {
	list := make([]domain.Tunnel, 0, len(records))
	for _, t := range records {
		list = append(list, t)
	}
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].Name < list[j].Name
	})
	return list
}
