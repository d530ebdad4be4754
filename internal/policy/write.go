package policy

import (
	"encoding/json"
	"fmt"

	"github.com/koltyakov/tunnelguard/internal/domain"
	"github.com/koltyakov/tunnelguard/internal/fsutil"
)

// Write validates p and atomically replaces the policy file with it. The
// cache is invalidated so the next Load observes the new document.
func (s *Store) Write(p *domain.Policy) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.write(p)
}

// Update reads the document, applies fn and writes the result. Updates and
// writes through the same store are serialised, so concurrent edits never
// drop each other. Nothing is written when fn fails.
func (s *Store) Update(fn func(*domain.Policy) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	p, err := s.ReadDocument()
	if err != nil {
		return err
	}
	if err := fn(p); err != nil {
		return err
	}
	return s.write(p)
}

func (s *Store) write(p *domain.Policy) error {
	if err := Validate(p).Err(); err != nil {
		return err
	}
	raw, err := Marshal(p)
	if err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(s.path, raw, 0o600); err != nil {
		return fmt.Errorf("writing policy %s: %w", s.path, err)
	}
	s.Invalidate()
	return nil
}

// Init writes p only when no policy file exists yet.
func (s *Store) Init(p *domain.Policy) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.Exists() {
		return fmt.Errorf("%w: %s", domain.ErrPolicyExists, s.path)
	}
	return s.write(p)
}

// Marshal renders p the way it is stored on disk.
func Marshal(p *domain.Policy) ([]byte, error) {
	raw, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(raw, '\n'), nil
}
