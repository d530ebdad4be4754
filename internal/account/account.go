// Package account persists the identity captured by the tunnel CLI login.
package account

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/koltyakov/tunnelguard/internal/fsutil"
)

// ErrNotLoggedIn is returned when no account file exists.
var ErrNotLoggedIn = errors.New("not logged in")

// Account is the logged-in tunnel provider identity.
type Account struct {
	Account    string    `json:"account" yaml:"account"`
	LoggedInAt time.Time `json:"loggedInAt" yaml:"loggedInAt"`
	CertPath   string    `json:"certPath,omitempty" yaml:"certPath,omitempty"`
}

// Load reads the account file at path.
func Load(path string) (Account, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Account{}, ErrNotLoggedIn
		}
		return Account{}, err
	}
	var a Account
	if err := json.Unmarshal(raw, &a); err != nil {
		return Account{}, fmt.Errorf("parse %s: %w", path, err)
	}
	a.Account = strings.TrimSpace(a.Account)
	if a.Account == "" {
		return Account{}, errors.New("account file is missing account")
	}
	return a, nil
}

// Save writes a to path with owner-only permissions.
func Save(path string, a Account) error {
	a.Account = strings.TrimSpace(a.Account)
	if a.Account == "" {
		return errors.New("account is required")
	}
	b, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(path, b, 0o600)
}

// Clear removes the account file. A missing file is not an error.
func Clear(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
