package oauth

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/oauth2"
)

const (
	tokenFilePerms = 0o600
	tokenDirPerms  = 0o700
)

// storedToken is the on-disk token format. ClientID records which app
// registration issued the token so a changed client_id forces a new login.
type storedToken struct {
	Token    *oauth2.Token `json:"token"`
	ClientID string        `json:"client_id"`
}

// tokenStore persists one token file.
type tokenStore struct {
	path string
}

// load returns (nil, nil) when no token has been saved.
func (s tokenStore) load() (*storedToken, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil //nolint:nilnil // sentinel for "not logged in"
	}

	if err != nil {
		return nil, fmt.Errorf("oauth: reading token %s: %w", s.path, err)
	}

	var st storedToken
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("oauth: decoding token %s: %w", s.path, err)
	}

	if st.Token == nil {
		return nil, fmt.Errorf("oauth: %s has no token (login again)", s.path)
	}

	return &st, nil
}

// save writes the token atomically with owner-only permissions.
func (s tokenStore) save(st *storedToken) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("oauth: encoding token: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, tokenDirPerms); err != nil {
		return fmt.Errorf("oauth: creating token directory %s: %w", dir, err)
	}

	// Same directory so the rename stays on one filesystem.
	tmp, err := os.CreateTemp(dir, ".token-*.tmp")
	if err != nil {
		return fmt.Errorf("oauth: creating temp token file: %w", err)
	}

	tmpPath := tmp.Name()

	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := os.Chmod(tmpPath, tokenFilePerms); err != nil {
		tmp.Close()
		return fmt.Errorf("oauth: setting token permissions: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("oauth: writing token: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("oauth: syncing token: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("oauth: closing token file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("oauth: renaming token file: %w", err)
	}

	committed = true

	return nil
}

// remove deletes the token file. A missing file is not an error.
func (s tokenStore) remove() error {
	err := os.Remove(s.path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	return fmt.Errorf("oauth: removing token %s: %w", s.path, err)
}
