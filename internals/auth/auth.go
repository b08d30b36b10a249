package auth

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Credentials are what `storyctl login` stores for later commands.
type Credentials struct {
	ServerURL string    `json:"server_url,omitempty"`
	Token     string    `json:"token"`
	Owner     string    `json:"owner,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (c Credentials) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}

func ReadCredentials(dataDir string) (*Credentials, bool, error) {
	path, err := CredentialsPath(dataDir)
	if err != nil {
		return nil, false, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}

	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, false, err
	}
	if creds.Token == "" {
		return nil, false, nil
	}
	return &creds, true, nil
}

func WriteCredentials(dataDir string, creds Credentials) error {
	path, err := CredentialsPath(dataDir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	if creds.UpdatedAt.IsZero() {
		creds.UpdatedAt = time.Now().UTC()
	}
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func RemoveCredentials(dataDir string) error {
	path, err := CredentialsPath(dataDir)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func CredentialsPath(dataDir string) (string, error) {
	dir, err := ExpandPath(dataDir)
	if err != nil {
		return "", err
	}
	if dir == "" {
		return "", errors.New("data dir is required")
	}
	return filepath.Join(filepath.Clean(dir), "auth.json"), nil
}

// ExpandPath resolves a leading "~" against the user's home directory.
func ExpandPath(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, strings.TrimPrefix(strings.TrimPrefix(path, "~"), "/")), nil
}
