package core

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Oudwins/storyd/internals/auth"
	"github.com/Oudwins/storyd/internals/conf"
	"github.com/Oudwins/storyd/internals/env"
)

const secretFile = "token_secret"

// NewTokens builds the owner token issuer shared by the server and the
// operator CLI.
func NewTokens(config *conf.Config, envs *env.EnvStruct) (*auth.Tokens, error) {
	secret, err := loadSecret(config.Server.DataDir, envs.JWT_SECRET)
	if err != nil {
		return nil, err
	}
	return auth.NewTokens(secret, config.Auth.TokenTTLValue)
}

// loadSecret returns the token signing secret. The environment wins;
// otherwise a secret is generated once and kept in the data dir so that
// `storyd token` and `storyd serve` agree.
func loadSecret(dataDir string, fromEnv string) (string, error) {
	if fromEnv != "" {
		return fromEnv, nil
	}
	path := filepath.Join(dataDir, secretFile)
	data, err := os.ReadFile(path)
	if err == nil {
		secret := strings.TrimSpace(string(data))
		if secret != "" {
			return secret, nil
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("read token secret: %w", err)
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate token secret: %w", err)
	}
	secret := hex.EncodeToString(raw)
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(secret+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("write token secret: %w", err)
	}
	return secret, nil
}
