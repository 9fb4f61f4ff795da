package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	serviceName     = "voxnote"
	apiTokenAccount = "api_token"
)

// ErrSecretNotFound is returned by Keychain.Get when nothing is stored
// under the service and account.
var ErrSecretNotFound = errors.New("secret not found")

// Keychain stores secrets in the platform secret store.
type Keychain interface {
	Get(service, account string) (string, error)
	Set(service, account, value string) error
	Delete(service, account string) error
}

// NewKeychain returns the platform keychain: macOS Keychain on darwin, a
// user-only secrets file elsewhere.
func NewKeychain() Keychain { return platformKeychain{} }

type platformKeychain struct{}

func (platformKeychain) Get(service, account string) (string, error) {
	out, err := keychainGet(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (platformKeychain) Set(service, account, value string) error {
	return keychainSet(service, account, value)
}

func (platformKeychain) Delete(service, account string) error {
	return keychainDelete(service, account)
}

// GetAPIToken returns the bearer token guarding the HTTP API, generating and
// storing one on first use. A keychain that cannot be read is an error, so
// a locked keychain never rotates the token.
func GetAPIToken(kc Keychain) (string, error) {
	tok, err := kc.Get(serviceName, apiTokenAccount)
	switch {
	case err == nil && tok != "":
		return tok, nil
	case err != nil && !errors.Is(err, ErrSecretNotFound):
		return "", fmt.Errorf("reading api token: %w", err)
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating api token: %w", err)
	}
	tok = hex.EncodeToString(buf)
	if err := kc.Set(serviceName, apiTokenAccount, tok); err != nil {
		return "", fmt.Errorf("storing api token: %w", err)
	}
	return tok, nil
}
