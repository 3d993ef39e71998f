package credentials

import (
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

const (
	// KeyringService is the service name of every gocalsync keyring entry.
	KeyringService = "gocalsync"
)

// ErrNoToken is returned when the keyring holds no token for a server.
var ErrNoToken = errors.New("no token stored")

// SetToken stores the API token for host in the OS keyring
func SetToken(host, token string) error {
	if host == "" {
		return fmt.Errorf("server host cannot be empty")
	}
	if token == "" {
		return fmt.Errorf("token cannot be empty")
	}

	if err := keyring.Set(KeyringService, host, token); err != nil {
		return fmt.Errorf("failed to store token in keyring: %w", err)
	}
	return nil
}

// GetToken retrieves the API token for host from the OS keyring
func GetToken(host string) (string, error) {
	if host == "" {
		return "", fmt.Errorf("server host cannot be empty")
	}

	token, err := keyring.Get(KeyringService, host)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", fmt.Errorf("%w in keyring for %s", ErrNoToken, host)
		}
		return "", fmt.Errorf("failed to retrieve token from keyring: %w", err)
	}
	return token, nil
}

// DeleteToken removes the API token for host from the OS keyring
func DeleteToken(host string) error {
	if host == "" {
		return fmt.Errorf("server host cannot be empty")
	}

	if err := keyring.Delete(KeyringService, host); err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return fmt.Errorf("%w in keyring for %s", ErrNoToken, host)
		}
		return fmt.Errorf("failed to delete token from keyring: %w", err)
	}
	return nil
}

// IsAvailable checks if the keyring is accessible
func IsAvailable() bool {
	// A working keyring answers ErrNotFound for an entry that was never set.
	_, err := keyring.Get(KeyringService+"-probe", "probe")
	return err == nil || errors.Is(err, keyring.ErrNotFound)
}
