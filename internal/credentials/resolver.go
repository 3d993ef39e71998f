// Package credentials finds the API token used to talk to the calendar
// server.
package credentials

import (
	"fmt"
	"net/url"
)

// Source indicates where the token was found
type Source string

const (
	SourceKeyring Source = "keyring"
	SourceEnv     Source = "env"
	SourceConfig  Source = "config"
	SourceNone    Source = "none"
)

// Credentials is a resolved token and where it came from.
type Credentials struct {
	Token  string `json:"-" yaml:"-"`
	Host   string `json:"host" yaml:"host"`
	Source Source `json:"source" yaml:"source"`
}

// HostOf returns the host part of a server URL, which keys the keyring.
func HostOf(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid server URL %q: missing host", serverURL)
	}
	return u.Host, nil
}

// Resolve finds the token for serverURL using the priority order:
//  1. Keyring entry for the server's host
//  2. GOCALSYNC_SERVER_TOKEN
//  3. server.token from the config file
//
// configToken is the value after environment overrides were applied, so an
// environment token equal to it is reported as SourceEnv. Finding nothing
// is not an error: some servers need no token.
func Resolve(serverURL, configToken string) (*Credentials, error) {
	host, err := HostOf(serverURL)
	if err != nil {
		return nil, err
	}
	creds := &Credentials{Host: host, Source: SourceNone}

	if IsAvailable() {
		if token, err := GetToken(host); err == nil {
			creds.Token = token
			creds.Source = SourceKeyring
			return creds, nil
		}
	}

	if token := EnvToken(); token != "" {
		creds.Token = token
		creds.Source = SourceEnv
		return creds, nil
	}

	if configToken != "" {
		creds.Token = configToken
		creds.Source = SourceConfig
	}
	return creds, nil
}
