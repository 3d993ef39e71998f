package credentials

import "os"

// TokenEnvVar overrides server.token from the environment.
const TokenEnvVar = "GOCALSYNC_SERVER_TOKEN"

// EnvToken returns the token set in the environment, or "".
func EnvToken() string {
	return os.Getenv(TokenEnvVar)
}
