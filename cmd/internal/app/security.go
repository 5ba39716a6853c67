package app

import (
	"errors"
	"fmt"

	"parley/cmd/security/token"
)

// ValidateSecurityConfig enforces the token key policy at startup and returns the signing key.
//
// Notes:
//   - A key is always required: every API call and socket is authenticated with it.
//   - With PARLEY_REQUIRE_TOKEN_HMAC=true (the default) short keys are rejected instead of warned about.
//   - We measure bytes (not runes) because the key is used as raw bytes.
func ValidateSecurityConfig(cfg Config, log Logger) ([]byte, error) {
	key, err := token.HMACKeyFromEnv(token.MinKeyBytes)
	switch {
	case err == nil:
		return key, nil
	case errors.Is(err, token.ErrHMACKeyMissing):
		return nil, fmt.Errorf("security policy: %s is missing", token.HMACEnvKey)
	case errors.Is(err, token.ErrHMACKeyTooShort):
		if cfg.RequireTokenHMAC {
			return nil, fmt.Errorf("security policy: PARLEY_REQUIRE_TOKEN_HMAC=true but %s is too short (min %d bytes)",
				token.HMACEnvKey, token.MinKeyBytes)
		}
		key, err = token.HMACKeyFromEnv(0)
		if err != nil {
			return nil, err
		}
		if log != nil {
			log.Warn("security.token_key.short", "bytes", len(key), "min", token.MinKeyBytes)
		}
		return key, nil
	default:
		return nil, err
	}
}
