package config

import (
	"fmt"
	"strings"
	"time"
)

// DurationOrDefault parses a duration string and falls back to defaultValue when empty.
func DurationOrDefault(value string, defaultValue string) (time.Duration, error) {
	candidate := strings.TrimSpace(value)
	if candidate == "" {
		candidate = strings.TrimSpace(defaultValue)
	}
	if candidate == "" {
		return 0, fmt.Errorf("duration value is empty")
	}

	d, err := time.ParseDuration(candidate)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", candidate, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("duration %q must not be negative", candidate)
	}
	return d, nil
}

// ConnectTimeoutDuration is the per-attempt wallet connection watchdog.
func (w WalletConfig) ConnectTimeoutDuration() (time.Duration, error) {
	return DurationOrDefault(w.ConnectTimeout, DefaultWalletConnectTimeout)
}

// RetryBackoffDuration is the base delay; attempt n waits n times this value.
func (w WalletConfig) RetryBackoffDuration() (time.Duration, error) {
	return DurationOrDefault(w.RetryBackoff, DefaultWalletRetryBackoff)
}

// ValidityDuration bounds how long a signed decryption authorization is reused.
func (a AuthorizationConfig) ValidityDuration() (time.Duration, error) {
	return DurationOrDefault(a.Validity, DefaultAuthorizationTTL)
}
