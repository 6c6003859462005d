package remote

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultMaxBytes int64 = 4 * 1024 * 1024 // 4MiB
	DefaultTimeout        = 30 * time.Second
	DefaultProtocol       = "http"

	// Upper bounds on the settings. They keep MaxBytes+1 and the millisecond
	// conversion of Timeout from overflowing.
	MaxBytesLimit int64 = 1 << 30 // 1GiB
	TimeoutLimit        = 10 * time.Minute
)

// Settings keys recognized by ParseSettings.
const (
	SettingMaxBytes  = "MaxBytes"
	SettingTimeout   = "Timeout" // milliseconds
	SettingProtocol  = "Protocol"
	SettingUserAgent = "UserAgent"
)

// Config bounds a single fetch. It is fixed when the Fetcher is built.
type Config struct {
	// MaxBytes is the largest body accepted, in bytes.
	MaxBytes int64
	// Timeout covers the whole fetch: connect, headers and body.
	Timeout time.Duration
	// UserAgent is sent when non-empty.
	UserAgent string
	// Protocol is the scheme used when a candidate arrives without one.
	Protocol string
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxBytes: DefaultMaxBytes,
		Timeout:  DefaultTimeout,
		Protocol: DefaultProtocol,
	}
}

// Validate rejects limits that would leave a fetch unbounded.
func (c Config) Validate() error {
	var errs []error
	if c.MaxBytes <= 0 || c.MaxBytes > MaxBytesLimit {
		errs = append(errs, fmt.Errorf("MaxBytes must be between 1 and %d (got %d)", MaxBytesLimit, c.MaxBytes))
	}
	if c.Timeout <= 0 || c.Timeout > TimeoutLimit {
		errs = append(errs, fmt.Errorf("Timeout must be positive and at most %s (got %s)", TimeoutLimit, c.Timeout))
	}
	switch strings.ToLower(c.Protocol) {
	case "http", "https":
	default:
		errs = append(errs, fmt.Errorf("Protocol must be http or https (got %q)", c.Protocol))
	}
	return errors.Join(errs...)
}

// ParseSettings builds a Config from a keyed settings map. Keys match
// case-insensitively, unknown keys are ignored and missing keys keep their
// defaults. Malformed values are an error, not a silent fallback.
func ParseSettings(settings map[string]string) (Config, error) {
	c := DefaultConfig()
	var errs []error

	for k, v := range settings {
		v = strings.TrimSpace(v)
		switch {
		case strings.EqualFold(k, SettingMaxBytes):
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", SettingMaxBytes, err))
				continue
			}
			c.MaxBytes = n
		case strings.EqualFold(k, SettingTimeout):
			ms, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", SettingTimeout, err))
				continue
			}
			if ms <= 0 || ms > TimeoutLimit.Milliseconds() {
				errs = append(errs, fmt.Errorf("%s: %dms is outside 1..%d", SettingTimeout, ms, TimeoutLimit.Milliseconds()))
				continue
			}
			c.Timeout = time.Duration(ms) * time.Millisecond
		case strings.EqualFold(k, SettingProtocol):
			if v != "" {
				c.Protocol = strings.ToLower(v)
			}
		case strings.EqualFold(k, SettingUserAgent):
			c.UserAgent = v
		}
	}

	if len(errs) > 0 {
		return Config{}, errors.Join(errs...)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Settings renders c back into the keyed form ParseSettings accepts.
func (c Config) Settings() map[string]string {
	return map[string]string{
		SettingMaxBytes:  strconv.FormatInt(c.MaxBytes, 10),
		SettingTimeout:   strconv.FormatInt(c.Timeout.Milliseconds(), 10),
		SettingProtocol:  c.Protocol,
		SettingUserAgent: c.UserAgent,
	}
}
