// Package cfg holds the process configuration: flags with inline defaults,
// optionally filled from IMGFETCH_* environment variables.
package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/keithlinneman/linnemanlabs-imgfetch/internal/log"
	"github.com/keithlinneman/linnemanlabs-imgfetch/internal/remote"
)

// EnvPrefix is prepended to upper-snake flag names, -fetch-timeout-ms reads
// IMGFETCH_FETCH_TIMEOUT_MS.
const EnvPrefix = "IMGFETCH_"

type App struct {
	LogJSON           bool
	LogLevel          string
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int

	HTTPPort    int
	AdminPort   int
	EnablePprof bool

	EnableTracing   bool
	OTLPEndpoint    string
	TraceSample     float64
	EnablePyroscope bool
	PyroServer      string
	PyroTenantID    string

	RemotePrefix   string
	FetchMaxBytes  int64
	FetchTimeoutMS int64
	// FetchMaxTimeoutMS caps the timeout an allow-list document may set.
	// The public server's write timeout is derived from it.
	FetchMaxTimeoutMS int64
	FetchProtocol     string
	FetchUserAgent    string

	AllowlistHosts         string
	AllowlistFile          string
	AllowlistSSMParam      string
	AllowlistS3Bucket      string
	AllowlistS3Key         string
	AllowlistSigningKeyARN string
	EnableAllowlistUpdates bool
	AllowlistPollInterval  time.Duration

	RateLimitRPS     float64
	RateLimitBurst   int
	TrustedProxyHops int
}

// Register binds all config fields to fs with defaults inline.
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or text (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error chain links in log records")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")

	fs.IntVar(&c.HTTPPort, "http-port", 8080, "listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")

	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")

	fs.StringVar(&c.RemotePrefix, "remote-prefix", "/remote", "route prefix whose remainder is the remote url")
	fs.Int64Var(&c.FetchMaxBytes, "fetch-max-bytes", remote.DefaultMaxBytes, "largest remote body accepted, in bytes")
	fs.Int64Var(&c.FetchTimeoutMS, "fetch-timeout-ms", remote.DefaultTimeout.Milliseconds(), "whole-fetch timeout in milliseconds")
	fs.Int64Var(&c.FetchMaxTimeoutMS, "fetch-max-timeout-ms", 60000, "largest fetch timeout an allow-list document may set, in milliseconds")
	fs.StringVar(&c.FetchProtocol, "fetch-protocol", remote.DefaultProtocol, "scheme for remote urls given without one (http|https)")
	fs.StringVar(&c.FetchUserAgent, "fetch-user-agent", "", "User-Agent sent on remote fetches (empty sends none)")

	fs.StringVar(&c.AllowlistHosts, "allowlist-hosts", "", "comma separated allow-list entries")
	fs.StringVar(&c.AllowlistFile, "allowlist-file", "", "path to an allow-list yaml document")
	fs.StringVar(&c.AllowlistSSMParam, "allowlist-ssm-param", "", "ssm parameter holding the allow-list")
	fs.StringVar(&c.AllowlistS3Bucket, "allowlist-s3-bucket", "", "s3 bucket holding the allow-list document")
	fs.StringVar(&c.AllowlistS3Key, "allowlist-s3-key", "", "s3 key of the allow-list document")
	fs.StringVar(&c.AllowlistSigningKeyARN, "allowlist-signing-key-arn", "", "KMS key ARN verifying the s3 allow-list signature")
	fs.BoolVar(&c.EnableAllowlistUpdates, "enable-allowlist-updates", true, "Watch the allow-list source and swap in changes")
	fs.DurationVar(&c.AllowlistPollInterval, "allowlist-poll-interval", 30*time.Second, "how often the allow-list source is polled")

	fs.Float64Var(&c.RateLimitRPS, "ratelimit-rps", 5, "per-ip fetch requests per second (0 disables)")
	fs.IntVar(&c.RateLimitBurst, "ratelimit-burst", 20, "per-ip burst size")
	fs.IntVar(&c.TrustedProxyHops, "trusted-proxy-hops", 0, "reverse proxies in front of the server whose X-Forwarded-For is trusted")
}

// FillFromEnv sets any flag not passed on the command line from its
// environment variable. Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := EnvKey(prefix, f.Name)
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, envVal)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			_ = fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
			}
		}
	})
}

// EnvKey maps flag "foo-bar" to PREFIX_FOO_BAR.
func EnvKey(prefix, flagName string) string {
	return prefix + strings.ReplaceAll(strings.ToUpper(flagName), "-", "_")
}

// FetchMaxTimeout is the ceiling on any snapshot's fetch timeout.
func (c App) FetchMaxTimeout() time.Duration {
	return time.Duration(c.FetchMaxTimeoutMS) * time.Millisecond
}

// FetchSettings is the base settings map for remote.ParseSettings. An
// allow-list document's own settings are layered on top of it.
func (c App) FetchSettings() map[string]string {
	return map[string]string{
		remote.SettingMaxBytes:  strconv.FormatInt(c.FetchMaxBytes, 10),
		remote.SettingTimeout:   strconv.FormatInt(c.FetchTimeoutMS, 10),
		remote.SettingProtocol:  c.FetchProtocol,
		remote.SettingUserAgent: c.FetchUserAgent,
	}
}

// AllowlistSource names which source is configured: static, file, ssm, s3,
// or "" when none is.
func (c App) AllowlistSource() string {
	switch {
	case c.AllowlistFile != "":
		return "file"
	case c.AllowlistSSMParam != "":
		return "ssm"
	case c.AllowlistS3Bucket != "" || c.AllowlistS3Key != "":
		return "s3"
	case c.AllowlistHosts != "":
		return "static"
	}
	return ""
}

// Validate reports every invalid field at once.
func Validate(c App) error {
	var errs []error

	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort))
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}
	if c.AdminPort == c.HTTPPort {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort))
	}

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}
	if c.IncludeErrorLinks && (c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64) {
		errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
	}

	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, errors.New("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}
	if c.EnablePyroscope {
		if u, err := url.Parse(c.PyroServer); c.PyroServer == "" || err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL when ENABLE_PYROSCOPE=true (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, errors.New("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}

	if !strings.HasPrefix(c.RemotePrefix, "/") || strings.HasSuffix(c.RemotePrefix, "/") {
		errs = append(errs, fmt.Errorf("REMOTE_PREFIX must start and not end with / (got %q)", c.RemotePrefix))
	}
	if _, err := remote.ParseSettings(c.FetchSettings()); err != nil {
		errs = append(errs, fmt.Errorf("invalid fetch settings: %w", err))
	}
	if limit := remote.TimeoutLimit.Milliseconds(); c.FetchMaxTimeoutMS < c.FetchTimeoutMS || c.FetchMaxTimeoutMS > limit {
		errs = append(errs, fmt.Errorf("FETCH_MAX_TIMEOUT_MS must be between FETCH_TIMEOUT_MS (%d) and %d (got %d)", c.FetchTimeoutMS, limit, c.FetchMaxTimeoutMS))
	}

	errs = append(errs, validateAllowlist(c)...)

	if c.RateLimitRPS < 0 {
		errs = append(errs, fmt.Errorf("RATELIMIT_RPS must not be negative (got %v)", c.RateLimitRPS))
	}
	if c.RateLimitRPS > 0 && c.RateLimitBurst < 1 {
		errs = append(errs, fmt.Errorf("RATELIMIT_BURST must be at least 1 (got %d)", c.RateLimitBurst))
	}
	if c.TrustedProxyHops < 0 {
		errs = append(errs, fmt.Errorf("TRUSTED_PROXY_HOPS must not be negative (got %d)", c.TrustedProxyHops))
	}

	return errors.Join(errs...)
}

func validateAllowlist(c App) []error {
	var errs []error

	set := 0
	for _, v := range []string{c.AllowlistHosts, c.AllowlistFile, c.AllowlistSSMParam, c.AllowlistS3Bucket + c.AllowlistS3Key} {
		if v != "" {
			set++
		}
	}
	if set != 1 {
		errs = append(errs, fmt.Errorf("exactly one of ALLOWLIST_HOSTS, ALLOWLIST_FILE, ALLOWLIST_SSM_PARAM, ALLOWLIST_S3_BUCKET/KEY must be set (got %d)", set))
	}
	if (c.AllowlistS3Bucket == "") != (c.AllowlistS3Key == "") {
		errs = append(errs, errors.New("ALLOWLIST_S3_BUCKET and ALLOWLIST_S3_KEY must be set together"))
	}
	if c.AllowlistSigningKeyARN != "" && c.AllowlistS3Bucket == "" {
		errs = append(errs, errors.New("ALLOWLIST_SIGNING_KEY_ARN only applies to the s3 source"))
	}
	if c.EnableAllowlistUpdates && c.AllowlistPollInterval < time.Second {
		errs = append(errs, fmt.Errorf("ALLOWLIST_POLL_INTERVAL must be at least 1s (got %s)", c.AllowlistPollInterval))
	}
	return errs
}
