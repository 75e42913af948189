package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/keithlinneman/apiserver/internal/log"
)

// PasswordPlaceholder is the same marker as database.PasswordPlaceholder.
const PasswordPlaceholder = "<PASSWORD>"

type App struct {
	// server
	Port            int
	AdminPort       int
	NodeEnv         string
	ConfigFile      string
	DrainTimeout    time.Duration
	CORSOrigins     string
	RateLimitMax    int
	RateLimitWindow time.Duration
	RateLimitPrefix string
	BodyLimit       int64
	HPPWhitelist    string
	TrustedHops     int

	// database
	Database               string
	DatabasePassword       string
	DatabaseConnectTimeout time.Duration

	// observability
	LogJSON           bool
	LogLevel          string
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int
	EnablePprof       bool
	EnablePyroscope   bool
	EnableTracing     bool
	PyroServer        string
	PyroTenantID      string
	OTLPEndpoint      string
	TraceSample       float64
}

func Register(fs *flag.FlagSet, c *App) {
	fs.IntVar(&c.Port, "port", 8000, "listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.StringVar(&c.NodeEnv, "node-env", "production", "development|production (development enables request logging and verbose errors)")
	fs.StringVar(&c.ConfigFile, "config-file", "./config.env", "dotenv file to load before reading env (local path or s3://bucket/key)")
	fs.DurationVar(&c.DrainTimeout, "drain-timeout", 10*time.Second, "max time to wait for in-flight requests on shutdown")
	fs.StringVar(&c.CORSOrigins, "cors-origins", "*", "comma separated allowed origins, * for any")
	fs.IntVar(&c.RateLimitMax, "rate-limit-max", 500, "max requests per client per window under rate-limit-prefix")
	fs.DurationVar(&c.RateLimitWindow, "rate-limit-window", time.Hour, "rate limit window")
	fs.StringVar(&c.RateLimitPrefix, "rate-limit-prefix", "/api", "path prefix the rate limit applies to")
	fs.Int64Var(&c.BodyLimit, "body-limit", 10*1024, "max JSON request body in bytes")
	fs.StringVar(&c.HPPWhitelist, "hpp-whitelist", "", "comma separated query params allowed to repeat (empty: every param collapses to its last value)")
	fs.IntVar(&c.TrustedHops, "trusted-hops", 0, "number of reverse proxies in front of the server (0 ignores X-Forwarded-For)")

	fs.StringVar(&c.Database, "database", "", "MongoDB connection string, may contain "+PasswordPlaceholder)
	fs.StringVar(&c.DatabasePassword, "database-password", "", "database password, or ssm:/param, kms:BASE64, s3://bucket/key")
	fs.DurationVar(&c.DatabaseConnectTimeout, "database-connect-timeout", 10*time.Second, "database connect and ping timeout")

	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
}

// EnvKey is the environment variable for flag name: "rate-limit-max" with
// prefix "APP_" reads APP_RATE_LIMIT_MAX.
func EnvKey(prefix, name string) string {
	return prefix + strings.ReplaceAll(strings.ToUpper(name), "-", "_")
}

// FillFromEnv sets every flag not given on the command line from its env var.
// Precedence: cli flag > env var > default.
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
				logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, redact(f.Name, envVal))
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, redact(f.Name, envVal), err)
			}
		}
	})
}

func redact(name, v string) string {
	if strings.Contains(name, "password") {
		return "xxxxx"
	}
	return v
}

// ConfigFilePath is -config-file if given, else CONFIG_FILE (with prefix),
// else the default.
func ConfigFilePath(fs *flag.FlagSet, prefix string) string {
	f := fs.Lookup("config-file")
	if f == nil {
		return ""
	}
	explicit := false
	fs.Visit(func(v *flag.Flag) {
		if v.Name == "config-file" {
			explicit = true
		}
	})
	if !explicit {
		if v, ok := os.LookupEnv(EnvKey(prefix, "config-file")); ok {
			return v
		}
	}
	return f.Value.String()
}

// SplitList splits a comma separated option, dropping empty entries.
func SplitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func Validate(c App) error {
	var errs []error

	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid PORT %d (must be 1..65535)", c.Port))
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}
	if c.AdminPort == c.Port {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and PORT must differ (both %d)", c.Port))
	}

	switch c.NodeEnv {
	case "development", "production":
	default:
		errs = append(errs, fmt.Errorf("invalid NODE_ENV %q (must be development|production)", c.NodeEnv))
	}

	if strings.TrimSpace(c.Database) == "" {
		errs = append(errs, fmt.Errorf("DATABASE is required"))
	} else if strings.Contains(c.Database, PasswordPlaceholder) && c.DatabasePassword == "" {
		errs = append(errs, fmt.Errorf("DATABASE_PASSWORD required when DATABASE contains %s", PasswordPlaceholder))
	}
	if c.DatabaseConnectTimeout <= 0 {
		errs = append(errs, fmt.Errorf("DATABASE_CONNECT_TIMEOUT must be > 0 (got %s)", c.DatabaseConnectTimeout))
	}

	if c.RateLimitMax < 1 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_MAX must be >= 1 (got %d)", c.RateLimitMax))
	}
	if c.RateLimitWindow <= 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_WINDOW must be > 0 (got %s)", c.RateLimitWindow))
	}
	if c.RateLimitPrefix != "" && !strings.HasPrefix(c.RateLimitPrefix, "/") {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_PREFIX must start with / (got %q)", c.RateLimitPrefix))
	}
	if c.BodyLimit <= 0 {
		errs = append(errs, fmt.Errorf("BODY_LIMIT must be > 0 (got %d)", c.BodyLimit))
	}
	if c.TrustedHops < 0 {
		errs = append(errs, fmt.Errorf("TRUSTED_HOPS must be >= 0 (got %d)", c.TrustedHops))
	}
	if c.DrainTimeout <= 0 {
		errs = append(errs, fmt.Errorf("DRAIN_TIMEOUT must be > 0 (got %s)", c.DrainTimeout))
	}

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}

	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}

	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}

	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	if c.IncludeErrorLinks {
		if c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64 {
			errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
