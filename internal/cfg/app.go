package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/georgemihalcea/ldapcheck/internal/log"
	"github.com/georgemihalcea/ldapcheck/internal/xerrors"
)

// EnvPrefix is prepended to upper-cased flag names by FillFromEnv.
const EnvPrefix = "LDAPCHECK_"

// App holds process settings that live outside the probe config file.
type App struct {
	ConfigPath        string
	LogJSON           bool
	LogLevel          string
	AdminPort         int
	EnablePprof       bool
	EnablePyroscope   bool
	EnableTracing     bool
	PyroServer        string
	PyroTenantID      string
	OTLPEndpoint      string
	TraceSample       float64
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int
}

// DefaultConfigPath is ../config/config.yml next to the executable.
func DefaultConfigPath() string {
	exe, err := os.Executable()
	if err != nil {
		return filepath.Join("..", "config", "config.yml")
	}
	return filepath.Join(filepath.Dir(exe), "..", "config", "config.yml")
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.StringVar(&c.ConfigPath, "config", DefaultConfigPath(), "probe config file (path or s3://bucket/key)")
	fs.BoolVar(&c.LogJSON, "log-json", false, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "warn", "debug|info|warn|error (DEBUG/INFO in the config file lower it)")
	fs.IntVar(&c.AdminPort, "admin-port", 0, "ops listener TCP port for metrics/health (0 disables)")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", false, "Enable pprof handlers on the ops listener")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error chain links in error log records")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
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

// ValidateApp checks process settings and their conflicts with the probe
// config. Returns an error describing all invalid fields, or nil.
func ValidateApp(a App, c Config) error {
	var errs []error

	if a.ConfigPath == "" {
		errs = append(errs, errors.New("CONFIG path is required"))
	}
	if a.AdminPort < 0 || a.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 0..65535)", a.AdminPort))
	}
	if a.AdminPort != 0 && (a.AdminPort == c.PlainPort || a.AdminPort == c.SecurePort) {
		errs = append(errs, fmt.Errorf("ADMIN_PORT %d collides with PORT/PORT_S", a.AdminPort))
	}
	if a.EnablePprof && a.AdminPort == 0 {
		errs = append(errs, errors.New("ENABLE_PPROF requires ADMIN_PORT"))
	}

	if _, err := log.ParseLevel(a.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", a.LogLevel, err))
	}
	if a.StacktraceLevel != "" {
		if _, err := log.ParseLevel(a.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", a.StacktraceLevel, err))
		}
	}

	if a.IncludeErrorLinks && (a.MaxErrorLinks < 1 || a.MaxErrorLinks > 64) {
		errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", a.MaxErrorLinks))
	}

	if a.TraceSample < 0 || a.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", a.TraceSample))
	}
	// grpc exporter wants host:port, no scheme
	if a.EnableTracing {
		if a.OTLPEndpoint == "" {
			errs = append(errs, errors.New("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(a.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", a.OTLPEndpoint, err))
		}
	}

	if a.EnablePyroscope {
		if a.PyroServer == "" {
			errs = append(errs, errors.New("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(a.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", a.PyroServer))
		}
	}

	if len(errs) > 0 {
		return xerrors.Mark(errors.Join(errs...), xerrors.KindConfig)
	}
	return nil
}
