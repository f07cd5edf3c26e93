// Package cfg binds service configuration to flags with environment
// fallbacks. Precedence: cli flag > env var > env file > default.
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

	"github.com/joho/godotenv"

	"github.com/keithlinneman/linnemanlabs-throttle/internal/log"
)

// EnvPrefix is prepended to upper-cased flag names: -http-port reads THROTTLE_HTTP_PORT.
const EnvPrefix = "THROTTLE_"

const (
	RulesSourceFile = "file"
	RulesSourceS3   = "s3"
)

type App struct {
	EnvFile string

	LogJSON         bool
	LogLevel        string
	StacktraceLevel string
	MaxErrorLinks   int

	HTTPPort     int
	AdminPort    int
	DrainTimeout time.Duration

	EnablePprof     bool
	EnablePyroscope bool
	PyroServer      string
	PyroTenantID    string
	EnableTracing   bool
	OTLPEndpoint    string
	TraceSample     float64

	RulesSource        string
	RulesFile          string
	RulesWatch         bool
	RulesMaxErrors     int
	RulesSSMParam      string
	RulesS3Bucket      string
	RulesS3Prefix      string
	RulesSigningKeyARN string
	RulesPollInterval  time.Duration

	TrustedHops int
	APIRate     float64
	APIBurst    int
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.StringVar(&c.EnvFile, "env-file", "", "optional .env file loaded before reading THROTTLE_* variables")

	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or text (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth logged per error (0 disables, max 64)")

	fs.IntVar(&c.HTTPPort, "http-port", 8080, "public API listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "ops listen TCP port for metrics, health, pprof and admin API (1..65535)")
	fs.DurationVar(&c.DrainTimeout, "drain-timeout", 60*time.Second, "time to fail readiness before shutting listeners down")

	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "enable pprof (ops port only)")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "push profiles to -pyro-server")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "pyroscope tenant (x-scope-orgid)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "export OTLP traces to -otlp-endpoint")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP gRPC endpoint (host:port)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")

	fs.StringVar(&c.RulesSource, "rules-source", RulesSourceFile, "where throttle rules come from: file|s3")
	fs.StringVar(&c.RulesFile, "rules-file", "configs/throttle.yaml", "rules YAML file for -rules-source=file")
	fs.BoolVar(&c.RulesWatch, "rules-watch", true, "reload rules when the file or SSM hash changes")
	fs.IntVar(&c.RulesMaxErrors, "rules-max-errors", 0, "rejected exceptions a reload may have before it is refused (-1 disables)")
	fs.StringVar(&c.RulesSSMParam, "rules-ssm-param", "/app/linnemanlabs-throttle/rules/sha256", "ssm parameter holding the current rules sha256")
	fs.StringVar(&c.RulesS3Bucket, "rules-s3-bucket", "", "s3 bucket holding rules files")
	fs.StringVar(&c.RulesS3Prefix, "rules-s3-prefix", "apps/linnemanlabs-throttle/rules", "s3 prefix for {sha256}.yaml objects")
	fs.StringVar(&c.RulesSigningKeyARN, "rules-signing-key-arn", "", "KMS key ARN; when set every rules file needs a valid .sig")
	fs.DurationVar(&c.RulesPollInterval, "rules-poll-interval", 30*time.Second, "SSM poll interval for -rules-source=s3")

	fs.IntVar(&c.TrustedHops, "trusted-hops", 1, "reverse proxies in front of the service whose X-Forwarded-For entries are trusted (0..8)")
	fs.Float64Var(&c.APIRate, "api-rate", 10, "per-IP requests per second on the public API (0 disables)")
	fs.IntVar(&c.APIBurst, "api-burst", 30, "per-IP burst on the public API")
}

// LoadEnvFile loads KEY=VALUE pairs into the environment without replacing
// variables that are already set. An empty path is a no-op.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
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

func EnvKey(prefix, flagName string) string {
	return prefix + strings.ReplaceAll(strings.ToUpper(flagName), "-", "_")
}

// Validate returns every invalid field joined, or nil.
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
	if c.DrainTimeout < 0 {
		errs = append(errs, fmt.Errorf("DRAIN_TIMEOUT must not be negative (got %s)", c.DrainTimeout))
	}

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}
	if c.MaxErrorLinks < 0 || c.MaxErrorLinks > 64 {
		errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 0..64 (got %d)", c.MaxErrorLinks))
	}

	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}
	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, errors.New("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, errors.New("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}
	// grpc exporter wants host:port, no scheme
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, errors.New("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	switch c.RulesSource {
	case RulesSourceFile:
		if c.RulesFile == "" {
			errs = append(errs, errors.New("RULES_FILE required when RULES_SOURCE=file"))
		}
	case RulesSourceS3:
		if c.RulesSSMParam == "" {
			errs = append(errs, errors.New("RULES_SSM_PARAM required when RULES_SOURCE=s3"))
		}
		if c.RulesS3Bucket == "" {
			errs = append(errs, errors.New("RULES_S3_BUCKET required when RULES_SOURCE=s3"))
		}
		if c.RulesPollInterval < time.Second {
			errs = append(errs, fmt.Errorf("RULES_POLL_INTERVAL must be at least 1s (got %s)", c.RulesPollInterval))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid RULES_SOURCE %q (must be file or s3)", c.RulesSource))
	}
	if c.RulesMaxErrors < -1 {
		errs = append(errs, fmt.Errorf("RULES_MAX_ERRORS must be -1 or more (got %d)", c.RulesMaxErrors))
	}

	if c.TrustedHops < 0 || c.TrustedHops > 8 {
		errs = append(errs, fmt.Errorf("TRUSTED_HOPS must be 0..8 (got %d)", c.TrustedHops))
	}
	if c.APIRate < 0 {
		errs = append(errs, fmt.Errorf("API_RATE must not be negative (got %g)", c.APIRate))
	}
	if c.APIRate > 0 && c.APIBurst < 1 {
		errs = append(errs, fmt.Errorf("API_BURST must be at least 1 when API_RATE is set (got %d)", c.APIBurst))
	}

	return errors.Join(errs...)
}
