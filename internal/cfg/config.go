package cfg

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/georgemihalcea/ldapcheck/internal/xerrors"
)

// Defaults for optional config file keys.
const (
	DefaultHost           = "0.0.0.0"
	DefaultReadBufferSize = 512
	DefaultPollSeconds    = 1
	DefaultProbeTimeout   = 10
	DefaultReadTimeout    = 10
	DefaultMaxConns       = 256
	DefaultRateBurst      = 10
)

// Config is the probe configuration file. It is immutable after Load and
// shared read-only by every listener and handler.
type Config struct {
	Host       string `yaml:"HOST"`
	PlainPort  int    `yaml:"PORT"`
	SecurePort int    `yaml:"PORT_S"`

	// URL is dialed in plaintext and upgraded with StartTLS,
	// SecureURL is dialed with implicit TLS.
	URL       string `yaml:"URL"`
	SecureURL string `yaml:"URL_S"`

	User        string `yaml:"USER"`
	Password    string `yaml:"PASS"`
	PasswordSSM string `yaml:"PASS_SSM"`
	PasswordKMS string `yaml:"PASS_KMS"`

	ReadBufferSize int  `yaml:"DATA_SIZE"`
	PollSeconds    int  `yaml:"SLEEP"`
	Debug          bool `yaml:"DEBUG"`
	Verbose        bool `yaml:"INFO"`

	ProbeTimeoutSeconds int `yaml:"PROBE_TIMEOUT"`
	ReadTimeoutSeconds  int `yaml:"READ_TIMEOUT"`
	MaxConns            int `yaml:"MAX_CONNS"`

	TLSSkipVerify bool   `yaml:"TLS_SKIP_VERIFY"`
	TLSCAFile     string `yaml:"TLS_CA_FILE"`
	TLSServerName string `yaml:"TLS_SERVER_NAME"`

	// RateLimit is probes per second per client IP, 0 disables limiting
	RateLimit float64 `yaml:"RATE_LIMIT"`
	RateBurst int     `yaml:"RATE_BURST"`
}

// Defaults returns a Config holding only the defaulted fields.
func Defaults() Config {
	return Config{
		Host:                DefaultHost,
		ReadBufferSize:      DefaultReadBufferSize,
		PollSeconds:         DefaultPollSeconds,
		ProbeTimeoutSeconds: DefaultProbeTimeout,
		ReadTimeoutSeconds:  DefaultReadTimeout,
		MaxConns:            DefaultMaxConns,
		RateBurst:           DefaultRateBurst,
	}
}

// Parse decodes YAML over Defaults(). Any decode failure is a config error
// and no partial config is returned.
func Parse(data []byte) (Config, error) {
	c := Defaults()
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, xerrors.Mark(xerrors.Wrap(err, "invalid config file"), xerrors.KindConfig)
	}
	return c, nil
}

func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollSeconds) * time.Second
}

func (c Config) ProbeTimeout() time.Duration {
	return time.Duration(c.ProbeTimeoutSeconds) * time.Second
}

func (c Config) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutSeconds) * time.Second
}

func (c Config) PlainAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.PlainPort))
}

func (c Config) SecureAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.SecurePort))
}

// TLS builds the client TLS config used for both ldaps and StartTLS.
// ServerName is left empty unless configured, the probe fills it per URL.
func (c Config) TLS() (*tls.Config, error) {
	tc := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         c.TLSServerName,
		InsecureSkipVerify: c.TLSSkipVerify,
	}
	if c.TLSCAFile == "" {
		return tc, nil
	}
	pem, err := os.ReadFile(c.TLSCAFile)
	if err != nil {
		return nil, xerrors.Mark(xerrors.Wrapf(err, "read TLS_CA_FILE %s", c.TLSCAFile), xerrors.KindConfig)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, xerrors.Mark(xerrors.Newf("TLS_CA_FILE %s contains no PEM certificates", c.TLSCAFile), xerrors.KindConfig)
	}
	tc.RootCAs = pool
	return tc, nil
}

// Validate reports every invalid field, joined. The error is a config error.
func (c Config) Validate() error {
	var errs []error

	if c.PlainPort < 1 || c.PlainPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid PORT %d (must be 1..65535)", c.PlainPort))
	}
	if c.SecurePort < 1 || c.SecurePort > 65535 {
		errs = append(errs, fmt.Errorf("invalid PORT_S %d (must be 1..65535)", c.SecurePort))
	}
	if c.PlainPort == c.SecurePort {
		errs = append(errs, fmt.Errorf("PORT and PORT_S must differ (both %d)", c.PlainPort))
	}

	if err := checkURL("URL", c.URL, "ldap"); err != nil {
		errs = append(errs, err)
	}
	if err := checkURL("URL_S", c.SecureURL, "ldaps"); err != nil {
		errs = append(errs, err)
	}
	if c.User == "" {
		errs = append(errs, errors.New("USER is required"))
	}
	if c.Password == "" && c.PasswordSSM == "" && c.PasswordKMS == "" {
		errs = append(errs, errors.New("one of PASS, PASS_SSM or PASS_KMS is required"))
	}

	if c.ReadBufferSize < 1 {
		errs = append(errs, fmt.Errorf("DATA_SIZE must be positive (got %d)", c.ReadBufferSize))
	}
	if c.PollSeconds < 1 {
		errs = append(errs, fmt.Errorf("SLEEP must be positive (got %d)", c.PollSeconds))
	}
	if c.ProbeTimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("PROBE_TIMEOUT must not be negative (got %d)", c.ProbeTimeoutSeconds))
	}
	if c.ReadTimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("READ_TIMEOUT must not be negative (got %d)", c.ReadTimeoutSeconds))
	}
	if c.MaxConns < 0 {
		errs = append(errs, fmt.Errorf("MAX_CONNS must not be negative (got %d)", c.MaxConns))
	}
	if c.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT must not be negative (got %g)", c.RateLimit))
	}
	if c.RateLimit > 0 && c.RateBurst < 1 {
		errs = append(errs, fmt.Errorf("RATE_BURST must be positive when RATE_LIMIT is set (got %d)", c.RateBurst))
	}

	if len(errs) > 0 {
		return xerrors.Mark(errors.Join(errs...), xerrors.KindConfig)
	}
	return nil
}

func checkURL(key, raw, scheme string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", key)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a URL (got %q): %v", key, raw, err)
	}
	if u.Scheme != scheme || u.Host == "" {
		return fmt.Errorf("%s must be a %s:// URL with a host (got %q)", key, scheme, raw)
	}
	return nil
}
