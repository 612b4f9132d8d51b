// Package config provides configuration structures and loading logic for polis-certd.
package config

import (
	"fmt"
	"net/url"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"github.com/polisai/polis-certd/pkg/domain"
)

// Default filesystem locations, matching the certbot and nginx images.
const (
	DefaultCertRoot    = "/etc/letsencrypt/live"
	DefaultDHParamPath = "/etc/ssl/certs/dhparam-2048.pem"
	DefaultOutputPath  = "/etc/nginx/conf.d/nginx.conf"
	DefaultWebroot     = "/var/www/certbot"
	DefaultInterval    = 60 * time.Second
	DefaultDialTimeout = time.Second
)

// Config holds the complete configuration for the reconciler.
type Config struct {
	Email       string         `yaml:"email" validate:"required,email"`
	Domains     []DomainConfig `yaml:"domains" validate:"required,min=1,dive"`
	Interval    time.Duration  `yaml:"interval" validate:"gt=0"`
	HTTPSPolicy string         `yaml:"https_policy" validate:"omitempty,oneof=presence validity"`

	Paths     PathsConfig     `yaml:"paths"`
	Probe     ProbeConfig     `yaml:"probe"`
	Agent     AgentConfig     `yaml:"agent"`
	Proxy     ProxyConfig     `yaml:"proxy"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// DomainConfig declares one managed domain.
type DomainConfig struct {
	Domain string `yaml:"domain" validate:"required,fqdn"`
	Server string `yaml:"server" validate:"required,url"`
	// Aliases left unset default to "www.<domain>"; an explicit empty list disables them.
	Aliases []string `yaml:"aliases,omitempty" validate:"omitempty,dive,fqdn"`
}

// PathsConfig holds the filesystem boundary of the reconciler.
type PathsConfig struct {
	CertRoot string `yaml:"cert_root" validate:"required"`
	DHParam  string `yaml:"dhparam" validate:"required"`
	Output   string `yaml:"output" validate:"required"`
	Template string `yaml:"template"`
	Webroot  string `yaml:"webroot" validate:"required"`
}

// ProbeConfig tunes upstream liveness probing.
type ProbeConfig struct {
	DialTimeout time.Duration `yaml:"dial_timeout" validate:"gt=0"`
	Concurrency int           `yaml:"concurrency" validate:"gte=1"`
}

// AgentConfig selects and configures the certificate agent.
type AgentConfig struct {
	Kind    string        `yaml:"kind" validate:"oneof=certbot lego"`
	Certbot CertbotConfig `yaml:"certbot"`
	Lego    LegoConfig    `yaml:"lego"`
}

// CertbotConfig configures the certbot CLI agent.
type CertbotConfig struct {
	Binary     string        `yaml:"binary" validate:"required"`
	DeployHook string        `yaml:"deploy_hook"`
	Staging    bool          `yaml:"staging"`
	Timeout    time.Duration `yaml:"timeout" validate:"gt=0"`
}

// LegoConfig configures the in-process ACME agent.
type LegoConfig struct {
	CADirURL    string        `yaml:"ca_dir_url" validate:"omitempty,url"`
	AccountKey  string        `yaml:"account_key" validate:"required"`
	RenewBefore time.Duration `yaml:"renew_before" validate:"gt=0"`
	KeyType     string        `yaml:"key_type" validate:"oneof=2048 3072 4096 8192 P256 P384"`
	Timeout     time.Duration `yaml:"timeout" validate:"gt=0"`
}

// ProxyConfig describes how the reverse proxy is signalled.
type ProxyConfig struct {
	ReloadCommand []string      `yaml:"reload_command" validate:"min=1,dive,required"`
	Timeout       time.Duration `yaml:"timeout" validate:"gt=0"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json text"`
}

// MetricsConfig holds configuration for the Prometheus textfile export.
type MetricsConfig struct {
	Textfile string `yaml:"textfile"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
	ServiceName  string `yaml:"service_name"`
}

// Default returns a configuration with every optional field populated.
func Default() *Config {
	return &Config{
		Interval:    DefaultInterval,
		HTTPSPolicy: string(domain.DefaultHTTPSPolicy),
		Paths: PathsConfig{
			CertRoot: DefaultCertRoot,
			DHParam:  DefaultDHParamPath,
			Output:   DefaultOutputPath,
			Webroot:  DefaultWebroot,
		},
		Probe: ProbeConfig{
			DialTimeout: DefaultDialTimeout,
			Concurrency: 8,
		},
		Agent: AgentConfig{
			Kind: "certbot",
			Certbot: CertbotConfig{
				Binary:  "certbot",
				Timeout: 5 * time.Minute,
			},
			Lego: LegoConfig{
				AccountKey:  "/etc/letsencrypt/polis-certd-account.key",
				RenewBefore: 30 * 24 * time.Hour,
				KeyType:     "2048",
				Timeout:     5 * time.Minute,
			},
		},
		Proxy: ProxyConfig{
			ReloadCommand: []string{"nginx", "-s", "reload"},
			Timeout:       30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "polis-certd",
		},
	}
}

// Load reads configuration from a file, expands ${VAR} references and applies
// CERTD_* environment overrides.
func Load(path string) (*Config, error) {
	return loadFile(path, os.LookupEnv)
}

func loadFile(path string, lookup func(string) (string, bool)) (*Config, error) {
	//nolint:gosec // Config file path is controlled by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg, err := Parse(data, lookup)
	if err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a YAML document on top of the defaults. lookup resolves
// ${VAR} references and CERTD_* overrides; nil disables both.
func Parse(data []byte, lookup func(string) (string, bool)) (*Config, error) {
	if lookup == nil {
		lookup = func(string) (string, bool) { return "", false }
	}

	expanded := os.Expand(string(data), func(key string) string {
		value, _ := lookup(key)
		return value
	})

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := applyEnvOverrides(cfg, lookup); err != nil {
		return nil, err
	}

	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config, lookup func(string) (string, bool)) error {
	if val, ok := lookup("CERTD_LOG_LEVEL"); ok && val != "" {
		cfg.Logging.Level = val
	}
	if val, ok := lookup("CERTD_LOG_FORMAT"); ok && val != "" {
		cfg.Logging.Format = val
	}
	if val, ok := lookup("CERTD_INTERVAL"); ok && val != "" {
		interval, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("CERTD_INTERVAL: %w", err)
		}
		cfg.Interval = interval
	}
	if val, ok := lookup("CERTD_HTTPS_POLICY"); ok && val != "" {
		cfg.HTTPSPolicy = val
	}
	if val, ok := lookup("CERTD_OTLP_ENDPOINT"); ok && val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val, ok := lookup("CERTD_OTLP_INSECURE"); ok && val != "" {
		insecure, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("CERTD_OTLP_INSECURE: %w", err)
		}
		cfg.Telemetry.Insecure = insecure
	}
	if val, ok := lookup("CERTD_METRICS_TEXTFILE"); ok && val != "" {
		cfg.Metrics.Textfile = val
	}
	return nil
}

func (c *Config) normalize() {
	c.Email = strings.TrimSpace(c.Email)
	c.HTTPSPolicy = strings.ToLower(strings.TrimSpace(c.HTTPSPolicy))
	if c.HTTPSPolicy == "" {
		c.HTTPSPolicy = string(domain.DefaultHTTPSPolicy)
	}
	c.Agent.Kind = strings.ToLower(strings.TrimSpace(c.Agent.Kind))
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "warning" {
		c.Logging.Level = "warn"
	}
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))

	for i := range c.Domains {
		d := &c.Domains[i]
		d.Domain = strings.ToLower(strings.TrimSpace(d.Domain))
		d.Server = strings.TrimSpace(d.Server)
		for j := range d.Aliases {
			d.Aliases[j] = strings.ToLower(strings.TrimSpace(d.Aliases[j]))
		}
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate performs structural and semantic validation of the configuration.
// Every problem found is reported, not just the first.
func (c *Config) Validate() error {
	var result *multierror.Error

	if err := validate.Struct(c); err != nil {
		if fieldErrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range fieldErrs {
				result = multierror.Append(result, fieldError(fe))
			}
		} else {
			result = multierror.Append(result, err)
		}
	}

	seen := make(map[string]int)
	for i, d := range c.Domains {
		for _, name := range d.Spec().Names() {
			if prev, ok := seen[name]; ok {
				result = multierror.Append(result, fmt.Errorf("domains[%d]: name %q already used by domains[%d]", i, name, prev))
				continue
			}
			seen[name] = i
		}

		if err := validateUpstream(d.Server); err != nil {
			result = multierror.Append(result, fmt.Errorf("domains[%d].server: %w", i, err))
		}
	}

	return result.ErrorOrNil()
}

func fieldError(fe validator.FieldError) error {
	field := strings.TrimPrefix(fe.Namespace(), "Config.")
	if fe.Param() != "" {
		return fmt.Errorf("%s: failed %q validation (%s)", field, fe.Tag(), fe.Param())
	}
	return fmt.Errorf("%s: failed %q validation", field, fe.Tag())
}

func validateUpstream(server string) error {
	if server == "" {
		return nil
	}
	u, err := url.Parse(server)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "http", "https":
	default:
		return fmt.Errorf("unsupported upstream scheme %q (expected http or https)", u.Scheme)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("upstream %q has no host", server)
	}
	return nil
}

// Spec converts the configured domain into its reconciliation spec.
func (d DomainConfig) Spec() domain.Spec {
	aliases := d.Aliases
	if aliases == nil {
		aliases = domain.DefaultAliases(d.Domain)
	}
	return domain.Spec{
		Domain:  d.Domain,
		Server:  d.Server,
		Aliases: append([]string(nil), aliases...),
	}
}

// DomainSpecs returns the configured domains in declaration order.
func (c *Config) DomainSpecs() []domain.Spec {
	specs := make([]domain.Spec, 0, len(c.Domains))
	for _, d := range c.Domains {
		specs = append(specs, d.Spec())
	}
	return specs
}

// Policy returns the configured HTTPS policy.
func (c *Config) Policy() domain.HTTPSPolicy {
	policy, err := domain.ParseHTTPSPolicy(c.HTTPSPolicy)
	if err != nil {
		return domain.DefaultHTTPSPolicy
	}
	return policy
}
