package config

import (
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// envSettings is the single-domain deployment variant, configured entirely
// from the process environment.
type envSettings struct {
	Domain  string   `env:"DOMAIN,required"`
	Email   string   `env:"EMAIL,required"`
	Server  string   `env:"SERVER" envDefault:"http://localhost:80"`
	Aliases []string `env:"ALIASES" envSeparator:","`

	CertRoot string `env:"CERTD_CERT_ROOT" envDefault:"/etc/letsencrypt/live"`
	DHParam  string `env:"CERTD_DHPARAM" envDefault:"/etc/ssl/certs/dhparam-2048.pem"`
	Output   string `env:"CERTD_OUTPUT" envDefault:"/etc/nginx/conf.d/nginx.conf"`
	Template string `env:"CERTD_TEMPLATE"`
	Webroot  string `env:"CERTD_WEBROOT" envDefault:"/var/www/certbot"`
	Agent    string `env:"CERTD_AGENT" envDefault:"certbot"`
}

// LoadEnv builds a configuration from the process environment, after loading
// an optional .env file from the working directory.
func LoadEnv() (*Config, error) {
	_ = godotenv.Load()
	return LoadEnvFrom(env.ToMap(os.Environ()))
}

// LoadEnvFrom builds a configuration from the given environment snapshot. The
// result is fully validated and never consults the process environment again.
func LoadEnvFrom(environ map[string]string) (*Config, error) {
	settings, err := env.ParseAsWithOptions[envSettings](env.Options{Environment: environ})
	if err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	cfg := Default()
	cfg.Email = settings.Email
	cfg.Domains = []DomainConfig{{
		Domain:  settings.Domain,
		Server:  settings.Server,
		Aliases: settings.Aliases,
	}}
	cfg.Paths.CertRoot = settings.CertRoot
	cfg.Paths.DHParam = settings.DHParam
	cfg.Paths.Output = settings.Output
	cfg.Paths.Template = settings.Template
	cfg.Paths.Webroot = settings.Webroot
	cfg.Agent.Kind = settings.Agent

	lookup := func(key string) (string, bool) {
		value, ok := environ[key]
		return value, ok
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
