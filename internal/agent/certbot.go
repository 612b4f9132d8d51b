package agent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hashicorp/go-multierror"

	"github.com/polisai/polis-certd/internal/command"
	"github.com/polisai/polis-certd/pkg/domain"
)

// CertbotOptions configures the certbot CLI agent.
type CertbotOptions struct {
	Binary     string
	Webroot    string
	DeployHook string
	Staging    bool
	Logger     *slog.Logger
}

// Certbot drives the certbot CLI.
type Certbot struct {
	runner command.Runner
	opts   CertbotOptions
	logger *slog.Logger
}

// NewCertbot returns a certbot agent executing through runner.
func NewCertbot(runner command.Runner, opts CertbotOptions) *Certbot {
	if opts.Binary == "" {
		opts.Binary = "certbot"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Certbot{runner: runner, opts: opts, logger: logger}
}

// Status runs `certbot certificates` and parses the reported expiry dates.
func (c *Certbot) Status(ctx context.Context) (Status, error) {
	out, err := c.runner.Run(ctx, c.opts.Binary, "certificates")
	if err != nil {
		return nil, fmt.Errorf("certbot certificates: %w", err)
	}
	return ParseCertificates(string(out)), nil
}

// Obtain runs one `certbot certonly` per domain so that a failure for one
// domain does not block the others. Failures are aggregated.
func (c *Certbot) Obtain(ctx context.Context, email string, domains []domain.Spec) error {
	if len(domains) == 0 {
		return ErrNoDomains
	}

	var result *multierror.Error
	for _, spec := range domains {
		if err := ctx.Err(); err != nil {
			result = multierror.Append(result, err)
			break
		}

		args := c.obtainArgs(email, spec)
		c.logger.Info("Requesting certificate", "domain", spec.Domain, "names", spec.Names())

		if _, err := c.runner.Run(ctx, c.opts.Binary, args...); err != nil {
			c.logger.Warn("Certificate request failed", "domain", spec.Domain, "error", err)
			result = multierror.Append(result, fmt.Errorf("obtain %s: %w", spec.Domain, err))
			continue
		}
		c.logger.Info("Certificate obtained", "domain", spec.Domain)
	}
	return result.ErrorOrNil()
}

func (c *Certbot) obtainArgs(email string, spec domain.Spec) []string {
	args := []string{
		"certonly",
		"--webroot", "-w", c.opts.Webroot,
		"--cert-name", spec.Domain,
		"--email", email,
		"--agree-tos",
		"-n",
		"--no-eff-email",
		"--keep-until-expiring",
	}
	if c.opts.Staging {
		args = append(args, "--staging")
	}
	for _, name := range spec.Names() {
		args = append(args, "-d", name)
	}
	return args
}

// Renew runs `certbot renew`, which is a no-op for certificates not yet due.
func (c *Certbot) Renew(ctx context.Context, email string) error {
	args := []string{"renew", "-n", "--agree-tos", "--email", email}
	if c.opts.DeployHook != "" {
		args = append(args, "--deploy-hook", c.opts.DeployHook)
	}
	if c.opts.Staging {
		args = append(args, "--staging")
	}

	if _, err := c.runner.Run(ctx, c.opts.Binary, args...); err != nil {
		return fmt.Errorf("certbot renew: %w", err)
	}
	return nil
}
