// Package probe discovers the per-tick state of every configured domain.
//
// Probing never fails. Filesystem errors, unreachable upstreams and
// unreadable agent status all collapse to the conservative answer: no
// certificate, not valid, upstream down.
package probe

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/polisai/polis-certd/internal/agent"
	"github.com/polisai/polis-certd/pkg/domain"
	"github.com/polisai/polis-certd/pkg/telemetry"
)

// StatusSource reports certificate expiry, typically the issuing agent.
type StatusSource interface {
	Status(ctx context.Context) (agent.Status, error)
}

// Dialer opens the TCP connections used for liveness checks.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Options configures a Prober.
type Options struct {
	CertRoot    string
	DHParamPath string
	DialTimeout time.Duration
	// Concurrency bounds parallel domain probes.
	Concurrency int
	Status      StatusSource
	Dialer      Dialer
	// Metrics counts status fetches; nil disables recording.
	Metrics *telemetry.Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

// Snapshot is the complete probe result for one tick.
type Snapshot struct {
	DHParamAvailable bool
	States           []domain.State
}

// Prober inspects the filesystem and network.
type Prober struct {
	opts   Options
	logger *slog.Logger
}

// New returns a Prober with defaults filled in.
func New(opts Options) *Prober {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = time.Second
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	if opts.Dialer == nil {
		opts.Dialer = &net.Dialer{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{opts: opts, logger: logger}
}

// Probe probes every domain and returns once all results are collected.
// States are returned in the order of specs.
func (p *Prober) Probe(ctx context.Context, specs []domain.Spec) Snapshot {
	ctx, span := otel.Tracer("github.com/polisai/polis-certd/internal/probe").Start(ctx, "probe")
	defer span.End()
	span.SetAttributes(attribute.Int("certd.domains", len(specs)))

	status := p.status(ctx)
	probedAt := p.opts.Now()

	states := make([]domain.State, len(specs))
	var g errgroup.Group
	g.SetLimit(p.opts.Concurrency)
	for i, spec := range specs {
		g.Go(func() error {
			states[i] = p.Domain(ctx, spec, status, probedAt)
			return nil
		})
	}
	_ = g.Wait()

	return Snapshot{
		DHParamAvailable: p.DHParamAvailable(),
		States:           states,
	}
}

// Domain probes a single domain against a previously fetched status.
func (p *Prober) Domain(ctx context.Context, spec domain.Spec, status agent.Status, probedAt time.Time) domain.State {
	state := domain.State{
		Domain:         spec.Domain,
		CertExists:     p.CertExists(spec.Domain),
		UpstreamActive: p.UpstreamActive(ctx, spec.Server),
		ProbedAt:       probedAt,
	}
	if state.CertExists {
		if expiry, ok := status.ExpiresAt(spec.Domain); ok {
			state.CertValidUntil = expiry
		}
	}

	p.logger.Debug("Domain probed",
		"domain", state.Domain,
		"cert_exists", state.CertExists,
		"cert_valid_until", state.CertValidUntil,
		"upstream_active", state.UpstreamActive,
	)
	return state
}

func (p *Prober) status(ctx context.Context) agent.Status {
	if p.opts.Status == nil {
		return agent.Status{}
	}
	status, err := p.opts.Status.Status(ctx)
	p.opts.Metrics.RecordAgentCall(telemetry.ActionStatus, err)
	if err != nil {
		p.logger.Warn("Certificate status unavailable, treating all certificates as invalid", "error", err)
		return agent.Status{}
	}
	return status
}

// CertExists reports whether both fullchain.pem and privkey.pem exist for domainName.
func (p *Prober) CertExists(domainName string) bool {
	if domainName == "" || strings.ContainsAny(domainName, `/\`) || domainName == "." || domainName == ".." {
		return false
	}
	dir := filepath.Join(p.opts.CertRoot, domainName)
	return isFile(filepath.Join(dir, agent.FullchainFile)) && isFile(filepath.Join(dir, agent.PrivkeyFile))
}

// DHParamAvailable reports whether the shared dhparam file exists.
func (p *Prober) DHParamAvailable() bool {
	return p.opts.DHParamPath != "" && isFile(p.opts.DHParamPath)
}

// UpstreamActive reports whether a TCP connection to the upstream's host and
// port succeeds within the dial timeout. Application-level responses are not
// inspected.
func (p *Prober) UpstreamActive(ctx context.Context, server string) bool {
	address, err := UpstreamAddress(server)
	if err != nil {
		p.logger.Debug("Invalid upstream address", "server", server, "error", err)
		return false
	}

	dialCtx, cancel := context.WithTimeout(ctx, p.opts.DialTimeout)
	defer cancel()

	conn, err := p.opts.Dialer.DialContext(dialCtx, "tcp", address)
	if err != nil {
		p.logger.Debug("Upstream unreachable", "address", address, "error", err)
		return false
	}
	_ = conn.Close()
	return true
}

// UpstreamAddress resolves an upstream URL into host:port, defaulting the
// port from the scheme.
func UpstreamAddress(server string) (string, error) {
	server = strings.TrimSpace(server)
	if !strings.Contains(server, "://") {
		server = "http://" + server
	}
	u, err := url.Parse(server)
	if err != nil {
		return "", err
	}
	host := u.Hostname()
	if host == "" {
		return "", errors.New("missing host")
	}
	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "http":
			port = "80"
		case "https":
			port = "443"
		default:
			return "", errors.New("missing port for scheme " + u.Scheme)
		}
	}
	return net.JoinHostPort(host, port), nil
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
