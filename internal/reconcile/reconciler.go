// Package reconcile drives the certificate and proxy configuration
// reconciliation: one Tick probes every domain, renders and applies the
// proxy configuration, asks the certificate agent to obtain or renew, and
// converges the configuration again when the agent was called.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-certd/internal/agent"
	"github.com/polisai/polis-certd/internal/probe"
	"github.com/polisai/polis-certd/internal/proxy"
	"github.com/polisai/polis-certd/pkg/domain"
	"github.com/polisai/polis-certd/pkg/telemetry"
)

// DomainSource supplies the contact email and the ordered domain list.
// It is consulted at the start of every tick.
type DomainSource interface {
	Domains(ctx context.Context) (email string, specs []domain.Spec, err error)
}

// Prober observes the current state of every domain.
type Prober interface {
	Probe(ctx context.Context, specs []domain.Spec) probe.Snapshot
}

// Renderer turns a snapshot into proxy configuration text.
type Renderer interface {
	Render(env domain.Environment, states []domain.State) ([]byte, error)
}

// Applier writes configuration text and reloads the proxy when it changed.
type Applier interface {
	Apply(ctx context.Context, text []byte) (changed bool, err error)
}

// Options wires a Reconciler.
type Options struct {
	Source   DomainSource
	Prober   Prober
	Renderer Renderer
	Writer   Applier
	// Agent may be nil, in which case no obtain or renew is attempted.
	Agent   agent.CertificateAgent
	Metrics *telemetry.Metrics
	Logger  *slog.Logger
	Tracer  trace.Tracer
}

// Reconciler runs reconciliation ticks. Ticks must not overlap; Loop
// guarantees this.
type Reconciler struct {
	source   DomainSource
	prober   Prober
	renderer Renderer
	writer   Applier
	agent    agent.CertificateAgent
	metrics  *telemetry.Metrics
	logger   *slog.Logger
	tracer   trace.Tracer
}

// New returns a Reconciler. Source, Prober, Renderer and Writer are required.
func New(opts Options) (*Reconciler, error) {
	switch {
	case opts.Source == nil:
		return nil, errors.New("reconcile: domain source is required")
	case opts.Prober == nil:
		return nil, errors.New("reconcile: prober is required")
	case opts.Renderer == nil:
		return nil, errors.New("reconcile: renderer is required")
	case opts.Writer == nil:
		return nil, errors.New("reconcile: writer is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = telemetry.Tracer()
	}
	return &Reconciler{
		source:   opts.Source,
		prober:   opts.Prober,
		renderer: opts.Renderer,
		writer:   opts.Writer,
		agent:    opts.Agent,
		metrics:  opts.Metrics,
		logger:   logger,
		tracer:   tracer,
	}, nil
}

// DomainReport is the final observed state of one domain in a tick.
type DomainReport struct {
	State domain.State
	Phase domain.Phase
}

// Report summarises one tick.
type Report struct {
	TickID   string
	Started  time.Time
	Duration time.Duration

	// Passes is the number of probe/render/apply passes: 1, or 2 when the
	// agent was called.
	Passes int
	// Writes counts passes that changed the file on disk.
	Writes int

	DHParamAvailable bool
	Domains          []DomainReport

	Obtained  []string
	ObtainErr error
	Renewed   bool
	RenewErr  error
}

// AgentCalled reports whether the tick invoked the certificate agent.
func (r *Report) AgentCalled() bool {
	return len(r.Obtained) > 0 || r.Renewed
}

// Tick runs one reconciliation. The returned error is a *TickError for
// configuration, render, write and reload failures; agent failures are only
// recorded on the report.
func (r *Reconciler) Tick(ctx context.Context) (*Report, error) {
	report := &Report{TickID: uuid.NewString(), Started: time.Now()}
	logger := r.logger.With("tick_id", report.TickID)

	ctx, span := r.tracer.Start(ctx, "tick", trace.WithAttributes(attribute.String("certd.tick_id", report.TickID)))
	defer span.End()

	err := r.tick(ctx, logger, report)
	report.Duration = time.Since(report.Started)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("Tick failed", "kind", KindOf(err), "error", err, "duration", report.Duration)
	} else {
		logger.Info("Tick completed",
			"domains", len(report.Domains),
			"passes", report.Passes,
			"writes", report.Writes,
			"obtained", report.Obtained,
			"renewed", report.Renewed,
			"duration", report.Duration,
		)
	}

	r.metrics.RecordTick(err, report.Duration)
	if flushErr := r.metrics.Flush(); flushErr != nil {
		logger.Warn("Failed to write metrics textfile", "error", flushErr)
	}
	return report, err
}

func (r *Reconciler) tick(ctx context.Context, logger *slog.Logger, report *Report) error {
	email, specs, err := r.source.Domains(ctx)
	if err != nil {
		return newTickError(KindConfig, report.TickID, err)
	}

	snapshot, err := r.converge(ctx, logger, report, email, specs)
	if err != nil {
		return err
	}

	if r.agent == nil {
		return nil
	}

	r.callAgent(ctx, logger, report, email, specs, snapshot.States)
	if !report.AgentCalled() {
		return nil
	}

	// The agent may have changed what is on disk.
	_, err = r.converge(ctx, logger, report, email, specs)
	return err
}

// converge runs one probe, render and apply pass.
func (r *Reconciler) converge(ctx context.Context, logger *slog.Logger, report *Report, email string, specs []domain.Spec) (probe.Snapshot, error) {
	report.Passes++

	snapshot := r.prober.Probe(ctx, specs)
	r.recordSnapshot(report, snapshot)

	env := domain.Environment{
		DHParamAvailable: snapshot.DHParamAvailable,
		Email:            email,
		Domains:          specs,
	}

	_, span := r.tracer.Start(ctx, "render")
	text, err := r.renderer.Render(env, snapshot.States)
	span.End()
	if err != nil {
		return snapshot, newTickError(KindRender, report.TickID, err).WithContext("pass", report.Passes)
	}

	applyCtx, span := r.tracer.Start(ctx, "apply")
	changed, err := r.writer.Apply(applyCtx, text)
	span.SetAttributes(attribute.Bool("certd.config_changed", changed))
	span.End()

	if changed {
		report.Writes++
		r.metrics.RecordConfigWrite()
	}
	if changed || errors.Is(err, proxy.ErrReload) {
		r.metrics.RecordReload(err)
	}

	switch {
	case err == nil:
	case errors.Is(err, proxy.ErrReload):
		return snapshot, newTickError(KindReload, report.TickID, err).WithContext("pass", report.Passes)
	default:
		return snapshot, newTickError(KindWrite, report.TickID, err).WithContext("pass", report.Passes)
	}

	logger.Debug("Configuration converged", "pass", report.Passes, "changed", changed, "bytes", len(text))
	return snapshot, nil
}

func (r *Reconciler) recordSnapshot(report *Report, snapshot probe.Snapshot) {
	report.DHParamAvailable = snapshot.DHParamAvailable
	report.Domains = make([]DomainReport, len(snapshot.States))
	for i, state := range snapshot.States {
		report.Domains[i] = DomainReport{State: state, Phase: domain.Classify(state)}
	}
	r.metrics.UpdateDomains(snapshot.DHParamAvailable, snapshot.States)
}

// callAgent obtains certificates for domains without one and asks for a
// renewal when any certificate exists. Failures are logged and left for the
// next tick.
func (r *Reconciler) callAgent(ctx context.Context, logger *slog.Logger, report *Report, email string, specs []domain.Spec, states []domain.State) {
	var missing []domain.Spec
	haveCert := false
	for i, state := range states {
		if domain.Classify(state) == domain.PhaseNoCert {
			missing = append(missing, specs[i])
		} else {
			haveCert = true
		}
	}

	if len(missing) > 0 {
		for _, spec := range missing {
			report.Obtained = append(report.Obtained, spec.Domain)
		}
		agentCtx, span := r.tracer.Start(ctx, "agent.obtain", trace.WithAttributes(attribute.StringSlice("certd.domains", report.Obtained)))
		err := r.agent.Obtain(agentCtx, email, missing)
		endSpan(span, err)
		r.metrics.RecordAgentCall(telemetry.ActionObtain, err)
		if err != nil {
			report.ObtainErr = err
			logger.Error("Certificate obtain failed, retrying next tick", "domains", report.Obtained, "error", err)
		} else {
			logger.Info("Certificates obtained", "domains", report.Obtained)
		}
	}

	if haveCert {
		report.Renewed = true
		agentCtx, span := r.tracer.Start(ctx, "agent.renew")
		err := r.agent.Renew(agentCtx, email)
		endSpan(span, err)
		r.metrics.RecordAgentCall(telemetry.ActionRenew, err)
		if err != nil {
			report.RenewErr = err
			logger.Error("Certificate renewal failed, retrying next tick", "error", err)
		} else {
			logger.Debug("Certificate renewal finished")
		}
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
