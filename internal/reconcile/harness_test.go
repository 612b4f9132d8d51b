package reconcile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"

	"github.com/polisai/polis-certd/internal/agent"
	"github.com/polisai/polis-certd/internal/agent/agenttest"
	"github.com/polisai/polis-certd/internal/probe"
	"github.com/polisai/polis-certd/internal/proxy"
	"github.com/polisai/polis-certd/internal/render"
	"github.com/polisai/polis-certd/pkg/domain"
	"github.com/polisai/polis-certd/pkg/telemetry"
)

var testNow = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

type staticSource struct {
	email string
	specs []domain.Spec
	err   error
}

func (s *staticSource) Domains(context.Context) (string, []domain.Spec, error) {
	return s.email, s.specs, s.err
}

// fakeDialer accepts connections to the addresses marked up.
type fakeDialer struct {
	mu sync.Mutex
	up map[string]bool
}

func (d *fakeDialer) set(address string, up bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.up == nil {
		d.up = map[string]bool{}
	}
	d.up[address] = up
}

func (d *fakeDialer) DialContext(_ context.Context, _, address string) (net.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.up[address] {
		return nil, &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("i/o timeout")}
	}
	client, server := net.Pipe()
	_ = server.Close()
	return client, nil
}

// reloadCounter is a proxy controller that counts reloads and can fail.
type reloadCounter struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (c *reloadCounter) Reload(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.err
}

func (c *reloadCounter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type harness struct {
	t        *testing.T
	certRoot string
	output   string
	source   *staticSource
	dialer   *fakeDialer
	agent    *agenttest.Agent
	reloads  *reloadCounter
	metrics  *telemetry.Metrics
	writer   *proxy.Writer
}

func newHarness(t *testing.T, specs ...domain.Spec) *harness {
	t.Helper()
	dir := t.TempDir()
	h := &harness{
		t:        t,
		certRoot: filepath.Join(dir, "live"),
		output:   filepath.Join(dir, "nginx", "nginx.conf"),
		source:   &staticSource{email: "admin@example.com", specs: specs},
		dialer:   &fakeDialer{},
		agent:    &agenttest.Agent{StatusResult: agent.Status{}},
		reloads:  &reloadCounter{},
		metrics:  telemetry.NewMetrics(filepath.Join(dir, "certd.prom")),
	}
	require.NoError(t, os.MkdirAll(h.certRoot, 0o755))
	h.writer = proxy.NewWriter(h.output, h.reloads, discardLogger())
	return h
}

func (h *harness) reconciler(opts ...func(*Options)) *Reconciler {
	h.t.Helper()
	prober := probe.New(probe.Options{
		CertRoot:    h.certRoot,
		DHParamPath: filepath.Join(h.certRoot, "dhparam.pem"),
		DialTimeout: 50 * time.Millisecond,
		Status:      h.agent,
		Dialer:      h.dialer,
		Logger:      discardLogger(),
		Now:         func() time.Time { return testNow },
	})
	renderer, err := render.New(render.Options{
		CertRoot:    h.certRoot,
		DHParamPath: filepath.Join(h.certRoot, "dhparam.pem"),
		Webroot:     "/var/www/certbot",
	})
	require.NoError(h.t, err)

	o := Options{
		Source:   h.source,
		Prober:   prober,
		Renderer: renderer,
		Writer:   h.writer,
		Agent:    h.agent,
		Metrics:  h.metrics,
		Logger:   discardLogger(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	r, err := New(o)
	require.NoError(h.t, err)
	return r
}

// installCert places certificate files for name and reports it valid until expiry.
func (h *harness) installCert(name string, expiry time.Time) {
	h.t.Helper()
	dir := filepath.Join(h.certRoot, name)
	require.NoError(h.t, os.MkdirAll(dir, 0o755))
	require.NoError(h.t, os.WriteFile(filepath.Join(dir, agent.FullchainFile), []byte("chain"), 0o644))
	require.NoError(h.t, os.WriteFile(filepath.Join(dir, agent.PrivkeyFile), []byte("key"), 0o600))

	status, err := h.agent.Status(context.Background())
	require.NoError(h.t, err)
	status[name] = expiry
	h.agent.SetStatus(status)
}

func (h *harness) config() string {
	h.t.Helper()
	data, err := os.ReadFile(h.output)
	require.NoError(h.t, err)
	return string(data)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func attributeTickID(id string) attribute.KeyValue {
	return attribute.String("certd.tick_id", id)
}
