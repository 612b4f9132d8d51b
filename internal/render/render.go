// Package render turns a probe snapshot into reverse-proxy configuration.
//
// Rendering is a pure function of its inputs: the same environment and states
// always produce byte-identical output, which is what lets the writer skip
// reloads when nothing changed.
package render

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"text/template"

	"github.com/Masterminds/sprig/v3"

	"github.com/polisai/polis-certd/internal/agent"
	"github.com/polisai/polis-certd/pkg/domain"
)

const templateVersion = "1"

//go:embed templates/nginx.conf.tmpl
var defaultTemplate string

// ErrStateMismatch is returned when the states do not line up with the
// configured domains.
var ErrStateMismatch = errors.New("domain states do not match configured domains")

// Options configures a Renderer.
type Options struct {
	// TemplatePath overrides the embedded template when set.
	TemplatePath string
	Policy       domain.HTTPSPolicy
	CertRoot     string
	DHParamPath  string
	Webroot      string
}

// Renderer renders nginx configuration from a fixed template.
type Renderer struct {
	tmpl *template.Template
	opts Options
}

// New parses the template once. The embedded template is used unless
// TemplatePath is set.
func New(opts Options) (*Renderer, error) {
	if opts.Policy == "" {
		opts.Policy = domain.DefaultHTTPSPolicy
	}

	name, text := "nginx.conf.tmpl", defaultTemplate
	if opts.TemplatePath != "" {
		//nolint:gosec // Template path is controlled by the operator
		data, err := os.ReadFile(opts.TemplatePath)
		if err != nil {
			return nil, fmt.Errorf("failed to read template: %w", err)
		}
		name, text = filepath.Base(opts.TemplatePath), string(data)
	}

	tmpl, err := template.New(name).
		Funcs(sprig.TxtFuncMap()).
		Option("missingkey=error").
		Parse(text)
	if err != nil {
		return nil, fmt.Errorf("failed to parse template %s: %w", name, err)
	}

	return &Renderer{tmpl: tmpl, opts: opts}, nil
}

// Data is the value the template is executed with.
type Data struct {
	Version          string
	DHParamAvailable bool
	DHParamPath      string
	Webroot          string
	Domains          []DomainData
}

// DomainData is the per-domain view exposed to the template.
type DomainData struct {
	Domain         string
	Names          []string
	Server         string
	HTTPS          bool
	UpstreamActive bool
	CertPath       string
	KeyPath        string
}

// Data builds the template input. states must correspond one to one, in
// order, with env.Domains.
func (r *Renderer) Data(env domain.Environment, states []domain.State) (*Data, error) {
	if len(states) != len(env.Domains) {
		return nil, fmt.Errorf("%w: %d states for %d domains", ErrStateMismatch, len(states), len(env.Domains))
	}

	data := &Data{
		Version:          templateVersion,
		DHParamAvailable: env.DHParamAvailable,
		DHParamPath:      r.opts.DHParamPath,
		Webroot:          r.opts.Webroot,
		Domains:          make([]DomainData, 0, len(states)),
	}

	for i, state := range states {
		spec := env.Domains[i]
		if spec.Domain != state.Domain {
			return nil, fmt.Errorf("%w: position %d has state for %q, expected %q", ErrStateMismatch, i, state.Domain, spec.Domain)
		}
		dir := filepath.Join(r.opts.CertRoot, spec.Domain)
		data.Domains = append(data.Domains, DomainData{
			Domain:         spec.Domain,
			Names:          spec.Names(),
			Server:         spec.Server,
			HTTPS:          r.opts.Policy.Enabled(state),
			UpstreamActive: state.UpstreamActive,
			CertPath:       filepath.Join(dir, agent.FullchainFile),
			KeyPath:        filepath.Join(dir, agent.PrivkeyFile),
		})
	}

	return data, nil
}

// Render produces the configuration text for one tick.
func (r *Renderer) Render(env domain.Environment, states []domain.State) ([]byte, error) {
	data, err := r.Data(env, states)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := r.tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("failed to execute template: %w", err)
	}
	return buf.Bytes(), nil
}
