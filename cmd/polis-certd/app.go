package main

import (
	"fmt"
	"log/slog"

	"github.com/go-acme/lego/v4/certcrypto"

	"github.com/polisai/polis-certd/internal/agent"
	"github.com/polisai/polis-certd/internal/command"
	"github.com/polisai/polis-certd/internal/probe"
	"github.com/polisai/polis-certd/internal/proxy"
	"github.com/polisai/polis-certd/internal/reconcile"
	"github.com/polisai/polis-certd/internal/render"
	"github.com/polisai/polis-certd/pkg/config"
	"github.com/polisai/polis-certd/pkg/telemetry"
)

// app is the wired component graph for one configuration.
type app struct {
	cfg        *config.Config
	agent      agent.CertificateAgent
	prober     *probe.Prober
	renderer   *render.Renderer
	writer     *proxy.Writer
	reconciler *reconcile.Reconciler
}

// newApp wires every component from cfg. When configPath is set the domain
// list is re-read from it at the start of every tick.
func newApp(cfg *config.Config, configPath string, logger *slog.Logger) (*app, error) {
	certAgent, err := newAgent(cfg, logger)
	if err != nil {
		return nil, err
	}

	metrics := telemetry.NewMetrics(cfg.Metrics.Textfile)

	prober := probe.New(probe.Options{
		CertRoot:    cfg.Paths.CertRoot,
		DHParamPath: cfg.Paths.DHParam,
		DialTimeout: cfg.Probe.DialTimeout,
		Concurrency: cfg.Probe.Concurrency,
		Status:      certAgent,
		Metrics:     metrics,
		Logger:      logger,
	})

	renderer, err := render.New(render.Options{
		TemplatePath: cfg.Paths.Template,
		Policy:       cfg.Policy(),
		CertRoot:     cfg.Paths.CertRoot,
		DHParamPath:  cfg.Paths.DHParam,
		Webroot:      cfg.Paths.Webroot,
	})
	if err != nil {
		return nil, err
	}

	controller, err := proxy.NewCommandController(
		command.NewLocalRunner(cfg.Proxy.Timeout, logger),
		cfg.Proxy.ReloadCommand,
		logger,
	)
	if err != nil {
		return nil, err
	}
	writer := proxy.NewWriter(cfg.Paths.Output, controller, logger)

	var source reconcile.DomainSource = config.NewStaticSource(cfg)
	if configPath != "" {
		source = config.NewFileSource(configPath)
	}

	reconciler, err := reconcile.New(reconcile.Options{
		Source:   source,
		Prober:   prober,
		Renderer: renderer,
		Writer:   writer,
		Agent:    certAgent,
		Metrics:  metrics,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:        cfg,
		agent:      certAgent,
		prober:     prober,
		renderer:   renderer,
		writer:     writer,
		reconciler: reconciler,
	}, nil
}

func newAgent(cfg *config.Config, logger *slog.Logger) (agent.CertificateAgent, error) {
	switch cfg.Agent.Kind {
	case "certbot":
		c := cfg.Agent.Certbot
		return agent.NewCertbot(command.NewLocalRunner(c.Timeout, logger), agent.CertbotOptions{
			Binary:     c.Binary,
			Webroot:    cfg.Paths.Webroot,
			DeployHook: c.DeployHook,
			Staging:    c.Staging,
			Logger:     logger,
		}), nil
	case "lego":
		l := cfg.Agent.Lego
		return agent.NewLego(agent.LegoOptions{
			CertRoot:       cfg.Paths.CertRoot,
			Webroot:        cfg.Paths.Webroot,
			AccountKeyPath: l.AccountKey,
			CADirURL:       l.CADirURL,
			KeyType:        certcrypto.KeyType(l.KeyType),
			RenewBefore:    l.RenewBefore,
			Timeout:        l.Timeout,
			Logger:         logger,
		})
	default:
		return nil, fmt.Errorf("unsupported agent kind %q", cfg.Agent.Kind)
	}
}
