// Package proxy owns the rendered reverse-proxy configuration file and the
// reload signal sent to the running proxy.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/polisai/polis-certd/internal/command"
)

// Controller signals the reverse proxy to re-read its configuration.
type Controller interface {
	Reload(ctx context.Context) error
}

// ControllerFunc adapts a function to the Controller interface.
type ControllerFunc func(ctx context.Context) error

// Reload calls f.
func (f ControllerFunc) Reload(ctx context.Context) error {
	return f(ctx)
}

// CommandController reloads the proxy by running a command such as
// `nginx -s reload`.
type CommandController struct {
	runner  command.Runner
	command []string
	logger  *slog.Logger
}

// NewCommandController returns a controller that runs argv through runner.
func NewCommandController(runner command.Runner, argv []string, logger *slog.Logger) (*CommandController, error) {
	if len(argv) == 0 || argv[0] == "" {
		return nil, errors.New("reload command cannot be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandController{
		runner:  runner,
		command: append([]string(nil), argv...),
		logger:  logger,
	}, nil
}

// Reload runs the reload command.
func (c *CommandController) Reload(ctx context.Context) error {
	if _, err := c.runner.Run(ctx, c.command[0], c.command[1:]...); err != nil {
		return fmt.Errorf("proxy reload: %w", err)
	}
	c.logger.Info("Proxy reloaded", "command", c.command)
	return nil
}
