// Package command runs the external CLIs polis-certd drives: the issuing
// agent, the reverse proxy and the one-shot bootstrap tools.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Runner executes an external command and returns its combined output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return f(ctx, name, args...)
}

// Error describes a command that could not be started or exited non-zero.
type Error struct {
	Command  []string
	ExitCode int
	Output   string
	Cause    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("command %q failed", strings.Join(e.Command, " "))
	if e.ExitCode >= 0 {
		msg += fmt.Sprintf(" with exit code %d", e.ExitCode)
	}
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += ": " + lastLines(out, 5)
	}
	if e.Cause != nil && e.ExitCode < 0 {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// LocalRunner runs commands on the local host.
type LocalRunner struct {
	logger  *slog.Logger
	timeout time.Duration
}

// NewLocalRunner returns a runner that bounds each command by timeout. A zero
// timeout leaves commands bounded only by the caller's context.
func NewLocalRunner(timeout time.Duration, logger *slog.Logger) *LocalRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalRunner{logger: logger, timeout: timeout}
}

// Run executes name with args and waits for it to exit.
func (r *LocalRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	ctx, span := otel.Tracer("github.com/polisai/polis-certd/internal/command").Start(ctx, "exec "+name)
	defer span.End()
	span.SetAttributes(attribute.String("process.command", name), attribute.StringSlice("process.command_args", args))

	var output bytes.Buffer
	//nolint:gosec // Commands and arguments come from operator configuration
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &output
	cmd.Stderr = &output

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	if err != nil {
		cmdErr := &Error{
			Command:  append([]string{name}, args...),
			ExitCode: -1,
			Output:   output.String(),
			Cause:    err,
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			cmdErr.ExitCode = exitErr.ExitCode()
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			cmdErr.Cause = fmt.Errorf("%w: %w", ctxErr, err)
		}

		span.RecordError(cmdErr)
		span.SetStatus(codes.Error, "command failed")
		r.logger.Debug("Command failed",
			"command", name,
			"args", args,
			"exit_code", cmdErr.ExitCode,
			"duration", duration,
		)
		return output.Bytes(), cmdErr
	}

	r.logger.Debug("Command completed", "command", name, "args", args, "duration", duration)
	return output.Bytes(), nil
}

func lastLines(s string, n int) string {
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, " | ")
}
