package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/polisai/polis-certd/internal/command"
	certtls "github.com/polisai/polis-certd/internal/tls"
	"github.com/polisai/polis-certd/pkg/domain"
)

func newRenderCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "render",
		Short: "Probe all domains and print the configuration that would be written",
		Long: `Probe all domains and print the rendered nginx configuration to stdout.
Nothing is written, nginx is not reloaded and the certificate agent is only
asked for certificate status.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			a, err := newApp(cfg, "", logger)
			if err != nil {
				return err
			}

			specs := cfg.DomainSpecs()
			snapshot := a.prober.Probe(cmd.Context(), specs)
			text, err := a.renderer.Render(domain.Environment{
				DHParamAvailable: snapshot.DHParamAvailable,
				Email:            cfg.Email,
				Domains:          specs,
			}, snapshot.States)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(text)
			return err
		},
	}
}

func newStatusCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the probed state of every domain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			a, err := newApp(cfg, "", logger)
			if err != nil {
				return err
			}

			snapshot := a.prober.Probe(cmd.Context(), cfg.DomainSpecs())
			policy := cfg.Policy()

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "DOMAIN\tPHASE\tEXPIRES\tEXPIRY\tUPSTREAM\tHTTPS")
			for _, state := range snapshot.States {
				expires, grade := "-", "-"
				if state.CertExists && !state.CertValidUntil.IsZero() {
					expires = state.CertValidUntil.UTC().Format(time.RFC3339)
					grade = string(certtls.ClassifyExpiry(state.CertValidUntil, state.ProbedAt))
				}
				upstream := "down"
				if state.UpstreamActive {
					upstream = "up"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					state.Domain,
					domain.Classify(state),
					expires,
					grade,
					upstream,
					strconv.FormatBool(policy.Enabled(state)),
				)
			}
			fmt.Fprintf(w, "\ndhparam available: %t\n", snapshot.DHParamAvailable)
			return w.Flush()
		},
	}
}

func newBootstrapCmd(opts *globalOptions) *cobra.Command {
	var (
		dhparamBits int
		openssl     string
	)
	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Prepare directories and the dhparam file before the first run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup(cmd, opts)
			if err != nil {
				return err
			}

			for _, dir := range []string{
				cfg.Paths.CertRoot,
				cfg.Paths.Webroot,
				filepath.Dir(cfg.Paths.Output),
				filepath.Dir(cfg.Paths.DHParam),
			} {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return fmt.Errorf("create %s: %w", dir, err)
				}
			}

			if _, err := os.Stat(cfg.Paths.DHParam); err == nil {
				logger.Info("dhparam already present", "path", cfg.Paths.DHParam)
				return nil
			} else if !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("stat %s: %w", cfg.Paths.DHParam, err)
			}

			logger.Info("Generating dhparam, this can take several minutes", "path", cfg.Paths.DHParam, "bits", dhparamBits)
			runner := command.NewLocalRunner(0, logger)
			if _, err := runner.Run(cmd.Context(), openssl, "dhparam", "-out", cfg.Paths.DHParam, strconv.Itoa(dhparamBits)); err != nil {
				return fmt.Errorf("generate dhparam: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&dhparamBits, "dhparam-bits", 2048, "Size of the generated Diffie-Hellman parameters")
	cmd.Flags().StringVar(&openssl, "openssl", "openssl", "Path to the openssl binary")
	return cmd
}
