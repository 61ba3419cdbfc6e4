// Package cmd implements the wimctl command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"wimctl/config"
	"wimctl/service"
)

// app carries the state shared by every subcommand.
type app struct {
	version string

	configDir string
	profile   string
	backend   string
	debug     bool
	jsonOut   bool
	quiet     bool

	cfg *config.Config
}

// NewRootCommand builds the wimctl command tree.
func NewRootCommand(version string) *cobra.Command {
	a := &app{version: version}

	root := &cobra.Command{
		Use:           "wimctl",
		Short:         "Mount, unmount, recover and package WinPE build directories",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&a.configDir, "config-dir", "C", "", "Config base directory")
	flags.StringVarP(&a.profile, "profile", "p", "default", "Profile to use")
	flags.StringVar(&a.backend, "backend", "", "Servicing backend (dism, wimlib, mock)")
	flags.BoolVarP(&a.debug, "debug", "d", false, "Debug verbosity")
	flags.BoolVar(&a.jsonOut, "json", false, "Print results as JSON")
	flags.BoolVarP(&a.quiet, "quiet", "q", false, "Do not print progress")

	root.AddCommand(
		newMountCommand(a),
		newUnmountCommand(a),
		newStatusCommand(a),
		newDiagnosticsCommand(a),
		newValidateCommand(a),
		newCleanupCommand(a),
		newISOCommand(a),
		newHistoryCommand(a),
		newVersionCommand(a),
	)
	return root
}

// Execute runs the command tree and returns the process exit code.
func Execute(ctx context.Context, version string) int {
	return run(ctx, NewRootCommand(version), os.Stderr)
}

func run(ctx context.Context, root *cobra.Command, stderr io.Writer) int {
	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}

	var exit *ExitError
	if errors.As(err, &exit) {
		return exit.Code
	}
	if errors.Is(err, context.Canceled) {
		fmt.Fprintln(stderr, "Interrupted")
		return 130
	}
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return 1
}

// loadConfig reads the configuration and applies flag overrides.
func (a *app) loadConfig() (*config.Config, error) {
	if a.cfg != nil {
		return a.cfg, nil
	}
	cfg, err := config.LoadConfig(a.configDir, a.profile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if a.debug {
		cfg.Debug = true
	}
	if a.backend != "" {
		cfg.Backend = strings.ToLower(a.backend)
	}
	a.cfg = cfg
	return cfg, nil
}

// service opens the service for one command. The caller must call the
// returned close func.
func (a *app) service(cmd *cobra.Command) (*service.Service, func(), error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	svc, err := service.NewService(cfg)
	if err != nil {
		return nil, nil, err
	}
	if !a.quiet && !a.jsonOut {
		svc.SetProgress(progressPrinter(cmd.ErrOrStderr(), cfg.Debug))
	}
	return svc, func() { svc.Close() }, nil
}

func newVersionCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "wimctl version %s\n", a.version)
		},
	}
}
