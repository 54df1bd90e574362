// Package cmd implements the deployctl command line.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Bidon15/popsigner/deployctl/internal/config"
	"github.com/Bidon15/popsigner/deployctl/internal/deployer"
)

// Version is set at build time.
var Version = "dev"

// globalOptions holds the persistent flags.
type globalOptions struct {
	configFile   string
	artifactsDir string
	logLevel     string
	jsonOut      bool
}

// app carries state shared by all commands of one invocation.
type app struct {
	opts    globalOptions
	clients deployer.ClientFactory
	stdout  io.Writer
	stderr  io.Writer
	logger  *slog.Logger

	cfg *config.Config
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr, deployer.NewEthClientFactory())
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer, clients deployer.ClientFactory) int {
	a := &app{clients: clients, stdout: stdout, stderr: stderr}
	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	if err := root.ExecuteContext(ctx); err != nil {
		a.printError(err)
		return 1
	}
	return 0
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "deployctl",
		Short: "Deploy a compiled smart contract to an EVM network",
		Long: `deployctl instantiates one compiled contract on a configured network and
prints the address it was created at.

Configuration (in order of priority):
  1. Command-line flags (--network, --artifacts, ...)
  2. Environment variables (DEPLOYCTL_NETWORK, DEPLOYCTL_ARTIFACTS_DIR, DEPLOYCTL_PRIVATE_KEY)
  3. Config file (./deployctl.yaml or ~/.deployctl/deployctl.yaml)

Get started:
  $ deployctl networks                                  # List configured networks
  $ deployctl deploy StopLoss 0x5FbDB2315678afecb367f032d93F642f64180aa3
  $ deployctl deploy --network docker StopLoss 0x5FbDB2315678afecb367f032d93F642f64180aa3`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setupLogger()
		},
	}

	root.PersistentFlags().StringVar(&a.opts.configFile, "config", "", "config file (default is ./deployctl.yaml or ~/.deployctl/deployctl.yaml)")
	root.PersistentFlags().StringVar(&a.opts.artifactsDir, "artifacts", "", "artifacts directory (or DEPLOYCTL_ARTIFACTS_DIR)")
	root.PersistentFlags().StringVar(&a.opts.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&a.opts.jsonOut, "json", false, "output in JSON format")

	root.AddCommand(
		newDeployCmd(a),
		newNetworksCmd(a),
		newConfigCmd(a),
		newArtifactsCmd(a),
		newVersionCmd(a),
	)
	return root
}

func newVersionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(a.stdout, "deployctl version %s\n", Version)
		},
	}
}

// setupLogger builds the stderr logger from --log-level.
func (a *app) setupLogger() error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(a.opts.logLevel)); err != nil {
		return fmt.Errorf("invalid --log-level %q: %w", a.opts.logLevel, err)
	}
	a.logger = slog.New(slog.NewTextHandler(a.stderr, &slog.HandlerOptions{Level: level}))
	return nil
}

// config loads the configuration once and applies flag overrides.
func (a *app) config() (*config.Config, error) {
	if a.cfg != nil {
		return a.cfg, nil
	}
	cfg, err := config.Load(a.opts.configFile)
	if err != nil {
		return nil, err
	}
	if a.opts.artifactsDir != "" {
		cfg.ArtifactsDir = a.opts.artifactsDir
	}
	if cfg.ConfigFile != "" {
		a.logger.Debug("loaded config", slog.String("file", cfg.ConfigFile))
	}
	a.cfg = cfg
	return cfg, nil
}

// Output helpers

// printJSON outputs data as formatted JSON.
func (a *app) printJSON(v interface{}) error {
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printError prints an error message.
func (a *app) printError(err error) {
	fmt.Fprintf(a.stderr, "%s %s\n", colorRed(a.stderr, "Error:"), err.Error())
}

// newTable creates a new tabwriter for formatted output.
func (a *app) newTable() *tabwriter.Writer {
	return tabwriter.NewWriter(a.stdout, 0, 0, 2, ' ', 0)
}

// printTableHeader prints a bold header row.
func (a *app) printTableHeader(w *tabwriter.Writer, columns ...string) {
	for i, col := range columns {
		if i > 0 {
			fmt.Fprint(w, "\t")
		}
		fmt.Fprint(w, colorBold(a.stdout, col))
	}
	fmt.Fprintln(w)
}

// Terminal colors

func colorRed(w io.Writer, s string) string {
	if !isTTY(w) {
		return s
	}
	return "\033[31m" + s + "\033[0m"
}

func colorBold(w io.Writer, s string) string {
	if !isTTY(w) {
		return s
	}
	return "\033[1m" + s + "\033[0m"
}

func isTTY(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}
