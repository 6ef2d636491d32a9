// Command graphagent answers questions over the SEC filings graph from the
// command line.
//
//	graphagent ask "What was Bank of America's net income in Q1 2025?"
//	graphagent search --strategy hybrid --company BAC --concept "credit risk" "How is credit risk managed?"
//	graphagent reindex --embed
//	graphagent serve --addr :8080
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	graphagent "github.com/algowizzzz/graphdb-agent-sec"
	"github.com/algowizzzz/graphdb-agent-sec/metrics"
	"github.com/algowizzzz/graphdb-agent-sec/reqid"
)

const (
	exitSuccess = 0
	exitError   = 1
)

type globalFlags struct {
	configPath string
	logFormat  string
	debug      bool
	json       bool
}

var flags globalFlags

// errUsage marks errors the user can fix by changing the command line.
var errUsage = errors.New("usage")

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "graphagent",
		Short:         "Question answering over the SEC filings graph",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging(cmd.ErrOrStderr(), flags.logFormat, flags.debug)
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "Path to config file (YAML or JSON)")
	pf.StringVar(&flags.logFormat, "log-format", "text", "Log format (text|json)")
	pf.BoolVar(&flags.debug, "debug", false, "Enable debug logging")
	pf.BoolVar(&flags.json, "json", false, "Print results as JSON")

	root.AddCommand(newAskCmd(), newSearchCmd(), newReindexCmd(), newServeCmd(),
		newSchemaCmd(), newInfoCmd(), newHistoryCmd(), newEvalCmd())
	return root
}

func setupLogging(w io.Writer, format string, debug bool) error {
	opts := &slog.HandlerOptions{Level: slog.LevelWarn}
	if debug {
		opts.Level = slog.LevelDebug
	}
	var h slog.Handler
	switch format {
	case "text":
		h = slog.NewTextHandler(w, opts)
	case "json":
		h = slog.NewJSONHandler(w, opts)
	default:
		return fmt.Errorf("%w: --log-format must be text or json", errUsage)
	}
	slog.SetDefault(slog.New(reqid.NewHandler(h)))
	return nil
}

// loadConfig reads --config when given, then the environment.
func loadConfig() (graphagent.Config, error) {
	cfg := graphagent.DefaultConfig()
	if flags.configPath != "" {
		var err error
		if cfg, err = graphagent.LoadConfig(flags.configPath); err != nil {
			return cfg, err
		}
	}
	cfg.ApplyEnv()
	return cfg, nil
}

// openAgent builds an agent from the loaded config. reg may be nil.
func openAgent(ctx context.Context, reg prometheus.Registerer) (graphagent.Agent, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	var opts []graphagent.Option
	if reg != nil {
		opts = append(opts, graphagent.WithMetrics(metrics.New(reg)))
	}
	return graphagent.New(ctx, cfg, opts...)
}

// exitCode prints err for the user and returns the process exit code.
func exitCode(w io.Writer, err error) int {
	if err == nil {
		return exitSuccess
	}
	switch {
	case errors.Is(err, errUsage):
		fmt.Fprintln(w, "Error:", err)
	case errors.Is(err, graphagent.ErrInvalidConfig):
		fmt.Fprintln(w, "Error:", err)
	default:
		fmt.Fprintln(w, graphagent.UserMessage(err))
		slog.Debug("command failed", "error", err)
	}
	return exitError
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	os.Exit(exitCode(os.Stderr, err))
}
