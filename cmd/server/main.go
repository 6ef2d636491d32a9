package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	graphagent "github.com/algowizzzz/graphdb-agent-sec"
	"github.com/algowizzzz/graphdb-agent-sec/metrics"
	"github.com/algowizzzz/graphdb-agent-sec/reqid"
	"github.com/algowizzzz/graphdb-agent-sec/server"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (YAML or JSON)")
	addr := flag.String("addr", ":8080", "Listen address")
	flag.Parse()

	// Structured JSON logging, tagged with the request id.
	slog.SetDefault(slog.New(reqid.NewHandler(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))))

	cfg := graphagent.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = graphagent.LoadConfig(*configPath); err != nil {
			slog.Error("loading config", "error", err)
			os.Exit(1)
		}
	}
	cfg.ApplyEnv()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	agent, err := graphagent.New(ctx, cfg, graphagent.WithMetrics(metrics.New(reg)))
	if err != nil {
		slog.Error("creating agent", "error", err)
		os.Exit(1)
	}
	defer agent.Close()

	srv := server.New(agent, server.Config{
		Addr:        *addr,
		APIKey:      os.Getenv("GRAPHAGENT_API_KEY"),
		CORSOrigins: os.Getenv("GRAPHAGENT_CORS_ORIGINS"),
	}, reg)

	if err := srv.Run(ctx); err != nil {
		slog.Error("server error", "error", err)
		agent.Close()
		os.Exit(1)
	}
}
