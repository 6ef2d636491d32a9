package main

import (
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/algowizzzz/graphdb-agent-sec/server"
)

func newServeCmd() *cobra.Command {
	cfg := server.Config{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.APIKey == "" {
				cfg.APIKey = os.Getenv("GRAPHAGENT_API_KEY")
			}
			if cfg.CORSOrigins == "" {
				cfg.CORSOrigins = os.Getenv("GRAPHAGENT_CORS_ORIGINS")
			}

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

			agent, err := openAgent(cmd.Context(), reg)
			if err != nil {
				return err
			}
			defer agent.Close()
			return server.New(agent, cfg, reg).Run(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&cfg.Addr, "addr", ":8080", "Listen address")
	cmd.Flags().StringVar(&cfg.APIKey, "api-key", "", "Bearer token required by the API (default $GRAPHAGENT_API_KEY)")
	cmd.Flags().StringVar(&cfg.CORSOrigins, "cors-origins", "", "Comma-separated allowed origins")
	cmd.Flags().DurationVar(&cfg.RequestTimeout, "request-timeout", 0, "Per-request timeout (default 15m)")
	return cmd
}
