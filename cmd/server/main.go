package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/Tyrowin/chatrelay/internal/logging"
	"github.com/Tyrowin/chatrelay/internal/server"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath  string
		host        string
		port        string
		historyFile string
		maxHistory  int
	)

	cmd := &cobra.Command{
		Use:           "chatrelay",
		Short:         "Real-time WebSocket chat relay with persistent history",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := server.LoadConfig(configPath)
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			if flags.Changed("host") {
				cfg.Host = host
			}
			if flags.Changed("port") {
				cfg.Port = port
			}
			if flags.Changed("history-file") {
				cfg.HistoryFile = historyFile
			}
			if flags.Changed("max-history") {
				cfg.MaxHistory = maxHistory
			}
			cfg = server.SanitizeConfig(cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger := logging.InitLogger(cfg.LogLevel, cfg.LogFormat)

			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)

			srv := server.New(cfg,
				server.WithLogger(logger),
				server.WithMetricsRegistry(reg),
			)
			return srv.Run(cmd.Context())
		},
	}

	cmd.CompletionOptions.DisableDefaultCmd = true

	flags := cmd.Flags()
	flags.StringVarP(&configPath, "config", "c", "", "YAML config file (default $RELAY_CONFIG)")
	flags.StringVar(&host, "host", "", "listen host (default localhost)")
	flags.StringVarP(&port, "port", "p", "", "listen port (default 8765)")
	flags.StringVar(&historyFile, "history-file", "", "history file path (default chat_history.txt)")
	flags.IntVar(&maxHistory, "max-history", 0, "messages replayed to new connections (default 10)")

	return cmd
}
