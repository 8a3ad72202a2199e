package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Tyrowin/tuichat/internal/logging"
	"github.com/Tyrowin/tuichat/internal/server"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		listen          string
		path            string
		logLevel        string
		overflow        string
		rejectDuplicate bool
	)

	cmd := &cobra.Command{
		Use:   "tuichat-server",
		Short: "Run the tuichat server",
		Long: `Run the tuichat chat server.

Settings are read from TUICHAT_* environment variables and an optional
.env file; flags take precedence.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := server.LoadConfig()
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			if flags.Changed("listen") {
				cfg.Addr = listen
			}
			if flags.Changed("path") {
				cfg.Path = path
			}
			if flags.Changed("log-level") {
				cfg.LogLevel = logLevel
			}
			if flags.Changed("overflow") {
				cfg.OverflowPolicy = overflow
			}
			if flags.Changed("reject-duplicates") {
				cfg.RejectDuplicateAddr = rejectDuplicate
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			return run(cmd.Context(), *cfg)
		},
	}

	cmd.Flags().StringVarP(&listen, "listen", "l", ":13331", "Address to listen on")
	cmd.Flags().StringVar(&path, "path", "/ws", "WebSocket endpoint path")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&overflow, "overflow", server.OverflowDisconnect, "Slow subscriber policy (disconnect, drop-oldest)")
	cmd.Flags().BoolVar(&rejectDuplicate, "reject-duplicates", false, "Refuse a second connection from the same host")

	return cmd
}

func run(ctx context.Context, cfg server.Config) error {
	log := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.New(cfg, log)
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("received shutdown signal")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info().Msg("server stopped")
	return nil
}
