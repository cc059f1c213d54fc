// zonesimd runs the in-memory zone record-store simulator as a
// standalone HTTP daemon, so an engine under development can sync
// against a live server without credentials for a production store.
//
// The default listen address matches the config package's default
// base URL, making `zonesimd` plus an empty config file a working
// development setup.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/plivesey/zonesync/internal/zonesim"
)

// version is set at build time via ldflags.
var version = "dev"

var (
	flagListen          string
	flagLatency         time.Duration
	flagBatchLimit      int
	flagPageSize        int
	flagCheckpointEvery int
	flagLogLevel        string
	flagLogFormat       string
)

const shutdownTimeout = 5 * time.Second

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "zonesimd",
		Short:   "In-memory zone record-store simulator",
		Long:    "Serves the zone record-store wire protocol from memory for development and testing.",
		Version: version,
		// Silence Cobra's default error/usage printing; main handles it.
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE:          run,
	}

	cmd.Flags().StringVar(&flagListen, "listen", ":8040", "listen address")
	cmd.Flags().DurationVar(&flagLatency, "latency", 0, "artificial delay before every response")
	cmd.Flags().IntVar(&flagBatchLimit, "batch-limit", 0, "modify batch item cap (0 uses the production limit)")
	cmd.Flags().IntVar(&flagPageSize, "page-size", 0, "zones per database change page (0 disables paging)")
	cmd.Flags().IntVar(&flagCheckpointEvery, "checkpoint-every", 0, "interim token every N zone change events (0 disables)")
	cmd.Flags().StringVar(&flagLogLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&flagLogFormat, "log-format", "auto", "log format (auto, text, json)")

	return cmd
}

func run(cmd *cobra.Command, _ []string) error {
	logger := buildLogger()
	slog.SetDefault(logger)

	sim := zonesim.New(zonesim.Options{
		Logger:           logger,
		BatchLimit:       flagBatchLimit,
		DatabasePageSize: flagPageSize,
		CheckpointEvery:  flagCheckpointEvery,
		Latency:          flagLatency,
	})

	srv := &http.Server{
		Addr:              flagListen,
		Handler:           sim,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)

	go func() {
		logger.Info("simulator listening",
			slog.String("addr", flagListen),
			slog.Duration("latency", flagLatency),
		)

		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			// Open notification websockets outlive Shutdown's grace
			// period; close them forcibly.
			return srv.Close()
		}

		return nil

	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return fmt.Errorf("zonesimd: %w", err)
	}
}

// buildLogger creates an slog.Logger from the log flags. The auto format
// picks text on a terminal and JSON otherwise, so piped output stays
// machine-readable.
func buildLogger() *slog.Logger {
	level := slog.LevelInfo

	switch flagLogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch {
	case flagLogFormat == "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	case flagLogFormat == "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	case isatty.IsTerminal(os.Stderr.Fd()):
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}

func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		exitOnError(err)
	}
}
