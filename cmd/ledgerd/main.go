// ledgerd serves the invoice payment ledger over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/invoisio/ledger/internal/config"
	"github.com/invoisio/ledger/pkg/invoisio"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		cfgPath         string
		addr            string
		envFile         string
		shutdownTimeout time.Duration
	)
	flagSet := pflag.NewFlagSet("ledgerd", pflag.ContinueOnError)
	flagSet.StringVarP(&cfgPath, "config", "c", "", "path to YAML config file (optional)")
	flagSet.StringVar(&addr, "addr", "", "listen address, overrides server.address")
	flagSet.StringVar(&envFile, "env-file", ".env", "dotenv file loaded before config")
	flagSet.DurationVar(&shutdownTimeout, "shutdown-timeout", 15*time.Second, "grace period for in-flight requests")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load %s: %w", envFile, err)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if addr != "" {
		cfg.Server.Address = addr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := invoisio.NewApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			app.Logger.Error().Err(err).Msg("ledgerd.close_failed")
		}
	}()

	srv := app.NewServer()
	serveErr := make(chan error, 1)
	go func() {
		app.Logger.Info().
			Str("address", srv.Addr()).
			Str("storage", app.Store.Backend()).
			Msg("ledgerd.listening")
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	app.Logger.Info().Msg("ledgerd.shutting_down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
