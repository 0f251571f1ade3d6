package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/panesync/internal/config"
	"github.com/danmuck/panesync/internal/external"
	"github.com/danmuck/panesync/internal/logging"
	"github.com/danmuck/panesync/internal/observability"
	"github.com/danmuck/panesync/internal/owner"
	"github.com/danmuck/panesync/internal/services"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "panectl-owner: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("panectl-owner", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", "", "owner TOML config (defaults plus PANESYNC_* env when empty)")
	statePath := flags.String("state", "", "JSONC initial state file, overrides owner.initial_state")
	noExternal := flags.Bool("no-external", false, "serve windows only; skip the HTTP and NDJSON endpoints")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	logging.ConfigureRuntime()
	observability.InitLogger("panectl-owner")

	cfg, err := config.LoadOwner(*configPath)
	if err != nil {
		return err
	}
	if *statePath != "" {
		cfg.InitialStatePath = *statePath
	}
	var initial map[string]any
	if cfg.InitialStatePath != "" {
		if initial, err = config.LoadInitialState(cfg.InitialStatePath); err != nil {
			return err
		}
	}

	rt, err := services.NewOwnerRuntime(cfg.Store, initial)
	if err != nil {
		return err
	}
	defer rt.Close()

	svc, err := owner.NewService(cfg.Owner, rt.Owner, rt.Internal)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.Run(gctx) })
	if !*noExternal {
		ext := external.NewServer(cfg.External, svc.Server().OwnerID(), rt.External, rt.Owner)
		g.Go(func() error { return ext.Run(gctx) })
	}
	log.Info().Msgf("panectl-owner started owner_id=%q services=%v", svc.Server().OwnerID(), rt.Services.Names())

	err = g.Wait()
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		err = nil
	}
	return multierr.Append(err, cleanupSocket(cfg))
}

func cleanupSocket(cfg config.OwnerConfig) error {
	if cfg.Owner.Network != "unix" {
		return nil
	}
	if err := os.Remove(cfg.Owner.ListenAddr); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove socket: %w", err)
	}
	return nil
}
