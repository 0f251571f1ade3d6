package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/panesync/internal/config"
	"github.com/danmuck/panesync/internal/logging"
	"github.com/danmuck/panesync/internal/observability"
	"github.com/danmuck/panesync/internal/protocol/session"
	"github.com/danmuck/panesync/internal/services"
	"github.com/danmuck/panesync/internal/store"
	"github.com/danmuck/panesync/internal/window"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "panectl-window: %v\n", err)
		os.Exit(1)
	}
}

// panectl-window is a headless window: it keeps a replica of the owner
// store and logs every mutation it applies.
func run(args []string) error {
	flags := pflag.NewFlagSet("panectl-window", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", "", "window TOML config")
	windowID := flags.String("id", "", "window id (generated when empty)")
	role := flags.String("role", "", "window role: main|child|worker")
	dump := flags.Bool("dump", false, "print the replica as JSON after every applied mutation")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	logging.ConfigureRuntime()
	observability.InitLogger("panectl-window")

	cfg, err := config.LoadWindow(*configPath)
	if err != nil {
		return err
	}
	if *windowID != "" {
		cfg.WindowID = *windowID
	}
	if *role != "" {
		cfg.Role = session.Role(*role)
		if err := config.ValidateWindow(cfg); err != nil {
			return err
		}
	}

	st, err := services.NewWindowStore()
	if err != nil {
		return err
	}
	client, err := window.NewClient(cfg, st)
	if err != nil {
		return err
	}
	cancelObserve := client.Follower().Observe(func(m store.Mutation) {
		log.Info().Msgf("panectl-window applied id=%d type=%s replayed=%t", m.ID, m.Type, m.Replayed)
		if *dump {
			printState(st)
		}
	})
	defer cancelObserve()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return client.Run(gctx) })
	g.Go(func() error {
		if err := client.Ready(gctx); err != nil {
			return nil
		}
		status := client.Follower().Status()
		log.Info().Msgf("panectl-window ready window_id=%q last_id=%d", client.WindowID(), status.LastID)
		if *dump {
			printState(st)
		}
		return nil
	})
	return g.Wait()
}

func printState(st *store.Store) {
	raw, err := json.MarshalIndent(st.State(), "", "  ")
	if err != nil {
		log.Error().Msgf("panectl-window encode state err=%v", err)
		return
	}
	fmt.Println(string(raw))
}
