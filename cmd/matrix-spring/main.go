// Copyright 2024-2026 Aiku AI

// Command matrix-spring is a Matrix appservice bridging a spring lobby
// server: every configured lobby channel appears as a Matrix room and vice
// versa, with each lobby user puppeted by a dedicated ghost account.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.mau.fi/util/exzerolog"
	"maunium.net/go/mautrix/event"

	"github.com/jauriarts/matrix-spring/pkg/bridge"
	"github.com/jauriarts/matrix-spring/pkg/lobby"
	"github.com/jauriarts/matrix-spring/pkg/matrix"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const shutdownTimeout = 30 * time.Second

var (
	configFile string
	debug      bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "matrix-spring",
		Short:        "Matrix appservice bridge for spring lobby servers",
		SilenceUsage: true,
		RunE: func(_ *cobra.Command, _ []string) error {
			return run()
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "config.yaml", "path to config file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("matrix-spring %s (%s) built %s\n", Tag, Commit, BuildTime)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	cfg, err := bridge.LoadConfig(configFile)
	if err != nil {
		return err
	}

	log, err := buildLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to configure logging: %w", err)
	}

	hs, err := matrix.New(cfg, log)
	if err != nil {
		return err
	}
	session := lobby.NewClient(cfg.Spring.Address, cfg.Spring.Port, cfg.Spring.SSL, cfg.Spring.ClientName, log)
	br := bridge.New(cfg, hs, session, log)

	hs.OnEvent([]event.Type{event.EventMessage, event.StateMember}, br.HandleMatrixEvent)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hs.Start(ctx)
	go br.ServeAdmin(ctx, cfg.AdminAPI.Listen)

	if err := br.Start(ctx); err != nil {
		log.Error().Err(err).Msg("Bridge startup failed")
		return err
	}
	log.Info().Msg("Initialization complete, running")

	<-ctx.Done()
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	br.Stop(shutdownCtx)
	hs.Stop()
	log.Info().Msg("Shutdown complete")
	return nil
}

func buildLogger(cfg *bridge.Config) (zerolog.Logger, error) {
	compiled, err := cfg.Logging.Compile()
	if err != nil {
		return zerolog.Logger{}, err
	}
	log := *compiled
	if debug {
		log = log.Level(zerolog.DebugLevel)
	}
	exzerolog.SetupDefaults(&log)
	return log, nil
}
