package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/meridianfi/chainfeed/chainrpc"
	"github.com/meridianfi/chainfeed/chains"
	"github.com/meridianfi/chainfeed/eventbus"
	"github.com/meridianfi/chainfeed/rules"
	"github.com/meridianfi/chainfeed/scheduler"
	"github.com/meridianfi/chainfeed/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "business",
		Short: "run the scheduled reconciliation rules",
		RunE:  runBusiness,
	}
	rootCmd.AddCommand(cmd)
}

func runBusiness(cmd *cobra.Command, args []string) error {
	cfg := configFromEnv(os.Getenv)
	log := newLogger(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go watchSignals(cancel, log)

	chainCfg := chains.ConfigFromEnv(os.Getenv)
	if len(chainCfg) == 0 {
		return errors.New("chainfeed: no chains configured, set WS_RPC_URL_<CHAIN>")
	}

	providers, err := chainrpc.NewProviders(ctx, chainCfg, log)
	if err != nil {
		return fmt.Errorf("chainfeed: providers: %w", err)
	}

	backend, err := cacheBackend(cfg)
	if err != nil {
		return fmt.Errorf("chainfeed: cache backend: %w", err)
	}

	bus := eventbus.New(cfg.Rabbit, eventbus.Options{Logger: log})
	if err := bus.Connect(ctx); err != nil {
		return err
	}
	defer bus.Close()

	db := store.NewMemory()
	gecko := rules.NewCoinGecko(cfg.CoinGeckoURL, cfg.CoinGeckoKey)

	sched := scheduler.New(log)
	registry := rules.NewRegistry(sched, log,
		rules.NewTokenListRule(backend, gecko, rules.NewCacheTokenSink(backend), log),
		rules.NewNAVSnapshotRule(db, providers, bus, gecko, log),
	)
	if err := registry.Startup(ctx); err != nil {
		return err
	}
	log.Info("chainfeed: business rules running")

	<-ctx.Done()

	shutdownCtx, done := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer done()
	return registry.Shutdown(shutdownCtx)
}
