package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/meridianfi/chainfeed/chainrpc"
	"github.com/meridianfi/chainfeed/chains"
	"github.com/meridianfi/chainfeed/eventbus"
	"github.com/meridianfi/chainfeed/store"
	"github.com/meridianfi/chainfeed/util"
	"github.com/meridianfi/chainfeed/worker"
)

func init() {
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "run the streaming ingestion workers",
		RunE:  runIngest,
	}
	rootCmd.AddCommand(cmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
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

	// The embedding platform injects its own Store; standalone runs keep
	// state in memory.
	db := store.NewMemory()

	positions := worker.NewPositionLiquidityWorker(db, providers, bus, backend, cfg.Tuning, log)
	pools := worker.NewPoolPriceWorker(db, providers, bus, backend, cfg.Tuning, log)
	transfers := worker.NewNFPMTransferWorker(db, providers, bus, backend, cfg.Tuning, log)
	closeOrders := worker.NewCloseOrderWorker(db, providers, bus, backend, cfg.Tuning, log)
	subscribers := worker.NewSubscriberWorker(db, providers, bus, backend, cfg.Tuning, log)
	balances := worker.NewBalancePoller(db, providers, cfg.BalancePollInterval, log)

	consumer, err := worker.StartPositionEventConsumer(ctx, bus,
		[]worker.PositionEventHandler{positions, pools, transfers}, log)
	if err != nil {
		return fmt.Errorf("chainfeed: position event consumer: %w", err)
	}
	defer consumer.Stop()

	coord := worker.NewCoordinator(log, positions, pools, transfers, closeOrders, subscribers, balances)
	coord.SetAlerter(util.LogAlerter(log))

	go logStatus(ctx, coord, log)

	if err := coord.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	log.Info("chainfeed: ingestion stopped")
	return nil
}

// logStatus emits a one-line status summary per worker every minute.
func logStatus(ctx context.Context, coord *worker.Coordinator, log *slog.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, st := range coord.Status() {
				members := 0
				for _, b := range st.Batches {
					members += b.Members
				}
				log.Info(fmt.Sprintf("chainfeed: worker %s running=%t batches=%d members=%d",
					st.Name, st.Running, len(st.Batches), members))
			}
		}
	}
}
