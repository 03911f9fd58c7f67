package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"evmindexer/internal/cache"
	"evmindexer/internal/chainevent"
	"evmindexer/internal/config"
	"evmindexer/internal/engine"
	"evmindexer/internal/rpcclient"
	"evmindexer/internal/sink"
	"evmindexer/internal/substore"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	targetFlag := flag.Uint64("target-block", 0, "Fixed block to index to; 0 means watch the chain tip indefinitely")
	watchFlag := flag.Bool("watch", false, "Watch the chain tip instead of stopping at a fixed target")
	flag.Parse()

	// Configure global logger (timestamped, info level by default).
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	// Load configuration file.
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// Prepare cancellable context that listens to OS signals (Ctrl+C).
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logrus.Info("interrupt received, shutting down gracefully…")
		cancel()
	}()

	// Initialise RPC client with retry logic.
	rpc, err := rpcclient.Dial(ctx, cfg.Chain.RPC, rpcclient.Config{
		MaxRetries:  cfg.Retry.MaxRetries,
		RetryDelay:  time.Duration(cfg.Retry.RetryDelayMS) * time.Millisecond,
		MaxInFlight: int64(cfg.Retry.MaxInFlight),
		CallTimeout: time.Duration(cfg.Retry.CallTimeoutS) * time.Second,
	})
	if err != nil {
		log.Fatalf("failed to connect to RPC: %v", err)
	}
	defer rpc.Close()

	var c cache.Cache
	if cfg.Cache != nil {
		sc, err := cache.OpenSQLiteCache(cfg.Cache.Path)
		if err != nil {
			log.Fatalf("failed to open cache: %v", err)
		}
		defer sc.Close()
		c = sc
	}

	var store substore.SubscriptionStore
	if cfg.SubscriptionStore != nil {
		ss, err := substore.OpenSQLiteStore(cfg.SubscriptionStore.Path)
		if err != nil {
			log.Fatalf("failed to open subscription store: %v", err)
		}
		defer ss.Close()
		store = ss
	}

	subs, err := config.BuildSubscriptions(cfg)
	if err != nil {
		log.Fatalf("failed to build subscriptions: %v", err)
	}

	contractNames := make(map[common.Address]string, len(cfg.Contracts))
	for _, cc := range cfg.Contracts {
		contractNames[common.HexToAddress(cc.Address)] = cc.Name
	}

	// When no cache is configured, fall back to the CSV sink as the
	// default onEvent handler so events aren't silently lost (spec §6
	// ambient stack notes).
	var onEvent chainevent.Handler
	if cfg.Cache == nil && cfg.CSVOutputDir != "" {
		csvSink, err := sink.NewCSVSink(cfg.CSVOutputDir)
		if err != nil {
			log.Fatalf("failed to initialise csv sink: %v", err)
		}
		retrySink := sink.NewRetrySink(csvSink, cfg.Retry.MaxRetries, cfg.Retry.RetryDelayMS)
		onEvent = func(h chainevent.HandlerContext) error {
			ev := h.Event()
			return retrySink.Write(sink.RecordFromChainEvent(ev, contractNames[ev.Address]))
		}
	}

	builder := engine.NewBuilder(cfg.Chain.ID, rpc).
		WithCache(c).
		WithSubscriptionStore(store).
		WithSubscriptions(subs...).
		WithPollDelay(time.Duration(cfg.EventPollDelayMs) * time.Millisecond).
		WithOnEvent(onEvent).
		WithOnProgress(func(currentBlock, targetBlock uint64, pendingEventsCount int) {
			logrus.WithFields(logrus.Fields{
				"current_block": currentBlock,
				"target_block":  targetBlock,
				"pending":       pendingEventsCount,
			}).Info("progress")
		}).
		WithOnError(func(err error) {
			logrus.WithError(err).Error("engine stopped with error")
		})

	eng, err := builder.Build(ctx)
	if err != nil {
		log.Fatalf("failed to build engine: %v", err)
	}

	if *watchFlag || *targetFlag == 0 {
		if err := eng.Watch(ctx); err != nil && ctx.Err() == nil {
			log.Fatalf("engine terminated with error: %v", err)
		}
		return
	}

	if err := eng.IndexToBlock(ctx, *targetFlag); err != nil && ctx.Err() == nil {
		log.Fatalf("engine terminated with error: %v", err)
	}
}
