package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/vitos/grid_martingale/internal/config"
	"github.com/vitos/grid_martingale/internal/infrastructure/exchange"
	"github.com/vitos/grid_martingale/internal/infrastructure/logger"
	"github.com/vitos/grid_martingale/internal/infrastructure/storage"
	"github.com/vitos/grid_martingale/internal/usecase"
	"github.com/vitos/grid_martingale/internal/web"
)

func main() {
	// 1. Load Config
	cfgPath := "config/config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 2. Init Logger
	log, err := logger.NewFileLogger(cfg.Logging.File, cfg.Logging.Level)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// 3. Strategy Parameters
	dyn, err := config.NewDynamicConfig(cfg.Paths.ParamsFile)
	if err != nil {
		log.Fatal("Failed to load strategy params", zap.Error(err))
	}

	// 4. Init Storage
	trades, err := storage.NewSQLiteStore(cfg.Paths.TradesDB)
	if err != nil {
		log.Fatal("Failed to init sqlite", zap.Error(err))
	}
	defer trades.Close()

	stateStore, err := storage.NewStateFile(cfg.Paths.StateFile)
	if err != nil {
		log.Fatal("Failed to init state store", zap.Error(err))
	}

	// 5. Init Exchange
	adapter := exchange.NewBinanceAdapter(
		cfg.APIKey, cfg.APISecret,
		cfg.Exchange.RESTEndpoint, cfg.Exchange.WSEndpoint,
		cfg.Exchange.Symbol,
		cfg.Exchange.PricePrecision, cfg.Exchange.QtyPrecision,
		cfg.Exchange.DryRun,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := adapter.SetupSymbol(ctx, dyn.Params().Leverage()); err != nil {
		log.Fatal("Failed to set up symbol", zap.Error(err))
	}

	// 6. Init Service
	svc := usecase.NewGridService(adapter, stateStore, trades, dyn, log,
		cfg.Exchange.QuoteAsset, cfg.Capital.Fraction)

	if err := svc.Initialize(ctx); err != nil {
		log.Fatal("Failed to initialize session", zap.Error(err))
	}

	// 7. Tick Pipeline
	// The callback fires on the websocket goroutine; a single consumer
	// drains the channel so transitions never run concurrently with each
	// other. A full channel drops the tick, the next one supersedes it.
	// Cancellation stops intake only; a transition already in flight keeps
	// its exchange calls alive so fills are placed and persisted before exit.
	ticks := make(chan float64, 1024)
	adapter.OnPriceUpdate(func(price float64) {
		select {
		case ticks <- price:
		default:
		}
	})

	opCtx := context.WithoutCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case price := <-ticks:
				svc.OnTick(opCtx, price)
			}
		}
	}()

	if err := adapter.ConnectWS(); err != nil {
		log.Fatal("Failed to connect websocket", zap.Error(err))
	}
	defer adapter.CloseWS()

	// 8. Reconcile Loop
	reconciler := usecase.NewReconciler(svc, time.Duration(cfg.Intervals.ReconcileSec)*time.Second, log)
	wg.Add(1)
	go func() {
		defer wg.Done()
		reconciler.Run(ctx)
	}()

	// 9. Params Reload Loop
	go func() {
		ticker := time.NewTicker(time.Duration(cfg.Intervals.ConfigReloadSec) * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				changed, err := dyn.Reload()
				if err != nil {
					log.Error("Failed to reload strategy params", zap.Error(err))
					continue
				}
				if changed {
					log.Info("strategy params reloaded")
				}
			}
		}
	}()

	// 10. Web Server
	srv := web.NewServer(cfg.Server.Port, svc, trades, log)
	go func() {
		if err := srv.Start(); err != nil {
			log.Error("Web server failed", zap.Error(err))
		}
	}()

	// 11. Wait for Shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info("shutting down")
	adapter.CloseWS()
	cancel()
	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Web server shutdown failed", zap.Error(err))
	}
}
