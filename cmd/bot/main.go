package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/rmehra/optionflow/internal/broker"
	"github.com/rmehra/optionflow/internal/bus"
	"github.com/rmehra/optionflow/internal/config"
	"github.com/rmehra/optionflow/internal/dashboard"
	"github.com/rmehra/optionflow/internal/executor"
	"github.com/rmehra/optionflow/internal/greeks"
	"github.com/rmehra/optionflow/internal/positions"
	"github.com/rmehra/optionflow/internal/selector"
	"github.com/rmehra/optionflow/internal/signals"
	"github.com/rmehra/optionflow/internal/storage"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.Parse()

	// .env is optional; real deployments use the environment directly.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("Warning: could not load .env: %v", err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := log.New(os.Stdout, "[BOT] ", log.LstdFlags)
	logger.Printf("Starting optionflow in %s mode", cfg.Environment.Mode)
	if cfg.Environment.Mode == broker.ModeLive {
		logger.Println("LIVE TRADING MODE - real money at risk, waiting 10s to confirm")
		time.Sleep(10 * time.Second)
	}

	if err := run(cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatalf("Engine stopped with error: %v", err)
	}
	logger.Println("Shutdown complete")
}

func run(cfg *config.Config, logger *log.Logger) error {
	store, err := storage.NewStorage(cfg.Storage.Path)
	if err != nil {
		return err
	}

	brk, err := buildBroker(cfg)
	if err != nil {
		return err
	}

	router, err := broker.NewOrderRouter(cfg.Environment.Mode, brk,
		log.New(os.Stdout, "[ORDERS] ", log.LstdFlags))
	if err != nil {
		return err
	}

	eventBus := bus.New(log.New(os.Stdout, "[BUS] ", log.LstdFlags))

	sigMgr := signals.NewManager(eventBus, store, cfg.Storage.SignalFallbackPath,
		log.New(os.Stdout, "[SIGNALS] ", log.LstdFlags))
	if err := sigMgr.Register(); err != nil {
		return err
	}

	posMgr := positions.NewManager(cfg.PositionsConfig(), eventBus, brk, router,
		store, log.New(os.Stdout, "[POSITIONS] ", log.LstdFlags))

	sel := selector.New(cfg.Strikes, brk, log.New(os.Stdout, "[SELECTOR] ", log.LstdFlags))
	calc := greeks.NewCalculator(cfg.Pricing.RiskFreeRate)

	exec := executor.New(cfg.Trading, eventBus, posMgr, sel, calc, router,
		log.New(os.Stdout, "[EXECUTOR] ", log.LstdFlags))
	if err := exec.Register(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eventBus.Start(ctx)
	defer eventBus.Stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return posMgr.StartMonitoring(gctx)
	})

	if cfg.Dashboard.Enabled {
		webLogger := logrus.New()
		srv := dashboard.NewServer(dashboard.Config{
			Addr:      cfg.Dashboard.Addr,
			AuthToken: cfg.Dashboard.AuthToken,
		}, store, posMgr, eventBus, webLogger)
		g.Go(func() error {
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	logger.Println("Engine running; Ctrl-C to stop")
	return g.Wait()
}

// buildBroker constructs the quote/order client for the configured
// provider, wrapped in a circuit breaker.
func buildBroker(cfg *config.Config) (broker.Broker, error) {
	switch cfg.Broker.Provider {
	case "sim", "":
		return broker.NewCircuitBreakerBroker(
			broker.NewSimBroker(cfg.Broker.LotSizes, cfg.Broker.StrikeStep)), nil
	default:
		return nil, errors.New("unsupported broker provider: " + cfg.Broker.Provider)
	}
}
