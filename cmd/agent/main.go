package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vitos/trading_agent/internal/infrastructure/exchange"
	"github.com/vitos/trading_agent/internal/infrastructure/logger"
	"github.com/vitos/trading_agent/internal/infrastructure/storage"
	"github.com/vitos/trading_agent/internal/usecase"
	"github.com/vitos/trading_agent/internal/web"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Exchange struct {
		APIKey       string `yaml:"api_key"`
		APISecret    string `yaml:"api_secret"`
		RESTEndpoint string `yaml:"rest_endpoint"`
		WSEndpoint   string `yaml:"ws_endpoint"`
	} `yaml:"exchange"`
	Trading struct {
		HoldAsset               string  `yaml:"hold_asset"`
		TradeAsset              string  `yaml:"trade_asset"`
		HoldAssetToTradePercent float64 `yaml:"hold_asset_to_trade_percent"`
		InitialStopThreshold    float64 `yaml:"initial_stop_threshold"`

		Pricing usecase.PricingConfig `yaml:"pricing"`
	} `yaml:"trading"`
	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`
	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
	Server struct {
		Port          int    `yaml:"port"`
		WebhookSecret string `yaml:"webhook_secret"`
	} `yaml:"server"`
}

func loadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	flag.Parse()

	// 1. Load Config
	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 2. Init Logger
	log, err := logger.NewLogger(cfg.Logging.Level)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// 3. Init Storage
	dbPath := cfg.Database.Path
	if dbPath == "" {
		dbPath = "agent.db"
	}
	store, err := storage.NewSQLiteStore(dbPath)
	if err != nil {
		log.Fatal("Failed to init sqlite", zap.Error(err))
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := store.EnsureRiskControl(ctx, cfg.Trading.HoldAsset, cfg.Trading.InitialStopThreshold); err != nil {
		log.Fatal("Failed to init risk control", zap.Error(err))
	}

	// 4. Init Exchange
	adapter := exchange.NewBinanceAdapter(
		cfg.Exchange.APIKey,
		cfg.Exchange.APISecret,
		cfg.Exchange.RESTEndpoint,
		cfg.Exchange.WSEndpoint,
	)

	// 5. Init Services
	tradeCfg := usecase.TradeConfig{
		HoldAsset:               cfg.Trading.HoldAsset,
		TradeAsset:              cfg.Trading.TradeAsset,
		HoldAssetToTradePercent: cfg.Trading.HoldAssetToTradePercent,
		Pricing:                 cfg.Trading.Pricing,
	}
	tradeService := usecase.NewTradeService(tradeCfg, store, store, adapter, adapter, log)
	intakeWorker := usecase.NewIntakeWorker(tradeService, log, 0)
	recoveryWorker := usecase.NewRecoveryWorker(usecase.RecoveryConfig{}, store, adapter, tradeService, log)
	signalGate := usecase.NewTriggerSignal()

	// 6. Init Web Server
	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	server := web.NewServer(port, cfg.Server.WebhookSecret, cfg.Trading.HoldAsset, store, store, intakeWorker, signalGate, log)

	// 7. Run everything; the first failure tears the group down.
	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error { return intakeWorker.Run(groupCtx) })
	group.Go(func() error { return recoveryWorker.Run(groupCtx) })
	group.Go(func() error { return server.Start() })
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil && err != context.Canceled {
		log.Fatal("Agent stopped", zap.Error(err))
	}
	log.Info("Shutting down...")
}
