package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"tradepulse/config"
	"tradepulse/internal/bridge"
	"tradepulse/internal/exchange"
	"tradepulse/internal/hub"
	"tradepulse/internal/metrics"
	"tradepulse/logger"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Tradepulse.Name,
		"version": cfg.Tradepulse.Version,
	}).Info("starting tradepulse")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	if cfg.Metrics.CloudWatch {
		logger.InitCloudWatch(cfg.Metrics.Region, cfg.Metrics.Namespace, cfg.Logging.DashboardName)
	}
	metrics.Init()

	verifier := hub.NewJWTVerifier(cfg.Hub.AuthSecret)
	audit := hub.NewLogAuditRecorder(log)

	h := hub.New(cfg.Hub, verifier, audit, log)
	h.Start(ctx)

	server := hub.NewServer(cfg.Hub.Address, h, log)

	var link *exchange.Link
	if cfg.Exchange.Bybit.Enabled {
		relay := bridge.New(h, "bybit", log)

		link = exchange.NewLink(exchange.LinkConfig{
			Endpoint:             cfg.BybitEndpoint(),
			Exchange:             "bybit",
			ConnectTimeout:       cfg.Exchange.Bybit.ConnectTimeout.Value(),
			HeartbeatInterval:    cfg.Exchange.Bybit.HeartbeatInterval.Value(),
			ReconnectBaseDelay:   cfg.Exchange.Bybit.ReconnectBaseDelay.Value(),
			MaxReconnectAttempts: cfg.Exchange.Bybit.MaxReconnectAttempts,
			ReplayPerSecond:      cfg.Exchange.Bybit.ReplayPerSecond,
		}, log)
		link.AddListener(relay)

		if err := link.Connect(ctx); err != nil {
			log.WithError(err).Warn("initial exchange connection failed, reconnecting in background")
		}

		for _, symbol := range cfg.Exchange.Bybit.Symbols {
			if err := link.SubscribeTicker(symbol); err != nil {
				log.WithError(err).WithFields(logger.Fields{"symbol": symbol}).Warn("ticker subscription failed")
			}
			if err := link.SubscribeTrades(symbol); err != nil {
				log.WithError(err).WithFields(logger.Fields{"symbol": symbol}).Warn("trade subscription failed")
			}
			if err := link.SubscribeOrderbook(symbol, 50); err != nil {
				log.WithError(err).WithFields(logger.Fields{"symbol": symbol}).Warn("orderbook subscription failed")
			}
		}
	} else {
		log.WithComponent("main").Info("bybit feed disabled; hub only")
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			log.WithError(err).Error("hub server failed")
		}
	}

	log.Info("starting graceful shutdown")
	cancel()

	if link != nil {
		log.Info("stopping exchange link")
		link.Disconnect()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("hub server shutdown failed")
	}

	log.Info("tradepulse stopped")
}
