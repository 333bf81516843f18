// Package main implements coind, the coin abstraction service of the pool.
// It keeps a fresh block template for every configured coin port and owns
// the share verification dispatcher.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bardlex/coinpool/internal/alert"
	"github.com/bardlex/coinpool/internal/coins"
	"github.com/bardlex/coinpool/internal/config"
	"github.com/bardlex/coinpool/internal/daemon"
	"github.com/bardlex/coinpool/internal/database"
	"github.com/bardlex/coinpool/internal/database/influx"
	"github.com/bardlex/coinpool/internal/database/postgres"
	"github.com/bardlex/coinpool/internal/database/redis"
	"github.com/bardlex/coinpool/internal/messaging"
	"github.com/bardlex/coinpool/internal/pool"
	"github.com/bardlex/coinpool/internal/verify"
	"github.com/bardlex/coinpool/pkg/log"
)

// cacheMaxAge bounds how long cached rewards are kept in SQLite.
const cacheMaxAge = 30 * 24 * time.Hour

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting coind",
		"version", cfg.Version,
		"daemon_host", cfg.DaemonHost,
		"verifiers", len(cfg.VerifierEndpoints),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Error("coind failed")
		os.Exit(1)
	}
	logger.Info("coind stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *log.Logger) error {
	registry, err := loadRegistry(cfg)
	if err != nil {
		return err
	}

	store, err := database.NewManager(databaseConfig(cfg), logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.WithError(err).Warn("failed to close databases")
		}
	}()
	store.StartPeriodicTasks(ctx, cacheMaxAge)

	var kafka *messaging.KafkaClient
	if len(cfg.KafkaBrokers) > 0 {
		kafka = messaging.NewKafkaClient(cfg.KafkaBrokers, logger)
		defer func() { _ = kafka.Close() }()
	}
	alerts, err := buildAlerts(cfg, logger, kafka)
	if err != nil {
		return err
	}

	daemonCfg, err := daemonConfig(cfg, registry)
	if err != nil {
		return err
	}
	btc := daemon.NewBitcoinClient(daemonCfg, logger)
	defer btc.Close()
	rpc := daemon.NewClient(daemonCfg, logger)

	opts := pool.Options{
		Registry: registry,
		RPC:      rpc,
		Bitcoin:  btc,
		Breakers: []pool.BreakerReporter{rpc, btc},
		PoolID:   cfg.PoolID,
		PoolTag:  cfg.PoolTag,
		Wallets:  cfg.WalletAddresses,
		Verify: verify.Options{
			Endpoints:           cfg.VerifierEndpoints,
			Timeout:             cfg.VerifierTimeout,
			MaxInFlight:         cfg.VerifierMaxInFlight,
			SweepInterval:       cfg.SweepInterval,
			BacklogThreshold:    cfg.BacklogThreshold,
			MinerShareThreshold: cfg.MinerShareThreshold,
			AlertRecipient:      cfg.AlertRecipient,
			Metrics:             store,
			Abuse:               store,
		},
		TemplateRefresh: cfg.TemplateRefresh,
		ZMQEndpoints:    cfg.ZMQEndpoints,
		Alerts:          alerts,
		Store:           store,
		Logger:          logger,
	}
	if kv := store.Cache(); kv != nil {
		opts.Cache = kv
	}
	if kafka != nil {
		opts.Events = kafka
	}

	pc, err := pool.New(opts)
	if err != nil {
		return err
	}
	if err := pc.Start(ctx); err != nil {
		return err
	}
	logger.Info("coind ready", "coins", registry.CoinsOf(), "algorithms", registry.Algorithms())

	<-ctx.Done()
	logger.Info("shutdown signal received")
	return pc.Close()
}

// loadRegistry reads COINS_FILE, or falls back to the built-in coin table.
func loadRegistry(cfg *config.Config) (*coins.Registry, error) {
	if cfg.CoinsFile == "" {
		return coins.Default(), nil
	}
	return coins.LoadFile(cfg.CoinsFile)
}

// daemonConfig builds the daemon client settings. Bitcoin dialect coins need
// RPC credentials, so their absence is a startup error.
func daemonConfig(cfg *config.Config, registry *coins.Registry) (daemon.Config, error) {
	dc := daemon.Config{
		Host:     cfg.DaemonHost,
		User:     cfg.DaemonRPCUser,
		Password: cfg.DaemonRPCPassword,
		Timeout:  cfg.RPCTimeout,
	}
	for _, port := range registry.PortsOf() {
		format, _ := registry.PortToFormat(port)
		if f := format.Family(); f != coins.FamilyRaven && f != coins.FamilyRaptoreum {
			continue
		}
		if err := dc.CheckCredentials(); err != nil {
			return daemon.Config{}, fmt.Errorf("port %d: set DAEMON_RPC_USER and DAEMON_RPC_PASSWORD: %w", port, err)
		}
		break
	}
	return dc, nil
}

func databaseConfig(cfg *config.Config) *database.Config {
	dc := &database.Config{
		CacheBackend: cfg.CacheBackend,
		SQLitePath:   cfg.SQLitePath,
	}
	if cfg.CacheBackend == database.CacheRedis {
		dc.Redis = &redis.Config{
			Addr:         cfg.RedisAddr,
			PoolSize:     10,
			MinIdleConns: 2,
			MaxRetries:   3,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
			Prefix:       "coinpool:",
		}
	}
	if cfg.PostgresURL != "" {
		dc.Postgres = &postgres.Config{
			URL:          cfg.PostgresURL,
			MaxOpenConns: 10,
			MaxIdleConns: 2,
			MaxLifetime:  30 * time.Minute,
		}
	}
	if cfg.InfluxURL != "" {
		dc.Influx = &influx.Config{
			URL:    cfg.InfluxURL,
			Token:  cfg.InfluxToken,
			Org:    cfg.InfluxOrg,
			Bucket: cfg.InfluxBucket,
		}
	}
	return dc
}

// buildAlerts always logs alerts and fans them out to Kafka and Discord when
// configured.
func buildAlerts(cfg *config.Config, logger *log.Logger, kafka *messaging.KafkaClient) (alert.Multi, error) {
	sinks := alert.Multi{alert.NewLogSender(logger, cfg.AlertRecipient)}
	if kafka != nil {
		sinks = append(sinks, alert.NewKafkaSender(kafka, cfg.KafkaAlertTopic))
	}
	if cfg.DiscordWebhookID != "" {
		d, err := alert.NewDiscordSender(nil, cfg.DiscordWebhookID, cfg.DiscordWebhookToken)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, d)
	}
	return sinks, nil
}
