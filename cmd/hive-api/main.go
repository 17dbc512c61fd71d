package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/hive/internal/broker"
	"github.com/MarcoPoloResearchLab/hive/internal/config"
	"github.com/MarcoPoloResearchLab/hive/internal/database"
	"github.com/MarcoPoloResearchLab/hive/internal/delivery"
	"github.com/MarcoPoloResearchLab/hive/internal/dispatch"
	"github.com/MarcoPoloResearchLab/hive/internal/logging"
	"github.com/MarcoPoloResearchLab/hive/internal/longpoll"
	"github.com/MarcoPoloResearchLab/hive/internal/metrics"
	"github.com/MarcoPoloResearchLab/hive/internal/registry"
	"github.com/MarcoPoloResearchLab/hive/internal/server"
	"github.com/MarcoPoloResearchLab/hive/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "hive-api",
		Short: "Hive device message delivery service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("broker", defaults.GetString("broker.kind"), "Message broker (memory, redis, kafka)")
	cmd.PersistentFlags().String("redis-address", defaults.GetString("broker.redis.address"), "Redis address for the redis broker")
	cmd.PersistentFlags().StringSlice("kafka-brokers", nil, "Kafka bootstrap brokers for the kafka broker")
	cmd.PersistentFlags().Duration("max-wait-timeout", defaults.GetDuration("poll.max_wait_timeout"), "Upper bound for long-poll waits")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "broker.kind", "broker")
	bindFlag(cmd, "broker.redis.address", "redis-address")
	bindFlag(cmd, "broker.kafka.brokers", "kafka-brokers")
	bindFlag(cmd, "poll.max_wait_timeout", "max-wait-timeout")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	instruments := metrics.New(promRegistry)

	messageBroker, err := broker.New(signalCtx, brokerOptions(appConfig, logger))
	if err != nil {
		return err
	}
	defer func() {
		if err := messageBroker.Close(); err != nil {
			logger.Warn("broker close failed", zap.Error(err))
		}
	}()

	gateway, err := store.NewGateway(store.Config{Database: db, Clock: time.Now, Logger: logger})
	if err != nil {
		return err
	}

	subscriptions := registry.New(registry.Config{
		Shards:           appConfig.Registry.Shards,
		MaxWaitersPerKey: appConfig.Registry.MaxWaitersPerKey,
		RecentRetention:  appConfig.Registry.RecentRetention,
		Logger:           logger,
		Metrics:          instruments,
	})

	receipts := dispatch.NewReceipts()
	dispatcher, err := dispatch.New(dispatch.Config{
		Store:    gateway,
		Matcher:  subscriptions,
		Consumer: messageBroker,
		Receipts: receipts,
		Logger:   logger,
		Metrics:  instruments,
	})
	if err != nil {
		return err
	}

	coordinator, err := longpoll.New(longpoll.Config{
		Store:          gateway,
		Registry:       subscriptions,
		Clock:          time.Now,
		MaxWaitTimeout: appConfig.Poll.MaxWaitTimeout,
		Logger:         logger,
		Metrics:        instruments,
	})
	if err != nil {
		return err
	}

	deliveryService, err := delivery.NewService(delivery.ServiceConfig{
		Store:      gateway,
		Poller:     coordinator,
		Publisher:  messageBroker,
		IDProvider: delivery.NewUUIDProvider(),
		Clock:      time.Now,
		Logger:     logger,

		Receipts: receipts,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Delivery:           deliveryService,
		Logger:             logger,
		MetricsHandler:     promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}),
		HealthCheck:        sqlDB.PingContext,
		DefaultWaitTimeout: appConfig.Poll.DefaultWaitTimeout,
		MaxWaitTimeout:     appConfig.Poll.MaxWaitTimeout,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		return dispatcher.Run(groupCtx)
	})
	group.Go(func() error {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("broker", appConfig.Broker.Kind))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		released := subscriptions.Close(registry.ReasonCancelled)
		logger.Info("server stopping", zap.Int("released_waiters", released))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return group.Wait()
}

func brokerOptions(appConfig config.AppConfig, logger *zap.Logger) broker.Options {
	return broker.Options{
		Kind:   appConfig.Broker.Kind,
		Memory: broker.MemoryOptions{Logger: logger},
		Redis: broker.RedisOptions{
			Address:       appConfig.Broker.Redis.Address,
			Password:      appConfig.Broker.Redis.Password,
			DB:            appConfig.Broker.Redis.DB,
			Group:         appConfig.Broker.Redis.Group,
			Consumer:      appConfig.Broker.Redis.Consumer,
			ClaimInterval: appConfig.Broker.Redis.ClaimInterval,
			Logger:        logger,
		},
		Kafka: broker.KafkaOptions{
			Brokers: appConfig.Broker.Kafka.Brokers,
			GroupID: appConfig.Broker.Kafka.Group,
			Logger:  logger,
		},
	}
}
