// Command evmcacheproxy is the CLI entrypoint: cobra flag/config plumbing
// in the teacher's cmd/app/main.go shape, wiring every collaborator package
// into a running server and handling graceful shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/clems4ever/evmcacheproxy/internal/cachemgr"
	"github.com/clems4ever/evmcacheproxy/internal/cleanup"
	"github.com/clems4ever/evmcacheproxy/internal/clock"
	"github.com/clems4ever/evmcacheproxy/internal/coalesce"
	"github.com/clems4ever/evmcacheproxy/internal/config"
	"github.com/clems4ever/evmcacheproxy/internal/dispatch"
	"github.com/clems4ever/evmcacheproxy/internal/exporter"
	"github.com/clems4ever/evmcacheproxy/internal/kvstore"
	"github.com/clems4ever/evmcacheproxy/internal/lrucache"
	"github.com/clems4ever/evmcacheproxy/internal/netrouter"
	"github.com/clems4ever/evmcacheproxy/internal/policy"
	"github.com/clems4ever/evmcacheproxy/internal/server"
	"github.com/clems4ever/evmcacheproxy/internal/upstream"
)

func main() {
	var cfgFile string

	rootCmd := &cobra.Command{
		Use:   "evmcacheproxy",
		Short: "Caching, failover-aware JSON-RPC proxy for EVM nodes",
		RunE:  run,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is $HOME/.evmcacheproxy.yaml)")

	cobra.OnInitialize(func() {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, err := os.UserHomeDir()
			if err != nil {
				log.Fatal(err)
			}
			viper.AddConfigPath(home)
			viper.SetConfigType("yaml")
			viper.SetConfigName(".evmcacheproxy")
		}

		viper.AutomaticEnv()

		if err := viper.ReadInConfig(); err == nil {
			log.Println("Using config file:", viper.ConfigFileUsed())
		}
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	var cfg config.Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("unable to decode into struct: %w", err)
	}
	if cfg.Port == "" {
		cfg.Port = "8080"
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync()

	networks, err := cfg.BuildNetworkSpecs()
	if err != nil {
		return fmt.Errorf("invalid network configuration: %w", err)
	}

	maxAge, err := cfg.GetCacheMaxAge()
	if err != nil {
		return fmt.Errorf("invalid cache.max_age: %w", err)
	}
	maxSizeBytes, err := cfg.GetMaxCacheSizeBytes()
	if err != nil {
		return fmt.Errorf("invalid cache.max_size: %w", err)
	}

	var kv *kvstore.Store
	if cfg.Cache.EnableDB {
		kv, err = kvstore.Open(cfg.Cache.DBFile)
		if err != nil {
			return fmt.Errorf("failed to open persistent cache: %w", err)
		}
		defer kv.Close()
	}

	memory := lrucache.New(cfg.Cache.MemoryCapacity)
	clk := clock.NewSystem()
	cache := cachemgr.New(logger, clk, memory, kv, maxAge)
	cache.StartSweeper()
	defer cache.Close()

	coalescer := coalesce.New()
	client := upstream.NewClient(0)
	dispatcher := dispatch.New(logger, cache, coalescer, client, policy.DefaultConfig(), dispatch.DefaultQueueCapacity)
	router := netrouter.New(networks, cfg.DefaultNetwork)

	var cleanupManager *cleanup.Manager
	if kv != nil && maxSizeBytes > 0 {
		cleanupManager = cleanup.NewManager(logger, kv, maxSizeBytes, cfg.Cache.CleanupSlackRatio)
		cache.SetCleanupNotifier(cleanupManager)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if kv != nil {
		exp := exporter.New(logger, kv, 30*time.Second)
		go exp.Start(ctx)
	}

	srv := server.New(logger, ":"+cfg.Port, router, dispatcher, cache, client, cleanupManager, cfg.AuthToken)

	go func() {
		logger.Info("starting server", zap.String("port", cfg.Port))
		if err := srv.Start(); err != nil {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server exited")
	return nil
}
