package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/qaexchange/qax-core/pkg/accountstate"
	"github.com/qaexchange/qax-core/pkg/catalog"
	"github.com/qaexchange/qax-core/pkg/config"
	"github.com/qaexchange/qax-core/pkg/conversion"
	"github.com/qaexchange/qax-core/pkg/instrument"
	"github.com/qaexchange/qax-core/pkg/log"
	"github.com/qaexchange/qax-core/pkg/metrics"
	"github.com/qaexchange/qax-core/pkg/notify"
	"github.com/qaexchange/qax-core/pkg/query"
	"github.com/qaexchange/qax-core/pkg/recovery"
	"github.com/qaexchange/qax-core/pkg/subscriber"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "qaxcored",
	Short:   "qaxcored runs the hybrid storage engine and notification broker",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("qaxcored version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	startCmd.Flags().String("config", "", "Path to YAML config file (defaults baked in if omitted)")
	startCmd.Flags().String("http-addr", "127.0.0.1:9090", "Address to serve /metrics, /health, /ready, /live")
	startCmd.Flags().String("catalog-path", "", "Path to the catalog database (defaults to <storage.base_path>/catalog.db)")
	startCmd.Flags().String("accounts-path", "", "Path to the account state database (defaults to <storage.base_path>/accounts.db)")
	rootCmd.AddCommand(startCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the storage engine, conversion pipeline and notification broker",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		httpAddr, _ := cmd.Flags().GetString("http-addr")
		catalogPath, _ := cmd.Flags().GetString("catalog-path")
		accountsPath, _ := cmd.Flags().GetString("accounts-path")

		var cfg config.Config
		if configPath != "" {
			loaded, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cfg = *loaded
		} else {
			cfg = config.Default()
		}

		if catalogPath == "" {
			catalogPath = filepath.Join(cfg.Storage.BasePath, "catalog.db")
		}
		if accountsPath == "" {
			accountsPath = filepath.Join(cfg.Storage.BasePath, "accounts.db")
		}

		if err := os.MkdirAll(cfg.Storage.BasePath, 0o755); err != nil {
			return fmt.Errorf("create storage base path: %w", err)
		}

		log.Info(fmt.Sprintf("starting qaxcored: storage=%s http=%s", cfg.Storage.BasePath, httpAddr))

		metrics.SetVersion(Version)
		metrics.RegisterComponent("storage", false, "initializing")
		metrics.RegisterComponent("conversion", false, "initializing")
		metrics.RegisterComponent("notify", false, "initializing")

		instruments := instrument.New(cfg.Storage.ToInstrumentConfig(log.WithComponent("instrument.Manager")))
		defer instruments.Close()

		accounts, err := accountstate.Open(accountsPath)
		if err != nil {
			return fmt.Errorf("open account state: %w", err)
		}
		defer accounts.Close()

		cat, err := catalog.Open(catalogPath)
		if err != nil {
			return fmt.Errorf("open catalog: %w", err)
		}
		defer cat.Close()

		recoverer := recovery.New(instruments, accounts, accounts, log.WithComponent("recovery.Manager"))
		stats, err := recoverer.Recover()
		if err != nil {
			return fmt.Errorf("recover account shard: %w", err)
		}
		log.Info(fmt.Sprintf("recovery complete: %d entries replayed, %d errors", stats.EntriesReplayed, len(stats.Errors)))

		now := time.Now().Unix()
		for _, id := range instruments.ActiveInstruments() {
			if err := cat.RegisterInstrument(id, now); err != nil {
				log.WithInstrumentID(id).Error().Err(err).Msg("failed to register instrument in catalog")
			}
		}

		metrics.RegisterComponent("storage", true, "recovered")

		broker := notify.NewBroker(log.WithComponent("notify.Broker"))
		broker.Start()
		defer broker.Stop()

		router := query.New(instruments, log.WithComponent("query.Router"))

		sub := subscriber.New(broker, instruments, cfg.Subscriber.ToSubscriberConfig(), log.WithComponent("subscriber.Subscriber"))
		sub.SetStreamSink(router)
		sub.Start()
		defer sub.Stop()

		metrics.RegisterComponent("notify", true, "ready")

		if cfg.Storage.EnableOLAPConversion {
			metadataPath := filepath.Join(cfg.Storage.BasePath, "conversion-metadata.json")
			meta, err := conversion.LoadMetadata(metadataPath)
			if err != nil {
				return fmt.Errorf("load conversion metadata: %w", err)
			}

			schedCfg := cfg.Scheduler.ToConversionConfig(cfg.Storage.BasePath, metadataPath)
			sched := conversion.New(schedCfg, instruments, meta, log.WithComponent("conversion.Scheduler"))

			workerCfg, err := cfg.Worker.ToWorkerConfig()
			if err != nil {
				return fmt.Errorf("build worker config: %w", err)
			}
			pool := conversion.NewWorkerPool(workerCfg, instruments, meta, sched.Tasks(), log.WithComponent("conversion.WorkerPool"))
			pool.SetOnRecordDone(func(rec *conversion.Record) {
				if err := cat.IndexConversionRecord(rec); err != nil {
					log.Error(fmt.Sprintf("indexing conversion record %d in catalog: %v", rec.ID, err))
				}
			})

			sched.Start()
			pool.Start()
			defer sched.Stop()

			metrics.RegisterComponent("conversion", true, "running")
		} else {
			metrics.RegisterComponent("conversion", true, "disabled")
		}

		collector := metrics.NewCollector(instruments, broker, nil)
		collector.Start()
		defer collector.Stop()

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.Handle("/health", metrics.HealthHandler())
		mux.Handle("/ready", metrics.ReadyHandler())
		mux.Handle("/live", metrics.LivenessHandler())

		errCh := make(chan error, 1)
		srv := &http.Server{Addr: httpAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("http server: %w", err)
			}
		}()
		log.Info(fmt.Sprintf("http endpoints ready: http://%s/{metrics,health,ready,live}", httpAddr))

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			log.Info("shutting down")
		case err := <-errCh:
			log.Errorf("fatal: %v", err)
		}

		if err := srv.Close(); err != nil {
			log.Errorf("closing http server: %v", err)
		}

		return nil
	},
}
