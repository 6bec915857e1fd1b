package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/qaexchange/qax-core/pkg/catalog"
	"github.com/qaexchange/qax-core/pkg/config"
	"github.com/qaexchange/qax-core/pkg/conversion"
	"github.com/qaexchange/qax-core/pkg/instrument"
	"github.com/qaexchange/qax-core/pkg/log"
	"github.com/qaexchange/qax-core/pkg/walog"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "qaxctl",
	Short:   "qaxctl inspects and operates a qaxcored storage directory",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("qaxctl version %s\nCommit: %s\n", Version, Commit))
	rootCmd.PersistentFlags().String("log-level", "warn", "Log level (debug, info, warn, error)")
	cobra.OnInitialize(initLogging)

	walInspectCmd.Flags().Int("limit", 0, "Stop after printing this many entries (0 = unlimited)")
	walCmd.AddCommand(walInspectCmd)
	rootCmd.AddCommand(walCmd)

	catalogLsCmd.Flags().String("catalog-path", "", "Path to the catalog database (required)")
	catalogLsCmd.MarkFlagRequired("catalog-path")
	catalogCmd.AddCommand(catalogLsCmd)
	rootCmd.AddCommand(catalogCmd)

	convertRunCmd.Flags().String("config", "", "Path to YAML config file (defaults baked in if omitted)")
	convertCmd.AddCommand(convertRunCmd)
	rootCmd.AddCommand(convertCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	log.Init(log.Config{Level: log.Level(logLevel)})
}

var walCmd = &cobra.Command{
	Use:   "wal",
	Short: "Inspect write-ahead log segments",
}

var walInspectCmd = &cobra.Command{
	Use:   "inspect <dir>",
	Short: "Replay a WAL directory and print each entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		entries, err := walog.ReplayDir(args[0])
		if err != nil {
			return fmt.Errorf("replay %s: %w", args[0], err)
		}

		for i, e := range entries {
			if limit > 0 && i >= limit {
				fmt.Printf("... %d more entries omitted\n", len(entries)-limit)
				break
			}
			fmt.Printf("seq=%d ts=%d tag=%s\n", e.Sequence, e.TimestampNanos, e.Record.Tag())
		}
		fmt.Printf("%d entries total\n", len(entries))
		return nil
	},
}

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Query the instrument and conversion catalog",
}

var catalogLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List known instruments and their conversion history",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("catalog-path")

		cat, err := catalog.Open(path)
		if err != nil {
			return fmt.Errorf("open catalog: %w", err)
		}
		defer cat.Close()

		instruments, err := cat.ListInstruments()
		if err != nil {
			return fmt.Errorf("list instruments: %w", err)
		}
		fmt.Printf("instruments (%d):\n", len(instruments))
		for _, inst := range instruments {
			fmt.Printf("  %-16s registered_at=%d\n", inst.ID, inst.CreatedAtUnix)

			conversions, err := cat.ListConversionsByInstrument(inst.ID)
			if err != nil {
				return fmt.Errorf("list conversions for %s: %w", inst.ID, err)
			}
			for _, c := range conversions {
				fmt.Printf("    conversion id=%d status=%-10s entries=%-8d olap_file=%s\n",
					c.ID, c.Status, c.EntryCount, c.OLAPFile)
			}
		}
		return nil
	},
}

var convertCmd = &cobra.Command{
	Use:   "convert",
	Short: "Drive the OLTP-to-OLAP conversion pipeline manually",
}

var convertRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a single scan-and-convert pass and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")

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

		instruments := instrument.New(cfg.Storage.ToInstrumentConfig(log.WithComponent("instrument.Manager")))
		defer instruments.Close()

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

		before := meta.Stats()
		sched.RunOnce()
		pool.DrainOnce()
		after := meta.Stats()

		fmt.Printf("converted: %d succeeded, %d failed (pending %d, converting %d)\n",
			after.Success-before.Success, after.Failed-before.Failed, after.Pending, after.Converting)
		return nil
	},
}
