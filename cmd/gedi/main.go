// Package main implements the gedi batch binary. It generates schema
// artifacts, converts a directory of granules, records and publishes the
// outputs, and joins granules that share an orbit, as selected by --mode.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gedi-geoparquet/gedi-geoparquet/internal/app"
	"github.com/gedi-geoparquet/gedi-geoparquet/internal/config"
	"github.com/gedi-geoparquet/gedi-geoparquet/internal/h5"
	"github.com/gedi-geoparquet/gedi-geoparquet/internal/h5/hdf5file"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		configFile  string
		dataDir     string
		mode        string
		workers     int
		reconcile   bool
		repair      bool
		showVersion bool
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&dataDir, "data-dir", "", "Base directory for all data files")
	flag.StringVar(&mode, "mode", "", "Stages to run: all, schema, convert, join")
	flag.IntVar(&workers, "workers", 0, "Granules converted concurrently")
	flag.BoolVar(&reconcile, "reconcile", false, "Compare published outputs with storage and exit")
	flag.BoolVar(&repair, "repair", false, "With -reconcile, unpublish outputs missing from storage and delete orphaned objects")
	flag.BoolVar(&showVersion, "version", false, "Show version information")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "gedi - GEDI granule to GeoParquet pipeline\n\n")
		fmt.Fprintf(os.Stderr, "Usage: gedi [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  gedi --data-dir /data/gedi\n")
		fmt.Fprintf(os.Stderr, "  gedi --mode convert --config /etc/gedi/config.yaml\n")
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  GEDI_MODE           Stages to run (all, schema, convert, join)\n")
		fmt.Fprintf(os.Stderr, "  GEDI_DATA_DIR       Base directory for data files\n")
		fmt.Fprintf(os.Stderr, "  GEDI_STORAGE_TYPE   Publish target (none, local, s3)\n")
	}
	flag.Parse()

	if showVersion {
		fmt.Printf("gedi version %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	cfg, err := loadConfig(configFile, dataDir, mode, workers)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, openGranule)
	if err != nil {
		log.Fatalf("Failed to create application: %v", err)
	}
	defer application.Close()

	printBanner(cfg)

	if reconcile {
		report, err := application.Reconcile(ctx, repair)
		if err != nil {
			log.Fatalf("Reconciliation failed: %v", err)
		}
		for _, d := range report.DanglingEntries {
			log.Printf("dangling: %s -> %s", d.OutputPath, d.ObjectKey)
		}
		for _, o := range report.OrphanedObjects {
			log.Printf("orphaned: %s", o)
		}
		if repair {
			log.Printf("Unpublished %d outputs and deleted %d orphaned objects", len(report.Repaired), len(report.Deleted))
		}
		log.Printf("Checked %d published outputs and %d objects", report.TotalManifestEntries, report.TotalStorageObjects)
		if report.HasIssues() && !repair {
			os.Exit(1)
		}
		return
	}

	report, err := application.Run(ctx)
	if err != nil {
		log.Printf("Run aborted: %v", err)
		os.Exit(1)
	}
	if err := report.Err(); err != nil {
		log.Printf("Run finished with errors: %v", err)
		os.Exit(1)
	}
}

func openGranule(name string) (h5.File, error) {
	f, err := hdf5file.Open(name)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// loadConfig loads configuration from file, environment, and command line flags.
func loadConfig(configFile, dataDir, mode string, workers int) (*config.Config, error) {
	var cfg *config.Config
	var err error

	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}

	config.LoadFromEnv(cfg)

	// Command line flags win.
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if mode != "" {
		cfg.Mode = config.Mode(mode)
	}
	if workers > 0 {
		cfg.Pipeline.Workers = workers
	}
	return cfg, nil
}

func printBanner(cfg *config.Config) {
	log.Printf("gedi %s", version)
	log.Printf("Configuration:")
	log.Printf("  Mode:     %s", cfg.Mode)
	log.Printf("  Data Dir: %s", cfg.DataDir)
	log.Printf("  Input:    %s", cfg.Convert.InputDir)
	log.Printf("  Writer:   %s level %d", cfg.Writer.Compression, cfg.Writer.Level)
	log.Printf("  Storage:  %s", cfg.Storage.Type)
	log.Printf("  Workers:  %d", cfg.Pipeline.Workers)
	if cfg.ShouldRunJoin() {
		log.Printf("  Join:     %v (%d partitions)", cfg.Join.Collections, cfg.Join.Partitions)
	}
}
