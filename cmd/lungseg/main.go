package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"lungseg/pkg/config"
	"lungseg/pkg/pipeline"
	"lungseg/pkg/rawio"
	"lungseg/pkg/segmentation"
)

func main() {
	// Parse command line arguments
	datasetPath := flag.String("dataset", "dataset/train", "Root directory with one sub-directory per subject")
	configPath := flag.String("config", "lungseg.yaml", "YAML configuration file (defaults are used if missing)")
	modeName := flag.String("mode", "segment", "segment (lung masks) or preprocess (normalized, denoised, enhanced volumes)")
	outputDir := flag.String("output", "", "Directory for the masks (default: next to each input)")
	writeConfig := flag.String("write-config", "", "Write the default configuration to this path and exit")
	workers := flag.Int("workers", 0, "Override the number of per-slice workers")
	verbose := flag.Bool("v", false, "Debug logging")
	flag.Parse()

	if *writeConfig != "" {
		if err := config.CreateDefaultConfigFile(*writeConfig); err != nil {
			logrus.Fatalf("Failed to write config: %v", err)
		}
		fmt.Printf("Default configuration written to %s\n", *writeConfig)
		return
	}

	mode, err := pipeline.ParseMode(*modeName)
	if err != nil {
		logrus.Fatalf("Invalid mode: %v", err)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	if *workers > 0 {
		cfg.Segmentation.Workers = *workers
	}

	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	if cfg.Logging.JSON {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		logger.Fatalf("Invalid logging level %q: %v", cfg.Logging.Level, err)
	}
	if *verbose {
		level = logrus.DebugLevel
	}
	logger.SetLevel(level)
	segmentation.SetLogger(logger)

	geometry, descPath, err := rawio.FindGeometry(*datasetPath)
	if err != nil {
		logger.Fatalf("Failed to read dataset description: %v", err)
	}
	if descPath != "" {
		logger.WithFields(logrus.Fields{
			"description": descPath,
			"subjects":    len(geometry),
		}).Info("using dataset description for volume geometry")
	}

	jobs, err := pipeline.Discover(*datasetPath)
	if err != nil {
		logger.Fatalf("Failed to read dataset: %v", err)
	}
	if len(jobs) == 0 {
		logger.WithField("dataset", *datasetPath).Warn("no exhale or inhale volumes found")
		os.Exit(1)
	}
	logger.WithFields(logrus.Fields{
		"dataset": *datasetPath,
		"volumes": len(jobs),
		"mode":    mode.String(),
	}).Info("starting batch")

	runner := pipeline.NewRunner(cfg, logger)
	runner.Mode = mode
	runner.OutputDir = *outputDir
	runner.Geometry = geometry

	startTime := time.Now()
	_, summary := runner.Run(jobs)

	logger.WithFields(logrus.Fields{
		"succeeded":     summary.Succeeded,
		"failed":        summary.Failed,
		"mean_fraction": summary.MeanFraction,
		"std_fraction":  summary.StdFraction,
		"elapsed":       time.Since(startTime).Round(time.Millisecond),
	}).Info("batch complete")

	if summary.Failed > 0 {
		os.Exit(1)
	}
}
