// Package main runs one ingestion pipeline execution: capture a provider
// payload into the raw store, normalize and validate it, publish the
// canonical snapshot atomically, and register the dataset version.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/quantlab-io/datacore/internal/canonicalization"
	"github.com/quantlab-io/datacore/internal/config"
	"github.com/quantlab-io/datacore/internal/ingestion"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "ingester"
)

// fileAdapter serves a payload captured on local disk. The ingester runs
// from vendor drops; it never talks to provider networks itself.
type fileAdapter struct {
	path     string
	format   string
	source   ingestion.Source
	revision string
}

func (a *fileAdapter) Fetch(_ context.Context, request ingestion.FetchRequest) (ingestion.RawResponse, error) {
	payload, err := os.ReadFile(a.path)
	if err != nil {
		return ingestion.RawResponse{}, fmt.Errorf("read payload file: %w", err)
	}

	fingerprint, err := request.Fingerprint()
	if err != nil {
		return ingestion.RawResponse{}, err
	}

	return ingestion.RawResponse{
		Payload:            payload,
		PayloadFormat:      a.format,
		Source:             a.source,
		FetchedAt:          time.Now().UTC(),
		RequestFingerprint: fingerprint,
		StatusCode:         200,
		ProviderRevision:   a.revision,
	}, nil
}

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	jobFlag := flag.String("job", "", "path to the ingestion job YAML file")
	sequenceFlag := flag.Int("sequence", config.GetEnvInt("DATACORE_INGEST_SEQUENCE", 1),
		"run sequence number within the start second")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("DATACORE_LOG_LEVEL", slog.LevelInfo),
	}))

	jobPath := *jobFlag
	if jobPath == "" {
		jobPath = config.GetEnvStr("DATACORE_INGEST_JOB", "")
	}
	if jobPath == "" {
		logger.Error("No job file given", slog.String("hint", "pass -job or set DATACORE_INGEST_JOB"))
		os.Exit(1)
	}

	job, err := LoadJobConfig(jobPath)
	if err != nil {
		logger.Error("Failed to load job file", slog.String("error", err.Error()))
		os.Exit(1)
	}

	rawRoot := config.GetEnvStr("DATACORE_RAW_ROOT", "./data/raw")
	canonicalRoot := config.GetEnvStr("DATACORE_CANONICAL_ROOT", "./data/canonical")
	registryPath := config.GetEnvStr("DATACORE_REGISTRY_PATH", "./data/registry.jsonl")

	logger.Info("Starting ingestion run",
		slog.String("service", name),
		slog.String("version", version),
		slog.String("dataset_id", job.DatasetID),
		slog.String("dataset_version", job.DatasetVersion),
		slog.String("raw_root", rawRoot),
		slog.String("canonical_root", canonicalRoot),
		slog.String("registry_path", registryPath),
	)

	startedAt := time.Now().UTC()

	ingestRunID, err := canonicalization.GenerateIngestRunID(startedAt, *sequenceFlag)
	if err != nil {
		logger.Error("Failed to generate ingest run id", slog.String("error", err.Error()))
		os.Exit(1)
	}

	request, err := job.FetchRequest()
	if err != nil {
		logger.Error("Invalid request params", slog.String("error", err.Error()))
		os.Exit(1)
	}

	normalizer, err := ingestion.NormalizerFor(job.DatasetID)
	if err != nil {
		logger.Error("No normalizer for dataset", slog.String("error", err.Error()))
		os.Exit(1)
	}

	sessionRules, err := job.CalendarSessionRules()
	if err != nil {
		logger.Error("Invalid session rules", slog.String("error", err.Error()))
		os.Exit(1)
	}

	calendarFactory, err := job.CalendarFactory()
	if err != nil {
		logger.Error("Invalid calendar config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	adapter := &fileAdapter{
		path:   job.PayloadFile,
		format: job.PayloadFormat,
		source: ingestion.Source{
			Provider:        job.Source.Provider,
			Endpoint:        job.Source.Endpoint,
			ProviderDataset: job.Source.ProviderDataset,
		},
	}

	pipeline := ingestion.NewPipeline(adapter, normalizer, calendarFactory, logger)

	result, err := pipeline.Run(context.Background(), request, ingestion.Config{
		DatasetID:       job.DatasetID,
		DatasetVersion:  job.DatasetVersion,
		IngestRunID:     ingestRunID,
		RawRoot:         rawRoot,
		CanonicalRoot:   canonicalRoot,
		RegistryPath:    registryPath,
		CalendarVersion: job.CalendarVersion,
		Notes:           job.Notes,
	}, job.IngestionUniverse(), sessionRules, ingestion.ClockOverrides{StartedAt: startedAt})
	if err != nil {
		logger.Error("Ingestion run failed",
			slog.String("ingest_run_id", ingestRunID),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	logger.Info("Ingestion run complete",
		slog.String("ingest_run_id", ingestRunID),
		slog.String("content_hash", result.RegistryEntry.ContentHash),
		slog.Int("row_count", result.RegistryEntry.RowCount),
		slog.String("snapshot_dir", result.PublishedSnapshot.VersionDir),
		slog.Int("hard_errors", len(result.ValidationReport.HardErrors)),
	)
}
