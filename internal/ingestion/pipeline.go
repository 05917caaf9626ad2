package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/quantlab-io/datacore/internal/calendar"
	"github.com/quantlab-io/datacore/internal/canonicalization"
	"github.com/quantlab-io/datacore/internal/dataerrors"
	"github.com/quantlab-io/datacore/internal/storage"
)

// ErrDatasetMismatch is returned when the fetch request's dataset id does
// not match the pipeline config.
var ErrDatasetMismatch = errors.New("request dataset_id does not match ingestion config")

type (
	// Config pins the identity and storage roots of one ingestion run.
	Config struct {
		DatasetID       string
		DatasetVersion  string
		IngestRunID     string
		RawRoot         string
		CanonicalRoot   string
		RegistryPath    string
		CalendarVersion string

		// SchemaVersion defaults to the package SchemaVersion when empty.
		SchemaVersion string

		// Notes is carried into the registry entry when non-empty.
		Notes string
	}

	// ClockOverrides lets callers pin the pipeline's timestamps for
	// reproducible runs. Zero values fall back to the defaults: asof from
	// the provider's fetched-at, created and generated from now, finished
	// from now. All supplied values must be UTC.
	ClockOverrides struct {
		AsOf        time.Time
		GeneratedAt time.Time
		CreatedAt   time.Time
		StartedAt   time.Time
		FinishedAt  time.Time
	}

	// Result collects every artifact of a successful run.
	Result struct {
		RawPaths          storage.RawPaths
		PublishedSnapshot storage.PublishedSnapshot
		RegistryEntry     storage.RegistryEntry
		ValidationReport  ValidationReport
		RunMeta           storage.IngestRunMeta
	}

	// Pipeline wires one dataset's ingestion flow: fetch, capture, normalize,
	// validate, stage, publish, register.
	Pipeline struct {
		adapter         ProviderAdapter
		normalizer      Normalizer
		calendarFactory calendar.CalendarFactory
		logger          *slog.Logger
	}
)

// Validate checks that every required config field is present.
func (c Config) Validate() error {
	required := []struct {
		name  string
		value string
	}{
		{"dataset_id", c.DatasetID},
		{"dataset_version", c.DatasetVersion},
		{"ingest_run_id", c.IngestRunID},
		{"raw_root", c.RawRoot},
		{"canonical_root", c.CanonicalRoot},
		{"registry_path", c.RegistryPath},
		{"calendar_version", c.CalendarVersion},
	}
	for _, field := range required {
		if field.value == "" {
			return fmt.Errorf("%w: %s", ErrEmptyField, field.name)
		}
	}

	return nil
}

// NewPipeline wires an ingestion pipeline from its collaborators. The
// calendar factory may be nil, which disables calendar-conflict checks.
func NewPipeline(
	adapter ProviderAdapter,
	normalizer Normalizer,
	calendarFactory calendar.CalendarFactory,
	logger *slog.Logger,
) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}

	return &Pipeline{
		adapter:         adapter,
		normalizer:      normalizer,
		calendarFactory: calendarFactory,
		logger:          logger,
	}
}

// Run executes one ingestion end to end. Every failure aborts before the
// dataset version becomes visible in the registry; partially staged state
// never reaches the final snapshot location.
func (p *Pipeline) Run(
	ctx context.Context,
	request FetchRequest,
	cfg Config,
	universe Universe,
	sessionRules calendar.SessionRules,
	clocks ClockOverrides,
) (Result, error) {
	if err := cfg.Validate(); err != nil {
		return Result{}, err
	}
	if cfg.SchemaVersion == "" {
		cfg.SchemaVersion = SchemaVersion
	}
	if request.DatasetID != cfg.DatasetID {
		return Result{}, fmt.Errorf("%w: request %q, config %q",
			ErrDatasetMismatch, request.DatasetID, cfg.DatasetID)
	}

	startedAt, err := resolveUTC(clocks.StartedAt, time.Now, "started_at_ts")
	if err != nil {
		return Result{}, err
	}

	log := p.logger.With(
		slog.String("dataset_id", cfg.DatasetID),
		slog.String("dataset_version", cfg.DatasetVersion),
		slog.String("ingest_run_id", cfg.IngestRunID),
	)
	log.InfoContext(ctx, "ingestion run started")

	expectedFingerprint, err := request.Fingerprint()
	if err != nil {
		return Result{}, err
	}

	response, err := p.adapter.Fetch(ctx, request)
	if err != nil {
		return Result{}, err
	}
	// Consistency gate: a response claiming a different request identity is
	// a hard failure, not something to repair.
	if response.RequestFingerprint != expectedFingerprint {
		return Result{}, dataerrors.New(dataerrors.ErrProviderResponse, "request_fingerprint mismatch").
			With("expected", expectedFingerprint).
			With("actual", response.RequestFingerprint)
	}

	asOf, err := resolveUTC(clocks.AsOf, func() time.Time { return response.FetchedAt }, "asof_ts")
	if err != nil {
		return Result{}, err
	}
	generatedAt, err := resolveUTC(clocks.GeneratedAt, time.Now, "generated_ts")
	if err != nil {
		return Result{}, err
	}
	createdAt, err := resolveUTC(clocks.CreatedAt, func() time.Time { return generatedAt }, "created_at_ts")
	if err != nil {
		return Result{}, err
	}

	rawMetadata, err := buildRawMetadata(request, response, cfg, expectedFingerprint, asOf)
	if err != nil {
		return Result{}, err
	}
	rawPaths, err := storage.StoreRawPayload(
		cfg.RawRoot, cfg.IngestRunID, response.RequestFingerprint,
		response.Payload, rawMetadata, response.PayloadFormat,
	)
	if err != nil {
		return Result{}, err
	}
	log.InfoContext(ctx, "raw payload captured",
		slog.String("request_fingerprint", response.RequestFingerprint),
		slog.Int("payload_bytes", len(response.Payload)))

	normalized, err := p.normalizer.Normalize(response.Payload, NormalizationContext{
		DatasetID:      cfg.DatasetID,
		DatasetVersion: cfg.DatasetVersion,
		SchemaVersion:  cfg.SchemaVersion,
		AsOf:           asOf,
		IngestRunID:    cfg.IngestRunID,
		Source:         response.Source,
	}, universe)
	if err != nil {
		return Result{}, err
	}

	validated, report, err := ValidateRecords(normalized, ValidatorOptions{
		Context: &ValidationContext{
			DatasetID:      cfg.DatasetID,
			DatasetVersion: cfg.DatasetVersion,
			IngestRunID:    cfg.IngestRunID,
		},
		GeneratedAt: generatedAt,
		TimeSemantics: &TimeSemantics{
			Universe:        universe,
			SessionRules:    sessionRules,
			CalendarFactory: p.calendarFactory,
		},
		RaiseOnHardError: true,
	})
	if err != nil {
		return Result{}, err
	}
	log.InfoContext(ctx, "records validated",
		slog.Int("record_count", report.TotalRecords),
		slog.Int("flagged_kinds", len(report.FlagCounts)))

	partBytes, err := SerializeRecords(validated)
	if err != nil {
		return Result{}, err
	}

	sourceSet := []string{response.Source.Provider}
	canonicalMetadata := map[string]any{
		"dataset_id":           cfg.DatasetID,
		"dataset_version":      cfg.DatasetVersion,
		"schema_version":       cfg.SchemaVersion,
		"ingest_run_id":        cfg.IngestRunID,
		"created_at_ts":        createdAt.Format(time.RFC3339Nano),
		"asof_ts":              asOf.Format(time.RFC3339Nano),
		"universe_hash":        universe.Hash,
		"calendar_version":     cfg.CalendarVersion,
		"sessionrules_version": sessionRules.Version,
		"source_set":           sourceSet,
		"row_count":            len(validated),
		"validation_report":    report.Payload(),
	}

	staged, err := storage.Stage(
		cfg.CanonicalRoot, cfg.DatasetID, cfg.DatasetVersion,
		[]storage.Part{{Name: "part-0001.parquet", Data: partBytes}},
		canonicalMetadata,
	)
	if err != nil {
		return Result{}, err
	}
	published, err := storage.Publish(staged)
	if err != nil {
		return Result{}, err
	}
	log.InfoContext(ctx, "canonical snapshot published",
		slog.String("content_hash", published.ContentHash),
		slog.Int("row_count", len(validated)))

	entry := storage.RegistryEntry{
		DatasetID:           cfg.DatasetID,
		DatasetVersion:      cfg.DatasetVersion,
		SchemaVersion:       cfg.SchemaVersion,
		CreatedAt:           createdAt,
		IngestRunID:         cfg.IngestRunID,
		UniverseHash:        universe.Hash,
		CalendarVersion:     cfg.CalendarVersion,
		SessionRulesVersion: sessionRules.Version,
		SourceSet:           sourceSet,
		RowCount:            len(validated),
		ContentHash:         published.ContentHash,
		Notes:               cfg.Notes,
	}
	if err := storage.AppendRegistryEntry(cfg.RegistryPath, entry, cfg.CanonicalRoot); err != nil {
		return Result{}, err
	}

	finishedAt, err := resolveUTC(clocks.FinishedAt, time.Now, "finished_at_ts")
	if err != nil {
		return Result{}, err
	}

	configFingerprint, err := configFingerprint(cfg, universe, sessionRules)
	if err != nil {
		return Result{}, err
	}
	runMeta := storage.IngestRunMeta{
		IngestRunID:       cfg.IngestRunID,
		StartedAt:         startedAt,
		FinishedAt:        finishedAt,
		ConfigFingerprint: configFingerprint,
	}
	if _, err := storage.WriteIngestRunMeta(cfg.RawRoot, runMeta); err != nil {
		return Result{}, err
	}

	log.InfoContext(ctx, "ingestion run finished",
		slog.String("content_hash", published.ContentHash))

	return Result{
		RawPaths:          rawPaths,
		PublishedSnapshot: published,
		RegistryEntry:     entry,
		ValidationReport:  report,
		RunMeta:           runMeta,
	}, nil
}

// resolveUTC applies the override-or-default precedence and enforces UTC on
// the chosen value.
func resolveUTC(override time.Time, fallback func() time.Time, name string) (time.Time, error) {
	value := override
	if value.IsZero() {
		value = fallback().UTC()
	}
	if _, offset := value.Zone(); offset != 0 {
		return time.Time{}, fmt.Errorf("%w: %s", ErrTimestampNotUTC, name)
	}

	return value, nil
}

func buildRawMetadata(
	request FetchRequest,
	response RawResponse,
	cfg Config,
	fingerprint string,
	asOf time.Time,
) (map[string]any, error) {
	requestPayload, err := request.Payload().Encode()
	if err != nil {
		return nil, err
	}

	source := map[string]any{
		"provider": response.Source.Provider,
		"endpoint": response.Source.Endpoint,
	}
	if response.Source.ProviderDataset != "" {
		source["provider_dataset"] = response.Source.ProviderDataset
	}

	metadata := map[string]any{
		"dataset_id":          cfg.DatasetID,
		"dataset_version":     cfg.DatasetVersion,
		"schema_version":      cfg.SchemaVersion,
		"ingest_run_id":       cfg.IngestRunID,
		"request_payload":     requestPayload,
		"request_fingerprint": fingerprint,
		"source":              source,
		"fetched_at_ts":       response.FetchedAt.Format(time.RFC3339Nano),
		"asof_ts":             asOf.Format(time.RFC3339Nano),
		"payload_format":      response.PayloadFormat,
		"retries":             response.Retries,
	}
	if response.StatusCode != 0 {
		metadata["status_code"] = response.StatusCode
	}
	if len(response.Pagination) > 0 {
		metadata["pagination"] = response.Pagination
	}
	if response.ProviderRevision != "" {
		metadata["provider_revision"] = response.ProviderRevision
	}

	return metadata, nil
}

// configFingerprint pins the full reproducibility envelope of a run: config
// identity plus the universe and session-rule versions it ran against.
func configFingerprint(cfg Config, universe Universe, sessionRules calendar.SessionRules) (string, error) {
	payload := map[string]canonicalization.Value{
		"dataset_id":           canonicalization.String(cfg.DatasetID),
		"dataset_version":      canonicalization.String(cfg.DatasetVersion),
		"schema_version":       canonicalization.String(cfg.SchemaVersion),
		"calendar_version":     canonicalization.String(cfg.CalendarVersion),
		"universe_hash":        canonicalization.String(universe.Hash),
		"sessionrules_version": canonicalization.String(sessionRules.Version),
	}
	if cfg.Notes != "" {
		payload["notes"] = canonicalization.String(cfg.Notes)
	}

	return canonicalization.Fingerprint(canonicalization.Map(payload))
}
