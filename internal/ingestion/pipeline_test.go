package ingestion

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/quantlab-io/datacore/internal/calendar"
	"github.com/quantlab-io/datacore/internal/canonicalization"
	"github.com/quantlab-io/datacore/internal/dataerrors"
	"github.com/quantlab-io/datacore/internal/storage"
)

// stubAdapter returns a fixed payload and echoes the request fingerprint
// unless overridden.
type stubAdapter struct {
	payload             []byte
	fingerprintOverride string
	calls               int
}

func (a *stubAdapter) Fetch(_ context.Context, request FetchRequest) (RawResponse, error) {
	a.calls++

	fingerprint := a.fingerprintOverride
	if fingerprint == "" {
		computed, err := request.Fingerprint()
		if err != nil {
			return RawResponse{}, err
		}
		fingerprint = computed
	}

	return RawResponse{
		Payload:            a.payload,
		PayloadFormat:      "json",
		Source:             Source{Provider: "stooq", Endpoint: "/daily"},
		FetchedAt:          time.Date(2024, time.January, 5, 21, 30, 0, 0, time.UTC),
		RequestFingerprint: fingerprint,
		StatusCode:         200,
	}, nil
}

// stubNormalizer emits pre-built records regardless of payload.
type stubNormalizer struct {
	records []Record
}

func (n stubNormalizer) Normalize([]byte, NormalizationContext, Universe) ([]Record, error) {
	return n.records, nil
}

func pipelineConfig(t *testing.T) Config {
	t.Helper()
	base := t.TempDir()

	return Config{
		DatasetID:       EquityEODDatasetID,
		DatasetVersion:  "2024-01-05",
		IngestRunID:     "ing_20240105_210500Z_0001",
		RawRoot:         filepath.Join(base, "raw"),
		CanonicalRoot:   filepath.Join(base, "canonical"),
		RegistryPath:    filepath.Join(base, "registry.jsonl"),
		CalendarVersion: "2024.01",
	}
}

func pipelineRequest() FetchRequest {
	return FetchRequest{
		DatasetID: EquityEODDatasetID,
		Params: map[string]canonicalization.Value{
			"symbols": canonicalization.Set(canonicalization.String("AAPL")),
			"start": canonicalization.String("2024-01-02"),
			"end":   canonicalization.String("2024-01-05"),
		},
	}
}

func pipelineRecords(t *testing.T, cfg Config) []Record {
	t.Helper()

	records := make([]Record, 3)
	for i := range records {
		record := barRecord(t, "AAPL", 2+i, 100+float64(i))
		record.DatasetVersion = cfg.DatasetVersion
		record.IngestRunID = cfg.IngestRunID
		record.Source = Source{Provider: "stooq", Endpoint: "/daily"}
		records[i] = record
	}

	return records
}

func TestPipelineRun_EndToEnd(t *testing.T) {
	cfg := pipelineConfig(t)
	adapter := &stubAdapter{payload: []byte(`{"records":[]}`)}
	pipeline := NewPipeline(adapter, stubNormalizer{records: pipelineRecords(t, cfg)}, nil, nil)

	result, err := pipeline.Run(
		context.Background(), pipelineRequest(), cfg,
		testUniverse(), calendar.SessionRules{Version: "2024.01"},
		ClockOverrides{},
	)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if adapter.calls != 1 {
		t.Errorf("adapter calls = %d, want 1", adapter.calls)
	}

	// Raw capture exists with the payload bytes.
	payload, err := os.ReadFile(result.RawPaths.PayloadPath)
	if err != nil {
		t.Fatalf("raw payload missing: %v", err)
	}
	if string(payload) != `{"records":[]}` {
		t.Errorf("payload = %q", payload)
	}

	// The published snapshot holds one parquet part whose hash matches.
	if len(result.PublishedSnapshot.PartPaths) != 1 {
		t.Fatalf("part count = %d, want 1", len(result.PublishedSnapshot.PartPaths))
	}
	recomputed, err := storage.ComputeContentHash(result.PublishedSnapshot.PartPaths)
	if err != nil {
		t.Fatalf("ComputeContentHash() error = %v", err)
	}
	if recomputed != result.RegistryEntry.ContentHash {
		t.Errorf("registry hash = %s, snapshot hash = %s",
			result.RegistryEntry.ContentHash, recomputed)
	}

	// Registry lookup returns the appended entry.
	found, err := storage.LookupRegistryEntry(cfg.RegistryPath, cfg.DatasetID, cfg.DatasetVersion)
	if err != nil {
		t.Fatalf("LookupRegistryEntry() error = %v", err)
	}
	if found == nil || found.RowCount != 3 {
		t.Fatalf("registry entry = %+v, want row_count 3", found)
	}
	if found.UniverseHash != "deadbeef" {
		t.Errorf("UniverseHash = %s, want deadbeef", found.UniverseHash)
	}

	// Run metadata is written and readable.
	meta, err := storage.ReadIngestRunMeta(cfg.RawRoot, cfg.IngestRunID)
	if err != nil {
		t.Fatalf("ReadIngestRunMeta() error = %v", err)
	}
	if meta.ConfigFingerprint == "" {
		t.Error("ConfigFingerprint must be set")
	}

	// The part round-trips to the validated records.
	partBytes, err := os.ReadFile(result.PublishedSnapshot.PartPaths[0])
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := DeserializeBarRecords(partBytes)
	if err != nil {
		t.Fatalf("DeserializeBarRecords() error = %v", err)
	}
	if len(decoded) != 3 {
		t.Errorf("decoded %d records, want 3", len(decoded))
	}
}

func TestPipelineRun_FingerprintMismatch(t *testing.T) {
	cfg := pipelineConfig(t)
	adapter := &stubAdapter{
		payload:             []byte(`{"records":[]}`),
		fingerprintOverride: "not-the-request-fingerprint",
	}
	pipeline := NewPipeline(adapter, stubNormalizer{records: pipelineRecords(t, cfg)}, nil, nil)

	_, err := pipeline.Run(
		context.Background(), pipelineRequest(), cfg,
		testUniverse(), calendar.SessionRules{Version: "2024.01"},
		ClockOverrides{},
	)
	if !errors.Is(err, dataerrors.ErrProviderResponse) {
		t.Fatalf("Run() error = %v, want ErrProviderResponse", err)
	}

	// Nothing may be registered after the gate fires.
	if _, statErr := os.Stat(cfg.RegistryPath); !os.IsNotExist(statErr) {
		t.Errorf("registry exists after aborted run: %v", statErr)
	}
}

func TestPipelineRun_HardErrorAbortsBeforeRegistry(t *testing.T) {
	cfg := pipelineConfig(t)

	records := pipelineRecords(t, cfg)
	records[1].Bar.Close = -5 // hard error

	adapter := &stubAdapter{payload: []byte(`{"records":[]}`)}
	pipeline := NewPipeline(adapter, stubNormalizer{records: records}, nil, nil)

	_, err := pipeline.Run(
		context.Background(), pipelineRequest(), cfg,
		testUniverse(), calendar.SessionRules{Version: "2024.01"},
		ClockOverrides{},
	)
	if !errors.Is(err, dataerrors.ErrValidation) {
		t.Fatalf("Run() error = %v, want ErrValidation", err)
	}

	// The raw capture survives for forensics, but no snapshot, registry
	// entry, or run metadata becomes visible.
	if _, statErr := os.Stat(cfg.RegistryPath); !os.IsNotExist(statErr) {
		t.Error("registry must not exist after validation failure")
	}
	if _, statErr := os.Stat(filepath.Join(cfg.CanonicalRoot, "dataset_id="+cfg.DatasetID,
		"dataset_version="+cfg.DatasetVersion)); !os.IsNotExist(statErr) {
		t.Error("canonical snapshot must not exist after validation failure")
	}
	if _, metaErr := storage.ReadIngestRunMeta(cfg.RawRoot, cfg.IngestRunID); metaErr == nil {
		t.Error("run metadata must not exist after validation failure")
	}
}

func TestPipelineRun_DatasetMismatch(t *testing.T) {
	cfg := pipelineConfig(t)
	request := pipelineRequest()
	request.DatasetID = FXDailyDatasetID

	pipeline := NewPipeline(&stubAdapter{}, stubNormalizer{}, nil, nil)

	_, err := pipeline.Run(
		context.Background(), request, cfg,
		testUniverse(), calendar.SessionRules{Version: "2024.01"},
		ClockOverrides{},
	)
	if !errors.Is(err, ErrDatasetMismatch) {
		t.Errorf("Run() error = %v, want ErrDatasetMismatch", err)
	}
}

func TestPipelineRun_NonUTCOverrideRejected(t *testing.T) {
	cfg := pipelineConfig(t)
	pipeline := NewPipeline(&stubAdapter{payload: []byte(`{}`)},
		stubNormalizer{records: pipelineRecords(t, cfg)}, nil, nil)

	_, err := pipeline.Run(
		context.Background(), pipelineRequest(), cfg,
		testUniverse(), calendar.SessionRules{Version: "2024.01"},
		ClockOverrides{
			AsOf: time.Date(2024, time.January, 5, 16, 30, 0, 0, time.FixedZone("EST", -5*3600)),
		},
	)
	if !errors.Is(err, ErrTimestampNotUTC) {
		t.Errorf("Run() error = %v, want ErrTimestampNotUTC", err)
	}
	if !strings.Contains(err.Error(), "asof_ts") {
		t.Errorf("error = %v, want asof_ts in message", err)
	}
}
