package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/quantlab-io/datacore/internal/dataerrors"
)

// ErrRunFinishedBeforeStart is returned when a run's finish timestamp
// precedes its start timestamp.
var ErrRunFinishedBeforeStart = errors.New("finished_at_ts must be on or after started_at_ts")

// IngestRunMeta records the reproducibility envelope of one ingest run: when
// it ran and fingerprints of the configuration (and optionally environment)
// that produced it.
//
// Fields are declared in sorted tag order so encoding/json emits the same
// key order a sorted-keys encoder would.
type IngestRunMeta struct {
	ConfigFingerprint      string    `json:"config_fingerprint"`
	EnvironmentFingerprint string    `json:"environment_fingerprint,omitempty"`
	FinishedAt             time.Time `json:"finished_at_ts"`
	IngestRunID            string    `json:"ingest_run_id"`
	StartedAt              time.Time `json:"started_at_ts"`
}

// Validate checks field presence, UTC discipline, and timestamp ordering.
func (m IngestRunMeta) Validate() error {
	if m.IngestRunID == "" {
		return fmt.Errorf("%w: ingest_run_id", ErrEmptyArgument)
	}
	if m.ConfigFingerprint == "" {
		return fmt.Errorf("%w: config_fingerprint", ErrEmptyArgument)
	}

	for _, ts := range []struct {
		name  string
		value time.Time
	}{
		{"started_at_ts", m.StartedAt},
		{"finished_at_ts", m.FinishedAt},
	} {
		if ts.value.IsZero() {
			return fmt.Errorf("%w: %s", ErrEmptyArgument, ts.name)
		}
		if _, offset := ts.value.Zone(); offset != 0 {
			return fmt.Errorf("%w: %s", ErrTimestampNotUTC, ts.name)
		}
	}

	if m.FinishedAt.Before(m.StartedAt) {
		return ErrRunFinishedBeforeStart
	}

	return nil
}

// WriteIngestRunMeta persists run metadata write-once: a second write for
// the same run id fails.
func WriteIngestRunMeta(rawRoot string, meta IngestRunMeta) (string, error) {
	if err := meta.Validate(); err != nil {
		return "", err
	}

	targetPath, err := IngestRunMetadataPath(rawRoot, meta.IngestRunID)
	if err != nil {
		return "", err
	}

	if _, err := os.Stat(targetPath); err == nil {
		return "", dataerrors.New(dataerrors.ErrStorage, "ingest run metadata already exists").
			With("path", targetPath).
			With("ingest_run_id", meta.IngestRunID)
	}

	dir, err := IngestRunDir(rawRoot, meta.IngestRunID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", wrapRunMeta(err, targetPath, meta.IngestRunID)
	}

	payload, err := json.Marshal(meta)
	if err != nil {
		return "", wrapRunMeta(err, targetPath, meta.IngestRunID)
	}

	// O_EXCL keeps the write-once guarantee under concurrent writers.
	file, err := os.OpenFile(targetPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return "", dataerrors.New(dataerrors.ErrStorage, "ingest run metadata already exists").
				With("path", targetPath).
				With("ingest_run_id", meta.IngestRunID)
		}

		return "", wrapRunMeta(err, targetPath, meta.IngestRunID)
	}
	defer file.Close()

	if _, err := file.Write(payload); err != nil {
		return "", wrapRunMeta(err, targetPath, meta.IngestRunID)
	}

	return targetPath, nil
}

// ReadIngestRunMeta loads and validates the metadata for a run id.
func ReadIngestRunMeta(rawRoot, ingestRunID string) (IngestRunMeta, error) {
	targetPath, err := IngestRunMetadataPath(rawRoot, ingestRunID)
	if err != nil {
		return IngestRunMeta{}, err
	}

	payload, err := os.ReadFile(targetPath)
	if err != nil {
		if os.IsNotExist(err) {
			return IngestRunMeta{}, dataerrors.New(dataerrors.ErrStorage, "ingest run metadata missing").
				With("path", targetPath).
				With("ingest_run_id", ingestRunID)
		}

		return IngestRunMeta{}, dataerrors.New(dataerrors.ErrStorage, "failed to read ingest run metadata").
			With("path", targetPath).
			With("ingest_run_id", ingestRunID).
			Wrap(err)
	}

	var meta IngestRunMeta
	if err := json.Unmarshal(payload, &meta); err != nil {
		return IngestRunMeta{}, dataerrors.New(dataerrors.ErrStorage, "ingest run metadata payload invalid").
			With("path", targetPath).
			With("ingest_run_id", ingestRunID).
			Wrap(err)
	}
	if err := meta.Validate(); err != nil {
		return IngestRunMeta{}, dataerrors.New(dataerrors.ErrStorage, "ingest run metadata invalid").
			With("path", targetPath).
			With("ingest_run_id", ingestRunID).
			Wrap(err)
	}

	return meta, nil
}

func wrapRunMeta(cause error, path, ingestRunID string) error {
	return dataerrors.New(dataerrors.ErrStorage, "failed to write ingest run metadata").
		With("path", path).
		With("ingest_run_id", ingestRunID).
		Wrap(cause)
}
