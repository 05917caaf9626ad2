package storage

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/quantlab-io/datacore/internal/dataerrors"
)

// Registry entry validation errors.
var (
	ErrTimestampNotUTC  = errors.New("timestamp must be in UTC")
	ErrNegativeRowCount = errors.New("row_count must be non-negative")
	ErrDuplicateSource  = errors.New("source_set must not contain duplicates")
	ErrEmptySourceSet   = errors.New("source_set must not be empty")
)

// RegistryEntry is one immutable line in the append-only dataset registry.
// An entry binds a published dataset version to its lineage (ingest run,
// universe, calendar, session rules, sources) and its content hash.
//
// Fields are declared in sorted tag order so encoding/json emits the same
// key order a sorted-keys encoder would; registry lines are an audit
// artifact with a stable byte contract.
type RegistryEntry struct {
	CalendarVersion     string    `json:"calendar_version"`
	ContentHash         string    `json:"content_hash"`
	CreatedAt           time.Time `json:"created_at_ts"`
	DatasetID           string    `json:"dataset_id"`
	DatasetVersion      string    `json:"dataset_version"`
	IngestRunID         string    `json:"ingest_run_id"`
	Notes               string    `json:"notes,omitempty"`
	RowCount            int       `json:"row_count"`
	SchemaVersion       string    `json:"schema_version"`
	SessionRulesVersion string    `json:"sessionrules_version"`
	SourceSet           []string  `json:"source_set"`
	UniverseHash        string    `json:"universe_hash"`
}

// Validate checks the entry's field-level invariants.
func (e RegistryEntry) Validate() error {
	required := []struct {
		name  string
		value string
	}{
		{"dataset_id", e.DatasetID},
		{"dataset_version", e.DatasetVersion},
		{"schema_version", e.SchemaVersion},
		{"ingest_run_id", e.IngestRunID},
		{"universe_hash", e.UniverseHash},
		{"calendar_version", e.CalendarVersion},
		{"sessionrules_version", e.SessionRulesVersion},
		{"content_hash", e.ContentHash},
	}
	for _, field := range required {
		if field.value == "" {
			return fmt.Errorf("%w: %s", ErrEmptyArgument, field.name)
		}
	}

	if e.CreatedAt.IsZero() {
		return fmt.Errorf("%w: created_at_ts", ErrEmptyArgument)
	}
	if _, offset := e.CreatedAt.Zone(); offset != 0 {
		return fmt.Errorf("%w: created_at_ts", ErrTimestampNotUTC)
	}
	if e.RowCount < 0 {
		return ErrNegativeRowCount
	}

	if len(e.SourceSet) == 0 {
		return ErrEmptySourceSet
	}
	seen := make(map[string]struct{}, len(e.SourceSet))
	for _, source := range e.SourceSet {
		if source == "" {
			return fmt.Errorf("%w: source_set", ErrEmptyArgument)
		}
		if _, dup := seen[source]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateSource, source)
		}
		seen[source] = struct{}{}
	}

	return nil
}

// AppendRegistryEntry appends one entry to the JSONL registry after
// re-verifying the published snapshot it points at: the version directory
// and metadata must exist, the metadata identity must match, and the
// recomputed content hash must equal the entry's hash. Duplicate
// (dataset id, version) pairs are rejected.
func AppendRegistryEntry(registryPath string, entry RegistryEntry, canonicalRoot string) error {
	if err := entry.Validate(); err != nil {
		return err
	}

	existing, err := LookupRegistryEntry(registryPath, entry.DatasetID, entry.DatasetVersion)
	if err != nil {
		return err
	}
	if existing != nil {
		return dataerrors.New(dataerrors.ErrStorage, "registry entry already exists").
			With("dataset_id", entry.DatasetID).
			With("dataset_version", entry.DatasetVersion)
	}

	if err := verifySnapshotMatchesEntry(entry, canonicalRoot); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(registryPath), 0o755); err != nil {
		return dataerrors.New(dataerrors.ErrStorage, "failed to append registry entry").
			With("path", registryPath).
			Wrap(err)
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return dataerrors.New(dataerrors.ErrStorage, "failed to append registry entry").
			With("path", registryPath).
			Wrap(err)
	}

	file, err := os.OpenFile(registryPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return dataerrors.New(dataerrors.ErrStorage, "failed to append registry entry").
			With("path", registryPath).
			Wrap(err)
	}
	defer file.Close()

	if _, err := file.Write(append(line, '\n')); err != nil {
		return dataerrors.New(dataerrors.ErrStorage, "failed to append registry entry").
			With("path", registryPath).
			Wrap(err)
	}

	return nil
}

// LookupRegistryEntry scans the registry for the (dataset id, version) pair.
// It returns nil when absent and a corruption error when the pair appears
// more than once.
func LookupRegistryEntry(registryPath, datasetID, datasetVersion string) (*RegistryEntry, error) {
	if datasetID == "" {
		return nil, fmt.Errorf("%w: dataset_id", ErrEmptyArgument)
	}
	if datasetVersion == "" {
		return nil, fmt.Errorf("%w: dataset_version", ErrEmptyArgument)
	}

	entries, err := loadRegistryEntries(registryPath)
	if err != nil {
		return nil, err
	}

	var match *RegistryEntry
	for i := range entries {
		if entries[i].DatasetID != datasetID || entries[i].DatasetVersion != datasetVersion {
			continue
		}
		if match != nil {
			return nil, dataerrors.New(dataerrors.ErrStorage, "registry contains duplicate entries").
				With("dataset_id", datasetID).
				With("dataset_version", datasetVersion)
		}
		match = &entries[i]
	}

	return match, nil
}

// ListRegistryEntries returns every entry in append order.
func ListRegistryEntries(registryPath string) ([]RegistryEntry, error) {
	return loadRegistryEntries(registryPath)
}

func loadRegistryEntries(registryPath string) ([]RegistryEntry, error) {
	info, err := os.Stat(registryPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, dataerrors.New(dataerrors.ErrStorage, "failed to read registry").
			With("path", registryPath).
			Wrap(err)
	}
	if info.IsDir() {
		return nil, dataerrors.New(dataerrors.ErrStorage, "registry path is not a file").
			With("path", registryPath)
	}

	file, err := os.Open(registryPath)
	if err != nil {
		return nil, dataerrors.New(dataerrors.ErrStorage, "failed to read registry").
			With("path", registryPath).
			Wrap(err)
	}
	defer file.Close()

	var entries []RegistryEntry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lineNumber := 0
	for scanner.Scan() {
		lineNumber++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var entry RegistryEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			return nil, invalidRegistryEntry(registryPath, lineNumber, err)
		}
		if err := entry.Validate(); err != nil {
			return nil, invalidRegistryEntry(registryPath, lineNumber, err)
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, dataerrors.New(dataerrors.ErrStorage, "failed to read registry").
			With("path", registryPath).
			Wrap(err)
	}

	return entries, nil
}

func invalidRegistryEntry(registryPath string, line int, cause error) error {
	return dataerrors.New(dataerrors.ErrStorage, "invalid registry entry").
		With("path", registryPath).
		With("line", line).
		Wrap(cause)
}

// verifySnapshotMatchesEntry re-verifies storage integrity before the entry
// becomes visible: snapshot and metadata present, identity matching, parts
// present, and a recomputed content hash equal to the entry's.
func verifySnapshotMatchesEntry(entry RegistryEntry, canonicalRoot string) error {
	paths, err := BuildCanonicalPaths(canonicalRoot, entry.DatasetID, entry.DatasetVersion)
	if err != nil {
		return err
	}

	info, err := os.Stat(paths.VersionDir)
	if os.IsNotExist(err) {
		return dataerrors.New(dataerrors.ErrStorage, "canonical snapshot missing").
			With("dataset_id", entry.DatasetID).
			With("dataset_version", entry.DatasetVersion).
			With("path", paths.VersionDir)
	}
	if err != nil {
		return dataerrors.New(dataerrors.ErrStorage, "failed to stat canonical snapshot").
			With("path", paths.VersionDir).
			Wrap(err)
	}
	if !info.IsDir() {
		return dataerrors.New(dataerrors.ErrStorage, "canonical snapshot path is not a directory").
			With("path", paths.VersionDir)
	}

	metadataBytes, err := os.ReadFile(paths.MetadataPath)
	if err != nil {
		if os.IsNotExist(err) {
			return dataerrors.New(dataerrors.ErrStorage, "canonical metadata missing").
				With("path", paths.MetadataPath)
		}

		return dataerrors.New(dataerrors.ErrStorage, "failed to read canonical metadata").
			With("path", paths.MetadataPath).
			Wrap(err)
	}

	var metadata map[string]any
	if err := json.Unmarshal(metadataBytes, &metadata); err != nil {
		return dataerrors.New(dataerrors.ErrStorage, "canonical metadata payload invalid").
			With("path", paths.MetadataPath).
			Wrap(err)
	}
	if metadata["dataset_id"] != entry.DatasetID {
		return dataerrors.New(dataerrors.ErrStorage, "canonical metadata dataset_id mismatch").
			With("expected", entry.DatasetID).
			With("actual", metadata["dataset_id"])
	}
	if metadata["dataset_version"] != entry.DatasetVersion {
		return dataerrors.New(dataerrors.ErrStorage, "canonical metadata dataset_version mismatch").
			With("expected", entry.DatasetVersion).
			With("actual", metadata["dataset_version"])
	}

	partPaths, err := filepath.Glob(filepath.Join(paths.VersionDir, "part-*.parquet"))
	if err != nil {
		return dataerrors.New(dataerrors.ErrStorage, "failed to list snapshot parts").
			With("path", paths.VersionDir).
			Wrap(err)
	}
	if len(partPaths) == 0 {
		return dataerrors.New(dataerrors.ErrStorage, "canonical snapshot missing parts").
			With("path", paths.VersionDir)
	}

	contentHash, err := ComputeContentHash(partPaths)
	if err != nil {
		return err
	}
	if contentHash != entry.ContentHash {
		return dataerrors.New(dataerrors.ErrStorage, "content hash mismatch").
			With("dataset_id", entry.DatasetID).
			With("dataset_version", entry.DatasetVersion).
			With("expected", entry.ContentHash).
			With("actual", contentHash)
	}

	return nil
}
