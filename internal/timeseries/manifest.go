package timeseries

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"

	"github.com/quantlab-io/datacore/internal/dataerrors"
)

// LineageMeta records where a cached result came from: the request
// fingerprint and normalized request, the provider, ingestion and as-of
// timestamps, dataset and code versions, and the sorted partition paths.
//
// Fields are declared in sorted tag order so encoding/json emits the same
// key order a sorted-keys encoder would.
type LineageMeta struct {
	AsOf           string          `json:"as_of_utc"`
	CodeVersion    string          `json:"code_version"`
	DatasetVersion string          `json:"dataset_version"`
	IngestionTS    string          `json:"ingestion_ts_utc"`
	Provider       string          `json:"provider"`
	RequestHash    string          `json:"request_hash"`
	RequestJSON    RequestDocument `json:"request_json"`
	StoragePaths   []string        `json:"storage_paths"`
}

// Validate checks the required lineage fields.
func (l LineageMeta) Validate() error {
	if l.RequestHash == "" {
		return lineageError("request_hash must be non-empty")
	}

	if l.Provider == "" {
		return lineageError("provider must be non-empty")
	}

	if l.IngestionTS == "" {
		return lineageError("ingestion_ts_utc must be non-empty")
	}

	if l.DatasetVersion == "" {
		return lineageError("dataset_version must be non-empty")
	}

	return nil
}

func lineageError(message string) *dataerrors.Error {
	return dataerrors.New(dataerrors.ErrValidation, message)
}

// Manifest is the on-disk record of one cached request: the lineage
// fields at top level plus the quality report the first materialization
// produced.
//
// Fields are declared in sorted tag order so encoding/json emits the same
// key order a sorted-keys encoder would.
type Manifest struct {
	AsOf           string          `json:"as_of_utc"`
	CodeVersion    string          `json:"code_version"`
	DatasetVersion string          `json:"dataset_version"`
	IngestionTS    string          `json:"ingestion_ts_utc"`
	Provider       string          `json:"provider"`
	Quality        QualityReport   `json:"quality"`
	RequestHash    string          `json:"request_hash"`
	RequestJSON    RequestDocument `json:"request_json"`
	StoragePaths   []string        `json:"storage_paths"`
}

// Lineage extracts the lineage fields from the manifest.
func (m Manifest) Lineage() LineageMeta {
	return LineageMeta{
		AsOf:           m.AsOf,
		CodeVersion:    m.CodeVersion,
		DatasetVersion: m.DatasetVersion,
		IngestionTS:    m.IngestionTS,
		Provider:       m.Provider,
		RequestHash:    m.RequestHash,
		RequestJSON:    m.RequestJSON,
		StoragePaths:   m.StoragePaths,
	}
}

// normalizeStoragePaths converts paths to slash form and sorts them.
func normalizeStoragePaths(paths []string) []string {
	normalized := make([]string, 0, len(paths))
	for _, path := range paths {
		normalized = append(normalized, filepath.ToSlash(path))
	}

	sort.Strings(normalized)

	return normalized
}

// WriteManifest persists the manifest for a cached request at
// <root>/manifests/<hash>.json. The hash and storage paths must agree
// with the lineage. Returns the manifest path.
func WriteManifest(root, requestHash string, lineage LineageMeta, quality QualityReport, paths []string) (string, error) {
	if requestHash != lineage.RequestHash {
		return "", dataerrors.New(dataerrors.ErrStorage, "request_hash does not match lineage").
			With("request_hash", requestHash).
			With("lineage_hash", lineage.RequestHash)
	}

	if err := lineage.Validate(); err != nil {
		return "", err
	}

	storagePaths := normalizeStoragePaths(paths)
	if len(lineage.StoragePaths) > 0 {
		lineagePaths := normalizeStoragePaths(lineage.StoragePaths)
		if len(lineagePaths) != len(storagePaths) {
			return "", storagePathMismatch(requestHash)
		}

		for i := range lineagePaths {
			if lineagePaths[i] != storagePaths[i] {
				return "", storagePathMismatch(requestHash)
			}
		}
	}

	lineage.StoragePaths = storagePaths

	target, err := ManifestPath(root, requestHash)
	if err != nil {
		return "", err
	}

	manifest := Manifest{
		AsOf:           lineage.AsOf,
		CodeVersion:    lineage.CodeVersion,
		DatasetVersion: lineage.DatasetVersion,
		IngestionTS:    lineage.IngestionTS,
		Provider:       lineage.Provider,
		Quality:        quality,
		RequestHash:    lineage.RequestHash,
		RequestJSON:    lineage.RequestJSON,
		StoragePaths:   lineage.StoragePaths,
	}

	payload, err := json.Marshal(manifest)
	if err != nil {
		return "", dataerrors.New(dataerrors.ErrStorage, "failed to encode manifest").
			With("request_hash", requestHash).Wrap(err)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", manifestWriteError(target, requestHash, err)
	}

	if err := os.WriteFile(target, payload, 0o644); err != nil {
		return "", manifestWriteError(target, requestHash, err)
	}

	return target, nil
}

// ReadManifest loads the manifest for a request hash. A missing manifest
// is a storage error; callers check existence with ManifestExists first.
func ReadManifest(root, requestHash string) (Manifest, error) {
	target, err := ManifestPath(root, requestHash)
	if err != nil {
		return Manifest{}, err
	}

	data, err := os.ReadFile(target)
	if err != nil {
		return Manifest{}, dataerrors.New(dataerrors.ErrStorage, "manifest missing").
			With("path", target).
			With("request_hash", requestHash).Wrap(err)
	}

	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return Manifest{}, dataerrors.New(dataerrors.ErrStorage, "failed to read manifest").
			With("path", target).
			With("request_hash", requestHash).Wrap(err)
	}

	if err := manifest.Lineage().Validate(); err != nil {
		return Manifest{}, err
	}

	if err := manifest.Quality.Validate(); err != nil {
		return Manifest{}, err
	}

	return manifest, nil
}

// ManifestExists reports whether a manifest is already published for the
// request hash.
func ManifestExists(root, requestHash string) (bool, error) {
	target, err := ManifestPath(root, requestHash)
	if err != nil {
		return false, err
	}

	if _, err := os.Stat(target); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}

		return false, dataerrors.New(dataerrors.ErrStorage, "failed to stat manifest").
			With("path", target).Wrap(err)
	}

	return true, nil
}

func storagePathMismatch(requestHash string) error {
	return dataerrors.New(dataerrors.ErrStorage, "storage_paths do not match lineage").
		With("request_hash", requestHash)
}

func manifestWriteError(target, requestHash string, cause error) error {
	return dataerrors.New(dataerrors.ErrStorage, "failed to write manifest").
		With("path", target).
		With("request_hash", requestHash).Wrap(cause)
}
