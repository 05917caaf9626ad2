package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"

	"github.com/quantlab-io/datacore/internal/dataerrors"
)

type (
	// Part is one named file in a canonical snapshot.
	Part struct {
		Name string
		Data []byte
	}

	// StagedSnapshot describes a snapshot written to a private staging
	// directory, ready to publish.
	StagedSnapshot struct {
		DatasetID      string
		DatasetVersion string
		StagingDir     string
		FinalDir       string
		PartPaths      []string
		MetadataPath   string
		ContentHash    string
	}

	// PublishedSnapshot describes a snapshot after the atomic rename into
	// its final version directory.
	PublishedSnapshot struct {
		DatasetID      string
		DatasetVersion string
		VersionDir     string
		PartPaths      []string
		MetadataPath   string
		ContentHash    string
	}
)

// StoreRawPayload captures one provider payload exactly once: the capture
// directory is created exclusively, so a second store for the same
// (ingest run, request fingerprint) pair fails instead of overwriting.
func StoreRawPayload(
	rawRoot, ingestRunID, requestFingerprint string,
	payload []byte,
	metadata map[string]any,
	ext string,
) (RawPaths, error) {
	paths, err := BuildRawPaths(rawRoot, ingestRunID, requestFingerprint, ext)
	if err != nil {
		return RawPaths{}, err
	}

	if _, err := os.Stat(paths.BaseDir); err == nil {
		return RawPaths{}, dataerrors.New(dataerrors.ErrStorage, "raw payload already exists").
			With("ingest_run_id", ingestRunID).
			With("request_fingerprint", requestFingerprint)
	}

	if err := os.MkdirAll(filepath.Dir(paths.BaseDir), 0o755); err != nil {
		return RawPaths{}, wrapStorage(err, "failed to store raw payload", ingestRunID, requestFingerprint)
	}
	// Exclusive create closes the stat race between concurrent writers.
	if err := os.Mkdir(paths.BaseDir, 0o755); err != nil {
		if os.IsExist(err) {
			return RawPaths{}, dataerrors.New(dataerrors.ErrStorage, "raw payload already exists").
				With("ingest_run_id", ingestRunID).
				With("request_fingerprint", requestFingerprint)
		}

		return RawPaths{}, wrapStorage(err, "failed to store raw payload", ingestRunID, requestFingerprint)
	}

	if err := os.WriteFile(paths.PayloadPath, payload, 0o644); err != nil {
		return RawPaths{}, wrapStorage(err, "failed to store raw payload", ingestRunID, requestFingerprint)
	}

	metadataPayload, err := marshalSortedJSON(metadata)
	if err != nil {
		return RawPaths{}, wrapStorage(err, "failed to store raw payload", ingestRunID, requestFingerprint)
	}
	if err := os.WriteFile(paths.MetadataPath, metadataPayload, 0o644); err != nil {
		return RawPaths{}, wrapStorage(err, "failed to store raw payload", ingestRunID, requestFingerprint)
	}

	return paths, nil
}

// ComputeContentHash hashes part files in filename-sorted order. Each file
// contributes its base name, a zero byte, then its bytes, so renames and
// reorderings change the hash.
func ComputeContentHash(paths []string) (string, error) {
	if len(paths) == 0 {
		return "", ErrEmptyParts
	}

	sorted := make([]string, len(paths))
	copy(sorted, paths)
	sort.Slice(sorted, func(i, j int) bool {
		return filepath.Base(sorted[i]) < filepath.Base(sorted[j])
	})

	hasher := sha256.New()
	for _, path := range sorted {
		file, err := os.Open(path)
		if err != nil {
			if os.IsNotExist(err) {
				return "", dataerrors.New(dataerrors.ErrStorage, "content hash path missing").
					With("path", path)
			}

			return "", dataerrors.New(dataerrors.ErrStorage, "failed to read content for hash").
				With("path", path).
				Wrap(err)
		}

		hasher.Write([]byte(filepath.Base(path)))
		hasher.Write([]byte{0})
		if _, err := io.Copy(hasher, file); err != nil {
			file.Close()

			return "", dataerrors.New(dataerrors.ErrStorage, "failed to read content for hash").
				With("path", path).
				Wrap(err)
		}
		file.Close()
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// Stage writes a snapshot's parts and metadata into a private staging
// directory next to the final location. The final version directory must not
// exist yet. Nothing under the staging directory is visible to readers until
// Publish renames it into place.
func Stage(
	canonicalRoot, datasetID, datasetVersion string,
	parts []Part,
	metadata map[string]any,
) (StagedSnapshot, error) {
	paths, err := BuildCanonicalPaths(canonicalRoot, datasetID, datasetVersion)
	if err != nil {
		return StagedSnapshot{}, err
	}
	if len(parts) == 0 {
		return StagedSnapshot{}, ErrEmptyParts
	}

	if _, err := os.Stat(paths.VersionDir); err == nil {
		return StagedSnapshot{}, snapshotExistsError(datasetID, datasetVersion)
	}

	if err := os.MkdirAll(paths.DatasetDir, 0o755); err != nil {
		return StagedSnapshot{}, wrapStage(err, datasetID, datasetVersion)
	}

	stagingID := uuid.New()
	stagingDir := filepath.Join(
		paths.DatasetDir,
		fmt.Sprintf(".staging-%s-%s", datasetVersion, hex.EncodeToString(stagingID[:])),
	)
	if err := os.Mkdir(stagingDir, 0o755); err != nil {
		return StagedSnapshot{}, wrapStage(err, datasetID, datasetVersion)
	}

	partPaths := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, part := range parts {
		if part.Name == "" {
			return StagedSnapshot{}, fmt.Errorf("%w: part_name", ErrEmptyArgument)
		}
		if _, dup := seen[part.Name]; dup {
			return StagedSnapshot{}, dataerrors.New(dataerrors.ErrStorage, "duplicate part file").
				With("dataset_id", datasetID).
				With("dataset_version", datasetVersion).
				With("part", part.Name)
		}
		seen[part.Name] = struct{}{}

		partPath := filepath.Join(stagingDir, part.Name)
		if err := os.WriteFile(partPath, part.Data, 0o644); err != nil {
			return StagedSnapshot{}, wrapStage(err, datasetID, datasetVersion)
		}
		partPaths = append(partPaths, partPath)
	}

	metadataPath := filepath.Join(stagingDir, "_metadata.json")
	metadataPayload, err := marshalSortedJSON(metadata)
	if err != nil {
		return StagedSnapshot{}, wrapStage(err, datasetID, datasetVersion)
	}
	if err := os.WriteFile(metadataPath, metadataPayload, 0o644); err != nil {
		return StagedSnapshot{}, wrapStage(err, datasetID, datasetVersion)
	}

	contentHash, err := ComputeContentHash(partPaths)
	if err != nil {
		return StagedSnapshot{}, err
	}

	return StagedSnapshot{
		DatasetID:      datasetID,
		DatasetVersion: datasetVersion,
		StagingDir:     stagingDir,
		FinalDir:       paths.VersionDir,
		PartPaths:      partPaths,
		MetadataPath:   metadataPath,
		ContentHash:    contentHash,
	}, nil
}

// Publish atomically renames a staged snapshot into its final version
// directory. After a successful publish the snapshot is immutable.
func Publish(staged StagedSnapshot) (PublishedSnapshot, error) {
	if _, err := os.Stat(staged.StagingDir); err != nil {
		return PublishedSnapshot{}, dataerrors.New(dataerrors.ErrStorage, "staging directory missing").
			With("dataset_id", staged.DatasetID).
			With("dataset_version", staged.DatasetVersion).
			With("staging_dir", staged.StagingDir)
	}
	if _, err := os.Stat(staged.FinalDir); err == nil {
		return PublishedSnapshot{}, snapshotExistsError(staged.DatasetID, staged.DatasetVersion)
	}

	if err := os.Rename(staged.StagingDir, staged.FinalDir); err != nil {
		return PublishedSnapshot{}, dataerrors.New(dataerrors.ErrStorage, "failed to publish canonical snapshot").
			With("dataset_id", staged.DatasetID).
			With("dataset_version", staged.DatasetVersion).
			Wrap(err)
	}

	partPaths := make([]string, len(staged.PartPaths))
	for i, path := range staged.PartPaths {
		partPaths[i] = filepath.Join(staged.FinalDir, filepath.Base(path))
	}

	return PublishedSnapshot{
		DatasetID:      staged.DatasetID,
		DatasetVersion: staged.DatasetVersion,
		VersionDir:     staged.FinalDir,
		PartPaths:      partPaths,
		MetadataPath:   filepath.Join(staged.FinalDir, "_metadata.json"),
		ContentHash:    staged.ContentHash,
	}, nil
}

func snapshotExistsError(datasetID, datasetVersion string) error {
	return dataerrors.New(dataerrors.ErrStorage, "canonical snapshot already exists").
		With("dataset_id", datasetID).
		With("dataset_version", datasetVersion)
}

func wrapStorage(cause error, message, ingestRunID, requestFingerprint string) error {
	return dataerrors.New(dataerrors.ErrStorage, message).
		With("ingest_run_id", ingestRunID).
		With("request_fingerprint", requestFingerprint).
		Wrap(cause)
}

func wrapStage(cause error, datasetID, datasetVersion string) error {
	return dataerrors.New(dataerrors.ErrStorage, "failed to stage canonical snapshot").
		With("dataset_id", datasetID).
		With("dataset_version", datasetVersion).
		Wrap(cause)
}

// marshalSortedJSON serializes with deterministic key order (encoding/json
// sorts map keys).
func marshalSortedJSON(payload map[string]any) ([]byte, error) {
	if payload == nil {
		payload = map[string]any{}
	}

	return json.Marshal(payload)
}
