// Package storage implements the canonical filesystem store: write-once raw
// payload capture, staged-then-published canonical snapshots, the append-only
// dataset registry, and ingest run metadata.
package storage

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

var (
	// ErrEmptyArgument is returned when a required path component is empty.
	ErrEmptyArgument = errors.New("argument must be a non-empty string")
	// ErrEmptyParts is returned when a snapshot is staged with no part files.
	ErrEmptyParts = errors.New("parts must not be empty")
)

type (
	// RawPaths locates one raw payload capture on disk.
	RawPaths struct {
		BaseDir      string
		PayloadPath  string
		MetadataPath string
	}

	// CanonicalPaths locates one canonical snapshot version on disk.
	CanonicalPaths struct {
		DatasetDir   string
		VersionDir   string
		MetadataPath string
	}
)

// BuildRawPaths derives the raw capture layout for an (ingest run, request
// fingerprint) pair: `ingest_run_id=<id>/request=<fp>/payload.<ext>` plus a
// metadata sidecar.
func BuildRawPaths(rawRoot, ingestRunID, requestFingerprint, ext string) (RawPaths, error) {
	if ingestRunID == "" {
		return RawPaths{}, fmt.Errorf("%w: ingest_run_id", ErrEmptyArgument)
	}
	if requestFingerprint == "" {
		return RawPaths{}, fmt.Errorf("%w: request_fingerprint", ErrEmptyArgument)
	}

	extension := strings.TrimPrefix(ext, ".")
	if extension == "" {
		return RawPaths{}, fmt.Errorf("%w: ext", ErrEmptyArgument)
	}

	baseDir := filepath.Join(
		rawRoot,
		"ingest_run_id="+ingestRunID,
		"request="+requestFingerprint,
	)

	return RawPaths{
		BaseDir:      baseDir,
		PayloadPath:  filepath.Join(baseDir, "payload."+extension),
		MetadataPath: filepath.Join(baseDir, "metadata.json"),
	}, nil
}

// BuildCanonicalPaths derives the canonical snapshot layout for a dataset
// version: `dataset_id=<id>/dataset_version=<version>/` with a `_metadata.json`
// inside the version directory.
func BuildCanonicalPaths(canonicalRoot, datasetID, datasetVersion string) (CanonicalPaths, error) {
	if datasetID == "" {
		return CanonicalPaths{}, fmt.Errorf("%w: dataset_id", ErrEmptyArgument)
	}
	if datasetVersion == "" {
		return CanonicalPaths{}, fmt.Errorf("%w: dataset_version", ErrEmptyArgument)
	}

	datasetDir := filepath.Join(canonicalRoot, "dataset_id="+datasetID)
	versionDir := filepath.Join(datasetDir, "dataset_version="+datasetVersion)

	return CanonicalPaths{
		DatasetDir:   datasetDir,
		VersionDir:   versionDir,
		MetadataPath: filepath.Join(versionDir, "_metadata.json"),
	}, nil
}

// IngestRunDir returns the directory holding everything captured by one
// ingest run.
func IngestRunDir(rawRoot, ingestRunID string) (string, error) {
	if ingestRunID == "" {
		return "", fmt.Errorf("%w: ingest_run_id", ErrEmptyArgument)
	}

	return filepath.Join(rawRoot, "ingest_run_id="+ingestRunID), nil
}

// IngestRunMetadataPath returns the write-once metadata file for a run.
func IngestRunMetadataPath(rawRoot, ingestRunID string) (string, error) {
	dir, err := IngestRunDir(rawRoot, ingestRunID)
	if err != nil {
		return "", err
	}

	return filepath.Join(dir, "ingest_run.json"), nil
}
