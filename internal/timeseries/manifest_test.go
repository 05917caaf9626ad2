package timeseries

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/quantlab-io/datacore/internal/dataerrors"
)

func testLineage(t *testing.T, requestHash string, paths []string) LineageMeta {
	t.Helper()

	return LineageMeta{
		DatasetVersion: "2024-02-01",
		IngestionTS:    "2024-02-01T10:00:00Z",
		Provider:       "stooq",
		RequestHash:    requestHash,
		RequestJSON:    testRequest(t).Document(),
		StoragePaths:   paths,
	}
}

func TestWriteReadManifest(t *testing.T) {
	root := t.TempDir()
	paths := []string{"market/stooq/AAPL.XNAS/1D/part-2024.parquet"}
	lineage := testLineage(t, testHash, paths)

	quality := NewQualityReport()
	quality.Coverage["AAPL.XNAS"] = 1.0

	written, err := WriteManifest(root, testHash, lineage, quality, paths)
	if err != nil {
		t.Fatalf("WriteManifest() error = %v", err)
	}
	if want := filepath.Join(root, "manifests", testHash+".json"); written != want {
		t.Errorf("manifest path = %q, want %q", written, want)
	}

	manifest, err := ReadManifest(root, testHash)
	if err != nil {
		t.Fatalf("ReadManifest() error = %v", err)
	}

	if manifest.RequestHash != testHash {
		t.Errorf("RequestHash = %q", manifest.RequestHash)
	}
	if manifest.Provider != "stooq" {
		t.Errorf("Provider = %q", manifest.Provider)
	}
	if got := manifest.Quality.Coverage["AAPL.XNAS"]; got != 1.0 {
		t.Errorf("coverage = %v, want 1.0", got)
	}
	if len(manifest.StoragePaths) != 1 || manifest.StoragePaths[0] != paths[0] {
		t.Errorf("StoragePaths = %v", manifest.StoragePaths)
	}
	if len(manifest.RequestJSON.Assets) != 2 {
		t.Errorf("RequestJSON.Assets = %v", manifest.RequestJSON.Assets)
	}
}

func TestWriteManifest_SortedKeys(t *testing.T) {
	root := t.TempDir()
	lineage := testLineage(t, testHash, nil)

	if _, err := WriteManifest(root, testHash, lineage, NewQualityReport(), nil); err != nil {
		t.Fatalf("WriteManifest() error = %v", err)
	}

	data, err := os.ReadFile(filepath.Join(root, "manifests", testHash+".json"))
	if err != nil {
		t.Fatalf("failed to read manifest: %v", err)
	}

	payload := string(data)
	keys := []string{
		`"as_of_utc"`, `"code_version"`, `"dataset_version"`, `"ingestion_ts_utc"`,
		`"provider"`, `"quality"`, `"request_hash"`, `"request_json"`, `"storage_paths"`,
	}

	last := -1
	for _, key := range keys {
		idx := strings.Index(payload, key)
		if idx < 0 {
			t.Fatalf("key %s missing from manifest", key)
		}
		if idx < last {
			t.Errorf("key %s out of sorted order", key)
		}
		last = idx
	}

	if !json.Valid(data) {
		t.Error("manifest is not valid JSON")
	}
}

func TestWriteManifest_HashMismatch(t *testing.T) {
	lineage := testLineage(t, "other-hash", nil)

	_, err := WriteManifest(t.TempDir(), testHash, lineage, NewQualityReport(), nil)
	if !errors.Is(err, dataerrors.ErrStorage) {
		t.Fatalf("WriteManifest() error = %v, want ErrStorage", err)
	}
}

func TestWriteManifest_StoragePathMismatch(t *testing.T) {
	lineage := testLineage(t, testHash, []string{"market/a/part-2024.parquet"})

	_, err := WriteManifest(t.TempDir(), testHash, lineage, NewQualityReport(),
		[]string{"market/b/part-2024.parquet"})
	if !errors.Is(err, dataerrors.ErrStorage) {
		t.Fatalf("WriteManifest() error = %v, want ErrStorage", err)
	}
}

func TestReadManifest_Missing(t *testing.T) {
	_, err := ReadManifest(t.TempDir(), testHash)
	if !errors.Is(err, dataerrors.ErrStorage) {
		t.Fatalf("ReadManifest() error = %v, want ErrStorage", err)
	}
}

func TestReadManifest_Corrupt(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "manifests")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, testHash+".json"), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := ReadManifest(root, testHash)
	if !errors.Is(err, dataerrors.ErrStorage) {
		t.Fatalf("ReadManifest() error = %v, want ErrStorage", err)
	}
}

func TestManifestExists(t *testing.T) {
	root := t.TempDir()

	exists, err := ManifestExists(root, testHash)
	if err != nil || exists {
		t.Fatalf("ManifestExists() = %v, %v; want false, nil", exists, err)
	}

	lineage := testLineage(t, testHash, nil)
	if _, err := WriteManifest(root, testHash, lineage, NewQualityReport(), nil); err != nil {
		t.Fatalf("WriteManifest() error = %v", err)
	}

	exists, err = ManifestExists(root, testHash)
	if err != nil || !exists {
		t.Fatalf("ManifestExists() = %v, %v; want true, nil", exists, err)
	}
}

func TestLineageMeta_Validate(t *testing.T) {
	valid := testLineage(t, testHash, nil)
	if err := valid.Validate(); err != nil {
		t.Errorf("valid lineage rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*LineageMeta)
	}{
		{"no hash", func(l *LineageMeta) { l.RequestHash = "" }},
		{"no provider", func(l *LineageMeta) { l.Provider = "" }},
		{"no ingestion ts", func(l *LineageMeta) { l.IngestionTS = "" }},
		{"no dataset version", func(l *LineageMeta) { l.DatasetVersion = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lineage := testLineage(t, testHash, nil)
			tt.mutate(&lineage)

			if err := lineage.Validate(); err == nil {
				t.Error("Validate() succeeded, want error")
			}
		})
	}
}
