package timeseries

import (
	"errors"
	"math"
	"path/filepath"
	"strings"
	"testing"

	"github.com/quantlab-io/datacore/internal/dataerrors"
)

func testAssetFrame(t *testing.T, closes map[string]float64, days ...string) *AssetFrame {
	t.Helper()

	frame := &AssetFrame{
		Dates:  dates(t, days...),
		Fields: []string{"close"},
		Values: make([][]float64, len(days)),
	}

	for i, day := range days {
		v, ok := closes[day]
		if !ok {
			v = math.NaN()
		}

		frame.Values[i] = []float64{v}
	}

	return frame
}

func testMeta() PartitionMeta {
	return PartitionMeta{
		VendorSymbol: "AAPL.US",
		IngestionTS:  "2024-02-01T10:00:00Z",
	}
}

func TestPartitionStore_WriteReadRoundTrip(t *testing.T) {
	store := NewPartitionStore(t.TempDir(), "stooq")

	frame := testAssetFrame(t,
		map[string]float64{"2024-01-02": 100, "2024-01-03": 101},
		"2024-01-02", "2024-01-03")

	paths, err := store.WriteAssetFrame("AAPL.XNAS", frame, testMeta())
	if err != nil {
		t.Fatalf("WriteAssetFrame() error = %v", err)
	}
	if len(paths) != 1 {
		t.Fatalf("len(paths) = %d, want 1", len(paths))
	}
	if filepath.Base(paths[0]) != "part-2024.parquet" {
		t.Errorf("part name = %q", filepath.Base(paths[0]))
	}

	read, err := store.ReadAssets([]AssetID{"AAPL.XNAS"},
		mustDate(t, "2024-01-01"), mustDate(t, "2024-01-31"), []string{"close"})
	if err != nil {
		t.Fatalf("ReadAssets() error = %v", err)
	}

	got := read["AAPL.XNAS"]
	if len(got.Dates) != 2 {
		t.Fatalf("len(Dates) = %d, want 2", len(got.Dates))
	}
	if got.Values[0][0] != 100 || got.Values[1][0] != 101 {
		t.Errorf("values = %v", got.Values)
	}
	if got.VendorSymbol != "AAPL.US" {
		t.Errorf("VendorSymbol = %q", got.VendorSymbol)
	}
	if got.IngestionTS != "2024-02-01T10:00:00Z" {
		t.Errorf("IngestionTS = %q", got.IngestionTS)
	}
	if got.Provider != "stooq" {
		t.Errorf("Provider = %q", got.Provider)
	}
}

func TestPartitionStore_YearPartitioning(t *testing.T) {
	store := NewPartitionStore(t.TempDir(), "stooq")

	frame := testAssetFrame(t,
		map[string]float64{"2023-12-29": 99, "2024-01-02": 100},
		"2023-12-29", "2024-01-02")

	paths, err := store.WriteAssetFrame("AAPL.XNAS", frame, testMeta())
	if err != nil {
		t.Fatalf("WriteAssetFrame() error = %v", err)
	}
	if len(paths) != 2 {
		t.Fatalf("len(paths) = %d, want 2", len(paths))
	}
	if filepath.Base(paths[0]) != "part-2023.parquet" || filepath.Base(paths[1]) != "part-2024.parquet" {
		t.Errorf("part names = %v", paths)
	}

	// Reads spanning the year boundary stitch both parts back together
	read, err := store.ReadAssets([]AssetID{"AAPL.XNAS"},
		mustDate(t, "2023-12-01"), mustDate(t, "2024-01-31"), []string{"close"})
	if err != nil {
		t.Fatalf("ReadAssets() error = %v", err)
	}
	if got := read["AAPL.XNAS"]; len(got.Dates) != 2 {
		t.Errorf("len(Dates) = %d, want 2", len(got.Dates))
	}
}

func TestPartitionStore_ReadSlicesRange(t *testing.T) {
	store := NewPartitionStore(t.TempDir(), "stooq")

	frame := testAssetFrame(t,
		map[string]float64{"2024-01-02": 100, "2024-01-15": 101, "2024-01-30": 102},
		"2024-01-02", "2024-01-15", "2024-01-30")

	if _, err := store.WriteAssetFrame("AAPL.XNAS", frame, testMeta()); err != nil {
		t.Fatalf("WriteAssetFrame() error = %v", err)
	}

	read, err := store.ReadAssets([]AssetID{"AAPL.XNAS"},
		mustDate(t, "2024-01-10"), mustDate(t, "2024-01-20"), []string{"close"})
	if err != nil {
		t.Fatalf("ReadAssets() error = %v", err)
	}

	got := read["AAPL.XNAS"]
	if len(got.Dates) != 1 || got.Dates[0].String() != "2024-01-15" {
		t.Errorf("dates = %v, want just 2024-01-15", got.Dates)
	}
}

func TestPartitionStore_UnfetchedFieldReadsNaN(t *testing.T) {
	store := NewPartitionStore(t.TempDir(), "stooq")

	frame := testAssetFrame(t, map[string]float64{"2024-01-02": 100}, "2024-01-02")

	if _, err := store.WriteAssetFrame("AAPL.XNAS", frame, testMeta()); err != nil {
		t.Fatalf("WriteAssetFrame() error = %v", err)
	}

	read, err := store.ReadAssets([]AssetID{"AAPL.XNAS"},
		mustDate(t, "2024-01-01"), mustDate(t, "2024-01-31"), []string{"close", "open"})
	if err != nil {
		t.Fatalf("ReadAssets() error = %v", err)
	}

	got := read["AAPL.XNAS"]
	if got.Values[0][0] != 100 {
		t.Errorf("close = %v, want 100", got.Values[0][0])
	}
	if !math.IsNaN(got.Values[0][1]) {
		t.Errorf("open = %v, want NaN", got.Values[0][1])
	}
}

func TestPartitionStore_MissingAsset(t *testing.T) {
	store := NewPartitionStore(t.TempDir(), "stooq")

	_, err := store.ReadAssets([]AssetID{"AAPL.XNAS"},
		mustDate(t, "2024-01-01"), mustDate(t, "2024-01-31"), []string{"close"})
	if !errors.Is(err, dataerrors.ErrStorage) {
		t.Fatalf("ReadAssets() error = %v, want ErrStorage", err)
	}
	if !strings.Contains(err.Error(), "asset cache missing") {
		t.Errorf("error = %v", err)
	}
}

func TestPartitionStore_WriteRejectsDuplicateDates(t *testing.T) {
	store := NewPartitionStore(t.TempDir(), "stooq")

	frame := testAssetFrame(t, map[string]float64{"2024-01-02": 100},
		"2024-01-02", "2024-01-02")

	_, err := store.WriteAssetFrame("AAPL.XNAS", frame, testMeta())
	if !errors.Is(err, dataerrors.ErrStorage) {
		t.Fatalf("WriteAssetFrame() error = %v, want ErrStorage", err)
	}
}

func TestPartitionStore_WriteRejectsMissingMeta(t *testing.T) {
	store := NewPartitionStore(t.TempDir(), "stooq")
	frame := testAssetFrame(t, map[string]float64{"2024-01-02": 100}, "2024-01-02")

	if _, err := store.WriteAssetFrame("AAPL.XNAS", frame, PartitionMeta{IngestionTS: "x"}); err == nil {
		t.Error("missing vendor_symbol accepted")
	}

	if _, err := store.WriteAssetFrame("AAPL.XNAS", frame, PartitionMeta{VendorSymbol: "x"}); err == nil {
		t.Error("missing ingestion_ts accepted")
	}

	if _, err := store.WriteAssetFrame("AAPL.XNAS", &AssetFrame{}, testMeta()); err == nil {
		t.Error("empty frame accepted")
	}
}

func TestPartitionStore_SanitizesPathComponents(t *testing.T) {
	root := t.TempDir()
	store := NewPartitionStore(root, "stooq/v1")

	frame := testAssetFrame(t, map[string]float64{"2024-01-02": 100}, "2024-01-02")

	paths, err := store.WriteAssetFrame("AAPL.XNAS", frame, testMeta())
	if err != nil {
		t.Fatalf("WriteAssetFrame() error = %v", err)
	}

	want := filepath.Join(root, "market", "stooq_v1", "AAPL.XNAS", "1D", "part-2024.parquet")
	if paths[0] != want {
		t.Errorf("path = %q, want %q", paths[0], want)
	}
}

func TestSanitizeComponent_Traversal(t *testing.T) {
	if _, err := sanitizeComponent("..", "asset_id"); err == nil {
		t.Error("path traversal value accepted")
	}
	if _, err := sanitizeComponent("  ", "provider"); err == nil {
		t.Error("blank value accepted")
	}
}

func TestPartitionStore_SourceTSRoundTrip(t *testing.T) {
	store := NewPartitionStore(t.TempDir(), "stooq")

	frame := testAssetFrame(t,
		map[string]float64{"2024-01-02": 100, "2024-01-03": 101},
		"2024-01-02", "2024-01-03")

	meta := testMeta()
	meta.SourceTS = []string{"2024-01-02T21:00:00Z", "2024-01-03T21:00:00Z"}

	if _, err := store.WriteAssetFrame("AAPL.XNAS", frame, meta); err != nil {
		t.Fatalf("WriteAssetFrame() error = %v", err)
	}

	read, err := store.ReadAssets([]AssetID{"AAPL.XNAS"},
		mustDate(t, "2024-01-01"), mustDate(t, "2024-01-31"), []string{"close"})
	if err != nil {
		t.Fatalf("ReadAssets() error = %v", err)
	}

	got := read["AAPL.XNAS"]
	if len(got.SourceTS) != 2 || got.SourceTS[1] != "2024-01-03T21:00:00Z" {
		t.Errorf("SourceTS = %v", got.SourceTS)
	}
}
