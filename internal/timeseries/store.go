package timeseries

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/parquet-go/parquet-go"

	"github.com/quantlab-io/datacore/internal/calendar"
	"github.com/quantlab-io/datacore/internal/dataerrors"
)

const (
	marketDirName    = "market"
	manifestsDirName = "manifests"
)

// AssetFrame is a single-asset, date-indexed table read from or written to
// the partition store. Values are row-major over Fields; NaN is missing.
type AssetFrame struct {
	AssetID      AssetID
	Dates        []calendar.Date
	Fields       []string
	Values       [][]float64
	Provider     string
	VendorSymbol string
	IngestionTS  string
	SourceTS     []string
}

// fieldIndex returns the position of a field, or -1.
func (f *AssetFrame) fieldIndex(field string) int {
	for i, name := range f.Fields {
		if name == field {
			return i
		}
	}

	return -1
}

// PartitionMeta carries the metadata columns written alongside the data.
type PartitionMeta struct {
	VendorSymbol string
	IngestionTS  string
	SourceTS     []string
}

// partitionRow is the on-disk parquet schema for one cached session. The
// field columns are optional so a part only carries what was requested.
type partitionRow struct {
	Date           string   `parquet:"date"`
	Open           *float64 `parquet:"open,optional"`
	High           *float64 `parquet:"high,optional"`
	Low            *float64 `parquet:"low,optional"`
	Close          *float64 `parquet:"close,optional"`
	Volume         *float64 `parquet:"volume,optional"`
	VendorSymbol   string   `parquet:"vendor_symbol"`
	IngestionTSUTC string   `parquet:"ingestion_ts_utc"`
	SourceTS       *string  `parquet:"source_ts,optional"`
}

// sanitizeComponent makes a value safe as a single path element.
func sanitizeComponent(value, name string) (string, error) {
	sanitized := strings.TrimSpace(value)
	if sanitized == "" {
		return "", dataerrors.New(dataerrors.ErrStorage, name+" must be a non-empty string")
	}

	for _, token := range []string{"/", "\\", ":"} {
		sanitized = strings.ReplaceAll(sanitized, token, "_")
	}

	if sanitized == "." || sanitized == ".." {
		return "", dataerrors.New(dataerrors.ErrStorage, name+" must not be a path traversal value").
			With("value", value)
	}

	return sanitized, nil
}

// AssetDir returns the partition directory for one asset.
func AssetDir(root, provider string, asset AssetID, frequency string) (string, error) {
	providerDir, err := sanitizeComponent(provider, "provider")
	if err != nil {
		return "", err
	}

	assetDir, err := sanitizeComponent(string(asset), "asset_id")
	if err != nil {
		return "", err
	}

	freqDir, err := sanitizeComponent(frequency, "frequency")
	if err != nil {
		return "", err
	}

	return filepath.Join(root, marketDirName, providerDir, assetDir, freqDir), nil
}

// PartitionPath returns the parquet part path for one asset-year.
func PartitionPath(root, provider string, asset AssetID, year int, frequency string) (string, error) {
	if year <= 0 {
		return "", dataerrors.New(dataerrors.ErrStorage, "year must be positive").
			With("year", year)
	}

	dir, err := AssetDir(root, provider, asset, frequency)
	if err != nil {
		return "", err
	}

	return filepath.Join(dir, fmt.Sprintf("part-%d.parquet", year)), nil
}

// ManifestPath returns the manifest path for a request hash.
func ManifestPath(root, requestHash string) (string, error) {
	name, err := sanitizeComponent(requestHash, "request_hash")
	if err != nil {
		return "", err
	}

	return filepath.Join(root, manifestsDirName, name+".json"), nil
}

// PartitionStore persists per-asset daily market data as year-partitioned
// parquet files under <root>/market/<provider>/<asset>/<freq>/.
type PartitionStore struct {
	root     string
	provider string
}

// NewPartitionStore creates a store rooted at root for one provider.
func NewPartitionStore(root, provider string) *PartitionStore {
	return &PartitionStore{root: root, provider: provider}
}

// Root returns the store's root directory.
func (s *PartitionStore) Root() string { return s.root }

// Provider returns the provider namespace the store writes under.
func (s *PartitionStore) Provider() string { return s.provider }

// WriteAssetFrame splits a single-asset frame by calendar year and writes
// one parquet part per year, rows sorted by date. Returns the written
// paths in year order.
func (s *PartitionStore) WriteAssetFrame(asset AssetID, frame *AssetFrame, meta PartitionMeta) ([]string, error) {
	if len(frame.Dates) == 0 {
		return nil, dataerrors.New(dataerrors.ErrStorage, "cannot store empty asset frame").
			With("asset_id", string(asset))
	}

	if meta.VendorSymbol == "" {
		return nil, dataerrors.New(dataerrors.ErrStorage, "meta must include vendor_symbol")
	}

	if meta.IngestionTS == "" {
		return nil, dataerrors.New(dataerrors.ErrStorage, "meta must include ingestion_ts_utc")
	}

	if len(meta.SourceTS) > 0 && len(meta.SourceTS) != len(frame.Dates) {
		return nil, dataerrors.New(dataerrors.ErrStorage, "source_ts length does not match frame").
			With("expected", len(frame.Dates)).
			With("actual", len(meta.SourceTS))
	}

	if dups := duplicateDates(frame.Dates); len(dups) > 0 {
		return nil, dataerrors.New(dataerrors.ErrStorage, "frame index contains duplicate dates").
			With("asset_id", string(asset)).
			With("duplicate_dates", formatDates(dups))
	}

	order := make([]int, len(frame.Dates))
	for i := range order {
		order[i] = i
	}

	sort.Slice(order, func(a, b int) bool {
		return frame.Dates[order[a]].Before(frame.Dates[order[b]])
	})

	byYear := make(map[int][]partitionRow)
	for _, idx := range order {
		row, err := buildPartitionRow(frame, idx, meta)
		if err != nil {
			return nil, err
		}

		year := frame.Dates[idx].Year
		byYear[year] = append(byYear[year], row)
	}

	years := make([]int, 0, len(byYear))
	for year := range byYear {
		years = append(years, year)
	}

	sort.Ints(years)

	written := make([]string, 0, len(years))
	for _, year := range years {
		target, err := PartitionPath(s.root, s.provider, asset, year, FrequencyDaily)
		if err != nil {
			return nil, err
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return nil, dataerrors.New(dataerrors.ErrStorage, "failed to create partition directory").
				With("path", filepath.Dir(target)).Wrap(err)
		}

		var buf bytes.Buffer
		if err := parquet.Write(&buf, byYear[year]); err != nil {
			return nil, dataerrors.New(dataerrors.ErrStorage, "failed to write parquet").
				With("path", target).Wrap(err)
		}

		if err := os.WriteFile(target, buf.Bytes(), 0o644); err != nil {
			return nil, dataerrors.New(dataerrors.ErrStorage, "failed to write parquet").
				With("path", target).Wrap(err)
		}

		written = append(written, target)
	}

	return written, nil
}

// ReadAssets loads and concatenates the cached partitions for each asset
// over [start, end], restricted to the requested fields. Every asset must
// have at least one partition in range; duplicate dates in the cache are
// corruption.
func (s *PartitionStore) ReadAssets(assets []AssetID, start, end calendar.Date, fields []string) (map[AssetID]*AssetFrame, error) {
	if start.After(end) {
		return nil, dataerrors.New(dataerrors.ErrStorage, "start must be on or before end").
			With("start", start.String()).
			With("end", end.String())
	}

	results := make(map[AssetID]*AssetFrame, len(assets))

	for _, asset := range assets {
		frame, err := s.readAsset(asset, start, end, fields)
		if err != nil {
			return nil, err
		}

		results[asset] = frame
	}

	return results, nil
}

func (s *PartitionStore) readAsset(asset AssetID, start, end calendar.Date, fields []string) (*AssetFrame, error) {
	dir, err := AssetDir(s.root, s.provider, asset, FrequencyDaily)
	if err != nil {
		return nil, err
	}

	if _, err := os.Stat(dir); err != nil {
		return nil, dataerrors.New(dataerrors.ErrStorage, "asset cache missing").
			With("asset_id", string(asset)).
			With("provider", s.provider).Wrap(err)
	}

	rows := make([]partitionRow, 0)
	found := false

	for year := start.Year; year <= end.Year; year++ {
		target, err := PartitionPath(s.root, s.provider, asset, year, FrequencyDaily)
		if err != nil {
			return nil, err
		}

		data, err := os.ReadFile(target)
		if os.IsNotExist(err) {
			continue
		}

		if err != nil {
			return nil, dataerrors.New(dataerrors.ErrStorage, "failed to read parquet").
				With("path", target).Wrap(err)
		}

		partRows, err := parquet.Read[partitionRow](bytes.NewReader(data), int64(len(data)))
		if err != nil {
			return nil, dataerrors.New(dataerrors.ErrStorage, "failed to read parquet").
				With("path", target).Wrap(err)
		}

		found = true

		rows = append(rows, partRows...)
	}

	if !found {
		return nil, dataerrors.New(dataerrors.ErrStorage, "no cached parquet partitions found").
			With("asset_id", string(asset)).
			With("provider", s.provider)
	}

	return assembleAssetFrame(asset, s.provider, rows, start, end, fields)
}

func buildPartitionRow(frame *AssetFrame, idx int, meta PartitionMeta) (partitionRow, error) {
	row := partitionRow{
		Date:           frame.Dates[idx].String(),
		VendorSymbol:   meta.VendorSymbol,
		IngestionTSUTC: meta.IngestionTS,
	}

	if len(meta.SourceTS) > 0 && meta.SourceTS[idx] != "" {
		sourceTS := meta.SourceTS[idx]
		row.SourceTS = &sourceTS
	}

	for j, field := range frame.Fields {
		value := frame.Values[idx][j]
		if math.IsNaN(value) {
			continue
		}

		v := value

		switch field {
		case "open":
			row.Open = &v
		case "high":
			row.High = &v
		case "low":
			row.Low = &v
		case "close":
			row.Close = &v
		case "volume":
			row.Volume = &v
		default:
			return partitionRow{}, dataerrors.New(dataerrors.ErrStorage, "unsupported field").
				With("field", field)
		}
	}

	return row, nil
}

func assembleAssetFrame(asset AssetID, provider string, rows []partitionRow, start, end calendar.Date, fields []string) (*AssetFrame, error) {
	type parsedRow struct {
		date calendar.Date
		row  partitionRow
	}

	parsed := make([]parsedRow, 0, len(rows))
	for _, row := range rows {
		d, err := calendar.ParseDate(row.Date)
		if err != nil {
			return nil, dataerrors.New(dataerrors.ErrStorage, "cached parquet has invalid date").
				With("asset_id", string(asset)).
				With("value", row.Date).Wrap(err)
		}

		if d.Before(start) || d.After(end) {
			continue
		}

		parsed = append(parsed, parsedRow{date: d, row: row})
	}

	sort.Slice(parsed, func(a, b int) bool { return parsed[a].date.Before(parsed[b].date) })

	dates := make([]calendar.Date, 0, len(parsed))
	for _, p := range parsed {
		dates = append(dates, p.date)
	}

	if dups := duplicateDates(dates); len(dups) > 0 {
		return nil, dataerrors.New(dataerrors.ErrStorage, "cached parquet contains duplicate dates").
			With("asset_id", string(asset)).
			With("provider", provider).
			With("duplicate_dates", formatDates(dups))
	}

	frame := &AssetFrame{
		AssetID:  asset,
		Dates:    dates,
		Fields:   append([]string(nil), fields...),
		Values:   make([][]float64, len(parsed)),
		Provider: provider,
		SourceTS: make([]string, len(parsed)),
	}

	for i, p := range parsed {
		values := make([]float64, len(fields))
		for j, field := range fields {
			values[j] = fieldValue(p.row, field)
		}

		frame.Values[i] = values

		if p.row.SourceTS != nil {
			frame.SourceTS[i] = *p.row.SourceTS
		}

		if err := adoptConstant(&frame.VendorSymbol, p.row.VendorSymbol, "vendor_symbol", asset); err != nil {
			return nil, err
		}

		if err := adoptConstant(&frame.IngestionTS, p.row.IngestionTSUTC, "ingestion_ts_utc", asset); err != nil {
			return nil, err
		}
	}

	return frame, nil
}

func fieldValue(row partitionRow, field string) float64 {
	var ptr *float64

	switch field {
	case "open":
		ptr = row.Open
	case "high":
		ptr = row.High
	case "low":
		ptr = row.Low
	case "close":
		ptr = row.Close
	case "volume":
		ptr = row.Volume
	}

	if ptr == nil {
		return math.NaN()
	}

	return *ptr
}

// adoptConstant records a metadata value that must be identical across
// every row of an asset's cache slice.
func adoptConstant(current *string, value, name string, asset AssetID) error {
	if value == "" {
		return nil
	}

	if *current == "" {
		*current = value

		return nil
	}

	if *current != value {
		return dataerrors.New(dataerrors.ErrStorage, name+" values are inconsistent").
			With("asset_id", string(asset)).
			With("values", []string{*current, value})
	}

	return nil
}
