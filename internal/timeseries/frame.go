package timeseries

import (
	"math"
	"sort"

	"github.com/quantlab-io/datacore/internal/calendar"
	"github.com/quantlab-io/datacore/internal/dataerrors"
)

type (
	// ColumnKey identifies one frame column as an (asset, field) pair.
	ColumnKey struct {
		Asset AssetID
		Field string
	}

	// Frame is a date-indexed table of float64 values with one column per
	// (asset, field) pair. Missing values are NaN; the frame never fills
	// gaps on its own.
	Frame struct {
		Dates   []calendar.Date
		Columns []ColumnKey
		Values  [][]float64
	}
)

// NewFrame allocates a frame over the given dates and columns with every
// cell set to NaN.
func NewFrame(dates []calendar.Date, columns []ColumnKey) *Frame {
	values := make([][]float64, len(dates))
	for i := range values {
		row := make([]float64, len(columns))
		for j := range row {
			row[j] = math.NaN()
		}

		values[i] = row
	}

	return &Frame{Dates: dates, Columns: columns, Values: values}
}

// Clone returns a deep copy.
func (f *Frame) Clone() *Frame {
	dates := make([]calendar.Date, len(f.Dates))
	copy(dates, f.Dates)

	columns := make([]ColumnKey, len(f.Columns))
	copy(columns, f.Columns)

	values := make([][]float64, len(f.Values))
	for i, row := range f.Values {
		copied := make([]float64, len(row))
		copy(copied, row)
		values[i] = copied
	}

	return &Frame{Dates: dates, Columns: columns, Values: values}
}

// ColumnIndex returns the position of the (asset, field) column.
func (f *Frame) ColumnIndex(asset AssetID, field string) (int, bool) {
	for i, key := range f.Columns {
		if key.Asset == asset && key.Field == field {
			return i, true
		}
	}

	return 0, false
}

// Column returns the values of the (asset, field) column in date order.
func (f *Frame) Column(asset AssetID, field string) ([]float64, bool) {
	idx, ok := f.ColumnIndex(asset, field)
	if !ok {
		return nil, false
	}

	values := make([]float64, len(f.Values))
	for i, row := range f.Values {
		values[i] = row[idx]
	}

	return values, true
}

// Assets returns the distinct asset ids in first-appearance column order.
func (f *Frame) Assets() []AssetID {
	seen := make(map[AssetID]bool, len(f.Columns))
	assets := make([]AssetID, 0, len(f.Columns))

	for _, key := range f.Columns {
		if !seen[key.Asset] {
			seen[key.Asset] = true
			assets = append(assets, key.Asset)
		}
	}

	return assets
}

// assetColumns returns the column indexes belonging to one asset.
func (f *Frame) assetColumns(asset AssetID) []int {
	indexes := make([]int, 0, len(f.Columns))
	for i, key := range f.Columns {
		if key.Asset == asset {
			indexes = append(indexes, i)
		}
	}

	return indexes
}

// rowHasNaN reports whether any of the given columns is NaN in row i.
func (f *Frame) rowHasNaN(i int, columns []int) bool {
	for _, j := range columns {
		if math.IsNaN(f.Values[i][j]) {
			return true
		}
	}

	return false
}

// allColumns returns every column index.
func (f *Frame) allColumns() []int {
	indexes := make([]int, len(f.Columns))
	for i := range indexes {
		indexes[i] = i
	}

	return indexes
}

// selectRows returns a new frame containing only the rows at the given
// positions, in the given order.
func (f *Frame) selectRows(positions []int) *Frame {
	dates := make([]calendar.Date, 0, len(positions))
	values := make([][]float64, 0, len(positions))

	for _, pos := range positions {
		dates = append(dates, f.Dates[pos])
		row := make([]float64, len(f.Values[pos]))
		copy(row, f.Values[pos])
		values = append(values, row)
	}

	columns := make([]ColumnKey, len(f.Columns))
	copy(columns, f.Columns)

	return &Frame{Dates: dates, Columns: columns, Values: values}
}

// datesSorted reports whether the date index is monotonic non-decreasing.
func datesSorted(dates []calendar.Date) bool {
	for i := 1; i < len(dates); i++ {
		if dates[i].Before(dates[i-1]) {
			return false
		}
	}

	return true
}

// duplicateDates returns the distinct dates that appear more than once,
// in first-appearance order.
func duplicateDates(dates []calendar.Date) []calendar.Date {
	counts := make(map[calendar.Date]int, len(dates))
	for _, d := range dates {
		counts[d]++
	}

	seen := make(map[calendar.Date]bool)
	duplicates := make([]calendar.Date, 0)

	for _, d := range dates {
		if counts[d] > 1 && !seen[d] {
			seen[d] = true
			duplicates = append(duplicates, d)
		}
	}

	return duplicates
}

// formatDates renders up to maxExampleDates dates as ISO strings.
func formatDates(dates []calendar.Date) []string {
	formatted := make([]string, 0, maxExampleDates)
	for _, d := range dates {
		formatted = append(formatted, d.String())
		if len(formatted) >= maxExampleDates {
			break
		}
	}

	return formatted
}

// combineAssetFrames joins single-asset frames into one wide frame over
// the union of their dates, in the given asset order. Gaps become NaN.
func combineAssetFrames(frames map[AssetID]*AssetFrame, assets []AssetID, fields []string) (*Frame, error) {
	dateSet := make(map[calendar.Date]bool)
	allDates := make([]calendar.Date, 0)

	for _, asset := range assets {
		af, ok := frames[asset]
		if !ok {
			return nil, dataerrors.New(dataerrors.ErrValidation, "asset frame missing").
				With("asset_id", string(asset))
		}

		for _, d := range af.Dates {
			if !dateSet[d] {
				dateSet[d] = true
				allDates = append(allDates, d)
			}
		}
	}

	sortDates(allDates)

	columns := make([]ColumnKey, 0, len(assets)*len(fields))
	for _, asset := range assets {
		for _, field := range fields {
			columns = append(columns, ColumnKey{Asset: asset, Field: field})
		}
	}

	combined := NewFrame(allDates, columns)

	datePos := make(map[calendar.Date]int, len(allDates))
	for i, d := range allDates {
		datePos[d] = i
	}

	col := 0
	for _, asset := range assets {
		af := frames[asset]

		for _, field := range fields {
			fieldIdx := af.fieldIndex(field)

			for i, d := range af.Dates {
				row := datePos[d]
				if fieldIdx >= 0 {
					combined.Values[row][col] = af.Values[i][fieldIdx]
				}
			}

			col++
		}
	}

	return combined, nil
}

// sortDates sorts dates ascending in place.
func sortDates(dates []calendar.Date) {
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })
}
