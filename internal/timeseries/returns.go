package timeseries

import (
	"math"

	"github.com/quantlab-io/datacore/internal/calendar"
	"github.com/quantlab-io/datacore/internal/dataerrors"
)

// Missing-data policies for computed returns.
const (
	ReturnsAllowNaN  = "ALLOW_NAN"
	ReturnsDropDates = "DROP_DATES"
	ReturnsError     = "ERROR"
)

// ComputeReturns derives per-asset simple returns over one field of an
// aligned frame. Gaps are never filled: a return is NaN when either
// endpoint is missing. Columns are renamed "<field>_return".
func ComputeReturns(frame *Frame, field string, missingPolicy string) (*Frame, error) {
	if field == "" {
		return nil, dataerrors.New(dataerrors.ErrValidation, "field must be non-empty")
	}

	selected := make([]int, 0, len(frame.Columns))
	for i, key := range frame.Columns {
		if key.Field == field {
			selected = append(selected, i)
		}
	}

	if len(selected) == 0 {
		return nil, dataerrors.New(dataerrors.ErrValidation, "field not available in frame").
			With("field", field)
	}

	columns := make([]ColumnKey, 0, len(selected))
	for _, idx := range selected {
		columns = append(columns, ColumnKey{
			Asset: frame.Columns[idx].Asset,
			Field: field + "_return",
		})
	}

	result := NewFrame(append([]calendar.Date(nil), frame.Dates...), columns)

	for j, idx := range selected {
		for i := 1; i < len(frame.Dates); i++ {
			prev := frame.Values[i-1][idx]
			cur := frame.Values[i][idx]

			if math.IsNaN(prev) || math.IsNaN(cur) || prev == 0 {
				continue
			}

			result.Values[i][j] = cur/prev - 1
		}
	}

	switch missingPolicy {
	case ReturnsAllowNaN:
		return result, nil
	case ReturnsDropDates:
		return dropNaNRows(result), nil
	case ReturnsError:
		if err := returnsErrorOnMissing(result); err != nil {
			return nil, err
		}

		return result, nil
	default:
		return nil, dataerrors.New(dataerrors.ErrValidation, "unsupported missing policy").
			With("missing_policy", missingPolicy)
	}
}

// returnsErrorOnMissing fails on NaN anywhere past the first row. The
// first row has no prior observation and is always NaN.
func returnsErrorOnMissing(frame *Frame) error {
	columns := frame.allColumns()

	for i := 1; i < len(frame.Dates); i++ {
		if frame.rowHasNaN(i, columns) {
			return dataerrors.New(dataerrors.ErrValidation, "returns contain missing values").
				With("missing_policy", ReturnsError)
		}
	}

	return nil
}
