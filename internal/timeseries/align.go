package timeseries

import (
	"github.com/quantlab-io/datacore/internal/calendar"
	"github.com/quantlab-io/datacore/internal/dataerrors"
)

// BuildTargetIndex resolves the request calendar and returns the session
// dates in [start, end]. The index must come back unique and sorted; a
// calendar that violates that is rejected here rather than downstream.
func BuildTargetIndex(factory calendar.CalendarFactory, spec *CalendarSpec, start, end calendar.Date) ([]calendar.Date, error) {
	if spec == nil {
		return nil, dataerrors.New(dataerrors.ErrValidation, "calendar must be provided")
	}

	if spec.Kind != CalendarMarket {
		return nil, dataerrors.New(dataerrors.ErrValidation, "calendar kind must be MARKET").
			With("calendar_kind", spec.Kind)
	}

	cal, err := factory(spec.Market)
	if err != nil {
		return nil, dataerrors.New(dataerrors.ErrValidation, "calendar unavailable").
			With("market", spec.Market).Wrap(err)
	}

	sessions := cal.Sessions(start, end)

	if dups := duplicateDates(sessions); len(dups) > 0 {
		return nil, dataerrors.New(dataerrors.ErrValidation, "target calendar sessions must be unique").
			With("market", spec.Market).
			With("duplicate_dates", formatDates(dups))
	}

	if !datesSorted(sessions) {
		return nil, dataerrors.New(dataerrors.ErrValidation, "target calendar sessions must be monotonic increasing").
			With("market", spec.Market)
	}

	return sessions, nil
}

// AlignFrame reindexes the frame onto the target dates and applies the
// missing-data policy. Dates absent from the source become NaN rows;
// source dates outside the target are dropped. Aligning an already
// aligned frame is a no-op.
func AlignFrame(frame *Frame, targetDates []calendar.Date, missing MissingDataPolicy) (*Frame, error) {
	if dups := duplicateDates(targetDates); len(dups) > 0 {
		return nil, dataerrors.New(dataerrors.ErrValidation, "target_dates must be unique").
			With("duplicate_dates", formatDates(dups))
	}

	if !datesSorted(targetDates) {
		return nil, dataerrors.New(dataerrors.ErrValidation, "target_dates must be monotonic increasing")
	}

	if dups := duplicateDates(frame.Dates); len(dups) > 0 {
		return nil, dataerrors.New(dataerrors.ErrValidation, "frame index contains duplicate dates").
			With("duplicate_dates", formatDates(dups))
	}

	sourcePos := make(map[calendar.Date]int, len(frame.Dates))
	for i, d := range frame.Dates {
		sourcePos[d] = i
	}

	dates := make([]calendar.Date, len(targetDates))
	copy(dates, targetDates)

	aligned := NewFrame(dates, frame.Columns)
	for i, d := range dates {
		if src, ok := sourcePos[d]; ok {
			copy(aligned.Values[i], frame.Values[src])
		}
	}

	switch missing.Policy {
	case MissingNaNOK:
		return aligned, nil
	case MissingDropDates:
		return dropNaNRows(aligned), nil
	case MissingError:
		if err := errorOnMissing(aligned); err != nil {
			return nil, err
		}

		return aligned, nil
	default:
		return nil, dataerrors.New(dataerrors.ErrValidation, "unknown missing policy").
			With("policy", missing.Policy)
	}
}

// dropNaNRows removes every row containing at least one NaN.
func dropNaNRows(frame *Frame) *Frame {
	columns := frame.allColumns()
	keep := make([]int, 0, len(frame.Dates))

	for i := range frame.Dates {
		if !frame.rowHasNaN(i, columns) {
			keep = append(keep, i)
		}
	}

	return frame.selectRows(keep)
}

// errorOnMissing fails when the aligned frame still carries NaN cells.
func errorOnMissing(frame *Frame) error {
	columns := frame.allColumns()
	missing := make([]calendar.Date, 0)

	for i, d := range frame.Dates {
		if frame.rowHasNaN(i, columns) {
			missing = append(missing, d)
		}
	}

	if len(missing) == 0 {
		return nil
	}

	return dataerrors.New(dataerrors.ErrValidation, "aligned frame has missing values").
		With("missing_count", len(missing)).
		With("missing_dates", formatDates(missing))
}
