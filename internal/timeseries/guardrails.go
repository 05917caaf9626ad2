package timeseries

import (
	"log/slog"
	"math"

	"github.com/quantlab-io/datacore/internal/calendar"
	"github.com/quantlab-io/datacore/internal/dataerrors"
)

// priceFields are the columns the non-positive-price guardrail inspects.
var priceFields = map[string]bool{
	"open":  true,
	"high":  true,
	"low":   true,
	"close": true,
}

// ValidateFrame runs the frame-level guardrail pass over an aligned frame:
// deduplication, index monotonicity, per-asset coverage, non-positive
// prices, and return-jump detection. It returns the possibly deduplicated
// frame and a QualityReport; hard failures abort with a validation error.
func ValidateFrame(frame *Frame, policy ValidationPolicy, logger *slog.Logger, requestHash, provider string) (*Frame, QualityReport, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger = logger.With(
		slog.String("request_hash", requestHash),
		slog.String("provider", provider),
	)

	report := NewQualityReport()

	if policy.TypeChecks {
		if err := requireDateIndex(frame); err != nil {
			return nil, report, err
		}
	}

	deduped, duplicatesRemoved, err := deduplicateFrame(frame, policy)
	if err != nil {
		return nil, report, err
	}

	if duplicatesRemoved > 0 {
		report.Actions["deduplicate"] = policy.Deduplicate
		logger.Info("frame deduplicated",
			slog.Int("duplicate_count", duplicatesRemoved))
	}

	assets := deduped.Assets()
	totalRows := len(deduped.Dates)

	if !datesSorted(deduped.Dates) {
		if policy.MonotonicIndex {
			return nil, report, dataerrors.New(dataerrors.ErrValidation, "frame index must be monotonic increasing").
				With("request_hash", requestHash).
				With("provider", provider)
		}

		for _, asset := range assets {
			report.addFlag(asset, FlagNonmonotonicIndex, 1, formatDates(deduped.Dates))
		}
	}

	for _, asset := range assets {
		columns := deduped.assetColumns(asset)

		missing := make([]calendar.Date, 0)
		for i, d := range deduped.Dates {
			if deduped.rowHasNaN(i, columns) {
				missing = append(missing, d)
			}
		}

		if totalRows > 0 {
			report.Coverage[asset] = float64(totalRows-len(missing)) / float64(totalRows)
		} else {
			report.Coverage[asset] = 0
		}

		report.addFlag(asset, FlagMissing, len(missing), formatDates(missing))

		nonpositive := nonpositiveDates(deduped, columns)
		if len(nonpositive) > 0 {
			if policy.NoNonpositivePrices {
				logger.Warn("non-positive price detected",
					slog.String("asset_id", string(asset)),
					slog.Int("count", len(nonpositive)))

				return nil, report, dataerrors.New(dataerrors.ErrValidation, "nonpositive price detected").
					With("asset_id", string(asset)).
					With("request_hash", requestHash).
					With("provider", provider).
					With("count", len(nonpositive))
			}

			report.addFlag(asset, FlagNonpositivePrice, len(nonpositive), formatDates(nonpositive))
		}

		if closeIdx, ok := deduped.ColumnIndex(asset, "close"); ok {
			checkReturnJumps(deduped, asset, closeIdx, policy, &report, logger)
		}

		if duplicatesRemoved > 0 {
			report.addFlag(asset, FlagDuplicateResolved, duplicatesRemoved, nil)
		}
	}

	return deduped, report, nil
}

// requireDateIndex rejects zero-valued dates in the index.
func requireDateIndex(frame *Frame) error {
	for _, d := range frame.Dates {
		if d == (calendar.Date{}) {
			return dataerrors.New(dataerrors.ErrValidation, "frame index must contain date values")
		}
	}

	return nil
}

// deduplicateFrame resolves duplicate index dates per policy. Returns the
// surviving frame and the number of rows removed.
func deduplicateFrame(frame *Frame, policy ValidationPolicy) (*Frame, int, error) {
	dups := duplicateDates(frame.Dates)
	if len(dups) == 0 {
		return frame, 0, nil
	}

	if policy.Deduplicate == DeduplicateError {
		return nil, 0, dataerrors.New(dataerrors.ErrValidation, "frame index contains duplicate dates").
			With("duplicate_dates", formatDates(dups))
	}

	keepLast := policy.Deduplicate == DeduplicateLast
	chosen := make(map[calendar.Date]int, len(frame.Dates))

	for i, d := range frame.Dates {
		if _, ok := chosen[d]; !ok || keepLast {
			chosen[d] = i
		}
	}

	keep := make([]int, 0, len(chosen))
	seen := make(map[calendar.Date]bool, len(chosen))

	for _, d := range frame.Dates {
		if !seen[d] {
			seen[d] = true
			keep = append(keep, chosen[d])
		}
	}

	removed := len(frame.Dates) - len(keep)

	return frame.selectRows(keep), removed, nil
}

// nonpositiveDates returns dates where any price field is finite and <= 0.
func nonpositiveDates(frame *Frame, columns []int) []calendar.Date {
	dates := make([]calendar.Date, 0)

	for i, d := range frame.Dates {
		for _, j := range columns {
			if !priceFields[frame.Columns[j].Field] {
				continue
			}

			v := frame.Values[i][j]
			if !math.IsNaN(v) && v <= 0 {
				dates = append(dates, d)

				break
			}
		}
	}

	return dates
}

// checkReturnJumps flags suspected corporate actions and, when a max
// absolute return is configured, outlier returns on the close column.
// Non-positive closes are excluded from the return base.
func checkReturnJumps(frame *Frame, asset AssetID, closeIdx int, policy ValidationPolicy, report *QualityReport, logger *slog.Logger) {
	returns := simpleReturns(frame, closeIdx)

	corpAction := make([]calendar.Date, 0)
	outliers := make([]calendar.Date, 0)

	for i, ret := range returns {
		if math.IsNaN(ret) {
			continue
		}

		if math.Abs(ret) >= policy.CorpActionJumpThreshold {
			corpAction = append(corpAction, frame.Dates[i])
		}

		if policy.MaxAbsReturn != nil && math.Abs(ret) >= *policy.MaxAbsReturn {
			outliers = append(outliers, frame.Dates[i])
		}
	}

	if len(corpAction) > 0 {
		report.addFlag(asset, FlagSuspectCorpAction, len(corpAction), formatDates(corpAction))
		logger.Info("suspected corporate action",
			slog.String("asset_id", string(asset)),
			slog.Int("count", len(corpAction)))
	}

	if len(outliers) > 0 {
		report.addFlag(asset, FlagOutlierReturn, len(outliers), formatDates(outliers))
		logger.Info("outlier return",
			slog.String("asset_id", string(asset)),
			slog.Int("count", len(outliers)))
	}
}

// simpleReturns computes close-over-close simple returns, NaN where either
// endpoint is missing or the base is non-positive. The first row is NaN.
func simpleReturns(frame *Frame, closeIdx int) []float64 {
	returns := make([]float64, len(frame.Dates))
	for i := range returns {
		returns[i] = math.NaN()
	}

	for i := 1; i < len(frame.Dates); i++ {
		prev := frame.Values[i-1][closeIdx]
		cur := frame.Values[i][closeIdx]

		if math.IsNaN(prev) || math.IsNaN(cur) || prev <= 0 {
			continue
		}

		returns[i] = cur/prev - 1
	}

	return returns
}
