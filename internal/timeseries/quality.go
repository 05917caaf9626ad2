package timeseries

import (
	"fmt"

	"github.com/quantlab-io/datacore/internal/dataerrors"
)

// QualityFlag identifies a frame-level quality finding raised by the
// guardrail pass.
type QualityFlag string

const (
	FlagMissing           QualityFlag = "MISSING"
	FlagDuplicateResolved QualityFlag = "DUPLICATE_RESOLVED"
	FlagOutlierReturn     QualityFlag = "OUTLIER_RETURN"
	FlagSuspectCorpAction QualityFlag = "SUSPECT_CORP_ACTION"
	FlagNonpositivePrice  QualityFlag = "NONPOSITIVE_PRICE"
	FlagNonmonotonicIndex QualityFlag = "NONMONOTONIC_INDEX"
)

// maxExampleDates caps the example dates recorded per flag.
const maxExampleDates = 5

// QualityReport aggregates per-asset coverage, flag counts, example dates,
// and the audit trail of actions the guardrail pass took.
//
// Fields are declared in sorted tag order so encoding/json emits the same
// key order a sorted-keys encoder would.
type QualityReport struct {
	Actions      map[string]string                    `json:"actions"`
	Coverage     map[AssetID]float64                  `json:"coverage"`
	FlagCounts   map[AssetID]map[QualityFlag]int      `json:"flag_counts"`
	FlagExamples map[AssetID]map[QualityFlag][]string `json:"flag_examples"`
}

// NewQualityReport returns an empty report with all maps initialized.
func NewQualityReport() QualityReport {
	return QualityReport{
		Actions:      map[string]string{},
		Coverage:     map[AssetID]float64{},
		FlagCounts:   map[AssetID]map[QualityFlag]int{},
		FlagExamples: map[AssetID]map[QualityFlag][]string{},
	}
}

// Validate checks structural invariants after deserialization.
func (r QualityReport) Validate() error {
	for asset, value := range r.Coverage {
		if value < 0 || value > 1 {
			return dataerrors.New(dataerrors.ErrValidation, "coverage must be in [0, 1]").
				With("asset_id", string(asset)).
				With("coverage", fmt.Sprintf("%g", value))
		}
	}

	for asset, counts := range r.FlagCounts {
		for flag, count := range counts {
			if count < 0 {
				return dataerrors.New(dataerrors.ErrValidation, "flag count must be non-negative").
					With("asset_id", string(asset)).
					With("flag", string(flag))
			}
		}
	}

	return nil
}

func (r *QualityReport) addFlag(asset AssetID, flag QualityFlag, count int, examples []string) {
	if count <= 0 {
		return
	}

	counts, ok := r.FlagCounts[asset]
	if !ok {
		counts = map[QualityFlag]int{}
		r.FlagCounts[asset] = counts
	}

	counts[flag] += count

	if len(examples) > 0 {
		byFlag, ok := r.FlagExamples[asset]
		if !ok {
			byFlag = map[QualityFlag][]string{}
			r.FlagExamples[asset] = byFlag
		}

		if len(examples) > maxExampleDates {
			examples = examples[:maxExampleDates]
		}

		byFlag[flag] = examples
	}
}
