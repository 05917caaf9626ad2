// Package ingestion provides the canonical record domain model, the
// record-level validation engine, and the ingestion pipeline that turns
// provider responses into published, registered dataset versions.
package ingestion

import (
	"errors"
	"fmt"
	"time"

	"github.com/quantlab-io/datacore/internal/calendar"
)

// Dataset identifiers and the canonical schema version they share.
const (
	// EquityEODDatasetID is the end-of-day equity bars dataset.
	EquityEODDatasetID = "md.equity.eod.bars"

	// FXDailyDatasetID is the daily FX spot fixings dataset.
	FXDailyDatasetID = "md.fx.spot.daily"

	// SchemaVersion is the canonical record schema version.
	SchemaVersion = "1.0.0"
)

// Sentinel errors for record construction.
var (
	ErrEmptyField      = errors.New("required field is empty")
	ErrTimestampNotUTC = errors.New("timestamp must carry an explicit UTC offset")
	ErrWrongVariant    = errors.New("record variant does not match accessor")
)

type (
	// QualityFlag is a non-blocking annotation on a canonical record
	// indicating a soft data-quality condition. Flags accumulate during
	// validation; they never block a batch.
	QualityFlag string

	// TimestampProvenance tags where a record's event timestamp came from.
	TimestampProvenance string

	// AdjustmentBasis tags which corporate-action adjustments a provider
	// applied to adjusted prices.
	AdjustmentBasis string

	// Source identifies the provider endpoint a record came from.
	Source struct {
		// Provider is the upstream vendor identifier (e.g. "stooq").
		Provider string

		// Endpoint is the provider API surface the payload came from.
		Endpoint string

		// ProviderDataset optionally names the vendor-side dataset.
		ProviderDataset string
	}

	// RecordKind tags the variant a Record carries.
	RecordKind int

	// Header holds the fields shared by every canonical record variant.
	//
	// Invariant: Timestamp and AsOf are UTC-aware; a Record mutates only
	// through flag merging during validation (WithFlags returns a copy with
	// the flag union, all other fields unchanged).
	Header struct {
		DatasetID      string
		SchemaVersion  string
		DatasetVersion string
		InstrumentID   string

		// Timestamp is the event time (UTC).
		Timestamp time.Time

		// AsOf is the knowledge time of the observation (UTC).
		AsOf time.Time

		// Provenance records where Timestamp came from. Anything other than
		// exchange close earns a PROVIDER_TIMESTAMP_USED flag.
		Provenance TimestampProvenance

		Source      Source
		IngestRunID string

		// QualityFlags is an ordered, duplicate-free flag set.
		QualityFlags []QualityFlag

		// TradingDateLocal is the optional local trading date.
		TradingDateLocal *calendar.Date

		// TimezoneLocal is the optional IANA timezone of the venue.
		TimezoneLocal string

		// Currency and Unit are optional denomination tags.
		Currency string
		Unit     string
	}

	// Bar is the OHLCV payload of a bar record. Close is required; the
	// remaining prices, volume, and adjustment fields are optional.
	Bar struct {
		Close           float64
		Open            *float64
		High            *float64
		Low             *float64
		Volume          *float64
		AdjClose        *float64
		AdjustmentBasis *AdjustmentBasis
		AdjustmentNote  string
	}

	// Point is a named scalar observation, typically an FX fixing.
	Point struct {
		Field            string
		Value            float64
		BaseCcy          string
		QuoteCcy         string
		FixingConvention string
	}

	// Record is the canonical record tagged union: shared Header plus
	// exactly one of the Bar/Point payloads, selected by Kind.
	Record struct {
		Header

		Kind  RecordKind
		Bar   *Bar
		Point *Point
	}

	// ValidationReport summarizes one record-level validation pass. It is
	// created once per pass and never mutated after construction.
	ValidationReport struct {
		DatasetID      string
		DatasetVersion string
		IngestRunID    string
		GeneratedAt    time.Time
		TotalRecords   int

		// HardErrors lists blocking failures in record order.
		HardErrors []string

		// FlagCounts maps each quality flag to its occurrence count.
		FlagCounts map[QualityFlag]int
	}
)

// Quality flag vocabulary for canonical records.
const (
	FlagMissingValue          QualityFlag = "MISSING_VALUE"
	FlagStale                 QualityFlag = "STALE"
	FlagOutlierSuspect        QualityFlag = "OUTLIER_SUSPECT"
	FlagAdjustedPricePresent  QualityFlag = "ADJUSTED_PRICE_PRESENT"
	FlagProviderTimestampUsed QualityFlag = "PROVIDER_TIMESTAMP_USED"
	FlagImputed               QualityFlag = "IMPUTED"
	FlagCalendarConflict      QualityFlag = "CALENDAR_CONFLICT"
)

// Timestamp provenance values.
const (
	ProvenanceExchangeClose TimestampProvenance = "EXCHANGE_CLOSE"
	ProvenanceProviderEOD   TimestampProvenance = "PROVIDER_EOD"
	ProvenanceProviderFix   TimestampProvenance = "PROVIDER_FIXING"
)

// Adjustment basis values.
const (
	AdjustSplitOnly        AdjustmentBasis = "SPLIT_ONLY"
	AdjustSplitAndDividend AdjustmentBasis = "SPLIT_AND_DIVIDEND"
	AdjustProviderDefined  AdjustmentBasis = "PROVIDER_DEFINED"
)

// Record variants.
const (
	RecordBar RecordKind = iota
	RecordPoint
)

// Validate checks the structural invariants shared by all record variants
// plus the variant payload. It does not apply dataset-level rules; that is
// the validation engine's job.
func (r Record) Validate() error {
	required := []struct {
		name  string
		value string
	}{
		{"dataset_id", r.DatasetID},
		{"schema_version", r.SchemaVersion},
		{"dataset_version", r.DatasetVersion},
		{"instrument_id", r.InstrumentID},
		{"ingest_run_id", r.IngestRunID},
		{"provider", r.Source.Provider},
		{"endpoint", r.Source.Endpoint},
	}

	for _, field := range required {
		if field.value == "" {
			return fmt.Errorf("%w: %s", ErrEmptyField, field.name)
		}
	}

	for _, ts := range []struct {
		name  string
		value time.Time
	}{
		{"ts", r.Timestamp},
		{"asof_ts", r.AsOf},
	} {
		if ts.value.IsZero() {
			return fmt.Errorf("%w: %s", ErrEmptyField, ts.name)
		}
		if _, offset := ts.value.Zone(); offset != 0 {
			return fmt.Errorf("%w: %s", ErrTimestampNotUTC, ts.name)
		}
	}

	switch r.Kind {
	case RecordBar:
		if r.Bar == nil || r.Point != nil {
			return fmt.Errorf("%w: bar record payload", ErrWrongVariant)
		}
	case RecordPoint:
		if r.Point == nil || r.Bar != nil {
			return fmt.Errorf("%w: point record payload", ErrWrongVariant)
		}
		if r.Point.Field == "" || r.Point.BaseCcy == "" || r.Point.QuoteCcy == "" {
			return fmt.Errorf("%w: point field/base_ccy/quote_ccy", ErrEmptyField)
		}
	default:
		return fmt.Errorf("%w: unknown record kind %d", ErrWrongVariant, r.Kind)
	}

	return nil
}

// WithFlags returns a copy of the record whose flag set is the ordered union
// of the existing flags and the additions. All other fields are unchanged;
// this is the only sanctioned record mutation.
func (r Record) WithFlags(additions ...QualityFlag) Record {
	merged := make([]QualityFlag, 0, len(r.QualityFlags)+len(additions))
	seen := make(map[QualityFlag]struct{}, len(r.QualityFlags)+len(additions))

	for _, flag := range r.QualityFlags {
		if _, ok := seen[flag]; ok {
			continue
		}
		seen[flag] = struct{}{}
		merged = append(merged, flag)
	}

	for _, flag := range additions {
		if _, ok := seen[flag]; ok {
			continue
		}
		seen[flag] = struct{}{}
		merged = append(merged, flag)
	}

	out := r
	out.QualityFlags = merged

	return out
}

// HasFlag reports whether the record carries the given quality flag.
func (r Record) HasFlag(flag QualityFlag) bool {
	for _, f := range r.QualityFlags {
		if f == flag {
			return true
		}
	}

	return false
}

// Payload renders the report for embedding in canonical snapshot metadata.
func (v ValidationReport) Payload() map[string]any {
	flagCounts := make(map[string]int, len(v.FlagCounts))
	for flag, count := range v.FlagCounts {
		flagCounts[string(flag)] = count
	}

	hardErrors := make([]string, len(v.HardErrors))
	copy(hardErrors, v.HardErrors)

	return map[string]any{
		"dataset_id":      v.DatasetID,
		"dataset_version": v.DatasetVersion,
		"ingest_run_id":   v.IngestRunID,
		"generated_ts":    v.GeneratedAt.Format(time.RFC3339Nano),
		"total_records":   v.TotalRecords,
		"hard_errors":     hardErrors,
		"flag_counts":     flagCounts,
	}
}
