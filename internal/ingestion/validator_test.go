package ingestion

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/quantlab-io/datacore/internal/calendar"
	"github.com/quantlab-io/datacore/internal/dataerrors"
)

const testRunID = "ing_20240105_210500Z_0001"

func barRecord(t *testing.T, instrumentID string, day int, close float64) Record {
	t.Helper()

	ts := time.Date(2024, time.January, day, 21, 0, 0, 0, time.UTC)
	tradingDate := calendar.Date{Year: 2024, Month: time.January, Day: day}

	return Record{
		Header: Header{
			DatasetID:        EquityEODDatasetID,
			SchemaVersion:    SchemaVersion,
			DatasetVersion:   "2024-01-05",
			InstrumentID:     instrumentID,
			Timestamp:        ts,
			AsOf:             ts,
			Provenance:       ProvenanceExchangeClose,
			Source:           Source{Provider: "test-provider", Endpoint: "/daily"},
			IngestRunID:      testRunID,
			TradingDateLocal: &tradingDate,
			TimezoneLocal:    "America/New_York",
			Currency:         "USD",
			Unit:             "price",
		},
		Kind: RecordBar,
		Bar:  &Bar{Close: close},
	}
}

func pointRecord(t *testing.T, instrumentID, field string, day int, value float64) Record {
	t.Helper()

	ts := time.Date(2024, time.January, day, 16, 0, 0, 0, time.UTC)

	return Record{
		Header: Header{
			DatasetID:      FXDailyDatasetID,
			SchemaVersion:  SchemaVersion,
			DatasetVersion: "2024-01-05",
			InstrumentID:   instrumentID,
			Timestamp:      ts,
			AsOf:           ts,
			Provenance:     ProvenanceProviderFix,
			Source:         Source{Provider: "test-provider", Endpoint: "/daily"},
			IngestRunID:    testRunID,
			Currency:       "USD",
			Unit:           "rate",
		},
		Kind: RecordPoint,
		Point: &Point{
			Field:    field,
			Value:    value,
			BaseCcy:  "EUR",
			QuoteCcy: "USD",
		},
	}
}

func TestValidateRecords_StaleAndOutlier(t *testing.T) {
	// Four consecutive closes 100, 100, 100, 140: the third completes a
	// stale run of three, the fourth is a 40% jump.
	closes := []float64{100, 100, 100, 140}
	records := make([]Record, len(closes))
	for i, close := range closes {
		records[i] = barRecord(t, "AAPL", 2+i, close)
	}

	validated, report, err := ValidateRecords(records, ValidatorOptions{RaiseOnHardError: true})
	if err != nil {
		t.Fatalf("ValidateRecords() error = %v", err)
	}

	if len(report.HardErrors) != 0 {
		t.Fatalf("expected zero hard errors, got %v", report.HardErrors)
	}
	if report.TotalRecords != 4 {
		t.Errorf("TotalRecords = %d, want 4", report.TotalRecords)
	}

	for i, record := range validated[:2] {
		if len(record.QualityFlags) != 0 {
			t.Errorf("record %d flags = %v, want none", i, record.QualityFlags)
		}
	}
	if !validated[2].HasFlag(FlagStale) {
		t.Errorf("record 2 flags = %v, want STALE", validated[2].QualityFlags)
	}
	if validated[2].HasFlag(FlagOutlierSuspect) {
		t.Errorf("record 2 flags = %v, want no OUTLIER_SUSPECT", validated[2].QualityFlags)
	}
	if !validated[3].HasFlag(FlagOutlierSuspect) {
		t.Errorf("record 3 flags = %v, want OUTLIER_SUSPECT", validated[3].QualityFlags)
	}
	if validated[3].HasFlag(FlagStale) {
		t.Errorf("record 3 flags = %v, want no STALE", validated[3].QualityFlags)
	}

	if report.FlagCounts[FlagStale] != 1 {
		t.Errorf("FlagCounts[STALE] = %d, want 1", report.FlagCounts[FlagStale])
	}
	if report.FlagCounts[FlagOutlierSuspect] != 1 {
		t.Errorf("FlagCounts[OUTLIER_SUSPECT] = %d, want 1", report.FlagCounts[FlagOutlierSuspect])
	}
}

func TestValidateRecords_HardErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Record)
		wantSub string
	}{
		{
			name:    "non-positive close",
			mutate:  func(r *Record) { r.Bar.Close = 0 },
			wantSub: "close must be finite and > 0",
		},
		{
			name: "negative volume",
			mutate: func(r *Record) {
				volume := -10.0
				r.Bar.Volume = &volume
			},
			wantSub: "volume must be finite and >= 0",
		},
		{
			name: "high below close",
			mutate: func(r *Record) {
				high := 90.0
				r.Bar.High = &high
			},
			wantSub: "high must be >= max(open, close)",
		},
		{
			name: "low above close",
			mutate: func(r *Record) {
				low := 110.0
				r.Bar.Low = &low
			},
			wantSub: "low must be <= min(open, close)",
		},
		{
			name:    "dataset id mismatch",
			mutate:  func(r *Record) { r.DatasetID = "md.unknown" },
			wantSub: "dataset_id mismatch",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			record := barRecord(t, "AAPL", 2, 100)
			tt.mutate(&record)

			_, report, err := ValidateRecords([]Record{record}, ValidatorOptions{
				Context: &ValidationContext{
					DatasetID:      EquityEODDatasetID,
					DatasetVersion: "2024-01-05",
					IngestRunID:    testRunID,
				},
				RaiseOnHardError: true,
			})
			if !errors.Is(err, dataerrors.ErrValidation) {
				t.Fatalf("ValidateRecords() error = %v, want ErrValidation", err)
			}

			found := false
			for _, hardError := range report.HardErrors {
				if strings.Contains(hardError, tt.wantSub) {
					found = true
					break
				}
			}
			if !found {
				t.Errorf("hard errors %v missing %q", report.HardErrors, tt.wantSub)
			}
		})
	}
}

func TestValidateRecords_DuplicateBars(t *testing.T) {
	records := []Record{
		barRecord(t, "AAPL", 2, 100),
		barRecord(t, "AAPL", 2, 101),
	}

	_, report, err := ValidateRecords(records, ValidatorOptions{})
	if err != nil {
		t.Fatalf("ValidateRecords() error = %v", err)
	}

	if len(report.HardErrors) != 1 || !strings.Contains(report.HardErrors[0], "duplicate record") {
		t.Errorf("HardErrors = %v, want one duplicate error", report.HardErrors)
	}
}

func TestValidateRecords_BidAskInversion(t *testing.T) {
	records := []Record{
		pointRecord(t, "EURUSD", "bid", 2, 1.10),
		pointRecord(t, "EURUSD", "ask", 2, 1.09),
	}

	_, report, err := ValidateRecords(records, ValidatorOptions{})
	if err != nil {
		t.Fatalf("ValidateRecords() error = %v", err)
	}

	if len(report.HardErrors) != 1 || !strings.Contains(report.HardErrors[0], "bid/ask inversion") {
		t.Errorf("HardErrors = %v, want one inversion error", report.HardErrors)
	}
}

func TestValidateRecords_PointOutlierThreshold(t *testing.T) {
	// FX points use the tighter default threshold: a 6% move flags, 4% does
	// not.
	records := []Record{
		pointRecord(t, "EURUSD", "mid", 2, 1.00),
		pointRecord(t, "EURUSD", "mid", 3, 1.06),
		pointRecord(t, "EURUSD", "mid", 4, 1.02),
	}

	validated, _, err := ValidateRecords(records, ValidatorOptions{})
	if err != nil {
		t.Fatalf("ValidateRecords() error = %v", err)
	}

	if !validated[1].HasFlag(FlagOutlierSuspect) {
		t.Errorf("record 1 flags = %v, want OUTLIER_SUSPECT", validated[1].QualityFlags)
	}
	if validated[2].HasFlag(FlagOutlierSuspect) {
		t.Errorf("record 2 flags = %v, want no OUTLIER_SUSPECT", validated[2].QualityFlags)
	}
}

func TestValidateRecords_ProviderTimestampFlag(t *testing.T) {
	record := barRecord(t, "AAPL", 2, 100)
	record.Provenance = ProvenanceProviderEOD

	validated, _, err := ValidateRecords([]Record{record}, ValidatorOptions{})
	if err != nil {
		t.Fatalf("ValidateRecords() error = %v", err)
	}

	if !validated[0].HasFlag(FlagProviderTimestampUsed) {
		t.Errorf("flags = %v, want PROVIDER_TIMESTAMP_USED", validated[0].QualityFlags)
	}
}

func TestValidateRecords_AdjustedPriceFlag(t *testing.T) {
	record := barRecord(t, "AAPL", 2, 100)
	adjClose := 99.5
	record.Bar.AdjClose = &adjClose

	validated, _, err := ValidateRecords([]Record{record}, ValidatorOptions{})
	if err != nil {
		t.Fatalf("ValidateRecords() error = %v", err)
	}

	if !validated[0].HasFlag(FlagAdjustedPricePresent) {
		t.Errorf("flags = %v, want ADJUSTED_PRICE_PRESENT", validated[0].QualityFlags)
	}
}

func TestValidateRecords_InvalidCurrency(t *testing.T) {
	record := pointRecord(t, "EURUSD", "mid", 2, 1.10)
	record.Point.QuoteCcy = "usd"

	_, report, err := ValidateRecords([]Record{record}, ValidatorOptions{})
	if err != nil {
		t.Fatalf("ValidateRecords() error = %v", err)
	}

	if len(report.HardErrors) != 1 || !strings.Contains(report.HardErrors[0], "quote_ccy must be ISO 4217") {
		t.Errorf("HardErrors = %v, want ISO 4217 error", report.HardErrors)
	}
}

func TestValidateRecords_CalendarConflict(t *testing.T) {
	nyRules := calendar.SessionRules{
		Version: "2024.01",
		Rules: map[string]calendar.SessionRule{
			"XNYS": {
				MIC:               "XNYS",
				RegularCloseLocal: "16:00",
				TimezoneLocal:     "America/New_York",
			},
		},
	}
	universe := Universe{
		Hash: "deadbeef",
		Instruments: []Instrument{
			{InstrumentID: "AAPL", Type: InstrumentEquity, MIC: "XNYS", ExchangeTimezone: "America/New_York"},
		},
	}
	factory := func(mic string) (calendar.TradingCalendar, error) {
		// Jan 2 is the only scheduled session in this test calendar.
		return calendar.NewStaticCalendar([]calendar.Date{
			{Year: 2024, Month: time.January, Day: 2},
		}), nil
	}

	tests := []struct {
		name         string
		record       func(t *testing.T) Record
		wantConflict bool
	}{
		{
			name: "on-calendar close within tolerance",
			record: func(t *testing.T) Record {
				// 16:00 New York on Jan 2 is 21:00 UTC, matching barRecord.
				return barRecord(t, "AAPL", 2, 100)
			},
			wantConflict: false,
		},
		{
			name: "non-session trading date",
			record: func(t *testing.T) Record {
				return barRecord(t, "AAPL", 3, 100)
			},
			wantConflict: true,
		},
		{
			name: "timestamp far from expected close",
			record: func(t *testing.T) Record {
				record := barRecord(t, "AAPL", 2, 100)
				record.Timestamp = time.Date(2024, time.January, 2, 18, 0, 0, 0, time.UTC)
				return record
			},
			wantConflict: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			validated, _, err := ValidateRecords([]Record{tt.record(t)}, ValidatorOptions{
				TimeSemantics: &TimeSemantics{
					Universe:        universe,
					SessionRules:    nyRules,
					CalendarFactory: factory,
				},
			})
			if err != nil {
				t.Fatalf("ValidateRecords() error = %v", err)
			}

			if got := validated[0].HasFlag(FlagCalendarConflict); got != tt.wantConflict {
				t.Errorf("CALENDAR_CONFLICT = %v, want %v (flags %v)",
					got, tt.wantConflict, validated[0].QualityFlags)
			}
		})
	}
}

func TestValidateRecords_EmptyBatchWithoutContext(t *testing.T) {
	_, _, err := ValidateRecords(nil, ValidatorOptions{})
	if !errors.Is(err, ErrNoRecords) {
		t.Errorf("ValidateRecords() error = %v, want ErrNoRecords", err)
	}
}

func TestValidateRecords_StaleWindowTooSmall(t *testing.T) {
	_, _, err := ValidateRecords([]Record{barRecord(t, "AAPL", 2, 100)}, ValidatorOptions{
		StaleWindow: 1,
	})
	if !errors.Is(err, ErrStaleWindowTooSmall) {
		t.Errorf("ValidateRecords() error = %v, want ErrStaleWindowTooSmall", err)
	}
}
