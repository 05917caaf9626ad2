package ingestion

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantlab-io/datacore/internal/dataerrors"
)

func testUniverse() Universe {
	return Universe{
		Hash: "deadbeef",
		Instruments: []Instrument{
			{
				InstrumentID:     "AAPL.XNAS",
				Type:             InstrumentEquity,
				MIC:              "XNAS",
				VendorSymbol:     "AAPL",
				ExchangeTimezone: "America/New_York",
			},
			{
				InstrumentID: "EURUSD",
				Type:         InstrumentFXSpot,
				BaseCcy:      "EUR",
				QuoteCcy:     "USD",
			},
		},
	}
}

func equityContext() NormalizationContext {
	return NormalizationContext{
		DatasetID:      EquityEODDatasetID,
		DatasetVersion: "2024-01-05",
		SchemaVersion:  SchemaVersion,
		AsOf:           time.Date(2024, time.January, 5, 22, 0, 0, 0, time.UTC),
		IngestRunID:    "ing_20240105_210500Z_0001",
		Source:         Source{Provider: "stooq", Endpoint: "/daily"},
	}
}

func TestEquityEODNormalizer_JSON(t *testing.T) {
	payload := []byte(`{"records":[{
		"mic": "xnas",
		"vendor_symbol": " aapl ",
		"ts": "2024-01-05T21:00:00Z",
		"trading_date": "2024-01-05",
		"open": 181.5,
		"high": 183.1,
		"low": 180.9,
		"close": 182.4,
		"volume": 51230000,
		"adj_close": 182.4
	}]}`)

	records, err := EquityEODNormalizer{}.Normalize(payload, equityContext(), testUniverse())
	require.NoError(t, err)
	require.Len(t, records, 1)

	record := records[0]
	assert.Equal(t, "AAPL.XNAS", record.InstrumentID)
	assert.Equal(t, RecordBar, record.Kind)
	assert.Equal(t, ProvenanceProviderEOD, record.Provenance)
	assert.Equal(t, "America/New_York", record.TimezoneLocal)
	require.NotNil(t, record.TradingDateLocal)
	assert.Equal(t, "2024-01-05", record.TradingDateLocal.String())

	require.NotNil(t, record.Bar)
	assert.Equal(t, 182.4, record.Bar.Close)
	require.NotNil(t, record.Bar.High)
	assert.Equal(t, 183.1, *record.Bar.High)
	assert.True(t, record.HasFlag(FlagAdjustedPricePresent))
}

func TestEquityEODNormalizer_CSV(t *testing.T) {
	payload := []byte(
		"mic,vendor_symbol,ts,close,volume\n" +
			"XNAS,AAPL,2024-01-05T21:00:00Z,182.4,51230000\n" +
			",,,,\n")

	records, err := EquityEODNormalizer{}.Normalize(payload, equityContext(), testUniverse())
	require.NoError(t, err)
	require.Len(t, records, 1)

	assert.Equal(t, 182.4, records[0].Bar.Close)
	require.NotNil(t, records[0].Bar.Volume)
	assert.Equal(t, 51230000.0, *records[0].Bar.Volume)
	assert.Nil(t, records[0].Bar.Open)
	assert.False(t, records[0].HasFlag(FlagAdjustedPricePresent))
}

func TestEquityEODNormalizer_Errors(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"unknown instrument", `{"records":[{"mic":"XLON","vendor_symbol":"VOD","ts":"2024-01-05T21:00:00Z","close":1}]}`},
		{"missing close", `{"records":[{"mic":"XNAS","vendor_symbol":"AAPL","ts":"2024-01-05T21:00:00Z"}]}`},
		{"timestamp without offset", `{"records":[{"mic":"XNAS","vendor_symbol":"AAPL","ts":"2024-01-05 21:00:00","close":1}]}`},
		{"missing records key", `{"rows":[]}`},
		{"invalid adjustment basis", `{"records":[{"mic":"XNAS","vendor_symbol":"AAPL","ts":"2024-01-05T21:00:00Z","close":1,"adjustment_basis":"RAW"}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := EquityEODNormalizer{}.Normalize([]byte(tt.payload), equityContext(), testUniverse())
			assert.ErrorIs(t, err, dataerrors.ErrNormalization)
		})
	}
}

func TestFXDailyNormalizer(t *testing.T) {
	nctx := equityContext()
	nctx.DatasetID = FXDailyDatasetID

	payload := []byte(`{"records":[{
		"base_ccy": "eur",
		"quote_ccy": "usd",
		"ts": "2024-01-05T16:00:00Z",
		"fixing_date": "2024-01-05",
		"field": " mid ",
		"value": "1.0945",
		"fixing_convention": "LDN_16"
	}]}`)

	records, err := FXDailyNormalizer{}.Normalize(payload, nctx, testUniverse())
	require.NoError(t, err)
	require.Len(t, records, 1)

	record := records[0]
	assert.Equal(t, "EURUSD", record.InstrumentID)
	assert.Equal(t, RecordPoint, record.Kind)
	require.NotNil(t, record.Point)
	assert.Equal(t, "mid", record.Point.Field)
	assert.Equal(t, 1.0945, record.Point.Value)
	assert.Equal(t, "EUR", record.Point.BaseCcy)
	assert.Equal(t, "USD", record.Point.QuoteCcy)
	assert.Equal(t, "LDN_16", record.Point.FixingConvention)
}

func TestFXDailyNormalizer_DatasetMismatch(t *testing.T) {
	_, err := FXDailyNormalizer{}.Normalize([]byte(`{"records":[]}`), equityContext(), testUniverse())
	assert.ErrorIs(t, err, dataerrors.ErrNormalization)
}

func TestNormalizerFor(t *testing.T) {
	equity, err := NormalizerFor(EquityEODDatasetID)
	require.NoError(t, err)
	assert.IsType(t, EquityEODNormalizer{}, equity)

	fx, err := NormalizerFor(FXDailyDatasetID)
	require.NoError(t, err)
	assert.IsType(t, FXDailyNormalizer{}, fx)

	_, err = NormalizerFor("md.unknown")
	if !errors.Is(err, dataerrors.ErrNormalization) {
		t.Errorf("NormalizerFor() error = %v, want ErrNormalization", err)
	}
}
