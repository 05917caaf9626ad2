package ingestion

import (
	"encoding/csv"
	"encoding/json"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/quantlab-io/datacore/internal/calendar"
	"github.com/quantlab-io/datacore/internal/dataerrors"
)

type (
	// EquityEODNormalizer parses equity end-of-day payloads (JSON object or
	// CSV with header) into bar records, resolving instruments by
	// (MIC, vendor symbol).
	EquityEODNormalizer struct{}

	// FXDailyNormalizer parses daily FX fixing payloads into point records,
	// resolving instruments by (base, quote) currency pair.
	FXDailyNormalizer struct{}

	rawEntry map[string]any
)

// NormalizerFor returns the built-in normalizer for a dataset id.
func NormalizerFor(datasetID string) (Normalizer, error) {
	switch datasetID {
	case EquityEODDatasetID:
		return EquityEODNormalizer{}, nil
	case FXDailyDatasetID:
		return FXDailyNormalizer{}, nil
	default:
		return nil, dataerrors.New(dataerrors.ErrNormalization, "unsupported dataset_id").
			With("dataset_id", datasetID)
	}
}

// Normalize implements Normalizer for equity EOD bars.
func (EquityEODNormalizer) Normalize(payload []byte, nctx NormalizationContext, universe Universe) ([]Record, error) {
	if nctx.DatasetID != EquityEODDatasetID {
		return nil, dataerrors.New(dataerrors.ErrNormalization, "dataset_id mismatch for equity normalizer").
			With("dataset_id", nctx.DatasetID)
	}

	entries, err := parsePayloadEntries(payload)
	if err != nil {
		return nil, err
	}

	lookup := make(map[[2]string]Instrument)
	for _, instrument := range universe.Instruments {
		if instrument.Type == InstrumentEquity {
			lookup[[2]string{instrument.MIC, instrument.VendorSymbol}] = instrument
		}
	}

	records := make([]Record, 0, len(entries))
	for index, entry := range entries {
		mic, err := entry.requiredString("mic")
		if err != nil {
			return nil, err
		}
		mic = strings.ToUpper(strings.TrimSpace(mic))

		vendorSymbol, err := entry.requiredString("vendor_symbol")
		if err != nil {
			return nil, err
		}
		vendorSymbol = strings.ToUpper(strings.TrimSpace(vendorSymbol))

		instrument, ok := lookup[[2]string{mic, vendorSymbol}]
		if !ok {
			return nil, dataerrors.New(dataerrors.ErrNormalization, "equity instrument not found").
				With("mic", mic).
				With("vendor_symbol", vendorSymbol).
				With("index", index)
		}

		ts, err := entry.requiredTimestamp("ts")
		if err != nil {
			return nil, err
		}
		tradingDate, err := entry.optionalDate("trading_date", "trading_date_local")
		if err != nil {
			return nil, err
		}

		closePrice, err := entry.requiredFloat("close")
		if err != nil {
			return nil, err
		}
		bar := &Bar{Close: closePrice}
		if bar.Open, err = entry.optionalFloat("open"); err != nil {
			return nil, err
		}
		if bar.High, err = entry.optionalFloat("high"); err != nil {
			return nil, err
		}
		if bar.Low, err = entry.optionalFloat("low"); err != nil {
			return nil, err
		}
		if bar.Volume, err = entry.optionalFloat("volume"); err != nil {
			return nil, err
		}
		if bar.AdjClose, err = entry.optionalFloat("adj_close"); err != nil {
			return nil, err
		}
		if basis, ok := entry["adjustment_basis"]; ok && basis != nil && basis != "" {
			basisStr, isStr := basis.(string)
			if !isStr {
				return nil, dataerrors.New(dataerrors.ErrNormalization, "adjustment_basis must be a string")
			}
			parsed := AdjustmentBasis(basisStr)
			switch parsed {
			case AdjustSplitOnly, AdjustSplitAndDividend, AdjustProviderDefined:
				bar.AdjustmentBasis = &parsed
			default:
				return nil, dataerrors.New(dataerrors.ErrNormalization, "adjustment_basis is invalid").
					With("value", basisStr)
			}
		}
		bar.AdjustmentNote, _ = entry["adjustment_note"].(string)

		var flags []QualityFlag
		if bar.AdjClose != nil || bar.AdjustmentBasis != nil {
			flags = append(flags, FlagAdjustedPricePresent)
		}

		record := Record{
			Header: Header{
				DatasetID:        nctx.DatasetID,
				SchemaVersion:    nctx.SchemaVersion,
				DatasetVersion:   nctx.DatasetVersion,
				InstrumentID:     instrument.InstrumentID,
				Timestamp:        ts,
				AsOf:             nctx.AsOf,
				Provenance:       ProvenanceProviderEOD,
				Source:           nctx.Source,
				IngestRunID:      nctx.IngestRunID,
				QualityFlags:     flags,
				TradingDateLocal: tradingDate,
				TimezoneLocal:    instrument.ExchangeTimezone,
			},
			Kind: RecordBar,
			Bar:  bar,
		}
		if currency, ok := entry["currency"].(string); ok {
			record.Currency = currency
		}
		if record.TimezoneLocal == "" {
			record.TimezoneLocal, _ = entry["timezone_local"].(string)
		}

		records = append(records, record)
	}

	return records, nil
}

// Normalize implements Normalizer for daily FX fixings.
func (FXDailyNormalizer) Normalize(payload []byte, nctx NormalizationContext, universe Universe) ([]Record, error) {
	if nctx.DatasetID != FXDailyDatasetID {
		return nil, dataerrors.New(dataerrors.ErrNormalization, "dataset_id mismatch for fx normalizer").
			With("dataset_id", nctx.DatasetID)
	}

	entries, err := parsePayloadEntries(payload)
	if err != nil {
		return nil, err
	}

	lookup := make(map[[2]string]Instrument)
	for _, instrument := range universe.Instruments {
		if instrument.Type == InstrumentFXSpot {
			lookup[[2]string{instrument.BaseCcy, instrument.QuoteCcy}] = instrument
		}
	}

	records := make([]Record, 0, len(entries))
	for index, entry := range entries {
		baseCcy, err := entry.requiredString("base_ccy")
		if err != nil {
			return nil, err
		}
		baseCcy = strings.ToUpper(strings.TrimSpace(baseCcy))

		quoteCcy, err := entry.requiredString("quote_ccy")
		if err != nil {
			return nil, err
		}
		quoteCcy = strings.ToUpper(strings.TrimSpace(quoteCcy))

		instrument, ok := lookup[[2]string{baseCcy, quoteCcy}]
		if !ok {
			return nil, dataerrors.New(dataerrors.ErrNormalization, "fx instrument not found").
				With("base_ccy", baseCcy).
				With("quote_ccy", quoteCcy).
				With("index", index)
		}

		ts, err := entry.requiredTimestamp("ts")
		if err != nil {
			return nil, err
		}
		tradingDate, err := entry.optionalDate("fixing_date", "trading_date", "trading_date_local")
		if err != nil {
			return nil, err
		}

		field, err := entry.requiredString("field")
		if err != nil {
			return nil, err
		}
		value, err := entry.requiredFloat("value")
		if err != nil {
			return nil, err
		}

		record := Record{
			Header: Header{
				DatasetID:        nctx.DatasetID,
				SchemaVersion:    nctx.SchemaVersion,
				DatasetVersion:   nctx.DatasetVersion,
				InstrumentID:     instrument.InstrumentID,
				Timestamp:        ts,
				AsOf:             nctx.AsOf,
				Provenance:       ProvenanceProviderEOD,
				Source:           nctx.Source,
				IngestRunID:      nctx.IngestRunID,
				TradingDateLocal: tradingDate,
			},
			Kind: RecordPoint,
			Point: &Point{
				Field:    strings.TrimSpace(field),
				Value:    value,
				BaseCcy:  baseCcy,
				QuoteCcy: quoteCcy,
			},
		}
		record.TimezoneLocal, _ = entry["timezone_local"].(string)
		record.Point.FixingConvention, _ = entry["fixing_convention"].(string)

		records = append(records, record)
	}

	return records, nil
}

// parsePayloadEntries accepts a JSON object with a "records" (or "data")
// array, or CSV with a header row. Blank CSV rows are skipped.
func parsePayloadEntries(payload []byte) ([]rawEntry, error) {
	if !utf8.Valid(payload) {
		return nil, dataerrors.New(dataerrors.ErrNormalization, "payload must be utf-8")
	}

	var parsed map[string]any
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return parseCSVEntries(payload)
	}

	rawRecords, ok := parsed["records"]
	if !ok {
		rawRecords, ok = parsed["data"]
	}
	if !ok || rawRecords == nil {
		return nil, dataerrors.New(dataerrors.ErrNormalization, "payload missing records")
	}

	list, ok := rawRecords.([]any)
	if !ok {
		return nil, dataerrors.New(dataerrors.ErrNormalization, "records must be a sequence")
	}

	entries := make([]rawEntry, 0, len(list))
	for index, item := range list {
		entry, ok := item.(map[string]any)
		if !ok {
			return nil, dataerrors.New(dataerrors.ErrNormalization, "record must be an object").
				With("index", index)
		}
		entries = append(entries, entry)
	}

	return entries, nil
}

func parseCSVEntries(payload []byte) ([]rawEntry, error) {
	reader := csv.NewReader(strings.NewReader(string(payload)))
	reader.TrimLeadingSpace = true

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, dataerrors.New(dataerrors.ErrNormalization, "payload must be valid CSV").
			Wrap(err)
	}
	if len(rows) == 0 {
		return nil, dataerrors.New(dataerrors.ErrNormalization, "payload missing CSV header")
	}

	header := rows[0]
	entries := make([]rawEntry, 0, len(rows)-1)
	for _, row := range rows[1:] {
		entry := make(rawEntry, len(header))
		empty := true
		for i, column := range header {
			if i >= len(row) {
				continue
			}
			if row[i] != "" {
				empty = false
			}
			entry[column] = row[i]
		}
		if empty {
			continue
		}
		entries = append(entries, entry)
	}

	return entries, nil
}

func (e rawEntry) requiredString(field string) (string, error) {
	value, ok := e[field].(string)
	if !ok || value == "" {
		return "", dataerrors.New(dataerrors.ErrNormalization, field+" must be a non-empty string")
	}

	return value, nil
}

func (e rawEntry) requiredFloat(field string) (float64, error) {
	value, ok := e[field]
	if !ok || value == nil || value == "" {
		return 0, dataerrors.New(dataerrors.ErrNormalization, field+" is required")
	}

	return parseNumeric(value, field)
}

func (e rawEntry) optionalFloat(field string) (*float64, error) {
	value, ok := e[field]
	if !ok || value == nil || value == "" {
		return nil, nil
	}

	parsed, err := parseNumeric(value, field)
	if err != nil {
		return nil, err
	}

	return &parsed, nil
}

func parseNumeric(value any, field string) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case string:
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, dataerrors.New(dataerrors.ErrNormalization, field+" must be numeric").
				Wrap(err)
		}

		return parsed, nil
	default:
		return 0, dataerrors.New(dataerrors.ErrNormalization, field+" must be numeric")
	}
}

func (e rawEntry) requiredTimestamp(field string) (time.Time, error) {
	value, ok := e[field].(string)
	if !ok || value == "" {
		return time.Time{}, dataerrors.New(dataerrors.ErrNormalization, field+" must be a non-empty string")
	}

	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, dataerrors.New(dataerrors.ErrNormalization, field+" must be ISO-8601 datetime with offset").
			Wrap(err)
	}

	return parsed.UTC(), nil
}

// optionalDate returns the first present field parsed as a calendar date.
func (e rawEntry) optionalDate(fields ...string) (*calendar.Date, error) {
	for _, field := range fields {
		value, ok := e[field].(string)
		if !ok || value == "" {
			continue
		}

		parsed, err := calendar.ParseDate(value)
		if err != nil {
			return nil, dataerrors.New(dataerrors.ErrNormalization, field+" must be YYYY-MM-DD").
				Wrap(err)
		}

		return &parsed, nil
	}

	return nil, nil
}
