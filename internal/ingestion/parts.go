package ingestion

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/quantlab-io/datacore/internal/calendar"
	"github.com/quantlab-io/datacore/internal/dataerrors"
)

// Canonical part rows. Timestamps are stored as RFC 3339 strings and quality
// flags as a compact JSON array, so part bytes are stable across platforms
// and the content hash stays reproducible.
type (
	barRow struct {
		DatasetID             string   `parquet:"dataset_id"`
		SchemaVersion         string   `parquet:"schema_version"`
		DatasetVersion        string   `parquet:"dataset_version"`
		InstrumentID          string   `parquet:"instrument_id"`
		Timestamp             string   `parquet:"ts"`
		AsOf                  string   `parquet:"asof_ts"`
		Provenance            string   `parquet:"ts_provenance"`
		SourceProvider        string   `parquet:"source_provider"`
		SourceEndpoint        string   `parquet:"source_endpoint"`
		SourceProviderDataset string   `parquet:"source_provider_dataset,optional"`
		IngestRunID           string   `parquet:"ingest_run_id"`
		QualityFlags          string   `parquet:"quality_flags"`
		TradingDateLocal      string   `parquet:"trading_date_local,optional"`
		TimezoneLocal         string   `parquet:"timezone_local,optional"`
		Currency              string   `parquet:"currency"`
		Unit                  string   `parquet:"unit"`
		Open                  *float64 `parquet:"bar_open,optional"`
		High                  *float64 `parquet:"bar_high,optional"`
		Low                   *float64 `parquet:"bar_low,optional"`
		Close                 float64  `parquet:"bar_close"`
		Volume                *float64 `parquet:"bar_volume,optional"`
		AdjClose              *float64 `parquet:"bar_adj_close,optional"`
		AdjustmentBasis       string   `parquet:"bar_adjustment_basis,optional"`
		AdjustmentNote        string   `parquet:"bar_adjustment_note,optional"`
	}

	pointRow struct {
		DatasetID             string  `parquet:"dataset_id"`
		SchemaVersion         string  `parquet:"schema_version"`
		DatasetVersion        string  `parquet:"dataset_version"`
		InstrumentID          string  `parquet:"instrument_id"`
		Timestamp             string  `parquet:"ts"`
		AsOf                  string  `parquet:"asof_ts"`
		Provenance            string  `parquet:"ts_provenance"`
		SourceProvider        string  `parquet:"source_provider"`
		SourceEndpoint        string  `parquet:"source_endpoint"`
		SourceProviderDataset string  `parquet:"source_provider_dataset,optional"`
		IngestRunID           string  `parquet:"ingest_run_id"`
		QualityFlags          string  `parquet:"quality_flags"`
		TradingDateLocal      string  `parquet:"trading_date_local,optional"`
		TimezoneLocal         string  `parquet:"timezone_local,optional"`
		Currency              string  `parquet:"currency"`
		Unit                  string  `parquet:"unit"`
		Field                 string  `parquet:"field"`
		Value                 float64 `parquet:"value"`
		BaseCcy               string  `parquet:"base_ccy"`
		QuoteCcy              string  `parquet:"quote_ccy"`
		FixingConvention      string  `parquet:"fixing_convention,optional"`
	}
)

// SerializeRecords encodes a homogeneous validated batch into one parquet
// part. All records must share the first record's kind.
func SerializeRecords(records []Record) ([]byte, error) {
	if len(records) == 0 {
		return nil, dataerrors.New(dataerrors.ErrStorage, "records must not be empty")
	}

	switch records[0].Kind {
	case RecordBar:
		return serializeParquet(records, buildBarRow)
	case RecordPoint:
		return serializeParquet(records, buildPointRow)
	default:
		return nil, fmt.Errorf("%w: record kind %d", ErrWrongVariant, records[0].Kind)
	}
}

func serializeParquet[T any](records []Record, build func(int, Record) (T, error)) ([]byte, error) {
	rows := make([]T, len(records))
	for i, record := range records {
		row, err := build(i, record)
		if err != nil {
			return nil, err
		}
		rows[i] = row
	}

	var buffer bytes.Buffer
	if err := parquet.Write(&buffer, rows); err != nil {
		return nil, dataerrors.New(dataerrors.ErrStorage, "failed to serialize canonical parquet").
			With("record_count", len(records)).
			Wrap(err)
	}

	return buffer.Bytes(), nil
}

// DeserializeBarRecords decodes a bar part back into records.
func DeserializeBarRecords(data []byte) ([]Record, error) {
	rows, err := parquet.Read[barRow](bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, dataerrors.New(dataerrors.ErrStorage, "failed to read canonical parquet").
			Wrap(err)
	}

	records := make([]Record, len(rows))
	for i, row := range rows {
		record, err := barRecordFromRow(row)
		if err != nil {
			return nil, err
		}
		records[i] = record
	}

	return records, nil
}

// DeserializePointRecords decodes a point part back into records.
func DeserializePointRecords(data []byte) ([]Record, error) {
	rows, err := parquet.Read[pointRow](bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, dataerrors.New(dataerrors.ErrStorage, "failed to read canonical parquet").
			Wrap(err)
	}

	records := make([]Record, len(rows))
	for i, row := range rows {
		record, err := pointRecordFromRow(row)
		if err != nil {
			return nil, err
		}
		records[i] = record
	}

	return records, nil
}

func buildBarRow(index int, record Record) (barRow, error) {
	if record.Kind != RecordBar || record.Bar == nil {
		return barRow{}, fmt.Errorf("%w: record %d in bar payload", ErrWrongVariant, index)
	}

	flags, err := encodeQualityFlags(record.QualityFlags)
	if err != nil {
		return barRow{}, err
	}

	row := barRow{
		DatasetID:             record.DatasetID,
		SchemaVersion:         record.SchemaVersion,
		DatasetVersion:        record.DatasetVersion,
		InstrumentID:          record.InstrumentID,
		Timestamp:             record.Timestamp.Format(time.RFC3339Nano),
		AsOf:                  record.AsOf.Format(time.RFC3339Nano),
		Provenance:            string(record.Provenance),
		SourceProvider:        record.Source.Provider,
		SourceEndpoint:        record.Source.Endpoint,
		SourceProviderDataset: record.Source.ProviderDataset,
		IngestRunID:           record.IngestRunID,
		QualityFlags:          flags,
		TimezoneLocal:         record.TimezoneLocal,
		Currency:              record.Currency,
		Unit:                  record.Unit,
		Open:                  record.Bar.Open,
		High:                  record.Bar.High,
		Low:                   record.Bar.Low,
		Close:                 record.Bar.Close,
		Volume:                record.Bar.Volume,
		AdjClose:              record.Bar.AdjClose,
		AdjustmentNote:        record.Bar.AdjustmentNote,
	}
	if record.TradingDateLocal != nil {
		row.TradingDateLocal = record.TradingDateLocal.String()
	}
	if record.Bar.AdjustmentBasis != nil {
		row.AdjustmentBasis = string(*record.Bar.AdjustmentBasis)
	}

	return row, nil
}

func buildPointRow(index int, record Record) (pointRow, error) {
	if record.Kind != RecordPoint || record.Point == nil {
		return pointRow{}, fmt.Errorf("%w: record %d in point payload", ErrWrongVariant, index)
	}

	flags, err := encodeQualityFlags(record.QualityFlags)
	if err != nil {
		return pointRow{}, err
	}

	row := pointRow{
		DatasetID:             record.DatasetID,
		SchemaVersion:         record.SchemaVersion,
		DatasetVersion:        record.DatasetVersion,
		InstrumentID:          record.InstrumentID,
		Timestamp:             record.Timestamp.Format(time.RFC3339Nano),
		AsOf:                  record.AsOf.Format(time.RFC3339Nano),
		Provenance:            string(record.Provenance),
		SourceProvider:        record.Source.Provider,
		SourceEndpoint:        record.Source.Endpoint,
		SourceProviderDataset: record.Source.ProviderDataset,
		IngestRunID:           record.IngestRunID,
		QualityFlags:          flags,
		TimezoneLocal:         record.TimezoneLocal,
		Currency:              record.Currency,
		Unit:                  record.Unit,
		Field:                 record.Point.Field,
		Value:                 record.Point.Value,
		BaseCcy:               record.Point.BaseCcy,
		QuoteCcy:              record.Point.QuoteCcy,
		FixingConvention:      record.Point.FixingConvention,
	}
	if record.TradingDateLocal != nil {
		row.TradingDateLocal = record.TradingDateLocal.String()
	}

	return row, nil
}

func barRecordFromRow(row barRow) (Record, error) {
	header, err := headerFromRow(
		row.DatasetID, row.SchemaVersion, row.DatasetVersion, row.InstrumentID,
		row.Timestamp, row.AsOf, row.Provenance,
		row.SourceProvider, row.SourceEndpoint, row.SourceProviderDataset,
		row.IngestRunID, row.QualityFlags, row.TradingDateLocal,
		row.TimezoneLocal, row.Currency, row.Unit,
	)
	if err != nil {
		return Record{}, err
	}

	bar := &Bar{
		Open:           row.Open,
		High:           row.High,
		Low:            row.Low,
		Close:          row.Close,
		Volume:         row.Volume,
		AdjClose:       row.AdjClose,
		AdjustmentNote: row.AdjustmentNote,
	}
	if row.AdjustmentBasis != "" {
		basis := AdjustmentBasis(row.AdjustmentBasis)
		bar.AdjustmentBasis = &basis
	}

	return Record{Header: header, Kind: RecordBar, Bar: bar}, nil
}

func pointRecordFromRow(row pointRow) (Record, error) {
	header, err := headerFromRow(
		row.DatasetID, row.SchemaVersion, row.DatasetVersion, row.InstrumentID,
		row.Timestamp, row.AsOf, row.Provenance,
		row.SourceProvider, row.SourceEndpoint, row.SourceProviderDataset,
		row.IngestRunID, row.QualityFlags, row.TradingDateLocal,
		row.TimezoneLocal, row.Currency, row.Unit,
	)
	if err != nil {
		return Record{}, err
	}

	return Record{
		Header: header,
		Kind:   RecordPoint,
		Point: &Point{
			Field:            row.Field,
			Value:            row.Value,
			BaseCcy:          row.BaseCcy,
			QuoteCcy:         row.QuoteCcy,
			FixingConvention: row.FixingConvention,
		},
	}, nil
}

func headerFromRow(
	datasetID, schemaVersion, datasetVersion, instrumentID string,
	ts, asOf, provenance string,
	sourceProvider, sourceEndpoint, sourceProviderDataset string,
	ingestRunID, qualityFlags, tradingDateLocal string,
	timezoneLocal, currency, unit string,
) (Header, error) {
	timestamp, err := parsePartTimestamp(ts, "ts")
	if err != nil {
		return Header{}, err
	}
	asOfTS, err := parsePartTimestamp(asOf, "asof_ts")
	if err != nil {
		return Header{}, err
	}

	flags, err := decodeQualityFlags(qualityFlags)
	if err != nil {
		return Header{}, err
	}

	header := Header{
		DatasetID:      datasetID,
		SchemaVersion:  schemaVersion,
		DatasetVersion: datasetVersion,
		InstrumentID:   instrumentID,
		Timestamp:      timestamp,
		AsOf:           asOfTS,
		Provenance:     TimestampProvenance(provenance),
		Source: Source{
			Provider:        sourceProvider,
			Endpoint:        sourceEndpoint,
			ProviderDataset: sourceProviderDataset,
		},
		IngestRunID:   ingestRunID,
		QualityFlags:  flags,
		TimezoneLocal: timezoneLocal,
		Currency:      currency,
		Unit:          unit,
	}

	if tradingDateLocal != "" {
		date, err := parsePartDate(tradingDateLocal)
		if err != nil {
			return Header{}, err
		}
		header.TradingDateLocal = &date
	}

	return header, nil
}

func parsePartTimestamp(value, field string) (time.Time, error) {
	parsed, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, dataerrors.New(dataerrors.ErrStorage, "invalid timestamp in canonical part").
			With("field", field).
			With("value", value).
			Wrap(err)
	}

	return parsed.UTC(), nil
}

func parsePartDate(value string) (calendar.Date, error) {
	date, err := calendar.ParseDate(value)
	if err != nil {
		return calendar.Date{}, dataerrors.New(dataerrors.ErrStorage, "invalid trading date in canonical part").
			With("value", value).
			Wrap(err)
	}

	return date, nil
}

func encodeQualityFlags(flags []QualityFlag) (string, error) {
	if flags == nil {
		flags = []QualityFlag{}
	}
	encoded, err := json.Marshal(flags)
	if err != nil {
		return "", dataerrors.New(dataerrors.ErrStorage, "failed to encode quality flags").
			Wrap(err)
	}

	return string(encoded), nil
}

func decodeQualityFlags(encoded string) ([]QualityFlag, error) {
	if encoded == "" {
		return nil, nil
	}

	var flags []QualityFlag
	if err := json.Unmarshal([]byte(encoded), &flags); err != nil {
		return nil, dataerrors.New(dataerrors.ErrStorage, "failed to decode quality flags").
			Wrap(err)
	}
	if len(flags) == 0 {
		return nil, nil
	}

	return flags, nil
}
