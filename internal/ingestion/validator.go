package ingestion

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/quantlab-io/datacore/internal/calendar"
	"github.com/quantlab-io/datacore/internal/dataerrors"
)

// Validation engine defaults.
const (
	// DefaultBarOutlierThreshold is the relative-change threshold above
	// which a bar close earns OUTLIER_SUSPECT.
	DefaultBarOutlierThreshold = 0.30

	// DefaultPointOutlierThreshold is the relative-change threshold for
	// point values (FX fixings move far less than equity closes).
	DefaultPointOutlierThreshold = 0.05

	// DefaultStaleWindow is the number of consecutive unchanged same-key
	// observations after which STALE is flagged.
	DefaultStaleWindow = 3

	// DefaultCloseToleranceSeconds bounds the accepted deviation between a
	// bar timestamp and the session's expected close time.
	DefaultCloseToleranceSeconds = 60
)

// Sentinel errors for validator configuration.
var (
	ErrStaleWindowTooSmall = errors.New("stale window must be >= 2")
	ErrNoRecords           = errors.New("records must not be empty when context is omitted")
)

type (
	// ValidationContext pins the identity every record in a batch must match.
	ValidationContext struct {
		DatasetID      string
		DatasetVersion string
		IngestRunID    string
	}

	// TimeSemantics supplies the collaborators needed for calendar-aware
	// checks: universe lookup, session rules, and a calendar factory.
	TimeSemantics struct {
		Universe        Universe
		SessionRules    calendar.SessionRules
		CalendarFactory calendar.CalendarFactory

		// CloseToleranceSeconds defaults to DefaultCloseToleranceSeconds
		// when zero.
		CloseToleranceSeconds int
	}

	// ValidatorOptions configures one record-level validation pass.
	ValidatorOptions struct {
		// Context defaults to the identity of the first record when nil.
		Context *ValidationContext

		// GeneratedAt stamps the report; defaults to time.Now in UTC. Must
		// be UTC when set.
		GeneratedAt time.Time

		BarOutlierThreshold   float64
		PointOutlierThreshold float64
		StaleWindow           int

		// TimeSemantics enables calendar-conflict checks when non-nil.
		TimeSemantics *TimeSemantics

		// RaiseOnHardError makes a non-empty hard-error set return a
		// validation error. When false the caller inspects the report.
		RaiseOnHardError bool
	}
)

// ValidateRecords runs the record-level validation engine over a batch in
// original order: hard errors block the batch (subject to RaiseOnHardError),
// quality flags attach without blocking. Records are returned with flags
// merged and no other field changes.
func ValidateRecords(records []Record, opts ValidatorOptions) ([]Record, ValidationReport, error) {
	staleWindow := opts.StaleWindow
	if staleWindow == 0 {
		staleWindow = DefaultStaleWindow
	}
	if staleWindow < 2 {
		return nil, ValidationReport{}, fmt.Errorf("%w: got %d", ErrStaleWindowTooSmall, staleWindow)
	}

	barThreshold := opts.BarOutlierThreshold
	if barThreshold == 0 {
		barThreshold = DefaultBarOutlierThreshold
	}
	pointThreshold := opts.PointOutlierThreshold
	if pointThreshold == 0 {
		pointThreshold = DefaultPointOutlierThreshold
	}

	vctx := opts.Context
	if vctx == nil {
		if len(records) == 0 {
			return nil, ValidationReport{}, ErrNoRecords
		}
		first := records[0]
		vctx = &ValidationContext{
			DatasetID:      first.DatasetID,
			DatasetVersion: first.DatasetVersion,
			IngestRunID:    first.IngestRunID,
		}
	}

	generatedAt := opts.GeneratedAt
	if generatedAt.IsZero() {
		generatedAt = time.Now().UTC()
	}
	if _, offset := generatedAt.Zone(); offset != 0 {
		return nil, ValidationReport{}, fmt.Errorf("%w: generated_ts", ErrTimestampNotUTC)
	}

	run := &validationRun{
		context:        *vctx,
		additions:      make([]flagSet, len(records)),
		barThreshold:   barThreshold,
		pointThreshold: pointThreshold,
		staleWindow:    staleWindow,
	}

	run.checkPerRecord(records)
	run.checkDuplicates(records)
	run.checkBidAskInversions(records)
	run.checkOutliersAndStaleness(records)
	if opts.TimeSemantics != nil {
		run.checkTimeSemantics(records, *opts.TimeSemantics)
	}

	validated := make([]Record, len(records))
	flagCounts := make(map[QualityFlag]int)
	for i, record := range records {
		validated[i] = record.WithFlags(run.additions[i].ordered...)
		for _, flag := range validated[i].QualityFlags {
			flagCounts[flag]++
		}
	}

	report := ValidationReport{
		DatasetID:      vctx.DatasetID,
		DatasetVersion: vctx.DatasetVersion,
		IngestRunID:    vctx.IngestRunID,
		GeneratedAt:    generatedAt,
		TotalRecords:   len(validated),
		HardErrors:     run.hardErrors,
		FlagCounts:     flagCounts,
	}

	if len(run.hardErrors) > 0 && opts.RaiseOnHardError {
		err := dataerrors.New(dataerrors.ErrValidation, "validation failed").
			With("dataset_id", vctx.DatasetID).
			With("dataset_version", vctx.DatasetVersion).
			With("hard_error_count", len(run.hardErrors)).
			With("first_error", run.hardErrors[0])

		return validated, report, err
	}

	return validated, report, nil
}

// flagSet accumulates flag additions for one record, preserving first-add
// order so merged flag sets are deterministic.
type flagSet struct {
	ordered []QualityFlag
	seen    map[QualityFlag]struct{}
}

func (f *flagSet) add(flag QualityFlag) {
	if f.seen == nil {
		f.seen = make(map[QualityFlag]struct{})
	}
	if _, ok := f.seen[flag]; ok {
		return
	}
	f.seen[flag] = struct{}{}
	f.ordered = append(f.ordered, flag)
}

type validationRun struct {
	context        ValidationContext
	hardErrors     []string
	additions      []flagSet
	barThreshold   float64
	pointThreshold float64
	staleWindow    int
}

func (r *validationRun) hardErrorf(format string, args ...any) {
	r.hardErrors = append(r.hardErrors, fmt.Sprintf(format, args...))
}

func (r *validationRun) checkPerRecord(records []Record) {
	for i, record := range records {
		if record.DatasetID != r.context.DatasetID {
			r.hardErrorf("record %d dataset_id mismatch: %s", i, record.DatasetID)
		}
		if record.DatasetVersion != r.context.DatasetVersion {
			r.hardErrorf("record %d dataset_version mismatch: %s", i, record.DatasetVersion)
		}
		if record.IngestRunID != r.context.IngestRunID {
			r.hardErrorf("record %d ingest_run_id mismatch: %s", i, record.IngestRunID)
		}

		if record.Provenance != ProvenanceExchangeClose {
			r.additions[i].add(FlagProviderTimestampUsed)
		}

		switch r.context.DatasetID {
		case EquityEODDatasetID:
			r.checkBarRecord(i, record)
		case FXDailyDatasetID:
			r.checkPointRecord(i, record)
		default:
			r.hardErrorf("unsupported dataset_id: %s", r.context.DatasetID)
			return
		}
	}
}

func (r *validationRun) checkBarRecord(index int, record Record) {
	if record.Kind != RecordBar || record.Bar == nil {
		r.hardErrorf("record %d expected bar record for equity dataset", index)
		return
	}
	bar := record.Bar

	if bar.AdjClose != nil || bar.AdjustmentBasis != nil {
		r.additions[index].add(FlagAdjustedPricePresent)
	}

	prices := []struct {
		name  string
		value *float64
	}{
		{"open", bar.Open},
		{"high", bar.High},
		{"low", bar.Low},
		{"close", &bar.Close},
		{"adj_close", bar.AdjClose},
	}
	for _, price := range prices {
		if price.value == nil {
			continue
		}
		if !isPositiveFinite(*price.value) {
			r.hardErrorf("record %d %s must be finite and > 0", index, price.name)
		}
	}

	if bar.Volume != nil && !(isFinite(*bar.Volume) && *bar.Volume >= 0) {
		r.hardErrorf("record %d volume must be finite and >= 0", index)
	}

	refHigh, refLow := bar.Close, bar.Close
	if bar.Open != nil {
		refHigh = math.Max(refHigh, *bar.Open)
		refLow = math.Min(refLow, *bar.Open)
	}
	if bar.High != nil && *bar.High < refHigh {
		r.hardErrorf("record %d high must be >= max(open, close)", index)
	}
	if bar.Low != nil && *bar.Low > refLow {
		r.hardErrorf("record %d low must be <= min(open, close)", index)
	}
	if bar.High != nil && bar.Low != nil && *bar.High < *bar.Low {
		r.hardErrorf("record %d high must be >= low", index)
	}
}

func (r *validationRun) checkPointRecord(index int, record Record) {
	if record.Kind != RecordPoint || record.Point == nil {
		r.hardErrorf("record %d expected point record for fx dataset", index)
		return
	}
	point := record.Point

	if !isPositiveFinite(point.Value) {
		r.hardErrorf("record %d value must be finite and > 0", index)
	}
	if !isISOCurrency(point.BaseCcy) {
		r.hardErrorf("record %d base_ccy must be ISO 4217", index)
	}
	if !isISOCurrency(point.QuoteCcy) {
		r.hardErrorf("record %d quote_ccy must be ISO 4217", index)
	}
}

func (r *validationRun) checkDuplicates(records []Record) {
	switch r.context.DatasetID {
	case EquityEODDatasetID:
		seen := make(map[string]struct{}, len(records))
		for _, record := range records {
			if record.Kind != RecordBar {
				continue
			}
			key := record.InstrumentID + "|" + record.Timestamp.Format(time.RFC3339Nano)
			if _, dup := seen[key]; dup {
				r.hardErrorf("duplicate record for %s at %s",
					record.InstrumentID, record.Timestamp.Format(time.RFC3339))
				continue
			}
			seen[key] = struct{}{}
		}
	case FXDailyDatasetID:
		seen := make(map[string]struct{}, len(records))
		for _, record := range records {
			if record.Kind != RecordPoint {
				continue
			}
			field := normalizeField(record.Point.Field)
			key := record.InstrumentID + "|" + field + "|" + record.Timestamp.Format(time.RFC3339Nano)
			if _, dup := seen[key]; dup {
				r.hardErrorf("duplicate record for %s/%s at %s",
					record.InstrumentID, field, record.Timestamp.Format(time.RFC3339))
				continue
			}
			seen[key] = struct{}{}
		}
	}
}

// checkBidAskInversions flags bid > ask at the same (instrument, timestamp).
func (r *validationRun) checkBidAskInversions(records []Record) {
	if r.context.DatasetID != FXDailyDatasetID {
		return
	}

	type quote struct {
		bid, ask *float64
	}

	quotes := make(map[string]*quote)
	order := make([]string, 0)
	labels := make(map[string][2]string)

	for _, record := range records {
		if record.Kind != RecordPoint {
			continue
		}
		field := normalizeField(record.Point.Field)
		if field != "bid" && field != "ask" {
			continue
		}
		key := record.InstrumentID + "|" + record.Timestamp.Format(time.RFC3339Nano)
		entry, ok := quotes[key]
		if !ok {
			entry = &quote{}
			quotes[key] = entry
			order = append(order, key)
			labels[key] = [2]string{record.InstrumentID, record.Timestamp.Format(time.RFC3339)}
		}
		value := record.Point.Value
		if field == "bid" {
			entry.bid = &value
		} else {
			entry.ask = &value
		}
	}

	for _, key := range order {
		entry := quotes[key]
		if entry.bid != nil && entry.ask != nil && *entry.bid > *entry.ask {
			label := labels[key]
			r.hardErrorf("bid/ask inversion for %s at %s", label[0], label[1])
		}
	}
}

// checkOutliersAndStaleness walks each key group in (timestamp, original
// index) order so tie-breaks are deterministic, flagging relative changes
// above the threshold and runs of unchanged values at or past the window.
func (r *validationRun) checkOutliersAndStaleness(records []Record) {
	type entry struct {
		ts    time.Time
		index int
		value float64
	}

	var keyFn func(Record) (string, bool)
	var valueFn func(Record) (float64, bool)
	var threshold float64

	switch r.context.DatasetID {
	case EquityEODDatasetID:
		keyFn = func(rec Record) (string, bool) { return rec.InstrumentID, rec.Kind == RecordBar }
		valueFn = func(rec Record) (float64, bool) {
			if rec.Kind != RecordBar || rec.Bar == nil {
				return 0, false
			}
			return rec.Bar.Close, true
		}
		threshold = r.barThreshold
	case FXDailyDatasetID:
		keyFn = func(rec Record) (string, bool) {
			if rec.Kind != RecordPoint || rec.Point == nil {
				return "", false
			}
			return rec.InstrumentID + "|" + normalizeField(rec.Point.Field), true
		}
		valueFn = func(rec Record) (float64, bool) {
			if rec.Kind != RecordPoint || rec.Point == nil {
				return 0, false
			}
			return rec.Point.Value, true
		}
		threshold = r.pointThreshold
	default:
		return
	}

	grouped := make(map[string][]entry)
	groupOrder := make([]string, 0)

	for i, record := range records {
		key, ok := keyFn(record)
		if !ok {
			continue
		}
		value, ok := valueFn(record)
		if !ok || !isFinite(value) {
			continue
		}
		if _, exists := grouped[key]; !exists {
			groupOrder = append(groupOrder, key)
		}
		grouped[key] = append(grouped[key], entry{ts: record.Timestamp, index: i, value: value})
	}

	for _, key := range groupOrder {
		entries := grouped[key]
		sort.Slice(entries, func(a, b int) bool {
			if !entries[a].ts.Equal(entries[b].ts) {
				return entries[a].ts.Before(entries[b].ts)
			}
			return entries[a].index < entries[b].index
		})

		var prev *float64
		staleCount := 0
		for _, e := range entries {
			if prev != nil && *prev > 0 {
				change := math.Abs((e.value - *prev) / *prev)
				if change > threshold {
					r.additions[e.index].add(FlagOutlierSuspect)
				}
			}
			if prev != nil && e.value == *prev {
				staleCount++
			} else {
				staleCount = 1
			}
			if staleCount >= r.staleWindow {
				r.additions[e.index].add(FlagStale)
			}
			value := e.value
			prev = &value
		}
	}
}

// checkTimeSemantics applies the calendar guardrails to equity bars: the
// local trading date must be a scheduled session, the timezone-converted
// local date must agree with the stored trading date, and the bar timestamp
// must sit within tolerance of the session's expected close.
func (r *validationRun) checkTimeSemantics(records []Record, semantics TimeSemantics) {
	if r.context.DatasetID != EquityEODDatasetID {
		return
	}

	tolerance := semantics.CloseToleranceSeconds
	if tolerance == 0 {
		tolerance = DefaultCloseToleranceSeconds
	}

	instruments := semantics.Universe.InstrumentByID()
	calendars := make(map[string]calendar.TradingCalendar)

	for i, record := range records {
		if record.Kind != RecordBar {
			continue
		}
		instrument, ok := instruments[record.InstrumentID]
		if !ok || instrument.Type != InstrumentEquity || instrument.MIC == "" {
			continue
		}
		if record.TradingDateLocal == nil {
			continue
		}
		tradingDate := *record.TradingDateLocal

		cal := r.resolveCalendar(instrument.MIC, calendars, semantics.CalendarFactory)
		if cal != nil && !isSessionDay(cal, tradingDate) {
			r.additions[i].add(FlagCalendarConflict)
		}

		rule, hasRule := semantics.SessionRules.Lookup(instrument.MIC)

		tzName := record.TimezoneLocal
		if tzName == "" && hasRule {
			tzName = rule.TimezoneLocal
		}
		if tzName == "" {
			tzName = instrument.ExchangeTimezone
		}
		if tzName != "" {
			location, err := time.LoadLocation(tzName)
			if err != nil {
				r.hardErrorf("invalid timezone for instrument %s: %s", record.InstrumentID, tzName)
			} else if calendar.DateOf(record.Timestamp.In(location)) != tradingDate {
				r.additions[i].add(FlagCalendarConflict)
			}
		}

		if hasRule && rule.AppliesOn(tradingDate) {
			expected, err := expectedCloseTime(tradingDate, rule)
			if err != nil {
				r.hardErrorf("failed to compute expected close time for %s: %v", rule.MIC, err)
				continue
			}
			delta := record.Timestamp.Sub(expected)
			if delta < 0 {
				delta = -delta
			}
			if delta > time.Duration(tolerance)*time.Second {
				r.additions[i].add(FlagCalendarConflict)
			}
		}
	}
}

func (r *validationRun) resolveCalendar(
	mic string,
	cache map[string]calendar.TradingCalendar,
	factory calendar.CalendarFactory,
) calendar.TradingCalendar {
	if factory == nil {
		return nil
	}
	if cached, ok := cache[mic]; ok {
		return cached
	}

	cal, err := factory(mic)
	if err != nil {
		r.hardErrorf("calendar lookup failed for %s: %v", mic, err)
		cache[mic] = nil
		return nil
	}
	cache[mic] = cal

	return cal
}

func isSessionDay(cal calendar.TradingCalendar, day calendar.Date) bool {
	for _, session := range cal.Sessions(day, day) {
		if session == day {
			return true
		}
	}

	return false
}

// expectedCloseTime combines the trading date with the rule's local close
// wall-clock time and converts to UTC.
func expectedCloseTime(tradingDate calendar.Date, rule calendar.SessionRule) (time.Time, error) {
	closeLocal, err := time.Parse("15:04", rule.RegularCloseLocal)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid close time %q: %w", rule.RegularCloseLocal, err)
	}

	location, err := time.LoadLocation(rule.TimezoneLocal)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timezone %q: %w", rule.TimezoneLocal, err)
	}

	local := time.Date(
		tradingDate.Year, tradingDate.Month, tradingDate.Day,
		closeLocal.Hour(), closeLocal.Minute(), 0, 0, location,
	)

	return local.UTC(), nil
}

func isFinite(value float64) bool {
	return !math.IsNaN(value) && !math.IsInf(value, 0)
}

func isPositiveFinite(value float64) bool {
	return isFinite(value) && value > 0
}

// isISOCurrency accepts three uppercase ASCII letters.
func isISOCurrency(code string) bool {
	if len(code) != 3 {
		return false
	}
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return false
		}
	}

	return true
}

func normalizeField(field string) string {
	return strings.ToLower(strings.TrimSpace(field))
}
