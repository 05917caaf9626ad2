// Package timeseries serves fingerprint-keyed, calendar-aligned market data
// from a partitioned parquet cache. A request is canonicalized and hashed;
// the hash keys both the cache manifest and the provider single-flight, so
// equivalent requests share one fetch and one on-disk representation.
package timeseries

import (
	"fmt"
	"sort"
	"time"

	"github.com/quantlab-io/datacore/internal/calendar"
	"github.com/quantlab-io/datacore/internal/canonicalization"
	"github.com/quantlab-io/datacore/internal/dataerrors"
)

// AssetID is the internal identifier for a tradable instrument,
// e.g. "AAPL.XNAS".
type AssetID string

// Supported request constants. Daily bars are the only frequency the cache
// stores; prices are served raw, in UTC dates.
const (
	FrequencyDaily  = "1D"
	PriceTypeRaw    = "raw"
	TimezoneUTC     = "UTC"
	CalendarMarket  = "MARKET"
	IndexModeTarget = "TARGET_CALENDAR"
)

// Missing-data policies for alignment.
const (
	MissingNaNOK     = "NAN_OK"
	MissingDropDates = "DROP_DATES"
	MissingError     = "ERROR"
)

// Asset drop policies for under-covered assets.
const (
	AssetDropError = "ERROR"
	AssetDropAsset = "DROP_ASSET"
)

// Deduplication policies for the frame guardrails.
const (
	DeduplicateError = "ERROR"
	DeduplicateLast  = "LAST"
	DeduplicateFirst = "FIRST"
)

// DefaultCorpActionJumpThreshold flags simple returns at or beyond this
// magnitude as suspected corporate actions.
const DefaultCorpActionJumpThreshold = 0.40

// DefaultMinCoverage is the minimum acceptable per-asset coverage ratio.
const DefaultMinCoverage = 0.98

// validFields is the closed set of request fields the cache stores.
var validFields = map[string]bool{
	"close":  true,
	"open":   true,
	"high":   true,
	"low":    true,
	"volume": true,
}

type (
	// CalendarSpec names the trading calendar that defines the target
	// session index.
	CalendarSpec struct {
		Kind   string `json:"kind"`
		Market string `json:"market"`
	}

	// AlignmentPolicy controls how fetched data maps onto the target index.
	AlignmentPolicy struct {
		IndexMode string `json:"index_mode"`
	}

	// MissingDataPolicy controls how gaps in the aligned frame are handled.
	MissingDataPolicy struct {
		AssetDropPolicy string  `json:"asset_drop_policy"`
		MinCoverage     float64 `json:"min_coverage"`
		Policy          string  `json:"policy"`
	}

	// ValidationPolicy configures the frame-level guardrail pass.
	ValidationPolicy struct {
		CorpActionJumpThreshold float64  `json:"corp_action_jump_threshold"`
		Deduplicate             string   `json:"deduplicate"`
		MaxAbsReturn            *float64 `json:"max_abs_return"`
		MonotonicIndex          bool     `json:"monotonic_index"`
		NoNonpositivePrices     bool     `json:"no_nonpositive_prices"`
		TypeChecks              bool     `json:"type_checks"`
	}

	// TimeSeriesRequest describes one cacheable market-data query. Asset
	// and field order never affect the request hash.
	TimeSeriesRequest struct {
		Assets    []AssetID
		Start     calendar.Date
		End       calendar.Date
		Frequency string
		Fields    []string
		PriceType string
		Calendar  *CalendarSpec
		Timezone  string
		Alignment AlignmentPolicy
		Missing   MissingDataPolicy
		Validate  ValidationPolicy
		AsOf      *time.Time
	}
)

// DefaultAlignmentPolicy returns the only supported alignment mode.
func DefaultAlignmentPolicy() AlignmentPolicy {
	return AlignmentPolicy{IndexMode: IndexModeTarget}
}

// DefaultMissingDataPolicy tolerates NaN gaps and requires 98% coverage.
func DefaultMissingDataPolicy() MissingDataPolicy {
	return MissingDataPolicy{
		AssetDropPolicy: AssetDropError,
		MinCoverage:     DefaultMinCoverage,
		Policy:          MissingNaNOK,
	}
}

// DefaultValidationPolicy enables every guardrail, resolving duplicates by
// keeping the last row.
func DefaultValidationPolicy() ValidationPolicy {
	return ValidationPolicy{
		CorpActionJumpThreshold: DefaultCorpActionJumpThreshold,
		Deduplicate:             DeduplicateLast,
		MonotonicIndex:          true,
		NoNonpositivePrices:     true,
		TypeChecks:              true,
	}
}

// NewRequest builds a request for the given assets, range, and market
// calendar with every policy at its default.
func NewRequest(assets []AssetID, start, end calendar.Date, market string) TimeSeriesRequest {
	req := TimeSeriesRequest{
		Assets:   assets,
		Start:    start,
		End:      end,
		Calendar: &CalendarSpec{Kind: CalendarMarket, Market: market},
	}

	return req.withDefaults()
}

// withDefaults fills zero-valued fields and policies with their defaults.
// Partially filled policies are left alone so Validate can reject them.
func (r TimeSeriesRequest) withDefaults() TimeSeriesRequest {
	if r.Frequency == "" {
		r.Frequency = FrequencyDaily
	}

	if len(r.Fields) == 0 {
		r.Fields = []string{"close"}
	}

	if r.PriceType == "" {
		r.PriceType = PriceTypeRaw
	}

	if r.Timezone == "" {
		r.Timezone = TimezoneUTC
	}

	if r.Alignment == (AlignmentPolicy{}) {
		r.Alignment = DefaultAlignmentPolicy()
	}

	if r.Missing == (MissingDataPolicy{}) {
		r.Missing = DefaultMissingDataPolicy()
	}

	if r.Validate == (ValidationPolicy{}) {
		r.Validate = DefaultValidationPolicy()
	}

	return r
}

// Check verifies every request field against the supported value sets.
func (r TimeSeriesRequest) Check() error {
	if len(r.Assets) == 0 {
		return requestError("assets must be non-empty")
	}

	for _, asset := range r.Assets {
		if asset == "" {
			return requestError("asset ids must be non-empty")
		}
	}

	if r.Start.After(r.End) {
		return requestError("start must be on or before end").
			With("start", r.Start.String()).
			With("end", r.End.String())
	}

	if r.Frequency != FrequencyDaily {
		return requestError("frequency must be 1D").With("frequency", r.Frequency)
	}

	if len(r.Fields) == 0 {
		return requestError("fields must be non-empty")
	}

	for _, field := range r.Fields {
		if !validFields[field] {
			return requestError("unsupported field").With("field", field)
		}
	}

	if r.PriceType != PriceTypeRaw {
		return requestError("price_type must be raw").With("price_type", r.PriceType)
	}

	if r.Calendar == nil {
		return requestError("calendar must be provided")
	}

	if r.Calendar.Kind != CalendarMarket {
		return requestError("calendar kind must be MARKET").With("calendar_kind", r.Calendar.Kind)
	}

	if r.Calendar.Market == "" {
		return requestError("calendar market must be non-empty")
	}

	if r.Timezone != TimezoneUTC {
		return requestError("timezone must be UTC").With("timezone", r.Timezone)
	}

	if r.Alignment.IndexMode != IndexModeTarget {
		return requestError("alignment index_mode must be TARGET_CALENDAR").
			With("index_mode", r.Alignment.IndexMode)
	}

	if err := r.Missing.check(); err != nil {
		return err
	}

	if err := r.Validate.check(); err != nil {
		return err
	}

	if r.AsOf != nil {
		if _, offset := r.AsOf.Zone(); offset != 0 {
			return requestError("as_of must be in UTC").
				With("as_of", r.AsOf.Format(time.RFC3339Nano))
		}
	}

	return nil
}

func (p MissingDataPolicy) check() error {
	switch p.Policy {
	case MissingNaNOK, MissingDropDates, MissingError:
	default:
		return requestError("unknown missing policy").With("policy", p.Policy)
	}

	if p.MinCoverage <= 0 || p.MinCoverage > 1 {
		return requestError("min_coverage must be in (0, 1]").
			With("min_coverage", fmt.Sprintf("%g", p.MinCoverage))
	}

	switch p.AssetDropPolicy {
	case AssetDropError, AssetDropAsset:
	default:
		return requestError("unknown asset drop policy").
			With("asset_drop_policy", p.AssetDropPolicy)
	}

	return nil
}

func (p ValidationPolicy) check() error {
	switch p.Deduplicate {
	case DeduplicateError, DeduplicateLast, DeduplicateFirst:
	default:
		return requestError("unknown deduplicate policy").With("deduplicate", p.Deduplicate)
	}

	if p.MaxAbsReturn != nil && *p.MaxAbsReturn <= 0 {
		return requestError("max_abs_return must be positive").
			With("max_abs_return", fmt.Sprintf("%g", *p.MaxAbsReturn))
	}

	if p.CorpActionJumpThreshold <= 0 {
		return requestError("corp_action_jump_threshold must be positive").
			With("corp_action_jump_threshold", fmt.Sprintf("%g", p.CorpActionJumpThreshold))
	}

	return nil
}

func requestError(message string) *dataerrors.Error {
	return dataerrors.New(dataerrors.ErrValidation, message)
}

// sortedAssets returns the asset ids sorted ascending as strings.
func (r TimeSeriesRequest) sortedAssets() []string {
	assets := make([]string, 0, len(r.Assets))
	for _, asset := range r.Assets {
		assets = append(assets, string(asset))
	}

	sort.Strings(assets)

	return assets
}

// sortedFields returns a sorted copy of the requested fields.
func (r TimeSeriesRequest) sortedFields() []string {
	fields := make([]string, len(r.Fields))
	copy(fields, r.Fields)
	sort.Strings(fields)

	return fields
}

// Hash computes the request fingerprint: SHA-256 over the canonical
// encoding of the request. Assets and fields enter as sets, so their
// order never changes the hash.
func (r TimeSeriesRequest) Hash() (string, error) {
	assetItems := make([]canonicalization.Value, 0, len(r.Assets))
	for _, asset := range r.Assets {
		assetItems = append(assetItems, canonicalization.String(string(asset)))
	}

	fieldItems := make([]canonicalization.Value, 0, len(r.Fields))
	for _, field := range r.Fields {
		fieldItems = append(fieldItems, canonicalization.String(field))
	}

	calendarValue := canonicalization.Null()
	if r.Calendar != nil {
		calendarValue = canonicalization.Map(map[string]canonicalization.Value{
			"kind":   canonicalization.String(r.Calendar.Kind),
			"market": canonicalization.String(r.Calendar.Market),
		})
	}

	maxAbsReturn := canonicalization.Null()
	if r.Validate.MaxAbsReturn != nil {
		maxAbsReturn = canonicalization.Number(*r.Validate.MaxAbsReturn)
	}

	asOf := canonicalization.Null()
	if r.AsOf != nil {
		asOf = canonicalization.Time(r.AsOf.UTC())
	}

	value := canonicalization.Map(map[string]canonicalization.Value{
		"assets":     canonicalization.Set(assetItems...),
		"start":      canonicalization.String(r.Start.String()),
		"end":        canonicalization.String(r.End.String()),
		"frequency":  canonicalization.String(r.Frequency),
		"fields":     canonicalization.Set(fieldItems...),
		"price_type": canonicalization.String(r.PriceType),
		"calendar":   calendarValue,
		"timezone":   canonicalization.String(r.Timezone),
		"alignment": canonicalization.Map(map[string]canonicalization.Value{
			"index_mode": canonicalization.String(r.Alignment.IndexMode),
		}),
		"missing": canonicalization.Map(map[string]canonicalization.Value{
			"policy":            canonicalization.String(r.Missing.Policy),
			"min_coverage":      canonicalization.Number(r.Missing.MinCoverage),
			"asset_drop_policy": canonicalization.String(r.Missing.AssetDropPolicy),
		}),
		"validate": canonicalization.Map(map[string]canonicalization.Value{
			"no_nonpositive_prices":      canonicalization.Bool(r.Validate.NoNonpositivePrices),
			"deduplicate":                canonicalization.String(r.Validate.Deduplicate),
			"max_abs_return":             maxAbsReturn,
			"corp_action_jump_threshold": canonicalization.Number(r.Validate.CorpActionJumpThreshold),
			"monotonic_index":            canonicalization.Bool(r.Validate.MonotonicIndex),
			"type_checks":                canonicalization.Bool(r.Validate.TypeChecks),
		}),
		"as_of": asOf,
	})

	return canonicalization.Fingerprint(value)
}

// RequestDocument is the normalized JSON form of a request, stored in
// lineage so a cached result can be replayed without the original caller.
//
// Fields are declared in sorted tag order so encoding/json emits the same
// key order a sorted-keys encoder would.
type RequestDocument struct {
	Alignment AlignmentPolicy   `json:"alignment"`
	AsOf      *string           `json:"as_of"`
	Assets    []string          `json:"assets"`
	Calendar  *CalendarSpec     `json:"calendar"`
	End       string            `json:"end"`
	Fields    []string          `json:"fields"`
	Frequency string            `json:"frequency"`
	Missing   MissingDataPolicy `json:"missing"`
	PriceType string            `json:"price_type"`
	Start     string            `json:"start"`
	Timezone  string            `json:"timezone"`
	Validate  ValidationPolicy  `json:"validate"`
}

// Document returns the normalized JSON form of the request, with assets
// and fields sorted.
func (r TimeSeriesRequest) Document() RequestDocument {
	var asOf *string
	if r.AsOf != nil {
		formatted := r.AsOf.UTC().Format(time.RFC3339Nano)
		asOf = &formatted
	}

	var spec *CalendarSpec
	if r.Calendar != nil {
		copied := *r.Calendar
		spec = &copied
	}

	return RequestDocument{
		Alignment: r.Alignment,
		AsOf:      asOf,
		Assets:    r.sortedAssets(),
		Calendar:  spec,
		End:       r.End.String(),
		Fields:    r.sortedFields(),
		Frequency: r.Frequency,
		Missing:   r.Missing,
		PriceType: r.PriceType,
		Start:     r.Start.String(),
		Timezone:  r.Timezone,
		Validate:  r.Validate,
	}
}

// RequestFromDocument reconstructs a request from its normalized JSON form.
func RequestFromDocument(doc RequestDocument) (TimeSeriesRequest, error) {
	start, err := calendar.ParseDate(doc.Start)
	if err != nil {
		return TimeSeriesRequest{}, requestError("invalid start date").
			With("start", doc.Start).Wrap(err)
	}

	end, err := calendar.ParseDate(doc.End)
	if err != nil {
		return TimeSeriesRequest{}, requestError("invalid end date").
			With("end", doc.End).Wrap(err)
	}

	assets := make([]AssetID, 0, len(doc.Assets))
	for _, asset := range doc.Assets {
		assets = append(assets, AssetID(asset))
	}

	var asOf *time.Time
	if doc.AsOf != nil {
		parsed, err := time.Parse(time.RFC3339Nano, *doc.AsOf)
		if err != nil {
			return TimeSeriesRequest{}, requestError("invalid as_of timestamp").
				With("as_of", *doc.AsOf).Wrap(err)
		}

		utc := parsed.UTC()
		asOf = &utc
	}

	var spec *CalendarSpec
	if doc.Calendar != nil {
		copied := *doc.Calendar
		spec = &copied
	}

	req := TimeSeriesRequest{
		Assets:    assets,
		Start:     start,
		End:       end,
		Frequency: doc.Frequency,
		Fields:    doc.Fields,
		PriceType: doc.PriceType,
		Calendar:  spec,
		Timezone:  doc.Timezone,
		Alignment: doc.Alignment,
		Missing:   doc.Missing,
		Validate:  doc.Validate,
		AsOf:      asOf,
	}

	req = req.withDefaults()
	if err := req.Check(); err != nil {
		return TimeSeriesRequest{}, err
	}

	return req, nil
}
