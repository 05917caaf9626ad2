package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/quantlab-io/datacore/internal/calendar"
	"github.com/quantlab-io/datacore/internal/canonicalization"
	"github.com/quantlab-io/datacore/internal/ingestion"
)

// JobConfig describes one ingestion run: the dataset identity, the captured
// provider payload to ingest, and the reference data the validators need.
//
//nolint:tagliatelle // YAML config uses snake_case keys
type JobConfig struct {
	DatasetID      string `yaml:"dataset_id"`
	DatasetVersion string `yaml:"dataset_version"`

	// PayloadFile is the provider payload on local disk. The ingester runs
	// from captured vendor drops; live fetching is a separate concern.
	PayloadFile   string `yaml:"payload_file"`
	PayloadFormat string `yaml:"payload_format"`

	Source struct {
		Provider        string `yaml:"provider"`
		Endpoint        string `yaml:"endpoint"`
		ProviderDataset string `yaml:"provider_dataset"`
	} `yaml:"source"`

	// RequestParams become the canonical fetch request; the payload file is
	// addressed in the raw store by the fingerprint of these params.
	RequestParams map[string]any `yaml:"request_params"`

	Universe struct {
		Hash        string          `yaml:"hash"`
		Instruments []instrumentDoc `yaml:"instruments"`
	} `yaml:"universe"`

	SessionRules struct {
		Version string           `yaml:"version"`
		Rules   []sessionRuleDoc `yaml:"rules"`
	} `yaml:"session_rules"`

	// Calendars maps MIC to its session dates (ISO). Optional; when absent
	// the calendar-conflict validator is disabled.
	Calendars map[string][]string `yaml:"calendars"`

	CalendarVersion string `yaml:"calendar_version"`
	Notes           string `yaml:"notes"`
}

//nolint:tagliatelle // YAML config uses snake_case keys
type instrumentDoc struct {
	InstrumentID     string `yaml:"instrument_id"`
	Type             string `yaml:"type"`
	MIC              string `yaml:"mic"`
	VendorSymbol     string `yaml:"vendor_symbol"`
	ExchangeTimezone string `yaml:"exchange_timezone"`
	BaseCcy          string `yaml:"base_ccy"`
	QuoteCcy         string `yaml:"quote_ccy"`
}

//nolint:tagliatelle // YAML config uses snake_case keys
type sessionRuleDoc struct {
	MIC               string `yaml:"mic"`
	RegularCloseLocal string `yaml:"regular_close_local"`
	TimezoneLocal     string `yaml:"timezone_local"`
	EffectiveFrom     string `yaml:"effective_from"`
	EffectiveTo       string `yaml:"effective_to"`
}

// LoadJobConfig reads and validates a job file. Unlike optional runtime
// config, a broken job file is a hard error: silently ingesting the wrong
// dataset is worse than failing.
func LoadJobConfig(path string) (*JobConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read job file: %w", err)
	}

	var job JobConfig
	if err := yaml.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("parse job file: %w", err)
	}

	if err := job.Validate(); err != nil {
		return nil, err
	}

	return &job, nil
}

// Validate checks the fields the pipeline cannot default.
func (j *JobConfig) Validate() error {
	required := []struct {
		name  string
		value string
	}{
		{"dataset_id", j.DatasetID},
		{"dataset_version", j.DatasetVersion},
		{"payload_file", j.PayloadFile},
		{"source.provider", j.Source.Provider},
		{"calendar_version", j.CalendarVersion},
		{"universe.hash", j.Universe.Hash},
		{"session_rules.version", j.SessionRules.Version},
	}
	for _, field := range required {
		if field.value == "" {
			return fmt.Errorf("job file missing %s", field.name)
		}
	}

	if j.PayloadFormat == "" {
		j.PayloadFormat = "json"
	}

	return nil
}

// FetchRequest builds the canonical request from the job's params.
func (j *JobConfig) FetchRequest() (ingestion.FetchRequest, error) {
	params := make(map[string]canonicalization.Value, len(j.RequestParams))
	for key, raw := range j.RequestParams {
		value, err := canonicalValue(raw)
		if err != nil {
			return ingestion.FetchRequest{}, fmt.Errorf("request_params.%s: %w", key, err)
		}

		params[key] = value
	}

	return ingestion.FetchRequest{DatasetID: j.DatasetID, Params: params}, nil
}

func canonicalValue(raw any) (canonicalization.Value, error) {
	switch v := raw.(type) {
	case nil:
		return canonicalization.Null(), nil
	case bool:
		return canonicalization.Bool(v), nil
	case int:
		return canonicalization.Int(v), nil
	case int64:
		return canonicalization.Number(float64(v)), nil
	case float64:
		return canonicalization.Number(v), nil
	case string:
		return canonicalization.String(v), nil
	case []any:
		items := make([]canonicalization.Value, 0, len(v))
		for _, item := range v {
			value, err := canonicalValue(item)
			if err != nil {
				return canonicalization.Value{}, err
			}

			items = append(items, value)
		}

		return canonicalization.List(items...), nil
	case map[string]any:
		entries := make(map[string]canonicalization.Value, len(v))
		for key, item := range v {
			value, err := canonicalValue(item)
			if err != nil {
				return canonicalization.Value{}, err
			}

			entries[key] = value
		}

		return canonicalization.Map(entries), nil
	default:
		return canonicalization.Value{}, fmt.Errorf("unsupported value type %T", raw)
	}
}

// IngestionUniverse converts the job's universe section.
func (j *JobConfig) IngestionUniverse() ingestion.Universe {
	instruments := make([]ingestion.Instrument, 0, len(j.Universe.Instruments))
	for _, doc := range j.Universe.Instruments {
		instruments = append(instruments, ingestion.Instrument{
			InstrumentID:     doc.InstrumentID,
			Type:             ingestion.InstrumentType(doc.Type),
			MIC:              doc.MIC,
			VendorSymbol:     doc.VendorSymbol,
			ExchangeTimezone: doc.ExchangeTimezone,
			BaseCcy:          doc.BaseCcy,
			QuoteCcy:         doc.QuoteCcy,
		})
	}

	return ingestion.Universe{Hash: j.Universe.Hash, Instruments: instruments}
}

// CalendarSessionRules converts the job's session rules section.
func (j *JobConfig) CalendarSessionRules() (calendar.SessionRules, error) {
	rules := make(map[string]calendar.SessionRule, len(j.SessionRules.Rules))
	for _, doc := range j.SessionRules.Rules {
		rule := calendar.SessionRule{
			MIC:               doc.MIC,
			RegularCloseLocal: doc.RegularCloseLocal,
			TimezoneLocal:     doc.TimezoneLocal,
		}

		if doc.EffectiveFrom != "" {
			from, err := calendar.ParseDate(doc.EffectiveFrom)
			if err != nil {
				return calendar.SessionRules{}, fmt.Errorf("session rule %s effective_from: %w", doc.MIC, err)
			}

			rule.EffectiveFrom = &from
		}

		if doc.EffectiveTo != "" {
			to, err := calendar.ParseDate(doc.EffectiveTo)
			if err != nil {
				return calendar.SessionRules{}, fmt.Errorf("session rule %s effective_to: %w", doc.MIC, err)
			}

			rule.EffectiveTo = &to
		}

		rules[doc.MIC] = rule
	}

	return calendar.SessionRules{Version: j.SessionRules.Version, Rules: rules}, nil
}

// CalendarFactory builds a static-calendar factory from the job's session
// lists, or nil when the job carries none.
func (j *JobConfig) CalendarFactory() (calendar.CalendarFactory, error) {
	if len(j.Calendars) == 0 {
		return nil, nil
	}

	calendars := make(map[string]*calendar.StaticCalendar, len(j.Calendars))
	for mic, raw := range j.Calendars {
		sessions := make([]calendar.Date, 0, len(raw))
		for _, s := range raw {
			d, err := calendar.ParseDate(s)
			if err != nil {
				return nil, fmt.Errorf("calendars.%s: %w", mic, err)
			}

			sessions = append(sessions, d)
		}

		calendars[mic] = calendar.NewStaticCalendar(sessions)
	}

	return func(mic string) (calendar.TradingCalendar, error) {
		cal, ok := calendars[mic]
		if !ok {
			return nil, fmt.Errorf("no calendar configured for MIC %q", mic)
		}

		return cal, nil
	}, nil
}
