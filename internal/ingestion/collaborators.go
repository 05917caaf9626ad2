package ingestion

import (
	"context"
	"time"

	"github.com/quantlab-io/datacore/internal/canonicalization"
)

type (
	// InstrumentType distinguishes universe members by asset class.
	InstrumentType string

	// Instrument is one entry of the instrument universe snapshot.
	Instrument struct {
		InstrumentID     string
		Type             InstrumentType
		MIC              string
		VendorSymbol     string
		ExchangeTimezone string
		BaseCcy          string
		QuoteCcy         string
	}

	// Universe is a versioned snapshot of the instrument master. The hash
	// pins the snapshot in registry entries and config fingerprints.
	Universe struct {
		Hash        string
		Instruments []Instrument
	}

	// FetchRequest describes one provider request. Params are canonical
	// values so the request fingerprint is order-invariant by construction.
	FetchRequest struct {
		DatasetID string
		Params    map[string]canonicalization.Value
	}

	// RawResponse is the provider adapter's result for one fetch.
	RawResponse struct {
		Payload            []byte
		PayloadFormat      string // file extension for the raw store, e.g. "json"
		Source             Source
		FetchedAt          time.Time
		RequestFingerprint string
		StatusCode         int
		Retries            int
		Pagination         map[string]string
		ProviderRevision   string
	}

	// ProviderAdapter fetches raw payloads. Network strategy, retries, and
	// timeouts are the adapter's concern, not this core's.
	ProviderAdapter interface {
		Fetch(ctx context.Context, request FetchRequest) (RawResponse, error)
	}

	// NormalizationContext carries the identity a normalizer stamps onto
	// every record it emits.
	NormalizationContext struct {
		DatasetID      string
		DatasetVersion string
		SchemaVersion  string
		AsOf           time.Time
		IngestRunID    string
		Source         Source
	}

	// Normalizer parses a provider payload into canonical records. It is a
	// pure function of its inputs; malformed input yields a normalization
	// error from the dataerrors taxonomy.
	Normalizer interface {
		Normalize(payload []byte, nctx NormalizationContext, universe Universe) ([]Record, error)
	}
)

// Instrument types.
const (
	InstrumentEquity InstrumentType = "EQUITY"
	InstrumentFXSpot InstrumentType = "FX_SPOT"
)

// InstrumentByID builds an instrument lookup keyed by instrument id.
func (u Universe) InstrumentByID() map[string]Instrument {
	lookup := make(map[string]Instrument, len(u.Instruments))
	for _, instrument := range u.Instruments {
		lookup[instrument.InstrumentID] = instrument
	}

	return lookup
}

// Payload returns the canonical value of the request, including dataset id.
func (r FetchRequest) Payload() canonicalization.Value {
	entries := make(map[string]canonicalization.Value, len(r.Params)+1)
	for key, value := range r.Params {
		entries[key] = value
	}
	entries["dataset_id"] = canonicalization.String(r.DatasetID)

	return canonicalization.Map(entries)
}

// Fingerprint computes the deterministic request identity used for raw
// payload addressing and response consistency checks.
func (r FetchRequest) Fingerprint() (string, error) {
	return canonicalization.Fingerprint(r.Payload())
}
