package timeseries

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/quantlab-io/datacore/internal/calendar"
	"github.com/quantlab-io/datacore/internal/dataerrors"
)

type (
	// Provider fetches daily bars for provider-native symbols. The result
	// maps each requested symbol to a single-asset frame carrying the
	// requested fields.
	Provider interface {
		Name() string
		FetchDaily(ctx context.Context, symbols []string, start, end calendar.Date, fields []string) (map[string]*AssetFrame, error)
	}

	// SymbolResolver maps internal asset ids to provider-native symbols.
	SymbolResolver interface {
		ResolveSymbol(assetID string) (string, error)
	}

	// Bundle is a served result: the aligned, validated frame plus
	// per-asset metadata, the quality report, and lineage.
	Bundle struct {
		Data       *Frame
		AssetsMeta map[AssetID]map[string]string
		Quality    QualityReport
		Lineage    LineageMeta
	}

	// ServiceOptions tunes optional service behavior.
	ServiceOptions struct {
		DatasetVersion string
		CodeVersion    string
		Limiter        *rate.Limiter
		Logger         *slog.Logger
		Clock          func() time.Time
	}

	// Service answers time-series requests from the partition cache,
	// fetching from the provider only on a cache miss. At most one fetch
	// per request hash is in flight at a time; concurrent identical
	// requests share the first caller's result.
	Service struct {
		provider        Provider
		store           *PartitionStore
		calendarFactory calendar.CalendarFactory
		symbols         SymbolResolver
		limiter         *rate.Limiter
		logger          *slog.Logger
		datasetVersion  string
		codeVersion     string
		clock           func() time.Time
		group           singleflight.Group
	}
)

// NewService wires a cache service over the given collaborators.
func NewService(provider Provider, store *PartitionStore, factory calendar.CalendarFactory, symbols SymbolResolver, opts ServiceOptions) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	clock := opts.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}

	return &Service{
		provider:        provider,
		store:           store,
		calendarFactory: factory,
		symbols:         symbols,
		limiter:         opts.Limiter,
		logger:          logger,
		datasetVersion:  opts.DatasetVersion,
		codeVersion:     opts.CodeVersion,
		clock:           clock,
	}
}

// GetTimeseries serves one request, hitting the manifest cache when the
// request fingerprint is already materialized. The request hash keys a
// single-flight group, so concurrent equivalent requests trigger at most
// one provider fetch.
func (s *Service) GetTimeseries(ctx context.Context, request TimeSeriesRequest) (*Bundle, error) {
	request = request.withDefaults()
	if err := request.Check(); err != nil {
		return nil, err
	}

	requestHash, err := request.Hash()
	if err != nil {
		return nil, err
	}

	result, err, _ := s.group.Do(requestHash, func() (any, error) {
		return s.serve(ctx, request, requestHash)
	})
	if err != nil {
		return nil, err
	}

	bundle, ok := result.(*Bundle)
	if !ok {
		return nil, errors.New("unexpected single-flight result type")
	}

	return bundle, nil
}

// Replay rebuilds a bundle for an already-materialized request hash from
// the manifest and stored partitions alone, without the original request.
func (s *Service) Replay(ctx context.Context, requestHash string) (*Bundle, error) {
	manifest, err := ReadManifest(s.store.Root(), requestHash)
	if err != nil {
		return nil, err
	}

	request, err := RequestFromDocument(manifest.RequestJSON)
	if err != nil {
		return nil, err
	}

	recomputed, err := request.Hash()
	if err != nil {
		return nil, err
	}

	if recomputed != requestHash {
		return nil, dataerrors.New(dataerrors.ErrStorage, "manifest request does not reproduce its hash").
			With("request_hash", requestHash).
			With("recomputed_hash", recomputed)
	}

	s.logger.InfoContext(ctx, "cache replay",
		slog.String("request_hash", requestHash),
		slog.String("provider", manifest.Provider))

	return s.assemble(request, requestHash, manifest.Lineage())
}

func (s *Service) serve(ctx context.Context, request TimeSeriesRequest, requestHash string) (*Bundle, error) {
	providerName := s.provider.Name()
	if providerName == "" {
		return nil, dataerrors.New(dataerrors.ErrProviderRequest, "provider name must be set")
	}

	exists, err := ManifestExists(s.store.Root(), requestHash)
	if err != nil {
		return nil, err
	}

	if exists {
		s.logger.InfoContext(ctx, "cache hit",
			slog.String("request_hash", requestHash),
			slog.String("provider", providerName))

		manifest, err := ReadManifest(s.store.Root(), requestHash)
		if err != nil {
			return nil, err
		}

		return s.assemble(request, requestHash, manifest.Lineage())
	}

	s.logger.InfoContext(ctx, "cache miss",
		slog.String("request_hash", requestHash),
		slog.String("provider", providerName))

	lineage, err := s.materialize(ctx, request, requestHash, providerName)
	if err != nil {
		return nil, err
	}

	return s.assemble(request, requestHash, lineage)
}

// materialize performs the miss path: fetch, persist per-asset partitions,
// align and validate, then publish the manifest.
func (s *Service) materialize(ctx context.Context, request TimeSeriesRequest, requestHash, providerName string) (LineageMeta, error) {
	ingestionTS := s.clock()
	if _, offset := ingestionTS.Zone(); offset != 0 {
		return LineageMeta{}, dataerrors.New(dataerrors.ErrValidation, "ingestion timestamp must be in UTC")
	}

	assetSymbols, err := s.resolveSymbols(request.Assets)
	if err != nil {
		return LineageMeta{}, err
	}

	fields := request.sortedFields()

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return LineageMeta{}, dataerrors.New(dataerrors.ErrProviderRequest, "rate limit wait aborted").
				With("request_hash", requestHash).Wrap(err)
		}
	}

	symbols := make([]string, 0, len(request.Assets))
	for _, asset := range request.Assets {
		symbols = append(symbols, assetSymbols[asset])
	}

	fetched, err := s.provider.FetchDaily(ctx, symbols, request.Start, request.End, fields)
	if err != nil {
		if errors.Is(err, dataerrors.ErrProviderRequest) || errors.Is(err, dataerrors.ErrProviderResponse) {
			return LineageMeta{}, err
		}

		return LineageMeta{}, dataerrors.New(dataerrors.ErrProviderResponse, "provider fetch failed").
			With("request_hash", requestHash).
			With("provider", providerName).Wrap(err)
	}

	storagePaths := make([]string, 0)

	for _, asset := range request.Assets {
		symbol := assetSymbols[asset]

		frame, ok := fetched[symbol]
		if !ok || frame == nil || len(frame.Dates) == 0 {
			return LineageMeta{}, dataerrors.New(dataerrors.ErrProviderResponse, "provider data missing symbol").
				With("asset_id", string(asset)).
				With("provider_symbol", symbol)
		}

		for _, field := range fields {
			if frame.fieldIndex(field) < 0 {
				return LineageMeta{}, dataerrors.New(dataerrors.ErrProviderResponse, "provider data missing requested fields").
					With("asset_id", string(asset)).
					With("missing_field", field)
			}
		}

		paths, err := s.store.WriteAssetFrame(asset, frame, PartitionMeta{
			VendorSymbol: symbol,
			IngestionTS:  ingestionTS.Format(time.RFC3339Nano),
			SourceTS:     frame.SourceTS,
		})
		if err != nil {
			return LineageMeta{}, err
		}

		storagePaths = append(storagePaths, paths...)
	}

	cached, err := s.store.ReadAssets(request.Assets, request.Start, request.End, fields)
	if err != nil {
		return LineageMeta{}, err
	}

	_, quality, err := s.alignAndValidate(cached, request, requestHash, providerName)
	if err != nil {
		return LineageMeta{}, err
	}

	lineage := s.buildLineage(request, requestHash, providerName, ingestionTS, storagePaths)
	if _, err := WriteManifest(s.store.Root(), requestHash, lineage, quality, storagePaths); err != nil {
		return LineageMeta{}, err
	}

	return lineage, nil
}

// assemble re-reads the partitions and re-runs alignment and validation.
// Cache hit and miss share this path, so both serve identical tables and
// quality reports for the same fingerprint.
func (s *Service) assemble(request TimeSeriesRequest, requestHash string, lineage LineageMeta) (*Bundle, error) {
	assetSymbols, err := s.resolveSymbols(request.Assets)
	if err != nil {
		return nil, err
	}

	cached, err := s.store.ReadAssets(request.Assets, request.Start, request.End, request.sortedFields())
	if err != nil {
		return nil, err
	}

	validated, quality, err := s.alignAndValidate(cached, request, requestHash, lineage.Provider)
	if err != nil {
		return nil, err
	}

	return &Bundle{
		Data:       validated,
		AssetsMeta: buildAssetsMeta(cached, assetSymbols, lineage.Provider),
		Quality:    quality,
		Lineage:    lineage,
	}, nil
}

func (s *Service) alignAndValidate(cached map[AssetID]*AssetFrame, request TimeSeriesRequest, requestHash, providerName string) (*Frame, QualityReport, error) {
	targetIndex, err := BuildTargetIndex(s.calendarFactory, request.Calendar, request.Start, request.End)
	if err != nil {
		return nil, QualityReport{}, err
	}

	combined, err := combineAssetFrames(cached, request.Assets, request.sortedFields())
	if err != nil {
		return nil, QualityReport{}, err
	}

	aligned, err := AlignFrame(combined, targetIndex, request.Missing)
	if err != nil {
		return nil, QualityReport{}, err
	}

	return ValidateFrame(aligned, request.Validate, s.logger, requestHash, providerName)
}

func (s *Service) resolveSymbols(assets []AssetID) (map[AssetID]string, error) {
	resolved := make(map[AssetID]string, len(assets))

	for _, asset := range assets {
		symbol, err := s.symbols.ResolveSymbol(string(asset))
		if err != nil {
			return nil, dataerrors.New(dataerrors.ErrProviderRequest, "missing provider symbol mapping").
				With("asset_id", string(asset)).Wrap(err)
		}

		resolved[asset] = symbol
	}

	return resolved, nil
}

// buildLineage records provenance for a freshly materialized request. The
// dataset version defaults to the as-of date, then the ingestion date.
func (s *Service) buildLineage(request TimeSeriesRequest, requestHash, providerName string, ingestionTS time.Time, storagePaths []string) LineageMeta {
	datasetVersion := s.datasetVersion
	if datasetVersion == "" {
		if request.AsOf != nil {
			datasetVersion = calendar.DateOf(request.AsOf.UTC()).String()
		} else {
			datasetVersion = calendar.DateOf(ingestionTS).String()
		}
	}

	asOf := ""
	if request.AsOf != nil {
		asOf = request.AsOf.UTC().Format(time.RFC3339Nano)
	}

	return LineageMeta{
		AsOf:           asOf,
		CodeVersion:    s.codeVersion,
		DatasetVersion: datasetVersion,
		IngestionTS:    ingestionTS.Format(time.RFC3339Nano),
		Provider:       providerName,
		RequestHash:    requestHash,
		RequestJSON:    request.Document(),
		StoragePaths:   normalizeStoragePaths(storagePaths),
	}
}

func buildAssetsMeta(frames map[AssetID]*AssetFrame, assetSymbols map[AssetID]string, providerName string) map[AssetID]map[string]string {
	meta := make(map[AssetID]map[string]string, len(frames))

	for asset, frame := range frames {
		entry := map[string]string{
			"provider":        providerName,
			"provider_symbol": assetSymbols[asset],
		}

		if frame.VendorSymbol != "" {
			entry["vendor_symbol"] = frame.VendorSymbol
		}

		if frame.IngestionTS != "" {
			entry["ingestion_ts_utc"] = frame.IngestionTS
		}

		meta[asset] = entry
	}

	return meta
}
