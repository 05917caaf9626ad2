// Package main reconstructs a cached market-data bundle from its request
// hash, using only the stored manifest and parquet partitions. It is the
// audit path: no provider is contacted, and a manifest whose embedded
// request does not reproduce its own hash is reported as corruption.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/quantlab-io/datacore/internal/calendar"
	"github.com/quantlab-io/datacore/internal/config"
	"github.com/quantlab-io/datacore/internal/symbols"
	"github.com/quantlab-io/datacore/internal/timeseries"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "replay"
)

// offlineProvider satisfies the service's provider dependency without any
// fetch capability. Replay must never reach a vendor.
type offlineProvider struct {
	name string
}

func (p *offlineProvider) Name() string { return p.name }

func (p *offlineProvider) FetchDaily(
	context.Context, []string, calendar.Date, calendar.Date, []string,
) (map[string]*timeseries.AssetFrame, error) {
	return nil, fmt.Errorf("replay does not fetch from providers")
}

// loadCalendars reads a YAML file mapping MIC to session dates and returns
// a static-calendar factory over it.
func loadCalendars(path string) (calendar.CalendarFactory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read calendar file: %w", err)
	}

	var sessionLists map[string][]string
	if err := yaml.Unmarshal(data, &sessionLists); err != nil {
		return nil, fmt.Errorf("parse calendar file: %w", err)
	}

	calendars := make(map[string]*calendar.StaticCalendar, len(sessionLists))
	for mic, raw := range sessionLists {
		sessions := make([]calendar.Date, 0, len(raw))
		for _, s := range raw {
			d, err := calendar.ParseDate(s)
			if err != nil {
				return nil, fmt.Errorf("calendar %s: %w", mic, err)
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

// replaySummary is the JSON document printed on success.
//
//nolint:tagliatelle // output document uses snake_case keys
type replaySummary struct {
	RequestHash string                                   `json:"request_hash"`
	Rows        int                                      `json:"rows"`
	Columns     int                                      `json:"columns"`
	Lineage     timeseries.LineageMeta                   `json:"lineage"`
	Quality     timeseries.QualityReport                 `json:"quality"`
	AssetsMeta  map[timeseries.AssetID]map[string]string `json:"assets_meta"`
}

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	hashFlag := flag.String("hash", "", "request hash of the cached bundle to replay")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("DATACORE_LOG_LEVEL", slog.LevelInfo),
	}))

	if *hashFlag == "" {
		logger.Error("No request hash given", slog.String("hint", "pass -hash"))
		os.Exit(1)
	}

	cacheRoot := config.GetEnvStr("DATACORE_CACHE_ROOT", "./data/cache")
	providerName := config.GetEnvStr("DATACORE_PROVIDER", "stooq")
	calendarFile := config.GetEnvStr("DATACORE_CALENDARS", "./calendars.yaml")

	factory, err := loadCalendars(calendarFile)
	if err != nil {
		logger.Error("Failed to load calendars", slog.String("error", err.Error()))
		os.Exit(1)
	}

	symbolsConfig, err := symbols.LoadConfigFromEnv()
	if err != nil {
		logger.Error("Failed to load symbol mappings", slog.String("error", err.Error()))
		os.Exit(1)
	}

	mapper := symbols.NewMapper(symbolsConfig)

	store := timeseries.NewPartitionStore(cacheRoot, providerName)
	service := timeseries.NewService(
		&offlineProvider{name: providerName}, store, factory, mapper,
		timeseries.ServiceOptions{Logger: logger},
	)

	bundle, err := service.Replay(context.Background(), *hashFlag)
	if err != nil {
		logger.Error("Replay failed",
			slog.String("request_hash", *hashFlag),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	summary := replaySummary{
		RequestHash: *hashFlag,
		Rows:        len(bundle.Data.Dates),
		Columns:     len(bundle.Data.Columns),
		Lineage:     bundle.Lineage,
		Quality:     bundle.Quality,
		AssetsMeta:  bundle.AssetsMeta,
	}

	encoded, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		logger.Error("Failed to encode summary", slog.String("error", err.Error()))
		os.Exit(1)
	}

	fmt.Println(string(encoded))
}
