// Package config loads the warning-workflow engine's environment-driven
// settings, the way the teacher's config.Load does: typed fields, an
// EnvOrDefault helper per value, and fail-fast validation of cross-field
// invariants.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every environment-behaving setting from spec §6.
type Config struct {
	LogLevel  string
	LogFormat string

	WorkflowMaxRuntimeSeconds  int
	WorkflowManualRegionLimit  int
	HeartbeatTimeout           time.Duration

	CollectorMaxConcurrency int

	EnableLLMRefinement  bool
	LLMRefineMaxRegions  int
	LLMConfidenceThreshold float64
	LLMBaseURL           string
	LLMModel             string
	LLMAPIKey            string

	NeighborInfluenceWeight float64

	ScraperAllowedDomains         []string
	ScraperRequestIntervalSeconds float64
	ScraperMaxParallelRequests    int
	ScraperMaxRequestsPerWindow   int
	ScraperCacheMinutes           int
	ScraperTimeoutSeconds         float64
	CityLevelOnly                 bool

	WUEnabled           bool
	WUAPIKey            string
	WUKeyDiscoveryURL   string
	WUKeyRefreshMinutes int
	WUTimeoutSeconds    float64

	CMAAPIKey         string
	CMATimeoutSeconds float64

	AMapAPIKey string

	OpenWeatherAPIKey string

	CGSAPIKey string

	WeatherScraperURLTemplate string
	GeologyScraperURLTemplate string
	ScraperCityIndexURL       string

	HighRiskHeadSize int

	BadgerPath  string
	SQLitePath  string

	KafkaBrokers   []string
	KafkaDeltaTopic string
}

// Load reads configuration from environment variables, applying the
// defaults named in spec §6 where unset.
func Load() (*Config, error) {
	cfg := &Config{
		LogLevel:  envOrDefault("LOG_LEVEL", "info"),
		LogFormat: envOrDefault("LOG_FORMAT", "json"),

		WorkflowManualRegionLimit: envInt("WORKFLOW_MANUAL_REGION_LIMIT", 30),
		HeartbeatTimeout:          90 * time.Second,

		CollectorMaxConcurrency: envInt("COLLECTOR_MAX_CONCURRENCY", 8),

		EnableLLMRefinement:    envBool("ENABLE_LLM_REFINEMENT", false),
		LLMRefineMaxRegions:    envInt("LLM_REFINE_MAX_REGIONS", 10),
		LLMConfidenceThreshold: envFloat("LLM_CONFIDENCE_THRESHOLD", 0.55),
		LLMBaseURL:             os.Getenv("LLM_BASE_URL"),
		LLMModel:               envOrDefault("LLM_MODEL", "gpt-4o-mini"),
		LLMAPIKey:              os.Getenv("LLM_API_KEY"),

		NeighborInfluenceWeight: envFloat("NEIGHBOR_INFLUENCE_WEIGHT", 0.2),

		ScraperAllowedDomains:         envList("SCRAPER_ALLOWED_DOMAINS"),
		ScraperRequestIntervalSeconds: envFloat("SCRAPER_REQUEST_INTERVAL_SECONDS", 1.5),
		ScraperMaxParallelRequests:    envInt("SCRAPER_MAX_PARALLEL_REQUESTS", 3),
		ScraperMaxRequestsPerWindow:   envInt("SCRAPER_MAX_REQUESTS_PER_WINDOW", 60),
		ScraperCacheMinutes:           envInt("SCRAPER_CACHE_MINUTES", 30),
		ScraperTimeoutSeconds:         envFloat("SCRAPER_TIMEOUT_SECONDS", 8),
		CityLevelOnly:                 envBool("CITY_LEVEL_ONLY", false),

		WUEnabled:           envBool("WU_ENABLED", false),
		WUAPIKey:            os.Getenv("WU_API_KEY"),
		WUKeyDiscoveryURL:   os.Getenv("WU_KEY_DISCOVERY_URL"),
		WUKeyRefreshMinutes: envInt("WU_KEY_REFRESH_MINUTES", 360),
		WUTimeoutSeconds:    envFloat("WU_TIMEOUT_SECONDS", 6),

		CMAAPIKey:         os.Getenv("CMA_API_KEY"),
		CMATimeoutSeconds: envFloat("CMA_TIMEOUT_SECONDS", 6),

		AMapAPIKey: os.Getenv("AMAP_API_KEY"),

		OpenWeatherAPIKey: os.Getenv("OPENWEATHER_API_KEY"),

		CGSAPIKey: os.Getenv("CGS_API_KEY"),

		WeatherScraperURLTemplate: os.Getenv("WEATHER_SCRAPER_URL_TEMPLATE"),
		GeologyScraperURLTemplate: os.Getenv("GEOLOGY_SCRAPER_URL_TEMPLATE"),
		ScraperCityIndexURL:       os.Getenv("SCRAPER_CITY_INDEX_URL"),

		HighRiskHeadSize: envInt("HIGH_RISK_HEAD_SIZE", 20),

		BadgerPath: envOrDefault("BADGER_PATH", "./data/badger"),
		SQLitePath: envOrDefault("SQLITE_PATH", "./data/warnings.db"),

		KafkaBrokers:    splitComma(envOrDefault("KAFKA_BROKERS", "localhost:9092")),
		KafkaDeltaTopic: envOrDefault("KAFKA_DELTA_TOPIC", "hazard-warning-deltas"),
	}

	if v := envOrDefault("WORKFLOW_MAX_RUNTIME_SECONDS", "240"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, errors.New("invalid WORKFLOW_MAX_RUNTIME_SECONDS")
		}
		cfg.WorkflowMaxRuntimeSeconds = n
	}

	if cfg.EnableLLMRefinement && (cfg.LLMBaseURL == "" && cfg.LLMAPIKey == "") {
		return nil, errors.New("ENABLE_LLM_REFINEMENT is true but neither LLM_BASE_URL nor LLM_API_KEY is set")
	}
	if cfg.WUEnabled && cfg.WUKeyDiscoveryURL == "" && cfg.WUAPIKey == "" {
		return nil, errors.New("WU_ENABLED is true but neither WU_API_KEY nor WU_KEY_DISCOVERY_URL is set")
	}
	if cfg.NeighborInfluenceWeight < 0 || cfg.NeighborInfluenceWeight > 1 {
		return nil, fmt.Errorf("NEIGHBOR_INFLUENCE_WEIGHT out of [0,1]: %v", cfg.NeighborInfluenceWeight)
	}
	if len(cfg.KafkaBrokers) == 0 {
		return nil, errors.New("KAFKA_BROKERS is required")
	}

	return cfg, nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return def
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	return splitComma(v)
}

func splitComma(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
