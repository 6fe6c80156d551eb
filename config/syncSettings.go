package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	SourceHTTP = "http"
	SourceXlsx = "xlsx"
	SourceGCS  = "gcs"
)

var ErrInvalidSettings = errors.New("invalid sync settings")

// UpstreamSettings describes the HTTP extract API.
type UpstreamSettings struct {
	BaseURL         string `validate:"omitempty,url"`
	APIKey          string
	APIKeyHeader    string `validate:"required"`
	RateLimitPerMin int    `validate:"min=1,max=6000"`
	RequestTimeout  time.Duration
	MaxRetries      int    `validate:"min=0,max=10"`
	EmployeesPath   string `validate:"required"`
	ProjectsPath    string `validate:"required"`
	HierarchyPath   string
	HoursPath       string `validate:"required"`
}

// SyncSettings is the per-process reconciliation configuration.
//
// Set via env:
// - SOURCE=http | xlsx:<path> | gcs:<bucket>/<object>
// - BATCH_SIZE (50..500, default 200), WRITE_WORKERS (1..16, default 4)
// - HOURS_WINDOW_DAYS (1..92, default 31), HOURS_LOOKBACK_DAYS (default 30)
// - ALERT_SUPPRESSION_HOURS (default 24), RUN_TIMEOUT_SECONDS (default 900)
// - SUGGEST_MIN_CONFIDENCE (0..1, default 0.4): near-miss matches below it are not suggested
// - PHONE_REGION (ISO 3166 region for numbers without a country prefix, default US)
type SyncSettings struct {
	SourceKind           string `validate:"oneof=http xlsx gcs"`
	SourceLocation       string
	BatchSize            int           `validate:"min=50,max=500"`
	Workers              int           `validate:"min=1,max=16"`
	WindowDays           int           `validate:"min=1,max=92"`
	LookbackDays         int           `validate:"min=1,max=3660"`
	SuppressionWindow    time.Duration `validate:"gt=0"`
	RunTimeout           time.Duration `validate:"gt=0"`
	SuggestMinConfidence float64       `validate:"gte=0,lte=1"`
	CountryCode          string        `validate:"len=2"`
	AlertTopic           string
	SyncTopic            string
	Upstream             UpstreamSettings
}

// LoadSyncSettings reads and validates settings from the environment.
// The returned error wraps ErrInvalidSettings; it is a configuration failure and no write
// may happen after it.
func LoadSyncSettings() (SyncSettings, error) {
	s := DefaultSyncSettings()

	kind, loc := parseSource(os.Getenv("SOURCE"))
	s.SourceKind = kind
	s.SourceLocation = loc

	s.BatchSize = intFromEnv("BATCH_SIZE", s.BatchSize)
	s.Workers = intFromEnv("WRITE_WORKERS", s.Workers)
	s.WindowDays = intFromEnv("HOURS_WINDOW_DAYS", s.WindowDays)
	s.LookbackDays = intFromEnv("HOURS_LOOKBACK_DAYS", s.LookbackDays)
	s.SuppressionWindow = time.Duration(intFromEnv("ALERT_SUPPRESSION_HOURS", 24)) * time.Hour
	s.RunTimeout = time.Duration(intFromEnv("RUN_TIMEOUT_SECONDS", 900)) * time.Second
	s.SuggestMinConfidence = floatFromEnv("SUGGEST_MIN_CONFIDENCE", s.SuggestMinConfidence)
	s.CountryCode = strings.ToUpper(stringFromEnv("PHONE_REGION", s.CountryCode))
	s.AlertTopic = strings.TrimSpace(os.Getenv("ALERT_TOPIC"))
	s.SyncTopic = strings.TrimSpace(os.Getenv("SYNC_TOPIC"))

	u := &s.Upstream
	u.BaseURL = strings.TrimRight(strings.TrimSpace(os.Getenv("UPSTREAM_BASE_URL")), "/")
	u.APIKey = strings.TrimSpace(os.Getenv("UPSTREAM_API_KEY"))
	u.APIKeyHeader = stringFromEnv("UPSTREAM_API_KEY_HEADER", u.APIKeyHeader)
	u.RateLimitPerMin = intFromEnv("UPSTREAM_RATE_LIMIT_PER_MIN", u.RateLimitPerMin)
	u.RequestTimeout = time.Duration(intFromEnv("UPSTREAM_TIMEOUT_SECONDS", 30)) * time.Second
	u.MaxRetries = intFromEnv("UPSTREAM_MAX_RETRIES", u.MaxRetries)
	u.EmployeesPath = stringFromEnv("UPSTREAM_EMPLOYEES_PATH", u.EmployeesPath)
	u.ProjectsPath = stringFromEnv("UPSTREAM_PROJECTS_PATH", u.ProjectsPath)
	u.HierarchyPath = stringFromEnv("UPSTREAM_HIERARCHY_PATH", u.HierarchyPath)
	u.HoursPath = stringFromEnv("UPSTREAM_HOURS_PATH", u.HoursPath)

	if err := s.Validate(); err != nil {
		return s, err
	}
	return s, nil
}

// DefaultSyncSettings returns the defaults used when env is unset.
func DefaultSyncSettings() SyncSettings {
	return SyncSettings{
		SourceKind:           SourceHTTP,
		BatchSize:            200,
		Workers:              4,
		WindowDays:           31,
		LookbackDays:         30,
		SuppressionWindow:    24 * time.Hour,
		RunTimeout:           15 * time.Minute,
		SuggestMinConfidence: 0.4,
		CountryCode:          "US",
		Upstream: UpstreamSettings{
			APIKeyHeader:    "X-API-Key",
			RateLimitPerMin: 120,
			RequestTimeout:  30 * time.Second,
			MaxRetries:      3,
			EmployeesPath:   "/employees",
			ProjectsPath:    "/projects",
			HierarchyPath:   "/project-tasks",
			HoursPath:       "/hours",
		},
	}
}

func (s SyncSettings) Validate() error {
	if err := validator.New().Struct(s); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}
	switch s.SourceKind {
	case SourceHTTP:
		if s.Upstream.BaseURL == "" {
			return fmt.Errorf("%w: UPSTREAM_BASE_URL is required for SOURCE=http", ErrInvalidSettings)
		}
		if s.Upstream.APIKey == "" {
			return fmt.Errorf("%w: UPSTREAM_API_KEY is required for SOURCE=http", ErrInvalidSettings)
		}
	case SourceXlsx, SourceGCS:
		if s.SourceLocation == "" {
			return fmt.Errorf("%w: SOURCE=%s needs a location (%s:<location>)", ErrInvalidSettings, s.SourceKind, s.SourceKind)
		}
	}
	return nil
}

func parseSource(raw string) (string, string) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return SourceHTTP, ""
	}
	kind, loc, _ := strings.Cut(raw, ":")
	return strings.ToLower(strings.TrimSpace(kind)), strings.TrimSpace(loc)
}

func stringFromEnv(key string, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func floatFromEnv(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}
