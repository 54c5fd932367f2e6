package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"metro-tracker/internal/metro"
)

type Config struct {
	ProxyBaseURL string
	TRN          string
	Source       metro.SourceKind // timetable path when empty

	Sync bool
	Date time.Time // reference date in fixed-date mode; zero means today

	DayBoundaryHour int // <0 means "use the proxy's constants"
	RequestsPerSec  float64
	Location        *time.Location

	NATSURL           string
	NATSSubjectPrefix string
	LogNATSSubjects   bool

	DatabaseURL string // empty disables the projection archive
	MetricsAddr string // empty disables the metrics server
}

// SourceTimetable selects the scheduled-timetable data path.
const SourceTimetable = "timetable"

func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := &Config{}

	cfg.ProxyBaseURL = os.Getenv("PROXY_BASE_URL")
	if cfg.ProxyBaseURL == "" {
		return nil, errors.New("PROXY_BASE_URL must be set")
	}

	cfg.TRN = strings.TrimSpace(os.Getenv("TRN"))
	if cfg.TRN == "" {
		return nil, errors.New("TRN must be set")
	}

	switch source := getenvDefault("SOURCE", SourceTimetable); source {
	case SourceTimetable:
		cfg.Source = ""
	case string(metro.SourceTimes):
		cfg.Source = metro.SourceTimes
	case string(metro.SourceTrainStatuses):
		cfg.Source = metro.SourceTrainStatuses
	default:
		return nil, fmt.Errorf("invalid SOURCE: %q (want %s, %s or %s)",
			source, SourceTimetable, metro.SourceTimes, metro.SourceTrainStatuses)
	}

	cfg.Sync = boolEnv("SYNC", true)

	// Time zone first: the reference date parses in it.
	tzName := getenvDefault("TZ", "")
	if tzName == "" {
		cfg.Location = time.Local
	} else {
		loc, err := time.LoadLocation(tzName)
		if err != nil {
			return nil, fmt.Errorf("invalid TZ: %v", err)
		}
		cfg.Location = loc
	}

	if v := os.Getenv("DATE"); v != "" {
		d, err := time.ParseInLocation("2006-01-02T15:04:05", v, cfg.Location)
		if err != nil {
			d, err = time.ParseInLocation("2006-01-02", v, cfg.Location)
		}
		if err != nil {
			return nil, fmt.Errorf("invalid DATE: %q (want YYYY-MM-DD or YYYY-MM-DDTHH:MM:SS)", v)
		}
		cfg.Date = d
	}

	cfg.DayBoundaryHour = -1
	if v := os.Getenv("DAY_BOUNDARY_HOUR"); v != "" {
		h, err := strconv.Atoi(v)
		if err != nil || h < 0 || h > 23 {
			return nil, fmt.Errorf("invalid DAY_BOUNDARY_HOUR: %q", v)
		}
		cfg.DayBoundaryHour = h
	}

	cfg.RequestsPerSec = 5
	if v := os.Getenv("PROXY_RATE_LIMIT_RPS"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			return nil, fmt.Errorf("invalid PROXY_RATE_LIMIT_RPS: %q", v)
		}
		cfg.RequestsPerSec = f
	}

	cfg.NATSURL = getenvDefault("NATS_URL", "nats://127.0.0.1:4222")
	cfg.NATSSubjectPrefix = getenvDefault("NATS_SUBJECT_PREFIX", "trains")
	cfg.LogNATSSubjects = boolEnv("LOG_NATS_SUBJECTS", false)

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.MetricsAddr = os.Getenv("METRICS_ADDR")

	return cfg, nil
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func boolEnv(k string, def bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	default:
		return false
	}
}
