// Package config loads creditlock settings from the environment and an optional YAML file.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Mindburn-Labs/creditlock/pkg/artifacts"
	"github.com/Mindburn-Labs/creditlock/pkg/observability"
)

// Config holds server configuration.
type Config struct {
	Port        string
	LogLevel    string
	LogFormat   string
	DatabaseURL string
	DataDir     string
	TraceDir    string
	// MirrorDir is the badger mirror directory; empty disables the mirror.
	MirrorDir     string
	RedisAddr     string
	RedisPassword string
	LockTTL       time.Duration

	Artifacts artifacts.Config

	SigningSecret string
	SigningKeyID  string
	JWTSecret     string
	JWTIssuer     string

	RateLimitRPS        float64
	RateLimitBurst      int
	ClassifyConcurrency int
	CORSOrigins         []string

	Telemetry observability.Config

	// ConfigFile names the YAML file that File was read from.
	ConfigFile string
	File       *File
}

// Load reads configuration from environment variables, then the YAML file named by CONFIG_FILE.
func Load() (*Config, error) {
	dataDir := getenv("DATA_DIR", "data")
	mirrorDir := getenv("MIRROR_DIR", filepath.Join(dataDir, "mirror"))
	if strings.EqualFold(mirrorDir, "off") {
		mirrorDir = ""
	}

	cfg := &Config{
		Port:          getenv("PORT", "8080"),
		LogLevel:      strings.ToUpper(getenv("LOG_LEVEL", "INFO")),
		LogFormat:     strings.ToLower(getenv("LOG_FORMAT", "text")),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		DataDir:       dataDir,
		TraceDir:      getenv("TRACE_DIR", filepath.Join(dataDir, "traces")),
		MirrorDir:     mirrorDir,
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		Artifacts: artifacts.Config{
			Type: artifacts.StoreType(getenv("ARTIFACT_STORAGE_TYPE", string(artifacts.StoreTypeFS))),
			Dir:  getenv("ARTIFACT_DIR", filepath.Join(dataDir, "artifacts")),
			S3: artifacts.S3Config{
				Bucket:   os.Getenv("ARTIFACT_S3_BUCKET"),
				Region:   firstNonEmpty(os.Getenv("ARTIFACT_S3_REGION"), os.Getenv("AWS_REGION")),
				Endpoint: os.Getenv("ARTIFACT_S3_ENDPOINT"),
				Prefix:   os.Getenv("ARTIFACT_S3_PREFIX"),
			},
			GCS: artifacts.GCSConfig{
				Bucket: os.Getenv("ARTIFACT_GCS_BUCKET"),
				Prefix: os.Getenv("ARTIFACT_GCS_PREFIX"),
			},
		},
		SigningSecret: os.Getenv("SIGNING_SECRET"),
		SigningKeyID:  getenv("SIGNING_KEY_ID", "creditlock-1"),
		JWTSecret:     os.Getenv("JWT_SECRET"),
		JWTIssuer:     os.Getenv("JWT_ISSUER"),
		ConfigFile:    os.Getenv("CONFIG_FILE"),
		CORSOrigins:   splitList(os.Getenv("CORS_ORIGINS")),
	}

	var err error
	if cfg.LockTTL, err = durationEnv("LOCK_TTL", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.RateLimitRPS, err = floatEnv("RATE_LIMIT_RPS", 20); err != nil {
		return nil, err
	}
	if cfg.RateLimitBurst, err = intEnv("RATE_LIMIT_BURST", 40); err != nil {
		return nil, err
	}
	if cfg.ClassifyConcurrency, err = intEnv("CLASSIFY_CONCURRENCY", 8); err != nil {
		return nil, err
	}
	if cfg.ClassifyConcurrency < 1 {
		return nil, fmt.Errorf("config: CLASSIFY_CONCURRENCY must be at least 1")
	}

	tel := observability.DefaultConfig()
	tel.Enabled = os.Getenv("OTEL_ENABLED") == "true"
	tel.OTLPEndpoint = getenv("OTEL_EXPORTER_OTLP_ENDPOINT", tel.OTLPEndpoint)
	tel.Insecure = os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true"
	tel.Environment = getenv("CREDITLOCK_ENV", tel.Environment)
	if tel.SampleRate, err = floatEnv("OTEL_SAMPLE_RATE", tel.SampleRate); err != nil {
		return nil, err
	}
	cfg.Telemetry = *tel

	switch cfg.LogLevel {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return nil, fmt.Errorf("config: LOG_LEVEL %q must be DEBUG, INFO, WARN or ERROR", cfg.LogLevel)
	}

	if cfg.ConfigFile != "" {
		f, err := LoadFile(cfg.ConfigFile)
		if err != nil {
			return nil, err
		}
		cfg.File = f
		if len(cfg.CORSOrigins) == 0 {
			cfg.CORSOrigins = f.CORSOrigins
		}
	}
	return cfg, nil
}

// Logger builds the process logger from LogLevel and LogFormat.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	var level slog.Level
	_ = level.UnmarshalText([]byte(c.LogLevel))
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}

func floatEnv(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return f, nil
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return d, nil
}
