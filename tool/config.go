package tool

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"

	"github.com/moyoez/chunkrecv/types"
)

var (
	ConfigPath    = "config.yaml" // be aware that it can be changed, default to ./config.yaml
	CurrentConfig types.AppConfig
)

// DefaultConfig is written to disk the first time the receiver starts.
func DefaultConfig() types.AppConfig {
	return types.AppConfig{
		Port:         53320,
		UploadFolder: "uploads",
		MaxChunkSize: "64MiB",
		CompletedTTL: "24h",
		Storage: types.StorageConfig{
			Backend: "fs",
			Path:    ".chunks",
		},
		Sweep: types.SweepConfig{
			Interval:        "10m",
			MaxIdle:         "24h",
			PurgesPerSecond: 5,
		},
		RateLimit: types.RateLimitConfig{
			RequestsPerSecond: 50,
			Burst:             100,
		},
	}
}

func LoadConfig(path string) (types.AppConfig, error) {
	if path == "" {
		path = ConfigPath
	}
	ConfigPath = path

	cfg := DefaultConfig()

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			if writeErr := writeConfig(path, cfg); writeErr != nil {
				return cfg, fmt.Errorf("config file not found, and failed to generate default config: %w", writeErr)
			}
			DefaultLogger.Infof("[Config] Created new config file at %s", path)
			CurrentConfig = cfg
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if info.IsDir() {
		return cfg, fmt.Errorf("config file path is a directory: %s", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := ValidateConfig(cfg); err != nil {
		return cfg, err
	}

	CurrentConfig = cfg
	return cfg, nil
}

// ValidateConfig checks every human readable field parses.
func ValidateConfig(cfg types.AppConfig) error {
	var errs []error
	if cfg.Port < 0 || cfg.Port > 65535 {
		errs = append(errs, fmt.Errorf("port out of range: %d", cfg.Port))
	}
	if _, err := ParseSize(cfg.MaxChunkSize); err != nil {
		errs = append(errs, fmt.Errorf("maxChunkSize: %w", err))
	}
	for name, v := range map[string]string{
		"completedTTL":   cfg.CompletedTTL,
		"sweep.interval": cfg.Sweep.Interval,
		"sweep.maxIdle":  cfg.Sweep.MaxIdle,
	} {
		if _, err := ParseDuration(v, 0); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	switch strings.ToLower(cfg.Storage.Backend) {
	case "", "fs", "filesystem", "memory":
	case "redis":
		if cfg.Storage.RedisURL == "" {
			errs = append(errs, errors.New("storage.redisURL is required for the redis backend"))
		}
	case "s3":
		if cfg.Storage.Bucket == "" {
			errs = append(errs, errors.New("storage.bucket is required for the s3 backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend))
	}
	return errors.Join(errs...)
}

func writeConfig(path string, cfg types.AppConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, data, 0o644)
}

func GetCurrentConfig() *types.AppConfig {
	return &CurrentConfig
}

// ApplyFlags merges CLI overrides into cfg. Zero values leave the file setting alone.
func ApplyFlags(cfg *types.AppConfig, flags types.Config) {
	if flags.UsePort != 0 {
		cfg.Port = flags.UsePort
	}
	if flags.UseDefaultUploadFolder != "" {
		cfg.UploadFolder = flags.UseDefaultUploadFolder
	}
	if flags.UseStorage != "" {
		cfg.Storage.Backend = flags.UseStorage
	}
	if flags.DoNotMakeSessionFolder {
		cfg.DoNotMakeSessionFolder = true
	}
}

// ParseSize parses a human readable byte size such as "64MiB". Empty means 0 (unlimited).
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	n, err := units.RAMInBytes(s)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("negative size %q", s)
	}
	return n, nil
}

// ParseDuration parses s, returning def for an empty string.
func ParseDuration(s string, def time.Duration) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}

// HumanSize formats a byte count for log lines.
func HumanSize(n int64) string {
	return units.BytesSize(float64(n))
}
