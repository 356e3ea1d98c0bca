package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jo-hoe/subtitler/internal/common"
)

// Config is the root configuration loaded from YAML.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Worker      WorkerConfig      `yaml:"worker"`
	Retention   RetentionConfig   `yaml:"retention"`
	Transcriber TranscriberConfig `yaml:"transcriber"`
}

// ServerConfig holds HTTP server and runtime settings.
type ServerConfig struct {
	Addr          string        `yaml:"address"`
	ReadTimeout   time.Duration `yaml:"readTimeout"`
	WriteTimeout  time.Duration `yaml:"writeTimeout"`
	IdleTimeout   time.Duration `yaml:"idleTimeout"`
	MaxUploadSize ByteSize      `yaml:"maxUploadSize"`
	StorageDir    string        `yaml:"storageDir"`
	DatabasePath  string        `yaml:"databasePath"`  // optional, overrides default storageDir/subtitler.db
	ShutdownGrace time.Duration `yaml:"shutdownGrace"` // time to wait for workers before forced stop
	PushInterval  time.Duration `yaml:"pushInterval"`  // status-socket store poll cadence
	LogLevel      string        `yaml:"logLevel"`      // debug|info|warn|error
}

// WorkerConfig holds dispatch and execution settings.
type WorkerConfig struct {
	Count        int           `yaml:"count"`        // worker goroutines, each with prefetch 1
	PollInterval time.Duration `yaml:"pollInterval"` // idle claim polling cadence
	TimeLimit    time.Duration `yaml:"timeLimit"`    // hard per-job wall-clock ceiling
	LeaseMargin  time.Duration `yaml:"leaseMargin"`  // added to TimeLimit for the dispatch lease
}

// RetentionConfig holds artifact and record retention windows.
type RetentionConfig struct {
	Input      time.Duration `yaml:"input"`      // temporary input copies
	Output     time.Duration `yaml:"output"`     // downloadable subtitle files
	Record     time.Duration `yaml:"record"`     // terminal job records
	SweepEvery time.Duration `yaml:"sweepEvery"` // expired-record sweep cadence
}

// TranscriberConfig selects provider and provider-specific options.
type TranscriberConfig struct {
	Provider string       `yaml:"provider"` // e.g. "mock"
	Mock     MockSettings `yaml:"mock"`
}

// MockSettings config for the mock transcriber.
type MockSettings struct {
	Delay    time.Duration `yaml:"delay"`
	Segments int           `yaml:"segments"`
}

// ByteSize represents a size in bytes that unmarshals from strings like "10Mi", "20MB", "512KiB", "1024".
type ByteSize uint64

// UnmarshalYAML implements yaml unmarshalling for ByteSize.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		str := strings.TrimSpace(value.Value)
		parsed, err := ParseByteSize(str)
		if err != nil {
			return err
		}
		*b = ByteSize(parsed)
		return nil
	}
	return fmt.Errorf("invalid bytesize node kind: %v", value.Kind)
}

var reNumeric = regexp.MustCompile(`^\d+$`)

// ParseByteSize parses a string like "10Mi", "20MB", "512KiB", "1024" into bytes.
// Supports Kubernetes-style quantities for binary units: Ki, Mi, Gi (case-insensitive).
// Also accepts KiB/MiB/GiB and decimal KB/MB/GB, and bare bytes.
func ParseByteSize(s string) (uint64, error) {
	orig := s
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty size")
	}
	// Numeric only
	if reNumeric.MatchString(s) {
		val, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid size number: %w", err)
		}
		return val, nil
	}

	// Normalize to upper for suffix matching but keep numeric part as-is
	up := strings.ToUpper(s)

	type unit struct {
		suffix string
		value  uint64
	}
	units := []unit{
		// Kubernetes binary-style without 'B'
		{"KI", 1024},
		{"MI", 1024 * 1024},
		{"GI", 1024 * 1024 * 1024},
		// Binary with B
		{"KIB", 1024},
		{"MIB", 1024 * 1024},
		{"GIB", 1024 * 1024 * 1024},
		// Decimal
		{"KB", 1000},
		{"MB", 1000 * 1000},
		{"GB", 1000 * 1000 * 1000},
		{"B", 1},
	}
	for _, u := range units {
		if strings.HasSuffix(up, u.suffix) {
			num := strings.TrimSpace(s[:len(s)-len(u.suffix)])
			val, err := strconv.ParseFloat(num, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid size number in %q: %w", orig, err)
			}
			return uint64(val * float64(u.value)), nil
		}
	}
	return 0, fmt.Errorf("unknown size suffix in %q", orig)
}

// Load reads YAML config from path, expands environment variables, and validates it.
// If path is empty, it will attempt to read from env var SUBTITLER_CONFIG, then default to "config.yaml".
func Load(path string) (*Config, error) {
	if path == "" {
		if env := os.Getenv("SUBTITLER_CONFIG"); env != "" {
			path = env
		} else {
			path = "config.yaml"
		}
	}
	cleanPath := filepath.Clean(path)
	data, err := os.ReadFile(cleanPath) // #nosec G304 - reading sanitized config file path is expected
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	// Expand environment variables in file content.
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	// Ensure storage dir exists
	if cfg.Server.StorageDir != "" {
		if err := os.MkdirAll(cfg.Server.StorageDir, 0o750); err != nil {
			return nil, fmt.Errorf("ensure storage_dir: %w", err)
		}
	}
	// Default DB path under storage dir if not set.
	if cfg.Server.DatabasePath == "" {
		cfg.Server.DatabasePath = filepath.Join(cfg.Server.StorageDir, "subtitler.db")
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	// Server defaults
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 2 * time.Minute
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = 60 * time.Second
	}
	if cfg.Server.MaxUploadSize == 0 {
		cfg.Server.MaxUploadSize = ByteSize(512 * 1024 * 1024) // 512 MiB default, media files are large
	}
	if cfg.Server.StorageDir == "" {
		cfg.Server.StorageDir = "data"
	}
	if cfg.Server.ShutdownGrace == 0 {
		cfg.Server.ShutdownGrace = 15 * time.Second
	}
	if cfg.Server.PushInterval == 0 {
		cfg.Server.PushInterval = time.Second
	}
	if strings.TrimSpace(cfg.Server.LogLevel) == "" {
		cfg.Server.LogLevel = "info"
	}

	// Worker defaults
	if cfg.Worker.Count <= 0 {
		cfg.Worker.Count = common.DefaultWorkerCount
	}
	if cfg.Worker.PollInterval == 0 {
		cfg.Worker.PollInterval = time.Second
	}
	if cfg.Worker.TimeLimit == 0 {
		cfg.Worker.TimeLimit = time.Hour
	}
	if cfg.Worker.LeaseMargin == 0 {
		cfg.Worker.LeaseMargin = 5 * time.Minute
	}

	// Retention defaults: short window for input copies, long window for
	// downloadable outputs.
	if cfg.Retention.Input == 0 {
		cfg.Retention.Input = 15 * time.Minute
	}
	if cfg.Retention.Output == 0 {
		cfg.Retention.Output = 12 * time.Hour
	}
	if cfg.Retention.Record == 0 {
		cfg.Retention.Record = 24 * time.Hour
	}
	if cfg.Retention.SweepEvery == 0 {
		cfg.Retention.SweepEvery = 10 * time.Minute
	}

	// Transcriber defaults
	if cfg.Transcriber.Provider == "" {
		cfg.Transcriber.Provider = "mock"
	}
	if cfg.Transcriber.Mock.Delay == 0 {
		cfg.Transcriber.Mock.Delay = 2 * time.Second
	}
	if cfg.Transcriber.Mock.Segments == 0 {
		cfg.Transcriber.Mock.Segments = 3
	}
}

func validate(cfg *Config) error {
	if cfg.Worker.TimeLimit < time.Minute {
		return fmt.Errorf("worker.timeLimit must be at least 1m, got %s", cfg.Worker.TimeLimit)
	}
	if cfg.Retention.Output < cfg.Retention.Input {
		return errors.New("retention.output must not be shorter than retention.input")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Transcriber.Provider)) {
	case "mock":
	default:
		return fmt.Errorf("unsupported transcriber provider %q", cfg.Transcriber.Provider)
	}
	return nil
}

// Lease returns the dispatch visibility timeout derived from the job time
// ceiling. A job whose worker dies is redelivered once the lease lapses.
func (w WorkerConfig) Lease() time.Duration {
	return w.TimeLimit + w.LeaseMargin
}
