// Package config loads and validates the changetrail configuration file.
// The file is YAML; its structure is validated against an embedded CUE
// schema before decoding so structural mistakes are reported with file
// positions instead of surfacing later as zero values.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dVeza/changetrail/internal/change"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "250ms" or "5m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q: %w", node.Line, raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the duration as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// LedgerConfig locates the SQLite ledger file.
type LedgerConfig struct {
	Path string `yaml:"path"`
}

// IngestConfig bounds the ingestion stage.
type IngestConfig struct {
	QueueSize int `yaml:"queue_size"`
	Shards    int `yaml:"shards"`
}

// DedupConfig bounds the sliding dedup window.
type DedupConfig struct {
	MaxAge     Duration `yaml:"max_age"`
	MaxEntries int      `yaml:"max_entries"`
}

// RetryConfig bounds consumer delivery retries.
type RetryConfig struct {
	Base        Duration `yaml:"base"`
	Cap         Duration `yaml:"cap"`
	MaxAttempts int      `yaml:"max_attempts"`
}

// ReconcileConfig bounds drift scans.
type ReconcileConfig struct {
	Interval   Duration `yaml:"interval"`
	SampleSize int      `yaml:"sample_size"`
}

// LogConfig controls structured log output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the full changetrail configuration.
type Config struct {
	Ledger             LedgerConfig    `yaml:"ledger"`
	Ingest             IngestConfig    `yaml:"ingest"`
	Dedup              DedupConfig     `yaml:"dedup"`
	SourcePriority     []string        `yaml:"source_priority"`
	ReorderHoldTimeout Duration        `yaml:"reorder_hold_timeout"`
	Retry              RetryConfig     `yaml:"retry"`
	ConsumerWindowSize int             `yaml:"consumer_window_size"`
	CompactionHorizon  Duration        `yaml:"compaction_horizon"`
	Reconcile          ReconcileConfig `yaml:"reconcile"`
	Log                LogConfig       `yaml:"log"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	var c Config
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.Ledger.Path == "" {
		c.Ledger.Path = "changetrail.db"
	}
	if c.Ingest.QueueSize <= 0 {
		c.Ingest.QueueSize = 256
	}
	if c.Ingest.Shards <= 0 {
		c.Ingest.Shards = 4
	}
	if c.Dedup.MaxAge <= 0 {
		c.Dedup.MaxAge = Duration(5 * time.Minute)
	}
	if c.Dedup.MaxEntries <= 0 {
		c.Dedup.MaxEntries = 10000
	}
	if len(c.SourcePriority) == 0 {
		c.SourcePriority = []string{
			string(change.SourceLogStream),
			string(change.SourceTrigger),
			string(change.SourceHook),
		}
	}
	if c.ReorderHoldTimeout <= 0 {
		c.ReorderHoldTimeout = Duration(3 * time.Second)
	}
	if c.Retry.Base <= 0 {
		c.Retry.Base = Duration(200 * time.Millisecond)
	}
	if c.Retry.Cap <= 0 {
		c.Retry.Cap = Duration(30 * time.Second)
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 5
	}
	if c.ConsumerWindowSize <= 0 {
		c.ConsumerWindowSize = 32
	}
	if c.CompactionHorizon <= 0 {
		c.CompactionHorizon = Duration(30 * 24 * time.Hour)
	}
	if c.Reconcile.Interval <= 0 {
		c.Reconcile.Interval = Duration(time.Minute)
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// PriorityKinds converts the configured source priority to typed kinds.
// The list was validated against the schema, so unknown kinds cannot
// reach here from a loaded file.
func (c Config) PriorityKinds() []change.SourceKind {
	kinds := make([]change.SourceKind, 0, len(c.SourcePriority))
	for _, s := range c.SourcePriority {
		kinds = append(kinds, change.SourceKind(s))
	}
	return kinds
}

// Load reads, validates, and decodes the configuration file, then fills
// in defaults for everything left unset.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data, path)
}

// Parse validates and decodes raw YAML configuration. filename is used
// in validation error positions.
func Parse(data []byte, filename string) (Config, error) {
	if err := ValidateYAML(data, filename); err != nil {
		return Config{}, err
	}

	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	c.applyDefaults()
	return c, nil
}
