package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds configuration for the document generation functions.
type Config struct {
	ProjectID  string          `mapstructure:"project_id"`
	AppVersion string          `mapstructure:"app_version"`
	Gotenberg  GotenbergConfig `mapstructure:"gotenberg"`
	Storage    StorageConfig   `mapstructure:"storage"`
	Ledger     LedgerConfig    `mapstructure:"ledger"`
	DocGen     DocGenConfig    `mapstructure:"doc_gen"`
}

// GotenbergConfig controls the conversion backend and its retry budget.
type GotenbergConfig struct {
	URL        string        `mapstructure:"url"`
	MinWait    time.Duration `mapstructure:"min_wait"`
	MaxWait    time.Duration `mapstructure:"max_wait"`
	MaxTimeout time.Duration `mapstructure:"max_timeout"`
	MaxAttempt int           `mapstructure:"max_attempt"`
}

type StorageConfig struct {
	MainBucket string `mapstructure:"main_bucket"`
}

// LedgerConfig describes the Firestore collection of generated documents.
// Retention is the global retention window; records expire after half of it.
type LedgerConfig struct {
	Collection string        `mapstructure:"collection"`
	Retention  time.Duration `mapstructure:"retention"`
}

type DocGenConfig struct {
	TmpDir      string        `mapstructure:"tmp_dir"`
	CacheTTL    time.Duration `mapstructure:"cache_ttl"`
	CacheShards int           `mapstructure:"cache_shards"`
	Dedupe      bool          `mapstructure:"dedupe"`
	MaxParallel int           `mapstructure:"max_parallel"`
}

// Load reads configuration from defaults, an optional YAML file and the
// environment. Nested keys map to variables with "__" as separator, e.g.
// GOTENBERG__URL or STORAGE__MAIN_BUCKET.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "__"))
	v.AutomaticEnv()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// FromEnv loads configuration using the file named by CONFIG_FILE, if any.
func FromEnv() (*Config, error) {
	return Load(os.Getenv("CONFIG_FILE"))
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("project_id", "")
	v.SetDefault("app_version", "v0.0.1-develop")

	v.SetDefault("gotenberg.url", "http://localhost:3000")
	v.SetDefault("gotenberg.min_wait", 3*time.Second)
	v.SetDefault("gotenberg.max_wait", 5*time.Second)
	v.SetDefault("gotenberg.max_timeout", 30*time.Second)
	v.SetDefault("gotenberg.max_attempt", 5)

	v.SetDefault("storage.main_bucket", "")

	v.SetDefault("ledger.collection", "documents")
	v.SetDefault("ledger.retention", 180*24*time.Hour)

	v.SetDefault("doc_gen.tmp_dir", filepath.Join(os.TempDir(), "doc_gen_tmp"))
	v.SetDefault("doc_gen.cache_ttl", 10*time.Minute)
	v.SetDefault("doc_gen.cache_shards", 16)
	v.SetDefault("doc_gen.dedupe", true)
	v.SetDefault("doc_gen.max_parallel", 10)
}

// Validate checks required keys and value ranges.
func (c *Config) Validate() error {
	if c.ProjectID == "" {
		return fmt.Errorf("project_id is required")
	}
	if c.AppVersion == "" {
		return fmt.Errorf("app_version is required")
	}
	if c.Storage.MainBucket == "" {
		return fmt.Errorf("storage.main_bucket is required")
	}

	if c.Gotenberg.URL == "" {
		return fmt.Errorf("gotenberg.url is required")
	}
	if c.Gotenberg.MaxAttempt < 1 {
		return fmt.Errorf("gotenberg.max_attempt must be at least 1")
	}
	if c.Gotenberg.MinWait < 0 || c.Gotenberg.MinWait > c.Gotenberg.MaxWait {
		return fmt.Errorf("gotenberg.min_wait must be between 0 and gotenberg.max_wait")
	}
	if c.Gotenberg.MaxTimeout <= 0 {
		return fmt.Errorf("gotenberg.max_timeout must be positive")
	}

	if c.Ledger.Collection == "" {
		return fmt.Errorf("ledger.collection is required")
	}
	if c.Ledger.Retention <= 0 {
		return fmt.Errorf("ledger.retention must be positive")
	}

	if c.DocGen.TmpDir == "" {
		return fmt.Errorf("doc_gen.tmp_dir is required")
	}
	if c.DocGen.CacheTTL <= 0 {
		return fmt.Errorf("doc_gen.cache_ttl must be positive")
	}
	if c.DocGen.CacheShards < 1 {
		return fmt.Errorf("doc_gen.cache_shards must be at least 1")
	}
	if c.DocGen.MaxParallel < 1 {
		return fmt.Errorf("doc_gen.max_parallel must be at least 1")
	}
	return nil
}
