// Package config loads racemerge settings from a YAML file with
// RACEMERGE_ prefixed environment overrides, e.g. RACEMERGE_BACKEND_DSN for
// backend.dsn.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/cantart/racemerge/merge"
	"github.com/cantart/racemerge/sqlstore"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "RACEMERGE"

const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Config is the root configuration.
type Config struct {
	Log LogConfig `mapstructure:"log"`
	// Catalog qualifies table names in logs, e.g. hive_metastore.
	Catalog string        `mapstructure:"catalog"`
	Storage StorageConfig `mapstructure:"storage"`
	Backend BackendConfig `mapstructure:"backend"`
	Raw     RawConfig     `mapstructure:"raw"`
}

type LogConfig struct {
	// Level is a zerolog level name: debug, info, warn, error.
	Level string `mapstructure:"level"`
	// Format is console or json.
	Format string `mapstructure:"format"`
}

// StorageConfig holds the root location of each layer.
type StorageConfig struct {
	Raw          string `mapstructure:"raw"`
	Processed    string `mapstructure:"processed"`
	Presentation string `mapstructure:"presentation"`
}

// BackendConfig selects where tables are stored.
type BackendConfig struct {
	// Type is memory, sqlite or postgres.
	Type string `mapstructure:"type"`
	DSN  string `mapstructure:"dsn"`
	// Strategy is the merge strategy of SQL backends: row, conflict or batched.
	Strategy  string `mapstructure:"strategy"`
	BatchSize int    `mapstructure:"batch_size"`
}

// RawConfig locates the raw landing zone. Dir wins over S3 when both are set.
// With neither set the landing zone is the directory storage.raw.
type RawConfig struct {
	Dir string   `mapstructure:"dir"`
	S3  S3Config `mapstructure:"s3"`
}

type S3Config struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	Region          string `mapstructure:"region"`
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
}

var defaults = map[string]any{
	"log.level":                "info",
	"log.format":               "console",
	"catalog":                  "hive_metastore",
	"storage.raw":              "/mnt/formula1dl/raw",
	"storage.processed":        "/mnt/formula1dl/processed",
	"storage.presentation":     "/mnt/formula1dl/presentation",
	"backend.type":             BackendSQLite,
	"backend.dsn":              "racemerge.db",
	"backend.strategy":         string(sqlstore.StrategyRow),
	"backend.batch_size":       500,
	"raw.dir":                  "",
	"raw.s3.endpoint":          "",
	"raw.s3.access_key_id":     "",
	"raw.s3.secret_access_key": "",
	"raw.s3.use_ssl":           false,
	"raw.s3.region":            "",
	"raw.s3.bucket":            "",
	"raw.s3.prefix":            "",
}

// Load reads path, when given, over the defaults and applies environment
// overrides. Every key has a default so that viper's Unmarshal sees
// environment values.
func Load(path string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the values Load cannot default.
func (c *Config) Validate() error {
	var errs []error
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if c.Log.Format != "console" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format: %q is not console or json", c.Log.Format))
	}
	switch c.Backend.Type {
	case BackendMemory:
	case BackendSQLite, BackendPostgres:
		if c.Backend.DSN == "" {
			errs = append(errs, fmt.Errorf("backend.dsn is required for %s", c.Backend.Type))
		}
	default:
		errs = append(errs, fmt.Errorf("backend.type: unknown backend %q", c.Backend.Type))
	}
	if _, err := sqlstore.ParseStrategy(c.Backend.Strategy); err != nil {
		errs = append(errs, fmt.Errorf("backend.strategy: %w", err))
	}
	if c.Backend.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("backend.batch_size must be positive, got %d", c.Backend.BatchSize))
	}
	switch {
	case c.Raw.Dir != "":
	case c.Raw.S3.Endpoint != "":
		if c.Raw.S3.Bucket == "" {
			errs = append(errs, errors.New("raw: raw.s3.bucket is required with raw.s3.endpoint"))
		}
	case c.Storage.Raw == "":
		errs = append(errs, errors.New("raw: set raw.dir, raw.s3.endpoint or storage.raw"))
	}
	return errors.Join(errs...)
}

// RawDir is the landing directory of raw files, or "" when they are read
// from S3.
func (c *Config) RawDir() string {
	switch {
	case c.Raw.Dir != "":
		return c.Raw.Dir
	case c.Raw.S3.Endpoint != "":
		return ""
	}
	return c.Storage.Raw
}

// MergeConfig is the coordinator configuration.
func (c *Config) MergeConfig() merge.Config {
	return merge.Config{
		Catalog: c.Catalog,
		Roots: map[merge.Layer]string{
			merge.LayerRaw:          c.Storage.Raw,
			merge.LayerProcessed:    c.Storage.Processed,
			merge.LayerPresentation: c.Storage.Presentation,
		},
	}
}

// LogLevel is the parsed log.level.
func (c *Config) LogLevel() zerolog.Level {
	level, err := zerolog.ParseLevel(c.Log.Level)
	if err != nil {
		return zerolog.InfoLevel
	}
	return level
}
