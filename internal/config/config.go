// Package config provides configuration for kgindex.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"kgindex/internal/auth"
	"kgindex/internal/extract"
	"kgindex/internal/infer"
	"kgindex/internal/logger"
	"kgindex/internal/rules"
	"kgindex/internal/store"
	"kgindex/internal/watch"
)

// DefaultFile is the optional YAML config file.
const DefaultFile = "kgindex.yaml"

// Config holds kgindex configuration.
type Config struct {
	// CorpusDir is the root of the document corpus.
	CorpusDir string `yaml:"corpus_dir"`
	// StoreDir holds generations, backups and version.json.
	StoreDir string `yaml:"store_dir"`
	// CacheDir holds the file digest cache. Defaults to StoreDir/cache.
	CacheDir string `yaml:"cache_dir"`
	// RulesFile overrides the path type rules. Defaults to CorpusDir/kgindex.rules.yaml.
	RulesFile string `yaml:"rules_file"`
	// Listen is the Query API address.
	Listen string `yaml:"listen"`
	// Interval is the watch poll interval.
	Interval time.Duration `yaml:"interval"`
	// Workers bounds parallel extraction.
	Workers int `yaml:"workers"`
	// Retain is the number of backups kept.
	Retain int `yaml:"retain"`
	// ExcerptRunes is the content excerpt length.
	ExcerptRunes int `yaml:"excerpt_runes"`
	// APISecret signs operator tokens. Operator routes are disabled when empty.
	APISecret string `yaml:"api_secret"`
	// TokenTTL is the lifetime of tokens minted by "kgindex token".
	TokenTTL time.Duration `yaml:"token_ttl"`
	// Debug enables debug logging.
	Debug bool `yaml:"debug"`
	// Thresholds tunes the relationship detectors.
	Thresholds infer.Thresholds `yaml:"thresholds"`
}

// DefaultTokenTTL is the lifetime of minted operator tokens.
const DefaultTokenTTL = 24 * time.Hour

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		CorpusDir:    ".",
		StoreDir:     ".kgindex",
		Listen:       ":7450",
		Interval:     watch.DefaultInterval,
		Workers:      4,
		Retain:       store.DefaultRetain,
		TokenTTL:     DefaultTokenTTL,
		ExcerptRunes: extract.DefaultExcerptRunes,
		Thresholds:   infer.DefaultThresholds(),
	}
}

// LoadEnv loads a .env file from the working directory when present.
func LoadEnv() {
	if err := godotenv.Load(); err != nil {
		logger.Debug("No .env file found, using system environment variables")
	}
}

// Load builds the configuration from defaults, the YAML file at path (when
// it exists) and KGINDEX_* environment variables, in that order of
// precedence. An empty path uses KGINDEX_CONFIG or DefaultFile.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = getEnv("KGINDEX_CONFIG", DefaultFile)
	}
	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.CorpusDir = getEnv("KGINDEX_CORPUS", c.CorpusDir)
	c.StoreDir = getEnv("KGINDEX_STORE", c.StoreDir)
	c.CacheDir = getEnv("KGINDEX_CACHE", c.CacheDir)
	c.RulesFile = getEnv("KGINDEX_RULES", c.RulesFile)
	c.Listen = getEnv("KGINDEX_LISTEN", c.Listen)
	c.Interval = getEnvDuration("KGINDEX_INTERVAL", c.Interval)
	c.Workers = getEnvInt("KGINDEX_WORKERS", c.Workers)
	c.Retain = getEnvInt("KGINDEX_RETAIN", c.Retain)
	c.ExcerptRunes = getEnvInt("KGINDEX_EXCERPT_RUNES", c.ExcerptRunes)
	c.APISecret = getEnv("KGINDEX_API_SECRET", c.APISecret)
	c.TokenTTL = getEnvDuration("KGINDEX_TOKEN_TTL", c.TokenTTL)
	c.Debug = getEnvBool("KGINDEX_DEBUG", c.Debug)
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	switch {
	case c.CorpusDir == "":
		return errors.New("corpus dir is required")
	case c.StoreDir == "":
		return errors.New("store dir is required")
	case c.Interval <= 0:
		return fmt.Errorf("interval must be positive, got %s", c.Interval)
	case c.Workers <= 0:
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	case c.Retain <= 0:
		return fmt.Errorf("retain must be positive, got %d", c.Retain)
	case c.ExcerptRunes <= 0:
		return fmt.Errorf("excerpt_runes must be positive, got %d", c.ExcerptRunes)
	case c.TokenTTL <= 0:
		return fmt.Errorf("token_ttl must be positive, got %s", c.TokenTTL)
	}
	return nil
}

// CachePath returns the digest cache directory.
func (c *Config) CachePath() string {
	if c.CacheDir != "" {
		return c.CacheDir
	}
	return filepath.Join(c.StoreDir, "cache")
}

// Tokens returns the operator token service, or nil when no API secret is set.
func (c *Config) Tokens() (*auth.TokenService, error) {
	if c.APISecret == "" {
		return nil, nil
	}
	return auth.NewTokenService([]byte(c.APISecret), c.TokenTTL)
}

// RulesPath returns the rules file location.
func (c *Config) RulesPath() string {
	if c.RulesFile != "" {
		return c.RulesFile
	}
	return filepath.Join(c.CorpusDir, rules.FileName)
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
