package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the application's configuration model.
// It selects the graph backend, where posts come from, and how hard the pipeline pushes the store.
type Config struct {
	Store    StoreConfig    `yaml:"store"`
	Source   SourceConfig   `yaml:"source"`
	Stream   StreamConfig   `yaml:"stream"`
	AMQP     AMQPConfig     `yaml:"amqp"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Breaker  BreakerConfig  `yaml:"breaker"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

type StoreConfig struct {
	// "sqlite" or "neo4j"
	Backend string      `yaml:"backend"`
	DBPath  string      `yaml:"dbPath"`
	Neo4j   Neo4jConfig `yaml:"neo4j"`
}

type Neo4jConfig struct {
	URI      string `yaml:"uri"`
	Username string `yaml:"username"`
	// If empty, read from env NEO4J_PASSWORD
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

type SourceConfig struct {
	// Directory holding 10-minute bucket files
	Dir     string `yaml:"dir"`
	Pattern string `yaml:"pattern"`
	// Leave the newest bucket alone; the stream may still be appending to it
	SkipNewest bool   `yaml:"skipNewest"`
	Prefix     string `yaml:"prefix"`
	// Replay loop period for `watch`
	Interval time.Duration `yaml:"interval"`
}

type StreamConfig struct {
	Track     []string          `yaml:"track"`
	Languages []string          `yaml:"languages"`
	// Load captured posts straight into the graph as well as the bucket files
	LoadDirect  bool              `yaml:"loadDirect"`
	Credentials CredentialsConfig `yaml:"credentials"`
}

type CredentialsConfig struct {
	// OAuth1.0a credentials for the v1.1 filter stream; X_* env vars fill blanks
	ConsumerKey    string `yaml:"consumerKey"`
	ConsumerSecret string `yaml:"consumerSecret"`
	AccessToken    string `yaml:"accessToken"`
	AccessSecret   string `yaml:"accessSecret"`
}

type AMQPConfig struct {
	// If empty, read from env AMQP_URL
	URL      string `yaml:"url"`
	Queue    string `yaml:"queue"`
	Prefetch int    `yaml:"prefetch"`
}

type PipelineConfig struct {
	Workers        int           `yaml:"workers"`
	// Conflict retries per unit of work and per counter; 0 uses the default of 5
	CounterRetries int           `yaml:"counterRetries"`
	UnitTimeout    time.Duration `yaml:"unitTimeout"`
}

type BreakerConfig struct {
	// Consecutive store failures that open the breaker
	MaxFailures uint32        `yaml:"maxFailures"`
	Cooldown    time.Duration `yaml:"cooldown"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "console"
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns a sensible default configuration.
func Default() Config {
	return Config{
		Store: StoreConfig{
			Backend: "sqlite",
			DBPath:  "./tweetgraph.db",
			Neo4j:   Neo4jConfig{URI: "neo4j://localhost:7687", Username: "neo4j", Database: "neo4j"},
		},
		Source:   SourceConfig{Dir: "./data", Pattern: "*.jsonl", SkipNewest: true, Prefix: "tweets", Interval: 10 * time.Minute},
		Stream:   StreamConfig{Track: []string{"golang"}, Languages: []string{"en"}},
		AMQP:     AMQPConfig{Queue: "tweets", Prefetch: 32},
		Pipeline: PipelineConfig{Workers: 4, CounterRetries: 5, UnitTimeout: 30 * time.Second},
		Breaker:  BreakerConfig{MaxFailures: 5, Cooldown: 30 * time.Second},
		Logging:  LoggingConfig{Level: "info", Format: "json"},
	}
}

// ResolveEnv fills in config fields from environment variables if not set.
func (c *Config) ResolveEnv() {
	creds := &c.Stream.Credentials
	if creds.ConsumerKey == "" {
		creds.ConsumerKey = os.Getenv("X_CONSUMER_KEY")
	}
	if creds.ConsumerSecret == "" {
		creds.ConsumerSecret = os.Getenv("X_CONSUMER_SECRET")
	}
	if creds.AccessToken == "" {
		creds.AccessToken = os.Getenv("X_ACCESS_TOKEN")
	}
	if creds.AccessSecret == "" {
		creds.AccessSecret = os.Getenv("X_ACCESS_SECRET")
	}
	if c.Store.Neo4j.Password == "" {
		c.Store.Neo4j.Password = os.Getenv("NEO4J_PASSWORD")
	}
	if c.AMQP.URL == "" {
		c.AMQP.URL = os.Getenv("AMQP_URL")
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = os.Getenv("METRICS_ADDR")
	}
}

// Validate rejects settings the pipeline cannot run with.
func (c Config) Validate() error {
	var errs []error
	switch c.Store.Backend {
	case "sqlite":
		if c.Store.DBPath == "" {
			errs = append(errs, errors.New("store.dbPath is required for sqlite"))
		}
	case "neo4j":
		if c.Store.Neo4j.URI == "" {
			errs = append(errs, errors.New("store.neo4j.uri is required for neo4j"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.backend %q: want sqlite or neo4j", c.Store.Backend))
	}
	if c.Pipeline.Workers < 1 {
		errs = append(errs, fmt.Errorf("pipeline.workers must be >= 1, got %d", c.Pipeline.Workers))
	}
	if c.Pipeline.CounterRetries < 0 {
		errs = append(errs, fmt.Errorf("pipeline.counterRetries must be >= 0, got %d", c.Pipeline.CounterRetries))
	}
	if c.Pipeline.UnitTimeout < 0 {
		errs = append(errs, errors.New("pipeline.unitTimeout must not be negative"))
	}
	switch c.Logging.Format {
	case "", "json", "console":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q: want json or console", c.Logging.Format))
	}
	return errors.Join(errs...)
}

// Load reads YAML config from path. Fields the file leaves out keep their defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, err
	}
	cfg.ResolveEnv()
	return cfg, nil
}

// Save writes YAML config to path, creating directories as needed.
func Save(path string, cfg Config) error {
	if path == "" {
		return errors.New("empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}
