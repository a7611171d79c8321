// Package config loads the indexing bridge's configuration from layered
// sources: built-in defaults, an optional YAML file, environment variables
// prefixed INDEXER_, and finally CLI flags bound through viper/pflag. Layers
// are listed lowest to highest precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Repository describes how to reach the content repository's admin REST API.
type Repository struct {
	BaseURL      string
	AuthMode     string // "secret" or "mtls"
	SecretHeader string
	Secret       string
	KeystoreCert string
	KeystoreKey  string
	Truststore   string
	ServerName   string
}

// Search describes how to reach the target search engine.
type Search struct {
	BaseURL  string
	DataIndex    string
	ControlIndex string
	AuthMode     string
	SecretHeader string
	Secret       string
	KeystoreCert string
	KeystoreKey  string
	Truststore   string
	ServerName   string
}

// Indexer holds the pipeline's own tunables.
type Indexer struct {
	Cron               string
	TransactionMaxResults int
	ContentThreads     int
	ContentQueueSize   int
	MetricsAddr        string
	MetadataBatchSize  int
	OpsRateLimit       float64
}

// Logging holds the ambient logging configuration.
type Logging struct {
	Level  string
	Format string
}

// Config is the fully-resolved, validated configuration for one process.
type Config struct {
	Repository Repository
	Search     Search
	Indexer    Indexer
	Logging    Logging
}

func defaults(v *viper.Viper) {
	v.SetDefault("repository.authMode", "secret")
	v.SetDefault("repository.secretHeader", "X-Alfresco-Search-Secret")
	v.SetDefault("search.authMode", "secret")
	v.SetDefault("search.secretHeader", "X-Search-Secret")
	v.SetDefault("search.dataIndex", "alfresco")
	v.SetDefault("search.controlIndex", "alfresco-control")
	v.SetDefault("indexer.cron", "@every 15s")
	v.SetDefault("indexer.transaction.maxResults", 500)
	v.SetDefault("indexer.content.threads", 4)
	v.SetDefault("indexer.content.queueSize", 256)
	v.SetDefault("indexer.metadata.batchSize", 50)
	v.SetDefault("indexer.metrics.addr", "")
	v.SetDefault("indexer.ops.rateLimit", 20.0)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Load resolves configuration from defaults, an optional file, the
// environment (INDEXER_ prefixed, with "." replaced by "_"), and flags
// already registered on fs. configPath may be empty.
func Load(configPath string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	defaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", configPath, err)
		}
	}

	v.SetEnvPrefix("INDEXER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return nil, fmt.Errorf("config: bind flags: %w", err)
		}
		// The CLI registers these flags under command-line style names; bind
		// each to the config key it sets.
		for flagName, key := range map[string]string{
			"repository-base-url": "repository.baseUrl",
			"search-base-url":     "search.baseUrl",
			"cron":                "indexer.cron",
		} {
			if f := fs.Lookup(flagName); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("config: bind flag %s: %w", flagName, err)
				}
			}
		}
	}

	cfg := &Config{
		Repository: Repository{
			BaseURL:      v.GetString("repository.baseUrl"),
			AuthMode:     v.GetString("repository.authMode"),
			SecretHeader: v.GetString("repository.secretHeader"),
			Secret:       v.GetString("repository.secret"),
			KeystoreCert: v.GetString("repository.keystoreCert"),
			KeystoreKey:  v.GetString("repository.keystoreKey"),
			Truststore:   v.GetString("repository.truststore"),
			ServerName:   v.GetString("repository.serverName"),
		},
		Search: Search{
			BaseURL:      v.GetString("search.baseUrl"),
			DataIndex:    v.GetString("search.dataIndex"),
			ControlIndex: v.GetString("search.controlIndex"),
			AuthMode:     v.GetString("search.authMode"),
			SecretHeader: v.GetString("search.secretHeader"),
			Secret:       v.GetString("search.secret"),
			KeystoreCert: v.GetString("search.keystoreCert"),
			KeystoreKey:  v.GetString("search.keystoreKey"),
			Truststore:   v.GetString("search.truststore"),
			ServerName:   v.GetString("search.serverName"),
		},
		Indexer: Indexer{
			Cron:                  v.GetString("indexer.cron"),
			TransactionMaxResults: v.GetInt("indexer.transaction.maxResults"),
			ContentThreads:        v.GetInt("indexer.content.threads"),
			ContentQueueSize:      v.GetInt("indexer.content.queueSize"),
			MetadataBatchSize:     v.GetInt("indexer.metadata.batchSize"),
			MetricsAddr:           v.GetString("indexer.metrics.addr"),
			OpsRateLimit:          v.GetFloat64("indexer.ops.rateLimit"),
		},
		Logging: Logging{
			Level:  v.GetString("logging.level"),
			Format: v.GetString("logging.format"),
		},
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validate(cfg *Config) error {
	validator := NewValidator()

	validator.RequireURL("repository.baseUrl", cfg.Repository.BaseURL)
	validator.RequireOneOf("repository.authMode", cfg.Repository.AuthMode, []string{"secret", "mtls"})
	validator.RequireURL("search.baseUrl", cfg.Search.BaseURL)
	validator.RequireOneOf("search.authMode", cfg.Search.AuthMode, []string{"secret", "mtls"})
	validator.RequireString("search.dataIndex", cfg.Search.DataIndex)
	validator.RequireString("search.controlIndex", cfg.Search.ControlIndex)
	validator.RequireString("indexer.cron", cfg.Indexer.Cron)
	validator.RequirePositiveInt("indexer.transaction.maxResults", cfg.Indexer.TransactionMaxResults)
	validator.RequirePositiveInt("indexer.content.threads", cfg.Indexer.ContentThreads)
	validator.RequirePositiveInt("indexer.content.queueSize", cfg.Indexer.ContentQueueSize)
	validator.RequireOneOf("logging.level", cfg.Logging.Level, []string{"debug", "info", "warn", "error"})
	validator.RequireOneOf("logging.format", cfg.Logging.Format, []string{"text", "json"})

	if cfg.Repository.AuthMode == "secret" {
		validator.RequireString("repository.secret", cfg.Repository.Secret)
	} else {
		validator.RequireString("repository.keystoreCert", cfg.Repository.KeystoreCert)
		validator.RequireString("repository.keystoreKey", cfg.Repository.KeystoreKey)
		validator.RequireString("repository.truststore", cfg.Repository.Truststore)
	}
	if cfg.Search.AuthMode == "secret" {
		validator.RequireString("search.secret", cfg.Search.Secret)
	} else {
		validator.RequireString("search.keystoreCert", cfg.Search.KeystoreCert)
		validator.RequireString("search.keystoreKey", cfg.Search.KeystoreKey)
		validator.RequireString("search.truststore", cfg.Search.Truststore)
	}

	return validator.Validate()
}

// ContentDrainTimeout bounds how long graceful shutdown waits for the content
// worker pool to drain in-flight jobs.
const ContentDrainTimeout = 30 * time.Second
