// Package config loads server configuration from an optional YAML file
// with environment-variable overrides on top.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Port string `yaml:"port"`

	Store StoreConfig `yaml:"store"`

	BlobDir     string `yaml:"blob_dir"`
	MaxFileSize int64  `yaml:"max_file_size"`

	WebhookSecret string `yaml:"webhook_secret"`

	// Principals maps bearer tokens to identities. In production this
	// section is replaced by the external authentication subsystem.
	Principals map[string]PrincipalConfig `yaml:"principals"`
}

type StoreConfig struct {
	// Backend selects the transaction store: "sqlite" (default) or
	// "dynamodb".
	Backend string `yaml:"backend"`

	// SQLite.
	DBPath string `yaml:"db_path"`

	// DynamoDB.
	Region      string `yaml:"region"`
	Table       string `yaml:"table"`
	EventsTable string `yaml:"events_table"`
	Endpoint    string `yaml:"endpoint"`
	CreateTable bool   `yaml:"create_table"`
}

type PrincipalConfig struct {
	Email string `yaml:"email"`
	Role  string `yaml:"role"`
}

// Load reads the YAML file at path (skipped when path is empty or the
// file does not exist), applies env overrides, then defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if v := os.Getenv("PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("STORE_BACKEND"); v != "" {
		cfg.Store.Backend = v
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		cfg.Store.DBPath = v
	}
	if v := os.Getenv("DYNAMO_ENDPOINT"); v != "" {
		cfg.Store.Endpoint = v
	}
	if v := os.Getenv("BLOB_DIR"); v != "" {
		cfg.BlobDir = v
	}
	if v := os.Getenv("WEBHOOK_SECRET"); v != "" {
		cfg.WebhookSecret = v
	}
	if v := os.Getenv("MAX_FILE_SIZE"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("MAX_FILE_SIZE: %w", err)
		}
		cfg.MaxFileSize = n
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Port == "" {
		c.Port = "8080"
	}
	if c.Store.Backend == "" {
		c.Store.Backend = "sqlite"
	}
	if c.Store.DBPath == "" {
		c.Store.DBPath = "escrow.db"
	}
	if c.Store.Region == "" {
		c.Store.Region = "us-east-1"
	}
	if c.Store.Table == "" {
		c.Store.Table = "escrow_transactions"
	}
	if c.Store.EventsTable == "" {
		c.Store.EventsTable = "escrow_events"
	}
	if c.BlobDir == "" {
		c.BlobDir = "blobs"
	}
	if c.MaxFileSize <= 0 {
		c.MaxFileSize = 32 << 20
	}
	if c.WebhookSecret == "" {
		c.WebhookSecret = "sandbox-secret"
	}
}
