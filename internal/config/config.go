// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package config loads service configuration in layers: built-in
// defaults, an optional YAML file, the environment, then CLI flags,
// each overriding the last.
package config

import (
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"
)

// envPrefix namespaces environment variables so EVENTSTORE_DATABASE_DSN
// maps to database.dsn, matching the key delimiter below.
const envPrefix = "EVENTSTORE_"

// Config is the fully-resolved service configuration.
type Config struct {
	Database struct {
		DSN string `koanf:"dsn"`
	} `koanf:"database"`

	Notify struct {
		Channel string `koanf:"channel"`
	} `koanf:"notify"`

	AdvisoryLock struct {
		Namespace int64 `koanf:"namespace"`
	} `koanf:"advisory_lock"`

	Subscription struct {
		DefaultBufferSize int           `koanf:"default_buffer_size"`
		DefaultMaxSize    int           `koanf:"default_max_size"`
		RetryInterval     time.Duration `koanf:"retry_interval"`
	} `koanf:"subscription"`

	Observability struct {
		Addr      string `koanf:"addr"`
		LogFormat string `koanf:"log_format"`
	} `koanf:"observability"`
}

// defaults returns the built-in baseline every layer above it may override.
func defaults() map[string]any {
	return map[string]any{
		"database.dsn":                      "postgres://localhost:5432/eventstore?sslmode=disable",
		"notify.channel":                    "events_appended",
		"advisory_lock.namespace":           int64(7737),
		"subscription.default_buffer_size":  1,
		"subscription.default_max_size":     1000,
		"subscription.retry_interval":       "2s",
		"observability.addr":                "127.0.0.1:9101",
		"observability.log_format":          "json",
	}
}

// Load resolves a Config from, in increasing priority: built-in
// defaults, the YAML file at path (skipped if path is empty), the
// EVENTSTORE_-prefixed environment, then flags already parsed onto fs.
func Load(path string, fs *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, oops.Code("config_defaults_failed").Wrap(err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, oops.Code("config_file_load_failed").With("path", path).Wrap(err)
		}
	}

	envProvider := env.Provider(envPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(s, envPrefix)
		return strings.ReplaceAll(strings.ToLower(s), "_", ".")
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, oops.Code("config_env_load_failed").Wrap(err)
	}

	if fs != nil {
		if err := k.Load(posflag.Provider(fs, ".", k), nil); err != nil {
			return nil, oops.Code("config_flags_load_failed").Wrap(err)
		}
	}

	var cfg Config
	unmarshalConf := koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			Result:           &cfg,
			WeaklyTypedInput: true,
			DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		},
	}
	if err := k.UnmarshalWithConf("", &cfg, unmarshalConf); err != nil {
		return nil, oops.Code("config_unmarshal_failed").Wrap(err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that the resolved configuration is usable.
func (c *Config) Validate() error {
	if c.Database.DSN == "" {
		return oops.Code("config_invalid").Errorf("database.dsn is required")
	}
	if c.Observability.LogFormat != "json" && c.Observability.LogFormat != "text" {
		return oops.Code("config_invalid").Errorf("observability.log_format must be 'json' or 'text', got %q", c.Observability.LogFormat)
	}
	if c.Subscription.DefaultBufferSize < 1 {
		return oops.Code("config_invalid").Errorf("subscription.default_buffer_size must be >= 1")
	}
	if c.Subscription.DefaultMaxSize < c.Subscription.DefaultBufferSize {
		return oops.Code("config_invalid").Errorf("subscription.default_max_size must be >= default_buffer_size")
	}
	return nil
}
