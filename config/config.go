// Copyright (C) 2025 TG Studio
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package config

import (
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config aggregates configuration for the application.
type Config struct {
	API     APIConfig     `mapstructure:"api"`
	Backend BackendConfig `mapstructure:"backend"`
	Fetch   FetchConfig   `mapstructure:"fetch"`
	Sync    SyncConfig    `mapstructure:"sync"`
}

// APIConfig configures the ingest trigger listener.
type APIConfig struct {
	Addr       string `mapstructure:"addr"`
	Key        string `mapstructure:"key"`
	HealthPort int    `mapstructure:"health_port"`
}

// BackendConfig points at the REST API that owns the entity tables.
type BackendConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
}

// FetchConfig carries the HTTP client defaults applied to sources that
// do not override them.
type FetchConfig struct {
	RequestsPerMinute   int           `mapstructure:"requests_per_minute"`
	MaxParallelRequests int           `mapstructure:"max_parallel_requests"`
	RequestTimeout      time.Duration `mapstructure:"request_timeout"`
	MaxRetries          int           `mapstructure:"max_retries"`
	UserAgent           string        `mapstructure:"user_agent"`
}

// SyncConfig tunes the orchestrator.
type SyncConfig struct {
	LeaseTTL     time.Duration `mapstructure:"lease_ttl"`
	MaxTextChars int           `mapstructure:"max_text_chars"`
}

// Load reads configuration from files and environment variables.
// Environment variables use the prefix "MANDARI" and the dot character
// in keys is replaced by an underscore. For example, "backend.base_url"
// becomes "MANDARI_BACKEND_BASE_URL".
func Load() (*Config, error) {
	cfg := &Config{
		API: APIConfig{
			Addr:       ":8080",
			HealthPort: 8090,
		},
		Fetch: FetchConfig{
			RequestsPerMinute:   60,
			MaxParallelRequests: 4,
			RequestTimeout:      30 * time.Second,
			MaxRetries:          3,
			UserAgent:           "mandari-ingest/1.0",
		},
		Sync: SyncConfig{
			LeaseTTL:     15 * time.Minute,
			MaxTextChars: 10000,
		},
	}

	v := viper.New()
	v.SetConfigName("config")
	v.AddConfigPath(".")
	v.SetEnvPrefix("MANDARI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvs(v, cfg)
	_ = v.ReadInConfig()

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// bindEnvs registers all keys within cfg so that viper will look up
// corresponding environment variables when unmarshalling.
func bindEnvs(v *viper.Viper, cfg any, parts ...string) {
	val := reflect.ValueOf(cfg)
	typ := reflect.TypeOf(cfg)
	if typ.Kind() == reflect.Ptr {
		val = val.Elem()
		typ = typ.Elem()
	}
	for i := 0; i < typ.NumField(); i++ {
		f := typ.Field(i)
		tag := f.Tag.Get("mapstructure")
		if tag == "" {
			tag = strings.ToLower(f.Name)
		}
		key := append(parts, tag)
		if f.Type.Kind() == reflect.Struct {
			bindEnvs(v, val.Field(i).Interface(), key...)
			continue
		}
		_ = v.BindEnv(strings.Join(key, "."))
	}
}
