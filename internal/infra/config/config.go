// Package config provides configuration loading from YAML files.
package config

import (
	"os"

	"github.com/cockroachdb/errors"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	Sources  []SourceConfig `yaml:"sources" validate:"required,min=1,dive"`
	Queue    QueueConfig    `yaml:"queue"`
	Playback PlaybackConfig `yaml:"playback"`
	Proxy    ProxyConfig    `yaml:"proxy"`
	Scrobble ScrobbleConfig `yaml:"scrobble"`
	Player   PlayerConfig   `yaml:"player"`
	BanList  BanListConfig  `yaml:"banlist"`
	Log      LogConfig      `yaml:"log"`
}

// SourceConfig represents a single source adapter configuration.
// Settings are decoded by the adapter's constructor.
type SourceConfig struct {
	Type     string         `yaml:"type" validate:"required,oneof=spotify pandora youtube"`
	Settings map[string]any `yaml:"settings"`
}

// QueueConfig represents shuffle queue tuning.
type QueueConfig struct {
	LowWater      int `yaml:"low_water" default:"5" validate:"gte=1"`
	RecentHistory int `yaml:"recent_history" default:"20" validate:"gte=0"`
}

// PlaybackConfig represents playback session tuning.
type PlaybackConfig struct {
	DebounceMs  int `yaml:"debounce_ms" default:"500" validate:"gte=0,lte=5000"`
	IdlePollSec int `yaml:"idle_poll_sec" default:"3" validate:"gte=1"`
	Volume      int `yaml:"volume" default:"80" validate:"gte=0,lte=100"`
	VolumeStep  int `yaml:"volume_step" default:"5" validate:"gte=1,lte=50"`
}

// ProxyConfig represents the anonymizing-network session configuration for
// the geo-restricted source.
type ProxyConfig struct {
	ControlAddr      string   `yaml:"control_addr" default:"127.0.0.1:9051"`
	ControlPassword  string   `yaml:"control_password"`
	SocksAddr        string   `yaml:"socks_addr" default:"127.0.0.1:9050"`
	AllowedCountries []string `yaml:"allowed_countries" default:"[\"US\"]"`
	MaxAttempts      int      `yaml:"max_attempts" default:"5" validate:"gte=1,lte=20"`
	BackoffMs        int      `yaml:"backoff_ms" default:"2000" validate:"gte=0"`
}

// ScrobbleConfig represents the Last.fm scrobble sink configuration.
type ScrobbleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
}

// PlayerConfig represents the external player backend configuration.
type PlayerConfig struct {
	Binary    string `yaml:"binary" default:"mpv"`
	IPCSocket string `yaml:"ipc_socket"` // empty: a per-process socket under the temp dir
}

// BanListConfig represents the persistent ban list location.
type BanListConfig struct {
	Path string `yaml:"path" default:"omnishuffle-bans.db"`
}

// LogConfig represents logging configuration.
type LogConfig struct {
	Level string `yaml:"level" default:"info"`
	File  string `yaml:"file"`
}

// Load loads configuration from a YAML file. Environment variables take
// precedence over file values for credentials.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config file")
	}

	cfg.overrideFromEnv()

	if err := defaults.Set(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to set defaults")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config validation failed")
	}

	return &cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	return validator.New().Struct(c)
}

// overrideFromEnv overrides credential fields with environment variables.
// Per-source settings maps get provider-prefixed variables pushed in so
// secrets can stay out of the file entirely.
func (c *Config) overrideFromEnv() {
	if v := os.Getenv("LASTFM_API_KEY"); v != "" {
		c.Scrobble.APIKey = v
	}
	if v := os.Getenv("LASTFM_API_SECRET"); v != "" {
		c.Scrobble.APISecret = v
	}
	if v := os.Getenv("LASTFM_USERNAME"); v != "" {
		c.Scrobble.Username = v
	}
	if v := os.Getenv("LASTFM_PASSWORD"); v != "" {
		c.Scrobble.Password = v
	}

	envBySource := map[string]map[string]string{
		"spotify": {
			"SPOTIFY_CLIENT_ID":     "client_id",
			"SPOTIFY_CLIENT_SECRET": "client_secret",
			"SPOTIFY_REFRESH_TOKEN": "refresh_token",
		},
		"pandora": {
			"PANDORA_USERNAME": "username",
			"PANDORA_PASSWORD": "password",
		},
	}

	for i := range c.Sources {
		overrides, ok := envBySource[c.Sources[i].Type]
		if !ok {
			continue
		}
		for env, key := range overrides {
			v := os.Getenv(env)
			if v == "" {
				continue
			}
			if c.Sources[i].Settings == nil {
				c.Sources[i].Settings = make(map[string]any)
			}
			c.Sources[i].Settings[key] = v
		}
	}
}
