package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const envPrefix = "SALESCALL"

type Identity struct {
	Group    string `mapstructure:"group"`
	Username string `mapstructure:"username"`
	Language string `mapstructure:"language"`
}

type Media struct {
	CaptureWAV  string `mapstructure:"capture_wav"`
	CaptureOgg  string `mapstructure:"capture_ogg"`
	PlaybackDir string `mapstructure:"playback_dir"`
}

type Config struct {
	Mode     string `mapstructure:"mode"`
	Port     int    `mapstructure:"port"`
	Secret   string `mapstructure:"secret"`
	LogLevel string `mapstructure:"log_level"`

	SignalURL     string `mapstructure:"signal_url"`
	RelayURL      string `mapstructure:"relay_url"`
	TranscribeURL string `mapstructure:"transcribe_url"`

	ReadLimit        int64         `mapstructure:"read_limit"`
	PingPeriod       time.Duration `mapstructure:"ping_period"`
	ReconnectInitial time.Duration `mapstructure:"reconnect_initial"`
	ReconnectMax     time.Duration `mapstructure:"reconnect_max"`
	SignalingGrace   time.Duration `mapstructure:"signaling_grace"`
	SendBuffer       int           `mapstructure:"send_buffer"`

	Identity Identity `mapstructure:"identity"`
	Media    Media    `mapstructure:"media"`
}

// Load reads config/config.<CONFIG_ENV>.yaml, falling back to defaults.
func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8090)
	v.SetDefault("secret", "salescall-dev-secret")
	v.SetDefault("log_level", "info")
	v.SetDefault("signal_url", "ws://localhost:8001")
	v.SetDefault("relay_url", "ws://localhost:8002")
	v.SetDefault("transcribe_url", "ws://localhost:8003")
	v.SetDefault("read_limit", 1<<20)
	v.SetDefault("ping_period", "30s")
	v.SetDefault("reconnect_initial", "500ms")
	v.SetDefault("reconnect_max", "10s")
	v.SetDefault("signaling_grace", "15s")
	v.SetDefault("send_buffer", 64)
	v.SetDefault("identity.group", "")
	v.SetDefault("identity.username", "")
	v.SetDefault("identity.language", "en")
	v.SetDefault("media.capture_wav", "")
	v.SetDefault("media.capture_ogg", "")
	v.SetDefault("media.playback_dir", "./recordings")

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).
		Str("signal", cfg.SignalURL).Str("relay", cfg.RelayURL).Str("transcribe", cfg.TranscribeURL).Msg("config ready")
	return &cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	for key, url := range map[string]string{
		"signal_url":     c.SignalURL,
		"relay_url":      c.RelayURL,
		"transcribe_url": c.TranscribeURL,
	} {
		if !strings.HasPrefix(url, "ws://") && !strings.HasPrefix(url, "wss://") {
			errs = append(errs, fmt.Errorf("%s: want ws:// or wss:// url, got %q", key, url))
		}
	}
	if c.PingPeriod <= 0 {
		errs = append(errs, errors.New("ping_period must be positive"))
	}
	if c.ReconnectInitial <= 0 || c.ReconnectMax < c.ReconnectInitial {
		errs = append(errs, errors.New("reconnect_initial must be positive and not above reconnect_max"))
	}
	return errors.Join(errs...)
}
