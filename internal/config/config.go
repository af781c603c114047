// Package config loads service configuration from an optional YAML file,
// a .env file and DOSE_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Reminder  ReminderConfig  `mapstructure:"reminder"`
	Voice     VoiceConfig     `mapstructure:"voice"`
	Telephony TelephonyConfig `mapstructure:"telephony"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
}

type StorageConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type ReminderConfig struct {
	UserID                string        `mapstructure:"user_id"`
	Timezone              string        `mapstructure:"timezone"`
	SweepInterval         time.Duration `mapstructure:"sweep_interval"`
	ResponseTimeout       time.Duration `mapstructure:"response_timeout"`
	SnoozeDuration        time.Duration `mapstructure:"snooze_duration"`
	IdleMissThreshold     int           `mapstructure:"idle_miss_threshold"`
	MissedStreakThreshold int           `mapstructure:"missed_streak_threshold"`
	TakenPhrases          []string      `mapstructure:"taken_phrases"`
	SnoozePhrases         []string      `mapstructure:"snooze_phrases"`
}

type VoiceConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Token   string `mapstructure:"token"`
}

type TelephonyConfig struct {
	AccountSID string `mapstructure:"account_sid"`
	AuthToken  string `mapstructure:"auth_token"`
	FromNumber string `mapstructure:"from_number"`
	BaseURL    string `mapstructure:"base_url"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Location resolves the reminder timezone.
func (c ReminderConfig) Location() (*time.Location, error) {
	switch c.Timezone {
	case "", "Local":
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid reminder.timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", ":8080")
	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.dsn", "data/dose.db")
	v.SetDefault("reminder.user_id", "default")
	v.SetDefault("reminder.timezone", "Local")
	v.SetDefault("reminder.sweep_interval", "15s")
	v.SetDefault("reminder.response_timeout", "60s")
	v.SetDefault("reminder.snooze_duration", "5m")
	v.SetDefault("reminder.idle_miss_threshold", 2)
	v.SetDefault("reminder.missed_streak_threshold", 5)
	v.SetDefault("reminder.taken_phrases", []string{})
	v.SetDefault("reminder.snooze_phrases", []string{})
	v.SetDefault("voice.enabled", true)
	v.SetDefault("voice.token", "")
	v.SetDefault("telephony.account_sid", "")
	v.SetDefault("telephony.auth_token", "")
	v.SetDefault("telephony.from_number", "")
	v.SetDefault("telephony.base_url", "https://api.twilio.com")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// LoadConfig reads path if it exists. A missing file is not an error; the
// defaults and environment still apply.
func LoadConfig(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("DOSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "sqlite", "postgres", "json":
	default:
		return fmt.Errorf("unknown storage.driver %q", c.Storage.Driver)
	}
	if c.Reminder.UserID == "" {
		return errors.New("reminder.user_id is required")
	}
	if c.Reminder.SweepInterval <= 0 || c.Reminder.ResponseTimeout <= 0 || c.Reminder.SnoozeDuration <= 0 {
		return errors.New("reminder durations must be positive")
	}
	if c.Reminder.IdleMissThreshold < 1 || c.Reminder.MissedStreakThreshold < 1 {
		return errors.New("reminder thresholds must be at least 1")
	}
	if _, err := c.Reminder.Location(); err != nil {
		return err
	}
	return nil
}
