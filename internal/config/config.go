// Package config loads device identity and engine settings from a YAML file,
// a .env file and POS_* environment variables, in increasing precedence.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/Zozz7777/Clutchplatform-sub014/internal/crypto"
	apperrors "github.com/Zozz7777/Clutchplatform-sub014/internal/errors"
)

type Config struct {
	Identity  Identity        `yaml:"identity"`
	Server    ServerConfig    `yaml:"server"`
	Sync      SyncConfig      `yaml:"sync"`
	Storage   StorageConfig   `yaml:"storage"`
	Logging   LoggingConfig   `yaml:"logging"`
	StatusAPI StatusAPIConfig `yaml:"status_api"`
}

// Identity is loaded once and never mutated by the engine.
type Identity struct {
	PartnerID string `yaml:"partner_id" validate:"required"`
	DeviceID  string `yaml:"device_id" validate:"required"`
	AuthToken string `yaml:"auth_token" validate:"required"`
}

type ServerConfig struct {
	BaseURL        string        `yaml:"base_url" validate:"required,url"`
	RealtimeURL    string        `yaml:"realtime_url" validate:"omitempty,url"`
	RequestTimeout time.Duration `yaml:"request_timeout" validate:"gt=0"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay" validate:"gt=0"`
}

type SyncConfig struct {
	IntervalMinutes   int           `yaml:"interval_minutes" validate:"gte=1"`
	MaxRetries        int           `yaml:"max_retries" validate:"gte=1"`
	BaseDelay         time.Duration `yaml:"base_delay" validate:"gte=0"`
	ConflictStrategy  string        `yaml:"conflict_strategy" validate:"oneof=local_wins server_wins manual"`
	StrictDetection   bool          `yaml:"strict_detection"`
	LastSyncTimestamp int64         `yaml:"last_sync_timestamp" validate:"gte=0"`
}

// Interval returns the periodic flush interval.
func (s SyncConfig) Interval() time.Duration {
	return time.Duration(s.IntervalMinutes) * time.Minute
}

type StorageConfig struct {
	DataDir string `yaml:"data_dir" validate:"required"`
}

type LoggingConfig struct {
	Level      string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `yaml:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `yaml:"max_age_days" validate:"gte=0"`
}

type StatusAPIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr" validate:"required_if=Enabled true"`
}

// Default returns a configuration with every optional field populated.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			RequestTimeout: 30 * time.Second,
			ReconnectDelay: 5 * time.Second,
		},
		Sync: SyncConfig{
			IntervalMinutes:  5,
			MaxRetries:       3,
			BaseDelay:        2 * time.Second,
			ConflictStrategy: "manual",
		},
		Storage: StorageConfig{
			DataDir: "./data",
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  20,
			MaxBackups: 5,
			MaxAgeDays: 28,
		},
		StatusAPI: StatusAPIConfig{
			Enabled: true,
			Addr:    "127.0.0.1:8787",
		},
	}
}

// Load builds a Config from defaults, the optional YAML file at path, a .env
// file in the working directory and the environment. It does not validate.
func Load(path string) (*Config, error) {
	godotenv.Load()

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrConfig, "failed to read config file", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrConfig, "failed to parse config file", err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if crypto.IsSealed(cfg.Identity.AuthToken) {
		token, err := crypto.OpenToken(cfg.Identity.AuthToken, cfg.Identity.PartnerID, cfg.Identity.DeviceID)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrConfig, "failed to open sealed auth token", err)
		}
		cfg.Identity.AuthToken = token
	}

	if cfg.Server.RealtimeURL == "" && cfg.Server.BaseURL != "" {
		cfg.Server.RealtimeURL = deriveRealtimeURL(cfg.Server.BaseURL)
	}

	return cfg, nil
}

func applyEnv(cfg *Config) error {
	cfg.Identity.PartnerID = getEnv("POS_PARTNER_ID", cfg.Identity.PartnerID)
	cfg.Identity.DeviceID = getEnv("POS_DEVICE_ID", cfg.Identity.DeviceID)
	cfg.Identity.AuthToken = getEnv("POS_AUTH_TOKEN", cfg.Identity.AuthToken)

	cfg.Server.BaseURL = getEnv("POS_SERVER_URL", cfg.Server.BaseURL)
	cfg.Server.RealtimeURL = getEnv("POS_REALTIME_URL", cfg.Server.RealtimeURL)

	cfg.Sync.IntervalMinutes = getEnvAsInt("POS_SYNC_INTERVAL", cfg.Sync.IntervalMinutes)
	cfg.Sync.MaxRetries = getEnvAsInt("POS_MAX_RETRIES", cfg.Sync.MaxRetries)
	cfg.Sync.ConflictStrategy = getEnv("POS_CONFLICT_STRATEGY", cfg.Sync.ConflictStrategy)
	cfg.Sync.StrictDetection = getEnvAsBool("POS_STRICT_DETECTION", cfg.Sync.StrictDetection)
	cfg.Sync.LastSyncTimestamp = int64(getEnvAsInt("POS_LAST_SYNC_TIMESTAMP", int(cfg.Sync.LastSyncTimestamp)))

	if v := getEnv("POS_RETRY_BASE_DELAY", ""); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrConfig, "invalid POS_RETRY_BASE_DELAY", err)
		}
		cfg.Sync.BaseDelay = d
	}
	if v := getEnv("POS_REQUEST_TIMEOUT", ""); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrConfig, "invalid POS_REQUEST_TIMEOUT", err)
		}
		cfg.Server.RequestTimeout = d
	}

	cfg.Storage.DataDir = getEnv("POS_DATA_DIR", cfg.Storage.DataDir)

	cfg.Logging.Level = getEnv("POS_LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.File = getEnv("POS_LOG_FILE", cfg.Logging.File)

	cfg.StatusAPI.Enabled = getEnvAsBool("POS_STATUS_API_ENABLED", cfg.StatusAPI.Enabled)
	cfg.StatusAPI.Addr = getEnv("POS_STATUS_API_ADDR", cfg.StatusAPI.Addr)
	return nil
}

// deriveRealtimeURL maps http(s)://host/base onto ws(s)://host/base/ws.
func deriveRealtimeURL(base string) string {
	u, err := url.Parse(base)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String()
}

var validate = validator.New()

// Validate checks every section needed to run the engine against a server.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return apperrors.Wrap(apperrors.ErrConfig, "invalid configuration", err)
	}
	if _, err := InspectToken(c.Identity); err != nil {
		return err
	}
	return nil
}

// ValidateLocal checks only what offline commands need: the data directory.
func (c *Config) ValidateLocal() error {
	if err := validate.Struct(c.Storage); err != nil {
		return apperrors.Wrap(apperrors.ErrConfig, "invalid storage configuration", err)
	}
	return nil
}

// TokenInfo describes what could be read from the auth token without
// verifying its signature.
type TokenInfo struct {
	IsJWT     bool
	PartnerID string
	ExpiresAt *time.Time
}

// Expired reports whether the token carries an expiry in the past.
func (t TokenInfo) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && now.After(*t.ExpiresAt)
}

// InspectToken reads the auth token's claims without verifying the signature.
// Opaque tokens pass. A JWT whose partner claim names a different partner is
// rejected, since every call it authenticates is scoped to the configured one.
func InspectToken(id Identity) (TokenInfo, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(id.AuthToken, claims); err != nil {
		return TokenInfo{}, nil
	}

	info := TokenInfo{IsJWT: true}
	for _, key := range []string{"partner_id", "partnerId"} {
		if v, ok := claims[key].(string); ok {
			info.PartnerID = v
			break
		}
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		t := exp.Time
		info.ExpiresAt = &t
	}

	if info.PartnerID != "" && info.PartnerID != id.PartnerID {
		return info, apperrors.New(apperrors.ErrConfig,
			fmt.Sprintf("auth token belongs to partner %q, configured partner is %q", info.PartnerID, id.PartnerID))
	}
	return info, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}
