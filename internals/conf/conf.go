package conf

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	z "github.com/Oudwins/zog"

	"github.com/Oudwins/storyd/internals/env"
	"github.com/Oudwins/storyd/internals/version"
)

type Backend string

const (
	BackendSQLite Backend = "sqlite"
	BackendMemory Backend = "memory"
)

type BrokerKind string

const (
	BrokerMemory BrokerKind = "memory"
	BrokerRedis  BrokerKind = "redis"
)

type ExecutorKind string

const (
	ExecutorPlaceholder ExecutorKind = "placeholder"
	ExecutorCommand     ExecutorKind = "command"
)

type Config struct {
	Version  string         `json:"-"`
	Server   ServerConfig   `json:"server" zog:"server"`
	Storage  StorageConfig  `json:"storage" zog:"storage"`
	Store    StoreConfig    `json:"store" zog:"store"`
	Queue    QueueConfig    `json:"queue" zog:"queue"`
	Notify   NotifyConfig   `json:"notify" zog:"notify"`
	Executor ExecutorConfig `json:"executor" zog:"executor"`
	Auth     AuthConfig     `json:"auth" zog:"auth"`
	Log      LogConfig      `json:"log" zog:"log"`
}

type ServerConfig struct {
	DataDir string `json:"data_dir" zog:"data_dir"`
}

type StorageConfig struct {
	// GeneratedDir defaults to <data_dir>/generated.
	GeneratedDir string `json:"generated_dir" zog:"generated_dir"`
}

type StoreConfig struct {
	Backend Backend `json:"backend" zog:"backend"`
}

type QueueConfig struct {
	Backend Backend `json:"backend" zog:"backend"`
	Workers int     `json:"workers" zog:"workers"`
}

type NotifyConfig struct {
	Broker        BrokerKind `json:"broker" zog:"broker"`
	RedisURL      string     `json:"redis_url" zog:"redis_url"`
	ChannelPrefix string     `json:"channel_prefix" zog:"channel_prefix"`
	Buffer        int        `json:"buffer" zog:"buffer"`
}

type ExecutorConfig struct {
	Kind             ExecutorKind  `json:"kind" zog:"kind"`
	Command          string        `json:"command" zog:"command"`
	Args             []string      `json:"args" zog:"args"`
	Timeout          string        `json:"timeout" zog:"timeout"`
	PlaceholderDelay string        `json:"placeholder_delay" zog:"placeholder_delay"`
	TimeoutValue     time.Duration `json:"-"`
	DelayValue       time.Duration `json:"-"`
}

type AuthConfig struct {
	TokenTTL      string        `json:"token_ttl" zog:"token_ttl"`
	TokenTTLValue time.Duration `json:"-"`
}

type LogConfig struct {
	Level      string `json:"level" zog:"level"`
	MaxSizeMB  int    `json:"max_size_mb" zog:"max_size_mb"`
	MaxBackups int    `json:"max_backups" zog:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" zog:"max_age_days"`
}

const DefaultDataDir = "~/.storyd"

var durationSchema = func(def string) *z.StringSchema[string] {
	return z.String().Default(def).Trim().TestFunc(isDuration, z.Message("must be a duration such as 30s or 5m"))
}

var ConfigSchema = z.Struct(z.Shape{
	"Server": z.Struct(z.Shape{
		"DataDir": z.String().Default(DefaultDataDir).Trim().Transform(expandPathTransform),
	}),
	"Storage": z.Struct(z.Shape{
		"GeneratedDir": z.String().Optional().Trim().Transform(expandPathTransform),
	}),
	"Store": z.Struct(z.Shape{
		"Backend": z.StringLike[Backend]().Default(BackendSQLite).OneOf([]Backend{BackendSQLite, BackendMemory}),
	}),
	"Queue": z.Struct(z.Shape{
		"Backend": z.StringLike[Backend]().Default(BackendSQLite).OneOf([]Backend{BackendSQLite, BackendMemory}),
		"Workers": z.Int().Default(2).GTE(1),
	}),
	"Notify": z.Struct(z.Shape{
		"Broker":        z.StringLike[BrokerKind]().Default(BrokerMemory).OneOf([]BrokerKind{BrokerMemory, BrokerRedis}),
		"RedisURL":      z.String().Optional().Trim(),
		"ChannelPrefix": z.String().Default("owner:"),
		"Buffer":        z.Int().Default(32).GTE(1),
	}),
	"Executor": z.Struct(z.Shape{
		"Kind":             z.StringLike[ExecutorKind]().Default(ExecutorPlaceholder).OneOf([]ExecutorKind{ExecutorPlaceholder, ExecutorCommand}),
		"Command":          z.String().Optional().Trim().Transform(expandPathTransform),
		"Args":             z.Slice(z.String()).Optional(),
		"Timeout":          durationSchema("30m"),
		"PlaceholderDelay": durationSchema("0s"),
	}),
	"Auth": z.Struct(z.Shape{
		"TokenTTL": durationSchema("720h"),
	}),
	"Log": z.Struct(z.Shape{
		"Level":      z.String().Default("info").Trim().OneOf([]string{"debug", "info", "warn", "error"}),
		"MaxSizeMB":  z.Int().Default(20).GTE(1),
		"MaxBackups": z.Int().Default(5).GTE(0),
		"MaxAgeDays": z.Int().Default(28).GTE(0),
	}),
})

var config *Config

// GetConfig loads the configuration once. The file is STORYD_CONFIG when
// set, otherwise <default data dir>/storyd.json. A missing file yields the
// defaults.
func GetConfig() *Config {
	if config == nil {
		path := env.Get().CONFIG
		if path == "" {
			dataDir, err := ExpandPath(DefaultDataDir)
			if err != nil {
				log.Fatal("[storyd] Failed to expand config data dir ", err)
			}
			path = filepath.Join(dataDir, "storyd.json")
		}
		loaded, err := Load(path)
		if err != nil {
			log.Fatal("[storyd] Failed to load config ", err)
		}
		config = loaded
	}
	return config
}

// SetConfig replaces the process configuration.
func SetConfig(c *Config) {
	config = c
}

func Load(path string) (*Config, error) {
	payload := map[string]any{}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config file: %w", err)
	case strings.TrimSpace(string(data)) != "":
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	return Parse(payload)
}

func Parse(payload map[string]any) (*Config, error) {
	parsed := &Config{}
	if issues := ConfigSchema.Parse(payload, parsed); len(issues) > 0 {
		return nil, fmt.Errorf("invalid config: %s", z.Issues.FlattenAndCollect(issues))
	}
	if err := parsed.finalize(); err != nil {
		return nil, err
	}
	parsed.Version = version.Version()
	return parsed, nil
}

func (c *Config) finalize() error {
	if c.Storage.GeneratedDir == "" {
		c.Storage.GeneratedDir = filepath.Join(c.Server.DataDir, "generated")
	}
	if c.Executor.Kind == ExecutorCommand && c.Executor.Command == "" {
		return errors.New("invalid config: executor.command is required when executor.kind is command")
	}
	var err error
	if c.Executor.TimeoutValue, err = time.ParseDuration(c.Executor.Timeout); err != nil {
		return err
	}
	if c.Executor.DelayValue, err = time.ParseDuration(c.Executor.PlaceholderDelay); err != nil {
		return err
	}
	if c.Auth.TokenTTLValue, err = time.ParseDuration(c.Auth.TokenTTL); err != nil {
		return err
	}
	return nil
}

func (c *Config) DBPath() string {
	return filepath.Join(c.Server.DataDir, "storyd.db")
}

func (c *Config) QueuePath() string {
	return filepath.Join(c.Server.DataDir, "queue", "queue.db")
}

func (c *Config) LogPath() string {
	return filepath.Join(c.Server.DataDir, "logs", "storyd.log")
}

func isDuration(val *string, ctx z.Ctx) bool {
	_, err := time.ParseDuration(*val)
	return err == nil
}

func expandPathTransform(ptr *string, c z.Ctx) error {
	expanded, err := ExpandPath(*ptr)
	*ptr = expanded
	return err
}

func ExpandPath(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	if path == "~" {
		return home, nil
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~/")), nil
}
