// Package config loads the gateway configuration from YAML with
// environment overrides for deploy-time values and secrets.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Payment   PaymentConfig   `yaml:"payment"`
	Chain     ChainConfig     `yaml:"chain"`
	Model     ModelConfig     `yaml:"model"`
	Redis     RedisConfig     `yaml:"redis"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	PubSub    PubSubConfig    `yaml:"pubsub"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

// PaymentConfig describes the asset every paid action settles in and
// where the money goes.
type PaymentConfig struct {
	Network           string `yaml:"network"`
	Asset             string `yaml:"asset"`
	AssetName         string `yaml:"asset_name"`
	AssetVersion      string `yaml:"asset_version"`
	Decimals          int    `yaml:"decimals"`
	PayTo             string `yaml:"pay_to"`
	FacilitatorURL    string `yaml:"facilitator_url"`
	MaxTimeoutSeconds int64  `yaml:"max_timeout_seconds"`
	ChatPrice         string `yaml:"chat_price"` // display units, e.g. "0.1"
}

type ChainConfig struct {
	RPCURL          string `yaml:"rpc_url"`
	RegistryAddress string `yaml:"registry_address"`
}

type ModelConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type PubSubConfig struct {
	ProjectID string `yaml:"project_id"`
	TopicID   string `yaml:"topic_id"`
}

type RateLimitConfig struct {
	MaxCallsPerMinute int `yaml:"max_calls_per_minute"`
	BurstSize         int `yaml:"burst_size"`
}

// Default returns the testnet configuration the gateway boots with
// when no config file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: "8080", Env: "development"},
		Payment: PaymentConfig{
			Network:           "cronos-testnet",
			Asset:             "0xc21223249CA28397B4B6541dfFaEcC539BfF0c59",
			AssetName:         "USD Coin",
			AssetVersion:      "2",
			Decimals:          6,
			MaxTimeoutSeconds: 300,
			ChatPrice:         "0.1",
		},
		Chain: ChainConfig{
			RPCURL: "https://evm-t3.cronos.org",
		},
		RateLimit: RateLimitConfig{MaxCallsPerMinute: 60, BurstSize: 120},
	}
}

// LoadConfig reads a YAML config file.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cfg := Default()
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Load reads the config file at path (falling back to defaults when
// the file is absent) and applies environment overrides on top.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		loaded, err := LoadConfig(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: %w", err)
			}
		} else {
			cfg = loaded
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

// applyEnv overrides file values with environment variables. Secrets
// (model API key, postgres DSN, redis password) should come from the
// environment in deployed setups.
func (c *Config) applyEnv() {
	setString(&c.Server.Port, "PORT")
	setString(&c.Server.Env, "ONECHAT_ENV")
	setString(&c.Payment.Network, "ONECHAT_NETWORK")
	setString(&c.Payment.Asset, "ONECHAT_ASSET")
	setString(&c.Payment.PayTo, "ONECHAT_PAY_TO")
	setString(&c.Payment.FacilitatorURL, "ONECHAT_FACILITATOR_URL")
	setString(&c.Payment.ChatPrice, "ONECHAT_CHAT_PRICE")
	setString(&c.Chain.RPCURL, "ONECHAT_RPC_URL")
	setString(&c.Chain.RegistryAddress, "ONECHAT_REGISTRY_ADDRESS")
	setString(&c.Model.BaseURL, "ONECHAT_MODEL_URL")
	setString(&c.Model.APIKey, "ONECHAT_MODEL_API_KEY")
	setString(&c.Redis.Addr, "REDIS_ADDR")
	setString(&c.Redis.Password, "REDIS_PASSWORD")
	setInt(&c.Redis.DB, "REDIS_DB")
	setString(&c.Postgres.DSN, "DATABASE_URL")
	setString(&c.PubSub.ProjectID, "PUBSUB_PROJECT_ID")
	setString(&c.PubSub.TopicID, "PUBSUB_TOPIC_ID")
	setInt(&c.RateLimit.MaxCallsPerMinute, "ONECHAT_RATE_LIMIT")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
