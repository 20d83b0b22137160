// Package config loads process configuration: environment variables
// layered over an optional yaml file named by DEFENSE_CONFIG. The env
// always wins, so container deployments can override single fields
// without shipping a file.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v2"
)

type Config struct {
	NodeID     string       `yaml:"node_id"`
	APIPort    string       `yaml:"api_port"`
	GlobalPort string       `yaml:"global_api_port"`
	FailClosed bool         `yaml:"fail_closed"`
	Redis      RedisConfig  `yaml:"redis"`
	Etcd       EtcdConfig   `yaml:"etcd"`
	Engine     EngineConfig `yaml:"engine"`
}

type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type EtcdConfig struct {
	Host string `yaml:"host"`
	Port string `yaml:"port"`
}

type EngineConfig struct {
	URL               string `yaml:"url"`
	EnableJSChallenge bool   `yaml:"enable_js_challenge"`
}

// Load builds the config from the optional yaml file plus the
// environment.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("DEFENSE_CONFIG"); path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}

	cfg.NodeID = getEnv("NODE_ID", cfg.NodeID)
	cfg.APIPort = getEnv("API_PORT", cfg.APIPort)
	cfg.GlobalPort = getEnv("GLOBAL_API_PORT", cfg.GlobalPort)
	cfg.FailClosed = getEnvBool("FAIL_CLOSED", cfg.FailClosed)
	cfg.Redis.Host = getEnv("REDIS_HOST", cfg.Redis.Host)
	cfg.Redis.Port = getEnv("REDIS_PORT", cfg.Redis.Port)
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getEnvInt("REDIS_DB", cfg.Redis.DB)
	cfg.Etcd.Host = getEnv("ETCD_HOST", cfg.Etcd.Host)
	cfg.Etcd.Port = getEnv("ETCD_PORT", cfg.Etcd.Port)
	cfg.Engine.URL = getEnv("DEFENSE_ENGINE_URL", cfg.Engine.URL)
	cfg.Engine.EnableJSChallenge = getEnvBool("ENABLE_JS_CHALLENGE", cfg.Engine.EnableJSChallenge)

	if cfg.NodeID == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "edge-node"
		}
		cfg.NodeID = host
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		APIPort:    "5000",
		GlobalPort: "5001",
		Redis:      RedisConfig{Host: "localhost", Port: "6379"},
		Etcd:       EtcdConfig{Host: "localhost", Port: "2379"},
		Engine: EngineConfig{
			URL:               "http://defense-api:5000",
			EnableJSChallenge: true,
		},
	}
}

func loadFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return yaml.NewDecoder(f).Decode(cfg)
}

// RedisAddr returns host:port for the hot store client.
func (c *Config) RedisAddr() string {
	return c.Redis.Host + ":" + c.Redis.Port
}

// EtcdEndpoints returns the cold store endpoint list.
func (c *Config) EtcdEndpoints() []string {
	return []string{c.Etcd.Host + ":" + c.Etcd.Port}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
