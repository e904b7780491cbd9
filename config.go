package main

import (
	"fmt"
	"os"

	chatapi "chatrelay/chat-api"
	"chatrelay/rpc"

	"github.com/joho/godotenv"
	yaml "gopkg.in/yaml.v2"
)

const (
	StoreMongo  = "mongo"
	StoreMemory = "memory"
)

type RelayConfig struct {
	Port             string         `yaml:"port"`
	Host             string         `yaml:"host"`
	MongoURI         string         `yaml:"mongo_uri"`
	MongoDatabase    string         `yaml:"mongo_database"`
	Store            string         `yaml:"store"`
	MaxPendingLength int            `yaml:"max_pending"`
	SessionSecret    string         `yaml:"session_secret"`
	LogFormat        string         `yaml:"log_format"`
	OpenAI           chatapi.Config `yaml:"openai"`
	Auth             rpc.AuthConfig `yaml:"auth"`
}

// loadConfig reads the yaml file, when there is one, and lets the
// environment (and a .env file) override the secrets.
func loadConfig(path string, mustExist bool) (RelayConfig, error) {
	conf := RelayConfig{Store: StoreMongo, MaxPendingLength: 16}
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(b, &conf); err != nil {
			return conf, fmt.Errorf("parse config %s: %w", path, err)
		}
	case !os.IsNotExist(err) || mustExist:
		return conf, fmt.Errorf("read config %s: %w", path, err)
	}

	// a missing .env is fine
	_ = godotenv.Load()
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		conf.OpenAI.ApiKey = v
	}
	if v := os.Getenv("MONGO_URI"); v != "" {
		conf.MongoURI = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		conf.Auth.JwtSecret = v
	}

	if conf.Store != StoreMongo && conf.Store != StoreMemory {
		return conf, fmt.Errorf("unknown store %q, want %s or %s", conf.Store, StoreMongo, StoreMemory)
	}
	return conf, nil
}
