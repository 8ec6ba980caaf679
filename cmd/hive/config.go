package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the hive configuration file (~/.config/hive/config.yaml).
// Pointer fields distinguish "not set" from zero values.
type Config struct {
	// Layer defaults
	Experts      *int64 `yaml:"experts"`
	TopK         *int64 `yaml:"top_k"`
	Hidden       *int64 `yaml:"hidden"`
	Intermediate *int64 `yaml:"intermediate"`
	Backend      string `yaml:"backend"`
	Quant        string `yaml:"quant"`
	Activation   string `yaml:"activation"`
	Capacity     *int64 `yaml:"capacity"`
	Workers      *int64 `yaml:"workers"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress string `yaml:"server_address"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "hive", "config.yaml")
}

// applyLayerConfig applies config file defaults where the corresponding CLI
// flag was not explicitly set.
func applyLayerConfig(c *cli.Command, cfg Config) {
	if cfg.Experts != nil && !c.IsSet("experts") {
		numExperts = *cfg.Experts
	}
	if cfg.TopK != nil && !c.IsSet("top-k") {
		topK = *cfg.TopK
	}
	if cfg.Hidden != nil && !c.IsSet("hidden") {
		hiddenSize = *cfg.Hidden
	}
	if cfg.Intermediate != nil && !c.IsSet("intermediate") {
		intermediate = *cfg.Intermediate
	}
	if cfg.Backend != "" && !c.IsSet("backend") {
		backendKind = cfg.Backend
	}
	if cfg.Quant != "" && !c.IsSet("quant") {
		quantScheme = cfg.Quant
	}
	if cfg.Activation != "" && !c.IsSet("activation") {
		activation = cfg.Activation
	}
	if cfg.Capacity != nil && !c.IsSet("capacity") {
		capacityMax = *cfg.Capacity
	}
	if cfg.Workers != nil && !c.IsSet("workers") {
		workers = *cfg.Workers
	}
}

func applyServeConfig(c *cli.Command, cfg Config, addr *string) {
	applyLayerConfig(c, cfg)
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
}

// LoadConfig reads the config file. Returns a zero Config if the file doesn't exist.
func LoadConfig() Config {
	path := configPath()
	if path == "" {
		return Config{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}
	}
	return cfg
}
