package config

import (
	"fmt"
	"os"

	yaml "gopkg.in/yaml.v2"
)

const DefaultShardCount = 256
const DefaultHivePort = 8717
const DefaultEdgePort = 8718
const DefaultTokenTTL = "2h"
const DefaultRenewWithin = "45m"

// HiveConfig for the crv-hive daemon: repository location, shard count,
// listen port, and JWT signing material. ShardCount is only reported by
// Bonjour; repo.Store always spreads chunks over 256 shards by a hash's
// leading byte.
type HiveConfig struct {
	RepositoryRoot string `yaml:"repository_root"`
	ShardCount     int    `yaml:"shard_count"`
	Port           int    `yaml:"port"`
	JWTSecretPath  string `yaml:"jwt_secret_path"`
	TokenTTL       string `yaml:"token_ttl"`
	RenewWithin    string `yaml:"renew_within"`
}

// UnmarshalHive the hive config
func UnmarshalHive(config []byte) (*HiveConfig, error) {
	// Default values specified here
	cfg := &HiveConfig{
		ShardCount:  DefaultShardCount,
		Port:        DefaultHivePort,
		TokenTTL:    DefaultTokenTTL,
		RenewWithin: DefaultRenewWithin,
	}
	err := yaml.Unmarshal(config, cfg)
	if err != nil {
		return nil, fmt.Errorf("invalid hive configuration: %v. make sure to use 'single quotes' around strings with special characters", err.Error())
	}
	err = cfg.validate()
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadHiveConfigFile - loads hive config file
func LoadHiveConfigFile(filename string) (*HiveConfig, error) {
	content, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to load %v: %v", filename, err.Error())
	}
	cfg, err := LoadHiveConfigString(content)
	if err != nil {
		return nil, fmt.Errorf("failed to load %v: %v", filename, err.Error())
	}
	return cfg, nil
}

// LoadHiveConfigString - loads a string
func LoadHiveConfigString(content []byte) (*HiveConfig, error) {
	cfg, err := UnmarshalHive([]byte(content))
	return cfg, err
}

func (c *HiveConfig) validate() error {
	if c.RepositoryRoot == "" {
		return fmt.Errorf("hive configuration: repository_root must be set")
	}
	if c.ShardCount <= 0 {
		return fmt.Errorf("hive configuration: shard_count must be positive")
	}
	return nil
}

// EdgeConfig for the crv-edge daemon: the hive it talks to, its local
// cache root, and its own listen port.
type EdgeConfig struct {
	HiveAddress string `yaml:"hive_address"`
	LocalRoot   string `yaml:"local_root"`
	Port        int    `yaml:"port"`
}

// UnmarshalEdge the edge config
func UnmarshalEdge(config []byte) (*EdgeConfig, error) {
	cfg := &EdgeConfig{
		Port: DefaultEdgePort,
	}
	err := yaml.Unmarshal(config, cfg)
	if err != nil {
		return nil, fmt.Errorf("invalid edge configuration: %v. make sure to use 'single quotes' around strings with special characters", err.Error())
	}
	err = cfg.validate()
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadEdgeConfigFile - loads edge config file
func LoadEdgeConfigFile(filename string) (*EdgeConfig, error) {
	content, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to load %v: %v", filename, err.Error())
	}
	cfg, err := LoadEdgeConfigString(content)
	if err != nil {
		return nil, fmt.Errorf("failed to load %v: %v", filename, err.Error())
	}
	return cfg, nil
}

// LoadEdgeConfigString - loads a string
func LoadEdgeConfigString(content []byte) (*EdgeConfig, error) {
	cfg, err := UnmarshalEdge([]byte(content))
	return cfg, err
}

func (c *EdgeConfig) validate() error {
	if c.HiveAddress == "" {
		return fmt.Errorf("edge configuration: hive_address must be set")
	}
	if c.LocalRoot == "" {
		return fmt.Errorf("edge configuration: local_root must be set")
	}
	return nil
}
