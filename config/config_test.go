package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func checkValue(t *testing.T, fieldname string, val string, expected string) {
	if val != expected {
		t.Fatalf("Error parsing %s, expected '%v' got '%v'", fieldname, expected, val)
	}
}

func TestValidHiveConfig(t *testing.T) {
	const cfgString = `
repository_root:	/var/lib/crv-hive
jwt_secret_path:	/etc/crv-hive/jwt.key
`
	cfg := loadHiveOrFail(t, cfgString)
	checkValue(t, "RepositoryRoot", cfg.RepositoryRoot, "/var/lib/crv-hive")
	checkValue(t, "JWTSecretPath", cfg.JWTSecretPath, "/etc/crv-hive/jwt.key")
	assert.Equal(t, DefaultShardCount, cfg.ShardCount)
	assert.Equal(t, DefaultHivePort, cfg.Port)
	checkValue(t, "TokenTTL", cfg.TokenTTL, DefaultTokenTTL)
	checkValue(t, "RenewWithin", cfg.RenewWithin, DefaultRenewWithin)
}

func TestHiveConfigOverridesShardCountAndPort(t *testing.T) {
	const cfgString = `
repository_root:	/data/hive
shard_count:		16
port:			9000
`
	cfg := loadHiveOrFail(t, cfgString)
	assert.Equal(t, 16, cfg.ShardCount)
	assert.Equal(t, 9000, cfg.Port)
}

func TestHiveConfigMissingRepositoryRootFails(t *testing.T) {
	ensureHiveFail(t, "jwt_secret_path: /etc/jwt.key", "repository_root")
}

func TestHiveConfigRejectsNonPositiveShardCount(t *testing.T) {
	ensureHiveFail(t, "repository_root: /data/hive\nshard_count: 0", "shard_count")
}

func TestValidEdgeConfig(t *testing.T) {
	const cfgString = `
hive_address:	hive.example.internal:8717
local_root:	/home/user/.crv
`
	cfg := loadEdgeOrFail(t, cfgString)
	checkValue(t, "HiveAddress", cfg.HiveAddress, "hive.example.internal:8717")
	checkValue(t, "LocalRoot", cfg.LocalRoot, "/home/user/.crv")
	assert.Equal(t, DefaultEdgePort, cfg.Port)
}

func TestEdgeConfigMissingHiveAddressFails(t *testing.T) {
	ensureEdgeFail(t, "local_root: /home/user/.crv", "hive_address")
}

func TestEdgeConfigMissingLocalRootFails(t *testing.T) {
	ensureEdgeFail(t, "hive_address: localhost:8717", "local_root")
}

func ensureHiveFail(t *testing.T, cfgString string, desc string) {
	_, err := UnmarshalHive([]byte(cfgString))
	if err == nil {
		t.Fatalf("Expected hive config err not found: %s", desc)
	}
	t.Logf("Config err: %v", err.Error())
}

func loadHiveOrFail(t *testing.T, cfgString string) *HiveConfig {
	cfg, err := UnmarshalHive([]byte(cfgString))
	if err != nil {
		t.Fatalf("Failed to read hive config: %v", err.Error())
	}
	return cfg
}

func ensureEdgeFail(t *testing.T, cfgString string, desc string) {
	_, err := UnmarshalEdge([]byte(cfgString))
	if err == nil {
		t.Fatalf("Expected edge config err not found: %s", desc)
	}
	t.Logf("Config err: %v", err.Error())
}

func loadEdgeOrFail(t *testing.T, cfgString string) *EdgeConfig {
	cfg, err := UnmarshalEdge([]byte(cfgString))
	if err != nil {
		t.Fatalf("Failed to read edge config: %v", err.Error())
	}
	return cfg
}
