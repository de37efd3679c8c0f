// Package config reads facilitator settings from environment variables or
// a local .env file.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ultravioletadao/x402-facilitator/types"
)

// Config stores all configuration for the facilitator service.
type Config struct {
	ServerPort string `mapstructure:"SERVER_PORT"`
	LogLevel   string `mapstructure:"LOG_LEVEL"`

	// OFACListPath and BlacklistPath point at the compliance list files.
	OFACListPath  string `mapstructure:"OFAC_LIST_PATH"`
	BlacklistPath string `mapstructure:"BLACKLIST_PATH"`
	// ComplianceFailMode is "closed" or "open".
	ComplianceFailMode string `mapstructure:"COMPLIANCE_FAIL_MODE"`
	// AuditLogClean controls whether clean screening decisions are also
	// written to the audit log.
	AuditLogClean bool `mapstructure:"AUDIT_LOG_CLEAN"`

	// ListRefreshInterval drives periodic compliance list reloads.
	ListRefreshInterval time.Duration `mapstructure:"LIST_REFRESH_INTERVAL"`

	// PrepareSessionTTL bounds how long a prepared transaction group stays
	// claimable.
	PrepareSessionTTL time.Duration `mapstructure:"PREPARE_SESSION_TTL"`

	// DedupTTL and DedupSize shape the advisory resubmission cache.
	DedupTTL  time.Duration `mapstructure:"DEDUP_TTL"`
	DedupSize int           `mapstructure:"DEDUP_SIZE"`
}

var boundKeys = []string{
	"SERVER_PORT",
	"LOG_LEVEL",
	"OFAC_LIST_PATH",
	"BLACKLIST_PATH",
	"COMPLIANCE_FAIL_MODE",
	"AUDIT_LOG_CLEAN",
	"LIST_REFRESH_INTERVAL",
	"PREPARE_SESSION_TTL",
	"DEDUP_TTL",
	"DEDUP_SIZE",
}

// LoadConfig reads configuration from the environment, falling back to a
// .env file in path when present.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName(".env")
	v.SetConfigType("env")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, key := range boundKeys {
		_ = v.BindEnv(key)
	}

	v.SetDefault("SERVER_PORT", "8080")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("COMPLIANCE_FAIL_MODE", "closed")
	v.SetDefault("AUDIT_LOG_CLEAN", true)
	v.SetDefault("LIST_REFRESH_INTERVAL", "1h")
	v.SetDefault("PREPARE_SESSION_TTL", "5m")
	v.SetDefault("DEDUP_TTL", "10m")
	v.SetDefault("DEDUP_SIZE", 8192)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// envKey turns a network id into the suffix used by the per-network
// environment variables, e.g. base-sepolia -> BASE_SEPOLIA.
func envKey(network types.Network) string {
	return strings.ToUpper(strings.ReplaceAll(string(network), "-", "_"))
}

// RPCEndpoints collects RPC_URL_<NETWORK> for every network in the list.
// Networks without an endpoint are simply absent from the result.
func RPCEndpoints(networks []types.Network) map[types.Network]string {
	v := viper.New()
	v.AutomaticEnv()
	out := make(map[types.Network]string)
	for _, network := range networks {
		key := "RPC_URL_" + envKey(network)
		_ = v.BindEnv(key)
		if url := v.GetString(key); url != "" {
			out[network] = url
		}
	}
	return out
}

// SigningKeys collects SIGNING_KEY_<NETWORK> raw key material per network.
// Production and test networks must use distinct variables; there is no
// fallback from one to the other.
func SigningKeys(networks []types.Network) map[types.Network]string {
	v := viper.New()
	v.AutomaticEnv()
	out := make(map[types.Network]string)
	for _, network := range networks {
		key := "SIGNING_KEY_" + envKey(network)
		_ = v.BindEnv(key)
		if material := v.GetString(key); material != "" {
			out[network] = material
		}
	}
	return out
}
