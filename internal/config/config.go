// Package config loads and defaults the node's configuration surface:
// listen address, storage engine selection, replication transport, and
// anti-entropy scheduling.
package config

import (
	"os"
	"strconv"

	"github.com/spf13/viper"
)

// Config is the full recognized configuration surface.
type Config struct {
	Host               string           `mapstructure:"host"`
	Port               int              `mapstructure:"port"`
	StoragePath        string           `mapstructure:"storage_path"`
	Engine             string           `mapstructure:"engine"`
	SyncIntervalSeconds int             `mapstructure:"sync_interval_seconds"`
	Replication        ReplicationConfig `mapstructure:"replication"`
	AntiEntropy        AntiEntropyConfig `mapstructure:"anti_entropy"`
}

// ReplicationConfig controls the pub/sub transport used by the replicator.
type ReplicationConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	Broker          string `mapstructure:"broker"`
	TopicPrefix     string `mapstructure:"topic_prefix"`
	ClientID        string `mapstructure:"client_id"`
	ClientPassword  string `mapstructure:"client_password"`
}

// AntiEntropyConfig controls the background reconciliation scheduler.
type AntiEntropyConfig struct {
	Enabled         bool     `mapstructure:"enabled"`
	IntervalSeconds int      `mapstructure:"interval_seconds"`
	PeerList        []string `mapstructure:"peer_list"`
}

// Default returns the configuration used when no file or flag overrides a
// given key.
func Default() Config {
	return Config{
		Host:                "127.0.0.1",
		Port:                7379,
		StoragePath:         "data",
		Engine:              "rwlock",
		SyncIntervalSeconds: 60,
		Replication: ReplicationConfig{
			Enabled:     false,
			Broker:      "127.0.0.1:4222",
			TopicPrefix: "merkle_kv",
			ClientID:    "node1",
		},
		AntiEntropy: AntiEntropyConfig{
			Enabled:         false,
			IntervalSeconds: 60,
		},
	}
}

// Load reads configPath (if non-empty and present) over the defaults via
// viper, then applies CLI and environment overrides in the precedence
// order the spec mandates: CLI flags, then CLIENT_ID/CLIENT_PASSWORD
// environment variables, then the file, then the built-in defaults.
func Load(configPath string, flagEngine, flagStoragePath, flagListen string) (Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	def := Default()
	v.SetDefault("host", def.Host)
	v.SetDefault("port", def.Port)
	v.SetDefault("storage_path", def.StoragePath)
	v.SetDefault("engine", def.Engine)
	v.SetDefault("sync_interval_seconds", def.SyncIntervalSeconds)
	v.SetDefault("replication", def.Replication)
	v.SetDefault("anti_entropy", def.AntiEntropy)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}

	if flagEngine != "" {
		cfg.Engine = flagEngine
	}
	if flagStoragePath != "" {
		cfg.StoragePath = flagStoragePath
	}
	if flagListen != "" {
		cfg.Host, cfg.Port = splitHostPort(flagListen, cfg.Host, cfg.Port)
	}

	if id := os.Getenv("CLIENT_ID"); id != "" {
		cfg.Replication.ClientID = id
	}
	if pw := os.Getenv("CLIENT_PASSWORD"); pw != "" {
		cfg.Replication.ClientPassword = pw
	}

	return cfg, nil
}

func splitHostPort(listen, fallbackHost string, fallbackPort int) (string, int) {
	host, port := fallbackHost, fallbackPort
	for i := len(listen) - 1; i >= 0; i-- {
		if listen[i] == ':' {
			host = listen[:i]
			if p, err := strconv.Atoi(listen[i+1:]); err == nil {
				port = p
			}
			break
		}
	}
	return host, port
}
