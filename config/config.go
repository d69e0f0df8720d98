package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Cluster    ClusterConfig    `mapstructure:"cluster"`
	Messaging  MessagingConfig  `mapstructure:"messaging"`
	IDBlock    IDBlockConfig    `mapstructure:"idblock"`
	Mastership MastershipConfig `mapstructure:"mastership"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Raft       RaftConfig       `mapstructure:"raft"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ClusterConfig describes the local node and its statically known peers
type ClusterConfig struct {
	NodeID            string        `mapstructure:"node_id"`
	Peers             []PeerConfig  `mapstructure:"peers"`
	Detector          string        `mapstructure:"detector"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `mapstructure:"heartbeat_timeout"`
	FailureThreshold  int           `mapstructure:"failure_threshold"`
	GossipPort        int           `mapstructure:"gossip_port"`
	GossipJoin        string        `mapstructure:"gossip_join"`
}

// PeerConfig is one statically configured cluster member
type PeerConfig struct {
	NodeID   string `mapstructure:"node_id"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	RaftAddr string `mapstructure:"raft_addr"`
}

// MessagingConfig contains messaging transport configuration
type MessagingConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	CloseGrace     time.Duration `mapstructure:"close_grace"`
	MaxMessageSize int           `mapstructure:"max_message_size"`
}

// IDBlockConfig contains id block allocation configuration
type IDBlockConfig struct {
	BlockSize int64 `mapstructure:"block_size"`
}

// MastershipConfig contains mastership store configuration
type MastershipConfig struct {
	PersistTerms bool `mapstructure:"persist_terms"`
}

// StorageConfig selects the atomic counter backend
type StorageConfig struct {
	Backend string `mapstructure:"backend"`
	DataDir string `mapstructure:"data_dir"`
}

// RaftConfig configures the raft-replicated counter backend
type RaftConfig struct {
	BindAddr  string `mapstructure:"bind_addr"`
	DataDir   string `mapstructure:"data_dir"`
	Bootstrap bool   `mapstructure:"bootstrap"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// Detector names
const (
	DetectorHeartbeat = "heartbeat"
	DetectorGossip    = "gossip"
)

// BackendRaft selects the raft-replicated counter store.
const BackendRaft = "raft"

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Option adjusts the viper instance after the file and environment are read
// and before the configuration is decoded.
type Option func(v *viper.Viper) error

// WithFlags binds command line flags to configuration keys. Flags that were
// not set on the command line do not override the file.
func WithFlags(bindings map[string]*pflag.Flag) Option {
	return func(v *viper.Viper) error {
		for key, flag := range bindings {
			if flag == nil {
				continue
			}
			if err := v.BindPFlag(key, flag); err != nil {
				return fmt.Errorf("bind flag %s: %w", flag.Name, err)
			}
		}
		return nil
	}
}

// WithGeneratedNodeID assigns a random node id when none is configured.
func WithGeneratedNodeID() Option {
	return func(v *viper.Viper) error {
		if v.GetString("cluster.node_id") == "" {
			v.Set("cluster.node_id", uuid.NewString())
		}
		return nil
	}
}

// LoadConfig loads configuration from file and environment
func LoadConfig(configPath string, opts ...Option) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/clustercore")
	}

	setDefaults(v)

	v.SetEnvPrefix("CLUSTERCORE")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	for _, opt := range opts {
		if err := opt(v); err != nil {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Cluster defaults
	v.SetDefault("cluster.node_id", "")
	v.SetDefault("cluster.detector", DetectorHeartbeat)
	v.SetDefault("cluster.heartbeat_interval", time.Second)
	v.SetDefault("cluster.heartbeat_timeout", 500*time.Millisecond)
	v.SetDefault("cluster.failure_threshold", 3)
	v.SetDefault("cluster.gossip_port", 7946)
	v.SetDefault("cluster.gossip_join", "")

	// Messaging defaults
	v.SetDefault("messaging.host", "127.0.0.1")
	v.SetDefault("messaging.port", 9876)
	v.SetDefault("messaging.connect_timeout", 2*time.Second)
	v.SetDefault("messaging.request_timeout", 5*time.Second)
	v.SetDefault("messaging.close_grace", 500*time.Millisecond)
	v.SetDefault("messaging.max_message_size", 4*1024*1024)

	v.SetDefault("idblock.block_size", 1000)
	v.SetDefault("mastership.persist_terms", true)

	// Storage defaults
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.data_dir", "./data")

	v.SetDefault("raft.bind_addr", "127.0.0.1:9877")
	v.SetDefault("raft.data_dir", "./data/raft")
	v.SetDefault("raft.bootstrap", false)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.file", "")
}

// Validate checks the configuration and normalises paths
func Validate(config *Config) error {
	config.Storage.DataDir = filepath.Clean(config.Storage.DataDir)
	config.Raft.DataDir = filepath.Clean(config.Raft.DataDir)

	if config.Cluster.NodeID == "" {
		return fmt.Errorf("%w: cluster.node_id is required", ErrInvalidConfig)
	}
	if config.Messaging.Port < 0 || config.Messaging.Port > 65535 {
		return fmt.Errorf("%w: messaging.port must be between 0 and 65535", ErrInvalidConfig)
	}
	if config.IDBlock.BlockSize <= 0 {
		return fmt.Errorf("%w: idblock.block_size must be positive", ErrInvalidConfig)
	}
	switch config.Cluster.Detector {
	case DetectorHeartbeat, DetectorGossip:
	default:
		return fmt.Errorf("%w: unknown cluster.detector %q", ErrInvalidConfig, config.Cluster.Detector)
	}
	if config.Cluster.FailureThreshold < 1 {
		return fmt.Errorf("%w: cluster.failure_threshold must be at least 1", ErrInvalidConfig)
	}
	switch config.Storage.Backend {
	case "memory", "badger", "bolt", BackendRaft:
	default:
		return fmt.Errorf("%w: unknown storage.backend %q", ErrInvalidConfig, config.Storage.Backend)
	}
	seen := make(map[string]bool, len(config.Cluster.Peers))
	for _, p := range config.Cluster.Peers {
		if p.NodeID == "" {
			return fmt.Errorf("%w: peer without node_id", ErrInvalidConfig)
		}
		if seen[p.NodeID] {
			return fmt.Errorf("%w: duplicate peer %s", ErrInvalidConfig, p.NodeID)
		}
		seen[p.NodeID] = true
		if p.Port < 1 || p.Port > 65535 {
			return fmt.Errorf("%w: peer %s port must be between 1 and 65535", ErrInvalidConfig, p.NodeID)
		}
	}
	return nil
}

// GetDefaultConfig returns a default configuration for the given node id
func GetDefaultConfig(nodeID string) *Config {
	v := viper.New()
	setDefaults(v)

	var config Config
	_ = v.Unmarshal(&config)
	config.Cluster.NodeID = nodeID
	_ = Validate(&config)

	return &config
}
