package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config represents the bridge service configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Evm        EvmConfig        `mapstructure:"evm"`
	Canton     CantonConfig     `mapstructure:"canton"`
	Bridge     BridgeConfig     `mapstructure:"bridge"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// DatabaseConfig contains database connection settings
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
}

// EvmConfig contains EVM chain client settings.
type EvmConfig struct {
	RPCURL                   string        `mapstructure:"rpc_url"`
	ChainID                  int64         `mapstructure:"chain_id"`
	TokenContract            string        `mapstructure:"token_contract"`
	TokenDecimals            int           `mapstructure:"token_decimals"`
	SignerPrivateKey         string        `mapstructure:"signer_private_key"`
	ConfirmationBlocks       uint64        `mapstructure:"confirmation_blocks"`
	GasLimit                 uint64        `mapstructure:"gas_limit"`
	MaxGasPrice              string        `mapstructure:"max_gas_price"`
	FinalityTimeout          time.Duration `mapstructure:"finality_timeout"`
	ConfirmationPollInterval time.Duration `mapstructure:"confirmation_poll_interval"`
}

// CantonConfig contains Canton ledger client settings.
type CantonConfig struct {
	APIURL                   string        `mapstructure:"api_url"`
	NetworkID                string        `mapstructure:"network_id"`
	TokenDecimals            int           `mapstructure:"token_decimals"`
	OperatorParty            string        `mapstructure:"operator_party"`
	TokenManagerCID          string        `mapstructure:"token_manager_cid"`
	FinalityTimeout          time.Duration `mapstructure:"finality_timeout"`
	ConfirmationPollInterval time.Duration `mapstructure:"confirmation_poll_interval"`
	Auth                     AuthConfig    `mapstructure:"auth"`
}

// AuthConfig holds OAuth2 client credentials for the Canton participant.
type AuthConfig struct {
	ClientID     string        `mapstructure:"client_id"`
	ClientSecret string        `mapstructure:"client_secret"`
	Audience     string        `mapstructure:"audience"`
	TokenURL     string        `mapstructure:"token_url"`
	ExpiryLeeway time.Duration `mapstructure:"expiry_leeway"`
}

// BridgeConfig contains transfer orchestration settings.
type BridgeConfig struct {
	MaxRetries         int           `mapstructure:"max_retries"`
	SweepInterval      time.Duration `mapstructure:"sweep_interval"`
	StalenessThreshold time.Duration `mapstructure:"staleness_threshold"`
}

// MonitoringConfig contains monitoring and metrics settings
type MonitoringConfig struct {
	Enabled     bool `mapstructure:"enabled"`
	MetricsPort int  `mapstructure:"metrics_port"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	// Server defaults
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)

	// Database defaults
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("database.database", "tokenbridge")

	// EVM defaults
	viper.SetDefault("evm.token_decimals", 18)
	viper.SetDefault("evm.confirmation_blocks", 12)
	viper.SetDefault("evm.gas_limit", 300000)
	viper.SetDefault("evm.finality_timeout", "5m")
	viper.SetDefault("evm.confirmation_poll_interval", "15s")

	// Canton defaults
	viper.SetDefault("canton.token_decimals", 10)
	viper.SetDefault("canton.finality_timeout", "2m")
	viper.SetDefault("canton.confirmation_poll_interval", "5s")

	// Bridge defaults
	viper.SetDefault("bridge.max_retries", 3)
	viper.SetDefault("bridge.sweep_interval", "1m")
	viper.SetDefault("bridge.staleness_threshold", "10m")

	// Monitoring defaults
	viper.SetDefault("monitoring.enabled", true)
	viper.SetDefault("monitoring.metrics_port", 9090)

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.output_path", "stdout")
}

func validate(config *Config) error {
	if config.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if config.Evm.RPCURL == "" {
		return fmt.Errorf("evm.rpc_url is required")
	}
	if config.Evm.TokenContract == "" {
		return fmt.Errorf("evm.token_contract is required")
	}
	if config.Canton.APIURL == "" {
		return fmt.Errorf("canton.api_url is required")
	}
	if config.Canton.OperatorParty == "" {
		return fmt.Errorf("canton.operator_party is required")
	}
	return nil
}
