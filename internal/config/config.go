package config

import (
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	JWT        JWTConfig        `yaml:"jwt"`
	Encryption EncryptionConfig `yaml:"encryption"`
	Execution  ExecutionConfig  `yaml:"execution"`
	Trading    TradingConfig    `yaml:"trading"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	Mode string `yaml:"mode"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type JWTConfig struct {
	Secret      string `yaml:"secret"`
	ExpireHours int    `yaml:"expire_hours"`
}

type EncryptionConfig struct {
	AESKey string `yaml:"aes_key"`
}

// ExecutionConfig tunes the execution coordinator. Only Env == "prod" places
// real exchange orders; every other value turns live execution into a
// deterministic no-op.
type ExecutionConfig struct {
	Env                string `yaml:"env"`
	Exchange           string `yaml:"exchange"`
	LimitTimeoutSec    int    `yaml:"limit_timeout_sec"`
	LimitTimeoutFloor  int    `yaml:"limit_timeout_floor_sec"`
	MaxLeverage        int    `yaml:"max_leverage"`
	ProtectiveAttempts int    `yaml:"protective_attempts"`
}

type TradingConfig struct {
	CommissionRate     float64 `yaml:"commission_rate"`
	SlippageTolerance  float64 `yaml:"slippage_tolerance"`
	MaxOrdersPerSymbol int     `yaml:"max_orders_per_symbol"`
	MaxOrdersPerUser   int     `yaml:"max_orders_per_user"`
	MonitorIntervalSec int     `yaml:"monitor_interval_sec"`
	PositionTTLHours   int     `yaml:"position_ttl_hours"`
}

// Load loads configuration from file and environment variables
func Load(path string) (*Config, error) {
	cfg := &Config{}

	// Load from YAML file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	// Override with environment variables if present
	cfg.loadFromEnv()
	cfg.applyDefaults()

	return cfg, nil
}

func (c *Config) loadFromEnv() {
	// Server
	if v := os.Getenv("SERVER_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("SERVER_MODE"); v != "" {
		c.Server.Mode = v
	}

	// Database
	if v := os.Getenv("DB_HOST"); v != "" {
		c.Database.Host = v
	}
	if v := os.Getenv("DB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Database.Port = port
		}
	}
	if v := os.Getenv("DB_USER"); v != "" {
		c.Database.User = v
	}
	if v := os.Getenv("DB_PASSWORD"); v != "" {
		c.Database.Password = v
	}
	if v := os.Getenv("DB_NAME"); v != "" {
		c.Database.DBName = v
	}

	// Redis
	if v := os.Getenv("REDIS_HOST"); v != "" {
		c.Redis.Host = v
	}
	if v := os.Getenv("REDIS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Redis.Port = port
		}
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}

	// JWT
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.JWT.Secret = v
	}
	if v := os.Getenv("JWT_EXPIRE_HOURS"); v != "" {
		if hours, err := strconv.Atoi(v); err == nil {
			c.JWT.ExpireHours = hours
		}
	}

	// Encryption
	if v := os.Getenv("AES_KEY"); v != "" {
		c.Encryption.AESKey = v
	}

	// Execution
	if v := os.Getenv("ENGINE_ENV"); v != "" {
		c.Execution.Env = v
	}
	if v := os.Getenv("ENGINE_EXCHANGE"); v != "" {
		c.Execution.Exchange = v
	}
}

func (c *Config) applyDefaults() {
	if c.Execution.Exchange == "" {
		c.Execution.Exchange = "bitget"
	}
	if c.Execution.LimitTimeoutSec <= 0 {
		c.Execution.LimitTimeoutSec = 90
	}
	if c.Execution.LimitTimeoutFloor <= 0 {
		c.Execution.LimitTimeoutFloor = 45
	}
	if c.Execution.MaxLeverage <= 0 {
		c.Execution.MaxLeverage = 125
	}
	if c.Execution.ProtectiveAttempts <= 0 {
		c.Execution.ProtectiveAttempts = 3
	}
	if c.Trading.CommissionRate <= 0 {
		c.Trading.CommissionRate = 0.001
	}
	if c.Trading.SlippageTolerance <= 0 {
		c.Trading.SlippageTolerance = 0.001
	}
	if c.Trading.MaxOrdersPerSymbol <= 0 {
		c.Trading.MaxOrdersPerSymbol = 10
	}
	if c.Trading.MaxOrdersPerUser <= 0 {
		c.Trading.MaxOrdersPerUser = 50
	}
	if c.Trading.MonitorIntervalSec <= 0 {
		c.Trading.MonitorIntervalSec = 60
	}
	if c.Trading.PositionTTLHours <= 0 {
		c.Trading.PositionTTLHours = 24
	}
}

// IsLive reports whether this process may place real exchange orders.
func (c *Config) IsLive() bool {
	return c.Execution.Env == "prod"
}

// DSN returns the PostgreSQL connection string
func (c *DatabaseConfig) DSN() string {
	return "host=" + c.Host +
		" port=" + strconv.Itoa(c.Port) +
		" user=" + c.User +
		" password=" + c.Password +
		" dbname=" + c.DBName +
		" sslmode=" + c.SSLMode
}
