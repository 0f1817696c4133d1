package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	IPAM     IPAMConfig     `mapstructure:"ipam"`
	NVP      NVPConfig      `mapstructure:"nvp"`
}

type ServerConfig struct {
	Address  string `mapstructure:"address"`
	HTTPPort string `mapstructure:"http_port"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // mysql | postgres | sqlite
	DSN    string `mapstructure:"dsn"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // text | json
	File   string `mapstructure:"file"`
}

type IPAMConfig struct {
	// ReuseAfter is the quarantine applied to released addresses.
	ReuseAfter time.Duration `mapstructure:"reuse_after"`
}

// NVPConfig carries controller connection strings and driver limits.
type NVPConfig struct {
	Driver               string        `mapstructure:"driver"` // direct | optimized
	DefaultTZ            string        `mapstructure:"default_tz"`
	ControllerConnection []string      `mapstructure:"controller_connection"`
	MaxPortsPerSwitch    int           `mapstructure:"max_ports_per_switch"`
	MaxRulesPerGroup     int           `mapstructure:"max_rules_per_group"`
	MaxRulesPerPort      int           `mapstructure:"max_rules_per_port"`
	RetryDelay           time.Duration `mapstructure:"retry_delay"`
	Memory               bool          `mapstructure:"memory"`
	// DefaultSecurityGroup creates each tenant's "default" group with its
	// first network.
	DefaultSecurityGroup bool `mapstructure:"default_security_group"`
}

// Connection is one parsed controller_connection entry.
type Connection struct {
	Host        string
	Port        string
	Username    string
	Password    string
	ReqTimeout  time.Duration
	HTTPTimeout time.Duration
	Retries     int
	Redirects   int
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", "0.0.0.0")
	v.SetDefault("server.http_port", "9696")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "quark.db")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("ipam.reuse_after", 2*time.Hour)
	v.SetDefault("nvp.driver", "optimized")
	v.SetDefault("nvp.max_ports_per_switch", 0)
	v.SetDefault("nvp.max_rules_per_group", 30)
	v.SetDefault("nvp.max_rules_per_port", 30)
	v.SetDefault("nvp.retry_delay", 200*time.Millisecond)
	v.SetDefault("nvp.default_security_group", true)
}

// Load reads the config file at path (optional) and QUARK_* environment
// variables. An empty path only looks for ./quark.{yaml,toml,json}.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("QUARK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("quark")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.NVP.Driver {
	case "direct", "optimized":
	default:
		return fmt.Errorf("nvp.driver must be direct or optimized, got %q", c.NVP.Driver)
	}
	if len(c.NVP.ControllerConnection) == 0 && !c.NVP.Memory {
		return errors.New("nvp.controller_connection is required unless nvp.memory is set")
	}
	for _, s := range c.NVP.ControllerConnection {
		if _, err := ParseConnection(s); err != nil {
			return err
		}
	}
	if c.IPAM.ReuseAfter < 0 {
		return errors.New("ipam.reuse_after must not be negative")
	}
	return nil
}

// Connections parses every controller_connection entry.
func (c *Config) Connections() ([]Connection, error) {
	out := make([]Connection, 0, len(c.NVP.ControllerConnection))
	for _, s := range c.NVP.ControllerConnection {
		conn, err := ParseConnection(s)
		if err != nil {
			return nil, err
		}
		out = append(out, conn)
	}
	return out, nil
}

// ParseConnection parses
// "host:port:user:password:req_timeout:http_timeout:retries:redirects".
// Timeouts are seconds.
func ParseConnection(s string) (Connection, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 8 {
		return Connection{}, fmt.Errorf("controller_connection %q: want 8 fields, got %d", s, len(parts))
	}
	nums := make([]int, 4)
	for i, p := range parts[4:] {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return Connection{}, fmt.Errorf("controller_connection %q: field %d is not a non-negative integer", s, i+5)
		}
		nums[i] = n
	}
	return Connection{
		Host:        parts[0],
		Port:        parts[1],
		Username:    parts[2],
		Password:    parts[3],
		ReqTimeout:  time.Duration(nums[0]) * time.Second,
		HTTPTimeout: time.Duration(nums[1]) * time.Second,
		Retries:     nums[2],
		Redirects:   nums[3],
	}, nil
}
