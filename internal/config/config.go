// Package config loads the relay's YAML configuration file: pool
// sizing, the upstream SOCKS5 server, and logging.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sfdex/tun2socks/internal/core"
	"github.com/sfdex/tun2socks/internal/socks5"
)

// SOCKS5Config holds the upstream proxy's address and credentials.
type SOCKS5Config struct {
	Server   string `yaml:"server"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
}

// Addr renders the host:port dial target.
func (s SOCKS5Config) Addr() string {
	return fmt.Sprintf("%s:%d", s.Server, s.Port)
}

// ToClientConfig builds the socks5.Config the relay pool dials
// through, using connectTimeout as the per-flow dial deadline.
func (s SOCKS5Config) ToClientConfig(connectTimeout time.Duration) socks5.Config {
	return socks5.Config{
		ServerAddr:     s.Addr(),
		Username:       s.Username,
		Password:       s.Password,
		ConnectTimeout: connectTimeout,
	}
}

// Config is the top-level relay configuration.
type Config struct {
	// PoolSize is the number of fixed worker slots. Defaults to 10.
	PoolSize int `yaml:"pool_size,omitempty"`
	// MTU defaults to 1500. It is not passed to tun2socks.Run; ingress
	// reads are always sized by tunio.MTU.
	MTU int `yaml:"mtu,omitempty"`
	// InitialSeq is the sequence number used when responding to a SYN
	// whose incoming ack is zero. Zero means generate one at random.
	InitialSeq uint32 `yaml:"initial_seq,omitempty"`
	// ConnectTimeout bounds upstream dial attempts. Defaults to 5s.
	ConnectTimeout time.Duration `yaml:"connect_timeout,omitempty"`

	SOCKS5 SOCKS5Config   `yaml:"socks5"`
	Log    core.LogConfig `yaml:"log,omitempty"`
}

const (
	defaultPoolSize       = 10
	defaultMTU            = 1500
	defaultConnectTimeout = 5 * time.Second
)

// applyDefaults fills zero-valued fields with their defaults.
func (c *Config) applyDefaults() {
	if c.PoolSize <= 0 {
		c.PoolSize = defaultPoolSize
	}
	if c.MTU <= 0 {
		c.MTU = defaultMTU
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
}

// Load reads and parses the configuration from path, applying defaults
// to unset fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if cfg.SOCKS5.Server == "" {
		return nil, fmt.Errorf("config: socks5.server is required")
	}
	if cfg.SOCKS5.Port <= 0 || cfg.SOCKS5.Port > 65535 {
		return nil, fmt.Errorf("config: invalid socks5.port %d", cfg.SOCKS5.Port)
	}

	cfg.applyDefaults()
	return &cfg, nil
}
