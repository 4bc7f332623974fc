// Package config loads node and client configuration from a JSON file with
// environment variable overrides.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fruitsalade/chunkshare/internal/client"
	"github.com/fruitsalade/chunkshare/internal/errkind"
	"github.com/fruitsalade/chunkshare/internal/logging"
)

// DefaultPath is used when no -config flag is given.
const DefaultPath = "config.json"

// MinKeyLength mirrors the cipher's passphrase minimum.
const MinKeyLength = 8

// Config is the whole configuration file.
type Config struct {
	Node    NodeConfig    `json:"node"`
	Client  ClientConfig  `json:"client"`
	Proxy   ProxyConfig   `json:"proxy"`
	Logging LoggingConfig `json:"logging"`
}

// NodeConfig configures the serving side.
type NodeConfig struct {
	Host           string `json:"host"`
	Port           int    `json:"port"`
	ShareDir       string `json:"share_dir"`
	Key            string `json:"key,omitempty"`
	MaxConnections int    `json:"max_connections"`
	IdleTimeout    int    `json:"idle_timeout"`   // seconds
	WatchInterval  int    `json:"watch_interval"` // seconds
	ForcePolling   bool   `json:"force_polling"`
	MetricsAddr    string `json:"metrics_addr,omitempty"`
}

// ClientConfig configures the downloading side.
type ClientConfig struct {
	DefaultHost string `json:"default_host"`
	DefaultPort int    `json:"default_port"`
	DownloadDir string `json:"download_dir"`
	Key         string `json:"key,omitempty"`
	KeyHash     string `json:"key_hash,omitempty"`
	Timeout     int    `json:"timeout"` // seconds
	StateFile   string `json:"state_file"`
	VerifyHash  bool   `json:"verify_hash"`
}

// ProxyConfig is the optional client proxy.
type ProxyConfig struct {
	Enabled  bool   `json:"enabled"`
	Type     string `json:"type"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// LoggingConfig selects log level, encoding and destination.
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	File   string `json:"file,omitempty"`
}

// Default returns the built-in configuration. Keys have no default.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			Host:           "localhost",
			Port:           8080,
			ShareDir:       "./shared",
			MaxConnections: 10,
			IdleTimeout:    300,
			WatchInterval:  5,
		},
		Client: ClientConfig{
			DefaultHost: "localhost",
			DefaultPort: 8080,
			DownloadDir: "./downloads",
			Timeout:     30,
			StateFile:   "download_state.json",
		},
		Proxy: ProxyConfig{
			Type: client.ProxySOCKS5,
			Host: "127.0.0.1",
			Port: 9050,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads path over the defaults and applies environment overrides. A
// missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, errkind.E(errkind.Config, "read config", err)
	default:
		// Unmarshalling over the defaults keeps any field the file omits.
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, errkind.E(errkind.Config, "parse "+path, err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

// WriteFile saves cfg atomically with owner-only permissions.
func WriteFile(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return errkind.E(errkind.Config, "encode config", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".config-*.tmp")
	if err != nil {
		return errkind.E(errkind.Config, "write config", err)
	}
	tmpName := tmp.Name()
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errkind.E(errkind.Config, "write config", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errkind.E(errkind.Config, "write config", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errkind.E(errkind.Config, "write config", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return errkind.E(errkind.Config, "write config", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Node.Host = envOr("CHUNKSHARE_NODE_HOST", c.Node.Host)
	c.Node.Port = envInt("CHUNKSHARE_NODE_PORT", c.Node.Port)
	c.Node.ShareDir = envOr("CHUNKSHARE_SHARE_DIR", c.Node.ShareDir)
	c.Node.MaxConnections = envInt("CHUNKSHARE_MAX_CONNECTIONS", c.Node.MaxConnections)
	c.Node.ForcePolling = envBool("CHUNKSHARE_FORCE_POLLING", c.Node.ForcePolling)
	c.Node.MetricsAddr = envOr("CHUNKSHARE_METRICS_ADDR", c.Node.MetricsAddr)

	c.Client.DefaultHost = envOr("CHUNKSHARE_CLIENT_HOST", c.Client.DefaultHost)
	c.Client.DefaultPort = envInt("CHUNKSHARE_CLIENT_PORT", c.Client.DefaultPort)
	c.Client.DownloadDir = envOr("CHUNKSHARE_DOWNLOAD_DIR", c.Client.DownloadDir)
	c.Client.Timeout = envInt("CHUNKSHARE_TIMEOUT", c.Client.Timeout)
	c.Client.StateFile = envOr("CHUNKSHARE_STATE_FILE", c.Client.StateFile)

	// One variable sets the shared key for both roles.
	if key := os.Getenv("CHUNKSHARE_KEY"); key != "" {
		c.Node.Key = key
		c.Client.Key = key
	}

	c.Proxy.Enabled = envBool("CHUNKSHARE_PROXY_ENABLED", c.Proxy.Enabled)
	c.Proxy.Type = envOr("CHUNKSHARE_PROXY_TYPE", c.Proxy.Type)
	c.Proxy.Host = envOr("CHUNKSHARE_PROXY_HOST", c.Proxy.Host)
	c.Proxy.Port = envInt("CHUNKSHARE_PROXY_PORT", c.Proxy.Port)

	c.Logging.Level = envOr("CHUNKSHARE_LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = envOr("CHUNKSHARE_LOG_FORMAT", c.Logging.Format)
	c.Logging.File = envOr("CHUNKSHARE_LOG_FILE", c.Logging.File)
}

// ValidateNode checks the settings the node needs.
func (c *Config) ValidateNode() error {
	n := c.Node
	switch {
	case len(n.Key) < MinKeyLength:
		return errkind.Errorf(errkind.Config, "validate node", "node.key must be at least %d characters", MinKeyLength)
	case !validPort(n.Port):
		return errkind.Errorf(errkind.Config, "validate node", "node.port %d out of range", n.Port)
	case strings.TrimSpace(n.ShareDir) == "":
		return errkind.Errorf(errkind.Config, "validate node", "node.share_dir is required")
	case n.MaxConnections <= 0:
		return errkind.Errorf(errkind.Config, "validate node", "node.max_connections must be positive")
	case n.IdleTimeout < 0:
		return errkind.Errorf(errkind.Config, "validate node", "node.idle_timeout must not be negative")
	case n.WatchInterval <= 0:
		return errkind.Errorf(errkind.Config, "validate node", "node.watch_interval must be positive")
	}
	return nil
}

// ValidateClient checks the settings the client needs.
func (c *Config) ValidateClient() error {
	cl := c.Client
	switch {
	case len(cl.Key) < MinKeyLength:
		return errkind.Errorf(errkind.Config, "validate client", "client.key must be at least %d characters", MinKeyLength)
	case strings.TrimSpace(cl.DownloadDir) == "":
		return errkind.Errorf(errkind.Config, "validate client", "client.download_dir is required")
	case cl.Timeout <= 0:
		return errkind.Errorf(errkind.Config, "validate client", "client.timeout must be positive")
	case cl.StateFile == "":
		return errkind.Errorf(errkind.Config, "validate client", "client.state_file is required")
	}
	if c.Proxy.Enabled {
		if _, err := c.ProxySettings(); err != nil {
			return err
		}
	}
	return nil
}

// NodeAddr is the address the node listens on.
func (c *Config) NodeAddr() string {
	return net.JoinHostPort(c.Node.Host, strconv.Itoa(c.Node.Port))
}

// ClientAddr is the node address the client dials by default.
func (c *Config) ClientAddr() string {
	return net.JoinHostPort(c.Client.DefaultHost, strconv.Itoa(c.Client.DefaultPort))
}

// IdleTimeout returns node.idle_timeout as a duration.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.Node.IdleTimeout) * time.Second
}

// WatchInterval returns node.watch_interval as a duration.
func (c *Config) WatchInterval() time.Duration {
	return time.Duration(c.Node.WatchInterval) * time.Second
}

// Timeout returns client.timeout as a duration.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.Client.Timeout) * time.Second
}

// ProxySettings returns the client proxy, or nil when disabled.
func (c *Config) ProxySettings() (*client.ProxyConfig, error) {
	p := c.Proxy
	if !p.Enabled {
		return nil, nil
	}
	typ := strings.ToLower(p.Type)
	switch typ {
	case client.ProxySOCKS5, client.ProxyHTTP:
	case client.ProxySOCKS4:
		return nil, errkind.Errorf(errkind.Config, "proxy", "socks4 proxies are not supported, use socks5 or http")
	default:
		return nil, errkind.Errorf(errkind.Config, "proxy", "unknown proxy type %q", p.Type)
	}
	if p.Host == "" || !validPort(p.Port) {
		return nil, errkind.Errorf(errkind.Config, "proxy", "invalid proxy address %s:%d", p.Host, p.Port)
	}
	return &client.ProxyConfig{
		Type:     typ,
		Host:     p.Host,
		Port:     p.Port,
		Username: p.Username,
		Password: p.Password,
	}, nil
}

// LoggingSettings converts the logging section for logging.Init.
func (c *Config) LoggingSettings() logging.Config {
	return logging.Config{
		Level:      strings.ToLower(c.Logging.Level),
		Format:     c.Logging.Format,
		OutputPath: c.Logging.File,
	}
}

func validPort(p int) bool {
	return p > 0 && p <= 65535
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

// String renders the config with secrets masked.
func (c *Config) String() string {
	masked := *c
	masked.Node.Key = mask(c.Node.Key)
	masked.Client.Key = mask(c.Client.Key)
	masked.Proxy.Password = mask(c.Proxy.Password)
	data, _ := json.Marshal(masked)
	return string(data)
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return fmt.Sprintf("***(%d)", len(s))
}
