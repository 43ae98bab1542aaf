package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/denwilliams/go-stomp-console/pkg/reconnect"
	"github.com/denwilliams/go-stomp-console/pkg/stomp"
)

type Config struct {
	STOMP    STOMPConfig    `yaml:"stomp"`
	Console  ConsoleConfig  `yaml:"console"`
	Database DatabaseConfig `yaml:"database"`
	Web      WebConfig      `yaml:"web"`
	Logging  LoggingConfig  `yaml:"logging"`
	Mirror   MirrorConfig   `yaml:"mirror"`
}

type STOMPConfig struct {
	BrokerURL           string            `yaml:"broker_url"`
	Login               string            `yaml:"login"`
	Passcode            string            `yaml:"passcode"`
	Host                string            `yaml:"host"`
	HeartbeatOutgoingMS int               `yaml:"heartbeat_outgoing_ms"`
	HeartbeatIncomingMS int               `yaml:"heartbeat_incoming_ms"`
	ConnectTimeoutMS    int               `yaml:"connect_timeout_ms"`
	MaxFrameSize        int               `yaml:"max_frame_size"`
	Headers             map[string]string `yaml:"headers"`
	SockJSTransports    []string          `yaml:"sockjs_transports"`
	Reconnect           ReconnectConfig   `yaml:"reconnect"`
	// Subscriptions are subscribed every time the session connects.
	Subscriptions []string `yaml:"subscriptions"`
	AutoConnect   bool     `yaml:"auto_connect"`
}

type ReconnectConfig struct {
	Policy     string  `yaml:"policy"`
	DelayMS    int     `yaml:"delay_ms"`
	MinMS      int     `yaml:"min_ms"`
	MaxMS      int     `yaml:"max_ms"`
	Multiplier float64 `yaml:"multiplier"`
}

type ConsoleConfig struct {
	SubscribeDestination string `yaml:"subscribe_destination"`
	PublishDestination   string `yaml:"publish_destination"`
	InboxSize            int    `yaml:"inbox_size"`
	ScriptTimeoutMS      int    `yaml:"script_timeout_ms"`
	// Scripts maps a destination to a script applied to its messages.
	Scripts map[string]string `yaml:"scripts"`
}

type DatabaseConfig struct {
	Type       string `yaml:"type"`
	Connection string `yaml:"connection"`
}

type WebConfig struct {
	Port      int    `yaml:"port"`
	Bind      string `yaml:"bind"`
	StaticDir string `yaml:"static_dir"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	File   string `yaml:"file"`
	Format string `yaml:"format"`
}

type MirrorConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
	Retained    bool   `yaml:"retained"`
	// Include limits mirroring to destinations matching these MQTT-style
	// patterns. Empty mirrors everything.
	Include []string `yaml:"include"`
}

func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config/config.yaml"
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, errors.Errorf("config file not found: %s", configPath)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}

	return Parse(data)
}

// Parse reads YAML config, applies defaults and validates it.
func Parse(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, errors.Wrap(err, "failed to parse config file")
	}

	config.setDefaults()

	if err := config.validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}

	return &config, nil
}

// Default returns a config with every default applied.
func Default() *Config {
	config := &Config{}
	config.setDefaults()
	return config
}

func (c *Config) setDefaults() {
	// STOMP defaults
	if c.STOMP.BrokerURL == "" {
		c.STOMP.BrokerURL = stomp.DefaultBrokerURL
	}
	if c.STOMP.ConnectTimeoutMS == 0 {
		c.STOMP.ConnectTimeoutMS = int(stomp.DefaultConnectTimeout / time.Millisecond)
	}
	if c.STOMP.MaxFrameSize == 0 {
		c.STOMP.MaxFrameSize = stomp.DefaultMaxFrameSize
	}
	if c.STOMP.Reconnect.Policy == "" {
		c.STOMP.Reconnect.Policy = string(reconnect.ModeNone)
	}
	if c.STOMP.Reconnect.DelayMS == 0 {
		c.STOMP.Reconnect.DelayMS = 5000
	}
	if c.STOMP.Reconnect.MinMS == 0 {
		c.STOMP.Reconnect.MinMS = 1000
	}
	if c.STOMP.Reconnect.MaxMS == 0 {
		c.STOMP.Reconnect.MaxMS = 300000
	}
	if c.STOMP.Reconnect.Multiplier == 0 {
		c.STOMP.Reconnect.Multiplier = 2
	}

	// Console defaults
	if c.Console.SubscribeDestination == "" {
		c.Console.SubscribeDestination = "/v1/topic/miniticker/BTCUSDT"
	}
	if c.Console.PublishDestination == "" {
		c.Console.PublishDestination = "/v1/subscribe/"
	}
	if c.Console.InboxSize == 0 {
		c.Console.InboxSize = 500
	}
	if c.Console.ScriptTimeoutMS == 0 {
		c.Console.ScriptTimeoutMS = 1000
	}

	// Database defaults
	if c.Database.Type == "" {
		c.Database.Type = "sqlite"
	}
	if c.Database.Connection == "" && c.Database.Type == "sqlite" {
		if isTestMode() {
			c.Database.Connection = "./test.db"
		} else {
			c.Database.Connection = "./console.db"
		}
	}

	// Web defaults
	if c.Web.Port == 0 {
		c.Web.Port = 8081
	}
	if c.Web.Bind == "" {
		c.Web.Bind = "0.0.0.0"
	}
	if c.Web.StaticDir == "" {
		c.Web.StaticDir = "static"
	}

	// Logging defaults
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	// Mirror defaults
	if c.Mirror.Broker == "" {
		c.Mirror.Broker = "tcp://localhost:1883"
	}
	if c.Mirror.ClientID == "" {
		c.Mirror.ClientID = "stomp-console"
	}
	if c.Mirror.TopicPrefix == "" {
		c.Mirror.TopicPrefix = "stomp/"
	}
}

func (c *Config) validate() error {
	u, err := url.Parse(c.STOMP.BrokerURL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("invalid STOMP broker URL: %s", c.STOMP.BrokerURL)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https", "tcp", "stomp":
	default:
		return fmt.Errorf("unsupported STOMP broker scheme: %s", u.Scheme)
	}

	if c.STOMP.HeartbeatOutgoingMS < 0 || c.STOMP.HeartbeatIncomingMS < 0 {
		return fmt.Errorf("heartbeat intervals must not be negative")
	}
	if c.STOMP.ConnectTimeoutMS < 0 {
		return fmt.Errorf("invalid connect timeout: %d", c.STOMP.ConnectTimeoutMS)
	}

	switch reconnect.Mode(c.STOMP.Reconnect.Policy) {
	case reconnect.ModeNone, reconnect.ModeFixed, reconnect.ModeBackoff:
	default:
		return fmt.Errorf("unsupported reconnect policy: %s", c.STOMP.Reconnect.Policy)
	}
	if c.STOMP.Reconnect.MinMS > c.STOMP.Reconnect.MaxMS {
		return fmt.Errorf("reconnect min_ms must not exceed max_ms")
	}

	if c.Console.InboxSize < 1 {
		return fmt.Errorf("invalid inbox size: %d", c.Console.InboxSize)
	}

	if c.Database.Type != "sqlite" && c.Database.Type != "postgres" && c.Database.Type != "none" {
		return fmt.Errorf("unsupported database type: %s", c.Database.Type)
	}
	if c.Database.Type == "postgres" && c.Database.Connection == "" {
		return fmt.Errorf("postgres connection string is required")
	}

	if c.Web.Port < 1 || c.Web.Port > 65535 {
		return fmt.Errorf("invalid web port: %d", c.Web.Port)
	}

	validLevels := map[string]bool{
		"trace": true,
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s", c.Logging.Level)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid logging format: %s", c.Logging.Format)
	}

	if c.Mirror.Enabled && c.Mirror.QoS > 2 {
		return fmt.Errorf("invalid mirror qos: %d", c.Mirror.QoS)
	}

	return nil
}

func (c *Config) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.Web.Bind, c.Web.Port)
}

// ClientConfig converts the stomp section for stomp.NewClient.
func (c *Config) ClientConfig() stomp.Config {
	cfg := stomp.Config{
		BrokerURL:         c.STOMP.BrokerURL,
		Login:             c.STOMP.Login,
		Passcode:          c.STOMP.Passcode,
		Host:              c.STOMP.Host,
		HeartbeatOutgoing: time.Duration(c.STOMP.HeartbeatOutgoingMS) * time.Millisecond,
		HeartbeatIncoming: time.Duration(c.STOMP.HeartbeatIncomingMS) * time.Millisecond,
		ConnectTimeout:    time.Duration(c.STOMP.ConnectTimeoutMS) * time.Millisecond,
		Headers:           c.STOMP.Headers,
		MaxFrameSize:      c.STOMP.MaxFrameSize,
	}
	cfg.Transport.SockJSTransports = c.STOMP.SockJSTransports
	return cfg
}

// ReconnectPolicy converts the reconnect section.
func (c *Config) ReconnectPolicy() reconnect.Policy {
	r := c.STOMP.Reconnect
	return reconnect.Policy{
		Mode:       reconnect.Mode(r.Policy),
		Delay:      time.Duration(r.DelayMS) * time.Millisecond,
		Min:        time.Duration(r.MinMS) * time.Millisecond,
		Max:        time.Duration(r.MaxMS) * time.Millisecond,
		Multiplier: r.Multiplier,
	}
}

func (c *Config) ScriptTimeout() time.Duration {
	return time.Duration(c.Console.ScriptTimeoutMS) * time.Millisecond
}

// isTestMode detects if we're running in test mode
func isTestMode() bool {
	if os.Getenv("TEST") == "1" {
		return true
	}

	// Test binaries are named *.test
	if exe, err := os.Executable(); err == nil && strings.HasSuffix(exe, ".test") {
		return true
	}

	for _, arg := range os.Args {
		if strings.HasPrefix(arg, "-test.") {
			return true
		}
	}
	return false
}
