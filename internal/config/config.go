// Package config resolves deskrelay settings from defaults, an optional
// config.toml in the data directory, DESKRELAY_* environment variables and
// command-line flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	EnvPrefix = "DESKRELAY"

	KeyHome                   = "home"
	KeyBridgeHost             = "bridge.host"
	KeyBridgePort             = "bridge.port"
	KeyPublicHost             = "public.host"
	KeyPublicPort             = "public.port"
	KeyGatewayURL             = "gateway.url"
	KeyGatewayCommand         = "gateway.command"
	KeyGatewayReadyTimeout    = "gateway.ready_timeout"
	KeyRelayHeartbeatInterval = "relay.heartbeat_interval"
	KeyRelayCommandTimeout    = "relay.command_timeout"
	KeyRelayFrameThreshold    = "relay.frame_threshold"
	KeyRelayMaxMessageBytes   = "relay.max_message_bytes"
	KeyRelayAgentName         = "relay.agent_name"
	KeyAuthDeviceJWTSecret    = "auth.device_jwt_secret"
	KeyAuthMinTokenLength     = "auth.min_token_length"
	KeyControlToken           = "control.token"
	KeyClientURL              = "client.url"
	KeyLogLevel               = "log.level"
	KeyLogFormat              = "log.format"

	configName  = "config"
	configType  = "toml"
	dataDirName = ".deskrelay"
)

type Listen struct {
	Host string
	Port int
}

func (l Listen) Addr() string {
	return net.JoinHostPort(l.Host, strconv.Itoa(l.Port))
}

type Gateway struct {
	URL          string
	Command      string
	ReadyTimeout time.Duration
}

type Relay struct {
	HeartbeatInterval time.Duration
	CommandTimeout    time.Duration
	FrameThreshold    int
	MaxMessageBytes   int64
	AgentName         string
}

type Auth struct {
	DeviceJWTSecret string
	MinTokenLength  int
}

type Log struct {
	Level  string
	Format string
}

type Config struct {
	DataDir      string
	SettingsFile string

	Bridge  Listen
	Public  Listen
	Gateway Gateway
	Relay   Relay
	Auth    Auth
	Log     Log

	ClientURL string

	ControlToken       string
	ControlTokenSource string
	ControlTokenIsNew  bool
	ControlTokenWeak   bool
}

// NewViper returns a viper instance with every default registered and the
// environment bound.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault(KeyBridgeHost, "127.0.0.1")
	v.SetDefault(KeyBridgePort, 8766)
	v.SetDefault(KeyPublicHost, "0.0.0.0")
	v.SetDefault(KeyPublicPort, 8080)
	v.SetDefault(KeyGatewayURL, "http://127.0.0.1:3000")
	v.SetDefault(KeyGatewayCommand, "")
	v.SetDefault(KeyGatewayReadyTimeout, 30*time.Second)
	v.SetDefault(KeyRelayHeartbeatInterval, 30*time.Second)
	v.SetDefault(KeyRelayCommandTimeout, 30*time.Second)
	v.SetDefault(KeyRelayFrameThreshold, 1000)
	v.SetDefault(KeyRelayMaxMessageBytes, 16<<20)
	v.SetDefault(KeyRelayAgentName, "Desktop Agent")
	v.SetDefault(KeyAuthDeviceJWTSecret, "")
	v.SetDefault(KeyAuthMinTokenLength, 10)
	v.SetDefault(KeyControlToken, "")
	v.SetDefault(KeyClientURL, "ws://127.0.0.1:8080")
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFormat, "console")
	return v
}

// Load resolves the full configuration. It creates the data directory and,
// when no control token is configured anywhere, generates one and persists
// it to settings.json.
func Load(v *viper.Viper) (*Config, error) {
	if v == nil {
		v = NewViper()
	}

	dataDir, err := resolveDataDir(v.GetString(KeyHome))
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	v.SetConfigName(configName)
	v.SetConfigType(configType)
	v.AddConfigPath(dataDir)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := &Config{
		DataDir:      dataDir,
		SettingsFile: filepath.Join(dataDir, "settings.json"),
		Bridge:       Listen{Host: v.GetString(KeyBridgeHost), Port: v.GetInt(KeyBridgePort)},
		Public:       Listen{Host: v.GetString(KeyPublicHost), Port: v.GetInt(KeyPublicPort)},
		Gateway: Gateway{
			URL:          v.GetString(KeyGatewayURL),
			Command:      v.GetString(KeyGatewayCommand),
			ReadyTimeout: v.GetDuration(KeyGatewayReadyTimeout),
		},
		Relay: Relay{
			HeartbeatInterval: v.GetDuration(KeyRelayHeartbeatInterval),
			CommandTimeout:    v.GetDuration(KeyRelayCommandTimeout),
			FrameThreshold:    v.GetInt(KeyRelayFrameThreshold),
			MaxMessageBytes:   v.GetInt64(KeyRelayMaxMessageBytes),
			AgentName:         v.GetString(KeyRelayAgentName),
		},
		Auth: Auth{
			DeviceJWTSecret: v.GetString(KeyAuthDeviceJWTSecret),
			MinTokenLength:  v.GetInt(KeyAuthMinTokenLength),
		},
		Log:       Log{Level: v.GetString(KeyLogLevel), Format: v.GetString(KeyLogFormat)},
		ClientURL: v.GetString(KeyClientURL),
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	token, err := LoadOrCreateControlToken(v.GetString(KeyControlToken), cfg.SettingsFile)
	if err != nil {
		return nil, err
	}
	cfg.ControlToken = token.Token
	cfg.ControlTokenSource = token.Source
	cfg.ControlTokenIsNew = token.IsNew
	cfg.ControlTokenWeak = token.Weak
	return cfg, nil
}

// BridgeURL is the base URL the public proxy uses to reach the bridge.
func (c *Config) BridgeURL() string {
	host := c.Bridge.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(c.Bridge.Port))
}

func (c *Config) validate() error {
	for key, port := range map[string]int{KeyBridgePort: c.Bridge.Port, KeyPublicPort: c.Public.Port} {
		if port <= 0 || port > 65535 {
			return fmt.Errorf("%s must be a valid port number", key)
		}
	}
	if c.Relay.HeartbeatInterval <= 0 {
		return fmt.Errorf("%s must be positive", KeyRelayHeartbeatInterval)
	}
	if c.Relay.CommandTimeout <= 0 {
		return fmt.Errorf("%s must be positive", KeyRelayCommandTimeout)
	}
	if c.Relay.FrameThreshold <= 0 {
		return fmt.Errorf("%s must be positive", KeyRelayFrameThreshold)
	}
	return nil
}

func resolveDataDir(custom string) (string, error) {
	if custom != "" {
		return custom, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	if home == "" {
		return "", errors.New("cannot resolve user home dir")
	}
	return filepath.Join(home, dataDirName), nil
}
