package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "CHAT"

type Config struct {
	// Host is the backend's HTTP base URL.
	Host string
	// WsPath is the push channel path on Host.
	WsPath string

	ReconnectAttempts int
	ReconnectDelay    time.Duration
	RequestTimeout    time.Duration

	LogLevel  string
	LogFormat string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("host", "http://localhost:3000")
	v.SetDefault("ws_path", "/ws")
	v.SetDefault("reconnect_attempts", 5)
	v.SetDefault("reconnect_delay", time.Second)
	v.SetDefault("request_timeout", 30*time.Second)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("config_file", "")
}

// Load reads envFile (when it exists) into the environment, then resolves
// CHAT_* variables and an optional CHAT_CONFIG_FILE over the defaults.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file := v.GetString("config_file"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", file, err)
		}
	}

	cfg := &Config{
		Host:              strings.TrimRight(v.GetString("host"), "/"),
		WsPath:            v.GetString("ws_path"),
		ReconnectAttempts: v.GetInt("reconnect_attempts"),
		ReconnectDelay:    v.GetDuration("reconnect_delay"),
		RequestTimeout:    v.GetDuration("request_timeout"),
		LogLevel:          v.GetString("log_level"),
		LogFormat:         v.GetString("log_format"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	u, err := url.Parse(c.Host)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("CHAT_HOST %q must be an http(s) URL", c.Host)
	}
	if !strings.HasPrefix(c.WsPath, "/") {
		return fmt.Errorf("CHAT_WS_PATH %q must start with /", c.WsPath)
	}
	if c.ReconnectAttempts < 0 {
		return fmt.Errorf("CHAT_RECONNECT_ATTEMPTS must not be negative, got %d", c.ReconnectAttempts)
	}
	if c.ReconnectDelay <= 0 {
		return fmt.Errorf("CHAT_RECONNECT_DELAY must be positive, got %s", c.ReconnectDelay)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("CHAT_REQUEST_TIMEOUT must be positive, got %s", c.RequestTimeout)
	}
	return nil
}
