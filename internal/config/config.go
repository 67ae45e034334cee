package config

import "time"

// Config is the root configuration for a bidding client.
type Config struct {
	Client        ClientConfig        `yaml:"client"`
	API           APIConfig           `yaml:"api"`
	Channel       ChannelConfig       `yaml:"channel"`
	Sync          SyncConfig          `yaml:"sync"`
	Countdown     CountdownConfig     `yaml:"countdown"`
	Bidding       BiddingConfig       `yaml:"bidding"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Log           LogConfig           `yaml:"log"`
}

// ClientConfig identifies this client in logs.
type ClientConfig struct {
	Name string `yaml:"name"`
}

// APIConfig holds the snapshot/query REST settings.
type APIConfig struct {
	RestURL    string        `yaml:"rest_url"` // Base URL, "/api" is appended per request
	Token      string        `yaml:"token"`    // Optional bearer token
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"` // 0 = fail fast, as the core expects
}

// ChannelConfig holds the persistent WebSocket channel settings.
type ChannelConfig struct {
	WSURL             string        `yaml:"ws_url"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	ReconnectAttempts int           `yaml:"reconnect_attempts"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	AutoReconnect     *bool         `yaml:"auto_reconnect"` // nil = default (on)
	PingInterval      time.Duration `yaml:"ping_interval"`
	PingTimeout       time.Duration `yaml:"ping_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
}

// SyncConfig holds clock synchronization settings.
type SyncConfig struct {
	ResyncInterval time.Duration `yaml:"resync_interval"`
}

// CountdownConfig holds countdown refresh settings.
type CountdownConfig struct {
	TickInterval time.Duration `yaml:"tick_interval"`
}

// BiddingConfig holds bid submission policy.
type BiddingConfig struct {
	Increment int64         `yaml:"increment"`
	Cooldown  time.Duration `yaml:"cooldown"`
}

// NotificationsConfig holds notification display settings.
type NotificationsConfig struct {
	Lifetime time.Duration `yaml:"lifetime"`
	Buffer   int           `yaml:"buffer"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// AutoReconnectEnabled resolves the tri-state auto_reconnect flag.
func (c ChannelConfig) AutoReconnectEnabled() bool {
	if c.AutoReconnect == nil {
		return DefaultAutoReconnect
	}
	return *c.AutoReconnect
}
