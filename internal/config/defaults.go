package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultClientName           = "bidder"
	DefaultRestURL              = "http://localhost:5000"
	DefaultWSURL                = "ws://localhost:5000/ws"
	DefaultAPITimeout           = 10 * time.Second
	DefaultMaxRetries           = 0
	DefaultConnectTimeout       = 20 * time.Second
	DefaultReconnectAttempts    = 10
	DefaultReconnectDelay       = 1 * time.Second
	DefaultAutoReconnect        = true
	DefaultPingInterval         = 30 * time.Second
	DefaultPingTimeout          = 60 * time.Second
	DefaultWriteTimeout         = 5 * time.Second
	DefaultResyncInterval       = 30 * time.Second
	DefaultTickInterval         = 100 * time.Millisecond
	DefaultBidIncrement         = 10
	DefaultBidCooldown          = 1 * time.Second
	DefaultNotificationLifetime = 3 * time.Second
	DefaultNotificationBuffer   = 64
	DefaultLogLevel             = "info"
)

// ApplyDefaults fills zero-valued fields with defaults.
func (c *Config) ApplyDefaults() {
	if c.Client.Name == "" {
		c.Client.Name = DefaultClientName
	}

	// API defaults
	if c.API.RestURL == "" {
		c.API.RestURL = DefaultRestURL
	}
	if c.API.Timeout == 0 {
		c.API.Timeout = DefaultAPITimeout
	}

	// Channel defaults
	if c.Channel.WSURL == "" {
		c.Channel.WSURL = DefaultWSURL
	}
	if c.Channel.ConnectTimeout == 0 {
		c.Channel.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Channel.ReconnectAttempts == 0 {
		c.Channel.ReconnectAttempts = DefaultReconnectAttempts
	}
	if c.Channel.ReconnectDelay == 0 {
		c.Channel.ReconnectDelay = DefaultReconnectDelay
	}
	if c.Channel.PingInterval == 0 {
		c.Channel.PingInterval = DefaultPingInterval
	}
	if c.Channel.PingTimeout == 0 {
		c.Channel.PingTimeout = DefaultPingTimeout
	}
	if c.Channel.WriteTimeout == 0 {
		c.Channel.WriteTimeout = DefaultWriteTimeout
	}

	if c.Sync.ResyncInterval == 0 {
		c.Sync.ResyncInterval = DefaultResyncInterval
	}
	if c.Countdown.TickInterval == 0 {
		c.Countdown.TickInterval = DefaultTickInterval
	}

	// Bidding defaults
	if c.Bidding.Increment == 0 {
		c.Bidding.Increment = DefaultBidIncrement
	}
	if c.Bidding.Cooldown == 0 {
		c.Bidding.Cooldown = DefaultBidCooldown
	}

	// Notification defaults
	if c.Notifications.Lifetime == 0 {
		c.Notifications.Lifetime = DefaultNotificationLifetime
	}
	if c.Notifications.Buffer == 0 {
		c.Notifications.Buffer = DefaultNotificationBuffer
	}

	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
}
