package session

import (
	"time"

	"github.com/rickgao/auction-sync/internal/bidding"
	"github.com/rickgao/auction-sync/internal/config"
	"github.com/rickgao/auction-sync/internal/connection"
	"github.com/rickgao/auction-sync/internal/countdown"
	"github.com/rickgao/auction-sync/internal/notify"
	"github.com/rickgao/auction-sync/internal/timesync"
)

// Config holds the settings of every component in a session.
type Config struct {
	RestURL    string
	Token      string
	APITimeout time.Duration
	APIRetries int

	Channel      connection.ManagerConfig
	Sync         timesync.Config
	Bidding      bidding.Config
	TickInterval time.Duration

	NotificationLifetime time.Duration
	NotificationBuffer   int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		RestURL:              config.DefaultRestURL,
		APITimeout:           config.DefaultAPITimeout,
		APIRetries:           config.DefaultMaxRetries,
		Channel:              defaultChannel(),
		Sync:                 timesync.DefaultConfig(),
		Bidding:              bidding.DefaultConfig(),
		TickInterval:         countdown.DefaultTickInterval,
		NotificationLifetime: notify.DefaultLifetime,
		NotificationBuffer:   config.DefaultNotificationBuffer,
	}
}

// ConfigFrom maps a loaded configuration file onto session settings.
func ConfigFrom(c *config.Config) Config {
	channel := connection.DefaultManagerConfig()
	channel.Client.URL = c.Channel.WSURL
	channel.Client.Token = c.API.Token
	channel.Client.HandshakeTimeout = c.Channel.ConnectTimeout
	channel.Client.PingInterval = c.Channel.PingInterval
	channel.Client.PingTimeout = c.Channel.PingTimeout
	channel.Client.WriteTimeout = c.Channel.WriteTimeout
	channel.ConnectTimeout = c.Channel.ConnectTimeout
	channel.ReconnectAttempts = c.Channel.ReconnectAttempts
	channel.ReconnectDelay = c.Channel.ReconnectDelay
	channel.AutoReconnect = c.Channel.AutoReconnectEnabled()

	return Config{
		RestURL:    c.API.RestURL,
		Token:      c.API.Token,
		APITimeout: c.API.Timeout,
		APIRetries: c.API.MaxRetries,
		Channel:    channel,
		Sync: timesync.Config{
			ResyncInterval: c.Sync.ResyncInterval,
		},
		Bidding: bidding.Config{
			Increment: c.Bidding.Increment,
			Cooldown:  c.Bidding.Cooldown,
		},
		TickInterval:         c.Countdown.TickInterval,
		NotificationLifetime: c.Notifications.Lifetime,
		NotificationBuffer:   c.Notifications.Buffer,
	}
}

func defaultChannel() connection.ManagerConfig {
	cfg := connection.DefaultManagerConfig()
	cfg.Client.URL = config.DefaultWSURL
	return cfg
}
