package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if err := validateURL("api.rest_url", c.API.RestURL, "http", "https"); err != nil {
		return err
	}
	if err := validateURL("channel.ws_url", c.Channel.WSURL, "ws", "wss"); err != nil {
		return err
	}

	if c.API.Timeout <= 0 {
		return errors.New("api.timeout must be > 0")
	}
	if c.API.MaxRetries < 0 {
		return errors.New("api.max_retries must be >= 0")
	}

	if c.Channel.ConnectTimeout <= 0 {
		return errors.New("channel.connect_timeout must be > 0")
	}
	if c.Channel.ReconnectAttempts < 1 {
		return errors.New("channel.reconnect_attempts must be >= 1")
	}
	if c.Channel.ReconnectDelay < 0 {
		return errors.New("channel.reconnect_delay must be >= 0")
	}
	if c.Channel.PingTimeout < c.Channel.PingInterval {
		return fmt.Errorf("channel.ping_timeout (%s) must be >= ping_interval (%s)",
			c.Channel.PingTimeout, c.Channel.PingInterval)
	}

	if c.Sync.ResyncInterval <= 0 {
		return errors.New("sync.resync_interval must be > 0")
	}
	if c.Countdown.TickInterval <= 0 {
		return errors.New("countdown.tick_interval must be > 0")
	}

	if c.Bidding.Increment < 1 {
		return errors.New("bidding.increment must be >= 1")
	}
	if c.Bidding.Cooldown < 0 {
		return errors.New("bidding.cooldown must be >= 0")
	}

	if c.Notifications.Buffer < 1 {
		return errors.New("notifications.buffer must be >= 1")
	}

	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}

	return nil
}

// ParseLevel maps a config log level to slog.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("log.level %q is not one of debug, info, warn, error", level)
}

func validateURL(field, raw string, schemes ...string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", field)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("%s scheme must be one of %s, got %q", field, strings.Join(schemes, ", "), u.Scheme)
}
