package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Validate checks cross-field constraints that the strict decoder cannot.
// It is used as the Watch() validator hook so a bad edit never reaches
// running services.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required")
	}
	if s := strings.TrimSpace(cfg.Telegram.GroupLog); s != "" {
		if _, err := strconv.ParseInt(s, 10, 64); err != nil {
			return fmt.Errorf("telegram.group_log: not a chat id: %q", s)
		}
	}
	if _, err := ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		return err
	}

	switch strings.TrimSpace(cfg.Storage.Driver) {
	case "", "sqlite", "memory":
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver)
	}
	if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
		return err
	}

	for _, f := range []struct{ val, name string }{
		{cfg.Loop.DefaultDelay, "loop.default_delay"},
		{cfg.Loop.MinDelay, "loop.min_delay"},
		{cfg.Loop.SendTimeout, "loop.send_timeout"},
	} {
		d, err := ParseDurationField(f.name, f.val)
		if err != nil {
			return err
		}
		if strings.TrimSpace(f.val) != "" && d <= 0 {
			return fmt.Errorf("%s: must be positive", f.name)
		}
	}
	if cfg.Loop.RetryMax < 0 {
		return fmt.Errorf("loop.retry_max: must be >= 0")
	}

	if cfg.Housekeeping != nil {
		if _, err := ParseDurationField("housekeeping.prune_after", cfg.Housekeeping.PruneAfter); err != nil {
			return err
		}
	}
	return nil
}

// LoopDurations resolves the loop section with defaults applied. Invalid
// values fall back to defaults; Validate() is where errors are surfaced.
func (c *Config) LoopDurations() (defaultDelay, minDelay, sendTimeout time.Duration, retryMax int) {
	pick := func(path, raw string, def time.Duration) time.Duration {
		d, err := ParseDurationOrDefault(path, raw, def)
		if err != nil {
			return def
		}
		return d
	}
	defaultDelay = pick("loop.default_delay", c.Loop.DefaultDelay, time.Hour)
	minDelay = pick("loop.min_delay", c.Loop.MinDelay, 10*time.Second)
	sendTimeout = pick("loop.send_timeout", c.Loop.SendTimeout, 40*time.Second)
	retryMax = c.Loop.RetryMax
	if retryMax == 0 {
		retryMax = 3
	}
	return defaultDelay, minDelay, sendTimeout, retryMax
}
