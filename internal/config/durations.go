package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration fields are plain strings ("90s", "5m") so yaml and json configs
// read identically. They are checked once at load time; the accessors below
// assume a validated config and substitute the component default when the
// field is empty.

const (
	defaultPollTimeout     = 10 * time.Second
	defaultRequestTimeout  = 30 * time.Second
	defaultTransferTimeout = 90 * time.Second
	defaultBusyTimeout     = 5 * time.Second
)

func checkDuration(path, raw string) error {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return fmt.Errorf("%s: duration must be >= 0", path)
	}
	return nil
}

func durationOr(raw string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func (t TelegramConfig) PollTimeoutDuration() time.Duration {
	return durationOr(t.PollTimeout, defaultPollTimeout)
}

func (l LedgerConfig) RequestTimeoutDuration() time.Duration {
	return durationOr(l.RequestTimeout, defaultRequestTimeout)
}

func (e *EngineConfig) TransferTimeoutDuration() time.Duration {
	if e == nil {
		return defaultTransferTimeout
	}
	return durationOr(e.TransferTimeout, defaultTransferTimeout)
}

func (s StorageConfig) BusyTimeoutDuration() time.Duration {
	return durationOr(s.BusyTimeout, defaultBusyTimeout)
}

// Notifier durations default to zero here; the notifier applies its own
// pipeline defaults, and a zero dedup window genuinely means "no dedup".

func (n *NotifierConfig) RetryBaseDuration() time.Duration {
	if n == nil {
		return 0
	}
	return durationOr(n.RetryBase, 0)
}

func (n *NotifierConfig) RetryMaxDelayDuration() time.Duration {
	if n == nil {
		return 0
	}
	return durationOr(n.RetryMaxDelay, 0)
}

func (n *NotifierConfig) DedupWindowDuration() time.Duration {
	if n == nil {
		return 0
	}
	return durationOr(n.DedupWindow, 0)
}
