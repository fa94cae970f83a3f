// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
)

// UserIDs is a comma separated list of Telegram user IDs.
type UserIDs []int64

// UnmarshalText parses "1, 2,3", skipping empty entries.
func (u *UserIDs) UnmarshalText(text []byte) error {
	var ids UserIDs
	for _, s := range strings.Split(string(text), ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		uid, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid user ID %q: %w", s, err)
		}
		ids = append(ids, uid)
	}
	*u = ids
	return nil
}

// Config holds the application configuration.
type Config struct {
	// TelegramBotToken enables the moderation bot when set.
	TelegramBotToken string  `env:"TELEGRAM_BOT_TOKEN"`
	DatabasePath     string  `env:"DATABASE_PATH" envDefault:"./data/outreach.db"`
	LogLevel         string  `env:"LOG_LEVEL" envDefault:"info"`
	AllowedUsers     UserIDs `env:"ALLOWED_USERS"`
	ModeratorChatID  int64   `env:"MODERATOR_CHAT_ID"`
	MetricsAddr      string  `env:"METRICS_ADDR"`

	Workers        int           `env:"WORKERS" envDefault:"8"`
	TaskTimeout    time.Duration `env:"TASK_TIMEOUT" envDefault:"2m"`
	TaskMaxRetries int           `env:"TASK_MAX_RETRIES" envDefault:"3"`
	TaskBackoff    time.Duration `env:"TASK_BACKOFF" envDefault:"2s"`

	CrawlBatchSize     int     `env:"CRAWL_BATCH_SIZE" envDefault:"20"`
	CrawlMaxAttempts   int     `env:"CRAWL_MAX_ATTEMPTS" envDefault:"3"`
	PageBudgetFloor    int     `env:"PAGE_BUDGET_FLOOR" envDefault:"5"`
	PageBudgetMargin   int     `env:"PAGE_BUDGET_MARGIN" envDefault:"3"`
	FetchRatePerSecond float64 `env:"FETCH_RATE_PER_SECOND" envDefault:"2"`
	DNSResolver        string  `env:"DNS_RESOLVER" envDefault:"1.1.1.1:53"`

	MaxContactsPerSite int `env:"MAX_CONTACTS_PER_SITE" envDefault:"3"`
	ReviewBatchSize    int `env:"REVIEW_BATCH_SIZE" envDefault:"50"`
	DispatchBatchSize  int `env:"DISPATCH_BATCH_SIZE" envDefault:"20"`

	DuplicateShortWindow time.Duration `env:"DUPLICATE_SHORT_WINDOW" envDefault:"720h"`
	DuplicateLongWindow  time.Duration `env:"DUPLICATE_LONG_WINDOW" envDefault:"2160h"`
	SendWindowStartHour  int           `env:"SEND_WINDOW_START_HOUR" envDefault:"0"`
	SendWindowEndHour    int           `env:"SEND_WINDOW_END_HOUR" envDefault:"24"`
	SenderName           string        `env:"SENDER_NAME"`
	SenderEmail          string        `env:"SENDER_EMAIL"`
	SenderCompany        string        `env:"SENDER_COMPANY"`

	CrawlSchedule       string `env:"CRAWL_SCHEDULE" envDefault:"@every 1m"`
	ReviewSchedule      string `env:"REVIEW_SCHEDULE" envDefault:"@every 2m"`
	DispatchSchedule    string `env:"DISPATCH_SCHEDULE" envDefault:"@every 1m"`
	HourlyResetSchedule string `env:"HOURLY_RESET_SCHEDULE" envDefault:"@hourly"`
	DailyResetSchedule  string `env:"DAILY_RESET_SCHEDULE" envDefault:"@daily"`
	RecoverySchedule    string `env:"RECOVERY_SCHEDULE" envDefault:"@every 5m"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch {
	case c.Workers < 1:
		return fmt.Errorf("WORKERS must be at least 1")
	case c.TaskMaxRetries < 0:
		return fmt.Errorf("TASK_MAX_RETRIES must not be negative")
	case c.MaxContactsPerSite < 1:
		return fmt.Errorf("MAX_CONTACTS_PER_SITE must be at least 1")
	case c.SendWindowStartHour < 0 || c.SendWindowStartHour > 23:
		return fmt.Errorf("SEND_WINDOW_START_HOUR must be between 0 and 23")
	case c.SendWindowEndHour < 1 || c.SendWindowEndHour > 24:
		return fmt.Errorf("SEND_WINDOW_END_HOUR must be between 1 and 24")
	case c.DuplicateShortWindow > c.DuplicateLongWindow:
		return fmt.Errorf("DUPLICATE_SHORT_WINDOW %s exceeds DUPLICATE_LONG_WINDOW %s",
			c.DuplicateShortWindow, c.DuplicateLongWindow)
	}
	return nil
}

// IsUserAllowed checks whether a user ID is in the allow list.
// Returns true if the allow list is empty (all users permitted).
func (c *Config) IsUserAllowed(userID int64) bool {
	if len(c.AllowedUsers) == 0 {
		return true
	}
	for _, id := range c.AllowedUsers {
		if id == userID {
			return true
		}
	}
	return false
}
