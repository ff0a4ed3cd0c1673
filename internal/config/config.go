// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// CourtFeed pairs a court identifier with its docket RSS feed URL.
type CourtFeed struct {
	Court string
	URL   string
}

// Config holds the application configuration.
type Config struct {
	DatabasePath string
	LogLevel     string
	ListenAddr   string

	// RealTimeInterval is how long real-time matches are buffered before
	// a flush, so near-simultaneous filings batch into one message.
	RealTimeInterval time.Duration

	// HitsLimit caps how many matched filings a digest reports per case
	// before the overflow flag is set.
	HitsLimit int

	// MaxFreeAlerts and RecapBonusAlerts bound how many alerts a user may
	// own; the bonus applies to users with the browser extension installed.
	MaxFreeAlerts    int
	RecapBonusAlerts int

	// SweepTimezone is the IANA zone in which day/week/month boundaries
	// are computed.
	SweepTimezone *time.Location

	// AlertCacheTTL bounds how stale the match engine's view of saved
	// alerts may be; a newly created alert starts matching within one TTL.
	AlertCacheTTL time.Duration

	// DeliveryRetention is how long delivery records are kept. Must cover
	// the monthly rate period plus slack for delayed reprocessing.
	DeliveryRetention time.Duration

	WebhookMaxRetries int
	FeedPollInterval  time.Duration

	// OutboxPath is the file that receives rendered digests for the
	// email sender to pick up.
	OutboxPath string

	// CourtFeeds lists the docket RSS feeds to poll, from COURT_FEEDS
	// as comma-separated court=url pairs.
	CourtFeeds []CourtFeed
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		DatabasePath: envOr("DATABASE_PATH", "./data/alerts.db"),
		LogLevel:     envOr("LOG_LEVEL", "info"),
		ListenAddr:   envOr("LISTEN_ADDR", ":8080"),
	}

	rtMinutes, err := envInt("REALTIME_INTERVAL_MINUTES", 5)
	if err != nil {
		return nil, err
	}
	if rtMinutes < 1 {
		return nil, fmt.Errorf("REALTIME_INTERVAL_MINUTES must be >= 1, got %d", rtMinutes)
	}
	cfg.RealTimeInterval = time.Duration(rtMinutes) * time.Minute

	if cfg.HitsLimit, err = envInt("HITS_LIMIT", 20); err != nil {
		return nil, err
	}
	if cfg.HitsLimit < 1 {
		return nil, fmt.Errorf("HITS_LIMIT must be >= 1, got %d", cfg.HitsLimit)
	}
	if cfg.MaxFreeAlerts, err = envInt("MAX_FREE_ALERTS", 5); err != nil {
		return nil, err
	}
	if cfg.RecapBonusAlerts, err = envInt("RECAP_BONUS_ALERTS", 10); err != nil {
		return nil, err
	}

	tzName := envOr("SWEEP_TIMEZONE", "UTC")
	loc, err := time.LoadLocation(tzName)
	if err != nil {
		return nil, fmt.Errorf("invalid SWEEP_TIMEZONE %q: %w", tzName, err)
	}
	cfg.SweepTimezone = loc

	ttlSeconds, err := envInt("ALERT_CACHE_TTL_SECONDS", 60)
	if err != nil {
		return nil, err
	}
	cfg.AlertCacheTTL = time.Duration(ttlSeconds) * time.Second

	retentionDays, err := envInt("DELIVERY_RETENTION_DAYS", 90)
	if err != nil {
		return nil, err
	}
	if retentionDays < 35 {
		return nil, fmt.Errorf("DELIVERY_RETENTION_DAYS must cover a monthly period, got %d", retentionDays)
	}
	cfg.DeliveryRetention = time.Duration(retentionDays) * 24 * time.Hour

	if cfg.WebhookMaxRetries, err = envInt("WEBHOOK_MAX_RETRIES", 5); err != nil {
		return nil, err
	}

	pollMinutes, err := envInt("FEED_POLL_MINUTES", 5)
	if err != nil {
		return nil, err
	}
	cfg.FeedPollInterval = time.Duration(pollMinutes) * time.Minute

	cfg.OutboxPath = envOr("OUTBOX_PATH", "./data/outbox.jsonl")

	if cfg.CourtFeeds, err = parseCourtFeeds(os.Getenv("COURT_FEEDS")); err != nil {
		return nil, err
	}

	return cfg, nil
}

func parseCourtFeeds(raw string) ([]CourtFeed, error) {
	if raw == "" {
		return nil, nil
	}
	var feeds []CourtFeed
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		court, url, ok := strings.Cut(entry, "=")
		if !ok || court == "" || url == "" {
			return nil, fmt.Errorf("invalid COURT_FEEDS entry %q, want court=url", entry)
		}
		feeds = append(feeds, CourtFeed{Court: court, URL: url})
	}
	return feeds, nil
}

// AlertQuota returns the maximum number of alerts a user may own.
func (c *Config) AlertQuota(hasExtension bool) int {
	if hasExtension {
		return c.MaxFreeAlerts + c.RecapBonusAlerts
	}
	return c.MaxFreeAlerts
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}
