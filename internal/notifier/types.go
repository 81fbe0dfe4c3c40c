package notifier

import (
	"fmt"
	"hash/fnv"
	"time"
)

// Config controls the async notification pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	SendTimeout     time.Duration
	// PersistDedup keeps dedup windows in the store across restarts.
	PersistDedup bool
}

func (cfg Config) withDefaults() Config {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 2000
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	return cfg
}

// Destination says where one job's messages go. Zero fields are unused.
type Destination struct {
	DiscordWebhook string
	TelegramChatID int64
}

func (d Destination) Empty() bool { return d.DiscordWebhook == "" && d.TelegramChatID == 0 }

// Message is one notification.
type Message struct {
	JobID  string
	Title  string
	Body   string
	Footer string
	At     time.Time
	To     Destination
}

// dedupKey identifies a message for suppression; the timestamp is excluded.
func (m Message) dedupKey() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s|%d|%s|%s", m.JobID, m.To.DiscordWebhook, m.To.TelegramChatID, m.Title, m.Body)
	return fmt.Sprintf("notify:%x", h.Sum64())
}
