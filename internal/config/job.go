package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"dare/internal/course"
)

// UsernameLength is the length of a campus student id.
const UsernameLength = 8

// JobFile is one user's registration job as written in the configs
// directory.
type JobFile struct {
	Login         Login            `json:"login"`
	Term          string           `json:"term"`
	Settings      JobSettings      `json:"settings"`
	Notifications JobNotifications `json:"notifications"`
	Courses       []CourseEntry    `json:"courses"`

	// Path and Hash identify the file the job was loaded from.
	Path string `json:"-"`
	Hash uint64 `json:"-"`
}

type Login struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type JobSettings struct {
	// AutomaticallyWaitlist is the default for courses without an explicit
	// waitlist setting.
	AutomaticallyWaitlist bool `json:"automatically_waitlist"`
	WatchForOpenSeats     bool `json:"watch_for_open_seats"`
	EnableLogging         bool `json:"enable_logging"`
	// DisplayUsername puts the username in notification footers.
	DisplayUsername bool `json:"display_username"`
}

type JobNotifications struct {
	Enabled        bool   `json:"enabled"`
	DiscordWebhook string `json:"discord_webhook,omitempty"`
	TelegramChatID int64  `json:"telegram_chat_id,omitempty"`
}

type CourseEntry struct {
	Primary             CRN   `json:"primary"`
	Backups             []CRN `json:"backups,omitempty"`
	DropOnOpen          CRN   `json:"drop_on_open,omitempty"`
	PrioritizeOpenSeats bool  `json:"prioritize_open_seats"`
	Waitlist            *bool `json:"waitlist,omitempty"`
}

// CRN accepts both quoted and bare numeric section ids.
type CRN string

func (c *CRN) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*c = CRN(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("crn must be a string or number, got %s", b)
	}
	if _, err := strconv.ParseUint(n.String(), 10, 64); err != nil {
		return fmt.Errorf("crn must be a whole number, got %s", n)
	}
	*c = CRN(n.String())
	return nil
}

// LoadJob reads, decodes and validates one job file.
func LoadJob(path string) (*JobFile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var jf JobFile
	if err := decodeStrict(path, b, &jf); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	jf.Path = path
	jf.Hash = hashBytes(b)
	if err := jf.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &jf, nil
}

// Validate reports every problem with the job at once.
func (j *JobFile) Validate() error {
	var errs []error
	if strings.TrimSpace(j.Login.Username) == "" {
		errs = append(errs, errors.New("login.username is required"))
	} else if len(strings.TrimSpace(j.Login.Username)) != UsernameLength {
		errs = append(errs, fmt.Errorf("login.username must be %d characters", UsernameLength))
	}
	if j.Login.Password == "" {
		errs = append(errs, errors.New("login.password is required"))
	}
	if strings.TrimSpace(j.Term) == "" {
		errs = append(errs, errors.New("term is required"))
	}
	if len(j.Courses) == 0 {
		errs = append(errs, errors.New("at least one course is required"))
	}

	seen := map[CRN]int{}
	for i, c := range j.Courses {
		if c.Primary == "" {
			errs = append(errs, fmt.Errorf("courses[%d].primary is required", i))
		}
		ids := append([]CRN{c.Primary}, c.Backups...)
		if c.DropOnOpen != "" {
			ids = append(ids, c.DropOnOpen)
		}
		for _, id := range ids {
			if id == "" {
				continue
			}
			if prev, dup := seen[id]; dup {
				errs = append(errs, fmt.Errorf("courses[%d]: crn %s already used by courses[%d]", i, id, prev))
				continue
			}
			seen[id] = i
		}
	}
	return errors.Join(errs...)
}

// Warnings normalizes optional settings that are invalid but not fatal and
// reports what was changed.
func (j *JobFile) Warnings() []string {
	var out []string
	n := &j.Notifications
	if n.DiscordWebhook != "" && !ValidDiscordWebhook(n.DiscordWebhook) {
		out = append(out, "notifications.discord_webhook is not a Discord webhook url; Discord notifications disabled")
		n.DiscordWebhook = ""
	}
	if n.Enabled && n.DiscordWebhook == "" && n.TelegramChatID == 0 {
		out = append(out, "notifications enabled without a destination; notifications disabled")
		n.Enabled = false
	}
	return out
}

// ValidDiscordWebhook reports whether url looks like a Discord webhook.
func ValidDiscordWebhook(url string) bool {
	for _, prefix := range []string{
		"https://discord.com/api/webhooks/",
		"https://discordapp.com/api/webhooks/",
		"https://canary.discord.com/api/webhooks/",
		"https://ptb.discord.com/api/webhooks/",
	} {
		if strings.HasPrefix(url, prefix) && len(url) > len(prefix) {
			return true
		}
	}
	return false
}

// Groups converts the course list into resource groups, applying the
// job-wide waitlist default.
func (j *JobFile) Groups() []course.Group {
	out := make([]course.Group, 0, len(j.Courses))
	for _, c := range j.Courses {
		waitlist := j.Settings.AutomaticallyWaitlist
		if c.Waitlist != nil {
			waitlist = *c.Waitlist
		}
		g := course.Group{
			Primary:             string(c.Primary),
			Drop:                string(c.DropOnOpen),
			PrioritizeOpenSeats: c.PrioritizeOpenSeats,
			Waitlist:            waitlist,
		}
		for _, b := range c.Backups {
			g.Backups = append(g.Backups, string(b))
		}
		out = append(out, g)
	}
	return out
}

// LoadApp reads the process configuration. A missing file yields defaults.
func LoadApp(path string) (*App, error) {
	var cfg App
	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, err
		default:
			if err := decodeStrict(path, b, &cfg); err != nil {
				return nil, fmt.Errorf("%s: %w", path, err)
			}
		}
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
