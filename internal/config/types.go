package config

import "fmt"

// App is the process-wide configuration (dare.yaml).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Omitted fields take the defaults applied by withDefaults.
type App struct {
	Logging      LoggingConfig      `json:"logging"`
	Portal       PortalConfig       `json:"portal"`
	Registration RegistrationConfig `json:"registration"`
	Supervisor   SupervisorConfig   `json:"supervisor"`

	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Storage  *StorageConfig  `json:"storage,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	// JobDir holds per-job log files for jobs with settings.enable_logging.
	JobDir string `json:"job_dir,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// PortalConfig points at the registration site and its identity provider.
type PortalConfig struct {
	BaseURL string `json:"base_url"`
	SSOURL  string `json:"sso_url"`
	// Timeout bounds every HTTP exchange.
	Timeout string `json:"timeout"`
	// ProbeRatePerSec caps availability checks per job. 0 disables the cap.
	ProbeRatePerSec int    `json:"probe_rate_per_sec"`
	UserAgent       string `json:"user_agent,omitempty"`
	// AuthRetries is how many login attempts are made before giving up.
	AuthRetries int `json:"auth_retries,omitempty"`
}

// RegistrationConfig tunes the pass loop shared by every job.
//
// Defaults:
//   - min_wait / max_wait: "3s" / "6s"
//   - reauth_every: 500 passes
//   - health_poll: "5s"
//   - open_poll: "1s"
//   - permanent_reasons: the built-in ineligibility list
type RegistrationConfig struct {
	MinWait     string `json:"min_wait"`
	MaxWait     string `json:"max_wait"`
	ReauthEvery int    `json:"reauth_every"`
	HealthPoll  string `json:"health_poll"`
	OpenPoll    string `json:"open_poll"`
	ProbeLimit  int    `json:"probe_limit,omitempty"`

	// PermanentReasons replaces the built-in list when set.
	PermanentReasons []string `json:"permanent_reasons,omitempty"`
}

// SupervisorConfig controls job discovery and lifecycle.
//
// ExitWhenIdle is a pointer so an explicit false can be told apart from an
// omitted field (default true).
type SupervisorConfig struct {
	ConfigDir    string `json:"config_dir"`
	Debounce     string `json:"debounce"`
	ReapInterval string `json:"reap_interval"`
	StartupPoll  string `json:"startup_poll"`
	// Resync is a cron spec ("@every 1m", "*/5 * * * *") for rescanning the
	// config directory. Defaults to "@every 1m"; "off" disables it.
	Resync       string `json:"resync"`
	ExitWhenIdle *bool  `json:"exit_when_idle,omitempty"`
}

// NotifierConfig controls the async notification pipeline.
//
// If the whole section is omitted, the notifier defaults to enabled=true.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
	SendTimeout     string `json:"send_timeout,omitempty"`

	// TelegramToken enables the Telegram sink for jobs with a chat id.
	TelegramToken string `json:"telegram_token,omitempty"`
}

// StorageConfig controls the audit trail.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./data/dare" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

func (c App) withDefaults() App {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.JobDir == "" {
		c.Logging.JobDir = "./logs"
	}

	p := &c.Portal
	if p.BaseURL == "" {
		p.BaseURL = "https://reg.oci.fhda.edu"
	}
	if p.SSOURL == "" {
		p.SSOURL = "https://ssoshib.fhda.edu"
	}
	if p.Timeout == "" {
		p.Timeout = "20s"
	}
	if p.ProbeRatePerSec == 0 {
		p.ProbeRatePerSec = 20
	}
	if p.AuthRetries <= 0 {
		p.AuthRetries = 3
	}

	r := &c.Registration
	if r.MinWait == "" {
		r.MinWait = "3s"
	}
	if r.MaxWait == "" {
		r.MaxWait = "6s"
	}
	if r.ReauthEvery == 0 {
		r.ReauthEvery = 500
	}
	if r.HealthPoll == "" {
		r.HealthPoll = "5s"
	}
	if r.OpenPoll == "" {
		r.OpenPoll = "1s"
	}

	s := &c.Supervisor
	if s.ConfigDir == "" {
		s.ConfigDir = "./configs"
	}
	if s.Debounce == "" {
		s.Debounce = "500ms"
	}
	if s.ReapInterval == "" {
		s.ReapInterval = "1s"
	}
	if s.StartupPoll == "" {
		s.StartupPoll = "5s"
	}
	if s.Resync == "" {
		s.Resync = "@every 1m"
	}
	if s.ExitWhenIdle == nil {
		v := true
		s.ExitWhenIdle = &v
	}

	if c.Notifier == nil {
		c.Notifier = &NotifierConfig{Enabled: true}
	}
	if c.Storage == nil {
		c.Storage = &StorageConfig{Driver: "file", Path: "./data/dare"}
	}
	return c
}

// Validate checks the fields withDefaults cannot fix.
func (c App) Validate() error {
	if _, err := ParseDurationField("portal.timeout", c.Portal.Timeout); err != nil {
		return err
	}
	minWait, err := ParseDurationField("registration.min_wait", c.Registration.MinWait)
	if err != nil {
		return err
	}
	maxWait, err := ParseDurationField("registration.max_wait", c.Registration.MaxWait)
	if err != nil {
		return err
	}
	if maxWait < minWait {
		return fmt.Errorf("registration.max_wait (%s) must be >= min_wait (%s)", maxWait, minWait)
	}
	for field, raw := range map[string]string{
		"registration.health_poll": c.Registration.HealthPoll,
		"registration.open_poll":   c.Registration.OpenPoll,
		"supervisor.debounce":      c.Supervisor.Debounce,
		"supervisor.reap_interval": c.Supervisor.ReapInterval,
		"supervisor.startup_poll":  c.Supervisor.StartupPoll,
	} {
		if _, err := ParseDurationField(field, raw); err != nil {
			return err
		}
	}
	if c.Registration.ReauthEvery < 0 {
		return fmt.Errorf("registration.reauth_every must be >= 0")
	}
	return nil
}

// ExitWhenIdleEnabled reports the effective supervisor.exit_when_idle.
func (c SupervisorConfig) ExitWhenIdleEnabled() bool {
	return c.ExitWhenIdle == nil || *c.ExitWhenIdle
}
