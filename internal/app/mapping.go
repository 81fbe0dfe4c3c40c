package app

import (
	"fmt"
	"strings"
	"time"

	"dare/internal/config"
	"dare/internal/notifier"
	"dare/internal/portal"
	"dare/internal/registration"
	"dare/internal/storage"
	"dare/internal/task"
)

func mapStorageConfig(cfg *config.App) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "file":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapNotifierConfig(cfg *config.App) (notifier.Config, error) {
	nc := cfg.Notifier
	if nc == nil {
		return notifier.Config{Enabled: true}, nil
	}
	if nc.Workers < 0 || nc.QueueSize < 0 || nc.RatePerSec < 0 || nc.RetryMax < 0 || nc.DedupMaxEntries < 0 {
		return notifier.Config{}, fmt.Errorf("notifier: counts must be >= 0")
	}
	out := notifier.Config{
		Enabled:         nc.Enabled,
		Workers:         nc.Workers,
		QueueSize:       nc.QueueSize,
		RatePerSec:      nc.RatePerSec,
		RetryMax:        nc.RetryMax,
		DedupMaxEntries: nc.DedupMaxEntries,
		PersistDedup:    true,
	}
	err := config.ParseDurations(
		config.DurationField{Path: "notifier.retry_base", Raw: nc.RetryBase, Dst: &out.RetryBase},
		config.DurationField{Path: "notifier.retry_max_delay", Raw: nc.RetryMaxDelay, Dst: &out.RetryMaxDelay},
		config.DurationField{Path: "notifier.dedup_window", Raw: nc.DedupWindow, Dst: &out.DedupWindow},
		config.DurationField{Path: "notifier.send_timeout", Raw: nc.SendTimeout, Dst: &out.SendTimeout},
	)
	if err != nil {
		return notifier.Config{}, err
	}
	return out, nil
}

func mapPortalConfig(cfg *config.App) (portal.Config, error) {
	p := cfg.Portal
	timeout, err := config.ParseDurationField("portal.timeout", p.Timeout)
	if err != nil {
		return portal.Config{}, err
	}
	return portal.Config{
		BaseURL:         p.BaseURL,
		SSOURL:          p.SSOURL,
		Timeout:         timeout,
		ProbeRatePerSec: p.ProbeRatePerSec,
		UserAgent:       p.UserAgent,
		AuthRetries:     p.AuthRetries,
	}, nil
}

func mapLoopConfig(cfg *config.App) (registration.LoopConfig, error) {
	r := cfg.Registration
	out := registration.LoopConfig{
		ReauthEvery:      r.ReauthEvery,
		ProbeLimit:       r.ProbeLimit,
		PermanentReasons: r.PermanentReasons,
	}
	err := config.ParseDurations(
		config.DurationField{Path: "registration.min_wait", Raw: r.MinWait, Dst: &out.MinWait},
		config.DurationField{Path: "registration.max_wait", Raw: r.MaxWait, Dst: &out.MaxWait},
		config.DurationField{Path: "registration.health_poll", Raw: r.HealthPoll, Default: 5 * time.Second, Dst: &out.HealthPoll},
		config.DurationField{Path: "registration.open_poll", Raw: r.OpenPoll, Default: time.Second, Dst: &out.OpenPoll},
	)
	return out, err
}

func mapTaskConfig(cfg *config.App) (task.Config, error) {
	s := cfg.Supervisor
	out := task.Config{
		Dir:          s.ConfigDir,
		Resync:       s.Resync,
		ExitWhenIdle: s.ExitWhenIdleEnabled(),
	}
	if err := task.ValidateResync(s.Resync); err != nil {
		return out, err
	}
	err := config.ParseDurations(
		config.DurationField{Path: "supervisor.debounce", Raw: s.Debounce, Default: 500 * time.Millisecond, Dst: &out.Debounce},
		config.DurationField{Path: "supervisor.reap_interval", Raw: s.ReapInterval, Default: time.Second, Dst: &out.ReapInterval},
		config.DurationField{Path: "supervisor.startup_poll", Raw: s.StartupPoll, Default: 5 * time.Second, Dst: &out.StartupPoll},
	)
	return out, err
}
