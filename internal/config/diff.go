package config

import (
	"reflect"
	"strings"

	logx "dare/pkg/logx"
)

// SummarizeJobChange returns a compact list of changed sections and safe
// structured attrs for logging (never includes passwords or webhook urls).
func SummarizeJobChange(oldJob, newJob *JobFile) ([]string, []logx.Field) {
	if oldJob == nil {
		oldJob = &JobFile{}
	}
	if newJob == nil {
		newJob = &JobFile{}
	}

	changed := make([]string, 0, 5)
	attrs := make([]logx.Field, 0, 8)

	// Login (never log the password)
	if strings.TrimSpace(oldJob.Login.Username) != strings.TrimSpace(newJob.Login.Username) ||
		oldJob.Login.Password != newJob.Login.Password {
		changed = append(changed, "login")
		attrs = append(attrs,
			logx.Bool("login.username_changed", strings.TrimSpace(oldJob.Login.Username) != strings.TrimSpace(newJob.Login.Username)),
			logx.Bool("login.password_changed", oldJob.Login.Password != newJob.Login.Password),
		)
	}

	if strings.TrimSpace(oldJob.Term) != strings.TrimSpace(newJob.Term) {
		changed = append(changed, "term")
		attrs = append(attrs, logx.String("term", strings.TrimSpace(newJob.Term)))
	}

	if oldJob.Settings != newJob.Settings {
		changed = append(changed, "settings")
		attrs = append(attrs,
			logx.Bool("settings.watch_for_open_seats", newJob.Settings.WatchForOpenSeats),
			logx.Bool("settings.automatically_waitlist", newJob.Settings.AutomaticallyWaitlist),
		)
	}

	// Notifications (never log the webhook)
	if oldJob.Notifications.Enabled != newJob.Notifications.Enabled ||
		oldJob.Notifications.DiscordWebhook != newJob.Notifications.DiscordWebhook ||
		oldJob.Notifications.TelegramChatID != newJob.Notifications.TelegramChatID {
		changed = append(changed, "notifications")
		attrs = append(attrs,
			logx.Bool("notifications.enabled", newJob.Notifications.Enabled),
			logx.Bool("notifications.discord_set", newJob.Notifications.DiscordWebhook != ""),
			logx.Bool("notifications.telegram_set", newJob.Notifications.TelegramChatID != 0),
		)
	}

	if !reflect.DeepEqual(oldJob.Groups(), newJob.Groups()) {
		changed = append(changed, "courses")
		attrs = append(attrs,
			logx.Int("courses.before", len(oldJob.Courses)),
			logx.Int("courses.after", len(newJob.Courses)),
		)
	}

	return changed, attrs
}
