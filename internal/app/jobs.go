package app

import (
	"context"
	"io"
	"path/filepath"
	"strings"

	"dare/internal/config"
	"dare/internal/notifier"
	"dare/internal/portal"
	"dare/internal/registration"
	"dare/internal/task"
	logx "dare/pkg/logx"
)

// jobRun adapts one orchestrator run to task.Job.
type jobRun struct {
	job    *registration.Job
	orch   *registration.Orchestrator
	logOut io.Closer
}

func (r *jobRun) RunID() string { return r.job.RunID }

func (r *jobRun) Stop() { r.job.RequestStop() }

func (r *jobRun) Run(ctx context.Context) error {
	if r.logOut != nil {
		defer r.logOut.Close()
	}
	return r.orch.Run(ctx)
}

// buildJob creates a fresh job, portal session and notifier for jf.
func (a *App) buildJob(jf *config.JobFile) (task.Job, error) {
	log := a.log.With(logx.String("comp", "job"))
	var logOut io.Closer
	if jf.Settings.EnableLogging {
		name := strings.TrimSuffix(filepath.Base(jf.Path), filepath.Ext(jf.Path)) + ".log"
		l, f, err := log.WithFile(filepath.Join(a.cfg.Logging.JobDir, name))
		if err != nil {
			a.log.Warn("Could not open job log file.", logx.String("path", jf.Path), logx.Err(err))
		} else {
			log, logOut = l, f
		}
	}

	job := registration.NewJob(jf.Path, registration.JobSpec{
		Username:          strings.TrimSpace(jf.Login.Username),
		Password:          jf.Login.Password,
		Term:              strings.TrimSpace(jf.Term),
		WatchForOpenSeats: jf.Settings.WatchForOpenSeats,
		Groups:            jf.Groups(),
	}, log)

	client, err := portal.New(a.portalCfg, job.Log.With(logx.String("comp", "portal")))
	if err != nil {
		if logOut != nil {
			_ = logOut.Close()
		}
		return nil, err
	}

	deps := registration.Deps{Portal: client, Health: client, Recorder: a.recorder}
	if jf.Notifications.Enabled {
		var footer string
		if jf.Settings.DisplayUsername {
			footer = job.Username
		}
		deps.Notifier = notifier.NewJobNotifier(a.notif, jf.Path, notifier.Destination{
			DiscordWebhook: jf.Notifications.DiscordWebhook,
			TelegramChatID: jf.Notifications.TelegramChatID,
		}, footer, job.Log)
	}
	return &jobRun{job: job, orch: registration.New(job, deps, a.loopCfg), logOut: logOut}, nil
}
