package notifier

import (
	"context"
	"errors"

	logx "dare/pkg/logx"
)

// JobNotifier sends one job's messages through a shared Service.
type JobNotifier struct {
	svc    *Service
	jobID  string
	to     Destination
	footer string
	log    logx.Logger
}

// NewJobNotifier returns a notifier for a job. footer is shown under every
// message and may be empty. A nil svc or an empty destination yields a
// notifier that only logs.
func NewJobNotifier(svc *Service, jobID string, to Destination, footer string, log logx.Logger) *JobNotifier {
	return &JobNotifier{svc: svc, jobID: jobID, to: to, footer: footer, log: log}
}

// Send queues a message. Delivery failures are logged, never returned.
func (n *JobNotifier) Send(ctx context.Context, title, message string) {
	n.log.Debug("notification", logx.String("title", title), logx.String("message", message))
	if n.svc == nil || n.to.Empty() {
		return
	}
	err := n.svc.Notify(ctx, Message{
		JobID:  n.jobID,
		Title:  title,
		Body:   message,
		Footer: n.footer,
		To:     n.to,
	})
	switch {
	case err == nil, errors.Is(err, ErrDisabled):
	default:
		n.log.Warn("notification not queued", logx.String("title", title), logx.Err(err))
	}
}
