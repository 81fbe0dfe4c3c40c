package eventbus

import "time"

// Event types.
const (
	JobStarted  = "job.started"
	JobFinished = "job.finished"
	JobRemoved  = "job.removed"

	NotifySent    = "notify.sent"
	NotifyFailed  = "notify.failed"
	NotifyDropped = "notify.dropped"
	NotifyDeduped = "notify.deduped"
)

// JobEvent is the Data of job.* events.
type JobEvent struct {
	ID      string
	RunID   string
	Outcome string `json:",omitempty"`
	Error   string `json:",omitempty"`
	// Live is the number of jobs running after this event.
	Live int
	At   time.Time
}

// NotifyEvent is the Data of notify.* events.
type NotifyEvent struct {
	Sink  string
	Title string
	Error string `json:",omitempty"`
	At    time.Time
}
