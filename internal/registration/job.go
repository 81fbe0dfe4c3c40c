package registration

import (
	"github.com/google/uuid"

	"dare/internal/course"
	"dare/internal/queue"
	"dare/internal/schedule"
	logx "dare/pkg/logx"
)

// JobSpec is the immutable definition a job is built from.
type JobSpec struct {
	Username string
	Password string
	// Term is the human description; TermCode may be left empty and is then
	// resolved through the portal before the job waits.
	Term     string
	TermCode string

	// WatchForOpenSeats keeps the job running while some group has no
	// addable section.
	WatchForOpenSeats bool

	Groups []course.Group
}

// Job is the per-run context handed to every collaborator call. It is
// created fresh for every start, so a restarted job never sees the queue
// state of its predecessor.
type Job struct {
	// ID is the configuration identity (the file path).
	ID    string
	RunID string

	Username string
	Password string
	Term     string
	TermCode string

	WatchForOpenSeats bool

	Log       logx.Logger
	Scheduler *schedule.Scheduler
	Queue     *queue.Manager
}

func NewJob(id string, spec JobSpec, log logx.Logger) *Job {
	runID := uuid.NewString()
	log = log.With(logx.String("job", id), logx.String("run", runID))
	return &Job{
		ID:                id,
		RunID:             runID,
		Username:          spec.Username,
		Password:          spec.Password,
		Term:              spec.Term,
		TermCode:          spec.TermCode,
		WatchForOpenSeats: spec.WatchForOpenSeats,
		Log:               log,
		Scheduler:         schedule.New(log),
		Queue:             queue.New(spec.Groups),
	}
}

// RequestStop asks the job to end at its next checkpoint.
func (j *Job) RequestStop() { j.Scheduler.RequestStop() }

// Checkpoint fails with ErrTaskCancelled once a stop was requested.
func (j *Job) Checkpoint() error { return j.Scheduler.Checkpoint() }
