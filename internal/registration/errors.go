package registration

import (
	"context"
	"errors"

	"dare/internal/schedule"
)

// ErrTaskCancelled is returned once the job was asked to stop.
var ErrTaskCancelled = schedule.ErrStopped

// Fatal marks an error as ending the job for good.
//
// Collaborators wrap bad credentials, term ineligibility and unknown
// sections with Fatal so the orchestrator stops instead of retrying:
//
//	return registration.Fatal(fmt.Errorf("invalid credentials for %s", user))
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return fatalError{err: err}
}

// IsFatal reports whether err is wrapped with Fatal.
func IsFatal(err error) bool {
	var e fatalError
	return errors.As(err, &e)
}

type fatalError struct{ err error }

func (e fatalError) Error() string { return e.err.Error() }
func (e fatalError) Unwrap() error { return e.err }

// Overloaded marks a transient upstream overload (bad gateway, gateway
// timeout). Recovery from it skips re-authentication.
func Overloaded(err error) error {
	if err == nil {
		return nil
	}
	return overloadedError{err: err}
}

// IsOverloaded reports whether err is wrapped with Overloaded.
func IsOverloaded(err error) bool {
	var e overloadedError
	return errors.As(err, &e)
}

type overloadedError struct{ err error }

func (e overloadedError) Error() string { return e.err.Error() }
func (e overloadedError) Unwrap() error { return e.err }

// IsCancelled reports whether err means the job should stop quietly.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrTaskCancelled) || errors.Is(err, context.Canceled)
}

// Outcome is the terminal classification of a job run.
type Outcome int

const (
	Completed Outcome = iota
	Cancelled
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Cancelled:
		return "cancelled"
	case Failed:
		return "failed"
	default:
		return "completed"
	}
}

// Classify maps a run error to its Outcome.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return Completed
	case IsCancelled(err):
		return Cancelled
	default:
		return Failed
	}
}
