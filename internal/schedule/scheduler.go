// Package schedule owns a job's registration instant and every cancellable
// wait the job performs.
package schedule

import (
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"dare/internal/clock"
	logx "dare/pkg/logx"
)

// PreAuthLead is how long before the registration instant the job
// refreshes its session.
const PreAuthLead = 5 * time.Second

// PortalLayout is the format the portal uses to announce registration times.
const PortalLayout = "01/02/2006 03:04 PM"

// PortalZone is the time zone portal times are expressed in.
const PortalZone = "America/Los_Angeles"

// ErrStopped is returned from every wait and checkpoint once a stop was
// requested.
var ErrStopped = errors.New("task cancelled")

type Scheduler struct {
	log     logx.Logger
	stopper *clock.Stopper
	now     func() time.Time

	instant time.Time
	label   string
}

type Option func(*Scheduler)

// WithNow overrides the wall clock. Tests only.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

func New(log logx.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		log:     log,
		stopper: clock.NewStopper(),
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// RecordRegistrationInstant stores the instant registration opens. Only the
// first call has an effect; it reports whether this call stored the value.
func (s *Scheduler) RecordRegistrationInstant(t time.Time, label string) bool {
	if !s.instant.IsZero() || t.IsZero() {
		return false
	}
	s.instant = t
	s.label = label
	return true
}

// RecordRegistrationTime parses a portal time string and records it.
func (s *Scheduler) RecordRegistrationTime(text string) error {
	if s.HasRegistrationInstant() {
		return nil
	}
	t, err := ParsePortalTime(text)
	if err != nil {
		return err
	}
	s.RecordRegistrationInstant(t, strings.TrimSpace(text))
	return nil
}

func (s *Scheduler) HasRegistrationInstant() bool { return !s.instant.IsZero() }

func (s *Scheduler) RegistrationInstant() (time.Time, string) { return s.instant, s.label }

// SleepUntilPreAuthWindow blocks until PreAuthLead before the instant.
func (s *Scheduler) SleepUntilPreAuthWindow() error {
	if !s.HasRegistrationInstant() {
		return errors.New("registration instant not recorded")
	}
	return s.sleepUntil(s.instant.Add(-PreAuthLead), "pre-authentication")
}

// SleepUntilOpen blocks until the registration instant.
func (s *Scheduler) SleepUntilOpen() error {
	if !s.HasRegistrationInstant() {
		return errors.New("registration instant not recorded")
	}
	return s.sleepUntil(s.instant, "registration")
}

func (s *Scheduler) sleepUntil(t time.Time, reason string) error {
	return s.SleepFor(t.Sub(s.now()), reason)
}

// SleepFor pauses for d unless a stop is requested first.
func (s *Scheduler) SleepFor(d time.Duration, reason string) error {
	if err := s.Checkpoint(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	if reason != "" && d >= time.Second {
		s.log.Info("Waiting for "+reason+".", logx.String("until", s.now().Add(d).Format(time.DateTime)), logx.Duration("for", d.Round(time.Second)))
	}
	if s.stopper.WaitFor(d) == clock.Cancelled {
		return ErrStopped
	}
	return nil
}

// RequestStop wakes any pending wait; all later checkpoints fail.
func (s *Scheduler) RequestStop() { s.stopper.Cancel() }

func (s *Scheduler) Stopped() bool { return s.stopper.Cancelled() }

// Done is closed once a stop was requested.
func (s *Scheduler) Done() <-chan struct{} { return s.stopper.Done() }

// Checkpoint fails with ErrStopped once a stop was requested.
func (s *Scheduler) Checkpoint() error {
	if s.stopper.Cancelled() {
		return ErrStopped
	}
	return nil
}

// ParsePortalTime reads "MM/DD/YYYY hh:mm AM" in the portal's time zone.
func ParsePortalTime(text string) (time.Time, error) {
	loc, err := time.LoadLocation(PortalZone)
	if err != nil {
		return time.Time{}, fmt.Errorf("load %s: %w", PortalZone, err)
	}
	t, err := time.ParseInLocation(PortalLayout, strings.TrimSpace(text), loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse registration time %q: %w", text, err)
	}
	return t, nil
}
