// Package registration runs one job: it waits for registration to open, then
// probes, selects, batches and classifies until every course group is
// resolved or the job's policy says to stop.
package registration

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"dare/internal/course"
	logx "dare/pkg/logx"
)

// DefaultPermanentReasons are server messages after which retrying a group
// cannot succeed.
var DefaultPermanentReasons = []string{
	"Corequisite",
	"Prereq not met",
	"Class passed. No repeats",
	"Time conflict. Registration prohibited",
	"Exceeded unit maximum",
	"The add period is over",
	"Duplicate Course",
	"Duplicate Equivalent",
	"Authorization required",
	"Cohort Restriction",
	"Program Restriction",
	"Special Projects",
}

// LoopConfig holds the timing and policy knobs shared by all jobs.
type LoopConfig struct {
	MinWait     time.Duration
	MaxWait     time.Duration
	ReauthEvery int
	HealthPoll  time.Duration
	OpenPoll    time.Duration
	// ProbeLimit caps concurrent availability checks in one pass; 0 means
	// one goroutine per section.
	ProbeLimit       int
	PermanentReasons []string
	// NotifyTimeout bounds each notification handed to the Notifier.
	NotifyTimeout time.Duration
}

func (c LoopConfig) withDefaults() LoopConfig {
	if c.MinWait < 0 {
		c.MinWait = 0
	}
	if c.MaxWait < c.MinWait {
		c.MaxWait = c.MinWait
	}
	if c.HealthPoll <= 0 {
		c.HealthPoll = 5 * time.Second
	}
	if c.OpenPoll <= 0 {
		c.OpenPoll = time.Second
	}
	if c.PermanentReasons == nil {
		c.PermanentReasons = DefaultPermanentReasons
	}
	if c.NotifyTimeout <= 0 {
		c.NotifyTimeout = 15 * time.Second
	}
	return c
}

// Deps are the collaborators an Orchestrator talks to. Notifier and
// Recorder are optional.
type Deps struct {
	Portal   Portal
	Health   HealthProbe
	Notifier Notifier
	Recorder Recorder
}

type Orchestrator struct {
	job  *Job
	cfg  LoopConfig
	deps Deps

	passes int
	jitter func(lo, hi time.Duration) time.Duration
}

func New(job *Job, deps Deps, cfg LoopConfig) *Orchestrator {
	if deps.Notifier == nil {
		deps.Notifier = nopNotifier{}
	}
	if deps.Recorder == nil {
		deps.Recorder = nopRecorder{}
	}
	return &Orchestrator{
		job:    job,
		cfg:    cfg.withDefaults(),
		deps:   deps,
		jitter: uniform,
	}
}

func uniform(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + rand.N(hi-lo+1)
}

// Run prepares the job and runs the pass loop to completion. Fatal and
// cancelled terminations are notified once.
func (o *Orchestrator) Run(ctx context.Context) error {
	log := o.job.Log
	o.deps.Recorder.Record(ctx, o.job, AuditEvent{Kind: AuditJobStarted})

	err := o.Prepare(ctx)
	if err == nil {
		err = o.Loop(ctx)
	}

	outcome := Classify(err)
	switch outcome {
	case Completed:
		log.Info("Task completed.", logx.Int("unresolved", len(o.job.Queue.Groups())))
	case Cancelled:
		log.Info("Task cancelled.")
		o.send(ctx, "Task Cancelled", "Registration was stopped before it finished.")
	case Failed:
		log.Error("Task failed.", logx.Err(err))
		o.send(ctx, "Fatal Error", err.Error())
	}
	o.deps.Recorder.Record(context.WithoutCancel(ctx), o.job, AuditEvent{Kind: AuditJobFinished, Status: outcome.String(), Message: errString(err)})
	return err
}

// Prepare logs in, validates every section, and waits until the portal
// accepts registrations.
func (o *Orchestrator) Prepare(ctx context.Context) error {
	for {
		err := o.prepare(ctx)
		if err == nil || IsCancelled(err) || IsFatal(err) {
			return err
		}
		if rerr := o.recover(ctx, err); rerr != nil {
			return rerr
		}
	}
}

func (o *Orchestrator) prepare(ctx context.Context) error {
	job, sched := o.job, o.job.Scheduler

	// The term code is needed to look up the registration time at login.
	if job.TermCode == "" {
		code, err := o.deps.Portal.ResolveTerm(ctx, job.Term)
		if err != nil {
			return fmt.Errorf("resolve term %q: %w", job.Term, err)
		}
		job.TermCode = code
	}
	if err := o.authenticate(ctx); err != nil {
		return err
	}
	if !sched.HasRegistrationInstant() {
		return Fatal(errors.New("registration time is not available for this term"))
	}
	if err := o.validateCourses(ctx); err != nil {
		return err
	}

	at, label := sched.RegistrationInstant()
	job.Log.Info("Registration time found.", logx.String("time", label), logx.Time("at", at))

	if err := sched.SleepUntilPreAuthWindow(); err != nil {
		return err
	}
	if err := o.authenticate(ctx); err != nil {
		return err
	}
	if err := sched.SleepUntilOpen(); err != nil {
		return err
	}
	return o.waitForOpen(ctx)
}

func (o *Orchestrator) validateCourses(ctx context.Context) error {
	q := o.job.Queue
	var invalid []string
	for _, g := range q.Groups() {
		for _, crn := range g.CRNs() {
			if err := o.job.Checkpoint(); err != nil {
				return err
			}
			code, err := o.deps.Portal.CourseCode(ctx, o.job.TermCode, crn)
			switch {
			case err == nil:
				q.SetCourseCode(crn, code)
			case IsFatal(err):
				invalid = append(invalid, crn)
			default:
				return fmt.Errorf("look up %s: %w", crn, err)
			}
		}
	}
	if len(invalid) > 0 {
		return Fatal(fmt.Errorf("invalid CRNs for %s: %s", o.job.Term, strings.Join(invalid, ", ")))
	}

	for i, g := range q.Groups() {
		fields := []logx.Field{logx.Int("course", i+1), logx.String("primary", q.Label(g.Primary))}
		if len(g.Backups) > 0 {
			backups := make([]string, 0, len(g.Backups))
			for _, b := range g.Backups {
				backups = append(backups, q.Label(b))
			}
			fields = append(fields, logx.Strings("backups", backups))
		}
		if g.Drop != "" {
			fields = append(fields, logx.String("drop", q.Label(g.Drop)))
		}
		fields = append(fields, logx.Bool("waitlist", g.Waitlist), logx.Bool("prioritize_open", g.PrioritizeOpenSeats))
		o.job.Log.Info("Course configured.", fields...)
	}
	return nil
}

func (o *Orchestrator) waitForOpen(ctx context.Context) error {
	for {
		if err := o.job.Checkpoint(); err != nil {
			return err
		}
		open, err := o.deps.Portal.RegistrationOpen(ctx, o.job.TermCode)
		if err != nil {
			if IsCancelled(err) || IsFatal(err) {
				return err
			}
			o.job.Log.Warn("Registration status check failed.", logx.Err(err))
		}
		if open {
			o.job.Log.Info("Registration is open.")
			return nil
		}
		if err := o.job.Scheduler.SleepFor(o.cfg.OpenPoll, ""); err != nil {
			return err
		}
	}
}

// Loop runs passes until every group is resolved, a pass ends with no
// unresolved failures, or the job stops watching for seats.
func (o *Orchestrator) Loop(ctx context.Context) error {
	job, q := o.job, o.job.Queue
	for {
		if err := job.Checkpoint(); err != nil {
			return err
		}
		if q.Done() {
			return nil
		}

		if err := o.pass(ctx); err != nil {
			if IsCancelled(err) || IsFatal(err) {
				return err
			}
			if rerr := o.recover(ctx, err); rerr != nil {
				return rerr
			}
			continue
		}

		if q.Done() || !q.HasFailures() {
			return nil
		}
		if !job.WatchForOpenSeats {
			job.Log.Info("Not watching for open seats; stopping with unresolved courses.", logx.Int("unresolved", len(q.Groups())))
			return nil
		}

		q.ResetFailures()
		if err := job.Scheduler.SleepFor(o.jitter(o.cfg.MinWait, o.cfg.MaxWait), ""); err != nil {
			return err
		}
		o.passes++
		if o.cfg.ReauthEvery > 0 && o.passes%o.cfg.ReauthEvery == 0 {
			if err := o.authenticate(ctx); err != nil {
				if IsCancelled(err) || IsFatal(err) {
					return err
				}
				if rerr := o.recover(ctx, err); rerr != nil {
					return rerr
				}
			}
		}
	}
}

// recover handles a recoverable pass failure: notify, reset this pass's
// state, wait for the portal and refresh the session.
func (o *Orchestrator) recover(ctx context.Context, cause error) error {
	job, q := o.job, o.job.Queue
	job.Log.Warn("Recoverable error; waiting for the portal.", logx.Err(cause), logx.Bool("overloaded", IsOverloaded(cause)))

	q.EnqueueNotification("Error", cause.Error())
	o.flushNotifications(ctx)
	q.ResetFailures()
	q.ClearQueues()
	q.ClearHeldSnapshot()

	for o.deps.Health != nil && o.deps.Health.UpstreamIsDown(ctx) {
		if err := job.Scheduler.SleepFor(o.cfg.HealthPoll, ""); err != nil {
			return err
		}
	}
	if err := job.Checkpoint(); err != nil {
		return err
	}
	if IsOverloaded(cause) {
		return nil
	}
	if err := o.authenticate(ctx); err != nil {
		if IsCancelled(err) || IsFatal(err) {
			return err
		}
		// The next pass fails again and brings us back here.
		job.Log.Warn("Re-authentication failed.", logx.Err(err))
	}
	return nil
}

func (o *Orchestrator) authenticate(ctx context.Context) error {
	if err := o.job.Checkpoint(); err != nil {
		return err
	}
	return o.deps.Portal.Authenticate(ctx, o.job)
}

// ---- one pass ----

type probeSlot struct {
	crn        string
	enrollment course.Enrollment
	err        error
}

func (o *Orchestrator) pass(ctx context.Context) error {
	defer o.flushNotifications(ctx)

	groups := o.job.Queue.Groups()
	slots, err := o.probe(ctx, groups)
	if err != nil {
		return err
	}
	for i, g := range groups {
		o.selectFor(g, slots[i])
	}
	if len(o.job.Queue.Registration()) == 0 {
		o.job.Log.Info("No addable sections this pass.", logx.Int("failures", o.job.Queue.Failures()))
		return nil
	}
	return o.submit(ctx)
}

// probe checks every candidate of every group concurrently. Each goroutine
// writes only its own slot.
func (o *Orchestrator) probe(ctx context.Context, groups []course.Group) ([][]probeSlot, error) {
	job := o.job
	if err := job.Checkpoint(); err != nil {
		return nil, err
	}

	slots := make([][]probeSlot, len(groups))
	var eg errgroup.Group
	if o.cfg.ProbeLimit > 0 {
		eg.SetLimit(o.cfg.ProbeLimit)
	}
	for gi, g := range groups {
		cands := g.Candidates()
		slots[gi] = make([]probeSlot, len(cands))
		for ci, crn := range cands {
			eg.Go(func() error {
				slot := probeSlot{crn: crn}
				if err := job.Checkpoint(); err != nil {
					slot.err = err
				} else {
					slot.enrollment, slot.err = o.deps.Portal.CheckAvailability(ctx, job.TermCode, crn)
				}
				slots[gi][ci] = slot
				return nil
			})
		}
	}
	_ = eg.Wait()

	if err := job.Checkpoint(); err != nil {
		return nil, err
	}
	for gi, g := range groups {
		failed := 0
		var first error
		for _, s := range slots[gi] {
			if s.err == nil {
				continue
			}
			if IsCancelled(s.err) || IsFatal(s.err) {
				return nil, s.err
			}
			failed++
			if first == nil {
				first = s.err
			}
			job.Log.Warn("Availability check failed.", logx.String("crn", s.crn), logx.Err(s.err))
			job.Queue.EnqueueNotification("Error Checking Availability", fmt.Sprintf("%s: %v", job.Queue.Label(s.crn), s.err))
		}
		if failed > 0 && failed == len(slots[gi]) {
			return nil, fmt.Errorf("check availability for %s: %w", job.Queue.Label(g.Primary), first)
		}
	}
	return slots, nil
}

func (o *Orchestrator) selectFor(g course.Group, slots []probeSlot) {
	q, log := o.job.Queue, o.job.Log
	var cands []Candidate
	for _, s := range slots {
		if s.err != nil {
			continue
		}
		log.Info(q.Label(s.crn)+": "+s.enrollment.Describe(), logx.String("status", s.enrollment.Status.String()))
		if Addable(s.enrollment.Status, g.Waitlist) {
			cands = append(cands, Candidate{CRN: s.crn, Enrollment: s.enrollment})
		}
	}
	best, ok := SelectBest(cands, g.PrioritizeOpenSeats)
	if !ok {
		q.RecordGroupUnaddable()
		return
	}
	q.EnqueueRegistration(best.CRN)
	if g.Drop != "" {
		q.EnqueueDrop(g.Drop)
	}
}

// prepareForRegistration refreshes the session and the held snapshot for
// this pass.
func (o *Orchestrator) prepareForRegistration(ctx context.Context) (course.HeldSnapshot, error) {
	q := o.job.Queue
	q.ClearHeldSnapshot()
	if err := o.authenticate(ctx); err != nil {
		return course.HeldSnapshot{}, err
	}
	if err := o.job.Checkpoint(); err != nil {
		return course.HeldSnapshot{}, err
	}
	held, err := o.deps.Portal.FetchHeld(ctx, o.job.TermCode)
	if err != nil {
		return course.HeldSnapshot{}, fmt.Errorf("fetch registered courses: %w", err)
	}
	q.SetHeldSnapshot(held)
	return held, nil
}

func (o *Orchestrator) submit(ctx context.Context) error {
	job, q := o.job, o.job.Queue
	held, err := o.prepareForRegistration(ctx)
	if err != nil {
		return err
	}

	if err := job.Checkpoint(); err != nil {
		return err
	}
	lines, err := o.deps.Portal.AddToCart(ctx, job.TermCode, q.Registration())
	if err != nil {
		return fmt.Errorf("add to cart: %w", err)
	}

	var batch course.Batch
	for _, line := range lines {
		if !q.InRegistration(line.CRN) {
			continue
		}
		if !line.OK {
			o.cartFailed(ctx, line)
			continue
		}
		action := course.ActionRegister
		if q.CanWaitlist(line.CRN) && line.Supports(course.ActionWaitlist) {
			action = course.ActionWaitlist
		}
		batch.Adds = append(batch.Adds, line.Model.WithAction(action))
	}

	for _, crn := range q.Drops() {
		entry, ok := held.Find(crn)
		if !ok {
			job.Log.Debug("Drop target not held; skipping.", logx.String("crn", crn))
			q.DequeueDrop(crn)
			continue
		}
		batch.Drops = append(batch.Drops, entry.Model.WithAction(course.ActionDrop))
	}

	if len(batch.Adds) == 0 {
		job.Log.Info("Added no courses to batch.")
		q.ClearQueues()
		q.ClearHeldSnapshot()
		return nil
	}

	if err := job.Checkpoint(); err != nil {
		return err
	}
	resp, err := o.deps.Portal.SubmitBatch(ctx, batch)
	if err != nil {
		return fmt.Errorf("submit batch: %w", err)
	}
	if !resp.Success {
		return errors.New("batch submission was not accepted")
	}

	for _, u := range resp.Updates {
		o.classify(ctx, u)
	}
	q.ClearQueues()
	q.ClearHeldSnapshot()
	return nil
}

func (o *Orchestrator) cartFailed(ctx context.Context, line course.CartLine) {
	job, q := o.job, o.job.Queue
	label := q.Label(line.CRN)
	q.DequeueRegistration(line.CRN)
	if g, ok := q.GroupFor(line.CRN); ok && g.Drop != "" {
		q.DequeueDrop(g.Drop)
	}
	q.RemoveGroup(line.CRN)

	job.Log.Warn("Could not add course to cart.", logx.String("crn", line.CRN), logx.String("reason", line.Message))
	q.EnqueueNotification("Error Adding Course", label+": "+line.Message)
	o.deps.Recorder.Record(ctx, job, AuditEvent{Kind: AuditCartError, CRN: line.CRN, Message: line.Message})
}

// classify applies one line of the batch response.
func (o *Orchestrator) classify(ctx context.Context, u course.UpdateLine) {
	job, q := o.job, o.job.Queue
	adding := q.InRegistration(u.CRN)
	if !adding && !q.InDrop(u.CRN) {
		return
	}
	label := q.Label(u.CRN)
	if q.CourseCode(u.CRN) == "" && u.CourseDisplay != "" {
		label = course.Label(u.CRN, u.CourseDisplay)
	}
	status := u.Status()

	if u.Succeeded() {
		q.RemoveGroup(u.CRN)
		job.Log.Info(label+": "+status+".", logx.String("crn", u.CRN))
		q.EnqueueNotification(status, label)
		o.deps.Recorder.Record(ctx, job, AuditEvent{Kind: AuditResolved, CRN: u.CRN, Status: status})
		return
	}

	reason := u.Reason()
	if !adding {
		// Failed drop of a section whose add already went through.
		job.Log.Warn(label+": drop failed.", logx.String("status", status), logx.String("reason", reason))
		q.EnqueueNotification("Unable to Drop", label+": "+reason)
		o.deps.Recorder.Record(ctx, job, AuditEvent{Kind: AuditDropError, CRN: u.CRN, Status: status, Message: reason})
		return
	}

	if o.permanent(reason) {
		q.RemoveGroup(u.CRN)
		job.Log.Info(label+": not eligible; giving up on this course.", logx.String("reason", reason))
		q.EnqueueNotification("Unable to Register", label+": "+reason)
		o.deps.Recorder.Record(ctx, job, AuditEvent{Kind: AuditIneligible, CRN: u.CRN, Status: status, Message: reason})
		return
	}

	q.RecordGroupUnaddable()
	job.Log.Warn(label+": unrecognized registration error; will retry.", logx.String("status", status), logx.String("reason", reason), logx.Bool("review", true))
	q.EnqueueNotification("Unable to Register", label+": "+reason)
	o.deps.Recorder.Record(ctx, job, AuditEvent{Kind: AuditUnmatched, CRN: u.CRN, Status: status, Message: reason})
}

func (o *Orchestrator) permanent(reason string) bool {
	r := strings.ToLower(reason)
	for _, p := range o.cfg.PermanentReasons {
		if p != "" && strings.Contains(r, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

func (o *Orchestrator) flushNotifications(ctx context.Context) {
	for _, n := range o.job.Queue.DrainNotifications() {
		o.send(ctx, n.Title, n.Message)
	}
}

func (o *Orchestrator) send(ctx context.Context, title, message string) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.NotifyTimeout)
	defer cancel()
	o.deps.Notifier.Send(sctx, title, message)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
