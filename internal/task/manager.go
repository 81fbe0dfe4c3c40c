// Package task keeps exactly one registration job running per job file and
// reconciles the running set with the configs directory.
package task

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"dare/internal/config"
	"dare/internal/eventbus"
	"dare/internal/registration"
	"dare/internal/runtime/supervisor"
	logx "dare/pkg/logx"
)

var (
	ErrNotStarted = errors.New("task manager not started")
	ErrStopping   = errors.New("task manager stopping")
)

// Job is one run of a job file.
type Job interface {
	RunID() string
	Run(ctx context.Context) error
	// Stop asks the run to end at its next checkpoint. It must not block.
	Stop()
}

// Factory builds a fresh Job for a loaded job file.
type Factory func(jf *config.JobFile) (Job, error)

type Config struct {
	Dir          string
	Debounce     time.Duration
	ReapInterval time.Duration
	StartupPoll  time.Duration
	// Resync is a cron spec for rescanning Dir; "" or "off" disables it.
	Resync       string
	ExitWhenIdle bool
}

func (c Config) withDefaults() Config {
	if c.Debounce <= 0 {
		c.Debounce = 500 * time.Millisecond
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = time.Second
	}
	if c.StartupPoll <= 0 {
		c.StartupPoll = 5 * time.Second
	}
	return c
}

// Deps are the manager's collaborators. Health and Bus are optional; Load
// defaults to config.LoadJob.
type Deps struct {
	Factory Factory
	Health  registration.HealthProbe
	Bus     eventbus.Bus
	Load    func(path string) (*config.JobFile, error)
}

// cronParser accepts the same specs as crontab plus "@every 1m".
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateResync reports whether spec is usable as Config.Resync.
func ValidateResync(spec string) error {
	if resyncDisabled(spec) {
		return nil
	}
	if _, err := cronParser.Parse(strings.TrimSpace(spec)); err != nil {
		return fmt.Errorf("supervisor.resync: %w", err)
	}
	return nil
}

func resyncDisabled(spec string) bool {
	spec = strings.TrimSpace(spec)
	return spec == "" || strings.EqualFold(spec, "off")
}

type entry struct {
	id   string
	file *config.JobFile
	job  Job
	done chan struct{}
	err  error // valid once done is closed
}

func (e *entry) exited() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

// Manager owns the job table. Jobs run in their own supervised goroutine,
// so a panic or fatal error in one never reaches another.
type Manager struct {
	cfg  Config
	deps Deps
	log  logx.Logger

	// applyMu serializes file reconciliation.
	applyMu sync.Mutex

	mu       sync.Mutex
	sup      *supervisor.Supervisor
	closing  bool
	jobs     map[string]*entry
	finished map[string]uint64 // id -> hash of the file whose run ended
	pending  map[string]*time.Timer
	applying int
}

func New(cfg Config, deps Deps, log logx.Logger) *Manager {
	if deps.Bus == nil {
		deps.Bus = eventbus.Nop{}
	}
	if deps.Load == nil {
		deps.Load = config.LoadJob
	}
	return &Manager{
		cfg:      cfg.withDefaults(),
		deps:     deps,
		log:      log,
		jobs:     map[string]*entry{},
		finished: map[string]uint64{},
		pending:  map[string]*time.Timer{},
	}
}

// Start prepares the manager to run jobs under ctx. Run calls it; tests and
// embedders that drive AddJob directly call it themselves.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sup != nil {
		return errors.New("task manager already started")
	}
	m.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(m.log))
	return nil
}

// Run gates on portal health, starts a job for every file in the configs
// directory and keeps the set in sync until ctx is done or, with
// ExitWhenIdle, no job is left. Every job is stopped before Run returns.
func (m *Manager) Run(ctx context.Context) error {
	if st, err := os.Stat(m.cfg.Dir); err != nil {
		return fmt.Errorf("config dir: %w", err)
	} else if !st.IsDir() {
		return fmt.Errorf("config dir: %s is not a directory", m.cfg.Dir)
	}
	if err := ValidateResync(m.cfg.Resync); err != nil {
		return err
	}
	if err := m.waitHealthy(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	if err := m.Start(ctx); err != nil {
		return err
	}
	defer m.Stop()

	changes := make(chan config.Change, 64)
	watcher := config.NewWatcher(m.cfg.Dir, m.log.With(logx.String("comp", "watcher")))
	m.sup.Go("config.watch", func(c context.Context) error {
		return watcher.Watch(c, changes)
	})
	stopResync := m.startResync()
	defer stopResync()

	m.resync()
	m.log.Info("Watching for job files.", logx.String("dir", m.cfg.Dir))

	reap := time.NewTicker(m.cfg.ReapInterval)
	defer reap.Stop()
	for {
		select {
		case <-ctx.Done():
			m.log.Info("Shutting down; stopping all jobs.", logx.Int("live", len(m.Live())))
			return nil
		case ch := <-changes:
			m.Reconcile(ch)
		case <-reap.C:
			m.reap()
			if m.cfg.ExitWhenIdle && m.idle() {
				m.log.Info("No jobs left; exiting.")
				return nil
			}
		}
	}
}

// waitHealthy blocks until the portal answers, polling every StartupPoll.
func (m *Manager) waitHealthy(ctx context.Context) error {
	if m.deps.Health == nil {
		return nil
	}
	for m.deps.Health.UpstreamIsDown(ctx) {
		m.log.Warn("Portal is down; waiting before starting jobs.", logx.Duration("retry_in", m.cfg.StartupPoll))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.cfg.StartupPoll):
		}
	}
	return nil
}

func (m *Manager) startResync() func() {
	if resyncDisabled(m.cfg.Resync) {
		return func() {}
	}
	c := cron.New(cron.WithParser(cronParser))
	// ValidateResync already accepted the spec.
	_, _ = c.AddFunc(strings.TrimSpace(m.cfg.Resync), func() {
		m.Reconcile(config.Change{Op: config.Resync})
	})
	c.Start()
	return func() { <-c.Stop().Done() }
}

// Stop stops every live job, waits for them and for the manager's own
// goroutines. It is safe to call more than once.
func (m *Manager) Stop() {
	m.mu.Lock()
	sup := m.sup
	m.closing = true
	for _, t := range m.pending {
		t.Stop()
	}
	clear(m.pending)
	live := slices.Collect(maps.Values(m.jobs))
	m.mu.Unlock()
	if sup == nil {
		return
	}

	for _, e := range live {
		e.job.Stop()
	}
	sup.Cancel()
	_ = sup.Wait(context.Background())
	m.reap()
}

// AddJob starts a job for jf unless one is already live for the same file.
// It reports whether a job was started.
func (m *Manager) AddJob(jf *config.JobFile) (bool, error) {
	id := config.CanonicalPath(jf.Path)

	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.sup == nil:
		return false, ErrNotStarted
	case m.closing:
		return false, ErrStopping
	}
	if e, ok := m.jobs[id]; ok {
		if !e.exited() {
			return false, nil
		}
		delete(m.jobs, id)
		m.logTerminal(e)
	}

	job, err := m.deps.Factory(jf)
	if err != nil {
		return false, fmt.Errorf("%s: %w", id, err)
	}
	e := &entry{id: id, file: jf, job: job, done: make(chan struct{})}
	m.jobs[id] = e
	delete(m.finished, id)

	m.sup.GoNotify("job:"+filepath.Base(id), job.Run, func(err error) { m.exited(e, err) })
	m.log.Info("Job started.", logx.String("path", id), logx.String("run", job.RunID()))
	m.publish(eventbus.JobStarted, eventbus.JobEvent{ID: id, RunID: job.RunID(), Live: m.liveLocked()})
	return true, nil
}

// exited publishes the finish event before marking e done, so waiters in
// RemoveJob observe events in order.
func (m *Manager) exited(e *entry, err error) {
	ev := eventbus.JobEvent{ID: e.id, RunID: e.job.RunID(), Outcome: registration.Classify(err).String()}
	if err != nil {
		ev.Error = err.Error()
	}
	m.mu.Lock()
	ev.Live = m.liveLocked()
	if cur, ok := m.jobs[e.id]; ok && cur == e {
		ev.Live--
	}
	m.mu.Unlock()
	m.publish(eventbus.JobFinished, ev)

	e.err = err
	close(e.done)
}

// RemoveJob stops the job for id, waits for it to finish and forgets it.
// Removing an unknown id is a no-op.
func (m *Manager) RemoveJob(ctx context.Context, id string) error {
	id = config.CanonicalPath(id)
	m.mu.Lock()
	e, ok := m.jobs[id]
	delete(m.jobs, id)
	delete(m.finished, id)
	m.mu.Unlock()
	if !ok {
		return nil
	}

	e.job.Stop()
	select {
	case <-e.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	m.logTerminal(e)
	m.log.Info("Job removed.", logx.String("path", id), logx.String("run", e.job.RunID()))

	m.mu.Lock()
	live := m.liveLocked()
	m.mu.Unlock()
	m.publish(eventbus.JobRemoved, eventbus.JobEvent{ID: id, RunID: e.job.RunID(), Live: live})
	return nil
}

// Reconcile schedules a change for application once the file has been
// quiet for the debounce window. Resync schedules every known file and
// every file in the directory.
func (m *Manager) Reconcile(ch config.Change) {
	if ch.Op == config.Resync {
		m.resync()
		return
	}
	if ch.Path == "" || !config.IsConfigFile(ch.Path) {
		return
	}
	m.debounce(config.CanonicalPath(ch.Path))
}

func (m *Manager) resync() {
	paths, err := config.ListJobFiles(m.cfg.Dir)
	if err != nil {
		m.log.Warn("Could not list job files.", logx.String("dir", m.cfg.Dir), logx.Err(err))
		return
	}
	m.mu.Lock()
	known := slices.Collect(maps.Keys(m.jobs))
	known = append(known, slices.Collect(maps.Keys(m.finished))...)
	m.mu.Unlock()

	for _, p := range append(paths, known...) {
		m.debounce(p)
	}
}

func (m *Manager) debounce(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sup == nil || m.closing {
		return
	}
	if t, ok := m.pending[id]; ok {
		t.Reset(m.cfg.Debounce)
		return
	}
	m.pending[id] = time.AfterFunc(m.cfg.Debounce, func() { m.fire(id) })
}

func (m *Manager) fire(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, id)
	if m.closing {
		return
	}
	m.applying++
	m.sup.Go0("config.apply", func(ctx context.Context) {
		defer func() {
			m.mu.Lock()
			m.applying--
			m.mu.Unlock()
		}()
		m.apply(ctx, id)
	})
}

// apply makes the job table match the file at id: whether the file exists
// now decides between add, replace and remove.
func (m *Manager) apply(ctx context.Context, id string) {
	m.applyMu.Lock()
	defer m.applyMu.Unlock()

	jf, err := m.deps.Load(id)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if err := m.RemoveJob(ctx, id); err != nil {
			m.log.Warn("Could not remove job.", logx.String("path", id), logx.Err(err))
		}
		return
	case err != nil:
		m.log.Error("Invalid job file; keeping the current state.", logx.String("path", id), logx.Err(err))
		return
	}
	jf.Path = id
	for _, w := range jf.Warnings() {
		m.log.Warn(w, logx.String("path", id))
	}

	m.mu.Lock()
	e := m.jobs[id]
	doneHash, finished := m.finished[id]
	m.mu.Unlock()

	switch {
	case e != nil && e.file.Hash == jf.Hash:
		m.log.Debug("Job file unchanged.", logx.String("path", id))
		return
	case e == nil && finished && doneHash == jf.Hash:
		return
	case e != nil:
		changed, attrs := config.SummarizeJobChange(e.file, jf)
		fields := append([]logx.Field{logx.String("path", id), logx.Strings("changed", changed)}, attrs...)
		m.log.Info("Job file changed; restarting job.", fields...)
		if err := m.RemoveJob(ctx, id); err != nil {
			return
		}
	}
	if _, err := m.AddJob(jf); err != nil && !errors.Is(err, ErrStopping) {
		m.log.Error("Could not start job.", logx.String("path", id), logx.Err(err))
	}
}

// reap forgets jobs whose run ended and logs how they ended.
func (m *Manager) reap() {
	m.mu.Lock()
	var done []*entry
	for id, e := range m.jobs {
		if e.exited() {
			delete(m.jobs, id)
			m.finished[id] = e.file.Hash
			done = append(done, e)
		}
	}
	m.mu.Unlock()
	for _, e := range done {
		m.logTerminal(e)
	}
}

func (m *Manager) logTerminal(e *entry) {
	log := m.log.With(logx.String("path", e.id), logx.String("run", e.job.RunID()))
	switch registration.Classify(e.err) {
	case registration.Completed:
		log.Info("Job finished.")
	case registration.Cancelled:
		log.Info("Job cancelled.")
	default:
		log.Error("Job failed.", logx.Err(e.err))
	}
}

func (m *Manager) idle() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs) == 0 && len(m.pending) == 0 && m.applying == 0
}

// settled reports whether no reconciliation is pending or running.
func (m *Manager) settled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending) == 0 && m.applying == 0
}

// Live returns the ids of jobs that are still running, sorted.
func (m *Manager) Live() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id, e := range m.jobs {
		if !e.exited() {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

func (m *Manager) liveLocked() int {
	n := 0
	for _, e := range m.jobs {
		if !e.exited() {
			n++
		}
	}
	return n
}

func (m *Manager) publish(kind string, ev eventbus.JobEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	m.deps.Bus.Publish(eventbus.Event{Type: kind, Time: ev.At, Data: ev})
}
