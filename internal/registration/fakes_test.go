package registration

import (
	"context"
	"errors"
	"sync"
	"time"

	"dare/internal/course"
	logx "dare/pkg/logx"
)

type fakePortal struct {
	mu sync.Mutex

	instant   time.Time
	authErr   error
	authCalls int

	codes   map[string]string
	invalid map[string]bool

	avail    map[string]course.Status
	waitlist map[string]int
	availErr map[string]error
	probes   int

	cartLines  func(crns []string) []course.CartLine
	cartCalls  int
	held       course.HeldSnapshot
	response   func(b course.Batch) (course.BatchResponse, error)
	submitted  []course.Batch
	openChecks int

	// calls counts every request of any kind.
	calls int
}

func newFakePortal() *fakePortal {
	return &fakePortal{
		instant:  time.Now().Add(-time.Minute),
		codes:    map[string]string{},
		invalid:  map[string]bool{},
		avail:    map[string]course.Status{},
		waitlist: map[string]int{},
		availErr: map[string]error{},
	}
}

func (f *fakePortal) Authenticate(_ context.Context, job *Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.authCalls++
	if f.authErr != nil {
		return f.authErr
	}
	job.Scheduler.RecordRegistrationInstant(f.instant, "test instant")
	return nil
}

func (f *fakePortal) ResolveTerm(context.Context, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return "202622", nil
}

func (f *fakePortal) CourseCode(_ context.Context, _, crn string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.invalid[crn] {
		return "", Fatal(errors.New("no such section " + crn))
	}
	return f.codes[crn], nil
}

func (f *fakePortal) RegistrationOpen(context.Context, string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.openChecks++
	return true, nil
}

func (f *fakePortal) CheckAvailability(_ context.Context, _, crn string) (course.Enrollment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.probes++
	if err := f.availErr[crn]; err != nil {
		return course.Enrollment{}, err
	}
	var seats course.Seats
	seats[course.WaitlistActual] = f.waitlist[crn]
	return course.Enrollment{Status: f.avail[crn], Seats: seats}, nil
}

func (f *fakePortal) AddToCart(_ context.Context, _ string, crns []string) ([]course.CartLine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.cartCalls++
	if f.cartLines != nil {
		return f.cartLines(crns), nil
	}
	out := make([]course.CartLine, 0, len(crns))
	for _, crn := range crns {
		out = append(out, course.CartLine{
			CRN:     crn,
			OK:      true,
			Model:   course.Model{"courseReferenceNumber": crn},
			Actions: []string{course.ActionRegister},
		})
	}
	return out, nil
}

func (f *fakePortal) FetchHeld(context.Context, string) (course.HeldSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.held, nil
}

func (f *fakePortal) SubmitBatch(_ context.Context, b course.Batch) (course.BatchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.submitted = append(f.submitted, b)
	if f.response != nil {
		return f.response(b)
	}
	return registerAll(b), nil
}

func (f *fakePortal) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// registerAll answers every add with Registered and every drop with Deleted.
func registerAll(b course.Batch) course.BatchResponse {
	resp := course.BatchResponse{Success: true}
	for _, m := range b.Adds {
		resp.Updates = append(resp.Updates, course.UpdateLine{CRN: m["courseReferenceNumber"].(string), StatusDescription: course.StatusRegistered})
	}
	for _, m := range b.Drops {
		resp.Updates = append(resp.Updates, course.UpdateLine{CRN: m["courseReferenceNumber"].(string), StatusDescription: course.StatusDeleted})
	}
	return resp
}

type sentNotification struct {
	title   string
	message string
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sentNotification
}

func (n *fakeNotifier) Send(_ context.Context, title, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentNotification{title: title, message: message})
}

func (n *fakeNotifier) titles() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.sent))
	for _, s := range n.sent {
		out = append(out, s.title)
	}
	return out
}

func (n *fakeNotifier) all() []sentNotification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]sentNotification(nil), n.sent...)
}

type fakeHealth struct {
	mu        sync.Mutex
	downTimes int
	checks    int
}

func (h *fakeHealth) UpstreamIsDown(context.Context) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks++
	if h.downTimes > 0 {
		h.downTimes--
		return true
	}
	return false
}

type fakeRecorder struct {
	mu     sync.Mutex
	events []AuditEvent
}

func (r *fakeRecorder) Record(_ context.Context, _ *Job, ev AuditEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *fakeRecorder) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

type harness struct {
	job      *Job
	portal   *fakePortal
	notifier *fakeNotifier
	health   *fakeHealth
	recorder *fakeRecorder
	orch     *Orchestrator
}

func newHarness(watch bool, groups ...course.Group) *harness {
	h := &harness{
		portal:   newFakePortal(),
		notifier: &fakeNotifier{},
		health:   &fakeHealth{},
		recorder: &fakeRecorder{},
	}
	h.job = NewJob("configs/test.yaml", JobSpec{
		Username:          "12345678",
		Password:          "secret",
		Term:              "2026 Fall De Anza",
		TermCode:          "202622",
		WatchForOpenSeats: watch,
		Groups:            groups,
	}, logx.Nop())
	h.orch = New(h.job, Deps{
		Portal:   h.portal,
		Health:   h.health,
		Notifier: h.notifier,
		Recorder: h.recorder,
	}, LoopConfig{HealthPoll: 5 * time.Millisecond, OpenPoll: 5 * time.Millisecond})
	return h
}
