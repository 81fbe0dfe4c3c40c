package registration

import (
	"context"

	"dare/internal/course"
)

// Authenticator establishes or refreshes the job's portal session. On the
// first successful login it records the registration instant on
// job.Scheduler. Bad credentials and term ineligibility are Fatal.
type Authenticator interface {
	Authenticate(ctx context.Context, job *Job) error
}

// TermResolver turns a human term description ("2026 Fall De Anza") into
// the portal's term code.
type TermResolver interface {
	ResolveTerm(ctx context.Context, description string) (string, error)
}

// CourseLookup returns the course code for a section. Unknown sections are
// reported as Fatal.
type CourseLookup interface {
	CourseCode(ctx context.Context, term, crn string) (string, error)
}

// RegistrationGate reports whether the portal accepts registrations for term.
type RegistrationGate interface {
	RegistrationOpen(ctx context.Context, term string) (bool, error)
}

type AvailabilityChecker interface {
	CheckAvailability(ctx context.Context, term, crn string) (course.Enrollment, error)
}

// CartFetcher puts sections in the cart and returns one line per crn. A
// line with OK=false is a per-section failure, not an error.
type CartFetcher interface {
	AddToCart(ctx context.Context, term string, crns []string) ([]course.CartLine, error)
}

type BatchSubmitter interface {
	FetchHeld(ctx context.Context, term string) (course.HeldSnapshot, error)
	SubmitBatch(ctx context.Context, batch course.Batch) (course.BatchResponse, error)
}

// Portal is everything a job needs from the registration site.
type Portal interface {
	Authenticator
	TermResolver
	CourseLookup
	RegistrationGate
	AvailabilityChecker
	CartFetcher
	BatchSubmitter
}

type HealthProbe interface {
	UpstreamIsDown(ctx context.Context) bool
}

// Notifier delivers user-facing messages. Delivery is best effort.
type Notifier interface {
	Send(ctx context.Context, title, message string)
}

// Audit event kinds.
const (
	AuditJobStarted  = "job_started"
	AuditJobFinished = "job_finished"
	AuditResolved    = "resolved"
	AuditIneligible  = "ineligible"
	AuditUnmatched   = "unmatched_reason"
	AuditCartError   = "cart_error"
	AuditDropError   = "drop_error"
)

type AuditEvent struct {
	Kind    string
	CRN     string
	Status  string
	Message string
}

// Recorder keeps an append-only trail of outcomes for operators.
type Recorder interface {
	Record(ctx context.Context, job *Job, ev AuditEvent)
}

type nopNotifier struct{}

func (nopNotifier) Send(context.Context, string, string) {}

type nopRecorder struct{}

func (nopRecorder) Record(context.Context, *Job, AuditEvent) {}
