package portal

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dare/internal/course"
	"dare/internal/registration"
	logx "dare/pkg/logx"
)

const (
	testUser = "20123456"
	testPass = "hunter2"
	testTerm = "202722"
)

// fakePortal imitates the registration site and its identity provider on
// one server.
type fakePortal struct {
	t *testing.T

	mu           sync.Mutex
	rejectSAML   int
	eligible     bool
	noHolds      bool
	open         bool
	logins       int
	healthStatus int
	batchStatus  int
	batchBody    map[string]any
	cartCRNs     string
}

func newFakePortal(t *testing.T) (*fakePortal, *httptest.Server) {
	f := &fakePortal{t: t, eligible: true, noHolds: true, healthStatus: http.StatusOK, batchStatus: http.StatusOK}
	srv := httptest.NewServer(f.routes())
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakePortal) loggedIn(r *http.Request) bool {
	c, err := r.Cookie("JSESSIONID")
	return err == nil && c.Value == "signed-in"
}

func (f *fakePortal) routes() http.Handler {
	mux := http.NewServeMux()
	ssb := ssbPath

	mux.HandleFunc(ssb+"/login/authAjax", func(w http.ResponseWriter, r *http.Request) {
		if f.loggedIn(r) {
			http.Redirect(w, r, ssb+"/ssb/registration", http.StatusFound)
			return
		}
		_, _ = io.WriteString(w, "userNotLoggedIn")
	})
	mux.HandleFunc(ssb+"/saml/login", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `<form><input type="hidden" name="SAMLRequest" value="REQ+123="/></form>`)
	})
	mux.HandleFunc("/idp/profile/SAML2/POST/SSO", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		switch {
		case r.URL.Query().Get("execution") == "" && r.Method == http.MethodPost:
			assert.Equal(f.t, "REQ+123=", r.FormValue("SAMLRequest"))
			if f.rejectSAML > 0 {
				f.rejectSAML--
				w.Header().Set("Location", "/ssomanager/ui/error.jsp")
			} else {
				w.Header().Set("Location", loginPath)
			}
			w.WriteHeader(http.StatusFound)
		case r.Method == http.MethodGet:
			_, _ = io.WriteString(w, "<html>login</html>")
		default:
			f.logins++
			if r.FormValue("j_username") != testUser || r.FormValue("j_password") != testPass {
				w.Header().Set("Location", "/idp/profile/SAML2/POST/SSO?execution=e1s2")
				w.WriteHeader(http.StatusFound)
				return
			}
			_, _ = io.WriteString(w, `<input type="hidden" name="SAMLResponse" value="RESP456"/>`)
		}
	})
	mux.HandleFunc(ssb+"/saml/SSO", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(f.t, "RESP456", r.FormValue("SAMLResponse"))
		http.SetCookie(w, &http.Cookie{Name: "JSESSIONID", Value: "signed-in", Path: "/"})
		http.Redirect(w, r, ssb+"/ssb/registration", http.StatusFound)
	})
	mux.HandleFunc(ssb+"/ssb/registration", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc(ssb+"/ssb/term/termSelection", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		status := f.healthStatus
		f.mu.Unlock()
		w.WriteHeader(status)
		if status >= 500 {
			_, _ = io.WriteString(w, "An Internal Error has occurred")
		}
	})
	mux.HandleFunc(ssb+"/ssb/term/search", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(f.t, testTerm, r.FormValue("term"))
		assert.Len(f.t, r.FormValue("uniqueSessionId"), 18)
		if r.URL.Query().Get("mode") != "registration" {
			return
		}
		f.mu.Lock()
		open := f.open
		f.mu.Unlock()
		if open {
			_, _ = io.WriteString(w, `{"fwdURL":"/StudentRegistrationSsb/ssb/classRegistration/classRegistration"}`)
			return
		}
		_, _ = io.WriteString(w, `{"studentEligValid":false,"studentEligFailures":["You have no Registration Time Ticket for the current time."],"fwdURL":"x"}`)
	})
	mux.HandleFunc(ssb+"/ssb/prepareRegistration/prepareRegistration", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		var b strings.Builder
		if f.eligible {
			b.WriteString("<p>Please register within these times</p><td>05/01/2026 09:30 AM</td><td>06/30/2026 11:59 PM</td>")
		}
		if f.noHolds {
			b.WriteString("<p>You have no holds which prevent registration.</p>")
		}
		_, _ = io.WriteString(w, b.String())
	})
	mux.HandleFunc(ssb+"/ssb/classRegistration/getSectionDetailsFromCRN", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("courseReferenceNumber") != "10001" {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = io.WriteString(w, `{"success":false}`)
			return
		}
		_, _ = io.WriteString(w, `{"subject":"COMM","courseTitle":"PUBLIC SPEAKING &amp; DEBATE","sequenceNumber":"1HW","courseNumber":"F01AH",`+
			`"responseDisplay":"PUBLIC SPEAKING &amp; DEBATE COMM C1000H., 1HW","success":true}`)
	})
	mux.HandleFunc(ssb+"/ssb/searchResults/getEnrollmentInfo", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(f.t, http.MethodPost, r.Method)
		assert.Equal(f.t, testTerm, r.URL.Query().Get("term"))
		_, _ = io.WriteString(w, enrollmentHTML(2, 0, 0))
	})
	mux.HandleFunc(ssb+"/ssb/classSearch/getTerms", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `[{"code":"202722","description":"2026 Fall De Anza"},{"code":"202712","description":"2026 Summer Foothill (View Only)"}]`)
	})
	mux.HandleFunc(ssb+"/ssb/classRegistration/classRegistration", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `<script>window.bootstraps = {
    summaryModels:
    [
    {"courseReferenceNumber":"20001","selectedAction":null,"creditHour":4.5}
    ],
    summaryDisplayConfig: []
};</script>`)
	})
	mux.HandleFunc(ssb+"/ssb/classRegistration/addCRNRegistrationItems", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.cartCRNs = r.FormValue("crnList")
		f.mu.Unlock()
		_, _ = io.WriteString(w, `{"aaData":[
			{"success":true,"model":{"courseReferenceNumber":"10001","properties":{"registrationActions":[
				{"registrationAction":"RW"},{"registrationAction":"WL"},{"registrationAction":"internal-remove"}]}}},
			{"success":false,"courseReferenceNumber":"10002","message":"Section is closed"}]}`)
	})
	mux.HandleFunc(ssb+"/ssb/classRegistration/submitRegistration/batch", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(f.t, "application/json", r.Header.Get("Content-Type"))
		f.mu.Lock()
		defer f.mu.Unlock()
		var body map[string]any
		assert.NoError(f.t, json.NewDecoder(r.Body).Decode(&body))
		f.batchBody = body
		if f.batchStatus != http.StatusOK {
			w.WriteHeader(f.batchStatus)
			return
		}
		_, _ = io.WriteString(w, `{"success":true,"data":{"update":[
			{"courseReferenceNumber":"10001","subject":"COMM","courseDisplay":"C1000H","statusDescription":"Registered","messages":[]},
			{"courseReferenceNumber":"20001","subject":"MATH","courseDisplay":"1A.","statusDescription":"Deleted","messages":[{"message":"dropped"}]}]}}`)
	})
	return mux
}

func enrollmentHTML(open, waitActual, waitOpen int) string {
	return fmt.Sprintf(`<section>
<span class="status-bold">Enrollment Actual:</span> <span dir="ltr">38</span>
<span class="status-bold">Enrollment Maximum:</span> <span dir="ltr">40</span>
<span class="status-bold">Enrollment Seats Available:</span> <span dir="ltr">%d</span>
<span class="status-bold">Waitlist Capacity:</span> <span dir="ltr">15</span>
<span class="status-bold">Waitlist Actual:</span> <span dir="ltr">%d</span>
<span class="status-bold">Waitlist Seats Available:</span> <span dir="ltr">%d</span>
</section>`, open, waitActual, waitOpen)
}

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := New(Config{BaseURL: srv.URL, SSOURL: srv.URL, Timeout: 5 * time.Second, ProbeRetryWait: time.Millisecond}, logx.Nop())
	require.NoError(t, err)
	return c
}

func newTestJob(password string) *registration.Job {
	return registration.NewJob("alice", registration.JobSpec{
		Username: testUser,
		Password: password,
		Term:     "2026 Fall De Anza",
		TermCode: testTerm,
		Groups:   []course.Group{{Primary: "10001"}},
	}, logx.Nop())
}

func TestAuthenticateRecordsRegistrationTime(t *testing.T) {
	t.Parallel()
	f, srv := newFakePortal(t)
	c := newTestClient(t, srv)
	job := newTestJob(testPass)
	before := c.SessionID()

	require.NoError(t, c.Authenticate(context.Background(), job))
	at, label := job.Scheduler.RegistrationInstant()
	require.Equal(t, "05/01/2026 09:30 AM", label)
	require.Equal(t, time.Date(2026, 5, 1, 16, 30, 0, 0, time.UTC), at.UTC())
	require.NotEqual(t, before, c.SessionID())

	// The session cookie now satisfies authAjax.
	require.NoError(t, c.Authenticate(context.Background(), job))
	f.mu.Lock()
	require.Equal(t, 1, f.logins)
	f.mu.Unlock()
}

func TestAuthenticateInvalidCredentialsIsFatal(t *testing.T) {
	t.Parallel()
	f, srv := newFakePortal(t)
	err := newTestClient(t, srv).Authenticate(context.Background(), newTestJob("wrong"))
	require.True(t, registration.IsFatal(err))
	require.ErrorContains(t, err, "invalid credentials")
	f.mu.Lock()
	require.Equal(t, 1, f.logins, "bad credentials are not retried")
	f.mu.Unlock()
}

func TestAuthenticateRetriesRejectedSAML(t *testing.T) {
	t.Parallel()
	f, srv := newFakePortal(t)
	f.rejectSAML = 2
	require.NoError(t, newTestClient(t, srv).Authenticate(context.Background(), newTestJob(testPass)))
}

func TestAuthenticateIneligibleIsFatal(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		eligible bool
		noHolds  bool
		want     string
	}{
		{name: "not eligible", eligible: false, noHolds: true, want: "not eligible"},
		{name: "holds", eligible: true, noHolds: false, want: "holds"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f, srv := newFakePortal(t)
			f.eligible, f.noHolds = tt.eligible, tt.noHolds
			err := newTestClient(t, srv).Authenticate(context.Background(), newTestJob(testPass))
			require.True(t, registration.IsFatal(err))
			require.ErrorContains(t, err, tt.want)
		})
	}
}

func TestAuthenticateStopsWhenCancelled(t *testing.T) {
	t.Parallel()
	_, srv := newFakePortal(t)
	job := newTestJob(testPass)
	job.RequestStop()
	err := newTestClient(t, srv).Authenticate(context.Background(), job)
	require.ErrorIs(t, err, registration.ErrTaskCancelled)
}

func TestCheckAvailability(t *testing.T) {
	t.Parallel()
	_, srv := newFakePortal(t)
	c := newTestClient(t, srv)
	e, err := c.CheckAvailability(context.Background(), testTerm, "10001")
	require.NoError(t, err)
	require.Equal(t, course.Open, e.Status)
	require.Equal(t, 2, e.Seats[course.EnrollmentSeatsAvailable])
	require.Equal(t, 15, e.Seats[course.WaitlistCapacity])
}

func TestCourseCode(t *testing.T) {
	t.Parallel()
	_, srv := newFakePortal(t)
	c := newTestClient(t, srv)

	code, err := c.CourseCode(context.Background(), testTerm, "10001")
	require.NoError(t, err)
	require.Equal(t, "COMM C1000H", code)

	_, err = c.CourseCode(context.Background(), testTerm, "99999")
	require.True(t, registration.IsFatal(err))
}

func TestResolveTerm(t *testing.T) {
	t.Parallel()
	_, srv := newFakePortal(t)
	c := newTestClient(t, srv)

	code, err := c.ResolveTerm(context.Background(), "2026 Fall De Anza")
	require.NoError(t, err)
	require.Equal(t, "202722", code)
	code, err = c.ResolveTerm(context.Background(), "2026 Summer Foothill")
	require.NoError(t, err)
	require.Equal(t, "202712", code)

	_, err = c.ResolveTerm(context.Background(), "2019 Fall De Anza")
	require.True(t, registration.IsFatal(err))
}

func TestResolveTermFallsBackToBuiltCode(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	c := newTestClient(t, srv)
	code, err := c.ResolveTerm(context.Background(), "2027 Winter Foothill")
	require.NoError(t, err)
	require.Equal(t, "202731", code)
}

func TestBuildTermCode(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want string
		err  bool
	}{
		{in: "2025 Summer De Anza", want: "202612"},
		{in: "2025 Fall Foothill", want: "202621"},
		{in: "2029 Fall De Anza", want: "203022"},
		{in: "2026 Winter De Anza", want: "202632"},
		{in: "2026 Spring Foothill", want: "202641"},
		{in: "2026 Autumn Foothill", err: true},
		{in: "2026 Fall Cabrillo", err: true},
		{in: "Fall De Anza", err: true},
		{in: "26 Fall De Anza", err: true},
	}
	for _, tt := range tests {
		got, err := BuildTermCode(tt.in)
		if tt.err {
			require.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		require.Equal(t, tt.want, got, tt.in)
	}
}

func TestRegistrationOpen(t *testing.T) {
	t.Parallel()
	f, srv := newFakePortal(t)
	c := newTestClient(t, srv)

	open, err := c.RegistrationOpen(context.Background(), testTerm)
	require.NoError(t, err)
	require.False(t, open)

	f.mu.Lock()
	f.open = true
	f.mu.Unlock()
	open, err = c.RegistrationOpen(context.Background(), testTerm)
	require.NoError(t, err)
	require.True(t, open)
}

func TestCartAndBatch(t *testing.T) {
	t.Parallel()
	f, srv := newFakePortal(t)
	c := newTestClient(t, srv)
	ctx := context.Background()

	held, err := c.FetchHeld(ctx, testTerm)
	require.NoError(t, err)
	drop, ok := held.Find("20001")
	require.True(t, ok)
	require.Equal(t, json.Number("4.5"), drop.Model["creditHour"])

	lines, err := c.AddToCart(ctx, testTerm, []string{"10001", "10002"})
	require.NoError(t, err)
	require.Len(t, lines, 2)
	require.True(t, lines[0].OK)
	require.Equal(t, "10001", lines[0].CRN)
	require.True(t, lines[0].Supports(course.ActionWaitlist))
	require.False(t, lines[1].OK)
	require.Equal(t, "10002", lines[1].CRN)
	require.Equal(t, "Section is closed", lines[1].Message)
	f.mu.Lock()
	require.Equal(t, "10001,10002", f.cartCRNs)
	f.mu.Unlock()

	resp, err := c.SubmitBatch(ctx, course.Batch{
		Adds:  []course.Model{lines[0].Model.WithAction(course.ActionRegister)},
		Drops: []course.Model{drop.Model.WithAction(course.ActionDrop)},
	})
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.Len(t, resp.Updates, 2)
	require.Equal(t, course.StatusRegistered, resp.Updates[0].Status())
	require.Equal(t, course.StatusDropped, resp.Updates[1].Status())
	require.Equal(t, "dropped", resp.Updates[1].Reason())

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Equal(t, c.SessionID(), f.batchBody["uniqueSessionId"])
	require.Empty(t, f.batchBody["create"])
	update := f.batchBody["update"].([]any)
	require.Len(t, update, 2)
	require.Equal(t, "DW", update[1].(map[string]any)["selectedAction"])
	require.Equal(t, 4.5, update[1].(map[string]any)["creditHour"])
}

func TestSubmitBatchOverloaded(t *testing.T) {
	t.Parallel()
	f, srv := newFakePortal(t)
	f.batchStatus = http.StatusBadGateway
	_, err := newTestClient(t, srv).SubmitBatch(context.Background(), course.Batch{})
	require.True(t, registration.IsOverloaded(err))

	var se *StatusError
	require.ErrorAs(t, err, &se)
	require.Equal(t, http.StatusBadGateway, se.Status)
}

func TestUpstreamIsDown(t *testing.T) {
	t.Parallel()
	f, srv := newFakePortal(t)
	c := newTestClient(t, srv)
	require.False(t, c.UpstreamIsDown(context.Background()))

	f.mu.Lock()
	f.healthStatus = http.StatusInternalServerError
	f.mu.Unlock()
	require.True(t, c.UpstreamIsDown(context.Background()))

	srv.Close()
	require.True(t, c.UpstreamIsDown(context.Background()))
}

func TestSessionIDShape(t *testing.T) {
	t.Parallel()
	re := regexp.MustCompile(`^[a-z0-9]{5}[0-9]{13}$`)
	now := time.UnixMilli(1767225600000)
	for range 200 {
		id := newSessionID(now)
		require.Regexp(t, re, id)
		require.True(t, strings.HasSuffix(id, "1767225600000"))
		digits := 0
		for _, r := range id[:5] {
			if r >= '0' && r <= '9' {
				digits++
			}
		}
		require.LessOrEqual(t, digits, 1)
	}
}
