package portal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"dare/internal/registration"
	logx "dare/pkg/logx"
)

// errSAMLRejected means the identity provider refused the SAML request.
// It happens now and then; a fresh session fixes it.
var errSAMLRejected = errors.New("identity provider rejected the SAML request")

// maxSAMLResets bounds fresh-session retries that do not count as attempts.
const maxSAMLResets = 5

// Authenticate signs the job in through single sign-on unless the session
// is still valid. The first login records the registration time.
func (c *Client) Authenticate(ctx context.Context, job *registration.Job) error {
	if err := job.Checkpoint(); err != nil {
		return err
	}
	if c.authenticated(ctx) {
		job.Log.Debug("Already authenticated. Skipping login.")
		return nil
	}

	var lastErr error
	resets := 0
	for attempt := 1; attempt <= c.cfg.AuthRetries; attempt++ {
		job.Log.Debug("Signing in...", logx.Int("attempt", attempt))
		err := c.login(ctx, job)
		switch {
		case err == nil:
			c.renewSessionID()
			job.Log.Info("Successfully signed in.")
			return job.Checkpoint()
		case registration.IsCancelled(err), ctx.Err() != nil:
			return err
		case registration.IsFatal(err):
			return registration.Fatal(fmt.Errorf("authentication: %w", err))
		case errors.Is(err, errSAMLRejected) && resets < maxSAMLResets:
			resets++
			attempt--
			job.Log.Debug("SAML request rejected; starting a fresh session.")
			if rerr := c.resetSession(); rerr != nil {
				return rerr
			}
			continue
		}
		lastErr = err
		job.Log.Error("Authentication error.", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", c.cfg.AuthRetries))
	}
	return registration.Fatal(fmt.Errorf("failed to authenticate after %d attempts: %w", c.cfg.AuthRetries, lastErr))
}

// authenticated reports whether the session is live: authAjax redirects to
// the dashboard for signed-in users and answers "userNotLoggedIn" otherwise.
func (c *Client) authenticated(ctx context.Context) bool {
	r, err := c.get(ctx, c.links.authAjax)
	return err == nil && r.status == http.StatusFound
}

func (c *Client) login(ctx context.Context, job *registration.Job) error {
	// Visiting class registration starts the SAML flow.
	if _, err := c.get(ctx, c.links.classReg); err != nil {
		return err
	}
	r, err := c.get(ctx, c.links.samlLogin)
	if err != nil {
		return err
	}
	samlRequest, err := hiddenValue(r.body)
	if err != nil {
		return err
	}

	r, err = c.postForm(ctx, c.links.idpSSO, url.Values{"SAMLRequest": {samlRequest}})
	if err != nil {
		return err
	}
	if !c.isLoginPage(r.location()) {
		return errSAMLRejected
	}

	if _, err := c.get(ctx, c.links.loginPage); err != nil {
		return err
	}
	r, err = c.postForm(ctx, c.links.loginPage, url.Values{
		"j_username":       {job.Username},
		"j_password":       {job.Password},
		"_eventId_proceed": {""},
	})
	if err != nil {
		return err
	}
	// Bad credentials bounce to the next login step (e1s2, e1s3, ...).
	if r.status == http.StatusFound && strings.HasPrefix(c.relativeSSO(r.location()), loginRetryStart) {
		return registration.Fatal(fmt.Errorf("invalid credentials for %q; check the username and password", job.Username))
	}
	samlResponse, err := hiddenValue(r.body)
	if err != nil {
		return err
	}

	if _, err := c.postForm(ctx, c.links.selfServiceSSO, url.Values{"SAMLResponse": {samlResponse}}); err != nil {
		return err
	}
	if _, err := c.head(ctx, c.links.dashboard); err != nil {
		return err
	}
	if job.Scheduler.HasRegistrationInstant() {
		return nil
	}
	return c.recordRegistrationTime(ctx, job)
}

// recordRegistrationTime reads the registration window from the
// prepare-registration page. Missing eligibility or holds are fatal.
func (c *Client) recordRegistrationTime(ctx context.Context, job *registration.Job) error {
	if job.TermCode == "" {
		return errors.New("term code is not resolved")
	}
	if _, err := c.postForm(ctx, c.links.termConfirmPreReg, c.termForm(job.TermCode)); err != nil {
		return err
	}
	r, err := c.get(ctx, c.links.prepareReg)
	if err != nil {
		return err
	}
	page := string(r.body)
	if !strings.Contains(page, phraseEligible) {
		return registration.Fatal(errors.New("not eligible to register for this term; make sure an application was submitted"))
	}
	if !strings.Contains(page, phraseNoHolds) {
		return registration.Fatal(errors.New("account holds prevent registration; resolve them first"))
	}
	text, ok := registrationTime(r.body)
	if !ok {
		return errors.New("registration time not found on prepare registration page")
	}
	return job.Scheduler.RecordRegistrationTime(text)
}

// isLoginPage reports whether location points at the first login step.
func (c *Client) isLoginPage(location string) bool {
	return location != "" && c.relativeSSO(location) == loginPath
}

// relativeSSO strips the identity provider origin from an absolute url.
func (c *Client) relativeSSO(location string) string {
	return strings.TrimPrefix(location, strings.TrimRight(c.cfg.SSOURL, "/"))
}

func (c *Client) termForm(term string) url.Values {
	return url.Values{
		"term":            {term},
		"studyPath":       {""},
		"studyPathText":   {""},
		"startDatepicker": {""},
		"endDatepicker":   {""},
		"uniqueSessionId": {c.SessionID()},
	}
}
