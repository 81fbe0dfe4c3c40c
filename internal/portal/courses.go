package portal

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"dare/internal/course"
	"dare/internal/registration"
	logx "dare/pkg/logx"
)

const viewOnlySuffix = " (View Only)"

// ResolveTerm maps "2026 Fall De Anza" to the portal's term code using the
// public term list. When the list cannot be fetched the code is built from
// the description instead.
func (c *Client) ResolveTerm(ctx context.Context, description string) (string, error) {
	description = strings.TrimSpace(description)
	terms, err := c.loadTerms(ctx)
	if err != nil || len(terms) == 0 {
		c.log.Warn("Could not get terms from the portal; building the term code.", logx.Err(err))
		code, berr := BuildTermCode(description)
		if berr != nil {
			return "", registration.Fatal(berr)
		}
		return code, nil
	}
	code, ok := terms[description]
	if !ok {
		return "", registration.Fatal(fmt.Errorf("invalid or out-of-date term %q", description))
	}
	return code, nil
}

func (c *Client) loadTerms(ctx context.Context) (map[string]string, error) {
	c.termsMu.Lock()
	defer c.termsMu.Unlock()
	if c.terms != nil {
		return c.terms, nil
	}

	q := url.Values{"searchTerm": {""}, "offset": {"1"}, "max": {"4"}}
	req, err := c.newRequest(ctx, http.MethodGet, c.links.terms+"?"+q.Encode(), nil, "")
	if err != nil {
		return nil, err
	}
	r, err := c.do(c.lookup, req)
	if err != nil {
		return nil, err
	}
	var list []struct {
		Code        string `json:"code"`
		Description string `json:"description"`
	}
	if err := decodeJSON(r.body, &list); err != nil {
		return nil, fmt.Errorf("terms: %w", err)
	}
	terms := make(map[string]string, len(list))
	for _, t := range list {
		terms[strings.TrimSuffix(t.Description, viewOnlySuffix)] = t.Code
	}
	c.terms = terms
	return terms, nil
}

// BuildTermCode converts "YYYY Season Campus" to the six digit term code
// YYYYSC. Summer (1) and Fall (2) belong to the next academic year; Winter
// is 3 and Spring 4. Foothill is campus 1, De Anza 2.
func BuildTermCode(description string) (string, error) {
	parts := strings.Fields(description)
	if len(parts) < 3 {
		return "", fmt.Errorf("invalid term %q: want \"YYYY Season Campus\"", description)
	}
	year, err := strconv.Atoi(parts[0])
	if err != nil || len(parts[0]) != 4 {
		return "", fmt.Errorf("invalid term %q: bad year", description)
	}

	var season int
	switch parts[1] {
	case "Summer":
		year, season = year+1, 1
	case "Fall":
		year, season = year+1, 2
	case "Winter":
		season = 3
	case "Spring":
		season = 4
	default:
		return "", fmt.Errorf("invalid term %q: unknown season", description)
	}

	var campus int
	switch parts[2][0] {
	case 'F':
		campus = 1
	case 'D':
		campus = 2
	default:
		return "", fmt.Errorf("invalid term %q: unknown campus", description)
	}
	return fmt.Sprintf("%04d%d%d", year, season, campus), nil
}

// CourseCode looks up the section's course code. A section that does not
// exist for the term is Fatal.
func (c *Client) CourseCode(ctx context.Context, term, crn string) (string, error) {
	q := url.Values{"courseReferenceNumber": {crn}, "term": {term}}
	r, err := c.get(ctx, c.links.sectionDetails+"?"+q.Encode())

	var details sectionDetails
	if derr := decodeJSON(r.body, &details); derr == nil && details.Success != nil && !*details.Success {
		return "", registration.Fatal(fmt.Errorf("failed to get course details for crn %s", crn))
	}
	if err != nil {
		return "", err
	}
	if details.ResponseDisplay == "" && details.Subject == "" {
		return "", fmt.Errorf("crn %s: unexpected section details response", crn)
	}
	return details.courseCode(), nil
}

// CheckAvailability reads the seat counters for one section. It does not
// use the session, is rate limited, and retries transient failures.
func (c *Client) CheckAvailability(ctx context.Context, term, crn string) (course.Enrollment, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return course.Enrollment{}, err
		}
	}
	q := url.Values{"term": {term}, "courseReferenceNumber": {crn}}
	req, err := c.newRequest(ctx, http.MethodPost, c.links.enrollmentInfo+"?"+q.Encode(), nil, "")
	if err != nil {
		return course.Enrollment{}, err
	}
	r, err := c.do(c.lookup, req)
	if err != nil {
		return course.Enrollment{}, fmt.Errorf("[%s] error getting course information: %w", crn, err)
	}
	seats, err := parseSeats(r.body)
	if err != nil {
		return course.Enrollment{}, fmt.Errorf("[%s] %w", crn, err)
	}
	return course.Classify(seats), nil
}
