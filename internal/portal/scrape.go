package portal

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"regexp"
	"strconv"
	"strings"

	"dare/internal/course"
)

var (
	hiddenInputRe = regexp.MustCompile(`<input\s+type\s*=\s*["']hidden["'][^>]*?\bname\s*=\s*["']([^"']+)["'][^>]*?\bvalue\s*=\s*["']([^"']+)["'][^>]*?>`)
	seatRe        = regexp.MustCompile(`<span class="status-bold">([^<:]+):</span>\s*<span[^>]*>(\d+)</span>`)
	regTimeRe     = regexp.MustCompile(`\b(\d{2}/\d{2}/\d{4} \d{2}:\d{2} (?:AM|PM))\b`)
)

// Phrases on the prepare-registration page.
const (
	phraseEligible = "Please register within these times"
	phraseNoHolds  = "You have no holds which prevent registration."
)

var errNoHiddenInput = errors.New("no hidden input in login page")

// hiddenValue returns the value of the page's hidden input (the SAML
// message). The login pages carry exactly one.
func hiddenValue(page []byte) (string, error) {
	m := hiddenInputRe.FindSubmatch(page)
	if m == nil {
		return "", errNoHiddenInput
	}
	return html.UnescapeString(string(m[2])), nil
}

// parseSeats reads the seat counters from the enrollment info fragment.
func parseSeats(page []byte) (course.Seats, error) {
	var seats course.Seats
	matches := seatRe.FindAllSubmatch(page, -1)
	if len(matches) == 0 {
		return seats, errors.New("no enrollment data in response")
	}
	for _, m := range matches {
		st, err := course.ParseSeatType(strings.TrimSpace(string(m[1])))
		if err != nil {
			return seats, err
		}
		n, err := strconv.Atoi(string(m[2]))
		if err != nil {
			return seats, err
		}
		seats[st] = n
	}
	return seats, nil
}

// registrationTime finds the first "MM/DD/YYYY hh:mm AM" on the page.
func registrationTime(page []byte) (string, bool) {
	m := regTimeRe.FindSubmatch(page)
	if m == nil {
		return "", false
	}
	return string(m[1]), true
}

// summaryModels extracts the held-section models embedded in the class
// registration page's bootstrap script:
//
//	summaryModels:
//	[ {...}, {...} ],
//	summaryDisplayConfig: ...
func summaryModels(page []byte) ([]course.Model, error) {
	const startMark, endMark = "summaryModels:", "summaryDisplayConfig"
	i := bytes.Index(page, []byte(startMark))
	if i < 0 {
		return nil, errors.New("summaryModels not found in class registration page")
	}
	rest := page[i+len(startMark):]
	j := bytes.Index(rest, []byte(endMark))
	if j < 0 {
		return nil, errors.New("summaryDisplayConfig not found in class registration page")
	}
	raw := bytes.TrimSpace(rest[:j])
	raw = bytes.TrimSpace(bytes.TrimSuffix(raw, []byte(",")))

	var models []course.Model
	if err := decodeJSON(raw, &models); err != nil {
		return nil, fmt.Errorf("summaryModels: %w", err)
	}
	return models, nil
}

// decodeJSON keeps numbers as json.Number so server models round-trip
// unchanged.
func decodeJSON(b []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	return dec.Decode(v)
}

// stringField reads a string-or-number field of a decoded object.
func stringField(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

type sectionDetails struct {
	Success         *bool  `json:"success"`
	Subject         string `json:"subject"`
	CourseTitle     string `json:"courseTitle"`
	CourseNumber    string `json:"courseNumber"`
	SequenceNumber  string `json:"sequenceNumber"`
	ResponseDisplay string `json:"responseDisplay"`
}

// courseCode derives "COMM C1000H" from the section details. The display
// is "<title> <code>, <section>"; courseNumber still uses the retired
// numbering and is only a fallback.
func (d sectionDetails) courseCode() string {
	display := html.UnescapeString(d.ResponseDisplay)
	title := html.UnescapeString(d.CourseTitle)
	code, okPrefix := strings.CutPrefix(display, title+" ")
	code, okSuffix := strings.CutSuffix(code, ", "+d.SequenceNumber)
	if !okPrefix || !okSuffix || strings.TrimSpace(code) == "" {
		return formatCourseCode(d.Subject, d.CourseNumber)
	}
	return strings.TrimSuffix(strings.TrimSpace(code), ".")
}

// formatCourseCode joins subject and number, dropping a trailing dot.
func formatCourseCode(subject, number string) string {
	return strings.TrimSuffix(strings.TrimSpace(subject+" "+number), ".")
}

// cartActions lists the registration actions offered for a cart line. The
// portal sends objects; when none carries a recognizable code, the usual
// three-entry shape means RW, WL and remove.
func cartActions(raw []any) []string {
	var out []string
	for _, a := range raw {
		switch v := a.(type) {
		case string:
			out = append(out, v)
		case map[string]any:
			for _, k := range []string{"registrationAction", "action", "code", "value"} {
				if s := stringField(v, k); s != "" {
					out = append(out, s)
					break
				}
			}
		}
	}
	if len(out) == 0 && len(raw) == 3 {
		return []string{course.ActionRegister, course.ActionWaitlist, "internal-remove"}
	}
	return out
}
