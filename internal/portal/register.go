package portal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"dare/internal/course"
)

// selectTerm walks the dashboard and term pages so the session is bound to
// term, and returns the term confirmation body.
func (c *Client) selectTerm(ctx context.Context, term string) ([]byte, error) {
	if _, err := c.head(ctx, c.links.dashboard); err != nil {
		return nil, err
	}
	if _, err := c.head(ctx, c.links.termSelectReg); err != nil {
		return nil, err
	}
	r, err := c.postForm(ctx, c.links.termConfirmReg, c.termForm(term))
	if err != nil {
		return nil, err
	}
	return r.body, nil
}

// RegistrationOpen reports whether the portal accepts registrations now.
// Until then the term confirmation lists studentEligFailures; afterwards it
// only carries fwdURL.
func (c *Client) RegistrationOpen(ctx context.Context, term string) (bool, error) {
	body, err := c.selectTerm(ctx, term)
	if err != nil {
		return false, err
	}
	var resp map[string]json.RawMessage
	if err := json.Unmarshal(body, &resp); err != nil {
		return false, fmt.Errorf("term confirmation: %w", err)
	}
	_, closed := resp["studentEligFailures"]
	return !closed, nil
}

// FetchHeld selects term and reads the sections the user holds from the
// class registration page.
func (c *Client) FetchHeld(ctx context.Context, term string) (course.HeldSnapshot, error) {
	if _, err := c.selectTerm(ctx, term); err != nil {
		return course.HeldSnapshot{}, err
	}
	r, err := c.get(ctx, c.links.classReg)
	if err != nil {
		return course.HeldSnapshot{}, err
	}
	models, err := summaryModels(r.body)
	if err != nil {
		return course.HeldSnapshot{}, err
	}
	snap := course.HeldSnapshot{Entries: make([]course.HeldEntry, 0, len(models))}
	for _, m := range models {
		crn := stringField(m, "courseReferenceNumber")
		if crn == "" {
			continue
		}
		snap.Entries = append(snap.Entries, course.HeldEntry{CRN: crn, Model: m})
	}
	return snap, nil
}

type cartResponse struct {
	AAData []map[string]any `json:"aaData"`
}

// AddToCart puts crns in the registration cart and returns one line per
// answer. Per-section failures come back as lines with OK=false.
func (c *Client) AddToCart(ctx context.Context, term string, crns []string) ([]course.CartLine, error) {
	if len(crns) == 0 {
		return nil, errors.New("add to cart: empty crn list")
	}
	r, err := c.postForm(ctx, c.links.addCRNItems, url.Values{
		"crnList": {strings.Join(crns, ",")},
		"term":    {term},
	})
	if err != nil {
		return nil, err
	}
	var resp cartResponse
	if err := decodeJSON(r.body, &resp); err != nil {
		return nil, fmt.Errorf("add to cart: %w", err)
	}

	lines := make([]course.CartLine, 0, len(resp.AAData))
	for _, item := range resp.AAData {
		line := course.CartLine{
			CRN:     stringField(item, "courseReferenceNumber"),
			Message: stringField(item, "message"),
		}
		line.OK, _ = item["success"].(bool)
		if model, ok := item["model"].(map[string]any); ok {
			line.Model = course.Model(model)
			if line.CRN == "" {
				line.CRN = stringField(model, "courseReferenceNumber")
			}
			if props, ok := model["properties"].(map[string]any); ok {
				actions, _ := props["registrationActions"].([]any)
				line.Actions = cartActions(actions)
			}
		}
		lines = append(lines, line)
	}
	return lines, nil
}

type batchRequest struct {
	Create          []course.Model `json:"create"`
	Destroy         []course.Model `json:"destroy"`
	UniqueSessionID string         `json:"uniqueSessionId"`
	Update          []course.Model `json:"update"`
}

type batchReply struct {
	Success bool `json:"success"`
	Data    struct {
		Update []struct {
			CRN               json.Number `json:"courseReferenceNumber"`
			Subject           string      `json:"subject"`
			CourseDisplay     string      `json:"courseDisplay"`
			StatusDescription string      `json:"statusDescription"`
			Messages          []struct {
				Message string `json:"message"`
			} `json:"messages"`
		} `json:"update"`
	} `json:"data"`
}

// SubmitBatch sends the pass's adds and drops as one batch.
func (c *Client) SubmitBatch(ctx context.Context, batch course.Batch) (course.BatchResponse, error) {
	r, err := c.postJSON(ctx, c.links.batch, batchRequest{
		Create:          []course.Model{},
		Destroy:         []course.Model{},
		UniqueSessionID: c.SessionID(),
		Update:          batch.Updates(),
	})
	if err != nil {
		return course.BatchResponse{}, err
	}
	var reply batchReply
	if err := decodeJSON(r.body, &reply); err != nil {
		return course.BatchResponse{}, fmt.Errorf("batch response: %w", err)
	}

	out := course.BatchResponse{Success: reply.Success}
	for _, u := range reply.Data.Update {
		line := course.UpdateLine{
			CRN:               u.CRN.String(),
			Subject:           u.Subject,
			CourseDisplay:     u.CourseDisplay,
			StatusDescription: u.StatusDescription,
		}
		for _, m := range u.Messages {
			line.Messages = append(line.Messages, m.Message)
		}
		out.Updates = append(out.Updates, line)
	}
	return out, nil
}
