package course

import (
	"maps"
	"slices"
)

// Registration actions understood by the batch endpoint.
const (
	ActionRegister = "RW"
	ActionWaitlist = "WL"
	ActionDrop     = "DW"
)

// Line statuses reported by the batch endpoint.
const (
	StatusRegistered = "Registered"
	StatusWaitlisted = "Waitlisted"
	StatusDropped    = "Dropped"
	StatusDeleted    = "Deleted"
	StatusErrors     = "Errors Preventing Registration"
)

// Model is a server-side line representation. Treat it as immutable: use
// WithAction to derive the copy that goes into a batch.
type Model map[string]any

// WithAction returns a shallow copy of m with selectedAction set.
func (m Model) WithAction(action string) Model {
	out := maps.Clone(m)
	if out == nil {
		out = Model{}
	}
	out["selectedAction"] = action
	return out
}

// CartLine is the portal's answer for one crn put into the cart.
type CartLine struct {
	CRN     string
	OK      bool
	Message string
	Model   Model
	Actions []string
}

func (l CartLine) Supports(action string) bool {
	return slices.Contains(l.Actions, action)
}

// HeldEntry is one section the user currently holds.
type HeldEntry struct {
	CRN   string
	Model Model
}

// HeldSnapshot is the set of sections held at the time it was fetched.
type HeldSnapshot struct {
	Entries []HeldEntry
}

func (s HeldSnapshot) Find(crn string) (HeldEntry, bool) {
	for _, e := range s.Entries {
		if e.CRN == crn {
			return e, true
		}
	}
	return HeldEntry{}, false
}

func (s HeldSnapshot) Empty() bool { return len(s.Entries) == 0 }

// Batch is the single submission built for one pass.
type Batch struct {
	Adds  []Model
	Drops []Model
}

// Updates returns adds followed by drops, in submission order.
func (b Batch) Updates() []Model {
	out := make([]Model, 0, len(b.Adds)+len(b.Drops))
	out = append(out, b.Adds...)
	return append(out, b.Drops...)
}

// UpdateLine is the server's verdict for one line of a submitted batch.
type UpdateLine struct {
	CRN               string
	Subject           string
	CourseDisplay     string
	StatusDescription string
	Messages          []string
}

// Status normalizes the reported status; "Deleted" is shown as "Dropped".
func (u UpdateLine) Status() string {
	if u.StatusDescription == StatusDeleted {
		return StatusDropped
	}
	return u.StatusDescription
}

func (u UpdateLine) Succeeded() bool {
	switch u.Status() {
	case StatusRegistered, StatusWaitlisted, StatusDropped:
		return true
	}
	return false
}

// Reason is the first server message, if any.
func (u UpdateLine) Reason() string {
	if len(u.Messages) == 0 {
		return ""
	}
	return u.Messages[0]
}

type BatchResponse struct {
	Success bool
	Updates []UpdateLine
}
