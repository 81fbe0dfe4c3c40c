// Package course holds the registration domain values shared by the queue
// manager, the orchestrator and the portal client.
package course

import (
	"fmt"
	"slices"
)

// Group is one desired course outcome: a primary section, ordered backups,
// and an optional section to release once one of them is registered.
type Group struct {
	Primary string
	Backups []string
	Drop    string

	// PrioritizeOpenSeats prefers the first open section over the one with
	// the shortest waitlist.
	PrioritizeOpenSeats bool
	// Waitlist allows joining a waitlist when no seat is open.
	Waitlist bool
}

// Candidates returns the primary followed by the backups, in preference order.
func (g Group) Candidates() []string {
	out := make([]string, 0, 1+len(g.Backups))
	out = append(out, g.Primary)
	return append(out, g.Backups...)
}

// Contains reports whether crn is the group's primary, a backup or the drop.
func (g Group) Contains(crn string) bool {
	if crn == "" {
		return false
	}
	return g.Primary == crn || g.Drop == crn || slices.Contains(g.Backups, crn)
}

// CRNs lists every id referenced by the group, drop included.
func (g Group) CRNs() []string {
	out := g.Candidates()
	if g.Drop != "" {
		out = append(out, g.Drop)
	}
	return out
}

// Label renders a section the way it appears in logs and notifications.
func Label(crn, code string) string {
	if code == "" {
		return "[" + crn + "]"
	}
	return fmt.Sprintf("[%s] %s", crn, code)
}
