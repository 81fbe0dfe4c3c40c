// Package queue tracks what one job still wants, what it is about to add or
// drop this pass, and what it has to tell the user.
//
// A Manager belongs to a single job and is not safe for concurrent use.
package queue

import (
	"slices"

	"dare/internal/course"
)

type Notification struct {
	Title   string
	Message string
}

type Manager struct {
	groups []course.Group
	codes  map[string]string

	register map[string]struct{}
	drop     map[string]struct{}
	failures int

	notifications []Notification
	held          course.HeldSnapshot
	hasHeld       bool
}

func New(groups []course.Group) *Manager {
	return &Manager{
		groups:   slices.Clone(groups),
		codes:    map[string]string{},
		register: map[string]struct{}{},
		drop:     map[string]struct{}{},
	}
}

// ---- registration / drop sets ----

func (m *Manager) EnqueueRegistration(crn string) { m.register[crn] = struct{}{} }
func (m *Manager) DequeueRegistration(crn string) { delete(m.register, crn) }
func (m *Manager) EnqueueDrop(crn string)         { m.drop[crn] = struct{}{} }
func (m *Manager) DequeueDrop(crn string)         { delete(m.drop, crn) }

func (m *Manager) InRegistration(crn string) bool {
	_, ok := m.register[crn]
	return ok
}

func (m *Manager) InDrop(crn string) bool {
	_, ok := m.drop[crn]
	return ok
}

// Registration returns the queued adds, sorted.
func (m *Manager) Registration() []string { return sortedKeys(m.register) }

// Drops returns the queued drops, sorted.
func (m *Manager) Drops() []string { return sortedKeys(m.drop) }

// ClearQueues empties both sets.
func (m *Manager) ClearQueues() {
	clear(m.register)
	clear(m.drop)
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// ---- failure counter ----

// RecordGroupUnaddable notes that a group did not resolve this pass.
func (m *Manager) RecordGroupUnaddable() { m.failures++ }
func (m *Manager) HasFailures() bool     { return m.failures != 0 }
func (m *Manager) ResetFailures()        { m.failures = 0 }
func (m *Manager) Failures() int         { return m.failures }

// ---- groups ----

// Groups returns the unresolved groups in configuration order.
func (m *Manager) Groups() []course.Group { return slices.Clone(m.groups) }

func (m *Manager) Done() bool { return len(m.groups) == 0 }

// GroupFor finds the group crn belongs to as primary, backup or drop.
func (m *Manager) GroupFor(crn string) (course.Group, bool) {
	i := m.groupIndex(crn)
	if i < 0 {
		return course.Group{}, false
	}
	return m.groups[i], true
}

// RemoveGroup resolves the group containing crn. It reports whether a group
// was removed.
func (m *Manager) RemoveGroup(crn string) bool {
	i := m.groupIndex(crn)
	if i < 0 {
		return false
	}
	m.groups = slices.Delete(m.groups, i, i+1)
	return true
}

// CanWaitlist reports whether the group owning crn allows waitlisting.
func (m *Manager) CanWaitlist(crn string) bool {
	g, ok := m.GroupFor(crn)
	return ok && g.Waitlist
}

func (m *Manager) groupIndex(crn string) int {
	return slices.IndexFunc(m.groups, func(g course.Group) bool { return g.Contains(crn) })
}

// ---- course codes ----

func (m *Manager) SetCourseCode(crn, code string) { m.codes[crn] = code }

func (m *Manager) CourseCode(crn string) string { return m.codes[crn] }

// Label renders crn with its course code when known.
func (m *Manager) Label(crn string) string { return course.Label(crn, m.codes[crn]) }

// ---- notifications ----

func (m *Manager) EnqueueNotification(title, message string) {
	m.notifications = append(m.notifications, Notification{Title: title, Message: message})
}

// DrainNotifications returns the pending notifications in order and empties
// the queue.
func (m *Manager) DrainNotifications() []Notification {
	out := m.notifications
	m.notifications = nil
	return out
}

func (m *Manager) PendingNotifications() int { return len(m.notifications) }

// ---- held snapshot ----

func (m *Manager) SetHeldSnapshot(s course.HeldSnapshot) {
	m.held = s
	m.hasHeld = true
}

// HeldSnapshot returns the snapshot fetched for the current pass, if any.
func (m *Manager) HeldSnapshot() (course.HeldSnapshot, bool) { return m.held, m.hasHeld }

func (m *Manager) ClearHeldSnapshot() {
	m.held = course.HeldSnapshot{}
	m.hasHeld = false
}
