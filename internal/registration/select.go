package registration

import "dare/internal/course"

// Candidate is a probed section eligible for the cart.
type Candidate struct {
	CRN        string
	Enrollment course.Enrollment
}

// Addable reports whether a section in status s may be added for a group
// with the given waitlist policy.
func Addable(s course.Status, waitlist bool) bool { return course.Addable(s, waitlist) }

// SelectBest picks the section to register for. cands must be in preference
// order (primary first, then backups as listed).
//
// With prioritizeOpen the first Open candidate wins. Otherwise, or when none
// is Open, the candidate with the fewest people on the waitlist wins, ties
// going to the earliest.
func SelectBest(cands []Candidate, prioritizeOpen bool) (Candidate, bool) {
	if len(cands) == 0 {
		return Candidate{}, false
	}
	if prioritizeOpen {
		for _, c := range cands {
			if c.Enrollment.Status == course.Open {
				return c, true
			}
		}
	}
	best := cands[0]
	for _, c := range cands[1:] {
		if c.Enrollment.Seats[course.WaitlistActual] < best.Enrollment.Seats[course.WaitlistActual] {
			best = c
		}
	}
	return best, true
}
