package course

import "fmt"

type Status int

const (
	Closed Status = iota
	Open
	WaitlistOpen
	WaitlistSoon
)

func (s Status) String() string {
	switch s {
	case Open:
		return "open"
	case WaitlistOpen:
		return "waitlist_open"
	case WaitlistSoon:
		return "waitlist_soon"
	default:
		return "closed"
	}
}

// SeatType indexes Enrollment.Seats.
type SeatType int

const (
	EnrollmentActual SeatType = iota
	EnrollmentMaximum
	EnrollmentSeatsAvailable
	WaitlistActual
	WaitlistCapacity
	WaitlistSeatsAvailable

	seatTypeCount
)

var seatTypeNames = map[string]SeatType{
	"Enrollment Actual":          EnrollmentActual,
	"Enrollment Maximum":         EnrollmentMaximum,
	"Enrollment Seats Available": EnrollmentSeatsAvailable,
	"Waitlist Actual":            WaitlistActual,
	"Waitlist Capacity":          WaitlistCapacity,
	"Waitlist Seats Available":   WaitlistSeatsAvailable,
}

// ParseSeatType maps the portal's counter caption to a SeatType.
func ParseSeatType(name string) (SeatType, error) {
	t, ok := seatTypeNames[name]
	if !ok {
		return 0, fmt.Errorf("unrecognized seat type name: %q", name)
	}
	return t, nil
}

type Seats [seatTypeCount]int

// Enrollment is the result of one availability probe.
type Enrollment struct {
	Status Status
	Seats  Seats
}

// Classify derives the status from raw seat counters.
//
// Waitlist seats available can be negative on the portal, so the "soon"
// check sums both counters.
func Classify(seats Seats) Enrollment {
	e := Enrollment{Status: Closed, Seats: seats}
	switch {
	case seats[EnrollmentSeatsAvailable] > 0 && seats[WaitlistActual] == 0:
		e.Status = Open
	case seats[WaitlistSeatsAvailable] > 0:
		e.Status = WaitlistOpen
	case seats[EnrollmentSeatsAvailable]+seats[WaitlistSeatsAvailable] > 0:
		e.Status = WaitlistSoon
	}
	return e
}

func (e Enrollment) Describe() string {
	switch e.Status {
	case Open:
		return fmt.Sprintf("Open - Seats Available: %d", e.Seats[EnrollmentSeatsAvailable])
	case WaitlistOpen:
		return fmt.Sprintf("Waitlist - Seats Available: %d", e.Seats[WaitlistSeatsAvailable])
	case WaitlistSoon:
		return fmt.Sprintf("Waitlist - Seats Opening Soon: %d", e.Seats[EnrollmentSeatsAvailable]+e.Seats[WaitlistSeatsAvailable])
	default:
		return "Closed - No Seats Available"
	}
}

// Addable reports whether a section in this state may be put in the cart.
func Addable(s Status, waitlist bool) bool {
	return s == Open || (s == WaitlistOpen && waitlist)
}
