package schedule

import (
	"errors"
	"testing"
	"time"

	logx "dare/pkg/logx"
)

func TestParsePortalTime(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		text string
		want time.Time
	}{
		// PDT, UTC-7.
		{name: "summer morning", text: "05/20/2026 07:30 AM", want: time.Date(2026, 5, 20, 14, 30, 0, 0, time.UTC)},
		// PST, UTC-8.
		{name: "winter evening", text: "11/30/2026 09:05 PM", want: time.Date(2026, 12, 1, 5, 5, 0, 0, time.UTC)},
		{name: "padded", text: "  01/02/2027 12:00 PM ", want: time.Date(2027, 1, 2, 20, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePortalTime(tt.text)
			if err != nil {
				t.Fatalf("ParsePortalTime(%q) error: %v", tt.text, err)
			}
			if !got.Equal(tt.want) {
				t.Fatalf("ParsePortalTime(%q) = %v, want %v", tt.text, got.UTC(), tt.want)
			}
		})
	}

	if _, err := ParsePortalTime("tomorrow at noon"); err == nil {
		t.Fatal("expected error for garbage time")
	}
}

func TestRecordRegistrationInstantFirstWins(t *testing.T) {
	t.Parallel()
	s := New(logx.Nop())
	first := time.Date(2026, 5, 20, 14, 30, 0, 0, time.UTC)
	if !s.RecordRegistrationInstant(first, "first") {
		t.Fatal("first record rejected")
	}
	if s.RecordRegistrationInstant(first.Add(time.Hour), "second") {
		t.Fatal("second record accepted")
	}
	if err := s.RecordRegistrationTime("05/21/2026 07:30 AM"); err != nil {
		t.Fatalf("RecordRegistrationTime on recorded scheduler: %v", err)
	}
	got, label := s.RegistrationInstant()
	if !got.Equal(first) || label != "first" {
		t.Fatalf("instant = %v %q, want first", got, label)
	}
}

func TestSleepsReturnImmediatelyWhenPast(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 5, 20, 15, 0, 0, 0, time.UTC)
	s := New(logx.Nop(), WithNow(func() time.Time { return now }))
	s.RecordRegistrationInstant(now.Add(-time.Minute), "past")

	start := time.Now()
	if err := s.SleepUntilPreAuthWindow(); err != nil {
		t.Fatalf("SleepUntilPreAuthWindow: %v", err)
	}
	if err := s.SleepUntilOpen(); err != nil {
		t.Fatalf("SleepUntilOpen: %v", err)
	}
	if time.Since(start) > 50*time.Millisecond {
		t.Fatal("past sleeps blocked")
	}
}

func TestSleepUntilPreAuthWindowHonorsLead(t *testing.T) {
	t.Parallel()
	now := time.Now()
	// The pre-auth window opened 20ms ago even though the instant is ahead.
	s := New(logx.Nop(), WithNow(time.Now))
	s.RecordRegistrationInstant(now.Add(PreAuthLead-20*time.Millisecond), "soon")

	start := time.Now()
	if err := s.SleepUntilPreAuthWindow(); err != nil {
		t.Fatalf("SleepUntilPreAuthWindow: %v", err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Fatal("pre-auth sleep did not subtract the lead")
	}
}

func TestRequestStopInterruptsSleep(t *testing.T) {
	t.Parallel()
	s := New(logx.Nop())
	s.RecordRegistrationInstant(time.Now().Add(time.Hour), "later")

	errc := make(chan error, 1)
	go func() { errc <- s.SleepUntilOpen() }()

	time.Sleep(20 * time.Millisecond)
	s.RequestStop()

	select {
	case err := <-errc:
		if !errors.Is(err, ErrStopped) {
			t.Fatalf("SleepUntilOpen err = %v, want ErrStopped", err)
		}
	case <-time.After(time.Second):
		t.Fatal("sleep not interrupted by RequestStop")
	}
	if err := s.Checkpoint(); !errors.Is(err, ErrStopped) {
		t.Fatalf("Checkpoint after stop = %v", err)
	}
	if err := s.SleepFor(-time.Second, ""); !errors.Is(err, ErrStopped) {
		t.Fatalf("SleepFor after stop = %v", err)
	}
}

func TestSleepWithoutInstantFails(t *testing.T) {
	t.Parallel()
	s := New(logx.Nop())
	if err := s.SleepUntilOpen(); err == nil {
		t.Fatal("expected error without a recorded instant")
	}
}
