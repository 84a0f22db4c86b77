package subscription

import (
	"testing"
	"time"
)

func TestRolloverWithinPeriod(t *testing.T) {
	s := State{
		CurrentPeriodStart: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		CurrentPeriodEnd:   time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC),
		CallsUsed:          42,
	}
	got, changed := Rollover(s, time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC))
	if changed {
		t.Error("rollover inside the period should be a no-op")
	}
	if got.CallsUsed != 42 {
		t.Errorf("CallsUsed = %d, want 42", got.CallsUsed)
	}
}

func TestRolloverAdvancesAndResets(t *testing.T) {
	s := State{
		CurrentPeriodStart: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		CurrentPeriodEnd:   time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC),
		CallsUsed:          42,
	}
	now := time.Date(2025, 7, 2, 0, 0, 0, 0, time.UTC)

	got, changed := Rollover(s, now)
	if !changed {
		t.Fatal("rollover past the period end should apply")
	}
	if got.CallsUsed != 0 {
		t.Errorf("CallsUsed = %d, want 0", got.CallsUsed)
	}
	if !got.CurrentPeriodStart.Equal(s.CurrentPeriodEnd) {
		t.Errorf("period start = %v, want %v", got.CurrentPeriodStart, s.CurrentPeriodEnd)
	}
	if !now.Before(got.CurrentPeriodEnd) {
		t.Errorf("period end %v should be after now", got.CurrentPeriodEnd)
	}

	// Idempotent within the new period.
	again, changed := Rollover(got, now)
	if changed {
		t.Error("second rollover in the same period should be a no-op")
	}
	if !again.CurrentPeriodEnd.Equal(got.CurrentPeriodEnd) {
		t.Error("second rollover moved the period")
	}
}

func TestRolloverSkipsIdlePeriods(t *testing.T) {
	s := State{
		CurrentPeriodStart: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		CurrentPeriodEnd:   time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC),
		CallsUsed:          7,
	}
	now := time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC)

	got, changed := Rollover(s, now)
	if !changed {
		t.Fatal("rollover should apply after months of idleness")
	}
	if now.Before(got.CurrentPeriodStart) || !now.Before(got.CurrentPeriodEnd) {
		t.Errorf("now %v not inside rolled period [%v, %v)", now, got.CurrentPeriodStart, got.CurrentPeriodEnd)
	}
	if got.CallsUsed != 0 {
		t.Errorf("CallsUsed = %d, want 0", got.CallsUsed)
	}
}

func TestIsActive(t *testing.T) {
	for status, want := range map[Status]bool{
		StatusActive:   true,
		StatusTrialing: true,
		StatusPastDue:  false,
		StatusCanceled: false,
	} {
		if got := (State{Status: status}).IsActive(); got != want {
			t.Errorf("IsActive(%s) = %v, want %v", status, got, want)
		}
	}
}

func TestPeriodBounds(t *testing.T) {
	start, end := PeriodBounds(time.Date(2025, 6, 15, 13, 0, 0, 0, time.UTC))
	if !start.Equal(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("start = %v", start)
	}
	if !end.Equal(time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("end = %v", end)
	}
}
