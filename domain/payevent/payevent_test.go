package payevent

import (
	"testing"
	"time"
)

func TestBackoffDoublesAndCaps(t *testing.T) {
	p := RetryPolicy{MaxRetries: 10, BaseDelay: 30 * time.Second, MaxDelay: 5 * time.Minute}

	want := []time.Duration{
		30 * time.Second,
		time.Minute,
		2 * time.Minute,
		4 * time.Minute,
		5 * time.Minute,
		5 * time.Minute,
	}
	for n, w := range want {
		if got := p.Backoff(n); got != w {
			t.Errorf("Backoff(%d) = %v, want %v", n, got, w)
		}
	}
}

func TestFailSchedulesRetries(t *testing.T) {
	p := RetryPolicy{MaxRetries: 2, BaseDelay: 30 * time.Second, MaxDelay: time.Hour}
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	e := Event{ExternalID: "evt_1", Status: StatusPending}

	e = Fail(e, "boom", p, now)
	if e.Status != StatusPending || e.RetryCount != 1 {
		t.Fatalf("after first failure: status=%s retries=%d", e.Status, e.RetryCount)
	}
	if !e.NextRetryAt.Equal(now.Add(30 * time.Second)) {
		t.Errorf("first retry at %v", e.NextRetryAt)
	}
	if e.LastError != "boom" {
		t.Errorf("LastError = %q", e.LastError)
	}

	e = Fail(e, "boom", p, now)
	if e.Status != StatusPending || e.RetryCount != 2 {
		t.Fatalf("after second failure: status=%s retries=%d", e.Status, e.RetryCount)
	}
	if !e.NextRetryAt.Equal(now.Add(time.Minute)) {
		t.Errorf("second retry at %v", e.NextRetryAt)
	}

	// Budget exhausted: stays failed, no further retries scheduled.
	e = Fail(e, "boom", p, now)
	if e.Status != StatusFailed {
		t.Fatalf("after exhausting budget: status=%s", e.Status)
	}
	if e.RetryCount != 2 {
		t.Errorf("RetryCount = %d, want 2", e.RetryCount)
	}
}

func TestProcessedClearsError(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	e := Event{Status: StatusPending, LastError: "transient"}

	e = Processed(e, now)
	if e.Status != StatusProcessed || e.LastError != "" {
		t.Errorf("Processed = %+v", e)
	}
	if !e.UpdatedAt.Equal(now) {
		t.Errorf("UpdatedAt = %v", e.UpdatedAt)
	}
}
