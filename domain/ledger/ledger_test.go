package ledger

import (
	"testing"
	"time"
)

func TestVerifySequence(t *testing.T) {
	ok := []Transaction{
		{ID: "1", Type: TxPurchase, Amount: 100, BalanceAfter: 100},
		{ID: "2", Type: TxConsumption, Amount: -30, BalanceAfter: 70},
		{ID: "3", Type: TxRefund, Amount: 30, BalanceAfter: 100},
		{ID: "4", Type: TxConsumption, Amount: -100, BalanceAfter: 0},
	}
	if err := VerifySequence(ok); err != nil {
		t.Errorf("valid sequence rejected: %v", err)
	}

	if err := VerifySequence(nil); err != nil {
		t.Errorf("empty sequence rejected: %v", err)
	}
}

func TestVerifySequenceDetectsGaps(t *testing.T) {
	broken := []Transaction{
		{ID: "1", Amount: 100, BalanceAfter: 100},
		{ID: "2", Amount: -30, BalanceAfter: 80},
	}
	if err := VerifySequence(broken); err == nil {
		t.Error("mismatched balance_after accepted")
	}
}

func TestVerifySequenceDetectsNegativeOpening(t *testing.T) {
	broken := []Transaction{
		{ID: "1", Amount: 100, BalanceAfter: 50},
	}
	if err := VerifySequence(broken); err == nil {
		t.Error("negative implied opening balance accepted")
	}
}

func TestReservationExpired(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r := Reservation{Status: ReservationPending, ExpiresAt: now.Add(-time.Second)}
	if !r.Expired(now) {
		t.Error("pending past-TTL reservation should be expired")
	}

	r.Status = ReservationCommitted
	if r.Expired(now) {
		t.Error("committed reservation should never expire")
	}

	r = Reservation{Status: ReservationPending, ExpiresAt: now.Add(time.Minute)}
	if r.Expired(now) {
		t.Error("pending reservation within TTL should not be expired")
	}
}
