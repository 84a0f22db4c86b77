package payment

import (
	"testing"
)

func TestDummyWebhookRoundTrip(t *testing.T) {
	p := NewDummyProvider("test-secret")

	payload := []byte(`{"id":"evt_1","type":"payment_intent.succeeded","data":{"id":"pi_1","amount":500}}`)
	id, typ, data, err := p.ParseWebhook(payload, p.Sign(payload))
	if err != nil {
		t.Fatalf("ParseWebhook: %v", err)
	}
	if id != "evt_1" || typ != "payment_intent.succeeded" {
		t.Errorf("id=%q type=%q", id, typ)
	}
	if data["id"] != "pi_1" {
		t.Errorf("data = %v", data)
	}
}

func TestDummyWebhookRejectsBadSignature(t *testing.T) {
	p := NewDummyProvider("test-secret")
	payload := []byte(`{"id":"evt_1","type":"x"}`)

	if _, _, _, err := p.ParseWebhook(payload, "deadbeef"); err == nil {
		t.Error("bad signature accepted")
	}

	other := NewDummyProvider("other-secret")
	if _, _, _, err := p.ParseWebhook(payload, other.Sign(payload)); err == nil {
		t.Error("signature from wrong secret accepted")
	}
}

func TestDummyWebhookRejectsIncompleteEnvelope(t *testing.T) {
	p := NewDummyProvider("")

	for _, payload := range []string{
		`{"type":"payment_intent.succeeded"}`,
		`{"id":"evt_1"}`,
		`not json`,
	} {
		b := []byte(payload)
		if _, _, _, err := p.ParseWebhook(b, p.Sign(b)); err == nil {
			t.Errorf("payload %q accepted", payload)
		}
	}
}
