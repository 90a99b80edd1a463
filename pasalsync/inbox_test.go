package pasalsync

import (
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/marketsync_backend/models"
)

func TestBackoffDelaySchedule(t *testing.T) {
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 1 * time.Minute},
		{1, 1 * time.Minute},
		{2, 5 * time.Minute},
		{3, 15 * time.Minute},
		{4, 1 * time.Hour},
		{5, 3 * time.Hour},
		// Past the last tier the delay repeats instead of growing.
		{6, 3 * time.Hour},
		{50, 3 * time.Hour},
	}
	for _, c := range cases {
		if got := backoffDelay(c.attempts); got != c.want {
			t.Errorf("backoffDelay(%d) = %s, want %s", c.attempts, got, c.want)
		}
	}
}

func TestEntityIdPriority(t *testing.T) {
	p := &WebhookPayload{OrderSn: "O1", ReturnSn: "R1", TrackingNumber: "T1"}
	if got := p.EntityId(); got != "O1" {
		t.Fatalf("EntityId = %q, want order_sn", got)
	}
	p.OrderSn = "  "
	if got := p.EntityId(); got != "R1" {
		t.Fatalf("EntityId = %q, want return_sn", got)
	}
	p.ReturnSn = ""
	if got := p.EntityId(); got != "T1" {
		t.Fatalf("EntityId = %q, want tracking_number", got)
	}
	p.TrackingNumber = ""
	if got := p.EntityId(); got != "" {
		t.Fatalf("EntityId = %q, want empty", got)
	}
}

func TestDeriveIdempotencyKeyExplicitIdWins(t *testing.T) {
	p := &WebhookPayload{EventId: " evt-42 ", EventType: "order_status", OrderSn: "O1"}
	if got := DeriveIdempotencyKey(p); got != "evt-42" {
		t.Fatalf("key = %q, want trimmed event id", got)
	}
}

func TestDeriveIdempotencyKeyContentHash(t *testing.T) {
	a := &WebhookPayload{EventType: "order_status", OrderSn: "O1", Status: "COMPLETED", UpdateTime: 100}
	b := &WebhookPayload{EventType: "order_status", OrderSn: "O1", Status: "COMPLETED", UpdateTime: 100}

	keyA := DeriveIdempotencyKey(a)
	if keyA != DeriveIdempotencyKey(b) {
		t.Fatal("identical payloads hash to different keys")
	}
	if len(keyA) != 64 {
		t.Fatalf("key length = %d, want 64 hex chars", len(keyA))
	}

	b.UpdateTime = 101
	if keyA == DeriveIdempotencyKey(b) {
		t.Fatal("different update_time collapsed onto one key")
	}

	c := &WebhookPayload{EventType: "order_status", OrderSn: "O2", Status: "COMPLETED", UpdateTime: 100}
	if keyA == DeriveIdempotencyKey(c) {
		t.Fatal("different orders collapsed onto one key")
	}
}

func TestRecognizedEventType(t *testing.T) {
	for _, known := range []string{"order_status", "order_tracking", "return_status", "escrow_release"} {
		if !recognizedEventType(known) {
			t.Errorf("recognizedEventType(%q) = false", known)
		}
	}
	// Legacy pushes carry no type at all; those pass through.
	if !recognizedEventType("  ") {
		t.Error("empty event type rejected")
	}
	for _, unknown := range []string{"chat_message", "shop_authorization", "promotion_update"} {
		if recognizedEventType(unknown) {
			t.Errorf("recognizedEventType(%q) = true", unknown)
		}
	}
}

func TestClaimableEventStates(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	cases := []struct {
		name   string
		status models.WebhookEventStatus
		retry  *time.Time
		want   bool
	}{
		{"queued no retry", models.WebhookEventStatusQueued, nil, true},
		{"queued retry due", models.WebhookEventStatusQueued, &past, true},
		{"queued retry pending", models.WebhookEventStatusQueued, &future, false},
		{"failed retry due", models.WebhookEventStatusFailed, &past, true},
		{"failed retry pending", models.WebhookEventStatusFailed, &future, false},
		{"failed no retry", models.WebhookEventStatusFailed, nil, false},
		{"processing", models.WebhookEventStatusProcessing, &past, false},
		{"done", models.WebhookEventStatusDone, &past, false},
		{"skipped", models.WebhookEventStatusSkipped, &past, false},
	}
	for _, c := range cases {
		event := &models.WebhookEvent{Status: c.status, NextRetryAt: c.retry}
		if got := claimableEvent(event, now); got != c.want {
			t.Errorf("%s: claimable = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestDuplicateDeliveryConverges(t *testing.T) {
	raw := []byte(`{"event_type":"order_status","order_sn":"O1","status":"COMPLETED","update_time":500}`)

	first, err := DecodeWebhookPayload(raw)
	if err != nil {
		t.Fatal(err)
	}
	second, err := DecodeWebhookPayload(raw)
	if err != nil {
		t.Fatal(err)
	}
	if DeriveIdempotencyKey(first) != DeriveIdempotencyKey(second) {
		t.Fatal("redelivered payload derived a new idempotency key")
	}

	// Once the first delivery has finished, the row it converged onto is
	// terminal and a redelivery can never re-claim it.
	done := &models.WebhookEvent{Status: models.WebhookEventStatusDone}
	if claimableEvent(done, time.Now()) {
		t.Fatal("done event still claimable")
	}
	skipped := &models.WebhookEvent{Status: models.WebhookEventStatusSkipped}
	if claimableEvent(skipped, time.Now()) {
		t.Fatal("skipped event still claimable")
	}
}

func TestDecodeWebhookPayload(t *testing.T) {
	raw := []byte(`{"event_type":"order_status","order_sn":"O1","status":"READY_TO_SHIP","update_time":123}`)
	p, err := DecodeWebhookPayload(raw)
	if err != nil {
		t.Fatal(err)
	}
	if p.EventType != "order_status" || p.OrderSn != "O1" || p.UpdateTime != 123 {
		t.Fatalf("decoded payload = %+v", p)
	}

	if _, err := DecodeWebhookPayload([]byte("not json")); err == nil {
		t.Fatal("invalid json accepted")
	}
}
