package relay

import (
	"errors"
	"testing"
	"time"
)

func mustRegister(t *testing.T, mailbox *Mailbox, deviceID string) {
	t.Helper()
	if err := mailbox.RegisterDevice(deviceID, "hash-"+deviceID); err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}
}

func mustSubmit(t *testing.T, mailbox *Mailbox, from, to, payload string) string {
	t.Helper()
	envelopeID, err := mailbox.SubmitMessage(Envelope{
		FromDeviceID:     from,
		ToDeviceID:       to,
		EncryptedPayload: []byte(payload),
	})
	if err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}
	return envelopeID
}

func TestSubmitAndFetchOldestFirst(t *testing.T) {
	mailbox := NewMailbox(nil)
	mustRegister(t, mailbox, "device-b")

	first := mustSubmit(t, mailbox, "device-a", "device-b", "one")
	second := mustSubmit(t, mailbox, "device-a", "device-b", "two")

	envelopes, err := mailbox.FetchMessages("device-b", 0)
	if err != nil {
		t.Fatalf("unexpected fetch error: %v", err)
	}
	if len(envelopes) != 2 {
		t.Fatalf("expected 2 envelopes, got %d", len(envelopes))
	}
	if envelopes[0].ID != first || envelopes[1].ID != second {
		t.Fatalf("expected FIFO order %s, %s", envelopes[0].ID, envelopes[1].ID)
	}
	if string(envelopes[0].EncryptedPayload) != "one" {
		t.Fatalf("payload must pass through untouched, got %q", envelopes[0].EncryptedPayload)
	}
}

func TestFetchDoesNotDrain(t *testing.T) {
	mailbox := NewMailbox(nil)
	mustRegister(t, mailbox, "device-b")
	mustSubmit(t, mailbox, "device-a", "device-b", "payload")

	if _, err := mailbox.FetchMessages("device-b", 0); err != nil {
		t.Fatalf("unexpected fetch error: %v", err)
	}
	envelopes, err := mailbox.FetchMessages("device-b", 0)
	if err != nil {
		t.Fatalf("unexpected fetch error: %v", err)
	}
	if len(envelopes) != 1 {
		t.Fatalf("a fetch must not remove envelopes, got %d left", len(envelopes))
	}
}

func TestFetchHonorsLimit(t *testing.T) {
	mailbox := NewMailbox(nil)
	mustRegister(t, mailbox, "device-b")
	for i := 0; i < 5; i++ {
		mustSubmit(t, mailbox, "device-a", "device-b", "payload")
	}

	envelopes, err := mailbox.FetchMessages("device-b", 3)
	if err != nil {
		t.Fatalf("unexpected fetch error: %v", err)
	}
	if len(envelopes) != 3 {
		t.Fatalf("expected 3 envelopes, got %d", len(envelopes))
	}
}

func TestSubmitToUnknownDeviceFails(t *testing.T) {
	mailbox := NewMailbox(nil)

	_, err := mailbox.SubmitMessage(Envelope{
		FromDeviceID:     "device-a",
		ToDeviceID:       "device-never-registered",
		EncryptedPayload: []byte("payload"),
	})
	if !errors.Is(err, ErrUnknownDevice) {
		t.Fatalf("expected ErrUnknownDevice, got %v", err)
	}
}

func TestSubmitValidatesFields(t *testing.T) {
	mailbox := NewMailbox(nil)
	mustRegister(t, mailbox, "device-b")

	tests := []struct {
		name     string
		envelope Envelope
	}{
		{name: "missing sender", envelope: Envelope{ToDeviceID: "device-b", EncryptedPayload: []byte("x")}},
		{name: "missing recipient", envelope: Envelope{FromDeviceID: "device-a", EncryptedPayload: []byte("x")}},
		{name: "missing payload", envelope: Envelope{FromDeviceID: "device-a", ToDeviceID: "device-b"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := mailbox.SubmitMessage(tc.envelope); !errors.Is(err, ErrMissingField) {
				t.Fatalf("expected ErrMissingField, got %v", err)
			}
		})
	}
}

func TestSubmitRejectsOversizedPayload(t *testing.T) {
	mailbox := NewMailbox(nil)
	mustRegister(t, mailbox, "device-b")

	_, err := mailbox.SubmitMessage(Envelope{
		FromDeviceID:     "device-a",
		ToDeviceID:       "device-b",
		EncryptedPayload: make([]byte, MaxEnvelopeBytes+1),
	})
	if !errors.Is(err, ErrEnvelopeTooLarge) {
		t.Fatalf("expected ErrEnvelopeTooLarge, got %v", err)
	}
}

func TestSubmitRejectsFullMailbox(t *testing.T) {
	mailbox := NewMailbox(nil)
	mustRegister(t, mailbox, "device-b")
	for i := 0; i < MaxPendingPerDevice; i++ {
		mustSubmit(t, mailbox, "device-a", "device-b", "payload")
	}

	_, err := mailbox.SubmitMessage(Envelope{
		FromDeviceID:     "device-a",
		ToDeviceID:       "device-b",
		EncryptedPayload: []byte("one too many"),
	})
	if !errors.Is(err, ErrMailboxFull) {
		t.Fatalf("expected ErrMailboxFull, got %v", err)
	}
}

func TestEnvelopesExpireAfterTTL(t *testing.T) {
	now := time.Unix(1700000000, 0)
	mailbox := NewMailbox(func() time.Time { return now })
	mustRegister(t, mailbox, "device-b")
	mustSubmit(t, mailbox, "device-a", "device-b", "old")

	now = now.Add(EnvelopeTTL + time.Minute)
	mustSubmit(t, mailbox, "device-a", "device-b", "fresh")

	envelopes, err := mailbox.FetchMessages("device-b", 0)
	if err != nil {
		t.Fatalf("unexpected fetch error: %v", err)
	}
	if len(envelopes) != 1 || string(envelopes[0].EncryptedPayload) != "fresh" {
		t.Fatalf("expected only the fresh envelope, got %d", len(envelopes))
	}

	stats := mailbox.Stats()
	if stats.ExpiredTotal != 1 {
		t.Fatalf("expected 1 expired envelope, got %d", stats.ExpiredTotal)
	}
}

func TestCleanupExpiredReportsDropped(t *testing.T) {
	now := time.Unix(1700000000, 0)
	mailbox := NewMailbox(func() time.Time { return now })
	mustRegister(t, mailbox, "device-b")
	mustSubmit(t, mailbox, "device-a", "device-b", "one")
	mustSubmit(t, mailbox, "device-a", "device-b", "two")

	now = now.Add(EnvelopeTTL + time.Minute)
	if dropped := mailbox.CleanupExpired(); dropped != 2 {
		t.Fatalf("expected 2 dropped, got %d", dropped)
	}
	if dropped := mailbox.CleanupExpired(); dropped != 0 {
		t.Fatalf("a second pass has nothing to drop, got %d", dropped)
	}
}

func TestStatsCountersTrackLoad(t *testing.T) {
	mailbox := NewMailbox(nil)
	mustRegister(t, mailbox, "device-a")
	mustRegister(t, mailbox, "device-b")
	mustSubmit(t, mailbox, "device-a", "device-b", "payload")

	stats := mailbox.Stats()
	if stats.RegisteredDevices != 2 {
		t.Fatalf("expected 2 registered devices, got %d", stats.RegisteredDevices)
	}
	if stats.PendingMessages != 1 || stats.AcceptedTotal != 1 {
		t.Fatalf("unexpected counters: %+v", stats)
	}
}

func TestRegisterRequiresDeviceID(t *testing.T) {
	mailbox := NewMailbox(nil)
	if err := mailbox.RegisterDevice("", "hash"); !errors.Is(err, ErrMissingField) {
		t.Fatalf("expected ErrMissingField, got %v", err)
	}
}
