package connectors

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/mathia-chat/mathia/internal/apierr"
	"github.com/mathia-chat/mathia/internal/connector"
	"github.com/mathia-chat/mathia/internal/jobqueue"
	"github.com/mathia-chat/mathia/internal/kv"
	"github.com/mathia-chat/mathia/internal/store"
	"github.com/rs/zerolog"
)

func TestTravelValidatesPax(t *testing.T) {
	tr := NewTravel()
	err := tr.Validate(connector.Request{Action: "search_flights", Params: map[string]any{"pax": 0}})
	if apierr.CodeOf(err) != apierr.Validation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestTravelUsesCuratedDatasetForKnownRoute(t *testing.T) {
	tr := NewTravel()
	res, err := tr.Execute(context.Background(), connector.Request{
		Action: "search_flights",
		Params: map[string]any{"origin": "nairobi", "destination": "london"},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != connector.StatusOK {
		t.Fatalf("expected ok, got %s", res.Status)
	}
}

func TestItineraryExportRequiresValidFormat(t *testing.T) {
	it := NewItinerary()
	err := it.Validate(connector.Request{UserID: "u1", Action: "export", Params: map[string]any{"format": "docx"}})
	if apierr.CodeOf(err) != apierr.Validation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestRemindersRejectsNearTermDueAt(t *testing.T) {
	db := openTestDB(t)
	r := NewReminders(store.NewReminderRepo(db))
	err := r.Validate(connector.Request{
		UserID: "u1", Action: "set",
		Params: map[string]any{"content": "standup", "due_at": time.Now().Add(10 * time.Second).Format(time.RFC3339), "channel": "inapp"},
	})
	if apierr.CodeOf(err) != apierr.Validation {
		t.Fatalf("expected validation error for near-term due_at, got %v", err)
	}
}

func TestRemindersSetThenCancel(t *testing.T) {
	db := openTestDB(t)
	r := NewReminders(store.NewReminderRepo(db))
	ctx := context.Background()
	due := time.Now().Add(5 * time.Minute).Format(time.RFC3339)

	res, err := r.Execute(ctx, connector.Request{UserID: "u1", Action: "set",
		Params: map[string]any{"content": "standup", "due_at": due, "channel": "inapp"}})
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	var created struct{ ID string `json:"id"` }
	mustUnmarshal(t, res.Data, &created)

	if _, err := r.Execute(ctx, connector.Request{UserID: "u1", Action: "cancel", Params: map[string]any{"id": created.ID}}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
}

func TestWalletBalanceDefaultsToZeroForNewUser(t *testing.T) {
	db := openTestDB(t)
	w := NewWallet(store.NewWalletRepo(db))
	res, err := w.Execute(context.Background(), connector.Request{UserID: "new-user", Action: "balance"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != connector.StatusOK {
		t.Fatalf("expected ok, got %s", res.Status)
	}
}

func TestMessagingValidatesEmailAddress(t *testing.T) {
	q := jobqueue.New(kv.NewFake(), zerolog.Nop())
	m := NewMessaging(q, okSender, okSender)
	err := m.Validate(connector.Request{Action: "send_email", Params: map[string]any{"to": "not-an-email", "content": "hi"}})
	if apierr.CodeOf(err) != apierr.Validation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestMessagingQueuesOnSendFailure(t *testing.T) {
	q := jobqueue.New(kv.NewFake(), zerolog.Nop())
	failing := func(ctx context.Context, to, content string) error { return errors.New("upstream down") }
	m := NewMessaging(q, failing, okSender)
	res, err := m.Execute(context.Background(), connector.Request{
		Action: "send_whatsapp", Params: map[string]any{"to": "+15551234567", "content": "hi"},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != connector.StatusPartial {
		t.Fatalf("expected partial (queued) status, got %s", res.Status)
	}
}

func TestModerationFailsOpenOnClassifierError(t *testing.T) {
	classify := func(ctx context.Context, text string) (Verdict, error) { return Verdict{}, errors.New("model down") }
	m := NewModeration(classify, zerolog.Nop())
	res, err := m.Execute(context.Background(), connector.Request{Action: "classify", Params: map[string]any{"text": "hello"}})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	var verdict Verdict
	mustUnmarshal(t, res.Data, &verdict)
	if verdict.Action != "allow" {
		t.Errorf("expected fail-open allow, got %s", verdict.Action)
	}
}

func okSender(ctx context.Context, to, content string) error { return nil }

func openTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func mustUnmarshal(t *testing.T, data []byte, out any) {
	t.Helper()
	if err := json.Unmarshal(data, out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
}
