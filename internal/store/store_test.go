package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRoomCreateAndGet(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	rooms := NewRoomRepo(db)

	room := Room{
		ID: uuid.NewString(), Kind: RoomGroup, DisplayName: "trip planning", OwnerID: "u1",
		CreatedAt: time.Now(), EncryptedRoomKey: []byte("wrapped-key"), ActiveKeyVersion: 1,
	}
	members := []Membership{{RoomID: room.ID, UserID: "u1", Role: RoleOwner, JoinedAt: room.CreatedAt}}
	if err := rooms.Create(ctx, room, members); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := rooms.Get(ctx, room.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.DisplayName != room.DisplayName || got.ActiveKeyVersion != 1 {
		t.Errorf("unexpected room: %+v", got)
	}

	memRepo := NewMembershipRepo(db)
	mem, err := memRepo.Get(ctx, room.ID, "u1")
	if err != nil {
		t.Fatalf("get membership: %v", err)
	}
	if mem.Role != RoleOwner {
		t.Errorf("expected owner role, got %s", mem.Role)
	}
}

func TestRoomKeyRotationPreservesPriorVersions(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	rooms := NewRoomRepo(db)

	room := Room{ID: uuid.NewString(), Kind: RoomDirect, DisplayName: "dm", OwnerID: "u1",
		CreatedAt: time.Now(), EncryptedRoomKey: []byte("v1"), ActiveKeyVersion: 1}
	if err := rooms.Create(ctx, room, nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	next, err := rooms.RotateKey(ctx, room.ID, []byte("v2"))
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if next != 2 {
		t.Fatalf("expected version 2, got %d", next)
	}

	old, err := rooms.KeyVersion(ctx, room.ID, 1)
	if err != nil {
		t.Fatalf("fetch old version: %v", err)
	}
	if string(old) != "v1" {
		t.Errorf("expected old key preserved, got %q", old)
	}
}

func TestMessageAppendIsMonotonicAndBumpsReadMarker(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	rooms := NewRoomRepo(db)
	msgs := NewMessageRepo(db)
	memRepo := NewMembershipRepo(db)

	roomID := uuid.NewString()
	now := time.Now()
	if err := rooms.Create(ctx, Room{ID: roomID, Kind: RoomGroup, DisplayName: "r", OwnerID: "u1", CreatedAt: now},
		[]Membership{{RoomID: roomID, UserID: "u1", Role: RoleOwner, JoinedAt: now}}); err != nil {
		t.Fatalf("create room: %v", err)
	}

	t1 := now.Add(time.Second)
	m1 := Message{ID: uuid.NewString(), RoomID: roomID, SenderID: "u1", Ciphertext: []byte("a"), Nonce: []byte("n"), Timestamp: t1}
	if err := msgs.Append(ctx, m1); err != nil {
		t.Fatalf("append 1: %v", err)
	}
	t2 := t1.Add(time.Second)
	m2 := Message{ID: uuid.NewString(), RoomID: roomID, SenderID: "u1", Ciphertext: []byte("b"), Nonce: []byte("n"), Timestamp: t2}
	if err := msgs.Append(ctx, m2); err != nil {
		t.Fatalf("append 2: %v", err)
	}

	page, err := msgs.PageBefore(ctx, roomID, t2.Add(time.Second), 10)
	if err != nil {
		t.Fatalf("page: %v", err)
	}
	if len(page) != 2 || page[0].ID != m2.ID || page[1].ID != m1.ID {
		t.Fatalf("expected newest-first page of 2, got %+v", page)
	}

	mem, err := memRepo.Get(ctx, roomID, "u1")
	if err != nil {
		t.Fatalf("get membership: %v", err)
	}
	if !mem.LastReadAt.Equal(t2) {
		t.Errorf("expected last_read_at bumped to %v, got %v", t2, mem.LastReadAt)
	}
}

func TestReminderStatusTransitionsOnlyForward(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	reminders := NewReminderRepo(db)

	rem := Reminder{ID: uuid.NewString(), UserID: "u1", Content: "pay rent", DueAt: time.Now(),
		Channel: ChannelEmail, Status: ReminderPending}
	if err := reminders.Create(ctx, rem); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := reminders.TransitionStatus(ctx, rem.ID, ReminderDispatching, 1); err != nil {
		t.Fatalf("pending->dispatching: %v", err)
	}
	if err := reminders.TransitionStatus(ctx, rem.ID, ReminderFired, 1); err != nil {
		t.Fatalf("dispatching->fired: %v", err)
	}
	if err := reminders.TransitionStatus(ctx, rem.ID, ReminderPending, 1); err == nil {
		t.Error("expected backward transition fired->pending to be rejected")
	}
}

func TestReminderDueBeforeOnlyReturnsPending(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	reminders := NewReminderRepo(db)
	now := time.Now()

	due := Reminder{ID: uuid.NewString(), UserID: "u1", Content: "a", DueAt: now.Add(-time.Minute), Channel: ChannelInApp, Status: ReminderPending}
	notYet := Reminder{ID: uuid.NewString(), UserID: "u1", Content: "b", DueAt: now.Add(time.Hour), Channel: ChannelInApp, Status: ReminderPending}
	if err := reminders.Create(ctx, due); err != nil {
		t.Fatal(err)
	}
	if err := reminders.Create(ctx, notYet); err != nil {
		t.Fatal(err)
	}

	got, err := reminders.DueBefore(ctx, now, 10)
	if err != nil {
		t.Fatalf("due before: %v", err)
	}
	if len(got) != 1 || got[0].ID != due.ID {
		t.Fatalf("expected only the due reminder, got %+v", got)
	}
}

func TestWalletBalanceEqualsSumOfTxns(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	wallets := NewWalletRepo(db)
	now := time.Now()

	if err := wallets.Ensure(ctx, "u1", "USD", now); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	deltas := []int64{1000, -300, 500, -50}
	for i, d := range deltas {
		txn := WalletTxn{ID: uuid.NewString(), UserID: "u1", DeltaMinor: d, Reason: "test", CreatedAt: now.Add(time.Duration(i) * time.Second)}
		if _, err := wallets.ApplyTxn(ctx, txn, true); err != nil {
			t.Fatalf("apply txn %d: %v", i, err)
		}
	}

	wallet, err := wallets.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("get wallet: %v", err)
	}
	sum, err := wallets.SumTxns(ctx, "u1")
	if err != nil {
		t.Fatalf("sum txns: %v", err)
	}
	if wallet.BalanceMinor != sum {
		t.Errorf("invariant violated: balance %d != sum of txns %d", wallet.BalanceMinor, sum)
	}
}

func TestWalletRejectsOverdraftWhenDisallowed(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	wallets := NewWalletRepo(db)
	now := time.Now()

	if err := wallets.Ensure(ctx, "u1", "USD", now); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	txn := WalletTxn{ID: uuid.NewString(), UserID: "u1", DeltaMinor: -500, Reason: "overspend", CreatedAt: now}
	if _, err := wallets.ApplyTxn(ctx, txn, false); err == nil {
		t.Error("expected debit below zero to be rejected when overdraft disallowed")
	}
}
