// Package store implements the typed persistence repositories on top of
// database/sql + mattn/go-sqlite3.
package store

import "time"

type RoomKind string

const (
	RoomDirect RoomKind = "direct"
	RoomGroup  RoomKind = "group"
	RoomAI     RoomKind = "ai"
)

type Room struct {
	ID                string
	Kind              RoomKind
	DisplayName       string
	OwnerID           string
	CreatedAt         time.Time
	EncryptedRoomKey  []byte
	ActiveKeyVersion  int
	Archived          bool
}

type MemberRole string

const (
	RoleOwner  MemberRole = "owner"
	RoleMember MemberRole = "member"
	RoleGuest  MemberRole = "guest"
)

type Membership struct {
	RoomID     string
	UserID     string
	Role       MemberRole
	JoinedAt   time.Time
	LastReadAt time.Time
}

type MessageFlags struct {
	Image     bool
	File      bool
	Voice     bool
	Assistant bool
	Moderated bool
	Deleted   bool
}

type Message struct {
	ID         string
	RoomID     string
	SenderID   string
	Ciphertext []byte
	Nonce      []byte
	KeyVersion int
	Timestamp  time.Time
	ParentID   string // empty if none
	Flags      MessageFlags
}

type RoomKey struct {
	RoomID  string
	Wrapped []byte
	Version int
}

type ReminderChannel string

const (
	ChannelInApp    ReminderChannel = "inapp"
	ChannelEmail    ReminderChannel = "email"
	ChannelWhatsApp ReminderChannel = "whatsapp"
	ChannelBoth     ReminderChannel = "both"
)

type ReminderStatus string

const (
	ReminderPending     ReminderStatus = "pending"
	ReminderDispatching ReminderStatus = "dispatching"
	ReminderFired       ReminderStatus = "fired"
	ReminderFailed      ReminderStatus = "failed"
	ReminderCanceled    ReminderStatus = "canceled"
)

const MaxReminderAttempts = 3

type Reminder struct {
	ID       string
	UserID   string
	RoomID   string
	Content  string
	DueAt    time.Time
	Channel  ReminderChannel
	Status   ReminderStatus
	Attempts int
	// Metadata carries small JSON side-notes about how a reminder was
	// delivered, e.g. `{"partial_channel":"whatsapp"}` when a `both`
	// channel reminder fired with one leg failing.
	Metadata string
}

type Wallet struct {
	UserID      string
	Currency    string
	BalanceMinor int64
	Overdraft   bool
	UpdatedAt   time.Time
}

type WalletTxn struct {
	ID          string
	UserID      string
	DeltaMinor  int64
	Reason      string
	ExternalRef string
	CreatedAt   time.Time
}

type ConnectorUsage struct {
	UserID      string
	Connector   string
	WindowStart time.Time
	Count       int
}

type IntegrationCredential struct {
	UserID     string
	Provider   string
	Ciphertext []byte
	Nonce      []byte
	ExpiresAt  time.Time
}

// ModerationFlag records a message the moderation worker flagged for
// review.
type ModerationFlag struct {
	ID         string
	MessageID  string
	Reason     string
	Moderator  string
	ResolvedAt *time.Time
}

// RoomSummary is a rolling context summary the context summarizer writes.
type RoomSummary struct {
	RoomID               string
	Version              int
	Content              string
	CoversThroughMessage string
	CreatedAt            time.Time
}
