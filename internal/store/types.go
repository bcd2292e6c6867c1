package store

import intsync "github.com/mvellosa/courier/internal/sync"

// SyncMeta carries the sync lifecycle columns shared by every syncable
// entity kind. Only the state machine's transition operations write
// State, Op, Attempts, RetryAt and LastError.
type SyncMeta struct {
	Owner     string
	State     intsync.State
	Op        intsync.Op
	Attempts  int
	RetryAt   int64
	LastError string
	RemoteID  string
	UpdatedAt int64
}

// Message is a chat message belonging to exactly one conversation.
// IsRead is a local-only display flag and never pushed; IsSent flips when
// the remote service confirms the create.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Body           string
	IsRead         bool
	IsSent         bool
	SentAt         int64
	Sync           SyncMeta
}

// Conversation is a chat between a fixed set of participants.
// Participants are immutable after creation; IsActive=false soft-deletes
// the conversation from views while retaining history.
type Conversation struct {
	ID             string
	Participants   []string
	DisplayName    string
	InterlocutorID string
	IsActive       bool
	CreatedAt      int64
	Sync           SyncMeta
}

// ConversationView is a conversation joined with display data for the
// merged conversations list.
type ConversationView struct {
	Conversation
	InterlocutorName string
	LastMessageAt    int64
	LastPreview      string
	UnreadCount      int
}

// Announcement is an authored post with an optional title.
type Announcement struct {
	ID       string
	AuthorID string
	Title    string
	Body     string
	PostedAt int64
	Sync     SyncMeta
}

// PushToken is the device-notification credential, a singleton per
// installation.
type PushToken struct {
	ID    string
	Token string
	Sync  SyncMeta
}

// Contact is a directory entry used to resolve interlocutor display names.
type Contact struct {
	ID   string
	Name string
}
