package app

import (
	"context"
	"fmt"

	"github.com/mvellosa/courier/internal/identity"
	"github.com/mvellosa/courier/internal/outbox"
	"github.com/mvellosa/courier/internal/remote"
	"github.com/mvellosa/courier/internal/store"
	intsync "github.com/mvellosa/courier/internal/sync"
	"go.uber.org/zap"
)

// SyncService exposes the explicit reconciliation triggers: refresh from
// remote and recreate after failure.
type SyncService struct {
	db         *store.DB
	gw         *remote.Gateway
	who        *identity.Provider
	dispatcher *outbox.Dispatcher
	machines   map[string]*intsync.Machine
	logger     *zap.Logger
}

// NewSyncService creates the reconciliation trigger service.
func NewSyncService(db *store.DB, gw *remote.Gateway, who *identity.Provider, d *outbox.Dispatcher, bindings []outbox.Binding, logger *zap.Logger) *SyncService {
	if logger == nil {
		logger = zap.NewNop()
	}
	machines := make(map[string]*intsync.Machine, len(bindings))
	for _, b := range bindings {
		machines[b.Machine.Kind()] = b.Machine
	}
	return &SyncService{db: db, gw: gw, who: who, dispatcher: d, machines: machines, logger: logger}
}

// Refresh pulls the full remote state for every entity kind and merges
// it into the store: remote entities are upserted as synced, and locally
// synced rows absent remotely are removed (deleted elsewhere). Rows
// mid-lifecycle are untouched.
func (s *SyncService) Refresh(ctx context.Context) error {
	owner := s.who.UserID()

	if contacts, err := s.gw.FetchContacts(ctx); err != nil {
		// Contacts only feed display names; a refresh without them still
		// reconciles the syncable kinds.
		s.logger.Warn("contact refresh failed", zap.Error(err))
	} else {
		converted := make([]store.Contact, 0, len(contacts))
		for _, c := range contacts {
			converted = append(converted, store.Contact{ID: c.ID, Name: c.Name})
		}
		if err := s.db.ReplaceContacts(ctx, converted); err != nil {
			return err
		}
	}

	if err := intsync.Refresh(ctx, intsync.RefreshSpec[remote.Conversation]{
		Kind:  "conversation",
		Fetch: s.gw.FetchConversations,
		IDOf:  func(c remote.Conversation) string { return c.ID },
		Merge: func(ctx context.Context, c remote.Conversation) error {
			return s.db.MergeRemoteConversation(ctx, &store.Conversation{
				ID:             c.ID,
				Participants:   c.Participants,
				DisplayName:    c.DisplayName,
				InterlocutorID: c.Interlocutor,
				IsActive:       c.IsActive,
				CreatedAt:      c.CreatedAt,
				Sync:           store.SyncMeta{Owner: owner, RemoteID: c.ID},
			})
		},
		SyncedIDs: func(ctx context.Context) ([]string, error) { return s.db.SyncedIDs(ctx, "conversation", owner) },
		Remove:    s.db.SyncStore("conversation").RemoveSynced,
	}, s.logger); err != nil {
		return err
	}

	if err := intsync.Refresh(ctx, intsync.RefreshSpec[remote.Message]{
		Kind:  "message",
		Fetch: s.gw.FetchMessages,
		IDOf:  func(m remote.Message) string { return m.ID },
		Merge: func(ctx context.Context, m remote.Message) error {
			return s.db.MergeRemoteMessage(ctx, &store.Message{
				ID:             m.ID,
				ConversationID: m.ConversationID,
				SenderID:       m.SenderID,
				Body:           m.Body,
				SentAt:         m.SentAt,
				Sync:           store.SyncMeta{Owner: owner, RemoteID: m.ID},
			})
		},
		SyncedIDs: func(ctx context.Context) ([]string, error) { return s.db.SyncedIDs(ctx, "message", owner) },
		Remove:    s.db.SyncStore("message").RemoveSynced,
	}, s.logger); err != nil {
		return err
	}

	if err := intsync.Refresh(ctx, intsync.RefreshSpec[remote.Announcement]{
		Kind:  "announcement",
		Fetch: s.gw.FetchAnnouncements,
		IDOf:  func(a remote.Announcement) string { return a.ID },
		Merge: func(ctx context.Context, a remote.Announcement) error {
			return s.db.MergeRemoteAnnouncement(ctx, &store.Announcement{
				ID:       a.ID,
				AuthorID: a.AuthorID,
				Title:    a.Title,
				Body:     a.Body,
				PostedAt: a.PostedAt,
				Sync:     store.SyncMeta{Owner: owner, RemoteID: a.ID},
			})
		},
		SyncedIDs: func(ctx context.Context) ([]string, error) { return s.db.SyncedIDs(ctx, "announcement", owner) },
		Remove:    s.db.SyncStore("announcement").RemoveSynced,
	}, s.logger); err != nil {
		return err
	}

	return nil
}

// Recreate returns a failed entity to the pending pool and wakes the
// dispatcher for an immediate retry.
func (s *SyncService) Recreate(ctx context.Context, kind, id string) error {
	m, ok := s.machines[kind]
	if !ok {
		return fmt.Errorf("unknown entity kind %q", kind)
	}
	if err := m.Recreate(ctx, id); err != nil {
		return err
	}
	if s.dispatcher != nil {
		s.dispatcher.Wake()
	}
	return nil
}
