// Package app holds the use-case services: the thin layer between callers
// and the sync engine. Every mutation here commits locally and returns;
// the outbox dispatcher carries it to the remote service afterwards.
package app

import (
	"context"
	"fmt"

	"github.com/mvellosa/courier/internal/config"
	"github.com/mvellosa/courier/internal/outbox"
	"github.com/mvellosa/courier/internal/remote"
	"github.com/mvellosa/courier/internal/store"
	intsync "github.com/mvellosa/courier/internal/sync"
	"go.uber.org/zap"
)

// NewBindings wires every entity kind's state machine to its remote
// pusher. This is the single place the four kinds are enumerated; the
// lifecycle logic behind each binding is shared.
func NewBindings(db *store.DB, gw *remote.Gateway, policy config.Sync, logger *zap.Logger) []outbox.Binding {
	return []outbox.Binding{
		{
			Machine: intsync.NewMachine(db.SyncStore("message"), policy, logger),
			Pusher:  messagePusher(db, gw),
		},
		{
			Machine: intsync.NewMachine(db.SyncStore("conversation"), policy, logger),
			Pusher:  conversationPusher(db, gw),
		},
		{
			Machine: intsync.NewMachine(db.SyncStore("announcement"), policy, logger),
			Pusher:  announcementPusher(db, gw),
		},
		{
			Machine: intsync.NewMachine(db.SyncStore("token"), policy, logger),
			Pusher:  tokenPusher(db, gw),
		},
	}
}

func messagePusher(db *store.DB, gw *remote.Gateway) outbox.PushFunc {
	return func(ctx context.Context, rec intsync.Record) (string, error) {
		if rec.Op == intsync.OpDelete {
			return "", gw.DeleteMessage(ctx, rec.ID)
		}
		m, err := db.GetMessage(ctx, rec.ID)
		if err != nil {
			return "", err
		}
		if m == nil {
			return "", fmt.Errorf("message %s vanished before push", rec.ID)
		}
		return gw.CreateMessage(ctx, remote.Message{
			ID:             m.ID,
			ConversationID: m.ConversationID,
			SenderID:       m.SenderID,
			Body:           m.Body,
			SentAt:         m.SentAt,
		})
	}
}

func conversationPusher(db *store.DB, gw *remote.Gateway) outbox.PushFunc {
	return func(ctx context.Context, rec intsync.Record) (string, error) {
		if rec.Op == intsync.OpDelete {
			return "", gw.DeleteConversation(ctx, rec.ID)
		}
		c, err := db.GetConversation(ctx, rec.ID)
		if err != nil {
			return "", err
		}
		if c == nil {
			return "", fmt.Errorf("conversation %s vanished before push", rec.ID)
		}
		wire := remote.Conversation{
			ID:           c.ID,
			Participants: c.Participants,
			DisplayName:  c.DisplayName,
			Interlocutor: c.InterlocutorID,
			IsActive:     c.IsActive,
			CreatedAt:    c.CreatedAt,
		}
		if rec.Op == intsync.OpUpdate {
			return "", gw.UpdateConversation(ctx, wire)
		}
		return gw.CreateConversation(ctx, wire)
	}
}

func announcementPusher(db *store.DB, gw *remote.Gateway) outbox.PushFunc {
	return func(ctx context.Context, rec intsync.Record) (string, error) {
		if rec.Op == intsync.OpDelete {
			return "", gw.DeleteAnnouncement(ctx, rec.ID)
		}
		a, err := db.GetAnnouncement(ctx, rec.ID)
		if err != nil {
			return "", err
		}
		if a == nil {
			return "", fmt.Errorf("announcement %s vanished before push", rec.ID)
		}
		wire := remote.Announcement{
			ID:       a.ID,
			AuthorID: a.AuthorID,
			Title:    a.Title,
			Body:     a.Body,
			PostedAt: a.PostedAt,
		}
		if rec.Op == intsync.OpUpdate {
			return "", gw.UpdateAnnouncement(ctx, wire)
		}
		return gw.CreateAnnouncement(ctx, wire)
	}
}

// Token removal never tombstones: logout unregisters remotely and
// deletes the row directly, so the pusher only ever sees registrations.
func tokenPusher(db *store.DB, gw *remote.Gateway) outbox.PushFunc {
	return func(ctx context.Context, rec intsync.Record) (string, error) {
		t, err := db.GetRegistrationToken(ctx)
		if err != nil {
			return "", err
		}
		if t == nil {
			return "", fmt.Errorf("registration token vanished before push")
		}
		return "", gw.RegisterToken(ctx, t.Token)
	}
}
