package app

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/mvellosa/courier/internal/identity"
	"github.com/mvellosa/courier/internal/store"
)

// MessageService creates and deletes messages. Send returns as soon as
// the local write commits; delivery happens in the background.
type MessageService struct {
	db  *store.DB
	who *identity.Provider
	ids func() string
}

// NewMessageService creates a message service for the acting user.
func NewMessageService(db *store.DB, who *identity.Provider) *MessageService {
	return &MessageService{db: db, who: who, ids: uuid.NewString}
}

// Send stores a new outgoing message and returns its client-generated id.
func (s *MessageService) Send(ctx context.Context, conversationID, body string) (string, error) {
	owner := s.who.UserID()
	m := &store.Message{
		ID:             s.ids(),
		ConversationID: conversationID,
		SenderID:       owner,
		Body:           body,
		SentAt:         time.Now().UnixMilli(),
		Sync:           store.SyncMeta{Owner: owner},
	}
	if err := s.db.CreateMessage(ctx, m); err != nil {
		return "", err
	}
	return m.ID, nil
}

// Delete removes a message locally right away; if it ever reached the
// remote service the delete propagates in the background.
func (s *MessageService) Delete(ctx context.Context, id string) error {
	return s.db.DeleteMessage(ctx, id)
}

// MarkRead flips the local read flag on a whole conversation.
func (s *MessageService) MarkRead(ctx context.Context, conversationID string) error {
	return s.db.MarkConversationRead(ctx, conversationID)
}
