package app

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/mvellosa/courier/internal/identity"
	"github.com/mvellosa/courier/internal/store"
)

// ConversationService creates and mutates conversations.
type ConversationService struct {
	db  *store.DB
	who *identity.Provider
	ids func() string
}

// NewConversationService creates a conversation service for the acting user.
func NewConversationService(db *store.DB, who *identity.Provider) *ConversationService {
	return &ConversationService{db: db, who: who, ids: uuid.NewString}
}

// Start creates a 1:1 conversation with the given interlocutor and
// returns its client-generated id. Participants are fixed at creation.
func (s *ConversationService) Start(ctx context.Context, interlocutorID, displayName string) (string, error) {
	owner := s.who.UserID()
	c := &store.Conversation{
		ID:             s.ids(),
		Participants:   []string{owner, interlocutorID},
		DisplayName:    displayName,
		InterlocutorID: interlocutorID,
		IsActive:       true,
		CreatedAt:      time.Now().UnixMilli(),
		Sync:           store.SyncMeta{Owner: owner},
	}
	if err := s.db.CreateConversation(ctx, c); err != nil {
		return "", err
	}
	return c.ID, nil
}

// Rename updates the display name. Back-to-back renames coalesce into a
// single pending push carrying the latest value.
func (s *ConversationService) Rename(ctx context.Context, id, name string) error {
	return s.db.SetConversationName(ctx, id, name)
}

// Deactivate hides a conversation from views while retaining history.
func (s *ConversationService) Deactivate(ctx context.Context, id string) error {
	return s.db.DeactivateConversation(ctx, id)
}

// Delete removes a conversation, propagating the delete remotely if it
// was ever confirmed there.
func (s *ConversationService) Delete(ctx context.Context, id string) error {
	return s.db.DeleteConversation(ctx, id)
}
