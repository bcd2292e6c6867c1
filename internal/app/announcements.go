package app

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/mvellosa/courier/internal/identity"
	"github.com/mvellosa/courier/internal/store"
)

// AnnouncementService creates, edits and deletes announcements.
type AnnouncementService struct {
	db  *store.DB
	who *identity.Provider
	ids func() string
}

// NewAnnouncementService creates an announcement service for the acting user.
func NewAnnouncementService(db *store.DB, who *identity.Provider) *AnnouncementService {
	return &AnnouncementService{db: db, who: who, ids: uuid.NewString}
}

// Post stores a new announcement and returns its client-generated id.
// Title may be empty; body may not.
func (s *AnnouncementService) Post(ctx context.Context, title, body string) (string, error) {
	owner := s.who.UserID()
	a := &store.Announcement{
		ID:       s.ids(),
		AuthorID: owner,
		Title:    title,
		Body:     body,
		PostedAt: time.Now().UnixMilli(),
		Sync:     store.SyncMeta{Owner: owner},
	}
	if err := s.db.CreateAnnouncement(ctx, a); err != nil {
		return "", err
	}
	return a.ID, nil
}

// Edit replaces the title and body, queueing an update push.
func (s *AnnouncementService) Edit(ctx context.Context, id, title, body string) error {
	return s.db.UpdateAnnouncement(ctx, id, title, body)
}

// Delete removes an announcement, propagating remotely as needed.
func (s *AnnouncementService) Delete(ctx context.Context, id string) error {
	return s.db.DeleteAnnouncement(ctx, id)
}
