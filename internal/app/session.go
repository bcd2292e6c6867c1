package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/mvellosa/courier/internal/identity"
	"github.com/mvellosa/courier/internal/remote"
	"github.com/mvellosa/courier/internal/store"
	"go.uber.org/zap"
)

// SessionService handles login and the logout teardown sequence.
type SessionService struct {
	db     *store.DB
	gw     *remote.Gateway
	who    *identity.Provider
	logger *zap.Logger
}

// NewSessionService creates the session service.
func NewSessionService(db *store.DB, gw *remote.Gateway, who *identity.Provider, logger *zap.Logger) *SessionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionService{db: db, gw: gw, who: who, logger: logger}
}

// Login records the authenticated user, which resumes suppressed pushes.
func (s *SessionService) Login(userID, token string) {
	s.who.SetSession(userID, token)
	s.logger.Info("session authenticated", zap.String("user", userID))
}

// Logout tears the session down: unregister the device token remotely,
// purge the user's local messages and conversations, clear the stored
// token, and drop the authenticated flag. Every step runs even if an
// earlier one fails; the errors are joined.
func (s *SessionService) Logout(ctx context.Context) error {
	var errs []error

	if t, err := s.db.GetRegistrationToken(ctx); err == nil && t != nil {
		if err := s.gw.UnregisterToken(ctx); err != nil {
			// Best effort: the local purge below still removes the token
			// record, and the remote side expires stale tokens on its own.
			s.logger.Warn("remote token unregister failed", zap.Error(err))
		}
	}

	owner := s.who.UserID()
	if err := s.db.PurgeOwner(ctx, owner); err != nil {
		errs = append(errs, fmt.Errorf("purge local records: %w", err))
	}

	s.who.Clear()
	s.logger.Info("session torn down", zap.String("user", owner))

	return errors.Join(errs...)
}
