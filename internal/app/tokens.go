package app

import (
	"context"

	"github.com/mvellosa/courier/internal/identity"
	"github.com/mvellosa/courier/internal/store"
)

// TokenService manages the device notification credential.
type TokenService struct {
	db  *store.DB
	who *identity.Provider
}

// NewTokenService creates a token service for the acting user.
func NewTokenService(db *store.DB, who *identity.Provider) *TokenService {
	return &TokenService{db: db, who: who}
}

// Register stores the device token locally and queues its registration
// with the remote service. Re-registering a changed token coalesces with
// any pending registration.
func (s *TokenService) Register(ctx context.Context, token string) error {
	return s.db.SetRegistrationToken(ctx, s.who.UserID(), token)
}
