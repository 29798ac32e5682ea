package tribes

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devtribes/backend/internal/auth"
	"github.com/devtribes/backend/internal/realtime"
)

// TokenValidator resolves a bearer credential to claims.
type TokenValidator interface {
	Validate(token string) (*auth.Claims, error)
}

// MembershipStore is the read side of the membership tables.
type MembershipStore interface {
	TribeExists(ctx context.Context, id uuid.UUID) (bool, error)
	IsMember(ctx context.Context, tribeID, userID uuid.UUID) (bool, error)
}

// Gatekeeper answers whether a credential's bearer may enter a tribe's chat room.
// It implements realtime.Verifier.
type Gatekeeper struct {
	tokens TokenValidator
	store  MembershipStore
	logger *zap.Logger
}

// NewGatekeeper creates a Gatekeeper.
func NewGatekeeper(tokens TokenValidator, store MembershipStore, logger *zap.Logger) *Gatekeeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gatekeeper{tokens: tokens, store: store, logger: logger}
}

// VerifyMembership validates the credential, then checks the tribe exists and the user belongs to it.
// Store errors are returned unchanged so the caller denies.
func (g *Gatekeeper) VerifyMembership(ctx context.Context, credential, tribeID string) (bool, error) {
	claims, err := g.tokens.Validate(credential)
	if err != nil {
		return false, fmt.Errorf("%w: %v", realtime.ErrInvalidCredential, err)
	}
	id, err := uuid.Parse(tribeID)
	if err != nil {
		return false, realtime.ErrUnknownTribe
	}
	exists, err := g.store.TribeExists(ctx, id)
	if err != nil {
		g.logger.Warn("tribe lookup failed", zap.String("tribe_id", tribeID), zap.Error(err))
		return false, fmt.Errorf("tribe lookup: %w", err)
	}
	if !exists {
		return false, realtime.ErrUnknownTribe
	}
	member, err := g.store.IsMember(ctx, id, claims.UserID)
	if err != nil {
		g.logger.Warn("membership lookup failed", zap.String("tribe_id", tribeID), zap.Error(err))
		return false, fmt.Errorf("membership lookup: %w", err)
	}
	if !member {
		return false, realtime.ErrNotMember
	}
	return true, nil
}
