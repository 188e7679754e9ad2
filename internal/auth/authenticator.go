package auth

import (
	"context"
	"strings"

	"github.com/blockspeak/orchestrator/internal/models"
	"github.com/blockspeak/orchestrator/pkg/logger"
)

// TierSource reports a wallet's current entitlement.
type TierSource interface {
	Tier(ctx context.Context, address string) (models.Plan, error)
}

// Authenticator runs the wallet login handshake.
type Authenticator struct {
	logger   *logger.Logger
	nonces   NonceStore
	sessions *SessionStore
	tiers    TierSource
}

func NewAuthenticator(nonces NonceStore, sessions *SessionStore, tiers TierSource, logger *logger.Logger) *Authenticator {
	return &Authenticator{
		logger:   logger,
		nonces:   nonces,
		sessions: sessions,
		tiers:    tiers,
	}
}

// IssueNonce returns a fresh challenge.
func (a *Authenticator) IssueNonce(ctx context.Context) (AuthNonce, error) {
	return a.nonces.Issue(ctx)
}

// Login consumes the challenge before checking the signature, so a nonce is
// spent whatever the outcome.
func (a *Authenticator) Login(ctx context.Context, nonce AuthNonce, address, signature string) (string, *models.Session, error) {
	if nonce == "" {
		return "", nil, models.ErrAuthInvalid
	}

	fresh, err := a.nonces.Consume(ctx, nonce)
	if err != nil {
		a.logger.Error("Failed to consume login nonce", "error", err)
		return "", nil, models.ErrAuthInvalid
	}
	if !fresh {
		a.logger.Debug("Login with unknown or spent nonce", "address", address)
		return "", nil, models.ErrAuthInvalid
	}

	ok, recovered := Verify(address, LoginMessage(nonce), signature)
	if !ok {
		a.logger.Info("Login signature mismatch", "address", address, "recovered", recovered.Hex())
		return "", nil, models.ErrAuthInvalid
	}

	address = strings.ToLower(address)
	tier := models.PlanFree
	if a.tiers != nil {
		current, err := a.tiers.Tier(ctx, address)
		if err != nil {
			a.logger.Warn("Failed to read tier on login, defaulting to free", "address", address, "error", err)
		} else {
			tier = current
		}
	}

	token, session, err := a.sessions.Create(address, tier)
	if err != nil {
		return "", nil, err
	}
	a.logger.Info("Wallet logged in", "address", address, "tier", tier)
	return token, session, nil
}

// Logout ends the session behind token.
func (a *Authenticator) Logout(token string) {
	a.sessions.Invalidate(token)
}

// Session resolves a token to its live session.
func (a *Authenticator) Session(token string) (*models.Session, error) {
	return a.sessions.Lookup(token)
}
