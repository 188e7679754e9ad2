package auth

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/blockspeak/orchestrator/internal/models"
)

type sessionClaims struct {
	jwt.RegisteredClaims
}

// SessionStore issues signed session tokens and keeps the server-side
// record each token points to. A wallet has at most one live session.
type SessionStore struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time

	mu        sync.RWMutex
	sessions  map[string]*models.Session
	byAddress map[string]string
}

func NewSessionStore(secret string, ttl time.Duration) *SessionStore {
	return &SessionStore{
		secret:    []byte(secret),
		ttl:       ttl,
		now:       time.Now,
		sessions:  make(map[string]*models.Session),
		byAddress: make(map[string]string),
	}
}

// Create starts a session for address, replacing any previous one.
func (s *SessionStore) Create(address string, tier models.Plan) (string, *models.Session, error) {
	address = strings.ToLower(address)
	now := s.now()
	session := &models.Session{
		ID:        uuid.NewString(),
		Address:   address,
		Tier:      tier,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}

	claims := sessionClaims{jwt.RegisteredClaims{
		ID:        session.ID,
		Subject:   address,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(session.ExpiresAt),
	}}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", nil, fmt.Errorf("failed to sign session token: %w", err)
	}

	s.mu.Lock()
	if prev, ok := s.byAddress[address]; ok {
		delete(s.sessions, prev)
	}
	s.sessions[session.ID] = session
	s.byAddress[address] = session.ID
	s.mu.Unlock()

	copied := *session
	return token, &copied, nil
}

// Lookup returns the session a token refers to, or models.ErrAuthInvalid.
func (s *SessionStore) Lookup(token string) (*models.Session, error) {
	claims, err := s.parse(token)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[claims.ID]
	if !ok || session.Address != claims.Subject || !s.now().Before(session.ExpiresAt) {
		return nil, models.ErrAuthInvalid
	}
	copied := *session
	return &copied, nil
}

// Invalidate ends the session a token refers to. Unknown tokens are ignored.
func (s *SessionStore) Invalidate(token string) {
	claims, err := s.parse(token)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if session, ok := s.sessions[claims.ID]; ok {
		delete(s.sessions, claims.ID)
		if s.byAddress[session.Address] == claims.ID {
			delete(s.byAddress, session.Address)
		}
	}
}

// SetTier refreshes the entitlement cached on a wallet's live session.
func (s *SessionStore) SetTier(address string, tier models.Plan) {
	address = strings.ToLower(address)

	s.mu.Lock()
	defer s.mu.Unlock()
	if sid, ok := s.byAddress[address]; ok {
		if session, ok := s.sessions[sid]; ok {
			session.Tier = tier
		}
	}
}

// Sweep drops expired sessions and returns how many were dropped.
func (s *SessionStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	dropped := 0
	for sid, session := range s.sessions {
		if !now.Before(session.ExpiresAt) {
			delete(s.sessions, sid)
			if s.byAddress[session.Address] == sid {
				delete(s.byAddress, session.Address)
			}
			dropped++
		}
	}
	return dropped
}

func (s *SessionStore) parse(token string) (*sessionClaims, error) {
	claims := &sessionClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil || claims.ID == "" {
		return nil, models.ErrAuthInvalid
	}
	return claims, nil
}
