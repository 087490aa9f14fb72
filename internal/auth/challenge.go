package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrAuthFailed covers every handshake rejection: unknown challenge,
// expired challenge, or a proof mismatch. Callers must not distinguish
// the causes to the client.
var ErrAuthFailed = errors.New("authentication failed")

const (
	// challengeTTL is how long an issued challenge stays valid.
	challengeTTL = 30 * time.Second

	// nonceLen is the challenge nonce length in bytes before hex encoding.
	nonceLen = 32
)

// Challenge is a short-lived, user-scoped, single-use handshake token.
type Challenge struct {
	ID       string
	UserName string
	Nonce    string
	Expires  time.Time
}

// ChallengeStore issues and verifies single-use handshake challenges.
type ChallengeStore struct {
	mu         sync.Mutex
	challenges map[string]Challenge
	now        func() time.Time
}

// NewChallengeStore creates an empty challenge store.
func NewChallengeStore() *ChallengeStore {
	return &ChallengeStore{
		challenges: make(map[string]Challenge),
		now:        time.Now,
	}
}

// Issue creates a challenge scoped to the given user.
func (s *ChallengeStore) Issue(userName string) (Challenge, error) {
	raw := make([]byte, nonceLen)
	if _, err := rand.Read(raw); err != nil {
		return Challenge{}, fmt.Errorf("generating nonce: %w", err)
	}

	ch := Challenge{
		ID:       uuid.NewString(),
		UserName: userName,
		Nonce:    hex.EncodeToString(raw),
		Expires:  s.now().Add(challengeTTL),
	}

	s.mu.Lock()
	s.sweepLocked()
	s.challenges[ch.ID] = ch
	s.mu.Unlock()

	return ch, nil
}

// Verify consumes the challenge and checks the client's proof against the
// given password. The challenge is removed on the first attempt whether or
// not it succeeds, so a failed proof cannot be retried against the same
// nonce. Returns the user name the challenge was issued for.
func (s *ChallengeStore) Verify(challengeID, clientID, proof, password string) (string, error) {
	s.mu.Lock()
	ch, ok := s.challenges[challengeID]
	delete(s.challenges, challengeID)
	s.mu.Unlock()

	if !ok || s.now().After(ch.Expires) {
		return "", ErrAuthFailed
	}

	want, err := Proof(password, ch.Nonce, ch.ID, clientID)
	if err != nil {
		return "", fmt.Errorf("computing expected proof: %w", err)
	}

	if !hmac.Equal([]byte(want), []byte(proof)) {
		return "", ErrAuthFailed
	}

	return ch.UserName, nil
}

// User returns the user a pending challenge is scoped to without consuming
// it. Used by root-path handshakes to locate the user record before
// verification.
func (s *ChallengeStore) User(challengeID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.challenges[challengeID]
	if !ok || s.now().After(ch.Expires) {
		return "", false
	}
	return ch.UserName, true
}

// sweepLocked drops expired challenges. Called with the mutex held.
func (s *ChallengeStore) sweepLocked() {
	now := s.now()
	for id, ch := range s.challenges {
		if now.After(ch.Expires) {
			delete(s.challenges, id)
		}
	}
}
