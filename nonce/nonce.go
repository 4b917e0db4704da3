// Package nonce issues and verifies short-lived action tokens bound to a
// user. A nonce stays valid for one full lifetime split into two ticks:
// Verify reports 1 for the current tick and 2 for the previous one.
package nonce

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrInvalid is returned by Check when a nonce does not verify.
var ErrInvalid = errors.New("invalid nonce")

type Manager struct {
	salt     []byte
	lifetime time.Duration
	now      func() time.Time
}

func New(salt string, lifetime time.Duration) *Manager {
	if lifetime <= 0 {
		lifetime = 24 * time.Hour
	}
	return &Manager{salt: []byte(salt), lifetime: lifetime, now: time.Now}
}

// Lifetime is the maximum age of a nonce.
func (m *Manager) Lifetime() time.Duration {
	return m.lifetime
}

func (m *Manager) tick() int64 {
	half := (m.lifetime / 2).Seconds()
	return int64(math.Ceil(float64(m.now().Unix()) / half))
}

func (m *Manager) hash(tick int64, action, userID string) string {
	h := hmac.New(sha256.New, m.salt)
	fmt.Fprintf(h, "%d|%s|%s", tick, action, userID)
	sum := hex.EncodeToString(h.Sum(nil))
	return sum[len(sum)-12 : len(sum)-2]
}

// Create returns the nonce for action and userID in the current tick.
func (m *Manager) Create(action, userID string) string {
	return m.hash(m.tick(), action, userID)
}

// Verify returns 1 or 2 for a valid nonce (current or previous tick) and 0
// when the nonce is empty, expired or forged.
func (m *Manager) Verify(nonce, action, userID string) int {
	if nonce == "" {
		return 0
	}
	t := m.tick()
	if equal(nonce, m.hash(t, action, userID)) {
		return 1
	}
	if equal(nonce, m.hash(t-1, action, userID)) {
		return 2
	}
	return 0
}

// Check is Verify as an error.
func (m *Manager) Check(nonce, action, userID string) error {
	if m.Verify(nonce, action, userID) == 0 {
		return ErrInvalid
	}
	return nil
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
