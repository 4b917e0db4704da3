package app

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/ofirs1988/genwave-sub001/app/models"

	"go.uber.org/zap"
)

// StartConnect opens a credential exchange for userID and returns the URL
// the editor's browser must visit.
func (s *Service) StartConnect(ctx context.Context, userID string) (string, models.ConnectSession, error) {
	token, err := newSessionToken(rand.Reader)
	if err != nil {
		return "", models.ConnectSession{}, err
	}
	sess := models.ConnectSession{
		TokenHash: hashToken(token),
		UserID:    userID,
		ExpiresAt: s.now().Add(s.cfg.Security.ConnectSessionTTL).UTC(),
	}
	if err := SaveConnectSession(ctx, sess); err != nil {
		return "", models.ConnectSession{}, err
	}
	url := s.account.AuthorizeURL(token, s.cfg.GenWave.SiteURL, s.cfg.GenWave.CallbackURL())
	return url, sess, nil
}

// CompleteConnect validates the returning session token, exchanges the code
// for credentials and stores them with the secret encrypted.
func (s *Service) CompleteConnect(ctx context.Context, token, code string) (models.Connection, error) {
	if token == "" || code == "" {
		return models.Connection{}, ErrSessionExpired
	}
	sess, err := LoadConnectSession(ctx)
	if err != nil {
		return models.Connection{}, err
	}
	if !s.now().Before(sess.ExpiresAt) {
		_ = ClearConnectSession(ctx)
		return models.Connection{}, ErrSessionExpired
	}
	if subtle.ConstantTimeCompare([]byte(hashToken(token)), []byte(sess.TokenHash)) != 1 {
		return models.Connection{}, ErrSessionExpired
	}

	creds, err := s.account.Exchange(ctx, token, code)
	if err != nil {
		return models.Connection{}, fmt.Errorf("exchange: %w", err)
	}
	encrypted, err := s.cipher.Encrypt(creds.Secret)
	if err != nil {
		return models.Connection{}, fmt.Errorf("encrypt secret: %w", err)
	}

	plan := models.Plan(creds.Plan)
	if plan == "" {
		plan = models.PlanFree
	}
	conn := models.Connection{
		LicenseKey:      creds.LicenseKey,
		EncryptedSecret: encrypted,
		Email:           creds.Email,
		Plan:            plan,
		ConnectedAt:     s.now().UTC(),
	}
	if err := SaveConnection(ctx, conn); err != nil {
		return models.Connection{}, err
	}
	if err := ClearConnectSession(ctx); err != nil {
		zap.L().Warn("clearing connect session", zap.Error(err))
	}

	zap.L().Info("site connected",
		zap.String("license", conn.MaskedLicenseKey()),
		zap.String("email", conn.Email),
		zap.String("plan", string(conn.Plan)),
		zap.String("user_id", sess.UserID),
	)
	return conn, nil
}

// Disconnect deactivates the license remotely and forgets the credentials.
// Remote failures do not block the local disconnect.
func (s *Service) Disconnect(ctx context.Context) error {
	conn, err := LoadConnection(ctx)
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.account.Deactivate(ctx, conn.LicenseKey); err != nil {
		zap.L().Warn("remote deactivate failed", zap.String("license", conn.MaskedLicenseKey()), zap.Error(err))
	}
	if err := DeleteConnection(ctx); err != nil {
		return err
	}
	zap.L().Info("site disconnected", zap.String("license", conn.MaskedLicenseKey()))
	return nil
}

func newSessionToken(r io.Reader) (string, error) {
	b := make([]byte, 32)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", fmt.Errorf("session token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
