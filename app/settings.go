package app

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/ofirs1988/genwave-sub001/app/models"
)

var (
	ErrNotConnected   = errors.New("site is not connected to Gen Wave")
	ErrSessionExpired = errors.New("connect session expired or invalid")
)

const (
	settingConnection     = "connection"
	settingConnectSession = "connect_session"
)

// storedConnection is the at-rest shape of models.Connection.
type storedConnection struct {
	LicenseKey      string      `json:"license_key"`
	EncryptedSecret string      `json:"encrypted_secret"`
	Email           string      `json:"email"`
	Plan            models.Plan `json:"plan"`
	ConnectedAt     time.Time   `json:"connected_at"`
}

func getSetting(ctx context.Context, key string, v any) error {
	if db == nil {
		return ErrDBNotInitialized
	}
	var raw string
	if err := db.GetContext(ctx, &raw, `SELECT value FROM gen_settings WHERE key = $1`, key); err != nil {
		return notFound(err)
	}
	return json.Unmarshal([]byte(raw), v)
}

func putSetting(ctx context.Context, key string, v any) error {
	if db == nil {
		return ErrDBNotInitialized
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO gen_settings (key, value, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`, key, string(b))
	return err
}

func deleteSetting(ctx context.Context, key string) error {
	if db == nil {
		return ErrDBNotInitialized
	}
	_, err := db.ExecContext(ctx, `DELETE FROM gen_settings WHERE key = $1`, key)
	return err
}

// LoadConnection returns the stored credentials or ErrNotConnected.
func LoadConnection(ctx context.Context) (models.Connection, error) {
	var s storedConnection
	err := getSetting(ctx, settingConnection, &s)
	if errors.Is(err, ErrNotFound) {
		return models.Connection{}, ErrNotConnected
	}
	if err != nil {
		return models.Connection{}, err
	}
	if s.LicenseKey == "" || s.EncryptedSecret == "" {
		return models.Connection{}, ErrNotConnected
	}
	return models.Connection{
		LicenseKey:      s.LicenseKey,
		EncryptedSecret: s.EncryptedSecret,
		Email:           s.Email,
		Plan:            s.Plan,
		ConnectedAt:     s.ConnectedAt,
	}, nil
}

func SaveConnection(ctx context.Context, c models.Connection) error {
	return putSetting(ctx, settingConnection, storedConnection{
		LicenseKey:      c.LicenseKey,
		EncryptedSecret: c.EncryptedSecret,
		Email:           c.Email,
		Plan:            c.Plan,
		ConnectedAt:     c.ConnectedAt,
	})
}

func DeleteConnection(ctx context.Context) error {
	return deleteSetting(ctx, settingConnection)
}

func SaveConnectSession(ctx context.Context, s models.ConnectSession) error {
	return putSetting(ctx, settingConnectSession, s)
}

// LoadConnectSession returns the pending session or ErrSessionExpired.
func LoadConnectSession(ctx context.Context) (models.ConnectSession, error) {
	var s models.ConnectSession
	err := getSetting(ctx, settingConnectSession, &s)
	if errors.Is(err, ErrNotFound) {
		return models.ConnectSession{}, ErrSessionExpired
	}
	return s, err
}

func ClearConnectSession(ctx context.Context) error {
	return deleteSetting(ctx, settingConnectSession)
}
