package app

import (
	"context"
	"testing"
	"time"

	"github.com/ofirs1988/genwave-sub001/app/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const settingsQuery = `SELECT value FROM gen_settings WHERE key = \$1`

func TestLoadConnectionMissing(t *testing.T) {
	mock := withMockDB(t)
	mock.ExpectQuery(settingsQuery).
		WithArgs("connection").
		WillReturnRows(sqlmock.NewRows([]string{"value"}))

	_, err := LoadConnection(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestLoadConnectionIncomplete(t *testing.T) {
	mock := withMockDB(t)
	mock.ExpectQuery(settingsQuery).
		WithArgs("connection").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow(`{"license_key":"GW-1234"}`))

	_, err := LoadConnection(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestLoadConnection(t *testing.T) {
	mock := withMockDB(t)
	mock.ExpectQuery(settingsQuery).
		WithArgs("connection").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow(
			`{"license_key":"GW-ABCD-9876","encrypted_secret":"c2VjcmV0","email":"owner@example.com","plan":"pro","connected_at":"2026-01-02T03:04:05Z"}`))

	conn, err := LoadConnection(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "GW-ABCD-9876", conn.LicenseKey)
	assert.Equal(t, "****9876", conn.MaskedLicenseKey())
	assert.Equal(t, models.PlanPro, conn.Plan)
	assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), conn.ConnectedAt.UTC())
}

func TestSaveConnectionUpserts(t *testing.T) {
	mock := withMockDB(t)
	mock.ExpectExec(`INSERT INTO gen_settings .* ON CONFLICT \(key\) DO UPDATE`).
		WithArgs("connection", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := SaveConnection(context.Background(), models.Connection{
		LicenseKey:      "GW-1",
		EncryptedSecret: "x",
	})
	require.NoError(t, err)
}

func TestLoadConnectSessionMissing(t *testing.T) {
	mock := withMockDB(t)
	mock.ExpectQuery(settingsQuery).
		WithArgs("connect_session").
		WillReturnRows(sqlmock.NewRows([]string{"value"}))

	_, err := LoadConnectSession(context.Background())
	assert.ErrorIs(t, err, ErrSessionExpired)
}
