package app

import (
	"context"
	"database/sql/driver"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ofirs1988/genwave-sub001/app/config"
	"github.com/ofirs1988/genwave-sub001/genwave"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
)

const testEncryptionKey = "test-encryption-key"

// withMockDB swaps the package db for a sqlmock one for the duration of t.
func withMockDB(t *testing.T) sqlmock.Sqlmock {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	original := db
	db = sqlx.NewDb(mockDB, "sqlmock")
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet sql expectations: %v", err)
		}
		db.Close()
		db = original
	})
	return mock
}

func testConfig() *config.Config {
	return &config.Config{
		Env:     "test",
		Workers: 1,
		GenWave: config.GenWaveConfig{
			APIURL:       "http://genwave.invalid",
			AccountURL:   "http://account.invalid",
			SiteURL:      "https://shop.example.com",
			DashboardURL: "https://shop.example.com/genwave",
			BatchSize:    10,
		},
		Security: config.SecurityConfig{
			EncryptionKey:     testEncryptionKey,
			NonceSalt:         "test-salt",
			NonceLifetime:     time.Hour,
			ConnectSessionTTL: 15 * time.Minute,
		},
	}
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	svc, err := NewService(ctx, testConfig())
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

var countColumns = []string{"total", "pending", "processing", "completed", "failed", "cancelled"}

// expectRefresh expects the counter recompute that closes every item write.
func expectRefresh(mock sqlmock.Sqlmock, requestID int64, counts []driver.Value, status string) {
	mock.ExpectQuery(`COUNT\(\*\) FILTER`).
		WithArgs(requestID).
		WillReturnRows(sqlmock.NewRows(countColumns).AddRow(counts...))
	mock.ExpectExec(`UPDATE gen_requests\s+SET status = \$2`).
		WithArgs(requestID, status, counts[0], counts[3], counts[4]).
		WillReturnResult(sqlmock.NewResult(0, 1))
}

// expectLock expects a transaction that starts by locking the request row.
func expectLock(mock sqlmock.Sqlmock, requestID int64) {
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM gen_requests WHERE id = \$1 FOR UPDATE`).
		WithArgs(requestID).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(requestID))
}

// withBackend points the service's API client at h.
func withBackend(t *testing.T, svc *Service, h http.HandlerFunc) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	svc.api = genwave.NewClient(srv.URL)
}
