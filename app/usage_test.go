package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ofirs1988/genwave-sub001/genwave"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUsageSince(t *testing.T) {
	now := time.Date(2026, 3, 10, 17, 45, 0, 0, time.FixedZone("EST", -5*3600))

	tests := []struct {
		days int
		want time.Time
	}{
		{1, time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)},
		{7, time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)},
		{0, time.Date(2026, 2, 9, 0, 0, 0, 0, time.UTC)},
		{1000, time.Date(2025, 3, 11, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		if got := usageSince(now, tt.days); !got.Equal(tt.want) {
			t.Fatalf("usageSince(%d) = %s, want %s", tt.days, got, tt.want)
		}
	}
}

func TestApplyResultsRecordsUsage(t *testing.T) {
	mock := withMockDB(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WithArgs(5).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(5))
	// completed result with usage
	mock.ExpectQuery(`UPDATE gen_requests_posts\s+SET status = \$1`).
		WithArgs("completed", "New title", "", "gen_9", 5, 100, "title").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(21))
	mock.ExpectExec(`INSERT INTO gen_token_usage`).
		WithArgs(5, 21, 100, "title", "gw-large", 120, 30, 150, 0.5).
		WillReturnResult(sqlmock.NewResult(1, 1))
	// result for an item that is already final
	mock.ExpectQuery(`UPDATE gen_requests_posts\s+SET status = \$1`).
		WithArgs("failed", "", "quota", "gen_9", 5, 100, "excerpt").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectExec(`INSERT INTO gen_status`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`COUNT\(\*\) FILTER`).
		WithArgs(5).
		WillReturnRows(sqlmock.NewRows([]string{"total", "pending", "processing", "completed", "failed", "cancelled"}).
			AddRow(2, 0, 1, 1, 0, 0))
	mock.ExpectExec(`UPDATE gen_requests\s+SET status = \$2`).
		WithArgs(5, "processing", 2, 1, 0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	n, err := ApplyResults(context.Background(), 5, "gen_9", []genwave.Result{
		{
			PostID: 100, Field: "title", Status: "completed", Value: "New title",
			Usage: &genwave.Usage{Model: "gw-large", PromptTokens: 120, CompletionTokens: 30, Credits: 0.5},
		},
		{PostID: 100, Field: "description", Status: "processing"},
		{PostID: 100, Field: "excerpt", Status: "failed", Error: "quota"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestApplyResultsClampsNegativeUsage(t *testing.T) {
	mock := withMockDB(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WithArgs(5).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(5))
	mock.ExpectQuery(`UPDATE gen_requests_posts\s+SET status = \$1`).
		WithArgs("completed", "Title", "", "gen_9", 5, 100, "title").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(21))
	mock.ExpectExec(`INSERT INTO gen_token_usage`).
		WithArgs(5, 21, 100, "title", "gw-large", 0, 30, 30, 0.0).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO gen_status`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`COUNT\(\*\) FILTER`).
		WithArgs(5).
		WillReturnRows(sqlmock.NewRows([]string{"total", "pending", "processing", "completed", "failed", "cancelled"}).
			AddRow(1, 0, 0, 1, 0, 0))
	mock.ExpectExec(`UPDATE gen_requests\s+SET status = \$2`).
		WithArgs(5, "completed", 1, 1, 0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	var (
		n   int
		err error
	)
	require.NotPanics(t, func() {
		n, err = ApplyResults(context.Background(), 5, "gen_9", []genwave.Result{{
			PostID: 100, Field: "title", Status: "completed", Value: "Title",
			Usage: &genwave.Usage{Model: "gw-large", PromptTokens: -500, CompletionTokens: 30, Credits: -1},
		}})
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestClampUsage(t *testing.T) {
	got := clampUsage(genwave.Usage{Model: "m", PromptTokens: -1, CompletionTokens: 4, TotalTokens: -9, Credits: -0.5})
	assert.Equal(t, genwave.Usage{Model: "m", CompletionTokens: 4}, got)
}

func TestCreditsOutlivesCancelledCaller(t *testing.T) {
	mock := withMockDB(t)
	svc := newTestService(t)
	expectConnection(t, mock, "whsec")

	release := make(chan struct{})
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"remaining":42,"used":8,"plan":"pro"}`))
	}))
	t.Cleanup(srv.Close)
	var lastStatus atomic.Int32
	svc.api = genwave.NewClient(srv.URL, genwave.WithObserver(func(endpoint string, status int, _ time.Duration) {
		lastStatus.Store(int32(status))
	}))

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := svc.Credits(ctx)
		errc <- err
	}()
	require.Eventually(t, func() bool { return hits.Load() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)

	// the shared lookup keeps going after its first caller gives up
	close(release)
	assert.Eventually(t, func() bool { return lastStatus.Load() == http.StatusOK }, time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 1, hits.Load())
}
