package app

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/ofirs1988/genwave-sub001/app/models"
	"github.com/ofirs1988/genwave-sub001/genwave"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildGenerationRequestGroupsByPost(t *testing.T) {
	req := models.GenRequest{
		UUID:     "6f0d7f38-4b53-4a58-9a52-3d4c2d1e0f00",
		PostType: models.PostTypeProduct,
		Language: "de",
		Tone:     "friendly",
	}
	msg := models.JobMessage{RequestID: 1, JobID: "job-1", BatchIndex: 2}
	items := []models.GenItem{
		{ID: 1, PostID: 10, Field: models.FieldTitle, Snapshot: types.JSONText(`{"post_id":10,"title":"Mug","categories":["kitchen"]}`)},
		{ID: 2, PostID: 10, Field: models.FieldDescription, Snapshot: types.JSONText(`{"post_id":10,"title":"Mug","categories":["kitchen"]}`)},
		{ID: 3, PostID: 11, Field: models.FieldDescription, Snapshot: types.JSONText(`{"post_id":11,"content":"A plate"}`)},
	}

	got := buildGenerationRequest(req, msg, items, "https://shop.example.com/webhooks/generation")

	assert.Equal(t, req.UUID, got.RequestID)
	assert.Equal(t, "job-1", got.JobID)
	assert.Equal(t, 2, got.BatchIndex)
	assert.Equal(t, "product", got.PostType)
	assert.Equal(t, "de", got.Language)
	assert.Equal(t, []string{"title", "description"}, got.Fields)
	require.Len(t, got.Posts, 2)

	assert.Equal(t, int64(10), got.Posts[0].PostID)
	assert.Equal(t, "Mug", got.Posts[0].Title)
	assert.Equal(t, []string{"kitchen"}, got.Posts[0].Categories)
	assert.Equal(t, []string{"title", "description"}, got.Posts[0].Fields)

	assert.Equal(t, int64(11), got.Posts[1].PostID)
	assert.Equal(t, "A plate", got.Posts[1].Content)
	assert.Equal(t, []string{"description"}, got.Posts[1].Fields)
}

func TestPostInputToleratesBadSnapshot(t *testing.T) {
	in := postInput(models.GenItem{ID: 4, PostID: 12, Snapshot: types.JSONText(`{`)})
	assert.Equal(t, int64(12), in.PostID)
	assert.Empty(t, in.Title)
}

func TestPermanentError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{ErrNotConnected, true},
		{fmt.Errorf("wrap: %w", genwave.ErrNoCredentials), true},
		{&genwave.APIError{Status: http.StatusBadRequest}, true},
		{&genwave.APIError{Status: http.StatusUnauthorized}, true},
		{&genwave.APIError{Status: http.StatusTooManyRequests}, false},
		{&genwave.APIError{Status: http.StatusRequestTimeout}, false},
		{&genwave.APIError{Status: http.StatusBadGateway}, false},
		{errors.New("connection reset"), false},
	}
	for _, tt := range tests {
		if got := permanentError(tt.err); got != tt.want {
			t.Fatalf("permanentError(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestItemIDs(t *testing.T) {
	assert.Equal(t, []int64{3, 9}, itemIDs([]models.GenItem{{ID: 3}, {ID: 9}}))
	assert.Empty(t, itemIDs(nil))
}

func TestBatchKeyIsStablePerBatch(t *testing.T) {
	a := batchKey(models.JobMessage{JobID: "job-1", BatchIndex: 0})
	assert.Equal(t, a, batchKey(models.JobMessage{RequestID: 9, JobID: "job-1", BatchIndex: 0}))
	assert.NotEqual(t, a, batchKey(models.JobMessage{JobID: "job-1", BatchIndex: 1}))
	assert.NotEqual(t, a, batchKey(models.JobMessage{JobID: "job-2", BatchIndex: 0}))
}

var batchMsg = models.JobMessage{RequestID: 1, JobID: "job-1", BatchIndex: 0}

// expectBatchLoad expects ProcessBatch to read the request, its pending
// batch items and the connection.
func expectBatchLoad(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	mock.ExpectQuery(`FROM gen_requests WHERE id = \$1`).
		WithArgs(1).
		WillReturnRows(sqlmock.NewRows([]string{"id", "uuid", "post_type", "language"}).
			AddRow(1, "3d5c1f4e-2a1b-4c8d-9e0f-112233445566", "post", "en"))
	mock.ExpectQuery(`WHERE job_id = \$1 AND batch_index = \$2 AND status = 'pending'`).
		WithArgs("job-1", 0).
		WillReturnRows(sqlmock.NewRows([]string{"id", "request_id", "post_id", "post_type", "field", "status", "snapshot"}).
			AddRow(11, 1, 101, "post", "title", "pending", `{"post_id":101,"title":"First"}`).
			AddRow(12, 1, 101, "post", "excerpt", "pending", `{"post_id":101,"title":"First"}`))
	expectConnection(t, mock, "whsec")
}

func TestProcessBatchSubmits(t *testing.T) {
	mock := withMockDB(t)
	svc := newTestService(t)

	var got genwave.GenerationRequest
	var key string
	withBackend(t, svc, func(w http.ResponseWriter, r *http.Request) {
		key = r.Header.Get(genwave.HeaderIdempotencyKey)
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(genwave.Generation{ID: "gen_1", Status: genwave.StatusQueued})
	})

	expectBatchLoad(t, mock)
	// items move to processing under the new generation
	expectLock(mock, 1)
	mock.ExpectExec(`SET status = 'processing', external_id = \$2`).
		WithArgs(sqlmock.AnyArg(), "gen_1").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`INSERT INTO gen_status`).
		WillReturnResult(sqlmock.NewResult(0, 2))
	expectRefresh(mock, 1, []driver.Value{2, 0, 2, 0, 0, 0}, "processing")
	mock.ExpectCommit()
	// no inline results
	expectLock(mock, 1)
	mock.ExpectCommit()
	// job progress
	mock.ExpectBegin()
	mock.ExpectQuery(`FROM jobs`).
		WithArgs("job-1").
		WillReturnRows(sqlmock.NewRows(jobColumns).AddRow("job-1", 1, "pending", 2, 10, 0, 0, 1))
	mock.ExpectExec(`UPDATE jobs`).
		WithArgs("job-1", 1, 0, JobCompleted).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, svc.ProcessBatch(context.Background(), batchMsg))
	assert.Equal(t, batchKey(batchMsg), key)
	assert.Equal(t, "3d5c1f4e-2a1b-4c8d-9e0f-112233445566", got.RequestID)
	assert.Equal(t, "https://shop.example.com/webhooks/generation", got.CallbackURL)
	require.Len(t, got.Posts, 1)
	assert.Equal(t, []string{"title", "excerpt"}, got.Posts[0].Fields)
}

func TestProcessBatchFailsOnRejectedRequest(t *testing.T) {
	mock := withMockDB(t)
	svc := newTestService(t)

	withBackend(t, svc, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte(`{"message":"out of credits"}`))
	})

	expectBatchLoad(t, mock)
	expectLock(mock, 1)
	mock.ExpectExec(`SET status = 'failed', error = \$2`).
		WithArgs(sqlmock.AnyArg(), "genwave http 402: out of credits").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`INSERT INTO gen_status`).
		WillReturnResult(sqlmock.NewResult(0, 2))
	expectRefresh(mock, 1, []driver.Value{2, 0, 0, 0, 2, 0}, "failed")
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectQuery(`FROM jobs`).
		WithArgs("job-1").
		WillReturnRows(sqlmock.NewRows(jobColumns).AddRow("job-1", 1, "pending", 2, 10, 0, 0, 1))
	mock.ExpectExec(`UPDATE jobs`).
		WithArgs("job-1", 0, 1, JobFailed).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	assert.NoError(t, svc.ProcessBatch(context.Background(), batchMsg))
}

func TestProcessBatchReturnsRetryableErrors(t *testing.T) {
	mock := withMockDB(t)
	svc := newTestService(t)

	var keys []string
	withBackend(t, svc, func(w http.ResponseWriter, r *http.Request) {
		keys = append(keys, r.Header.Get(genwave.HeaderIdempotencyKey))
		w.WriteHeader(http.StatusBadGateway)
	})

	expectBatchLoad(t, mock)

	err := svc.ProcessBatch(context.Background(), batchMsg)
	var apiErr *genwave.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.Status)
	require.Len(t, keys, 3)
	assert.Equal(t, keys[0], keys[2])
}

func TestProcessBatchSkipsEmptyBatch(t *testing.T) {
	mock := withMockDB(t)
	svc := newTestService(t)

	mock.ExpectQuery(`FROM gen_requests WHERE id = \$1`).
		WithArgs(1).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectQuery(`status = 'pending'`).
		WithArgs("job-1", 0).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	assert.NoError(t, svc.ProcessBatch(context.Background(), batchMsg))
}

func TestSyncRequestAppliesRemoteResults(t *testing.T) {
	mock := withMockDB(t)
	svc := newTestService(t)

	withBackend(t, svc, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/generations/gen_1" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(genwave.Generation{
			ID:     "gen_1",
			Status: genwave.StatusCompleted,
			Results: []genwave.Result{
				{PostID: 101, Field: "title", Status: "completed", Value: "Better title"},
			},
		})
	})

	mock.ExpectQuery(`FROM gen_requests WHERE id = \$1`).
		WithArgs(1).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectQuery(`SELECT DISTINCT request_id, external_id`).
		WithArgs(1).
		WillReturnRows(sqlmock.NewRows([]string{"request_id", "external_id"}).AddRow(1, "gen_1"))
	expectConnection(t, mock, "whsec")
	// the returned result
	expectLock(mock, 1)
	mock.ExpectQuery(`UPDATE gen_requests_posts\s+SET status = \$1`).
		WithArgs("completed", "Better title", "", "gen_1", 1, 101, "title").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(11))
	mock.ExpectExec(`INSERT INTO gen_status`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectRefresh(mock, 1, []driver.Value{2, 0, 1, 1, 0, 0}, "processing")
	mock.ExpectCommit()
	// the generation is complete, so the item it skipped is closed
	expectLock(mock, 1)
	mock.ExpectQuery(`SET status = \$3, error = \$4`).
		WithArgs(1, "gen_1", "failed", "no result returned").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(12))
	mock.ExpectExec(`INSERT INTO gen_status`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectRefresh(mock, 1, []driver.Value{2, 0, 0, 1, 1, 0}, "partial")
	mock.ExpectCommit()

	n, err := svc.SyncRequest(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestSyncRequestFinalizesMissingGeneration(t *testing.T) {
	mock := withMockDB(t)
	svc := newTestService(t)

	withBackend(t, svc, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	mock.ExpectQuery(`FROM gen_requests WHERE id = \$1`).
		WithArgs(1).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectQuery(`SELECT DISTINCT request_id, external_id`).
		WithArgs(1).
		WillReturnRows(sqlmock.NewRows([]string{"request_id", "external_id"}).AddRow(1, "gen_gone"))
	expectConnection(t, mock, "whsec")
	expectLock(mock, 1)
	mock.ExpectQuery(`SET status = \$3, error = \$4`).
		WithArgs(1, "gen_gone", "failed", "generation not found").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(11).AddRow(12))
	mock.ExpectExec(`INSERT INTO gen_status`).
		WillReturnResult(sqlmock.NewResult(0, 2))
	expectRefresh(mock, 1, []driver.Value{2, 0, 0, 0, 2, 0}, "failed")
	mock.ExpectCommit()

	n, err := svc.SyncRequest(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestSyncRequestNothingOpen(t *testing.T) {
	mock := withMockDB(t)
	svc := newTestService(t)

	mock.ExpectQuery(`FROM gen_requests WHERE id = \$1`).
		WithArgs(1).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectQuery(`SELECT DISTINCT request_id, external_id`).
		WithArgs(1).
		WillReturnRows(sqlmock.NewRows([]string{"request_id", "external_id"}))

	n, err := svc.SyncRequest(context.Background(), 1)
	require.NoError(t, err)
	assert.Zero(t, n)
}
