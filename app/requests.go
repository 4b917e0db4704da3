package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ofirs1988/genwave-sub001/app/models"
	"github.com/ofirs1988/genwave-sub001/genwave"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

var ErrItemNotCompleted = errors.New("item has no completed result to apply")

const requestColumns = `
	id, uuid, user_id, post_type, fields, language, tone, instructions, status,
	total_items, completed_items, failed_items, created_at, updated_at`

const itemColumns = `
	id, request_id, job_id, batch_index, post_id, post_type, field, status,
	original_value, generated_value, snapshot, external_id, error, applied,
	applied_at, created_at, updated_at`

// batchCount is ceil(n / size).
func batchCount(n, size int) int {
	if n <= 0 {
		return 0
	}
	return (n + size - 1) / size
}

func fieldStrings(fields []models.Field) []string {
	out := make([]string, len(fields))
	for i, f := range fields {
		out[i] = string(f)
	}
	return out
}

// CreateRequest persists a generation request, one item per (post, field)
// and the job that dispatches them, all in one transaction. Posts are
// assigned to batches of batchSize in the order given.
func CreateRequest(ctx context.Context, userID string, in models.GenerateRequest, batchSize int) (models.GenRequest, models.JobStatus, error) {
	if db == nil {
		return models.GenRequest{}, models.JobStatus{}, ErrDBNotInitialized
	}
	if batchSize <= 0 {
		batchSize = 10
	}

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return models.GenRequest{}, models.JobStatus{}, err
	}
	defer tx.Rollback()

	var req models.GenRequest
	err = tx.GetContext(ctx, &req, `
		INSERT INTO gen_requests (
			uuid, user_id, post_type, fields, language, tone, instructions, status, total_items
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING `+requestColumns,
		uuid.NewString(),
		userID,
		string(in.PostType),
		pq.Array(fieldStrings(in.Fields)),
		in.Language,
		in.Tone,
		in.Instructions,
		string(models.StatusPending),
		in.ItemCount(),
	)
	if err != nil {
		return models.GenRequest{}, models.JobStatus{}, fmt.Errorf("insert request: %w", err)
	}

	job, err := createJob(ctx, tx, req.ID, in.ItemCount(), batchSize, batchCount(len(in.Posts), batchSize))
	if err != nil {
		return models.GenRequest{}, models.JobStatus{}, fmt.Errorf("insert job: %w", err)
	}

	// COPY the items in one round trip
	stmt, err := tx.PrepareContext(ctx, pq.CopyIn(
		"gen_requests_posts",
		"request_id",
		"job_id",
		"batch_index",
		"post_id",
		"post_type",
		"field",
		"status",
		"original_value",
		"snapshot",
	))
	if err != nil {
		return models.GenRequest{}, models.JobStatus{}, err
	}

	for i, p := range in.Posts {
		snapshot, err := json.Marshal(p)
		if err != nil {
			stmt.Close()
			return models.GenRequest{}, models.JobStatus{}, err
		}
		for _, f := range in.Fields {
			if _, err := stmt.ExecContext(ctx,
				req.ID,
				job.ID,
				i/batchSize,
				p.PostID,
				string(in.PostType),
				string(f),
				string(models.StatusPending),
				p.OriginalValue(f),
				string(snapshot),
			); err != nil {
				stmt.Close()
				return models.GenRequest{}, models.JobStatus{}, err
			}
		}
	}

	// finish COPY
	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return models.GenRequest{}, models.JobStatus{}, err
	}
	if err := stmt.Close(); err != nil {
		return models.GenRequest{}, models.JobStatus{}, err
	}

	if err := syncPostStatus(ctx, tx, "request_id = $1", req.ID); err != nil {
		return models.GenRequest{}, models.JobStatus{}, err
	}

	if err := tx.Commit(); err != nil {
		return models.GenRequest{}, models.JobStatus{}, err
	}
	return req, job, nil
}

// GetRequest loads one gen_requests row.
func GetRequest(ctx context.Context, id int64) (models.GenRequest, error) {
	if db == nil {
		return models.GenRequest{}, ErrDBNotInitialized
	}
	var req models.GenRequest
	err := db.GetContext(ctx, &req, `SELECT `+requestColumns+` FROM gen_requests WHERE id = $1`, id)
	return req, notFound(err)
}

// FindRequestByUUID resolves the public request id the backend echoes back.
func FindRequestByUUID(ctx context.Context, requestUUID string) (models.GenRequest, error) {
	if db == nil {
		return models.GenRequest{}, ErrDBNotInitialized
	}
	if _, err := uuid.Parse(requestUUID); err != nil {
		return models.GenRequest{}, ErrNotFound
	}
	var req models.GenRequest
	err := db.GetContext(ctx, &req, `SELECT `+requestColumns+` FROM gen_requests WHERE uuid = $1`, requestUUID)
	return req, notFound(err)
}

// GetRequestDetails returns a request with all its items.
func GetRequestDetails(ctx context.Context, id int64) (models.RequestDetails, error) {
	req, err := GetRequest(ctx, id)
	if err != nil {
		return models.RequestDetails{}, err
	}
	items := []models.GenItem{}
	err = db.SelectContext(ctx, &items, `
		SELECT `+itemColumns+`
		FROM gen_requests_posts
		WHERE request_id = $1
		ORDER BY post_id, field`, id)
	if err != nil {
		return models.RequestDetails{}, err
	}
	return models.RequestDetails{Request: req, Items: items}, nil
}

// ListRequests pages through requests, newest first, and returns the total
// number of matching rows.
func ListRequests(ctx context.Context, q models.ListRequestsQuery) ([]models.GenRequest, int, error) {
	if db == nil {
		return nil, 0, ErrDBNotInitialized
	}
	q.Defaults()

	where := []string{"TRUE"}
	var args []any
	if q.Status != "" {
		args = append(args, string(q.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if q.PostType != "" {
		args = append(args, string(q.PostType))
		where = append(where, fmt.Sprintf("post_type = $%d", len(args)))
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := db.GetContext(ctx, &total, `SELECT COUNT(*) FROM gen_requests WHERE `+cond, args...); err != nil {
		return nil, 0, err
	}

	pageArgs := append(append([]any{}, args...), q.PerPage, q.Offset())
	out := []models.GenRequest{}
	err := db.SelectContext(ctx, &out, fmt.Sprintf(`
		SELECT %s
		FROM gen_requests
		WHERE %s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d OFFSET $%d`, requestColumns, cond, len(args)+1, len(args)+2), pageArgs...)
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// StatusCounts returns how many requests are in each status.
func StatusCounts(ctx context.Context) (map[models.Status]int, error) {
	if db == nil {
		return nil, ErrDBNotInitialized
	}
	rows, err := db.QueryContext(ctx, `SELECT status, COUNT(*) FROM gen_requests GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[models.Status]int{}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[models.Status(status)] = n
	}
	return out, rows.Err()
}

// LoadBatchItems returns the still-pending items of one job batch.
func LoadBatchItems(ctx context.Context, jobID string, batchIndex int) ([]models.GenItem, error) {
	if db == nil {
		return nil, ErrDBNotInitialized
	}
	items := []models.GenItem{}
	err := db.SelectContext(ctx, &items, `
		SELECT `+itemColumns+`
		FROM gen_requests_posts
		WHERE job_id = $1 AND batch_index = $2 AND status = 'pending'
		ORDER BY post_id, field`, jobID, batchIndex)
	return items, err
}

// MarkItemsProcessing records the backend generation id on freshly
// submitted items.
func MarkItemsProcessing(ctx context.Context, requestID int64, ids []int64, externalID string) error {
	return updateItems(ctx, requestID, ids, `
		UPDATE gen_requests_posts
		SET status = 'processing', external_id = $2, updated_at = now()
		WHERE id = ANY($1) AND status = 'pending'`, externalID)
}

// MarkItemsFailed fails items that never reached the backend.
func MarkItemsFailed(ctx context.Context, requestID int64, ids []int64, reason string) error {
	return updateItems(ctx, requestID, ids, `
		UPDATE gen_requests_posts
		SET status = 'failed', error = $2, updated_at = now()
		WHERE id = ANY($1) AND status IN ('pending', 'processing')`, reason)
}

func updateItems(ctx context.Context, requestID int64, ids []int64, q string, arg any) error {
	if db == nil {
		return ErrDBNotInitialized
	}
	if len(ids) == 0 {
		return nil
	}
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := lockRequest(ctx, tx, requestID); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, q, pq.Array(ids), arg); err != nil {
		return err
	}
	if err := syncPostStatus(ctx, tx, "id = ANY($1)", pq.Array(ids)); err != nil {
		return err
	}
	if _, err := refreshRequest(ctx, tx, requestID); err != nil {
		return err
	}
	return tx.Commit()
}

// itemStatusFromRemote maps a backend result status onto an item status.
// ok is false for non-final remote states.
func itemStatusFromRemote(s string) (models.Status, bool) {
	switch s {
	case genwave.StatusCompleted:
		return models.StatusCompleted, true
	case genwave.StatusFailed:
		return models.StatusFailed, true
	case genwave.StatusCancelled:
		return models.StatusCancelled, true
	}
	return "", false
}

// ApplyResults stores final backend results for a request. Results for
// unknown or already-final items, and for items now owned by another
// generation, are skipped. It returns the number of items updated.
func ApplyResults(ctx context.Context, requestID int64, externalID string, results []genwave.Result) (int, error) {
	if db == nil {
		return 0, ErrDBNotInitialized
	}
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if err := lockRequest(ctx, tx, requestID); err != nil {
		return 0, err
	}

	var (
		ids     []int64
		applied []genwave.Result
	)
	for _, r := range results {
		status, final := itemStatusFromRemote(r.Status)
		if !final {
			continue
		}
		errMsg := r.Error
		if status == models.StatusFailed && errMsg == "" {
			errMsg = "generation failed"
		}

		var id int64
		err := tx.GetContext(ctx, &id, `
			UPDATE gen_requests_posts
			SET status = $1,
			    generated_value = $2,
			    error = $3,
			    external_id = COALESCE(external_id, NULLIF($4, '')),
			    updated_at = now()
			WHERE request_id = $5 AND post_id = $6 AND field = $7
			  AND status IN ('pending', 'processing')
			  AND (external_id IS NULL OR external_id = NULLIF($4, ''))
			RETURNING id`,
			string(status), r.Value, errMsg, externalID, requestID, r.PostID, r.Field)
		if errors.Is(err, sql.ErrNoRows) {
			zap.L().Debug("skipping result for unknown, final or resubmitted item",
				zap.Int64("request_id", requestID),
				zap.String("external_id", externalID),
				zap.Int64("post_id", r.PostID),
				zap.String("field", r.Field),
			)
			continue
		}
		if err != nil {
			return 0, err
		}

		if r.Usage != nil {
			u := clampUsage(*r.Usage)
			r.Usage = &u
			if err := insertUsage(ctx, tx, requestID, &id, r.PostID, r.Field, u); err != nil {
				return 0, err
			}
		}
		ids = append(ids, id)
		applied = append(applied, r)
	}

	if len(ids) > 0 {
		if err := syncPostStatus(ctx, tx, "id = ANY($1)", pq.Array(ids)); err != nil {
			return 0, err
		}
		if _, err := refreshRequest(ctx, tx, requestID); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}

	for _, r := range applied {
		observeResult(r)
	}
	return len(ids), nil
}

// FinalizeGeneration closes every open item of a backend generation with
// status, used when the backend reports the whole generation failed or
// cancelled without per-item results.
func FinalizeGeneration(ctx context.Context, requestID int64, externalID string, status models.Status, reason string) (int, error) {
	if db == nil {
		return 0, ErrDBNotInitialized
	}
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if err := lockRequest(ctx, tx, requestID); err != nil {
		return 0, err
	}

	var ids []int64
	err = tx.SelectContext(ctx, &ids, `
		UPDATE gen_requests_posts
		SET status = $3, error = $4, updated_at = now()
		WHERE request_id = $1 AND external_id = $2 AND status IN ('pending', 'processing')
		RETURNING id`, requestID, externalID, string(status), reason)
	if err != nil {
		return 0, err
	}
	if len(ids) > 0 {
		if err := syncPostStatus(ctx, tx, "id = ANY($1)", pq.Array(ids)); err != nil {
			return 0, err
		}
		if _, err := refreshRequest(ctx, tx, requestID); err != nil {
			return 0, err
		}
	}
	return len(ids), tx.Commit()
}

// CancelRequest cancels every open item and returns the backend generation
// ids that were still running so the caller can cancel them remotely.
func CancelRequest(ctx context.Context, requestID int64) ([]string, error) {
	if db == nil {
		return nil, ErrDBNotInitialized
	}
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if err := lockRequest(ctx, tx, requestID); err != nil {
		return nil, err
	}

	var externalIDs []string
	err = tx.SelectContext(ctx, &externalIDs, `
		SELECT DISTINCT external_id
		FROM gen_requests_posts
		WHERE request_id = $1 AND status = 'processing' AND external_id IS NOT NULL`, requestID)
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE gen_requests_posts
		SET status = 'cancelled', error = 'cancelled by editor', updated_at = now()
		WHERE request_id = $1 AND status IN ('pending', 'processing')`, requestID); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'cancelled', updated_at = now()
		WHERE request_id = $1 AND status IN ('pending', 'running')`, requestID); err != nil {
		return nil, err
	}
	if err := syncPostStatus(ctx, tx, "request_id = $1", requestID); err != nil {
		return nil, err
	}
	if _, err := refreshRequest(ctx, tx, requestID); err != nil {
		return nil, err
	}
	return externalIDs, tx.Commit()
}

// ResetFailedItems moves failed items back to pending under a new job so
// they can be dispatched again. It returns the job and the number of items
// reset; zero items means there was nothing to retry.
func ResetFailedItems(ctx context.Context, requestID int64, batchSize int) (models.JobStatus, int, error) {
	if db == nil {
		return models.JobStatus{}, 0, ErrDBNotInitialized
	}
	if batchSize <= 0 {
		batchSize = 10
	}
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return models.JobStatus{}, 0, err
	}
	defer tx.Rollback()

	if err := lockRequest(ctx, tx, requestID); err != nil {
		return models.JobStatus{}, 0, err
	}

	var failed []struct {
		ID     int64 `db:"id"`
		PostID int64 `db:"post_id"`
	}
	err = tx.SelectContext(ctx, &failed, `
		SELECT id, post_id
		FROM gen_requests_posts
		WHERE request_id = $1 AND status = 'failed'
		ORDER BY post_id, field`, requestID)
	if err != nil {
		return models.JobStatus{}, 0, err
	}
	if len(failed) == 0 {
		return models.JobStatus{}, 0, nil
	}

	postIndex := map[int64]int{}
	for _, f := range failed {
		if _, ok := postIndex[f.PostID]; !ok {
			postIndex[f.PostID] = len(postIndex)
		}
	}

	job, err := createJob(ctx, tx, requestID, len(failed), batchSize, batchCount(len(postIndex), batchSize))
	if err != nil {
		return models.JobStatus{}, 0, err
	}

	ids := make([]int64, 0, len(failed))
	for _, f := range failed {
		if _, err := tx.ExecContext(ctx, `
			UPDATE gen_requests_posts
			SET status = 'pending', job_id = $2, batch_index = $3, error = '',
			    external_id = NULL, generated_value = '', updated_at = now()
			WHERE id = $1`, f.ID, job.ID, postIndex[f.PostID]/batchSize); err != nil {
			return models.JobStatus{}, 0, err
		}
		ids = append(ids, f.ID)
	}

	if err := syncPostStatus(ctx, tx, "id = ANY($1)", pq.Array(ids)); err != nil {
		return models.JobStatus{}, 0, err
	}
	if _, err := refreshRequest(ctx, tx, requestID); err != nil {
		return models.JobStatus{}, 0, err
	}
	if err := tx.Commit(); err != nil {
		return models.JobStatus{}, 0, err
	}
	return job, len(ids), nil
}

// ApplyItem marks a completed item as written back to its post.
func ApplyItem(ctx context.Context, itemID int64) (models.GenItem, error) {
	if db == nil {
		return models.GenItem{}, ErrDBNotInitialized
	}
	var item models.GenItem
	err := db.GetContext(ctx, &item, `
		UPDATE gen_requests_posts
		SET applied = true, applied_at = COALESCE(applied_at, now()), updated_at = now()
		WHERE id = $1 AND status = 'completed'
		RETURNING `+itemColumns, itemID)
	if err == nil {
		return item, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.GenItem{}, err
	}

	var status string
	if err := db.GetContext(ctx, &status, `SELECT status FROM gen_requests_posts WHERE id = $1`, itemID); err != nil {
		return models.GenItem{}, notFound(err)
	}
	return models.GenItem{}, ErrItemNotCompleted
}

type openGeneration struct {
	RequestID  int64  `db:"request_id"`
	ExternalID string `db:"external_id"`
}

// OpenGenerations lists backend generations that still have items in
// flight. requestID 0 means every request.
func OpenGenerations(ctx context.Context, requestID int64) ([]openGeneration, error) {
	if db == nil {
		return nil, ErrDBNotInitialized
	}
	q := `
		SELECT DISTINCT request_id, external_id
		FROM gen_requests_posts
		WHERE status = 'processing' AND external_id IS NOT NULL`
	var args []any
	if requestID != 0 {
		q += ` AND request_id = $1`
		args = append(args, requestID)
	}
	out := []openGeneration{}
	err := db.SelectContext(ctx, &out, q+` ORDER BY request_id, external_id`, args...)
	return out, err
}

// StalePendingBatches lists batches that still have pending items last
// touched before cutoff. Batches of cancelled jobs are skipped.
func StalePendingBatches(ctx context.Context, cutoff time.Time) ([]models.JobMessage, error) {
	if db == nil {
		return nil, ErrDBNotInitialized
	}
	rows, err := db.QueryContext(ctx, `
		SELECT DISTINCT p.request_id, p.job_id, p.batch_index
		FROM gen_requests_posts p
		JOIN jobs j ON j.id = p.job_id
		WHERE p.status = 'pending' AND j.status <> 'cancelled' AND p.updated_at < $1
		ORDER BY p.request_id, p.job_id, p.batch_index`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []models.JobMessage{}
	for rows.Next() {
		var m models.JobMessage
		if err := rows.Scan(&m.RequestID, &m.JobID, &m.BatchIndex); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func lockRequest(ctx context.Context, tx *sqlx.Tx, requestID int64) error {
	var id int64
	err := tx.GetContext(ctx, &id, `SELECT id FROM gen_requests WHERE id = $1 FOR UPDATE`, requestID)
	return notFound(err)
}

type itemCounts struct {
	Total      int `db:"total"`
	Pending    int `db:"pending"`
	Processing int `db:"processing"`
	Completed  int `db:"completed"`
	Failed     int `db:"failed"`
	Cancelled  int `db:"cancelled"`
}

// aggregateStatus derives a request's status from its item counts.
func aggregateStatus(c itemCounts) models.Status {
	switch {
	case c.Total == 0:
		return models.StatusPending
	case c.Pending+c.Processing > 0:
		if c.Pending == c.Total {
			return models.StatusPending
		}
		return models.StatusProcessing
	case c.Completed == c.Total:
		return models.StatusCompleted
	case c.Completed > 0:
		return models.StatusPartial
	case c.Failed > 0:
		return models.StatusFailed
	default:
		return models.StatusCancelled
	}
}

// refreshRequest recomputes the counters and status of a request.
func refreshRequest(ctx context.Context, tx *sqlx.Tx, requestID int64) (models.Status, error) {
	var c itemCounts
	err := tx.GetContext(ctx, &c, `
		SELECT
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE status = 'pending') AS pending,
			COUNT(*) FILTER (WHERE status = 'processing') AS processing,
			COUNT(*) FILTER (WHERE status = 'completed') AS completed,
			COUNT(*) FILTER (WHERE status = 'failed') AS failed,
			COUNT(*) FILTER (WHERE status = 'cancelled') AS cancelled
		FROM gen_requests_posts
		WHERE request_id = $1`, requestID)
	if err != nil {
		return "", err
	}

	status := aggregateStatus(c)
	_, err = tx.ExecContext(ctx, `
		UPDATE gen_requests
		SET status = $2, total_items = $3, completed_items = $4, failed_items = $5, updated_at = now()
		WHERE id = $1`, requestID, string(status), c.Total, c.Completed, c.Failed)
	if err != nil {
		return "", err
	}
	return status, nil
}
