package app

import (
	"context"

	"github.com/ofirs1988/genwave-sub001/app/models"

	"github.com/jmoiron/sqlx"
)

// syncPostStatus copies the status of the items matched by where into
// gen_status. A row owned by a newer request is never overwritten by an
// older one.
func syncPostStatus(ctx context.Context, tx *sqlx.Tx, where string, args ...any) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO gen_status (post_id, field, post_type, status, request_id, updated_at)
		SELECT post_id, field, post_type, status, request_id, now()
		FROM gen_requests_posts
		WHERE `+where+`
		ON CONFLICT (post_id, field) DO UPDATE
		SET post_type = EXCLUDED.post_type,
		    status = EXCLUDED.status,
		    request_id = EXCLUDED.request_id,
		    updated_at = EXCLUDED.updated_at
		WHERE gen_status.request_id <= EXCLUDED.request_id`, args...)
	return err
}

// PostStatuses returns the latest generation status of each field of a post.
func PostStatuses(ctx context.Context, postID int64) ([]models.PostStatus, error) {
	if db == nil {
		return nil, ErrDBNotInitialized
	}
	out := []models.PostStatus{}
	err := db.SelectContext(ctx, &out, `
		SELECT post_id, field, post_type, status, request_id, updated_at
		FROM gen_status
		WHERE post_id = $1
		ORDER BY field`, postID)
	return out, err
}
