package app

import (
	"context"
	"time"

	"github.com/ofirs1988/genwave-sub001/app/models"
	"github.com/ofirs1988/genwave-sub001/genwave"

	"github.com/jmoiron/sqlx"
)

const (
	DefaultUsageDays = 30
	MaxUsageDays     = 365
)

func insertUsage(ctx context.Context, tx *sqlx.Tx, requestID int64, itemID *int64, postID int64, field string, u genwave.Usage) error {
	total := u.TotalTokens
	if total == 0 {
		total = u.PromptTokens + u.CompletionTokens
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO gen_token_usage (
			request_id, item_id, post_id, field, model,
			prompt_tokens, completion_tokens, total_tokens, credits
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		requestID, itemID, postID, field, u.Model,
		u.PromptTokens, u.CompletionTokens, total, u.Credits,
	)
	return err
}

// clampUsage zeroes negative counters reported by the backend.
func clampUsage(u genwave.Usage) genwave.Usage {
	u.PromptTokens = max(u.PromptTokens, 0)
	u.CompletionTokens = max(u.CompletionTokens, 0)
	u.TotalTokens = max(u.TotalTokens, 0)
	u.Credits = max(u.Credits, 0)
	return u
}

// usageSince is the start of the reporting window ending at now: midnight
// UTC days-1 days ago, so days=1 means today.
func usageSince(now time.Time, days int) time.Time {
	if days <= 0 {
		days = DefaultUsageDays
	}
	if days > MaxUsageDays {
		days = MaxUsageDays
	}
	now = now.UTC()
	start := now.AddDate(0, 0, -(days - 1))
	return time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
}

// UsageTotalsSince sums token usage recorded at or after since.
func UsageTotalsSince(ctx context.Context, since time.Time) (models.UsageTotals, error) {
	if db == nil {
		return models.UsageTotals{}, ErrDBNotInitialized
	}
	var t models.UsageTotals
	err := db.GetContext(ctx, &t, `
		SELECT
			COUNT(*) AS items,
			COALESCE(SUM(prompt_tokens), 0) AS prompt_tokens,
			COALESCE(SUM(completion_tokens), 0) AS completion_tokens,
			COALESCE(SUM(total_tokens), 0) AS total_tokens,
			COALESCE(SUM(credits), 0) AS credits
		FROM gen_token_usage
		WHERE created_at >= $1`, since)
	return t, err
}

// UsageSummary reports token usage over the last days days.
func UsageSummary(ctx context.Context, now time.Time, days int) (models.UsageSummary, error) {
	since := usageSince(now, days)

	totals, err := UsageTotalsSince(ctx, since)
	if err != nil {
		return models.UsageSummary{}, err
	}

	byField := []models.UsageByField{}
	err = db.SelectContext(ctx, &byField, `
		SELECT
			field,
			COUNT(*) AS items,
			COALESCE(SUM(total_tokens), 0) AS total_tokens,
			COALESCE(SUM(credits), 0) AS credits
		FROM gen_token_usage
		WHERE created_at >= $1
		GROUP BY field
		ORDER BY field`, since)
	if err != nil {
		return models.UsageSummary{}, err
	}

	byDay := []models.UsageByDay{}
	err = db.SelectContext(ctx, &byDay, `
		SELECT
			date_trunc('day', created_at AT TIME ZONE 'UTC') AS day,
			COALESCE(SUM(total_tokens), 0) AS total_tokens,
			COALESCE(SUM(credits), 0) AS credits
		FROM gen_token_usage
		WHERE created_at >= $1
		GROUP BY day
		ORDER BY day`, since)
	if err != nil {
		return models.UsageSummary{}, err
	}

	return models.UsageSummary{
		Since:   since,
		Totals:  totals,
		ByField: byField,
		ByDay:   byDay,
	}, nil
}

// RequestUsage lists the usage rows recorded for one request.
func RequestUsage(ctx context.Context, requestID int64) ([]models.TokenUsage, error) {
	if db == nil {
		return nil, ErrDBNotInitialized
	}
	out := []models.TokenUsage{}
	err := db.SelectContext(ctx, &out, `
		SELECT id, request_id, item_id, post_id, field, model,
		       prompt_tokens, completion_tokens, total_tokens, credits, created_at
		FROM gen_token_usage
		WHERE request_id = $1
		ORDER BY id`, requestID)
	return out, err
}
