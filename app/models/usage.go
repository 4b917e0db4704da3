package models

import "time"

// TokenUsage is one row of gen_token_usage.
type TokenUsage struct {
	ID               int64     `db:"id" json:"id"`
	RequestID        int64     `db:"request_id" json:"request_id"`
	ItemID           *int64    `db:"item_id" json:"item_id,omitempty"`
	PostID           int64     `db:"post_id" json:"post_id"`
	Field            Field     `db:"field" json:"field"`
	Model            string    `db:"model" json:"model"`
	PromptTokens     int       `db:"prompt_tokens" json:"prompt_tokens"`
	CompletionTokens int       `db:"completion_tokens" json:"completion_tokens"`
	TotalTokens      int       `db:"total_tokens" json:"total_tokens"`
	Credits          float64   `db:"credits" json:"credits"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
}

type UsageTotals struct {
	Items            int64   `db:"items" json:"items"`
	PromptTokens     int64   `db:"prompt_tokens" json:"prompt_tokens"`
	CompletionTokens int64   `db:"completion_tokens" json:"completion_tokens"`
	TotalTokens      int64   `db:"total_tokens" json:"total_tokens"`
	Credits          float64 `db:"credits" json:"credits"`
}

type UsageByField struct {
	Field       Field   `db:"field" json:"field"`
	Items       int64   `db:"items" json:"items"`
	TotalTokens int64   `db:"total_tokens" json:"total_tokens"`
	Credits     float64 `db:"credits" json:"credits"`
}

type UsageByDay struct {
	Day         time.Time `db:"day" json:"day"`
	TotalTokens int64     `db:"total_tokens" json:"total_tokens"`
	Credits     float64   `db:"credits" json:"credits"`
}

type UsageSummary struct {
	Since   time.Time      `json:"since"`
	Totals  UsageTotals    `json:"totals"`
	ByField []UsageByField `json:"by_field"`
	ByDay   []UsageByDay   `json:"by_day"`
}
