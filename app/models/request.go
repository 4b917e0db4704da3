package models

import (
	"time"

	"github.com/jmoiron/sqlx/types"
	"github.com/lib/pq"
)

type PostType string

const (
	PostTypePost    PostType = "post"
	PostTypeProduct PostType = "product"
)

// Field is a piece of content the backend can generate.
type Field string

const (
	FieldTitle            Field = "title"
	FieldDescription      Field = "description"
	FieldShortDescription Field = "short_description"
	FieldExcerpt          Field = "excerpt"
	FieldKeywords         Field = "keywords"
	FieldImage            Field = "image"
)

var allowedFields = map[PostType][]Field{
	PostTypePost:    {FieldTitle, FieldDescription, FieldExcerpt, FieldKeywords, FieldImage},
	PostTypeProduct: {FieldTitle, FieldDescription, FieldShortDescription, FieldKeywords, FieldImage},
}

// AllowedFields lists the fields that can be generated for pt.
func AllowedFields(pt PostType) []Field {
	return allowedFields[pt]
}

func (pt PostType) Valid() bool {
	_, ok := allowedFields[pt]
	return ok
}

func (pt PostType) Allows(f Field) bool {
	for _, a := range allowedFields[pt] {
		if a == f {
			return true
		}
	}
	return false
}

// IsKnownField reports whether s names a field for any post type.
func IsKnownField(s string) bool {
	for _, fields := range allowedFields {
		for _, f := range fields {
			if string(f) == s {
				return true
			}
		}
	}
	return false
}

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusPartial    Status = "partial"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Final reports whether an item in this status will not change again
// (retry aside).
func (s Status) Final() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// GenRequest is one row of gen_requests.
type GenRequest struct {
	ID             int64          `db:"id" json:"id"`
	UUID           string         `db:"uuid" json:"uuid"`
	UserID         string         `db:"user_id" json:"user_id"`
	PostType       PostType       `db:"post_type" json:"post_type"`
	Fields         pq.StringArray `db:"fields" json:"fields"`
	Language       string         `db:"language" json:"language"`
	Tone           string         `db:"tone" json:"tone,omitempty"`
	Instructions   string         `db:"instructions" json:"instructions,omitempty"`
	Status         Status         `db:"status" json:"status"`
	TotalItems     int            `db:"total_items" json:"total_items"`
	CompletedItems int            `db:"completed_items" json:"completed_items"`
	FailedItems    int            `db:"failed_items" json:"failed_items"`
	CreatedAt      time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at" json:"updated_at"`
}

// GenItem is one row of gen_requests_posts: a single field of a single post.
type GenItem struct {
	ID             int64          `db:"id" json:"id"`
	RequestID      int64          `db:"request_id" json:"request_id"`
	JobID          *string        `db:"job_id" json:"job_id,omitempty"`
	BatchIndex     int            `db:"batch_index" json:"batch_index"`
	PostID         int64          `db:"post_id" json:"post_id"`
	PostType       PostType       `db:"post_type" json:"post_type"`
	Field          Field          `db:"field" json:"field"`
	Status         Status         `db:"status" json:"status"`
	OriginalValue  string         `db:"original_value" json:"original_value"`
	GeneratedValue string         `db:"generated_value" json:"generated_value"`
	Snapshot       types.JSONText `db:"snapshot" json:"-"`
	ExternalID     *string        `db:"external_id" json:"external_id,omitempty"`
	Error          string         `db:"error" json:"error,omitempty"`
	Applied        bool           `db:"applied" json:"applied"`
	AppliedAt      *time.Time     `db:"applied_at" json:"applied_at,omitempty"`
	CreatedAt      time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at" json:"updated_at"`
}

// RequestDetails is a request with all of its items.
type RequestDetails struct {
	Request GenRequest `json:"request"`
	Items   []GenItem  `json:"items"`
}

// PostStatus is the latest known generation status of one post field.
type PostStatus struct {
	PostID    int64     `db:"post_id" json:"post_id"`
	Field     Field     `db:"field" json:"field"`
	PostType  PostType  `db:"post_type" json:"post_type"`
	Status    Status    `db:"status" json:"status"`
	RequestID int64     `db:"request_id" json:"request_id"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
