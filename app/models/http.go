package models

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// PostPayload is the editor-side snapshot of a post or product.
type PostPayload struct {
	PostID           int64             `json:"post_id" binding:"required,gt=0"`
	Title            string            `json:"title" binding:"max=1000"`
	Content          string            `json:"content" binding:"max=100000"`
	Excerpt          string            `json:"excerpt" binding:"max=10000"`
	ShortDescription string            `json:"short_description" binding:"max=10000"`
	Keywords         string            `json:"keywords" binding:"max=2000"`
	Categories       []string          `json:"categories" binding:"max=50"`
	ImageURL         string            `json:"image_url" binding:"omitempty,url"`
	Attributes       map[string]string `json:"attributes"`
}

// OriginalValue returns the current content of field, stored so editors can
// compare before applying.
func (p PostPayload) OriginalValue(f Field) string {
	switch f {
	case FieldTitle:
		return p.Title
	case FieldDescription:
		return p.Content
	case FieldExcerpt:
		return p.Excerpt
	case FieldShortDescription:
		return p.ShortDescription
	case FieldKeywords:
		return p.Keywords
	case FieldImage:
		return p.ImageURL
	}
	return ""
}

// GenerateRequest is the body of POST /api/generate.
type GenerateRequest struct {
	PostType     PostType      `json:"post_type" binding:"required,oneof=post product"`
	Fields       []Field       `json:"fields" binding:"required,min=1,max=6,unique,dive,genfield"`
	Posts        []PostPayload `json:"posts" binding:"required,min=1,max=100,unique=PostID,dive"`
	Language     string        `json:"language" binding:"omitempty,min=2,max=5"`
	Tone         string        `json:"tone" binding:"max=50"`
	Instructions string        `json:"instructions" binding:"max=2000"`
}

var (
	ErrFieldNotAllowed = errors.New("field not allowed for post type")
	ErrInvalidLanguage = errors.New("language must be 2 to 5 characters")
)

// Normalize applies defaults and checks the rules tags cannot express.
func (r *GenerateRequest) Normalize() error {
	r.Language = strings.ToLower(strings.TrimSpace(r.Language))
	switch n := utf8.RuneCountInString(r.Language); {
	case n == 0:
		r.Language = "en"
	case n < 2 || n > 5:
		return fmt.Errorf("%w: %q", ErrInvalidLanguage, r.Language)
	}
	r.Instructions = strings.TrimSpace(r.Instructions)
	for _, f := range r.Fields {
		if !r.PostType.Allows(f) {
			return fmt.Errorf("%w: %s on %s", ErrFieldNotAllowed, f, r.PostType)
		}
	}
	return nil
}

// ItemCount is the number of (post, field) items the request creates.
func (r *GenerateRequest) ItemCount() int {
	return len(r.Posts) * len(r.Fields)
}

type GenerateResponse struct {
	RequestID int64  `json:"request_id"`
	UUID      string `json:"uuid"`
	JobID     string `json:"job_id"`
	Items     int    `json:"items"`
	Batches   int    `json:"batches"`
}

// ListRequestsQuery binds the query string of GET /api/requests.
type ListRequestsQuery struct {
	Page     int      `form:"page" binding:"omitempty,min=1"`
	PerPage  int      `form:"per_page" binding:"omitempty,min=1,max=100"`
	Status   Status   `form:"status" binding:"omitempty,oneof=pending processing completed partial failed cancelled"`
	PostType PostType `form:"post_type" binding:"omitempty,oneof=post product"`
}

func (q *ListRequestsQuery) Defaults() {
	if q.Page <= 0 {
		q.Page = 1
	}
	if q.PerPage <= 0 {
		q.PerPage = 20
	}
}

func (q ListRequestsQuery) Offset() int {
	return (q.Page - 1) * q.PerPage
}

type Dashboard struct {
	Counts    map[Status]int `json:"counts"`
	Recent    []GenRequest   `json:"recent"`
	Usage     UsageTotals    `json:"usage"`
	Connected bool           `json:"connected"`
}
