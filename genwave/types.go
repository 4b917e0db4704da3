package genwave

import "time"

// Remote generation states.
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// PostInput is the snapshot of a post or product sent for generation.
type PostInput struct {
	PostID           int64             `json:"post_id"`
	Fields           []string          `json:"fields,omitempty"` // overrides GenerationRequest.Fields
	Title            string            `json:"title,omitempty"`
	Content          string            `json:"content,omitempty"`
	Excerpt          string            `json:"excerpt,omitempty"`
	ShortDescription string            `json:"short_description,omitempty"`
	Categories       []string          `json:"categories,omitempty"`
	ImageURL         string            `json:"image_url,omitempty"`
	Attributes       map[string]string `json:"attributes,omitempty"`
}

type GenerationRequest struct {
	// IdempotencyKey is sent as a header, identical on every attempt.
	IdempotencyKey string `json:"-"`

	RequestID    string      `json:"request_id"`
	JobID        string      `json:"job_id,omitempty"`
	BatchIndex   int         `json:"batch_index"`
	PostType     string      `json:"post_type"`
	Fields       []string    `json:"fields"`
	Language     string      `json:"language,omitempty"`
	Tone         string      `json:"tone,omitempty"`
	Instructions string      `json:"instructions,omitempty"`
	CallbackURL  string      `json:"callback_url,omitempty"`
	Posts        []PostInput `json:"posts"`
}

type Usage struct {
	Model            string  `json:"model"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	Credits          float64 `json:"credits"`
}

// Result is the outcome for one (post, field) pair.
type Result struct {
	PostID int64  `json:"post_id"`
	Field  string `json:"field"`
	Status string `json:"status"`
	Value  string `json:"value,omitempty"`
	Error  string `json:"error,omitempty"`
	Usage  *Usage `json:"usage,omitempty"`
}

type Generation struct {
	ID        string    `json:"id"`
	RequestID string    `json:"request_id"`
	Status    string    `json:"status"`
	Results   []Result  `json:"results"`
	CreatedAt time.Time `json:"created_at"`
}

// WebhookPayload is what the backend posts to the site when a generation
// finishes or makes progress.
type WebhookPayload struct {
	GenerationID string   `json:"generation_id"`
	RequestID    string   `json:"request_id"`
	Status       string   `json:"status"`
	Results      []Result `json:"results"`
}

type Credits struct {
	Remaining float64    `json:"remaining"`
	Used      float64    `json:"used"`
	Plan      string     `json:"plan"`
	ResetsAt  *time.Time `json:"resets_at,omitempty"`
}
