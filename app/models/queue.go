package models

// JobMessage is one batch of a job, as sent over SQS or the in-process queue.
type JobMessage struct {
	RequestID  int64  `json:"request_id"`
	JobID      string `json:"job_id"`
	BatchIndex int    `json:"batch_index"` // 0-based
}
