package models

// JobStatus summarizes a batch dispatch job.
type JobStatus struct {
	ID               string `db:"id" json:"id"`
	RequestID        int64  `db:"request_id" json:"request_id"`
	Status           string `db:"status" json:"status"`
	TotalItems       int    `db:"total_items" json:"total_items"`
	BatchSize        int    `db:"batch_size" json:"batch_size"`
	CompletedBatches int    `db:"completed_batches" json:"completed_batches"`
	FailedBatches    int    `db:"failed_batches" json:"failed_batches"`
	TotalBatches     int    `db:"total_batches" json:"total_batches"`
}
