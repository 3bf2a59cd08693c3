package models

import "time"

// BatchStatus is the lifecycle status of one batch item.
type BatchStatus string

const (
	BatchPending    BatchStatus = "pending"
	BatchProcessing BatchStatus = "processing"
	BatchCompleted  BatchStatus = "completed"
	BatchError      BatchStatus = "error"
)

// BatchItem is one image in a batch run.
type BatchItem struct {
	ID        string            `json:"id"`
	Source    string            `json:"source"`
	MimeType  string            `json:"mime_type,omitempty"`
	Status    BatchStatus       `json:"status"`
	Result    *GenerationResult `json:"result,omitempty"`
	Error     string            `json:"error,omitempty"`
	ServedBy  ProviderIdentity  `json:"served_by,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// BatchReport summarizes a finished or stopped batch run.
type BatchReport struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}
