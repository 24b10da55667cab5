package domain

import (
	"time"
)

// TransferOutcome captures the lifecycle of one hand-off attempt.
type TransferOutcome string

const (
	OutcomePending   TransferOutcome = "pending"
	OutcomeSucceeded TransferOutcome = "succeeded"
	OutcomeFailed    TransferOutcome = "failed"
)

// Terminal reports whether no further transition is possible.
func (o TransferOutcome) Terminal() bool {
	return o == OutcomeSucceeded || o == OutcomeFailed
}

// Artifact is an assembled file together with its metadata descriptor.
// Both paths exist together or the artifact is not valid.
type Artifact struct {
	JobID            string
	UploadID         string
	Owner            string
	OriginalFilename string
	StoredFilename   string
	Path             string
	MetadataPath     string
	SizeBytes        int64
	Checksum         string
	ContentType      string
	AssembledAt      time.Time
}

// TransferAttempt is one invocation of the external hand-off.
type TransferAttempt struct {
	JobID           string
	ProgressPercent int
	Outcome         TransferOutcome
	Err             error
	StartedAt       time.Time
	FinishedAt      time.Time
}

// Job is the ledger record of an assembled artifact and its transfer state.
type Job struct {
	JobID            string          `json:"jobId"`
	UploadID         string          `json:"uploadId"`
	Owner            string          `json:"owner"`
	OriginalFilename string          `json:"originalFilename"`
	StoredFilename   string          `json:"storedFilename"`
	SizeBytes        int64           `json:"size"`
	Outcome          TransferOutcome `json:"outcome"`
	Detail           string          `json:"detail,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// ChunkRequest is one chunk submission as received from the client.
type ChunkRequest struct {
	UploadID    string `validate:"required,max=128"`
	FileName    string `validate:"required,max=255"`
	Owner       string `validate:"required,email"`
	ChunkIndex  int    `validate:"gte=0"`
	TotalChunks int    `validate:"gte=1"`
	Payload     []byte
}

// ChunkResult is returned after each chunk is processed.
type ChunkResult struct {
	Progress int    `json:"progress"`
	Speed    string `json:"speed"`
	Chunk    int    `json:"chunk"`
	Total    int    `json:"total"`
	JobID    string `json:"jobId,omitempty"`
}

// StreamRequest describes a whole-file streaming ingestion.
type StreamRequest struct {
	FileName string `validate:"required,max=255"`
	Owner    string `validate:"required,email"`
	Size     int64  `validate:"gt=0"`
}

// StatusResponse exposes upload progress for resume/polling.
type StatusResponse struct {
	UploadID       string `json:"uploadId"`
	FileName       string `json:"fileName"`
	ReceivedChunks int    `json:"receivedChunks"`
	TotalChunks    int    `json:"totalChunks"`
	ReceivedBytes  int64  `json:"receivedBytes"`
	MissingChunks  []int  `json:"missingChunks"`
	Sealed         bool   `json:"sealed"`
}
