package store

import (
	"context"

	"audiorelay-backend/internal/domain"
)

// OwnerVerifier is the boundary to the identity verification collaborator.
type OwnerVerifier interface {
	IsVerified(ctx context.Context, owner string) (bool, error)
}

// JobStore records assembled artifacts and the outcome of their transfer.
type JobStore interface {
	RecordJob(ctx context.Context, job *domain.Job) error
	UpdateJobOutcome(ctx context.Context, jobID string, outcome domain.TransferOutcome, detail string) error
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)
}

// Store defines persistence behavior used by the upload pipeline.
type Store interface {
	OwnerVerifier
	JobStore
}
