package store

import (
	"context"
	"strings"
	"sync"
	"time"

	"audiorelay-backend/internal/domain"
)

// MemoryStore implements Store in process memory. Owners are verified
// against a static allowlist; "*" admits everyone.
type MemoryStore struct {
	mu      sync.RWMutex
	allowed map[string]struct{}
	anyone  bool
	jobs    map[string]domain.Job
}

// NewMemoryStore constructs a MemoryStore with the given allowlist.
func NewMemoryStore(allowedOwners []string) *MemoryStore {
	s := &MemoryStore{
		allowed: make(map[string]struct{}, len(allowedOwners)),
		jobs:    make(map[string]domain.Job),
	}
	for _, owner := range allowedOwners {
		if owner == "*" {
			s.anyone = true
			continue
		}
		s.allowed[normalizeOwner(owner)] = struct{}{}
	}
	return s
}

func (s *MemoryStore) IsVerified(_ context.Context, owner string) (bool, error) {
	if s.anyone {
		return true, nil
	}
	_, ok := s.allowed[normalizeOwner(owner)]
	return ok, nil
}

func (s *MemoryStore) RecordJob(_ context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	rec := *job
	rec.CreatedAt = now
	rec.UpdatedAt = now
	s.jobs[job.JobID] = rec
	return nil
}

func (s *MemoryStore) UpdateJobOutcome(_ context.Context, jobID string, outcome domain.TransferOutcome, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	job.Outcome = outcome
	job.Detail = detail
	job.UpdatedAt = time.Now().UTC()
	s.jobs[jobID] = job
	return nil
}

func (s *MemoryStore) GetJob(_ context.Context, jobID string) (*domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	return &job, nil
}

func normalizeOwner(owner string) string {
	return strings.ToLower(strings.TrimSpace(owner))
}
