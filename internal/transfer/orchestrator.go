package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"time"

	"audiorelay-backend/internal/domain"
	"audiorelay-backend/internal/progress"
)

const recordTimeout = 5 * time.Second

// OutcomeRecorder persists the final state of a transfer.
type OutcomeRecorder interface {
	UpdateJobOutcome(ctx context.Context, jobID string, outcome domain.TransferOutcome, detail string) error
}

// Remover deletes local files.
type Remover interface {
	Remove(paths ...string) error
}

// Orchestrator runs one transfer per artifact and applies the cleanup policy:
// local files are deleted only after the agent reported success.
type Orchestrator struct {
	agent    Agent
	remover  Remover
	recorder OutcomeRecorder
	log      *slog.Logger
	now      func() time.Time
}

// NewOrchestrator constructs an Orchestrator.
func NewOrchestrator(agent Agent, remover Remover, recorder OutcomeRecorder, log *slog.Logger) *Orchestrator {
	return &Orchestrator{
		agent:    agent,
		remover:  remover,
		recorder: recorder,
		log:      log,
		now:      time.Now,
	}
}

// Transfer copies the artifact and its descriptor in one agent run and
// reports progress on sink. It never retries.
func (o *Orchestrator) Transfer(ctx context.Context, art domain.Artifact, sink progress.Sink) domain.TransferAttempt {
	attempt := domain.TransferAttempt{
		JobID:     art.JobID,
		Outcome:   domain.OutcomePending,
		StartedAt: o.now(),
	}
	log := o.log.With("job_id", art.JobID)
	log.Info("transfer started", "path", art.Path)

	proc, err := o.agent.Start(ctx, []string{art.Path, art.MetadataPath})
	if err != nil {
		return o.fail(ctx, attempt, art, sink, err)
	}

	updates := readProgress(proc.Output(), func(line string) {
		log.Debug("agent output", "line", line)
	})
	last := -1
	for pct := range updates {
		attempt.ProgressPercent = pct
		if pct == last {
			continue
		}
		last = pct
		sink.Emit(progress.Event{Type: progress.TransferProgress, Percent: pct, JobID: art.JobID})
	}

	if err := proc.Wait(); err != nil {
		return o.fail(ctx, attempt, art, sink, err)
	}

	attempt.Outcome = domain.OutcomeSucceeded
	attempt.FinishedAt = o.now()
	if err := o.remover.Remove(art.Path, art.MetadataPath); err != nil {
		log.Error("local cleanup after transfer failed", "error", err)
	}
	o.record(ctx, art.JobID, attempt.Outcome, "")
	sink.Emit(progress.Event{Type: progress.TransferComplete, JobID: art.JobID})
	log.Info("transfer succeeded", "duration", attempt.FinishedAt.Sub(attempt.StartedAt))
	return attempt
}

// fail keeps the artifact and descriptor on disk for a later retry.
func (o *Orchestrator) fail(ctx context.Context, attempt domain.TransferAttempt, art domain.Artifact, sink progress.Sink, cause error) domain.TransferAttempt {
	attempt.Outcome = domain.OutcomeFailed
	attempt.Err = fmt.Errorf("transfer of job %s failed: %w", art.JobID, cause)
	attempt.FinishedAt = o.now()

	msg := failureMessage(cause)
	o.record(ctx, art.JobID, attempt.Outcome, msg)
	sink.Emit(progress.Event{Type: progress.Error, JobID: art.JobID, Message: msg})
	o.log.Error("transfer failed, keeping local files for retry",
		"job_id", art.JobID, "path", art.Path, "metadata", art.MetadataPath, "error", cause)
	return attempt
}

func (o *Orchestrator) record(ctx context.Context, jobID string, outcome domain.TransferOutcome, detail string) {
	if o.recorder == nil {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if err := o.recorder.UpdateJobOutcome(rctx, jobID, outcome, detail); err != nil {
		o.log.Error("recording transfer outcome failed", "job_id", jobID, "outcome", outcome, "error", err)
	}
}

// failureMessage describes a failed attempt without local paths or agent
// output; those go to the log only.
func failureMessage(cause error) string {
	var exitErr *exec.ExitError
	switch {
	case errors.As(cause, &exitErr):
		return fmt.Sprintf("transfer failed: agent exited with code %d", exitErr.ExitCode())
	case errors.Is(cause, context.DeadlineExceeded):
		return "transfer failed: timed out"
	default:
		return "transfer failed"
	}
}
