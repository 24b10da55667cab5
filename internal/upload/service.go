package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"audiorelay-backend/internal/assembler"
	"audiorelay-backend/internal/chunkstore"
	"audiorelay-backend/internal/config"
	"audiorelay-backend/internal/domain"
	"audiorelay-backend/internal/progress"
	"audiorelay-backend/internal/store"
)

type (
	ChunkRequest   = domain.ChunkRequest
	ChunkResult    = domain.ChunkResult
	StreamRequest  = domain.StreamRequest
	StatusResponse = domain.StatusResponse
)

// ErrInvalidRequest indicates a request failed validation.
var ErrInvalidRequest = errors.New("invalid request")

// Client-facing event messages. Causes stay in the log.
const (
	msgAssemblyRetry    = "assembly failed, resend any chunk to retry"
	msgAssemblyFailed   = "assembly failed"
	msgStreamIncomplete = "upload failed: body shorter or longer than declared"
	msgStreamFailed     = "upload failed"
)

// Assembler produces durable artifacts.
type Assembler interface {
	Assemble(ctx context.Context, uploadID string) (domain.Artifact, error)
	AssembleStream(ctx context.Context, in assembler.Ingest, onProgress func(written int64)) (domain.Artifact, error)
}

// Transferrer hands an artifact to the remote host.
type Transferrer interface {
	Transfer(ctx context.Context, art domain.Artifact, sink progress.Sink) domain.TransferAttempt
}

// Service orchestrates the upload pipeline: chunk intake, assembly,
// metadata, hand-off and progress reporting.
type Service struct {
	cfg       *config.Config
	chunks    *chunkstore.Registry
	hub       *progress.Hub
	assembler Assembler
	transfer  Transferrer
	store     store.Store
	log       *slog.Logger
	validate  *validator.Validate
	wg        sync.WaitGroup
}

// NewService constructs a Service instance.
func NewService(cfg *config.Config, chunks *chunkstore.Registry, hub *progress.Hub, asm Assembler, tr Transferrer, st store.Store, log *slog.Logger) *Service {
	return &Service{
		cfg:       cfg,
		chunks:    chunks,
		hub:       hub,
		assembler: asm,
		transfer:  tr,
		store:     st,
		log:       log,
		validate:  validator.New(),
	}
}

// Hub returns the progress hub clients subscribe to.
func (s *Service) Hub() *progress.Hub {
	return s.hub
}

// SubmitChunk stores one chunk. The submission that completes the upload
// assembles it and returns the job id; the transfer then continues in the
// background independently of the client connection.
func (s *Service) SubmitChunk(ctx context.Context, req ChunkRequest) (*ChunkResult, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err := s.verifyOwner(ctx, req.Owner); err != nil {
		return nil, err
	}

	rec, err := s.chunks.Submit(chunkstore.Chunk{
		UploadID: req.UploadID,
		Index:    req.ChunkIndex,
		Total:    req.TotalChunks,
		Owner:    req.Owner,
		FileName: req.FileName,
		Payload:  req.Payload,
	})
	if err != nil {
		return nil, err
	}

	sink := s.hub.Sink(req.UploadID)
	sink.Emit(progress.Event{Type: progress.UploadProgress, Percent: rec.Percent, Speed: rec.Speed.String()})
	s.log.Debug("chunk stored",
		"upload_id", req.UploadID, "chunk", req.ChunkIndex, "total", req.TotalChunks,
		"progress", rec.Percent, "speed_mbps", rec.Speed.String())

	result := &ChunkResult{
		Progress: rec.Percent,
		Speed:    rec.Speed.String(),
		Chunk:    req.ChunkIndex,
		Total:    rec.TotalExpected,
	}
	if !rec.Complete {
		return result, nil
	}

	s.log.Info("upload complete, assembling", "upload_id", req.UploadID, "bytes", rec.TotalBytes)
	pipelineCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.PipelineTimeout)
	art, err := s.assembler.Assemble(pipelineCtx, req.UploadID)
	if err != nil {
		cancel()
		s.log.Error("assembly failed", "upload_id", req.UploadID, "error", err)
		if errors.Is(err, assembler.ErrIncompleteUpload) || errors.Is(err, assembler.ErrAssemblyIO) {
			// The session was reopened; a resubmitted chunk triggers another assembly.
			sink.Emit(progress.Event{Type: progress.AssemblyFailed, Message: msgAssemblyRetry})
		} else {
			sink.Emit(progress.Event{Type: progress.Error, Message: msgAssemblyFailed})
		}
		return nil, err
	}

	s.handOff(pipelineCtx, cancel, art, sink)
	result.JobID = art.JobID
	return result, nil
}

// IngestStream stages a whole-file upload read from body and starts its
// transfer. Events are written to sink.
func (s *Service) IngestStream(ctx context.Context, req StreamRequest, body io.Reader, sink progress.Sink) (*domain.Artifact, error) {
	if err := s.CheckStream(ctx, req); err != nil {
		return nil, err
	}

	last := -1
	onProgress := func(written int64) {
		pct := int(math.Round(100 * float64(written) / float64(req.Size)))
		if pct != last {
			last = pct
			sink.Emit(progress.Event{Type: progress.UploadProgress, Percent: pct})
		}
	}

	stageCtx, stageCancel := context.WithTimeout(ctx, s.cfg.PipelineTimeout)
	defer stageCancel()
	art, err := s.assembler.AssembleStream(stageCtx, assembler.Ingest{
		Owner:    req.Owner,
		FileName: req.FileName,
		Size:     req.Size,
		Body:     body,
	}, onProgress)
	if err != nil {
		s.log.Error("stream ingestion failed", "file", req.FileName, "error", err)
		msg := msgStreamFailed
		if errors.Is(err, assembler.ErrIncompleteUpload) {
			msg = msgStreamIncomplete
		}
		sink.Emit(progress.Event{Type: progress.Error, Message: msg})
		return nil, err
	}

	pipelineCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.PipelineTimeout)
	s.handOff(pipelineCtx, cancel, art, sink)
	return &art, nil
}

// CheckStream rejects a whole-file upload before any byte is read.
func (s *Service) CheckStream(ctx context.Context, req StreamRequest) error {
	if err := s.validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if s.cfg.MaxUploadBytes > 0 && req.Size > s.cfg.MaxUploadBytes {
		return chunkstore.ErrUploadTooLarge
	}
	return s.verifyOwner(ctx, req.Owner)
}

// handOff records the job, announces it and transfers it in the background.
func (s *Service) handOff(ctx context.Context, cancel context.CancelFunc, art domain.Artifact, sink progress.Sink) {
	job := &domain.Job{
		JobID:            art.JobID,
		UploadID:         art.UploadID,
		Owner:            art.Owner,
		OriginalFilename: art.OriginalFilename,
		StoredFilename:   art.StoredFilename,
		SizeBytes:        art.SizeBytes,
		Outcome:          domain.OutcomePending,
	}
	if err := s.store.RecordJob(ctx, job); err != nil {
		s.log.Error("recording job failed", "job_id", art.JobID, "error", err)
	}
	sink.Emit(progress.Event{Type: progress.Assembled, JobID: art.JobID})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		attempt := s.transfer.Transfer(ctx, art, sink)
		s.log.Info("transfer finished", "job_id", art.JobID, "outcome", attempt.Outcome)
	}()
}

func (s *Service) verifyOwner(ctx context.Context, owner string) error {
	ok, err := s.store.IsVerified(ctx, owner)
	if err != nil {
		return fmt.Errorf("verify owner: %w", err)
	}
	if !ok {
		return store.ErrOwnerNotVerified
	}
	return nil
}

// Status returns the state of a live upload session for polling/resume.
func (s *Service) Status(uploadID string) (*StatusResponse, error) {
	st, err := s.chunks.Status(uploadID)
	if err != nil {
		return nil, err
	}
	return &StatusResponse{
		UploadID:       st.UploadID,
		FileName:       st.FileName,
		ReceivedChunks: st.Received,
		TotalChunks:    st.Total,
		ReceivedBytes:  st.TotalBytes,
		MissingChunks:  st.Missing,
		Sealed:         st.Sealed,
	}, nil
}

// Job returns the ledger record of an assembled upload.
func (s *Service) Job(ctx context.Context, jobID string) (*domain.Job, error) {
	return s.store.GetJob(ctx, jobID)
}

// Run sweeps abandoned sessions and event channels until ctx ends.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-ctx.Done():
			return
		}
	}
}

// Sweep reclaims idle sessions and progress channels once.
func (s *Service) Sweep() {
	if ids := s.chunks.SweepIdle(s.cfg.IdleSessionTimeout); len(ids) > 0 {
		s.log.Info("reclaimed idle upload sessions", "count", len(ids), "upload_ids", ids)
		for _, id := range ids {
			s.hub.Emit(id, progress.Event{Type: progress.Error, Message: "upload abandoned"})
		}
	}
	if ids := s.hub.Sweep(s.cfg.IdleSessionTimeout); len(ids) > 0 {
		s.log.Debug("dropped idle progress channels", "count", len(ids))
	}
}

// Wait blocks until every background transfer finished.
func (s *Service) Wait() {
	s.wg.Wait()
}
