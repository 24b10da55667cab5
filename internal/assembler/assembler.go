// Package assembler turns a completed chunk session, or a fully received
// stream, into a durable artifact plus its metadata descriptor.
package assembler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"audiorelay-backend/internal/chunkstore"
	"audiorelay-backend/internal/domain"
	"audiorelay-backend/internal/metadata"
	"audiorelay-backend/internal/staging"
)

var (
	// ErrIncompleteUpload indicates chunks or bytes are missing at assembly time.
	ErrIncompleteUpload = staging.ErrIncompleteUpload

	// ErrAssemblyIO indicates the artifact or its descriptor could not be written.
	ErrAssemblyIO = errors.New("assembly i/o failure")
)

// Source is the chunk store view the assembler needs.
type Source interface {
	Snapshot(uploadID string) (chunkstore.Snapshot, error)
	Reopen(uploadID string)
	Release(uploadID string)
}

// Ingest describes a whole-file stream to stage.
type Ingest struct {
	Owner    string
	FileName string
	Size     int64
	Body     io.Reader
}

// Assembler writes artifacts into the staging store.
type Assembler struct {
	source  Source
	staging *staging.Store
	log     *slog.Logger
	now     func() time.Time
	newID   func() string
}

// New constructs an Assembler.
func New(source Source, st *staging.Store, log *slog.Logger) *Assembler {
	return &Assembler{
		source:  source,
		staging: st,
		log:     log,
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// Assemble concatenates the chunks of a sealed session in ascending index
// order. On success the session is released; on failure it is reopened and
// nothing is exposed on disk.
func (a *Assembler) Assemble(ctx context.Context, uploadID string) (domain.Artifact, error) {
	snap, err := a.source.Snapshot(uploadID)
	if err != nil {
		return domain.Artifact{}, err
	}

	for idx := 0; idx < snap.Total; idx++ {
		if _, ok := snap.Chunks[idx]; !ok {
			a.source.Reopen(uploadID)
			return domain.Artifact{}, fmt.Errorf("%w: missing chunk %d of upload %s", ErrIncompleteUpload, idx, uploadID)
		}
	}

	jobID := a.newID()
	storedName := staging.StoredName(jobID, snap.FileName)
	res, err := a.staging.WriteArtifact(storedName, func(w io.Writer) error {
		for idx := 0; idx < snap.Total; idx++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			if _, err := w.Write(snap.Chunks[idx]); err != nil {
				return fmt.Errorf("write chunk %d: %w", idx, err)
			}
		}
		return nil
	})
	if err != nil {
		a.source.Reopen(uploadID)
		return domain.Artifact{}, fmt.Errorf("%w: %v", ErrAssemblyIO, err)
	}

	if res.Size != snap.TotalBytes {
		_ = a.staging.Remove(res.Path)
		a.source.Reopen(uploadID)
		return domain.Artifact{}, fmt.Errorf("%w: wrote %d bytes, expected %d", ErrIncompleteUpload, res.Size, snap.TotalBytes)
	}

	art := domain.Artifact{
		JobID:            jobID,
		UploadID:         uploadID,
		Owner:            snap.Owner,
		OriginalFilename: snap.FileName,
		StoredFilename:   storedName,
		Path:             res.Path,
		SizeBytes:        res.Size,
		Checksum:         res.Checksum,
	}
	if err := a.describe(&art); err != nil {
		a.source.Reopen(uploadID)
		return domain.Artifact{}, err
	}

	a.source.Release(uploadID)
	a.log.Info("upload assembled", "upload_id", uploadID, "job_id", jobID, "bytes", art.SizeBytes, "chunks", snap.Total)
	return art, nil
}

// AssembleStream stages a whole-file stream of exactly in.Size bytes.
func (a *Assembler) AssembleStream(ctx context.Context, in Ingest, onProgress func(written int64)) (domain.Artifact, error) {
	jobID := a.newID()
	storedName := staging.StoredName(jobID, in.FileName)

	body := &contextReader{ctx: ctx, r: in.Body}
	res, err := a.staging.WriteStream(storedName, body, in.Size, onProgress)
	if err != nil {
		if errors.Is(err, ErrIncompleteUpload) {
			return domain.Artifact{}, err
		}
		return domain.Artifact{}, fmt.Errorf("%w: %v", ErrAssemblyIO, err)
	}

	art := domain.Artifact{
		JobID:            jobID,
		Owner:            in.Owner,
		OriginalFilename: in.FileName,
		StoredFilename:   storedName,
		Path:             res.Path,
		SizeBytes:        res.Size,
		Checksum:         res.Checksum,
	}
	if err := a.describe(&art); err != nil {
		return domain.Artifact{}, err
	}
	a.log.Info("stream staged", "job_id", jobID, "bytes", art.SizeBytes)
	return art, nil
}

// describe writes the metadata descriptor for a durable artifact. When the
// descriptor cannot be written the artifact is removed as well.
func (a *Assembler) describe(art *domain.Artifact) error {
	art.AssembledAt = a.now().UTC()
	art.MetadataPath = a.staging.MetadataPath(art.JobID)
	if mtype, err := mimetype.DetectFile(art.Path); err == nil {
		art.ContentType = mtype.String()
	}

	err := metadata.Write(art.MetadataPath, metadata.Descriptor{
		JobID:            art.JobID,
		Owner:            art.Owner,
		AudioFilename:    art.StoredFilename,
		OriginalFilename: art.OriginalFilename,
		FileSize:         art.SizeBytes,
		Checksum:         art.Checksum,
		ContentType:      art.ContentType,
		UploadID:         art.UploadID,
		UploadTime:       art.AssembledAt,
	})
	if err != nil {
		_ = a.staging.Remove(art.Path)
		return fmt.Errorf("%w: metadata: %v", ErrAssemblyIO, err)
	}
	return nil
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
