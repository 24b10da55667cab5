package chunkstore

import "errors"

var (
	// ErrInvalidChunk indicates malformed chunk metadata (index, total or id).
	ErrInvalidChunk = errors.New("invalid chunk metadata")

	// ErrChunkMetadataConflict indicates a chunk disagrees with the session it targets.
	ErrChunkMetadataConflict = errors.New("chunk metadata conflict")

	// ErrSessionSealed indicates the session is complete and assembly was already scheduled.
	ErrSessionSealed = errors.New("upload already complete")

	// ErrSessionNotFound indicates no live session exists for the upload id.
	ErrSessionNotFound = errors.New("upload session not found")

	// ErrUploadTooLarge indicates the session would exceed the resident byte limit.
	ErrUploadTooLarge = errors.New("upload exceeds max size")
)
