package assembler

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"strings"
	"testing"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"

	"audiorelay-backend/internal/chunkstore"
	"audiorelay-backend/internal/metadata"
	"audiorelay-backend/internal/staging"
)

const owner = "alice@example.org"

type fakeSource struct {
	snap     chunkstore.Snapshot
	reopened int
	released int
}

func (f *fakeSource) Snapshot(string) (chunkstore.Snapshot, error) { return f.snap, nil }
func (f *fakeSource) Reopen(string)                                  { f.reopened++ }
func (f *fakeSource) Release(string)                                 { f.released++ }

func newAssembler(t *testing.T, src Source) (*Assembler, string) {
	t.Helper()
	dir := t.TempDir()
	st, err := staging.NewStore(dir)
	require.NoError(t, err)
	return New(src, st, logs.GetLoggerFromLevel(slog.LevelDebug)), dir
}

func TestAssemble_AnyArrivalOrderIsByteExact(t *testing.T) {
	req := require.New(t)
	const total = 12
	rng := rand.New(rand.NewSource(7))

	for round := 0; round < 10; round++ {
		registry := chunkstore.NewRegistry(chunkstore.Options{})
		asm, _ := newAssembler(t, registry)
		uploadID := fmt.Sprintf("upload-%d", round)

		payloads := make([][]byte, total)
		var want bytes.Buffer
		for i := range payloads {
			payloads[i] = bytes.Repeat([]byte{byte('a' + i)}, 100+rng.Intn(400))
			want.Write(payloads[i])
		}

		// Given the chunks submitted in a random permutation
		var complete bool
		for _, idx := range rng.Perm(total) {
			rec, err := registry.Submit(chunkstore.Chunk{
				UploadID: uploadID, Index: idx, Total: total, Owner: owner,
				FileName: "take.wav", Payload: payloads[idx],
			})
			req.NoError(err)
			complete = rec.Complete
		}
		req.True(complete)

		// When assembled
		art, err := asm.Assemble(context.Background(), uploadID)
		req.NoError(err)

		// Then the file is the concatenation in index order
		got, err := os.ReadFile(art.Path)
		req.NoError(err)
		req.Equal(want.Bytes(), got)
		req.Equal(int64(want.Len()), art.SizeBytes)
		req.NotEqual(uploadID, art.JobID)
		req.True(strings.HasPrefix(art.StoredFilename, art.JobID))

		// And the session memory was released
		req.Zero(registry.Len())
	}
}

func TestAssemble_WritesMetadataAfterArtifact(t *testing.T) {
	req := require.New(t)
	registry := chunkstore.NewRegistry(chunkstore.Options{})
	asm, dir := newAssembler(t, registry)

	_, err := registry.Submit(chunkstore.Chunk{UploadID: "u1", Index: 0, Total: 1, Owner: owner, FileName: "Interview-Müller.wav", Payload: []byte("RIFF....WAVE")})
	req.NoError(err)

	art, err := asm.Assemble(context.Background(), "u1")
	req.NoError(err)

	req.Equal(dir+"/"+art.JobID+".json", art.MetadataPath)
	d, err := metadata.Read(art.MetadataPath)
	req.NoError(err)
	req.Equal(art.JobID, d.JobID)
	req.Equal(owner, d.Owner)
	req.Equal("Interview-Müller.wav", d.OriginalFilename)
	req.Equal(art.JobID+"-Interview-Mller.wav", d.AudioFilename)
	req.Equal(int64(12), d.FileSize)
	req.Equal(art.Checksum, d.Checksum)
	req.Equal("u1", d.UploadID)
}

func TestAssemble_MissingChunkFailsWithoutFile(t *testing.T) {
	req := require.New(t)
	src := &fakeSource{snap: chunkstore.Snapshot{
		UploadID: "u1", Owner: owner, FileName: "take.wav", Total: 3, TotalBytes: 2,
		Chunks: map[int][]byte{0: []byte("a"), 2: []byte("c")},
	}}
	asm, dir := newAssembler(t, src)

	_, err := asm.Assemble(context.Background(), "u1")

	req.ErrorIs(err, ErrIncompleteUpload)
	req.Equal(1, src.reopened)
	req.Zero(src.released)
	entries, err := os.ReadDir(dir)
	req.NoError(err)
	req.Empty(entries)
}

func TestAssemble_WriteFailureRemovesPartialFile(t *testing.T) {
	req := require.New(t)
	src := &fakeSource{snap: chunkstore.Snapshot{
		UploadID: "u1", Owner: owner, FileName: "take.wav", Total: 2, TotalBytes: 2,
		Chunks: map[int][]byte{0: []byte("a"), 1: []byte("b")},
	}}
	asm, dir := newAssembler(t, src)

	// Given the pipeline deadline already passed
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := asm.Assemble(ctx, "u1")

	req.ErrorIs(err, ErrAssemblyIO)
	req.Equal(1, src.reopened)
	entries, err := os.ReadDir(dir)
	req.NoError(err)
	req.Empty(entries)
}

func TestAssembleStream(t *testing.T) {
	req := require.New(t)
	asm, _ := newAssembler(t, &fakeSource{})

	var last int64
	art, err := asm.AssembleStream(context.Background(), Ingest{
		Owner: owner, FileName: "live.mp3", Size: 6, Body: strings.NewReader("ID3abc"),
	}, func(n int64) { last = n })
	req.NoError(err)
	req.Equal(int64(6), last)
	req.Equal(int64(6), art.SizeBytes)
	req.FileExists(art.Path)
	req.FileExists(art.MetadataPath)

	_, err = asm.AssembleStream(context.Background(), Ingest{
		Owner: owner, FileName: "live.mp3", Size: 10, Body: strings.NewReader("ID3"),
	}, nil)
	req.ErrorIs(err, ErrIncompleteUpload)
}
