// Package chunkstore accumulates the chunks of in-flight uploads in memory.
//
// A Registry is owned by the serving process. Sessions are inserted on the
// first chunk of an unseen upload id and removed once the assembled file is
// durable. Mutation of a single session is serialized by its own lock, so
// uploads proceed independently of each other.
package chunkstore

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"

	"audiorelay-backend/internal/throughput"
)

// Chunk is one submission for an upload.
type Chunk struct {
	UploadID string
	Index    int
	Total    int
	Owner    string
	FileName string
	Payload  []byte
}

// Receipt reports the state of a session right after a chunk was stored.
type Receipt struct {
	ChunksReceived int
	TotalExpected  int
	TotalBytes     int64
	Percent        int
	Speed          throughput.Estimate
	// Complete is true for exactly one submission per session: the one that
	// observed the final chunk and sealed the session for assembly.
	Complete bool
}

// Snapshot is the read-only view of a sealed session handed to the assembler.
type Snapshot struct {
	UploadID   string
	Owner      string
	FileName   string
	Total      int
	TotalBytes int64
	Chunks     map[int][]byte
	StartedAt  time.Time
}

// Status is a point-in-time summary used for resume and polling.
type Status struct {
	UploadID   string
	FileName   string
	Received   int
	Total      int
	TotalBytes int64
	Missing    []int
	Sealed     bool
}

type session struct {
	mu         sync.Mutex
	uploadID   string
	owner      string
	fileName   string
	total      int
	chunks     map[int][]byte
	arrivals   map[int]throughput.Sample
	totalBytes int64
	startedAt  time.Time
	lastSeen   time.Time
	sealed     bool
	// removed is set under mu when the registry dropped the session.
	removed bool
}

// Options tune a Registry.
type Options struct {
	// SpeedWindow is the number of trailing chunk positions used for speed.
	SpeedWindow int
	// MaxUploadBytes bounds the resident bytes of one session. Zero disables it.
	MaxUploadBytes int64
	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// Registry is the lifecycle-scoped set of live upload sessions.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*session
	released map[string]time.Time
	window   int
	maxBytes int64
	now      func() time.Time
}

// NewRegistry constructs an empty Registry.
func NewRegistry(opts Options) *Registry {
	if opts.SpeedWindow < 1 {
		opts.SpeedWindow = throughput.DefaultWindow
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Registry{
		sessions: make(map[string]*session),
		released: make(map[string]time.Time),
		window:   opts.SpeedWindow,
		maxBytes: opts.MaxUploadBytes,
		now:      opts.Clock,
	}
}

// Submit stores a chunk and reports progress. A resubmitted index replaces
// the earlier payload without being counted twice.
func (r *Registry) Submit(c Chunk) (Receipt, error) {
	if c.UploadID == "" {
		return Receipt{}, fmt.Errorf("%w: missing upload id", ErrInvalidChunk)
	}
	if c.Total < 1 {
		return Receipt{}, fmt.Errorf("%w: total chunks must be at least 1", ErrInvalidChunk)
	}
	if c.Index < 0 || c.Index >= c.Total {
		return Receipt{}, fmt.Errorf("%w: chunk index %d outside [0,%d)", ErrInvalidChunk, c.Index, c.Total)
	}
	if r.maxBytes > 0 && int64(len(c.Payload)) > r.maxBytes {
		return Receipt{}, ErrUploadTooLarge
	}

	now := r.now()
	s, err := r.acquire(c, now)
	if err != nil {
		return Receipt{}, err
	}
	defer s.mu.Unlock()

	if s.total != c.Total {
		return Receipt{}, fmt.Errorf("%w: upload %s declared %d chunks, got %d", ErrChunkMetadataConflict, c.UploadID, s.total, c.Total)
	}
	if s.owner != c.Owner {
		return Receipt{}, fmt.Errorf("%w: upload %s belongs to another owner", ErrChunkMetadataConflict, c.UploadID)
	}
	if s.sealed {
		return Receipt{}, ErrSessionSealed
	}

	prev := int64(len(s.chunks[c.Index]))
	next := s.totalBytes - prev + int64(len(c.Payload))
	if r.maxBytes > 0 && next > r.maxBytes {
		return Receipt{}, ErrUploadTooLarge
	}

	s.chunks[c.Index] = c.Payload
	s.arrivals[c.Index] = throughput.Sample{Size: int64(len(c.Payload)), At: now}
	s.totalBytes = next
	s.lastSeen = now

	received := len(s.chunks)
	rec := Receipt{
		ChunksReceived: received,
		TotalExpected:  s.total,
		TotalBytes:     s.totalBytes,
		Percent:        int(math.Round(100 * float64(received) / float64(s.total))),
		Speed:          throughput.Compute(s.arrivals, c.Index, r.window, s.startedAt, now),
	}
	if received == s.total {
		s.sealed = true
		rec.Complete = true
	}
	return rec, nil
}

// getOrCreate returns the session for the chunk's upload id, inserting a new
// one fixed to the chunk's declared total when none exists. Ids that were
// already assembled stay closed until their tombstone is swept.
func (r *Registry) getOrCreate(c Chunk, now time.Time) (*session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[c.UploadID]; ok {
		return s, nil
	}
	if _, done := r.released[c.UploadID]; done {
		return nil, ErrSessionSealed
	}
	s := &session{
		uploadID:  c.UploadID,
		owner:     c.Owner,
		fileName:  c.FileName,
		total:     c.Total,
		chunks:    make(map[int][]byte, c.Total),
		arrivals:  make(map[int]throughput.Sample, c.Total),
		startedAt: now,
		lastSeen:  now,
	}
	r.sessions[c.UploadID] = s
	return s, nil
}

// acquire returns the locked session for the chunk. A session the sweeper
// dropped between lookup and locking is not written to; the chunk goes to a
// fresh session instead.
func (r *Registry) acquire(c Chunk, now time.Time) (*session, error) {
	for {
		s, err := r.getOrCreate(c, now)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		if !s.removed {
			return s, nil
		}
		s.mu.Unlock()
	}
}

func (r *Registry) get(uploadID string) (*session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[uploadID]
	return s, ok
}

// Snapshot returns the chunks of a sealed session. Sealed sessions accept no
// further mutation, so the returned map is safe to read without locking.
func (r *Registry) Snapshot(uploadID string) (Snapshot, error) {
	s, ok := r.get(uploadID)
	if !ok {
		return Snapshot{}, ErrSessionNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.sealed {
		return Snapshot{}, fmt.Errorf("upload %s is not sealed", uploadID)
	}
	return Snapshot{
		UploadID:   s.uploadID,
		Owner:      s.owner,
		FileName:   s.fileName,
		Total:      s.total,
		TotalBytes: s.totalBytes,
		Chunks:     s.chunks,
		StartedAt:  s.startedAt,
	}, nil
}

// Reopen unseals a session after a failed assembly so chunks can be resent.
// A later submission that finds the session complete seals it again.
func (r *Registry) Reopen(uploadID string) {
	s, ok := r.get(uploadID)
	if !ok {
		return
	}
	s.mu.Lock()
	s.sealed = false
	s.lastSeen = r.now()
	s.mu.Unlock()
}

// Release drops the session and its payloads once the assembled file is
// durable. Late chunks for the id are rejected afterwards.
func (r *Registry) Release(uploadID string) {
	r.mu.Lock()
	delete(r.sessions, uploadID)
	r.released[uploadID] = r.now()
	r.mu.Unlock()
}

// Status summarizes a live session.
func (r *Registry) Status(uploadID string) (Status, error) {
	s, ok := r.get(uploadID)
	if !ok {
		return Status{}, ErrSessionNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	missing := lo.Filter(lo.Range(s.total), func(idx int, _ int) bool {
		_, present := s.chunks[idx]
		return !present
	})
	return Status{
		UploadID:   s.uploadID,
		FileName:   s.fileName,
		Received:   len(s.chunks),
		Total:      s.total,
		TotalBytes: s.totalBytes,
		Missing:    missing,
		Sealed:     s.sealed,
	}, nil
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// SweepIdle removes unsealed sessions that saw no chunk for longer than
// olderThan and returns their ids. Sealed sessions belong to the assembler.
// Tombstones of released ids older than the threshold are forgotten too.
func (r *Registry) SweepIdle(olderThan time.Duration) []string {
	cutoff := r.now().Add(-olderThan)

	r.mu.Lock()
	defer r.mu.Unlock()

	for id, at := range r.released {
		if at.Before(cutoff) {
			delete(r.released, id)
		}
	}

	var removed []string
	for id, s := range r.sessions {
		s.mu.Lock()
		idle := !s.sealed && s.lastSeen.Before(cutoff)
		if idle {
			r.evict(id, s)
			removed = append(removed, id)
		}
		s.mu.Unlock()
	}
	sort.Strings(removed)
	return removed
}

// evict drops s from the registry. Callers hold r.mu and s.mu.
func (r *Registry) evict(id string, s *session) {
	delete(r.sessions, id)
	s.removed = true
}
