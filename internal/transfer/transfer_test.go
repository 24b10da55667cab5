package transfer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"

	"audiorelay-backend/internal/domain"
	"audiorelay-backend/internal/progress"
	"audiorelay-backend/internal/staging"
)

type recorder struct {
	mu       sync.Mutex
	outcomes map[string]domain.TransferOutcome
	details  map[string]string
}

func (r *recorder) UpdateJobOutcome(_ context.Context, jobID string, outcome domain.TransferOutcome, detail string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outcomes == nil {
		r.outcomes = make(map[string]domain.TransferOutcome)
		r.details = make(map[string]string)
	}
	r.outcomes[jobID] = outcome
	r.details[jobID] = detail
	return nil
}

type scriptedAgent struct {
	output string
	err    error
	files  []string
}

func (a *scriptedAgent) Start(_ context.Context, files []string) (Process, error) {
	a.files = files
	return &scriptedProcess{out: strings.NewReader(a.output), err: a.err}, nil
}

type scriptedProcess struct {
	out io.Reader
	err error
}

func (p *scriptedProcess) Output() io.Reader { return p.out }
func (p *scriptedProcess) Wait() error       { return p.err }

type failingStartAgent struct{}

func (failingStartAgent) Start(context.Context, []string) (Process, error) {
	return nil, errors.New("rsync: not found")
}

func stageArtifact(t *testing.T) (*staging.Store, domain.Artifact) {
	t.Helper()
	dir := t.TempDir()
	st, err := staging.NewStore(dir)
	require.NoError(t, err)
	art := domain.Artifact{
		JobID:        "job-1",
		Path:         filepath.Join(dir, "job-1-take.wav"),
		MetadataPath: filepath.Join(dir, "job-1.json"),
	}
	require.NoError(t, os.WriteFile(art.Path, []byte("RIFF"), 0o644))
	require.NoError(t, os.WriteFile(art.MetadataPath, []byte(`{"jobId":"job-1"}`), 0o644))
	return st, art
}

func drain(t *testing.T, ch *progress.Channel) []progress.Event {
	t.Helper()
	var events []progress.Event
	for {
		ev, err := ch.Next(context.Background())
		if err == io.EOF {
			return events
		}
		require.NoError(t, err)
		events = append(events, ev)
	}
}

func logger() *slog.Logger {
	return logs.GetLoggerFromLevel(slog.LevelDebug)
}

func TestParsePercent(t *testing.T) {
	req := require.New(t)

	pct, ok := ParsePercent("  1,048,576  42%   10.00MB/s    0:00:01")
	req.True(ok)
	req.Equal(42, pct)

	pct, ok = ParsePercent("  2,097,152 100%   10.00MB/s    0:00:00 (xfr#1, to-chk=1/2)")
	req.True(ok)
	req.Equal(100, pct)

	pct, ok = ParsePercent("from 10% to 55%")
	req.True(ok)
	req.Equal(55, pct)

	_, ok = ParsePercent("sending incremental file list")
	req.False(ok)
}

func TestReadProgress_SplitsOnCarriageReturns(t *testing.T) {
	req := require.New(t)

	updates := readProgress(strings.NewReader("take.wav\r  0%\r 35%\r 70%\r100%\nsent 4 bytes\n"), nil)
	var got []int
	for pct := range updates {
		got = append(got, pct)
	}
	req.Equal([]int{0, 35, 70, 100}, got)
}

func TestOrchestrator_SuccessDeletesBothFiles(t *testing.T) {
	req := require.New(t)
	st, art := stageArtifact(t)
	rec := &recorder{}
	agent := &scriptedAgent{output: "take.wav\r 10%\r 10%\r 60%\r100%\n"}
	orch := NewOrchestrator(agent, st, rec, logger())
	ch := progress.NewChannel()

	attempt := orch.Transfer(context.Background(), art, ch)

	req.Equal(domain.OutcomeSucceeded, attempt.Outcome)
	req.NoError(attempt.Err)
	req.Equal(100, attempt.ProgressPercent)
	req.Equal([]string{art.Path, art.MetadataPath}, agent.files)
	req.NoFileExists(art.Path)
	req.NoFileExists(art.MetadataPath)
	req.Equal(domain.OutcomeSucceeded, rec.outcomes["job-1"])

	events := drain(t, ch)
	var percents []int
	for _, ev := range events[:len(events)-1] {
		req.Equal(progress.TransferProgress, ev.Type)
		percents = append(percents, ev.Percent)
	}
	req.Equal([]int{10, 60, 100}, percents)
	req.Equal(progress.Event{Type: progress.TransferComplete, JobID: "job-1"}, events[len(events)-1])
}

func TestOrchestrator_FailureRetainsFiles(t *testing.T) {
	req := require.New(t)
	st, art := stageArtifact(t)
	rec := &recorder{}
	// The agent claims 100% but exits non-zero; the exit status wins.
	agent := &scriptedAgent{output: "100%\n", err: errors.New("exit status 12")}
	orch := NewOrchestrator(agent, st, rec, logger())
	ch := progress.NewChannel()

	attempt := orch.Transfer(context.Background(), art, ch)

	req.Equal(domain.OutcomeFailed, attempt.Outcome)
	req.Error(attempt.Err)
	req.FileExists(art.Path)
	req.FileExists(art.MetadataPath)
	req.Equal(domain.OutcomeFailed, rec.outcomes["job-1"])

	events := drain(t, ch)
	last := events[len(events)-1]
	req.Equal(progress.Error, last.Type)
	req.Equal("transfer failed", last.Message)
	req.Equal("transfer failed", rec.details["job-1"])
}

func TestOrchestrator_StartFailureRetainsFiles(t *testing.T) {
	req := require.New(t)
	st, art := stageArtifact(t)
	orch := NewOrchestrator(failingStartAgent{}, st, nil, logger())
	ch := progress.NewChannel()

	attempt := orch.Transfer(context.Background(), art, ch)

	req.Equal(domain.OutcomeFailed, attempt.Outcome)
	req.FileExists(art.Path)
	req.FileExists(art.MetadataPath)
	events := drain(t, ch)
	req.Len(events, 1)
	req.Equal(progress.Error, events[0].Type)
}

func TestOrchestrator_RealSubprocess(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh available")
	}

	t.Run("non-zero exit keeps files", func(t *testing.T) {
		req := require.New(t)
		st, art := stageArtifact(t)
		agent := CommandAgent{Name: "/bin/sh", Args: []string{"-c", `printf ' 40%%\r 80%%\r'; echo "connection reset" >&2; exit 23`, "agent"}, Log: logger()}
		ch := progress.NewChannel()

		attempt := NewOrchestrator(agent, st, nil, logger()).Transfer(context.Background(), art, ch)

		req.Equal(domain.OutcomeFailed, attempt.Outcome)
		req.Equal(80, attempt.ProgressPercent)
		req.FileExists(art.Path)
		req.FileExists(art.MetadataPath)

		events := drain(t, ch)
		last := events[len(events)-1]
		req.Equal("transfer failed: agent exited with code 23", last.Message)
		req.NotContains(last.Message, art.Path)
		req.NotContains(last.Message, "connection reset")
	})

	t.Run("zero exit deletes files", func(t *testing.T) {
		req := require.New(t)
		st, art := stageArtifact(t)
		agent := CommandAgent{Name: "/bin/sh", Args: []string{"-c", `test -f "$1" && test -f "$2" && printf '100%%\n'`, "agent"}}
		ch := progress.NewChannel()

		attempt := NewOrchestrator(agent, st, nil, logger()).Transfer(context.Background(), art, ch)

		req.Equal(domain.OutcomeSucceeded, attempt.Outcome)
		req.NoFileExists(art.Path)
		req.NoFileExists(art.MetadataPath)
	})
}

func TestRsyncAgent_Args(t *testing.T) {
	req := require.New(t)
	agent := NewRsyncAgent(RsyncConfig{
		Host: "processing.internal", Port: "2222", User: "jay",
		KeyPath: "/app/ssh/kkey", RemotePath: "transcribe/audio/",
	}, logger())

	args := agent.Args([]string{"/data/job-1-take.wav", "/data/job-1.json"})

	req.Equal([]string{
		"-avz", "--progress",
		"-e", "ssh -o StrictHostKeyChecking=accept-new -i /app/ssh/kkey -p 2222",
		"/data/job-1-take.wav", "/data/job-1.json",
		"jay@processing.internal:transcribe/audio/",
	}, args)
}

type fakeReleaseClient struct {
	mu       sync.Mutex
	uploaded []string
	failOn   string
}

func (f *fakeReleaseClient) EnsureRelease(context.Context, string) (int64, error) { return 7, nil }

func (f *fakeReleaseClient) UploadReleaseAsset(_ context.Context, releaseID int64, name string, file *os.File) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if name == f.failOn {
		return 0, errors.New("502 bad gateway")
	}
	if _, err := io.ReadAll(file); err != nil {
		return 0, err
	}
	f.uploaded = append(f.uploaded, name)
	return releaseID * 10, nil
}

func TestReleaseAgent(t *testing.T) {
	t.Run("uploads both files", func(t *testing.T) {
		req := require.New(t)
		st, art := stageArtifact(t)
		client := &fakeReleaseClient{}
		ch := progress.NewChannel()

		attempt := NewOrchestrator(NewReleaseAgent(client, "inbox"), st, nil, logger()).Transfer(context.Background(), art, ch)

		req.Equal(domain.OutcomeSucceeded, attempt.Outcome)
		req.Equal([]string{"job-1-take.wav", "job-1.json"}, client.uploaded)
		req.Equal(100, attempt.ProgressPercent)
		req.NoFileExists(art.Path)
	})

	t.Run("failed asset keeps files", func(t *testing.T) {
		req := require.New(t)
		st, art := stageArtifact(t)
		client := &fakeReleaseClient{failOn: "job-1.json"}
		ch := progress.NewChannel()

		attempt := NewOrchestrator(NewReleaseAgent(client, "inbox"), st, nil, logger()).Transfer(context.Background(), art, ch)

		req.Equal(domain.OutcomeFailed, attempt.Outcome)
		req.FileExists(art.Path)
		req.FileExists(art.MetadataPath)
	})
}
