package transfer

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	githubclient "audiorelay-backend/internal/github"
)

// ReleaseAgent copies files as assets of a GitHub release. It reports
// progress in the same "NN%" text form as command line agents.
type ReleaseAgent struct {
	client githubclient.Client
	tag    string
}

// NewReleaseAgent constructs a ReleaseAgent publishing under tag.
func NewReleaseAgent(client githubclient.Client, tag string) *ReleaseAgent {
	return &ReleaseAgent{client: client, tag: tag}
}

// Start uploads files in the background.
func (a *ReleaseAgent) Start(ctx context.Context, files []string) (Process, error) {
	var total int64
	for _, f := range files {
		info, err := os.Stat(f)
		if err != nil {
			return nil, err
		}
		total += info.Size()
	}

	pr, pw := io.Pipe()
	p := &releaseProcess{out: pr, done: make(chan struct{})}
	go func() {
		defer close(p.done)
		p.err = a.upload(ctx, files, total, pw)
		_ = pw.CloseWithError(p.err)
	}()
	return p, nil
}

func (a *ReleaseAgent) upload(ctx context.Context, files []string, total int64, out io.Writer) error {
	releaseID, err := a.client.EnsureRelease(ctx, a.tag)
	if err != nil {
		return fmt.Errorf("ensure release %s: %w", a.tag, err)
	}

	var sent int64
	for _, path := range files {
		name := filepath.Base(path)
		fmt.Fprintf(out, "%s %d%%\n", name, percentOf(sent, total))

		file, err := os.Open(path)
		if err != nil {
			return err
		}
		info, err := file.Stat()
		if err != nil {
			file.Close()
			return err
		}
		_, err = a.client.UploadReleaseAsset(ctx, releaseID, name, file)
		file.Close()
		if err != nil {
			return fmt.Errorf("upload %s: %w", name, err)
		}
		sent += info.Size()
		fmt.Fprintf(out, "%s %d%%\n", name, percentOf(sent, total))
	}
	return nil
}

func percentOf(n, total int64) int {
	if total <= 0 {
		return 100
	}
	return int(n * 100 / total)
}

type releaseProcess struct {
	out  io.Reader
	done chan struct{}
	err  error
}

func (p *releaseProcess) Output() io.Reader { return p.out }

func (p *releaseProcess) Wait() error {
	<-p.done
	return p.err
}
