package transfer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
)

// RsyncConfig addresses the remote processing host.
type RsyncConfig struct {
	Binary     string
	Host       string
	Port       string
	User       string
	KeyPath    string
	RemotePath string
}

// RsyncAgent copies files with rsync over ssh.
type RsyncAgent struct {
	cfg RsyncConfig
	log *slog.Logger
}

// NewRsyncAgent constructs an RsyncAgent.
func NewRsyncAgent(cfg RsyncConfig, log *slog.Logger) *RsyncAgent {
	if cfg.Binary == "" {
		cfg.Binary = "rsync"
	}
	if cfg.Port == "" {
		cfg.Port = "22"
	}
	return &RsyncAgent{cfg: cfg, log: log}
}

// Args returns the rsync arguments used to copy files in one run.
func (a *RsyncAgent) Args(files []string) []string {
	ssh := fmt.Sprintf("ssh -o StrictHostKeyChecking=accept-new -i %s -p %s", a.cfg.KeyPath, a.cfg.Port)
	args := []string{"-avz", "--progress", "-e", ssh}
	args = append(args, files...)
	return append(args, fmt.Sprintf("%s@%s:%s", a.cfg.User, a.cfg.Host, a.cfg.RemotePath))
}

// Start launches rsync. The child is killed when ctx ends.
func (a *RsyncAgent) Start(ctx context.Context, files []string) (Process, error) {
	cmd := exec.CommandContext(ctx, a.cfg.Binary, a.Args(files)...)
	setPlatformSpecificAttrs(cmd)
	cmd.Stderr = &agentLogWriter{logger: a.log, agent: "rsync"}
	return startCommand(cmd)
}

// CommandAgent runs an arbitrary command with the files appended to its
// arguments. It backs custom copy tools and tests.
type CommandAgent struct {
	Name string
	Args []string
	Log  *slog.Logger
}

// Start launches the command.
func (a CommandAgent) Start(ctx context.Context, files []string) (Process, error) {
	args := append(append([]string{}, a.Args...), files...)
	cmd := exec.CommandContext(ctx, a.Name, args...)
	setPlatformSpecificAttrs(cmd)
	if a.Log != nil {
		cmd.Stderr = &agentLogWriter{logger: a.Log, agent: a.Name}
	}
	return startCommand(cmd)
}

func startCommand(cmd *exec.Cmd) (Process, error) {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", cmd.Path, err)
	}
	return &execProcess{cmd: cmd, stdout: stdout}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdout io.Reader
}

func (p *execProcess) Output() io.Reader { return p.stdout }

func (p *execProcess) Wait() error { return p.cmd.Wait() }

// agentLogWriter forwards a subprocess's stderr into the structured logger.
type agentLogWriter struct {
	logger *slog.Logger
	agent  string
}

func (w *agentLogWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for _, line := range strings.Split(strings.TrimRight(string(p), "\r\n"), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			w.logger.Warn(line, "agent", w.agent)
		}
	}
	return len(p), nil
}
