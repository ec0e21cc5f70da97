package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// LocalRef is the only container reference the local backend serves.
const LocalRef = "local"

// LocalOrchestrator runs terminals as host processes under a PTY. It backs
// development setups without a container runtime and serves a single
// pseudo-container named LocalRef.
type LocalOrchestrator struct {
	// Dir is the working directory of spawned shells; empty means the
	// process's current directory.
	Dir     string
	started time.Time
}

func (l *LocalOrchestrator) Initialize(_ context.Context) error {
	l.started = time.Now().UTC()
	log.Println("[orchestrator] Local PTY backend ready")
	return nil
}

func (l *LocalOrchestrator) IsAvailable(_ context.Context) bool {
	return true
}

func (l *LocalOrchestrator) BackendName() string {
	return "local"
}

func (l *LocalOrchestrator) IsRunning(_ context.Context, ref string) (bool, error) {
	return ref == LocalRef, nil
}

func (l *LocalOrchestrator) AttachPTY(_ context.Context, ref string, cmd []string, rows, cols uint16) (*ExecSession, error) {
	if ref != LocalRef {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	if len(cmd) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	c := exec.Command(cmd[0], cmd[1:]...)
	c.Dir = l.Dir
	c.Env = append(os.Environ(), "TERM=xterm-256color")

	ptmx, err := pty.StartWithSize(c, &pty.Winsize{Rows: rows, Cols: cols})
	if err != nil {
		return nil, fmt.Errorf("start pty: %w", err)
	}

	var waitOnce sync.Once
	wait := func() { waitOnce.Do(func() { _ = c.Wait() }) }

	return &ExecSession{
		Stdin:  ptmx,
		Stdout: &ptyReader{f: ptmx, onEOF: wait},
		Resize: func(cols, rows uint16) error {
			return pty.Setsize(ptmx, &pty.Winsize{Rows: rows, Cols: cols})
		},
		Close: onceCloser(func() error {
			if c.Process != nil {
				_ = c.Process.Kill()
			}
			err := ptmx.Close()
			go wait()
			return err
		}),
	}, nil
}

// ptyReader reports the EIO a Linux PTY master returns after the child has
// exited as io.EOF.
type ptyReader struct {
	f     *os.File
	onEOF func()
}

func (r *ptyReader) Read(p []byte) (int, error) {
	n, err := r.f.Read(p)
	if err != nil {
		if errors.Is(err, syscall.EIO) || errors.Is(err, os.ErrClosed) {
			err = io.EOF
		}
		if err == io.EOF && r.onEOF != nil {
			go r.onEOF()
		}
	}
	return n, err
}

func (l *LocalOrchestrator) CreateContainer(_ context.Context, _ CreateParams) (string, error) {
	return "", fmt.Errorf("create container: %w", ErrUnsupported)
}

func (l *LocalOrchestrator) StartContainer(_ context.Context, _ string) error {
	return fmt.Errorf("start container: %w", ErrUnsupported)
}

func (l *LocalOrchestrator) StopContainer(_ context.Context, _ string) error {
	return fmt.Errorf("stop container: %w", ErrUnsupported)
}

func (l *LocalOrchestrator) RestartContainer(_ context.Context, _ string) error {
	return fmt.Errorf("restart container: %w", ErrUnsupported)
}

func (l *LocalOrchestrator) RemoveContainer(_ context.Context, _ string) error {
	return fmt.Errorf("remove container: %w", ErrUnsupported)
}

func (l *LocalOrchestrator) info() ContainerInfo {
	return ContainerInfo{
		ID:      LocalRef,
		Name:    LocalRef,
		Image:   "host",
		Status:  "running",
		Running: true,
		Created: l.started,
	}
}

func (l *LocalOrchestrator) ListContainers(_ context.Context, _ bool) ([]ContainerInfo, error) {
	return []ContainerInfo{l.info()}, nil
}

func (l *LocalOrchestrator) InspectContainer(_ context.Context, ref string) (*ContainerInfo, error) {
	if ref != LocalRef {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	info := l.info()
	return &info, nil
}

func (l *LocalOrchestrator) ContainerStats(_ context.Context, _ string) (*ContainerStats, error) {
	return nil, fmt.Errorf("container stats: %w", ErrUnsupported)
}

func (l *LocalOrchestrator) ContainerLogs(_ context.Context, _ string, _ int, _ bool) (string, error) {
	return "", fmt.Errorf("container logs: %w", ErrUnsupported)
}

var _ ContainerOrchestrator = (*LocalOrchestrator)(nil)
