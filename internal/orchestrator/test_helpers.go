package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// SetForTest sets the global orchestrator for testing.
func SetForTest(o ContainerOrchestrator) {
	mu.Lock()
	defer mu.Unlock()
	current = o
}

// ResetForTest clears the global orchestrator.
func ResetForTest() {
	mu.Lock()
	defer mu.Unlock()
	current = nil
}

// FakeOrchestrator is an in-memory backend for tests. Containers listed in
// Running are attachable; every attachment is recorded as a FakePTY.
type FakeOrchestrator struct {
	mu        sync.Mutex
	running   map[string]bool
	attachErr error
	ptys      []*FakePTY
	// OnAttach, when set, is called with every new attachment.
	OnAttach func(p *FakePTY)
}

func NewFakeOrchestrator(running ...string) *FakeOrchestrator {
	f := &FakeOrchestrator{running: make(map[string]bool)}
	for _, ref := range running {
		f.running[ref] = true
	}
	return f
}

func (f *FakeOrchestrator) SetRunning(ref string, running bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running[ref] = running
}

// FailAttach makes subsequent AttachPTY calls return err.
func (f *FakeOrchestrator) FailAttach(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attachErr = err
}

// PTYs returns every attachment made so far.
func (f *FakeOrchestrator) PTYs() []*FakePTY {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FakePTY(nil), f.ptys...)
}

// OpenCount reports attachments that have not been closed.
func (f *FakeOrchestrator) OpenCount() int {
	n := 0
	for _, p := range f.PTYs() {
		if !p.Closed() {
			n++
		}
	}
	return n
}

func (f *FakeOrchestrator) Initialize(context.Context) error { return nil }
func (f *FakeOrchestrator) IsAvailable(context.Context) bool { return true }
func (f *FakeOrchestrator) BackendName() string              { return "fake" }

func (f *FakeOrchestrator) IsRunning(_ context.Context, ref string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[ref], nil
}

func (f *FakeOrchestrator) AttachPTY(_ context.Context, ref string, cmd []string, rows, cols uint16) (*ExecSession, error) {
	f.mu.Lock()
	if f.attachErr != nil {
		err := f.attachErr
		f.mu.Unlock()
		return nil, err
	}
	if !f.running[ref] {
		f.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	p := newFakePTY(ref, cmd, rows, cols)
	f.ptys = append(f.ptys, p)
	hook := f.OnAttach
	f.mu.Unlock()

	if hook != nil {
		hook(p)
	}
	return p.session(), nil
}

func (f *FakeOrchestrator) CreateContainer(_ context.Context, params CreateParams) (string, error) {
	f.SetRunning(params.Name, true)
	return "fake-" + params.Name, nil
}

func (f *FakeOrchestrator) StartContainer(_ context.Context, ref string) error {
	return f.setExisting(ref, true)
}

func (f *FakeOrchestrator) StopContainer(_ context.Context, ref string) error {
	return f.setExisting(ref, false)
}

func (f *FakeOrchestrator) RestartContainer(_ context.Context, ref string) error {
	return f.setExisting(ref, true)
}

func (f *FakeOrchestrator) RemoveContainer(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.running[ref]; !ok {
		return ErrNotFound
	}
	delete(f.running, ref)
	return nil
}

func (f *FakeOrchestrator) setExisting(ref string, running bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.running[ref]; !ok {
		return ErrNotFound
	}
	f.running[ref] = running
	return nil
}

func (f *FakeOrchestrator) ListContainers(_ context.Context, all bool) ([]ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ContainerInfo
	for ref, running := range f.running {
		if !all && !running {
			continue
		}
		out = append(out, fakeInfo(ref, running))
	}
	return out, nil
}

func (f *FakeOrchestrator) InspectContainer(_ context.Context, ref string) (*ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	running, ok := f.running[ref]
	if !ok {
		return nil, ErrNotFound
	}
	info := fakeInfo(ref, running)
	return &info, nil
}

func fakeInfo(ref string, running bool) ContainerInfo {
	status := "exited"
	if running {
		status = "running"
	}
	return ContainerInfo{ID: "fake-" + ref, Name: ref, Image: "fake:latest", Status: status, Running: running}
}

func (f *FakeOrchestrator) ContainerStats(ctx context.Context, ref string) (*ContainerStats, error) {
	if _, err := f.InspectContainer(ctx, ref); err != nil {
		return nil, err
	}
	return &ContainerStats{MemoryUsage: 1 << 20, MemoryLimit: 1 << 30}, nil
}

func (f *FakeOrchestrator) ContainerLogs(ctx context.Context, ref string, _ int, _ bool) (string, error) {
	if _, err := f.InspectContainer(ctx, ref); err != nil {
		return "", err
	}
	return "fake log line\n", nil
}

// FakePTY is the process side of a fake attachment.
type FakePTY struct {
	Ref     string
	Cmd     []string
	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter

	mu       sync.Mutex
	input    bytes.Buffer
	notify   chan struct{}
	rows     uint16
	cols     uint16
	closed   bool
	closeErr error
	// OnInput, when set before any input arrives, sees every chunk written
	// by the client. It may call Emit.
	OnInput func(p *FakePTY, data []byte)
}

func newFakePTY(ref string, cmd []string, rows, cols uint16) *FakePTY {
	p := &FakePTY{Ref: ref, Cmd: cmd, rows: rows, cols: cols, notify: make(chan struct{}, 1)}
	p.stdinR, p.stdinW = io.Pipe()
	p.stdoutR, p.stdoutW = io.Pipe()
	go p.consumeInput()
	return p
}

func (p *FakePTY) session() *ExecSession {
	return &ExecSession{
		Stdin:  p.stdinW,
		Stdout: p.stdoutR,
		Resize: func(cols, rows uint16) error {
			p.mu.Lock()
			defer p.mu.Unlock()
			if p.closed {
				return io.ErrClosedPipe
			}
			p.rows, p.cols = rows, cols
			return nil
		},
		Close: onceCloser(func() error {
			p.mu.Lock()
			p.closed = true
			err := p.closeErr
			p.mu.Unlock()
			p.stdinW.Close()
			p.stdoutR.Close()
			return err
		}),
	}
}

func (p *FakePTY) consumeInput() {
	buf := make([]byte, 4096)
	for {
		n, err := p.stdinR.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			p.mu.Lock()
			p.input.Write(chunk)
			hook := p.OnInput
			p.mu.Unlock()
			select {
			case p.notify <- struct{}{}:
			default:
			}
			if hook != nil {
				hook(p, chunk)
			}
		}
		if err != nil {
			return
		}
	}
}

// Emit writes process output; it blocks until the client side reads it.
func (p *FakePTY) Emit(s string) error {
	_, err := p.stdoutW.Write([]byte(s))
	return err
}

// Exit simulates the process exiting: the client sees EOF after draining.
func (p *FakePTY) Exit() {
	p.stdoutW.Close()
}

// Fail simulates an upstream transport error.
func (p *FakePTY) Fail(err error) {
	p.stdoutW.CloseWithError(err)
	p.stdinR.CloseWithError(err)
}

// FailClose makes releasing the attachment report err. The pipes are
// still closed.
func (p *FakePTY) FailClose(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeErr = err
}

func (p *FakePTY) Input() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.input.String()
}

// WaitInput waits until the accumulated input contains substr.
func (p *FakePTY) WaitInput(substr string, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if strings.Contains(p.Input(), substr) {
			return true
		}
		select {
		case <-p.notify:
		case <-deadline:
			return strings.Contains(p.Input(), substr)
		}
	}
}

func (p *FakePTY) Size() (rows, cols uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rows, p.cols
}

func (p *FakePTY) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

var errFakeExited = errors.New("fake process exited")

// Crash is Fail with a generic error.
func (p *FakePTY) Crash() {
	p.Fail(errFakeExited)
}

var _ ContainerOrchestrator = (*FakeOrchestrator)(nil)
