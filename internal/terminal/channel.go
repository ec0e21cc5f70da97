package terminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/joshcassell4/docorcpty/internal/orchestrator"
)

// Attacher is the slice of the container lifecycle collaborator a channel
// needs. orchestrator.ContainerOrchestrator satisfies it.
type Attacher interface {
	IsRunning(ctx context.Context, ref string) (bool, error)
	AttachPTY(ctx context.Context, ref string, cmd []string, rows, cols uint16) (*orchestrator.ExecSession, error)
}

// subscriberBuffer is the number of output chunks an observer may lag
// behind before chunks are dropped for it.
const subscriberBuffer = 256

type ChannelOptions struct {
	// ScrollbackBytes bounds the replay buffer. Zero uses the default.
	ScrollbackBytes int
	// MaxPending bounds output not yet consumed by Read; the oldest bytes
	// are dropped beyond it. Zero uses ScrollbackBytes.
	MaxPending int
}

// Channel is a bidirectional byte stream to one process running under a
// pseudo-terminal inside a container.
//
// A single pump goroutine reads process output into a pending buffer that
// Read consumes, a scrollback ring for late joiners, and any subscribed
// observers. The channel becomes unusable on Close or when the process
// output ends; in the latter case already-buffered output is still
// returned by Read before ErrChannelClosed.
type Channel struct {
	exec       *orchestrator.ExecSession
	scrollback *ScrollbackBuffer
	maxPending int

	mu          sync.Mutex
	pending     []byte
	rows, cols  uint16
	closed      bool
	ended       bool
	finished    bool
	upstreamErr error
	subs        map[chan []byte]struct{}

	writeMu  sync.Mutex
	notify   chan struct{}
	done     chan struct{}
	doneOnce sync.Once
}

// OpenChannel verifies that ref is running and attaches a PTY running cmd
// with the given geometry. Failures are reported as ErrContainerUnavailable.
func OpenChannel(ctx context.Context, a Attacher, ref string, cmd []string, rows, cols uint16, opts ChannelOptions) (*Channel, error) {
	if err := ValidateGeometry(rows, cols); err != nil {
		return nil, err
	}

	running, err := a.IsRunning(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("%w: check %s: %w", ErrContainerUnavailable, ref, err)
	}
	if !running {
		return nil, fmt.Errorf("%w: %s is not running", ErrContainerUnavailable, ref)
	}

	exec, err := a.AttachPTY(ctx, ref, cmd, rows, cols)
	if err != nil {
		return nil, fmt.Errorf("%w: attach %s: %w", ErrContainerUnavailable, ref, err)
	}
	return newChannel(exec, rows, cols, opts), nil
}

func newChannel(exec *orchestrator.ExecSession, rows, cols uint16, opts ChannelOptions) *Channel {
	maxPending := opts.MaxPending
	if maxPending <= 0 {
		maxPending = opts.ScrollbackBytes
	}
	if maxPending <= 0 {
		maxPending = defaultScrollbackSize
	}
	c := &Channel{
		exec:       exec,
		scrollback: NewScrollbackBuffer(opts.ScrollbackBytes),
		maxPending: maxPending,
		rows:       rows,
		cols:       cols,
		subs:       make(map[chan []byte]struct{}),
		notify:     make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	go c.pump()
	return c
}

func (c *Channel) pump() {
	buf := make([]byte, 32*1024)
	for {
		n, err := c.exec.Stdout.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			c.deliver(data)
		}
		if err != nil {
			c.mu.Lock()
			already := c.closed || c.ended
			c.ended = true
			if !already && !errors.Is(err, io.EOF) {
				c.upstreamErr = err
			}
			c.mu.Unlock()

			if !already {
				log.Printf("[terminal] process output ended: %v", err)
				if cerr := c.exec.Close(); cerr != nil {
					log.Printf("[terminal] release attachment: %v", cerr)
				}
			}
			c.finish()
			return
		}
	}
}

func (c *Channel) deliver(data []byte) {
	c.mu.Lock()
	c.scrollback.Write(data)
	if !c.closed {
		c.pending = appendBounded(c.pending, data, c.maxPending)
	}
	for ch := range c.subs {
		select {
		case ch <- data:
		default:
			// slow observer; drop the chunk for it
		}
	}
	c.mu.Unlock()

	c.signal()
}

func (c *Channel) signal() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// finish marks the channel unusable, wakes readers and ends observer streams.
func (c *Channel) finish() {
	c.doneOnce.Do(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.finished = true
		for ch := range c.subs {
			close(ch)
			delete(c.subs, ch)
		}
		close(c.done)
	})
}

// Read returns up to maxBytes of output. It returns an empty slice and a
// nil error when nothing arrived before deadline (a zero deadline waits
// indefinitely), ErrTimeout when ctx's deadline passes first and
// ErrChannelClosed once the channel is closed or the process output has
// ended and been fully drained.
func (c *Channel) Read(ctx context.Context, maxBytes int, deadline time.Time) ([]byte, error) {
	if maxBytes <= 0 {
		maxBytes = 32 * 1024
	}

	var timer *time.Timer
	var expired <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, ErrChannelClosed
		}
		if len(c.pending) > 0 {
			n := min(maxBytes, len(c.pending))
			out := make([]byte, n)
			copy(out, c.pending[:n])
			c.pending = c.pending[n:]
			if len(c.pending) == 0 {
				c.pending = nil
			}
			c.mu.Unlock()
			return out, nil
		}
		if c.ended {
			c.mu.Unlock()
			return nil, ErrChannelClosed
		}
		c.mu.Unlock()

		if expired == nil && !deadline.IsZero() {
			wait := time.Until(deadline)
			if wait <= 0 {
				return []byte{}, nil
			}
			timer = time.NewTimer(wait)
			expired = timer.C
		}

		select {
		case <-c.notify:
		case <-c.done:
		case <-expired:
			return []byte{}, nil
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, ErrTimeout
			}
			return nil, ctx.Err()
		}
	}
}

// Write sends p to the process. A failed write closes the channel.
func (c *Channel) Write(p []byte) (int, error) {
	if !c.usable() {
		return 0, ErrChannelClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if !c.usable() {
		return 0, ErrChannelClosed
	}

	n, err := c.exec.Stdin.Write(p)
	if err != nil {
		if c.usable() {
			c.fail(fmt.Errorf("write: %w", err))
		}
		return n, ErrChannelClosed
	}
	return n, nil
}

// fail tears the channel down after a transport error.
func (c *Channel) fail(err error) {
	c.mu.Lock()
	if c.ended || c.closed {
		c.mu.Unlock()
		return
	}
	c.ended = true
	c.upstreamErr = err
	c.mu.Unlock()

	log.Printf("[terminal] channel failed: %v", err)
	if cerr := c.exec.Close(); cerr != nil {
		log.Printf("[terminal] release attachment: %v", cerr)
	}
	c.finish()
}

func (c *Channel) usable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && !c.ended
}

// Resize changes the terminal geometry. Resizing to the current geometry is
// a no-op.
func (c *Channel) Resize(rows, cols uint16) error {
	if err := ValidateGeometry(rows, cols); err != nil {
		return err
	}
	c.mu.Lock()
	if c.closed || c.ended {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	if c.rows == rows && c.cols == cols {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if c.exec.Resize != nil {
		if err := c.exec.Resize(cols, rows); err != nil {
			if !c.usable() {
				return ErrChannelClosed
			}
			return fmt.Errorf("resize: %w", err)
		}
	}

	c.mu.Lock()
	c.rows, c.cols = rows, cols
	c.mu.Unlock()
	return nil
}

// Close releases the attachment. Pending readers return ErrChannelClosed
// and blocked writers are unblocked. Close is idempotent.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ended := c.ended
	c.pending = nil
	c.mu.Unlock()

	c.finish()
	if ended {
		// the pump already released the attachment
		return nil
	}
	return c.exec.Close()
}

// Geometry returns the current rows and cols.
func (c *Channel) Geometry() (rows, cols uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rows, c.cols
}

// Done is closed once the channel is closed or the process output ends.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Ended reports whether the process side went away on its own.
func (c *Channel) Ended() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ended && !c.closed
}

// Err returns the transport error that ended the channel, if any.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.upstreamErr
}

// Scrollback returns a copy of the most recent output.
func (c *Channel) Scrollback() []byte {
	return c.scrollback.Snapshot()
}

// Replay returns the scrollback and discards output not yet read, so a
// consumer that attaches late sees every byte exactly once.
func (c *Channel) Replay() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = nil
	return c.scrollback.Snapshot()
}

// Subscribe registers an observer that receives a copy of every output
// chunk without consuming it. Chunks are dropped for observers that fall
// behind. The returned channel is closed when the terminal channel ends or
// the returned cancel func is called.
func (c *Channel) Subscribe() (<-chan []byte, func()) {
	_, ch, cancel := c.Observe()
	return ch, cancel
}

// Observe is Subscribe that also returns the scrollback as of the moment
// of subscribing; chunks on the returned channel follow it without gap or
// overlap.
func (c *Channel) Observe() ([]byte, <-chan []byte, func()) {
	ch := make(chan []byte, subscriberBuffer)
	c.mu.Lock()
	history := c.scrollback.Snapshot()
	if c.finished {
		c.mu.Unlock()
		close(ch)
		return history, ch, func() {}
	}
	c.subs[ch] = struct{}{}
	c.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			c.mu.Lock()
			if _, ok := c.subs[ch]; ok {
				delete(c.subs, ch)
				close(ch)
			}
			c.mu.Unlock()
		})
	}
	return history, ch, cancel
}
