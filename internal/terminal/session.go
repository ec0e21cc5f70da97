package terminal

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// Mode describes who drives a session.
type Mode string

const (
	ModeInteractive Mode = "interactive"
	ModeAutomation  Mode = "automation"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeInteractive:
		return ModeInteractive, nil
	case ModeAutomation:
		return ModeAutomation, nil
	default:
		return "", fmt.Errorf("unknown session mode %q", s)
	}
}

// Status is the lifecycle state of a session. It only moves forward.
type Status string

const (
	StatusActive  Status = "active"
	StatusClosing Status = "closing"
	StatusClosed  Status = "closed"
)

// CloseReason records why a session ended.
type CloseReason string

const (
	ReasonManual          CloseReason = "manual"
	ReasonIdleTimeout     CloseReason = "idle_timeout"
	ReasonLifetimeTimeout CloseReason = "lifetime_timeout"
	ReasonUpstreamFailure CloseReason = "upstream_failure"
	ReasonShutdown        CloseReason = "shutdown"
)

// Session pairs a terminal channel with its identity and activity
// bookkeeping. It owns the channel: closing the session closes the channel.
type Session struct {
	ID           string
	ContainerRef string
	Mode         Mode
	CreatedAt    time.Time

	seq     uint64
	channel *Channel
	now     func() time.Time

	mu           sync.Mutex
	status       Status
	lastActivity time.Time
	closeReason  CloseReason
	closedAt     time.Time
	consumer     string
	closed       chan struct{}
}

func newSession(id, ref string, mode Mode, ch *Channel, seq uint64, now func() time.Time) *Session {
	created := now()
	return &Session{
		ID:           id,
		ContainerRef: ref,
		Mode:         mode,
		CreatedAt:    created,
		seq:          seq,
		channel:      ch,
		now:          now,
		status:       StatusActive,
		lastActivity: created,
		closed:       make(chan struct{}),
	}
}

// Touch records activity now.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = s.now()
	s.mu.Unlock()
}

func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) CloseReason() CloseReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeReason
}

// Channel returns the session's channel while the session is active.
func (s *Session) Channel() (*Channel, error) {
	if s.Status() != StatusActive {
		return nil, sessionErr(s.ID, "channel", ErrChannelClosed)
	}
	return s.channel, nil
}

// Read reads terminal output; see Channel.Read. Reads that return bytes
// count as activity.
func (s *Session) Read(ctx context.Context, maxBytes int, deadline time.Time) ([]byte, error) {
	data, err := s.channel.Read(ctx, maxBytes, deadline)
	if err != nil {
		return nil, sessionErr(s.ID, "read", err)
	}
	if len(data) > 0 {
		s.Touch()
	}
	return data, nil
}

// Write sends input to the terminal and counts as activity.
func (s *Session) Write(p []byte) (int, error) {
	s.Touch()
	n, err := s.channel.Write(p)
	return n, sessionErr(s.ID, "write", err)
}

func (s *Session) Resize(rows, cols uint16) error {
	s.Touch()
	return sessionErr(s.ID, "resize", s.channel.Resize(rows, cols))
}

// Geometry returns the terminal's rows and cols.
func (s *Session) Geometry() (rows, cols uint16) {
	return s.channel.Geometry()
}

// Scrollback returns the most recent output for replay.
func (s *Session) Scrollback() []byte {
	return s.channel.Scrollback()
}

// Subscribe registers an output observer; see Channel.Subscribe.
func (s *Session) Subscribe() (<-chan []byte, func()) {
	return s.channel.Subscribe()
}

// Observe registers an output observer and returns the scrollback it
// follows; see Channel.Observe.
func (s *Session) Observe() ([]byte, <-chan []byte, func()) {
	return s.channel.Observe()
}

// Replay returns the scrollback for a consumer taking over the session
// and discards unread output it already contains.
func (s *Session) Replay() []byte {
	return s.channel.Replay()
}

// Done is closed when the session's channel is no longer usable.
func (s *Session) Done() <-chan struct{} {
	return s.channel.Done()
}

// Closed is closed once Close has finished and the close reason is set.
func (s *Session) Closed() <-chan struct{} {
	return s.closed
}

// Claim makes consumer the exclusive driver of the session until the
// returned release func is called.
func (s *Session) Claim(consumer string) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusActive {
		return nil, sessionErr(s.ID, "claim", ErrChannelClosed)
	}
	if s.consumer != "" {
		return nil, sessionErr(s.ID, "claim", fmt.Errorf("%w: held by %s", ErrSessionBusy, s.consumer))
	}
	s.consumer = consumer

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			if s.consumer == consumer {
				s.consumer = ""
			}
			s.mu.Unlock()
		})
	}, nil
}

// Consumer returns the current claim holder, if any.
func (s *Session) Consumer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consumer
}

// Close ends the session. Only the first call has an effect. When the
// process side already went away, output received before that stays
// readable until drained.
func (s *Session) Close(reason CloseReason) error {
	s.mu.Lock()
	if s.status != StatusActive {
		s.mu.Unlock()
		return nil
	}
	s.status = StatusClosing
	s.closeReason = reason
	s.mu.Unlock()

	var err error
	if !s.channel.Ended() {
		err = s.channel.Close()
	}

	s.mu.Lock()
	s.status = StatusClosed
	s.closedAt = s.now()
	s.consumer = ""
	s.mu.Unlock()
	close(s.closed)

	log.Printf("[session-mgr] closed session %s (container %s, reason %s)", s.ID, s.ContainerRef, reason)
	return sessionErr(s.ID, "close", err)
}

// Summary is a point-in-time view of a session.
type Summary struct {
	ID           string      `json:"id"`
	ContainerRef string      `json:"container_ref"`
	Mode         Mode        `json:"mode"`
	Status       Status      `json:"status"`
	CreatedAt    time.Time   `json:"created_at"`
	LastActivity time.Time   `json:"last_activity"`
	AgeSeconds   float64     `json:"age_seconds"`
	IdleSeconds  float64     `json:"idle_seconds"`
	Rows         uint16      `json:"rows"`
	Cols         uint16      `json:"cols"`
	Consumer     string      `json:"consumer,omitempty"`
	CloseReason  CloseReason `json:"close_reason,omitempty"`
	ClosedAt     *time.Time  `json:"closed_at,omitempty"`
}

func (s *Session) Summary(now time.Time) Summary {
	rows, cols := s.channel.Geometry()
	s.mu.Lock()
	defer s.mu.Unlock()
	sum := Summary{
		ID:           s.ID,
		ContainerRef: s.ContainerRef,
		Mode:         s.Mode,
		Status:       s.status,
		CreatedAt:    s.CreatedAt,
		LastActivity: s.lastActivity,
		AgeSeconds:   now.Sub(s.CreatedAt).Seconds(),
		IdleSeconds:  now.Sub(s.lastActivity).Seconds(),
		Rows:         rows,
		Cols:         cols,
		Consumer:     s.consumer,
		CloseReason:  s.closeReason,
	}
	if !s.closedAt.IsZero() {
		closed := s.closedAt
		sum.ClosedAt = &closed
	}
	return sum
}
