package terminal

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/joshcassell4/docorcpty/internal/config"
	"github.com/joshcassell4/docorcpty/internal/logutil"
	"github.com/joshcassell4/docorcpty/internal/metrics"
	"github.com/robfig/cron/v3"
)

// Recorder receives session lifecycle events for auditing. Failures are
// logged and never affect the session.
type Recorder interface {
	RecordOpen(id, containerRef, mode string, openedAt time.Time) error
	RecordClose(id, reason string, closedAt time.Time) error
}

type ManagerConfig struct {
	MaxSessions     int
	IdleTimeout     time.Duration
	MaxLifetime     time.Duration
	ReapInterval    time.Duration
	Shell           string
	DefaultRows     uint16
	DefaultCols     uint16
	ScrollbackBytes int
	// Now is the clock used for timestamps and timeouts.
	Now func() time.Time
	// Recorder is optional.
	Recorder Recorder
}

// ManagerConfigFromSettings builds a ManagerConfig from process settings.
func ManagerConfigFromSettings(s config.Settings) ManagerConfig {
	return ManagerConfig{
		MaxSessions:     s.MaxConcurrentSessions,
		IdleTimeout:     s.SessionIdleTimeout,
		MaxLifetime:     s.SessionMaxLifetime,
		ReapInterval:    s.ReapInterval,
		Shell:           s.DefaultShell,
		DefaultRows:     s.DefaultRows,
		DefaultCols:     s.DefaultCols,
		ScrollbackBytes: s.ScrollbackBytes,
	}
}

// Manager is the registry of live sessions. It enforces the session cap at
// admission and evicts idle or expired sessions.
type Manager struct {
	attacher Attacher
	cfg      ManagerConfig

	mu       sync.Mutex
	sessions map[string]*Session
	pending  int
	seq      uint64

	cronMu sync.Mutex
	cron   *cron.Cron
}

func NewManager(a Attacher, cfg ManagerConfig) *Manager {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Shell == "" {
		cfg.Shell = "/bin/sh"
	}
	if cfg.DefaultRows == 0 {
		cfg.DefaultRows = 24
	}
	if cfg.DefaultCols == 0 {
		cfg.DefaultCols = 80
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = 5 * time.Second
	}
	return &Manager{
		attacher: a,
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}
}

// Capacity returns the configured session limit.
func (m *Manager) Capacity() int {
	return m.cfg.MaxSessions
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// CreateSession attaches the default shell to ref and registers the
// session. A slot is reserved before attaching so that concurrent creations
// can never exceed the limit; on failure the reservation is released and
// nothing is registered.
func (m *Manager) CreateSession(ctx context.Context, ref string, mode Mode, rows, cols uint16) (*Session, error) {
	return m.CreateSessionCommand(ctx, ref, mode, rows, cols, nil)
}

// CreateSessionCommand is CreateSession running cmd instead of the default
// shell. An empty cmd uses the shell.
func (m *Manager) CreateSessionCommand(ctx context.Context, ref string, mode Mode, rows, cols uint16, cmd []string) (*Session, error) {
	if len(cmd) == 0 {
		cmd = []string{m.cfg.Shell}
	}
	if mode == "" {
		mode = ModeInteractive
	}
	if rows == 0 {
		rows = m.cfg.DefaultRows
	}
	if cols == 0 {
		cols = m.cfg.DefaultCols
	}

	m.mu.Lock()
	if len(m.sessions)+m.pending >= m.cfg.MaxSessions {
		live := len(m.sessions)
		m.mu.Unlock()
		metrics.SessionRejectionsTotal.WithLabelValues("capacity_exceeded").Inc()
		return nil, fmt.Errorf("%w: %d live sessions (limit %d)", ErrCapacityExceeded, live, m.cfg.MaxSessions)
	}
	m.pending++
	m.seq++
	seq := m.seq
	m.mu.Unlock()

	start := time.Now()
	ch, err := OpenChannel(ctx, m.attacher, ref, cmd, rows, cols, ChannelOptions{
		ScrollbackBytes: m.cfg.ScrollbackBytes,
	})

	m.mu.Lock()
	m.pending--
	if err != nil {
		m.mu.Unlock()
		metrics.SessionRejectionsTotal.WithLabelValues(ReasonCode(err)).Inc()
		log.Printf("[session-mgr] failed to open terminal for %s: %v", logutil.SanitizeForLog(ref), err)
		return nil, err
	}
	s := newSession(uuid.New().String(), ref, mode, ch, seq, m.cfg.Now)
	m.sessions[s.ID] = s
	m.mu.Unlock()

	metrics.SessionCreationDuration.Observe(time.Since(start).Seconds())
	metrics.SessionsCreatedTotal.WithLabelValues(string(mode)).Inc()
	metrics.SessionsActive.WithLabelValues(string(mode)).Inc()
	if m.cfg.Recorder != nil {
		if err := m.cfg.Recorder.RecordOpen(s.ID, ref, string(mode), s.CreatedAt); err != nil {
			log.Printf("[session-mgr] audit open %s: %v", s.ID, err)
		}
	}

	go m.watch(s)

	log.Printf("[session-mgr] created session %s for container %s (mode %s, %dx%d)",
		s.ID, logutil.SanitizeForLog(ref), mode, cols, rows)
	return s, nil
}

// watch closes and unregisters a session whose process side went away.
func (m *Manager) watch(s *Session) {
	<-s.Done()
	if s.Status() != StatusActive {
		return
	}
	if err := s.channel.Err(); err != nil {
		log.Printf("[session-mgr] session %s lost its terminal: %v", s.ID, err)
	}
	m.finish(s, ReasonUpstreamFailure)
}

// finish closes s with reason and removes it from the registry. It reports
// whether this call was the one that unregistered the session.
func (m *Manager) finish(s *Session, reason CloseReason) (bool, error) {
	err := s.Close(reason)

	m.mu.Lock()
	_, registered := m.sessions[s.ID]
	delete(m.sessions, s.ID)
	m.mu.Unlock()

	if registered {
		closedAt := m.cfg.Now()
		actual := s.CloseReason()
		metrics.SessionsActive.WithLabelValues(string(s.Mode)).Dec()
		metrics.SessionsClosedTotal.WithLabelValues(string(actual)).Inc()
		metrics.SessionDuration.WithLabelValues(string(s.Mode)).Observe(closedAt.Sub(s.CreatedAt).Seconds())
		if m.cfg.Recorder != nil {
			if rerr := m.cfg.Recorder.RecordClose(s.ID, string(actual), closedAt); rerr != nil {
				log.Printf("[session-mgr] audit close %s: %v", s.ID, rerr)
			}
		}
	}
	return registered, err
}

// GetSession returns the live session with id.
func (m *Manager) GetSession(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, sessionErr(id, "get", ErrNotFound)
	}
	return s, nil
}

// ordered returns live sessions oldest-created first.
func (m *Manager) ordered() []*Session {
	m.mu.Lock()
	list := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.Unlock()

	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].seq < list[j].seq
	})
	return list
}

// ListSessions returns summaries of live sessions, oldest first.
func (m *Manager) ListSessions() []Summary {
	now := m.cfg.Now()
	list := m.ordered()
	out := make([]Summary, 0, len(list))
	for _, s := range list {
		out = append(out, s.Summary(now))
	}
	return out
}

// CloseSession closes the session with id and removes it from the
// registry. The session is removed even if closing reports an error.
func (m *Manager) CloseSession(id string, reason CloseReason) error {
	s, err := m.GetSession(id)
	if err != nil {
		return err
	}
	_, err = m.finish(s, reason)
	return err
}

// Reap closes every session idle longer than the idle timeout or older
// than the maximum lifetime, oldest first, and returns their ids. Close
// failures are logged and do not stop the sweep.
func (m *Manager) Reap() []string {
	now := m.cfg.Now()
	metrics.ReapSweepsTotal.Inc()

	var evicted []string
	for _, s := range m.ordered() {
		reason, expired := m.expired(s, now)
		if !expired {
			continue
		}
		log.Printf("[reaper] evicting session %s (%s, age %s, idle %s)", s.ID, reason,
			now.Sub(s.CreatedAt).Round(time.Second), now.Sub(s.LastActivity()).Round(time.Second))
		removed, err := m.finish(s, reason)
		if err != nil {
			log.Printf("[reaper] close session %s: %v", s.ID, err)
		}
		if removed {
			evicted = append(evicted, s.ID)
		}
	}
	return evicted
}

func (m *Manager) expired(s *Session, now time.Time) (CloseReason, bool) {
	if m.cfg.MaxLifetime > 0 && now.Sub(s.CreatedAt) > m.cfg.MaxLifetime {
		return ReasonLifetimeTimeout, true
	}
	if m.cfg.IdleTimeout > 0 && now.Sub(s.LastActivity()) > m.cfg.IdleTimeout {
		return ReasonIdleTimeout, true
	}
	return "", false
}

// CloseAll closes every live session with reason.
func (m *Manager) CloseAll(reason CloseReason) {
	for _, s := range m.ordered() {
		if _, err := m.finish(s, reason); err != nil {
			log.Printf("[session-mgr] close session %s: %v", s.ID, err)
		}
	}
}

// Start schedules the reaper. It stops when ctx is done or Stop is called.
func (m *Manager) Start(ctx context.Context) error {
	m.cronMu.Lock()
	defer m.cronMu.Unlock()
	if m.cron != nil {
		return fmt.Errorf("reaper already started")
	}

	logger := cron.PrintfLogger(log.New(log.Writer(), "[reaper] ", log.Flags()))
	c := cron.New(cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))
	spec := fmt.Sprintf("@every %s", m.cfg.ReapInterval)
	if _, err := c.AddFunc(spec, func() { m.Reap() }); err != nil {
		return fmt.Errorf("schedule reaper: %w", err)
	}
	c.Start()
	m.cron = c
	log.Printf("[reaper] started (every %s, idle %s, lifetime %s)", m.cfg.ReapInterval, m.cfg.IdleTimeout, m.cfg.MaxLifetime)

	go func() {
		<-ctx.Done()
		m.Stop()
	}()
	return nil
}

// Stop halts the reaper and waits for a running sweep to finish.
func (m *Manager) Stop() {
	m.cronMu.Lock()
	c := m.cron
	m.cron = nil
	m.cronMu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	log.Println("[reaper] stopped")
}
