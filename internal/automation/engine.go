package automation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/joshcassell4/docorcpty/internal/logutil"
	"github.com/joshcassell4/docorcpty/internal/metrics"
	"github.com/joshcassell4/docorcpty/internal/terminal"
)

// Stream is the byte stream a run drives. *terminal.Session satisfies it.
type Stream interface {
	Write(p []byte) (int, error)
	Read(ctx context.Context, maxBytes int, deadline time.Time) ([]byte, error)
}

const (
	DefaultStepTimeout  = 30 * time.Second
	DefaultPollInterval = 100 * time.Millisecond
	DefaultMaxBuffer    = 1024 * 1024

	readChunk = 4096
)

// Step sends Send (if any) and then waits for one of Expect to appear in
// the output. Patterns are literal strings unless Regex is set. A step
// without patterns completes as soon as its text is sent.
type Step struct {
	Send    string        `json:"send,omitempty"`
	Expect  []string      `json:"expect,omitempty"`
	Regex   bool          `json:"regex,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty"`
}

type StepStatus string

const (
	StepPending StepStatus = "pending"
	StepMatched StepStatus = "matched"
	StepTimeout StepStatus = "timeout"
	StepSkipped StepStatus = "skipped"
	StepFailed  StepStatus = "failed"
)

// Reasons a run stopped before completing every step.
const (
	StopStepTimeout   = "step_timeout"
	StopRunTimeout    = "run_timeout"
	StopChannelClosed = "channel_closed"
	StopCancelled     = "cancelled"
	StopError         = "error"
)

type StepResult struct {
	Index        int           `json:"index"`
	Send         string        `json:"send,omitempty"`
	Status       StepStatus    `json:"status"`
	PatternIndex int           `json:"pattern_index"`
	Pattern      string        `json:"pattern,omitempty"`
	Output       string        `json:"output"`
	Elapsed      time.Duration `json:"elapsed_ns"`
	Error        string        `json:"error,omitempty"`
}

// Success reports whether the step completed.
func (r StepResult) Success() bool {
	return r.Status == StepMatched
}

type Result struct {
	Success    bool          `json:"success"`
	StopReason string        `json:"stop_reason,omitempty"`
	Steps      []StepResult  `json:"steps"`
	Elapsed    time.Duration `json:"elapsed_ns"`
}

type Options struct {
	// Timeout bounds the whole run. Zero means no overall limit.
	Timeout time.Duration
	// ContinueOnTimeout moves on to the next step after a step timeout
	// instead of aborting the run.
	ContinueOnTimeout bool
	// PollInterval is the longest single read wait.
	PollInterval time.Duration
	// StepTimeout applies to steps that set no timeout of their own.
	StepTimeout time.Duration
	// StripANSI removes escape sequences before matching.
	StripANSI bool
	// MaxBuffer bounds retained unmatched output; the oldest bytes are
	// dropped beyond it.
	MaxBuffer int
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.StepTimeout <= 0 {
		o.StepTimeout = DefaultStepTimeout
	}
	if o.MaxBuffer <= 0 {
		o.MaxBuffer = DefaultMaxBuffer
	}
	return o
}

// ValidateSteps checks that every step's patterns compile.
func ValidateSteps(steps []Step) error {
	_, err := compileSteps(steps)
	return err
}

func compileSteps(steps []Step) ([]*matcher, error) {
	if len(steps) == 0 {
		return nil, errors.New("no steps")
	}
	out := make([]*matcher, len(steps))
	for i, st := range steps {
		if st.Send == "" && len(st.Expect) == 0 {
			return nil, fmt.Errorf("step %d: nothing to send or expect", i)
		}
		if st.Timeout < 0 {
			return nil, fmt.Errorf("step %d: negative timeout", i)
		}
		m, err := compilePatterns(st.Expect, st.Regex)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		out[i] = m
	}
	return out, nil
}

// Run drives s through steps in order. Step timeouts and channel loss are
// reported in the Result; an error is returned only for steps that cannot
// run at all, before anything is sent.
func Run(ctx context.Context, s Stream, steps []Step, opts Options) (*Result, error) {
	matchers, err := compileSteps(steps)
	if err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	r := &runner{stream: s, opts: opts, start: time.Now()}
	if opts.Timeout > 0 {
		r.runDeadline = r.start.Add(opts.Timeout)
	}

	res := &Result{Steps: make([]StepResult, len(steps))}
	for i, st := range steps {
		sr := &res.Steps[i]
		sr.Index = i
		sr.Send = st.Send
		sr.PatternIndex = -1
		sr.Status = StepPending

		if res.StopReason != "" {
			sr.Status = StepSkipped
			continue
		}
		res.StopReason = r.step(ctx, st, matchers[i], sr)
		if res.StopReason == StopStepTimeout && opts.ContinueOnTimeout {
			res.StopReason = ""
		}
	}

	res.Elapsed = time.Since(r.start)
	res.Success = true
	for _, sr := range res.Steps {
		metrics.AutomationStepsTotal.WithLabelValues(string(sr.Status)).Inc()
		if !sr.Success() {
			res.Success = false
		}
	}
	outcome := "success"
	if !res.Success {
		outcome = "failure"
	}
	metrics.AutomationRunsTotal.WithLabelValues(outcome).Inc()
	metrics.AutomationRunDuration.Observe(res.Elapsed.Seconds())
	log.Printf("[automation] run finished: %s, %d steps, stop=%q, %s", outcome, len(steps), res.StopReason, res.Elapsed.Round(time.Millisecond))
	return res, nil
}

// Expect waits for one of patterns without sending anything.
func Expect(ctx context.Context, s Stream, patterns []string, regex bool, timeout time.Duration, opts Options) (*StepResult, error) {
	if len(patterns) == 0 {
		return nil, errors.New("no patterns")
	}
	opts.StepTimeout = timeout
	res, err := Run(ctx, s, []Step{{Expect: patterns, Regex: regex, Timeout: timeout}}, opts)
	if err != nil {
		return nil, err
	}
	return &res.Steps[0], nil
}

type runner struct {
	stream      Stream
	opts        Options
	start       time.Time
	runDeadline time.Time
	// buf holds output not yet consumed by a match.
	buf []byte
}

// step executes one step, filling sr, and returns a stop reason when the
// run must not continue as normal.
func (r *runner) step(ctx context.Context, st Step, m *matcher, sr *StepResult) string {
	stepStart := time.Now()
	defer func() { sr.Elapsed = time.Since(stepStart) }()

	// a step that starts after the run deadline sends nothing
	if !r.runDeadline.IsZero() && !stepStart.Before(r.runDeadline) {
		sr.Status = StepSkipped
		return StopRunTimeout
	}

	if st.Send != "" {
		if _, err := r.stream.Write([]byte(st.Send)); err != nil {
			return r.failed(sr, err)
		}
	}
	if m.empty() {
		sr.Status = StepMatched
		return ""
	}

	timeout := st.Timeout
	if timeout <= 0 {
		timeout = r.opts.StepTimeout
	}
	stepDeadline := stepStart.Add(timeout)

	for {
		if idx, end := m.find(r.buf); idx >= 0 {
			sr.Status = StepMatched
			sr.PatternIndex = idx
			sr.Pattern = m.patterns[idx]
			sr.Output = string(r.buf[:end])
			r.buf = append([]byte(nil), r.buf[end:]...)
			return ""
		}

		now := time.Now()
		if !r.runDeadline.IsZero() && !now.Before(r.runDeadline) {
			sr.Status = StepTimeout
			sr.Output = string(r.buf)
			sr.Error = "run timeout exceeded"
			return StopRunTimeout
		}
		if !now.Before(stepDeadline) {
			sr.Status = StepTimeout
			sr.Output = string(r.buf)
			log.Printf("[automation] step %d timed out after %s waiting for %q; tail %s",
				sr.Index, timeout, m.patterns, logutil.QuoteTerminal(tail(r.buf, 200), 200))
			return StopStepTimeout
		}

		wait := now.Add(r.opts.PollInterval)
		if stepDeadline.Before(wait) {
			wait = stepDeadline
		}
		if !r.runDeadline.IsZero() && r.runDeadline.Before(wait) {
			wait = r.runDeadline
		}

		data, err := r.stream.Read(ctx, readChunk, wait)
		if err != nil {
			if errors.Is(err, terminal.ErrTimeout) && ctx.Err() == nil {
				continue
			}
			return r.failed(sr, err)
		}
		if len(data) > 0 {
			r.append(data)
		}
	}
}

func (r *runner) append(data []byte) {
	r.buf = append(r.buf, data...)
	if r.opts.StripANSI {
		r.buf = StripANSI(r.buf)
	}
	if len(r.buf) > r.opts.MaxBuffer {
		r.buf = append([]byte(nil), r.buf[len(r.buf)-r.opts.MaxBuffer:]...)
	}
}

func (r *runner) failed(sr *StepResult, err error) string {
	sr.Status = StepFailed
	sr.Output = string(r.buf)
	sr.Error = err.Error()
	switch {
	case errors.Is(err, terminal.ErrChannelClosed):
		return StopChannelClosed
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded), errors.Is(err, terminal.ErrTimeout):
		return StopCancelled
	default:
		log.Printf("[automation] step %d failed: %v", sr.Index, err)
		return StopError
	}
}

func tail(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[len(b)-n:]
}
