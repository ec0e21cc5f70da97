// Package terminal provides pseudo-terminal sessions attached to processes
// running inside containers, and the registry that bounds and reaps them.
//
// # Core Components
//
//   - [Channel]: bidirectional byte stream to one PTY-attached process, with
//     deadline-aware reads, resize and an observer fan-out.
//   - [Session]: a Channel plus identity, mode, activity timestamps and an
//     exclusive consumer claim.
//   - [Manager]: the live session registry. It enforces the concurrent
//     session limit at admission and runs the reaper.
//   - [ScrollbackBuffer]: recent output kept for replay to late joiners.
//
// # Session Lifecycle
//
//  1. [Manager.CreateSession] reserves a slot, checks that the container is
//     running and attaches a shell. The session starts in [StatusActive].
//
//  2. Writes, resizes and reads that return output update the last activity
//     time.
//
//  3. The session ends through [Manager.CloseSession], the reaper (idle or
//     lifetime timeout), shutdown, or the process side going away. It passes
//     through [StatusClosing] to [StatusClosed] and is removed from the
//     registry exactly once.
//
// # Reaping
//
// The reaper runs every ReapInterval. Sessions are visited oldest first;
// a session older than MaxLifetime is closed with [ReasonLifetimeTimeout],
// otherwise one idle for longer than IdleTimeout is closed with
// [ReasonIdleTimeout].
//
// # Errors
//
// Operations fail with the sentinel errors in this package, usually wrapped
// in a [SessionError]. [ReasonCode] maps any of them to a stable string for
// API responses.
package terminal
