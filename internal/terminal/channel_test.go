package terminal

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/joshcassell4/docorcpty/internal/orchestrator"
)

func openTestChannel(t *testing.T, opts ChannelOptions) (*Channel, *orchestrator.FakePTY) {
	t.Helper()
	fake := orchestrator.NewFakeOrchestrator("web")
	ch, err := OpenChannel(context.Background(), fake, "web", []string{"/bin/sh"}, 24, 80, opts)
	if err != nil {
		t.Fatalf("open channel: %v", err)
	}
	t.Cleanup(func() { ch.Close() })
	return ch, fake.PTYs()[0]
}

// readString reads until want has been seen or the timeout passes.
func readString(t *testing.T, ch *Channel, want string, timeout time.Duration) string {
	t.Helper()
	var got strings.Builder
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) && !strings.Contains(got.String(), want) {
		data, err := ch.Read(context.Background(), 1024, time.Now().Add(50*time.Millisecond))
		if err != nil {
			t.Fatalf("read: %v (so far %q)", err, got.String())
		}
		got.Write(data)
	}
	return got.String()
}

func TestChannelReadWrite(t *testing.T) {
	ch, pty := openTestChannel(t, ChannelOptions{})

	go pty.Emit("hello from container\r\n")
	if got := readString(t, ch, "hello", time.Second); !strings.Contains(got, "hello from container") {
		t.Errorf("unexpected output %q", got)
	}

	if _, err := ch.Write([]byte("ls -la\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !pty.WaitInput("ls -la\n", time.Second) {
		t.Errorf("process did not receive input, got %q", pty.Input())
	}
}

func TestChannelOpenPassesGeometryAndCommand(t *testing.T) {
	fake := orchestrator.NewFakeOrchestrator("web")
	ch, err := OpenChannel(context.Background(), fake, "web", []string{"/bin/bash", "-l"}, 40, 120, ChannelOptions{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer ch.Close()

	pty := fake.PTYs()[0]
	if rows, cols := pty.Size(); rows != 40 || cols != 120 {
		t.Errorf("expected 40x120, got %dx%d", rows, cols)
	}
	if strings.Join(pty.Cmd, " ") != "/bin/bash -l" {
		t.Errorf("unexpected command %v", pty.Cmd)
	}
}

func TestChannelReadDeadlineReturnsEmpty(t *testing.T) {
	ch, _ := openTestChannel(t, ChannelOptions{})

	start := time.Now()
	data, err := ch.Read(context.Background(), 1024, time.Now().Add(30*time.Millisecond))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(data) != 0 {
		t.Errorf("expected no data, got %q", data)
	}
	if time.Since(start) < 25*time.Millisecond {
		t.Error("read returned before the deadline")
	}
}

func TestChannelReadContextTimeout(t *testing.T) {
	ch, _ := openTestChannel(t, ChannelOptions{})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := ch.Read(ctx, 1024, time.Time{}); !errors.Is(err, ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", err)
	}
}

func TestChannelReadRespectsMaxBytes(t *testing.T) {
	ch, pty := openTestChannel(t, ChannelOptions{})
	pty.Emit("abcdefgh")

	data, err := ch.Read(context.Background(), 3, time.Now().Add(time.Second))
	if err != nil || string(data) != "abc" {
		t.Fatalf("expected abc, got %q (%v)", data, err)
	}
	data, _ = ch.Read(context.Background(), 100, time.Now().Add(time.Second))
	if string(data) != "defgh" {
		t.Errorf("expected remainder defgh, got %q", data)
	}
}

func TestChannelCloseIsIdempotent(t *testing.T) {
	ch, pty := openTestChannel(t, ChannelOptions{})

	if err := ch.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if !pty.Closed() {
		t.Error("attachment should be released")
	}

	if _, err := ch.Read(context.Background(), 10, time.Now().Add(time.Second)); !errors.Is(err, ErrChannelClosed) {
		t.Errorf("read after close: expected ErrChannelClosed, got %v", err)
	}
	if _, err := ch.Write([]byte("x")); !errors.Is(err, ErrChannelClosed) {
		t.Errorf("write after close: expected ErrChannelClosed, got %v", err)
	}
	if err := ch.Resize(30, 100); !errors.Is(err, ErrChannelClosed) {
		t.Errorf("resize after close: expected ErrChannelClosed, got %v", err)
	}
}

func TestChannelCloseWakesBlockedReader(t *testing.T) {
	ch, _ := openTestChannel(t, ChannelOptions{})

	errCh := make(chan error, 1)
	go func() {
		_, err := ch.Read(context.Background(), 10, time.Time{})
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	ch.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrChannelClosed) {
			t.Errorf("expected ErrChannelClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("reader was not woken by Close")
	}
}

func TestChannelCloseDiscardsPending(t *testing.T) {
	ch, pty := openTestChannel(t, ChannelOptions{})
	pty.Emit("unread output")
	ch.Close()

	if _, err := ch.Read(context.Background(), 100, time.Now().Add(time.Second)); !errors.Is(err, ErrChannelClosed) {
		t.Errorf("expected ErrChannelClosed right after Close, got %v", err)
	}
}

func TestChannelDrainsBufferedOutputAfterExit(t *testing.T) {
	ch, pty := openTestChannel(t, ChannelOptions{})

	pty.Emit("last words\r\n")
	pty.Exit()

	select {
	case <-ch.Done():
	case <-time.After(time.Second):
		t.Fatal("channel did not notice the process exit")
	}
	if !ch.Ended() {
		t.Error("expected Ended after process exit")
	}
	if !pty.Closed() {
		t.Error("attachment should be released after exit")
	}

	data, err := ch.Read(context.Background(), 100, time.Now().Add(time.Second))
	if err != nil || string(data) != "last words\r\n" {
		t.Fatalf("expected buffered output, got %q (%v)", data, err)
	}
	if _, err := ch.Read(context.Background(), 100, time.Now().Add(time.Second)); !errors.Is(err, ErrChannelClosed) {
		t.Errorf("expected ErrChannelClosed after draining, got %v", err)
	}
	if _, err := ch.Write([]byte("x")); !errors.Is(err, ErrChannelClosed) {
		t.Errorf("write after exit: expected ErrChannelClosed, got %v", err)
	}
}

func TestChannelWriteFailureClosesChannel(t *testing.T) {
	ch, pty := openTestChannel(t, ChannelOptions{})
	pty.Crash()

	if _, err := ch.Write([]byte("echo hi\n")); !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("expected ErrChannelClosed, got %v", err)
	}
	select {
	case <-ch.Done():
	case <-time.After(time.Second):
		t.Fatal("channel should be done after a transport failure")
	}
	if ch.Err() == nil {
		t.Error("expected the transport error to be recorded")
	}
}

func TestChannelResize(t *testing.T) {
	ch, pty := openTestChannel(t, ChannelOptions{})

	if err := ch.Resize(50, 132); err != nil {
		t.Fatalf("resize: %v", err)
	}
	if rows, cols := pty.Size(); rows != 50 || cols != 132 {
		t.Errorf("expected 50x132 on the process, got %dx%d", rows, cols)
	}
	if err := ch.Resize(50, 132); err != nil {
		t.Errorf("repeating a resize should succeed, got %v", err)
	}
	if rows, cols := ch.Geometry(); rows != 50 || cols != 132 {
		t.Errorf("unexpected geometry %dx%d", rows, cols)
	}
	if err := ch.Resize(0, 80); !errors.Is(err, ErrInvalidGeometry) {
		t.Errorf("expected ErrInvalidGeometry, got %v", err)
	}
}

func TestOpenChannelContainerUnavailable(t *testing.T) {
	fake := orchestrator.NewFakeOrchestrator("web")
	fake.SetRunning("stopped", false)

	_, err := OpenChannel(context.Background(), fake, "stopped", []string{"/bin/sh"}, 24, 80, ChannelOptions{})
	if !errors.Is(err, ErrContainerUnavailable) {
		t.Errorf("expected ErrContainerUnavailable for stopped container, got %v", err)
	}

	fake.FailAttach(errors.New("exec create: conflict"))
	_, err = OpenChannel(context.Background(), fake, "web", []string{"/bin/sh"}, 24, 80, ChannelOptions{})
	if !errors.Is(err, ErrContainerUnavailable) {
		t.Errorf("expected ErrContainerUnavailable for attach failure, got %v", err)
	}
	if len(fake.PTYs()) != 0 {
		t.Errorf("no attachment should exist, got %d", len(fake.PTYs()))
	}
}

func TestChannelSubscribeObservesWithoutConsuming(t *testing.T) {
	ch, pty := openTestChannel(t, ChannelOptions{})
	sub, cancel := ch.Subscribe()
	defer cancel()

	pty.Emit("shared")

	select {
	case chunk := <-sub:
		if string(chunk) != "shared" {
			t.Errorf("observer got %q", chunk)
		}
	case <-time.After(time.Second):
		t.Fatal("observer did not receive output")
	}

	data, err := ch.Read(context.Background(), 100, time.Now().Add(time.Second))
	if err != nil || string(data) != "shared" {
		t.Errorf("reader should still see the output, got %q (%v)", data, err)
	}

	pty.Exit()
	select {
	case _, ok := <-sub:
		if ok {
			t.Error("expected observer stream to be closed")
		}
	case <-time.After(time.Second):
		t.Fatal("observer stream not closed after exit")
	}

	late, _ := ch.Subscribe()
	if _, ok := <-late; ok {
		t.Error("subscribing to a finished channel should yield a closed stream")
	}
}

func TestChannelScrollbackIsBounded(t *testing.T) {
	ch, pty := openTestChannel(t, ChannelOptions{ScrollbackBytes: 4})
	pty.Emit("abcdef")
	readString(t, ch, "f", time.Second)

	if got := string(ch.Scrollback()); got != "cdef" {
		t.Errorf("expected last 4 bytes, got %q", got)
	}
}

func TestChannelReplayDiscardsUnreadOutput(t *testing.T) {
	ch, pty := openTestChannel(t, ChannelOptions{})
	pty.Emit("before attach\r\n")
	waitScrollback(t, ch, "before attach\r\n")

	if got := string(ch.Replay()); got != "before attach\r\n" {
		t.Fatalf("unexpected replay %q", got)
	}
	go pty.Emit("after")
	data, err := ch.Read(context.Background(), 100, time.Now().Add(time.Second))
	if err != nil || string(data) != "after" {
		t.Errorf("replayed output should not be read again, got %q (%v)", data, err)
	}
}

func TestChannelObserveReturnsHistory(t *testing.T) {
	ch, pty := openTestChannel(t, ChannelOptions{})
	pty.Emit("old ")
	waitScrollback(t, ch, "old ")

	history, sub, cancel := ch.Observe()
	defer cancel()
	if string(history) != "old " {
		t.Errorf("unexpected history %q", history)
	}
	go pty.Emit("new")
	select {
	case chunk := <-sub:
		if string(chunk) != "new" {
			t.Errorf("unexpected chunk %q", chunk)
		}
	case <-time.After(time.Second):
		t.Fatal("no chunk after history")
	}
}

func waitScrollback(t *testing.T, ch *Channel, want string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if string(ch.Scrollback()) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("scrollback never reached %q, have %q", want, ch.Scrollback())
}
