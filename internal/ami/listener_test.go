package ami

import (
	"bufio"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// scriptedConnect yields one client per stream, then fails until stopped.
type scriptedConnect struct {
	mu       sync.Mutex
	streams  []string
	attempts int
}

func (s *scriptedConnect) connect() (*Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.attempts++
	if len(s.streams) == 0 {
		return nil, errors.New("no more connections")
	}

	stream := s.streams[0]
	s.streams = s.streams[1:]
	return &Client{
		addr:   "test",
		reader: bufio.NewReader(strings.NewReader(stream)),
		logger: zerolog.Nop(),
	}, nil
}

func (s *scriptedConnect) attemptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func TestListenerReconnectsAndResumesDispatch(t *testing.T) {
	script := &scriptedConnect{
		streams: []string{
			// First connection delivers two events, then the stream closes.
			"Event: One\r\n\r\nEvent: Two\r\n\r\n",
			// Second connection delivers one more.
			"Event: Three\r\n\r\n",
		},
	}

	var mu sync.Mutex
	var names []string

	l := NewListener("test:5038", "admin", "secret", time.Millisecond, nil, zerolog.Nop())
	l.connect = script.connect
	l.handler = func(ev Event) {
		mu.Lock()
		names = append(names, ev.Name())
		if ev.Name() == "Three" {
			l.Stop()
		}
		mu.Unlock()
	}

	done := make(chan struct{})
	go func() {
		l.Run()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("listener did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(names) != 3 {
		t.Fatalf("expected 3 events across reconnect, got %v", names)
	}
	if names[2] != "Three" {
		t.Errorf("expected dispatch to resume after reconnect, got %v", names)
	}
	if script.attemptCount() != 2 {
		t.Errorf("expected 2 connection attempts, got %d", script.attemptCount())
	}
}

func TestListenerStopsWithoutFurtherReconnects(t *testing.T) {
	script := &scriptedConnect{
		streams: []string{"Event: Only\r\n\r\n"},
	}

	l := NewListener("test:5038", "admin", "secret", time.Millisecond, nil, zerolog.Nop())
	l.connect = script.connect
	l.handler = func(ev Event) {
		l.Stop()
	}

	done := make(chan struct{})
	go func() {
		l.Run()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("listener did not stop")
	}

	// Stop was set during the first connection; no retry may follow.
	if got := script.attemptCount(); got != 1 {
		t.Errorf("expected exactly 1 connection attempt, got %d", got)
	}
	if !l.Stopping() {
		t.Error("expected listener to report stopping")
	}
}

func TestListenerStopBeforeRun(t *testing.T) {
	script := &scriptedConnect{}

	l := NewListener("test:5038", "admin", "secret", time.Millisecond, func(Event) {}, zerolog.Nop())
	l.connect = script.connect
	l.Stop()

	done := make(chan struct{})
	go func() {
		l.Run()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("listener did not honor stop flag before first connect")
	}

	if script.attemptCount() != 0 {
		t.Errorf("expected no connection attempts, got %d", script.attemptCount())
	}
}
