package lock

import (
	"bufio"
	"net"
	"strings"
	"testing"
	"time"
)

func startServer(t *testing.T) (*Server, *Coordinator, string) {
	t.Helper()
	dir := t.TempDir()
	c := NewCoordinator(nil)
	s, err := c.Serve(dir)
	if err != nil {
		t.Fatalf("unexpected err:%s", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, c, dir
}

func TestServerLockUnlock(t *testing.T) {
	s, _, dir := startServer(t)

	if err := RequestLock(s.Path()); err != nil {
		t.Fatalf("unexpected err:%s", err)
	}

	// the write-lock is now held by the server process
	probe := NewCoordinator(nil)
	if held, err := probe.Locked(dir, Write); err != nil || !held {
		t.Errorf("Locked() = %v, %v, want true, nil", held, err)
	}

	if err := RequestUnlock(s.Path()); err != nil {
		t.Fatalf("unexpected err:%s", err)
	}
	if held, err := probe.Locked(dir, Write); err != nil || held {
		t.Errorf("Locked() after unlock = %v, %v, want false, nil", held, err)
	}
}

func TestServerUnknownCommandKeepsServing(t *testing.T) {
	s, _, _ := startServer(t)

	conn, err := net.Dial("unix", s.Path())
	if err != nil {
		t.Fatalf("unexpected err:%s", err)
	}
	defer conn.Close()

	r := bufio.NewReader(conn)

	if _, err := conn.Write([]byte("FROBNICATE\n")); err != nil {
		t.Fatalf("unexpected err:%s", err)
	}
	reply, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("unexpected err:%s", err)
	}
	if got := strings.TrimSpace(reply); got != "UNKNOWN" {
		t.Errorf("reply = %q, want UNKNOWN", got)
	}

	// same connection must still serve real commands
	if _, err := conn.Write([]byte("LOCK\n")); err != nil {
		t.Fatalf("unexpected err:%s", err)
	}
	reply, err = r.ReadString('\n')
	if err != nil {
		t.Fatalf("unexpected err:%s", err)
	}
	if got := strings.TrimSpace(reply); got != "LOCKED" {
		t.Errorf("reply = %q, want LOCKED", got)
	}

	if _, err := conn.Write([]byte("UNLOCK\n")); err != nil {
		t.Fatalf("unexpected err:%s", err)
	}
	reply, err = r.ReadString('\n')
	if err != nil {
		t.Fatalf("unexpected err:%s", err)
	}
	if got := strings.TrimSpace(reply); got != "UNLOCKED" {
		t.Errorf("reply = %q, want UNLOCKED", got)
	}
}

func TestServerUnlockWithoutLock(t *testing.T) {
	s, _, _ := startServer(t)

	// a receive that mirrored nothing still sends UNLOCK from post-receive
	if err := RequestUnlock(s.Path()); err != nil {
		t.Fatalf("unexpected err:%s", err)
	}

	// the connection and the server stay usable
	if err := RequestLock(s.Path()); err != nil {
		t.Fatalf("unexpected err:%s", err)
	}
	if err := RequestUnlock(s.Path()); err != nil {
		t.Fatalf("unexpected err:%s", err)
	}
}

func TestServerConcurrentWrappersSerialize(t *testing.T) {
	dir := t.TempDir()

	first, err := NewCoordinator(nil).Serve(dir)
	if err != nil {
		t.Fatalf("unexpected err:%s", err)
	}
	defer first.Close()
	second, err := NewCoordinator(nil).Serve(dir)
	if err != nil {
		t.Fatalf("unexpected err:%s", err)
	}
	defer second.Close()

	if first.Path() == second.Path() {
		t.Fatalf("both wrappers listen on %s", first.Path())
	}

	if err := RequestLock(first.Path()); err != nil {
		t.Fatalf("unexpected err:%s", err)
	}

	// the second wrapper's LOCK must wait for the first hold
	done := make(chan error, 1)
	go func() { done <- RequestLock(second.Path()) }()

	select {
	case err := <-done:
		t.Fatalf("second wrapper locked while the first held, err %v", err)
	case <-time.After(200 * time.Millisecond):
	}

	if err := RequestUnlock(first.Path()); err != nil {
		t.Fatalf("unexpected err:%s", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected err:%s", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second wrapper never acquired the lock")
	}
	if err := RequestUnlock(second.Path()); err != nil {
		t.Fatalf("unexpected err:%s", err)
	}
}

func TestServerCloseTerminatesConnections(t *testing.T) {
	dir := t.TempDir()
	s, err := NewCoordinator(nil).Serve(dir)
	if err != nil {
		t.Fatalf("unexpected err:%s", err)
	}

	// an idle connection must not stall Close until its line timeout
	conn, err := net.Dial("unix", s.Path())
	if err != nil {
		t.Fatalf("unexpected err:%s", err)
	}
	defer conn.Close()

	closed := make(chan error, 1)
	go func() { closed <- s.Close() }()
	select {
	case err := <-closed:
		if err != nil {
			t.Fatalf("unexpected err:%s", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return with a connection open")
	}
}

func TestServerLineTimeout(t *testing.T) {
	orig := lineTimeout
	lineTimeout = 100 * time.Millisecond
	defer func() { lineTimeout = orig }()

	s, _, _ := startServer(t)

	conn, err := net.Dial("unix", s.Path())
	if err != nil {
		t.Fatalf("unexpected err:%s", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("unexpected err:%s", err)
	}
	if got := strings.TrimSpace(reply); got != "TIMEOUT" {
		t.Errorf("reply = %q, want TIMEOUT", got)
	}
}

func TestServerConcurrentConnections(t *testing.T) {
	s, _, _ := startServer(t)

	// first connection takes the lock and keeps its connection open
	first, err := net.Dial("unix", s.Path())
	if err != nil {
		t.Fatalf("unexpected err:%s", err)
	}
	defer first.Close()
	if _, err := first.Write([]byte("LOCK\n")); err != nil {
		t.Fatalf("unexpected err:%s", err)
	}
	if reply, _ := bufio.NewReader(first).ReadString('\n'); strings.TrimSpace(reply) != "LOCKED" {
		t.Fatalf("first connection could not lock, reply %q", reply)
	}

	// a second connection must still be accepted and answered while the
	// lock is held
	if err := Request(s.Path(), "PING"); err == nil {
		t.Errorf("expected protocol error for PING")
	} else if !strings.Contains(err.Error(), "UNKNOWN") {
		t.Errorf("unexpected err:%s", err)
	}

	if err := RequestUnlock(s.Path()); err != nil {
		t.Fatalf("unexpected err:%s", err)
	}
}

func TestRequestProtocolError(t *testing.T) {
	s, _, _ := startServer(t)

	err := Request(s.Path(), "NOPE")
	if err == nil {
		t.Fatal("expected error for unknown command")
	}
	perr, ok := err.(*ProtocolError)
	if !ok {
		t.Fatalf("error type = %T, want *ProtocolError", err)
	}
	if perr.Reply != "UNKNOWN" || perr.Command != "NOPE" {
		t.Errorf("ProtocolError = %+v", perr)
	}
}

func TestServerCloseRemovesSocket(t *testing.T) {
	dir := t.TempDir()
	c := NewCoordinator(nil)
	s, err := c.Serve(dir)
	if err != nil {
		t.Fatalf("unexpected err:%s", err)
	}

	if !IsSocket(s.Path()) {
		t.Fatalf("expected socket at %s", s.Path())
	}
	if err := s.Close(); err != nil {
		t.Fatalf("unexpected err:%s", err)
	}
	if IsSocket(s.Path()) {
		t.Errorf("socket file still present after Close")
	}
}
