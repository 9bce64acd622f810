package lock

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// EnvLockSocket publishes the lock-socket path to child processes of a
	// receive operation. The sentinel value NoSocketSentinel means the
	// repository is intentionally not mirrored, as opposed to a
	// misconfigured lock setup.
	EnvLockSocket = "SWARM_MIRROR_LOCK_SOCKET"

	// NoSocketSentinel is published instead of a socket path for
	// unmirrored repositories.
	NoSocketSentinel = "none"

	cmdLock   = "LOCK"
	cmdUnlock = "UNLOCK"

	replyUnknown = "UNKNOWN"
	replyTimeout = "TIMEOUT"
)

// lineTimeout bounds the wait for a command line on an accepted connection.
var lineTimeout = 5 * time.Second

// socketSeq disambiguates concurrent wrappers within one process.
var socketSeq atomic.Uint64

// socketPath derives a listener path unique to this wrapper. Children find
// the socket through EnvLockSocket, so the name only has to avoid colliding
// with other wrappers serving the same repository concurrently.
func socketPath(repoDir string) string {
	return filepath.Join(repoDir, fmt.Sprintf("mirror_push.%d.%d.socket", os.Getpid(), socketSeq.Add(1)))
}

// Server serves write-lock commands for one repository over a unix socket.
// Each accepted connection is handled independently so a connection blocked
// acquiring the lock never stalls acceptance of further connections.
type Server struct {
	coord   *Coordinator
	repoDir string
	path    string
	ln      net.Listener
	wg      sync.WaitGroup

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// Serve opens a lock socket for the repository and starts accepting
// commands. Every wrapper gets its own socket, a concurrent receive for the
// same repository must never unlink or answer for this one. The caller owns
// the server's lifetime and must Close it once the wrapped receive
// operation exits.
func (c *Coordinator) Serve(repoDir string) (*Server, error) {
	path := socketPath(repoDir)

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("unable to open lock socket %s err:%w", path, err)
	}

	s := &Server{
		coord:   c,
		repoDir: repoDir,
		path:    path,
		ln:      ln,
		conns:   map[net.Conn]struct{}{},
	}

	s.wg.Add(1)
	go s.acceptLoop()

	return s, nil
}

// Path returns the socket path served by this server.
func (s *Server) Path() string {
	return s.path
}

// Close stops accepting connections, tears down the in-flight ones, waits
// for their handlers and removes the socket file.
func (s *Server) Close() error {
	err := s.ln.Close()

	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	os.Remove(s.path)
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			// listener closed
			return
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(conn)
			s.mu.Lock()
			delete(s.conns, conn)
			s.mu.Unlock()
		}()
	}
}

// serveConn handles command lines from a single connection until the peer
// disconnects or times out. An unknown command keeps the connection open.
func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()

	r := bufio.NewReader(conn)
	for {
		conn.SetReadDeadline(time.Now().Add(lineTimeout))

		line, err := r.ReadString('\n')
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				s.reply(conn, replyTimeout)
			}
			return
		}

		switch cmd := strings.TrimSpace(line); cmd {
		case cmdLock:
			if err := s.coord.Lock(s.repoDir, Write); err != nil {
				s.coord.log.Error("lock socket failed to acquire write lock", "repo", s.repoDir, "err", err)
				return
			}
			if !s.reply(conn, cmdLock+"ED") {
				return
			}
		case cmdUnlock:
			// a receive whose push mirrored nothing never locked,
			// releasing an unheld lock is still acknowledged
			if err := s.coord.Unlock(s.repoDir, Write); err != nil && !errors.Is(err, ErrNotLocked) {
				s.coord.log.Error("lock socket failed to release write lock", "repo", s.repoDir, "err", err)
				return
			}
			if !s.reply(conn, cmdUnlock+"ED") {
				return
			}
		default:
			if !s.reply(conn, replyUnknown) {
				return
			}
		}
	}
}

func (s *Server) reply(conn net.Conn, msg string) bool {
	_, err := conn.Write([]byte(msg + "\n"))
	return err == nil
}
