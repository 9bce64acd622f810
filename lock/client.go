package lock

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strings"
)

// ProtocolError is an unexpected reply from the lock socket. It is fatal for
// the requesting side.
type ProtocolError struct {
	Command string
	Reply   string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("lock socket replied '%s' to '%s'", e.Reply, e.Command)
}

// Request sends a single command over the repository's lock socket and
// requires the literal '<COMMAND>ED' acknowledgement. The read blocks
// indefinitely, lock acquisition on the serving side is unbounded.
func Request(socketPath, command string) error {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return fmt.Errorf("unable to reach lock socket %s err:%w", socketPath, err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(command + "\n")); err != nil {
		return fmt.Errorf("unable to send '%s' to lock socket err:%w", command, err)
	}

	reply, err := bufio.NewReader(conn).ReadString('\n')
	reply = strings.TrimSpace(reply)
	if err != nil && reply == "" {
		return fmt.Errorf("no reply for '%s' from lock socket err:%w", command, err)
	}

	if reply != command+"ED" {
		return &ProtocolError{Command: command, Reply: reply}
	}
	return nil
}

// RequestLock acquires the repository write-lock via the lock socket.
func RequestLock(socketPath string) error {
	return Request(socketPath, cmdLock)
}

// RequestUnlock releases the repository write-lock via the lock socket.
func RequestUnlock(socketPath string) error {
	return Request(socketPath, cmdUnlock)
}

// IsSocket reports whether path exists and is a unix socket.
func IsSocket(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode()&os.ModeSocket != 0
}
