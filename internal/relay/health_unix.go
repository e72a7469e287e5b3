//go:build unix

package relay

import (
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// socketError reads and clears SO_ERROR on socket-backed endpoints.
func socketError(endpoint net.Conn) error {
	sc, ok := endpoint.(syscall.Conn)
	if !ok {
		return nil
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return fmt.Errorf("syscall conn: %w", err)
	}

	var soErr int
	var optErr error
	if err := raw.Control(func(fd uintptr) {
		soErr, optErr = unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_ERROR)
	}); err != nil {
		return fmt.Errorf("socket control: %w", err)
	}
	if optErr != nil {
		return fmt.Errorf("getsockopt SO_ERROR: %w", optErr)
	}
	if soErr != 0 {
		return unix.Errno(soErr)
	}
	return nil
}
