// Package activation picks up listening sockets passed in by systemd, so the
// webhook port can be owned by a .socket unit and the daemon started on demand.
package activation

import (
	"fmt"
	"net"
	"os"
	"strconv"
)

// listenFDsStart is the first descriptor systemd hands over (after stdio).
const listenFDsStart = 3

// Listeners returns the sockets systemd passed to this process, in order.
// It returns nil when the process was not socket-activated or the
// activation environment names another PID.
func Listeners() ([]net.Listener, error) {
	count, err := passedFDs()
	if err != nil || count == 0 {
		return nil, err
	}

	listeners := make([]net.Listener, 0, count)
	for i := 0; i < count; i++ {
		ln, err := fileListener(listenFDsStart + i)
		if err != nil {
			for _, opened := range listeners {
				_ = opened.Close()
			}
			return nil, err
		}
		listeners = append(listeners, ln)
	}

	// Children (git and its helpers) must not believe they were activated.
	_ = os.Unsetenv("LISTEN_PID")
	_ = os.Unsetenv("LISTEN_FDS")
	_ = os.Unsetenv("LISTEN_FDNAMES")

	return listeners, nil
}

// passedFDs reads LISTEN_PID and LISTEN_FDS and returns how many descriptors
// belong to this process.
func passedFDs() (int, error) {
	pidStr := os.Getenv("LISTEN_PID")
	if pidStr == "" {
		return 0, nil
	}
	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return 0, fmt.Errorf("invalid LISTEN_PID %q: %w", pidStr, err)
	}
	if pid != os.Getpid() {
		return 0, nil
	}

	fdsStr := os.Getenv("LISTEN_FDS")
	if fdsStr == "" {
		return 0, nil
	}
	count, err := strconv.Atoi(fdsStr)
	if err != nil {
		return 0, fmt.Errorf("invalid LISTEN_FDS %q: %w", fdsStr, err)
	}
	if count < 0 {
		return 0, nil
	}
	return count, nil
}

func fileListener(fd int) (net.Listener, error) {
	file := os.NewFile(uintptr(fd), "systemd-socket-"+strconv.Itoa(fd))
	if file == nil {
		return nil, fmt.Errorf("invalid file descriptor %d", fd)
	}
	// net.FileListener dups the descriptor, so the original can be closed.
	defer func() {
		_ = file.Close()
	}()

	ln, err := net.FileListener(file)
	if err != nil {
		return nil, fmt.Errorf("failed to create listener from fd %d: %w", fd, err)
	}
	return ln, nil
}
