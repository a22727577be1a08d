package control

import (
	"fmt"
	"net"
	"os"
	"strconv"
)

// Listen returns the socket the control server should accept on. A socket
// handed over by systemd wins over addr.
func Listen(addr string) (net.Listener, error) {
	listeners, err := activatedListeners()
	if err != nil {
		return nil, err
	}
	if len(listeners) > 0 {
		closeAll(listeners[1:])
		return listeners[0], nil
	}

	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return l, nil
}

// listenFDsStart is the first descriptor systemd passes; 0-2 are stdio
const listenFDsStart = 3

// activatedFDs reports how many sockets systemd passed to this process.
// Zero means the process was not socket activated.
func activatedFDs() (int, error) {
	pidStr, fdsStr := os.Getenv("LISTEN_PID"), os.Getenv("LISTEN_FDS")
	if pidStr == "" || fdsStr == "" {
		return 0, nil
	}

	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return 0, fmt.Errorf("invalid LISTEN_PID %q: %w", pidStr, err)
	}
	if pid != os.Getpid() {
		// meant for another process
		return 0, nil
	}

	n, err := strconv.Atoi(fdsStr)
	if err != nil {
		return 0, fmt.Errorf("invalid LISTEN_FDS %q: %w", fdsStr, err)
	}
	if n < 0 {
		return 0, nil
	}
	return n, nil
}

// activatedListeners wraps every socket passed by systemd. The activation
// variables are cleared so git child processes do not inherit them.
func activatedListeners() ([]net.Listener, error) {
	n, err := activatedFDs()
	if err != nil || n == 0 {
		return nil, err
	}

	listeners := make([]net.Listener, 0, n)
	for fd := listenFDsStart; fd < listenFDsStart+n; fd++ {
		file := os.NewFile(uintptr(fd), fmt.Sprintf("listen-fd-%d", fd))
		if file == nil {
			closeAll(listeners)
			return nil, fmt.Errorf("invalid activation fd %d", fd)
		}

		l, err := net.FileListener(file)
		// the listener holds its own copy of the fd
		_ = file.Close()
		if err != nil {
			closeAll(listeners)
			return nil, fmt.Errorf("fd %d is not a listening socket: %w", fd, err)
		}
		listeners = append(listeners, l)
	}

	for _, key := range []string{"LISTEN_PID", "LISTEN_FDS", "LISTEN_FDNAMES"} {
		_ = os.Unsetenv(key)
	}
	return listeners, nil
}

func closeAll(listeners []net.Listener) {
	for _, l := range listeners {
		_ = l.Close()
	}
}
