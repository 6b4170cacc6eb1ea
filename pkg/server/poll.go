package server

import (
	"net"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// awaitReadable waits up to timeout for c to become readable. It reports
// false with a nil error when the timeout elapsed first.
//
// Connections without a file descriptor cannot be polled; for those the
// timeout is armed as a read deadline and the subsequent Read reports it.
// Either way a read deadline is left in place for the rest of the request.
func awaitReadable(c net.Conn, timeout time.Duration) (bool, error) {
	sc, ok := c.(syscall.Conn)
	if !ok {
		return true, c.SetReadDeadline(time.Now().Add(timeout))
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return false, errors.Wrap(err, "poll: raw conn")
	}

	var (
		n       int
		revents int16
		perr    error
	)
	deadline := time.Now().Add(timeout)
	cerr := raw.Control(func(fd uintptr) {
		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		for {
			n, perr = unix.Poll(fds, pollMillis(time.Until(deadline)))
			if perr != unix.EINTR {
				break
			}
		}
		revents = fds[0].Revents
	})
	if cerr != nil {
		return false, errors.Wrap(cerr, "poll: control")
	}
	if perr != nil {
		return false, errors.Wrap(perr, "poll")
	}
	if n == 0 {
		return false, nil
	}
	if revents&unix.POLLIN == 0 && revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
		return false, errors.Errorf("poll: revents %#x", revents)
	}
	return true, c.SetReadDeadline(time.Now().Add(timeout))
}

// pollMillis rounds d up to whole milliseconds.
func pollMillis(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Millisecond - 1) / time.Millisecond)
}
