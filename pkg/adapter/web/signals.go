//go:build linux

package web

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"golang.org/x/sys/unix"
)

// control is the loop's signal channel: a socketpair whose read end is
// registered with epoll. One byte is written per signal.
type control struct {
	readFD  int
	writeFD int

	sigs chan os.Signal
	done chan struct{}
}

func newControl() (*control, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("socketpair: %w", err)
	}
	return &control{
		readFD:  fds[0],
		writeFD: fds[1],
		sigs:    make(chan os.Signal, 4),
		done:    make(chan struct{}),
	}, nil
}

// relay is the only writer of the control socket. It forwards SIGTERM and
// SIGINT, raises SIGALRM every timeslot and raises SIGTERM when ctx or stop
// is done, then exits.
func (c *control) relay(ctx context.Context, stop <-chan struct{}, timeslot time.Duration) {
	defer close(c.done)

	signal.Notify(c.sigs, unix.SIGTERM, unix.SIGINT)
	defer signal.Stop(c.sigs)

	ticker := time.NewTicker(timeslot)
	defer ticker.Stop()

	for {
		select {
		case sig := <-c.sigs:
			if s, ok := sig.(unix.Signal); ok {
				c.raise(s)
			}
		case <-ticker.C:
			c.raise(unix.SIGALRM)
		case <-ctx.Done():
			c.raise(unix.SIGTERM)
			return
		case <-stop:
			c.raise(unix.SIGTERM)
			return
		}
	}
}

func (c *control) raise(sig unix.Signal) {
	b := [1]byte{byte(sig)}
	for {
		_, err := unix.Write(c.writeFD, b[:])
		if err != unix.EINTR {
			return
		}
	}
}

// read consumes pending signal bytes and reports which flags they set.
func (c *control) read() (timeout, stop bool) {
	var buf [1024]byte
	for {
		n, err := unix.Read(c.readFD, buf[:])
		if err == unix.EINTR {
			continue
		}
		if n <= 0 || err != nil {
			return
		}
		for _, b := range buf[:n] {
			switch unix.Signal(b) {
			case unix.SIGALRM:
				timeout = true
			case unix.SIGTERM, unix.SIGINT:
				stop = true
			}
		}
	}
}

// close waits for the relay to exit and closes both ends.
func (c *control) close() {
	<-c.done
	_ = unix.Close(c.readFD)
	_ = unix.Close(c.writeFD)
}
