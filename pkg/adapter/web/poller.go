//go:build linux

package web

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Interest masks. Client sockets are always one-shot: a fired event disarms
// the descriptor until the loop rearms it, so at most one goroutine works on
// a connection at a time.
const (
	readInterest  = unix.EPOLLIN | unix.EPOLLRDHUP
	writeInterest = unix.EPOLLOUT | unix.EPOLLRDHUP
	hangupMask    = unix.EPOLLRDHUP | unix.EPOLLHUP | unix.EPOLLERR
)

// poller wraps an epoll instance.
type poller struct {
	fd int
}

func newPoller() (*poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	return &poller{fd: fd}, nil
}

// add registers fd. Edge-triggered registration adds EPOLLET; oneShot adds
// EPOLLONESHOT.
func (p *poller) add(fd int, events uint32, edge, oneShot bool) error {
	ev := unix.EpollEvent{Events: flags(events, edge, oneShot), Fd: int32(fd)}
	if err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl add fd %d: %w", fd, err)
	}
	return nil
}

// rearm re-enables a one-shot client descriptor with the given interest.
func (p *poller) rearm(fd int, events uint32, edge bool) error {
	ev := unix.EpollEvent{Events: flags(events, edge, true), Fd: int32(fd)}
	if err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl mod fd %d: %w", fd, err)
	}
	return nil
}

func (p *poller) remove(fd int) {
	_ = unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil)
}

// wait blocks for events, retrying on EINTR.
func (p *poller) wait(events []unix.EpollEvent) (int, error) {
	for {
		n, err := unix.EpollWait(p.fd, events, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("epoll_wait: %w", err)
		}
		return n, nil
	}
}

func (p *poller) close() error {
	return unix.Close(p.fd)
}

func flags(events uint32, edge, oneShot bool) uint32 {
	if edge {
		events |= unix.EPOLLET
	}
	if oneShot {
		events |= unix.EPOLLONESHOT
	}
	return events
}
