//go:build linux

package poller

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// EpollPoller is an epoll-based I/O multiplexer woken through an eventfd.
type EpollPoller struct {
	epfd   int
	wakefd int
	events []unix.EpollEvent
	closed atomic.Bool

	// held shared by Wake and exclusively by Close so that a Wake never
	// writes to a descriptor number Close has released
	mu sync.RWMutex
}

// NewPoller creates a new Poller (Linux)
func NewPoller() (Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}

	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}

	p := &EpollPoller{
		epfd:   epfd,
		wakefd: wakefd,
		events: make([]unix.EpollEvent, 1024),
	}
	if err := p.Add(wakefd, Read); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func epollMask(in Interest) uint32 {
	// level-triggered; EPOLLRDHUP reports peer shutdown
	mask := uint32(unix.EPOLLRDHUP)
	if in&Read != 0 {
		mask |= unix.EPOLLIN
	}
	if in&Write != 0 {
		mask |= unix.EPOLLOUT
	}
	return mask
}

// Add adds a file descriptor to the watch list
func (p *EpollPoller) Add(fd int, in Interest) error {
	ev := unix.EpollEvent{Events: epollMask(in), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

// Mod replaces the interest set of fd.
func (p *EpollPoller) Mod(fd int, in Interest) error {
	ev := unix.EpollEvent{Events: epollMask(in), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

// Remove removes a file descriptor from the watch list
func (p *EpollPoller) Remove(fd int) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Wait waits for I/O events
func (p *EpollPoller) Wait(timeout int, events []Event) (int, error) {
	if p.closed.Load() {
		return 0, ErrClosed
	}

	max := min(len(events), len(p.events))
	n, err := unix.EpollWait(p.epfd, p.events[:max], timeout)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		if p.closed.Load() {
			return 0, ErrClosed
		}
		return 0, err
	}

	count := 0
	for i := 0; i < n; i++ {
		ev := p.events[i]
		fd := int(ev.Fd)
		if fd == p.wakefd {
			p.drainWake()
			continue
		}
		hup := ev.Events&(unix.EPOLLHUP|unix.EPOLLERR|unix.EPOLLRDHUP) != 0
		events[count] = Event{
			Fd:       fd,
			Readable: ev.Events&unix.EPOLLIN != 0 || hup,
			Writable: ev.Events&unix.EPOLLOUT != 0,
			Hangup:   hup,
		}
		count++
	}
	return count, nil
}

func (p *EpollPoller) drainWake() {
	var buf [8]byte
	unix.Read(p.wakefd, buf[:])
}

// Wake interrupts a blocked Wait.
func (p *EpollPoller) Wake() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed.Load() {
		return ErrClosed
	}
	one := [8]byte{1}
	if _, err := unix.Write(p.wakefd, one[:]); err != nil && err != unix.EAGAIN {
		return err
	}
	return nil
}

// Close closes the Poller
func (p *EpollPoller) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed.Swap(true) {
		return nil
	}
	unix.Close(p.wakefd)
	return unix.Close(p.epfd)
}
