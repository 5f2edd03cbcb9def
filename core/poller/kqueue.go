//go:build darwin

package poller

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// KqueuePoller is a kqueue-based I/O multiplexer woken through a pipe.
type KqueuePoller struct {
	kqfd   int
	wakeR  int
	wakeW  int
	events []unix.Kevent_t
	closed atomic.Bool

	// held shared by Wake and exclusively by Close so that a Wake never
	// writes to a descriptor number Close has released
	mu sync.RWMutex

	// descriptors with a registered write filter
	writing map[int]bool
}

// NewPoller creates a new Poller (macOS)
func NewPoller() (Poller, error) {
	kqfd, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}

	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		unix.Close(kqfd)
		return nil, err
	}
	unix.SetNonblock(fds[0], true)
	unix.SetNonblock(fds[1], true)

	p := &KqueuePoller{
		kqfd:    kqfd,
		wakeR:   fds[0],
		wakeW:   fds[1],
		events:  make([]unix.Kevent_t, 1024),
		writing: make(map[int]bool),
	}
	if err := p.Add(p.wakeR, Read); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

// apply keeps the read filter registered and toggles it, and adds or
// deletes the write filter. Level-triggered; EV_CLEAR is never set.
func (p *KqueuePoller) apply(fd int, in Interest) error {
	changes := make([]unix.Kevent_t, 1, 2)
	readFlags := unix.EV_ADD | unix.EV_DISABLE
	if in&Read != 0 {
		readFlags = unix.EV_ADD | unix.EV_ENABLE
	}
	unix.SetKevent(&changes[0], fd, unix.EVFILT_READ, readFlags)

	switch want := in&Write != 0; {
	case want && !p.writing[fd]:
		var ev unix.Kevent_t
		unix.SetKevent(&ev, fd, unix.EVFILT_WRITE, unix.EV_ADD|unix.EV_ENABLE)
		changes = append(changes, ev)
		p.writing[fd] = true
	case !want && p.writing[fd]:
		var ev unix.Kevent_t
		unix.SetKevent(&ev, fd, unix.EVFILT_WRITE, unix.EV_DELETE)
		changes = append(changes, ev)
		delete(p.writing, fd)
	}

	_, err := unix.Kevent(p.kqfd, changes, nil, nil)
	return err
}

// Add adds a file descriptor to the watch list
func (p *KqueuePoller) Add(fd int, in Interest) error {
	return p.apply(fd, in)
}

// Mod replaces the interest set of fd.
func (p *KqueuePoller) Mod(fd int, in Interest) error {
	return p.apply(fd, in)
}

// Remove removes a file descriptor from the watch list
func (p *KqueuePoller) Remove(fd int) error {
	changes := make([]unix.Kevent_t, 1, 2)
	unix.SetKevent(&changes[0], fd, unix.EVFILT_READ, unix.EV_DELETE)
	if p.writing[fd] {
		var ev unix.Kevent_t
		unix.SetKevent(&ev, fd, unix.EVFILT_WRITE, unix.EV_DELETE)
		changes = append(changes, ev)
		delete(p.writing, fd)
	}

	_, err := unix.Kevent(p.kqfd, changes, nil, nil)
	return err
}

// Wait waits for I/O events
func (p *KqueuePoller) Wait(timeout int, events []Event) (int, error) {
	if p.closed.Load() {
		return 0, ErrClosed
	}

	var ts *unix.Timespec
	if timeout >= 0 {
		t := unix.NsecToTimespec(int64(timeout) * 1e6)
		ts = &t
	}

	max := min(len(events), len(p.events))
	n, err := unix.Kevent(p.kqfd, nil, p.events[:max], ts)
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
		fd := int(ev.Ident)
		if fd == p.wakeR {
			p.drainWake()
			continue
		}
		hup := ev.Flags&(unix.EV_EOF|unix.EV_ERROR) != 0
		events[count] = Event{
			Fd:       fd,
			Readable: ev.Filter == unix.EVFILT_READ || hup,
			Writable: ev.Filter == unix.EVFILT_WRITE,
			Hangup:   hup,
		}
		count++
	}
	return count, nil
}

func (p *KqueuePoller) drainWake() {
	var buf [64]byte
	for {
		if n, err := unix.Read(p.wakeR, buf[:]); n <= 0 || err != nil {
			return
		}
	}
}

// Wake interrupts a blocked Wait.
func (p *KqueuePoller) Wake() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed.Load() {
		return ErrClosed
	}
	if _, err := unix.Write(p.wakeW, []byte{1}); err != nil && err != unix.EAGAIN {
		return err
	}
	return nil
}

// Close closes the Poller
func (p *KqueuePoller) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed.Swap(true) {
		return nil
	}
	unix.Close(p.wakeR)
	unix.Close(p.wakeW)
	return unix.Close(p.kqfd)
}
