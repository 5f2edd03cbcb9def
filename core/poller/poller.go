package poller

import "errors"

// ErrClosed is returned by Wait once the poller has been closed.
var ErrClosed = errors.New("poller: closed")

// Interest is the set of readiness kinds a descriptor is watched for.
type Interest uint8

const (
	Read Interest = 1 << iota
	Write
)

// Event is one ready descriptor. Hangup is reported together with
// Readable so that the following read observes the close.
type Event struct {
	Fd       int
	Readable bool
	Writable bool
	Hangup   bool
}

// Poller is the I/O multiplexing interface. Wake may be called from any
// goroutine; all other methods belong to the goroutine running Wait.
type Poller interface {
	Add(fd int, in Interest) error
	Mod(fd int, in Interest) error
	Remove(fd int) error
	// Wait blocks up to timeout milliseconds (forever if negative) and
	// fills events. A Wake makes it return early, possibly with n == 0.
	Wait(timeout int, events []Event) (int, error)
	Wake() error
	Close() error
}
