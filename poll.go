package udx

import (
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/pion/logging"

	"github.com/udx-project/udx/clock"
)

// EventMask is a bit set of readiness event classes, mirroring the poll()
// convention.
type EventMask uint8

const (
	EventRead  EventMask = 0x1
	EventWrite EventMask = 0x4
	EventError EventMask = 0x8
)

// Result holds the sockets that satisfied a Wait call. A socket asserting an
// error appears in both lists: a failed connection attempt satisfies the
// write-readiness it was being waited for and the error class at the same
// time, exactly like a successful connect would satisfy write-readiness.
type Result struct {
	Read  []*Socket
	Write []*Socket
}

// Total counts entries across both sets. A socket present in both counts
// twice.
func (r Result) Total() int {
	return len(r.Read) + len(r.Write)
}

type pollSub struct {
	sock *Socket
	mask EventMask
}

// Poller tracks readiness for a set of subscribed sockets and blocks waiters
// until at least one of them asserts a requested event. It observes socket
// state, it never owns it.
//
// Lock order is always poller before socket; sockets waking the poller go
// through a channel and take no poller lock.
type Poller struct {
	log   logging.LeveledLogger
	clock clock.Clock

	mu     sync.Mutex
	subs   map[SocketID]pollSub
	closed bool

	wakeChan     chan struct{}
	torndownChan chan struct{}
}

func newPoller(loggerFactory logging.LoggerFactory, clk clock.Clock) *Poller {
	return &Poller{
		log:   loggerFactory.NewLogger("udx_poll"),
		clock: clk,

		subs: map[SocketID]pollSub{},

		wakeChan:     make(chan struct{}, 1),
		torndownChan: make(chan struct{}),
	}
}

// Add subscribes a socket with the requested event mask. Re-adding a socket
// replaces its mask.
func (p *Poller) Add(s *Socket, mask EventMask) error {
	p.mu.Lock()

	if p.closed {
		p.mu.Unlock()

		return errors.Annotate(ErrPollerClosed, "add")
	}

	p.subs[s.ID()] = pollSub{sock: s, mask: mask}
	p.mu.Unlock()

	s.addPoller(p)

	return nil
}

// Remove drops a socket's subscription.
func (p *Poller) Remove(s *Socket) error {
	p.mu.Lock()

	if p.closed {
		p.mu.Unlock()

		return errors.Annotate(ErrPollerClosed, "remove")
	}

	delete(p.subs, s.ID())
	p.mu.Unlock()

	s.dropPoller(p)

	return nil
}

// wake is called by sockets after a state transition. Non-blocking; a
// pending token is enough since Wait re-derives readiness from scratch.
func (p *Poller) wake() {
	select {
	case p.wakeChan <- struct{}{}:
	default:
	}
}

// pollOnce derives the currently asserted events for every subscription.
// Subscriptions of closed sockets are reported once as error events and then
// dropped.
func (p *Poller) pollOnce() (Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return Result{}, errors.Annotate(ErrPollerClosed, "wait")
	}

	if len(p.subs) == 0 {
		return Result{}, errors.Annotate(ErrNoSubscribers, "wait")
	}

	var res Result

	var gone []SocketID

	for id, sub := range p.subs {
		ready := sub.sock.Readiness()

		if ready&EventError != 0 {
			res.Read = append(res.Read, sub.sock)
			res.Write = append(res.Write, sub.sock)

			if sub.sock.Status() == StatusClosed {
				gone = append(gone, id)
			}

			continue
		}

		if ready&sub.mask&EventRead != 0 {
			res.Read = append(res.Read, sub.sock)
		}

		if ready&sub.mask&EventWrite != 0 {
			res.Write = append(res.Write, sub.sock)
		}
	}

	for _, id := range gone {
		delete(p.subs, id)
	}

	return res, nil
}

// Wait blocks until at least one subscribed socket asserts a requested
// event, or timeout elapses. A zero or negative timeout reports whatever is
// asserted right now without blocking. On timeout the empty (or current)
// result is returned with a nil error.
func (p *Poller) Wait(timeout time.Duration) (Result, error) {
	res, err := p.pollOnce()
	if err != nil {
		return Result{}, errors.Trace(err)
	}

	if res.Total() > 0 || timeout <= 0 {
		return res, nil
	}

	timer := p.clock.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-p.wakeChan:
			res, err = p.pollOnce()
			if err != nil {
				return Result{}, errors.Trace(err)
			}

			if res.Total() > 0 {
				return res, nil
			}
		case <-timer.C():
			res, err = p.pollOnce()
			if err != nil {
				return Result{}, errors.Trace(err)
			}

			return res, nil
		case <-p.torndownChan:
			return Result{}, errors.Annotate(ErrPollerClosed, "wait")
		}
	}
}

// Release destroys the poller. Concurrent and subsequent Wait calls fail
// with ErrPollerClosed. Release is idempotent.
func (p *Poller) Release() error {
	p.mu.Lock()

	if p.closed {
		p.mu.Unlock()

		return nil
	}

	p.closed = true
	subs := p.subs
	p.subs = nil
	close(p.torndownChan)
	p.mu.Unlock()

	for _, sub := range subs {
		sub.sock.dropPoller(p)
	}

	return nil
}
