package udx

import (
	"time"

	"github.com/pion/logging"

	"github.com/udx-project/udx/clock"
)

// connWorker is the background loop that drives every pending connection
// attempt: it checks deadlines, schedules handshake retries and processes
// queued handshake packets. It is the only place a missed deadline turns
// into ErrNoServer, so blocking and non-blocking connects cannot disagree
// about the outcome.
//
// Each transition a tick produces is published to the subscribed pollers
// before the worker moves on to the next socket, which is what lets a Wait
// call observe a timeout within one tick period after the deadline.
type connWorker struct {
	log   logging.LeveledLogger
	clock clock.Clock
	tick  time.Duration

	watchChan    chan *Socket
	teardownChan chan struct{}
	torndownChan chan struct{}
}

func newConnWorker(loggerFactory logging.LoggerFactory, clk clock.Clock, tick time.Duration) *connWorker {
	w := &connWorker{
		log:   loggerFactory.NewLogger("udx_worker"),
		clock: clk,
		tick:  tick,

		watchChan:    make(chan *Socket, 16),
		teardownChan: make(chan struct{}, 1),
		torndownChan: make(chan struct{}),
	}

	go w.run()

	return w
}

// watch registers a socket that just entered StatusConnecting. The worker
// forgets it on its own once the socket leaves that status.
func (w *connWorker) watch(s *Socket) {
	select {
	case w.watchChan <- s:
	case <-w.torndownChan:
	}
}

func (w *connWorker) run() {
	ticker := w.clock.NewTicker(w.tick)
	defer ticker.Stop()

	defer close(w.torndownChan)

	sockets := map[SocketID]*Socket{}

	for {
		select {
		case s := <-w.watchChan:
			sockets[s.ID()] = s
		case <-ticker.C():
			now := w.clock.Now()

			for id, s := range sockets {
				s.tickHandshake(now)

				if s.Status() != StatusConnecting {
					delete(sockets, id)
				}
			}
		case <-w.teardownChan:
			return
		}
	}
}

func (w *connWorker) close() {
	select {
	case w.teardownChan <- struct{}{}:
	case <-w.torndownChan:
	}

	<-w.torndownChan
}
