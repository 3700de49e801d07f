package udx

import (
	"time"

	"github.com/juju/errors"
)

// DefaultConnectTimeout is the connect timeout a new socket starts with
// until the option is changed.
const DefaultConnectTimeout = 3000 * time.Millisecond

// Option enumerates the per-socket options reachable through SetOption and
// GetOption.
type Option int

const (
	// OptionConnectTimeout (time.Duration) bounds a connection attempt.
	OptionConnectTimeout Option = iota + 1
	// OptionRecvBlocking (bool) makes Connect and Recv block until done.
	OptionRecvBlocking
	// OptionSendBlocking (bool) makes Send block when the send path is
	// congested.
	OptionSendBlocking
	// OptionRendezvous (bool) makes Connect negotiate with a peer that is
	// simultaneously connecting back, without a listener.
	OptionRendezvous
	// OptionTSBPD (bool) enables timestamp-based packet delivery on the
	// receive path.
	OptionTSBPD
	// OptionSender (bool) marks the socket as sender-only.
	OptionSender
)

func (o Option) String() string {
	switch o {
	case OptionConnectTimeout:
		return "connect_timeout"
	case OptionRecvBlocking:
		return "recv_blocking"
	case OptionSendBlocking:
		return "send_blocking"
	case OptionRendezvous:
		return "rendezvous"
	case OptionTSBPD:
		return "tsbpd"
	case OptionSender:
		return "sender"
	default:
		return "unknown"
	}
}

// options is the per-socket option record, guarded by the socket mutex.
type options struct {
	connectTimeout time.Duration
	recvBlocking   bool
	sendBlocking   bool
	rendezvous     bool
	tsbpd          bool
	sender         bool
}

func defaultOptions() options {
	return options{
		connectTimeout: DefaultConnectTimeout,
		recvBlocking:   true,
		sendBlocking:   true,
		rendezvous:     false,
		tsbpd:          false,
		sender:         false,
	}
}

var errUnknownOption = errors.New("unknown option")

// SetOption sets an option by its identifier. OptionConnectTimeout takes a
// time.Duration, all other options take a bool. The connect timeout cannot
// be changed while a connection attempt is in flight because the deadline
// was already armed.
func (s *Socket) SetOption(opt Option, value interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch opt {
	case OptionConnectTimeout:
		d, ok := value.(time.Duration)
		if !ok || d <= 0 {
			return errors.Annotatef(ErrInvalidOptionValue, "option: %s", opt)
		}

		if s.status == StatusConnecting {
			return errors.Annotatef(ErrConnectInProgress, "set option: %s", opt)
		}

		s.opts.connectTimeout = d

		return nil
	case OptionRecvBlocking, OptionSendBlocking, OptionRendezvous, OptionTSBPD, OptionSender:
		b, ok := value.(bool)
		if !ok {
			return errors.Annotatef(ErrInvalidOptionValue, "option: %s", opt)
		}

		switch opt {
		case OptionRecvBlocking:
			s.opts.recvBlocking = b
		case OptionSendBlocking:
			s.opts.sendBlocking = b
		case OptionRendezvous:
			s.opts.rendezvous = b
		case OptionTSBPD:
			s.opts.tsbpd = b
		case OptionSender:
			s.opts.sender = b
		case OptionConnectTimeout:
			// Handled above.
		}

		return nil
	default:
		return errors.Annotatef(errUnknownOption, "option: %d", opt)
	}
}

// GetOption returns the current value of an option.
func (s *Socket) GetOption(opt Option) (interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch opt {
	case OptionConnectTimeout:
		return s.opts.connectTimeout, nil
	case OptionRecvBlocking:
		return s.opts.recvBlocking, nil
	case OptionSendBlocking:
		return s.opts.sendBlocking, nil
	case OptionRendezvous:
		return s.opts.rendezvous, nil
	case OptionTSBPD:
		return s.opts.tsbpd, nil
	case OptionSender:
		return s.opts.sender, nil
	default:
		return nil, errors.Annotatef(errUnknownOption, "option: %d", opt)
	}
}

// ConnectTimeout returns the configured connect timeout.
func (s *Socket) ConnectTimeout() time.Duration {
	s.mu.Lock()
	d := s.opts.connectTimeout
	s.mu.Unlock()

	return d
}

// SetConnectTimeout is a typed shorthand for SetOption(OptionConnectTimeout).
func (s *Socket) SetConnectTimeout(d time.Duration) error {
	return errors.Trace(s.SetOption(OptionConnectTimeout, d))
}

// SetBlocking configures the receive and send blocking-mode flags in one
// call. Receive blocking controls whether Connect waits for the attempt to
// finish.
func (s *Socket) SetBlocking(recv, send bool) error {
	if err := s.SetOption(OptionRecvBlocking, recv); err != nil {
		return errors.Trace(err)
	}

	return errors.Trace(s.SetOption(OptionSendBlocking, send))
}
