package main

import (
	"context"
	"net"
	"time"

	"github.com/juju/errors"
	"github.com/pion/logging"
	"github.com/spf13/pflag"

	"github.com/udx-project/udx"
	"github.com/udx-project/udx/internal/command"
)

type dialHandler struct {
	args struct {
		config      string
		timeout     time.Duration
		message     string
		count       int
		nonBlocking bool
	}

	log           logging.LeveledLogger
	loggerFactory logging.LoggerFactory
}

func (h *dialHandler) RegisterFlags(c *command.Command, flags *pflag.FlagSet) {
	flags.StringVarP(&h.args.config, "config", "c", "", "config file to use")
	flags.DurationVarP(&h.args.timeout, "timeout", "t", 0, "connect timeout, overrides config")
	flags.StringVarP(&h.args.message, "message", "m", "hello", "payload to send")
	flags.IntVarP(&h.args.count, "count", "n", 1, "number of round trips")
	flags.BoolVar(&h.args.nonBlocking, "non-blocking", false, "arm the connect and observe the outcome through a poller")
}

func (h *dialHandler) Handle(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return errors.New("usage: udx dial [OPTIONS] HOST:PORT")
	}

	raddr, err := net.ResolveUDPAddr("udp", args[0])
	if err != nil {
		return errors.Annotatef(err, "resolve: %s", args[0])
	}

	var configFiles []string
	if h.args.config != "" {
		configFiles = append(configFiles, h.args.config)
	}

	config, err := udx.ReadConfig(configFiles)
	if err != nil {
		return errors.Annotate(err, "read config")
	}

	timeout := config.ConnectTimeout.Duration()
	if h.args.timeout > 0 {
		timeout = h.args.timeout
	}

	stack, err := udx.New(udx.Params{
		LoggerFactory: h.loggerFactory,
		TickInterval:  config.TickInterval.Duration(),
		RetryInterval: config.RetryInterval.Duration(),
		MTU:           config.MTU,
	})
	if err != nil {
		return errors.Trace(err)
	}

	defer stack.Close()

	sock, err := stack.NewSocket()
	if err != nil {
		return errors.Trace(err)
	}

	defer sock.Close()

	if err := sock.SetConnectTimeout(timeout); err != nil {
		return errors.Trace(err)
	}

	go func() {
		<-ctx.Done()
		sock.Close()
	}()

	start := time.Now()

	if h.args.nonBlocking {
		if err := h.connectNonBlocking(stack, sock, raddr, timeout); err != nil {
			return errors.Trace(err)
		}
	} else if err := sock.Connect(raddr); err != nil {
		return errors.Annotatef(err, "connect %s", raddr)
	}

	h.log.Infof("connected to %s in %s", raddr, time.Since(start))

	buf := make([]byte, config.MTU)

	for i := 0; i < h.args.count; i++ {
		if _, err := sock.Send([]byte(h.args.message)); err != nil {
			return errors.Annotate(err, "send")
		}

		n, err := sock.Recv(buf)
		if err != nil {
			return errors.Annotate(err, "recv")
		}

		h.log.Infof("received %q", buf[:n])
	}

	return nil
}

// connectNonBlocking arms the attempt and waits for the outcome through a
// poller, the way a caller multiplexing many sockets would.
func (h *dialHandler) connectNonBlocking(stack *udx.Stack, sock *udx.Socket, raddr *net.UDPAddr, timeout time.Duration) error {
	if err := sock.SetBlocking(false, false); err != nil {
		return errors.Trace(err)
	}

	poll, err := stack.NewPoller()
	if err != nil {
		return errors.Trace(err)
	}

	defer poll.Release()

	if err := poll.Add(sock, udx.EventWrite|udx.EventError); err != nil {
		return errors.Trace(err)
	}

	if err := sock.Connect(raddr); err != nil {
		return errors.Annotatef(err, "connect %s", raddr)
	}

	res, err := poll.Wait(timeout + time.Second)
	if err != nil {
		return errors.Trace(err)
	}

	if res.Total() == 0 {
		return errors.Errorf("no readiness event within %s", timeout+time.Second)
	}

	if connectErr := sock.ConnectError(); connectErr != nil {
		return errors.Annotatef(connectErr, "connect %s", raddr)
	}

	return errors.Trace(sock.SetBlocking(true, true))
}

func newDialCmd(log logging.LeveledLogger, loggerFactory logging.LoggerFactory) *command.Command {
	h := &dialHandler{
		log:           log,
		loggerFactory: loggerFactory,
	}

	return command.New(command.Params{
		Name:         "dial",
		Desc:         "Connects to a listener and exchanges datagrams",
		FlagRegistry: h,
		Handler:      h,
	})
}
