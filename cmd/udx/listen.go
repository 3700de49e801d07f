package main

import (
	"context"
	"net"
	"net/http"

	"github.com/juju/errors"
	"github.com/pion/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/udx-project/udx"
	"github.com/udx-project/udx/internal/command"
)

// listenHandler runs an echo server: every datagram received on an accepted
// socket is sent back to the peer.
type listenHandler struct {
	args struct {
		config string
		addr   string
	}

	log           logging.LeveledLogger
	loggerFactory logging.LoggerFactory
	config        udx.Config
}

func (h *listenHandler) RegisterFlags(c *command.Command, flags *pflag.FlagSet) {
	flags.StringVarP(&h.args.config, "config", "c", "", "config file to use")
	flags.StringVarP(&h.args.addr, "addr", "a", "", "bind address, overrides config (example: :5500)")
}

func (h *listenHandler) Handle(ctx context.Context, args []string) error {
	var configFiles []string
	if h.args.config != "" {
		configFiles = append(configFiles, h.args.config)
	}

	config, err := udx.ReadConfig(configFiles)
	if err != nil {
		return errors.Annotate(err, "read config")
	}

	h.config = config

	if addr := config.Prometheus.BindAddr; addr != "" {
		metricsListener, err := net.Listen("tcp", addr)
		if err != nil {
			return errors.Annotatef(err, "listen metrics: %q", addr)
		}

		h.log.Infof("metrics on %s", metricsListener.Addr())

		go func() {
			_ = http.Serve(metricsListener, promhttp.Handler())
		}()
	}

	stack, err := udx.New(udx.Params{
		LoggerFactory: h.loggerFactory,
		TickInterval:  config.TickInterval.Duration(),
		RetryInterval: config.RetryInterval.Duration(),
		MTU:           config.MTU,
		Registerer:    prometheus.DefaultRegisterer,
	})
	if err != nil {
		return errors.Trace(err)
	}

	defer stack.Close()

	laddr := &net.UDPAddr{
		IP:   net.ParseIP(h.config.BindHost),
		Port: h.config.BindPort,
	}

	if h.args.addr != "" {
		laddr, err = net.ResolveUDPAddr("udp", h.args.addr)
		if err != nil {
			return errors.Annotatef(err, "resolve: %s", h.args.addr)
		}
	}

	listener, err := stack.Listen(laddr)
	if err != nil {
		return errors.Annotate(err, "listen")
	}

	defer listener.Close()

	h.log.Infof("listening on %s", listener.Addr())

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		sock, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return errors.Annotate(err, "accept")
		}

		h.log.Infof("accepted socket %d from %s", sock.ID(), sock.RemoteAddr())

		go h.echo(sock)
	}
}

func (h *listenHandler) echo(sock *udx.Socket) {
	defer sock.Close()

	buf := make([]byte, h.config.MTU)

	for {
		i, err := sock.Recv(buf)
		if err != nil {
			h.log.Debugf("socket %d done: %s", sock.ID(), err)

			return
		}

		if _, err := sock.Send(buf[:i]); err != nil {
			h.log.Warnf("socket %d send: %s", sock.ID(), err)

			return
		}
	}
}

func newListenCmd(log logging.LeveledLogger, loggerFactory logging.LoggerFactory) *command.Command {
	h := &listenHandler{
		log:           log,
		loggerFactory: loggerFactory,
	}

	return command.New(command.Params{
		Name:         "listen",
		Desc:         "Accepts connections and echoes received datagrams",
		FlagRegistry: h,
		Handler:      h,
	})
}
