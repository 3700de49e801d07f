package main

import (
	"context"
	"os"

	"github.com/juju/errors"
	"github.com/pion/logging"
	"github.com/spf13/pflag"

	"github.com/udx-project/udx/internal/command"
)

const gitDescribe string = "v0.0.0"

func newLoggerFactory() *logging.DefaultLoggerFactory {
	f := logging.NewDefaultLoggerFactory()

	switch os.Getenv("UDX_LOG") {
	case "trace":
		f.DefaultLogLevel = logging.LogLevelTrace
	case "debug":
		f.DefaultLogLevel = logging.LogLevelDebug
	case "info":
		f.DefaultLogLevel = logging.LogLevelInfo
	case "warn":
		f.DefaultLogLevel = logging.LogLevelWarn
	case "error":
		f.DefaultLogLevel = logging.LogLevelError
	}

	return f
}

func newRootCmd(log logging.LeveledLogger, loggerFactory logging.LoggerFactory) *command.Command {
	return command.New(command.Params{
		Name: "udx",
		Desc: "udx is a connection-oriented datagram transport.",
		SubCommands: []*command.Command{
			newListenCmd(log, loggerFactory),
			newDialCmd(log, loggerFactory),
			newVersionCmd(),
		},
	})
}

func main() {
	loggerFactory := newLoggerFactory()
	log := loggerFactory.NewLogger("udx_main")

	cmd := newRootCmd(log, loggerFactory)

	err := cmd.Exec(context.Background(), os.Args[1:])

	if errors.Cause(err) == pflag.ErrHelp {
		os.Exit(1)
	} else if err != nil {
		log.Errorf("command error: %s", errors.ErrorStack(err))
		os.Exit(1)
	}
}
