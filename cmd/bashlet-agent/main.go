// Command bashlet-agent runs inside a microVM and executes commands sent
// by the host over vsock.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bashlet/bashlet/internal/agentproto"
	"github.com/bashlet/bashlet/internal/guest"
	"github.com/bashlet/bashlet/internal/logging"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

func main() {
	var (
		port     uint32
		socket   string
		logLevel string
	)
	pflag.Uint32Var(&port, "vsock-port", agentproto.Port, "vsock port to listen on")
	pflag.StringVar(&socket, "unix", "", "listen on a unix socket instead of vsock (for testing)")
	pflag.StringVar(&logLevel, "log-level", "info", "log level")
	pflag.Parse()

	log := logging.Component(logging.New(logLevel, os.Stderr), "agent")
	pid1 := os.Getpid() == 1

	if pid1 {
		if err := guest.InitSystem(); err != nil {
			log.Error().Err(err).Msg("init failed")
		}
	}

	err := serve(log, port, socket)
	if err != nil {
		log.Error().Err(err).Msg("agent stopped")
	}
	if pid1 {
		// PID 1 must not exit; halt the machine instead.
		if err := guest.PowerOff(); err != nil {
			log.Error().Err(err).Msg("power off failed")
		}
		for {
			time.Sleep(time.Hour)
		}
	}
	if err != nil {
		os.Exit(1)
	}
}

func serve(log zerolog.Logger, port uint32, socket string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		ln  guest.Listener
		err error
	)
	if socket != "" {
		ln, err = guest.ListenUnix(socket)
	} else {
		ln, err = guest.ListenVsock(port)
	}
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	return guest.NewAgent(log).Serve(ctx, ln)
}
