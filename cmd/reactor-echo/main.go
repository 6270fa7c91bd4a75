// Command reactor-echo is an echo server built on the reactor package.
//
// Usage:
//
//	reactor-echo [-config file.toml] [-tcp 127.0.0.1:7000 | -pipe /tmp/echo.sock] [-log-level debug]
//
// Flags override values read from the config file. Logs are written to
// stderr as JSON.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"github.com/joeycumines/go-reactor"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stderr io.Writer) error {
	cfg := defaultConfig()

	fs := flag.NewFlagSet(`reactor-echo`, flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String(`config`, ``, `path to a TOML config file`)
	tcpAddr := fs.String(`tcp`, ``, `TCP address to listen on`)
	pipeName := fs.String(`pipe`, ``, `unix socket path to listen on`)
	logLevel := fs.String(`log-level`, ``, `log level`)
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *configPath != `` {
		if err := loadConfig(*configPath, &cfg); err != nil {
			return err
		}
	}
	if *tcpAddr != `` {
		cfg.TCP, cfg.Pipe = *tcpAddr, ``
	}
	if *pipeName != `` {
		cfg.Pipe, cfg.TCP = *pipeName, ``
	}
	if *logLevel != `` {
		cfg.LogLevel = *logLevel
	}
	if err := cfg.validate(); err != nil {
		return err
	}

	level, _ := parseLevel(cfg.LogLevel)
	logger := stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(stderr)),
		stumpy.L.WithLevel(level),
	).Logger()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(ctx, &cfg, logger)
}

// serve runs the echo server until ctx is done.
func serve(ctx context.Context, cfg *config, logger *logiface.Logger[logiface.Event]) error {
	loop, err := reactor.New(append(cfg.loopOptions(), reactor.WithLogger(logger))...)
	if err != nil {
		return err
	}
	defer func() {
		if err := loop.Close(); err != nil {
			logger.Err().Err(err).Log(`loop close failed`)
		}
	}()

	server, err := listen(loop, cfg)
	if err != nil {
		return err
	}

	if err := server.Listen(cfg.Backlog, func(server, client *reactor.Stream, err error) {
		if err != nil {
			logger.Warning().Err(err).Log(`accept failed`)
			return
		}
		if tcp, ok := client.TCP(); ok {
			if err := tcp.NoDelay(cfg.NoDelay); err != nil {
				logger.Warning().Err(err).Log(`set nodelay failed`)
			}
			if cfg.KeepAliveSeconds > 0 {
				if err := tcp.KeepAlive(true, cfg.keepAlive()); err != nil {
					logger.Warning().Err(err).Log(`set keepalive failed`)
				}
			}
		}
		if err := client.ReadStart(echo(logger)); err != nil {
			logger.Warning().Err(err).Log(`read start failed`)
			_ = client.Close(reactor.NopClose)
		}
	}); err != nil {
		return err
	}

	logger.Info().
		Str(`tcp`, cfg.TCP).
		Str(`pipe`, cfg.Pipe).
		Log(`echo server started`)

	err = loop.Run(ctx, reactor.RunDefault)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	b := logger.Info()
	if stats := loop.Metrics(); stats != nil {
		b = b.Uint64(`iterations`, stats.Iterations).
			Dur(`dispatch_p99`, stats.Dispatch.P99).
			Int(`pending_max`, stats.Pending.Max).
			Uint64(`io_callbacks`, stats.Callbacks.IO)
	}
	b.Log(`echo server stopped`)
	return err
}

func listen(loop *reactor.Loop, cfg *config) (*reactor.Stream, error) {
	if cfg.Pipe != `` {
		server, err := loop.NewPipe()
		if err != nil {
			return nil, err
		}
		pipe, _ := server.Pipe()
		return server, pipe.Bind(cfg.Pipe)
	}
	addr, err := netip.ParseAddrPort(cfg.TCP)
	if err != nil {
		return nil, err
	}
	server, err := loop.NewTCP()
	if err != nil {
		return nil, err
	}
	tcp, _ := server.TCP()
	return server, tcp.Bind(addr, addr.Addr().Is6())
}

// echo writes everything read back to the peer, then shuts down and closes
// the connection on end-of-stream.
func echo(logger *logiface.Logger[logiface.Event]) reactor.ReadCallback {
	return func(s *reactor.Stream, result reactor.ReadResult) {
		switch {
		case result.EOF():
			if err := s.Shutdown(func(s *reactor.Stream, err error) {
				_ = s.Close(reactor.NopClose)
			}); err != nil {
				_ = s.Close(reactor.NopClose)
			}
		case result.Err != nil:
			logger.Debug().Err(result.Err).Log(`read failed`)
			_ = s.Close(reactor.NopClose)
		default:
			// the read buffer is reused once this callback returns
			buf := append([]byte(nil), result.Data...)
			if err := s.Write(buf, func(s *reactor.Stream, err error) {
				if err != nil {
					logger.Debug().Err(err).Log(`write failed`)
					_ = s.Close(reactor.NopClose)
				}
			}); err != nil {
				_ = s.Close(reactor.NopClose)
			}
		}
	}
}
