package main

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joeycumines/go-reactor"
	"github.com/joeycumines/logiface"
)

// config is the echo server configuration, as read from a TOML file.
type config struct {
	// TCP is the address to listen on, e.g. "127.0.0.1:7000".
	TCP string `toml:"tcp"`
	// Pipe is the unix socket path to listen on.
	Pipe string `toml:"pipe"`
	// LogLevel is one of the syslog level names, e.g. "info", "debug".
	LogLevel string `toml:"log_level"`

	Backlog          int  `toml:"backlog"`
	ReadBufferSize   int  `toml:"read_buffer_size"`
	MaxReadsPerEvent int  `toml:"max_reads_per_event"`
	MaxEvents        int  `toml:"max_events"`
	KeepAliveSeconds int  `toml:"keep_alive_seconds"`
	NoDelay          bool `toml:"no_delay"`
	// Metrics enables loop statistics, logged when the server stops.
	Metrics bool `toml:"metrics"`
}

func defaultConfig() config {
	return config{LogLevel: `info`}
}

// loadConfig overlays the TOML file at path onto cfg. Unknown keys are
// rejected.
func loadConfig(path string, cfg *config) error {
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf(`config %s: %w`, path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf(`config %s: unknown keys: %s`, path, strings.Join(keys, `, `))
	}
	return nil
}

func (c *config) validate() error {
	switch {
	case c.TCP == `` && c.Pipe == ``:
		return fmt.Errorf(`config: one of tcp or pipe is required`)
	case c.TCP != `` && c.Pipe != ``:
		return fmt.Errorf(`config: tcp and pipe are mutually exclusive`)
	case c.KeepAliveSeconds < 0:
		return fmt.Errorf(`config: invalid keep_alive_seconds: %d`, c.KeepAliveSeconds)
	}
	if c.TCP != `` {
		if _, err := netip.ParseAddrPort(c.TCP); err != nil {
			return fmt.Errorf(`config: invalid tcp address: %w`, err)
		}
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

func (c *config) keepAlive() time.Duration {
	return time.Duration(c.KeepAliveSeconds) * time.Second
}

// loopOptions maps the file settings onto loop options. Zero values keep
// the loop defaults.
func (c *config) loopOptions() []reactor.LoopOption {
	var opts []reactor.LoopOption
	if c.Backlog > 0 {
		opts = append(opts, reactor.WithListenBacklog(c.Backlog))
	}
	if c.ReadBufferSize > 0 {
		opts = append(opts, reactor.WithReadBufferSize(c.ReadBufferSize))
	}
	if c.MaxReadsPerEvent > 0 {
		opts = append(opts, reactor.WithMaxReadsPerEvent(c.MaxReadsPerEvent))
	}
	if c.MaxEvents > 0 {
		opts = append(opts, reactor.WithMaxEvents(c.MaxEvents))
	}
	if c.Metrics {
		opts = append(opts, reactor.WithMetrics(true))
	}
	return opts
}

func parseLevel(s string) (logiface.Level, error) {
	switch strings.ToLower(s) {
	case `disabled`, `off`:
		return logiface.LevelDisabled, nil
	case `emerg`, `emergency`:
		return logiface.LevelEmergency, nil
	case `alert`:
		return logiface.LevelAlert, nil
	case `crit`, `critical`:
		return logiface.LevelCritical, nil
	case `err`, `error`:
		return logiface.LevelError, nil
	case `warn`, `warning`:
		return logiface.LevelWarning, nil
	case `notice`:
		return logiface.LevelNotice, nil
	case `info`, `informational`, ``:
		return logiface.LevelInformational, nil
	case `debug`:
		return logiface.LevelDebug, nil
	case `trace`:
		return logiface.LevelTrace, nil
	default:
		return 0, fmt.Errorf(`config: unknown log level: %q`, s)
	}
}
