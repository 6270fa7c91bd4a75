// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package reactor

import (
	"fmt"
	"time"

	"github.com/joeycumines/logiface"
)

// Defaults applied by [DefaultConfig].
const (
	DefaultReadBufferSize   = 64 * 1024
	DefaultMaxReadsPerEvent = 32
	DefaultMaxEvents        = 1024
	DefaultListenBacklog    = 128
)

// Config is the complete configuration of a [Loop]. It is built from
// [DefaultConfig] and the [LoopOption] values passed to [New].
type Config struct {
	// Logger receives the loop's diagnostics. Nil disables logging.
	Logger *logiface.Logger[logiface.Event]

	// Poller overrides the native poller. Nil selects epoll or kqueue.
	Poller Poller

	// WarnRates throttles repeated warnings per category (e.g. accept
	// failures per listener), in the format accepted by go-catrate. Empty disables
	// throttling.
	WarnRates map[time.Duration]int

	// ReadBufferSize is the size of the loop's shared read buffer, which
	// bounds the data delivered by a single read callback.
	ReadBufferSize int

	// MaxReadsPerEvent bounds the reads performed for one readiness
	// notification, so a busy stream cannot starve its siblings.
	MaxReadsPerEvent int

	// MaxEvents bounds the readiness reports collected per wait.
	MaxEvents int

	// ListenBacklog is used by [Stream.Listen] when given a backlog <= 0.
	ListenBacklog int

	// Metrics enables collection of the statistics returned by
	// [Loop.Metrics].
	Metrics bool
}

// DefaultConfig returns the configuration used when no options are given.
func DefaultConfig() Config {
	return Config{
		WarnRates:        map[time.Duration]int{time.Second: 5, time.Minute: 60},
		ReadBufferSize:   DefaultReadBufferSize,
		MaxReadsPerEvent: DefaultMaxReadsPerEvent,
		MaxEvents:        DefaultMaxEvents,
		ListenBacklog:    DefaultListenBacklog,
	}
}

func (c *Config) validate() error {
	switch {
	case c.ReadBufferSize <= 0:
		return fmt.Errorf("reactor: invalid read buffer size: %d", c.ReadBufferSize)
	case c.MaxReadsPerEvent <= 0:
		return fmt.Errorf("reactor: invalid max reads per event: %d", c.MaxReadsPerEvent)
	case c.MaxEvents <= 0:
		return fmt.Errorf("reactor: invalid max events: %d", c.MaxEvents)
	case c.ListenBacklog <= 0:
		return fmt.Errorf("reactor: invalid listen backlog: %d", c.ListenBacklog)
	}
	for d, n := range c.WarnRates {
		if d <= 0 || n <= 0 {
			return fmt.Errorf("reactor: invalid warn rate: %d per %s", n, d)
		}
	}
	return nil
}

// --- Loop Options ---

// LoopOption configures a Loop instance.
type LoopOption interface {
	applyLoop(*Config) error
}

// loopOptionImpl implements LoopOption.
type loopOptionImpl struct {
	applyLoopFunc func(*Config) error
}

func (l *loopOptionImpl) applyLoop(cfg *Config) error {
	return l.applyLoopFunc(cfg)
}

// WithConfig replaces the whole configuration. Options after it still
// apply. Zero numeric fields keep their defaults.
func WithConfig(config Config) LoopOption {
	return &loopOptionImpl{func(cfg *Config) error {
		defaults := DefaultConfig()
		if config.ReadBufferSize == 0 {
			config.ReadBufferSize = defaults.ReadBufferSize
		}
		if config.MaxReadsPerEvent == 0 {
			config.MaxReadsPerEvent = defaults.MaxReadsPerEvent
		}
		if config.MaxEvents == 0 {
			config.MaxEvents = defaults.MaxEvents
		}
		if config.ListenBacklog == 0 {
			config.ListenBacklog = defaults.ListenBacklog
		}
		*cfg = config
		return nil
	}}
}

// WithLogger sets the structured logger used by the loop.
func WithLogger(logger *logiface.Logger[logiface.Event]) LoopOption {
	return &loopOptionImpl{func(cfg *Config) error {
		cfg.Logger = logger
		return nil
	}}
}

// WithPoller replaces the native poller. The loop takes ownership, and
// closes it on [Loop.Close].
func WithPoller(poller Poller) LoopOption {
	return &loopOptionImpl{func(cfg *Config) error {
		cfg.Poller = poller
		return nil
	}}
}

// WithMetrics enables runtime metrics collection on the Loop.
// When enabled, metrics can be accessed via [Loop.Metrics].
func WithMetrics(enabled bool) LoopOption {
	return &loopOptionImpl{func(cfg *Config) error {
		cfg.Metrics = enabled
		return nil
	}}
}

// WithReadBufferSize sets [Config.ReadBufferSize].
func WithReadBufferSize(size int) LoopOption {
	return &loopOptionImpl{func(cfg *Config) error {
		if size <= 0 {
			return fmt.Errorf("reactor: invalid read buffer size: %d", size)
		}
		cfg.ReadBufferSize = size
		return nil
	}}
}

// WithMaxReadsPerEvent sets [Config.MaxReadsPerEvent].
func WithMaxReadsPerEvent(n int) LoopOption {
	return &loopOptionImpl{func(cfg *Config) error {
		if n <= 0 {
			return fmt.Errorf("reactor: invalid max reads per event: %d", n)
		}
		cfg.MaxReadsPerEvent = n
		return nil
	}}
}

// WithMaxEvents sets [Config.MaxEvents].
func WithMaxEvents(n int) LoopOption {
	return &loopOptionImpl{func(cfg *Config) error {
		if n <= 0 {
			return fmt.Errorf("reactor: invalid max events: %d", n)
		}
		cfg.MaxEvents = n
		return nil
	}}
}

// WithListenBacklog sets [Config.ListenBacklog].
func WithListenBacklog(n int) LoopOption {
	return &loopOptionImpl{func(cfg *Config) error {
		if n <= 0 {
			return fmt.Errorf("reactor: invalid listen backlog: %d", n)
		}
		cfg.ListenBacklog = n
		return nil
	}}
}

// WithWarnRates sets [Config.WarnRates]. Nil disables throttling.
func WithWarnRates(rates map[time.Duration]int) LoopOption {
	return &loopOptionImpl{func(cfg *Config) error {
		cfg.WarnRates = rates
		return nil
	}}
}

// resolveLoopOptions applies LoopOption instances to the default Config.
func resolveLoopOptions(opts []LoopOption) (*Config, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyLoop(&cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
