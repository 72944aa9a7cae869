/*
NAME
  config.go

DESCRIPTION
  config.go provides the configuration settings for the capture pipeline.

AUTHOR
  Dan Kortschak <dan@ausocean.org>

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package config holds configuration for the capture pipeline, and its
// TOML on-disk representation.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"github.com/ausocean/utils/logging"
)

// Sink selects which output the assembler dispatches completed frames to.
type Sink int

// The sinks a capture session may write to. Mutually exclusive per
// invocation.
const (
	// SinkFile writes one .dsql file per frame to a timestamped session
	// directory.
	SinkFile Sink = iota
	// SinkStdoutBinary writes length-prefixed raw frame bytes to stdout.
	SinkStdoutBinary
	// SinkStdoutJSON writes one decoded JSON document per frame to stdout.
	SinkStdoutJSON
)

func (s Sink) String() string {
	switch s {
	case SinkFile:
		return "file"
	case SinkStdoutBinary:
		return "stdout-binary"
	case SinkStdoutJSON:
		return "stdout-json"
	default:
		return "unknown"
	}
}

// Defaults for Config fields not otherwise specified.
const (
	DefaultBindAddr       = "0.0.0.0"
	DefaultPort           = 12345
	DefaultOutputDir      = "./frames"
	DefaultQueueCapacity  = 10000
	DefaultMaxFrameHWords = 1_000_000
	DefaultReceiveBuffer  = 1 << 20 // 1 MiB.
	DefaultReadTimeout    = 100 * time.Millisecond
	DefaultStatsInterval  = 1000 // packets between progress logs.
	DefaultSyntheticRate  = 1 * time.Second
)

// Config provides parameters relevant to one capture session. Defaults
// are applied by New; a zero Config is not directly usable.
type Config struct {
	// BindAddr is the UDP address the receiver listens on.
	BindAddr string `toml:"bind_addr"`

	// Port is the UDP port the receiver listens on.
	Port uint16 `toml:"port"`

	// OutputDir is the root directory under which a timestamped session
	// directory is created when Sink is SinkFile.
	OutputDir string `toml:"output_dir"`

	// Sink selects the output the assembler writes completed frames to.
	Sink Sink `toml:"-"`

	// Live selects a stdout sink over the file sink; Decode, when Live is
	// set, selects the decoded-JSON form over the binary length-prefixed
	// form. Validate mirrors them onto Sink; see applySinkFlags. Sink,
	// Live and Decode are not read from or written to TOML.
	Live   bool `toml:"-"`
	Decode bool `toml:"-"`

	// QueueCapacity is the number of packet buffers the bounded capture
	// queue between receiver and assembler can hold before the receiver
	// starts dropping.
	QueueCapacity int `toml:"queue_capacity"`

	// MaxFrameHWords bounds the number of HWORDs a single in-progress
	// frame may accumulate before the sync engine force-discards it.
	MaxFrameHWords int `toml:"max_frame_hwords"`

	// DropParityErrors, when true, instructs the assembler to discard
	// HWORDs that fail odd-parity verification instead of merely
	// reporting them. Checked but not yet wired into the sync engine's
	// state transitions; see the open-question resolution in DESIGN.md.
	DropParityErrors bool `toml:"drop_parity_errors"`

	// StrictControlCodes, when true, rejects the reserved control codes
	// instead of silently ignoring them. Off by default.
	StrictControlCodes bool `toml:"strict_control_codes"`

	// ReceiveBufferBytes sets the UDP socket's receive buffer size.
	ReceiveBufferBytes int `toml:"receive_buffer_bytes"`

	// ReadTimeout bounds each blocking socket/queue read so that both
	// workers re-check the run signal regularly.
	ReadTimeout time.Duration `toml:"read_timeout"`

	// StatsIntervalPackets is the number of packets between progress log
	// lines from the receiver.
	StatsIntervalPackets int `toml:"stats_interval_packets"`

	// UseSyntheticSource, when true, drives the pipeline from an
	// in-process synthetic frame generator instead of a bound UDP
	// socket, for exercising the pipeline without an attached
	// instrument (spec §4.5).
	UseSyntheticSource bool `toml:"use_synthetic_source"`

	// SyntheticNumPixels is the pixel count per frame the synthetic
	// source emits; its NUM_PIXELS_RW register carries the low 16 bits
	// of this count.
	SyntheticNumPixels int `toml:"synthetic_num_pixels"`

	// SyntheticRate is the delay between frames the synthetic source
	// emits.
	SyntheticRate time.Duration `toml:"synthetic_rate"`

	// Logger holds an implementation of the Logger interface used
	// throughout the capture pipeline.
	Logger logging.Logger `toml:"-"`

	// LogLevel is the logging verbosity level passed to logging.New by
	// CLI entry points.
	LogLevel int8 `toml:"log_level"`
}

// New returns a Config with every field at its documented default.
func New() Config {
	return Config{
		BindAddr:             DefaultBindAddr,
		Port:                 DefaultPort,
		OutputDir:            DefaultOutputDir,
		Sink:                 SinkFile,
		QueueCapacity:        DefaultQueueCapacity,
		MaxFrameHWords:       DefaultMaxFrameHWords,
		ReceiveBufferBytes:   DefaultReceiveBuffer,
		ReadTimeout:          DefaultReadTimeout,
		StatsIntervalPackets: DefaultStatsInterval,
		SyntheticRate:        DefaultSyntheticRate,
		LogLevel:             int8(logging.Info),
	}
}

// Validate checks Config fields for consistency and fills in any
// zero-valued field with its default.
func (c *Config) Validate() error {
	if c.BindAddr == "" {
		c.BindAddr = DefaultBindAddr
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.OutputDir == "" {
		c.OutputDir = DefaultOutputDir
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	if c.MaxFrameHWords <= 0 {
		c.MaxFrameHWords = DefaultMaxFrameHWords
	}
	if c.ReceiveBufferBytes <= 0 {
		c.ReceiveBufferBytes = DefaultReceiveBuffer
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.StatsIntervalPackets <= 0 {
		c.StatsIntervalPackets = DefaultStatsInterval
	}
	if c.SyntheticRate <= 0 {
		c.SyntheticRate = DefaultSyntheticRate
	}
	c.applySinkFlags()
	if c.Logger == nil {
		return errors.New("config: Logger must be set")
	}
	return nil
}

// applySinkFlags derives Sink from the Live/Decode booleans the CLI
// populates: Live false means SinkFile; Live true and Decode false means
// SinkStdoutBinary; both true means SinkStdoutJSON.
func (c *Config) applySinkFlags() {
	switch {
	case !c.Live:
		c.Sink = SinkFile
	case c.Live && !c.Decode:
		c.Sink = SinkStdoutBinary
	case c.Live && c.Decode:
		c.Sink = SinkStdoutJSON
	}
}

// Load reads a Config from a TOML file at path. Fields absent from the
// file keep Go's zero value; callers should call Validate afterward to
// apply defaults.
func Load(path string) (Config, error) {
	var c Config
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return Config{}, errors.Wrapf(err, "config: decoding %s", path)
	}
	return c, nil
}

// Save writes a human-editable default Config document to path as TOML.
func Save(path string, c Config) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "config: creating %s", path)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(c); err != nil {
		return fmt.Errorf("config: encoding %s: %w", path, err)
	}
	return nil
}
