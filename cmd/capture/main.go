/*
NAME
  main.go

DESCRIPTION
  capture is the command-line front end for the LiDAR capture pipeline:
  a "capture" subcommand that runs the UDP receiver / assembler / sink
  pipeline until interrupted, and a "config" subcommand that writes a
  default TOML configuration document to disk.

AUTHOR
  Dan Kortschak <dan@ausocean.org>

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Command capture is the command-line front end for the LiDAR capture
// pipeline.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/ausocean/utils/logging"

	"github.com/ausocean/lidargrab/capture"
	"github.com/ausocean/lidargrab/capture/config"
	"github.com/ausocean/lidargrab/synth"
)

// Logging configuration, matching the teacher's cmd/rv logger setup.
const (
	logPath      = "capture.log"
	logMaxSizeMB = 100
	logMaxBackup = 5
	logMaxAgeDay = 28
	logSuppress  = true
)

func main() {
	app := &cli.App{
		Name:  "capture",
		Usage: "capture and decode LiDAR HWORD frames",
		Commands: []*cli.Command{
			captureCommand(),
			configCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func captureCommand() *cli.Command {
	return &cli.Command{
		Name:  "capture",
		Usage: "run the capture pipeline until interrupted",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "bind-addr", Value: config.DefaultBindAddr, Usage: "UDP address to bind"},
			&cli.IntFlag{Name: "port", Value: config.DefaultPort, Usage: "UDP port to bind"},
			&cli.StringFlag{Name: "output-dir", Value: config.DefaultOutputDir, Usage: "session output root"},
			&cli.StringFlag{Name: "config", Usage: "load settings from a TOML config file"},
			&cli.BoolFlag{Name: "live", Usage: "stream frames to stdout instead of writing files"},
			&cli.BoolFlag{Name: "decode", Usage: "with --live, decode frames to JSON instead of raw binary"},
			&cli.BoolFlag{Name: "debug", Usage: "enable debug-level logging"},
			&cli.BoolFlag{Name: "synthetic", Usage: "drive the pipeline from the synthetic source instead of a UDP socket"},
			&cli.IntFlag{Name: "synthetic-pixels", Value: synth.DefaultNumPixels, Usage: "pixel count per synthetic frame"},
		},
		Action: runCapture,
	}
}

func configCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "write a default configuration document",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "output", Required: true, Usage: "path to write the TOML config document to"},
		},
		Action: func(c *cli.Context) error {
			cfg := config.New()
			if err := config.Save(c.String("output"), cfg); err != nil {
				return err
			}
			fmt.Println("wrote default configuration to", c.String("output"))
			return nil
		},
	}
}

func runCapture(c *cli.Context) error {
	cfg := config.New()
	if path := c.String("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	if c.IsSet("bind-addr") {
		cfg.BindAddr = c.String("bind-addr")
	}
	if c.IsSet("port") {
		cfg.Port = uint16(c.Int("port"))
	}
	if c.IsSet("output-dir") {
		cfg.OutputDir = c.String("output-dir")
	}
	cfg.Live = c.Bool("live")
	cfg.Decode = c.Bool("decode")
	if c.Bool("synthetic") {
		cfg.UseSyntheticSource = true
	}
	if c.IsSet("synthetic-pixels") {
		cfg.SyntheticNumPixels = c.Int("synthetic-pixels")
	}

	level := logging.Info
	if c.Bool("debug") {
		level = logging.Debug
	}
	fileLog := &lumberjack.Logger{
		Filename:   logPath,
		MaxSize:    logMaxSizeMB,
		MaxBackups: logMaxBackup,
		MaxAge:     logMaxAgeDay,
	}
	cfg.Logger = logging.New(level, fileLog, logSuppress)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("capture: invalid configuration: %w", err)
	}

	sink, err := buildSink(cfg)
	if err != nil {
		return err
	}

	pipeline := capture.NewPipeline(cfg, sink)

	if cfg.UseSyntheticSource {
		src := synth.New(cfg.SyntheticNumPixels, cfg.SyntheticRate, cfg.Logger)
		if err := pipeline.StartSynthetic(src); err != nil {
			return fmt.Errorf("capture: starting synthetic pipeline: %w", err)
		}
	} else {
		if err := pipeline.Start(); err != nil {
			return fmt.Errorf("capture: starting pipeline: %w", err)
		}
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	cfg.Logger.Info("shutdown signal received")
	pipeline.Stop()
	time.Sleep(50 * time.Millisecond) // let the logger flush final stats.
	return nil
}

func buildSink(cfg config.Config) (capture.Sink, error) {
	switch cfg.Sink {
	case config.SinkFile:
		return capture.NewFileSink(cfg.OutputDir, cfg.Logger)
	case config.SinkStdoutBinary:
		return capture.NewBinarySink(os.Stdout), nil
	case config.SinkStdoutJSON:
		return capture.NewJSONSink(os.Stdout), nil
	default:
		return nil, fmt.Errorf("capture: unknown sink %v", cfg.Sink)
	}
}
