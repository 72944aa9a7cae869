/*
NAME
  capture.go

DESCRIPTION
  capture.go implements the concurrent capture pipeline: a UDP receiver
  feeds a bounded queue, and an assembler drains the queue, runs the
  frame synchronizer, and dispatches completed frames to a sink.

AUTHOR
  Dan Kortschak <dan@ausocean.org>

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package capture implements the UDP receiver, bounded queue, and frame
// assembler that make up the LiDAR capture pipeline.
package capture

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ausocean/lidargrab/capture/config"
	"github.com/ausocean/lidargrab/framesync"
	"github.com/ausocean/lidargrab/hword"
	"github.com/ausocean/lidargrab/synth"
)

// maxDatagramSize bounds a single UDP read; the wire protocol's
// datagrams are at most 4096 bytes (spec §6).
const maxDatagramSize = 4096

// Stats is a point-in-time snapshot of the pipeline's observable
// counters, combining the receiver's wire-level counts with the sync
// engine's frame-level counts.
type Stats struct {
	Packets           uint64
	Bytes             uint64
	QueueDrops        uint64
	ParityDrops       uint64
	FramesCompleted   uint64
	SyncErrors        uint64
	HeaderIndexErrors uint64
}

// Pipeline owns the UDP receiver and frame assembler and coordinates
// their startup and shutdown.
type Pipeline struct {
	cfg  config.Config
	sink Sink

	conn   *net.UDPConn
	source *synth.Source
	wg     sync.WaitGroup

	queue chan []byte
	stop  chan struct{}

	running int32

	packets     uint64
	bytes       uint64
	queueDrops  uint64
	parityDrops uint64

	engine *framesync.Engine
}

// NewPipeline returns a Pipeline bound to cfg's UDP address, writing
// completed frames to sink. cfg must already be Validate'd.
func NewPipeline(cfg config.Config, sink Sink) *Pipeline {
	return &Pipeline{
		cfg:   cfg,
		sink:  sink,
		queue: make(chan []byte, cfg.QueueCapacity),
		stop:  make(chan struct{}),
		engine: framesync.New(cfg.Logger,
			framesync.MaxFrameHWords(cfg.MaxFrameHWords),
			framesync.StrictControlCodes(cfg.StrictControlCodes),
		),
	}
}

// Start binds the UDP socket and launches the receiver and assembler
// goroutines. It returns once the socket is bound; the workers continue
// running until Stop is called.
func (p *Pipeline) Start() error {
	addr := &net.UDPAddr{IP: net.ParseIP(p.cfg.BindAddr), Port: int(p.cfg.Port)}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("capture: binding %s:%d: %w", p.cfg.BindAddr, p.cfg.Port, err)
	}
	if err := conn.SetReadBuffer(p.cfg.ReceiveBufferBytes); err != nil {
		p.cfg.Logger.Warning("could not set UDP receive buffer size", "error", err.Error())
	}
	p.conn = conn

	atomic.StoreInt32(&p.running, 1)

	p.wg.Add(2)
	go p.receive()
	go p.assemble()

	p.cfg.Logger.Info("capture pipeline started", "bind", p.cfg.BindAddr, "port", p.cfg.Port, "sink", p.cfg.Sink.String())
	return nil
}

// StartSynthetic launches the assembler and src in place of a bound UDP
// socket, so the pipeline can be exercised end-to-end without an
// attached instrument (spec §4.5). src feeds the same bounded queue a
// real receiver would, through Feed.
func (p *Pipeline) StartSynthetic(src *synth.Source) error {
	p.source = src
	atomic.StoreInt32(&p.running, 1)

	p.wg.Add(1)
	go p.assemble()
	if err := src.Start(p.Feed); err != nil {
		return fmt.Errorf("capture: starting synthetic source: %w", err)
	}

	p.cfg.Logger.Info("capture pipeline started with synthetic source", "num_pixels", src.NumPixels, "sink", p.cfg.Sink.String())
	return nil
}

// Feed attempts a non-blocking enqueue of pkt onto the bounded queue,
// matching the receiver's own try-send semantics. It is exported for
// synth.Source, which injects pre-chunked frame bytes the same way a
// UDP datagram would arrive.
func (p *Pipeline) Feed(pkt []byte) bool {
	select {
	case p.queue <- pkt:
		atomic.AddUint64(&p.packets, 1)
		atomic.AddUint64(&p.bytes, uint64(len(pkt)))
		return true
	default:
		atomic.AddUint64(&p.queueDrops, 1)
		p.cfg.Logger.Error("capture queue full, dropping synthetic chunk", "bytes", len(pkt))
		return false
	}
}

// Stop signals both workers to exit, waits for them to finish, and
// closes the socket and sink.
func (p *Pipeline) Stop() {
	if !atomic.CompareAndSwapInt32(&p.running, 1, 0) {
		return
	}
	if p.source != nil {
		p.source.Stop()
	}
	close(p.stop)
	if p.conn != nil {
		p.conn.Close()
	}
	p.wg.Wait()
	if err := p.sink.Close(); err != nil {
		p.cfg.Logger.Error("error closing sink", "error", err.Error())
	}
	p.cfg.Logger.Info("capture pipeline stopped", "stats", fmt.Sprintf("%+v", p.Stats()))
}

// Stats returns a snapshot of the pipeline's counters.
func (p *Pipeline) Stats() Stats {
	frames, syncErrs, headerErrs := p.engine.Stats()
	return Stats{
		Packets:           atomic.LoadUint64(&p.packets),
		Bytes:             atomic.LoadUint64(&p.bytes),
		QueueDrops:        atomic.LoadUint64(&p.queueDrops),
		ParityDrops:       atomic.LoadUint64(&p.parityDrops),
		FramesCompleted:   frames,
		SyncErrors:        syncErrs,
		HeaderIndexErrors: headerErrs,
	}
}

// receive blocks on UDP reads bounded by cfg.ReadTimeout, copying each
// datagram onto the heap and attempting a non-blocking enqueue to the
// bounded queue. A full queue drops the datagram and counts it.
func (p *Pipeline) receive() {
	defer p.wg.Done()

	buf := make([]byte, maxDatagramSize)
	start := time.Now()
	var lastLog uint64

	for {
		select {
		case <-p.stop:
			return
		default:
		}

		p.conn.SetReadDeadline(time.Now().Add(p.cfg.ReadTimeout))
		n, _, err := p.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-p.stop:
				return
			default:
			}
			p.cfg.Logger.Warning("udp read error", "error", err.Error())
			continue
		}
		if n == 0 {
			continue
		}

		pkt := make([]byte, n)
		copy(pkt, buf[:n])

		select {
		case p.queue <- pkt:
		default:
			atomic.AddUint64(&p.queueDrops, 1)
			p.cfg.Logger.Error("capture queue full, dropping packet", "bytes", n)
			continue
		}

		packets := atomic.AddUint64(&p.packets, 1)
		total := atomic.AddUint64(&p.bytes, uint64(n))

		if packets-lastLog >= uint64(p.cfg.StatsIntervalPackets) {
			lastLog = packets
			elapsed := time.Since(start).Seconds()
			var mbps float64
			if elapsed > 0 {
				mbps = float64(total) * 8 / elapsed / 1e6
			}
			p.cfg.Logger.Info("capture progress", "packets", packets, "bytes", total, "mbps", mbps)
		}
	}
}

// assemble drains the queue, appends each packet's bytes to a
// continuous scratch buffer, feeds strict 12-byte prefixes to the sync
// engine, and dispatches each completed frame to the sink.
func (p *Pipeline) assemble() {
	defer p.wg.Done()

	var scratch []byte
	for {
		var pkt []byte
		select {
		case pkt = <-p.queue:
		case <-p.stop:
			p.drainQueue(&scratch)
			p.finish(scratch)
			return
		case <-time.After(p.cfg.ReadTimeout):
			continue
		}

		scratch = append(scratch, pkt...)
		for len(scratch) >= hword.Bytes {
			chunk := scratch[:hword.Bytes]
			scratch = scratch[hword.Bytes:]

			if p.cfg.DropParityErrors {
				if h, err := hword.Parse(chunk); err == nil && !hword.VerifyParity(h) {
					atomic.AddUint64(&p.parityDrops, 1)
					p.cfg.Logger.Warning("dropping HWORD failing parity check", "control", h.Control.String())
					continue
				}
			}

			frame, done := p.engine.Process(chunk)
			if done {
				if err := p.sink.Write(frame); err != nil {
					p.cfg.Logger.Error("sink write failed", "error", err.Error())
				}
			}
		}
	}
}

// drainQueue empties any packets still buffered in the queue after the
// stop signal, appending their bytes to scratch, per the shutdown
// protocol's "assembler drains remaining bytes" step.
func (p *Pipeline) drainQueue(scratch *[]byte) {
	for {
		select {
		case pkt := <-p.queue:
			*scratch = append(*scratch, pkt...)
		default:
			return
		}
	}
}

// finish writes any bytes still inside the sync engine's in-progress
// frame buffer, plus any trailing sub-HWORD remainder in scratch, as an
// incomplete frame, if the sink supports it.
func (p *Pipeline) finish(scratch []byte) {
	partial := p.engine.CurrentBuffer()
	if len(partial) == 0 && len(scratch) == 0 {
		return
	}
	if w, ok := p.sink.(IncompleteWriter); ok {
		data := make([]byte, 0, len(partial)+len(scratch))
		data = append(data, partial...)
		data = append(data, scratch...)
		if err := w.WriteIncomplete(data); err != nil {
			p.cfg.Logger.Error("failed writing incomplete frame", "error", err.Error())
		}
	}
}
