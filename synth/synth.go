/*
NAME
  synth.go

DESCRIPTION
  synth.go implements a synthetic HWORD frame generator used to exercise
  the capture pipeline without an attached instrument. It emits
  well-formed frames — correct header count, correct parity, and
  deterministic pixel values — at a configurable rate, and feeds them to
  the same bounded queue a UDP receiver would.

AUTHOR
  Dan Kortschak <dan@ausocean.org>

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package synth generates well-formed synthetic HWORD frames for
// exercising the capture pipeline without an attached instrument.
package synth

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ausocean/lidargrab/framesync"
	"github.com/ausocean/lidargrab/hword"
	"github.com/ausocean/utils/logging"
)

// DefaultNumPixels is the synthetic source's default imaging-mode pixel
// count per frame.
const DefaultNumPixels = 122000

// DefaultRate is the synthetic source's default frame emission rate.
const DefaultRate = 1 * time.Second

// maxPacketBytes bounds one feed call so the synthetic source
// packetizes its frames the way a UDP datagram would, rather than
// handing the assembler one enormous buffer per frame.
const maxPacketBytes = 4096

// Feed is called once per generated packet-sized chunk of HWORD bytes.
// It reports whether the chunk was accepted, mirroring the capture
// queue's try-send semantics; the source does not retry a rejected
// chunk.
type Feed func(pkt []byte) bool

// Source generates synthetic frames: one FirstHeader, 109
// SubsequentHeader (per the sync engine's fixed header count, resolving
// spec §9 Q2 by extending the source rather than relaxing the engine),
// then NumPixels pixel HWORDs with deterministic coordinates.
type Source struct {
	// NumPixels is the pixel HWORD count emitted for every frame.
	// NUM_PIXELS_RW is a 16-bit register and announces only the low 16
	// bits of it, so counts above 65535 are announced as a smaller value.
	NumPixels int
	// Rate is the delay between successive frames.
	Rate time.Duration

	log logging.Logger

	frameNum uint32
	running  int32
	stop     chan struct{}
	wg       sync.WaitGroup
}

// New returns a Source with the given pixel count and rate, logging
// through l.
func New(numPixels int, rate time.Duration, l logging.Logger) *Source {
	if numPixels <= 0 {
		numPixels = DefaultNumPixels
	}
	if rate <= 0 {
		rate = DefaultRate
	}
	return &Source{NumPixels: numPixels, Rate: rate, log: l}
}

// Start begins emitting frames at s.Rate, calling feed with each
// generated packet-sized chunk, until Stop is called. Start returns
// immediately; the generator runs on its own goroutine, following the
// AVDevice Start/Stop lifecycle this source is modeled on.
func (s *Source) Start(feed Feed) error {
	if !atomic.CompareAndSwapInt32(&s.running, 0, 1) {
		return nil
	}
	s.stop = make(chan struct{})
	s.wg.Add(1)
	go s.run(feed)
	s.log.Info("synthetic source started", "num_pixels", s.NumPixels, "rate", s.Rate.String())
	return nil
}

// Stop halts the generator and waits for it to exit.
func (s *Source) Stop() {
	if !atomic.CompareAndSwapInt32(&s.running, 1, 0) {
		return
	}
	close(s.stop)
	s.wg.Wait()
	s.log.Info("synthetic source stopped")
}

// IsRunning reports whether the generator goroutine is active.
func (s *Source) IsRunning() bool { return atomic.LoadInt32(&s.running) == 1 }

func (s *Source) run(feed Feed) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.Rate)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.emit(feed)
		}
	}
}

// emit generates one frame and hands it to feed in packet-sized chunks.
func (s *Source) emit(feed Feed) {
	frame := s.NextFrame()
	for off := 0; off < len(frame); off += maxPacketBytes {
		end := off + maxPacketBytes
		if end > len(frame) {
			end = len(frame)
		}
		if !feed(frame[off:end]) {
			s.log.Warning("synthetic source: chunk rejected by feed")
			return
		}
	}
	s.frameNum++
}

// NextFrame builds one complete, well-formed frame blob: 110 header
// HWORDs (the FirstHeader's NUM_PIXELS_RW lane set to the low 16 bits of
// s.NumPixels)
// followed by s.NumPixels pixel HWORDs, every HWORD carrying correct
// odd parity.
func (s *Source) NextFrame() []byte {
	out := make([]byte, 0, hword.Bytes*(framesync.HeaderHWordsPerFrame+s.NumPixels))
	for i := 0; i < framesync.HeaderHWordsPerFrame; i++ {
		h := buildHeader(i == 0, uint8(i%16), uint16(s.NumPixels))
		b := hword.Serialize(h)
		out = append(out, b[:]...)
	}
	for i := 0; i < s.NumPixels; i++ {
		h := buildPixel(i == 0, i)
		b := hword.Serialize(h)
		out = append(out, b[:]...)
	}
	return out
}

// buildHeader constructs one header HWORD. Register 1 mirrors the
// header index for traceability; register 2 is NUM_PIXELS_RW, required
// only on the FirstHeader but populated uniformly for simplicity.
func buildHeader(first bool, index uint8, numPixelsRW uint16) hword.HWord {
	var p hword.Payload
	registers := [5]uint16{0, uint16(index), numPixelsRW, 0, 0}
	for lane, r := range registers {
		setField(&p, uint(16*lane), 16, uint64(r))
	}
	setField(&p, 84, 4, uint64(index))
	ctrl := hword.SubsequentHeader
	if first {
		ctrl = hword.FirstHeader
	}
	return hword.WithParity(hword.HWord{Control: ctrl, Payload: p})
}

// buildPixel constructs one pixel HWORD with a deterministic
// angle-of-arrival: x, y, z grow linearly with the pixel index (wrapped
// to each field's signed range) and intensity cycles through the
// 12-bit range.
func buildPixel(first bool, idx int) hword.HWord {
	xRaw := wrapSigned(int64(idx), 19)
	yRaw := wrapSigned(int64(2*idx), 19)
	zRaw := wrapSigned(int64(3*idx), 22)
	intensity := uint16(idx % 4096)

	var p hword.Payload
	setField(&p, 0, 19, uint64(uint32(xRaw)&fieldMask(19)))
	setField(&p, 24, 19, uint64(uint32(yRaw)&fieldMask(19)))
	setField(&p, 48, 22, uint64(uint32(zRaw)&fieldMask(22)))
	setField(&p, 72, 12, uint64(intensity))
	if idx%8 == 0 {
		setField(&p, 90, 1, 1) // over_range, set occasionally for test variety.
	}
	if idx%16 == 0 {
		setField(&p, 91, 1, 1) // low gain, set occasionally for test variety.
	}

	ctrl := hword.SubsequentPixel
	if first {
		ctrl = hword.FirstPixel
	}
	return hword.WithParity(hword.HWord{Control: ctrl, Payload: p})
}

// fieldMask returns a width-bit mask.
func fieldMask(width uint) uint32 { return uint32(1)<<width - 1 }

// wrapSigned wraps v into the signed range representable by width bits,
// so deterministic but ever-growing index-derived values stay within
// each pixel field's bit width.
func wrapSigned(v int64, width uint) int64 {
	span := int64(1) << width
	v %= span
	if v < 0 {
		v += span
	}
	return v
}

// setField writes the low width bits of val into p at the given
// payload-relative bit offset, OR-ing into whatever is already there.
// Payload mirrors hword.Payload's own Hi/Lo split (bits 91:64 in Hi,
// bits 63:0 in Lo); this is the synthetic source's only place that
// needs to construct rather than read a payload.
func setField(p *hword.Payload, offset, width uint, val uint64) {
	if width == 0 {
		return
	}
	val &= uint64(1)<<width - 1
	switch {
	case offset >= 64:
		p.Hi |= uint32(val << (offset - 64))
	case offset+width <= 64:
		p.Lo |= val << offset
	default:
		loBits := 64 - offset
		p.Lo |= val << offset
		p.Hi |= uint32(val >> loBits)
	}
}
