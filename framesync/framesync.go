/*
NAME
  framesync.go

DESCRIPTION
  framesync.go implements the count-based frame synchronization state
  machine: it consumes a sequence of HWORD-aligned 12-byte chunks and
  emits the concatenated bytes of each complete frame as it arrives.

AUTHOR
  Dan Kortschak <dan@ausocean.org>
  Saxon A. Nelson-Milton <saxon@ausocean.org>

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package framesync implements the count-based frame synchronization
// engine that recovers frame boundaries from a stream of HWORDs.
package framesync

import (
	"github.com/ausocean/lidargrab/hword"
	"github.com/ausocean/utils/logging"
)

// HeaderHWordsPerFrame is the fixed number of header HWORDs
// (one FirstHeader followed by 109 SubsequentHeader) in every frame.
const HeaderHWordsPerFrame = 110

// DefaultMaxFrameHWords is the default bound on the number of HWORDs a
// single in-progress frame may accumulate before the engine
// force-discards it and resyncs,
// guarding against unbounded memory growth if the wire never emits the
// expected pixel count (see Config.MaxFrameHWords in capture/config).
const DefaultMaxFrameHWords = 1_000_000

// state identifies where in the frame-synchronization cycle the engine
// currently sits.
type state int

const (
	waitingForSync state = iota
	waitingForFrame
	collectingHeader
	collectingPixels
)

// Mode is the frame mode derived from NUM_PIXELS_RW on a frame's
// FirstHeader. It is never carried on the wire.
type Mode int

const (
	ModeUnknown Mode = iota
	ModeOnePointScan
	ModeFivePointScan
	ModeImaging
)

func (m Mode) String() string {
	switch m {
	case ModeOnePointScan:
		return "OnePointScan"
	case ModeFivePointScan:
		return "FivePointScan"
	case ModeImaging:
		return "Imaging"
	default:
		return "Unknown"
	}
}

// modeFor derives a Mode and expected pixel count from a NUM_PIXELS_RW
// register value, per spec §4.2. Values with no defined mode (2, 3, 4)
// are ModeUnknown rather than being folded into ModeImaging; the
// expected pixel count still tracks the raw register value so frame
// assembly is unaffected by the mode label.
func modeFor(numPixelsRW uint64) (Mode, int) {
	switch n := int(numPixelsRW); {
	case n == 0, n == 1:
		return ModeOnePointScan, 1
	case n == 5:
		return ModeFivePointScan, 5
	case n >= 2 && n <= 4:
		return ModeUnknown, n
	default:
		return ModeImaging, n
	}
}

// Engine is the count-based frame synchronizer. It is not safe for
// concurrent use; the capture pipeline's assembler drives it from a
// single goroutine.
type Engine struct {
	log logging.Logger

	state    state
	buf      []byte
	mode     Mode
	expected int
	// headerCount is the number of header HWORDs actually buffered at
	// the CollectingHeader -> CollectingPixels transition. It is usually
	// HeaderHWordsPerFrame, but a premature pixel HWORD can trigger the
	// transition early, so pixel counting in CollectingPixels must use
	// this rather than assume a full header run (spec §4.2's
	// CollectingPixels{header_count, pixel_count, expected}).
	headerCount int
	maxHWords   int
	strict      bool

	framesCompleted   uint64
	syncErrors        uint64
	headerIndexErrors uint64
}

// Option configures an Engine at construction.
type Option func(*Engine)

// MaxFrameHWords overrides DefaultMaxFrameHWords.
func MaxFrameHWords(n int) Option {
	return func(e *Engine) { e.maxHWords = n }
}

// StrictControlCodes rejects the reserved control codes (Reserved0,
// Reserved1, Reserved6) as sync errors instead of silently ignoring
// them. Off by default.
func StrictControlCodes(strict bool) Option {
	return func(e *Engine) { e.strict = strict }
}

// New returns a new Engine in the cold-start WaitingForSync state.
func New(log logging.Logger, opts ...Option) *Engine {
	e := &Engine{log: log, maxHWords: DefaultMaxFrameHWords}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Stats returns the engine's observable counters: frames completed,
// sync errors (truncated-frame events), and header-index errors.
func (e *Engine) Stats() (framesCompleted, syncErrors, headerIndexErrors uint64) {
	return e.framesCompleted, e.syncErrors, e.headerIndexErrors
}

// CurrentBuffer returns the bytes accumulated for the in-progress frame,
// for draining at shutdown. The slice is retained by the engine; callers
// must copy it before further calls to Process.
func (e *Engine) CurrentBuffer() []byte { return e.buf }

// Process feeds one HWORD-aligned 12-byte chunk into the state machine.
// It returns the completed frame's bytes, and true, exactly when chunk
// is the last pixel HWORD of a frame.
func (e *Engine) Process(chunk []byte) ([]byte, bool) {
	h, err := hword.Parse(chunk)
	if err != nil {
		// Unreachable in practice: the assembler only ever drains
		// strict 12-byte units, so length is always correct.
		e.log.Warning("framesync: could not parse HWORD", "error", err.Error())
		return nil, false
	}

	switch e.state {
	case waitingForSync:
		return e.waitingForSync(chunk, h)
	case waitingForFrame:
		return e.waitingForFrame(chunk, h)
	case collectingHeader:
		return e.collectingHeader(chunk, h)
	case collectingPixels:
		return e.collectingPixels(chunk, h)
	}
	panic("framesync: unreachable state")
}

func (e *Engine) waitingForSync(chunk []byte, h hword.HWord) ([]byte, bool) {
	switch {
	case chunk12Equal(chunk, hword.IdlePattern[:]):
		e.log.Info("synchronized on Idle pattern")
		e.state = waitingForFrame
	case h.Control.IsFrameStart():
		e.log.Info("synchronized on FirstHeader")
		e.state = waitingForFrame
		return e.waitingForFrame(chunk, h)
	}
	return nil, false
}

func (e *Engine) waitingForFrame(chunk []byte, h hword.HWord) ([]byte, bool) {
	if !h.Control.IsFrameStart() {
		return nil, false
	}
	e.buf = append(e.buf[:0], chunk...)
	numPixelsRW := h.Payload.Field(32, 16)
	e.mode, e.expected = modeFor(numPixelsRW)
	e.log.Debug("frame start", "mode", e.mode.String(), "expected pixels", e.expected)
	e.state = collectingHeader
	return nil, false
}

func (e *Engine) collectingHeader(chunk []byte, h hword.HWord) ([]byte, bool) {
	switch {
	case h.Control.IsFrameStart():
		// A FirstHeader this far into header collection means the
		// previous frame's tail was lost; restart on this one rather
		// than folding it into the in-progress header count.
		e.syncErrors++
		e.log.Warning("lost tail: new FirstHeader mid-header-collection, discarding current buffer",
			"buffered hwords", len(e.buf)/hword.Bytes)
		e.buf = append(e.buf[:0], chunk...)
		numPixelsRW := h.Payload.Field(32, 16)
		e.mode, e.expected = modeFor(numPixelsRW)
	case h.Control.IsHeader():
		idx := uint8(h.Payload.Field(84, 4))
		count := len(e.buf) / hword.Bytes
		// The expected index is derived from the header's position in
		// the frame, not from the previous header's received value, so
		// that one corrupted index field is counted once rather than
		// cascading into the next (correctly transmitted) header.
		expected := uint8(count % 16)
		if idx != expected {
			e.headerIndexErrors++
			e.log.Warning("header index gap", "expected", expected, "got", idx)
		}
		e.buf = append(e.buf, chunk...)
		if len(e.buf)/hword.Bytes >= HeaderHWordsPerFrame {
			e.headerCount = len(e.buf) / hword.Bytes
			e.state = collectingPixels
		}
	case h.Control.IsPixel():
		e.headerCount = len(e.buf) / hword.Bytes
		e.log.Warning("premature pixel HWORD during header collection", "headers_collected", e.headerCount)
		e.buf = append(e.buf, chunk...)
		e.state = collectingPixels
	default:
		e.rejectReserved(h)
	}
	return e.checkOverrun()
}

func (e *Engine) collectingPixels(chunk []byte, h hword.HWord) ([]byte, bool) {
	switch {
	case h.Control.IsPixel():
		e.buf = append(e.buf, chunk...)
		pixelCount := len(e.buf)/hword.Bytes - e.headerCount
		if pixelCount >= e.expected {
			return e.completeFrame()
		}
	case h.Control.IsFrameStart():
		e.syncErrors++
		e.log.Warning("lost tail: new FirstHeader mid-frame, discarding current buffer",
			"buffered hwords", len(e.buf)/hword.Bytes)
		e.buf = append(e.buf[:0], chunk...)
		numPixelsRW := h.Payload.Field(32, 16)
		e.mode, e.expected = modeFor(numPixelsRW)
		e.state = collectingHeader
	default:
		e.rejectReserved(h)
	}
	return e.checkOverrun()
}

// rejectReserved counts a reserved control code as a sync error when
// strict mode is on; otherwise it is silently ignored, matching the
// engine's default leniency toward the reserved tag values.
func (e *Engine) rejectReserved(h hword.HWord) {
	if !e.strict || h.Control.IsIdle() {
		return
	}
	e.syncErrors++
	e.log.Warning("reserved control code rejected under strict mode", "control", h.Control.String())
}

func (e *Engine) completeFrame() ([]byte, bool) {
	observed := len(e.buf)/hword.Bytes - e.headerCount
	if observed != e.expected {
		e.log.Debug("observed pixel count diverges from NUM_PIXELS_RW",
			"observed", observed, "num_pixels_rw", e.expected, "mode", e.mode.String())
	}
	out := make([]byte, len(e.buf))
	copy(out, e.buf)
	e.buf = e.buf[:0]
	e.framesCompleted++
	e.state = waitingForFrame
	return out, true
}

// checkOverrun force-discards the current frame buffer if it has grown
// past maxHWords without completing, counting it as a sync error and
// returning to WaitingForFrame. This guards against unbounded memory
// growth if a malformed wire never emits the expected pixel count.
func (e *Engine) checkOverrun() ([]byte, bool) {
	if len(e.buf)/hword.Bytes <= e.maxHWords {
		return nil, false
	}
	e.log.Error("frame exceeded max HWORD bound, discarding", "hwords", len(e.buf)/hword.Bytes, "max", e.maxHWords)
	e.syncErrors++
	e.buf = e.buf[:0]
	e.state = waitingForFrame
	return nil, false
}

func chunk12Equal(a, b []byte) bool {
	if len(a) != 12 || len(b) != 12 {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
