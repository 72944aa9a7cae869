/*
NAME
  framesync_test.go

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package framesync

import (
	"bytes"
	"testing"

	"github.com/ausocean/utils/logging"

	"github.com/ausocean/lidargrab/hword"
)

func testLogger() logging.Logger {
	return logging.New(logging.Debug, &bytes.Buffer{}, true)
}

// header builds one header HWORD with the given index and, for the
// first header of a frame, the NUM_PIXELS_RW lane set to n.
func header(first bool, index uint8, n uint16) []byte {
	ctrl := hword.SubsequentHeader
	if first {
		ctrl = hword.FirstHeader
	}
	p := hword.Payload{Lo: uint64(n) << 32, Hi: uint32(index) << (84 - 64)}
	b := hword.Serialize(hword.WithParity(hword.HWord{Control: ctrl, Payload: p}))
	return b[:]
}

// pixel builds one pixel HWORD.
func pixel(first bool) []byte {
	ctrl := hword.SubsequentPixel
	if first {
		ctrl = hword.FirstPixel
	}
	b := hword.Serialize(hword.WithParity(hword.HWord{Control: ctrl}))
	return b[:]
}

// frameStream builds a well-formed frame: 110 headers (contiguous
// indices mod 16) then n pixels.
func frameStream(n int) [][]byte {
	var out [][]byte
	for i := 0; i < HeaderHWordsPerFrame; i++ {
		out = append(out, header(i == 0, uint8(i%16), uint16(n)))
	}
	for i := 0; i < n; i++ {
		out = append(out, pixel(i == 0))
	}
	return out
}

func feedAll(e *Engine, chunks [][]byte) (frames [][]byte) {
	for _, c := range chunks {
		if frame, ok := e.Process(c); ok {
			frames = append(frames, frame)
		}
	}
	return frames
}

// S1: a single 1-point frame.
func TestSingleOnePointFrame(t *testing.T) {
	e := New(testLogger())
	frames := feedAll(e, frameStream(1))
	if len(frames) != 1 {
		t.Fatalf("frames = %d, want 1", len(frames))
	}
	if len(frames[0]) != hword.Bytes*(HeaderHWordsPerFrame+1) {
		t.Errorf("frame length = %d, want %d", len(frames[0]), hword.Bytes*(HeaderHWordsPerFrame+1))
	}
	completed, syncErrs, hdrErrs := e.Stats()
	if completed != 1 || syncErrs != 0 || hdrErrs != 0 {
		t.Errorf("stats = (%d,%d,%d), want (1,0,0)", completed, syncErrs, hdrErrs)
	}
	first, err := hword.Parse(frames[0][:hword.Bytes])
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if first.Control != hword.FirstHeader {
		t.Errorf("first HWORD control = %v, want FirstHeader", first.Control)
	}
}

// S2: cold start with idle filler before a frame.
func TestColdStartWithIdleFiller(t *testing.T) {
	e := New(testLogger())
	var stream [][]byte
	for i := 0; i < 17; i++ {
		stream = append(stream, append([]byte(nil), hword.IdlePattern[:]...))
	}
	stream = append(stream, frameStream(1)...)

	frames := feedAll(e, stream)
	if len(frames) != 1 {
		t.Fatalf("frames = %d, want 1", len(frames))
	}
	_, syncErrs, _ := e.Stats()
	if syncErrs != 0 {
		t.Errorf("sync_errors = %d, want 0", syncErrs)
	}
}

// S3: a truncated frame is discarded and the second, complete frame is
// the only one emitted.
func TestTruncatedFrameRecovery(t *testing.T) {
	e := New(testLogger())
	var stream [][]byte
	for i := 0; i < 51; i++ { // FirstHeader(N=5) + 50 SubsequentHeader.
		stream = append(stream, header(i == 0, uint8(i%16), 5))
	}
	stream = append(stream, frameStream(1)...)

	frames := feedAll(e, stream)
	if len(frames) != 1 {
		t.Fatalf("frames = %d, want 1", len(frames))
	}
	completed, syncErrs, _ := e.Stats()
	if completed != 1 {
		t.Errorf("frames_completed = %d, want 1", completed)
	}
	if syncErrs != 1 {
		t.Errorf("sync_errors = %d, want 1", syncErrs)
	}
}

// S4: a non-contiguous header index inside one frame's header run is
// counted but does not abort the frame.
func TestHeaderIndexGap(t *testing.T) {
	e := New(testLogger())
	stream := frameStream(1)
	// Corrupt the 50th header's index (0-based 49) to break contiguity.
	badIdx := uint8(49%16) + 2 // deliberately wrong.
	stream[49] = header(false, badIdx%16, 1)

	frames := feedAll(e, stream)
	if len(frames) != 1 {
		t.Fatalf("frames = %d, want 1", len(frames))
	}
	completed, _, hdrErrs := e.Stats()
	if completed != 1 {
		t.Errorf("frames_completed = %d, want 1", completed)
	}
	if hdrErrs != 1 {
		t.Errorf("header_index_errors = %d, want 1", hdrErrs)
	}
}

// Sync monotonicity: repeated well-formed cycles each emit exactly one
// frame with zero sync errors.
func TestSyncMonotonicity(t *testing.T) {
	e := New(testLogger())
	var total int
	for cycle := 0; cycle < 5; cycle++ {
		frames := feedAll(e, frameStream(3))
		total += len(frames)
	}
	if total != 5 {
		t.Fatalf("total frames = %d, want 5", total)
	}
	_, syncErrs, _ := e.Stats()
	if syncErrs != 0 {
		t.Errorf("sync_errors = %d, want 0", syncErrs)
	}
}

func TestEveryEmittedFrameStartsWithFirstHeader(t *testing.T) {
	e := New(testLogger())
	frames := feedAll(e, frameStream(2))
	for _, f := range frames {
		h, err := hword.Parse(f[:hword.Bytes])
		if err != nil {
			t.Fatalf("Parse: %v", err)
		}
		if h.Control != hword.FirstHeader {
			t.Errorf("emitted frame starts with %v, want FirstHeader", h.Control)
		}
	}
}

func TestMaxFrameHWordsOverrun(t *testing.T) {
	e := New(testLogger(), MaxFrameHWords(20))
	// A header-only run that never reaches 110 headers, let alone
	// completes a frame, but exceeds the 20-HWORD bound.
	var stream [][]byte
	for i := 0; i < 25; i++ {
		stream = append(stream, header(i == 0, uint8(i%16), 1))
	}
	frames := feedAll(e, stream)
	if len(frames) != 0 {
		t.Fatalf("frames = %d, want 0", len(frames))
	}
	_, syncErrs, _ := e.Stats()
	if syncErrs == 0 {
		t.Errorf("sync_errors = 0, want > 0 after exceeding max frame HWORDs")
	}
}

// TestPrematurePixelUsesActualHeaderCount exercises CollectingPixels'
// header_count field: a pixel HWORD arriving before the full 110-header
// run completes must still let the frame complete at the right byte
// offset, using however many headers were actually buffered rather
// than assuming all 110 arrived.
func TestPrematurePixelUsesActualHeaderCount(t *testing.T) {
	e := New(testLogger())
	const n, wantPixels = 3, 3
	var stream [][]byte
	for i := 0; i < 5; i++ { // far short of HeaderHWordsPerFrame.
		stream = append(stream, header(i == 0, uint8(i%16), n))
	}
	for i := 0; i < wantPixels; i++ {
		stream = append(stream, pixel(i == 0))
	}

	frames := feedAll(e, stream)
	if len(frames) != 1 {
		t.Fatalf("frames = %d, want 1", len(frames))
	}
	wantLen := hword.Bytes * (5 + wantPixels)
	if len(frames[0]) != wantLen {
		t.Errorf("frame length = %d, want %d", len(frames[0]), wantLen)
	}
	completed, syncErrs, _ := e.Stats()
	if completed != 1 {
		t.Errorf("frames_completed = %d, want 1", completed)
	}
	if syncErrs != 0 {
		t.Errorf("sync_errors = %d, want 0", syncErrs)
	}
}

func TestModeFor(t *testing.T) {
	for _, tc := range []struct {
		n        uint64
		wantMode Mode
		wantExp  int
	}{
		{0, ModeOnePointScan, 1},
		{1, ModeOnePointScan, 1},
		{2, ModeUnknown, 2},
		{3, ModeUnknown, 3},
		{4, ModeUnknown, 4},
		{5, ModeFivePointScan, 5},
		{6, ModeImaging, 6},
		{122000, ModeImaging, 122000},
	} {
		mode, exp := modeFor(tc.n)
		if mode != tc.wantMode || exp != tc.wantExp {
			t.Errorf("modeFor(%d) = (%v, %d), want (%v, %d)", tc.n, mode, exp, tc.wantMode, tc.wantExp)
		}
	}
}

func TestStrictControlCodesRejectsReserved(t *testing.T) {
	e := New(testLogger(), StrictControlCodes(true))
	e.Process(header(true, 0, 1)) // enters CollectingHeader.
	reserved := hword.Serialize(hword.WithParity(hword.HWord{Control: hword.Reserved0}))
	e.Process(reserved[:])
	_, syncErrs, _ := e.Stats()
	if syncErrs != 1 {
		t.Errorf("sync_errors = %d, want 1 after a reserved control code under strict mode", syncErrs)
	}
}
