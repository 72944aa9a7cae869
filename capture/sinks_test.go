/*
NAME
  sinks_test.go

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package capture

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/ausocean/utils/logging"

	"github.com/ausocean/lidargrab/hword"
)

func testLogger() logging.Logger {
	return logging.New(logging.Debug, &bytes.Buffer{}, true)
}

func onePointFrame(t *testing.T) []byte {
	t.Helper()
	var out []byte
	header := hword.HWord{Control: hword.FirstHeader, Payload: hword.Payload{Lo: 1 << 32}} // NUM_PIXELS_RW lane = 1.
	b := hword.Serialize(hword.WithParity(header))
	out = append(out, b[:]...)
	for i := 1; i < 110; i++ {
		h := hword.HWord{Control: hword.SubsequentHeader}
		b := hword.Serialize(hword.WithParity(h))
		out = append(out, b[:]...)
	}
	pixel := hword.HWord{Control: hword.FirstPixel, Payload: hword.Payload{Lo: 1024 | 2048<<24 | 3072<<48}}
	b = hword.Serialize(hword.WithParity(pixel))
	out = append(out, b[:]...)
	return out
}

func TestFileSinkWritesAndResumes(t *testing.T) {
	root := t.TempDir()
	log := testLogger()

	sink, err := NewFileSink(root, log)
	if err != nil {
		t.Fatalf("NewFileSink: %v", err)
	}
	fs := sink.(*fileSink)

	frame := onePointFrame(t)
	for i := 0; i < 3; i++ {
		if err := sink.Write(frame); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	want := []string{"00000000.dsql", "00000001.dsql", "00000002.dsql"}
	for _, name := range want {
		if _, err := os.Stat(filepath.Join(fs.dir, name)); err != nil {
			t.Errorf("expected file %s: %v", name, err)
		}
	}

	// Re-opening the same session directory picks up where the counter
	// left off, exercising the same numbering findNextFrameNumber gives
	// a fresh session directory containing prior files.
	resumed := &fileSink{dir: fs.dir, log: log}
	next, err := findNextFrameNumber(fs.dir)
	if err != nil {
		t.Fatalf("findNextFrameNumber: %v", err)
	}
	resumed.counter = next
	if resumed.counter != 3 {
		t.Errorf("resumed counter = %d, want 3", resumed.counter)
	}
}

func TestFindNextFrameNumberResumes(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"00000000.dsql", "0000000A.dsql", "0000000a_incomplete.dsql"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	next, err := findNextFrameNumber(dir)
	if err != nil {
		t.Fatalf("findNextFrameNumber: %v", err)
	}
	if next != 0x0B {
		t.Errorf("next = %#x, want 0xB", next)
	}
}

func TestFileSinkWriteIncomplete(t *testing.T) {
	root := t.TempDir()
	sink, err := NewFileSink(root, testLogger())
	if err != nil {
		t.Fatalf("NewFileSink: %v", err)
	}
	fs := sink.(*fileSink)

	partial := make([]byte, hword.Bytes*3)
	if err := fs.WriteIncomplete(partial); err != nil {
		t.Fatalf("WriteIncomplete: %v", err)
	}
	name := "00000000_incomplete.dsql"
	data, err := os.ReadFile(filepath.Join(fs.dir, name))
	if err != nil {
		t.Fatalf("expected incomplete file: %v", err)
	}
	if len(data) != len(partial) {
		t.Errorf("incomplete file length = %d, want %d", len(data), len(partial))
	}
}

func TestBinarySinkLengthPrefixed(t *testing.T) {
	var buf bytes.Buffer
	sink := NewBinarySink(&buf)

	frame := onePointFrame(t)
	if err := sink.Write(frame); err != nil {
		t.Fatalf("Write: %v", err)
	}

	var lenBuf [4]byte
	if _, err := io.ReadFull(&buf, lenBuf[:]); err != nil {
		t.Fatalf("reading length prefix: %v", err)
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if int(n) != len(frame) {
		t.Errorf("length prefix = %d, want %d", n, len(frame))
	}
	got := make([]byte, n)
	if _, err := io.ReadFull(&buf, got); err != nil {
		t.Fatalf("reading frame body: %v", err)
	}
	if !bytes.Equal(got, frame) {
		t.Error("frame body mismatch")
	}
}

func TestJSONSinkDecodesFrame(t *testing.T) {
	var buf bytes.Buffer
	sink := NewJSONSink(&buf)

	frame := onePointFrame(t)
	if err := sink.Write(frame); err != nil {
		t.Fatalf("Write: %v", err)
	}

	var got jsonFrame
	if err := json.NewDecoder(&buf).Decode(&got); err != nil {
		t.Fatalf("decoding JSON line: %v", err)
	}
	if got.NumPoints != 1 {
		t.Fatalf("NumPoints = %d, want 1", got.NumPoints)
	}
	if got.X[0] != 1024.0/1024.0 || got.Y[0] != 2048.0/1024.0 {
		t.Errorf("point = %+v", got)
	}
}
