/*
NAME
  sinks.go

DESCRIPTION
  sinks.go implements the capture pipeline's three sink types: a
  file-per-frame sink, a binary length-prefixed stdout sink, and a
  decoded-JSON stdout sink.

AUTHOR
  Dan Kortschak <dan@ausocean.org>

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package capture

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ausocean/lidargrab/decode"
	"github.com/ausocean/utils/logging"
)

// Sink is the destination a frame assembler dispatches completed frame
// blobs to. Implementations are chosen once at pipeline construction;
// there is no runtime switching.
type Sink interface {
	// Write dispatches one complete frame blob.
	Write(frame []byte) error
	// Close releases any resources the sink holds open.
	Close() error
}

// IncompleteWriter is implemented by sinks that can persist a partial
// frame buffer at shutdown. Sinks for which this has no meaning (the
// stdout sinks) do not implement it.
type IncompleteWriter interface {
	WriteIncomplete(partial []byte) error
}

// fileSink writes one .dsql file per frame into a timestamped session
// directory, resuming its frame counter from any files already present.
type fileSink struct {
	dir     string
	counter uint32
	log     logging.Logger
}

// NewFileSink creates (and, if necessary, the parent of) a timestamped
// session directory under root, scans it for any pre-existing .dsql
// files, and returns a sink that continues numbering from
// max(existing)+1.
func NewFileSink(root string, l logging.Logger) (Sink, error) {
	dir := filepath.Join(root, time.Now().Format("20060102_150405"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("capture: creating session directory %s: %w", dir, err)
	}
	next, err := findNextFrameNumber(dir)
	if err != nil {
		return nil, err
	}
	l.Info("file sink session directory created", "dir", dir, "starting frame", next)
	return &fileSink{dir: dir, counter: next, log: l}, nil
}

// findNextFrameNumber scans dir for files named with 8 hex digits and a
// .dsql extension and returns one past the largest frame number found,
// or 0 if dir is empty or holds no such files.
func findNextFrameNumber(dir string) (uint32, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("capture: reading session directory %s: %w", dir, err)
	}
	var nums []uint32
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".dsql") || strings.Contains(name, "_incomplete") {
			continue
		}
		stem := strings.TrimSuffix(name, ".dsql")
		if len(stem) != 8 {
			continue
		}
		n, err := strconv.ParseUint(stem, 16, 32)
		if err != nil {
			continue
		}
		nums = append(nums, uint32(n))
	}
	if len(nums) == 0 {
		return 0, nil
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })
	return nums[len(nums)-1] + 1, nil
}

// Write writes frame to the next zero-padded uppercase hex filename in
// the session directory and advances the counter.
func (s *fileSink) Write(frame []byte) error {
	name := fmt.Sprintf("%08X.dsql", s.counter)
	path := filepath.Join(s.dir, name)
	if err := os.WriteFile(path, frame, 0o644); err != nil {
		return fmt.Errorf("capture: writing %s: %w", path, err)
	}
	s.log.Debug("frame written", "path", path, "bytes", len(frame))
	s.counter++
	return nil
}

// WriteIncomplete persists a partial frame buffer at shutdown as
// "<counter>_incomplete.dsql" without advancing the counter, since no
// complete frame was produced.
func (s *fileSink) WriteIncomplete(partial []byte) error {
	if len(partial) == 0 {
		return nil
	}
	name := fmt.Sprintf("%08X_incomplete.dsql", s.counter)
	path := filepath.Join(s.dir, name)
	if err := os.WriteFile(path, partial, 0o644); err != nil {
		return fmt.Errorf("capture: writing %s: %w", path, err)
	}
	s.log.Info("partial frame persisted at shutdown", "path", path, "bytes", len(partial))
	return nil
}

func (s *fileSink) Close() error { return nil }

// binarySink writes length-prefixed raw frame bytes to an io.Writer,
// flushing after every frame.
type binarySink struct {
	w io.Writer
}

// NewBinarySink returns a Sink that writes w a u32 little-endian length
// followed by the frame bytes, for each frame.
func NewBinarySink(w io.Writer) Sink {
	return &binarySink{w: w}
}

func (s *binarySink) Write(frame []byte) error {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(frame)))
	if _, err := s.w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("capture: writing frame length: %w", err)
	}
	if _, err := s.w.Write(frame); err != nil {
		return fmt.Errorf("capture: writing frame bytes: %w", err)
	}
	if f, ok := s.w.(interface{ Sync() error }); ok {
		f.Sync()
	}
	return nil
}

func (s *binarySink) Close() error { return nil }

// jsonFrame is the wire shape of one line of the decoded-JSON stdout
// stream.
type jsonFrame struct {
	FrameNumber uint32    `json:"frame_number"`
	NumPoints   int       `json:"num_points"`
	X           []float64 `json:"x"`
	Y           []float64 `json:"y"`
	Z           []float64 `json:"z"`
	Intensity   []uint16  `json:"intensity"`
}

// jsonSink decodes each completed frame and writes one JSON document
// per line to w.
type jsonSink struct {
	w       io.Writer
	counter uint32
}

// NewJSONSink returns a Sink that decodes each frame and writes one
// JSON object per line to w, carrying the x, y, z and intensity arrays;
// gain and over_range are not included.
func NewJSONSink(w io.Writer) Sink {
	return &jsonSink{w: w}
}

func (s *jsonSink) Write(frame []byte) error {
	f, err := decode.FromBytes(s.counter, frame)
	if err != nil {
		return fmt.Errorf("capture: decoding frame for JSON sink: %w", err)
	}
	s.counter++

	pts := f.Data(1, nil)
	out := jsonFrame{
		FrameNumber: f.Number(),
		NumPoints:   len(pts),
		X:           make([]float64, len(pts)),
		Y:           make([]float64, len(pts)),
		Z:           make([]float64, len(pts)),
		Intensity:   make([]uint16, len(pts)),
	}
	for i, p := range pts {
		out.X[i] = p.X
		out.Y[i] = p.Y
		out.Z[i] = p.Z
		out.Intensity[i] = p.Intensity
	}

	enc := json.NewEncoder(s.w)
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("capture: encoding frame as JSON: %w", err)
	}
	return nil
}

func (s *jsonSink) Close() error { return nil }
