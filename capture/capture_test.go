/*
NAME
  capture_test.go

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
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/ausocean/lidargrab/capture/config"
	"github.com/ausocean/lidargrab/hword"
)

// memSink records every frame it is given, for assertion in tests.
type memSink struct {
	frames [][]byte
}

func (s *memSink) Write(frame []byte) error {
	cp := make([]byte, len(frame))
	copy(cp, frame)
	s.frames = append(s.frames, cp)
	return nil
}

func (s *memSink) Close() error { return nil }

func TestPipelineReceivesAndAssemblesOneFrame(t *testing.T) {
	cfg := config.New()
	cfg.BindAddr = "127.0.0.1"
	cfg.Port = 0 // bound dynamically below; Start uses cfg.Port directly so pick an ephemeral one manually.
	cfg.Logger = testLogger()
	cfg.ReadTimeout = 20 * time.Millisecond
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	// Bind to an ephemeral port first to discover one, then close it and
	// reuse the port number for the pipeline, since Pipeline.Start binds
	// its own socket from cfg.
	probe, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("probe listen: %v", err)
	}
	port := probe.LocalAddr().(*net.UDPAddr).Port
	probe.Close()
	cfg.Port = uint16(port)

	sink := &memSink{}
	p := NewPipeline(cfg, sink)
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	frame := onePointFrame(t)
	conn, err := net.Dial("udp", net.JoinHostPort("127.0.0.1", strconv.Itoa(int(cfg.Port))))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Split the frame across several datagrams, since the wire does not
	// guarantee one datagram per HWORD boundary.
	const chunk = 4 * hword.Bytes
	for off := 0; off < len(frame); off += chunk {
		end := off + chunk
		if end > len(frame) {
			end = len(frame)
		}
		if _, err := conn.Write(frame[off:end]); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(sink.frames) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	p.Stop()

	if len(sink.frames) != 1 {
		t.Fatalf("frames received = %d, want 1", len(sink.frames))
	}
	if !bytes.Equal(sink.frames[0], frame) {
		t.Errorf("frame bytes mismatch: got %d bytes, want %d", len(sink.frames[0]), len(frame))
	}

	stats := p.Stats()
	if stats.FramesCompleted != 1 {
		t.Errorf("FramesCompleted = %d, want 1", stats.FramesCompleted)
	}
}
