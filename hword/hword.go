/*
NAME
  hword.go

DESCRIPTION
  hword.go provides the HWORD binary codec: parsing and serialization of
  the 96-bit wire unit, odd-parity verification, and signed bit-field
  extraction from its 92-bit payload.

AUTHOR
  Dan Kortschak <dan@ausocean.org>

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package hword provides the HWORD (96-bit) wire codec used by the LiDAR
// capture pipeline: parsing, serialization, odd-parity verification, and
// signed bit-field extraction over the 92-bit payload.
package hword

import (
	"encoding/binary"
	"math/bits"

	"github.com/ausocean/lidargrab/errkind"
)

// Bytes is the fixed wire size of one HWORD.
const Bytes = 12

// Control identifies the 3-bit control code carried in the top bits of
// byte 0 of an HWORD.
type Control uint8

// The closed tag set for Control.
const (
	Reserved0 Control = iota
	Reserved1
	FirstHeader
	SubsequentHeader
	FirstPixel
	SubsequentPixel
	Reserved6
	Idle
)

func (c Control) String() string {
	switch c {
	case Reserved0:
		return "Reserved0"
	case Reserved1:
		return "Reserved1"
	case FirstHeader:
		return "FirstHeader"
	case SubsequentHeader:
		return "SubsequentHeader"
	case FirstPixel:
		return "FirstPixel"
	case SubsequentPixel:
		return "SubsequentPixel"
	case Reserved6:
		return "Reserved6"
	case Idle:
		return "Idle"
	default:
		return "unknown"
	}
}

// IsHeader reports whether c is FirstHeader or SubsequentHeader.
func (c Control) IsHeader() bool { return c == FirstHeader || c == SubsequentHeader }

// IsPixel reports whether c is FirstPixel or SubsequentPixel.
func (c Control) IsPixel() bool { return c == FirstPixel || c == SubsequentPixel }

// IsFrameStart reports whether c is FirstHeader.
func (c Control) IsFrameStart() bool { return c == FirstHeader }

// IsIdle reports whether c is Idle.
func (c Control) IsIdle() bool { return c == Idle }

// IdlePattern is the fixed 12-byte byte-pattern emitted by the instrument
// as the cold-start synchronization anchor. Its control code is Idle.
var IdlePattern = [Bytes]byte{
	0xFD, 0x3C, 0x4B, 0x5A, 0x69, 0x78, 0x87, 0x96, 0xA5, 0xB4, 0xC3, 0xB2,
}

// Payload is the 92-bit HWORD payload, held as the top 28 bits (Hi, payload
// bits 91:64) and the bottom 64 bits (Lo, payload bits 63:0). This split
// follows the natural byte boundary of the wire format: byte 0's low
// nibble plus bytes 1-3 make up Hi, and bytes 4-11 make up Lo.
type Payload struct {
	Hi uint32 // Valid in the low 28 bits.
	Lo uint64
}

// Field extracts a width-bit field at the given bit offset (counted from
// bit 0, the least significant payload bit) and returns it
// zero-extended. offset+width must not exceed 92.
func (p Payload) Field(offset, width uint) uint64 {
	if width == 0 {
		return 0
	}
	mask := uint64(1)<<width - 1
	switch {
	case offset >= 64:
		return (uint64(p.Hi) >> (offset - 64)) & mask
	case offset+width <= 64:
		return (p.Lo >> offset) & mask
	default:
		loBits := 64 - offset
		low := p.Lo >> offset
		hiBits := width - loBits
		high := uint64(p.Hi) & (uint64(1)<<hiBits - 1)
		return low | high<<loBits
	}
}

// SignedField extracts a width-bit field at offset, as Field does, and
// sign-extends it from bit width-1 to a signed 64-bit integer.
func (p Payload) SignedField(offset, width uint) int64 {
	raw := p.Field(offset, width)
	return SignExtend(raw, width)
}

// SignExtend treats the low width bits of raw as a two's-complement
// integer and sign-extends it to int64.
func SignExtend(raw uint64, width uint) int64 {
	if width == 0 || width >= 64 {
		return int64(raw)
	}
	signBit := uint64(1) << (width - 1)
	if raw&signBit != 0 {
		raw |= ^uint64(0) << width
	}
	return int64(raw)
}

// HWord is one parsed 96-bit wire unit.
type HWord struct {
	Control Control
	Parity  bool
	Payload Payload
}

// Parse decodes a 12-byte HWORD. The codec accepts all eight control
// code patterns, including the reserved ones; downstream consumers (the
// sync engine) decide whether to ignore them. Parse only fails on a
// length mismatch.
func Parse(b []byte) (HWord, error) {
	if len(b) != Bytes {
		return HWord{}, errkind.Newf(errkind.InvalidLength, "expected %d bytes, got %d", Bytes, len(b))
	}
	var h HWord
	h.Control = Control(b[0] >> 5)
	h.Parity = b[0]&0x10 != 0
	h.Payload.Hi = uint32(b[0]&0x0F)<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	h.Payload.Lo = binary.BigEndian.Uint64(b[4:12])
	return h, nil
}

// Serialize packs h back into its 12-byte wire form. serialize(parse(b))
// equals b for every 12-byte b.
func Serialize(h HWord) [Bytes]byte {
	var b [Bytes]byte
	b[0] = byte(h.Control) << 5
	if h.Parity {
		b[0] |= 0x10
	}
	b[0] |= byte(h.Payload.Hi >> 24 & 0x0F)
	b[1] = byte(h.Payload.Hi >> 16)
	b[2] = byte(h.Payload.Hi >> 8)
	b[3] = byte(h.Payload.Hi)
	binary.BigEndian.PutUint64(b[4:12], h.Payload.Lo)
	return b
}

// VerifyParity reports whether h satisfies odd parity over the full
// 96-bit word (control, parity bit, and payload together).
func VerifyParity(h HWord) bool {
	b := Serialize(h)
	var ones int
	for _, c := range b {
		ones += bits.OnesCount8(c)
	}
	return ones%2 == 1
}

// WithParity returns h with its Parity bit set so that VerifyParity(h)
// is true. Used by builders (e.g. the synthetic source) constructing
// well-formed HWORDs.
func WithParity(h HWord) HWord {
	h.Parity = false
	b := Serialize(h)
	var ones int
	for _, c := range b {
		ones += bits.OnesCount8(c)
	}
	h.Parity = ones%2 == 0
	return h
}
