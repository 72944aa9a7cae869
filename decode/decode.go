/*
NAME
  decode.go

DESCRIPTION
  decode.go reconstructs a Frame (header registers and a point cloud) from
  the bytes of a captured .dsql frame blob, and projects a Frame's pixel
  HWORDs into CoordinatePoint records with optional field whitelisting and
  stride-based decimation.

AUTHOR
  Dan Kortschak <dan@ausocean.org>

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package decode reconstructs point-cloud frames from captured HWORD
// blobs: header register extraction, pixel coordinate extraction with
// sign-extension and fixed-point scaling, field projection, and
// stride-based decimation.
package decode

import (
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/ausocean/lidargrab/errkind"
	"github.com/ausocean/lidargrab/hword"
)

// coordinateScaleFactor converts the 9.10/12.10 fixed-point X/Y/Z raw
// integers to floating-point metres.
const coordinateScaleFactor = 1024.0

// RegistersPerHeaderHWord is the number of 16-bit registers packed into
// bits 79:0 of each header HWORD.
const RegistersPerHeaderHWord = 5

// Field identifies one of the six point-cloud columns a decoder can
// project.
type Field int

const (
	FieldX Field = iota
	FieldY
	FieldZ
	FieldIntensity
	FieldGain
	FieldOverRange
)

func (f Field) String() string {
	switch f {
	case FieldX:
		return "x"
	case FieldY:
		return "y"
	case FieldZ:
		return "z"
	case FieldIntensity:
		return "intensity"
	case FieldGain:
		return "gain"
	case FieldOverRange:
		return "over_range"
	default:
		return "unknown"
	}
}

// parseField parses a field name case-insensitively; "over_range" and
// "overrange" both map to FieldOverRange.
func parseField(s string) (Field, bool) {
	switch strings.ToLower(s) {
	case "x":
		return FieldX, true
	case "y":
		return FieldY, true
	case "z":
		return FieldZ, true
	case "intensity":
		return FieldIntensity, true
	case "gain":
		return FieldGain, true
	case "over_range", "overrange":
		return FieldOverRange, true
	default:
		return 0, false
	}
}

// Whitelist is the set of fields a decode operation should populate. A
// nil or empty Whitelist (the zero value) selects all fields.
type Whitelist map[Field]bool

// NewWhitelist builds a Whitelist from field names, silently discarding
// names that don't parse. An empty or all-unparseable names list yields
// an empty Whitelist, which Includes treats as "all fields".
func NewWhitelist(names ...string) Whitelist {
	w := make(Whitelist, len(names))
	for _, n := range names {
		if f, ok := parseField(n); ok {
			w[f] = true
		}
	}
	return w
}

// Includes reports whether f should be populated under w. The zero
// Whitelist includes every field.
func (w Whitelist) Includes(f Field) bool {
	if len(w) == 0 {
		return true
	}
	return w[f]
}

// CoordinatePoint is one decoded pixel. Fields not selected by the
// active Whitelist are left at their zero value and should not be
// read; the Includes method of the Whitelist used to decode tells which
// fields were populated.
type CoordinatePoint struct {
	X, Y, Z   float64
	Intensity uint16
	Gain      bool
	OverRange bool
}

// FrameHeader holds the raw header HWORDs and their extracted register
// values (RegistersPerHeaderHWord per HWORD, in wire order).
type FrameHeader struct {
	HWords    []hword.HWord
	Registers []uint16
}

// extractRegisters fills h.Registers from h.HWords.
func (h *FrameHeader) extractRegisters() {
	h.Registers = h.Registers[:0]
	for _, hw := range h.HWords {
		for i := 0; i < RegistersPerHeaderHWord; i++ {
			h.Registers = append(h.Registers, uint16(hw.Payload.Field(uint(16*i), 16)))
		}
	}
}

// Frame is a complete decoded point-cloud frame: a header register set
// and the raw pixel HWORDs backing it, lazily projected by Data.
type Frame struct {
	id     uint32
	header FrameHeader
	pixels []hword.HWord
}

// Number returns the frame's identifier, derived from its source
// filename when loaded with FromFile.
func (f *Frame) Number() uint32 { return f.id }

// Type is the constant record type name carried by every frame.
func (f *Frame) Type() string { return "point_cloud" }

// NumPixels returns the number of pixel HWORDs actually present in the
// frame, irrespective of what NUM_PIXELS_RW in the header claimed.
func (f *Frame) NumPixels() int { return len(f.pixels) }

// Header returns the frame's decoded header registers.
func (f *Frame) Header() FrameHeader { return f.header }

// FromFile loads a frame from a .dsql file, deriving the frame id from
// the filename per frameNumberFromName.
func FromFile(path string) (*Frame, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errkind.Newf(errkind.IO, "reading %s: %v", path, err)
	}
	id := frameNumberFromName(strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))
	return FromBytes(id, data)
}

// FromBytes decodes a frame from a raw HWORD blob, as written by the
// capture pipeline's file sink: a run of header HWORDs (FirstHeader
// followed by SubsequentHeader) followed by a run of pixel HWORDs
// (FirstPixel followed by SubsequentPixel). Idle and reserved control
// codes are skipped. len(data) must be a multiple of hword.Bytes.
func FromBytes(id uint32, data []byte) (*Frame, error) {
	if len(data)%hword.Bytes != 0 {
		return nil, errkind.Newf(errkind.InvalidFileFormat, "data length %d is not a multiple of %d", len(data), hword.Bytes)
	}

	f := &Frame{id: id}
	inHeader := false
	sawHeader, sawPixel := false, false
	for off := 0; off < len(data); off += hword.Bytes {
		hw, err := hword.Parse(data[off : off+hword.Bytes])
		if err != nil {
			return nil, err
		}
		switch {
		case hw.Control == hword.FirstHeader:
			inHeader, sawHeader = true, true
			f.header.HWords = append(f.header.HWords, hw)
		case hw.Control == hword.SubsequentHeader:
			if !inHeader {
				return nil, errkind.Newf(errkind.InvalidFrame,
					"SubsequentHeader at offset %d with no preceding FirstHeader", off)
			}
			f.header.HWords = append(f.header.HWords, hw)
		case hw.Control == hword.FirstPixel:
			inHeader, sawPixel = false, true
			f.pixels = append(f.pixels, hw)
		case hw.Control == hword.SubsequentPixel:
			if inHeader || !sawPixel {
				return nil, errkind.Newf(errkind.InvalidFrame,
					"SubsequentPixel at offset %d with no preceding FirstPixel", off)
			}
			f.pixels = append(f.pixels, hw)
		// Idle and reserved codes are skipped.
		default:
		}
	}
	if !sawHeader || !sawPixel {
		return nil, errkind.Newf(errkind.InvalidFrame,
			"frame missing %s run", missingRun(sawHeader, sawPixel))
	}
	f.header.extractRegisters()
	return f, nil
}

// missingRun names which of the header/pixel runs a malformed frame
// lacked, for InvalidFrame's message.
func missingRun(sawHeader, sawPixel bool) string {
	switch {
	case !sawHeader && !sawPixel:
		return "header and pixel"
	case !sawHeader:
		return "header"
	default:
		return "pixel"
	}
}

// Data projects the frame's pixel HWORDs into CoordinatePoint records.
// decimation selects every decimation-th pixel, starting at index 0; 0
// and 1 both mean no decimation. A nil or empty whitelist populates
// every field.
func (f *Frame) Data(decimation int, whitelist Whitelist) []CoordinatePoint {
	if decimation < 1 {
		decimation = 1
	}
	out := make([]CoordinatePoint, 0, (len(f.pixels)+decimation-1)/decimation)
	for i := 0; i < len(f.pixels); i += decimation {
		out = append(out, extractPoint(f.pixels[i], whitelist))
	}
	return out
}

// extractPoint projects a single pixel HWORD's payload into a
// CoordinatePoint, per the field bit layout:
//
//	x:         bits 18:0,  19 bits signed, 9.10 fixed point
//	y:         bits 42:24, 19 bits signed, 9.10 fixed point
//	z:         bits 69:48, 22 bits signed, 12.10 fixed point
//	intensity: bits 83:72, 12 bits
//	over_range: bit 90
//	gain:      bit 91 (true = low gain)
func extractPoint(hw hword.HWord, whitelist Whitelist) CoordinatePoint {
	var p CoordinatePoint
	if whitelist.Includes(FieldX) {
		p.X = float64(hw.Payload.SignedField(0, 19)) / coordinateScaleFactor
	}
	if whitelist.Includes(FieldY) {
		p.Y = float64(hw.Payload.SignedField(24, 19)) / coordinateScaleFactor
	}
	if whitelist.Includes(FieldZ) {
		p.Z = float64(hw.Payload.SignedField(48, 22)) / coordinateScaleFactor
	}
	if whitelist.Includes(FieldIntensity) {
		p.Intensity = uint16(hw.Payload.Field(72, 12))
	}
	if whitelist.Includes(FieldOverRange) {
		p.OverRange = hw.Payload.Field(90, 1) != 0
	}
	if whitelist.Includes(FieldGain) {
		p.Gain = hw.Payload.Field(91, 1) != 0
	}
	return p
}

var digitsRE = regexp.MustCompile(`\d+`)

// frameNumberFromName derives a frame id from a .dsql file's stem,
// trying, in order: an 8-hex-digit name (the format the file sink
// writes), a plain decimal number, the first run of digits anywhere in
// the name, and finally a hash of the whole name so that FromFile never
// fails solely because of an unrecognised filename.
func frameNumberFromName(stem string) uint32 {
	if len(stem) == 8 {
		if n, err := strconv.ParseUint(stem, 16, 32); err == nil {
			return uint32(n)
		}
	}
	if n, err := strconv.ParseUint(stem, 10, 32); err == nil {
		return uint32(n)
	}
	if m := digitsRE.FindString(stem); m != "" {
		if n, err := strconv.ParseUint(m, 10, 32); err == nil {
			return uint32(n)
		}
	}
	return fnv32(stem)
}

// fnv32 is the FNV-1a 32-bit hash, used only as frameNumberFromName's
// last-resort fallback for an unparseable filename.
func fnv32(s string) uint32 {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	h := uint32(offset32)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime32
	}
	return h
}
