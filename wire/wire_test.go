// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package wire

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// buildHeader packs a header word exactly as the device would emit it on
// the wire: big-endian, MSB to LSB start:8 roach:8 frame:12 timestamp:36.
func buildHeader(start, roach uint8, frame uint16, ts uint64) []byte {
	v := uint64(start)<<56 | uint64(roach)<<48 | uint64(frame&0xFFF)<<36 | (ts & 0xFFFFFFFFF)
	b := make([]byte, WordLen)
	binary.BigEndian.PutUint64(b, v)
	return b
}

// buildDataWord packs a data word: xcoord:10 ycoord:10 timestamp:9 wvl:18 baseline:17.
func buildDataWord(x, y, ts uint16, wvl, baseline uint32) []byte {
	v := uint64(x&0x3FF)<<54 | uint64(y&0x3FF)<<44 | uint64(ts&0x1FF)<<35 |
		uint64(wvl&0x3FFFF)<<17 | uint64(baseline&0x1FFFF)
	b := make([]byte, WordLen)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func TestDecodeHeader(t *testing.T) {
	b := buildHeader(StartHeader, 3, 100, 123456789)
	h := DecodeHeader(b)
	if h.Start != StartHeader || h.Roach != 3 || h.Frame != 100 || h.Timestamp != 123456789 {
		t.Fatalf("unexpected header: %+v", h)
	}
	if !h.IsHeader() {
		t.Fatal("expected IsHeader true")
	}
	if h.IsEOF() {
		t.Fatal("expected IsEOF false")
	}
}

func TestDecodeHeader_EOF(t *testing.T) {
	b := buildHeader(StartEOF, RoachEOF, 0, 0)
	h := DecodeHeader(b)
	if !h.IsEOF() {
		t.Fatal("expected IsEOF true")
	}
	if h.IsHeader() {
		t.Fatal("expected IsHeader false")
	}
}

func TestDecodeDataWord(t *testing.T) {
	b := buildDataWord(25, 39, 7, 12345, 6789)
	d := DecodeDataWord(b)
	if d.Xcoord != 25 || d.Ycoord != 39 || d.Timestamp != 7 || d.Wvl != 12345 || d.Baseline != 6789 {
		t.Fatalf("unexpected data word: %+v", d)
	}
}

func TestDecodeDataWord_MaxFieldValues(t *testing.T) {
	b := buildDataWord(0x3FF, 0x3FF, 0x1FF, 0x3FFFF, 0x1FFFF)
	d := DecodeDataWord(b)
	if d.Xcoord != 0x3FF || d.Ycoord != 0x3FF || d.Timestamp != 0x1FF || d.Wvl != 0x3FFFF || d.Baseline != 0x1FFFF {
		t.Fatalf("unexpected max data word: %+v", d)
	}
}

func TestFrameState_AdvancesRegardlessOfMatch(t *testing.T) {
	var fs FrameState

	if got := fs.Expected(5); got != 0 {
		t.Fatalf("initial expected = %d, want 0", got)
	}

	// Matching frame: still advances by exactly one.
	matched := fs.Advance(5, 0)
	if !matched {
		t.Fatal("expected match on first frame")
	}
	if got := fs.Expected(5); got != 1 {
		t.Fatalf("expected 1 after match, got %d", got)
	}

	// Mismatch: diagnostic only, counter advances from its OLD value, not
	// from the received value (no resync). Spec scenario: expected=1,
	// received=7 => expected becomes 2, not 8.
	matched = fs.Advance(5, 7)
	if matched {
		t.Fatal("expected mismatch")
	}
	if got := fs.Expected(5); got != 2 {
		t.Fatalf("expected 2 after mismatch (no resync), got %d", got)
	}
}

func TestFrameState_WrapsModulo4096(t *testing.T) {
	var fs FrameState
	for i := 0; i < 4096; i++ {
		fs.Advance(0, fs.Expected(0))
	}
	if got := fs.Expected(0); got != 0 {
		t.Fatalf("expected wrap to 0 after 4096 advances, got %d", got)
	}
}

func TestFrameState_BoardsAreIndependent(t *testing.T) {
	var fs FrameState
	fs.Advance(1, 0)
	fs.Advance(1, 0)
	if fs.Expected(1) != 2 {
		t.Fatalf("board 1 expected 2, got %d", fs.Expected(1))
	}
	if fs.Expected(2) != 0 {
		t.Fatalf("board 2 should be untouched, got %d", fs.Expected(2))
	}
}

func TestImage_AddAndSum(t *testing.T) {
	img := NewImage()
	for i := 0; i < 100; i++ {
		img.Add(25, 39)
	}
	if img.At(25, 39) != 100 {
		t.Fatalf("cell = %d, want 100", img.At(25, 39))
	}
	if img.Sum() != 100 {
		t.Fatalf("sum = %d, want 100", img.Sum())
	}
}

func TestImage_CoordinateWrap(t *testing.T) {
	img := NewImage()
	img.Add(XPIX, 0) // xcoord == XPIX must wrap to column 0
	if img.At(0, 0) != 1 {
		t.Fatalf("expected wrap to column 0, got cell(0,0)=%d", img.At(0, 0))
	}
	img.Add(0, YPIX)
	if img.At(0, 0) != 2 {
		t.Fatalf("expected wrap to row 0 to add to same cell, got %d", img.At(0, 0))
	}
}

func TestImage_SaturatesAtMax(t *testing.T) {
	img := NewImage()
	for i := 0; i < saturationCeiling+10; i++ {
		img.Add(1, 1)
	}
	if img.At(1, 1) != saturationCeiling {
		t.Fatalf("cell = %d, want saturation at %d", img.At(1, 1), saturationCeiling)
	}
	if !img.Overflowed() {
		t.Fatal("expected Overflowed() true")
	}
}

func TestImage_ResetClearsCellsAndOverflow(t *testing.T) {
	img := NewImage()
	img.Add(0, 0)
	img.Reset()
	if img.Sum() != 0 {
		t.Fatalf("sum after reset = %d, want 0", img.Sum())
	}
	if img.Overflowed() {
		t.Fatal("expected Overflowed() false after reset")
	}
}

func TestImage_WriteTo_FormatAndLength(t *testing.T) {
	img := NewImage()
	img.Add(0, 0)
	img.Add(1, 2)
	img.Add(XPIX-1, YPIX-1)

	var buf bytes.Buffer
	n, err := img.WriteTo(&buf)
	if err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	if n != ByteLen || buf.Len() != ByteLen {
		t.Fatalf("wrote %d bytes, want %d", n, ByteLen)
	}

	// cell(0,0) is the first little-endian uint16 in the column-major stream.
	if got := binary.LittleEndian.Uint16(buf.Bytes()[0:2]); got != 1 {
		t.Fatalf("cell(0,0) serialized = %d, want 1", got)
	}
	// cell(1,2) lives at column 1 (offset YPIX cells in), row 2.
	off := (1*YPIX + 2) * 2
	if got := binary.LittleEndian.Uint16(buf.Bytes()[off : off+2]); got != 1 {
		t.Fatalf("cell(1,2) serialized = %d, want 1", got)
	}
}
