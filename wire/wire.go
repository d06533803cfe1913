// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package wire decodes the detector array's wire protocol: fixed 8-byte
// big-endian words carrying a packet header followed by photon data words,
// and the dense per-second image those data words accumulate into.
//
// Every word on the wire is big-endian regardless of host architecture;
// decoding always byte-swaps explicitly via encoding/binary rather than
// relying on any packed-struct overlay, per the portability requirement
// observed from the source device's protocol.
package wire

import "encoding/binary"

const (
	// NROACH is the number of independent readout boards.
	NROACH = 10
	// XPIX is the image width in pixels (column count).
	XPIX = 80
	// YPIX is the image height in pixels (row count).
	YPIX = 125

	// WordLen is the size in bytes of every header or data word.
	WordLen = 8
	// MaxPacketWords bounds a well-formed packet: one header plus up to
	// 103 data words. The Aggregator's oversize warning (aggregate's
	// parsePass) fires for any packet of more than MaxPacketWords-1 words,
	// so a full-size packet is warned about too; no packet is dropped.
	MaxPacketWords = 104

	// StartHeader marks a fresh packet header word.
	StartHeader = 0xFF
	// StartEOF marks a short-packet terminator word's start byte.
	StartEOF = 0x7F
	// RoachEOF marks a short-packet terminator word's roach byte.
	RoachEOF = 0xFF

	frameMod = 1 << 12 // 12-bit frame counter wraps modulo 4096
)

// Header is the decoded form of a packet's leading 8-byte word.
type Header struct {
	Start     uint8
	Roach     uint8
	Frame     uint16 // 12 bits
	Timestamp uint64 // 36 bits
}

// DecodeHeader byte-swaps and bit-decodes an 8-byte big-endian header word.
// The caller guarantees len(b) >= WordLen.
func DecodeHeader(b []byte) Header {
	v := binary.BigEndian.Uint64(b[:WordLen])
	return Header{
		Start:     uint8(v >> 56),
		Roach:     uint8((v >> 48) & 0xFF),
		Frame:     uint16((v >> 36) & 0xFFF),
		Timestamp: v & 0xFFFFFFFFF, // low 36 bits
	}
}

// IsHeader reports whether the decoded start/roach pair marks a fresh
// packet header (0xFF) as opposed to a data word or EOF terminator.
func (h Header) IsHeader() bool { return h.Start == StartHeader }

// IsEOF reports whether the decoded start/roach pair is the short-packet
// terminator word (start=0x7F, roach=0xFF). Terminator words are consumed
// and discarded; they carry no photon data.
func (h Header) IsEOF() bool { return h.Start == StartEOF && h.Roach == RoachEOF }

// DataWord is the decoded form of one 8-byte photon data word.
type DataWord struct {
	Xcoord    uint16 // 10 bits
	Ycoord    uint16 // 10 bits
	Timestamp uint16 // 9 bits, intra-packet offset
	Wvl       uint32 // 18 bits, wavelength channel
	Baseline  uint32 // 17 bits, baseline sample
}

// DecodeDataWord byte-swaps and bit-decodes an 8-byte big-endian data word.
// The caller guarantees len(b) >= WordLen.
func DecodeDataWord(b []byte) DataWord {
	v := binary.BigEndian.Uint64(b[:WordLen])
	return DataWord{
		Xcoord:    uint16((v >> 54) & 0x3FF),
		Ycoord:    uint16((v >> 44) & 0x3FF),
		Timestamp: uint16((v >> 35) & 0x1FF),
		Wvl:       uint32((v >> 17) & 0x3FFFF),
		Baseline:  uint32(v & 0x1FFFF),
	}
}

// FrameState tracks the per-board 12-bit frame sequence counter. It never
// resyncs to a received frame number on mismatch: per spec, a mismatch is
// diagnostic only and the counter keeps advancing from its own prior value.
// This is an observed-behavior decision, not an oversight; see DESIGN.md.
type FrameState struct {
	expected [NROACH]uint16
}

// Expected returns the currently expected frame number for roach r.
func (f *FrameState) Expected(r uint8) uint16 {
	return f.expected[r%NROACH]
}

// Advance compares the received frame number against expectation for board
// r, then unconditionally advances the expectation by one modulo 4096. It
// reports whether the received frame matched what was expected, for the
// caller to turn into a diagnostic.
func (f *FrameState) Advance(r uint8, received uint16) (matched bool) {
	idx := r % NROACH
	matched = f.expected[idx] == received
	f.expected[idx] = (f.expected[idx] + 1) % frameMod
	return matched
}
