// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package aggregate

import "code.hybscloud.com/cuberd/wire"

// parsePass scans the reassembly buffer word by word, starting at offset 8
// (the header occupying [0,8) belongs to the packet currently being
// assembled), looking for the next header or EOF terminator. Every time a
// boundary is found, the bytes preceding it are parsed as one packet and
// consumed, and the scan restarts from the beginning of what remains. If
// the scan reaches the end of the buffer without finding a boundary, the
// current packet is still incomplete and parsePass returns, waiting for
// more bytes on a later ingestOnce call.
func (a *Aggregator) parsePass() {
	for {
		if len(a.buf) < minParseable {
			return
		}

		words := len(a.buf) / wire.WordLen
		boundary := -1
		isEOF := false

		for i := 1; i < words; i++ {
			off := i * wire.WordLen
			start := a.buf[off]
			if start == wire.StartHeader {
				boundary = off
				break
			}
			if start == wire.StartEOF && a.buf[off+1] == wire.RoachEOF {
				boundary = off
				isEOF = true
				break
			}
			// else: a data word belonging to the current packet; keep scanning.
		}

		if boundary < 0 {
			return // current packet incomplete; wait for more bytes
		}

		wordCount := boundary / wire.WordLen // 1 header + (wordCount-1) data words
		if wordCount > wire.MaxPacketWords-1 {
			// Spec's oversize threshold: the boundary word index i > 103.
			a.log.Printf("aggregate: oversize packet: %d words (expected at most %d); accepting anyway", wordCount, wire.MaxPacketWords-1)
		}

		a.ParsePacket(a.buf[:boundary])
		a.parsedThisSecond++
		a.parsedTotal++

		if isEOF {
			a.consume(boundary + wire.WordLen) // also drop the consumed terminator word
		} else {
			a.consume(boundary) // new buf[0] is the next packet's header
		}
	}
}

// ParsePacket decodes one complete packet (header + 0..N data words,
// excluding any EOF terminator, which the caller has already stripped) and
// folds it into the image and frame-state bookkeeping.
//
// Per spec.md §4.3/§9, a frame-sequence mismatch is diagnostic only: the
// per-board expected-frame counter always advances from its own prior
// value, never resyncing to the frame actually received.
func (a *Aggregator) ParsePacket(pkt []byte) {
	if len(pkt) < wire.WordLen {
		return
	}

	h := wire.DecodeHeader(pkt)
	prevExpected := a.frames.Expected(h.Roach)
	if matched := a.frames.Advance(h.Roach, h.Frame); !matched {
		a.log.Printf("aggregate: frame mismatch board=%d expected=%d got=%d", h.Roach, prevExpected, h.Frame)
	}

	for off := wire.WordLen; off+wire.WordLen <= len(pkt); off += wire.WordLen {
		d := wire.DecodeDataWord(pkt[off : off+wire.WordLen])
		a.image.Add(d.Xcoord, d.Ycoord)
	}
}
