// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package wire

import (
	"encoding/binary"
	"io"
)

// saturationCeiling is the maximum value a 16-bit counter cell may hold.
// Cells saturate rather than wrap; see DESIGN.md's resolution of the
// saturation Open Question.
const saturationCeiling = 65535

// Image is the dense XPIX x YPIX grid of photon counts accumulated over one
// wall-clock second. Cells are laid out column-major (cells[x][y]) to match
// the on-disk layout written by WriteTo.
//
// Image is not safe for concurrent use; it is mutated by exactly one
// goroutine (the Aggregator).
type Image struct {
	cells      [XPIX][YPIX]uint16
	overflowed bool
}

// NewImage returns a zeroed image.
func NewImage() *Image { return &Image{} }

// Add increments the cell at (x, y) by one, reducing both coordinates modulo
// their extent as the wire protocol requires, and saturating at 65535.
func (img *Image) Add(x, y uint16) {
	xi := int(x) % XPIX
	yi := int(y) % YPIX
	if img.cells[xi][yi] < saturationCeiling {
		img.cells[xi][yi]++
	} else {
		img.overflowed = true
	}
}

// At returns the current count at (x, y), for tests and diagnostics.
func (img *Image) At(x, y int) uint16 { return img.cells[x][y] }

// Sum returns the sum of all cell counts, for tests verifying image
// conservation against a known count of parsed data words.
func (img *Image) Sum() uint64 {
	var total uint64
	for x := 0; x < XPIX; x++ {
		for y := 0; y < YPIX; y++ {
			total += uint64(img.cells[x][y])
		}
	}
	return total
}

// Overflowed reports whether any cell has saturated since the image was
// last reset.
func (img *Image) Overflowed() bool { return img.overflowed }

// Reset zeroes every cell and clears the overflow flag, as happens after
// every per-second flush.
func (img *Image) Reset() {
	for x := range img.cells {
		for y := range img.cells[x] {
			img.cells[x][y] = 0
		}
	}
	img.overflowed = false
}

// WriteTo serializes the image as XPIX*YPIX little-endian uint16 cells in
// column-major order, matching the <ramdisk>/<epoch>.img file format.
func (img *Image) WriteTo(w io.Writer) (int64, error) {
	var buf [XPIX * YPIX * 2]byte
	off := 0
	for x := 0; x < XPIX; x++ {
		for y := 0; y < YPIX; y++ {
			binary.LittleEndian.PutUint16(buf[off:], img.cells[x][y])
			off += 2
		}
	}
	n, err := w.Write(buf[:])
	return int64(n), err
}

// ByteLen is the fixed size in bytes of a serialized image file.
const ByteLen = XPIX * YPIX * 2
