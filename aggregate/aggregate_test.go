// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package aggregate

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"code.hybscloud.com/cuberd/streambuf"
	"code.hybscloud.com/cuberd/wire"
)

// fakeSource is a test double implementing Reader: a pre-loaded set of
// chunks, returning streambuf.ErrWouldBlock once drained, exactly as
// *streambuf.Queue does when empty.
type fakeSource struct {
	chunks [][]byte
	idx    int
}

func (f *fakeSource) Read(p []byte) (int, error) {
	if f.idx >= len(f.chunks) {
		return 0, streambuf.ErrWouldBlock
	}
	c := f.chunks[f.idx]
	f.idx++
	n := copy(p, c)
	return n, nil
}

func buildHeader(start, roach uint8, frame uint16, ts uint64) []byte {
	v := uint64(start)<<56 | uint64(roach)<<48 | uint64(frame&0xFFF)<<36 | (ts & 0xFFFFFFFFF)
	b := make([]byte, wire.WordLen)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func buildDataWord(x, y uint16) []byte {
	v := uint64(x&0x3FF)<<54 | uint64(y&0x3FF)<<44
	b := make([]byte, wire.WordLen)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func TestAggregator_SingleFullPacket(t *testing.T) {
	var payload []byte
	payload = append(payload, buildHeader(wire.StartHeader, 3, 0, 100)...)
	for i := 0; i < 100; i++ {
		payload = append(payload, buildDataWord(25, 39)...)
	}
	// Trailing header with no further data marks the boundary that lets the
	// parser recognize packet 1 as complete.
	payload = append(payload, buildHeader(wire.StartHeader, 4, 0, 0)...)

	agg, _ := newAggWithPayload(payload)
	agg.ingestAll(payload)
	agg.parsePass()

	if got := agg.image.Sum(); got != 100 {
		t.Fatalf("image sum = %d, want 100", got)
	}
	if got := agg.frames.Expected(3); got != 1 {
		t.Fatalf("expected_frame[3] = %d, want 1", got)
	}
}

func TestAggregator_PacketSplitAcrossDatagrams(t *testing.T) {
	var pkt1 []byte
	pkt1 = append(pkt1, buildHeader(wire.StartHeader, 1, 0, 0)...)
	for i := 0; i < 99; i++ {
		pkt1 = append(pkt1, buildDataWord(10, 10)...)
	}
	pkt2Header := buildHeader(wire.StartHeader, 2, 0, 0)

	// First 5 words of datagram A, remaining 95 + next header in datagram B.
	datagramA := pkt1[:5*wire.WordLen]
	datagramB := append(append([]byte{}, pkt1[5*wire.WordLen:]...), pkt2Header...)

	agg, _ := newAggWithPayload(nil)
	agg.ingestAll(datagramA)
	agg.parsePass()
	if agg.image.Sum() != 0 {
		t.Fatalf("expected no parse yet, sum = %d", agg.image.Sum())
	}

	agg.ingestAll(datagramB)
	agg.parsePass()
	if got := agg.image.Sum(); got != 99 {
		t.Fatalf("image sum = %d, want 99", got)
	}
}

func TestAggregator_ShortPacketWithEOF(t *testing.T) {
	var payload []byte
	payload = append(payload, buildHeader(wire.StartHeader, 2, 0, 0)...)
	for i := 0; i < 40; i++ {
		payload = append(payload, buildDataWord(5, 5)...)
	}
	payload = append(payload, buildHeader(wire.StartEOF, wire.RoachEOF, 0, 0)...)
	// Next packet's header, so the parser has something to find the
	// boundary against.
	payload = append(payload, buildHeader(wire.StartHeader, 9, 0, 0)...)

	agg, _ := newAggWithPayload(nil)
	agg.ingestAll(payload)
	agg.parsePass()

	if got := agg.image.Sum(); got != 40 {
		t.Fatalf("image sum = %d, want 40", got)
	}
	if len(agg.buf) != wire.WordLen {
		t.Fatalf("remaining buffer len = %d, want one header word (%d)", len(agg.buf), wire.WordLen)
	}
	if agg.buf[0] != wire.StartHeader {
		t.Fatalf("remaining buffer does not start on a header boundary: %x", agg.buf[0])
	}
}

func TestAggregator_FrameMismatchDoesNotResync(t *testing.T) {
	agg, _ := newAggWithPayload(nil)
	// expected_frame[5] starts at 0; deliver frame=7.
	var payload []byte
	payload = append(payload, buildHeader(wire.StartHeader, 5, 7, 0)...)
	payload = append(payload, buildDataWord(1, 1)...)
	payload = append(payload, buildHeader(wire.StartHeader, 0, 0, 0)...)

	agg.ingestAll(payload)
	agg.parsePass()

	if got := agg.frames.Expected(5); got != 1 {
		t.Fatalf("expected_frame[5] = %d, want 1 (no resync)", got)
	}
}

func TestAggregator_CoordinateWrap(t *testing.T) {
	agg, _ := newAggWithPayload(nil)
	var payload []byte
	payload = append(payload, buildHeader(wire.StartHeader, 0, 0, 0)...)
	payload = append(payload, buildDataWord(wire.XPIX, 7)...) // xcoord == XPIX wraps to column 0
	payload = append(payload, buildHeader(wire.StartHeader, 0, 1, 0)...)

	agg.ingestAll(payload)
	agg.parsePass()

	if agg.image.At(0, 7) != 1 {
		t.Fatalf("expected wrapped column 0 row 7 to be incremented, sum=%d", agg.image.Sum())
	}
}

func TestAggregator_FramingInvariant_BufferEmptyOrStartsOnHeader(t *testing.T) {
	agg, _ := newAggWithPayload(nil)
	var payload []byte
	payload = append(payload, buildHeader(wire.StartHeader, 0, 0, 0)...)
	for i := 0; i < 10; i++ {
		payload = append(payload, buildDataWord(1, 1)...)
	}
	agg.ingestAll(payload)
	agg.parsePass()

	// No boundary yet: one incomplete packet remains buffered, and by
	// construction it still starts with the original header byte.
	if len(agg.buf) == 0 {
		t.Fatal("expected buffered incomplete packet")
	}
	if agg.buf[0] != wire.StartHeader {
		t.Fatalf("framing invariant violated: buf[0] = %x", agg.buf[0])
	}
}

func TestAggregator_SecondRollover_FlushesAndResets(t *testing.T) {
	dir := t.TempDir()
	clockSec := int64(1000)
	clock := func() time.Time { return time.Unix(clockSec, 0) }

	agg := New(&fakeSource{}, Options{
		RamdiskDir: dir,
		Now:        clock,
		Render:     func(string, string) error { return nil },
	})

	var payload []byte
	payload = append(payload, buildHeader(wire.StartHeader, 0, 0, 0)...)
	for i := 0; i < 500; i++ {
		payload = append(payload, buildDataWord(2, 2)...)
	}
	payload = append(payload, buildHeader(wire.StartHeader, 0, 1, 0)...)
	agg.ingestAll(payload)
	agg.parsePass()

	if agg.image.Sum() != 500 {
		t.Fatalf("sum before rollover = %d, want 500", agg.image.Sum())
	}

	clockSec = 1001
	if err := agg.rollover(); err != nil {
		t.Fatalf("rollover: %v", err)
	}

	if agg.image.Sum() != 0 {
		t.Fatalf("image not reset after rollover, sum = %d", agg.image.Sum())
	}

	imgPath := filepath.Join(dir, "1000.img")
	data, err := os.ReadFile(imgPath)
	if err != nil {
		t.Fatalf("read image file: %v", err)
	}
	if len(data) != wire.ByteLen {
		t.Fatalf("image file length = %d, want %d", len(data), wire.ByteLen)
	}

	var sum uint64
	for i := 0; i+1 < len(data); i += 2 {
		sum += uint64(binary.LittleEndian.Uint16(data[i : i+2]))
	}
	if sum != 500 {
		t.Fatalf("image file cell sum = %d, want 500", sum)
	}
}

func TestAggregator_Run_StopsOnCancelWithoutFlushingPartialSecond(t *testing.T) {
	dir := t.TempDir()
	agg := New(&fakeSource{}, Options{RamdiskDir: dir})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan error, 1)
	go func() { done <- agg.Run(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return promptly on cancelled context")
	}
}

// --- helpers ---

func newAggWithPayload(_ []byte) (*Aggregator, *fakeSource) {
	src := &fakeSource{}
	agg := New(src, Options{})
	return agg, src
}

// ingestAll appends raw bytes directly into the reassembly buffer,
// bypassing the non-blocking Reader plumbing, so tests can set up
// arbitrarily-split payloads without juggling fakeSource chunk boundaries.
func (a *Aggregator) ingestAll(b []byte) {
	a.buf = append(a.buf, b...)
}
