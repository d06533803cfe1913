// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package aggregate is the framing core: it drains the Aggregator's byte
// stream, reassembles variable-length photon packets from the unaligned
// byte stream, accumulates a per-second photon-count image, and flushes
// that image once per wall-clock second.
//
// The reassembly buffer's central invariant (spec.md §3/§8): at every
// quiescent moment between parse passes, the buffer either is empty or
// begins with a byte that, loaded as a big-endian word, has start=0xFF —
// i.e. it always begins on a packet header boundary. Ingest only appends
// at the tail, and parsing only ever removes a whole-word prefix ending
// exactly on the next header (or just past a consumed EOF word), so the
// invariant holds by construction; see parsePass.
package aggregate

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"code.hybscloud.com/cuberd/streambuf"
	"code.hybscloud.com/cuberd/wire"
	"github.com/pkg/errors"
)

// Reader is the minimal non-blocking source the Aggregator drains.
// *streambuf.Queue satisfies it; Read must return streambuf.ErrWouldBlock
// (== iox.ErrWouldBlock) rather than blocking when nothing is buffered.
type Reader interface {
	Read(p []byte) (int, error)
}

// ingestChunk bounds a single non-blocking read from the stream per loop
// iteration, per spec.md §4.3.
const ingestChunk = 1024

// minParseable is a header plus at least one data word: the minimum bytes
// needed before a parse pass can find anything.
const minParseable = 2 * wire.WordLen

// Renderer invokes the downstream image-to-PNG conversion for a just-flushed
// second. It is called asynchronously and its error, if any, is logged but
// never fatal (spec.md §7: "failure to spawn the renderer" is recoverable).
type Renderer func(imgPath, pngPath string) error

// Aggregator is the framing/accumulation core described in spec.md §4.3.
type Aggregator struct {
	src Reader

	image  *wire.Image
	frames wire.FrameState

	buf []byte // reassembly buffer R

	ramdiskDir string
	render     Renderer

	accumStart int64 // wall-clock second the current image began accumulating
	parsedThisSecond uint64
	parsedTotal      uint64

	log *log.Logger
	now func() time.Time
}

// Options configures Aggregator construction.
type Options struct {
	// RamdiskDir is where <second>.img and <second>.png are written.
	RamdiskDir string
	// Render is invoked asynchronously after each flush; defaults to
	// Bin2PNG (package-level default renderer) if nil.
	Render Renderer
	Logger *log.Logger
	// Now is the clock source; defaults to time.Now. Tests inject a
	// deterministic clock to drive second-rollover scenarios.
	Now func() time.Time
}

// New constructs an Aggregator. src is typically a *streambuf.Queue fed by
// the Ingestor.
func New(src Reader, opts Options) *Aggregator {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	render := opts.Render
	if render == nil {
		render = Bin2PNG
	}
	return &Aggregator{
		src:        src,
		image:      wire.NewImage(),
		buf:        make([]byte, 0, 4*1024),
		ramdiskDir: opts.RamdiskDir,
		render:     render,
		accumStart: now().Unix(),
		log:        logger,
		now:        now,
	}
}

// Run executes the three-action main loop (spec.md §4.3) until ctx is
// cancelled or a fatal stream error occurs. Each iteration performs a
// second-rollover check, a single non-blocking ingest, and a parse pass, in
// that fixed order, busy-polling as spec.md §5 specifies.
func (a *Aggregator) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			// The partial second in flight is discarded, not flushed,
			// matching spec.md §5's cancellation semantics.
			return nil
		}
		if err := a.rollover(); err != nil {
			return err
		}
		if err := a.ingestOnce(); err != nil {
			return err
		}
		a.parsePass()
	}
}

// rollover flushes the accumulated image to disk and resets it whenever
// wall-clock time has advanced past the current accumulation's start
// second.
func (a *Aggregator) rollover() error {
	sec := a.now().Unix()
	if sec <= a.accumStart {
		return nil
	}

	if err := a.flush(a.accumStart); err != nil {
		return err
	}

	a.log.Printf("aggregate: second=%d parsed=%d buffer_depth=%d", a.accumStart, a.parsedThisSecond, len(a.buf))
	a.parsedThisSecond = 0
	a.accumStart = sec
	return nil
}

// flush writes the current image to <ramdiskDir>/<second>.img, resets it,
// and asynchronously triggers the downstream renderer.
func (a *Aggregator) flush(second int64) error {
	if a.ramdiskDir == "" {
		a.image.Reset()
		return nil
	}

	imgPath := filepath.Join(a.ramdiskDir, fmt.Sprintf("%d.img", second))
	f, err := os.Create(imgPath)
	if err != nil {
		return errors.Wrap(err, "aggregate: create image file")
	}
	_, writeErr := a.image.WriteTo(f)
	closeErr := f.Close()
	if writeErr != nil {
		return errors.Wrap(writeErr, "aggregate: write image file")
	}
	if closeErr != nil {
		return errors.Wrap(closeErr, "aggregate: close image file")
	}

	if a.image.Overflowed() {
		a.log.Printf("aggregate: image overflow at second=%d: one or more cells saturated at 65535", second)
	}
	a.image.Reset()

	pngPath := filepath.Join(a.ramdiskDir, fmt.Sprintf("%d.png", second))
	go func() {
		if err := a.render(imgPath, pngPath); err != nil {
			a.log.Printf("aggregate: renderer failed for %s: %v", imgPath, err)
		}
	}()

	return nil
}

// ingestOnce attempts a single non-blocking read of up to ingestChunk bytes
// from the stream and, on success, appends them to the reassembly buffer.
// Appending only at the tail preserves the header-boundary invariant.
func (a *Aggregator) ingestOnce() error {
	chunk := make([]byte, ingestChunk)
	n, err := a.src.Read(chunk)
	if err != nil {
		if err == streambuf.ErrWouldBlock {
			return nil // benign: nothing buffered yet
		}
		if err == io.EOF {
			return nil
		}
		return errors.Wrap(err, "aggregate: ingest")
	}
	a.buf = append(a.buf, chunk[:n]...)
	return nil
}

// consume removes the first n bytes of the reassembly buffer in place,
// preserving capacity for subsequent appends.
func (a *Aggregator) consume(n int) {
	copy(a.buf, a.buf[n:])
	a.buf = a.buf[:len(a.buf)-n]
}
