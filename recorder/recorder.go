// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package recorder drains the Recorder byte stream to timestamped files on
// bulk storage, rotating every wall-clock second, gated by a filesystem
// control plane (START/STOP/QUIT) exactly as spec.md §4.2 describes.
package recorder

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"code.hybscloud.com/cuberd/streambuf"
	"github.com/pkg/errors"
)

// State names the Recorder's four-state machine.
type State int

const (
	Idle State = iota
	Opening
	Active
	Quit
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Opening:
		return "opening"
	case Active:
		return "active"
	case Quit:
		return "quit"
	default:
		return "unknown"
	}
}

// Reader is the minimal non-blocking source the Recorder drains.
// *streambuf.Queue satisfies it.
type Reader interface {
	Read(p []byte) (int, error)
}

// readChunk bounds a single non-blocking drain per loop iteration.
const readChunk = 4096

// Recorder implements the state machine described in spec.md §4.2.
type Recorder struct {
	src     Reader
	control controlPlane
	log     *log.Logger
	now     func() time.Time

	state       State
	captureDir  string
	file        *os.File
	curSecond   int64
	bytesThisSec int64
}

// Options configures Recorder construction.
type Options struct {
	// ControlDir is the directory polled for START/STOP/QUIT.
	ControlDir string
	Logger     *log.Logger
	Now        func() time.Time
}

// New constructs a Recorder in the Idle state.
func New(src Reader, opts Options) *Recorder {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Recorder{
		src:     src,
		control: newControlPlane(opts.ControlDir),
		log:     logger,
		now:     now,
		state:   Idle,
	}
}

// State returns the Recorder's current state, for tests and diagnostics.
func (r *Recorder) State() State { return r.state }

// Run drives the state machine until ctx is cancelled or a QUIT control
// file appears, whichever happens first. Both lead to identical teardown:
// close any open file, delete the START/STOP markers, return. ctx is the
// Supervisor's shared shutdown context: a QUIT file observed by any worker
// is turned into ctx cancellation at the Supervisor level, which is what
// actually brings the Ingestor and Aggregator down too.
func (r *Recorder) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			r.teardown()
			return nil
		}

		quit, err := r.control.quitPresent()
		if err != nil {
			r.log.Printf("recorder: control-file poll error: %v", err)
		} else if quit {
			r.teardown()
			return nil
		}

		if err := r.step(); err != nil {
			return err
		}
	}
}

// step executes one iteration of whichever state the Recorder is in.
func (r *Recorder) step() error {
	switch r.state {
	case Idle:
		r.drainAndDiscard()
		dir, ok, err := r.control.consumeStart()
		if err != nil {
			r.log.Printf("recorder: START poll error: %v", err)
			return nil
		}
		if ok {
			r.captureDir = dir
			r.state = Opening
		}
	case Opening:
		if err := r.openNewFile(r.now().Unix()); err != nil {
			return errors.Wrap(err, "recorder: open capture file")
		}
		r.state = Active
	case Active:
		r.maybeRotate()
		if r.state != Active {
			return nil // rotation failed to open the next file
		}
		r.drainToFile()
		stopped, err := r.control.consumeStop()
		if err != nil {
			r.log.Printf("recorder: STOP poll error: %v", err)
		} else if stopped {
			r.closeFile()
			r.state = Idle
		}
	}
	return nil
}

// drainAndDiscard consumes and throws away bytes while Idle, per spec.md
// §4.2, so the upstream queue never backs up while capture is off.
func (r *Recorder) drainAndDiscard() {
	buf := make([]byte, readChunk)
	for {
		_, err := r.src.Read(buf)
		if err != nil {
			return // ErrWouldBlock (nothing buffered) or any other: stop for this tick
		}
	}
}

// drainToFile appends every immediately-available byte to the current
// file, accumulating the rotation counter. A short write is logged but
// does not corrupt the raw, framing-free capture semantics.
func (r *Recorder) drainToFile() {
	buf := make([]byte, readChunk)
	for {
		n, err := r.src.Read(buf)
		if n > 0 {
			wn, werr := r.file.Write(buf[:n])
			r.bytesThisSec += int64(wn)
			if werr != nil || wn != n {
				r.log.Printf("recorder: short write to %s: wrote %d of %d bytes: %v", r.file.Name(), wn, n, werr)
			}
		}
		if err != nil {
			return // ErrWouldBlock or stream error: done for this tick
		}
	}
}

// maybeRotate closes and reopens the capture file once wall-clock time
// advances past the second the current file was opened for, logging
// per-second throughput.
func (r *Recorder) maybeRotate() {
	sec := r.now().Unix()
	if sec <= r.curSecond {
		return
	}
	r.log.Printf("recorder: rotated %s: %d bytes/sec", r.file.Name(), r.bytesThisSec)
	r.closeFile()
	if err := r.openNewFile(sec); err != nil {
		r.log.Printf("recorder: failed to open next capture file: %v", err)
		r.state = Idle
	}
}

// openNewFile opens <captureDir>/<second>.bin for append-only binary write.
func (r *Recorder) openNewFile(second int64) error {
	path := filepath.Join(r.captureDir, fmt.Sprintf("%d.bin", second))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	r.file = f
	r.curSecond = second
	r.bytesThisSec = 0
	return nil
}

func (r *Recorder) closeFile() {
	if r.file == nil {
		return
	}
	if err := r.file.Close(); err != nil {
		r.log.Printf("recorder: error closing %s: %v", r.file.Name(), err)
	}
	r.file = nil
}

// teardown implements the Quit state: close any open file, delete the
// START/STOP markers, and mark the state machine terminated. QUIT itself is
// left in place; see controlPlane.removeStartStop.
func (r *Recorder) teardown() {
	r.closeFile()
	r.control.removeStartStop()
	r.state = Quit
}
