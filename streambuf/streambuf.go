// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package streambuf provides a fixed-capacity, single-producer/
// single-consumer byte queue with non-blocking Read and Write.
//
// It stands in for the OS FIFOs ("CuberPipe.pip", "WriterPipe.pip") of the
// original multi-process design: spec.md §9 explicitly allows replacing the
// three-process/FIFO shape with one process and threads/tasks sharing
// bounded channels, provided the single-producer/single-consumer,
// non-blocking contract is preserved. This package is that contract.
//
// Non-blocking semantics mirror code.hybscloud.com/framer's: a Read with
// nothing buffered returns iox.ErrWouldBlock rather than blocking; a Write
// that cannot fit its whole payload writes what fits and reports a short
// write rather than blocking or retrying, exactly as the Ingestor's fan-out
// is specified to behave (partial writes are reported but not retried).
package streambuf

import (
	"io"
	"sync/atomic"

	"code.hybscloud.com/iox"
)

// ErrWouldBlock is returned by Read when the queue currently holds no
// bytes. Re-exported from iox to match the non-blocking vocabulary the
// rest of this codebase (and the teacher library) uses.
var ErrWouldBlock = iox.ErrWouldBlock

// Queue is a lock-free ring buffer sized at construction time. It is safe
// for exactly one writer goroutine and one reader goroutine to use
// concurrently; it is not safe for multiple writers or multiple readers.
type Queue struct {
	label string
	buf   []byte
	cap   int64

	writeIdx int64 // touched only by the writer goroutine
	readIdx  int64 // touched only by the reader goroutine

	size    atomic.Int64 // bytes currently buffered; shared
	dropped atomic.Int64 // bytes ever discarded due to a full queue
}

// NewQueue returns an empty queue with the given byte capacity. label
// identifies the queue in diagnostics (e.g. "cuber", "writer"), echoing the
// original FIFO path names.
func NewQueue(capacity int, label string) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		label: label,
		buf:   make([]byte, capacity),
		cap:   int64(capacity),
	}
}

// Label returns the queue's diagnostic name.
func (q *Queue) Label() string { return q.label }

// Capacity returns the queue's fixed byte capacity.
func (q *Queue) Capacity() int { return int(q.cap) }

// Depth returns the number of bytes currently buffered, for buffer-depth
// diagnostics.
func (q *Queue) Depth() int64 { return q.size.Load() }

// Dropped returns the cumulative number of bytes discarded because the
// queue was full at the time of a Write.
func (q *Queue) Dropped() int64 { return q.dropped.Load() }

// Write appends up to len(p) bytes without ever blocking. If the queue does
// not have room for the whole payload, it accepts as much as fits, counts
// the remainder as dropped, and returns (n, io.ErrShortWrite) with n < len(p).
// A Write attempted against a completely full queue returns (0, io.ErrShortWrite).
func (q *Queue) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	free := q.cap - q.size.Load()
	if free <= 0 {
		q.dropped.Add(int64(len(p)))
		return 0, io.ErrShortWrite
	}

	n := int64(len(p))
	short := false
	if n > free {
		n = free
		short = true
	}

	first := copy(q.buf[q.writeIdx:], p[:n])
	if int64(first) < n {
		copy(q.buf[0:], p[first:n])
	}
	q.writeIdx = (q.writeIdx + n) % q.cap
	q.size.Add(n)

	if short {
		q.dropped.Add(int64(len(p)) - n)
		return int(n), io.ErrShortWrite
	}
	return int(n), nil
}

// Read copies up to len(p) buffered bytes into p without ever blocking. If
// the queue is currently empty, Read returns (0, ErrWouldBlock): the caller
// is expected to poll again on its next loop iteration, matching the
// busy-poll model spec.md §5 describes for the Recorder and Aggregator.
func (q *Queue) Read(p []byte) (int, error) {
	avail := q.size.Load()
	if avail == 0 {
		return 0, ErrWouldBlock
	}
	if len(p) == 0 {
		return 0, nil
	}

	n := int64(len(p))
	if n > avail {
		n = avail
	}

	first := copy(p[:n], q.buf[q.readIdx:])
	if int64(first) < n {
		copy(p[first:n], q.buf[0:])
	}
	q.readIdx = (q.readIdx + n) % q.cap
	q.size.Add(-n)
	return int(n), nil
}
