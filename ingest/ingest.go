// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package ingest owns the UDP socket that receives detector-array
// datagrams and fans each one out, verbatim, to the Recorder and
// Aggregator byte streams.
//
// The Ingestor does not inspect datagram content at all: it is a pure
// receive-and-fan-out loop. Framing, parsing, and the reassembly-buffer
// invariant are entirely the Aggregator's concern (package aggregate).
package ingest

import (
	"context"
	"log"
	"net"
	"time"

	"github.com/pkg/errors"
)

// DefaultPort is the well-known UDP port the detector array's boards emit
// packets to.
const DefaultPort = 50000

// DefaultRecvBuf is the kernel receive-buffer hint requested on the socket.
// Rejection of this hint is treated as fatal: an overflowing kernel receive
// queue would silently drop datagrams and corrupt the Aggregator's framing
// invariant in a way that cannot be distinguished from a legitimate,
// observed packet loss.
const DefaultRecvBuf = 32 * 1024 * 1024

// MaxDatagram is the largest UDP payload the detector protocol ever emits.
const MaxDatagram = 1500

// receiveTimeout bounds each ReadFromUDP call so the worker can poll ctx
// for shutdown without suspending indefinitely, matching spec.md §4.1's
// "3-second receive timeout so the worker can poll the shutdown signal."
const receiveTimeout = 3 * time.Second

// Sink is the minimal interface the Ingestor fans datagrams out to. Both
// streambuf.Queue destinations satisfy it; tests may substitute fakes.
type Sink interface {
	Write(p []byte) (int, error)
}

// Ingestor binds the detector UDP socket and fans every received datagram
// out to two sinks: the Recorder's stream and the Aggregator's stream.
type Ingestor struct {
	conn       *net.UDPConn
	recorder   Sink
	aggregator Sink
	log        *log.Logger
}

// Options configures Ingestor construction.
type Options struct {
	Port       int
	RecvBuf    int
	Recorder   Sink
	Aggregator Sink
	Logger     *log.Logger
}

// New binds the UDP socket on all interfaces at opts.Port (DefaultPort if
// zero) and applies the receive-buffer hint. Socket creation/bind failure
// and receive-buffer-hint rejection are both fatal, per spec.md §7.
func New(opts Options) (*Ingestor, error) {
	port := opts.Port
	if port == 0 {
		port = DefaultPort
	}
	recvBuf := opts.RecvBuf
	if recvBuf == 0 {
		recvBuf = DefaultRecvBuf
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, errors.Wrap(err, "ingest: bind UDP socket")
	}

	if err := setRecvBuffer(conn, recvBuf); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "ingest: set receive-buffer hint")
	}

	return NewWithConn(conn, opts.Recorder, opts.Aggregator, logger), nil
}

// NewWithConn builds an Ingestor around an already-configured UDP
// connection, bypassing socket creation and the receive-buffer hint. It
// exists so tests can drive the receive/fan-out loop against an ephemeral
// loopback socket without needing privileged ports or a 32 MiB buffer hint.
func NewWithConn(conn *net.UDPConn, recorder, aggregator Sink, logger *log.Logger) *Ingestor {
	if logger == nil {
		logger = log.Default()
	}
	return &Ingestor{conn: conn, recorder: recorder, aggregator: aggregator, log: logger}
}

// LocalAddr returns the address the Ingestor's socket is bound to, mainly
// useful in tests that need to know which address to send to. (New treats
// Port: 0 as DefaultPort; an ephemeral port needs NewWithConn.)
func (in *Ingestor) LocalAddr() net.Addr {
	return in.conn.LocalAddr()
}

// Close releases the UDP socket.
func (in *Ingestor) Close() error {
	if in.conn == nil {
		return nil
	}
	return in.conn.Close()
}

// Run receives datagrams until ctx is cancelled or a non-timeout socket
// error occurs. It is the Ingestor's entire duty cycle: receive one
// datagram, fan it out to both sinks, repeat.
func (in *Ingestor) Run(ctx context.Context) error {
	buf := make([]byte, MaxDatagram)
	for {
		if ctx.Err() != nil {
			return nil
		}

		if err := in.conn.SetReadDeadline(time.Now().Add(receiveTimeout)); err != nil {
			return errors.Wrap(err, "ingest: set read deadline")
		}

		n, _, err := in.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				// Benign: just a poll interval: re-check shutdown and continue.
				continue
			}
			return errors.Wrap(err, "ingest: receive")
		}

		in.fanOut(buf[:n])
	}
}

// fanOut writes the exact received bytes to both sinks. Both writes are
// always attempted even if one fails; a short write is logged as a
// recoverable diagnostic and is never retried, because the Aggregator's own
// sentinel-resync logic (package aggregate) is what absorbs any resulting
// gap, not the Ingestor.
func (in *Ingestor) fanOut(b []byte) {
	if in.recorder != nil {
		if n, err := in.recorder.Write(b); err != nil || n != len(b) {
			in.log.Printf("ingest: short write to recorder stream: wrote %d of %d bytes: %v", n, len(b), err)
		}
	}
	if in.aggregator != nil {
		if n, err := in.aggregator.Write(b); err != nil || n != len(b) {
			in.log.Printf("ingest: short write to aggregator stream: wrote %d of %d bytes: %v", n, len(b), err)
		}
	}
}
