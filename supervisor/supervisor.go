// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package supervisor wires the Ingestor, Recorder, and Aggregator together
// into one running system: it owns the two in-process streams that stand
// in for the original design's FIFOs (spec.md §9), scrubs stale control
// files at startup, and runs all three workers under a shared cancellable
// context so that any one's fatal error or any shutdown signal brings the
// whole system down together.
package supervisor

import (
	"context"
	"log"
	"os"

	"code.hybscloud.com/cuberd/aggregate"
	"code.hybscloud.com/cuberd/ingest"
	"code.hybscloud.com/cuberd/recorder"
	"code.hybscloud.com/cuberd/streambuf"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Config collects everything Run needs to construct and start the three
// workers. Zero values fall back to the same defaults the individual
// packages use.
type Config struct {
	Port       int
	RecvBuf    int
	ControlDir string
	RamdiskDir string

	RecorderQueueCap   int
	AggregatorQueueCap int

	Render aggregate.Renderer
	Logger *log.Logger

	// Ready, if set, is called once the UDP socket is bound and before the
	// workers start, with the bound Ingestor. Tests use it to discover the
	// bound socket's address; it has no role in production use.
	Ready func(*ingest.Ingestor)
}

const (
	defaultRecorderQueueCap   = 8 * 1024 * 1024
	defaultAggregatorQueueCap = 4 * 1024 * 1024
)

// Run constructs the Recorder/Aggregator/Ingestor trio and runs them until
// ctx is cancelled or one of them returns a fatal error, whichever happens
// first. It always scrubs any stale START/STOP/QUIT control files left over
// from a previous run before starting, per spec.md §7.
func Run(ctx context.Context, cfg Config) error {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	recorderCap := cfg.RecorderQueueCap
	if recorderCap == 0 {
		recorderCap = defaultRecorderQueueCap
	}
	aggregatorCap := cfg.AggregatorQueueCap
	if aggregatorCap == 0 {
		aggregatorCap = defaultAggregatorQueueCap
	}

	if cfg.ControlDir != "" {
		if err := os.MkdirAll(cfg.ControlDir, 0o755); err != nil {
			return errors.Wrap(err, "supervisor: create control directory")
		}
	}
	scrubControlFiles(cfg.ControlDir, logger)

	recorderQueue := streambuf.NewQueue(recorderCap, "recorder")
	aggregatorQueue := streambuf.NewQueue(aggregatorCap, "aggregator")

	ingestor, err := ingest.New(ingest.Options{
		Port:       cfg.Port,
		RecvBuf:    cfg.RecvBuf,
		Recorder:   recorderQueue,
		Aggregator: aggregatorQueue,
		Logger:     logger,
	})
	if err != nil {
		return errors.Wrap(err, "supervisor: start ingestor")
	}
	defer ingestor.Close()

	if cfg.Ready != nil {
		cfg.Ready(ingestor)
	}

	rec := recorder.New(recorderQueue, recorder.Options{
		ControlDir: cfg.ControlDir,
		Logger:     logger,
	})

	agg := aggregate.New(aggregatorQueue, aggregate.Options{
		RamdiskDir: cfg.RamdiskDir,
		Render:     cfg.Render,
		Logger:     logger,
	})

	// ownCtx/cancel, not ctx, feeds errgroup.WithContext: only the Supervisor
	// itself is allowed to turn a QUIT file into cancellation, so that
	// watchQuit's cancel() call and a caller-driven ctx cancellation both
	// flow through the one gctx every worker actually polls.
	ownCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	group, gctx := errgroup.WithContext(ownCtx)
	group.Go(func() error { return ingestor.Run(gctx) })
	group.Go(func() error { return rec.Run(gctx) })
	group.Go(func() error { return agg.Run(gctx) })
	group.Go(func() error { return watchQuit(gctx, cfg.ControlDir, cancel) })

	err = group.Wait()
	// All workers have exited; it is now safe to clear every control file,
	// including QUIT itself, for the next run.
	scrubControlFiles(cfg.ControlDir, logger)
	return err
}

// watchQuit busy-polls dir for a QUIT file, exactly as the Recorder polls it,
// and calls cancel the moment it appears. This is what actually turns the
// spec's filesystem shutdown signal into the shared context.Context every
// worker's Run loop checks (spec.md §5/§8 invariant #6): without it, a QUIT
// file only ever reaches the Recorder, and the Ingestor and Aggregator would
// busy-loop forever. It never deletes the file itself — that is left to the
// post-Wait scrubControlFiles call, since deleting it here could race the
// Recorder's own teardown and make it vanish before every worker has seen it.
func watchQuit(ctx context.Context, dir string, cancel context.CancelFunc) error {
	if dir == "" {
		<-ctx.Done()
		return nil
	}
	path := dir + string(os.PathSeparator) + "QUIT"
	for {
		if ctx.Err() != nil {
			return nil
		}
		if _, err := os.Stat(path); err == nil {
			cancel()
			return nil
		}
	}
}

// scrubControlFiles removes any START/STOP/QUIT left behind by a previous
// run, so the Recorder never observes a stale command on startup.
func scrubControlFiles(dir string, logger *log.Logger) {
	if dir == "" {
		return
	}
	for _, name := range []string{"START", "STOP", "QUIT"} {
		path := dir + string(os.PathSeparator) + name
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logger.Printf("supervisor: failed to scrub stale control file %s: %v", path, err)
		}
	}
}
