package gateway

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/catalyst-gg/catalyst/pkg/log"
)

const (
	writerWorkers = 4
	writerQueue   = 256
)

// job is one queued best-effort write
type job struct {
	name string
	fn   func() error
}

// AsyncWriter runs fire-and-forget store writes on a bounded worker
// pool. Failures are logged, never propagated; a full queue drops the
// write rather than block message routing. Do after Stop is a no-op, so
// connection teardown can race shutdown safely.
type AsyncWriter struct {
	jobs   chan job
	done   chan struct{}
	wg     sync.WaitGroup
	logger zerolog.Logger

	stopOnce sync.Once
}

// NewAsyncWriter creates a writer pool and starts its workers
func NewAsyncWriter() *AsyncWriter {
	w := &AsyncWriter{
		jobs:   make(chan job, writerQueue),
		done:   make(chan struct{}),
		logger: log.WithComponent("async-writer"),
	}
	for i := 0; i < writerWorkers; i++ {
		w.wg.Add(1)
		go w.worker()
	}
	return w
}

func (w *AsyncWriter) worker() {
	defer w.wg.Done()
	for {
		select {
		case j := <-w.jobs:
			w.run(j)
		case <-w.done:
			// Drain whatever is already queued, then exit
			for {
				select {
				case j := <-w.jobs:
					w.run(j)
				default:
					return
				}
			}
		}
	}
}

func (w *AsyncWriter) run(j job) {
	if err := j.fn(); err != nil {
		w.logger.Error().Err(err).Str("write", j.name).Msg("Best-effort write failed")
	}
}

// Do enqueues a best-effort write without blocking
func (w *AsyncWriter) Do(name string, fn func() error) {
	select {
	case w.jobs <- job{name: name, fn: fn}:
	case <-w.done:
	default:
		w.logger.Warn().Str("write", name).Msg("Write queue full, dropping best-effort write")
	}
}

// Stop drains queued writes and stops the workers
func (w *AsyncWriter) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
	})
	w.wg.Wait()
}
