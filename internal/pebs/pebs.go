// Package pebs runs the hardware sampling worker: a single goroutine that
// drains (address, timestamp) records from a sample source
// and forwards them as touch events.
//
// The kernel perf interface is wrapped behind the Source interface so the
// worker, the consumer and the tests can run on a synthetic stream.
package pebs

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// Sample is one observed memory access.
type Sample struct {
	Addr      uint64
	Timestamp uint64
}

// Source yields samples monotonically in Timestamp. Implementations may drop
// samples on overrun; the hotness model decays naturally around the gap.
type Source interface {
	// Poll hands every sample accumulated since the previous call to fn.
	Poll(fn func(Sample)) error

	// Close releases the source. Poll must not be called afterwards.
	Close() error
}

// ErrStopped indicates the worker has been stopped.
var ErrStopped = errors.New("pebs: stopped")

// Config parameterizes the worker.
type Config struct {
	Source Source

	// WakeFrequencyHz is how often the worker polls the source.
	WakeFrequencyHz float64

	// Emit forwards one touch into the event pipeline. A false return means
	// the event ring was full and the sample was dropped; the worker keeps
	// going.
	Emit func(addr, timestamp uint64) bool
}

// Worker is the sampling goroutine handle.
type Worker struct {
	cfg Config

	process atomic.Bool

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewWorker creates a stopped worker.
func NewWorker(cfg Config) *Worker {
	w := &Worker{
		cfg:  cfg,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}

	w.process.Store(true)

	return w
}

// Start launches the sampling goroutine.
func (w *Worker) Start() {
	go w.run()
}

// SetProcessTouches enables or disables sample processing without tearing
// the worker down. While disabled the source is still drained so its ring
// cannot back up.
func (w *Worker) SetProcessTouches(process bool) {
	w.process.Store(process)
}

// Stop terminates the worker and closes the source. Safe to call more than
// once.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
		<-w.done
		_ = w.cfg.Source.Close()
	})
}

func (w *Worker) run() {
	defer close(w.done)

	period := time.Second
	if w.cfg.WakeFrequencyHz > 0 {
		period = time.Duration(float64(time.Second) / w.cfg.WakeFrequencyHz)
	}

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
		}

		_ = w.cfg.Source.Poll(func(s Sample) {
			if !w.process.Load() {
				return
			}

			w.cfg.Emit(s.Addr, s.Timestamp)
		})
	}
}
