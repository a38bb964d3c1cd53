// Package persist schedules document saves: a fixed-interval tick plus a
// debounced trigger after each accepted patch, both serialized through a
// single goroutine so only one save is ever in flight.
package persist

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/onepad/onepad/pkg/metrics"
)

// DebounceWindow is the quiet period that coalesces a burst of save requests
// into a single write.
const DebounceWindow = 500 * time.Millisecond

// Saver is the part of the document store the scheduler drives.
type Saver interface {
	Dirty() bool
	Snapshot() string
	SaveSync() error
}

// Archiver records a snapshot after each successful save. Archive failures
// never affect the file save path.
type Archiver interface {
	Record(content string) error
}

// Scheduler owns the save timers. Request is safe for concurrent use; saves
// run on the scheduler goroutine alone.
type Scheduler struct {
	saver    Saver
	archiver Archiver // nil disables archiving
	interval time.Duration
	debounce time.Duration
	metrics  *metrics.Metrics

	reqCh    chan struct{}
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// New creates a scheduler that saves via saver on every interval tick and
// shortly after each Request. archiver may be nil.
func New(saver Saver, archiver Archiver, interval time.Duration, m *metrics.Metrics) *Scheduler {
	return &Scheduler{
		saver:    saver,
		archiver: archiver,
		interval: interval,
		debounce: DebounceWindow,
		metrics:  m,
		reqCh:    make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the scheduler goroutine.
func (s *Scheduler) Start() {
	go s.run()
}

// Request schedules a debounced save. It never blocks; bursts collapse into
// one save after the quiet period, and a request arriving while a save is in
// flight re-arms the debounce.
func (s *Scheduler) Request() {
	select {
	case s.reqCh <- struct{}{}:
	default:
	}
}

// Stop cancels the tick and any pending debounced save, then waits for the
// scheduler goroutine to exit. No save starts after Stop returns.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.doneCh
}

// Flush performs one synchronous save, bypassing the timers. It is meant for
// shutdown, after Stop.
func (s *Scheduler) Flush() error {
	return s.save()
}

func (s *Scheduler) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// The debounce timer stays disarmed until the first request.
	debounce := time.NewTimer(s.debounce)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	for {
		select {
		case <-s.reqCh:
			if !debounce.Stop() {
				select {
				case <-debounce.C:
				default:
				}
			}
			debounce.Reset(s.debounce)

		case <-debounce.C:
			if err := s.save(); err != nil {
				log.WithField("err", err).Error("debounced save failed")
			}

		case <-ticker.C:
			if !s.saver.Dirty() {
				continue
			}
			if err := s.save(); err != nil {
				log.WithField("err", err).Error("periodic save failed")
			}

		case <-s.stopCh:
			return
		}
	}
}

func (s *Scheduler) save() error {
	start := time.Now()
	if err := s.saver.SaveSync(); err != nil {
		s.metrics.ObserveSave("error", time.Since(start))
		return err
	}
	s.metrics.ObserveSave("ok", time.Since(start))

	if s.archiver != nil {
		if err := s.archiver.Record(s.saver.Snapshot()); err != nil {
			log.WithField("err", err).Warn("failed to archive snapshot")
		}
	}
	return nil
}
