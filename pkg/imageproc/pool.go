package imageproc

import (
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/onepad/onepad/pkg/metrics"
)

// Result resolves one submission. Exactly one of OptimizedDataURL or Err is
// set.
type Result struct {
	PlaceholderID    string
	OptimizedDataURL string
	Err              error
}

type job struct {
	placeholderID string
	dataURL       string
	reply         func(Result)
}

// Pool processes image uploads on a fixed set of workers with a bounded
// queue. Every accepted submission resolves to exactly one reply callback,
// success or error.
type Pool struct {
	cfg     Config
	metrics *metrics.Metrics

	queue     chan job
	wg        sync.WaitGroup
	stopCh    chan struct{}
	stoppedCh chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewPool creates an image processing pool.
func NewPool(cfg Config, m *metrics.Metrics) *Pool {
	return &Pool{
		cfg:       cfg,
		metrics:   m,
		queue:     make(chan job, cfg.QueueSize),
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Start launches the workers.
func (p *Pool) Start() {
	p.startOnce.Do(func() {
		log.WithField("workers", p.cfg.Workers).Debug("starting image workers")
		for i := 0; i < p.cfg.Workers; i++ {
			p.wg.Add(1)
			go p.worker()
		}
		go func() {
			p.wg.Wait()
			close(p.stoppedCh)
		}()
	})
}

// Stop signals the workers and waits up to timeout for in-flight transforms
// to finish. Queued but unstarted jobs are dropped.
func (p *Pool) Stop(timeout time.Duration) {
	p.stopOnce.Do(func() { close(p.stopCh) })

	select {
	case <-p.stoppedCh:
	case <-time.After(timeout):
		log.Warn("image workers did not stop in time")
	}
}

// Submit queues one upload for processing. It returns false when the queue is
// full, in which case no reply will be delivered and the caller must report
// the overflow itself.
func (p *Pool) Submit(placeholderID, dataURL string, reply func(Result)) bool {
	select {
	case p.queue <- job{placeholderID: placeholderID, dataURL: dataURL, reply: reply}:
		return true
	default:
		return false
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case j := <-p.queue:
			p.handle(j)
		case <-p.stopCh:
			return
		}
	}
}

func (p *Pool) handle(j job) {
	start := time.Now()
	optimized, err := p.process(j.dataURL)
	if err != nil {
		outcome := "error"
		if errors.Is(err, ErrTooLarge) {
			outcome = "rejected"
		}
		p.metrics.ObserveImage(outcome, time.Since(start))
		log.WithFields(log.Fields{
			"placeholder": j.placeholderID,
			"err":         err,
		}).Debug("image upload rejected")
		j.reply(Result{PlaceholderID: j.placeholderID, Err: err})
		return
	}

	p.metrics.ObserveImage("ok", time.Since(start))
	j.reply(Result{PlaceholderID: j.placeholderID, OptimizedDataURL: optimized})
}
