package parallel

import (
	"context"
	"log/slog"
	"sync"

	"github.com/mikoto-social/mikoto/events"
	"github.com/mikoto-social/mikoto/events/schedulers"

	"github.com/prometheus/client_golang/prometheus"
)

// Scheduler runs work on a fixed pool of workers while serializing all
// items that share a key. Keyed by channel-instance id, this gives the
// delivery pipeline its concurrency contract: events for one instance
// are handled strictly in arrival order, different instances proceed
// in parallel.
type Scheduler struct {
	maxConcurrency int

	do func(context.Context, string, *events.StreamEvent) error

	feeder chan *consumerTask
	out    chan struct{}

	lk     sync.Mutex
	active map[string][]*consumerTask

	ident string

	itemsAdded     prometheus.Counter
	itemsProcessed prometheus.Counter
	itemsActive    prometheus.Counter
	workersActive  prometheus.Gauge

	log *slog.Logger
}

func NewScheduler(maxC int, ident string, do func(context.Context, string, *events.StreamEvent) error) *Scheduler {
	s := &Scheduler{
		maxConcurrency: maxC,

		do: do,

		feeder: make(chan *consumerTask),
		active: make(map[string][]*consumerTask),
		out:    make(chan struct{}),

		ident: ident,

		itemsAdded:     schedulers.WorkItemsAdded.WithLabelValues(ident, "parallel"),
		itemsProcessed: schedulers.WorkItemsProcessed.WithLabelValues(ident, "parallel"),
		itemsActive:    schedulers.WorkItemsActive.WithLabelValues(ident, "parallel"),
		workersActive:  schedulers.WorkersActive.WithLabelValues(ident, "parallel"),

		log: slog.Default().With("system", "parallel-scheduler"),
	}

	for i := 0; i < maxC; i++ {
		go s.worker()
	}

	s.workersActive.Set(float64(maxC))

	return s
}

func (s *Scheduler) Shutdown() {
	s.log.Info("shutting down parallel scheduler", "ident", s.ident)

	for i := 0; i < s.maxConcurrency; i++ {
		s.feeder <- &consumerTask{control: "stop"}
	}

	close(s.feeder)

	for i := 0; i < s.maxConcurrency; i++ {
		<-s.out
	}

	s.workersActive.Set(0)
	s.log.Info("parallel scheduler shutdown complete")
}

type consumerTask struct {
	key     string
	evt     *events.StreamEvent
	control string
}

func (s *Scheduler) AddWork(ctx context.Context, key string, evt *events.StreamEvent) error {
	s.itemsAdded.Inc()
	t := &consumerTask{
		key: key,
		evt: evt,
	}
	s.lk.Lock()

	a, ok := s.active[key]
	if ok {
		s.active[key] = append(a, t)
		s.lk.Unlock()
		return nil
	}

	s.active[key] = []*consumerTask{}
	s.lk.Unlock()

	select {
	case s.feeder <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) worker() {
	for work := range s.feeder {
		for work != nil {
			if work.control == "stop" {
				s.out <- struct{}{}
				return
			}

			s.itemsActive.Inc()
			if err := s.do(context.TODO(), work.key, work.evt); err != nil {
				s.log.Error("event handler failed", "key", work.key, "err", err)
			}
			s.itemsProcessed.Inc()

			s.lk.Lock()
			rem, ok := s.active[work.key]
			if !ok {
				s.log.Error("should always have an 'active' entry if a worker is processing a job")
			}

			if len(rem) == 0 {
				delete(s.active, work.key)
				work = nil
			} else {
				work = rem[0]
				s.active[work.key] = rem[1:]
			}
			s.lk.Unlock()
		}
	}
}
