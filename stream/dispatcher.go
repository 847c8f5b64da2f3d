package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/mikoto-social/mikoto/events"
	"github.com/mikoto-social/mikoto/events/schedulers/parallel"
)

// Dispatcher owns the process's single firehose subscription and fans
// every note out to the registered channel instances. The registry and
// the scheduler are keyed by the channel's process-unique key, never
// the client-chosen id, so connections reusing the same id keep
// separate subscriptions. One instance sees notes strictly in arrival
// order, different instances proceed concurrently, and one slow or
// failing instance never stalls the rest.
type Dispatcher struct {
	em  *events.EventManager
	log *slog.Logger

	channels *xsync.MapOf[string, *Channel]
	sched    *parallel.Scheduler

	cancel    func()
	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
}

const fanoutConcurrency = 32

func NewDispatcher(em *events.EventManager) *Dispatcher {
	d := &Dispatcher{
		em:       em,
		log:      slog.Default().With("system", "dispatcher"),
		channels: xsync.NewMapOf[string, *Channel](),
		done:     make(chan struct{}),
	}
	d.sched = parallel.NewScheduler(fanoutConcurrency, "note-fanout", d.deliver)
	return d
}

// Start subscribes to the firehose and begins fan-out. Calling it
// again is a no-op.
func (d *Dispatcher) Start(ctx context.Context) error {
	var err error
	d.startOnce.Do(func() {
		var evts <-chan *events.StreamEvent
		evts, d.cancel, err = d.em.Subscribe(ctx, events.TopicNotes, "dispatcher", nil)
		if err != nil {
			return
		}
		go d.run(ctx, evts)
	})
	return err
}

func (d *Dispatcher) run(ctx context.Context, evts <-chan *events.StreamEvent) {
	for {
		select {
		case evt := <-evts:
			if evt.NoteCreated == nil {
				continue
			}
			d.channels.Range(func(key string, _ *Channel) bool {
				if err := d.sched.AddWork(ctx, key, evt); err != nil {
					d.log.Warn("failed to enqueue note for channel", "channel", key, "err", err)
				}
				return true
			})
		case <-d.done:
			return
		}
	}
}

// deliver runs one channel instance's pipeline for one note. A
// failure is contained to that instance.
func (d *Dispatcher) deliver(ctx context.Context, key string, evt *events.StreamEvent) (err error) {
	ch, ok := d.channels.Load(key)
	if !ok {
		// disposed between enqueue and processing
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("channel pipeline panicked: %v", r)
		}
	}()
	return ch.OnNote(ctx, evt.NoteCreated)
}

func (d *Dispatcher) register(ch *Channel) {
	d.channels.Store(ch.key, ch)
}

func (d *Dispatcher) unregister(ch *Channel) {
	d.channels.Delete(ch.key)
}

// Shutdown stops the firehose subscription and drains the scheduler.
func (d *Dispatcher) Shutdown() {
	d.stopOnce.Do(func() {
		if d.cancel != nil {
			d.cancel()
		}
		close(d.done)
		d.sched.Shutdown()
	})
}
