package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// EventManager is the process-wide pub/sub bus. It is an explicit
// object handed to publishers and subscribers; there is no ambient
// global registry. All subscriber bookkeeping happens on a single
// run-loop goroutine, so no lock protects the topic map.
type EventManager struct {
	subs map[Topic][]*Subscriber

	ops        chan *operation
	closed     chan struct{}
	shutdown   sync.Once
	bufferSize int

	// set by the redis bridge to mirror locally-published events to
	// other processes; must be wired before Run starts
	mirror func(Topic, *StreamEvent)

	log *slog.Logger
}

func NewEventManager() *EventManager {
	return &EventManager{
		subs:       make(map[Topic][]*Subscriber),
		ops:        make(chan *operation),
		closed:     make(chan struct{}),
		bufferSize: 1024,
		log:        slog.Default().With("system", "events"),
	}
}

const (
	opSubscribe = iota
	opUnsubscribe
	opSend
)

type operation struct {
	op    int
	topic Topic
	sub   *Subscriber
	evt   *StreamEvent
}

type Subscriber struct {
	topic    Topic
	outgoing chan *StreamEvent
	filter   func(*StreamEvent) bool

	ident string
}

func (em *EventManager) Run() {
	for {
		var op *operation
		select {
		case op = <-em.ops:
		case <-em.closed:
			return
		}

		switch op.op {
		case opSubscribe:
			em.subs[op.topic] = append(em.subs[op.topic], op.sub)
		case opUnsubscribe:
			subs := em.subs[op.topic]
			for i, s := range subs {
				if s == op.sub {
					subs[i] = subs[len(subs)-1]
					subs = subs[:len(subs)-1]
					break
				}
			}
			if len(subs) == 0 {
				delete(em.subs, op.topic)
			} else {
				em.subs[op.topic] = subs
			}
		case opSend:
			eventsPublished.WithLabelValues(topicClass(op.topic)).Inc()

			for _, s := range em.subs[op.topic] {
				if s.filter != nil && !s.filter(op.evt) {
					continue
				}
				select {
				case s.outgoing <- op.evt:
					eventsDelivered.WithLabelValues(topicClass(op.topic)).Inc()
				default:
					// best effort: a subscriber that cannot keep up
					// loses events rather than stalling the bus
					eventsDropped.WithLabelValues(topicClass(op.topic)).Inc()
					em.log.Warn("subscriber overflow, dropping event", "topic", op.topic, "ident", s.ident)
				}
			}

			if em.mirror != nil && op.evt.PrivOrigin == "" {
				em.mirror(op.topic, op.evt)
			}
		default:
			em.log.Error("unrecognized eventmgr operation", "op", op.op)
		}
	}
}

func (em *EventManager) Shutdown() {
	em.shutdown.Do(func() {
		close(em.closed)
	})
}

// Publish fans the event out to every current subscriber of the topic.
// The event must not be mutated after publishing.
func (em *EventManager) Publish(topic Topic, evt *StreamEvent) error {
	select {
	case em.ops <- &operation{op: opSend, topic: topic, evt: evt}:
		return nil
	case <-em.closed:
		return fmt.Errorf("event manager shut down")
	}
}

// Subscribe registers for a topic. The returned cancel func is
// idempotent; after it returns, no further events are queued to the
// returned channel (one already-buffered event may still drain).
func (em *EventManager) Subscribe(ctx context.Context, topic Topic, ident string, filter func(*StreamEvent) bool) (<-chan *StreamEvent, func(), error) {
	sub := &Subscriber{
		topic:    topic,
		outgoing: make(chan *StreamEvent, em.bufferSize),
		filter:   filter,
		ident:    ident,
	}

	select {
	case em.ops <- &operation{op: opSubscribe, topic: topic, sub: sub}:
	case <-em.closed:
		return nil, nil, fmt.Errorf("event manager shut down")
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			select {
			case em.ops <- &operation{op: opUnsubscribe, topic: topic, sub: sub}:
			case <-em.closed:
			}
		})
	}

	return sub.outgoing, cancel, nil
}
