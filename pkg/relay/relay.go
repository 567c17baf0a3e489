// Package relay fans engine events out to live observers.
//
// Publish never blocks the caller: events go through a bounded queue drained
// by a single dispatcher, so every subscriber sees events in publish order.
// Delivery is best effort; a full queue or a slow subscriber loses events.
package relay

import (
	"context"
	"sync"
	"time"

	"github.com/naok1207/workflow-visualizer/pkg/models"
)

const (
	GlobalChannel = "global"

	DefaultQueueSize        = 256
	DefaultSubscriberBuffer = 64
	DefaultSinkTimeout      = 5 * time.Second
)

// TaskChannel names the channel scoped to one task.
func TaskChannel(taskID string) string {
	return "task:" + taskID
}

type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Metrics observes relay activity.
type Metrics interface {
	EventPublished(kind models.EventKind)
	EventDropped(reason string)
	SubscribersChanged(n int)
}

// Sink receives every event after in-process fan-out.
type Sink interface {
	Name() string
	Send(ctx context.Context, event models.Event) error
}

// Delivery is an event as seen on one channel.
type Delivery struct {
	Channel string
	Event   models.Event
}

// Message is the wire form of a delivery.
type Message struct {
	Type       models.EventKind `json:"type"`
	Channel    string           `json:"channel"`
	TaskID     string           `json:"task_id,omitempty"`
	Data       any              `json:"data"`
	OccurredAt time.Time        `json:"occurred_at"`
}

func (d Delivery) Message() Message {
	return Message{
		Type:       d.Event.Kind,
		Channel:    d.Channel,
		TaskID:     d.Event.TaskID,
		Data:       d.Event.Data,
		OccurredAt: d.Event.OccurredAt,
	}
}

type nopLogger struct{}

func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Errorf(string, ...interface{}) {}

type nopMetrics struct{}

func (nopMetrics) EventPublished(models.EventKind) {}
func (nopMetrics) EventDropped(string)             {}
func (nopMetrics) SubscribersChanged(int)          {}

type Option func(*Relay)

func WithQueueSize(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.queueSize = n
		}
	}
}

func WithSubscriberBuffer(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.bufferSize = n
		}
	}
}

func WithLogger(l Logger) Option {
	return func(r *Relay) { r.logger = l }
}

func WithMetrics(m Metrics) Option {
	return func(r *Relay) { r.metrics = m }
}

// WithSinkTimeout bounds each Sink.Send call.
func WithSinkTimeout(d time.Duration) Option {
	return func(r *Relay) {
		if d > 0 {
			r.sinkTimeout = d
		}
	}
}

func WithSink(s Sink) Option {
	return func(r *Relay) { r.sinks = append(r.sinks, s) }
}

type Relay struct {
	queueSize   int
	bufferSize  int
	logger      Logger
	metrics     Metrics
	sinks       []Sink
	sinkTimeout time.Duration

	queue chan models.Event

	pubMu   sync.RWMutex // guards closing against Publish
	closing bool

	mu       sync.RWMutex
	subs     map[*Subscriber]struct{}
	detached bool // set once Close has taken the subscriber set

	startOnce sync.Once
	closeOnce sync.Once
	ctx       context.Context
	done      chan struct{}
}

func New(opts ...Option) *Relay {
	r := &Relay{
		queueSize:   DefaultQueueSize,
		bufferSize:  DefaultSubscriberBuffer,
		sinkTimeout: DefaultSinkTimeout,
		logger:      nopLogger{},
		metrics:     nopMetrics{},
		subs:        make(map[*Subscriber]struct{}),
		ctx:         context.Background(),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	r.queue = make(chan models.Event, r.queueSize)
	return r
}

// Start launches the dispatcher. ctx is passed to sinks.
func (r *Relay) Start(ctx context.Context) {
	r.startOnce.Do(func() {
		r.mu.Lock()
		r.ctx = ctx
		r.mu.Unlock()
		go r.run()
	})
}

func (r *Relay) run() {
	defer close(r.done)
	for event := range r.queue {
		r.dispatch(event)
	}
}

// Publish enqueues event without blocking. It satisfies service.Notifier.
func (r *Relay) Publish(event models.Event) {
	r.pubMu.RLock()
	defer r.pubMu.RUnlock()
	if r.closing {
		r.metrics.EventDropped("closed")
		return
	}
	select {
	case r.queue <- event:
		r.metrics.EventPublished(event.Kind)
	default:
		r.metrics.EventDropped("queue_full")
		r.logger.Errorf("Relay queue full, dropped %s event for task %s", event.Kind, event.TaskID)
	}
}

// Close stops accepting events, delivers what is queued and closes every
// subscriber channel.
func (r *Relay) Close() {
	r.closeOnce.Do(func() {
		r.pubMu.Lock()
		r.closing = true
		close(r.queue)
		r.pubMu.Unlock()

		// Drain through the dispatcher even if Start was never called.
		r.startOnce.Do(func() { go r.run() })
		<-r.done

		r.mu.Lock()
		subs := r.subs
		r.subs = make(map[*Subscriber]struct{})
		r.detached = true
		r.mu.Unlock()
		for sub := range subs {
			sub.close()
		}
		r.metrics.SubscribersChanged(0)
	})
}

func (r *Relay) dispatch(event models.Event) {
	r.mu.RLock()
	subs := r.snapshotSubscribers()
	ctx := r.ctx
	r.mu.RUnlock()

	for _, sub := range subs {
		if sub.global {
			sub.deliver(Delivery{Channel: GlobalChannel, Event: event})
		}
		if event.TaskID != "" && sub.joined(event.TaskID) {
			sub.deliver(Delivery{Channel: TaskChannel(event.TaskID), Event: event})
		}
	}
	for _, sink := range r.sinks {
		r.send(ctx, sink, event)
	}
}

func (r *Relay) send(ctx context.Context, sink Sink, event models.Event) {
	ctx, cancel := context.WithTimeout(ctx, r.sinkTimeout)
	defer cancel()
	if err := sink.Send(ctx, event); err != nil {
		r.logger.Errorf("Relay sink %s failed for %s event: %v", sink.Name(), event.Kind, err)
	}
}

func (r *Relay) snapshotSubscribers() []*Subscriber {
	if len(r.subs) == 0 {
		return nil
	}
	items := make([]*Subscriber, 0, len(r.subs))
	for sub := range r.subs {
		items = append(items, sub)
	}
	return items
}

// SubscribeAll registers an observer of the global channel. It may also join
// task channels.
func (r *Relay) SubscribeAll() *Subscriber {
	return r.subscribe(true)
}

// SubscribeTask registers an observer of one task channel only.
func (r *Relay) SubscribeTask(taskID string) *Subscriber {
	sub := r.subscribe(false)
	sub.Join(taskID)
	return sub
}

func (r *Relay) subscribe(global bool) *Subscriber {
	sub := newSubscriber(r, global, r.bufferSize)
	r.mu.Lock()
	if r.detached {
		r.mu.Unlock()
		sub.close()
		return sub
	}
	r.subs[sub] = struct{}{}
	n := len(r.subs)
	r.mu.Unlock()
	r.metrics.SubscribersChanged(n)
	return sub
}

func (r *Relay) remove(sub *Subscriber) {
	r.mu.Lock()
	delete(r.subs, sub)
	n := len(r.subs)
	r.mu.Unlock()
	r.metrics.SubscribersChanged(n)
	sub.close()
}

// SubscriberCount reports the number of live subscribers.
func (r *Relay) SubscriberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}
