// Package bus implements the process-local named-topic event bus that links
// the input, decision, and output domains.
//
// The bus is the only inter-domain channel: domains publish typed payloads to
// well-known topics (see [TopicDataMessage] and friends) and never call each
// other directly. Dispatch is synchronous — when [Bus.Emit] returns, every
// handler that was subscribed at call time has been invoked exactly once —
// with per-handler error isolation so one misbehaving subscriber cannot
// starve its siblings.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrClosed is returned by every bus operation after [Bus.Close].
	ErrClosed = errors.New("bus: closed")

	// ErrTimeout is returned by [Bus.Request] when no response arrives in time.
	ErrTimeout = errors.New("bus: request timed out")

	// ErrNoReplyTopic is returned by [Bus.Respond] for events that were not
	// emitted through [Bus.Request].
	ErrNoReplyTopic = errors.New("bus: event carries no reply topic")
)

// Event is the envelope delivered to handlers.
type Event struct {
	// Topic the event was emitted on.
	Topic string

	// Payload is the typed event body. Subscribers treat it as immutable.
	Payload any

	// Source names the component that emitted the event.
	Source string

	// Seq is a process-wide monotonic sequence number.
	Seq uint64

	// Time is when the event was emitted.
	Time time.Time

	// ReplyTopic is set on events emitted through [Bus.Request]; responders
	// answer via [Bus.Respond].
	ReplyTopic string
}

// Handler consumes one event. Returning an error counts against the topic's
// statistics; under isolation (the default) it does not affect sibling
// handlers.
type Handler func(ctx context.Context, ev Event) error

// SubscriptionID identifies one subscription for [Bus.Unsubscribe].
type SubscriptionID string

type subscription struct {
	id       SubscriptionID
	topic    string
	priority int
	order    uint64
	handler  Handler
}

// Option configures a [Bus].
type Option func(*Bus)

// WithLogger sets the logger. Defaults to slog.Default with a component attr.
func WithLogger(log *slog.Logger) Option {
	return func(b *Bus) { b.log = log }
}

// WithPayloadValidation enables payload type checking against the types
// registered via [Bus.RegisterTopicType]. Mismatches are logged, never
// rejected.
func WithPayloadValidation() Option {
	return func(b *Bus) { b.validate = true }
}

// Bus is the event bus. Safe for concurrent use; handlers may subscribe,
// unsubscribe, and emit re-entrantly.
type Bus struct {
	log      *slog.Logger
	validate bool

	mu         sync.RWMutex
	subs       map[string][]*subscription
	byID       map[SubscriptionID]*subscription
	topicTypes map[string]reflect.Type
	stats      map[string]*topicStats
	nextOrder  uint64
	closed     bool

	done chan struct{}
	seq  atomic.Uint64
}

// New creates an open [Bus].
func New(opts ...Option) *Bus {
	b := &Bus{
		subs:       make(map[string][]*subscription),
		byID:       make(map[SubscriptionID]*subscription),
		topicTypes: make(map[string]reflect.Type),
		stats:      make(map[string]*topicStats),
		done:       make(chan struct{}),
	}
	for _, o := range opts {
		o(b)
	}
	if b.log == nil {
		b.log = slog.Default().With("component", "bus")
	}
	return b
}

// SubscribeOption configures one subscription.
type SubscribeOption func(*subscription)

// WithPriority orders handler invocation: ascending priority, ties broken by
// insertion order. The default priority is 0.
func WithPriority(p int) SubscribeOption {
	return func(s *subscription) { s.priority = p }
}

// Subscribe registers h on topic and returns a stable opaque ID.
func (b *Bus) Subscribe(topic string, h Handler, opts ...SubscribeOption) (SubscriptionID, error) {
	if topic == "" {
		return "", errors.New("bus: empty topic")
	}
	if h == nil {
		return "", errors.New("bus: nil handler")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", ErrClosed
	}

	sub := &subscription{
		id:      SubscriptionID(uuid.NewString()),
		topic:   topic,
		order:   b.nextOrder,
		handler: h,
	}
	b.nextOrder++
	for _, o := range opts {
		o(sub)
	}

	list := append(b.subs[topic], sub)
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].priority != list[j].priority {
			return list[i].priority < list[j].priority
		}
		return list[i].order < list[j].order
	})
	b.subs[topic] = list
	b.byID[sub.id] = sub
	return sub.id, nil
}

// Unsubscribe removes a subscription. Unknown IDs are a no-op.
func (b *Bus) Unsubscribe(id SubscriptionID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.byID[id]
	if !ok {
		return
	}
	delete(b.byID, id)

	list := b.subs[sub.topic]
	for i, s := range list {
		if s.id == id {
			b.subs[sub.topic] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(b.subs[sub.topic]) == 0 {
		delete(b.subs, sub.topic)
	}
}

// RegisterTopicType declares the expected payload type for a topic, using the
// dynamic type of sample. Validation only takes effect on buses created with
// [WithPayloadValidation].
func (b *Bus) RegisterTopicType(topic string, sample any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.topicTypes[topic] = reflect.TypeOf(sample)
}

// EmitOption configures one emit.
type EmitOption func(*emitConfig)

type emitConfig struct {
	isolate bool
}

// WithoutIsolation makes the first handler failure abort the dispatch and
// propagate to the caller. The default isolates handler errors.
func WithoutIsolation() EmitOption {
	return func(c *emitConfig) { c.isolate = false }
}

// Emit publishes payload on topic and synchronously invokes every subscribed
// handler in priority order. After [Bus.Close] the event is dropped with a
// warning and ErrClosed is returned.
func (b *Bus) Emit(ctx context.Context, topic string, payload any, source string, opts ...EmitOption) error {
	ev := Event{
		Topic:   topic,
		Payload: payload,
		Source:  source,
	}
	return b.dispatch(ctx, ev, opts...)
}

func (b *Bus) dispatch(ctx context.Context, ev Event, opts ...EmitOption) error {
	cfg := emitConfig{isolate: true}
	for _, o := range opts {
		o(&cfg)
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		b.log.Warn("emit after close, dropping event", "topic", ev.Topic, "source", ev.Source)
		return ErrClosed
	}
	b.checkPayloadLocked(ev.Topic, ev.Payload)
	snapshot := append([]*subscription(nil), b.subs[ev.Topic]...)
	b.mu.RUnlock()

	ev.Seq = b.seq.Add(1)
	ev.Time = time.Now()

	st := b.topicStats(ev.Topic)
	st.emitted.Add(1)

	for _, sub := range snapshot {
		err := safeInvoke(ctx, sub.handler, ev)
		if err == nil {
			st.delivered.Add(1)
			continue
		}
		st.recordError(err)
		if !cfg.isolate {
			return fmt.Errorf("bus: handler on %q failed: %w", ev.Topic, err)
		}
		b.log.Error("handler failed", "topic", ev.Topic, "subscription", string(sub.id), "error", err)
	}
	return nil
}

// safeInvoke runs one handler, converting a panic into an error so a broken
// subscriber cannot take down the dispatcher.
func safeInvoke(ctx context.Context, h Handler, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, ev)
}

// checkPayloadLocked logs payload type mismatches when validation is enabled.
// Callers hold at least the read lock.
func (b *Bus) checkPayloadLocked(topic string, payload any) {
	if !b.validate {
		return
	}
	want, ok := b.topicTypes[topic]
	if !ok {
		b.log.Debug("emit on unregistered topic", "topic", topic)
		return
	}
	if got := reflect.TypeOf(payload); got != want {
		b.log.Warn("payload type mismatch",
			"topic", topic,
			"want", fmt.Sprint(want),
			"got", fmt.Sprint(got),
		)
	}
}

// Request emits payload on topic with a unique reply topic attached and waits
// for a single [Bus.Respond]. It returns the response payload, ErrTimeout
// after timeout, or ErrClosed if the bus shuts down while waiting.
func (b *Bus) Request(ctx context.Context, topic string, payload any, source string, timeout time.Duration) (any, error) {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}

	replyTopic := "bus.reply." + uuid.NewString()
	replyCh := make(chan any, 1)

	id, err := b.Subscribe(replyTopic, func(_ context.Context, ev Event) error {
		select {
		case replyCh <- ev.Payload:
		default: // only the first response wins
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	defer b.Unsubscribe(id)

	ev := Event{
		Topic:      topic,
		Payload:    payload,
		Source:     source,
		ReplyTopic: replyTopic,
	}
	if err := b.dispatch(ctx, ev); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-replyCh:
		return resp, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: no response on %q within %s", ErrTimeout, topic, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.done:
		return nil, ErrClosed
	}
}

// Respond answers a request event on its reply topic.
func (b *Bus) Respond(ctx context.Context, req Event, payload any, source string) error {
	if req.ReplyTopic == "" {
		return ErrNoReplyTopic
	}
	return b.Emit(ctx, req.ReplyTopic, payload, source)
}

// Close shuts the bus down. Idempotent; in-flight dispatches run to
// completion, later operations return [ErrClosed].
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.done)
	return nil
}
