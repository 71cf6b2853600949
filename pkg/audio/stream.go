package audio

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// DefaultBufferSize is the per-subscriber event queue capacity used when
// [WithBufferSize] is not given.
const DefaultBufferSize = 64

var (
	// ErrClosed is returned by producer and subscriber operations after
	// [Stream.Close].
	ErrClosed = errors.New("audio: stream closed")

	// ErrDuplicateSubscriber is returned by [Stream.Subscribe] when the name
	// is already registered.
	ErrDuplicateSubscriber = errors.New("audio: subscriber name already registered")

	// ErrNoActiveSegment is returned when chunks are published or a segment
	// ended outside a StartSegment/EndSegment bracket.
	ErrNoActiveSegment = errors.New("audio: no active segment")
)

// Chunk is one span of little-endian int16 PCM flowing through a [Stream].
// Seq is assigned by the stream and increases monotonically across segments.
type Chunk struct {
	Data       []byte
	SampleRate int
	Channels   int
	Seq        int
}

// Segment marks one utterance on a [Stream]: everything between an OnStart
// and the matching OnEnd belongs to it.
type Segment struct {
	ID     string
	Text   string
	Format Format
}

// Subscriber receives the fan-out of a [Stream]. Callbacks run on a
// per-subscriber goroutine in publish order; a slow subscriber loses oldest
// events first and never blocks the producer or its peers.
type Subscriber interface {
	OnStart(Segment)
	OnChunk(Chunk)
	OnEnd(Segment)
}

// SubscriberFuncs adapts plain callbacks to [Subscriber]. Nil funcs are
// skipped.
type SubscriberFuncs struct {
	Start func(Segment)
	Chunk func(Chunk)
	End   func(Segment)
}

func (f SubscriberFuncs) OnStart(seg Segment) {
	if f.Start != nil {
		f.Start(seg)
	}
}

func (f SubscriberFuncs) OnChunk(c Chunk) {
	if f.Chunk != nil {
		f.Chunk(c)
	}
}

func (f SubscriberFuncs) OnEnd(seg Segment) {
	if f.End != nil {
		f.End(seg)
	}
}

// SubscriberStats counts deliveries and drops for one subscriber.
type SubscriberStats struct {
	Delivered uint64
	Dropped   uint64
}

type eventKind int

const (
	eventStart eventKind = iota
	eventChunk
	eventEnd
)

type event struct {
	kind  eventKind
	seg   Segment
	chunk Chunk
}

type subscriber struct {
	name string
	impl Subscriber
	ch   chan event
	log  *slog.Logger

	delivered atomic.Uint64
	dropped   atomic.Uint64
	warnOnce  sync.Once
}

func (s *subscriber) run(wg *sync.WaitGroup) {
	defer wg.Done()
	for ev := range s.ch {
		s.deliver(ev)
	}
}

func (s *subscriber) deliver(ev event) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("audio subscriber panicked", "subscriber", s.name, "panic", r)
		}
	}()
	switch ev.kind {
	case eventStart:
		s.impl.OnStart(ev.seg)
	case eventChunk:
		s.impl.OnChunk(ev.chunk)
	case eventEnd:
		s.impl.OnEnd(ev.seg)
	}
	s.delivered.Add(1)
}

func (s *subscriber) drop() {
	s.dropped.Add(1)
	s.warnOnce.Do(func() {
		s.log.Warn("audio subscriber falling behind, dropping oldest events", "subscriber", s.name)
	})
}

// Stream is a one-producer, many-consumer broadcast of speech audio.
//
// The single producer (typically a TTS output provider) brackets each
// utterance with [Stream.StartSegment] and [Stream.EndSegment] and publishes
// PCM in between. Every subscriber observes the same sequence through its own
// goroutine and bounded queue, so a lip-sync consumer can track exactly what
// the speaker plays without the two knowing each other.
type Stream struct {
	log *slog.Logger
	buf int

	seq atomic.Int64

	mu      sync.RWMutex
	subs    map[string]*subscriber
	current *Segment
	closed  bool

	wg sync.WaitGroup
}

// Option configures a [Stream].
type Option func(*Stream)

// WithLogger sets the logger. Defaults to slog.Default with a component attr.
func WithLogger(log *slog.Logger) Option {
	return func(s *Stream) { s.log = log }
}

// WithBufferSize sets the per-subscriber queue capacity.
// Defaults to [DefaultBufferSize].
func WithBufferSize(n int) Option {
	return func(s *Stream) {
		if n > 0 {
			s.buf = n
		}
	}
}

// NewStream creates an empty broadcast stream.
func NewStream(opts ...Option) *Stream {
	s := &Stream{
		buf:  DefaultBufferSize,
		subs: make(map[string]*subscriber),
	}
	for _, o := range opts {
		o(s)
	}
	if s.log == nil {
		s.log = slog.Default().With("component", "audio")
	}
	return s
}

// Subscribe registers a named consumer. If a segment is in flight its start
// marker is delivered immediately, so every chunk a subscriber sees is
// bracketed.
func (s *Stream) Subscribe(name string, impl Subscriber) error {
	if name == "" {
		return errors.New("audio: subscriber name must not be empty")
	}
	if impl == nil {
		return errors.New("audio: subscriber must not be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.subs[name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateSubscriber, name)
	}

	sub := &subscriber{
		name: name,
		impl: impl,
		ch:   make(chan event, s.buf),
		log:  s.log,
	}
	s.subs[name] = sub
	s.wg.Add(1)
	go sub.run(&s.wg)

	if s.current != nil {
		send(sub, event{kind: eventStart, seg: *s.current})
	}
	return nil
}

// Unsubscribe removes a named consumer. Already-queued events still deliver
// before its goroutine exits. Unknown names are a no-op.
func (s *Stream) Unsubscribe(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[name]
	if !ok {
		return
	}
	delete(s.subs, name)
	close(sub.ch)
}

// StartSegment begins a new utterance. A still-open previous segment is
// ended implicitly first.
func (s *Stream) StartSegment(seg Segment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.current != nil {
		prev := *s.current
		s.log.Warn("segment started before previous ended", "previous", prev.ID, "next", seg.ID)
		s.broadcastLocked(event{kind: eventEnd, seg: prev})
	}
	cur := seg
	s.current = &cur
	s.broadcastLocked(event{kind: eventStart, seg: seg})
	return nil
}

// PublishChunk fans one PCM chunk out to all subscribers. The stream stamps
// Seq. Publishing outside a segment returns [ErrNoActiveSegment].
func (s *Stream) PublishChunk(c Chunk) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	if s.current == nil {
		return ErrNoActiveSegment
	}

	c.Seq = int(s.seq.Add(1))
	for _, sub := range s.subs {
		send(sub, event{kind: eventChunk, chunk: c})
	}
	return nil
}

// EndSegment closes the current utterance and delivers its end marker.
func (s *Stream) EndSegment() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.current == nil {
		return ErrNoActiveSegment
	}
	seg := *s.current
	s.current = nil
	s.broadcastLocked(event{kind: eventEnd, seg: seg})
	return nil
}

// Stats returns per-subscriber delivery and drop counts.
func (s *Stream) Stats() map[string]SubscriberStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]SubscriberStats, len(s.subs))
	for name, sub := range s.subs {
		out[name] = SubscriberStats{
			Delivered: sub.delivered.Load(),
			Dropped:   sub.dropped.Load(),
		}
	}
	return out
}

// Close ends any open segment, stops all subscriber goroutines after their
// queues drain, and rejects further use. Idempotent.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.current != nil {
		seg := *s.current
		s.current = nil
		s.broadcastLocked(event{kind: eventEnd, seg: seg})
	}
	for _, sub := range s.subs {
		close(sub.ch)
	}
	s.mu.Unlock()

	s.wg.Wait()
	return nil
}

func (s *Stream) broadcastLocked(ev event) {
	for _, sub := range s.subs {
		send(sub, ev)
	}
}

// send enqueues without blocking: when the subscriber's queue is full the
// oldest queued event is discarded to make room.
func send(sub *subscriber, ev event) {
	select {
	case sub.ch <- ev:
		return
	default:
	}

	select {
	case <-sub.ch:
		sub.drop()
	default:
	}
	select {
	case sub.ch <- ev:
	default:
		sub.drop()
	}
}
