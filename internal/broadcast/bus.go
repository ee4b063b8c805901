// Package broadcast is the typed multi-subscriber bus between the exam
// controller and its consumers.
package broadcast

import (
	"context"
	"sync"

	"yaxha/internal/domain"
)

// Value is a state channel. Subscribers receive the latest value on
// subscribe and then every change; slow subscribers only see the newest.
type Value[T comparable] struct {
	mu     sync.Mutex
	latest T
	subs   map[uint64]chan T
	nextID uint64
	closed bool
}

func NewValue[T comparable](initial T) *Value[T] {
	return &Value[T]{latest: initial, subs: make(map[uint64]chan T)}
}

// Set stores x and notifies subscribers. Setting the current value is a no-op.
func (v *Value[T]) Set(x T) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed || v.latest == x {
		return
	}
	v.latest = x
	for _, ch := range v.subs {
		offerLatest(ch, x)
	}
}

// Get returns the current value.
func (v *Value[T]) Get() T {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.latest
}

// Subscribe returns a channel primed with the current value and a func that
// detaches it. The channel is closed on unsubscribe or bus close.
func (v *Value[T]) Subscribe() (<-chan T, func()) {
	v.mu.Lock()
	defer v.mu.Unlock()

	ch := make(chan T, 1)
	if v.closed {
		close(ch)
		return ch, func() {}
	}
	ch <- v.latest

	id := v.nextID
	v.nextID++
	v.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			v.mu.Lock()
			defer v.mu.Unlock()
			if sub, ok := v.subs[id]; ok {
				delete(v.subs, id)
				close(sub)
			}
		})
	}
}

func (v *Value[T]) close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return
	}
	v.closed = true
	for id, ch := range v.subs {
		delete(v.subs, id)
		close(ch)
	}
}

func offerLatest[T any](ch chan T, x T) {
	select {
	case <-ch:
	default:
	}
	ch <- x
}

// Stream is an event channel without replay. A subscriber whose buffer is
// full loses the event and OnDrop is called.
type Stream[T any] struct {
	mu     sync.Mutex
	subs   map[uint64]chan T
	nextID uint64
	closed bool
	buffer int
	onDrop func()
}

func NewStream[T any](buffer int, onDrop func()) *Stream[T] {
	if buffer <= 0 {
		buffer = 16
	}
	return &Stream[T]{subs: make(map[uint64]chan T), buffer: buffer, onDrop: onDrop}
}

// Publish delivers x to every current subscriber.
func (s *Stream[T]) Publish(x T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for _, ch := range s.subs {
		select {
		case ch <- x:
		default:
			if s.onDrop != nil {
				s.onDrop()
			}
		}
	}
}

// Subscribe returns a channel receiving events published from now on.
func (s *Stream[T]) Subscribe() (<-chan T, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan T, s.buffer)
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	id := s.nextID
	s.nextID++
	s.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if sub, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(sub)
			}
		})
	}
}

func (s *Stream[T]) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
}

// Bus groups every channel the presentation layer may observe.
type Bus struct {
	Status     *Value[string]
	Stage      *Value[domain.Stage]
	Question   *Value[string]
	Transcript *Value[string]
	Bands      *Value[domain.Bands]
	AISpeaking *Value[bool]
	Recording  *Value[bool]
	Error      *Value[string]
	Timers     *Value[domain.Timers]
	Snapshot   *Value[domain.Snapshot]

	Responses *Stream[domain.AIMessage]
	Notices   *Stream[domain.Notice]

	closeOnce sync.Once
}

// New builds a bus. onDrop is called whenever a stream subscriber misses an event.
func New(onDrop func()) *Bus {
	return &Bus{
		Status:     NewValue(""),
		Stage:      NewValue(domain.StageIntroduction),
		Question:   NewValue(""),
		Transcript: NewValue(""),
		Bands:      NewValue(domain.Bands{}),
		AISpeaking: NewValue(false),
		Recording:  NewValue(false),
		Error:      NewValue(""),
		Timers:     NewValue(domain.Timers{PrepState: domain.TimerIdle, SpeakState: domain.TimerIdle}),
		Snapshot:   NewValue(domain.Snapshot{}),
		Responses:  NewStream[domain.AIMessage](16, onDrop),
		Notices:    NewStream[domain.Notice](16, onDrop),
	}
}

// PublishSnapshot fans a snapshot out to the individual state channels.
// Bands and AISpeaking have their own producers and are not touched.
func (b *Bus) PublishSnapshot(s domain.Snapshot) {
	b.Status.Set(s.Status)
	b.Stage.Set(s.Stage)
	b.Question.Set(s.Question)
	b.Transcript.Set(s.Transcript)
	b.Recording.Set(s.Recording)
	b.Error.Set(s.Error)
	b.Timers.Set(s.Timers)
	b.Snapshot.Set(s)
}

// Close detaches all subscribers. Later sets and publishes are ignored.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		b.Status.close()
		b.Stage.close()
		b.Question.close()
		b.Transcript.close()
		b.Bands.close()
		b.AISpeaking.close()
		b.Recording.close()
		b.Error.close()
		b.Timers.close()
		b.Snapshot.close()
		b.Responses.close()
		b.Notices.close()
	})
}

// Watch calls fn for every value v delivers until ctx ends or the bus closes.
func Watch[T comparable](ctx context.Context, v *Value[T], fn func(T)) {
	ch, unsubscribe := v.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case x, ok := <-ch:
			if !ok {
				return
			}
			fn(x)
		}
	}
}

// Consume calls fn for every event s delivers until ctx ends or the bus closes.
func Consume[T any](ctx context.Context, s *Stream[T], fn func(T)) {
	ch, unsubscribe := s.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case x, ok := <-ch:
			if !ok {
				return
			}
			fn(x)
		}
	}
}
