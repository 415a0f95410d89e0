// Package stream fans out ordered execution events to live subscribers.
// Each execution gets its own hub with a monotonically increasing sequence
// and a bounded replay buffer, so late subscribers can catch up without the
// producer ever blocking on a slow consumer.
package stream

import (
	"sync"
	"time"

	"runlab/internal/exec/model"
	appErr "runlab/pkg/errors"
)

const (
	// ringSize bounds per-execution replay history.
	ringSize = 256
	// subBuffer bounds each subscriber channel; overflow drops oldest.
	subBuffer = 64
)

// Streamer owns one hub per live execution.
type Streamer struct {
	mu   sync.Mutex
	hubs map[string]*hub
}

// NewStreamer creates an empty streamer.
func NewStreamer() *Streamer {
	return &Streamer{hubs: make(map[string]*hub)}
}

// Open creates the hub for an execution. Must be called before the first
// Publish. Opening twice is an error in the caller.
func (s *Streamer) Open(executionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.hubs[executionID]; ok {
		return
	}
	s.hubs[executionID] = &hub{
		executionID: executionID,
		ring:        make([]model.Event, 0, ringSize),
		subs:        make(map[*Subscription]struct{}),
	}
}

// Publish appends one event to the execution's stream, assigns its sequence
// number, and fans it out. Events published after the terminal event, or for
// an unknown execution, are dropped. Publish never blocks on subscribers.
func (s *Streamer) Publish(executionID string, typ model.EventType, status model.ExecStatus, stream model.OutputStream, data string) {
	s.mu.Lock()
	h := s.hubs[executionID]
	s.mu.Unlock()
	if h == nil {
		return
	}
	h.publish(typ, status, stream, data)
}

// Subscribe attaches to an execution's stream. Events already buffered with
// Seq >= fromSeq are replayed first, then live events follow. If the stream
// has already ended the replayed events are followed by channel close.
func (s *Streamer) Subscribe(executionID string, fromSeq uint64) (*Subscription, error) {
	s.mu.Lock()
	h := s.hubs[executionID]
	s.mu.Unlock()
	if h == nil {
		return nil, appErr.New(appErr.ExecutionNotFound).
			WithMessagef("no event stream for execution %s", executionID)
	}
	return h.subscribe(fromSeq), nil
}

// Remove drops the hub after the optional linger, releasing its replay
// buffer. Live subscribers are closed if the stream never reached a
// terminal event.
func (s *Streamer) Remove(executionID string, linger time.Duration) {
	if linger <= 0 {
		s.remove(executionID)
		return
	}
	time.AfterFunc(linger, func() { s.remove(executionID) })
}

func (s *Streamer) remove(executionID string) {
	s.mu.Lock()
	h := s.hubs[executionID]
	delete(s.hubs, executionID)
	s.mu.Unlock()
	if h != nil {
		h.shutdown()
	}
}

type hub struct {
	executionID string

	mu     sync.Mutex
	seq    uint64
	ring   []model.Event
	head   int
	ended  bool
	subs   map[*Subscription]struct{}
}

// Subscription is one consumer of an execution's event stream.
type Subscription struct {
	hub    *hub
	ch     chan model.Event
	closed bool
}

// Events yields the subscribed stream. The channel closes after the
// terminal event or when the subscription is cancelled.
func (sub *Subscription) Events() <-chan model.Event {
	return sub.ch
}

// Close detaches the subscriber. Safe to call more than once and safe to
// call concurrently with publishing.
func (sub *Subscription) Close() {
	sub.hub.mu.Lock()
	defer sub.hub.mu.Unlock()
	sub.hub.dropLocked(sub)
}

func (h *hub) publish(typ model.EventType, status model.ExecStatus, stream model.OutputStream, data string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ended {
		return
	}

	h.seq++
	ev := model.Event{
		ExecutionID: h.executionID,
		Seq:         h.seq,
		Type:        typ,
		Status:      status,
		Stream:      stream,
		Data:        data,
		At:          time.Now().UnixMilli(),
	}

	if len(h.ring) < ringSize {
		h.ring = append(h.ring, ev)
	} else {
		h.ring[h.head] = ev
		h.head = (h.head + 1) % ringSize
	}

	for sub := range h.subs {
		sendDropOldest(sub.ch, ev)
	}

	if ev.IsTerminal() {
		h.ended = true
		for sub := range h.subs {
			h.dropLocked(sub)
		}
	}
}

// subscribe replays the buffered tail and registers for live events.
func (h *hub) subscribe(fromSeq uint64) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	replay := h.bufferedLocked(fromSeq)
	// Replay beyond subBuffer would force the producer to block, so the
	// channel is sized to hold the full replay plus live headroom.
	sub := &Subscription{hub: h, ch: make(chan model.Event, len(replay)+subBuffer)}
	for _, ev := range replay {
		sub.ch <- ev
	}
	if h.ended {
		sub.closed = true
		close(sub.ch)
		return sub
	}
	h.subs[sub] = struct{}{}
	return sub
}

func (h *hub) bufferedLocked(fromSeq uint64) []model.Event {
	out := make([]model.Event, 0, len(h.ring))
	for i := 0; i < len(h.ring); i++ {
		ev := h.ring[(h.head+i)%len(h.ring)]
		if ev.Seq >= fromSeq {
			out = append(out, ev)
		}
	}
	return out
}

func (h *hub) dropLocked(sub *Subscription) {
	if sub.closed {
		return
	}
	sub.closed = true
	delete(h.subs, sub)
	close(sub.ch)
}

func (h *hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		h.dropLocked(sub)
	}
	h.ended = true
}

// sendDropOldest delivers ev without ever blocking: if the subscriber's
// buffer is full the oldest entry is discarded to make room.
func sendDropOldest(ch chan model.Event, ev model.Event) {
	for {
		select {
		case ch <- ev:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
