package eventstore

import "github.com/blah-code/daemon/internal/metrics"

/*
LISTENER FAN-OUT

Subscribe registers a Listener under a per-session handle; every subsequent
AppendEvent for that session invokes every registered listener, in append
order, after the row is durably committed. The append path itself must never
block on a slow subscriber, so each listener gets its own small buffered
queue and a goroutine that drains it; a queue that fills up drops the event
and increments a counter rather than stalling the writer.

This trades perfect delivery for a bounded-memory, non-blocking append path:
the same trade the SSE handler's own buffered update channel makes. The drop
is surfaced through
metrics.RecordEventDrop so a subscriber under backpressure is observable
rather than silently behind.
*/

const subscriberQueueSize = 256

type subscription struct {
	queue   chan Event
	done    chan struct{}
	dropped int64
}

// Subscribe registers fn to receive every event appended to sessionID from
// this point forward. It returns a handle to pass to Unsubscribe.
func (s *Store) Subscribe(sessionID string, fn Listener) int {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	sub := &subscription{
		queue: make(chan Event, subscriberQueueSize),
		done:  make(chan struct{}),
	}
	h := s.nextH
	s.nextH++

	if s.subs[sessionID] == nil {
		s.subs[sessionID] = make(map[int]*subscription)
	}
	s.subs[sessionID][h] = sub

	go func() {
		for {
			select {
			case ev, ok := <-sub.queue:
				if !ok {
					return
				}
				fn(ev)
			case <-sub.done:
				return
			}
		}
	}()

	return h
}

// Unsubscribe removes a previously registered listener.
func (s *Store) Unsubscribe(sessionID string, handle int) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	m := s.subs[sessionID]
	if m == nil {
		return
	}
	if sub, ok := m[handle]; ok {
		close(sub.done)
		delete(m, handle)
	}
	if len(m) == 0 {
		delete(s.subs, sessionID)
	}
}

// notify enqueues ev to every subscriber of ev.SessionID; a full queue drops
// the event for that subscriber rather than blocking the appender.
func (s *Store) notify(ev Event) {
	s.subMu.Lock()
	subs := make([]*subscription, 0, len(s.subs[ev.SessionID]))
	for _, sub := range s.subs[ev.SessionID] {
		subs = append(subs, sub)
	}
	s.subMu.Unlock()

	for _, sub := range subs {
		select {
		case sub.queue <- ev:
		default:
			sub.dropped++
			metrics.RecordEventDrop(ev.SessionID)
		}
	}
}
