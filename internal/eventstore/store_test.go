package eventstore

import (
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := NewStore(filepath.Join(dir, "sessions.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateGetSessionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	id, err := s.CreateSession()
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	sum, err := s.GetSession(id)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sum.ID != id {
		t.Errorf("id = %q, want %q", sum.ID, id)
	}
	if sum.CreatedAt.IsZero() {
		t.Errorf("createdAt is zero")
	}
}

func TestAppendAndListEventsOrdering(t *testing.T) {
	s := newTestStore(t)
	id, _ := s.CreateSession()

	for i := 0; i < 5; i++ {
		if _, err := s.AppendEvent(id, "assistant_delta", map[string]any{"n": i}); err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
	}

	events, err := s.ListEvents(id)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 5 {
		t.Fatalf("got %d events, want 5", len(events))
	}
	for i, ev := range events {
		n, _ := ev.Payload["n"].(float64)
		if int(n) != i {
			t.Errorf("event %d payload.n = %v, want %d", i, ev.Payload["n"], i)
		}
	}
}

func TestListEventsSurvivesMalformedPayload(t *testing.T) {
	s := newTestStore(t)
	id, _ := s.CreateSession()
	if _, err := s.AppendEvent(id, "assistant", map[string]any{"text": "ok"}); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}

	// Directly corrupt a payload to simulate a legacy malformed row.
	if _, err := s.db.Exec(`UPDATE events SET payload = ? WHERE session_id = ?`, "{not json", id); err != nil {
		t.Fatalf("corrupt payload: %v", err)
	}

	events, err := s.ListEvents(id)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if raw, ok := events[0].Payload["raw"]; !ok || raw != "{not json" {
		t.Errorf("payload = %v, want {raw: \"{not json\"}", events[0].Payload)
	}
}

func TestListSessionsOrderingAndLastSessionID(t *testing.T) {
	s := newTestStore(t)

	a, _ := s.CreateSession()
	time.Sleep(3 * time.Millisecond)
	b, _ := s.CreateSession()
	time.Sleep(6 * time.Millisecond)
	if _, err := s.AppendEvent(a, "user", map[string]any{"text": "hi"}); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}

	sessions, err := s.ListSessions(10)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) < 2 || sessions[0].ID != a {
		t.Fatalf("expected session %q first, got %+v", a, sessions)
	}

	last, err := s.GetLastSessionID()
	if err != nil {
		t.Fatalf("GetLastSessionID: %v", err)
	}
	if last != a {
		t.Errorf("GetLastSessionID = %q, want %q (most recently active)", last, a)
	}
	_ = b
}

func TestSubscribeReceivesInAppendOrder(t *testing.T) {
	s := newTestStore(t)
	id, _ := s.CreateSession()

	var mu sync.Mutex
	var got []string
	done := make(chan struct{})

	h := s.Subscribe(id, func(ev Event) {
		mu.Lock()
		got = append(got, ev.Kind)
		if len(got) == 3 {
			close(done)
		}
		mu.Unlock()
	})
	defer s.Unsubscribe(id, h)

	kinds := []string{"run_started", "assistant", "run_finished"}
	for _, k := range kinds {
		if _, err := s.AppendEvent(id, k, map[string]any{}); err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for listener delivery")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, k := range kinds {
		if got[i] != k {
			t.Errorf("event %d = %q, want %q", i, got[i], k)
		}
	}
}

func TestUpdateSessionNameTrimsAndNoOpsOnEmpty(t *testing.T) {
	s := newTestStore(t)
	id, _ := s.CreateSession()

	if err := s.UpdateSessionName(id, "  my session  "); err != nil {
		t.Fatalf("UpdateSessionName: %v", err)
	}
	sum, _ := s.GetSession(id)
	if sum.Name != "my session" {
		t.Errorf("name = %q, want trimmed", sum.Name)
	}

	if err := s.UpdateSessionName(id, "   "); err != nil {
		t.Fatalf("UpdateSessionName: %v", err)
	}
	sum, _ = s.GetSession(id)
	if sum.Name != "my session" {
		t.Errorf("blank update should be a no-op, got %q", sum.Name)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetSession("does-not-exist"); err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
