package transport

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestScriptedCompleteForwardsDeltasAndText(t *testing.T) {
	s := NewScripted(Turn{Text: "final answer", Deltas: []string{"hello ", "world"}})

	var deltas []string
	out, err := s.Complete(context.Background(), CompleteInput{
		OnDelta: func(d Delta) { deltas = append(deltas, d.Text) },
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if out.Text != "final answer" {
		t.Errorf("text = %q", out.Text)
	}
	if len(deltas) != 2 || deltas[0] != "hello " || deltas[1] != "world" {
		t.Errorf("deltas = %v", deltas)
	}
}

func TestScriptedMultipleTurnsInOrder(t *testing.T) {
	s := NewScripted(
		Turn{Text: "{\"type\":\"tool_call\"}"},
		Turn{Text: "ok"},
	)
	out1, _ := s.Complete(context.Background(), CompleteInput{})
	out2, _ := s.Complete(context.Background(), CompleteInput{})
	if out1.Text == out2.Text {
		t.Fatal("expected distinct turns")
	}
	if s.Calls() != 2 {
		t.Errorf("Calls() = %d, want 2", s.Calls())
	}
}

func TestScriptedTimeoutErrorMessage(t *testing.T) {
	s := NewScripted(Turn{Err: errTimeout()})
	_, err := s.Complete(context.Background(), CompleteInput{})
	if err == nil || !strings.Contains(err.Error(), "timeout") {
		t.Fatalf("err = %v, want message containing 'timeout'", err)
	}
}

func TestScriptedCancellation(t *testing.T) {
	s := NewScripted(Turn{TimeoutAfter: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Complete(ctx, CompleteInput{})
	if err == nil || !strings.Contains(err.Error(), "cancel") {
		t.Fatalf("err = %v, want message containing 'cancel'", err)
	}
}

func errTimeout() error {
	return &timeoutErr{}
}

type timeoutErr struct{}

func (*timeoutErr) Error() string { return "Model response timeout after 1000ms" }
