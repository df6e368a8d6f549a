package tool

import "testing"

func TestCloseIsIdempotent(t *testing.T) {
	r := NewRuntime()
	if err := r.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
