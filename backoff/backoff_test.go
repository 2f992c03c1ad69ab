package backoff

import (
	"testing"
	"time"
)

func TestBackoffDoublesAndSaturates(t *testing.T) {
	b := New(5*time.Second, 60*time.Second)
	want := []time.Duration{5, 10, 20, 40, 60, 60}
	for i, w := range want {
		got := b.Next()
		if got != w*time.Second {
			t.Fatalf("call %d: got %v, want %v", i, got, w*time.Second)
		}
	}
}

func TestBackoffReset(t *testing.T) {
	b := New(5*time.Second, 120*time.Second)
	b.Next()
	b.Next()
	b.Reset()
	if got := b.Next(); got != 5*time.Second {
		t.Fatalf("after reset got %v, want 5s", got)
	}
}
