package instance

import (
	"testing"
	"time"

	"gtbridge/wire"
)

func TestRegisterSendsInitialHeartbeatOnce(t *testing.T) {
	var frames [][]byte
	r := New("GTB", time.Minute, func(f []byte) { frames = append(frames, f) })

	r.Register("20m", "FT8")
	r.Register("20m", "FT8") // idempotent

	if len(frames) != 2 {
		t.Fatalf("expected exactly 2 frames (heartbeat + status) for the first registration, got %d", len(frames))
	}
	hdr, _, err := wire.ParseHeader(frames[0])
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if hdr.Type != wire.TypeHeartbeat || hdr.ClientID != "GTB-20m-FT8" {
		t.Fatalf("unexpected header: %+v", hdr)
	}
	if r.Count() != 1 {
		t.Fatalf("expected 1 active instance, got %d", r.Count())
	}
}

func TestRegisterEmitsStatusAfterHeartbeatForNewInstance(t *testing.T) {
	var frames [][]byte
	r := New("GTB", time.Minute, func(f []byte) { frames = append(frames, f) })

	r.Register("20m", "FT8")

	if len(frames) != 2 {
		t.Fatalf("expected heartbeat then status, got %d frames", len(frames))
	}
	hdr, _, err := wire.ParseHeader(frames[1])
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if hdr.Type != wire.TypeStatus || hdr.ClientID != "GTB-20m-FT8" {
		t.Fatalf("unexpected status header: %+v", hdr)
	}
}

func TestRegisterTracksDistinctBandModePairs(t *testing.T) {
	r := New("GTB", time.Minute, func([]byte) {})
	r.Register("20m", "FT8")
	r.Register("40m", "FT8")
	r.Register("20m", "CW")

	if r.Count() != 3 {
		t.Fatalf("expected 3 distinct instances, got %d", r.Count())
	}
}

func TestHeartbeatAllSendsForEveryInstance(t *testing.T) {
	var frames [][]byte
	r := New("GTB", time.Minute, func(f []byte) { frames = append(frames, f) })
	r.Register("20m", "FT8")
	r.Register("40m", "CW")
	frames = nil // drop the initial heartbeat + status frames from Register

	r.heartbeatAll()

	if len(frames) != 2 {
		t.Fatalf("expected 2 heartbeats (one per instance), got %d", len(frames))
	}
	counts := r.SentCounts()
	if counts["GTB-20m-FT8"] != 2 || counts["GTB-40m-CW"] != 2 {
		t.Fatalf("unexpected sent counts: %+v", counts)
	}
}
