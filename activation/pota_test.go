package activation

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"gtbridge/cluster"
)

func TestPOTAFetcherSkipsQRTAndDigitalAndKeepsLatestPerCall(t *testing.T) {
	body := `[
		{"spotId": 1, "activator": "k1abc", "frequency": "14243.0", "mode": "SSB", "grid4": "FN42", "reference": "K-1234", "spotTime": "2026-02-12T23:08:46", "comments": "CQ POTA"},
		{"spotId": 2, "activator": "k1abc", "frequency": "14244.0", "mode": "SSB", "grid4": "FN42", "reference": "K-1234", "spotTime": "2026-02-12T23:10:00", "comments": "still going"},
		{"spotId": 3, "activator": "w9qrt", "frequency": "7030.0", "mode": "CW", "grid4": "EN52", "reference": "K-9999", "spotTime": "2026-02-12T23:11:00", "comments": "QRT now"},
		{"spotId": 4, "activator": "w2xyz", "frequency": "7074.0", "mode": "FT8", "grid4": "FN20", "reference": "K-5678", "spotTime": "2026-02-12T23:09:00", "comments": ""}
	]`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}))
	defer srv.Close()

	var delivered []cluster.Spot
	f := NewPOTAFetcher(func(s cluster.Spot, src string) {
		delivered = append(delivered, s)
	}, 300*time.Second)
	f.APIURL = srv.URL

	f.poll(context.Background())

	if len(delivered) != 1 {
		t.Fatalf("expected exactly 1 delivered spot (QRT and FT8 skipped, latest kept for k1abc), got %d: %+v", len(delivered), delivered)
	}
	s := delivered[0]
	if s.DXCall != "K1ABC" || s.Spotter != "POTA" || s.Comment != "K-1234" || s.FreqKHz != 14244.0 || s.TimeUTC != "2310" {
		t.Fatalf("unexpected spot: %+v", s)
	}
}

func TestPOTAFetcherRefreshIntervalDedup(t *testing.T) {
	body := `[{"spotId": 1, "activator": "k1abc", "frequency": "14243.0", "mode": "SSB", "grid4": "FN42", "reference": "K-1234", "spotTime": "2026-02-12T23:08:46", "comments": ""}]`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}))
	defer srv.Close()

	var count int
	f := NewPOTAFetcher(func(s cluster.Spot, src string) {
		count++
	}, 300*time.Second)
	f.APIURL = srv.URL

	f.poll(context.Background())
	f.poll(context.Background())

	if count != 1 {
		t.Fatalf("expected unchanged state to be delivered once within refresh interval, got %d", count)
	}
}

func TestPOTAFetcherPrunesStateNoLongerPresent(t *testing.T) {
	call1 := `[{"spotId": 1, "activator": "k1abc", "frequency": "14243.0", "mode": "SSB", "grid4": "FN42", "reference": "K-1234", "spotTime": "2026-02-12T23:08:46", "comments": ""}]`
	call2 := `[]`
	i := 0
	bodies := []string{call1, call2}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(bodies[i]))
		i++
	}))
	defer srv.Close()

	f := NewPOTAFetcher(func(s cluster.Spot, src string) {}, 300*time.Second)
	f.APIURL = srv.URL

	f.poll(context.Background())
	if len(f.lastState) != 1 {
		t.Fatalf("expected 1 tracked callsign, got %d", len(f.lastState))
	}
	f.poll(context.Background())
	if len(f.lastState) != 0 {
		t.Fatalf("expected tracked state pruned after API no longer lists the callsign, got %d", len(f.lastState))
	}
}

func TestPOTARefreshIntervalFloor(t *testing.T) {
	f := NewPOTAFetcher(nil, 10*time.Second)
	if f.refreshInterval != 60*time.Second {
		t.Fatalf("expected refresh interval floor of 60s, got %v", f.refreshInterval)
	}
}
