package activation

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"gtbridge/cluster"
)

func TestSOTAFetcherSkipsQRTAndDigitalAndKeepsLatestPerCall(t *testing.T) {
	spotsBody := `[
		{"id": 1, "activatorCallsign": "w1aw", "frequency": "14.342", "mode": "SSB", "associationCode": "W1", "summitCode": "HB-001", "comments": "CQ SOTA", "timeStamp": "2026-02-12T23:08:46"},
		{"id": 2, "activatorCallsign": "w1aw", "frequency": "14.343", "mode": "SSB", "associationCode": "W1", "summitCode": "HB-001", "comments": "on summit", "timeStamp": "2026-02-12T23:10:00"},
		{"id": 3, "activatorCallsign": "k2xyz", "frequency": "7.030", "mode": "CW", "associationCode": "W2", "summitCode": "GC-002", "comments": "QRT now", "timeStamp": "2026-02-12T23:11:00"},
		{"id": 4, "activatorCallsign": "n3foo", "frequency": "7.074", "mode": "FT8", "associationCode": "W3", "summitCode": "EP-003", "comments": "", "timeStamp": "2026-02-12T23:12:00"}
	]`

	spotSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(spotsBody))
	}))
	defer spotSrv.Close()

	summitSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"locator":"JN47ab"}`))
	}))
	defer summitSrv.Close()

	var delivered []cluster.Spot
	f := NewSOTAFetcher(func(s cluster.Spot, src string) {
		delivered = append(delivered, s)
	}, 300*time.Second, filepath.Join(t.TempDir(), "sota_cache.json"))
	f.SpotsURL = spotSrv.URL
	f.SummitURL = summitSrv.URL

	f.poll(context.Background())

	if len(delivered) != 1 {
		t.Fatalf("expected exactly 1 delivered spot (QRT and FT8 skipped, latest kept for w1aw), got %d: %+v", len(delivered), delivered)
	}
	s := delivered[0]
	if s.DXCall != "W1AW" || s.FreqKHz != 14343.0 || s.Grid != "JN47" {
		t.Fatalf("unexpected spot: %+v", s)
	}
}

func TestSOTAFetcherRefreshIntervalDedup(t *testing.T) {
	body := `[{"id": 1, "activatorCallsign": "w1aw", "frequency": "14.342", "mode": "SSB", "associationCode": "W1", "summitCode": "HB-001", "comments": "", "timeStamp": "2026-02-12T23:08:46"}]`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}))
	defer srv.Close()
	summitSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"locator":""}`))
	}))
	defer summitSrv.Close()

	var count int
	f := NewSOTAFetcher(func(s cluster.Spot, src string) {
		count++
	}, 300*time.Second, filepath.Join(t.TempDir(), "sota_cache.json"))
	f.SpotsURL = srv.URL
	f.SummitURL = summitSrv.URL

	f.poll(context.Background())
	f.poll(context.Background())

	if count != 1 {
		t.Fatalf("expected unchanged state to be delivered once within refresh interval, got %d", count)
	}
}

func TestSOTARefreshIntervalFloor(t *testing.T) {
	f := NewSOTAFetcher(nil, 10*time.Second, "")
	if f.refreshInterval != 60*time.Second {
		t.Fatalf("expected refresh interval floor of 60s, got %v", f.refreshInterval)
	}
}
