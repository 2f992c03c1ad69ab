package main

import "testing"

func TestParseInstanceClientIDRoundTrips(t *testing.T) {
	bandName, mode, ok := parseInstanceClientID("GTBridge", "GTBridge-20m-FT8")
	if !ok || bandName != "20m" || mode != "FT8" {
		t.Fatalf("got band=%q mode=%q ok=%v", bandName, mode, ok)
	}
}

func TestParseInstanceClientIDRejectsForeignClientID(t *testing.T) {
	if _, _, ok := parseInstanceClientID("GTBridge", "WSJT-X"); ok {
		t.Fatalf("expected unrelated client_id to be rejected")
	}
}

func TestParseInstanceClientIDRejectsMissingModeSegment(t *testing.T) {
	if _, _, ok := parseInstanceClientID("GTBridge", "GTBridge-20m"); ok {
		t.Fatalf("expected client_id with no mode segment to be rejected")
	}
}

func TestExtractDXCallPlainMessage(t *testing.T) {
	if got := extractDXCall("CQ K1ABC"); got != "K1ABC" {
		t.Fatalf("got %q", got)
	}
}

func TestExtractDXCallWithActivityAndGrid(t *testing.T) {
	if got := extractDXCall("CQ POTA K1ABC FN42"); got != "K1ABC" {
		t.Fatalf("got %q", got)
	}
}

func TestExtractDXCallEmptyMessage(t *testing.T) {
	if got := extractDXCall(""); got != "" {
		t.Fatalf("expected empty dx_call for empty message, got %q", got)
	}
}

func TestSortStrings(t *testing.T) {
	s := []string{"40m/FT8", "20m/CW", "20m/FT8"}
	sortStrings(s)
	want := []string{"20m/CW", "20m/FT8", "40m/FT8"}
	for i := range want {
		if s[i] != want[i] {
			t.Fatalf("sortStrings() = %v, want %v", s, want)
		}
	}
}
