package radio

import "testing"

func TestSpotToSDRMode(t *testing.T) {
	cases := []struct {
		mode    string
		freqMHz float64
		want    string
	}{
		{"CW", 14.0, "CW"},
		{"SSB", 14.2, "USB"},
		{"SSB", 3.8, "LSB"},
		{"SSB", 5.3, "USB"}, // 60m exception
		{"RTTY", 14.08, "RTTY"},
		{"FT8", 14.074, "DIGU"},
		{"FT4", 7.0475, "DIGU"},
		{"", 14.0, "USB"},
	}
	for _, c := range cases {
		if got := spotToSDRMode(c.mode, c.freqMHz); got != c.want {
			t.Errorf("spotToSDRMode(%q,%v) = %q, want %q", c.mode, c.freqMHz, got, c.want)
		}
	}
}

func TestFindSliceMatchesBandAndMode(t *testing.T) {
	c := NewClient("localhost", 4992)
	c.slices[0] = map[string]string{"in_use": "1", "RF_frequency": "14.074000", "mode": "DIGU"}
	c.slices[1] = map[string]string{"in_use": "0", "RF_frequency": "7.074000", "mode": "DIGU"}

	if got := c.FindSlice("20m", "FT8"); got != 0 {
		t.Errorf("FindSlice(20m,FT8) = %d, want 0", got)
	}
	if got := c.FindSlice("40m", "FT8"); got != -1 {
		t.Errorf("FindSlice(40m,FT8) = %d, want -1 (slice 1 not in_use)", got)
	}
	if got := c.FindSlice("20m", "CW"); got != -1 {
		t.Errorf("FindSlice(20m,CW) = %d, want -1 (mode mismatch)", got)
	}
}

func TestOnStatusParsesSliceTokens(t *testing.T) {
	c := NewClient("localhost", 4992)
	c.onStatus("S12345678|slice 0 in_use=1 RF_frequency=14.074000 mode=DIGU")
	info := c.slices[0]
	if info["in_use"] != "1" || info["RF_frequency"] != "14.074000" || info["mode"] != "DIGU" {
		t.Fatalf("unexpected slice state: %+v", info)
	}
}

func TestOnStatusIgnoresNonSliceObjects(t *testing.T) {
	c := NewClient("localhost", 4992)
	c.onStatus("S12345678|radio slices=2")
	if len(c.slices) != 0 {
		t.Fatalf("expected no slice state recorded, got %+v", c.slices)
	}
}
