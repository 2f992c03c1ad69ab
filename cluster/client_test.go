package cluster

import (
	"bufio"
	"net"
	"testing"
)

func TestParseSpotStandardLine(t *testing.T) {
	line := "DX de W3LPL:     14074.0  JA1ABC       FT8 -15dB                1234Z"
	s, ok := ParseSpot(line)
	if !ok {
		t.Fatalf("expected spot to parse")
	}
	if s.Spotter != "W3LPL" || s.DXCall != "JA1ABC" || s.FreqKHz != 14074.0 || s.TimeUTC != "1234" {
		t.Fatalf("unexpected fields: %+v", s)
	}
	if s.Mode != "FT8" {
		t.Fatalf("expected mode FT8, got %q", s.Mode)
	}
	if !s.HasSNR || s.SNR != -15 {
		t.Fatalf("expected SNR -15, got %+v", s)
	}
}

func TestParseSpotWithGrid(t *testing.T) {
	line := "DX de K1ABC:     7074.0  DL1XYZ       FT8 JO62 -3dB           0512Z"
	s, ok := ParseSpot(line)
	if !ok {
		t.Fatalf("expected spot to parse")
	}
	if s.Grid != "JO62" {
		t.Fatalf("expected grid JO62, got %q", s.Grid)
	}
}

func TestParseSpotRejectsNonSpotLines(t *testing.T) {
	lines := []string{
		"",
		"WWV de W0MU <18z> :   SFI=120, A=5, K=2, No Storms",
		"Talk to SYSOP de AA1ZZ",
	}
	for _, l := range lines {
		if _, ok := ParseSpot(l); ok {
			t.Errorf("line %q should not parse as a spot", l)
		}
	}
}

func TestCleanLineStripsANSIAndControlChars(t *testing.T) {
	dirty := "\x1b[32mDX de W3LPL:\x1b[0m 14074.0 JA1ABC FT8\x01 1234Z"
	got := cleanLine(dirty)
	if got != "DX de W3LPL: 14074.0 JA1ABC FT8 1234Z" {
		t.Fatalf("unexpected cleaned line: %q", got)
	}
}

func TestCleanLineKeepsTabs(t *testing.T) {
	got := cleanLine("a\tb")
	if got != "a\tb" {
		t.Fatalf("expected tab preserved, got %q", got)
	}
}

func TestSendLoginSendsCallsignPasswordCommandsThenShDx(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()

	c := &Client{
		Callsign:      "N0CALL",
		Password:      "s3cret",
		LoginCommands: []string{"set/ve7cc"},
	}

	go c.sendLogin(client)

	r := bufio.NewReader(server)
	want := []string{"N0CALL", "s3cret", "set/ve7cc", "sh/dx"}
	for _, w := range want {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("reading %q: %v", w, err)
		}
		if got := line[:len(line)-2]; got != w {
			t.Fatalf("got line %q, want %q", got, w)
		}
	}
}

func TestSendLoginOmitsPasswordLineWhenUnset(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()

	c := &Client{Callsign: "N0CALL"}
	go c.sendLogin(client)

	r := bufio.NewReader(server)
	want := []string{"N0CALL", "sh/dx"}
	for _, w := range want {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("reading %q: %v", w, err)
		}
		if got := line[:len(line)-2]; got != w {
			t.Fatalf("got line %q, want %q", got, w)
		}
	}
}
