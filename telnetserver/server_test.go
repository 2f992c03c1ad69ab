package telnetserver

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"gtbridge/cluster"
)

func exampleSpot() cluster.Spot {
	return cluster.Spot{
		Spotter: "W3LPL",
		FreqKHz: 14074.0,
		DXCall:  "JA1ABC",
		Comment: "FT8 -15dB CQ",
		TimeUTC: "1234",
		Grid:    "PM95",
	}
}

func TestFormatSpotLineMatchesDXSpiderGrammar(t *testing.T) {
	line := formatSpotLine(exampleSpot())
	if !strings.HasPrefix(line, "DX de W3LPL:  ") {
		t.Fatalf("unexpected spot line prefix: %q", line)
	}
	if !strings.HasSuffix(line, "1234Z") {
		t.Fatalf("unexpected spot line suffix: %q", line)
	}
	if !strings.Contains(line, "JA1ABC") || !strings.Contains(line, "14074.0") {
		t.Fatalf("spot line missing expected fields: %q", line)
	}
}

func TestFormatCC11LineMatchesVE7CCGrammar(t *testing.T) {
	line := formatCC11Line(exampleSpot())
	if !strings.HasPrefix(line, "CC11^14074.0^JA1ABC^") {
		t.Fatalf("unexpected CC11 prefix: %q", line)
	}
	if !strings.Contains(line, "^1234Z^FT8 -15dB CQ^W3LPL^PM95^^0^") {
		t.Fatalf("unexpected CC11 tail: %q", line)
	}
}

func TestTelnetFilterStripsIACNegotiation(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	go func() {
		clientConn.Write([]byte{telnetIAC, telnetWILL, 1})
		clientConn.Write([]byte("HELLO\n"))
	}()

	f := newTelnetFilter(serverConn)
	r := bufio.NewReader(f)
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("ReadString: %v", err)
	}
	if strings.TrimSpace(line) != "HELLO" {
		t.Fatalf("expected negotiation bytes stripped, got %q", line)
	}
}

func TestHandleClientLoginAndVE7CCToggle(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	srv := New("127.0.0.1", 0, "GTB-2")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		srv.handleClient(ctx, serverConn)
		close(done)
	}()

	cr := bufio.NewReader(clientConn)
	banner, _ := cr.ReadString(':')
	if !strings.Contains(banner, "login") {
		t.Fatalf("expected login banner, got %q", banner)
	}
	clientConn.Write([]byte("K1ABC\r\n"))

	hello, _ := cr.ReadString('\n')
	if !strings.Contains(hello, "Hello K1ABC") {
		t.Fatalf("expected welcome line, got %q", hello)
	}
	cr.ReadString('\n') // prompt line

	clientConn.Write([]byte("set/ve7cc\r\n"))
	ack, _ := cr.ReadString('\n')
	if !strings.Contains(ack, "VE7CC gateway mode enabled") {
		t.Fatalf("expected VE7CC ack, got %q", ack)
	}
	cr.ReadString('\n') // prompt line

	time.Sleep(10 * time.Millisecond)
	found := false
	srv.mu.Lock()
	for _, st := range srv.clients {
		if st.ve7cc {
			found = true
		}
	}
	srv.mu.Unlock()
	if !found {
		t.Fatalf("expected client to be registered in ve7cc mode")
	}

	clientConn.Close()
	<-done
}
