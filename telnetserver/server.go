// Package telnetserver re-broadcasts cached DX spots over a DX
// Spider-like telnet interface, so a standard DX cluster client (or Ham
// Radio Deluxe, which speaks VE7CC's CC11 format) can connect and watch
// spots arrive in real time. It is output-only: no spot commands are
// accepted from clients; apart from echo, set/prompt and set/ve7cc,
// every line just gets a reprompt.
package telnetserver

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/encoding/charmap"
	"gtbridge/cluster"
)

const loginTimeout = 60 * time.Second

const (
	telnetIAC  = 255
	telnetDO   = 253
	telnetWILL = 251
	telnetSB   = 250
	telnetSE   = 240
)

// telnetFilter strips telnet option-negotiation sequences (IAC/SB/SE/
// DO/WILL) out of the byte stream before it reaches the line reader,
// refusing every negotiated option so the link stays in plain
// character mode. The original DX Spider emulation never negotiates
// options at all; real telnet clients do, and without this the raw
// negotiation bytes would desync readline's line splitting.
type telnetFilter struct {
	conn        net.Conn
	inIAC, inSB bool
}

func newTelnetFilter(conn net.Conn) *telnetFilter {
	return &telnetFilter{conn: conn}
}

func (t *telnetFilter) Read(p []byte) (int, error) {
	raw := make([]byte, len(p))
	n, err := t.conn.Read(raw)
	if n == 0 {
		return 0, err
	}

	out := make([]byte, 0, n)
	for i := 0; i < n; i++ {
		b := raw[i]
		if t.inIAC {
			switch b {
			case telnetSB:
				t.inSB = true
			case telnetSE:
				t.inSB = false
			case telnetDO:
				if i+1 < n {
					t.conn.Write([]byte{telnetIAC, 252, raw[i+1]}) // WONT
					i++
				}
			case telnetWILL:
				if i+1 < n {
					t.conn.Write([]byte{telnetIAC, 254, raw[i+1]}) // DONT
					i++
				}
			case telnetIAC:
				out = append(out, telnetIAC)
			}
			t.inIAC = false
			continue
		}
		if b == telnetIAC {
			t.inIAC = true
			continue
		}
		if t.inSB {
			continue
		}
		out = append(out, b)
	}
	copy(p, out)
	return len(out), err
}

// clientState tracks one connected client's negotiated prompt format
// and whether it asked for VE7CC CC11 spot lines.
type clientState struct {
	w        *bufio.Writer
	ve7cc    bool
	prompt   string
	callsign string
	corrID   string
}

// Server listens for telnet connections and fans cached spots out to
// every connected client.
type Server struct {
	Host     string
	Port     int
	NodeCall string

	mu       sync.Mutex
	clients  map[net.Conn]*clientState
	listener net.Listener
}

// New builds a Server bound to host:port, identifying itself as
// nodeCall in the DX Spider login banner.
func New(host string, port int, nodeCall string) *Server {
	return &Server{
		Host:     host,
		Port:     port,
		NodeCall: nodeCall,
		clients:  make(map[net.Conn]*clientState),
	}
}

// Run accepts connections until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.Host, s.Port))
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	log.Printf("telnetserver: listening on %s:%d (node %s)", s.Host, s.Port, s.NodeCall)

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go s.handleClient(ctx, conn)
	}
}

// Stop closes the listener and every connected client.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		s.listener.Close()
	}
	for conn := range s.clients {
		conn.Close()
	}
	s.clients = make(map[net.Conn]*clientState)
}

func (s *Server) handleClient(ctx context.Context, conn net.Conn) {
	addr := conn.RemoteAddr().String()
	corrID := uuid.NewString()
	log.Printf("telnetserver[%s]: client connected (%s)", corrID, addr)

	w := bufio.NewWriter(conn)
	defer func() {
		conn.Close()
		log.Printf("telnetserver[%s]: client disconnected", corrID)
	}()

	w.WriteString("login: Please enter your call: ")
	w.Flush()

	conn.SetReadDeadline(time.Now().Add(loginTimeout))
	r := bufio.NewReader(newTelnetFilter(conn))
	line, err := r.ReadString('\n')
	if err != nil {
		w.WriteString("Timeout. Goodbye.\r\n")
		w.Flush()
		log.Printf("telnetserver[%s]: timed out during login", corrID)
		return
	}
	conn.SetReadDeadline(time.Time{})

	callsign := strings.ToUpper(strings.TrimSpace(decodeLatin1(line)))
	if callsign == "" {
		callsign = "UNKNOWN"
	}

	prompt := fmt.Sprintf("%s de %s >\r\n", callsign, s.NodeCall)
	fmt.Fprintf(w, "Hello %s, this is %s running DX Spider\r\n%s", callsign, s.NodeCall, prompt)
	w.Flush()
	log.Printf("telnetserver[%s]: logged in as %s", corrID, callsign)

	st := &clientState{w: w, prompt: prompt, callsign: callsign, corrID: corrID}
	s.mu.Lock()
	s.clients[conn] = st
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.clients, conn)
		s.mu.Unlock()
	}()

	s.commandLoop(ctx, st, r)
}

// commandLoop handles the client's input after login. Every command is
// just acknowledged with a reprompt; only echo/set/prompt/set/ve7cc get
// special-cased handling, matching the original DX Spider emulation.
func (s *Server) commandLoop(ctx context.Context, st *clientState, r *bufio.Reader) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		cmd := strings.TrimSpace(decodeLatin1(line))
		if cmd == "" {
			continue
		}
		log.Printf("telnetserver[%s]: cmd: %s", st.corrID, cmd)

		verb, rest, _ := strings.Cut(cmd, " ")
		verb = strings.ToLower(verb)
		rest = strings.TrimSpace(rest)

		switch {
		case verb == "echo" && rest != "":
			fmt.Fprintf(st.w, "%s\r\n%s", rest, st.prompt)
		case verb == "set/prompt" && rest != "":
			st.prompt = strings.ReplaceAll(rest, "%M", s.NodeCall) + "\r\n"
			st.w.WriteString(st.prompt)
		case verb == "set/ve7cc":
			s.mu.Lock()
			st.ve7cc = true
			s.mu.Unlock()
			st.w.WriteString("VE7CC gateway mode enabled\r\n" + st.prompt)
			log.Printf("telnetserver[%s]: VE7CC mode enabled", st.corrID)
		case strings.HasPrefix(verb, "sh/"):
			st.w.WriteString(st.prompt)
		default:
			st.w.WriteString(st.prompt)
		}

		if err := st.w.Flush(); err != nil {
			return
		}
	}
}

// Broadcast formats spot into the standard or CC11 line format for
// each connected client, according to its negotiated mode, and prunes
// any client the write fails against.
func (s *Server) Broadcast(spot cluster.Spot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.clients) == 0 {
		return
	}

	var std, cc []byte
	var dead []net.Conn
	for conn, st := range s.clients {
		var payload []byte
		if st.ve7cc {
			if cc == nil {
				cc = []byte(formatCC11Line(spot) + "\a\r\n")
			}
			payload = cc
		} else {
			if std == nil {
				std = []byte(formatSpotLine(spot) + "\a\r\n")
			}
			payload = std
		}
		if _, err := st.w.Write(payload); err != nil || st.w.Flush() != nil {
			dead = append(dead, conn)
			continue
		}
	}
	for _, conn := range dead {
		conn.Close()
		delete(s.clients, conn)
	}
}

// formatSpotLine renders the standard DX Spider spot line:
// "DX de W3LPL:      14074.0  JA1ABC       FT8 -15dB CQ                1234Z"
func formatSpotLine(spot cluster.Spot) string {
	spotter := truncate(spot.Spotter+":", 8)
	dxCall := truncate(spot.DXCall, 12)
	comment := truncate(spot.Comment, 28)
	return fmt.Sprintf("DX de %-8s %10.1f  %-12s %-28s%sZ", spotter, spot.FreqKHz, dxCall, comment, spot.TimeUTC)
}

// formatCC11Line renders VE7CC's caret-delimited CC11 spot line:
// "CC11^freq^dx_call^date^timeZ^comment^spotter^grid^origin^flag^"
func formatCC11Line(spot cluster.Spot) string {
	date := time.Now().UTC().Format("02-Jan-2006")
	return fmt.Sprintf("CC11^%.1f^%s^%s^%sZ^%s^%s^%s^^0^",
		spot.FreqKHz, spot.DXCall, date, spot.TimeUTC, spot.Comment, spot.Spotter, spot.Grid)
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

func decodeLatin1(s string) string {
	out, err := charmap.ISO8859_1.NewDecoder().String(s)
	if err != nil {
		return s
	}
	return out
}
