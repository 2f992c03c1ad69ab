// Package cluster implements the DX cluster telnet ingest: connect,
// log in with a callsign, and parse incoming spot lines into structured
// Spots delivered to a callback.
package cluster

import (
	"context"
	"fmt"
	"log"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/encoding/charmap"
	"gtbridge/backoff"
)

// Spot is a parsed DX cluster spot line.
type Spot struct {
	Spotter string
	FreqKHz float64
	DXCall  string
	Comment string
	TimeUTC string // "HHMM"
	Mode    string
	SNR     int
	HasSNR  bool
	Grid    string

	// Activity tags a spot as originating from a POTA or SOTA activator
	// feed rather than a plain DX cluster line. Empty for ordinary spots.
	Activity string
}

var spotRE = regexp.MustCompile(
	`(?i)^DX\s+de\s+` +
		`(?P<spotter>[A-Z0-9/\-#]+):\s+` +
		`(?P<freq>[\d.]+)\s+` +
		`(?P<dxcall>[A-Z0-9/]+)\s+` +
		`(?P<comment>.*?)\s+` +
		`(?P<time>\d{4})Z\s*$`,
)

var modePatterns = []struct {
	re   *regexp.Regexp
	name string
}{
	{regexp.MustCompile(`(?i)\bFT8\b`), "FT8"},
	{regexp.MustCompile(`(?i)\bFT4\b`), "FT4"},
	{regexp.MustCompile(`(?i)\bCW\b`), "CW"},
	{regexp.MustCompile(`(?i)\bSSB\b`), "SSB"},
	{regexp.MustCompile(`(?i)\bRTTY\b`), "RTTY"},
	{regexp.MustCompile(`(?i)\bPSK\b`), "PSK"},
	{regexp.MustCompile(`(?i)\bJS8\b`), "JS8"},
	{regexp.MustCompile(`(?i)\bMSK144\b`), "MSK144"},
	{regexp.MustCompile(`(?i)\bJT65\b`), "JT65"},
	{regexp.MustCompile(`(?i)\bJT9\b`), "JT9"},
}

var snrRE = regexp.MustCompile(`(?i)([+-]?\d{1,3})\s*dB`)
var gridRE = regexp.MustCompile(`\b([A-R]{2}\d{2}(?:[a-x]{2})?)\b`)
var ansiRE = regexp.MustCompile("\x1b\\[[0-9;]*[a-zA-Z]")

// ParseSpot parses a single cleaned cluster line. It returns false if
// the line doesn't match the DX spot grammar.
func ParseSpot(line string) (Spot, bool) {
	m := spotRE.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return Spot{}, false
	}
	names := spotRE.SubexpNames()
	fields := make(map[string]string, len(m))
	for i, v := range m {
		if i == 0 {
			continue
		}
		fields[names[i]] = v
	}

	comment := strings.TrimSpace(fields["comment"])
	freq, err := strconv.ParseFloat(fields["freq"], 64)
	if err != nil {
		return Spot{}, false
	}

	s := Spot{
		Spotter: strings.ToUpper(fields["spotter"]),
		FreqKHz: freq,
		DXCall:  strings.ToUpper(fields["dxcall"]),
		Comment: comment,
		TimeUTC: fields["time"],
	}

	for _, mp := range modePatterns {
		if mp.re.MatchString(comment) {
			s.Mode = mp.name
			break
		}
	}
	if sm := snrRE.FindStringSubmatch(comment); sm != nil {
		if n, err := strconv.Atoi(sm[1]); err == nil {
			s.SNR = n
			s.HasSNR = true
		}
	}
	if gm := gridRE.FindStringSubmatch(comment); gm != nil {
		s.Grid = gm[1]
	}

	return s, true
}

// cleanLine strips ANSI CSI sequences and control characters (tab
// excepted) the way telnet clusters occasionally decorate their feed.
func cleanLine(line string) string {
	clean := ansiRE.ReplaceAllString(line, "")
	var b strings.Builder
	b.Grow(len(clean))
	for _, r := range clean {
		if r >= ' ' || r == '\t' {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

var loginKeywords = []string{"login", "call", "your call", "enter"}

const (
	loginWindow  = 15 * time.Second
	loginRead    = 5 * time.Second
	idleTimeout  = 120 * time.Second
	minBackoff   = 5 * time.Second
	maxBackoff   = 120 * time.Second
)

// Client connects to one DX cluster telnet endpoint and delivers parsed
// spots to OnSpot until Stop is called.
type Client struct {
	Host     string
	Port     int
	Callsign string
	Name     string
	OnSpot   func(Spot, clusterName string)

	// LoginCommands are sent, in order, one per line, once login
	// succeeds — e.g. "set/ve7cc" or "set/prompt %M de Spot>".
	LoginCommands []string

	// Password, if set, is sent on its own line right after the
	// callsign for clusters that gate access behind one (most public
	// DX Spider nodes don't; some private ones do).
	Password string

	stop chan struct{}
}

// NewClient builds a Client; Name defaults to "host:port" if empty.
func NewClient(host string, port int, callsign, name string, onSpot func(Spot, string)) *Client {
	if name == "" {
		name = fmt.Sprintf("%s:%d", host, port)
	}
	return &Client{
		Host:     host,
		Port:     port,
		Callsign: strings.ToUpper(callsign),
		Name:     name,
		OnSpot:   onSpot,
		stop:     make(chan struct{}),
	}
}

// Stop signals Run to close its connection and return.
func (c *Client) Stop() {
	select {
	case <-c.stop:
	default:
		close(c.stop)
	}
}

// Run connects, logs in, and reads spots until ctx is cancelled or Stop
// is called, reconnecting with exponential backoff on any error.
func (c *Client) Run(ctx context.Context) {
	bo := backoff.New(minBackoff, maxBackoff)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		default:
		}

		log.Printf("cluster[%s]: connecting to %s:%d", c.Name, c.Host, c.Port)
		conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", c.Host, c.Port), 30*time.Second)
		if err != nil {
			log.Printf("cluster[%s]: connection error: %v", c.Name, err)
			if !c.sleep(ctx, bo.Next()) {
				return
			}
			continue
		}
		log.Printf("cluster[%s]: connected", c.Name)
		bo.Reset()

		if err := c.login(conn); err != nil {
			log.Printf("cluster[%s]: login error: %v", c.Name, err)
			conn.Close()
			if !c.sleep(ctx, bo.Next()) {
				return
			}
			continue
		}

		c.readLoop(ctx, conn)
		conn.Close()

		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		default:
		}
		if !c.sleep(ctx, bo.Next()) {
			return
		}
	}
}

func (c *Client) sleep(ctx context.Context, d time.Duration) bool {
	log.Printf("cluster[%s]: reconnecting in %s", c.Name, d)
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	case <-c.stop:
		return false
	}
}

// login waits up to loginWindow for a recognizable login prompt and
// sends the callsign as soon as one appears, falling back to sending it
// unconditionally if no prompt was ever seen.
func (c *Client) login(conn net.Conn) error {
	deadline := time.Now().Add(loginWindow)
	buf := make([]byte, 4096)

	for time.Now().Before(deadline) {
		conn.SetReadDeadline(time.Now().Add(loginRead))
		n, err := conn.Read(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			return fmt.Errorf("connection closed during login: %w", err)
		}
		if n == 0 {
			continue
		}

		text := strings.ToLower(string(buf[:n]))
		for _, kw := range loginKeywords {
			if strings.Contains(text, kw) {
				return c.sendLogin(conn)
			}
		}
	}

	return c.sendLogin(conn)
}

func (c *Client) sendLogin(conn net.Conn) error {
	if _, err := conn.Write([]byte(c.Callsign + "\r\n")); err != nil {
		return err
	}
	log.Printf("cluster[%s]: sent callsign %s", c.Name, c.Callsign)
	time.Sleep(1 * time.Second)

	if c.Password != "" {
		if _, err := conn.Write([]byte(c.Password + "\r\n")); err != nil {
			return err
		}
		time.Sleep(1 * time.Second)
	}

	for _, cmd := range c.LoginCommands {
		if _, err := conn.Write([]byte(cmd + "\r\n")); err != nil {
			return err
		}
		time.Sleep(500 * time.Millisecond)
	}

	if _, err := conn.Write([]byte("sh/dx\r\n")); err != nil {
		return err
	}
	return nil
}

// readLoop decodes the raw stream as ISO-8859-1, matching the Python
// client's `data.decode('latin-1', errors='replace')`: cluster feeds are
// not reliably UTF-8, and latin-1 never fails to decode a byte.
func (c *Client) readLoop(ctx context.Context, conn net.Conn) {
	decoder := charmap.ISO8859_1.NewDecoder()
	raw := make([]byte, 4096)
	var pending string

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(idleTimeout))
		n, err := conn.Read(raw)
		if err != nil {
			if isTimeout(err) {
				if _, werr := conn.Write([]byte("\r\n")); werr != nil {
					return
				}
				continue
			}
			log.Printf("cluster[%s]: connection closed by server", c.Name)
			return
		}
		if n == 0 {
			continue
		}

		decoded, decErr := decoder.String(string(raw[:n]))
		if decErr != nil {
			decoded = string(raw[:n]) // bytes already fit latin-1's 1:1 mapping
		}
		pending += decoded

		for {
			idx := strings.IndexByte(pending, '\n')
			if idx < 0 {
				break
			}
			line := pending[:idx]
			pending = pending[idx+1:]

			clean := cleanLine(line)
			if clean == "" {
				continue
			}

			spot, ok := ParseSpot(clean)
			if ok {
				if c.OnSpot != nil {
					c.OnSpot(spot, c.Name)
				}
			} else if strings.HasPrefix(strings.ToUpper(clean), "DX DE") {
				log.Printf("cluster[%s]: unparsed DX line: %q", c.Name, clean)
			}
		}
	}
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
