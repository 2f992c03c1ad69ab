// Package radio implements the FlexRadio SmartSDR TCP client: it tracks
// slice status and can tune an existing slice to a clicked spot. It
// never creates or removes slices.
package radio

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"gtbridge/band"
	"gtbridge/backoff"
)

// compatibleModes maps a spot mode to the SmartSDR slice modes that can
// receive it. SmartSDR has no native FT8/FT4 mode; digital traffic
// rides DIGU/DIGL.
var compatibleModes = map[string]map[string]bool{
	"CW":   {"CW": true},
	"SSB":  {"USB": true, "LSB": true},
	"FT8":  {"DIGU": true, "DIGL": true},
	"FT4":  {"DIGU": true, "DIGL": true},
	"RTTY": {"DIGU": true, "DIGL": true, "RTTY": true},
	"PSK":  {"DIGU": true, "DIGL": true},
	"JS8":  {"DIGU": true, "DIGL": true},
}

// spotToSDRMode maps a spot mode to the SmartSDR slice mode to select
// when tuning to it.
func spotToSDRMode(spotMode string, freqMHz float64) string {
	switch strings.ToUpper(spotMode) {
	case "CW":
		return "CW"
	case "SSB":
		if freqMHz >= 5.0 && freqMHz <= 5.5 {
			return "USB"
		}
		if freqMHz < 10.0 {
			return "LSB"
		}
		return "USB"
	case "RTTY":
		return "RTTY"
	case "FT8", "FT4", "PSK", "JS8":
		return "DIGU"
	default:
		return "USB"
	}
}

const (
	minBackoff = 5 * time.Second
	maxBackoff = 60 * time.Second
)

// Client is an async-style SmartSDR TCP client, one per radio.
type Client struct {
	Host string
	Port int

	mu        sync.Mutex
	slices    map[int]map[string]string
	connected bool
	seq       int
	conn      net.Conn

	stop chan struct{}
}

// NewClient builds a Client for host:port (SmartSDR's default port is
// 4992).
func NewClient(host string, port int) *Client {
	return &Client{
		Host:   host,
		Port:   port,
		slices: make(map[int]map[string]string),
		stop:   make(chan struct{}),
	}
}

// Stop signals Run to disconnect and return.
func (c *Client) Stop() {
	select {
	case <-c.stop:
	default:
		close(c.stop)
	}
}

// Connected reports whether the client currently holds a live
// connection to the radio.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Run connects (with automatic reconnect) and processes status updates
// until ctx is cancelled or Stop is called.
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

		if err := c.connectAndServe(ctx); err != nil {
			log.Printf("flex: connection error: %v", err)
		}

		c.mu.Lock()
		wasConnected := c.connected
		c.connected = false
		c.slices = make(map[int]map[string]string)
		c.mu.Unlock()
		if wasConnected {
			bo.Reset()
		}

		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		default:
		}

		d := bo.Next()
		log.Printf("flex: reconnecting in %s", d)
		t := time.NewTimer(d)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		case <-c.stop:
			t.Stop()
			return
		}
	}
}

func (c *Client) connectAndServe(ctx context.Context) error {
	log.Printf("flex: connecting to %s:%d", c.Host, c.Port)
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", c.Host, c.Port), 10*time.Second)
	if err != nil {
		return err
	}
	defer conn.Close()

	r := bufio.NewReader(conn)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	ver, err := r.ReadString('\n')
	if err != nil {
		return fmt.Errorf("reading version line: %w", err)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	handle, err := r.ReadString('\n')
	if err != nil {
		return fmt.Errorf("reading handle line: %w", err)
	}
	log.Printf("flex: connected -- %s  handle %s", strings.TrimSpace(ver), strings.TrimSpace(handle))

	c.mu.Lock()
	c.conn = conn
	c.slices = make(map[int]map[string]string)
	c.mu.Unlock()

	if err := c.send(ctx, "sub slice all"); err != nil {
		return err
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()

	conn.SetReadDeadline(time.Time{})
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.stop:
			return nil
		default:
		}

		line, err := r.ReadString('\n')
		if err != nil {
			log.Printf("flex: connection closed by radio")
			return err
		}
		text := strings.TrimSpace(line)
		if text == "" {
			continue
		}
		switch text[0] {
		case 'S':
			c.onStatus(text)
		case 'R':
			c.onResponse(text)
		}
	}
}

func (c *Client) onResponse(text string) {
	parts := strings.SplitN(text, "|", 3)
	if len(parts) >= 2 && parts[1] != "0" {
		msg := ""
		if len(parts) > 2 {
			msg = parts[2]
		}
		log.Printf("flex: command %s error %s: %s", strings.TrimPrefix(parts[0], "R"), parts[1], msg)
	}
}

func (c *Client) onStatus(text string) {
	pipe := strings.IndexByte(text, '|')
	if pipe < 0 {
		return
	}
	tokens := strings.Fields(text[pipe+1:])
	if len(tokens) < 2 || tokens[0] != "slice" {
		return
	}
	sn, err := strconv.Atoi(tokens[1])
	if err != nil {
		return
	}

	c.mu.Lock()
	info, ok := c.slices[sn]
	if !ok {
		info = make(map[string]string)
		c.slices[sn] = info
	}
	for _, tok := range tokens[2:] {
		eq := strings.IndexByte(tok, '=')
		if eq > 0 {
			info[tok[:eq]] = tok[eq+1:]
		}
	}
	c.mu.Unlock()
}

func (c *Client) send(ctx context.Context, cmd string) error {
	c.mu.Lock()
	conn := c.conn
	c.seq++
	seq := c.seq
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("flex: not connected")
	}
	_, err := conn.Write([]byte(fmt.Sprintf("C%d|%s\n", seq, cmd)))
	return err
}

// FindSlice returns the slice number of an in-use slice on band that is
// compatible with mode, or -1 if none matches.
func (c *Client) FindSlice(bandName, mode string) int {
	compat := compatibleModes[strings.ToUpper(mode)]
	if compat == nil {
		return -1
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for sn, info := range c.slices {
		if info["in_use"] != "1" {
			continue
		}
		freqMHz, err := strconv.ParseFloat(info["RF_frequency"], 64)
		if err != nil {
			continue
		}
		if band.FreqToBand(freqMHz*1000) == bandName && compat[strings.ToUpper(info["mode"])] {
			return sn
		}
	}
	return -1
}

// Tune tunes sliceNum to freqMHz.
func (c *Client) Tune(ctx context.Context, sliceNum int, freqMHz float64) error {
	if !c.Connected() {
		return nil
	}
	log.Printf("flex: tune slice %d -> %.6f MHz", sliceNum, freqMHz)
	return c.send(ctx, fmt.Sprintf("slice t %d %.6f", sliceNum, freqMHz))
}

// SetMode sets sliceNum's SmartSDR mode.
func (c *Client) SetMode(ctx context.Context, sliceNum int, mode string) error {
	if !c.Connected() {
		return nil
	}
	log.Printf("flex: set slice %d mode -> %s", sliceNum, mode)
	return c.send(ctx, fmt.Sprintf("slice set %d mode=%s", sliceNum, mode))
}

// TuneToSpot tunes sliceNum to freqMHz and, if needed, switches it into
// the SmartSDR mode compatible with spotMode first.
func (c *Client) TuneToSpot(ctx context.Context, sliceNum int, freqMHz float64, spotMode string) error {
	if !c.Connected() {
		return nil
	}
	sdrMode := spotToSDRMode(spotMode, freqMHz)

	c.mu.Lock()
	current := strings.ToUpper(c.slices[sliceNum]["mode"])
	c.mu.Unlock()

	if current != strings.ToUpper(sdrMode) {
		if err := c.SetMode(ctx, sliceNum, sdrMode); err != nil {
			return err
		}
	}
	return c.Tune(ctx, sliceNum, freqMHz)
}
