// Package contactlog listens for N1MM Logger+'s UDP contact broadcast
// and turns each logged QSO into a wire.QSOLogged datagram so it shows
// up in the map/roster application's log the same way a WSJT-X contact
// would.
package contactlog

import (
	"context"
	"encoding/xml"
	"log"
	"net"
	"strconv"
	"strings"
	"time"

	"gtbridge/band"
	"gtbridge/wire"
)

// n1mmTimestampLayout matches N1MM's UTC contact timestamp, e.g.
// "2026-07-30 12:00:00".
const n1mmTimestampLayout = "2006-01-02 15:04:05"

// contactInfo mirrors the subset of N1MM's <contactinfo> broadcast that
// feeds a QSOLogged record.
type contactInfo struct {
	XMLName     xml.Name `xml:"contactinfo"`
	Call        string   `xml:"call"`
	Mode        string   `xml:"mode"`
	RxFreq      string   `xml:"rxfreq"` // 10Hz units
	GridSquare  string   `xml:"gridsquare"`
	Snt         string   `xml:"snt"`
	Rcv         string   `xml:"rcv"`
	MyCall      string   `xml:"mycall"`
	SntNr       string   `xml:"sntnr"`
	RcvNr       string   `xml:"rcvnr"`
	Timestamp   string   `xml:"timestamp"`
}

// Listener receives N1MM's UDP contact-log broadcast and delivers a
// wire-ready datagram per QSO.
type Listener struct {
	Port     int
	ClientID string
	MyGrid   string

	// OnQSO receives the raw WSJT-X-protocol QSOLogged bytes, ready to
	// be handed to whatever forwards them to the mapping application.
	OnQSO func(frame []byte)

	// OnNewInstance is called with the contact's (band, mode) before the
	// QSOLogged frame is emitted, so the virtual-instance registry has
	// already announced that band/mode pair by the time the consumer
	// sees the logged contact.
	OnNewInstance func(bandName, mode string)
}

// NewListener builds a Listener on the given UDP port (N1MM's default
// broadcast port is 12060).
func NewListener(port int, clientID, myGrid string, onQSO func([]byte)) *Listener {
	return &Listener{Port: port, ClientID: clientID, MyGrid: myGrid, OnQSO: onQSO}
}

// Run opens a UDP socket on Port and processes broadcasts until ctx is
// cancelled.
func (l *Listener) Run(ctx context.Context) error {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: l.Port})
	if err != nil {
		return err
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	log.Printf("contactlog: listening for N1MM contacts on UDP %d", l.Port)

	buf := make([]byte, 64*1024)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				log.Printf("contactlog: read error: %v", err)
				continue
			}
		}
		l.handle(buf[:n])
	}
}

func (l *Listener) handle(data []byte) {
	var ci contactInfo
	if err := xml.Unmarshal(data, &ci); err != nil {
		log.Printf("contactlog: malformed contactinfo: %v", err)
		return
	}
	if ci.Call == "" {
		return
	}

	freqHz := rxFreqToHz(ci.RxFreq)
	bandName := band.FreqToBand(float64(freqHz) / 1000.0)
	if bandName == "" {
		log.Printf("contactlog: dropping contact with %s: unknown band for %d Hz", ci.Call, freqHz)
		return
	}
	mode := strings.ToUpper(ci.Mode)

	ts, err := time.Parse(n1mmTimestampLayout, ci.Timestamp)
	if err != nil {
		log.Printf("contactlog: unparseable timestamp %q for %s, using current time: %v", ci.Timestamp, ci.Call, err)
		ts = time.Now().UTC()
	}
	dt := wire.FromTime(ts)

	if l.OnNewInstance != nil {
		l.OnNewInstance(bandName, mode)
	}

	frame := wire.QSOLogged(wire.QSOLoggedFields{
		ClientID:     l.ClientID,
		DateTimeOff:  dt,
		DXCall:       strings.ToUpper(ci.Call),
		DXGrid:       ci.GridSquare,
		FreqHz:       freqHz,
		Mode:         mode,
		ReportSent:   ci.Snt,
		ReportRcvd:   ci.Rcv,
		DateTimeOn:   dt,
		MyCall:       strings.ToUpper(ci.MyCall),
		MyGrid:       l.MyGrid,
		ExchangeSent: ci.SntNr,
		ExchangeRcvd: ci.RcvNr,
	})

	if l.OnQSO != nil {
		l.OnQSO(frame)
	}
}

// rxFreqToHz converts N1MM's rxfreq field, given in units of 10Hz, to
// whole Hz.
func rxFreqToHz(rxFreq string) uint64 {
	v, err := strconv.ParseUint(strings.TrimSpace(rxFreq), 10, 64)
	if err != nil {
		return 0
	}
	return v * 10
}
