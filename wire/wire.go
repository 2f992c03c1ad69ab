// Package wire encodes and decodes the WSJT-X UDP datagram format: a
// length-prefixed, big-endian tagged binary protocol used to hand decoded
// spots and QSO records to a map/roster application and to receive
// click-to-tune replies back.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// Magic and schema identify the protocol on the wire.
const (
	Magic  uint32 = 0xADBCCBDA
	Schema uint32 = 2
)

// Message type tags.
const (
	TypeHeartbeat  uint32 = 0
	TypeStatus     uint32 = 1
	TypeDecode     uint32 = 2
	TypeReply      uint32 = 4
	TypeQSOLogged  uint32 = 5
)

// maxFrameSize bounds decoder allocation; frames larger than this are
// rejected as malformed rather than trusted at face value.
const maxFrameSize = 64 * 1024

// nullString is the length-prefix sentinel for an encoded nil string.
const nullString uint32 = 0xFFFFFFFF

// MalformedFrameError marks a decode failure caused by bad input rather
// than a programming error.
type MalformedFrameError struct {
	Reason string
}

func (e *MalformedFrameError) Error() string {
	return fmt.Sprintf("malformed frame: %s", e.Reason)
}

func malformed(reason string) error {
	return &MalformedFrameError{Reason: reason}
}

// DateTime is the three-field QDateTime encoding: Julian Day Number,
// milliseconds since midnight, and a timespec byte (always UTC here).
type DateTime struct {
	Year, Month, Day      int
	Hour, Minute, Second  int
}

// Now returns the current UTC instant as a DateTime.
func Now() DateTime {
	return FromTime(time.Now().UTC())
}

// FromTime converts a time.Time (interpreted in UTC) to a DateTime.
func FromTime(t time.Time) DateTime {
	t = t.UTC()
	return DateTime{
		Year: t.Year(), Month: int(t.Month()), Day: t.Day(),
		Hour: t.Hour(), Minute: t.Minute(), Second: t.Second(),
	}
}

func julianDayNumber(year, month, day int) int64 {
	a := (14 - month) / 12
	y := year + 4800 - a
	m := month + 12*a - 3
	return int64(day) + int64((153*m+2)/5) + int64(365*y) + int64(y/4) - int64(y/100) + int64(y/400) - 32045
}

func writeUTF8String(buf *bytes.Buffer, s *string) {
	if s == nil {
		binary.Write(buf, binary.BigEndian, nullString)
		return
	}
	b := []byte(*s)
	binary.Write(buf, binary.BigEndian, uint32(len(b)))
	buf.Write(b)
}

func str(s string) *string { return &s }

func writeDateTime(buf *bytes.Buffer, dt DateTime) {
	jdn := julianDayNumber(dt.Year, dt.Month, dt.Day)
	binary.Write(buf, binary.BigEndian, jdn)
	msSinceMidnight := uint32((dt.Hour*3600+dt.Minute*60+dt.Second) * 1000)
	binary.Write(buf, binary.BigEndian, msSinceMidnight)
	binary.Write(buf, binary.BigEndian, uint8(1)) // timespec: 1 = UTC
}

func header(buf *bytes.Buffer, msgType uint32, clientID string) {
	binary.Write(buf, binary.BigEndian, Magic)
	binary.Write(buf, binary.BigEndian, Schema)
	binary.Write(buf, binary.BigEndian, msgType)
	writeUTF8String(buf, str(clientID))
}

// Heartbeat builds a type-0 Heartbeat datagram.
func Heartbeat(clientID string, maxSchema uint32, version, revision string) []byte {
	var buf bytes.Buffer
	header(&buf, TypeHeartbeat, clientID)
	binary.Write(&buf, binary.BigEndian, maxSchema)
	writeUTF8String(&buf, str(version))
	writeUTF8String(&buf, str(revision))
	return buf.Bytes()
}

// StatusFields are the fields of a type-1 Status record.
type StatusFields struct {
	ClientID      string
	DialFreq      uint64
	Mode          string
	DXCall        string
	Report        string
	TXMode        string
	TXEnabled     bool
	Transmitting  bool
	Decoding      bool
	RXDF          uint32
	TXDF          uint32
	DECall        string
	DEGrid        string
	DXGrid        string
	TXWatchdog    bool
	SubMode       string
	FastMode      bool
	SpecialOp     uint8
	FreqTolerance uint32
	TRPeriod      uint32
	ConfigName    string
}

// Status builds a type-1 Status datagram.
func Status(f StatusFields) []byte {
	var buf bytes.Buffer
	header(&buf, TypeStatus, f.ClientID)
	binary.Write(&buf, binary.BigEndian, f.DialFreq)
	writeUTF8String(&buf, str(f.Mode))
	writeUTF8String(&buf, str(f.DXCall))
	writeUTF8String(&buf, str(f.Report))
	writeUTF8String(&buf, str(f.TXMode))
	binary.Write(&buf, binary.BigEndian, f.TXEnabled)
	binary.Write(&buf, binary.BigEndian, f.Transmitting)
	binary.Write(&buf, binary.BigEndian, f.Decoding)
	binary.Write(&buf, binary.BigEndian, f.RXDF)
	binary.Write(&buf, binary.BigEndian, f.TXDF)
	writeUTF8String(&buf, str(f.DECall))
	writeUTF8String(&buf, str(f.DEGrid))
	writeUTF8String(&buf, str(f.DXGrid))
	binary.Write(&buf, binary.BigEndian, f.TXWatchdog)
	writeUTF8String(&buf, str(f.SubMode))
	binary.Write(&buf, binary.BigEndian, f.FastMode)
	binary.Write(&buf, binary.BigEndian, f.SpecialOp)
	binary.Write(&buf, binary.BigEndian, f.FreqTolerance)
	binary.Write(&buf, binary.BigEndian, f.TRPeriod)
	writeUTF8String(&buf, str(f.ConfigName))
	return buf.Bytes()
}

// DecodeFields are the fields of a type-2 Decode record.
type DecodeFields struct {
	ClientID      string
	IsNew         bool
	TimeMS        uint32
	SNR           int32
	DeltaTime     float64
	DeltaFreq     uint32
	Mode          string
	Message       string
	LowConfidence bool
	OffAir        bool
}

// Decode builds a type-2 Decode datagram.
func Decode(f DecodeFields) []byte {
	var buf bytes.Buffer
	header(&buf, TypeDecode, f.ClientID)
	binary.Write(&buf, binary.BigEndian, f.IsNew)
	binary.Write(&buf, binary.BigEndian, f.TimeMS)
	binary.Write(&buf, binary.BigEndian, f.SNR)
	binary.Write(&buf, binary.BigEndian, f.DeltaTime)
	binary.Write(&buf, binary.BigEndian, f.DeltaFreq)
	writeUTF8String(&buf, str(f.Mode))
	writeUTF8String(&buf, str(f.Message))
	binary.Write(&buf, binary.BigEndian, f.LowConfidence)
	binary.Write(&buf, binary.BigEndian, f.OffAir)
	return buf.Bytes()
}

// QSOLoggedFields are the fields of a type-5 QSO Logged record.
type QSOLoggedFields struct {
	ClientID      string
	DateTimeOff   DateTime
	DXCall        string
	DXGrid        string
	FreqHz        uint64
	Mode          string
	ReportSent    string
	ReportRcvd    string
	TXPower       string
	Comments      string
	Name          string
	DateTimeOn    DateTime
	OperatorCall  string
	MyCall        string
	MyGrid        string
	ExchangeSent  string
	ExchangeRcvd  string
	ADIFPropMode  string
}

// QSOLogged builds a type-5 QSO Logged datagram.
func QSOLogged(f QSOLoggedFields) []byte {
	var buf bytes.Buffer
	header(&buf, TypeQSOLogged, f.ClientID)
	writeDateTime(&buf, f.DateTimeOff)
	writeUTF8String(&buf, str(f.DXCall))
	writeUTF8String(&buf, str(f.DXGrid))
	binary.Write(&buf, binary.BigEndian, f.FreqHz)
	writeUTF8String(&buf, str(f.Mode))
	writeUTF8String(&buf, str(f.ReportSent))
	writeUTF8String(&buf, str(f.ReportRcvd))
	writeUTF8String(&buf, str(f.TXPower))
	writeUTF8String(&buf, str(f.Comments))
	writeUTF8String(&buf, str(f.Name))
	writeDateTime(&buf, f.DateTimeOn)
	writeUTF8String(&buf, str(f.OperatorCall))
	writeUTF8String(&buf, str(f.MyCall))
	writeUTF8String(&buf, str(f.MyGrid))
	writeUTF8String(&buf, str(f.ExchangeSent))
	writeUTF8String(&buf, str(f.ExchangeRcvd))
	writeUTF8String(&buf, str(f.ADIFPropMode))
	return buf.Bytes()
}

// CurrentTimeMS returns milliseconds since midnight UTC, for the Decode
// record's time_ms field.
func CurrentTimeMS() uint32 {
	now := time.Now().UTC()
	return uint32(((now.Hour()*3600)+now.Minute()*60+now.Second()) * 1000)
}

// --- Decoding ---

type reader struct {
	data   []byte
	offset int
}

func (r *reader) need(n int) error {
	if r.offset+n > len(r.data) {
		return malformed("truncated payload")
	}
	return nil
}

func (r *reader) readUint32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(r.data[r.offset:])
	r.offset += 4
	return v, nil
}

func (r *reader) readInt32() (int32, error) {
	v, err := r.readUint32()
	return int32(v), err
}

func (r *reader) readUint8() (uint8, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.data[r.offset]
	r.offset++
	return v, nil
}

func (r *reader) readBool() (bool, error) {
	v, err := r.readUint8()
	return v != 0, err
}

func (r *reader) readDouble() (float64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	bits := binary.BigEndian.Uint64(r.data[r.offset:])
	r.offset += 8
	return math.Float64frombits(bits), nil
}

func (r *reader) readString() (string, error) {
	length, err := r.readUint32()
	if err != nil {
		return "", err
	}
	if length == nullString {
		return "", nil
	}
	if int64(length) > int64(len(r.data)-r.offset) {
		return "", malformed("string length exceeds remaining bytes")
	}
	if length > maxFrameSize {
		return "", malformed("string length exceeds frame cap")
	}
	s := string(r.data[r.offset : r.offset+int(length)])
	r.offset += int(length)
	return s, nil
}

// Header holds the common fields parsed from every datagram.
type Header struct {
	Type     uint32
	ClientID string
}

// ParseHeader parses the common magic/schema/type/client_id header and
// returns it along with the remaining payload.
func ParseHeader(data []byte) (Header, []byte, error) {
	if len(data) > maxFrameSize {
		return Header{}, nil, malformed("frame exceeds 64 KiB cap")
	}
	if len(data) < 12 {
		return Header{}, nil, malformed("short header")
	}
	magic := binary.BigEndian.Uint32(data[0:4])
	if magic != Magic {
		return Header{}, nil, malformed("bad magic")
	}
	msgType := binary.BigEndian.Uint32(data[8:12])
	r := &reader{data: data, offset: 12}
	clientID, err := r.readString()
	if err != nil {
		return Header{}, nil, err
	}
	return Header{Type: msgType, ClientID: clientID}, data[r.offset:], nil
}

// Reply holds the fields of an inbound type-4 Reply message (sent when a
// callsign is clicked in the consuming application).
type Reply struct {
	ClientID      string
	TimeMS        uint32
	SNR           int32
	DeltaTime     float64
	DeltaFreq     uint32
	Mode          string
	Message       string
	LowConfidence bool
	Modifiers     uint8
}

// ParseReply decodes a type-4 Reply datagram.
func ParseReply(data []byte) (Reply, error) {
	hdr, payload, err := ParseHeader(data)
	if err != nil {
		return Reply{}, err
	}
	if hdr.Type != TypeReply {
		return Reply{}, malformed("not a reply frame")
	}
	r := &reader{data: payload}
	var rep Reply
	rep.ClientID = hdr.ClientID
	if rep.TimeMS, err = r.readUint32(); err != nil {
		return Reply{}, err
	}
	if rep.SNR, err = r.readInt32(); err != nil {
		return Reply{}, err
	}
	if rep.DeltaTime, err = r.readDouble(); err != nil {
		return Reply{}, err
	}
	if rep.DeltaFreq, err = r.readUint32(); err != nil {
		return Reply{}, err
	}
	if rep.Mode, err = r.readString(); err != nil {
		return Reply{}, err
	}
	if rep.Message, err = r.readString(); err != nil {
		return Reply{}, err
	}
	if rep.LowConfidence, err = r.readBool(); err != nil {
		return Reply{}, err
	}
	if rep.Modifiers, err = r.readUint8(); err != nil {
		return Reply{}, err
	}
	return rep, nil
}
