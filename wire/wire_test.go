package wire

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestHeartbeatLayout(t *testing.T) {
	got := Heartbeat("GTB", 3, "2.6.1", "")
	want := []byte{
		0xAD, 0xBC, 0xCB, 0xDA, // magic
		0x00, 0x00, 0x00, 0x02, // schema
		0x00, 0x00, 0x00, 0x00, // type = heartbeat
		0x00, 0x00, 0x00, 0x03, 'G', 'T', 'B', // client_id
		0x00, 0x00, 0x00, 0x03, // max_schema
		0x00, 0x00, 0x00, 0x05, '2', '.', '6', '.', '1', // version
		0x00, 0x00, 0x00, 0x00, // revision (empty, not null)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("layout mismatch:\n got=% x\nwant=% x", got, want)
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	for _, typ := range []uint32{TypeHeartbeat, TypeStatus, TypeDecode, TypeQSOLogged} {
		frame := Heartbeat("ID-1", 3, "v", "r")
		// overwrite the type field for this case
		frame[11] = byte(typ)
		hdr, _, err := ParseHeader(frame)
		if err != nil {
			t.Fatalf("type %d: ParseHeader error: %v", typ, err)
		}
		if hdr.Type != typ || hdr.ClientID != "ID-1" {
			t.Fatalf("type %d: got %+v", typ, hdr)
		}
	}
}

func TestParseHeaderRejectsBadMagic(t *testing.T) {
	frame := Heartbeat("X", 3, "v", "r")
	frame[0] ^= 0xFF
	if _, _, err := ParseHeader(frame); err == nil {
		t.Fatalf("expected error for bad magic")
	}
}

func TestParseHeaderRejectsTruncated(t *testing.T) {
	if _, _, err := ParseHeader([]byte{1, 2, 3}); err == nil {
		t.Fatalf("expected error for short header")
	}
}

func TestParseHeaderRejectsOversizedFrame(t *testing.T) {
	huge := make([]byte, maxFrameSize+1)
	if _, _, err := ParseHeader(huge); err == nil {
		t.Fatalf("expected error for oversized frame")
	}
}

func TestReplyRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	header(&buf, TypeReply, "40m-CW")
	writeReplyPayload(&buf, 12345, -15, 0.25, 1500, "CW", "CQ POTA K1ABC FN42", true, 3)

	rep, err := ParseReply(buf.Bytes())
	if err != nil {
		t.Fatalf("ParseReply error: %v", err)
	}
	if rep.ClientID != "40m-CW" || rep.TimeMS != 12345 || rep.SNR != -15 ||
		rep.DeltaFreq != 1500 || rep.Mode != "CW" || rep.Message != "CQ POTA K1ABC FN42" ||
		!rep.LowConfidence || rep.Modifiers != 3 {
		t.Fatalf("round-trip mismatch: %+v", rep)
	}
}

// writeReplyPayload is a test helper mirroring the encoder layout for the
// inbound Reply message, which production code never needs to emit.
func writeReplyPayload(buf *bytes.Buffer, timeMS uint32, snr int32, deltaTime float64, deltaFreq uint32, mode, message string, lowConf bool, modifiers uint8) {
	binary.Write(buf, binary.BigEndian, timeMS)
	binary.Write(buf, binary.BigEndian, snr)
	binary.Write(buf, binary.BigEndian, deltaTime)
	binary.Write(buf, binary.BigEndian, deltaFreq)
	writeUTF8String(buf, str(mode))
	writeUTF8String(buf, str(message))
	binary.Write(buf, binary.BigEndian, lowConf)
	binary.Write(buf, binary.BigEndian, modifiers)
}

func TestCurrentTimeMSRange(t *testing.T) {
	ms := CurrentTimeMS()
	if ms >= 24*3600*1000 {
		t.Fatalf("time_ms out of range: %d", ms)
	}
}

func TestDialFrequencyStatusRoundTrip(t *testing.T) {
	data := Status(StatusFields{
		ClientID: "20m-FT8", DialFreq: 14074000, Mode: "FT8",
		DECall: "W1AW", DEGrid: "FN31", Decoding: true,
	})
	hdr, payload, err := ParseHeader(data)
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if hdr.Type != TypeStatus || hdr.ClientID != "20m-FT8" {
		t.Fatalf("unexpected header: %+v", hdr)
	}
	if len(payload) < 8 {
		t.Fatalf("status payload too short: %d bytes", len(payload))
	}
	if got := binary.BigEndian.Uint64(payload[:8]); got != 14074000 {
		t.Fatalf("dial_freq = %d, want 14074000", got)
	}
}
