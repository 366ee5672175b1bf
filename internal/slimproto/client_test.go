// ABOUTME: Tests for the Slimproto client over an in-memory connection
// ABOUTME: Registration frames, heartbeat echo, dispatch and MAC handling
package slimproto

import (
	"encoding/binary"
	"io"
	"net"
	"strings"
	"testing"
	"time"
)

// serverConn wraps the server end of a pipe with frame helpers.
type serverConn struct {
	t    *testing.T
	conn net.Conn
}

// readFrame reads one client frame: [4 opcode][u32 len BE][payload].
func (s *serverConn) readFrame() (string, []byte) {
	s.t.Helper()
	header := make([]byte, 8)
	s.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(s.conn, header); err != nil {
		s.t.Fatalf("read frame header: %v", err)
	}
	length := binary.BigEndian.Uint32(header[4:8])
	payload := make([]byte, length)
	if _, err := io.ReadFull(s.conn, payload); err != nil {
		s.t.Fatalf("read frame payload: %v", err)
	}
	return string(header[:4]), payload
}

// writeFrame sends one server frame: [u16 len BE][4 opcode][payload].
func (s *serverConn) writeFrame(opcode string, payload []byte) {
	s.t.Helper()
	frame := make([]byte, 2+4+len(payload))
	binary.BigEndian.PutUint16(frame[0:2], uint16(4+len(payload)))
	copy(frame[2:6], opcode)
	copy(frame[6:], payload)
	if _, err := s.conn.Write(frame); err != nil {
		s.t.Fatalf("write frame: %v", err)
	}
}

// pipeClient wires a client to an in-memory server end, skipping the
// TCP dial.
func pipeClient(t *testing.T, cfg Config) (*Client, *serverConn) {
	t.Helper()
	clientEnd, serverEnd := net.Pipe()

	c, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	c.conn = clientEnd
	c.connected.Store(true)
	t.Cleanup(func() { clientEnd.Close(); serverEnd.Close() })

	return c, &serverConn{t: t, conn: serverEnd}
}

func testConfig() Config {
	return Config{PlayerName: "test-player", MaxSampleRate: 768000, DSDEnabled: true}
}

func TestHeloFrame(t *testing.T) {
	c, srv := pipeClient(t, testConfig())

	go func() {
		if err := c.sendHelo(); err != nil {
			t.Errorf("sendHelo: %v", err)
		}
	}()

	opcode, payload := srv.readFrame()
	if opcode != "HELO" {
		t.Fatalf("opcode %q, want HELO", opcode)
	}
	if len(payload) < HeloFixedLen {
		t.Fatalf("payload %d bytes, want at least %d", len(payload), HeloFixedLen)
	}
	caps := string(payload[HeloFixedLen:])
	for _, want := range []string{"flc", "pcm", "aif", "wav", "mp3", "ogg", "ops", "aac",
		"dsf", "dff", "MaxSampleRate=768000", "AccuratePlayPoints=1"} {
		if !strings.Contains(caps, want) {
			t.Errorf("capabilities %q missing %q", caps, want)
		}
	}
}

func TestCapabilitiesWithoutDSD(t *testing.T) {
	cfg := testConfig()
	cfg.DSDEnabled = false
	c, err := NewClient(cfg)
	if err != nil {
		t.Fatal(err)
	}
	caps := c.capabilities()
	if strings.Contains(caps, "dsf") || strings.Contains(caps, "dff") {
		t.Errorf("capabilities %q advertise DSD with DSD disabled", caps)
	}
}

func TestHeartbeatEcho(t *testing.T) {
	c, srv := pipeClient(t, testConfig())

	streamCalls := 0
	c.OnStream(func(StrmCommand, string) { streamCalls++ })
	go c.Run()
	defer c.Stop()

	// strm-t with server timestamp 0xDEADBEEF in the interval field.
	payload := make([]byte, StrmHeaderLen)
	payload[0] = StrmStatus
	binary.BigEndian.PutUint32(payload[14:18], 0xDEADBEEF)
	srv.writeFrame("strm", payload)

	opcode, stat := srv.readFrame()
	if opcode != "STAT" {
		t.Fatalf("opcode %q, want STAT", opcode)
	}
	if len(stat) != StatPayloadLen {
		t.Fatalf("STAT payload %d bytes, want %d", len(stat), StatPayloadLen)
	}
	if string(stat[0:4]) != EventTimer {
		t.Errorf("event %q, want STMt", stat[0:4])
	}
	if ts := binary.BigEndian.Uint32(stat[47:51]); ts != 0xDEADBEEF {
		t.Errorf("timestamp %#x, want 0xDEADBEEF", ts)
	}
	if streamCalls != 0 {
		t.Errorf("heartbeat invoked the stream callback %d times", streamCalls)
	}
}

func TestStrmStartDispatch(t *testing.T) {
	c, srv := pipeClient(t, testConfig())

	type result struct {
		cmd StrmCommand
		req string
	}
	got := make(chan result, 1)
	c.OnStream(func(cmd StrmCommand, req string) { got <- result{cmd, req} })
	go c.Run()
	defer c.Stop()

	payload := make([]byte, StrmHeaderLen)
	payload[0] = StrmStart
	payload[1] = '1'
	payload[2] = 'f'
	payload[3] = '3'
	payload[4] = '3'
	payload[5] = '2'
	binary.BigEndian.PutUint16(payload[18:20], 9000)
	request := "GET /stream HTTP/1.0\r\n\r\n"
	srv.writeFrame("strm", append(payload, request...))

	select {
	case r := <-got:
		if r.cmd.Command != StrmStart || r.cmd.Format != 'f' {
			t.Errorf("cmd %+v", r.cmd)
		}
		if r.req != request {
			t.Errorf("request %q, want %q", r.req, request)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream callback not invoked")
	}
}

func TestAudgSurfacedNotApplied(t *testing.T) {
	c, srv := pipeClient(t, testConfig())

	got := make(chan [2]uint32, 1)
	c.OnVolume(func(l, r uint32) { got <- [2]uint32{l, r} })
	go c.Run()
	defer c.Stop()

	payload := make([]byte, AudgMinLen)
	binary.BigEndian.PutUint32(payload[10:14], 0x8000)
	binary.BigEndian.PutUint32(payload[14:18], 0x8000)
	srv.writeFrame("audg", payload)

	select {
	case g := <-got:
		if g[0] != 0x8000 || g[1] != 0x8000 {
			t.Errorf("gains %#x/%#x", g[0], g[1])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("volume callback not invoked")
	}
}

func TestUnknownOpcodeIsSkipped(t *testing.T) {
	c, srv := pipeClient(t, testConfig())
	go c.Run()
	defer c.Stop()

	srv.writeFrame("zzzz", []byte{1, 2, 3})

	// The loop must survive: a heartbeat afterwards still answers.
	payload := make([]byte, StrmHeaderLen)
	payload[0] = StrmStatus
	srv.writeFrame("strm", payload)

	opcode, _ := srv.readFrame()
	if opcode != "STAT" {
		t.Fatalf("opcode %q, want STAT after unknown opcode", opcode)
	}
}

func TestSetdNameQuery(t *testing.T) {
	c, srv := pipeClient(t, testConfig())
	go c.Run()
	defer c.Stop()

	srv.writeFrame("setd", []byte{0})

	opcode, payload := srv.readFrame()
	if opcode != "SETD" {
		t.Fatalf("opcode %q, want SETD", opcode)
	}
	if payload[0] != 0 || string(payload[1:]) != "test-player" {
		t.Errorf("SETD payload %q", payload)
	}
}

func TestDerivedMACIsStableAndLocal(t *testing.T) {
	a := deriveMAC("living-room")
	b := deriveMAC("living-room")
	other := deriveMAC("kitchen")

	if a != b {
		t.Error("derived MAC not deterministic")
	}
	if a == other {
		t.Error("different names produced the same MAC")
	}
	if a[0] != 0x02 {
		t.Errorf("MAC byte 0 is %#x, want locally-administered unicast 0x02", a[0])
	}
}

func TestExplicitMACParsing(t *testing.T) {
	cfg := testConfig()
	cfg.MACAddress = "aa:bb:cc:dd:ee:ff"
	c, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if c.MAC().String() != "aa:bb:cc:dd:ee:ff" {
		t.Errorf("MAC %s", c.MAC())
	}

	cfg.MACAddress = "aa-bb-cc-dd-ee-ff"
	if _, err := NewClient(cfg); err != nil {
		t.Errorf("dash-separated MAC rejected: %v", err)
	}

	cfg.MACAddress = "not-a-mac"
	if _, err := NewClient(cfg); err == nil {
		t.Error("invalid MAC accepted")
	}
}

func TestBytesReceivedInStat(t *testing.T) {
	c, srv := pipeClient(t, testConfig())

	c.UpdateStreamBytes(0x1_0000_0001)
	go c.SendStat(EventTrackStart, 0)

	_, stat := srv.readFrame()
	hi := binary.BigEndian.Uint32(stat[15:19])
	lo := binary.BigEndian.Uint32(stat[19:23])
	if hi != 1 || lo != 1 {
		t.Errorf("bytes received %#x/%#x, want 1/1", hi, lo)
	}
}
