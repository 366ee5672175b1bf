// ABOUTME: Tests for the sink state machine and worker
// ABOUTME: Uses an in-memory transport in place of the Diretta link
package sink

import (
	"sync"
	"testing"
	"time"

	"github.com/cometdom/slim2Diretta/internal/audio"
	"github.com/cometdom/slim2Diretta/internal/diretta"
)

// memTransport records sessions and packets.
type memTransport struct {
	mu       sync.Mutex
	opens    []diretta.Format
	closes   int
	packets  [][]byte
	released bool
	mtu      int
}

func (m *memTransport) Open(f diretta.Format) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opens = append(m.opens, f)
	return nil
}

func (m *memTransport) Send(pkt []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(pkt))
	copy(cp, pkt)
	m.packets = append(m.packets, cp)
	return nil
}

func (m *memTransport) CloseSession() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closes++
	return nil
}

func (m *memTransport) Release() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.released = true
	return nil
}

func (m *memTransport) MTU() int { return m.mtu }

func (m *memTransport) openCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.opens)
}

func newTestSink(t *testing.T, tr *memTransport) *Sink {
	t.Helper()
	s := New()
	s.acquire = func(diretta.Config) (diretta.Transport, error) { return tr, nil }
	if err := s.Enable(diretta.Config{TargetIndex: 1, CycleAuto: true}); err != nil {
		t.Fatalf("enable: %v", err)
	}
	t.Cleanup(s.Disable)
	return s
}

func cdFormat() audio.Format {
	return audio.Format{SampleRate: 44100, BitDepth: 32, Channels: 2, Compression: "pcm"}
}

func TestSinkStates(t *testing.T) {
	tr := &memTransport{mtu: 1500}
	s := newTestSink(t, tr)

	if s.State() != StateIdle {
		t.Fatalf("after enable: state %s, want idle", s.State())
	}
	if err := s.Open(cdFormat()); err != nil {
		t.Fatalf("open: %v", err)
	}
	if s.State() != StateOpen {
		t.Fatalf("after open: state %s, want open", s.State())
	}

	s.SendAudio(make([]byte, 1024), 128)
	if s.State() != StatePlaying {
		t.Fatalf("after send: state %s, want playing", s.State())
	}

	s.Pause()
	if s.State() != StatePaused {
		t.Fatalf("after pause: state %s, want paused", s.State())
	}
	s.Resume()
	if s.State() != StatePlaying {
		t.Fatalf("after resume: state %s, want playing", s.State())
	}

	s.Stop(false)
	if s.State() != StateIdle {
		t.Fatalf("after stop: state %s, want idle", s.State())
	}
}

func TestSinkOpenBeforeEnable(t *testing.T) {
	s := New()
	if err := s.Open(cdFormat()); err != ErrNotEnabled {
		t.Fatalf("open on disabled sink: err %v, want ErrNotEnabled", err)
	}
}

func TestSinkQuickResume(t *testing.T) {
	tr := &memTransport{mtu: 1500}
	s := newTestSink(t, tr)

	f := cdFormat()
	if err := s.Open(f); err != nil {
		t.Fatalf("first open: %v", err)
	}
	s.Stop(false)

	// Same format: the session must survive, no renegotiation.
	if err := s.Open(f); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if tr.openCount() != 1 {
		t.Errorf("expected 1 transport open (quick resume), got %d", tr.openCount())
	}

	// Different rate: full reopen.
	f2 := f
	f2.SampleRate = 96000
	s.Stop(false)
	if err := s.Open(f2); err != nil {
		t.Fatalf("reopen with new format: %v", err)
	}
	if tr.openCount() != 2 {
		t.Errorf("expected 2 transport opens after format change, got %d", tr.openCount())
	}
}

func TestSinkCloseForcesRenegotiation(t *testing.T) {
	tr := &memTransport{mtu: 1500}
	s := newTestSink(t, tr)

	f := cdFormat()
	if err := s.Open(f); err != nil {
		t.Fatalf("open: %v", err)
	}
	s.Stop(false)
	s.Close()

	if err := s.Open(f); err != nil {
		t.Fatalf("reopen after close: %v", err)
	}
	if tr.openCount() != 2 {
		t.Errorf("expected full reopen after Close, got %d opens", tr.openCount())
	}
}

func TestSinkWorkerDrainsRing(t *testing.T) {
	tr := &memTransport{mtu: 1500}
	s := newTestSink(t, tr)

	if err := s.Open(cdFormat()); err != nil {
		t.Fatalf("open: %v", err)
	}

	data := make([]byte, s.packetBytes*4)
	for i := range data {
		data[i] = byte(i)
	}
	if n := s.SendAudio(data, len(data)/8); n != len(data) {
		t.Fatalf("send accepted %d of %d", n, len(data))
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.ring.Available() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if s.ring.Available() != 0 {
		t.Fatalf("worker did not drain ring, %d bytes left", s.ring.Available())
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()
	var got []byte
	for _, p := range tr.packets {
		got = append(got, p...)
	}
	if len(got) < len(data) {
		t.Fatalf("target received %d bytes, want at least %d", len(got), len(data))
	}
	for i := range data {
		if got[i] != data[i] {
			t.Fatalf("byte %d: got %#x want %#x", i, got[i], data[i])
		}
	}
}

func TestPacketCycleMatchesRate(t *testing.T) {
	tests := []struct {
		name   string
		format audio.Format
		mtu    int
	}{
		{"cd", audio.Format{SampleRate: 44100, BitDepth: 32, Channels: 2}, 1500},
		{"hires jumbo", audio.Format{SampleRate: 192000, BitDepth: 32, Channels: 2}, 9014},
		{"dsd64", audio.Format{SampleRate: 2822400, BitDepth: 1, Channels: 2, IsDSD: true}, 1500},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &memTransport{mtu: tt.mtu}
			s := newTestSink(t, tr)
			if err := s.Open(tt.format); err != nil {
				t.Fatalf("open: %v", err)
			}

			fb := tt.format.BytesPerFrame()
			if s.packetBytes%fb != 0 {
				t.Errorf("packet %d B is not a whole number of %d-byte frames", s.packetBytes, fb)
			}
			if s.packetBytes+packetOverhead > tt.mtu {
				t.Errorf("packet %d B exceeds MTU %d", s.packetBytes, tt.mtu)
			}

			// Delivery rate must match the stream byte rate within the
			// rounding of one frame per packet.
			perSec := float64(s.packetBytes) / s.cycle.Seconds()
			want := float64(tt.format.BytesPerSecond())
			if perSec < want*0.99 || perSec > want*1.01 {
				t.Errorf("delivery %.0f B/s, want about %.0f", perSec, want)
			}
		})
	}
}

func TestManualCycleOverride(t *testing.T) {
	tr := &memTransport{mtu: 1500}
	s := New()
	s.acquire = func(diretta.Config) (diretta.Transport, error) { return tr, nil }
	if err := s.Enable(diretta.Config{TargetIndex: 1, CycleAuto: false, CycleTimeUs: 5000}); err != nil {
		t.Fatalf("enable: %v", err)
	}
	defer s.Disable()

	if err := s.Open(cdFormat()); err != nil {
		t.Fatalf("open: %v", err)
	}
	if s.cycle != 5*time.Millisecond {
		t.Errorf("cycle %v, want 5ms", s.cycle)
	}
}

func TestWaitForSpaceTimesOut(t *testing.T) {
	tr := &memTransport{mtu: 1500}
	s := newTestSink(t, tr)
	if err := s.Open(cdFormat()); err != nil {
		t.Fatalf("open: %v", err)
	}

	// Fill the ring without letting the worker drain (paused state
	// still drains, so use Open state and a huge push).
	for s.ring.FreeSpace() > 0 {
		if s.ring.Write(make([]byte, 64<<10)) == 0 {
			break
		}
	}

	start := time.Now()
	s.WaitForSpace(30 * time.Millisecond)
	if time.Since(start) > time.Second {
		t.Error("WaitForSpace blocked far past its timeout")
	}
}
