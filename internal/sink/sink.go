// ABOUTME: Diretta output sink
// ABOUTME: Owns the SPSC ring and the worker goroutine that paces packets to the target
package sink

import (
	"errors"
	"fmt"
	"log"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cometdom/slim2Diretta/internal/audio"
	"github.com/cometdom/slim2Diretta/internal/diretta"
)

// State of the sink. Control transitions are funneled through the
// orchestrator, except that SendAudio moves Open -> Playing and the
// worker drops to Idle after repeated send failures.
type State int32

const (
	StateDisabled State = iota
	StateIdle
	StateOpen
	StatePlaying
	StatePaused
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StateIdle:
		return "idle"
	case StateOpen:
		return "open"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateStopping:
		return "stopping"
	}
	return "unknown"
}

var (
	ErrNotEnabled = errors.New("sink: not enabled")
	ErrOpenFailed = errors.New("sink: open failed")
	ErrBadFormat  = errors.New("sink: unsupported format")
)

const (
	// Ring capacity. Rounded up to 8 MiB; about 1.3 s at 768 kHz/32/2,
	// several seconds at CD rates.
	ringCapacity = 8 << 20

	// Bytes reserved per packet for link headers below the payload.
	packetOverhead = 64

	// Consecutive send failures before the sink drops to idle.
	maxSendFailures = 50

	// Stop(drain=true) lets buffers below this size play out instead of
	// being dropped.
	drainSmallBytes = 512 << 10

	drainWait = 2 * time.Second
)

// Stats is a snapshot of worker counters.
type Stats struct {
	PacketsSent uint64
	BytesSent   uint64
	Underruns   uint64
	Retries     uint64
	State       State
	BufferLevel float64
}

// Sink drives one Diretta target. SendAudio, BufferLevel and
// WaitForSpace are safe to call from the audio goroutine while the
// worker drains; Enable/Open/Stop/Close/Disable must come from one
// control goroutine.
type Sink struct {
	acquire func(diretta.Config) (diretta.Transport, error)

	mu        sync.Mutex
	transport diretta.Transport
	cfg       diretta.Config
	ring      *RingBuffer

	state atomic.Int32

	format      audio.Format
	sessionLive bool

	packetBytes int
	cycle       time.Duration

	flushReq atomic.Bool
	spaceCh  chan struct{}

	workerStop chan struct{}
	workerDone chan struct{}

	packetsSent atomic.Uint64
	bytesSent   atomic.Uint64
	underruns   atomic.Uint64
	retries     atomic.Uint64
}

// New creates a disabled sink.
func New() *Sink {
	return &Sink{
		acquire: diretta.Acquire,
		spaceCh: make(chan struct{}, 1),
	}
}

// State returns the current sink state.
func (s *Sink) State() State { return State(s.state.Load()) }

func (s *Sink) setState(st State) { s.state.Store(int32(st)) }

// Enable acquires the configured target and starts the worker.
func (s *Sink) Enable(cfg diretta.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() != StateDisabled {
		return errors.New("sink: already enabled")
	}

	tr, err := s.acquire(cfg)
	if err != nil {
		return fmt.Errorf("sink enable: %w", err)
	}

	s.transport = tr
	s.cfg = cfg
	s.ring = NewRingBuffer(ringCapacity)
	s.workerStop = make(chan struct{})
	s.workerDone = make(chan struct{})
	s.setState(StateIdle)

	go s.worker()
	return nil
}

// Open negotiates the session for format. If the live session already
// carries an equal format, the session is kept (quick resume).
func (s *Sink) Open(f audio.Format) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.transport == nil {
		return ErrNotEnabled
	}
	if f.Channels == 0 || f.SampleRate == 0 {
		return fmt.Errorf("%w: %s", ErrBadFormat, f)
	}

	if s.sessionLive && s.format.Equal(f) {
		log.Printf("[sink] quick resume: %s", f)
		s.setState(StateOpen)
		return nil
	}

	if s.sessionLive {
		if err := s.transport.CloseSession(); err != nil {
			log.Printf("[sink] close previous session: %v", err)
		}
		s.sessionLive = false
	}

	df := diretta.Format{
		SampleRate: f.SampleRate,
		BitDepth:   f.BitDepth,
		Channels:   f.Channels,
		IsDSD:      f.IsDSD,
	}
	if err := s.transport.Open(df); err != nil {
		return fmt.Errorf("%w: %v", ErrOpenFailed, err)
	}

	s.format = f
	s.sessionLive = true
	s.computePacketCycle(f)
	s.setState(StateOpen)

	log.Printf("[sink] open: %s, packet %d B, cycle %v", f, s.packetBytes, s.cycle)
	return nil
}

// computePacketCycle sizes packets so each carries a whole number of
// frames within the MTU and the delivery rate matches the input rate.
// A manual cycle overrides the computed value.
func (s *Sink) computePacketCycle(f audio.Format) {
	frameBytes := f.BytesPerFrame()
	payload := s.transport.MTU() - packetOverhead
	if payload < frameBytes {
		payload = frameBytes
	}

	bps := f.BytesPerSecond()

	if !s.cfg.CycleAuto && s.cfg.CycleTimeUs > 0 {
		s.cycle = time.Duration(s.cfg.CycleTimeUs) * time.Microsecond
		want := int(int64(bps) * s.cycle.Nanoseconds() / int64(time.Second))
		want -= want % frameBytes
		if want > payload-payload%frameBytes {
			want = payload - payload%frameBytes
		}
		if want < frameBytes {
			want = frameBytes
		}
		s.packetBytes = want
		return
	}

	frames := payload / frameBytes
	s.packetBytes = frames * frameBytes
	s.cycle = time.Duration(int64(s.packetBytes) * int64(time.Second) / int64(bps))

	if s.cfg.TransferMode == diretta.ModeRandom && s.cfg.CycleMinTimeUs > 0 {
		min := time.Duration(s.cfg.CycleMinTimeUs) * time.Microsecond
		if s.cycle < min {
			s.cycle = min
		}
	}
}

// SendAudio writes planar/interleaved bytes into the ring, returning
// the number accepted. Callers watch BufferLevel and keep pushes small
// enough that partial writes do not occur in steady state.
func (s *Sink) SendAudio(p []byte, frames int) int {
	st := s.State()
	if st != StateOpen && st != StatePlaying && st != StatePaused {
		return 0
	}
	n := s.ring.Write(p)
	if st == StateOpen && n > 0 {
		s.setState(StatePlaying)
	}
	return n
}

// Pause holds playback. The current partial packet is padded with
// silence from the producer side so the target never sees a torn
// packet; the worker keeps the cycle alive with silence.
func (s *Sink) Pause() {
	if s.State() != StatePlaying && s.State() != StateOpen {
		return
	}
	if s.packetBytes > 0 {
		if part := s.ring.Available() % s.packetBytes; part != 0 {
			s.ring.Write(make([]byte, s.packetBytes-part))
		}
	}
	s.setState(StatePaused)
	log.Printf("[sink] paused")
}

// Resume continues playback after Pause.
func (s *Sink) Resume() {
	if s.State() != StatePaused {
		return
	}
	s.setState(StatePlaying)
	log.Printf("[sink] resumed")
}

// Stop ends the current track but keeps the session alive for a fast
// reopen. With drain set and a small backlog the remaining audio plays
// out first; otherwise pending bytes are dropped.
func (s *Sink) Stop(drain bool) {
	st := s.State()
	if st != StateOpen && st != StatePlaying && st != StatePaused && st != StateStopping {
		return
	}

	if drain && s.ring.Available() <= drainSmallBytes {
		deadline := time.Now().Add(drainWait)
		for s.ring.Available() > 0 && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
	}

	s.setState(StateStopping)
	s.flushReq.Store(true)

	// The worker owns the consumer index; wait for it to flush.
	deadline := time.Now().Add(time.Second)
	for s.flushReq.Load() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	s.setState(StateIdle)
	log.Printf("[sink] stopped (drain=%v)", drain)
}

// Close releases the session but keeps the target acquired.
func (s *Sink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.transport == nil {
		return
	}
	if s.sessionLive {
		if err := s.transport.CloseSession(); err != nil {
			log.Printf("[sink] close session: %v", err)
		}
		s.sessionLive = false
	}
	s.setState(StateIdle)
}

// Disable releases the target and stops the worker.
func (s *Sink) Disable() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.transport == nil {
		return
	}
	close(s.workerStop)
	<-s.workerDone

	if err := s.transport.Release(); err != nil {
		log.Printf("[sink] release target: %v", err)
	}
	s.transport = nil
	s.sessionLive = false
	s.setState(StateDisabled)
}

// BufferLevel returns the instantaneous ring fullness in [0,1].
func (s *Sink) BufferLevel() float64 {
	if s.ring == nil {
		return 0
	}
	return float64(s.ring.Available()) / float64(s.ring.Capacity())
}

// BufferState reports ring capacity and fill for STAT reporting.
func (s *Sink) BufferState() (size, fill uint32) {
	if s.ring == nil {
		return 0, 0
	}
	return uint32(s.ring.Capacity()), uint32(s.ring.Available())
}

// WaitForSpace blocks until the ring has room for at least one packet
// or the timeout expires. Producers call it when a push did not fit
// and during the final drain.
func (s *Sink) WaitForSpace(timeout time.Duration) bool {
	need := s.packetBytes
	if need == 0 {
		need = 1
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		if s.ring.FreeSpace() >= need {
			return true
		}
		select {
		case <-s.spaceCh:
		case <-deadline.C:
			return s.ring.FreeSpace() >= need
		}
	}
}

// Stats returns a snapshot of the worker counters.
func (s *Sink) Stats() Stats {
	return Stats{
		PacketsSent: s.packetsSent.Load(),
		BytesSent:   s.bytesSent.Load(),
		Underruns:   s.underruns.Load(),
		Retries:     s.retries.Load(),
		State:       s.State(),
		BufferLevel: s.BufferLevel(),
	}
}

// DumpStats logs the current counters; wired to SIGUSR1.
func (s *Sink) DumpStats() {
	st := s.Stats()
	log.Printf("[sink] stats: state=%s packets=%d bytes=%d underruns=%d retries=%d level=%.2f",
		st.State, st.PacketsSent, st.BytesSent, st.Underruns, st.Retries, st.BufferLevel)
}

// worker drains the ring into the transport, one packet per cycle.
func (s *Sink) worker() {
	defer close(s.workerDone)

	// The packet pacer wants steady scheduling; pin the goroutine to
	// its thread so the runtime does not migrate it mid-cycle.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	pkt := make([]byte, 0)
	failures := 0
	dry := false

	for {
		select {
		case <-s.workerStop:
			return
		default:
		}

		if s.flushReq.Load() {
			s.ring.Clear()
			s.flushReq.Store(false)
			s.signalSpace()
		}

		st := s.State()
		cycle := s.cycle
		if cycle <= 0 {
			cycle = 10 * time.Millisecond
		}

		if st != StatePlaying && st != StatePaused && st != StateStopping {
			time.Sleep(cycle)
			continue
		}

		if cap(pkt) < s.packetBytes {
			pkt = make([]byte, s.packetBytes)
		}
		pkt = pkt[:s.packetBytes]

		n := s.ring.Read(pkt)
		s.signalSpace()

		switch {
		case n == len(pkt):
			dry = false
		case n == 0 && st == StatePaused:
			// keep the target fed with silence while paused
			for i := range pkt {
				pkt[i] = 0
			}
		case n == 0:
			// Count a dry spell once, not every cycle it lasts.
			if st == StatePlaying && !dry {
				s.underruns.Add(1)
				dry = true
			}
			time.Sleep(cycle)
			continue
		case st == StateStopping:
			// final partial packet of a drain, trimmed to whole frames
			fb := s.format.BytesPerFrame()
			if fb > 0 {
				n -= n % fb
			}
			pkt = pkt[:n]
		default:
			// short read while playing: emit what we have, padded
			for i := n; i < len(pkt); i++ {
				pkt[i] = 0
			}
			s.underruns.Add(1)
		}

		if len(pkt) > 0 {
			if err := s.transport.Send(pkt); err != nil {
				failures++
				s.retries.Add(1)
				if failures >= maxSendFailures {
					log.Printf("[sink] repeated send failures, dropping to idle: %v", err)
					s.setState(StateIdle)
					failures = 0
				}
			} else {
				failures = 0
				s.packetsSent.Add(1)
				s.bytesSent.Add(uint64(len(pkt)))
			}
		}

		time.Sleep(cycle)
	}
}

func (s *Sink) signalSpace() {
	select {
	case s.spaceCh <- struct{}{}:
	default:
	}
}
