// ABOUTME: Player orchestration
// ABOUTME: Owns the sink and control client, dispatches stream commands, reconnects
package app

import (
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cometdom/slim2Diretta/internal/audio"
	"github.com/cometdom/slim2Diretta/internal/discovery"
	"github.com/cometdom/slim2Diretta/internal/logging"
	"github.com/cometdom/slim2Diretta/internal/sink"
	"github.com/cometdom/slim2Diretta/internal/slimproto"
	"github.com/cometdom/slim2Diretta/internal/stream"
)

const (
	backoffInitial = 2 * time.Second
	backoffMax     = 30 * time.Second

	trackJoinTimeout    = 500 * time.Millisecond
	shutdownJoinTimeout = time.Second
)

// Player wires the sink, the control client and the per-track audio
// goroutine together.
type Player struct {
	cfg  Config
	sink *sink.Sink

	running atomic.Bool
	paused  atomic.Bool

	clientMu sync.Mutex
	client   *slimproto.Client

	trackMu   sync.Mutex
	http      *stream.Client
	trackStop chan struct{}
	trackDone chan struct{}

	resumeMu    sync.Mutex
	resumeTimer *time.Timer
}

// New creates the player.
func New(cfg Config) *Player {
	return &Player{cfg: cfg, sink: sink.New()}
}

// Run starts the player and blocks until shutdown. It owns signal
// handling, the sink lifecycle and the reconnection loop.
func (p *Player) Run() error {
	p.running.Store(true)

	sigShutdown := make(chan os.Signal, 1)
	signal.Notify(sigShutdown, syscall.SIGINT, syscall.SIGTERM)
	sigStats := make(chan os.Signal, 1)
	signal.Notify(sigStats, syscall.SIGUSR1)
	defer signal.Stop(sigShutdown)
	defer signal.Stop(sigStats)

	go func() {
		for range sigStats {
			p.sink.DumpStats()
		}
	}()
	go func() {
		s := <-sigShutdown
		log.Printf("signal %v received, shutting down", s)
		p.Shutdown()
	}()

	if err := p.sink.Enable(p.cfg.direttaConfig()); err != nil {
		return fmt.Errorf("enable sink: %w", err)
	}
	defer p.sink.Disable()

	p.warmUp()

	server := p.cfg.Server
	if server == "" {
		found, err := discovery.Discover()
		if err != nil {
			return err
		}
		server = found
	}

	backoff := backoffInitial
	for p.running.Load() {
		client, err := slimproto.NewClient(p.cfg.slimprotoConfig())
		if err != nil {
			return err
		}
		client.OnStream(p.handleStream)
		client.OnVolume(p.handleVolume)

		if err := client.Connect(server, p.cfg.Port); err != nil {
			log.Printf("connect failed: %v (retrying in %v)", err, backoff)
			if !p.sleepRunning(backoff) {
				break
			}
			backoff *= 2
			if backoff > backoffMax {
				backoff = backoffMax
			}
			continue
		}
		backoff = backoffInitial

		p.clientMu.Lock()
		p.client = client
		p.clientMu.Unlock()

		client.Run() // blocks until disconnect

		p.stopTrack(trackJoinTimeout)
		p.disconnectHTTP()
		p.sink.Stop(false)

		p.clientMu.Lock()
		p.client = nil
		p.clientMu.Unlock()

		if p.running.Load() {
			log.Printf("control connection lost, reconnecting in %v", backoff)
			p.sleepRunning(backoff)
		}
	}

	return nil
}

// warmUp exercises the full target init path once at startup and
// leaves the session alive, so the first real track quick-resumes when
// it happens to match.
func (p *Player) warmUp() {
	f := audio.Format{SampleRate: 48000, BitDepth: 32, Channels: 2}
	if err := p.sink.Open(f); err != nil {
		log.Printf("warm-up open failed: %v", err)
		return
	}
	p.sink.Stop(false)
	logging.Debugf("warm-up done, session held at %s", f)
}

// Shutdown stops everything; safe to call from any goroutine.
func (p *Player) Shutdown() {
	if !p.running.Swap(false) {
		return
	}
	p.cancelAutoResume()

	p.clientMu.Lock()
	client := p.client
	p.clientMu.Unlock()
	if client != nil {
		client.Disconnect() // unblocks the receive loop
	}
	p.disconnectHTTP() // unblocks the audio goroutine
	p.stopTrack(shutdownJoinTimeout)
}

func (p *Player) sleepRunning(d time.Duration) bool {
	deadline := time.Now().Add(d)
	for p.running.Load() {
		if time.Now().After(deadline) {
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}
	return false
}

func (p *Player) currentClient() *slimproto.Client {
	p.clientMu.Lock()
	defer p.clientMu.Unlock()
	return p.client
}

func (p *Player) sendStat(event string) {
	if c := p.currentClient(); c != nil {
		c.SendStat(event, 0)
	}
}

// handleVolume receives audg gains. Playback is bit-perfect, so the
// values are logged and never applied.
func (p *Player) handleVolume(gainLeft, gainRight uint32) {
	logging.Debugf("volume request L=%#x R=%#x ignored (bit-perfect)", gainLeft, gainRight)
}

// handleStream dispatches strm commands from the receive goroutine.
func (p *Player) handleStream(cmd slimproto.StrmCommand, httpRequest string) {
	switch cmd.Command {
	case slimproto.StrmStart:
		p.startTrack(cmd, httpRequest)
	case slimproto.StrmStop, slimproto.StrmFlush:
		p.cancelAutoResume()
		p.stopTrack(trackJoinTimeout)
		p.disconnectHTTP()
		p.paused.Store(false)
		p.sink.Stop(true)
		p.sendStat(slimproto.EventFlushed)
	case slimproto.StrmPause:
		p.sink.Pause()
		p.paused.Store(true)
		p.sendStat(slimproto.EventPaused)
		if cmd.ReplayGain > 0 {
			// Advisory interval: pause for N ms, then resume on our own.
			p.scheduleAutoResume(time.Duration(cmd.ReplayGain) * time.Millisecond)
		}
	case slimproto.StrmUnpause:
		p.cancelAutoResume()
		p.resume()
	case slimproto.StrmSkip:
		// The server restreams on seek; the skip interval is advisory.
		logging.Debugf("strm-a skip %d ms (ignored)", cmd.ReplayGain)
	}
}

func (p *Player) resume() {
	p.sink.Resume()
	p.paused.Store(false)
	p.sendStat(slimproto.EventResumed)
}

func (p *Player) scheduleAutoResume(d time.Duration) {
	p.resumeMu.Lock()
	defer p.resumeMu.Unlock()
	if p.resumeTimer != nil {
		p.resumeTimer.Stop()
	}
	p.resumeTimer = time.AfterFunc(d, func() {
		if p.running.Load() && p.paused.Load() {
			p.resume()
		}
	})
}

func (p *Player) cancelAutoResume() {
	p.resumeMu.Lock()
	defer p.resumeMu.Unlock()
	if p.resumeTimer != nil {
		p.resumeTimer.Stop()
		p.resumeTimer = nil
	}
}

// startTrack tears down any previous track and spawns the audio
// goroutine for the new stream.
func (p *Player) startTrack(cmd slimproto.StrmCommand, httpRequest string) {
	client := p.currentClient()
	if client == nil {
		return
	}

	p.cancelAutoResume()
	p.sink.Stop(true)
	p.stopTrack(trackJoinTimeout)
	p.disconnectHTTP()
	p.paused.Store(false)

	// Resolve the audio server address: the strm command carries an
	// explicit address, or zero meaning the control connection's.
	server := client.ServerIP()
	if cmd.ServerIP != 0 {
		server = net.IPv4(byte(cmd.ServerIP>>24), byte(cmd.ServerIP>>16),
			byte(cmd.ServerIP>>8), byte(cmd.ServerIP)).String()
	}
	port := cmd.ServerPort
	if port == 0 {
		port = slimproto.HTTPPort
	}

	client.SendStat(slimproto.EventConnect, 0)

	httpClient, err := stream.Connect(server, port, httpRequest)
	if err != nil {
		log.Printf("audio stream connect failed: %v", err)
		p.sendStat(slimproto.EventNotSupp)
		return
	}

	client.SendResp(httpClient.ResponseHeaders())
	client.SendStat(slimproto.EventHeaders, 0)

	// Fresh track: counters restart from zero.
	client.UpdateStreamBytes(0)
	client.UpdateElapsed(0, 0)

	stop := make(chan struct{})
	done := make(chan struct{})

	p.trackMu.Lock()
	p.http = httpClient
	p.trackStop = stop
	p.trackDone = done
	p.trackMu.Unlock()

	go func() {
		defer close(done)
		p.runAudio(cmd, httpClient, client, stop)
	}()
}

// stopTrack asks the audio goroutine to exit and waits up to timeout,
// detaching on expiry so a stuck read cannot wedge the control plane.
func (p *Player) stopTrack(timeout time.Duration) {
	p.trackMu.Lock()
	stop, done := p.trackStop, p.trackDone
	p.trackStop, p.trackDone = nil, nil
	p.trackMu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	select {
	case <-done:
	case <-time.After(timeout):
		log.Printf("audio goroutine did not stop within %v, detaching", timeout)
	}
}

func (p *Player) disconnectHTTP() {
	p.trackMu.Lock()
	http := p.http
	p.http = nil
	p.trackMu.Unlock()
	if http != nil {
		http.Disconnect()
	}
}
