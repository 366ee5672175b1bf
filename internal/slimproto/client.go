// ABOUTME: Slimproto TCP client
// ABOUTME: Registration, receive loop, command dispatch and STAT reporting
package slimproto

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"io"
	"log"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cometdom/slim2Diretta/internal/logging"
)

// Config is the player identity presented to the server.
type Config struct {
	PlayerName    string
	MACAddress    string // empty: derived from PlayerName
	MaxSampleRate int
	DSDEnabled    bool
}

// StreamFunc receives every strm command except heartbeats, together
// with the HTTP request tail.
type StreamFunc func(cmd StrmCommand, httpRequest string)

// VolumeFunc receives audg gains. Output stays bit-perfect; the values
// are surfaced for telemetry only.
type VolumeFunc func(gainLeft, gainRight uint32)

// Client is the control connection to the server. One goroutine runs
// Run; state counters are updated from the audio goroutine through the
// atomic setters.
type Client struct {
	cfg  Config
	mac  [6]byte
	uuid [16]byte

	conn      net.Conn
	sendMu    sync.Mutex // serializes frame writes
	running   atomic.Bool
	connected atomic.Bool
	serverIP  string

	onStream StreamFunc
	onVolume VolumeFunc

	bytesReceived atomic.Uint64
	elapsedSec    atomic.Uint32
	elapsedMs     atomic.Uint32
	streamBufSize atomic.Uint32
	streamBufFull atomic.Uint32
	outputBufSize atomic.Uint32
	outputBufFull atomic.Uint32

	startTime time.Time
}

// NewClient prepares a client; Connect establishes the session.
func NewClient(cfg Config) (*Client, error) {
	c := &Client{cfg: cfg, startTime: time.Now()}

	if cfg.MACAddress != "" {
		hw, err := net.ParseMAC(cfg.MACAddress)
		if err != nil || len(hw) != 6 {
			return nil, fmt.Errorf("invalid MAC address %q", cfg.MACAddress)
		}
		copy(c.mac[:], hw)
	} else {
		c.mac = deriveMAC(cfg.PlayerName)
	}

	// A stable UUID keeps the server treating reconnects as the same
	// player.
	c.uuid = [16]byte(uuid.NewSHA1(uuid.NameSpaceOID, []byte(cfg.PlayerName)))

	return c, nil
}

// deriveMAC hashes the player name into a locally-administered unicast
// MAC so the same name always registers as the same player.
func deriveMAC(name string) [6]byte {
	h := fnv.New64a()
	h.Write([]byte(name))
	sum := h.Sum64()

	var mac [6]byte
	mac[0] = 0x02 // locally administered, unicast
	for i := 1; i < 6; i++ {
		mac[i] = byte(sum >> (8 * (i - 1)))
	}
	return mac
}

// MAC returns the player's MAC address.
func (c *Client) MAC() net.HardwareAddr { return c.mac[:] }

// OnStream registers the stream callback. Set before Run.
func (c *Client) OnStream(fn StreamFunc) { c.onStream = fn }

// OnVolume registers the volume callback. Set before Run.
func (c *Client) OnVolume(fn VolumeFunc) { c.onVolume = fn }

// ServerIP returns the address of the control connection.
func (c *Client) ServerIP() string { return c.serverIP }

// IsConnected reports whether the control session is up.
func (c *Client) IsConnected() bool { return c.connected.Load() }

// Connect dials the server and registers the player.
func (c *Client) Connect(server string, port int) error {
	addr := net.JoinHostPort(server, fmt.Sprint(port))
	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", addr, err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
	}

	c.conn = conn
	c.serverIP = server
	c.connected.Store(true)

	log.Printf("[slimproto] connected to %s (MAC %s)", addr, net.HardwareAddr(c.mac[:]))

	if err := c.sendHelo(); err != nil {
		c.Disconnect()
		return fmt.Errorf("HELO: %w", err)
	}
	if err := c.sendSetd(0, c.cfg.PlayerName); err != nil {
		c.Disconnect()
		return fmt.Errorf("SETD: %w", err)
	}
	return nil
}

// Disconnect sends BYE! and closes the socket, unblocking Run.
func (c *Client) Disconnect() {
	if c.connected.Swap(false) {
		c.sendMessage("BYE!", []byte{0})
	}
	c.running.Store(false)
	if c.conn != nil {
		c.conn.Close()
	}
}

// Stop ends the receive loop without the BYE! farewell.
func (c *Client) Stop() {
	c.running.Store(false)
	if c.conn != nil {
		c.conn.Close()
	}
}

// Run blocks reading server frames until disconnect or error. Call on
// a dedicated goroutine.
func (c *Client) Run() {
	c.running.Store(true)
	logging.Debugf("[slimproto] receive loop started")

	header := make([]byte, 2)
	opcode := make([]byte, 4)

	for c.running.Load() {
		if _, err := io.ReadFull(c.conn, header); err != nil {
			if c.running.Load() {
				log.Printf("[slimproto] lost connection: %v", err)
			}
			break
		}
		frameLen := binary.BigEndian.Uint16(header)
		if frameLen < 4 {
			log.Printf("[slimproto] invalid frame length %d", frameLen)
			continue
		}

		if _, err := io.ReadFull(c.conn, opcode); err != nil {
			break
		}
		payload := make([]byte, frameLen-4)
		if len(payload) > 0 {
			if _, err := io.ReadFull(c.conn, payload); err != nil {
				break
			}
		}

		c.dispatch(string(opcode), payload)
	}

	logging.Debugf("[slimproto] receive loop ended")
	c.connected.Store(false)
}

func (c *Client) dispatch(opcode string, payload []byte) {
	switch opcode {
	case "strm":
		c.handleStrm(payload)
	case "audg":
		c.handleAudg(payload)
	case "setd":
		c.handleSetd(payload)
	case "serv":
		if len(payload) >= 4 {
			ip := net.IPv4(payload[0], payload[1], payload[2], payload[3])
			log.Printf("[slimproto] server redirect to %s", ip)
		}
	case "vers":
		log.Printf("[slimproto] server version %s", payload)
	case "aude":
		logging.Debugf("[slimproto] aude (audio enable)")
	case "vfdc", "grfe", "grfb":
		// display/visualization frames; this player has no screen
	default:
		logging.Debugf("[slimproto] unknown opcode %q (%d bytes)", opcode, len(payload))
	}
}

func (c *Client) handleStrm(payload []byte) {
	cmd, httpRequest, err := ParseStrm(payload)
	if err != nil {
		log.Printf("[slimproto] %v", err)
		return
	}

	switch cmd.Command {
	case StrmStatus:
		// Heartbeat: echo the server timestamp, never invoke the
		// stream callback.
		c.SendStat(EventTimer, cmd.ReplayGain)
		return
	case StrmStart:
		log.Printf("[slimproto] strm-s: format=%c rate=%c size=%c ch=%c port=%d",
			cmd.Format, cmd.PCMSampleRate, cmd.PCMSampleSize, cmd.PCMChannels, cmd.ServerPort)
	case StrmStop:
		log.Printf("[slimproto] strm-q: stop")
	case StrmPause:
		if cmd.ReplayGain > 0 {
			log.Printf("[slimproto] strm-p: pause for %d ms", cmd.ReplayGain)
		} else {
			log.Printf("[slimproto] strm-p: pause")
		}
	case StrmUnpause:
		log.Printf("[slimproto] strm-u: unpause")
	case StrmFlush:
		log.Printf("[slimproto] strm-f: flush")
	case StrmSkip:
		log.Printf("[slimproto] strm-a: skip %d ms", cmd.ReplayGain)
	default:
		log.Printf("[slimproto] unknown strm command %q", cmd.Command)
		return
	}

	if c.onStream != nil {
		c.onStream(cmd, httpRequest)
	}
}

func (c *Client) handleAudg(payload []byte) {
	cmd, err := ParseAudg(payload)
	if err != nil {
		log.Printf("[slimproto] %v", err)
		return
	}
	logging.Debugf("[slimproto] audg: L=%#x R=%#x (ignored, bit-perfect output)",
		cmd.NewGainLeft, cmd.NewGainRight)
	if c.onVolume != nil {
		c.onVolume(cmd.NewGainLeft, cmd.NewGainRight)
	}
}

func (c *Client) handleSetd(payload []byte) {
	if len(payload) < 1 {
		return
	}
	id := payload[0]
	switch {
	case id == 0 && len(payload) > 1:
		name := strings.TrimRight(string(payload[1:]), "\x00")
		log.Printf("[slimproto] player name set to %q", name)
	case id == 0:
		// Name query: answer with the configured name.
		c.sendSetd(0, c.cfg.PlayerName)
	default:
		logging.Debugf("[slimproto] setd id=%d (%d bytes)", id, len(payload)-1)
	}
}

func (c *Client) sendHelo() error {
	caps := c.capabilities()
	payload := buildHelo(DeviceSqueezeslave, 0, c.mac, c.uuid, caps)
	if err := c.sendMessage("HELO", payload); err != nil {
		return err
	}
	log.Printf("[slimproto] HELO sent (capabilities: %s)", caps)
	return nil
}

// capabilities builds the comma-separated codec and feature list. The
// server only offers streams the player declares, so dsf/dff appear
// only with DSD enabled.
func (c *Client) capabilities() string {
	var b strings.Builder
	b.WriteString("flc,pcm,aif,wav,mp3,ogg,ops,aac")
	if c.cfg.DSDEnabled {
		b.WriteString(",dsf,dff")
	}
	fmt.Fprintf(&b, ",MaxSampleRate=%d", c.cfg.MaxSampleRate)
	b.WriteString(",Model=slim2diretta,ModelName=slim2diretta")
	b.WriteString(",AccuratePlayPoints=1,HasDigitalOut=1")
	return b.String()
}

func (c *Client) sendSetd(id byte, value string) error {
	payload := append([]byte{id}, value...)
	return c.sendMessage("SETD", payload)
}

// SendStat reports a player event. Counter state comes from the
// atomic setters; the timestamp echoes the server heartbeat.
func (c *Client) SendStat(event string, serverTimestamp uint32) {
	payload := buildStat(event, statCounters{
		streamBufSize: c.streamBufSize.Load(),
		streamBufFull: c.streamBufFull.Load(),
		bytesReceived: c.bytesReceived.Load(),
		jiffies:       c.Jiffies(),
		outputBufSize: c.outputBufSize.Load(),
		outputBufFull: c.outputBufFull.Load(),
		elapsedSec:    c.elapsedSec.Load(),
		elapsedMs:     c.elapsedMs.Load(),
		timestamp:     serverTimestamp,
	})
	if err := c.sendMessage("STAT", payload); err != nil {
		log.Printf("[slimproto] STAT %s: %v", event, err)
		return
	}
	if event != EventTimer {
		logging.Debugf("[slimproto] STAT %s sent", event)
	}
}

// SendResp forwards the audio server's HTTP response headers.
func (c *Client) SendResp(headers string) {
	if err := c.sendMessage("RESP", []byte(headers)); err != nil {
		log.Printf("[slimproto] RESP: %v", err)
		return
	}
	logging.Debugf("[slimproto] RESP sent (%d bytes)", len(headers))
}

// sendMessage writes one client frame: [4 opcode][u32 len BE][payload].
func (c *Client) sendMessage(opcode string, payload []byte) error {
	if c.conn == nil {
		return fmt.Errorf("not connected")
	}

	frame := make([]byte, 8+len(payload))
	copy(frame[0:4], opcode)
	binary.BigEndian.PutUint32(frame[4:8], uint32(len(payload)))
	copy(frame[8:], payload)

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	_, err := c.conn.Write(frame)
	return err
}

// Jiffies returns milliseconds since process start.
func (c *Client) Jiffies() uint32 {
	return uint32(time.Since(c.startTime).Milliseconds())
}

// Counter setters, called from the audio goroutine.

func (c *Client) UpdateStreamBytes(n uint64)   { c.bytesReceived.Store(n) }
func (c *Client) UpdateElapsed(sec, ms uint32) { c.elapsedSec.Store(sec); c.elapsedMs.Store(ms) }
func (c *Client) UpdateBufferState(ssz, sfull, osz, ofull uint32) {
	c.streamBufSize.Store(ssz)
	c.streamBufFull.Store(sfull)
	c.outputBufSize.Store(osz)
	c.outputBufFull.Store(ofull)
}
