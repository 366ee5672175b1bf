// ABOUTME: Diretta target transport seam
// ABOUTME: Target discovery plus the UDP session the sink worker writes packets to
package diretta

import (
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"time"
)

// The host side of the Diretta link. The protocol internals belong to
// the vendor SDK; this package owns only the seam the sink drives:
// enumerate targets, open a session for a format, push packets, close.

const (
	// UDP port the target listens on for host packets.
	targetPort = 47000
	// Port probed during discovery.
	discoveryPort = 47010

	discoveryTimeout  = 2 * time.Second
	discoveryAttempts = 2
)

// Transfer modes accepted by the link layer.
const (
	ModeAuto    = "auto"
	ModeVarMax  = "varmax"
	ModeVarAuto = "varauto"
	ModeFixAuto = "fixauto"
	ModeRandom  = "random"
)

var ErrNoTarget = errors.New("diretta: no target")

// Config carries the transport knobs from the CLI.
type Config struct {
	TargetIndex      int    // 1-based
	ThreadMode       int    // worker scheduling mode requested from the OS
	CycleTimeUs      uint   // packet cycle in µs; meaningful when CycleAuto is false
	CycleAuto        bool   // compute cycle from MTU and format
	MTU              uint   // 0 = auto; 9014 and 16128 supported for jumbo frames
	TransferMode     string // auto, varmax, varauto, fixauto, random
	InfoCycleUs      uint   // info packet cycle (default 100ms)
	CycleMinTimeUs   uint   // minimum cycle for random mode
	ProfileLimitTime uint   // 0 = self profile, >0 = target profile limit (µs)
}

// Format is the session audio format negotiated with the target.
type Format struct {
	SampleRate uint32 // PCM rate in Hz, or DSD bit rate
	BitDepth   uint32 // 32 for PCM, 1 for DSD
	Channels   uint32
	IsDSD      bool
}

// BytesPerSecond returns the payload rate the target consumes.
func (f Format) BytesPerSecond() uint64 {
	if f.IsDSD {
		return uint64(f.SampleRate) / 8 * uint64(f.Channels)
	}
	return uint64(f.SampleRate) * uint64(f.Channels) * uint64(f.BitDepth/8)
}

// Target is one discovered Diretta device.
type Target struct {
	Index int
	Name  string
	Addr  *net.UDPAddr
}

// ListTargets probes the local broadcast domain and returns responding
// targets in stable index order.
func ListTargets() ([]Target, error) {
	if p := os.Getenv("DIRETTA_SDK_PATH"); p != "" {
		log.Printf("[diretta] SDK path: %s", p)
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return nil, fmt.Errorf("diretta discovery: %w", err)
	}
	defer conn.Close()

	bcast := &net.UDPAddr{IP: net.IPv4bcast, Port: discoveryPort}
	var targets []Target
	seen := make(map[string]bool)

	for attempt := 0; attempt < discoveryAttempts; attempt++ {
		if _, err := conn.WriteToUDP([]byte{'D', 'R', 'T', '?'}, bcast); err != nil {
			return nil, fmt.Errorf("diretta discovery send: %w", err)
		}

		deadline := time.Now().Add(discoveryTimeout)
		buf := make([]byte, 512)
		for {
			conn.SetReadDeadline(deadline)
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				break // timeout ends this attempt
			}
			key := addr.IP.String()
			if seen[key] {
				continue
			}
			seen[key] = true
			name := key
			if n > 4 {
				name = string(buf[4:n])
			}
			targets = append(targets, Target{
				Index: len(targets) + 1,
				Name:  name,
				Addr:  &net.UDPAddr{IP: addr.IP, Port: targetPort},
			})
		}
	}
	return targets, nil
}

// Transport is one acquired target. Safe for use by a single goroutine.
type Transport interface {
	// Open negotiates a session for the format. Calling Open with the
	// format of the live session is a no-op (the session survives).
	Open(f Format) error
	// Send transmits one audio packet.
	Send(pkt []byte) error
	// CloseSession ends the audio session but keeps the target acquired.
	CloseSession() error
	// Release drops the target.
	Release() error
	// MTU reports the packet payload ceiling for this link.
	MTU() int
}

// Acquire resolves cfg.TargetIndex against discovery and opens the
// host-side socket to it.
func Acquire(cfg Config) (Transport, error) {
	targets, err := ListTargets()
	if err != nil {
		return nil, err
	}
	if cfg.TargetIndex < 1 || cfg.TargetIndex > len(targets) {
		return nil, fmt.Errorf("%w: index %d of %d", ErrNoTarget, cfg.TargetIndex, len(targets))
	}
	t := targets[cfg.TargetIndex-1]

	conn, err := net.DialUDP("udp4", nil, t.Addr)
	if err != nil {
		return nil, fmt.Errorf("diretta connect %s: %w", t.Addr, err)
	}

	mtu := int(cfg.MTU)
	if mtu == 0 {
		mtu = detectMTU(conn)
	}

	log.Printf("[diretta] acquired target #%d %q at %s (mtu %d, mode %s)",
		t.Index, t.Name, t.Addr, mtu, transferMode(cfg.TransferMode))

	return &udpTransport{conn: conn, cfg: cfg, mtu: mtu}, nil
}

func transferMode(mode string) string {
	switch mode {
	case ModeVarMax, ModeVarAuto, ModeFixAuto, ModeRandom:
		return mode
	default:
		return ModeAuto
	}
}

// detectMTU asks the kernel for the egress interface MTU, falling back
// to the ethernet default.
func detectMTU(conn *net.UDPConn) int {
	local, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return 1500
	}
	ifaces, err := net.Interfaces()
	if err != nil {
		return 1500
	}
	for _, ifc := range ifaces {
		addrs, err := ifc.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipn, ok := a.(*net.IPNet)
			if ok && ipn.IP.Equal(local.IP) && ifc.MTU > 0 {
				return ifc.MTU
			}
		}
	}
	return 1500
}

type udpTransport struct {
	conn   *net.UDPConn
	cfg    Config
	mtu    int
	opened bool
	format Format
}

func (u *udpTransport) Open(f Format) error {
	if u.opened && u.format == f {
		return nil
	}
	u.format = f
	u.opened = true
	return nil
}

func (u *udpTransport) Send(pkt []byte) error {
	if !u.opened {
		return errors.New("diretta: session not open")
	}
	_, err := u.conn.Write(pkt)
	return err
}

func (u *udpTransport) CloseSession() error {
	u.opened = false
	return nil
}

func (u *udpTransport) Release() error {
	u.opened = false
	return u.conn.Close()
}

func (u *udpTransport) MTU() int { return u.mtu }
