// ABOUTME: Player configuration
// ABOUTME: Immutable options assembled from the CLI before the player starts
package app

import (
	"github.com/cometdom/slim2Diretta/internal/diretta"
	"github.com/cometdom/slim2Diretta/internal/slimproto"
)

// Config is created once at startup and never mutated afterwards.
type Config struct {
	// LMS connection
	Server     string // empty: auto-discovery
	Port       int
	PlayerName string
	MACAddress string // empty: derived from PlayerName

	// Diretta
	Target           int // 1-based target index
	ThreadMode       int
	CycleTimeUs      uint
	CycleAuto        bool
	MTU              uint
	TransferMode     string
	InfoCycleUs      uint
	CycleMinTimeUs   uint
	ProfileLimitTime uint

	// Audio
	MaxSampleRate int
	DSDEnabled    bool

	// Logging
	Verbose bool
	Quiet   bool
}

// DefaultConfig mirrors the CLI defaults.
func DefaultConfig() Config {
	return Config{
		Port:             slimproto.Port,
		PlayerName:       "slim2diretta",
		ThreadMode:       1,
		CycleTimeUs:      10000,
		CycleAuto:        true,
		InfoCycleUs:      100000,
		ProfileLimitTime: 200,
		MaxSampleRate:    768000,
		DSDEnabled:       true,
	}
}

func (c Config) direttaConfig() diretta.Config {
	return diretta.Config{
		TargetIndex:      c.Target,
		ThreadMode:       c.ThreadMode,
		CycleTimeUs:      c.CycleTimeUs,
		CycleAuto:        c.CycleAuto,
		MTU:              c.MTU,
		TransferMode:     c.TransferMode,
		InfoCycleUs:      c.InfoCycleUs,
		CycleMinTimeUs:   c.CycleMinTimeUs,
		ProfileLimitTime: c.ProfileLimitTime,
	}
}

func (c Config) slimprotoConfig() slimproto.Config {
	return slimproto.Config{
		PlayerName:    c.PlayerName,
		MACAddress:    c.MACAddress,
		MaxSampleRate: c.MaxSampleRate,
		DSDEnabled:    c.DSDEnabled,
	}
}
