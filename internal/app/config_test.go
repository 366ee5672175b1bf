// ABOUTME: Tests for player configuration
// ABOUTME: Defaults and mapping into the sink and client configs
package app

import "testing"

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Port != 3483 {
		t.Errorf("default port %d, want 3483", cfg.Port)
	}
	if cfg.PlayerName != "slim2diretta" {
		t.Errorf("default name %q", cfg.PlayerName)
	}
	if cfg.MaxSampleRate != 768000 {
		t.Errorf("default max rate %d", cfg.MaxSampleRate)
	}
	if !cfg.DSDEnabled {
		t.Error("DSD should default to enabled")
	}
	if !cfg.CycleAuto {
		t.Error("cycle should default to auto")
	}
}

func TestDirettaConfigMapping(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Target = 2
	cfg.MTU = 9014
	cfg.TransferMode = "varmax"
	cfg.CycleAuto = false
	cfg.CycleTimeUs = 5000

	dc := cfg.direttaConfig()
	if dc.TargetIndex != 2 || dc.MTU != 9014 || dc.TransferMode != "varmax" {
		t.Errorf("diretta config %+v", dc)
	}
	if dc.CycleAuto || dc.CycleTimeUs != 5000 {
		t.Errorf("cycle settings not carried: %+v", dc)
	}
}

func TestSlimprotoConfigMapping(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PlayerName = "den"
	cfg.MACAddress = "02:00:00:00:00:01"
	cfg.DSDEnabled = false

	sc := cfg.slimprotoConfig()
	if sc.PlayerName != "den" || sc.MACAddress != "02:00:00:00:00:01" {
		t.Errorf("slimproto config %+v", sc)
	}
	if sc.DSDEnabled {
		t.Error("DSD flag not carried")
	}
}
