// ABOUTME: Tests for the Diretta transport seam
// ABOUTME: Format rates, transfer mode normalization and session gating
package diretta

import "testing"

func TestFormatBytesPerSecond(t *testing.T) {
	tests := []struct {
		name string
		f    Format
		want uint64
	}{
		{"cd pcm", Format{SampleRate: 44100, BitDepth: 32, Channels: 2}, 44100 * 2 * 4},
		{"hires pcm", Format{SampleRate: 768000, BitDepth: 32, Channels: 2}, 768000 * 2 * 4},
		{"dsd64", Format{SampleRate: 2822400, BitDepth: 1, Channels: 2, IsDSD: true}, 2822400 / 8 * 2},
		{"dsd256 mono", Format{SampleRate: 11289600, BitDepth: 1, Channels: 1, IsDSD: true}, 11289600 / 8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.f.BytesPerSecond(); got != tt.want {
				t.Errorf("BytesPerSecond = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestTransferModeNormalization(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ModeAuto},
		{"auto", ModeAuto},
		{"varmax", ModeVarMax},
		{"varauto", ModeVarAuto},
		{"fixauto", ModeFixAuto},
		{"random", ModeRandom},
		{"bogus", ModeAuto},
	}
	for _, tt := range tests {
		if got := transferMode(tt.in); got != tt.want {
			t.Errorf("transferMode(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSendRequiresOpenSession(t *testing.T) {
	u := &udpTransport{mtu: 1500}
	if err := u.Send([]byte{1, 2, 3}); err == nil {
		t.Error("Send on a closed session must fail")
	}
}
