// ABOUTME: Tests for orchestrator behavior that needs no live sink
// ABOUTME: Pause auto-resume timers and cancellation
package app

import (
	"testing"
	"time"
)

func TestAutoResumeFiresAfterInterval(t *testing.T) {
	p := New(DefaultConfig())
	p.running.Store(true)
	p.paused.Store(true)

	p.scheduleAutoResume(20 * time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for p.paused.Load() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if p.paused.Load() {
		t.Error("auto-resume did not clear the paused flag")
	}
}

func TestAutoResumeCancelled(t *testing.T) {
	p := New(DefaultConfig())
	p.running.Store(true)
	p.paused.Store(true)

	p.scheduleAutoResume(20 * time.Millisecond)
	p.cancelAutoResume()

	time.Sleep(60 * time.Millisecond)
	if !p.paused.Load() {
		t.Error("cancelled auto-resume still fired")
	}
}

func TestAutoResumeReplacedByNewerTimer(t *testing.T) {
	p := New(DefaultConfig())
	p.running.Store(true)
	p.paused.Store(true)

	p.scheduleAutoResume(time.Hour)
	p.scheduleAutoResume(20 * time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for p.paused.Load() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if p.paused.Load() {
		t.Error("rescheduled auto-resume did not fire")
	}
}

func TestSleepRunningAbortsOnShutdown(t *testing.T) {
	p := New(DefaultConfig())
	p.running.Store(true)

	go func() {
		time.Sleep(20 * time.Millisecond)
		p.running.Store(false)
	}()

	start := time.Now()
	ok := p.sleepRunning(5 * time.Second)
	if ok {
		t.Error("sleepRunning reported completion after shutdown")
	}
	if time.Since(start) > time.Second {
		t.Error("sleepRunning did not abort promptly")
	}
}
