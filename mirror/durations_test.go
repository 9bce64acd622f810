package mirror

import (
	"strings"
	"testing"
	"time"
)

func TestDurationsRecordsPhases(t *testing.T) {
	d := NewDurations()

	d.Start("lock")
	time.Sleep(10 * time.Millisecond)
	d.Stop("lock")

	d.Start("push")
	d.Stop("push")

	if got := d.Get("lock"); got < 10*time.Millisecond {
		t.Errorf("Get(lock) = %s, want at least 10ms", got)
	}
	if _, ok := d.Snapshot()["push"]; !ok {
		t.Error("push phase missing from snapshot")
	}
}

func TestDurationsAccumulates(t *testing.T) {
	d := NewDurations()

	d.Start("wait")
	time.Sleep(5 * time.Millisecond)
	d.Stop("wait")
	first := d.Get("wait")

	d.Start("wait")
	time.Sleep(5 * time.Millisecond)
	d.Stop("wait")

	if got := d.Get("wait"); got <= first {
		t.Errorf("Get(wait) = %s after restart, want more than %s", got, first)
	}
}

func TestDurationsStringKeepsStartOrder(t *testing.T) {
	d := NewDurations()
	for _, phase := range []string{"lock", "push", "wait"} {
		d.Start(phase)
		d.Stop(phase)
	}

	s := d.String()
	lock := strings.Index(s, "lock:")
	push := strings.Index(s, "push:")
	wait := strings.Index(s, "wait:")
	if lock == -1 || push == -1 || wait == -1 || !(lock < push && push < wait) {
		t.Errorf("String() = %q, want phases in start order", s)
	}
}

func TestDurationsStopWithoutStart(t *testing.T) {
	d := NewDurations()
	if got := d.Stop("never"); got != 0 {
		t.Errorf("Stop(never) = %s, want 0", got)
	}
}
