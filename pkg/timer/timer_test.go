package timer

import (
	"testing"
	"time"
)

func TestBackoffDoublingSequence(t *testing.T) {
	b := NewBackoff(4*time.Second, 64*time.Second)
	defer b.Stop()

	want := []time.Duration{
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		32 * time.Second,
		64 * time.Second,
		64 * time.Second,
		64 * time.Second,
	}

	for i, w := range want {
		if got := b.Interval(); got != w {
			t.Errorf("restart %d: expected interval %v, got %v", i, w, got)
		}
		b.Restart()
	}
}

func TestBackoffAtCeiling(t *testing.T) {
	b := NewBackoff(4*time.Second, 64*time.Second)
	defer b.Stop()

	for i := 0; i < 4; i++ {
		if b.AtCeiling() {
			t.Fatalf("at ceiling after %d restarts, interval %v", i, b.Interval())
		}
		b.Restart()
	}

	if !b.AtCeiling() {
		t.Errorf("expected ceiling at interval %v", b.Interval())
	}

	b.Restart()
	if b.Interval() != 64*time.Second {
		t.Errorf("expected interval pinned at 64s, got %v", b.Interval())
	}
}

func TestBackoffFires(t *testing.T) {
	b := NewBackoff(10*time.Millisecond, 80*time.Millisecond)
	defer b.Stop()

	select {
	case <-b.C():
	case <-time.After(time.Second):
		t.Fatal("backoff timer never fired")
	}

	b.Restart()
	select {
	case <-b.C():
	case <-time.After(time.Second):
		t.Fatal("backoff timer never fired after restart")
	}
}

func TestFloorGuard(t *testing.T) {
	f := NewFloor(5*time.Second, 60*time.Second)
	defer f.Stop()
	if f.Duration() != 60*time.Second {
		t.Errorf("expected guarded duration 60s, got %v", f.Duration())
	}

	g := NewFloor(120*time.Second, 60*time.Second)
	defer g.Stop()
	if g.Duration() != 120*time.Second {
		t.Errorf("expected duration 120s, got %v", g.Duration())
	}

	n := NewFloor(-30*time.Second, 60*time.Second)
	defer n.Stop()
	if n.Duration() != 60*time.Second {
		t.Errorf("expected negative duration guarded to 60s, got %v", n.Duration())
	}
}

func TestFloorFires(t *testing.T) {
	f := NewFloor(0, 10*time.Millisecond)
	defer f.Stop()

	start := time.Now()
	select {
	case <-f.C():
	case <-time.After(time.Second):
		t.Fatal("floor timer never fired")
	}
	if elapsed := time.Since(start); elapsed < 10*time.Millisecond {
		t.Errorf("fired after %v, before the 10ms floor", elapsed)
	}
}

func TestDeadlineFires(t *testing.T) {
	d := NewDeadline(10 * time.Millisecond)
	defer d.Stop()

	select {
	case <-d.C():
	case <-time.After(time.Second):
		t.Fatal("deadline timer never fired")
	}
}

func TestDeadlineNegativeClamped(t *testing.T) {
	d := NewDeadline(-time.Second)
	defer d.Stop()
	if d.Duration() != 0 {
		t.Errorf("expected negative deadline clamped to 0, got %v", d.Duration())
	}

	select {
	case <-d.C():
	case <-time.After(time.Second):
		t.Fatal("zero deadline never fired")
	}
}

func TestStopPreventsFire(t *testing.T) {
	d := NewDeadline(20 * time.Millisecond)
	d.Stop()

	select {
	case <-d.C():
		t.Error("stopped timer fired")
	case <-time.After(100 * time.Millisecond):
	}
}
