package timer

import "time"

// Timer is a one-shot wake-up. C returns the fire channel; after a fire the
// timer is spent until re-armed (Backoff.Restart) or replaced. Stop disarms
// without firing.
type Timer interface {
	C() <-chan time.Time
	Stop()
}

var (
	_ Timer = (*Backoff)(nil)
	_ Timer = (*Floor)(nil)
	_ Timer = (*Deadline)(nil)
)

// Backoff fires once per arming and doubles its interval on every Restart,
// capped at the ceiling. The interval never drops below the initial value.
type Backoff struct {
	initial  time.Duration
	ceiling  time.Duration
	interval time.Duration
	t        *time.Timer
}

func NewBackoff(initial, ceiling time.Duration) *Backoff {
	if initial <= 0 {
		initial = time.Second
	}
	if ceiling < initial {
		ceiling = initial
	}
	return &Backoff{
		initial:  initial,
		ceiling:  ceiling,
		interval: initial,
		t:        time.NewTimer(initial),
	}
}

func (b *Backoff) C() <-chan time.Time {
	return b.t.C
}

// Restart doubles the interval (capped at the ceiling) and arms a fresh
// one-shot for it.
func (b *Backoff) Restart() {
	b.t.Stop()
	b.interval *= 2
	if b.interval > b.ceiling {
		b.interval = b.ceiling
	}
	b.t = time.NewTimer(b.interval)
}

// Interval reports the currently armed interval.
func (b *Backoff) Interval() time.Duration {
	return b.interval
}

// AtCeiling reports whether the interval has reached the ceiling, i.e. the
// retry budget behind this timer is exhausted.
func (b *Backoff) AtCeiling() bool {
	return b.interval >= b.ceiling
}

func (b *Backoff) Stop() {
	b.t.Stop()
}

// Floor fires once after max(d, floor). Degenerate durations (zero or
// negative) therefore still wait the full floor.
type Floor struct {
	d time.Duration
	t *time.Timer
}

func NewFloor(d, floor time.Duration) *Floor {
	if d < floor {
		d = floor
	}
	return &Floor{d: d, t: time.NewTimer(d)}
}

func (f *Floor) C() <-chan time.Time {
	return f.t.C
}

// Duration reports the effective (guarded) duration the timer was armed with.
func (f *Floor) Duration() time.Duration {
	return f.d
}

func (f *Floor) Stop() {
	f.t.Stop()
}

// Deadline fires once after exactly d.
type Deadline struct {
	d time.Duration
	t *time.Timer
}

func NewDeadline(d time.Duration) *Deadline {
	if d < 0 {
		d = 0
	}
	return &Deadline{d: d, t: time.NewTimer(d)}
}

func (d *Deadline) C() <-chan time.Time {
	return d.t.C
}

func (d *Deadline) Duration() time.Duration {
	return d.d
}

func (d *Deadline) Stop() {
	d.t.Stop()
}
