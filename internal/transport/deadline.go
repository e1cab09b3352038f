package transport

import (
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// Deadline is a re-armable one-shot timer. Each Arm supersedes the previous
// one; a fire from a superseded or disarmed generation is dropped. A fire
// that has already passed the generation check may still run after Disarm
// returns, so callers that race Disarm re-check their own state in fire.
type Deadline struct {
	clk clock.Clock

	mu     sync.Mutex
	gen    uint64
	cancel chan struct{}
}

func NewDeadline(clk clock.Clock) *Deadline {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Deadline{clk: clk}
}

// Arm schedules fire after d, replacing any pending schedule.
func (d *Deadline) Arm(after time.Duration, fire func()) {
	d.mu.Lock()
	d.gen++
	gen := d.gen
	if d.cancel != nil {
		close(d.cancel)
	}
	cancel := make(chan struct{})
	d.cancel = cancel
	t := d.clk.NewTimer(after)
	d.mu.Unlock()

	go func() {
		select {
		case <-t.C():
			d.mu.Lock()
			live := d.gen == gen
			if live {
				d.cancel = nil
			}
			d.mu.Unlock()
			if live {
				fire()
			}
		case <-cancel:
			t.Stop()
		}
	}()
}

// Disarm cancels the pending schedule, if any.
func (d *Deadline) Disarm() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gen++
	if d.cancel != nil {
		close(d.cancel)
		d.cancel = nil
	}
}

// Armed reports whether a schedule is pending.
func (d *Deadline) Armed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancel != nil
}
