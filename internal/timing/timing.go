// Package timing records how long each phase of a VM launch takes.
package timing

import (
	"fmt"
	"io"
	"time"

	"github.com/go-logr/logr"
)

// Launch phase names.
const (
	PhaseAcquire     = "acquire"
	PhaseIdentity    = "identity"
	PhaseMaterialize = "materialize"
	PhaseBoot        = "boot"
)

// Timer tracks durations of named phases.
type Timer struct {
	now    func() time.Time
	start  time.Time
	last   time.Time
	phases []Phase
}

// Phase represents a timed phase with name and duration.
type Phase struct {
	Name     string
	Duration time.Duration
}

// New creates a new Timer starting from now.
func New() *Timer {
	return newWithClock(time.Now)
}

func newWithClock(now func() time.Time) *Timer {
	t := now()
	return &Timer{now: now, start: t, last: t}
}

// Mark records a named phase ending now, measured from the previous mark.
func (t *Timer) Mark(name string) {
	now := t.now()
	t.phases = append(t.phases, Phase{Name: name, Duration: now.Sub(t.last)})
	t.last = now
}

// Total returns the elapsed time since the timer was created.
func (t *Timer) Total() time.Duration {
	return t.now().Sub(t.start)
}

// Phases returns all recorded phases.
func (t *Timer) Phases() []Phase {
	return t.phases
}

// Log emits one V(1) record per phase and one for the total.
func (t *Timer) Log(log logr.Logger) {
	for _, p := range t.phases {
		log.V(1).Info("launch phase", "phase", p.Name, "duration", p.Duration.String())
	}
	log.V(1).Info("launch complete", "duration", t.Total().String())
}

// Report prints a timing table to w.
func (t *Timer) Report(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "=== Launch Timing ===")
	for _, p := range t.phases {
		fmt.Fprintf(w, "  %-20s %s\n", p.Name+":", formatDuration(p.Duration))
	}
	fmt.Fprintf(w, "  %-20s %s\n", "TOTAL:", formatDuration(t.Total()))
	fmt.Fprintln(w, "=====================")
}

func formatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return fmt.Sprintf("%dµs", d.Microseconds())
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return fmt.Sprintf("%.2fs", d.Seconds())
}
