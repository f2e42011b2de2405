// Package progress carries per-unit progress events from the sync, patch and verify phases to any
// number of sinks (log, status stream, run journal).
package progress

import (
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// Kind of an Event.
type Kind string

const (
	KindBegin Kind = "begin"
	KindStep  Kind = "step"
	KindEnd   Kind = "end"
)

// Event is one progress notification. Done and Total count units of the phase.
type Event struct {
	Kind  Kind      `json:"kind"`
	Phase string    `json:"phase"`
	Name  string    `json:"name,omitempty"`
	Done  int       `json:"done"`
	Total int       `json:"total"`
	Err   string    `json:"error,omitempty"`
	Time  time.Time `json:"time"`
}

// Reporter receives events. Implementations must be safe for concurrent use.
type Reporter interface {
	Report(Event)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(Event)

func (f ReporterFunc) Report(e Event) { f(e) }

// Nop discards events.
var Nop Reporter = ReporterFunc(func(Event) {})

type multi []Reporter

func (m multi) Report(e Event) {
	for _, r := range m {
		r.Report(e)
	}
}

// Multi fans events out to every non-nil reporter.
func Multi(rs ...Reporter) Reporter {
	out := make(multi, 0, len(rs))
	for _, r := range rs {
		if r != nil {
			out = append(out, r)
		}
	}
	if len(out) == 1 {
		return out[0]
	}
	return out
}

// Phase counts steps of one phase and emits events for them.
type Phase struct {
	r     Reporter
	name  string
	total int
	done  atomic.Int64
	ended sync.Once
}

// Begin announces a phase of total units.
func Begin(r Reporter, name string, total int) *Phase {
	if r == nil {
		r = Nop
	}
	p := &Phase{r: r, name: name, total: total}
	r.Report(Event{Kind: KindBegin, Phase: name, Total: total, Time: time.Now()})
	return p
}

// Step records one finished unit. A non-nil err marks the unit as failed.
func (p *Phase) Step(name string, err error) {
	done := int(p.done.Add(1))
	e := Event{Kind: KindStep, Phase: p.name, Name: name, Done: done, Total: p.total, Time: time.Now()}
	if err != nil {
		e.Err = err.Error()
	}
	p.r.Report(e)
}

// End closes the phase. Later calls are no-ops.
func (p *Phase) End() {
	p.ended.Do(func() {
		p.r.Report(Event{Kind: KindEnd, Phase: p.name, Done: int(p.done.Load()), Total: p.total, Time: time.Now()})
	})
}

// Done returns the number of steps recorded so far.
func (p *Phase) Done() int { return int(p.done.Load()) }

// Logger writes events through the standard logger. Steps are logged at most once per interval
// unless they fail.
type Logger struct {
	Interval time.Duration

	mu   sync.Mutex
	last map[string]time.Time
}

func NewLogger(interval time.Duration) *Logger {
	return &Logger{Interval: interval, last: make(map[string]time.Time)}
}

func (l *Logger) Report(e Event) {
	switch e.Kind {
	case KindBegin:
		log.Printf("%s: starting, %d items", e.Phase, e.Total)
	case KindEnd:
		log.Printf("%s: finished %d/%d", e.Phase, e.Done, e.Total)
	case KindStep:
		if e.Err != "" {
			log.Printf("%s: [%d/%d] %s failed: %s", e.Phase, e.Done, e.Total, e.Name, e.Err)
			return
		}
		l.mu.Lock()
		now := e.Time
		if now.Sub(l.last[e.Phase]) < l.Interval && e.Done != e.Total {
			l.mu.Unlock()
			return
		}
		l.last[e.Phase] = now
		l.mu.Unlock()
		log.Printf("%s: [%d/%d] %s", e.Phase, e.Done, e.Total, e.Name)
	}
}
