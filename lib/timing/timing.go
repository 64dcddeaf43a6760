// Package timing implements the scoped start/finish timer spec.md §9
// describes: every pipeline step wraps its body in a timer that emits
// hierarchical start/finish events on every exit path, with the nested
// timer stack carried per execution context rather than as a process-wide
// global, so concurrent steps never corrupt each other's nesting.
//
// The source's terminal lap is reportedly sometimes an "INVALID"
// placeholder; here every Finish carries the same well-defined label as
// its Start, never a placeholder.
package timing

import (
	"context"
	"sync"
	"time"
)

// Phase discriminates a timing Event.
type Phase string

const (
	PhaseStart  Phase = "start"
	PhaseFinish Phase = "finish"
)

// Event is one start or finish timing observation.
type Event struct {
	// Label is the fully qualified hierarchical label, parent labels
	// joined by "/" (e.g. "pipeline/pull-base-layer").
	Label string
	// Instance distinguishes concurrent invocations sharing the same
	// label (e.g. the Nth of several parallel PullAndCacheBaseLayer steps).
	Instance int
	Phase    Phase
	At       time.Time
}

// Observer receives timing events as they're emitted.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to an Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) Observe(e Event) { f(e) }

type scope struct {
	obs    Observer
	prefix string

	mu     sync.Mutex
	counts map[string]int
}

type scopeKey struct{}

// WithObserver returns a context carrying a fresh root scope that reports
// events to obs. Nested Start calls build their hierarchical label under
// this root.
func WithObserver(ctx context.Context, obs Observer) context.Context {
	return context.WithValue(ctx, scopeKey{}, &scope{obs: obs, counts: make(map[string]int)})
}

// Start begins a new named span nested under whatever scope ctx carries
// (or a no-op scope if none was installed). It returns a context for any
// further-nested Start calls and a Finish func that MUST be called exactly
// once, typically via defer, to emit the matching finish event.
//
// If ctx carries no observer, Start is a cheap no-op: the returned Finish
// still works, it just reports to nobody.
func Start(ctx context.Context, label string) (context.Context, func()) {
	parent, _ := ctx.Value(scopeKey{}).(*scope)
	if parent == nil {
		return ctx, func() {}
	}

	fullLabel := label
	if parent.prefix != "" {
		fullLabel = parent.prefix + "/" + label
	}

	parent.mu.Lock()
	instance := parent.counts[fullLabel]
	parent.counts[fullLabel] = instance + 1
	parent.mu.Unlock()

	child := &scope{obs: parent.obs, prefix: fullLabel, counts: make(map[string]int)}
	childCtx := context.WithValue(ctx, scopeKey{}, child)

	parent.obs.Observe(Event{Label: fullLabel, Instance: instance, Phase: PhaseStart, At: time.Now()})

	var once sync.Once
	finish := func() {
		once.Do(func() {
			parent.obs.Observe(Event{Label: fullLabel, Instance: instance, Phase: PhaseFinish, At: time.Now()})
		})
	}
	return childCtx, finish
}
