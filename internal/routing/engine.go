package routing

import (
	"sort"
	"sync"

	"github.com/smile-health/interop-pipeline/internal/cloudevent"
)

// Result is the outcome of matching an event against the active route set.
type Result struct {
	Matched bool
	Route   *Route
	Reason  string // populated only when Matched is false
}

// Engine holds the active route set and performs first-match, priority-
// ordered selection: routes are sorted
// by priority descending (stable, so authoring order breaks ties), and the
// first route whose source/type/condition all match wins.
type Engine struct {
	mu     sync.RWMutex
	routes []*Route
}

// NewEngine builds an Engine from routes, pre-sorting by priority.
func NewEngine(routes []*Route) *Engine {
	e := &Engine{}
	e.Replace(routes)
	return e
}

// Replace swaps in a new route set, re-sorted by priority descending. Used
// by the config hot-reload path.
func (e *Engine) Replace(routes []*Route) {
	sorted := make([]*Route, len(routes))
	copy(sorted, routes)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority > sorted[j].Priority
	})

	e.mu.Lock()
	e.routes = sorted
	e.mu.Unlock()
}

// Routes returns a snapshot of the active, priority-sorted route set.
func (e *Engine) Routes() []*Route {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Route, len(e.routes))
	copy(out, e.routes)
	return out
}

// Match selects the first enabled route whose source, type, and (if present)
// condition all match event. No match is not an error: callers decide
// whether an unrouted event is dropped, dead-lettered, or sent to a
// fallback destination.
func (e *Engine) Match(event *cloudevent.Event) Result {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, r := range e.routes {
		if r.Match(event) {
			return Result{Matched: true, Route: r}
		}
	}
	return Result{
		Matched: false,
		Reason:  "no route matched source=" + event.Source + " type=" + event.Type,
	}
}
