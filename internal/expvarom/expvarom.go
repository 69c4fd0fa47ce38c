// Package expvarom provides labeled counters that publish through expvar
// and can also be rendered as a flat text exposition for a /metrics
// endpoint, the shape the rest of the server's code expects from it
// (NewMap/NewInt for counters, MetricsHandler for the HTTP surface).
package expvarom

import (
	"expvar"
	"fmt"
	"net/http"
	"sort"
	"sync"
)

var (
	registryMu sync.Mutex
	maps       []*Map
	ints       []*Int
)

// Map is a counter keyed by a single label value (e.g. command name,
// response code, result string).
type Map struct {
	name, label, help string

	mu     sync.Mutex
	counts map[string]int64
	ev     *expvar.Map
}

// NewMap registers a new labeled counter under name, also publishing it
// through expvar. label documents the dimension name, help a short
// human-readable description.
func NewMap(name, label, help string) *Map {
	m := &Map{name: name, label: label, help: help, counts: map[string]int64{}}
	m.ev = expvar.NewMap(name)

	registryMu.Lock()
	maps = append(maps, m)
	registryMu.Unlock()
	return m
}

// Add increments the counter for the given label value.
func (m *Map) Add(value string, delta int64) {
	m.mu.Lock()
	m.counts[value] += delta
	m.mu.Unlock()
	m.ev.Add(value, delta)
}

// Int is a single, unlabeled counter.
type Int struct {
	name, help string

	mu    sync.Mutex
	count int64
	ev    *expvar.Int
}

// NewInt registers a new plain counter under name.
func NewInt(name, help string) *Int {
	i := &Int{name: name, help: help}
	i.ev = expvar.NewInt(name)

	registryMu.Lock()
	ints = append(ints, i)
	registryMu.Unlock()
	return i
}

// Add increments the counter.
func (i *Int) Add(delta int64) {
	i.mu.Lock()
	i.count += delta
	i.mu.Unlock()
	i.ev.Add(delta)
}

// MetricsHandler renders every registered counter as plain text, one
// "name{label="value"} count" line per label value, plus a "# HELP" line
// per metric.
func MetricsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")

		registryMu.Lock()
		defer registryMu.Unlock()

		for _, m := range maps {
			fmt.Fprintf(w, "# HELP %s %s\n", m.name, m.help)

			m.mu.Lock()
			keys := make([]string, 0, len(m.counts))
			for k := range m.counts {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(w, "%s{%s=%q} %d\n", m.name, m.label, k, m.counts[k])
			}
			m.mu.Unlock()
		}

		for _, i := range ints {
			fmt.Fprintf(w, "# HELP %s %s\n", i.name, i.help)
			i.mu.Lock()
			fmt.Fprintf(w, "%s %d\n", i.name, i.count)
			i.mu.Unlock()
		}
	})
}
