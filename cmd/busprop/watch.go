package main

import (
	"fmt"
	"io"

	"github.com/creachadair/mds/value"
	dbus "github.com/danderson/busloop"
	"github.com/danderson/busloop/internal/config"
	"github.com/danderson/busloop/sysbus"
)

// watcher polls a set of property queries, and reports their values
// when they change.
type watcher struct {
	client  *sysbus.Client
	queries []config.Query
	out     io.Writer

	last     []value.Maybe[string]
	seen     []bool
	inflight []bool
}

func newWatcher(client *sysbus.Client, queries []config.Query, out io.Writer) *watcher {
	return &watcher{
		client:   client,
		queries:  queries,
		out:      out,
		last:     make([]value.Maybe[string], len(queries)),
		seen:     make([]bool, len(queries)),
		inflight: make([]bool, len(queries)),
	}
}

// poll sends every query that does not already have a call in
// flight.
func (w *watcher) poll() {
	for i, q := range w.queries {
		if w.inflight[i] {
			continue
		}
		w.inflight[i] = true
		sent := w.client.GetPropertyAsync(q.Service, dbus.ObjectPath(q.Object), q.Interface, q.Property, func(v value.Maybe[string]) {
			w.inflight[i] = false
			w.update(i, v)
		})
		if !sent {
			w.inflight[i] = false
		}
	}
}

func (w *watcher) update(i int, v value.Maybe[string]) {
	if w.seen[i] && w.last[i] == v {
		return
	}
	w.seen[i] = true
	w.last[i] = v

	q := w.queries[i]
	name := q.Name
	if name == "" {
		name = fmt.Sprintf("%s %s %s.%s", q.Service, q.Object, q.Interface, q.Property)
	}
	if s, ok := v.GetOK(); ok {
		fmt.Fprintf(w.out, "%s: %s\n", name, s)
	} else {
		fmt.Fprintf(w.out, "%s: (absent)\n", name)
	}
}
