// Package engines holds the capability table of conversion engines and the
// resolver that picks an engine for a requested conversion.
package engines

import (
	"slices"
	"sync"

	"github.com/pi-docket/ConvertX-CN/models"
)

// Table is the in-memory registry of engines. It is built once at startup
// and handed to the resolver and dispatcher; runtime writes are limited to
// registration and enable/disable toggles.
type Table struct {
	mu      sync.RWMutex
	engines map[string]models.Engine
}

func NewTable(engines ...models.Engine) *Table {
	t := &Table{engines: make(map[string]models.Engine, len(engines))}
	for _, e := range engines {
		t.Register(e)
	}
	return t
}

// Register inserts or replaces an engine by id.
func (t *Table) Register(e models.Engine) {
	n := e.Normalized()
	t.mu.Lock()
	t.engines[n.ID] = n
	t.mu.Unlock()
}

func (t *Table) Get(id string) (models.Engine, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.engines[id]
	if !ok {
		return models.Engine{}, false
	}
	return e.Clone(), true
}

// List returns every engine, enabled or not, ordered by id.
func (t *Table) List() []models.Engine {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]models.Engine, 0, len(t.engines))
	for _, id := range t.sortedIDs() {
		out = append(out, t.engines[id].Clone())
	}
	return out
}

// IDs returns every engine id in sorted order.
func (t *Table) IDs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sortedIDs()
}

// SetEnabled toggles an engine. It returns false if the id is unknown.
func (t *Table) SetEnabled(id string, enabled bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.engines[id]
	if !ok {
		return false
	}
	e.Enabled = enabled
	t.engines[id] = e
	return true
}

func (t *Table) Supports(id, from, to string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.engines[id]
	return ok && e.Enabled && e.Accepts(from, to)
}

// OutputsFor returns the outputs engine id can produce from the given input.
// It is empty for unknown or disabled engines.
func (t *Table) OutputsFor(id, from string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.engines[id]
	if !ok || !e.Enabled {
		return []string{}
	}
	outputs := e.OutputsFor(from)
	if outputs == nil {
		return []string{}
	}
	return outputs
}

func (t *Table) AllInputFormats() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var formats []string
	for _, e := range t.engines {
		formats = append(formats, e.InputFormats()...)
	}
	return sortedUnique(formats)
}

func (t *Table) AllOutputFormats() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var formats []string
	for _, e := range t.engines {
		formats = append(formats, e.OutputFormats()...)
	}
	return sortedUnique(formats)
}

// TargetsFor maps engine id to the outputs it produces from the given input.
// Engines without an entry for from are omitted.
func (t *Table) TargetsFor(from string) map[string][]string {
	from = models.NormalizeFormat(from)
	t.mu.RLock()
	defer t.mu.RUnlock()
	targets := make(map[string][]string)
	for id, e := range t.engines {
		if outputs := e.Conversions[from]; len(outputs) > 0 {
			targets[id] = slices.Clone(outputs)
		}
	}
	return targets
}

// enabledSnapshot returns copies of the enabled engines ordered by id.
func (t *Table) enabledSnapshot() []models.Engine {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []models.Engine
	for _, id := range t.sortedIDs() {
		if e := t.engines[id]; e.Enabled {
			out = append(out, e)
		}
	}
	return out
}

// sortedIDs must be called with mu held.
func (t *Table) sortedIDs() []string {
	ids := make([]string, 0, len(t.engines))
	for id := range t.engines {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func sortedUnique(formats []string) []string {
	if formats == nil {
		return []string{}
	}
	slices.Sort(formats)
	return slices.Compact(formats)
}
