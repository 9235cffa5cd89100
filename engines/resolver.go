package engines

import (
	"fmt"

	"github.com/pi-docket/ConvertX-CN/models"
)

// Resolver picks the engine that will perform a conversion. It only reads
// the table and is safe for concurrent use.
type Resolver struct {
	table *Table
}

func NewResolver(table *Table) *Resolver {
	return &Resolver{table: table}
}

// Resolve returns the engine id for from -> to. A non-empty preferred engine
// pins the choice; otherwise the first enabled engine by id wins. Failures
// are *models.ValidationError carrying suggestions for the caller.
func (r *Resolver) Resolve(from, to, preferred string) (string, error) {
	from = models.NormalizeFormat(from)
	to = models.NormalizeFormat(to)

	if preferred != "" {
		engine, ok := r.table.Get(preferred)
		if !ok {
			return "", &models.ValidationError{
				Reason:      fmt.Sprintf("engine %q not found", preferred),
				Suggestions: r.table.IDs(),
			}
		}
		if !engine.Enabled {
			return "", &models.ValidationError{
				Reason:      fmt.Sprintf("engine %q is disabled", preferred),
				Suggestions: []string{},
			}
		}
		if !r.table.Supports(preferred, from, to) {
			return "", &models.ValidationError{
				Reason:      fmt.Sprintf("engine %q does not support %s → %s conversion", preferred, from, to),
				Suggestions: r.table.OutputsFor(preferred, from),
			}
		}
		return preferred, nil
	}

	for _, e := range r.table.enabledSnapshot() {
		if e.Accepts(from, to) {
			return e.ID, nil
		}
	}

	var reachable []string
	for _, outputs := range r.table.TargetsFor(from) {
		reachable = append(reachable, outputs...)
	}
	return "", &models.ValidationError{
		Reason:      fmt.Sprintf("no engine supports %s → %s conversion", from, to),
		Suggestions: sortedUnique(reachable),
	}
}
