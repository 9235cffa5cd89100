package models

import (
	"encoding/json"
	"slices"
	"strings"
)

// Engine describes one conversion provider and the input -> outputs pairs it accepts.
type Engine struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	Description string              `json:"description"`
	Category    string              `json:"category"`
	Conversions map[string][]string `json:"conversions"`
	Enabled     bool                `json:"enabled"`
	// Params is the engine's own parameter schema. It is carried as-is and
	// validated by the engine backend, never here.
	Params json.RawMessage `json:"params,omitempty"`
}

// NormalizeFormat lowercases a format token and strips a leading dot.
func NormalizeFormat(format string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(format)), ".")
}

// Normalized returns a deep copy of e with every format token lowercased and
// each output set sorted and de-duplicated. Empty tokens are dropped.
func (e Engine) Normalized() Engine {
	n := e
	n.Conversions = make(map[string][]string, len(e.Conversions))
	for from, outputs := range e.Conversions {
		from = NormalizeFormat(from)
		if from == "" {
			continue
		}
		set := n.Conversions[from]
		for _, to := range outputs {
			if to = NormalizeFormat(to); to != "" {
				set = append(set, to)
			}
		}
		slices.Sort(set)
		n.Conversions[from] = slices.Compact(set)
	}
	if e.Params != nil {
		n.Params = append(json.RawMessage(nil), e.Params...)
	}
	return n
}

// Clone returns a deep copy of e.
func (e Engine) Clone() Engine {
	c := e
	c.Conversions = make(map[string][]string, len(e.Conversions))
	for from, outputs := range e.Conversions {
		c.Conversions[from] = slices.Clone(outputs)
	}
	if e.Params != nil {
		c.Params = append(json.RawMessage(nil), e.Params...)
	}
	return c
}

// OutputsFor returns what e can produce from the given input, ignoring Enabled.
func (e Engine) OutputsFor(from string) []string {
	return slices.Clone(e.Conversions[NormalizeFormat(from)])
}

// Accepts reports whether the conversion table contains from -> to, ignoring Enabled.
func (e Engine) Accepts(from, to string) bool {
	return slices.Contains(e.Conversions[NormalizeFormat(from)], NormalizeFormat(to))
}

// InputFormats returns the sorted input formats e accepts.
func (e Engine) InputFormats() []string {
	inputs := make([]string, 0, len(e.Conversions))
	for from := range e.Conversions {
		inputs = append(inputs, from)
	}
	slices.Sort(inputs)
	return inputs
}

// OutputFormats returns the sorted, de-duplicated outputs across every input.
func (e Engine) OutputFormats() []string {
	var outputs []string
	for _, tos := range e.Conversions {
		outputs = append(outputs, tos...)
	}
	slices.Sort(outputs)
	return slices.Compact(outputs)
}
