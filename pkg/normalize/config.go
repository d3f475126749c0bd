package normalize

import (
	"sort"

	"github.com/ethpandaops/knoboor/pkg/catalog"
)

// DiffKind classifies a deviation recorded during normalization.
type DiffKind string

// Diff kinds.
const (
	DiffUnknownKey     DiffKind = "unknown-key"
	DiffMissingKey     DiffKind = "missing-key"
	DiffMalformedValue DiffKind = "malformed-value"
	DiffCounterReset   DiffKind = "counter-reset"
)

// Diff is a deviation between a raw capture and the catalog.
type Diff struct {
	Kind    DiffKind `json:"kind"`
	Name    string   `json:"name"`
	Capture string   `json:"capture,omitempty"`
	Value   string   `json:"value,omitempty"`
	Message string   `json:"message,omitempty"`
}

// Knobs maps knob names to canonical values.
type Knobs map[string]string

// NormalizeConfig coerces a raw knob payload to the catalog's full key
// space. Unknown keys are dropped, absent keys take the catalog default
// and values that cannot be coerced fall back to the default; each of
// those cases is recorded as a diff.
func NormalizeConfig(entry *catalog.Entry, raw map[string]any) (Knobs, []Diff) {
	keys := entry.KeySet()
	knobs := make(Knobs, len(keys))
	diffs := make([]Diff, 0, 4)

	for _, name := range keys {
		k, _ := entry.Knob(name)

		value, ok := raw[name]
		if !ok {
			knobs[name] = canonicalDefault(k)
			diffs = append(diffs, Diff{
				Kind:  DiffMissingKey,
				Name:  name,
				Value: k.Default,
			})

			continue
		}

		canonical, err := Canonical(k, value)
		if err != nil {
			knobs[name] = canonicalDefault(k)
			diffs = append(diffs, Diff{
				Kind:    DiffMalformedValue,
				Name:    name,
				Value:   displayValue(value),
				Message: err.Error(),
			})

			continue
		}

		knobs[name] = canonical
	}

	unknown := make([]string, 0, 4)

	for name := range raw {
		if _, ok := entry.Knob(name); !ok {
			unknown = append(unknown, name)
		}
	}

	sort.Strings(unknown)

	for _, name := range unknown {
		diffs = append(diffs, Diff{
			Kind:  DiffUnknownKey,
			Name:  name,
			Value: displayValue(raw[name]),
		})
	}

	return knobs, diffs
}

// NonDefaultSettings returns the subset of knobs whose value differs
// from the catalog default. Every returned key exists in knobs.
func NonDefaultSettings(entry *catalog.Entry, knobs Knobs) Knobs {
	out := make(Knobs, 8)

	for name, value := range knobs {
		k, ok := entry.Knob(name)
		if !ok {
			continue
		}

		if value != canonicalDefault(k) {
			out[name] = value
		}
	}

	return out
}

// KnobVector converts the numeric knobs of a capture to floats, keyed by
// name. Only tunable knobs are included when tunableOnly is set.
func KnobVector(entry *catalog.Entry, knobs Knobs, tunableOnly bool) map[string]float64 {
	out := make(map[string]float64, len(knobs))

	for name, value := range knobs {
		k, ok := entry.Knob(name)
		if !ok || (tunableOnly && !k.Tunable) {
			continue
		}

		if f, ok := Numeric(k, value); ok {
			out[name] = f
		}
	}

	return out
}

func canonicalDefault(k *catalog.Knob) string {
	canonical, err := Canonical(k, k.Default)
	if err != nil {
		return k.Default
	}

	return canonical
}

func displayValue(v any) string {
	s, err := rawString(v)
	if err != nil {
		return ""
	}

	return s
}
