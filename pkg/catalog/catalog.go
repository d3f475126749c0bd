// Package catalog describes the knobs and metrics each supported DBMS
// version exposes. It is the authoritative key set, type information and
// default values used to normalize uploaded captures.
package catalog

import (
	"fmt"
	"sort"
	"strings"
)

// KnobType is the declared value type of a knob.
type KnobType string

// Knob types.
const (
	KnobString    KnobType = "string"
	KnobInteger   KnobType = "integer"
	KnobReal      KnobType = "real"
	KnobBool      KnobType = "bool"
	KnobEnum      KnobType = "enum"
	KnobTimestamp KnobType = "timestamp"
)

// KnobUnit describes how integer knob values carry units.
type KnobUnit string

// Knob units.
const (
	UnitNone         KnobUnit = ""
	UnitBytes        KnobUnit = "bytes"
	UnitMilliseconds KnobUnit = "milliseconds"
)

// MetricKind classifies a runtime metric.
type MetricKind string

// Metric kinds. Counters and gauges are numeric, info metrics are not.
const (
	MetricCounter MetricKind = "counter"
	MetricGauge   MetricKind = "gauge"
	MetricInfo    MetricKind = "info"
)

// DBMS identifies a database engine and version.
type DBMS struct {
	Type    string `yaml:"type" json:"type"`
	Version string `yaml:"version" json:"version"`
}

// ID returns the catalog identifier, e.g. "postgres-9.6".
func (d DBMS) ID() string {
	return d.Type + "-" + d.Version
}

// String returns a human readable name.
func (d DBMS) String() string {
	return d.Type + " v" + d.Version
}

// Knob describes a single configuration parameter.
type Knob struct {
	Name        string   `yaml:"name" json:"name"`
	Type        KnobType `yaml:"type" json:"type"`
	Unit        KnobUnit `yaml:"unit,omitempty" json:"unit,omitempty"`
	Default     string   `yaml:"default" json:"default"`
	Tunable     bool     `yaml:"tunable" json:"tunable"`
	EnumValues  []string `yaml:"enum_values,omitempty" json:"enum_values,omitempty"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
}

// Metric describes a single runtime statistic.
type Metric struct {
	Name         string     `yaml:"name" json:"name"`
	Kind         MetricKind `yaml:"kind" json:"kind"`
	Unit         string     `yaml:"unit,omitempty" json:"unit,omitempty"`
	Scale        float64    `yaml:"scale,omitempty" json:"scale,omitempty"`
	LessIsBetter bool       `yaml:"less_is_better" json:"less_is_better"`
	Description  string     `yaml:"description,omitempty" json:"description,omitempty"`
}

// Numeric reports whether deltas are defined for the metric.
func (m *Metric) Numeric() bool {
	return m.Kind == MetricCounter || m.Kind == MetricGauge
}

// ScaleFactor returns the display scale, defaulting to 1.
func (m *Metric) ScaleFactor() float64 {
	if m.Scale == 0 {
		return 1
	}

	return m.Scale
}

// Entry is the catalog for one DBMS version.
type Entry struct {
	DBMS    DBMS
	Aliases []string

	knobs   map[string]*Knob
	metrics map[string]*Metric
	keys    []string
	mkeys   []string
}

// NewEntry builds an entry from knob and metric definitions.
func NewEntry(dbms DBMS, knobs []Knob, metrics []Metric) *Entry {
	e := &Entry{
		DBMS:    dbms,
		knobs:   make(map[string]*Knob, len(knobs)),
		metrics: make(map[string]*Metric, len(metrics)),
		keys:    make([]string, 0, len(knobs)),
		mkeys:   make([]string, 0, len(metrics)),
	}

	for i := range knobs {
		k := knobs[i]
		e.knobs[k.Name] = &k
		e.keys = append(e.keys, k.Name)
	}

	for i := range metrics {
		m := metrics[i]
		e.metrics[m.Name] = &m
		e.mkeys = append(e.mkeys, m.Name)
	}

	sort.Strings(e.keys)
	sort.Strings(e.mkeys)

	return e
}

// KeySet returns all knob names in sorted order.
func (e *Entry) KeySet() []string {
	out := make([]string, len(e.keys))
	copy(out, e.keys)

	return out
}

// MetricKeySet returns all metric names in sorted order.
func (e *Entry) MetricKeySet() []string {
	out := make([]string, len(e.mkeys))
	copy(out, e.mkeys)

	return out
}

// Knob returns the knob definition for name.
func (e *Entry) Knob(name string) (*Knob, bool) {
	k, ok := e.knobs[name]

	return k, ok
}

// Metric returns the metric definition for name.
func (e *Entry) Metric(name string) (*Metric, bool) {
	m, ok := e.metrics[name]

	return m, ok
}

// Default returns the catalog default for a knob.
func (e *Entry) Default(name string) (string, bool) {
	k, ok := e.knobs[name]
	if !ok {
		return "", false
	}

	return k.Default, true
}

// IsTunable reports whether a knob is eligible for automated tuning.
func (e *Entry) IsTunable(name string) bool {
	k, ok := e.knobs[name]

	return ok && k.Tunable
}

// IsNumericMetric reports whether a metric is a counter or gauge.
func (e *Entry) IsNumericMetric(name string) bool {
	m, ok := e.metrics[name]

	return ok && m.Numeric()
}

// TunableKeys returns the sorted names of all tunable knobs.
func (e *Entry) TunableKeys() []string {
	out := make([]string, 0, len(e.keys))

	for _, name := range e.keys {
		if e.knobs[name].Tunable {
			out = append(out, name)
		}
	}

	return out
}

// FilterTunable projects a knob mapping onto its tunable subset.
func (e *Entry) FilterTunable(knobs map[string]string) map[string]string {
	out := make(map[string]string, len(knobs))

	for name, value := range knobs {
		if e.IsTunable(name) {
			out[name] = value
		}
	}

	return out
}

// Catalog resolves DBMS identities to catalog entries.
type Catalog interface {
	// Resolve finds the entry for a DBMS type and version as reported by
	// a probe. Type aliases and patch versions are accepted.
	Resolve(dbmsType, version string) (*Entry, error)

	// Get returns the entry for a catalog identifier.
	Get(id string) (*Entry, error)

	// Entries returns all known entries ordered by identifier.
	Entries() []*Entry
}

// UnsupportedDBMSError is returned when no catalog entry exists for a
// DBMS type and version.
type UnsupportedDBMSError struct {
	Type    string
	Version string
}

func (e *UnsupportedDBMSError) Error() string {
	return fmt.Sprintf("%s v%s is not yet supported", e.Type, e.Version)
}

// Compile-time interface check.
var _ Catalog = (*static)(nil)

type static struct {
	entries map[string]*Entry
	aliases map[string]string
}

// New creates a Catalog from a fixed set of entries.
func New(entries ...*Entry) Catalog {
	c := &static{
		entries: make(map[string]*Entry, len(entries)),
		aliases: make(map[string]string, len(entries)),
	}

	for _, e := range entries {
		c.entries[e.DBMS.ID()] = e

		for _, alias := range e.Aliases {
			c.aliases[strings.ToLower(alias)] = e.DBMS.Type
		}
	}

	return c
}

func (c *static) Resolve(dbmsType, version string) (*Entry, error) {
	t := strings.ToLower(strings.TrimSpace(dbmsType))
	if canonical, ok := c.aliases[t]; ok {
		t = canonical
	}

	// Try the full version first, then drop trailing components so that
	// a probe reporting 9.6.3 resolves to the 9.6 catalog.
	v := strings.TrimSpace(version)
	for v != "" {
		if e, ok := c.entries[t+"-"+v]; ok {
			return e, nil
		}

		idx := strings.LastIndex(v, ".")
		if idx < 0 {
			break
		}

		v = v[:idx]
	}

	return nil, &UnsupportedDBMSError{Type: dbmsType, Version: version}
}

func (c *static) Get(id string) (*Entry, error) {
	e, ok := c.entries[id]
	if !ok {
		typ, ver, _ := strings.Cut(id, "-")

		return nil, &UnsupportedDBMSError{Type: typ, Version: ver}
	}

	return e, nil
}

func (c *static) Entries() []*Entry {
	out := make([]*Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].DBMS.ID() < out[j].DBMS.ID()
	})

	return out
}
