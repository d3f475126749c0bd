package catalog

import (
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"
)

// file is the on-disk layout of a catalog file.
type file struct {
	DBMS    DBMS     `yaml:"dbms"`
	Aliases []string `yaml:"aliases,omitempty"`
	Knobs   []Knob   `yaml:"knobs"`
	Metrics []Metric `yaml:"metrics"`
}

var validKnobTypes = map[KnobType]struct{}{
	KnobString:    {},
	KnobInteger:   {},
	KnobReal:      {},
	KnobBool:      {},
	KnobEnum:      {},
	KnobTimestamp: {},
}

var validMetricKinds = map[MetricKind]struct{}{
	MetricCounter: {},
	MetricGauge:   {},
	MetricInfo:    {},
}

// LoadFiles reads catalog files and builds a Catalog. Every problem in
// every file is reported, not just the first.
func LoadFiles(paths ...string) (Catalog, error) {
	var (
		result  *multierror.Error
		entries = make([]*Entry, 0, len(paths))
		seen    = make(map[string]string, len(paths))
	)

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			result = multierror.Append(result,
				fmt.Errorf("reading catalog file %q: %w", path, err))

			continue
		}

		entry, err := Parse(data)
		if err != nil {
			result = multierror.Append(result,
				fmt.Errorf("catalog file %q: %w", path, err))

			continue
		}

		id := entry.DBMS.ID()
		if prev, dup := seen[id]; dup {
			result = multierror.Append(result, fmt.Errorf(
				"catalog file %q: %s already defined in %q", path, id, prev,
			))

			continue
		}

		seen[id] = path
		entries = append(entries, entry)
	}

	if err := result.ErrorOrNil(); err != nil {
		return nil, err
	}

	return New(entries...), nil
}

// Parse decodes and validates a single catalog document.
func Parse(data []byte) (*Entry, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing yaml: %w", err)
	}

	if err := f.validate(); err != nil {
		return nil, err
	}

	f.DBMS.Type = strings.ToLower(f.DBMS.Type)

	entry := NewEntry(f.DBMS, f.Knobs, f.Metrics)
	entry.Aliases = f.Aliases

	return entry, nil
}

func (f *file) validate() error {
	var result *multierror.Error

	if f.DBMS.Type == "" || f.DBMS.Version == "" {
		result = multierror.Append(result,
			fmt.Errorf("dbms type and version are required"))
	}

	if len(f.Knobs) == 0 {
		result = multierror.Append(result,
			fmt.Errorf("at least one knob is required"))
	}

	knobNames := make(map[string]struct{}, len(f.Knobs))

	for i, k := range f.Knobs {
		if k.Name == "" {
			result = multierror.Append(result,
				fmt.Errorf("knob %d: name is required", i))

			continue
		}

		if _, dup := knobNames[k.Name]; dup {
			result = multierror.Append(result,
				fmt.Errorf("knob %q: duplicate name", k.Name))
		}

		knobNames[k.Name] = struct{}{}

		if _, ok := validKnobTypes[k.Type]; !ok {
			result = multierror.Append(result,
				fmt.Errorf("knob %q: unknown type %q", k.Name, k.Type))
		}

		if k.Unit != UnitNone && k.Type != KnobInteger {
			result = multierror.Append(result,
				fmt.Errorf("knob %q: unit %q requires integer type", k.Name, k.Unit))
		}

		if k.Type == KnobEnum {
			if len(k.EnumValues) == 0 {
				result = multierror.Append(result,
					fmt.Errorf("knob %q: enum_values are required", k.Name))
			} else if !containsFold(k.EnumValues, k.Default) {
				result = multierror.Append(result, fmt.Errorf(
					"knob %q: default %q is not an enum value", k.Name, k.Default,
				))
			}
		}
	}

	metricNames := make(map[string]struct{}, len(f.Metrics))

	for i, m := range f.Metrics {
		if m.Name == "" {
			result = multierror.Append(result,
				fmt.Errorf("metric %d: name is required", i))

			continue
		}

		if _, dup := metricNames[m.Name]; dup {
			result = multierror.Append(result,
				fmt.Errorf("metric %q: duplicate name", m.Name))
		}

		metricNames[m.Name] = struct{}{}

		if _, ok := validMetricKinds[m.Kind]; !ok {
			result = multierror.Append(result,
				fmt.Errorf("metric %q: unknown kind %q", m.Name, m.Kind))
		}
	}

	return result.ErrorOrNil()
}

func containsFold(values []string, v string) bool {
	for _, candidate := range values {
		if strings.EqualFold(candidate, v) {
			return true
		}
	}

	return false
}
