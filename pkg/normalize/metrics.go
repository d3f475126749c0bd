package normalize

import (
	"sort"
	"time"

	"github.com/ethpandaops/knoboor/pkg/catalog"
)

// Capture names used in metric diffs.
const (
	CaptureBefore = "metrics_before"
	CaptureAfter  = "metrics_after"
)

// Metrics is the reduced metric capture of one workload run.
type Metrics struct {
	// Values holds deltas for counters and post-run values for gauges.
	Values map[string]float64 `json:"values"`
	// Info holds non-numeric metrics copied from the post-run capture.
	Info map[string]string `json:"info,omitempty"`
	// ObservationSeconds is the duration the deltas were observed over.
	ObservationSeconds float64 `json:"observation_seconds"`
}

// NormalizeMetrics reduces the before and after captures to a single
// mapping. Counters become after minus before, clamped to zero when the
// counter appears to have been reset. Gauges take the after value and
// info metrics pass through unmodified. Values that cannot be parsed are
// recorded as diffs and excluded.
func NormalizeMetrics(
	entry *catalog.Entry,
	before, after map[string]any,
	duration time.Duration,
) (*Metrics, []Diff) {
	names := entry.MetricKeySet()
	out := &Metrics{
		Values:             make(map[string]float64, len(names)),
		Info:               make(map[string]string, 4),
		ObservationSeconds: duration.Seconds(),
	}
	diffs := make([]Diff, 0, 4)

	for _, name := range names {
		m, _ := entry.Metric(name)

		switch m.Kind {
		case catalog.MetricInfo:
			raw, ok := after[name]
			if !ok {
				diffs = append(diffs, missingMetric(name, CaptureAfter))

				continue
			}

			out.Info[name] = displayValue(raw)
		case catalog.MetricGauge:
			v, diff, ok := metricValue(after, name, CaptureAfter)
			if !ok {
				diffs = append(diffs, diff)

				continue
			}

			out.Values[name] = v
		case catalog.MetricCounter:
			start, startDiff, startOK := metricValue(before, name, CaptureBefore)
			end, endDiff, endOK := metricValue(after, name, CaptureAfter)

			if !startOK {
				diffs = append(diffs, startDiff)
			}

			if !endOK {
				diffs = append(diffs, endDiff)
			}

			if !startOK || !endOK {
				continue
			}

			delta := end - start
			if delta < 0 {
				// An after value below before is taken as a counter reset
				// during the run; the delta is clamped rather than guessed.
				delta = 0
				diffs = append(diffs, Diff{
					Kind:    DiffCounterReset,
					Name:    name,
					Capture: CaptureAfter,
					Value:   displayValue(after[name]),
					Message: "counter decreased during observation, delta clamped to zero",
				})
			}

			out.Values[name] = delta
		}
	}

	diffs = append(diffs, unknownMetrics(entry, before, CaptureBefore)...)
	diffs = append(diffs, unknownMetrics(entry, after, CaptureAfter)...)

	return out, diffs
}

// Rates converts counter deltas to per-second rates over the observation
// window. Gauges are returned unchanged.
func (m *Metrics) Rates(entry *catalog.Entry) map[string]float64 {
	out := make(map[string]float64, len(m.Values))

	for name, v := range m.Values {
		metric, ok := entry.Metric(name)
		if ok && metric.Kind == catalog.MetricCounter && m.ObservationSeconds > 0 {
			v /= m.ObservationSeconds
		}

		out[name] = v
	}

	return out
}

func metricValue(capture map[string]any, name, source string) (float64, Diff, bool) {
	raw, ok := capture[name]
	if !ok {
		return 0, missingMetric(name, source), false
	}

	s, err := rawString(raw)
	if err == nil {
		var f float64

		f, err = parseFloat(s)
		if err == nil {
			return f, Diff{}, true
		}
	}

	return 0, Diff{
		Kind:    DiffMalformedValue,
		Name:    name,
		Capture: source,
		Value:   displayValue(raw),
		Message: err.Error(),
	}, false
}

func missingMetric(name, source string) Diff {
	return Diff{Kind: DiffMissingKey, Name: name, Capture: source}
}

func unknownMetrics(entry *catalog.Entry, capture map[string]any, source string) []Diff {
	names := make([]string, 0, 4)

	for name := range capture {
		if _, ok := entry.Metric(name); !ok {
			names = append(names, name)
		}
	}

	sort.Strings(names)

	diffs := make([]Diff, 0, len(names))
	for _, name := range names {
		diffs = append(diffs, Diff{
			Kind:    DiffUnknownKey,
			Name:    name,
			Capture: source,
			Value:   displayValue(capture[name]),
		})
	}

	return diffs
}
