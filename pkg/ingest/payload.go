package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ethpandaops/knoboor/pkg/catalog"
	"github.com/mitchellh/mapstructure"
)

// Payload names, as uploaded by probes.
const (
	PayloadSummary       = "summary"
	PayloadKnobs         = "knobs"
	PayloadMetricsBefore = "metrics_before"
	PayloadMetricsAfter  = "metrics_after"
)

// PayloadNames lists the four payloads every upload carries.
var PayloadNames = []string{
	PayloadSummary, PayloadKnobs, PayloadMetricsBefore, PayloadMetricsAfter,
}

var requiredSummaryFields = []string{
	"database_type",
	"database_version",
	"workload_name",
	"observation_time",
	"start_time",
	"end_time",
}

// Payloads holds the raw uploaded documents.
type Payloads struct {
	Summary       []byte
	Knobs         []byte
	MetricsBefore []byte
	MetricsAfter  []byte
}

// Files returns the payloads keyed by their upload names.
func (p *Payloads) Files() map[string][]byte {
	return map[string][]byte{
		PayloadSummary:       p.Summary,
		PayloadKnobs:         p.Knobs,
		PayloadMetricsBefore: p.MetricsBefore,
		PayloadMetricsAfter:  p.MetricsAfter,
	}
}

// Summary describes the uploaded workload run.
type Summary struct {
	DatabaseType    string `mapstructure:"database_type"`
	DatabaseVersion string `mapstructure:"database_version"`
	WorkloadName    string `mapstructure:"workload_name"`
	// ObservationTime is the observation duration in seconds.
	ObservationTime float64 `mapstructure:"observation_time"`
	// StartTime and EndTime are unix epoch milliseconds.
	StartTime int64 `mapstructure:"start_time"`
	EndTime   int64 `mapstructure:"end_time"`
}

// DBMS returns the declared database identity.
func (s *Summary) DBMS() catalog.DBMS {
	return catalog.DBMS{Type: s.DatabaseType, Version: s.DatabaseVersion}
}

// Upload is a decoded, validated upload.
type Upload struct {
	Summary       Summary
	Start         time.Time
	End           time.Time
	Observation   time.Duration
	Knobs         map[string]any
	MetricsBefore map[string]any
	MetricsAfter  map[string]any
}

// Decode validates the shape of all four payloads. It returns a
// MalformedUploadError for the first payload that does not conform.
func Decode(p *Payloads) (*Upload, error) {
	raw, err := decodeObject(PayloadSummary, p.Summary)
	if err != nil {
		return nil, err
	}

	for _, field := range requiredSummaryFields {
		if v, ok := raw[field]; !ok || v == nil {
			return nil, malformed(PayloadSummary, "missing field %q", field)
		}
	}

	var summary Summary

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &summary,
	})
	if err != nil {
		return nil, fmt.Errorf("creating summary decoder: %w", err)
	}

	if err := dec.Decode(raw); err != nil {
		return nil, malformed(PayloadSummary, "%v", err)
	}

	summary.DatabaseType = strings.TrimSpace(summary.DatabaseType)
	summary.DatabaseVersion = strings.TrimSpace(summary.DatabaseVersion)
	summary.WorkloadName = strings.TrimSpace(summary.WorkloadName)

	switch {
	case summary.DatabaseType == "":
		return nil, malformed(PayloadSummary, "database_type is empty")
	case summary.DatabaseVersion == "":
		return nil, malformed(PayloadSummary, "database_version is empty")
	case summary.WorkloadName == "":
		return nil, malformed(PayloadSummary, "workload_name is empty")
	case summary.ObservationTime < 0:
		return nil, malformed(PayloadSummary, "observation_time is negative")
	case summary.EndTime < summary.StartTime:
		return nil, malformed(PayloadSummary, "end_time is before start_time")
	}

	upload := &Upload{
		Summary:     summary,
		Start:       time.UnixMilli(summary.StartTime).UTC(),
		End:         time.UnixMilli(summary.EndTime).UTC(),
		Observation: time.Duration(summary.ObservationTime * float64(time.Second)),
	}

	if upload.Knobs, err = decodeObject(PayloadKnobs, p.Knobs); err != nil {
		return nil, err
	}

	if upload.MetricsBefore, err = decodeObject(PayloadMetricsBefore, p.MetricsBefore); err != nil {
		return nil, err
	}

	if upload.MetricsAfter, err = decodeObject(PayloadMetricsAfter, p.MetricsAfter); err != nil {
		return nil, err
	}

	return upload, nil
}

// decodeObject parses a payload that must be a single flat JSON object.
// Numbers are kept as json.Number so large counters are not rounded.
func decodeObject(name string, data []byte) (map[string]any, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, malformed(name, "payload is empty")
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, malformed(name, "%v", err)
	}

	if out == nil {
		return nil, malformed(name, "expected a JSON object")
	}

	if _, err := dec.Token(); err != io.EOF {
		return nil, malformed(name, "unexpected data after JSON object")
	}

	for k, v := range out {
		switch v.(type) {
		case map[string]any, []any:
			return nil, malformed(name, "value of %q is not a scalar", k)
		}
	}

	return out, nil
}
