// Package normalize converts raw probe payloads into typed, comparable
// knob and metric values using the catalog as the authoritative schema.
package normalize

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/ethpandaops/knoboor/pkg/catalog"
)

// timestampLayouts are the accepted textual timestamp formats.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// Canonical coerces a raw payload value to the canonical string form of
// the knob's declared type. Two values are equal after canonicalization
// exactly when they configure the DBMS the same way.
func Canonical(k *catalog.Knob, raw any) (string, error) {
	s, err := rawString(raw)
	if err != nil {
		return "", err
	}

	switch k.Type {
	case catalog.KnobInteger:
		n, err := parseInteger(s, k.Unit)
		if err != nil {
			return "", err
		}

		return strconv.FormatInt(n, 10), nil
	case catalog.KnobReal:
		f, err := parseFloat(s)
		if err != nil {
			return "", err
		}

		return strconv.FormatFloat(f, 'g', -1, 64), nil
	case catalog.KnobBool:
		b, err := parseBool(s)
		if err != nil {
			return "", err
		}

		return strconv.FormatBool(b), nil
	case catalog.KnobEnum:
		for _, v := range k.EnumValues {
			if strings.EqualFold(v, s) {
				return strings.ToLower(v), nil
			}
		}

		return "", fmt.Errorf("value %q is not one of %v", s, k.EnumValues)
	case catalog.KnobTimestamp:
		ts, err := parseTimestamp(s)
		if err != nil {
			return "", err
		}

		return ts.UTC().Format(time.RFC3339Nano), nil
	default:
		return s, nil
	}
}

// Numeric converts a canonical knob value to a float for the pipeline.
// Strings and timestamps have no numeric form.
func Numeric(k *catalog.Knob, canonical string) (float64, bool) {
	switch k.Type {
	case catalog.KnobInteger, catalog.KnobReal:
		f, err := strconv.ParseFloat(canonical, 64)
		if err != nil {
			return 0, false
		}

		return f, true
	case catalog.KnobBool:
		if canonical == "true" {
			return 1, true
		}

		return 0, true
	case catalog.KnobEnum:
		for i, v := range k.EnumValues {
			if strings.EqualFold(v, canonical) {
				return float64(i), true
			}
		}

		return 0, false
	default:
		return 0, false
	}
}

func rawString(raw any) (string, error) {
	switch v := raw.(type) {
	case nil:
		return "", fmt.Errorf("value is null")
	case string:
		return strings.TrimSpace(v), nil
	case json.Number:
		return v.String(), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case bool:
		return strconv.FormatBool(v), nil
	default:
		return "", fmt.Errorf("unsupported value type %T", raw)
	}
}

func parseInteger(s string, unit catalog.KnobUnit) (int64, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}

	switch unit {
	case catalog.UnitBytes:
		n, err := units.RAMInBytes(s)
		if err != nil {
			return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
		}

		// An overflowing size converts to a negative or saturated value.
		if n < 0 || n == math.MaxInt64 {
			return 0, fmt.Errorf("byte size %q out of range", s)
		}

		return n, nil
	case catalog.UnitMilliseconds:
		return parseMilliseconds(s)
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f != math.Trunc(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("invalid integer %q", s)
	}

	// float64(math.MaxInt64) rounds up to 2^63, which int64 cannot hold.
	if f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, fmt.Errorf("integer %q out of range", s)
	}

	return int64(f), nil
}

// parseMilliseconds accepts the duration spellings DBMS settings use,
// including "min" and "d" suffixes that time.ParseDuration lacks.
func parseMilliseconds(s string) (int64, error) {
	v := strings.ReplaceAll(strings.ToLower(s), " ", "")

	var days bool

	switch {
	case strings.HasSuffix(v, "min"):
		v = strings.TrimSuffix(v, "in")
	case strings.HasSuffix(v, "d"):
		v = strings.TrimSuffix(v, "d") + "h"
		days = true
	}

	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}

	if days {
		d *= 24
	}

	return d.Milliseconds(), nil
}

func parseFloat(s string) (float64, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("invalid number %q", s)
	}

	return f, nil
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "true", "yes", "1":
		return true, nil
	case "off", "false", "no", "0":
		return false, nil
	default:
		return false, fmt.Errorf("invalid boolean %q", s)
	}
}

func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, nil
		}
	}

	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(secs, 0), nil
	}

	return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
}
