package models

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ─────────────────────────────────────────────────────────────────────────────
// Quality
// ─────────────────────────────────────────────────────────────────────────────

// Quality classifies a sampled value. Good is zero so a zero-valued sample is
// trustworthy by default; consumers treat any non-zero code as suspect.
type Quality int

// Quality codes carried on every TagValue.
const (
	QualityGood         Quality = 0
	QualityUncertain    Quality = 1
	QualityBad          Quality = 2
	QualityNotConnected Quality = 3
)

// String returns the lowercase label used in bus payloads and logs.
func (q Quality) String() string {
	switch q {
	case QualityGood:
		return "good"
	case QualityUncertain:
		return "uncertain"
	case QualityBad:
		return "bad"
	case QualityNotConnected:
		return "not-connected"
	default:
		return fmt.Sprintf("quality(%d)", int(q))
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Tag values
// ─────────────────────────────────────────────────────────────────────────────

// TagValue is one sample of one tag: the unit of exchange between the poll
// engine, the bus, the history store, and the flow runtime.
type TagValue struct {
	// ConnectionID and TagID identify the source tag by stable IDs.
	ConnectionID string `json:"connectionId"`
	TagID        string `json:"tagId"`

	// TagName and TagPath are the human-readable identity. TagPath is
	// "ConnectionName/TagName" and is what flows and triggers reference.
	TagName string `json:"tagName"`
	TagPath string `json:"tagPath"`

	// Value after scale/offset. One of bool, int64, float64, string.
	Value    any      `json:"value"`
	DataType DataType `json:"dataType"`
	Quality  Quality  `json:"quality"`

	// Timestamp is the poll completion time in UTC.
	Timestamp time.Time `json:"timestamp"`
}

// Float returns the sample coerced to float64. ok is false for values with
// no numeric interpretation.
func (v TagValue) Float() (float64, bool) {
	return ToFloat(v.Value)
}

// JoinTagPath builds the canonical "ConnectionName/TagName" path.
func JoinTagPath(connectionName, tagName string) string {
	return connectionName + "/" + tagName
}

// SplitTagPath splits "ConnectionName/TagName" into its two parts. Tag names
// may themselves contain slashes; only the first separator splits.
func SplitTagPath(path string) (connectionName, tagName string, ok bool) {
	i := strings.Index(path, "/")
	if i <= 0 || i == len(path)-1 {
		return "", "", false
	}
	return path[:i], path[i+1:], true
}

// ─────────────────────────────────────────────────────────────────────────────
// Coercion
// ─────────────────────────────────────────────────────────────────────────────

// ToFloat coerces a dynamic value to float64. Booleans map to 1/0 and
// numeric strings parse; everything else reports ok=false.
func ToFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int16:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint:
		return float64(x), true
	case uint16:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	case nil:
		return 0, false
	default:
		return 0, false
	}
}

// ToBool coerces a dynamic value to a truth value: booleans pass through,
// numbers are true when non-zero, strings accept true/false/1/0/on/off.
func ToBool(v any) (bool, bool) {
	switch x := v.(type) {
	case bool:
		return x, true
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "true", "1", "on", "yes":
			return true, true
		case "false", "0", "off", "no":
			return false, true
		}
		return false, false
	default:
		if f, ok := ToFloat(v); ok {
			return f != 0, true
		}
		return false, false
	}
}

// ParseActionValue parses a literal action value to the most specific type:
// bool, then int64, then float64, falling back to the raw string.
func ParseActionValue(raw string) any {
	s := strings.TrimSpace(raw)
	switch strings.ToLower(s) {
	case "true":
		return true
	case "false":
		return false
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return raw
}

// ─────────────────────────────────────────────────────────────────────────────
// Trigger comparison
// ─────────────────────────────────────────────────────────────────────────────

// floatEpsilon bounds equality comparison of floating point tag values.
const floatEpsilon = 1e-9

// CompareTagTrigger evaluates current <op> threshold. Numeric comparison is
// used when both sides coerce to float64 (equality within epsilon); otherwise
// == and != fall back to case-insensitive string comparison and ordering
// operators fail.
func CompareTagTrigger(operator string, current any, threshold string) (bool, error) {
	cf, cok := ToFloat(current)
	tf, tok := ToFloat(threshold)

	if cok && tok {
		switch operator {
		case "==":
			return math.Abs(cf-tf) < floatEpsilon, nil
		case "!=":
			return math.Abs(cf-tf) >= floatEpsilon, nil
		case ">":
			return cf > tf, nil
		case ">=":
			return cf >= tf, nil
		case "<":
			return cf < tf, nil
		case "<=":
			return cf <= tf, nil
		default:
			return false, fmt.Errorf("unknown operator %q", operator)
		}
	}

	cs := strings.TrimSpace(fmt.Sprintf("%v", current))
	ts := strings.TrimSpace(threshold)
	switch operator {
	case "==":
		return strings.EqualFold(cs, ts), nil
	case "!=":
		return !strings.EqualFold(cs, ts), nil
	case ">", ">=", "<", "<=":
		return false, fmt.Errorf("operator %q needs numeric operands (got %q, %q)", operator, cs, ts)
	default:
		return false, fmt.Errorf("unknown operator %q", operator)
	}
}
