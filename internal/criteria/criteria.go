// Package criteria parses the open-ended success-criteria mapping attached to a
// checklist item into a closed set of criterion kinds.
//
// Parsing happens once, when a template is decoded (YAML from the checklist
// file, JSON from a stored run snapshot). Evaluation only ever switches over
// Kind, never over raw keys.
package criteria

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"gopkg.in/yaml.v3"
)

// Kind identifies the variant of a parsed criterion.
type Kind string

const (
	KindMinThreshold      Kind = "min_threshold"
	KindMaxThreshold      Kind = "max_threshold"
	KindBooleanRequired   Kind = "boolean_required"
	KindBooleanProhibited Kind = "boolean_prohibited"
	KindNote              Kind = "note"
)

// SchemaWarningPrefix marks notes produced for criteria the parser did not
// recognize. Such notes never change a gate's status.
const SchemaWarningPrefix = "schema_warning"

// Criterion is one parsed success criterion.
//
// Threshold is only meaningful for the threshold kinds; Message only for
// KindNote.
type Criterion struct {
	Kind      Kind
	Key       string
	MetricKey string
	Threshold float64
	Message   string
}

// Well-known criterion names whose metric key is not derivable from the name.
var metricAliases = map[string]struct {
	kind   Kind
	metric string
}{
	"minCoverage":          {KindMinThreshold, "coverage"},
	"maxFailureRate":       {KindMaxThreshold, "testFailureRate"},
	"changeReviewRequired": {KindBooleanRequired, "changeReviewCompleted"},
	"freezeWindowCheck":    {KindBooleanProhibited, "freezeWindowBypassed"},
}

// Set is the parsed form of a success-criteria mapping. The zero value is an
// empty set.
type Set struct {
	raw   map[string]any
	items []Criterion
}

// Parse classifies every key of raw. Unknown keys become KindNote entries; a
// known key with a value of the wrong shape is an error.
func Parse(raw map[string]any) (Set, error) {
	if len(raw) == 0 {
		return Set{}, nil
	}
	keys := make([]string, 0, len(raw))
	for key := range raw {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	items := make([]Criterion, 0, len(keys))
	for _, key := range keys {
		item, err := parseOne(key, raw[key])
		if err != nil {
			return Set{}, err
		}
		items = append(items, item)
	}
	return Set{raw: cloneRaw(raw), items: items}, nil
}

// MustParse is Parse for literals in tests and defaults.
func MustParse(raw map[string]any) Set {
	set, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return set
}

func parseOne(key string, value any) (Criterion, error) {
	name := strings.TrimSpace(key)
	if name == "" {
		return Criterion{}, fmt.Errorf("success criteria key must not be empty")
	}
	kind, metric := classify(name)
	switch kind {
	case KindMinThreshold, KindMaxThreshold:
		threshold, ok := toFloat64(value)
		if !ok {
			return Criterion{}, fmt.Errorf("success criteria %q: threshold must be numeric, got %T", name, value)
		}
		return Criterion{Kind: kind, Key: name, MetricKey: metric, Threshold: threshold}, nil
	case KindBooleanRequired, KindBooleanProhibited:
		enabled, ok := toBool(value)
		if !ok {
			return Criterion{}, fmt.Errorf("success criteria %q: value must be boolean, got %T", name, value)
		}
		if !enabled {
			return Criterion{
				Kind:    KindNote,
				Key:     name,
				Message: fmt.Sprintf("%s is false; criterion disabled", name),
			}, nil
		}
		return Criterion{Kind: kind, Key: name, MetricKey: metric}, nil
	default:
		return Criterion{
			Kind:    KindNote,
			Key:     name,
			Message: fmt.Sprintf("%s: unrecognized criterion %q ignored", SchemaWarningPrefix, name),
		}, nil
	}
}

func classify(name string) (Kind, string) {
	if alias, ok := metricAliases[name]; ok {
		return alias.kind, alias.metric
	}
	if rest, ok := camelSuffix(name, "min"); ok {
		return KindMinThreshold, lowerFirst(rest)
	}
	if rest, ok := camelSuffix(name, "max"); ok {
		return KindMaxThreshold, lowerFirst(rest)
	}
	if base, ok := strings.CutSuffix(name, "Required"); ok && base != "" {
		return KindBooleanRequired, base + "Completed"
	}
	if base, ok := strings.CutSuffix(name, "Check"); ok && base != "" {
		return KindBooleanProhibited, base + "Bypassed"
	}
	return KindNote, ""
}

// camelSuffix reports the remainder of name after prefix when the remainder
// starts a new camel-case word ("minLatency" -> "Latency", "minimal" -> no).
func camelSuffix(name, prefix string) (string, bool) {
	rest, ok := strings.CutPrefix(name, prefix)
	if !ok || rest == "" {
		return "", false
	}
	r, _ := utf8.DecodeRuneInString(rest)
	if !unicode.IsUpper(r) {
		return "", false
	}
	return rest, true
}

func lowerFirst(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	return string(unicode.ToLower(r)) + s[size:]
}

// Criteria returns the parsed criteria ordered by key.
func (s Set) Criteria() []Criterion {
	out := make([]Criterion, len(s.items))
	copy(out, s.items)
	return out
}

// Len returns the number of configured keys, notes included.
func (s Set) Len() int { return len(s.items) }

// Enforced returns the number of criteria that can affect a gate's status.
func (s Set) Enforced() int {
	n := 0
	for _, item := range s.items {
		if item.Kind != KindNote {
			n++
		}
	}
	return n
}

// Raw returns a copy of the mapping the set was parsed from.
func (s Set) Raw() map[string]any {
	return cloneRaw(s.raw)
}

// Clone returns an independent copy of the set.
func (s Set) Clone() Set {
	if len(s.items) == 0 {
		return Set{}
	}
	return Set{raw: cloneRaw(s.raw), items: s.Criteria()}
}

func (s Set) MarshalJSON() ([]byte, error) {
	raw := s.raw
	if raw == nil {
		raw = map[string]any{}
	}
	return json.Marshal(raw)
}

func (s *Set) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode success criteria: %w", err)
	}
	parsed, err := Parse(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

func (s Set) MarshalYAML() (any, error) {
	if s.raw == nil {
		return map[string]any{}, nil
	}
	return s.raw, nil
}

func (s *Set) UnmarshalYAML(node *yaml.Node) error {
	var raw map[string]any
	if err := node.Decode(&raw); err != nil {
		return fmt.Errorf("decode success criteria: %w", err)
	}
	parsed, err := Parse(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

func cloneRaw(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func toFloat64(value any) (float64, bool) {
	var out float64
	switch typed := value.(type) {
	case float64:
		out = typed
	case float32:
		out = float64(typed)
	case int:
		out = float64(typed)
	case int64:
		out = float64(typed)
	case int32:
		out = float64(typed)
	case uint:
		out = float64(typed)
	case uint64:
		out = float64(typed)
	case uint32:
		out = float64(typed)
	case json.Number:
		parsed, err := typed.Float64()
		if err != nil {
			return 0, false
		}
		out = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(typed), 64)
		if err != nil {
			return 0, false
		}
		out = parsed
	default:
		return 0, false
	}
	if math.IsNaN(out) || math.IsInf(out, 0) {
		return 0, false
	}
	return out, true
}

func toBool(value any) (bool, bool) {
	switch typed := value.(type) {
	case bool:
		return typed, true
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(typed))
		if err != nil {
			return false, false
		}
		return parsed, true
	default:
		return false, false
	}
}

// ToFloat64 converts a reported metric value to a number. Numeric strings are
// accepted because CI systems frequently report values as text.
func ToFloat64(value any) (float64, bool) {
	return toFloat64(value)
}
