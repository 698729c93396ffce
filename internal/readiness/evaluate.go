// Package readiness holds the pure parts of release readiness: evaluating a
// gate's success criteria against reported metrics and folding gate results
// into a weighted score and run status recommendation.
package readiness

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/animus-labs/releasegate/internal/criteria"
	"github.com/animus-labs/releasegate/internal/domain"
)

// Evaluation is the outcome of evaluating one gate.
type Evaluation struct {
	Status domain.GateStatus
	Notes  []string
}

// NotesText joins the notes into the single string stored on a gate result.
func (e Evaluation) NotesText() string {
	return strings.Join(e.Notes, "; ")
}

type criterionOutcome int

const (
	outcomePass criterionOutcome = iota
	outcomeFail
	outcomeMissing
	outcomeIgnored
)

// Evaluate checks every criterion of template against metrics.
//
// A failing criterion makes the gate fail even when other metrics are still
// missing; otherwise a missing metric leaves the gate pending. A template with
// no enforceable criteria passes.
func Evaluate(template domain.ChecklistItemTemplate, metrics domain.Metadata) Evaluation {
	items := template.SuccessCriteria.Criteria()
	var (
		notes   []string
		failed  int
		missing int
		checked int
	)
	for _, c := range items {
		outcome, note := evaluateCriterion(c, metrics)
		if note != "" {
			notes = append(notes, note)
		}
		switch outcome {
		case outcomeFail:
			failed++
			checked++
		case outcomeMissing:
			missing++
			checked++
		case outcomePass:
			checked++
		}
	}

	switch {
	case failed > 0:
		return Evaluation{Status: domain.GateStatusFail, Notes: notes}
	case missing > 0:
		return Evaluation{Status: domain.GateStatusPending, Notes: notes}
	case checked == 0:
		notes = append(notes, "no success criteria configured; gate passes vacuously")
		return Evaluation{Status: domain.GateStatusPass, Notes: notes}
	default:
		notes = append(notes, fmt.Sprintf("all %d criteria satisfied", checked))
		return Evaluation{Status: domain.GateStatusPass, Notes: notes}
	}
}

func evaluateCriterion(c criteria.Criterion, metrics domain.Metadata) (criterionOutcome, string) {
	switch c.Kind {
	case criteria.KindMinThreshold, criteria.KindMaxThreshold:
		raw, ok := lookup(metrics, c.MetricKey)
		if !ok {
			return outcomeMissing, fmt.Sprintf("%s: metric %s not reported", c.Key, c.MetricKey)
		}
		value, ok := criteria.ToFloat64(raw)
		if !ok {
			return outcomeFail, fmt.Sprintf("%s: metric %s is not numeric (%v)", c.Key, c.MetricKey, raw)
		}
		if c.Kind == criteria.KindMinThreshold && value < c.Threshold {
			return outcomeFail, fmt.Sprintf("%s: %s=%s below minimum %s", c.Key, c.MetricKey, formatNumber(value), formatNumber(c.Threshold))
		}
		if c.Kind == criteria.KindMaxThreshold && value > c.Threshold {
			return outcomeFail, fmt.Sprintf("%s: %s=%s above maximum %s", c.Key, c.MetricKey, formatNumber(value), formatNumber(c.Threshold))
		}
		return outcomePass, ""
	case criteria.KindBooleanRequired:
		raw, ok := lookup(metrics, c.MetricKey)
		if !ok {
			return outcomeMissing, fmt.Sprintf("%s: metric %s not reported", c.Key, c.MetricKey)
		}
		if !truthy(raw) {
			return outcomeFail, fmt.Sprintf("%s: %s is not set", c.Key, c.MetricKey)
		}
		return outcomePass, ""
	case criteria.KindBooleanProhibited:
		raw, ok := lookup(metrics, c.MetricKey)
		if !ok {
			return outcomeMissing, fmt.Sprintf("%s: metric %s not reported", c.Key, c.MetricKey)
		}
		if truthy(raw) {
			return outcomeFail, fmt.Sprintf("%s: %s is set", c.Key, c.MetricKey)
		}
		return outcomePass, ""
	case criteria.KindNote:
		return outcomeIgnored, c.Message
	default:
		return outcomeIgnored, fmt.Sprintf("%s: unsupported criterion kind %q ignored", criteria.SchemaWarningPrefix, c.Kind)
	}
}

// lookup treats a nil value the same as an absent key.
func lookup(metrics domain.Metadata, key string) (any, bool) {
	if metrics == nil || key == "" {
		return nil, false
	}
	v, ok := metrics[key]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

func truthy(v any) bool {
	switch typed := v.(type) {
	case bool:
		return typed
	case string:
		s := strings.ToLower(strings.TrimSpace(typed))
		if b, err := strconv.ParseBool(s); err == nil {
			return b
		}
		switch s {
		case "", "no", "n", "off", "none":
			return false
		default:
			return true
		}
	default:
		if f, ok := criteria.ToFloat64(v); ok {
			return f != 0
		}
		return true
	}
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
