package readiness

import (
	"math"
	"strings"

	"github.com/animus-labs/releasegate/internal/domain"
)

// Readiness is the folded view of a run's required gates.
type Readiness struct {
	// Score is kept at full precision; use Rounded for display.
	Score   float64
	Status  domain.RunStatus
	Total   int
	Passed  int
	Failed  int
	Pending int
}

// Rounded returns the score rounded to the nearest integer.
func (r Readiness) Rounded() int {
	return int(math.Round(r.Score))
}

// Score computes the weighted share of required gates that pass and the run
// status those gates imply.
//
// Gates outside required never influence the result. A required key with no
// gate result counts as pending. With no required gates the score is 100 and
// the run is ready.
func Score(gates []domain.GateResult, required []string, weights map[string]float64) Readiness {
	statusByKey := make(map[string]domain.GateStatus, len(gates))
	for _, g := range gates {
		statusByKey[g.GateKey] = g.Status
	}

	var (
		out    Readiness
		total  float64
		passed float64
		seen   = make(map[string]struct{}, len(required))
	)
	for _, key := range required {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out.Total++

		weight := sanitizeWeight(weights[key])
		total += weight

		status, ok := statusByKey[key]
		if !ok {
			status = domain.GateStatusPending
		}
		switch domain.NormalizeGateStatus(string(status)) {
		case domain.GateStatusPass:
			out.Passed++
			passed += weight
		case domain.GateStatusFail:
			out.Failed++
		default:
			out.Pending++
		}
	}

	out.Score = 100
	if total > 0 {
		out.Score = clamp(100*passed/total, 0, 100)
	}
	out.Status = deriveStatus(out)
	return out
}

func deriveStatus(r Readiness) domain.RunStatus {
	switch {
	case r.Passed == r.Total:
		return domain.RunStatusReady
	case r.Failed > 0:
		return domain.RunStatusBlocked
	default:
		return domain.RunStatusInProgress
	}
}

func sanitizeWeight(w float64) float64 {
	if math.IsNaN(w) || math.IsInf(w, 0) || w < 0 {
		return 0
	}
	return w
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
