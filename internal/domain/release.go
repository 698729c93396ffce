package domain

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/animus-labs/releasegate/internal/criteria"
)

// Metadata is an unstructured container for raw values such as CI metrics.
type Metadata map[string]any

// Clone copies m, descending into nested maps and slices so the copy shares
// no mutable state with the original.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return Metadata{}
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for k, item := range typed {
			out[k] = cloneValue(item)
		}
		return out
	case Metadata:
		return typed.Clone()
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

// ChecklistItemTemplate is the reusable definition of a release gate.
type ChecklistItemTemplate struct {
	Slug            string       `json:"slug" yaml:"slug"`
	Category        string       `json:"category" yaml:"category"`
	Title           string       `json:"title" yaml:"title"`
	Description     string       `json:"description,omitempty" yaml:"description,omitempty"`
	AutoEvaluated   bool         `json:"auto_evaluated" yaml:"auto_evaluated"`
	Weight          float64      `json:"weight" yaml:"weight"`
	DefaultOwner    string       `json:"default_owner" yaml:"default_owner"`
	SuccessCriteria criteria.Set `json:"success_criteria" yaml:"success_criteria"`
}

func (t ChecklistItemTemplate) Validate() error {
	if strings.TrimSpace(t.Slug) == "" {
		return errors.New("slug is required")
	}
	if math.IsNaN(t.Weight) || math.IsInf(t.Weight, 0) || t.Weight <= 0 {
		return fmt.Errorf("%s: weight must be a positive number", t.Slug)
	}
	return nil
}

func (t ChecklistItemTemplate) Clone() ChecklistItemTemplate {
	out := t
	out.SuccessCriteria = t.SuccessCriteria.Clone()
	return out
}

// CloneTemplates deep-copies a template list.
func CloneTemplates(in []ChecklistItemTemplate) []ChecklistItemTemplate {
	if in == nil {
		return nil
	}
	out := make([]ChecklistItemTemplate, len(in))
	for i, t := range in {
		out[i] = t.Clone()
	}
	return out
}

// RunMetadata is the mutable bookkeeping stored alongside a release run.
type RunMetadata struct {
	RequiredGates  []string `json:"required_gates"`
	ReadinessScore float64  `json:"readiness_score"`
}

func (m RunMetadata) Clone() RunMetadata {
	out := m
	if m.RequiredGates != nil {
		out.RequiredGates = append([]string(nil), m.RequiredGates...)
	}
	return out
}

// ReleaseRun is one attempt to qualify a version for an environment.
type ReleaseRun struct {
	PublicID          string
	VersionTag        string
	Environment       string
	Status            RunStatus
	ChecklistSnapshot []ChecklistItemTemplate
	Metadata          RunMetadata
	InitiatedBy       string
	ChangeTicket      string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (r ReleaseRun) Validate() error {
	if strings.TrimSpace(r.PublicID) == "" {
		return errors.New("public id is required")
	}
	if strings.TrimSpace(r.VersionTag) == "" {
		return errors.New("version tag is required")
	}
	if strings.TrimSpace(r.Environment) == "" {
		return errors.New("environment is required")
	}
	if NormalizeRunStatus(string(r.Status)) == "" {
		return fmt.Errorf("status unsupported: %q", r.Status)
	}
	return nil
}

// Template returns the snapshot entry for slug.
func (r ReleaseRun) Template(slug string) (ChecklistItemTemplate, bool) {
	for _, t := range r.ChecklistSnapshot {
		if t.Slug == slug {
			return t, true
		}
	}
	return ChecklistItemTemplate{}, false
}

// Weights maps each snapshot slug to its weight.
func (r ReleaseRun) Weights() map[string]float64 {
	out := make(map[string]float64, len(r.ChecklistSnapshot))
	for _, t := range r.ChecklistSnapshot {
		out[t.Slug] = t.Weight
	}
	return out
}

func (r ReleaseRun) Clone() ReleaseRun {
	out := r
	out.ChecklistSnapshot = CloneTemplates(r.ChecklistSnapshot)
	out.Metadata = r.Metadata.Clone()
	return out
}

// GateResult is the per-run state of one checklist gate.
type GateResult struct {
	PublicID        string
	RunID           string
	GateKey         string
	Status          GateStatus
	OwnerEmail      string
	Metrics         Metadata
	Notes           string
	LastEvaluatedAt *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (g GateResult) Validate() error {
	if strings.TrimSpace(g.PublicID) == "" {
		return errors.New("gate public id is required")
	}
	if strings.TrimSpace(g.RunID) == "" {
		return errors.New("run id is required")
	}
	if strings.TrimSpace(g.GateKey) == "" {
		return errors.New("gate key is required")
	}
	if NormalizeGateStatus(string(g.Status)) == "" {
		return fmt.Errorf("gate status unsupported: %q", g.Status)
	}
	return nil
}
