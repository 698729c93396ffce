// Package checklist provides the checklist template sources release runs are
// scheduled from.
package checklist

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/animus-labs/releasegate/internal/criteria"
	"github.com/animus-labs/releasegate/internal/domain"
)

const DocumentSchemaV1 = "releasegate.checklist.v1"

// Source yields the current checklist item templates.
type Source interface {
	List(ctx context.Context) ([]domain.ChecklistItemTemplate, error)
}

// StaticSource serves a fixed template list.
type StaticSource struct {
	templates []domain.ChecklistItemTemplate
}

func NewStaticSource(templates []domain.ChecklistItemTemplate) *StaticSource {
	return &StaticSource{templates: domain.CloneTemplates(templates)}
}

func (s *StaticSource) List(ctx context.Context) ([]domain.ChecklistItemTemplate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return domain.CloneTemplates(s.templates), nil
}

// Document is the on-disk checklist format.
type Document struct {
	Schema string                         `json:"schema" yaml:"schema"`
	Items  []domain.ChecklistItemTemplate `json:"items" yaml:"items"`
}

// ParseDocument decodes and validates a checklist document.
func ParseDocument(input []byte) (Document, error) {
	var doc Document
	if err := yaml.Unmarshal(input, &doc); err != nil {
		return Document{}, fmt.Errorf("decode checklist: %w", err)
	}
	if strings.TrimSpace(doc.Schema) != DocumentSchemaV1 {
		return Document{}, fmt.Errorf("checklist.schema must be %q", DocumentSchemaV1)
	}
	if len(doc.Items) == 0 {
		return Document{}, errors.New("checklist.items must be non-empty")
	}
	if _, err := Validate(doc.Items); err != nil {
		return Document{}, err
	}
	return doc, nil
}

// FileSource reads templates from a YAML document on every List call.
type FileSource struct {
	path string
}

func NewFileSource(path string) *FileSource {
	return &FileSource{path: strings.TrimSpace(path)}
}

func (s *FileSource) Path() string {
	return s.path
}

func (s *FileSource) List(ctx context.Context) ([]domain.ChecklistItemTemplate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.path == "" {
		return nil, errors.New("checklist path is required")
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read checklist: %w", err)
	}
	doc, err := ParseDocument(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.path, err)
	}
	return doc.Items, nil
}

// Validate checks template list integrity. Hard errors (missing or duplicate
// slugs, non-positive weights) are returned as err; conditions that are legal
// but probably unintended are returned as warnings.
func Validate(templates []domain.ChecklistItemTemplate) ([]string, error) {
	var warnings []string
	seen := make(map[string]struct{}, len(templates))
	for i, t := range templates {
		if err := t.Validate(); err != nil {
			return nil, fmt.Errorf("checklist.items[%d]: %w", i, err)
		}
		if _, ok := seen[t.Slug]; ok {
			return nil, fmt.Errorf("checklist.items[%d].slug must be unique (duplicate %q)", i, t.Slug)
		}
		seen[t.Slug] = struct{}{}

		if t.AutoEvaluated && t.SuccessCriteria.Enforced() == 0 {
			warnings = append(warnings, fmt.Sprintf("%s: auto-evaluated gate has no enforceable criteria and always passes", t.Slug))
		}
		if !t.AutoEvaluated && t.SuccessCriteria.Len() > 0 {
			warnings = append(warnings, fmt.Sprintf("%s: success criteria on a manual gate are never evaluated", t.Slug))
		}
		if strings.TrimSpace(t.DefaultOwner) == "" {
			warnings = append(warnings, fmt.Sprintf("%s: no default owner", t.Slug))
		}
		for _, c := range t.SuccessCriteria.Criteria() {
			if c.Kind == criteria.KindNote && strings.HasPrefix(c.Message, criteria.SchemaWarningPrefix) {
				warnings = append(warnings, fmt.Sprintf("%s: %s", t.Slug, c.Message))
			}
		}
	}
	return warnings, nil
}
