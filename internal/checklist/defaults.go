package checklist

import (
	"github.com/animus-labs/releasegate/internal/criteria"
	"github.com/animus-labs/releasegate/internal/domain"
)

// DefaultTemplates is the built-in checklist used when no checklist file is
// configured.
func DefaultTemplates() []domain.ChecklistItemTemplate {
	return []domain.ChecklistItemTemplate{
		{
			Slug:          "quality-verification",
			Category:      "quality",
			Title:         "Quality verification",
			Description:   "Automated test coverage and failure rate are within bounds.",
			AutoEvaluated: true,
			Weight:        2,
			DefaultOwner:  "qa-lead@example.com",
			SuccessCriteria: criteria.MustParse(map[string]any{
				"minCoverage":    0.85,
				"maxFailureRate": 0.02,
			}),
		},
		{
			Slug:          "change-management",
			Category:      "process",
			Title:         "Change management",
			Description:   "The change was reviewed and no freeze window was bypassed.",
			AutoEvaluated: true,
			Weight:        1,
			DefaultOwner:  "change-manager@example.com",
			SuccessCriteria: criteria.MustParse(map[string]any{
				"changeReviewRequired": true,
				"freezeWindowCheck":    true,
			}),
		},
		{
			Slug:          "security-review",
			Category:      "security",
			Title:         "Security review",
			Description:   "Security sign-off recorded by the owning team.",
			AutoEvaluated: false,
			Weight:        1,
			DefaultOwner:  "security@example.com",
		},
	}
}
