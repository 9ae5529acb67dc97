package agent

import (
	"context"
	"fmt"
	"strings"

	"aihive/pkg/task"
)

// Agent analyzes one task and produces a Result. Implementations must honor
// ctx cancellation; the poller invokes them under a deadline.
type Agent interface {
	Process(ctx context.Context, t *task.Task) Result
}

// minDescriptionLength is the threshold below which a task description is
// considered too thin to draft a requirement from.
const minDescriptionLength = 80

// RuleAgent is a deterministic agent used when no LLM provider is
// configured, and in tests. Thin or questioning descriptions yield
// clarification requests; everything else gets a templated document.
type RuleAgent struct{}

func NewRuleAgent() *RuleAgent {
	return &RuleAgent{}
}

func (a *RuleAgent) Process(ctx context.Context, t *task.Task) Result {
	if err := ctx.Err(); err != nil {
		return Failed{Reason: err.Error()}
	}

	description := strings.TrimSpace(t.Description)
	answered := hasClarificationAnswers(t)

	if !answered && (len(description) < minDescriptionLength || strings.Contains(description, "?")) {
		return ClarificationNeeded{Questions: []string{
			"Who are the primary users of this feature and what problem does it solve for them?",
			"What does a successful outcome look like, and how should it be measured?",
			"Are there constraints (platforms, integrations, deadlines) this must respect?",
		}}
	}

	return DocumentReady{
		Title:   fmt.Sprintf("PRD: %s", t.Title),
		Content: renderTemplate(t),
	}
}

// hasClarificationAnswers reports whether the requester has replied since
// the agent asked for clarification.
func hasClarificationAnswers(t *task.Task) bool {
	sawAgent := false
	for _, c := range t.Comments {
		if c.Author == "pm_agent" {
			sawAgent = true
		} else if sawAgent {
			return true
		}
	}
	return false
}

func renderTemplate(t *task.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# PRD: %s\n\n", t.Title)
	fmt.Fprintf(&b, "## Overview\n\n%s\n\n", strings.TrimSpace(t.Description))
	b.WriteString("## Goals\n\n- Deliver the capability described above.\n- Keep the change observable and reversible.\n\n")
	b.WriteString("## Requirements\n\n- The implementation must satisfy the overview.\n- Behavior changes must be covered by acceptance checks.\n\n")
	if len(t.Comments) > 0 {
		b.WriteString("## Discussion\n\n")
		for _, c := range t.Comments {
			fmt.Fprintf(&b, "- %s: %s\n", c.Author, c.Body)
		}
		b.WriteString("\n")
	}
	b.WriteString("## Open Questions\n\nNone.\n")
	return b.String()
}
