package agent

import (
	"context"
	"fmt"
	"strings"

	"aihive/pkg/agent/llm"
	"aihive/pkg/logx"
	"aihive/pkg/task"
)

const systemPrompt = `You are a product manager. You receive a task describing a feature request
and must either draft a product requirement document or ask for clarification.

If the request is clear enough, respond with a complete markdown document
starting with a "# " title line, with Overview, Goals, Requirements and Open
Questions sections.

If essential information is missing, respond with exactly the line
CLARIFICATION:
followed by one question per line, each starting with "- ".`

// maxPromptTokens bounds the task context sent to a provider.
const maxPromptTokens = 8000

// LLMAgent drafts requirement documents with a language model.
type LLMAgent struct {
	client  llm.Client
	counter *llm.TokenCounter
	logger  *logx.Logger
}

// NewLLMAgent creates a product manager agent on the given client. The
// token counter is optional; without it prompts go out unbounded.
func NewLLMAgent(client llm.Client) *LLMAgent {
	counter, err := llm.NewTokenCounter()
	if err != nil {
		logx.Warnf("token counter unavailable, prompts will use size estimates: %v", err)
	}
	return &LLMAgent{
		client:  client,
		counter: counter,
		logger:  logx.NewLogger("pm"),
	}
}

func (a *LLMAgent) Process(ctx context.Context, t *task.Task) Result {
	prompt := a.buildPrompt(t)

	req := llm.NewCompletionRequest([]llm.CompletionMessage{
		llm.NewSystemMessage(systemPrompt),
		llm.NewUserMessage(prompt),
	})

	resp, err := a.client.Complete(ctx, req)
	if err != nil {
		a.logger.Warn("completion for task %s failed: %v", t.ID, err)
		return Failed{Reason: fmt.Sprintf("completion failed: %v", err)}
	}

	return parseCompletion(t, resp.Content)
}

func (a *LLMAgent) buildPrompt(t *task.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n\n", t.Title)
	fmt.Fprintf(&b, "Priority: %s\n\n", t.Priority)
	fmt.Fprintf(&b, "Description:\n%s\n", t.Description)
	if len(t.Comments) > 0 {
		b.WriteString("\nDiscussion so far:\n")
		for _, c := range t.Comments {
			fmt.Fprintf(&b, "%s: %s\n", c.Author, c.Body)
		}
	}

	prompt := b.String()
	if a.counter != nil {
		prompt = a.counter.Truncate(prompt, maxPromptTokens)
	}
	return prompt
}

// parseCompletion maps the model's reply onto the result variants.
func parseCompletion(t *task.Task, content string) Result {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return Failed{Reason: "empty completion"}
	}

	if rest, ok := strings.CutPrefix(trimmed, "CLARIFICATION:"); ok {
		var questions []string
		for _, line := range strings.Split(rest, "\n") {
			line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "-"))
			if line != "" {
				questions = append(questions, line)
			}
		}
		if len(questions) == 0 {
			return Failed{Reason: "clarification response without questions"}
		}
		return ClarificationNeeded{Questions: questions}
	}

	title := fmt.Sprintf("PRD: %s", t.Title)
	for _, line := range strings.Split(trimmed, "\n") {
		if heading, ok := strings.CutPrefix(line, "# "); ok {
			title = strings.TrimSpace(heading)
			break
		}
	}
	return DocumentReady{Title: title, Content: trimmed}
}
