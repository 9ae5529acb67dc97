// Package agent implements the product manager agent that turns validated
// tasks into product requirement documents or clarification requests.
package agent

// Result is the outcome of one agent invocation. It is a closed set of
// variants; agents report failure as a value, never by panicking into the
// polling loop.
type Result interface {
	isResult()
}

// ClarificationNeeded means the task description is not sufficient to draft
// a document; Questions go back to the requester.
type ClarificationNeeded struct {
	Questions []string
}

func (ClarificationNeeded) isResult() {}

// DocumentReady carries a finished requirement document.
type DocumentReady struct {
	Title   string
	Content string
}

func (DocumentReady) isResult() {}

// Failed means the attempt did not produce a usable outcome; the task is
// left for a later poll.
type Failed struct {
	Reason string
}

func (Failed) isResult() {}
