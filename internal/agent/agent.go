// Package agent defines the contract the run engine uses to invoke the
// external AI agent SDK (out of scope here: §6 of the design covers only
// its interface). It mirrors the teacher's connectors.Connector shape,
// generalized from "shell command" to "agent session".
package agent

import "context"

// ReportType classifies an on_report tool call from a running agent.
type ReportType string

const (
	ReportRunComplete ReportType = "run_complete"
	ReportRunSkipped  ReportType = "run_skipped"
	ReportMilestone   ReportType = "milestone"
	ReportEscalation  ReportType = "escalation"
	ReportOutput      ReportType = "output"
)

// Report is the payload an agent passes to on_report. Question and Choices
// are meaningful only when Type is ReportEscalation.
type Report struct {
	Type     ReportType             `json:"type"`
	Summary  string                 `json:"summary,omitempty"`
	Data     map[string]interface{} `json:"data,omitempty"`
	Question string                 `json:"question,omitempty"`
	Choices  []string               `json:"choices,omitempty"`
}

// ReportAck is returned to the agent from on_report. MustEnd is set when
// the report (an escalation) requires the agent to stop immediately.
type ReportAck struct {
	EntryID string `json:"entry_id"`
	MustEnd bool   `json:"must_end"`
}

// ReportFunc is the callback surface an agent invokes (via its own tool
// mechanism) to append an activity entry mid-run.
type ReportFunc func(ctx context.Context, report Report) (ReportAck, error)

// Invocation is everything the run engine assembles before handing control
// to the external agent.
type Invocation struct {
	SystemPrompt string
	InitialMsg   string
	WorkDir      string
	Env          map[string]string
	OnReport     ReportFunc
}

// Result is what an agent invocation resolves to once the agent session
// ends, whether by completing normally, erroring, or being cancelled.
type Result struct {
	Outcome string
	Error   string
}

// Invoker runs one agent session to completion (or cancellation). A real
// implementation wraps the AI agent SDK and the hidden browser window it
// drives; Invoker's job here is only to define the seam the run engine
// depends on, so it can be faked in tests.
type Invoker interface {
	// Name identifies the invoker implementation, mirrored in logs.
	Name() string

	// Invoke runs inv to completion. ctx cancellation must produce a
	// Result with Outcome "error" and Error "cancelled".
	Invoke(ctx context.Context, inv Invocation) (Result, error)
}
