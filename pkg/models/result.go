package models

import (
	"strings"
	"time"
)

// ResultStatus is the closed set of dispatch outcomes
type ResultStatus string

const (
	ResultSuccess ResultStatus = "success"
	ResultFailure ResultStatus = "failure"
)

// TargetResult is the outcome of one target inside a dispatch.
type TargetResult struct {
	AgentID  string        `json:"agent_id"`
	Status   ResultStatus  `json:"status"`
	Output   string        `json:"output,omitempty"`
	Kind     FailureKind   `json:"kind,omitempty"`
	Error    string        `json:"error,omitempty"`
	Attempts int           `json:"attempts"`
	Duration time.Duration `json:"duration"`
}

// Succeeded reports whether the target produced output
func (t TargetResult) Succeeded() bool {
	return t.Status == ResultSuccess
}

// Result is what a dispatch resolves to. On success Body holds the combined
// output; on failure Kind and Message describe why and FailedTargets names who.
type Result struct {
	Status         ResultStatus            `json:"status"`
	Body           string                  `json:"body,omitempty"`
	Kind           FailureKind             `json:"kind,omitempty"`
	Message        string                  `json:"message,omitempty"`
	Priority       Priority                `json:"priority"`
	Targets        []string                `json:"targets"`
	FailedTargets  []string                `json:"failed_targets,omitempty"`
	AgentResponses map[string]TargetResult `json:"agent_responses,omitempty"`
	Duration       time.Duration           `json:"duration"`
}

// Success builds a successful result
func Success(body string, priority Priority, targets []string) Result {
	return Result{
		Status:   ResultSuccess,
		Body:     body,
		Priority: priority,
		Targets:  targets,
	}
}

// Failure builds a failed result
func Failure(kind FailureKind, message string, priority Priority, targets, failed []string) Result {
	return Result{
		Status:        ResultFailure,
		Kind:          kind,
		Message:       message,
		Priority:      priority,
		Targets:       targets,
		FailedTargets: failed,
	}
}

// OK reports whether the result is a success
func (r Result) OK() bool {
	return r.Status == ResultSuccess
}

// Err converts a failed result into an error, nil on success
func (r Result) Err() error {
	if r.OK() {
		return nil
	}
	return &CallError{Kind: r.Kind, AgentID: strings.Join(r.FailedTargets, ","), Err: errorString(r.Message)}
}

type errorString string

func (e errorString) Error() string { return string(e) }
