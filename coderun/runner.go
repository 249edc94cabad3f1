package coderun

import (
	"context"
)

// TestCaseInput is one sandbox test fed to the submitted code.
type TestCaseInput struct {
	ID       string `json:"id"`
	Input    string `json:"input"`
	Expected string `json:"expected"`
}

type TestResult struct {
	ID     string `json:"id"`
	Passed bool   `json:"passed"`
	Output string `json:"output"`
}

// ExecResult is the black-box output of the sandboxed execution
// service.
type ExecResult struct {
	Stdout          string       `json:"stdout"`
	Stderr          string       `json:"stderr"`
	ExitCode        int          `json:"exit_code"`
	TestResults     []TestResult `json:"test_results"`
	ExecutionTimeMs int64        `json:"execution_time_ms"`
}

// Runner is the code-execution boundary. The sandbox itself runs
// elsewhere; this service only submits work and reads results.
type Runner interface {
	Execute(ctx context.Context, code string, language string, tests []TestCaseInput) (ExecResult, error)
}
