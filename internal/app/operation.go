package app

import (
	"time"

	"bpa-go/internal/bpa"
)

// Operation tracks one CLI command from start to finish. It is logged when
// the app closes so every invocation leaves a line in bpa.log.
type Operation struct {
	RunID      string
	Command    string
	Parameters string
	Status     string // "success" or "error"
	StartedAt  time.Time
	FinishedAt time.Time
	Err        error
}

// NewOperation creates a new operation that has not failed yet.
func NewOperation(runID, command, parameters string, startedAt time.Time) *Operation {
	return &Operation{
		RunID:      runID,
		Command:    command,
		Parameters: parameters,
		Status:     "success",
		StartedAt:  startedAt,
	}
}

// Fail marks the operation as failed. A nil err is ignored.
func (op *Operation) Fail(err error) {
	if err == nil {
		return
	}
	op.Status = "error"
	op.Err = err
}

// Finish stamps the end time.
func (op *Operation) Finish(at time.Time) {
	op.FinishedAt = at
}

// Duration returns how long the operation ran. Zero until finished.
func (op *Operation) Duration() time.Duration {
	if op.FinishedAt.IsZero() {
		return 0
	}
	return op.FinishedAt.Sub(op.StartedAt)
}

// log writes the operation outcome.
func (op *Operation) log(logger bpa.Logger) {
	args := []any{
		"command", op.Command,
		"parameters", op.Parameters,
		"status", op.Status,
		"duration", op.Duration(),
	}
	if op.Err != nil {
		logger.Error("operation finished", append(args, "error", op.Err)...)
		return
	}
	logger.Info("operation finished", args...)
}
