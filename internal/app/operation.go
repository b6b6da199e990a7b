package app

import "time"

// Operation tracks one CLI command from start to finish. Its ID tags every
// log line the command writes.
type Operation struct {
	ID         string
	Name       string
	StartedAt  time.Time
	FinishedAt time.Time
	Status     string // "success" or "error"
}

// NewOperation creates an operation that started at now.
func NewOperation(name string, now time.Time) *Operation {
	return &Operation{
		ID:        now.UTC().Format("20060102T150405Z"),
		Name:      name,
		StartedAt: now,
		Status:    "success",
	}
}

// Fail marks the operation as failed. A nil error leaves it unchanged.
func (op *Operation) Fail(err error) {
	if err != nil {
		op.Status = "error"
	}
}

// Finish records the end time. Only the first call has an effect.
func (op *Operation) Finish(now time.Time) {
	if op.FinishedAt.IsZero() {
		op.FinishedAt = now
	}
}

// Duration returns how long the operation ran, or zero if it is unfinished.
func (op *Operation) Duration() time.Duration {
	if op.FinishedAt.IsZero() {
		return 0
	}
	return op.FinishedAt.Sub(op.StartedAt)
}
