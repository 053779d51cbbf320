package execution

import "time"

// Step statuses recorded in an execution trace.
const (
	StepOK      = "ok"
	StepFailed  = "failed"
	StepSkipped = "skipped"
)

// TraceStep is one recorded step of an execution attempt.
type TraceStep struct {
	Name   string    `json:"name"`
	Status string    `json:"status"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// Trace records the steps of one signal execution for post-hoc review. A
// trace belongs to a single execution goroutine and is not synchronized.
type Trace struct {
	SignalKey string      `json:"signal_key"`
	Symbol    string      `json:"symbol"`
	StartedAt time.Time   `json:"started_at"`
	Steps     []TraceStep `json:"steps"`
}

func newTrace(signalKey, symbol string) *Trace {
	return &Trace{
		SignalKey: signalKey,
		Symbol:    symbol,
		StartedAt: time.Now().UTC(),
	}
}

func (t *Trace) add(name, status, detail string) {
	t.Steps = append(t.Steps, TraceStep{
		Name:   name,
		Status: status,
		Detail: detail,
		At:     time.Now().UTC(),
	})
}

// Has reports whether a step with the given name and status was recorded.
func (t *Trace) Has(name, status string) bool {
	for _, s := range t.Steps {
		if s.Name == name && s.Status == status {
			return true
		}
	}
	return false
}
