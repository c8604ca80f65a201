package models

import "time"

// PlanStatus is the lifecycle state of a plan.
type PlanStatus string

const (
	PlanCreated   PlanStatus = "created"
	PlanExecuting PlanStatus = "executing"
	PlanCompleted PlanStatus = "completed"
	PlanFailed    PlanStatus = "failed"
	PlanCancelled PlanStatus = "cancelled"
)

// StepStatus is the lifecycle state of a plan step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepExecuting StepStatus = "executing"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// PlanStep is a single tool invocation inside a plan.
type PlanStep struct {
	ID                string         `json:"id"`
	Description       string         `json:"description"`
	Tool              string         `json:"tool"`
	Action            string         `json:"action"`
	Parameters        map[string]any `json:"parameters"`
	Dependencies      []string       `json:"dependencies"`
	EstimatedDuration int            `json:"estimated_duration"`
	Priority          int            `json:"priority"`
	Status            StepStatus     `json:"status"`
	Result            any            `json:"result,omitempty"`
	Error             string         `json:"error,omitempty"`
}

// Plan is an ordered list of steps produced for a complex request.
type Plan struct {
	ID                     string        `json:"id"`
	Name                   string        `json:"name"`
	Description            string        `json:"description"`
	Steps                  []*PlanStep   `json:"steps"`
	Status                 PlanStatus    `json:"status"`
	CreatedAt              time.Time     `json:"created_at"`
	CompletedAt            *time.Time    `json:"completed_at,omitempty"`
	TotalEstimatedDuration int           `json:"total_estimated_duration"`
	ActualDuration         time.Duration `json:"actual_duration"`
	SuccessRate            float64       `json:"success_rate"`
}

// Tools returns the distinct tools used by the plan in step order.
func (p *Plan) Tools() []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range p.Steps {
		if !seen[s.Tool] {
			seen[s.Tool] = true
			out = append(out, s.Tool)
		}
	}
	return out
}

// Clone copies the plan and its steps.
func (p *Plan) Clone() *Plan {
	c := *p
	c.Steps = make([]*PlanStep, len(p.Steps))
	for i, s := range p.Steps {
		sc := *s
		sc.Dependencies = append([]string(nil), s.Dependencies...)
		c.Steps[i] = &sc
	}
	return &c
}
