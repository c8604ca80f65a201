package planning

import (
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
)

const maxDecisionHistory = 100

// Option is one candidate course of action.
type Option struct {
	ID            string         `json:"id"`
	Type          string         `json:"type,omitempty"`
	Complexity    string         `json:"complexity,omitempty"`
	RequiredTools []string       `json:"required_tools,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
	Score         float64        `json:"score"`
}

// Decision is the chosen option and the runners-up.
type Decision struct {
	Choice       string   `json:"choice"`
	Reason       string   `json:"reason"`
	Option       *Option  `json:"option,omitempty"`
	Alternatives []Option `json:"alternatives,omitempty"`
}

// DecisionRecord is one entry of the decision history.
type DecisionRecord struct {
	Timestamp time.Time       `json:"timestamp"`
	Context   DecisionContext `json:"context"`
	Options   []Option        `json:"options"`
	Decision  Decision        `json:"decision"`
}

// ScoreOption rates an option for dc in [0, 1].
func ScoreOption(opt Option, dc DecisionContext) float64 {
	score := 0.5
	if opt.Complexity != "" && opt.Complexity == dc.TaskComplexity {
		score += 0.2
	}
	if len(opt.RequiredTools) > 0 && subset(opt.RequiredTools, dc.AvailableTools) {
		score += 0.2
	}
	if opt.Type != "" && contains(dc.PreferredTypes, opt.Type) {
		score += 0.1
	}
	if score > 1 {
		score = 1
	}
	return score
}

func subset(items, of []string) bool {
	for _, it := range items {
		if !contains(of, it) {
			return false
		}
	}
	return true
}

// MakeDecision scores the options, picks the best one and records the decision.
func (e *Engine) MakeDecision(dc DecisionContext, options []Option) Decision {
	scored := make([]Option, len(options))
	for i, opt := range options {
		opt.Score = ScoreOption(opt, dc)
		scored[i] = opt
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })

	var decision Decision
	if len(scored) == 0 {
		decision = Decision{Choice: "none", Reason: "No hay opciones disponibles"}
	} else {
		best := scored[0]
		choice := best.ID
		if choice == "" {
			choice = "unknown"
		}
		end := len(scored)
		if end > 3 {
			end = 3
		}
		decision = Decision{
			Choice:       choice,
			Reason:       fmt.Sprintf("Mejor puntuación: %.2f", best.Score),
			Option:       &best,
			Alternatives: append([]Option(nil), scored[1:end]...),
		}
	}

	e.mu.Lock()
	e.history = append(e.history, DecisionRecord{
		Timestamp: e.now(),
		Context:   dc,
		Options:   scored,
		Decision:  decision,
	})
	if len(e.history) > maxDecisionHistory {
		e.history = append([]DecisionRecord(nil), e.history[len(e.history)-maxDecisionHistory:]...)
	}
	e.mu.Unlock()

	e.logger.Info("decision made", zap.String("choice", decision.Choice))
	return decision
}

// DecisionHistory returns the recorded decisions, oldest first.
func (e *Engine) DecisionHistory() []DecisionRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]DecisionRecord(nil), e.history...)
}
