package models

import "time"

// ConversationEntry records one request/response exchange.
type ConversationEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Request   string    `json:"request"`
	Response  string    `json:"response"`
	Analysis  *Analysis `json:"analysis,omitempty"`
	PlanID    string    `json:"plan_id,omitempty"`
}

// Session is the per-user bookkeeping kept by the orchestrator.
type Session struct {
	SessionID           string              `json:"session_id"`
	UserID              string              `json:"user_id"`
	UserType            string              `json:"user_type"`
	CreatedAt           time.Time           `json:"created_at"`
	LastActivity        time.Time           `json:"last_activity"`
	Context             map[string]any      `json:"context"`
	ActiveTasks         []string            `json:"active_tasks"`
	ConversationHistory []ConversationEntry `json:"conversation_history"`
}

// AppendHistory adds an entry, dropping the oldest ones beyond max.
func (s *Session) AppendHistory(e ConversationEntry, max int) {
	s.ConversationHistory = append(s.ConversationHistory, e)
	if max > 0 && len(s.ConversationHistory) > max {
		s.ConversationHistory = append([]ConversationEntry(nil), s.ConversationHistory[len(s.ConversationHistory)-max:]...)
	}
}

// AddTask records an active plan ID once.
func (s *Session) AddTask(id string) {
	for _, t := range s.ActiveTasks {
		if t == id {
			return
		}
	}
	s.ActiveTasks = append(s.ActiveTasks, id)
}

// RemoveTask drops a plan ID from the active list.
func (s *Session) RemoveTask(id string) bool {
	for i, t := range s.ActiveTasks {
		if t == id {
			s.ActiveTasks = append(s.ActiveTasks[:i], s.ActiveTasks[i+1:]...)
			return true
		}
	}
	return false
}

// HasTask reports whether id is active on the session.
func (s *Session) HasTask(id string) bool {
	for _, t := range s.ActiveTasks {
		if t == id {
			return true
		}
	}
	return false
}

// Clone copies the session so it can leave a locked store.
func (s *Session) Clone() *Session {
	c := *s
	c.ActiveTasks = append([]string(nil), s.ActiveTasks...)
	c.ConversationHistory = append([]ConversationEntry(nil), s.ConversationHistory...)
	if s.Context != nil {
		c.Context = make(map[string]any, len(s.Context))
		for k, v := range s.Context {
			c.Context[k] = v
		}
	}
	return &c
}
