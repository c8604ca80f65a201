package models

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppendHistoryTruncatesFromFront(t *testing.T) {
	s := &Session{}
	for i := 0; i < 60; i++ {
		s.AppendHistory(ConversationEntry{Request: fmt.Sprintf("q%d", i)}, 50)
	}

	assert.Len(t, s.ConversationHistory, 50)
	assert.Equal(t, "q10", s.ConversationHistory[0].Request)
	assert.Equal(t, "q59", s.ConversationHistory[49].Request)
}

func TestSessionTasks(t *testing.T) {
	s := &Session{}
	s.AddTask("p1")
	s.AddTask("p1")
	s.AddTask("p2")
	assert.Equal(t, []string{"p1", "p2"}, s.ActiveTasks)

	assert.True(t, s.RemoveTask("p1"))
	assert.False(t, s.RemoveTask("p1"))
	assert.False(t, s.HasTask("p1"))
	assert.True(t, s.HasTask("p2"))
}

func TestChunkMetadataRoundTrip(t *testing.T) {
	md := ChunkMetadata{FileName: "reglamento.pdf", DocumentType: DocReglamentoEscolar, Extra: map[string]string{"page": "3"}}
	got := MetadataFromMap(md.AsMap())
	assert.Equal(t, md, got)
}

func TestPlanToolsAndClone(t *testing.T) {
	p := &Plan{Steps: []*PlanStep{{ID: "a", Tool: "query"}, {ID: "b", Tool: "writing"}, {ID: "c", Tool: "query"}}}
	assert.Equal(t, []string{"query", "writing"}, p.Tools())

	c := p.Clone()
	c.Steps[0].Status = StepFailed
	assert.Empty(t, p.Steps[0].Status)
}

func TestMemoryTypeValid(t *testing.T) {
	for _, mt := range AllMemoryTypes {
		assert.True(t, mt.Valid())
	}
	assert.False(t, MemoryType("forever").Valid())
}
