// enrichment_store.go holds per-run context captured by hooks so that a
// fault captured at the runner boundary can say what the run was doing.

package agentssdk

import (
	"encoding/json"
	"sync"
)

// Attribute keys set on captured records.
const (
	AttrRunID            = "agent.run_id"
	AttrAgentName        = "agent.name"
	AttrOperation        = "agent.operation"
	AttrOperationID      = "agent.operation_id"
	AttrToolName         = "agent.tool.name"
	AttrToolCallID       = "agent.tool.call_id"
	AttrModel            = "llm.model"
	AttrOperationHistory = "agent.operation_history"
)

// Enrichment contains per-run context captured from hooks.
type Enrichment struct {
	AgentName string
	Model     string

	ToolName   string
	ToolCallID string

	// Operation is the kind of operation in progress: "llm" or "tool".
	Operation   string
	OperationID string

	history *historyRing
}

// RecordOperation appends rec to the run's operation history.
func (e *Enrichment) RecordOperation(rec OperationRecord) {
	if e.history == nil {
		e.history = newHistoryRing(DefaultHistorySize)
	}
	e.history.add(rec)
}

// OperationHistory returns the recorded operations, oldest first. The
// result is never nil.
func (e *Enrichment) OperationHistory() []OperationRecord {
	if e.history == nil {
		return []OperationRecord{}
	}
	return e.history.all()
}

// Attributes renders the enrichment as record attributes. Empty fields are
// omitted.
func (e *Enrichment) Attributes() map[string]string {
	attrs := make(map[string]string, 8)
	set := func(k, v string) {
		if v != "" {
			attrs[k] = v
		}
	}
	set(AttrAgentName, e.AgentName)
	set(AttrOperation, e.Operation)
	set(AttrOperationID, e.OperationID)
	set(AttrToolName, e.ToolName)
	set(AttrToolCallID, e.ToolCallID)
	set(AttrModel, e.Model)

	if history := e.OperationHistory(); len(history) > 0 {
		if b, err := json.Marshal(history); err == nil {
			attrs[AttrOperationHistory] = string(b)
		}
	}
	return attrs
}

func (e *Enrichment) clone() Enrichment {
	c := *e
	c.history = e.history.clone()
	return c
}

// EnrichmentStore provides storage for per-run enrichment data.
// Implementations must be safe for concurrent use.
type EnrichmentStore interface {
	// Update applies fn to the enrichment for runID, creating it if needed.
	// fn runs under the store's lock and must not call back into the store.
	Update(runID string, fn func(e *Enrichment))

	// Get returns a copy of the enrichment for runID.
	Get(runID string) (Enrichment, bool)

	// Delete removes the enrichment for runID.
	Delete(runID string)
}

type inMemoryEnrichmentStore struct {
	mu   sync.RWMutex
	data map[string]*Enrichment
}

// NewEnrichmentStore creates an in-memory enrichment store.
func NewEnrichmentStore() EnrichmentStore {
	return &inMemoryEnrichmentStore{
		data: make(map[string]*Enrichment),
	}
}

func (s *inMemoryEnrichmentStore) Update(runID string, fn func(e *Enrichment)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.data[runID]
	if !ok {
		e = &Enrichment{}
		s.data[runID] = e
	}
	fn(e)
}

func (s *inMemoryEnrichmentStore) Get(runID string) (Enrichment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.data[runID]
	if !ok {
		return Enrichment{}, false
	}
	return e.clone(), true
}

func (s *inMemoryEnrichmentStore) Delete(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, runID)
}
