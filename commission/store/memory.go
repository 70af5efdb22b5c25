// Package store provides an in-memory implementation of the pipeline's
// persistence interfaces (StagingStore, ResultSink, Checkpointer) plus the
// read surface the API serves. Used for tests and development; the SQLite
// store is the production implementation of the same contracts.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/pipeline"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

type Memory struct {
	mu          sync.RWMutex
	runs        map[string]pipeline.RunRecord
	runOrder    []string
	checkpoints map[string][]pipeline.CheckpointRecord
	staging     map[string]pipeline.Staging
	results     map[string]*commission.CalcOutput
}

func NewMemory() *Memory {
	return &Memory{
		runs:        make(map[string]pipeline.RunRecord),
		checkpoints: make(map[string][]pipeline.CheckpointRecord),
		staging:     make(map[string]pipeline.Staging),
		results:     make(map[string]*commission.CalcOutput),
	}
}

// -----------------------------------------------------------------------------
// Checkpointer
// -----------------------------------------------------------------------------

func (m *Memory) RunStarted(_ context.Context, run pipeline.RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; !ok {
		m.runOrder = append(m.runOrder, run.ID)
	}
	m.runs[run.ID] = run
	return nil
}

func (m *Memory) StageCompleted(_ context.Context, cp pipeline.CheckpointRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints[cp.RunID] = append(m.checkpoints[cp.RunID], cp)
	return nil
}

func (m *Memory) RunFinished(_ context.Context, run pipeline.RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.runs[run.ID]; ok {
		run.StartedAt = existing.StartedAt
	}
	m.runs[run.ID] = run
	return nil
}

// -----------------------------------------------------------------------------
// StagingStore / ResultSink
// -----------------------------------------------------------------------------

func (m *Memory) ReplaceStaging(_ context.Context, runID string, s pipeline.Staging) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.staging[runID] = s
	return nil
}

func (m *Memory) AppendResults(_ context.Context, runID string, out *commission.CalcOutput) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[runID] = out
	return nil
}

// -----------------------------------------------------------------------------
// Read surface
// -----------------------------------------------------------------------------

func (m *Memory) ListRuns(_ context.Context) ([]pipeline.RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]pipeline.RunRecord, 0, len(m.runOrder))
	for _, id := range m.runOrder {
		out = append(out, m.runs[id])
	}
	return out, nil
}

func (m *Memory) GetRun(_ context.Context, runID string) (pipeline.RunRecord, []pipeline.CheckpointRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[runID]
	if !ok {
		return pipeline.RunRecord{}, nil, false, nil
	}
	cps := append([]pipeline.CheckpointRecord(nil), m.checkpoints[runID]...)
	return run, cps, true, nil
}

// PublishedProposals returns proposals belonging to exportable groups only.
// Withheld groups stay in staging, invisible here.
func (m *Memory) PublishedProposals(_ context.Context, runID string) ([]commission.Proposal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.staging[runID]
	var out []commission.Proposal
	for _, p := range s.Proposals {
		if s.Published[p.GroupID] {
			out = append(out, p)
		}
	}
	return out, nil
}

// PublishedHierarchies returns hierarchies belonging to exportable groups.
func (m *Memory) PublishedHierarchies(_ context.Context, runID string) ([]commission.Hierarchy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.staging[runID]
	var out []commission.Hierarchy
	for _, h := range s.Hierarchies {
		if s.Published[h.GroupID] {
			out = append(out, h)
		}
	}
	return out, nil
}

func (m *Memory) Exceptions(_ context.Context, runID string) ([]commission.PolicyHierarchyAssignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]commission.PolicyHierarchyAssignment(nil), m.staging[runID].Exceptions...), nil
}

func (m *Memory) Conformance(_ context.Context, runID string) ([]commission.GroupConformanceStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]commission.GroupConformanceStats(nil), m.staging[runID].Conformance...), nil
}

// Journal returns GL entries for a run, optionally filtered by broker.
func (m *Memory) Journal(_ context.Context, runID string, broker commission.BrokerID) ([]commission.GLJournalEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := m.results[runID]
	if out == nil {
		return nil, nil
	}
	var entries []commission.GLJournalEntry
	for _, e := range out.Journal {
		if broker == "" || e.BrokerID == broker {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

func (m *Memory) Traceability(_ context.Context, runID string) ([]commission.TraceabilityReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := m.results[runID]
	if out == nil {
		return nil, nil
	}
	reports := append([]commission.TraceabilityReport(nil), out.Reports...)
	sort.Slice(reports, func(i, j int) bool {
		return reports[i].PremiumTransactionID < reports[j].PremiumTransactionID
	})
	return reports, nil
}

func (m *Memory) TraceabilityFor(_ context.Context, runID string, premium commission.PremiumID) (commission.TraceabilityReport, []commission.BrokerTraceability, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := m.results[runID]
	if out == nil {
		return commission.TraceabilityReport{}, nil, false, nil
	}
	for _, r := range out.Reports {
		if r.PremiumTransactionID != premium {
			continue
		}
		var brokers []commission.BrokerTraceability
		for _, b := range out.BrokerRows {
			if b.PremiumTransactionID == premium {
				brokers = append(brokers, b)
			}
		}
		return r, brokers, true, nil
	}
	return commission.TraceabilityReport{}, nil, false, nil
}
