/*
Package pipeline orchestrates one full recompute run.

PURPOSE:
  A run is a batch recompute over the complete certificate and premium
  population: normalize -> batched discovery (hash registry warm-up) ->
  hierarchy discovery -> proposal resolution (optionally entropy-routed) ->
  conformance classification -> export gate -> staging commit ->
  8-stage calculation -> sink commit. Stage N+1 always observes the
  COMPLETE output of stage N; nothing streams a row end-to-end in
  isolation, because split explosion and participant expansion need the
  full, already-deduplicated proposal/hierarchy sets.

VISIBILITY DISCIPLINE:
  No partial output is ever made visible. Staging is committed only after
  every discovery stage has succeeded; the GL sink is committed only after
  the full cascade has run. A hash collision aborts the run with zero rows
  committed and a non-resumable terminal status.

CHECKPOINT CONTRACT:
  The Checkpointer is an external state manager. The run reports: start,
  per-stage completion with row counts, and terminal status with an
  explicit Resumable flag (false for fatal invariant violations).

SEE ALSO:
  - commission: the engine stages this package sequences
  - store/sqlite, commission/store: StagingStore/ResultSink/RunLog impls
  - config: run configuration
*/
package pipeline

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/config"
)

// =============================================================================
// RUN STATUS & CHECKPOINTS
// =============================================================================

type RunStatus string

const (
	StatusRunning   RunStatus = "Running"
	StatusCompleted RunStatus = "Completed"
	StatusFailed    RunStatus = "Failed"
	StatusPaused    RunStatus = "Paused"
)

// RunRecord is the externally persisted state of one run.
type RunRecord struct {
	ID         string
	Status     RunStatus
	StartedAt  time.Time
	FinishedAt *time.Time
	Reason     string // failure reason, empty on success
	Resumable  bool   // false when a fatal invariant violation aborted the run
}

// CheckpointRecord reports one completed stage.
type CheckpointRecord struct {
	RunID       string
	Stage       string
	Rows        int
	CompletedAt time.Time
}

// Checkpointer is the external run/step state manager.
type Checkpointer interface {
	RunStarted(ctx context.Context, run RunRecord) error
	StageCompleted(ctx context.Context, cp CheckpointRecord) error
	RunFinished(ctx context.Context, run RunRecord) error
}

// =============================================================================
// SOURCES & SINKS
// =============================================================================

// Source supplies the normalized certificate and premium population.
// CSV ingestion and column mapping live behind this interface.
type Source interface {
	SplitRows(ctx context.Context) ([]commission.CertificateSplitRow, error)
	Premiums(ctx context.Context) ([]commission.PremiumTransaction, error)
}

// Staging is the complete discovery output of one run. Committed
// atomically; a rerun replaces the namespace's staging wholesale.
type Staging struct {
	Hierarchies     []commission.Hierarchy
	Proposals       []commission.Proposal
	KeyMapping      commission.KeyMapping
	Exceptions      []commission.PolicyHierarchyAssignment
	Classifications []commission.CertificateClassification
	Conformance     []commission.GroupConformanceStats
	EntropyStats    []commission.GroupEntropyStats

	// Published marks the groups whose proposals/hierarchies may cross the
	// export boundary. Non-conformant groups stay in staging, unpublished.
	Published map[commission.GroupID]bool
}

// StagingStore persists discovery output, truncate-and-rebuild per run.
type StagingStore interface {
	ReplaceStaging(ctx context.Context, runID string, s Staging) error
}

// ResultSink accepts the append-only calculation output.
type ResultSink interface {
	AppendResults(ctx context.Context, runID string, out *commission.CalcOutput) error
}

// =============================================================================
// RUNNER
// =============================================================================

// Runner wires one run's collaborators together.
type Runner struct {
	Config config.Config

	Source      Source
	Policies    commission.PolicyDirectory
	Schedules   commission.ScheduleDirectory
	Assignments commission.AssignmentDirectory

	Staging     StagingStore
	Sink        ResultSink
	Checkpoints Checkpointer
}

// RunResult summarizes a completed run.
type RunResult struct {
	RunID   string
	Status  RunStatus
	Staging Staging
	Output  *commission.CalcOutput
}

// Execute performs one full recompute run.
func (r *Runner) Execute(ctx context.Context) (*RunResult, error) {
	runID := uuid.NewString()
	backoff := BackoffFromConfig(r.Config.Retry)
	started := time.Now().UTC()

	if err := backoff.Do(ctx, "checkpoint run start", func() error {
		return r.Checkpoints.RunStarted(ctx, RunRecord{ID: runID, Status: StatusRunning, StartedAt: started})
	}); err != nil {
		return nil, err
	}

	result, err := r.execute(ctx, runID, backoff)
	finished := time.Now().UTC()

	terminal := RunRecord{ID: runID, StartedAt: started, FinishedAt: &finished}
	if err != nil {
		terminal.Status = StatusFailed
		terminal.Reason = err.Error()
		terminal.Resumable = !commission.IsFatal(err)
	} else {
		terminal.Status = StatusCompleted
		terminal.Resumable = false
	}
	if cpErr := backoff.Do(ctx, "checkpoint run finish", func() error {
		return r.Checkpoints.RunFinished(ctx, terminal)
	}); cpErr != nil && err == nil {
		return nil, cpErr
	}
	if err != nil {
		return nil, err
	}
	result.Status = StatusCompleted
	return result, nil
}

func (r *Runner) execute(ctx context.Context, runID string, backoff Backoff) (*RunResult, error) {
	// Load the population, retrying transient source failures.
	var rows []commission.CertificateSplitRow
	if err := backoff.Do(ctx, "load split rows", func() error {
		var err error
		rows, err = r.Source.SplitRows(ctx)
		return err
	}); err != nil {
		return nil, err
	}
	var premiums []commission.PremiumTransaction
	if err := backoff.Do(ctx, "load premiums", func() error {
		var err error
		premiums, err = r.Source.Premiums(ctx)
		return err
	}); err != nil {
		return nil, err
	}

	rows, premiums = applyDebugLimits(rows, premiums, r.Config.DebugLimits)
	if err := r.checkpoint(ctx, backoff, runID, "normalize", len(rows)); err != nil {
		return nil, err
	}

	// Batched discovery warm-up: canonicalize certificates in bounded
	// batches, merging partial hash registries in canonical order. The
	// merged registry is the run's collision detector; ResolveProposals
	// re-registers against it idempotently.
	registry := commission.NewRegistry()
	if err := warmRegistry(rows, registry, r.Config.BatchSize, r.Config.Parallelism); err != nil {
		return nil, err
	}
	if err := r.checkpoint(ctx, backoff, runID, "discovery", registry.Len()); err != nil {
		return nil, err
	}

	hierarchies, err := commission.BuildHierarchies(commission.BuildInput{Rows: rows})
	if err != nil {
		return nil, err
	}
	if err := r.checkpoint(ctx, backoff, runID, "hierarchies", hierarchies.Len()); err != nil {
		return nil, err
	}

	resolveInput := commission.ResolveInput{
		Rows:        rows,
		Hierarchies: hierarchies,
		Registry:    registry,
		Parallelism: r.Config.Parallelism,
	}
	if r.Config.Entropy.Enabled {
		resolveInput.Entropy = &commission.EntropyThresholds{
			UniqueRatio:      r.Config.Entropy.UniqueRatio,
			Shannon:          r.Config.Entropy.Shannon,
			DominantCoverage: r.Config.Entropy.DominantCoverage,
			MinClusterSize:   r.Config.Entropy.MinClusterSize,
		}
	}
	resolution, err := commission.ResolveProposals(resolveInput)
	if err != nil {
		return nil, err
	}
	if err := r.checkpoint(ctx, backoff, runID, "proposals", len(resolution.Proposals)); err != nil {
		return nil, err
	}

	refs := commission.CertificateRefs(rows)
	threshold := decimal.NewFromFloat(r.Config.NearlyConformantThreshold)
	classifications, conformance := commission.Classify(refs, resolution.KeyMapping, threshold)
	if err := r.checkpoint(ctx, backoff, runID, "conformance", len(conformance)); err != nil {
		return nil, err
	}

	// Export preconditions: halt before the destructive publish step,
	// leaving staging inputs intact for diagnosis.
	if len(rows) > 0 && hierarchies.Len() == 0 {
		return nil, &commission.ExportPreconditionError{Check: "hierarchies", Detail: "zero hierarchies discovered from a non-empty certificate population"}
	}
	if counter, ok := r.Schedules.(interface{ Len() int }); ok && len(rows) > 0 && counter.Len() == 0 {
		return nil, &commission.ExportPreconditionError{Check: "schedules", Detail: "schedule directory is empty"}
	}

	published := make(map[commission.GroupID]bool, len(conformance))
	for _, s := range conformance {
		if s.Exportable() {
			published[s.GroupID] = true
		}
	}

	staging := capStagedOutputs(Staging{
		Hierarchies:     hierarchies.Hierarchies,
		Proposals:       resolution.Proposals,
		KeyMapping:      resolution.KeyMapping,
		Exceptions:      resolution.Exceptions,
		Classifications: classifications,
		Conformance:     conformance,
		EntropyStats:    resolution.EntropyStats,
		Published:       published,
	}, r.Config.DebugLimits)
	if err := backoff.Do(ctx, "commit staging", func() error {
		return r.Staging.ReplaceStaging(ctx, runID, staging)
	}); err != nil {
		return nil, err
	}
	if err := r.checkpoint(ctx, backoff, runID, "staging_commit", len(staging.Proposals)+len(staging.Hierarchies)); err != nil {
		return nil, err
	}

	out, err := commission.Calculate(ctx, commission.CalcInput{
		Premiums:         premiums,
		Resolution:       resolution,
		Hierarchies:      hierarchies,
		Policies:         r.Policies,
		Schedules:        r.Schedules,
		Assignments:      r.Assignments,
		CertificateRates: commission.BuildCertificateRates(rows),
	})
	if err != nil {
		return nil, err
	}
	for _, sc := range out.StageCounts {
		if err := r.checkpoint(ctx, backoff, runID, "calc_"+sc.Stage, sc.Rows); err != nil {
			return nil, err
		}
	}

	if err := backoff.Do(ctx, "commit results", func() error {
		return r.Sink.AppendResults(ctx, runID, out)
	}); err != nil {
		return nil, err
	}
	if err := r.checkpoint(ctx, backoff, runID, "sink_commit", len(out.Journal)); err != nil {
		return nil, err
	}

	log.Printf("run %s: %d hierarchies, %d proposals, %d exceptions, %d GL entries",
		runID, hierarchies.Len(), len(resolution.Proposals), len(resolution.Exceptions), len(out.Journal))

	return &RunResult{RunID: runID, Staging: staging, Output: out}, nil
}

func (r *Runner) checkpoint(ctx context.Context, backoff Backoff, runID, stage string, rowCount int) error {
	return backoff.Do(ctx, fmt.Sprintf("checkpoint %s", stage), func() error {
		return r.Checkpoints.StageCompleted(ctx, CheckpointRecord{
			RunID:       runID,
			Stage:       stage,
			Rows:        rowCount,
			CompletedAt: time.Now().UTC(),
		})
	})
}

// =============================================================================
// BATCHED DISCOVERY
// =============================================================================

// warmRegistry canonicalizes the population in bounded batches of
// certificates and merges each batch's partial registry into the run
// registry in canonical hash order. Collisions surface here, before any
// stage commits output.
func warmRegistry(rows []commission.CertificateSplitRow, registry *commission.Registry, batchSize, parallelism int) error {
	byCert := make(map[commission.CertificateID][]commission.CertificateSplitRow)
	var ids []commission.CertificateID
	for _, row := range rows {
		if _, ok := byCert[row.CertificateID]; !ok {
			ids = append(ids, row.CertificateID)
		}
		byCert[row.CertificateID] = append(byCert[row.CertificateID], row)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	if batchSize <= 0 {
		batchSize = len(ids)
	}
	for start := 0; start < len(ids); start += batchSize {
		end := start + batchSize
		if end > len(ids) {
			end = len(ids)
		}
		partial := commission.NewRegistry()
		for _, id := range ids[start:end] {
			if _, err := partial.Register(commission.BuildSplitConfig(byCert[id])); err != nil {
				return err
			}
		}
		if err := registry.Merge(partial); err != nil {
			return err
		}
	}
	return nil
}

// applyDebugLimits caps the input book for diagnostic runs. Zero caps mean
// unlimited. Caps select the first N entities in sorted order so a capped
// run is still deterministic.
func applyDebugLimits(rows []commission.CertificateSplitRow, premiums []commission.PremiumTransaction, limits config.DebugLimits) ([]commission.CertificateSplitRow, []commission.PremiumTransaction) {
	if limits.Groups > 0 {
		rows = capRows(rows, limits.Groups, func(r commission.CertificateSplitRow) string { return string(r.GroupID) })
	}
	if limits.Policies > 0 {
		rows = capRows(rows, limits.Policies, func(r commission.CertificateSplitRow) string { return string(r.CertificateID) })
	}
	if limits.Brokers > 0 {
		rows = capRows(rows, limits.Brokers, func(r commission.CertificateSplitRow) string { return string(r.WritingBrokerID) })
	}
	if limits.Premiums > 0 {
		sorted := append([]commission.PremiumTransaction(nil), premiums...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
		if len(sorted) > limits.Premiums {
			sorted = sorted[:limits.Premiums]
		}
		premiums = sorted
	}
	return rows, premiums
}

// capStagedOutputs bounds the discovery outputs a diagnostic run persists.
// Hierarchies and proposals are ordered by ID, so a cap keeps the
// lowest-numbered prefix and stays deterministic across reruns.
func capStagedOutputs(s Staging, limits config.DebugLimits) Staging {
	if limits.Hierarchies > 0 && len(s.Hierarchies) > limits.Hierarchies {
		s.Hierarchies = s.Hierarchies[:limits.Hierarchies]
	}
	if limits.Proposals > 0 && len(s.Proposals) > limits.Proposals {
		s.Proposals = s.Proposals[:limits.Proposals]
	}
	return s
}

func capRows(rows []commission.CertificateSplitRow, limit int, keyOf func(commission.CertificateSplitRow) string) []commission.CertificateSplitRow {
	keys := make(map[string]bool)
	for _, r := range rows {
		keys[keyOf(r)] = true
	}
	if len(keys) <= limit {
		return rows
	}
	ordered := make([]string, 0, len(keys))
	for k := range keys {
		ordered = append(ordered, k)
	}
	sort.Strings(ordered)
	allowed := make(map[string]bool, limit)
	for _, k := range ordered[:limit] {
		allowed[k] = true
	}
	out := rows[:0:0]
	for _, r := range rows {
		if allowed[keyOf(r)] {
			out = append(out, r)
		}
	}
	return out
}
