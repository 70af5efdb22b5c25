/*
Package sqlite provides the SQLite-backed implementation of the pipeline's
persistence contracts.

PURPOSE:
  Implements pipeline.StagingStore, pipeline.ResultSink, and
  pipeline.Checkpointer, plus the read surface the API serves. In
  production the same patterns apply to a server database - only minor SQL
  dialect differences.

WRITE DISCIPLINE:
  Staging tables (proposals, hierarchies, exceptions, key mappings,
  conformance) are TRUNCATE-AND-REBUILD per run: ReplaceStaging deletes the
  run's rows and reinserts inside one transaction, which is what makes
  retried commits idempotent. Sink tables (gl_journal, traceability,
  broker_traceability) are APPEND-ONLY: no UPDATE, no DELETE; a recompute
  is a new run, not an edit.

EXPORT GATE:
  The published flag is persisted per staging row. The Published* readers
  only ever return published rows; withheld groups remain queryable in
  staging via direct SQL but never cross the read surface.

EMBEDDED JSON:
  Participant chains and split versions are stored as JSON columns. They
  are read whole or not at all - no query ever needs to address a single
  participant, so flattening them into child tables would buy nothing.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  st, err := sqlite.New("./data/commission.db")
  if err != nil {
      log.Fatal(err)
  }
  defer st.Close()

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - pipeline/pipeline.go: interface definitions
  - commission/store:     in-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/pipeline"
)

// Store implements the pipeline persistence contracts using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a store at the given path. Use ":memory:" for tests.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	schema := `
	-- Run lifecycle
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		started_at TEXT NOT NULL,
		finished_at TEXT,
		reason TEXT,
		resumable INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS run_checkpoints (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		stage TEXT NOT NULL,
		row_count INTEGER NOT NULL,
		completed_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_checkpoints_run ON run_checkpoints(run_id);

	-- Staging (truncate-and-rebuild per run)
	CREATE TABLE IF NOT EXISTS hierarchies (
		run_id TEXT NOT NULL,
		id INTEGER NOT NULL,
		group_id TEXT NOT NULL,
		writing_broker TEXT NOT NULL,
		first_upline TEXT,
		signature TEXT NOT NULL,
		versions_json TEXT NOT NULL,
		published INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (run_id, id)
	);
	CREATE INDEX IF NOT EXISTS idx_hierarchies_group ON hierarchies(run_id, group_id);

	CREATE TABLE IF NOT EXISTS proposals (
		run_id TEXT NOT NULL,
		id INTEGER NOT NULL,
		group_id TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		product_codes_json TEXT NOT NULL,
		plan_codes_json TEXT NOT NULL,
		date_from TEXT NOT NULL,
		date_to TEXT,
		split_versions_json TEXT NOT NULL,
		certificate_ids_json TEXT NOT NULL,
		published INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (run_id, id)
	);
	CREATE INDEX IF NOT EXISTS idx_proposals_group ON proposals(run_id, group_id);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_proposals_content
		ON proposals(run_id, group_id, content_hash);

	CREATE TABLE IF NOT EXISTS key_mappings (
		run_id TEXT NOT NULL,
		group_id TEXT NOT NULL,
		year INTEGER NOT NULL,
		product TEXT NOT NULL,
		plan TEXT NOT NULL,
		proposal_id INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_key_mappings_key
		ON key_mappings(run_id, group_id, year, product, plan);

	CREATE TABLE IF NOT EXISTS exceptions (
		run_id TEXT NOT NULL,
		certificate_id TEXT NOT NULL,
		group_id TEXT NOT NULL,
		split_sequence INTEGER NOT NULL,
		reason TEXT NOT NULL,
		participants_json TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_exceptions_run ON exceptions(run_id);

	CREATE TABLE IF NOT EXISTS classifications (
		run_id TEXT NOT NULL,
		certificate_id TEXT NOT NULL,
		group_id TEXT NOT NULL,
		matches INTEGER NOT NULL,
		conformant INTEGER NOT NULL,
		reason TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_classifications_run ON classifications(run_id);

	CREATE TABLE IF NOT EXISTS conformance (
		run_id TEXT NOT NULL,
		group_id TEXT NOT NULL,
		total INTEGER NOT NULL,
		conformant INTEGER NOT NULL,
		non_conformant INTEGER NOT NULL,
		percentage TEXT NOT NULL,
		classification TEXT NOT NULL,
		PRIMARY KEY (run_id, group_id)
	);

	CREATE TABLE IF NOT EXISTS entropy_stats (
		run_id TEXT NOT NULL,
		group_id TEXT NOT NULL,
		certificates INTEGER NOT NULL,
		unique_configs INTEGER NOT NULL,
		unique_ratio REAL NOT NULL,
		entropy REAL NOT NULL,
		dominant_coverage REAL NOT NULL,
		route TEXT NOT NULL,
		PRIMARY KEY (run_id, group_id)
	);

	-- Sinks (append-only; no UPDATE, no DELETE)
	CREATE TABLE IF NOT EXISTS gl_journal (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		premium_id TEXT NOT NULL,
		certificate_id TEXT NOT NULL,
		group_id TEXT NOT NULL,
		broker_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		entry_type TEXT NOT NULL,
		source_broker TEXT,
		proposal_id INTEGER NOT NULL,
		hierarchy_id INTEGER NOT NULL,
		level INTEGER NOT NULL,
		schedule_code TEXT,
		rate_source TEXT NOT NULL,
		rate_percent TEXT NOT NULL,
		split_percent TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_journal_run_broker ON gl_journal(run_id, broker_id);
	CREATE INDEX IF NOT EXISTS idx_journal_premium ON gl_journal(run_id, premium_id);

	CREATE TABLE IF NOT EXISTS traceability (
		run_id TEXT NOT NULL,
		premium_id TEXT NOT NULL,
		certificate_id TEXT NOT NULL,
		group_id TEXT NOT NULL,
		has_errors INTEGER NOT NULL,
		error_message TEXT,
		total_commission TEXT NOT NULL,
		entry_count INTEGER NOT NULL,
		PRIMARY KEY (run_id, premium_id)
	);

	CREATE TABLE IF NOT EXISTS broker_traceability (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		premium_id TEXT NOT NULL,
		broker_id TEXT NOT NULL,
		level INTEGER NOT NULL,
		entry_type TEXT NOT NULL,
		rate_source TEXT NOT NULL,
		rate_percent TEXT NOT NULL,
		split_premium TEXT NOT NULL,
		commission TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_broker_trace_premium
		ON broker_traceability(run_id, premium_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// CHECKPOINTER
// =============================================================================

func (s *Store) RunStarted(ctx context.Context, run pipeline.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, status, started_at, resumable) VALUES (?, ?, ?, 0)
		 ON CONFLICT(id) DO UPDATE SET status = excluded.status`,
		run.ID, string(run.Status), run.StartedAt.Format(time.RFC3339Nano))
	return wrapIO("runs insert", err)
}

func (s *Store) StageCompleted(ctx context.Context, cp pipeline.CheckpointRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_checkpoints (id, run_id, stage, row_count, completed_at) VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), cp.RunID, cp.Stage, cp.Rows, cp.CompletedAt.Format(time.RFC3339Nano))
	return wrapIO("checkpoint insert", err)
}

func (s *Store) RunFinished(ctx context.Context, run pipeline.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var finished any
	if run.FinishedAt != nil {
		finished = run.FinishedAt.Format(time.RFC3339Nano)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, finished_at = ?, reason = ?, resumable = ? WHERE id = ?`,
		string(run.Status), finished, run.Reason, boolInt(run.Resumable), run.ID)
	return wrapIO("runs update", err)
}

// =============================================================================
// STAGING STORE
// =============================================================================

// ReplaceStaging truncates and rebuilds the run's staging rows atomically.
func (s *Store) ReplaceStaging(ctx context.Context, runID string, st pipeline.Staging) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapIO("begin staging tx", err)
	}
	defer tx.Rollback()

	tables := []string{"hierarchies", "proposals", "key_mappings", "exceptions", "classifications", "conformance", "entropy_stats"}
	for _, table := range tables {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE run_id = ?`, runID); err != nil {
			return wrapIO("truncate "+table, err)
		}
	}

	for _, h := range st.Hierarchies {
		versions, err := json.Marshal(h.Versions)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO hierarchies (run_id, id, group_id, writing_broker, first_upline, signature, versions_json, published)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			runID, int(h.ID), string(h.GroupID), string(h.WritingBrokerID), string(h.FirstUpline),
			string(h.Signature), string(versions), boolInt(st.Published[h.GroupID])); err != nil {
			return wrapIO("hierarchies insert", err)
		}
	}

	for _, p := range st.Proposals {
		products, _ := json.Marshal(p.ProductCodes)
		plans, _ := json.Marshal(p.PlanCodes)
		versions, err := json.Marshal(p.SplitVersions)
		if err != nil {
			return err
		}
		certs, _ := json.Marshal(p.CertificateIDs)
		var dateTo any
		if p.DateRangeTo != nil {
			dateTo = p.DateRangeTo.Format(time.RFC3339Nano)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO proposals (run_id, id, group_id, content_hash, product_codes_json, plan_codes_json,
			                        date_from, date_to, split_versions_json, certificate_ids_json, published)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			runID, int(p.ID), string(p.GroupID), string(p.ContentHash), string(products), string(plans),
			p.DateRangeFrom.Format(time.RFC3339Nano), dateTo, string(versions), string(certs),
			boolInt(st.Published[p.GroupID])); err != nil {
			return wrapIO("proposals insert", err)
		}
	}

	for key, ids := range st.KeyMapping {
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO key_mappings (run_id, group_id, year, product, plan, proposal_id) VALUES (?, ?, ?, ?, ?, ?)`,
				runID, string(key.GroupID), key.Year, string(key.Product), string(key.Plan), int(id)); err != nil {
				return wrapIO("key_mappings insert", err)
			}
		}
	}

	for _, e := range st.Exceptions {
		participants, err := json.Marshal(e.Participants)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO exceptions (run_id, certificate_id, group_id, split_sequence, reason, participants_json)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			runID, string(e.CertificateID), string(e.GroupID), e.SplitSequence, string(e.Reason), string(participants)); err != nil {
			return wrapIO("exceptions insert", err)
		}
	}

	for _, c := range st.Classifications {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO classifications (run_id, certificate_id, group_id, matches, conformant, reason)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			runID, string(c.CertificateID), string(c.GroupID), c.Matches, boolInt(c.Conformant), string(c.Reason)); err != nil {
			return wrapIO("classifications insert", err)
		}
	}

	for _, c := range st.Conformance {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO conformance (run_id, group_id, total, conformant, non_conformant, percentage, classification)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			runID, string(c.GroupID), c.TotalCertificates, c.ConformantCertificates,
			c.NonConformantCertificates, c.ConformancePercentage.String(), string(c.Classification)); err != nil {
			return wrapIO("conformance insert", err)
		}
	}

	for _, e := range st.EntropyStats {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO entropy_stats (run_id, group_id, certificates, unique_configs, unique_ratio, entropy, dominant_coverage, route)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			runID, string(e.GroupID), e.Certificates, e.UniqueConfigs, e.UniqueRatio, e.Entropy,
			e.DominantCoverage, string(e.Route)); err != nil {
			return wrapIO("entropy_stats insert", err)
		}
	}

	return wrapIO("commit staging", tx.Commit())
}

// =============================================================================
// RESULT SINK
// =============================================================================

// AppendResults writes the calculation output. Append-only: corrections are
// a new run, never an edit.
func (s *Store) AppendResults(ctx context.Context, runID string, out *commission.CalcOutput) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapIO("begin results tx", err)
	}
	defer tx.Rollback()

	for _, e := range out.Journal {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO gl_journal (id, run_id, premium_id, certificate_id, group_id, broker_id, amount,
			                         entry_type, source_broker, proposal_id, hierarchy_id, level,
			                         schedule_code, rate_source, rate_percent, split_percent)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			uuid.NewString(), runID, string(e.PremiumTransactionID), string(e.CertificateID), string(e.GroupID),
			string(e.BrokerID), e.CommissionAmount.String(), string(e.EntryType), string(e.SourceBrokerID),
			int(e.ProposalID), int(e.HierarchyID), e.Level, string(e.ScheduleCode), string(e.RateSource),
			e.RatePercent.String(), e.SplitPercent.String()); err != nil {
			return wrapIO("gl_journal insert", err)
		}
	}

	for _, r := range out.Reports {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO traceability (run_id, premium_id, certificate_id, group_id, has_errors, error_message, total_commission, entry_count)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			runID, string(r.PremiumTransactionID), string(r.CertificateID), string(r.GroupID),
			boolInt(r.HasErrors), r.ErrorMessage, r.TotalCommission.String(), r.EntryCount); err != nil {
			return wrapIO("traceability insert", err)
		}
	}

	for _, b := range out.BrokerRows {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO broker_traceability (id, run_id, premium_id, broker_id, level, entry_type, rate_source, rate_percent, split_premium, commission)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			uuid.NewString(), runID, string(b.PremiumTransactionID), string(b.BrokerID), b.Level,
			string(b.EntryType), string(b.RateSource), b.RatePercent.String(),
			b.SplitPremiumAmount.String(), b.CommissionAmount.String()); err != nil {
			return wrapIO("broker_traceability insert", err)
		}
	}

	return wrapIO("commit results", tx.Commit())
}

// =============================================================================
// READ SURFACE
// =============================================================================

func (s *Store) ListRuns(ctx context.Context) ([]pipeline.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, status, started_at, finished_at, reason, resumable FROM runs ORDER BY started_at`)
	if err != nil {
		return nil, wrapIO("runs query", err)
	}
	defer rows.Close()

	var out []pipeline.RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) GetRun(ctx context.Context, runID string) (pipeline.RunRecord, []pipeline.CheckpointRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, status, started_at, finished_at, reason, resumable FROM runs WHERE id = ?`, runID)
	if err != nil {
		return pipeline.RunRecord{}, nil, false, wrapIO("run query", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return pipeline.RunRecord{}, nil, false, rows.Err()
	}
	run, err := scanRun(rows)
	if err != nil {
		return pipeline.RunRecord{}, nil, false, err
	}
	rows.Close()

	cpRows, err := s.db.QueryContext(ctx,
		`SELECT run_id, stage, row_count, completed_at FROM run_checkpoints WHERE run_id = ? ORDER BY completed_at`, runID)
	if err != nil {
		return pipeline.RunRecord{}, nil, false, wrapIO("checkpoints query", err)
	}
	defer cpRows.Close()

	var cps []pipeline.CheckpointRecord
	for cpRows.Next() {
		var cp pipeline.CheckpointRecord
		var completed string
		if err := cpRows.Scan(&cp.RunID, &cp.Stage, &cp.Rows, &completed); err != nil {
			return pipeline.RunRecord{}, nil, false, err
		}
		cp.CompletedAt, _ = time.Parse(time.RFC3339Nano, completed)
		cps = append(cps, cp)
	}
	return run, cps, true, cpRows.Err()
}

// PublishedProposals returns only proposals that passed the export gate.
func (s *Store) PublishedProposals(ctx context.Context, runID string) ([]commission.Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, group_id, content_hash, product_codes_json, plan_codes_json, date_from, date_to,
		        split_versions_json, certificate_ids_json
		 FROM proposals WHERE run_id = ? AND published = 1 ORDER BY id`, runID)
	if err != nil {
		return nil, wrapIO("proposals query", err)
	}
	defer rows.Close()

	var out []commission.Proposal
	for rows.Next() {
		var p commission.Proposal
		var id int
		var group, hash, products, plans, from, versions, certs string
		var to sql.NullString
		if err := rows.Scan(&id, &group, &hash, &products, &plans, &from, &to, &versions, &certs); err != nil {
			return nil, err
		}
		p.ID = commission.ProposalID(id)
		p.GroupID = commission.GroupID(group)
		p.ContentHash = commission.ContentHash(hash)
		if err := json.Unmarshal([]byte(products), &p.ProductCodes); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(plans), &p.PlanCodes); err != nil {
			return nil, err
		}
		p.DateRangeFrom, _ = time.Parse(time.RFC3339Nano, from)
		if to.Valid {
			t, _ := time.Parse(time.RFC3339Nano, to.String)
			p.DateRangeTo = &t
		}
		if err := json.Unmarshal([]byte(versions), &p.SplitVersions); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(certs), &p.CertificateIDs); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// PublishedHierarchies returns only hierarchies that passed the export gate.
func (s *Store) PublishedHierarchies(ctx context.Context, runID string) ([]commission.Hierarchy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, group_id, writing_broker, first_upline, signature, versions_json
		 FROM hierarchies WHERE run_id = ? AND published = 1 ORDER BY id`, runID)
	if err != nil {
		return nil, wrapIO("hierarchies query", err)
	}
	defer rows.Close()

	var out []commission.Hierarchy
	for rows.Next() {
		var h commission.Hierarchy
		var id int
		var group, writing, upline, sig, versions string
		if err := rows.Scan(&id, &group, &writing, &upline, &sig, &versions); err != nil {
			return nil, err
		}
		h.ID = commission.HierarchyID(id)
		h.GroupID = commission.GroupID(group)
		h.WritingBrokerID = commission.BrokerID(writing)
		h.FirstUpline = commission.BrokerID(upline)
		h.Signature = commission.StructuralSignature(sig)
		if err := json.Unmarshal([]byte(versions), &h.Versions); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *Store) Exceptions(ctx context.Context, runID string) ([]commission.PolicyHierarchyAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx,
		`SELECT certificate_id, group_id, split_sequence, reason, participants_json
		 FROM exceptions WHERE run_id = ? ORDER BY certificate_id, split_sequence`, runID)
	if err != nil {
		return nil, wrapIO("exceptions query", err)
	}
	defer rows.Close()

	var out []commission.PolicyHierarchyAssignment
	for rows.Next() {
		var e commission.PolicyHierarchyAssignment
		var cert, group, reason, participants string
		if err := rows.Scan(&cert, &group, &e.SplitSequence, &reason, &participants); err != nil {
			return nil, err
		}
		e.CertificateID = commission.CertificateID(cert)
		e.GroupID = commission.GroupID(group)
		e.Reason = commission.NonConformantReason(reason)
		e.IsNonConforming = true
		if err := json.Unmarshal([]byte(participants), &e.Participants); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) Conformance(ctx context.Context, runID string) ([]commission.GroupConformanceStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx,
		`SELECT group_id, total, conformant, non_conformant, percentage, classification
		 FROM conformance WHERE run_id = ? ORDER BY group_id`, runID)
	if err != nil {
		return nil, wrapIO("conformance query", err)
	}
	defer rows.Close()

	var out []commission.GroupConformanceStats
	for rows.Next() {
		var c commission.GroupConformanceStats
		var group, pct, class string
		if err := rows.Scan(&group, &c.TotalCertificates, &c.ConformantCertificates,
			&c.NonConformantCertificates, &pct, &class); err != nil {
			return nil, err
		}
		c.GroupID = commission.GroupID(group)
		c.Classification = commission.ConformanceClass(class)
		d, err := decimal.NewFromString(pct)
		if err != nil {
			return nil, fmt.Errorf("bad percentage %q for group %s: %w", pct, group, err)
		}
		c.ConformancePercentage = d
		out = append(out, c)
	}
	return out, rows.Err()
}

// Journal returns GL entries for a run, optionally filtered by broker.
func (s *Store) Journal(ctx context.Context, runID string, broker commission.BrokerID) ([]commission.GLJournalEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT premium_id, certificate_id, group_id, broker_id, amount, entry_type, source_broker,
	                 proposal_id, hierarchy_id, level, schedule_code, rate_source, rate_percent, split_percent
	          FROM gl_journal WHERE run_id = ?`
	args := []any{runID}
	if broker != "" {
		query += ` AND broker_id = ?`
		args = append(args, string(broker))
	}
	query += ` ORDER BY premium_id, broker_id, entry_type`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapIO("journal query", err)
	}
	defer rows.Close()

	var out []commission.GLJournalEntry
	for rows.Next() {
		var e commission.GLJournalEntry
		var premium, cert, group, brokerID, amount, entryType, source, schedule, rateSource, ratePct, splitPct string
		var proposalID, hierarchyID int
		if err := rows.Scan(&premium, &cert, &group, &brokerID, &amount, &entryType, &source,
			&proposalID, &hierarchyID, &e.Level, &schedule, &rateSource, &ratePct, &splitPct); err != nil {
			return nil, err
		}
		e.PremiumTransactionID = commission.PremiumID(premium)
		e.CertificateID = commission.CertificateID(cert)
		e.GroupID = commission.GroupID(group)
		e.BrokerID = commission.BrokerID(brokerID)
		e.EntryType = commission.EntryType(entryType)
		e.SourceBrokerID = commission.BrokerID(source)
		e.ProposalID = commission.ProposalID(proposalID)
		e.HierarchyID = commission.HierarchyID(hierarchyID)
		e.ScheduleCode = commission.ScheduleCode(schedule)
		e.RateSource = commission.RateSource(rateSource)
		if e.CommissionAmount, err = decimal.NewFromString(amount); err != nil {
			return nil, err
		}
		if e.RatePercent, err = decimal.NewFromString(ratePct); err != nil {
			return nil, err
		}
		if e.SplitPercent, err = decimal.NewFromString(splitPct); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) Traceability(ctx context.Context, runID string) ([]commission.TraceabilityReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx,
		`SELECT premium_id, certificate_id, group_id, has_errors, error_message, total_commission, entry_count
		 FROM traceability WHERE run_id = ? ORDER BY premium_id`, runID)
	if err != nil {
		return nil, wrapIO("traceability query", err)
	}
	defer rows.Close()
	return scanReports(rows)
}

func (s *Store) TraceabilityFor(ctx context.Context, runID string, premium commission.PremiumID) (commission.TraceabilityReport, []commission.BrokerTraceability, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT premium_id, certificate_id, group_id, has_errors, error_message, total_commission, entry_count
		 FROM traceability WHERE run_id = ? AND premium_id = ?`, runID, string(premium))
	if err != nil {
		return commission.TraceabilityReport{}, nil, false, wrapIO("traceability query", err)
	}
	reports, err := scanReports(rows)
	rows.Close()
	if err != nil || len(reports) == 0 {
		return commission.TraceabilityReport{}, nil, false, err
	}

	bRows, err := s.db.QueryContext(ctx,
		`SELECT premium_id, broker_id, level, entry_type, rate_source, rate_percent, split_premium, commission
		 FROM broker_traceability WHERE run_id = ? AND premium_id = ? ORDER BY broker_id, entry_type`,
		runID, string(premium))
	if err != nil {
		return commission.TraceabilityReport{}, nil, false, wrapIO("broker traceability query", err)
	}
	defer bRows.Close()

	var brokers []commission.BrokerTraceability
	for bRows.Next() {
		var b commission.BrokerTraceability
		var premiumID, brokerID, entryType, rateSource, ratePct, splitPremium, comm string
		if err := bRows.Scan(&premiumID, &brokerID, &b.Level, &entryType, &rateSource, &ratePct, &splitPremium, &comm); err != nil {
			return commission.TraceabilityReport{}, nil, false, err
		}
		b.PremiumTransactionID = commission.PremiumID(premiumID)
		b.BrokerID = commission.BrokerID(brokerID)
		b.EntryType = commission.EntryType(entryType)
		b.RateSource = commission.RateSource(rateSource)
		if b.RatePercent, err = decimal.NewFromString(ratePct); err != nil {
			return commission.TraceabilityReport{}, nil, false, err
		}
		if b.SplitPremiumAmount, err = decimal.NewFromString(splitPremium); err != nil {
			return commission.TraceabilityReport{}, nil, false, err
		}
		if b.CommissionAmount, err = decimal.NewFromString(comm); err != nil {
			return commission.TraceabilityReport{}, nil, false, err
		}
		brokers = append(brokers, b)
	}
	return reports[0], brokers, true, bRows.Err()
}

// =============================================================================
// SCAN HELPERS
// =============================================================================

func scanRun(rows *sql.Rows) (pipeline.RunRecord, error) {
	var r pipeline.RunRecord
	var status, started string
	var finished, reason sql.NullString
	var resumable int
	if err := rows.Scan(&r.ID, &status, &started, &finished, &reason, &resumable); err != nil {
		return r, err
	}
	r.Status = pipeline.RunStatus(status)
	r.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
	if finished.Valid {
		t, _ := time.Parse(time.RFC3339Nano, finished.String)
		r.FinishedAt = &t
	}
	r.Reason = reason.String
	r.Resumable = resumable == 1
	return r, nil
}

func scanReports(rows *sql.Rows) ([]commission.TraceabilityReport, error) {
	var out []commission.TraceabilityReport
	for rows.Next() {
		var r commission.TraceabilityReport
		var premium, cert, group, total string
		var hasErrors int
		var message sql.NullString
		if err := rows.Scan(&premium, &cert, &group, &hasErrors, &message, &total, &r.EntryCount); err != nil {
			return nil, err
		}
		r.PremiumTransactionID = commission.PremiumID(premium)
		r.CertificateID = commission.CertificateID(cert)
		r.GroupID = commission.GroupID(group)
		r.HasErrors = hasErrors == 1
		r.ErrorMessage = message.String
		d, err := decimal.NewFromString(total)
		if err != nil {
			return nil, err
		}
		r.TotalCommission = d
		out = append(out, r)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// wrapIO classifies database failures as transient so the pipeline's
// bounded backoff retries them.
func wrapIO(op string, err error) error {
	if err == nil {
		return nil
	}
	return &commission.TransientError{Op: op, Err: err}
}
