/*
proposal.go - Content-hash proposal resolution and exception routing

PURPOSE:
  Groups certificates into minimal commission agreements ("proposals") keyed
  by (GroupID, ContentHash). The first certificate with a new key creates a
  proposal; every later certificate with the same key EXPANDS it (union of
  product/plan codes, widened date range) instead of duplicating it. This is
  the primary space optimization over naive per-certificate agreements.

EXCEPTION ROUTING:
  Certificates that cannot or should not become proposals route to the PHA
  exception path with a specific reason:
    - "Invalid GroupId":          null/blank/all-zero group (Direct-to-Consumer)
    - "Split percent mismatch":   writing-broker percents not summing to 100
    - "BusinessDrivenEntropy":    whole group too heterogeneous (entropy.go)
    - "HumanErrorOutlier":        config cluster below the minimum size

DETERMINISM:
  Certificates are visited in sorted ID order, and proposals are numbered by
  (MinEffectiveDate, GroupID, discovery order), so reruns on identical input
  yield identical ProposalIDs.

COLLISION SAFETY:
  Every certificate's canonical config is registered with the run's hash
  Registry; a collision aborts resolution immediately with nothing built.

SEE ALSO:
  - hash.go:    SplitConfig canonicalization, Registry
  - entropy.go: group-level routing statistics
  - conformance.go: consumes the KeyMapping built here
*/
package commission

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// INPUT / OUTPUT
// =============================================================================

// ResolveInput carries everything proposal resolution needs. Hierarchies must
// already be built so split participants can be wired to their chains.
type ResolveInput struct {
	Rows        []CertificateSplitRow
	Hierarchies *HierarchySet
	Registry    *Registry

	// Entropy enables statistical group routing when non-nil.
	Entropy *EntropyThresholds

	// Parallelism bounds the worker pool canonicalizing certificates.
	// Values below 2 mean fully sequential. Registration into the shared
	// Registry is always a serialized merge in canonical order.
	Parallelism int
}

// Resolution is the read-only output of proposal resolution.
type Resolution struct {
	Proposals  []Proposal // ordered by ID
	KeyMapping KeyMapping
	Exceptions []PolicyHierarchyAssignment

	// EntropyStats is populated when entropy routing was enabled.
	EntropyStats []GroupEntropyStats

	byID map[ProposalID]*Proposal
}

// ByID returns the proposal with the given ID, or nil.
func (r *Resolution) ByID(id ProposalID) *Proposal { return r.byID[id] }

// ProposalFor returns the proposal matching the group whose date range covers
// the given date. When more than one matches, the lowest ID wins
// deterministically. Returns nil when none match.
func (r *Resolution) ProposalFor(group GroupID, at time.Time) *Proposal {
	for i := range r.Proposals {
		p := &r.Proposals[i]
		if p.GroupID == group && p.Covers(at) {
			return p
		}
	}
	return nil
}

// =============================================================================
// CERTIFICATE VIEW - internal per-certificate aggregate
// =============================================================================

type certificate struct {
	ID       CertificateID
	GroupID  GroupID
	Rows     []CertificateSplitRow // sorted (SplitSequence, BrokerSequence)
	Hash     ContentHash
	Config   SplitConfig
	MinDate  time.Time
	MaxDate  time.Time
	Products []ProductCode
	Plans    []PlanCode
}

func collectCertificates(rows []CertificateSplitRow) []*certificate {
	byID := make(map[CertificateID]*certificate)
	for _, r := range rows {
		c := byID[r.CertificateID]
		if c == nil {
			c = &certificate{ID: r.CertificateID, GroupID: r.GroupID, MinDate: r.EffectiveDate, MaxDate: r.EffectiveDate}
			byID[r.CertificateID] = c
		}
		c.Rows = append(c.Rows, r)
		if r.EffectiveDate.Before(c.MinDate) {
			c.MinDate = r.EffectiveDate
		}
		if r.EffectiveDate.After(c.MaxDate) {
			c.MaxDate = r.EffectiveDate
		}
	}

	certs := make([]*certificate, 0, len(byID))
	for _, c := range byID {
		sort.Slice(c.Rows, func(i, j int) bool {
			if c.Rows[i].SplitSequence != c.Rows[j].SplitSequence {
				return c.Rows[i].SplitSequence < c.Rows[j].SplitSequence
			}
			return c.Rows[i].BrokerSequence < c.Rows[j].BrokerSequence
		})
		c.Products = uniqueProducts(c.Rows)
		c.Plans = uniquePlans(c.Rows)
		certs = append(certs, c)
	}
	sort.Slice(certs, func(i, j int) bool { return certs[i].ID < certs[j].ID })
	return certs
}

func uniqueProducts(rows []CertificateSplitRow) []ProductCode {
	seen := make(map[ProductCode]bool)
	var out []ProductCode
	for _, r := range rows {
		if !seen[r.ProductCode] {
			seen[r.ProductCode] = true
			out = append(out, r.ProductCode)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func uniquePlans(rows []CertificateSplitRow) []PlanCode {
	seen := make(map[PlanCode]bool)
	var out []PlanCode
	for _, r := range rows {
		p := r.PlanCode.Normalize()
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// splitSum totals the writing-broker percent of every split sequence. The
// sequences of one certificate partition its premium, so the total must be
// 100. Upline rows (BrokerSequence > 1) carry hierarchy-level percents and
// never count toward the premium split.
func (c *certificate) splitSum() decimal.Decimal {
	total := decimal.Zero
	for _, r := range c.Rows {
		if r.BrokerSequence == 1 {
			total = total.Add(r.SplitPercent)
		}
	}
	return total
}

// exceptionChain builds the embedded participant chain PHA records carry,
// one per split sequence.
func exceptionChain(rows []CertificateSplitRow) []HierarchyParticipant {
	sorted := append([]CertificateSplitRow(nil), rows...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].BrokerSequence < sorted[j].BrokerSequence })
	out := make([]HierarchyParticipant, 0, len(sorted))
	for _, r := range sorted {
		out = append(out, HierarchyParticipant{
			Level:        len(out) + 1,
			BrokerID:     r.SplitBrokerID,
			SplitPercent: r.SplitPercent,
			ScheduleCode: r.ScheduleCode,
		})
	}
	return out
}

func routeToPHA(exceptions []PolicyHierarchyAssignment, c *certificate, reason NonConformantReason) []PolicyHierarchyAssignment {
	bySeq := make(map[int][]CertificateSplitRow)
	var seqs []int
	for _, r := range c.Rows {
		if _, ok := bySeq[r.SplitSequence]; !ok {
			seqs = append(seqs, r.SplitSequence)
		}
		bySeq[r.SplitSequence] = append(bySeq[r.SplitSequence], r)
	}
	sort.Ints(seqs)
	for _, seq := range seqs {
		exceptions = append(exceptions, PolicyHierarchyAssignment{
			CertificateID:   c.ID,
			GroupID:         c.GroupID,
			SplitSequence:   seq,
			IsNonConforming: true,
			Reason:          reason,
			Participants:    exceptionChain(bySeq[seq]),
		})
	}
	return exceptions
}

// =============================================================================
// RESOLUTION
// =============================================================================

type proposalDraft struct {
	GroupID        GroupID
	Hash           ContentHash
	Discovery      int
	MinDate        time.Time
	MaxYear        int
	Products       map[ProductCode]bool
	Plans          map[PlanCode]bool
	CertificateIDs []CertificateID
	Representative *certificate
}

// ResolveProposals groups certificates into proposals, builds the key
// mapping, and routes exceptions to PHA. A hash collision aborts with
// nothing built.
func ResolveProposals(in ResolveInput) (*Resolution, error) {
	certs := collectCertificates(in.Rows)

	res := &Resolution{
		KeyMapping: make(KeyMapping),
		byID:       make(map[ProposalID]*Proposal),
	}

	// Phase 1: data-quality routing + canonicalization.
	var valid []*certificate
	for _, c := range certs {
		if !c.GroupID.Valid() {
			res.Exceptions = routeToPHA(res.Exceptions, c, ReasonInvalidGroupID)
			continue
		}
		if !splitSumOK(c.splitSum()) {
			res.Exceptions = routeToPHA(res.Exceptions, c, ReasonSplitMismatch)
			continue
		}
		valid = append(valid, c)
	}

	// Canonicalization is CPU-bound and row-independent: fan out across a
	// bounded pool, then register serially in canonical certificate order so
	// the shared Registry fills deterministically.
	canonicalize(valid, in.Parallelism)
	for _, c := range valid {
		hash, err := in.Registry.Register(c.Config)
		if err != nil {
			return nil, err
		}
		c.Hash = hash
	}

	// Phase 2: optional entropy routing.
	if in.Entropy != nil {
		var routed []routedCert
		valid, routed, res.EntropyStats = RouteByEntropy(valid, *in.Entropy)
		for _, rc := range routed {
			res.Exceptions = routeToPHA(res.Exceptions, rc.cert, rc.reason)
		}
	}

	// Phase 3: create-or-expand by (Group, ContentHash).
	drafts := make(map[proposalKey]*proposalDraft)
	var order []proposalKey
	for _, c := range valid {
		k := proposalKey{Group: c.GroupID, Hash: c.Hash}
		d := drafts[k]
		if d == nil {
			d = &proposalDraft{
				GroupID:        c.GroupID,
				Hash:           c.Hash,
				Discovery:      len(order),
				MinDate:        c.MinDate,
				MaxYear:        c.MaxDate.Year(),
				Products:       make(map[ProductCode]bool),
				Plans:          make(map[PlanCode]bool),
				Representative: c,
			}
			drafts[k] = d
			order = append(order, k)
		}
		if c.MinDate.Before(d.MinDate) {
			d.MinDate = c.MinDate
		}
		if c.MaxDate.Year() > d.MaxYear {
			d.MaxYear = c.MaxDate.Year()
		}
		for _, p := range c.Products {
			d.Products[p] = true
		}
		for _, p := range c.Plans {
			d.Plans[p] = true
		}
		d.CertificateIDs = append(d.CertificateIDs, c.ID)
	}

	// Phase 4: deterministic numbering by (MinEffectiveDate, Group, discovery).
	ranked := make([]*proposalDraft, 0, len(order))
	for _, k := range order {
		ranked = append(ranked, drafts[k])
	}
	sort.Slice(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if !a.MinDate.Equal(b.MinDate) {
			return a.MinDate.Before(b.MinDate)
		}
		if a.GroupID != b.GroupID {
			return a.GroupID < b.GroupID
		}
		return a.Discovery < b.Discovery
	})

	for i, d := range ranked {
		id := ProposalID(i + 1)
		to := endOfYear(d.MaxYear)
		p := Proposal{
			ID:             id,
			GroupID:        d.GroupID,
			ContentHash:    d.Hash,
			ProductCodes:   sortedProducts(d.Products),
			PlanCodes:      sortedPlans(d.Plans),
			DateRangeFrom:  d.MinDate,
			DateRangeTo:    &to,
			CertificateIDs: sortedCertIDs(d.CertificateIDs),
		}
		p.SplitVersions = []PremiumSplitVersion{
			buildSplitVersion(d.Representative, in.Hierarchies, d.MinDate, &to),
		}
		res.Proposals = append(res.Proposals, p)
	}
	for i := range res.Proposals {
		res.byID[res.Proposals[i].ID] = &res.Proposals[i]
	}

	// Phase 5: key mapping, one entry per observed (Group, Year, Product, Plan).
	buildKeyMapping(res, ranked, valid)

	sort.Slice(res.Exceptions, func(i, j int) bool {
		a, b := res.Exceptions[i], res.Exceptions[j]
		if a.CertificateID != b.CertificateID {
			return a.CertificateID < b.CertificateID
		}
		return a.SplitSequence < b.SplitSequence
	})

	return res, nil
}

type proposalKey struct {
	Group GroupID
	Hash  ContentHash
}

// canonicalize fills Config for every certificate, optionally in parallel.
func canonicalize(certs []*certificate, parallelism int) {
	if parallelism < 2 || len(certs) < 2 {
		for _, c := range certs {
			c.Config = BuildSplitConfig(c.Rows)
		}
		return
	}
	if parallelism > len(certs) {
		parallelism = len(certs)
	}
	var wg sync.WaitGroup
	work := make(chan *certificate)
	for w := 0; w < parallelism; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for c := range work {
				c.Config = BuildSplitConfig(c.Rows)
			}
		}()
	}
	for _, c := range certs {
		work <- c
	}
	close(work)
	wg.Wait()
}

func buildSplitVersion(c *certificate, hs *HierarchySet, from time.Time, to *time.Time) PremiumSplitVersion {
	v := PremiumSplitVersion{EffectiveFrom: from, EffectiveTo: to}
	for _, r := range c.Rows {
		if r.BrokerSequence != 1 {
			continue
		}
		sp := SplitParticipant{
			SplitSequence:   r.SplitSequence,
			WritingBrokerID: r.SplitBrokerID,
			SplitPercent:    r.SplitPercent,
		}
		if id, ok := hs.ChainOf(c.ID, r.SplitSequence); ok {
			sp.HierarchyID = id
		}
		v.Participants = append(v.Participants, sp)
	}
	return v
}

func buildKeyMapping(res *Resolution, ranked []*proposalDraft, certs []*certificate) {
	idByKey := make(map[proposalKey]ProposalID, len(ranked))
	for i, d := range ranked {
		idByKey[proposalKey{Group: d.GroupID, Hash: d.Hash}] = res.Proposals[i].ID
	}
	for _, c := range certs {
		id, ok := idByKey[proposalKey{Group: c.GroupID, Hash: c.Hash}]
		if !ok {
			continue
		}
		year := c.MinDate.Year()
		for _, r := range c.Rows {
			res.KeyMapping.add(MappingKey{
				GroupID: c.GroupID,
				Year:    year,
				Product: r.ProductCode,
				Plan:    r.PlanCode.Normalize(),
			}, id)
		}
	}
}

func endOfYear(year int) time.Time {
	return time.Date(year, time.December, 31, 0, 0, 0, 0, time.UTC)
}

func sortedProducts(m map[ProductCode]bool) []ProductCode {
	out := make([]ProductCode, 0, len(m))
	for p := range m {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func sortedPlans(m map[PlanCode]bool) []PlanCode {
	out := make([]PlanCode, 0, len(m))
	for p := range m {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func sortedCertIDs(ids []CertificateID) []CertificateID {
	out := append([]CertificateID(nil), ids...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
