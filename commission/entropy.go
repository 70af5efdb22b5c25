/*
entropy.go - Statistical routing of high-variability groups

PURPOSE:
  Some groups are inherently too heterogeneous to represent as a small set
  of proposals: nearly every certificate has its own commission structure.
  Forcing those into proposals produces thousands of single-certificate
  agreements with no dedup value. This router measures each group's config
  distribution and decides, per group, whether proposal resolution is worth
  attempting at all.

SIGNALS:
  - unique ratio:      distinct configs / certificates
  - Shannon entropy:   of the config-frequency distribution, in bits
  - dominant coverage: fraction of certificates in the most common config

ROUTING:
  A group whose unique ratio or entropy exceeds its threshold - and that has
  no dominant config to anchor on - routes wholesale to PHA with reason
  "BusinessDrivenEntropy". In groups that stay, any config cluster smaller
  than the minimum cluster size is treated as data-entry noise and routes to
  PHA as "HumanErrorOutlier"; clusters at or above the threshold still
  become proposals.

  Thresholds are empirically tuned configuration, not derived law. Routing
  decisions are the ONLY thing this file changes; hierarchy discovery and
  the calculation engine are untouched.

SEE ALSO:
  - proposal.go: invokes RouteByEntropy between hashing and grouping
*/
package commission

import (
	"math"
	"sort"
)

// =============================================================================
// THRESHOLDS & STATS
// =============================================================================

// EntropyThresholds are the tuning knobs for statistical routing.
type EntropyThresholds struct {
	UniqueRatio      float64 // route group when distinct/total exceeds this
	Shannon          float64 // route group when entropy (bits) exceeds this
	DominantCoverage float64 // keep group anyway when top config covers this fraction
	MinClusterSize   int     // clusters below this size are outliers
}

// DefaultEntropyThresholds returns the empirically observed defaults.
func DefaultEntropyThresholds() EntropyThresholds {
	return EntropyThresholds{
		UniqueRatio:      0.2,
		Shannon:          5.0,
		DominantCoverage: 0.8,
		MinClusterSize:   3,
	}
}

type GroupRoute string

const (
	RouteProposals GroupRoute = "proposals"
	RouteException GroupRoute = "exception"
)

// GroupEntropyStats is the per-group measurement, kept for diagnostics.
type GroupEntropyStats struct {
	GroupID          GroupID
	Certificates     int
	UniqueConfigs    int
	UniqueRatio      float64
	Entropy          float64
	DominantCoverage float64
	Route            GroupRoute
}

// =============================================================================
// ROUTING
// =============================================================================

type routedCert struct {
	cert   *certificate
	reason NonConformantReason
}

// RouteByEntropy partitions hashed certificates into those that proceed to
// proposal grouping and those routed to PHA, with per-group statistics.
// Certificates must already carry their ContentHash.
func RouteByEntropy(certs []*certificate, t EntropyThresholds) ([]*certificate, []routedCert, []GroupEntropyStats) {
	byGroup := make(map[GroupID][]*certificate)
	var groups []GroupID
	for _, c := range certs {
		if _, ok := byGroup[c.GroupID]; !ok {
			groups = append(groups, c.GroupID)
		}
		byGroup[c.GroupID] = append(byGroup[c.GroupID], c)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i] < groups[j] })

	var kept []*certificate
	var routed []routedCert
	stats := make([]GroupEntropyStats, 0, len(groups))

	for _, g := range groups {
		members := byGroup[g]
		counts := make(map[ContentHash]int)
		for _, c := range members {
			counts[c.Hash]++
		}

		s := measure(g, len(members), counts)

		tooVariable := s.UniqueRatio > t.UniqueRatio || s.Entropy > t.Shannon
		if tooVariable && s.DominantCoverage < t.DominantCoverage {
			s.Route = RouteException
			stats = append(stats, s)
			for _, c := range members {
				routed = append(routed, routedCert{cert: c, reason: ReasonEntropy})
			}
			continue
		}

		s.Route = RouteProposals
		stats = append(stats, s)
		for _, c := range members {
			if counts[c.Hash] < t.MinClusterSize {
				routed = append(routed, routedCert{cert: c, reason: ReasonOutlier})
				continue
			}
			kept = append(kept, c)
		}
	}

	return kept, routed, stats
}

func measure(g GroupID, total int, counts map[ContentHash]int) GroupEntropyStats {
	s := GroupEntropyStats{
		GroupID:       g,
		Certificates:  total,
		UniqueConfigs: len(counts),
	}
	if total == 0 {
		return s
	}
	s.UniqueRatio = float64(len(counts)) / float64(total)

	dominant := 0
	for _, n := range counts {
		p := float64(n) / float64(total)
		s.Entropy -= p * math.Log2(p)
		if n > dominant {
			dominant = n
		}
	}
	s.DominantCoverage = float64(dominant) / float64(total)
	return s
}
