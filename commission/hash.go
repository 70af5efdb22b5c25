/*
hash.go - Canonical split configuration and content hashing

PURPOSE:
  A certificate's full commission structure (all participants, schedules,
  percents across every split sequence) is serialized into one canonical
  JSON form. Its SHA-256 digest is the ContentHash that keys proposal
  deduplication: two certificates with the same hash share one proposal.

CANONICAL FORM:
  - Participants sorted by (SplitSequence, Level, BrokerID)
  - Percents and rates rendered as fixed-point strings so that 50, 50.0,
    and 50.00 canonicalize identically
  - Fixed struct field order; json.Marshal of a struct is deterministic

COLLISION DISCIPLINE:
  ContentHash must be a pure function of the canonical form. The Registry
  keeps hash -> canonical form for the whole run; registering a hash whose
  stored form differs from the incoming one raises HashCollisionError,
  which aborts the run before any writes are committed. Collisions are
  never silently merged.

SEE ALSO:
  - proposal.go: registers every certificate's config during resolution
  - errors.go:   HashCollisionError
*/
package commission

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
)

// ContentHash is "sha256:" + hex digest of a canonical SplitConfig.
type ContentHash string

// =============================================================================
// SPLIT CONFIG - Canonical commission structure of one certificate
// =============================================================================

// ConfigParticipant is one participant tuple in canonical form.
type ConfigParticipant struct {
	SplitSequence int    `json:"splitSequence"`
	Level         int    `json:"level"`
	BrokerID      string `json:"brokerId"`
	ScheduleCode  string `json:"scheduleCode"`
	SplitPercent  string `json:"splitPercent"`
	Rate          string `json:"rate,omitempty"`
}

// SplitConfig is the canonical representation of a certificate's full
// commission structure.
type SplitConfig struct {
	Participants []ConfigParticipant `json:"participants"`
}

// BuildSplitConfig canonicalizes a certificate's rows. Rows from other
// certificates must not be passed in.
func BuildSplitConfig(rows []CertificateSplitRow) SplitConfig {
	cfg := SplitConfig{Participants: make([]ConfigParticipant, 0, len(rows))}
	for _, r := range rows {
		p := ConfigParticipant{
			SplitSequence: r.SplitSequence,
			Level:         r.BrokerSequence,
			BrokerID:      string(r.SplitBrokerID),
			ScheduleCode:  string(r.ScheduleCode),
			SplitPercent:  r.SplitPercent.StringFixed(4),
		}
		if r.CertificateRate != nil {
			p.Rate = r.CertificateRate.StringFixed(4)
		}
		cfg.Participants = append(cfg.Participants, p)
	}
	sort.Slice(cfg.Participants, func(i, j int) bool {
		a, b := cfg.Participants[i], cfg.Participants[j]
		if a.SplitSequence != b.SplitSequence {
			return a.SplitSequence < b.SplitSequence
		}
		if a.Level != b.Level {
			return a.Level < b.Level
		}
		return a.BrokerID < b.BrokerID
	})
	return cfg
}

// Canonical returns the canonical JSON serialization.
func (c SplitConfig) Canonical() []byte {
	// Struct marshaling preserves field order; cannot fail for these types.
	b, _ := json.Marshal(c)
	return b
}

// Hash returns the content hash of the canonical form.
func (c SplitConfig) Hash() ContentHash {
	sum := sha256.Sum256(c.Canonical())
	return ContentHash("sha256:" + hex.EncodeToString(sum[:]))
}

// =============================================================================
// REGISTRY - Run-scoped hash -> canonical form map with collision detection
// =============================================================================

// Registry is the run-scoped collision detector. It is shared mutable state:
// parallel partitions canonicalize independently and register through a
// single serialized merge (the mutex), so no reader ever observes a
// partially-populated registry for the run.
//
// Never a process-wide singleton: each run owns its own Registry so multiple
// runs and tests execute independently.
type Registry struct {
	mu   sync.Mutex
	seen map[ContentHash]string
}

func NewRegistry() *Registry {
	return &Registry{seen: make(map[ContentHash]string)}
}

// Register records the config's hash. If the hash is already present with a
// different canonical form, it returns a HashCollisionError and the registry
// is left unchanged.
func (r *Registry) Register(cfg SplitConfig) (ContentHash, error) {
	canonical := string(cfg.Canonical())
	hash := cfg.Hash()

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.seen[hash]; ok {
		if existing != canonical {
			return "", &HashCollisionError{Hash: hash, Existing: existing, Incoming: canonical}
		}
		return hash, nil
	}
	r.seen[hash] = canonical
	return hash, nil
}

// Len returns the number of distinct configs registered.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}

// Merge folds another registry into this one in canonical hash order, so a
// batched discovery pass merges partial registries deterministically.
// Returns HashCollisionError if the registries disagree on any hash.
func (r *Registry) Merge(other *Registry) error {
	other.mu.Lock()
	hashes := make([]ContentHash, 0, len(other.seen))
	for h := range other.seen {
		hashes = append(hashes, h)
	}
	sort.Slice(hashes, func(i, j int) bool { return hashes[i] < hashes[j] })
	forms := make(map[ContentHash]string, len(hashes))
	for _, h := range hashes {
		forms[h] = other.seen[h]
	}
	other.mu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range hashes {
		if existing, ok := r.seen[h]; ok {
			if existing != forms[h] {
				return &HashCollisionError{Hash: h, Existing: existing, Incoming: forms[h]}
			}
			continue
		}
		r.seen[h] = forms[h]
	}
	return nil
}
