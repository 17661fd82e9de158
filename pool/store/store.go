package store

import (
	"errors"
	"hash/fnv"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"liuproxy_pool/internal/shared/logger"
	"liuproxy_pool/pool/health"
	"liuproxy_pool/pool/model"
)

// ErrEmptyPool is returned by SelectWorking when no record is in the Working
// state. Callers are expected to handle it (wait, retry, or fail the scan).
var ErrEmptyPool = errors.New("proxy pool: no working proxies available")

// Policy selects how SelectWorking picks among Working records.
type Policy int

const (
	PolicyRandom          Policy = iota // uniform random
	PolicyLatencyWeighted               // lower latency, higher probability
	PolicyFastestOfN                    // random among the N fastest
)

// ParsePolicy maps the API-facing policy names onto Policy values.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "random":
		return PolicyRandom, nil
	case "latency", "weighted":
		return PolicyLatencyWeighted, nil
	case "fastest":
		return PolicyFastestOfN, nil
	}
	return PolicyRandom, errors.New("unknown selection policy: " + s)
}

const shardCount = 32

// shard holds one stripe of the pool map. Mutations on records in different
// shards never contend.
type shard struct {
	mu      sync.RWMutex
	records map[string]*model.ProxyRecord
}

// Store is the authoritative, concurrency-safe repository of proxy records.
// Per-record mutations are serialized by the owning shard's lock; reads and
// writes on unrelated addresses proceed in parallel.
type Store struct {
	shards  [shardCount]*shard
	tracker *health.Tracker
}

// New creates an empty store routing verdicts through the given tracker.
func New(tracker *health.Tracker) *Store {
	s := &Store{tracker: tracker}
	for i := range s.shards {
		s.shards[i] = &shard{records: make(map[string]*model.ProxyRecord)}
	}
	return s
}

func (s *Store) shardFor(addr model.ProxyAddress) *shard {
	h := fnv.New32a()
	h.Write([]byte(addr.String()))
	return s.shards[h.Sum32()%shardCount]
}

// UpsertCandidate merges a fetched candidate into the pool. A first-seen
// address becomes a Candidate record; a known address only gains source tags,
// its health state is never touched. Returns true when the record is new.
func (s *Store) UpsertCandidate(c model.Candidate) bool {
	sh := s.shardFor(c.Address)
	key := c.Address.String()

	sh.mu.Lock()
	defer sh.mu.Unlock()

	if rec, ok := sh.records[key]; ok {
		rec.AddSources(c.Sources)
		return false
	}
	sh.records[key] = model.NewRecord(c.Address, c.Sources, c.Protocol)
	return true
}

// Restore inserts previously persisted records as-is. Used for warm starts
// only; existing entries win over restored ones.
func (s *Store) Restore(records []*model.ProxyRecord) int {
	restored := 0
	for _, rec := range records {
		sh := s.shardFor(rec.Address)
		key := rec.Address.String()
		sh.mu.Lock()
		if _, ok := sh.records[key]; !ok {
			sh.records[key] = rec.Clone()
			restored++
		}
		sh.mu.Unlock()
	}
	return restored
}

// ApplyVerdict routes a probe verdict through the health tracker. Verdicts
// for unknown addresses are dropped with a log line.
func (s *Store) ApplyVerdict(v model.Verdict) (from, to model.State, ok bool) {
	sh := s.shardFor(v.Address)
	key := v.Address.String()

	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, found := sh.records[key]
	if !found {
		l := logger.WithComponent("Pool/Store")
		l.Warn().
			Str("address", key).
			Msg("Verdict for unknown address, dropping.")
		return 0, 0, false
	}
	from, to = s.tracker.Apply(rec, v)
	return from, to, true
}

// workingView is the minimal copy selection works on.
type workingView struct {
	addr    model.ProxyAddress
	latency time.Duration
}

func (s *Store) collectWorking() []workingView {
	views := make([]workingView, 0, 64)
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, rec := range sh.records {
			if rec.State != model.StateWorking {
				continue
			}
			lat := rec.AvgLatency
			if lat == 0 {
				lat = rec.LastLatency
			}
			views = append(views, workingView{addr: rec.Address, latency: lat})
		}
		sh.mu.RUnlock()
	}
	return views
}

// SelectWorking returns one address among the Working records. The n
// parameter only applies to PolicyFastestOfN; n <= 0 defaults to 5.
func (s *Store) SelectWorking(policy Policy, n int) (model.ProxyAddress, error) {
	views := s.collectWorking()
	if len(views) == 0 {
		return model.ProxyAddress{}, ErrEmptyPool
	}

	switch policy {
	case PolicyLatencyWeighted:
		return selectLatencyWeighted(views), nil
	case PolicyFastestOfN:
		if n <= 0 {
			n = 5
		}
		sort.Slice(views, func(i, j int) bool {
			return latencyRank(views[i].latency) < latencyRank(views[j].latency)
		})
		if len(views) > n {
			views = views[:n]
		}
		return views[rand.IntN(len(views))].addr, nil
	default:
		return views[rand.IntN(len(views))].addr, nil
	}
}

// latencyRank orders unknown latencies last.
func latencyRank(d time.Duration) time.Duration {
	if d == 0 {
		return time.Duration(1<<63 - 1)
	}
	return d
}

func selectLatencyWeighted(views []workingView) model.ProxyAddress {
	// Weight each proxy by the inverse of its latency in milliseconds.
	// Unknown latency gets the weight of a 1s proxy.
	weights := make([]float64, len(views))
	total := 0.0
	for i, v := range views {
		ms := float64(v.latency.Milliseconds())
		if ms < 1 {
			if v.latency == 0 {
				ms = 1000
			} else {
				ms = 1
			}
		}
		weights[i] = 1 / ms
		total += weights[i]
	}

	r := rand.Float64() * total
	for i, w := range weights {
		r -= w
		if r <= 0 {
			return views[i].addr
		}
	}
	return views[len(views)-1].addr
}

// Snapshot returns a consistent point-in-time copy of every record. Each
// record is copied under its shard lock; concurrent mutations of other
// records may interleave, which is fine for selection and persistence.
func (s *Store) Snapshot() *model.PoolSnapshot {
	snap := &model.PoolSnapshot{TakenAt: time.Now().UTC()}
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, rec := range sh.records {
			snap.Records = append(snap.Records, rec.Clone())
		}
		sh.mu.RUnlock()
	}
	sort.Slice(snap.Records, func(i, j int) bool {
		return snap.Records[i].Address.String() < snap.Records[j].Address.String()
	})
	return snap
}

// ListByState returns clones of all records currently in the given state.
func (s *Store) ListByState(state model.State) []*model.ProxyRecord {
	var out []*model.ProxyRecord
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, rec := range sh.records {
			if rec.State == state {
				out = append(out, rec.Clone())
			}
		}
		sh.mu.RUnlock()
	}
	return out
}

// Len returns the total number of records.
func (s *Store) Len() int {
	total := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		total += len(sh.records)
		sh.mu.RUnlock()
	}
	return total
}

// CountByState returns the record count per state.
func (s *Store) CountByState() map[model.State]int {
	counts := make(map[model.State]int, 4)
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, rec := range sh.records {
			counts[rec.State]++
		}
		sh.mu.RUnlock()
	}
	return counts
}

// DueForRecheck returns up to batch probe targets, oldest-checked first,
// across Working, Degraded and Dead records so both decay and revival make
// progress every cycle. Candidates are excluded; they are probed by the
// discovery path.
func (s *Store) DueForRecheck(batch int) []model.ProbeTarget {
	type due struct {
		target  model.ProbeTarget
		checked time.Time
	}
	var dues []due
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, rec := range sh.records {
			if rec.State == model.StateCandidate {
				continue
			}
			dues = append(dues, due{
				target:  model.ProbeTarget{Address: rec.Address, Protocol: rec.Protocol},
				checked: rec.LastCheckedAt,
			})
		}
		sh.mu.RUnlock()
	}

	sort.Slice(dues, func(i, j int) bool {
		return dues[i].checked.Before(dues[j].checked)
	})
	if batch > 0 && len(dues) > batch {
		dues = dues[:batch]
	}

	targets := make([]model.ProbeTarget, len(dues))
	for i, d := range dues {
		targets[i] = d.target
	}
	return targets
}

// NeverProbed returns probe targets for records still in Candidate state.
func (s *Store) NeverProbed() []model.ProbeTarget {
	var targets []model.ProbeTarget
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, rec := range sh.records {
			if rec.State == model.StateCandidate {
				targets = append(targets, model.ProbeTarget{Address: rec.Address, Protocol: rec.Protocol})
			}
		}
		sh.mu.RUnlock()
	}
	return targets
}

// Prune removes Dead records whose last state change is older than maxAge.
// This is the only path that ever deletes a record; Dead records otherwise
// stay in the pool so revival can find them.
func (s *Store) Prune(maxAge time.Duration) int {
	cutoff := time.Now().UTC().Add(-maxAge)
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for key, rec := range sh.records {
			if rec.State == model.StateDead && rec.LastStateChangeAt.Before(cutoff) {
				delete(sh.records, key)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}
