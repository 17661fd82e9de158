package store

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liuproxy_pool/pool/health"
	"liuproxy_pool/pool/model"
)

func newTestStore() *Store {
	return New(health.New(2, 3))
}

func addr(host string, port int) model.ProxyAddress {
	return model.ProxyAddress{Host: host, Port: port}
}

func candidate(host string, port int, sources ...string) model.Candidate {
	return model.Candidate{Address: addr(host, port), Sources: sources, Protocol: "http"}
}

func makeWorking(t *testing.T, s *Store, a model.ProxyAddress, latency time.Duration) {
	t.Helper()
	s.UpsertCandidate(model.Candidate{Address: a, Sources: []string{"test"}, Protocol: "http"})
	_, to, ok := s.ApplyVerdict(model.Verdict{Address: a, Success: true, Latency: latency})
	require.True(t, ok)
	require.Equal(t, model.StateWorking, to)
}

func TestUpsertCandidate_Idempotent(t *testing.T) {
	s := newTestStore()

	assert.True(t, s.UpsertCandidate(candidate("1.1.1.1", 80, "s1")))
	assert.False(t, s.UpsertCandidate(candidate("1.1.1.1", 80, "s1")))
	assert.Equal(t, 1, s.Len())
}

func TestUpsertCandidate_SourceUnion(t *testing.T) {
	// S1 reports {1.1.1.1:80, 2.2.2.2:80}, S2 reports {2.2.2.2:80,
	// 3.3.3.3:80}: 3 records, the shared one tagged by both.
	s := newTestStore()

	s.UpsertCandidate(candidate("1.1.1.1", 80, "S1"))
	s.UpsertCandidate(candidate("2.2.2.2", 80, "S1"))
	s.UpsertCandidate(candidate("2.2.2.2", 80, "S2"))
	s.UpsertCandidate(candidate("3.3.3.3", 80, "S2"))

	assert.Equal(t, 3, s.Len())

	snap := s.Snapshot()
	for _, rec := range snap.Records {
		if rec.Address == addr("2.2.2.2", 80) {
			assert.ElementsMatch(t, []string{"S1", "S2"}, rec.Sources)
		}
	}
}

func TestUpsertCandidate_NeverTouchesHealthState(t *testing.T) {
	s := newTestStore()
	a := addr("5.5.5.5", 3128)
	makeWorking(t, s, a, 50*time.Millisecond)

	s.UpsertCandidate(model.Candidate{Address: a, Sources: []string{"another"}, Protocol: "http"})

	recs := s.ListByState(model.StateWorking)
	require.Len(t, recs, 1)
	assert.Equal(t, 1, recs[0].Successes)
	assert.Contains(t, recs[0].Sources, "another")
}

func TestSelectWorking_EmptyPool(t *testing.T) {
	s := newTestStore()

	_, err := s.SelectWorking(PolicyRandom, 0)
	assert.ErrorIs(t, err, ErrEmptyPool)

	// Candidates alone do not make the pool selectable.
	s.UpsertCandidate(candidate("1.1.1.1", 80, "s1"))
	_, err = s.SelectWorking(PolicyLatencyWeighted, 0)
	assert.ErrorIs(t, err, ErrEmptyPool)
}

func TestSelectWorking_OnlyReturnsWorking(t *testing.T) {
	s := newTestStore()

	working := addr("10.0.0.1", 8080)
	makeWorking(t, s, working, 40*time.Millisecond)

	dead := addr("10.0.0.2", 8080)
	s.UpsertCandidate(model.Candidate{Address: dead, Sources: []string{"t"}, Protocol: "http"})
	for i := 0; i < 3; i++ {
		s.ApplyVerdict(model.Verdict{Address: dead, Success: false, Err: errors.New("refused")})
	}

	for _, policy := range []Policy{PolicyRandom, PolicyLatencyWeighted, PolicyFastestOfN} {
		for i := 0; i < 50; i++ {
			got, err := s.SelectWorking(policy, 3)
			require.NoError(t, err)
			assert.Equal(t, working, got)
		}
	}
}

func TestSelectWorking_FastestOfN(t *testing.T) {
	s := newTestStore()
	makeWorking(t, s, addr("10.0.1.1", 80), 10*time.Millisecond)
	makeWorking(t, s, addr("10.0.1.2", 80), 20*time.Millisecond)
	makeWorking(t, s, addr("10.0.1.3", 80), 500*time.Millisecond)

	// With n=2 the slowest proxy must never be selected.
	for i := 0; i < 100; i++ {
		got, err := s.SelectWorking(PolicyFastestOfN, 2)
		require.NoError(t, err)
		assert.NotEqual(t, addr("10.0.1.3", 80), got)
	}
}

func TestApplyVerdict_UnknownAddressIsNoop(t *testing.T) {
	s := newTestStore()
	_, _, ok := s.ApplyVerdict(model.Verdict{Address: addr("9.9.9.9", 9), Success: true})
	assert.False(t, ok)
	assert.Equal(t, 0, s.Len())
}

func TestApplyVerdict_ConcurrentDistinctAddresses(t *testing.T) {
	// N workers hammer their own address; every record's final counters
	// must match a sequential application of its own verdicts.
	s := newTestStore()
	const workers = 64
	const verdictsPerWorker = 25

	addrs := make([]model.ProxyAddress, workers)
	for i := range addrs {
		addrs[i] = addr("10.1.0.1", 1000+i)
		s.UpsertCandidate(model.Candidate{Address: addrs[i], Sources: []string{"t"}, Protocol: "http"})
	}

	var wg sync.WaitGroup
	for i := range addrs {
		wg.Add(1)
		go func(a model.ProxyAddress) {
			defer wg.Done()
			for j := 0; j < verdictsPerWorker; j++ {
				s.ApplyVerdict(model.Verdict{Address: a, Success: true, Latency: 20 * time.Millisecond})
			}
		}(addrs[i])
	}
	wg.Wait()

	snap := s.Snapshot()
	require.Len(t, snap.Records, workers)
	for _, rec := range snap.Records {
		assert.Equal(t, verdictsPerWorker, rec.Successes, "lost update on %s", rec.Address)
		assert.Equal(t, model.StateWorking, rec.State)
	}
}

func TestSnapshot_IsDeepCopy(t *testing.T) {
	s := newTestStore()
	a := addr("10.2.0.1", 80)
	makeWorking(t, s, a, 30*time.Millisecond)

	snap := s.Snapshot()
	require.Len(t, snap.Records, 1)
	snap.Records[0].Successes = 999
	snap.Records[0].Sources = append(snap.Records[0].Sources, "mutated")

	fresh := s.Snapshot()
	assert.Equal(t, 1, fresh.Records[0].Successes)
	assert.NotContains(t, fresh.Records[0].Sources, "mutated")
}

func TestDueForRecheck_ExcludesCandidatesAndOrdersByAge(t *testing.T) {
	s := newTestStore()

	s.UpsertCandidate(candidate("10.3.0.1", 80, "t")) // never probed, excluded

	older := addr("10.3.0.2", 80)
	newer := addr("10.3.0.3", 80)
	makeWorking(t, s, older, 10*time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	makeWorking(t, s, newer, 10*time.Millisecond)

	targets := s.DueForRecheck(10)
	require.Len(t, targets, 2)
	assert.Equal(t, older, targets[0].Address)
	assert.Equal(t, newer, targets[1].Address)

	targets = s.DueForRecheck(1)
	require.Len(t, targets, 1)
	assert.Equal(t, older, targets[0].Address)
}

func TestNeverProbed(t *testing.T) {
	s := newTestStore()
	s.UpsertCandidate(candidate("10.4.0.1", 80, "t"))
	makeWorking(t, s, addr("10.4.0.2", 80), 10*time.Millisecond)

	targets := s.NeverProbed()
	require.Len(t, targets, 1)
	assert.Equal(t, addr("10.4.0.1", 80), targets[0].Address)
}

func TestPrune_OnlyAgedDead(t *testing.T) {
	s := newTestStore()

	dead := addr("10.5.0.1", 80)
	s.UpsertCandidate(model.Candidate{Address: dead, Sources: []string{"t"}, Protocol: "http"})
	for i := 0; i < 3; i++ {
		s.ApplyVerdict(model.Verdict{Address: dead, Success: false, Err: errors.New("refused")})
	}
	makeWorking(t, s, addr("10.5.0.2", 80), 10*time.Millisecond)

	// Fresh dead records survive pruning.
	assert.Equal(t, 0, s.Prune(time.Hour))
	assert.Equal(t, 2, s.Len())

	// Aged-out dead records go; the working record stays.
	assert.Equal(t, 1, s.Prune(0))
	assert.Equal(t, 1, s.Len())
	assert.Empty(t, s.ListByState(model.StateDead))
}

func TestCountByState(t *testing.T) {
	s := newTestStore()
	for i := 0; i < 4; i++ {
		s.UpsertCandidate(candidate("10.6.0.1", 80+i, "t"))
	}
	makeWorking(t, s, addr("10.6.1.1", 80), 10*time.Millisecond)

	counts := s.CountByState()
	assert.Equal(t, 4, counts[model.StateCandidate])
	assert.Equal(t, 1, counts[model.StateWorking])
	assert.Equal(t, 5, s.Len())
}

func TestParsePolicy(t *testing.T) {
	cases := []struct {
		in   string
		want Policy
		ok   bool
	}{
		{"", PolicyRandom, true},
		{"random", PolicyRandom, true},
		{"latency", PolicyLatencyWeighted, true},
		{"weighted", PolicyLatencyWeighted, true},
		{"fastest", PolicyFastestOfN, true},
		{"bogus", PolicyRandom, false},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("policy_%s", tc.in), func(t *testing.T) {
			got, err := ParsePolicy(tc.in)
			if tc.ok {
				require.NoError(t, err)
				assert.Equal(t, tc.want, got)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
