package source

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"liuproxy_pool/internal/shared/logger"
	"liuproxy_pool/pool/model"
)

// Fetcher runs every registered source concurrently and merges the results
// into a deduplicated candidate set. A failing source is logged and skipped;
// it can never abort the cycle.
type Fetcher struct {
	sources []Source
	timeout time.Duration
}

// NewFetcher creates a fetcher over the given sources. timeout bounds each
// individual source fetch.
func NewFetcher(sources []Source, timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = fetchTimeout
	}
	return &Fetcher{sources: sources, timeout: timeout}
}

// Sources returns the registered source count, for status reporting.
func (f *Fetcher) Sources() int {
	return len(f.sources)
}

// FetchAll fetches all sources and returns candidates deduplicated by
// address. When several sources report the same address, the candidate
// carries the union of their tags and keeps the first protocol hint seen.
func (f *Fetcher) FetchAll(ctx context.Context) []*model.Candidate {
	l := logger.WithComponent("Pool/Fetcher")

	var (
		mu     sync.Mutex
		byAddr = make(map[model.ProxyAddress]*model.Candidate)
		failed int
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, src := range f.sources {
		g.Go(func() error {
			srcCtx, cancel := context.WithTimeout(gctx, f.timeout)
			defer cancel()

			candidates, err := src.Fetch(srcCtx)
			if err != nil {
				l.Warn().Err(err).Str("source", src.Name()).Msg("Source fetch failed, skipping.")
				mu.Lock()
				failed++
				mu.Unlock()
				return nil // source failures never fail the group
			}

			mu.Lock()
			for _, c := range candidates {
				if existing, ok := byAddr[c.Address]; ok {
					existing.Sources = mergeTags(existing.Sources, c.Sources)
					continue
				}
				byAddr[c.Address] = c
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if failed == len(f.sources) && len(f.sources) > 0 {
		l.Error().Int("sources", len(f.sources)).Msg("All sources unreachable this cycle.")
	}

	out := make([]*model.Candidate, 0, len(byAddr))
	for _, c := range byAddr {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Address.String() < out[j].Address.String()
	})

	l.Info().
		Int("unique", len(out)).
		Int("sources", len(f.sources)).
		Int("failed_sources", failed).
		Msg("Fetch cycle finished.")
	return out
}

func mergeTags(dst, add []string) []string {
	for _, tag := range add {
		found := false
		for _, have := range dst {
			if have == tag {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, tag)
		}
	}
	sort.Strings(dst)
	return dst
}
