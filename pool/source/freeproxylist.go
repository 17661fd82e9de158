package source

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/gocolly/colly/v2"

	"liuproxy_pool/internal/shared/logger"
	"liuproxy_pool/pool/model"
)

const freeProxyListURL = "https://free-proxy-list.net/"

// FreeProxyListSource scrapes free-proxy-list.net with a colly collector.
type FreeProxyListSource struct {
	collector *colly.Collector
}

// NewFreeProxyListSource creates a new FreeProxyListSource.
func NewFreeProxyListSource() *FreeProxyListSource {
	c := colly.NewCollector(
		colly.UserAgent(defaultUserAgent),
	)
	c.SetRequestTimeout(fetchTimeout)

	return &FreeProxyListSource{collector: c}
}

func (s *FreeProxyListSource) Name() string {
	return "free-proxy-list.net"
}

func (s *FreeProxyListSource) Fetch(ctx context.Context) ([]*model.Candidate, error) {
	l := logger.WithComponent("Pool/Source")
	l.Debug().Str("source", s.Name()).Msg("Starting fetch...")

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var (
		candidates []*model.Candidate
		mu         sync.Mutex
	)

	// The collector is shared across cycles; Clone gives each fetch its own
	// handler set.
	c := s.collector.Clone()
	c.OnHTML("table.table tbody tr", func(e *colly.HTMLElement) {
		ip := strings.TrimSpace(e.ChildText("td:nth-child(1)"))
		portStr := strings.TrimSpace(e.ChildText("td:nth-child(2)"))
		if ip == "" || portStr == "" {
			return
		}
		port, err := strconv.Atoi(portStr)
		if err != nil || port < 1 || port > 65535 {
			return
		}

		mu.Lock()
		candidates = append(candidates, &model.Candidate{
			Address:  model.ProxyAddress{Host: ip, Port: port},
			Sources:  []string{s.Name()},
			Protocol: "http",
		})
		mu.Unlock()
	})

	if err := c.Visit(freeProxyListURL); err != nil {
		return nil, err
	}
	c.Wait()

	l.Info().Int("count", len(candidates)).Str("source", s.Name()).Msg("Fetch finished.")
	return candidates, nil
}
