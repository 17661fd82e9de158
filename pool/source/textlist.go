package source

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"strings"

	"liuproxy_pool/internal/shared/logger"
	"liuproxy_pool/pool/model"
)

// TextListSource handles the most common provider shape: one ip:port per
// line, optionally interleaved with comments and garbage.
type TextListSource struct {
	name     string
	url      string
	protocol string
	client   *http.Client
}

// NewTextListSource creates a source for a raw text list endpoint.
func NewTextListSource(name, url, protocol string) *TextListSource {
	return &TextListSource{
		name:     name,
		url:      url,
		protocol: protocol,
		client:   &http.Client{Timeout: fetchTimeout},
	}
}

func (s *TextListSource) Name() string {
	return s.name
}

func (s *TextListSource) Fetch(ctx context.Context) ([]*model.Candidate, error) {
	l := logger.WithComponent("Pool/Source")
	l.Debug().Str("source", s.name).Msg("Starting fetch...")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request for %s: %w", s.name, err)
	}
	req.Header.Set("User-Agent", defaultUserAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch list for %s: %w", s.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("received non-200 status code (%d) from %s", resp.StatusCode, s.name)
	}

	var candidates []*model.Candidate
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "//") {
			continue
		}
		// Some lists prefix entries with a scheme; strip it.
		if i := strings.Index(line, "://"); i >= 0 {
			line = line[i+3:]
		}
		addr, err := model.ParseAddress(line)
		if err != nil {
			continue
		}
		candidates = append(candidates, &model.Candidate{
			Address:  addr,
			Sources:  []string{s.name},
			Protocol: s.protocol,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read list body from %s: %w", s.name, err)
	}

	l.Info().Int("count", len(candidates)).Str("source", s.name).Msg("Fetch finished.")
	return candidates, nil
}
