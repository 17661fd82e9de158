package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"liuproxy_pool/internal/shared/logger"
	"liuproxy_pool/pool/model"
)

const geonodeURL = "https://proxylist.geonode.com/api/proxy-list?limit=500&page=1&sort_by=lastChecked&sort_type=desc"

// GeonodeSource fetches the geonode JSON API.
type GeonodeSource struct {
	client *http.Client
	url    string
}

// geonodeEntry mirrors the fields we need from the API response. Ports come
// back as strings.
type geonodeEntry struct {
	IP        string   `json:"ip"`
	Port      string   `json:"port"`
	Protocols []string `json:"protocols"`
}

type geonodeResponse struct {
	Data []geonodeEntry `json:"data"`
}

// NewGeonodeSource creates the geonode API source.
func NewGeonodeSource() *GeonodeSource {
	return &GeonodeSource{
		client: &http.Client{Timeout: fetchTimeout},
		url:    geonodeURL,
	}
}

func (s *GeonodeSource) Name() string {
	return "geonode"
}

func (s *GeonodeSource) Fetch(ctx context.Context) ([]*model.Candidate, error) {
	l := logger.WithComponent("Pool/Source")
	l.Debug().Str("source", s.Name()).Msg("Starting fetch...")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request for %s: %w", s.Name(), err)
	}
	req.Header.Set("User-Agent", defaultUserAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", s.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("received non-200 status code (%d) from %s", resp.StatusCode, s.Name())
	}

	var apiResp geonodeResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", s.Name(), err)
	}

	var candidates []*model.Candidate
	for _, entry := range apiResp.Data {
		port, err := strconv.Atoi(entry.Port)
		if err != nil || port < 1 || port > 65535 || entry.IP == "" {
			continue
		}
		protocol := "http"
		for _, p := range entry.Protocols {
			if strings.EqualFold(p, "socks5") {
				protocol = "socks5"
				break
			}
		}
		candidates = append(candidates, &model.Candidate{
			Address:  model.ProxyAddress{Host: entry.IP, Port: port},
			Sources:  []string{s.Name()},
			Protocol: protocol,
		})
	}

	l.Info().Int("count", len(candidates)).Str("source", s.Name()).Msg("Fetch finished.")
	return candidates, nil
}
