package source

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"liuproxy_pool/internal/shared/logger"
	"liuproxy_pool/pool/model"
)

// ProxydbSource scrapes the proxydb.net free proxy table.
type ProxydbSource struct {
	client *http.Client
}

// NewProxydbSource creates a new ProxydbSource.
func NewProxydbSource() *ProxydbSource {
	return &ProxydbSource{
		client: &http.Client{Timeout: fetchTimeout},
	}
}

func (s *ProxydbSource) Name() string {
	return "proxydb.net"
}

func (s *ProxydbSource) Fetch(ctx context.Context) ([]*model.Candidate, error) {
	l := logger.WithComponent("Pool/Source")
	l.Debug().Str("source", s.Name()).Msg("Starting fetch...")

	var candidates []*model.Candidate
	// Pagination runs on an offset parameter in steps of 15; the first few
	// pages carry the freshest entries.
	for offset := 0; offset <= 30; offset += 15 {
		url := fmt.Sprintf("https://proxydb.net/?protocol=http&protocol=socks5&offset=%d", offset)

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			l.Warn().Err(err).Str("url", url).Str("source", s.Name()).Msg("Failed to create request.")
			continue
		}
		req.Header.Set("User-Agent", defaultUserAgent)
		req.Header.Set("Accept-Language", "en-US,en;q=0.9")

		resp, err := s.client.Do(req)
		if err != nil {
			l.Warn().Err(err).Str("url", url).Str("source", s.Name()).Msg("Failed to fetch page.")
			continue
		}

		if resp.StatusCode != http.StatusOK {
			l.Warn().Int("status_code", resp.StatusCode).Str("source", s.Name()).Msg("Received non-200 status code.")
			resp.Body.Close()
			continue
		}

		doc, err := goquery.NewDocumentFromReader(resp.Body)
		resp.Body.Close()
		if err != nil {
			l.Warn().Err(err).Str("source", s.Name()).Msg("Failed to parse HTML document.")
			continue
		}

		doc.Find("tbody tr").Each(func(_ int, sel *goquery.Selection) {
			ip := strings.TrimSpace(sel.Find("td").Eq(0).Find("a").Text())
			portStr := strings.TrimSpace(sel.Find("td").Eq(1).Find("a").Text())
			if ip == "" || portStr == "" {
				return
			}

			protocol := strings.ToLower(strings.TrimSpace(sel.Find("td").Eq(2).Text()))
			if protocol != "socks5" {
				protocol = "http"
			}

			port, err := strconv.Atoi(portStr)
			if err != nil {
				l.Warn().Str("ip", ip).Str("port", portStr).Str("source", s.Name()).Msg("Failed to parse port, skipping row.")
				return
			}

			candidates = append(candidates, &model.Candidate{
				Address:  model.ProxyAddress{Host: ip, Port: port},
				Sources:  []string{s.Name()},
				Protocol: protocol,
			})
		})
	}

	l.Info().Int("count", len(candidates)).Str("source", s.Name()).Msg("Fetch finished.")
	return candidates, nil
}
