package source

import (
	"context"
	"net/url"
	"strings"
	"time"

	"liuproxy_pool/pool/model"
)

const (
	defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/108.0.0.0 Safari/537.36"
	fetchTimeout     = 20 * time.Second
)

// Source fetches raw candidates from one proxy-list provider. Implementations
// only fetch and parse; they never validate and never touch the pool.
type Source interface {
	// Fetch retrieves and parses the provider's current list. Each returned
	// candidate carries this source's tag.
	Fetch(ctx context.Context) ([]*model.Candidate, error)

	// Name returns the source tag used in logs and on records.
	Name() string
}

// DefaultSources returns the built-in provider registry. Adding a provider
// means adding a Source variant (or a TextListSource entry), not branching on
// response shapes elsewhere.
func DefaultSources() []Source {
	return []Source{
		NewTextListSource("speedx-http", "https://raw.githubusercontent.com/TheSpeedX/PROXY-List/master/http.txt", "http"),
		NewTextListSource("speedx-socks5", "https://raw.githubusercontent.com/TheSpeedX/PROXY-List/master/socks5.txt", "socks5"),
		NewTextListSource("monosans-http", "https://raw.githubusercontent.com/monosans/proxy-list/main/proxies/http.txt", "http"),
		NewTextListSource("monosans-socks5", "https://raw.githubusercontent.com/monosans/proxy-list/main/proxies/socks5.txt", "socks5"),
		NewTextListSource("proxyscrape-http", "https://api.proxyscrape.com/v2/?request=get&protocol=http&timeout=10000&country=all", "http"),
		NewGeonodeSource(),
		NewProxydbSource(),
		NewFreeProxyListSource(),
	}
}

// ExtraTextSources parses the comma-separated extra_sources config value into
// additional raw-text sources. The tag is derived from the URL host.
func ExtraTextSources(list string) []Source {
	var out []Source
	for _, raw := range strings.Split(list, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			continue
		}
		out = append(out, NewTextListSource("extra-"+u.Host, raw, "http"))
	}
	return out
}
