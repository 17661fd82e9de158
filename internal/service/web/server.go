package web

import (
	"net/http"
	"sync"

	"liuproxy_pool/internal/shared/logger"
	"liuproxy_pool/internal/shared/types"
)

// basicAuthMiddleware enforces HTTP Basic Authentication when web_user and
// web_password are both configured; otherwise the handler is served as-is.
func basicAuthMiddleware(next http.Handler, user, pass string) http.Handler {
	if user == "" || pass == "" {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || u != user || p != pass {
			w.Header().Set("WWW-Authenticate", `Basic realm="Restricted"`)
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte("Unauthorized.\n"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// StartServer launches the status/selection API in the background. An empty
// listen_addr disables it.
func StartServer(wg *sync.WaitGroup, cfg *types.Config, ctrl PoolController) {
	l := logger.WithComponent("Web")
	if cfg.WebConf.ListenAddr == "" {
		l.Info().Msg("Status API is disabled (listen_addr not set).")
		return
	}

	handler := NewHandler(ctrl)
	mux := http.NewServeMux()

	user := cfg.WebConf.WebUser
	pass := cfg.WebConf.WebPassword

	mux.Handle("/api/status", basicAuthMiddleware(http.HandlerFunc(handler.HandleStatus), user, pass))
	mux.Handle("/api/select", basicAuthMiddleware(http.HandlerFunc(handler.HandleSelect), user, pass))
	mux.Handle("/api/proxies", basicAuthMiddleware(http.HandlerFunc(handler.HandleProxies), user, pass))
	mux.Handle("/api/working", basicAuthMiddleware(http.HandlerFunc(handler.HandleWorking), user, pass))
	mux.Handle("/api/import", basicAuthMiddleware(http.HandlerFunc(handler.HandleImport), user, pass))

	wg.Add(1)
	go func() {
		defer wg.Done()
		l.Info().Str("addr", cfg.WebConf.ListenAddr).Msg("Status API listening.")
		if err := http.ListenAndServe(cfg.WebConf.ListenAddr, mux); err != nil {
			l.Error().Err(err).Msg("Status API server exited.")
		}
	}()
}
