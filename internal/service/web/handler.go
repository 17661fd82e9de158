package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"

	manager "liuproxy_pool/pool"
	"liuproxy_pool/pool/model"
	"liuproxy_pool/pool/store"
)

// PoolController is the slice of the manager the web handlers need. It keeps
// the web package decoupled from the manager's internals.
type PoolController interface {
	Status() manager.Status
	SelectWorking(policy store.Policy, n int) (model.ProxyAddress, error)
	Snapshot() *model.PoolSnapshot
	ImportAddresses(lines []string, protocol string) int
}

// Handler serves the status/selection API.
type Handler struct {
	ctrl PoolController
}

// NewHandler creates a Handler over the given controller.
func NewHandler(ctrl PoolController) *Handler {
	return &Handler{ctrl: ctrl}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// HandleStatus handles GET /api/status.
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.ctrl.Status())
}

// HandleSelect handles GET /api/select?policy=random|latency|fastest&n=5.
// Returns 503 when the pool has no working proxy.
func (h *Handler) HandleSelect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	policy, err := store.ParsePolicy(r.URL.Query().Get("policy"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	n, _ := strconv.Atoi(r.URL.Query().Get("n"))

	addr, err := h.ctrl.SelectWorking(policy, n)
	if err != nil {
		if errors.Is(err, store.ErrEmptyPool) {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"proxy": addr.String()})
}

// HandleProxies handles GET /api/proxies?state=working. Without a state
// filter the full snapshot is returned.
func (h *Handler) HandleProxies(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snap := h.ctrl.Snapshot()
	if stateStr := r.URL.Query().Get("state"); stateStr != "" {
		state, err := model.ParseState(stateStr)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		filtered := snap.Records[:0]
		for _, rec := range snap.Records {
			if rec.State == state {
				filtered = append(filtered, rec)
			}
		}
		snap.Records = filtered
	}
	writeJSON(w, http.StatusOK, snap)
}

// HandleWorking handles GET /api/working: the plain fastest-first address
// list, the same contract as the exported working list file.
func (h *Handler) HandleWorking(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snap := h.ctrl.Snapshot()
	working := make([]*model.ProxyRecord, 0, len(snap.Records))
	for _, rec := range snap.Records {
		if rec.State == model.StateWorking {
			working = append(working, rec)
		}
	}
	sort.Slice(working, func(i, j int) bool {
		li, lj := working[i].AvgLatency, working[j].AvgLatency
		if li == 0 {
			li = 1<<63 - 1
		}
		if lj == 0 {
			lj = 1<<63 - 1
		}
		return li < lj
	})

	addrs := make([]string, len(working))
	for i, rec := range working {
		addrs[i] = rec.Address.String()
	}
	writeJSON(w, http.StatusOK, addrs)
}

type importRequest struct {
	Proxies  []string `json:"proxies"`
	Protocol string   `json:"protocol"`
}

// HandleImport handles POST /api/import with a JSON body of addresses.
func (h *Handler) HandleImport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req importRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	accepted := h.ctrl.ImportAddresses(req.Proxies, req.Protocol)
	writeJSON(w, http.StatusOK, map[string]int{"accepted": accepted})
}
