package www

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sort"
	"strconv"
	"time"

	"binedge/engine"
	"binedge/nodestate"
	"binedge/protocol"
	"binedge/store"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func nodeParam(r *http.Request) string {
	return protocol.NormalizeBinID(chi.URLParam(r, "id"))
}

func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"status": "ok",
		"bus":    h.engine.BusConnected(),
	})
}

func (h *Handlers) apiStatus(w http.ResponseWriter, r *http.Request) {
	cfg := h.engine.AppConfig()
	status := map[string]interface{}{
		"gateway_id":    cfg.ResolvedGatewayID(),
		"uptime":        int64(time.Since(h.started).Seconds()),
		"pending":       h.engine.Queue().Len(),
		"nodes":         h.engine.KnownNodes(),
		"bus_connected": h.engine.BusConnected(),
		"transport":     cfg.Transport.Backend,
		"sse_clients":   h.eventHub.Clients(),
	}
	if next, ok := h.engine.Queue().Peek(); ok {
		status["next_due"] = next.DueAt
	}
	if feed := h.engine.Discovery(); feed != nil && cfg.Discovery.RegistryURL != "" {
		ok, err := feed.Connected()
		status["registry_connected"] = ok
		if err != nil {
			status["registry_error"] = err.Error()
		}
	}
	writeJSON(w, status)
}

func (h *Handlers) apiQueue(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.engine.Queue().Snapshot())
}

// nodeView joins the stored node record with its live state.
type nodeView struct {
	store.Node
	State *nodestate.NodeState `json:"state,omitempty"`
}

func (h *Handlers) apiListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := h.engine.DB().ListNodes()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	states, err := h.engine.NodeStates().All(r.Context())
	if err != nil {
		log.Printf("www: node states: %v", err)
	}
	byID := make(map[string]*nodestate.NodeState, len(states))
	for i := range states {
		byID[states[i].NodeID] = &states[i]
	}
	out := make([]nodeView, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, nodeView{Node: n, State: byID[n.ID]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	writeJSON(w, out)
}

func (h *Handlers) apiGetNode(w http.ResponseWriter, r *http.Request) {
	id := nodeParam(r)
	n, err := h.engine.DB().GetNode(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "node not found")
		return
	}
	st, _ := h.engine.NodeStates().Get(r.Context(), id)
	writeJSON(w, nodeView{Node: *n, State: st})
}

func (h *Handlers) apiNodeMeasurements(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, 1000)
	}
	results, err := h.engine.DB().ListPollResults(nodeParam(r), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if results == nil {
		results = []store.PollResult{}
	}
	writeJSON(w, results)
}

func (h *Handlers) apiForcePoll(w http.ResponseWriter, r *http.Request) {
	id := nodeParam(r)
	replyID, err := h.engine.ForcePoll(id)
	if errors.Is(err, engine.ErrUnknownNode) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	requestID := uuid.NewString()
	user, _ := h.sessions.getUser(r)
	log.Printf("www: forced poll node=%s reply=%d request=%s user=%s", id, replyID, requestID, user)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"node_id":     id,
		"reply_id":    replyID,
		"request_id":  requestID,
		"reply_topic": h.engine.Topics().ResponseTopic(id),
	})
}

func (h *Handlers) apiForgetNode(w http.ResponseWriter, r *http.Request) {
	id := nodeParam(r)
	err := h.engine.ForgetNode(id)
	if errors.Is(err, engine.ErrUnknownNode) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]string{"status": "ok", "node_id": id})
}
