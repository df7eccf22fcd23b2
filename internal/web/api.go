package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/mtzanidakis/hivemind/internal/agent"
	"github.com/mtzanidakis/hivemind/internal/coordination"
	"github.com/mtzanidakis/hivemind/internal/lifecycle"
)

func (s *Server) registerAPI(mux *http.ServeMux) {
	// Agents
	mux.HandleFunc("GET /api/agents", s.listAgents)
	mux.HandleFunc("POST /api/agents", s.spawnAgent)
	mux.HandleFunc("GET /api/agents/{id}", s.getAgent)
	mux.HandleFunc("DELETE /api/agents/{id}", s.terminateAgent)
	mux.HandleFunc("POST /api/agents/{id}/transition", s.transitionAgent)
	mux.HandleFunc("POST /api/agents/{id}/wake", s.wakeAgent)
	mux.HandleFunc("POST /api/agents/{id}/activity", s.recordActivity)
	mux.HandleFunc("PUT /api/agents/{id}/resources", s.reportResources)

	// Swarm
	mux.HandleFunc("POST /api/swarm/terminate", s.terminateSwarm)
	mux.HandleFunc("GET /api/work", s.getWork)
	mux.HandleFunc("PUT /api/work", s.setWork)

	// TTL policies and cleanup
	mux.HandleFunc("GET /api/ttl", s.listTTL)
	mux.HandleFunc("GET /api/ttl/{scope}", s.getTTL)
	mux.HandleFunc("PUT /api/ttl/{scope}", s.setTTL)
	mux.HandleFunc("DELETE /api/ttl/{scope}", s.deleteTTL)
	mux.HandleFunc("GET /api/cleanup", s.getCleanup)

	// Protocols
	mux.HandleFunc("GET /api/protocols", s.listProtocols)
	mux.HandleFunc("POST /api/protocols", s.generateProtocol)
	mux.HandleFunc("GET /api/protocols/{id}", s.getProtocol)
	mux.HandleFunc("DELETE /api/protocols/{id}", s.invalidateProtocol)
	mux.HandleFunc("POST /api/protocols/{id}/activate", s.activateProtocol)
	mux.HandleFunc("GET /api/activations/{id}/metrics", s.activationMetrics)
	mux.HandleFunc("GET /api/activations/{id}/sync", s.activationSync)

	// Conflicts
	mux.HandleFunc("GET /api/conflicts", s.listConflicts)
	mux.HandleFunc("GET /api/conflicts/pending", s.pendingConflicts)
	mux.HandleFunc("POST /api/conflicts/{id}/resolve", s.resolveConflict)

	// System
	mux.HandleFunc("GET /api/status", s.getStatus)
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	reg := s.swarm.Registry()
	var agents []*agent.Agent
	switch {
	case r.URL.Query().Get("state") != "":
		st := agent.State(r.URL.Query().Get("state"))
		if !st.Valid() {
			jsonError(w, fmt.Sprintf("unknown state %q", st), http.StatusBadRequest)
			return
		}
		agents = reg.ListState(st)
	case r.URL.Query().Get("type") != "":
		agents = reg.ByType(r.URL.Query().Get("type"))
	case r.URL.Query().Get("capability") != "":
		agents = reg.ByCapability(r.URL.Query().Get("capability"))
	default:
		agents = reg.List()
	}
	if agents == nil {
		agents = []*agent.Agent{}
	}
	jsonResponse(w, agents)
}

func (s *Server) getAgent(w http.ResponseWriter, r *http.Request) {
	a, err := s.swarm.Registry().Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, a)
}

func (s *Server) spawnAgent(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Type         string   `json:"type"`
		Capabilities []string `json:"capabilities"`
		Generation   int      `json:"generation"`
		PendingTasks []string `json:"pending_tasks"`
	}
	if !decode(w, r, &body) {
		return
	}
	if body.Type == "" {
		body.Type = s.swarm.Config().Swarm.WorkerType
	}

	a, err := s.swarm.Spawn(r.Context(), body.Type, body.Capabilities,
		agent.WithGeneration(body.Generation), agent.WithPendingTasks(body.PendingTasks...))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(a)
}

func (s *Server) transitionAgent(w http.ResponseWriter, r *http.Request) {
	var body struct {
		State  agent.State `json:"state"`
		Reason string      `json:"reason"`
	}
	if !decode(w, r, &body) {
		return
	}
	if !body.State.Valid() {
		jsonError(w, fmt.Sprintf("unknown state %q", body.State), http.StatusBadRequest)
		return
	}
	if body.Reason == "" {
		body.Reason = "admin request"
	}

	id := r.PathValue("id")
	if err := s.swarm.Engine().Transition(r.Context(), id, body.State, body.Reason); err != nil {
		writeError(w, err)
		return
	}
	s.respondAgent(w, id)
}

func (s *Server) wakeAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.swarm.Engine().Wake(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	s.respondAgent(w, id)
}

func (s *Server) recordActivity(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Task           string `json:"task"`
		Pattern        string `json:"pattern"`
		Success        bool   `json:"success"`
		ResponseTimeMs int64  `json:"response_time_ms"`
	}
	if !decode(w, r, &body) {
		return
	}
	id := r.PathValue("id")
	err := s.swarm.Engine().RecordActivity(id, agent.Activity{
		Task:         body.Task,
		Pattern:      body.Pattern,
		Success:      body.Success,
		ResponseTime: time.Duration(body.ResponseTimeMs) * time.Millisecond,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	s.respondAgent(w, id)
}

func (s *Server) reportResources(w http.ResponseWriter, r *http.Request) {
	var body agent.Resources
	if !decode(w, r, &body) {
		return
	}
	id := r.PathValue("id")
	if err := s.swarm.Engine().ReportResources(id, body); err != nil {
		writeError(w, err)
		return
	}
	s.respondAgent(w, id)
}

func (s *Server) terminateAgent(w http.ResponseWriter, r *http.Request) {
	grace, err := parseGrace(r)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	id := r.PathValue("id")
	if !s.swarm.Registry().Has(id) {
		writeError(w, lifecycle.ErrAgentNotFound)
		return
	}
	if err := s.swarm.Engine().ForceTerminate(r.Context(), id, grace); err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, map[string]string{"status": "terminated"})
}

func (s *Server) terminateSwarm(w http.ResponseWriter, r *http.Request) {
	grace, err := parseGrace(r)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	n, err := s.swarm.TerminateSwarm(r.Context(), grace)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]int{"terminated": n})
}

func (s *Server) getWork(w http.ResponseWriter, r *http.Request) {
	work, ok := s.swarm.Work()
	if !ok {
		jsonError(w, "no work structure set", http.StatusNotFound)
		return
	}
	jsonResponse(w, work)
}

func (s *Server) setWork(w http.ResponseWriter, r *http.Request) {
	var work coordination.WorkStructure
	if !decode(w, r, &work) {
		return
	}
	s.swarm.SetWork(work)
	jsonResponse(w, map[string]string{"status": "ok"})
}

func (s *Server) listTTL(w http.ResponseWriter, r *http.Request) {
	policies := s.swarm.TTL().List()
	if policies == nil {
		policies = []lifecycle.ScopedPolicy{}
	}
	jsonResponse(w, policies)
}

type ttlBody struct {
	TTL        string `json:"ttl"`
	AutoRetire bool   `json:"auto_retire"`
	Inherit    bool   `json:"inherit"`
}

func (s *Server) getTTL(w http.ResponseWriter, r *http.Request) {
	scope, key := lifecycle.Scope(r.PathValue("scope")), r.URL.Query().Get("key")
	p, ok := s.swarm.TTL().Get(scope, key)
	if !ok {
		jsonError(w, "ttl policy not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, ttlView(scope, key, p))
}

func (s *Server) setTTL(w http.ResponseWriter, r *http.Request) {
	var body ttlBody
	if !decode(w, r, &body) {
		return
	}
	ttl, err := time.ParseDuration(body.TTL)
	if err != nil {
		jsonError(w, fmt.Sprintf("invalid ttl: %v", err), http.StatusBadRequest)
		return
	}
	scope, key := lifecycle.Scope(r.PathValue("scope")), r.URL.Query().Get("key")
	p := lifecycle.Policy{TTL: ttl, AutoRetire: body.AutoRetire, Inherit: body.Inherit}
	if err := s.swarm.TTL().Set(r.Context(), scope, key, p); err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, ttlView(scope, key, p))
}

func (s *Server) deleteTTL(w http.ResponseWriter, r *http.Request) {
	scope, key := lifecycle.Scope(r.PathValue("scope")), r.URL.Query().Get("key")
	if err := s.swarm.TTL().Clear(r.Context(), scope, key); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func ttlView(scope lifecycle.Scope, key string, p lifecycle.Policy) map[string]any {
	return map[string]any{
		"scope":       scope,
		"key":         key,
		"ttl":         p.TTL.String(),
		"auto_retire": p.AutoRetire,
		"inherit":     p.Inherit,
	}
}

func (s *Server) getCleanup(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.swarm.Reaper().Status())
}

func (s *Server) listProtocols(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.swarm.Coordination().List())
}

func (s *Server) generateProtocol(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Work   coordination.WorkStructure `json:"work"`
		Agents []string                   `json:"agents"`
	}
	if !decode(w, r, &body) {
		return
	}
	if len(body.Agents) == 0 {
		for _, a := range s.swarm.Registry().ListState(agent.StateActive) {
			body.Agents = append(body.Agents, a.ID)
		}
	}
	p, err := s.swarm.Coordination().Generate(body.Work, body.Agents)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(p)
}

func (s *Server) getProtocol(w http.ResponseWriter, r *http.Request) {
	p, err := s.swarm.Coordination().Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, p)
}

func (s *Server) invalidateProtocol(w http.ResponseWriter, r *http.Request) {
	if err := s.swarm.Coordination().Invalidate(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) activateProtocol(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Agents []string `json:"agents"`
	}
	if r.ContentLength != 0 && !decode(w, r, &body) {
		return
	}
	act, err := s.swarm.Coordination().Activate(r.PathValue("id"), body.Agents)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(activationView(act))
}

func activationView(act *coordination.Activation) map[string]any {
	return map[string]any{
		"id":       act.ID,
		"protocol": act.Protocol().ID,
		"agents":   act.Members(),
		"channels": act.Channels(),
		"metrics":  act.Metrics(),
	}
}

func (s *Server) activation(w http.ResponseWriter, r *http.Request) (*coordination.Activation, bool) {
	act, ok := s.swarm.Coordination().Activation(r.PathValue("id"))
	if !ok {
		jsonError(w, "activation not found", http.StatusNotFound)
	}
	return act, ok
}

func (s *Server) activationMetrics(w http.ResponseWriter, r *http.Request) {
	act, ok := s.activation(w, r)
	if !ok {
		return
	}
	jsonResponse(w, map[string]any{
		"activation": act.Metrics(),
		"protocol":   act.Protocol().Metrics,
	})
}

func (s *Server) activationSync(w http.ResponseWriter, r *http.Request) {
	act, ok := s.activation(w, r)
	if !ok {
		return
	}
	jsonResponse(w, act.SyncPoints())
}

func (s *Server) listConflicts(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			jsonError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	protocolID := r.URL.Query().Get("protocol")

	var recs []coordination.ConflictRecord
	if s.conflicts != nil {
		var err error
		if recs, err = s.conflicts.ListConflicts(r.Context(), protocolID, limit); err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
	} else {
		// Memory history is oldest first.
		hist := s.swarm.Coordination().History(0)
		for i := len(hist) - 1; i >= 0 && len(recs) < limit; i-- {
			if protocolID == "" || hist[i].ProtocolID == protocolID {
				recs = append(recs, hist[i])
			}
		}
	}
	if recs == nil {
		recs = []coordination.ConflictRecord{}
	}
	jsonResponse(w, recs)
}

func (s *Server) pendingConflicts(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.swarm.Coordination().PendingEscalations())
}

func (s *Server) resolveConflict(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Winner string `json:"winner"`
	}
	if !decode(w, r, &body) {
		return
	}
	if body.Winner == "" {
		jsonError(w, "winner is required", http.StatusBadRequest)
		return
	}
	rec, err := s.swarm.Coordination().ResolveEscalation(r.PathValue("id"), body.Winner)
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, rec)
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, map[string]any{
		"version":           s.version,
		"uptime":            formatUptime(time.Since(s.startedAt)),
		"websocket_clients": s.hub.Clients(),
		"swarm":             s.swarm.Status(),
	})
}

func (s *Server) respondAgent(w http.ResponseWriter, id string) {
	a, err := s.swarm.Registry().Get(id)
	if err != nil {
		// Terminal transitions remove the agent.
		jsonResponse(w, map[string]any{"id": id, "state": agent.StateTerminated})
		return
	}
	jsonResponse(w, a)
}

func parseGrace(r *http.Request) (time.Duration, error) {
	v := r.URL.Query().Get("grace")
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid grace period %q", v)
	}
	return d, nil
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// writeError maps domain errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	var initErr *lifecycle.InitializationError
	switch {
	case errors.Is(err, lifecycle.ErrAgentNotFound),
		errors.Is(err, coordination.ErrProtocolNotFound),
		errors.Is(err, coordination.ErrConflictNotFound):
		code = http.StatusNotFound
	case errors.Is(err, agent.ErrInvalidSpec),
		errors.Is(err, lifecycle.ErrInvalidPolicy),
		errors.Is(err, coordination.ErrNoAgents),
		errors.Is(err, coordination.ErrNotParticipant),
		errors.Is(err, coordination.ErrDependencyCycle):
		code = http.StatusBadRequest
	case errors.Is(err, lifecycle.ErrIllegalTransition),
		errors.Is(err, lifecycle.ErrWakeRequired),
		errors.Is(err, lifecycle.ErrNotActive),
		errors.Is(err, lifecycle.ErrCapacityExceeded),
		errors.Is(err, coordination.ErrProtocolExpired),
		errors.Is(err, coordination.ErrActivationClosed):
		code = http.StatusConflict
	case errors.Is(err, lifecycle.ErrShuttingDown):
		code = http.StatusServiceUnavailable
	case errors.As(err, &initErr):
		code = http.StatusUnprocessableEntity
	}
	jsonError(w, err.Error(), code)
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	return fmt.Sprintf("%dm", mins)
}

func jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
