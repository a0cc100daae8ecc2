package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/mistakeknot/commune/internal/auth"
	"github.com/mistakeknot/commune/internal/core"
)

func (s *Service) handleAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	status := core.RegistrationStatus(strings.TrimSpace(r.URL.Query().Get("status")))
	agents, err := s.dir.List(r.Context(), status)
	if err != nil {
		writeError(w, err)
		return
	}
	if agents == nil {
		agents = []core.Agent{}
	}
	writeJSON(w, http.StatusOK, agents)
}

func (s *Service) handleAgentByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/agents/"), "/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	switch action {
	case "":
		switch r.Method {
		case http.MethodGet:
			s.getAgent(w, r, id)
		case http.MethodDelete:
			s.deleteAgent(w, r, id)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	case "assign":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.assignAgent(w, r, id)
	case "permission":
		if r.Method != http.MethodPatch {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.setAgentPermission(w, r, id)
	case "teams":
		if r.Method != http.MethodPut {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.setAgentTeams(w, r, id)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *Service) getAgent(w http.ResponseWriter, r *http.Request, id string) {
	agent, err := s.dir.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Service) deleteAgent(w http.ResponseWriter, r *http.Request, id string) {
	err := s.writer.Submit(r.Context(), "agent.delete", func(ctx context.Context) error {
		return s.store.SoftDeleteAgent(ctx, id)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type assignRequest struct {
	SessionID  string   `json:"session_id"`
	TeamIDs    []string `json:"team_ids"`
	Permission string   `json:"permission_level"`
}

func (s *Service) assignAgent(w http.ResponseWriter, r *http.Request, id string) {
	var req assignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	agent, err := s.dir.Assign(r.Context(), id, req.SessionID, req.TeamIDs,
		core.ParsePermissionLevel(req.Permission), operatorID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

type permissionRequest struct {
	Permission string `json:"permission_level"`
}

func (s *Service) setAgentPermission(w http.ResponseWriter, r *http.Request, id string) {
	var req permissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	agent, err := s.dir.SetPermission(r.Context(), id, core.ParsePermissionLevel(req.Permission))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

type teamsRequest struct {
	TeamIDs []string `json:"team_ids"`
}

func (s *Service) setAgentTeams(w http.ResponseWriter, r *http.Request, id string) {
	var req teamsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	agent, err := s.dir.SetTeams(r.Context(), id, req.TeamIDs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Service) handleConnections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	liveOnly := r.URL.Query().Get("all") != "true"
	conns, err := s.store.ListConnections(r.Context(), liveOnly)
	if err != nil {
		writeError(w, err)
		return
	}
	if conns == nil {
		conns = []core.Connection{}
	}
	writeJSON(w, http.StatusOK, conns)
}

// operatorID names the caller for audit fields. Localhost callers without a
// key show up as "operator".
func operatorID(r *http.Request) string {
	info, _ := auth.FromContext(r.Context())
	if info.Operator != "" {
		return info.Operator
	}
	return "operator"
}
