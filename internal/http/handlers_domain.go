package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/mistakeknot/commune/internal/core"
)

// Project, session and team CRUD. Deletes are soft and cascade at read
// time: contexts under a deleted session or project stop being listed.

func (s *Service) handleProjects(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		projects, err := s.store.ListProjects(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		if projects == nil {
			projects = []core.Project{}
		}
		writeJSON(w, http.StatusOK, projects)
	case http.MethodPost:
		var p core.Project
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if strings.TrimSpace(p.Name) == "" {
			writeError(w, core.ErrValidation)
			return
		}
		var created core.Project
		err := s.writer.Submit(r.Context(), "project.create", func(ctx context.Context) error {
			var err error
			created, err = s.store.CreateProject(ctx, p)
			return err
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Service) handleProjectByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/projects/"), "/")
	id, sub, _ := strings.Cut(rest, "/")
	if id == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	switch sub {
	case "":
		switch r.Method {
		case http.MethodGet:
			p, err := s.store.GetProject(r.Context(), id)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, p)
		case http.MethodDelete:
			err := s.writer.Submit(r.Context(), "project.delete", func(ctx context.Context) error {
				return s.store.SoftDeleteProject(ctx, id)
			})
			if err != nil {
				writeError(w, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	case "sessions":
		s.handleProjectSessions(w, r, id)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *Service) handleProjectSessions(w http.ResponseWriter, r *http.Request, projectID string) {
	switch r.Method {
	case http.MethodGet:
		sessions, err := s.store.ListSessions(r.Context(), projectID)
		if err != nil {
			writeError(w, err)
			return
		}
		if sessions == nil {
			sessions = []core.Session{}
		}
		writeJSON(w, http.StatusOK, sessions)
	case http.MethodPost:
		var sess core.Session
		if err := json.NewDecoder(r.Body).Decode(&sess); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		sess.ProjectID = projectID
		if strings.TrimSpace(sess.Name) == "" {
			writeError(w, core.ErrValidation)
			return
		}
		var created core.Session
		err := s.writer.Submit(r.Context(), "session.create", func(ctx context.Context) error {
			var err error
			created, err = s.store.CreateSession(ctx, sess)
			return err
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Service) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/sessions/"), "/")
	id, sub, _ := strings.Cut(rest, "/")
	if id == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	switch sub {
	case "":
		switch r.Method {
		case http.MethodGet:
			sess, err := s.store.GetSession(r.Context(), id)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, sess)
		case http.MethodDelete:
			err := s.writer.Submit(r.Context(), "session.delete", func(ctx context.Context) error {
				return s.store.SoftDeleteSession(ctx, id)
			})
			if err != nil {
				writeError(w, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	case "teams":
		s.handleSessionTeams(w, r, id)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *Service) handleSessionTeams(w http.ResponseWriter, r *http.Request, sessionID string) {
	switch r.Method {
	case http.MethodGet:
		teams, err := s.store.ListTeams(r.Context(), sessionID)
		if err != nil {
			writeError(w, err)
			return
		}
		if teams == nil {
			teams = []core.Team{}
		}
		writeJSON(w, http.StatusOK, teams)
	case http.MethodPost:
		var team core.Team
		if err := json.NewDecoder(r.Body).Decode(&team); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		team.SessionID = sessionID
		if strings.TrimSpace(team.Name) == "" {
			writeError(w, core.ErrValidation)
			return
		}
		if _, err := s.store.GetSession(r.Context(), sessionID); err != nil {
			writeError(w, err)
			return
		}
		var created core.Team
		err := s.writer.Submit(r.Context(), "team.create", func(ctx context.Context) error {
			var err error
			created, err = s.store.CreateTeam(ctx, team)
			return err
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Service) handleTeamByID(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/teams/"), "/")
	if id == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if r.Method != http.MethodDelete {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	err := s.writer.Submit(r.Context(), "team.delete", func(ctx context.Context) error {
		return s.store.SoftDeleteTeam(ctx, id)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
