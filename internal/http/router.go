package httpapi

import (
	"net/http"
)

// NewRouter assembles the operator surface. The agent WebSocket endpoint,
// the ops observer endpoint and the metrics handler are mounted here so one
// listener serves everything; mw wraps the operator routes only, the agent
// protocol carries no bearer keys.
func NewRouter(svc *Service, wsHandler, opsHandler, metricsHandler http.Handler, mw func(http.Handler) http.Handler) http.Handler {
	mux := http.NewServeMux()
	wrap := func(h http.HandlerFunc) http.Handler {
		handler := http.Handler(h)
		if mw != nil {
			handler = mw(handler)
		}
		return handler
	}

	mux.Handle("/api/agents", wrap(svc.handleAgents))
	mux.Handle("/api/agents/", wrap(svc.handleAgentByID))
	mux.Handle("/api/connections", wrap(svc.handleConnections))
	mux.Handle("/api/projects", wrap(svc.handleProjects))
	mux.Handle("/api/projects/", wrap(svc.handleProjectByID))
	mux.Handle("/api/sessions/", wrap(svc.handleSessionByID))
	mux.Handle("/api/teams/", wrap(svc.handleTeamByID))
	mux.Handle("/api/contexts", wrap(svc.handleContexts))
	mux.Handle("/api/contexts/", wrap(svc.handleContextByID))

	mux.HandleFunc("/healthz", handleHealthz)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	if opsHandler != nil {
		if mw != nil {
			opsHandler = mw(opsHandler)
		}
		mux.Handle("/ws/ops", opsHandler)
	}
	if wsHandler != nil {
		mux.Handle("/ws/", wsHandler)
	}

	return mux
}
