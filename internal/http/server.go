package http

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/routefabric/meshd/internal/rib"
	"github.com/routefabric/meshd/internal/schema"
	"github.com/routefabric/meshd/internal/session"
	"go.uber.org/zap"
)

// RIBAPI is the RIB surface the admin API drives.
type RIBAPI interface {
	Submit(a schema.Action) (*rib.CommitResult, error)
	State() *rib.State
	RouteMetadata() map[string]rib.RouteMetadata
	SelfName() string
}

// SessionStatus exposes session introspection for /v1/sessions.
type SessionStatus interface {
	Status() []session.PeerStatus
}

// DBChecker abstracts the journal database health check for testability.
type DBChecker interface {
	Ping(ctx context.Context) error
}

// Server is the operator-facing HTTP surface: health, metrics, RIB
// inspection, and the operator actions that feed the plan/commit
// pipeline.
type Server struct {
	srv       *http.Server
	ribAPI    RIBAPI
	sessions  SessionStatus
	dbChecker DBChecker
	logger    *zap.Logger
}

func NewServer(addr string, ribAPI RIBAPI, sessions SessionStatus, dbChecker DBChecker, logger *zap.Logger) *Server {
	s := &Server{
		ribAPI:    ribAPI,
		sessions:  sessions,
		dbChecker: dbChecker,
		logger:    logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/v1/peers", s.handlePeers)
	mux.HandleFunc("/v1/peers/", s.handlePeerByName)
	mux.HandleFunc("/v1/routes", s.handleRoutes)
	mux.HandleFunc("/v1/routes/", s.handleRouteByName)
	mux.HandleFunc("/v1/rib", s.handleRIB)
	mux.HandleFunc("/v1/route-metadata", s.handleRouteMetadata)
	mux.HandleFunc("/v1/sessions", s.handleSessions)

	s.srv = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	return s
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("HTTP server listening", zap.String("addr", s.srv.Addr))
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "node": s.ribAPI.SelfName()})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	allOK := true

	if s.dbChecker != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.dbChecker.Ping(ctx); err != nil {
			checks["journal_db"] = "error"
			allOK = false
		} else {
			checks["journal_db"] = "ok"
		}
	}

	checks["rib"] = "ok"

	status := "ready"
	httpStatus := http.StatusOK
	if !allOK {
		status = "not_ready"
		httpStatus = http.StatusServiceUnavailable
	}
	writeJSON(w, httpStatus, map[string]any{"status": status, "checks": checks})
}

// handlePeers serves GET (list) and POST (LocalPeerCreate).
func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		st := s.ribAPI.State()
		peers := make([]schema.LocalPeer, 0, len(st.LocalPeers))
		for _, name := range sortedKeys(st.LocalPeers) {
			peers = append(peers, st.LocalPeers[name])
		}
		writeJSON(w, http.StatusOK, peers)
	case http.MethodPost:
		var peer schema.PeerInfo
		if err := json.NewDecoder(r.Body).Decode(&peer); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
		s.submit(w, schema.LocalPeerCreate{Peer: peer}, http.StatusCreated)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handlePeerByName serves PUT (LocalPeerUpdate) and DELETE
// (LocalPeerDelete) on /v1/peers/{name}.
func (s *Server) handlePeerByName(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/v1/peers/")
	if name == "" {
		writeError(w, http.StatusBadRequest, "peer name missing in path")
		return
	}
	switch r.Method {
	case http.MethodPut:
		var peer schema.PeerInfo
		if err := json.NewDecoder(r.Body).Decode(&peer); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
		if peer.Name != name {
			writeError(w, http.StatusBadRequest, "peer name in body does not match path")
			return
		}
		s.submit(w, schema.LocalPeerUpdate{Peer: peer}, http.StatusOK)
	case http.MethodDelete:
		s.submit(w, schema.LocalPeerDelete{Name: name}, http.StatusOK)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleRoutes serves GET (list local routes) and POST
// (LocalRouteCreate).
func (s *Server) handleRoutes(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		st := s.ribAPI.State()
		routes := make([]schema.Route, 0, len(st.LocalRoutes))
		for _, k := range sortedRouteKeys(st.LocalRoutes) {
			routes = append(routes, st.LocalRoutes[k])
		}
		writeJSON(w, http.StatusOK, routes)
	case http.MethodPost:
		var route schema.Route
		if err := json.NewDecoder(r.Body).Decode(&route); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
		s.submit(w, schema.LocalRouteCreate{Route: route}, http.StatusCreated)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleRouteByName serves DELETE /v1/routes/{name}?protocol=http.
func (s *Server) handleRouteByName(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	name := strings.TrimPrefix(r.URL.Path, "/v1/routes/")
	if name == "" {
		writeError(w, http.StatusBadRequest, "route name missing in path")
		return
	}
	protocol := schema.Protocol(r.URL.Query().Get("protocol"))
	s.submit(w, schema.LocalRouteDelete{Name: name, Protocol: protocol}, http.StatusOK)
}

func (s *Server) handleRIB(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	st := s.ribAPI.State()
	writeJSON(w, http.StatusOK, map[string]any{
		"version":        st.Version,
		"localPeers":     st.LocalPeers,
		"localRoutes":    localRoutesView(st),
		"sessionPeers":   st.SessionPeers,
		"internalRoutes": st.InternalRoutes,
	})
}

func (s *Server) handleRouteMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	meta := s.ribAPI.RouteMetadata()
	out := make(map[string]any, len(meta))
	for name, m := range meta {
		out[name] = map[string]any{
			"candidates":      m.Candidates,
			"bestPath":        m.BestPath,
			"selectionReason": m.SelectionReason,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.sessions == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, s.sessions.Status())
}

// submit feeds an action through the pipeline and maps planner error
// kinds to HTTP statuses.
func (s *Server) submit(w http.ResponseWriter, a schema.Action, okStatus int) {
	res, err := s.ribAPI.Submit(a)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, okStatus, map[string]any{
		"committed":    true,
		"version":      res.Next.Version,
		"propagations": len(res.Propagations),
	})
}

func statusForError(err error) int {
	switch rib.KindOf(err) {
	case rib.KindValidation:
		return http.StatusBadRequest
	case rib.KindUnknownPeer, rib.KindNotFound:
		return http.StatusNotFound
	case rib.KindDuplicateRoute, rib.KindStaleCommit:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
