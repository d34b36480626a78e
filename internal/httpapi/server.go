package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/frozenspider/rosetta/internal/service"
)

type Server struct {
	orchestrator *service.Orchestrator

	mux    *http.ServeMux
	server *http.Server
}

func NewServer(orchestrator *service.Orchestrator) *Server {
	s := &Server{
		orchestrator: orchestrator,
		mux:          http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/jobs", s.handleJobs)
	s.mux.HandleFunc("/api/jobs/", s.handleJobByID)
}
