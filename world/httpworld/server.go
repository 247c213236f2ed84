// Package httpworld exposes an operator-facing REST control surface
// over an existing World (spec.md §6's external-interfaces list): a
// rank/size status endpoint and a fence trigger, grounded on the
// reference repo's gorilla/mux-based `rest` package. It does not
// replace the message-passing substrate itself — that stays an
// external collaborator per spec.md §1 — Send/Broadcast/Track still
// delegate straight through to the wrapped World.
package httpworld

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/flowgraph/ttg/world"
)

// Server wraps a World with a small HTTP control surface, embedding
// the World interface directly so *Server itself also satisfies
// world.World for callers that only need the dispatch surface.
type Server struct {
	world.World
	router *mux.Router
}

// New builds a Server around w. Callers pass the returned Server to
// http.ListenAndServe (it implements http.Handler via ServeHTTP).
func New(w world.World) *Server {
	s := &Server{World: w, router: mux.NewRouter()}
	s.router.HandleFunc("/rank", s.handleRank).Methods(http.MethodGet)
	s.router.HandleFunc("/fence", s.handleFence).Methods(http.MethodPost)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type rankResponse struct {
	Rank int `json:"rank"`
	Size int `json:"size"`
}

func (s *Server) handleRank(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rankResponse{Rank: s.Rank(), Size: s.Size()})
}

func (s *Server) handleFence(w http.ResponseWriter, r *http.Request) {
	if err := s.Fence(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "quiescent"})
}
