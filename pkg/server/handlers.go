package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/spindate/matchd/pkg/engine"
	"github.com/spindate/matchd/pkg/store"
)

type errorResponse struct {
	Error string `json:"error"`
}

type spinResponse struct {
	State        store.UserState `json:"state"`
	WaitingSince time.Time       `json:"waiting_since"`
	Fairness     int             `json:"fairness"`
}

type okResponse struct {
	OK bool `json:"ok"`
}

type ackRequest struct {
	MatchID string `json:"match_id"`
}

type ackResponse struct {
	WindowOpen       bool      `json:"window_open"`
	ExpiresAt        time.Time `json:"expires_at"`
	RemainingSeconds float64   `json:"remaining_seconds"`
}

type voteRequest struct {
	MatchID string `json:"match_id"`
	Vote    string `json:"vote"`
}

type voteResponse struct {
	Resolved          bool          `json:"resolved"`
	Outcome           store.Outcome `json:"outcome,omitempty"`
	WaitingForPartner bool          `json:"waiting_for_partner,omitempty"`
	ExpiresAt         *time.Time    `json:"expires_at,omitempty"`
}

type leaveResponse struct {
	State store.UserState `json:"state"`
}

type statusResponse struct {
	UserID         string          `json:"user_id"`
	State          store.UserState `json:"state"`
	Fairness       int             `json:"fairness"`
	WaitingSeconds float64         `json:"waiting_seconds,omitempty"`
	Match          *matchView      `json:"match,omitempty"`
}

type matchView struct {
	MatchID          string            `json:"match_id"`
	PartnerID        string            `json:"partner_id"`
	Status           store.MatchStatus `json:"status"`
	ExpiresAt        time.Time         `json:"expires_at"`
	RemainingSeconds float64           `json:"remaining_seconds"`
	YourVote         store.Vote        `json:"your_vote,omitempty"`
	PartnerVoted     bool              `json:"partner_voted"`
	Outcome          store.Outcome     `json:"outcome,omitempty"`
	Acknowledged     bool              `json:"acknowledged"`
}

func (s *Server) handleSpin(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	res, err := s.cfg.Engine.Spin(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.statusCache.Invalidate(userID)
	s.writeJSON(w, http.StatusOK, spinResponse{
		State:        res.State,
		WaitingSince: res.WaitingSince,
		Fairness:     res.Fairness,
	})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if err := s.cfg.Engine.Heartbeat(r.Context(), userID); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	var req ackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.MatchID == "" {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "match_id is required"})
		return
	}
	res, err := s.cfg.Engine.Acknowledge(r.Context(), userID, req.MatchID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.statusCache.Invalidate(userID)
	s.writeJSON(w, http.StatusOK, ackResponse{
		WindowOpen:       true,
		ExpiresAt:        res.ExpiresAt,
		RemainingSeconds: res.Remaining.Seconds(),
	})
}

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	var req voteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.MatchID == "" {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "match_id and vote are required"})
		return
	}
	res, err := s.cfg.Engine.RecordVote(r.Context(), userID, req.MatchID, store.Vote(req.Vote))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.statusCache.Invalidate(userID)
	resp := voteResponse{
		Resolved:          res.Resolved,
		Outcome:           res.Outcome,
		WaitingForPartner: res.WaitingForPartner,
	}
	if !res.ExpiresAt.IsZero() {
		resp.ExpiresAt = &res.ExpiresAt
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if err := s.cfg.Engine.Leave(r.Context(), userID); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.statusCache.Invalidate(userID)
	s.writeJSON(w, http.StatusOK, leaveResponse{State: store.UserIdle})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if cached, ok := s.statusCache.Get(userID); ok {
		s.writeJSON(w, http.StatusOK, cached)
		return
	}

	st, err := s.cfg.Engine.Status(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := toStatusResponse(st)
	s.statusCache.Put(userID, resp)
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleVideoBegin(w http.ResponseWriter, r *http.Request) {
	matchID := chi.URLParam(r, "matchID")
	if err := s.cfg.Engine.BeginVideoDate(r.Context(), matchID); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func (s *Server) handleVideoEnd(w http.ResponseWriter, r *http.Request) {
	matchID := chi.URLParam(r, "matchID")
	if err := s.cfg.Engine.EndVideoDate(r.Context(), matchID); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func toStatusResponse(st engine.Status) statusResponse {
	resp := statusResponse{
		UserID:         st.UserID,
		State:          st.State,
		Fairness:       st.Fairness,
		WaitingSeconds: st.Waiting.Seconds(),
	}
	if st.Match != nil {
		resp.Match = &matchView{
			MatchID:          st.Match.MatchID,
			PartnerID:        st.Match.PartnerID,
			Status:           st.Match.Status,
			ExpiresAt:        st.Match.ExpiresAt,
			RemainingSeconds: st.Match.Remaining.Seconds(),
			YourVote:         st.Match.YourVote,
			PartnerVoted:     st.Match.PartnerVoted,
			Outcome:          st.Match.Outcome,
			Acknowledged:     st.Match.Acknowledged,
		}
	}
	return resp
}

// writeError maps engine sentinels to HTTP statuses. Lock contention is the
// only retryable case; everything else is the client's state being behind.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, engine.ErrUnknownUser), errors.Is(err, store.ErrNotFound):
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.Is(err, engine.ErrNotParticipant):
		s.writeJSON(w, http.StatusForbidden, errorResponse{Error: err.Error()})
	case errors.Is(err, engine.ErrBadState), errors.Is(err, engine.ErrBadVote):
		s.writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	case errors.Is(err, engine.ErrWindowClosed):
		s.writeJSON(w, http.StatusGone, errorResponse{Error: err.Error()})
	case errors.Is(err, store.ErrLockBusy):
		w.Header().Set("Retry-After", "1")
		s.writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "busy, retry shortly"})
	default:
		s.log.Error("server: request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("server: failed to write response", "error", err)
	}
}
