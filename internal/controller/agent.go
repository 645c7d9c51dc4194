package controller

import (
	"errors"
	"net/http"

	"github.com/angariumd/gpuledger/internal/reconciler"
)

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req reconciler.RegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	res, err := s.rec.Register(r.Context(), req)
	if err != nil {
		s.reconcileError(w, r, "registering node", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	var req reconciler.StartRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	res, err := s.rec.Start(r.Context(), req)
	if err != nil {
		s.reconcileError(w, r, "starting session", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSessionHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req reconciler.HeartbeatRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	res, err := s.rec.Heartbeat(r.Context(), req)
	if err != nil {
		s.reconcileError(w, r, "applying heartbeat", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleSessionEnd answers 200 even when nothing was closed; the agent reads
// ok=false as a desync to log, not a reason to retry.
func (s *Server) handleSessionEnd(w http.ResponseWriter, r *http.Request) {
	var req reconciler.EndRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	res, err := s.rec.End(r.Context(), req)
	if err != nil {
		s.reconcileError(w, r, "ending session", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleSnapshot applies a full node observation. Pairs missing from it are
// left running until the sweeper finds them stale.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	var req reconciler.SnapshotRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	snap, err := req.Snapshot()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	res, err := s.rec.ApplySnapshot(r.Context(), req.Hostname, snap)
	if err != nil {
		s.reconcileError(w, r, "applying snapshot", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) reconcileError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	if errors.Is(err, reconciler.ErrInvalidRequest) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.internalError(w, r, msg, err)
}
