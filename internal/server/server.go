// Package server exposes the provisioner over a Unix socket so a local
// control plane can spawn and tear down VMs. The socket is the daemon's only
// external surface; it never listens on TCP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/maxdollinger/ember.io/internal/audit"
	"github.com/maxdollinger/ember.io/internal/pool"
	"github.com/maxdollinger/ember.io/internal/provision"
)

// Provisioner is the slice of the provision package the server drives.
type Provisioner interface {
	Spawn(ctx context.Context, req provision.SpawnRequest) (*provision.VMHandle, error)
	Teardown(ctx context.Context, handle *provision.VMHandle) error
	PoolStats() pool.Stats
	AuditLog(vmID string) []audit.Entry
}

type Server struct {
	prov       Provisioner
	socketPath string
	httpServer *http.Server
	listener   net.Listener
	logger     *slog.Logger

	mu  sync.Mutex
	vms map[string]*provision.VMHandle
}

func New(prov Provisioner, socketPath string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		prov:       prov,
		socketPath: socketPath,
		logger:     logger,
		vms:        make(map[string]*provision.VMHandle),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/vms", s.handleSpawn)
	mux.HandleFunc("GET /v1/vms", s.handleList)
	mux.HandleFunc("DELETE /v1/vms/{id}", s.handleTeardown)
	mux.HandleFunc("GET /v1/vms/{id}/audit", s.handleAudit)
	mux.HandleFunc("GET /v1/pool", s.handlePoolStats)
	mux.HandleFunc("GET /health", s.handleHealth)

	s.httpServer = &http.Server{
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute, // spawn includes a VM boot
	}
	return s
}

// Start listens on the Unix socket and serves until Stop. A stale socket
// file from a previous run is replaced.
func (s *Server) Start() error {
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0o660); err != nil {
		listener.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.listener = listener

	s.logger.Info("control socket ready", "socket", s.socketPath)
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("control server failed", "error", err)
		}
	}()
	return nil
}

// Stop shuts the listener down and tears down every VM the server still
// tracks.
func (s *Server) Stop(ctx context.Context) error {
	var errs []error

	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown control server: %w", err))
	}

	s.mu.Lock()
	handles := make([]*provision.VMHandle, 0, len(s.vms))
	for _, h := range s.vms {
		handles = append(handles, h)
	}
	s.vms = make(map[string]*provision.VMHandle)
	s.mu.Unlock()

	for _, h := range handles {
		if err := s.prov.Teardown(ctx, h); err != nil {
			errs = append(errs, fmt.Errorf("teardown %s: %w", h.ID, err))
		}
	}
	return errors.Join(errs...)
}

type spawnRequest struct {
	TaskID string `json:"task_id"`
}

type vmResponse struct {
	ID         string    `json:"id"`
	Source     string    `json:"source"`
	SnapshotID string    `json:"snapshot_id,omitempty"`
	IPAddress  string    `json:"ip_address,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

func vmToResponse(h *provision.VMHandle) vmResponse {
	resp := vmResponse{
		ID:         h.ID,
		Source:     string(h.Source),
		SnapshotID: h.SnapshotID,
		CreatedAt:  h.CreatedAt,
	}
	if h.Network != nil {
		resp.IPAddress = h.Network.IPAddress
	}
	return resp
}

func (s *Server) handleSpawn(w http.ResponseWriter, r *http.Request) {
	var req spawnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	handle, err := s.prov.Spawn(r.Context(), provision.SpawnRequest{TaskID: req.TaskID})
	if err != nil {
		switch {
		case errors.Is(err, provision.ErrSanitization):
			writeError(w, http.StatusUnprocessableEntity, err)
		case errors.Is(err, provision.ErrIsolation), errors.Is(err, provision.ErrBoot):
			writeError(w, http.StatusServiceUnavailable, err)
		default:
			writeError(w, http.StatusInternalServerError, err)
		}
		return
	}

	s.mu.Lock()
	s.vms[handle.ID] = handle
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, vmToResponse(handle))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	vms := make([]vmResponse, 0, len(s.vms))
	for _, h := range s.vms {
		vms = append(vms, vmToResponse(h))
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"vms": vms})
}

func (s *Server) handleTeardown(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	// Claim the handle so concurrent deletes cannot tear down twice. If
	// teardown fails the handle goes back in the table, keeping the VM
	// visible and the delete retryable.
	s.mu.Lock()
	handle, ok := s.vms[id]
	delete(s.vms, id)
	s.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown vm %q", id))
		return
	}

	if err := s.prov.Teardown(r.Context(), handle); err != nil {
		s.mu.Lock()
		s.vms[id] = handle
		s.mu.Unlock()
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	s.mu.Lock()
	_, ok := s.vms[id]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown vm %q", id))
		return
	}

	entries := s.prov.AuditLog(id)
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handlePoolStats(w http.ResponseWriter, r *http.Request) {
	stats := s.prov.PoolStats()
	writeJSON(w, http.StatusOK, map[string]any{
		"size":       stats.Size,
		"available":  stats.Available,
		"oldest_age": stats.OldestAge.String(),
		"newest_age": stats.NewestAge.String(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
