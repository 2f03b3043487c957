package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/MrWong99/voicesync/internal/config"
	"github.com/MrWong99/voicesync/internal/warmup"
)

// probeTimeout bounds the one-token request behind /health and configure.
const probeTimeout = 10 * time.Second

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 1 << 20

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("server: writing response failed", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func (s *Server) providerName() string {
	if name := s.cfg.LLM.Name(); name != "" {
		return name
	}
	return "none"
}

func (s *Server) warmupActive() bool {
	return s.cfg.Warmup != nil && s.cfg.Warmup.Status().Active
}

// ── Service info ─────────────────────────────────────────────────────────────

type rootResponse struct {
	Message      string `json:"message"`
	Version      string `json:"version"`
	Provider     string `json:"provider"`
	WarmupActive bool   `json:"warmup_active"`
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, rootResponse{
		Message:      ServiceName + " streaming API",
		Version:      Version,
		Provider:     s.providerName(),
		WarmupActive: s.warmupActive(),
	})
}

type healthResponse struct {
	Status       string `json:"status"`
	Provider     string `json:"provider"`
	Model        string `json:"model,omitempty"`
	WarmupActive bool   `json:"warmup_active"`
	Error        string `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
	defer cancel()

	resp := healthResponse{
		Status:       "healthy",
		Provider:     s.providerName(),
		Model:        *s.model.Load(),
		WarmupActive: s.warmupActive(),
	}
	if err := s.probeLLM(ctx); err != nil {
		resp.Status, resp.Error = "unhealthy", err.Error()
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type providersResponse struct {
	Providers []string `json:"providers"`
}

func (s *Server) handleProviders(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, providersResponse{Providers: s.cfg.Registry.LLMNames()})
}

func (s *Server) handleWarmup(w http.ResponseWriter, _ *http.Request) {
	if s.cfg.Warmup == nil {
		writeJSON(w, http.StatusOK, warmup.Status{Info: "warmup is disabled"})
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Warmup.Status())
}

// ── Provider configure ───────────────────────────────────────────────────────

type configureResponse struct {
	Message  string `json:"message"`
	Provider string `json:"provider"`
	Model    string `json:"model,omitempty"`
}

// handleConfigure builds a backend from the posted provider entry, checks
// that it answers, and makes it the active language model.
func (s *Server) handleConfigure(w http.ResponseWriter, r *http.Request) {
	var entry config.ProviderEntry
	if err := decodeJSON(w, r, &entry); err != nil {
		writeError(w, http.StatusBadRequest, "invalid provider configuration: "+err.Error())
		return
	}
	if entry.Name == "" {
		writeError(w, http.StatusBadRequest, "invalid provider configuration: name is required")
		return
	}

	p, err := s.cfg.Registry.CreateLLM(entry)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
	defer cancel()
	if err := probe(ctx, p); err != nil {
		writeError(w, http.StatusBadRequest, "provider validation failed: "+err.Error())
		return
	}

	previous := s.cfg.LLM.Set(entry.Name, p)
	s.model.Store(&entry.Model)
	slog.Info("server: llm provider configured", "provider", entry.Name, "model", entry.Model, "previous", previous)

	writeJSON(w, http.StatusOK, configureResponse{
		Message:  "Provider configured successfully",
		Provider: entry.Name,
		Model:    entry.Model,
	})
}
