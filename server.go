package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"
)

// Server exposes the pipelines and the memory store over HTTP. Trigger
// endpoints require the shared bearer secret; reads are open.
type Server struct {
	cfg      Config
	briefer  *Briefer
	triager  *Triager
	hiveMind *HiveMind
	wh       *Warehouse
	db       *sql.DB
}

func NewServer(cfg Config, briefer *Briefer, triager *Triager, hiveMind *HiveMind, wh *Warehouse, db *sql.DB) *Server {
	return &Server{cfg: cfg, briefer: briefer, triager: triager, hiveMind: hiveMind, wh: wh, db: db}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/email/briefing", s.requireAuth(s.handleBriefing))
	mux.HandleFunc("GET /api/email/triaged", s.handleTriagedEmails)
	mux.HandleFunc("POST /api/asana/triage", s.requireAuth(s.handleTaskTriage))
	mux.HandleFunc("GET /api/hive-mind", s.handleHiveMindRecent)
	mux.HandleFunc("POST /api/hive-mind", s.handleHiveMindWrite)
	mux.HandleFunc("POST /api/hive-mind/search", s.handleHiveMindSearch)
	mux.HandleFunc("GET /api/runs", s.handleRuns)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	return mux
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+s.cfg.WebhookSecret {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleBriefing(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force") == "true"
	summary, err := s.briefer.Run(r.Context(), force)
	if err != nil {
		log.Printf("briefing request failed: %v", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleTriagedEmails(w http.ResponseWriter, r *http.Request) {
	today := dateString(time.Now())
	records, age, err := s.briefer.loadCached(r.Context(), today)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":           true,
		"briefing_date":     today,
		"count":             len(records),
		"cache_age_minutes": int(age.Minutes()),
		"emails":            records,
	})
}

func (s *Server) handleTaskTriage(w http.ResponseWriter, r *http.Request) {
	summary, err := s.triager.Run(r.Context())
	if err != nil {
		log.Printf("triage request failed: %v", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleHiveMindRecent(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 5)
	entries, err := s.hiveMind.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"count":   len(entries),
		"entries": entries,
		"message": fmt.Sprintf("Found %d recent entries", len(entries)),
	})
}

func (s *Server) handleHiveMindWrite(w http.ResponseWriter, r *http.Request) {
	var entry HiveMindEntry
	if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := validateHiveMindEntry(entry); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	written, err := s.hiveMind.Write(r.Context(), entry)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Entry added successfully",
		"entry":   written,
	})
}

func (s *Server) handleHiveMindSearch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query    string `json:"query"`
		Category string `json:"category"`
		Limit    int    `json:"limit"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Query == "" && req.Category == "" {
		writeError(w, http.StatusBadRequest, "either query or category is required")
		return
	}
	entries, err := s.hiveMind.Search(r.Context(), req.Query, req.Category, req.Limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"count":    len(entries),
		"entries":  entries,
		"query":    req.Query,
		"category": req.Category,
		"message":  fmt.Sprintf("Found %d matching entries", len(entries)),
	})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := GetRecentRuns(s.db, queryInt(r, "limit", 20))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	failures, err := GetRecentOpFailures(s.db, 20)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"runs":        runs,
		"op_failures": failures,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	warehouseStatus := "ok"

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	if err := s.wh.Exec(ctx, "SELECT 1"); err != nil {
		status = "degraded"
		warehouseStatus = err.Error()
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    status,
		"warehouse": warehouseStatus,
		"time":      time.Now().UTC().Format(time.RFC3339),
	})
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("writing response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}
