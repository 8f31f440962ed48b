package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/calden/roomtemp/internal/config"
	"github.com/calden/roomtemp/internal/importer"
	"github.com/calden/roomtemp/internal/match"
	"github.com/calden/roomtemp/internal/models"
	"github.com/calden/roomtemp/internal/query"
	"github.com/calden/roomtemp/internal/store"
)

const version = "v0.1.0"

// maxUploadBytes bounds a multipart import request.
const maxUploadBytes = 256 << 20

// Server exposes the pipeline over HTTP: import preview/commit, job status,
// series queries, snapshots and recompute.
type Server struct {
	store    store.Store
	importer *importer.Importer
	queries  *query.Service
	resolver match.RoomResolver
	cfg      *config.Config
	logger   zerolog.Logger
	router   *mux.Router
}

// New builds the server and its routes.
func New(st store.Store, imp *importer.Importer, queries *query.Service, resolver match.RoomResolver, cfg *config.Config, logger zerolog.Logger) *Server {
	s := &Server{
		store:    st,
		importer: imp,
		queries:  queries,
		resolver: resolver,
		cfg:      cfg,
		logger:   logger,
		router:   mux.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/imports/preview", s.handlePreview).Methods(http.MethodPost)
	api.HandleFunc("/imports", s.handleCommit).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}", s.handleJob).Methods(http.MethodGet)
	api.HandleFunc("/rooms", s.handleRooms).Methods(http.MethodGet)
	api.HandleFunc("/devices", s.handleDevices).Methods(http.MethodGet)
	api.HandleFunc("/series", s.handleSeries).Methods(http.MethodGet)
	api.HandleFunc("/snapshots", s.handleSnapshots).Methods(http.MethodGet)
	api.HandleFunc("/recompute", s.handleRecompute).Methods(http.MethodPost)

	s.router.HandleFunc("/ws/jobs/{id}", s.handleJobStream)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
}

// Handler returns the router wrapped with request logging.
func (s *Server) Handler() http.Handler {
	return handlers.LoggingHandler(loggerWriter{s.logger}, s.router)
}

// loggerWriter adapts zerolog for gorilla's Apache-style access log lines.
type loggerWriter struct {
	logger zerolog.Logger
}

func (w loggerWriter) Write(p []byte) (int, error) {
	w.logger.Info().Str("component", "http").Msg(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","version":"%s"}`, version)
}

// readImportRequest pulls the files, scope and manual overrides out of a
// multipart import request.
func (s *Server) readImportRequest(r *http.Request) ([]importer.InputFile, importer.Options, error) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		return nil, importer.Options{}, fmt.Errorf("parse multipart form: %w", err)
	}

	opts := importer.Options{
		Scope:     r.FormValue("scope"),
		Overrides: make(map[string]string),
	}
	if opts.Scope == "" {
		return nil, opts, errors.New("scope is required")
	}
	if raw := r.FormValue("overrides"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &opts.Overrides); err != nil {
			return nil, opts, fmt.Errorf("parse overrides: %w", err)
		}
	}

	var files []importer.InputFile
	for _, header := range r.MultipartForm.File["files"] {
		f, err := header.Open()
		if err != nil {
			return nil, opts, fmt.Errorf("open upload %s: %w", header.Filename, err)
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return nil, opts, fmt.Errorf("read upload %s: %w", header.Filename, err)
		}
		files = append(files, importer.InputFile{Name: header.Filename, Data: data})
	}
	if len(files) == 0 {
		return nil, opts, errors.New("no files uploaded")
	}
	return files, opts, nil
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	files, opts, err := s.readImportRequest(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	summary, err := s.importer.Preview(r.Context(), files, opts)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	files, opts, err := s.readImportRequest(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	result, err := s.importer.Commit(r.Context(), files, opts)
	if err != nil {
		// The job record carries the failure detail; surface its ID when we
		// have one.
		if result != nil && result.JobID != "" {
			s.writeJSON(w, http.StatusInternalServerError, result)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if job == nil {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("job %s not found", id))
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleRooms(w http.ResponseWriter, r *http.Request) {
	scope := r.URL.Query().Get("scope")
	if scope == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("scope is required"))
		return
	}
	s.writeJSON(w, http.StatusOK, s.resolver.ListRooms(scope))
}

// handleDevices lists a scope's registered devices with their room mappings
// and watermark ranges, so an operator can audit how labels resolved.
func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	scope := r.URL.Query().Get("scope")
	if scope == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("scope is required"))
		return
	}

	devices, err := s.store.ListDevices(r.Context(), scope)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if devices == nil {
		devices = []*models.Device{}
	}
	s.writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handleSeries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	scope := q.Get("scope")
	if scope == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("scope is required"))
		return
	}
	scopeCfg, err := s.cfg.Scope(scope)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	loc, err := scopeCfg.Location()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	from, err := time.Parse(time.RFC3339, q.Get("from"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid from: %w", err))
		return
	}
	to, err := time.Parse(time.RFC3339, q.Get("to"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid to: %w", err))
		return
	}

	rooms := q["room"]
	if len(rooms) == 0 {
		s.writeError(w, http.StatusBadRequest, errors.New("at least one room is required"))
		return
	}

	req := query.Request{
		Scope:    scope,
		RoomKeys: rooms,
		From:     from.UTC(),
		To:       to.UTC(),
		Forced:   query.Granularity(q.Get("granularity")),
	}
	series, err := s.queries.Series(r.Context(), req, loc)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, series)
}

func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rooms := q["room"]
	fromDate := q.Get("from")
	toDate := q.Get("to")
	if len(rooms) == 0 || fromDate == "" || toDate == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("room, from and to are required"))
		return
	}

	snaps, err := s.store.SnapshotsInRange(r.Context(), rooms, fromDate, toDate)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if snaps == nil {
		snaps = []*models.RoomSnapshot{}
	}
	s.writeJSON(w, http.StatusOK, snaps)
}

type recomputeRequest struct {
	Scope string   `json:"scope"`
	Rooms []string `json:"rooms,omitempty"`
	From  string   `json:"from"`
	To    string   `json:"to"`
}

func (s *Server) handleRecompute(w http.ResponseWriter, r *http.Request) {
	var req recomputeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("parse request: %w", err))
		return
	}
	if req.Scope == "" || req.From == "" || req.To == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("scope, from and to are required"))
		return
	}

	if err := s.importer.RecomputeRange(r.Context(), req.Scope, req.Rooms, req.From, req.To); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.logger.Warn().Int("status", status).Err(err).Msg("Request failed")
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
