// Package server exposes a session over a small JSON API for browsing groups,
// cycling dispositions and executing the deletion plan.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"pixmatch/internal/disposition"
	"pixmatch/internal/fileutil"
	"pixmatch/internal/match"
	"pixmatch/internal/models"
	"pixmatch/internal/session"
)

// Server represents the web server
type Server struct {
	session     *session.Session
	addr        string
	idleTimeout time.Duration
	log         logrus.FieldLogger
	httpServer  *http.Server

	// Idle timeout management
	mu           sync.Mutex
	lastActivity time.Time
	shutdownChan chan struct{}
}

// New creates a new Server
func New(sess *session.Session, addr string, idleTimeout time.Duration, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Server{
		session:      sess,
		addr:         addr,
		idleTimeout:  idleTimeout,
		log:          log,
		lastActivity: time.Now(),
		shutdownChan: make(chan struct{}),
	}
}

// Handler returns the API routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/groups", s.handleGroups)
	mux.HandleFunc("POST /api/cycle", s.handleCycle)
	mux.HandleFunc("POST /api/disposition", s.handleDisposition)
	mux.HandleFunc("POST /api/policy", s.handlePolicy)
	mux.HandleFunc("POST /api/execute", s.handleExecute)
	mux.HandleFunc("GET /api/image", s.handleImage)
	mux.HandleFunc("DELETE /api/source", s.handleRemoveSource)
	mux.HandleFunc("DELETE /api/root", s.handleRemoveRoot)

	return mux
}

// Start serves until ctx is done, a shutdown signal arrives or the idle
// timeout passes without requests.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start idle timeout checker
	if s.idleTimeout > 0 {
		go s.idleTimeoutChecker()
	}

	// Handle shutdown signals
	go s.handleShutdownSignals(ctx)

	s.log.WithField("addr", s.addr).Info("serving")
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) handleShutdownSignals(ctx context.Context) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-sigChan:
		s.log.Info("shutting down server")
	case <-ctx.Done():
		s.log.Info("shutting down server")
	case <-s.shutdownChan:
		s.log.Info("idle timeout reached, shutting down server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.log.WithError(err).Warn("shutdown failed")
	}
}

func (s *Server) idleTimeoutChecker() {
	ticker := time.NewTicker(s.checkInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if s.idleFor() >= s.idleTimeout {
				close(s.shutdownChan)
				return
			}
		case <-s.shutdownChan:
			return
		}
	}
}

func (s *Server) checkInterval() time.Duration {
	if d := s.idleTimeout / 4; d < 10*time.Second {
		return max(d, 10*time.Millisecond)
	}
	return 10 * time.Second
}

func (s *Server) idleFor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastActivity)
}

func (s *Server) recordActivity() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// API types

type recordView struct {
	Key         string  `json:"key"`
	Name        string  `json:"name"`
	Path        string  `json:"path"`
	Entry       string  `json:"entry,omitempty"`
	ReadOnly    bool    `json:"read_only"`
	Format      string  `json:"format"`
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	Frames      int     `json:"frames"`
	Size        int64   `json:"size"`
	SizeHuman   string  `json:"size_human"`
	Score       float64 `json:"score"`
	Keep        bool    `json:"keep"`
	Disposition string  `json:"disposition"`
}

type groupView struct {
	ID      int          `json:"id"`
	Records []recordView `json:"records"`
}

type groupsResponse struct {
	Policy string      `json:"policy"`
	Groups []groupView `json:"groups"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// errorStatus maps session errors to HTTP status codes.
func errorStatus(err error) int {
	var invalid *disposition.InvalidDispositionError
	switch {
	case errors.As(err, &invalid):
		return http.StatusConflict
	case errors.Is(err, session.ErrUnknownRecord):
		return http.StatusNotFound
	case errors.Is(err, session.ErrNotGrouped):
		return http.StatusConflict
	case errors.Is(err, match.ErrInvalidStrength):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) view(g *models.DuplicateGroup) groupView {
	gv := groupView{ID: g.ID, Records: make([]recordView, 0, len(g.Records))}
	for _, r := range g.Records {
		gv.Records = append(gv.Records, recordView{
			Key:         r.Key(),
			Name:        r.Source.Name(),
			Path:        r.Source.Path,
			Entry:       r.Source.Entry,
			ReadOnly:    r.Source.ReadOnly(),
			Format:      r.Format,
			Width:       r.Width,
			Height:      r.Height,
			Frames:      r.FrameCount,
			Size:        r.CompressedSize,
			SizeHuman:   humanize.Bytes(uint64(r.CompressedSize)),
			Score:       r.Score,
			Keep:        r == g.Keep,
			Disposition: s.session.Disposition(r.Key()).String(),
		})
	}
	return gv
}

// API Handlers

func (s *Server) handleGroups(w http.ResponseWriter, r *http.Request) {
	s.recordActivity()

	groups := s.session.Groups()
	resp := groupsResponse{
		Policy: s.session.Policy().String(),
		Groups: make([]groupView, 0, len(groups)),
	}
	for _, g := range groups {
		resp.Groups = append(resp.Groups, s.view(g))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCycle(w http.ResponseWriter, r *http.Request) {
	s.recordActivity()

	var req struct {
		Key      string `json:"key"`
		Eligible bool   `json:"eligible"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var (
		d   models.Disposition
		err error
	)
	if req.Eligible {
		d, err = s.session.CycleEligible(req.Key)
	} else {
		d, err = s.session.Cycle(req.Key)
	}
	if err != nil {
		writeError(w, errorStatus(err), err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"key":         req.Key,
		"disposition": d.String(),
	})
}

// handleDisposition sets a disposition directly, e.g. from a keyboard shortcut
func (s *Server) handleDisposition(w http.ResponseWriter, r *http.Request) {
	s.recordActivity()

	var req struct {
		Key         string `json:"key"`
		Disposition string `json:"disposition"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	d, err := models.ParseDisposition(req.Disposition)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.session.SetDisposition(req.Key, d); err != nil {
		writeError(w, errorStatus(err), err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"key":         req.Key,
		"disposition": d.String(),
	})
}

func (s *Server) handlePolicy(w http.ResponseWriter, r *http.Request) {
	s.recordActivity()

	var req struct {
		Strength int  `json:"strength"`
		Exact    bool `json:"exact"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	p, err := match.NewPolicy(req.Strength, req.Exact)
	if err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	if err := s.session.SetPolicy(r.Context(), p); err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"policy": p.String(),
		"groups": len(s.session.Groups()),
	})
}

type execResult struct {
	Key    string `json:"key"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	s.recordActivity()

	var req struct {
		Mode string `json:"mode"`
		Dir  string `json:"dir,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	exec, err := fileutil.ForMode(req.Mode, req.Dir, s.log)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	results, err := s.session.Execute(r.Context(), exec)
	out := make([]execResult, 0, len(results))
	for _, res := range results {
		er := execResult{Key: res.Record.Key(), Status: "deleted"}
		if res.Err != nil {
			er.Status = "failed"
			er.Error = res.Err.Error()
		}
		out = append(out, er)
	}
	if err != nil {
		writeJSON(w, errorStatus(err), map[string]any{"results": out, "error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"action":  exec.Name(),
		"results": out,
	})
}

func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	s.recordActivity()

	key := r.URL.Query().Get("key")
	if key == "" {
		writeError(w, http.StatusBadRequest, errors.New("key required"))
		return
	}

	data, err := s.session.ReadSource(key)
	if err != nil {
		writeError(w, errorStatus(err), err)
		return
	}

	w.Header().Set("Content-Type", http.DetectContentType(data))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Write(data)
}

// handleRemoveSource drops one image from the working set without touching
// the file, then reclusters.
func (s *Server) handleRemoveSource(w http.ResponseWriter, r *http.Request) {
	s.recordActivity()

	key := r.URL.Query().Get("key")
	if key == "" {
		writeError(w, http.StatusBadRequest, errors.New("key required"))
		return
	}
	if err := s.session.RemoveSource(r.Context(), key); err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"removed": key,
		"groups":  len(s.session.Groups()),
	})
}

func (s *Server) handleRemoveRoot(w http.ResponseWriter, r *http.Request) {
	s.recordActivity()

	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, http.StatusBadRequest, errors.New("path required"))
		return
	}
	if err := s.session.RemoveRoot(r.Context(), path); err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"removed": path,
		"groups":  len(s.session.Groups()),
		"roots":   s.session.Roots(),
	})
}
