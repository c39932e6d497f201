// Package httpapi exposes document files and history buffers over HTTP.
package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/stacknote/stacknote/internal/bufferstore"
	"github.com/stacknote/stacknote/internal/history"
)

type ServerConfig struct {
	// AuthToken, when set, is required as a bearer token on every route
	// except /health.
	AuthToken       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
}

type Server struct {
	files       *FileStore
	buffers     bufferstore.Backend
	cfg         ServerConfig
	rateLimiter *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(files *FileStore, buffers bufferstore.Backend) *Server {
	return NewServerWithConfig(files, buffers, ServerConfig{})
}

func NewServerWithConfig(files *FileStore, buffers bufferstore.Backend, cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 4 << 20
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		files:       files,
		buffers:     buffers,
		cfg:         cfg,
		rateLimiter: limiter,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	if !s.authorize(r) {
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
		return
	}
	if s.rateLimiter != nil && !s.rateLimiter.allow(clientKey(r), time.Now().UTC()) {
		retryAfter := int(s.rateLimiter.window.Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	switch {
	case len(parts) == 2 && parts[0] == "v1" && parts[1] == "files" && r.Method == http.MethodGet:
		s.handleListFiles(w)
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "files":
		s.handleFile(w, r, parts[2])
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "files" && parts[3] == "rename" && r.Method == http.MethodPost:
		s.handleRename(w, r, parts[2])
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "buffers":
		s.handleBuffer(w, r, parts[2])
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) == 1
}

func (s *Server) handleListFiles(w http.ResponseWriter) {
	infos, err := s.files.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": infos})
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request, name string) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.files.Read(name)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				writeError(w, http.StatusNotFound, "not_found", "no such document")
				return
			}
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
	case http.MethodPut:
		body, ok := s.readRequestBody(w, r)
		if !ok {
			return
		}
		if err := s.files.Write(name, body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_document", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"name": bufferstore.SanitizeKey(name), "status": "saved"})
	case http.MethodDelete:
		if err := s.files.Delete(name); err != nil {
			if errors.Is(err, ErrNotFound) {
				writeError(w, http.StatusNotFound, "not_found", "no such document")
				return
			}
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
	}
}

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request, name string) {
	var body struct {
		NewName string `json:"newName"`
	}
	if !s.decodeJSONBody(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.NewName) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing newName")
		return
	}
	if err := s.files.Rename(name, body.NewName); err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			writeError(w, http.StatusNotFound, "not_found", "no such document")
		case errors.Is(err, ErrExists):
			writeError(w, http.StatusConflict, "conflict", "target name already exists")
		default:
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"name":   bufferstore.SanitizeKey(body.NewName),
		"status": "renamed",
	})
}

func (s *Server) handleBuffer(w http.ResponseWriter, r *http.Request, name string) {
	if s.buffers == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "no buffer backend configured")
		return
	}
	switch r.Method {
	case http.MethodGet:
		// Unknown documents get a fresh empty buffer, never a 404.
		buf, err := s.buffers.LoadBuffer(name)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, buf)
	case http.MethodPut:
		body, ok := s.readRequestBody(w, r)
		if !ok {
			return
		}
		var buf history.Buffer
		if err := json.Unmarshal(body, &buf); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid buffer json")
			return
		}
		if err := s.buffers.SaveBuffer(name, &buf); err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
	}
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body")
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, ok := s.readRequestBody(w, r)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return false
	}
	return true
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":    code,
		"message": message,
	})
}

func (l *rateLimiter) allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[key]
	if !ok || now.After(entry.resetAt) {
		l.entries[key] = rateEntry{count: 1, resetAt: now.Add(l.window)}
		return true
	}
	if entry.count >= l.max {
		return false
	}
	entry.count++
	l.entries[key] = entry
	return true
}
