package server

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/aeolun/notcord/pkg/upload"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// publicRouter serves the endpoints that are safe to expose: the WebSocket
// transport, image uploads and a health check
func (s *Server) publicRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/ws", s.HandleWebSocket)
	r.Get("/health", s.HealthHandler)
	if s.uploads != nil {
		r.Post("/upload", s.UploadHandler)
		r.Get("/uploads/{ref}", s.ServeUploadHandler)
	}
	return r
}

// internalRouter serves /metrics. Never expose it publicly.
func (s *Server) internalRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	r.Get("/health", s.HealthHandler)
	return r
}

type healthResponse struct {
	Status          string `json:"status"`
	Sessions        int    `json:"sessions"`
	ServiceMode     bool   `json:"service_mode"`
	MaintenanceMode bool   `json:"maintenance_mode"`
	UptimeSeconds   int64  `json:"uptime_seconds"`
}

// HealthHandler reports liveness with a few counters
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:          "ok",
		Sessions:        s.sessions.Count(),
		ServiceMode:     s.state.ServiceMode(),
		MaintenanceMode: s.state.MaintenanceMode(),
		UptimeSeconds:   int64(time.Since(s.startTime).Seconds()),
	})
}

type uploadResponse struct {
	Ref string `json:"ref"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// UploadHandler stores one image, sent either as the raw request body or as
// the "file" part of a multipart form, and returns its reference
func (s *Server) UploadHandler(w http.ResponseWriter, r *http.Request) {
	// Allow some room for multipart framing; the store enforces the real limit
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadBytes+64*1024)

	var body io.Reader = r.Body
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if strings.HasPrefix(mediaType, "multipart/") {
		file, _, err := r.FormFile("file")
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "file too large"})
				return
			}
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "missing file part"})
			return
		}
		defer file.Close()
		body = file
	}

	ref, err := s.uploads.Save(r.Context(), body)
	if err != nil {
		status, msg := uploadErrorStatus(err)
		if status == http.StatusInternalServerError {
			errorLog.Printf("Upload from %s failed: %v", r.RemoteAddr, err)
		}
		writeJSON(w, status, errorResponse{Error: msg})
		return
	}

	debugLog.Printf("Stored upload %s from %s", ref, r.RemoteAddr)
	writeJSON(w, http.StatusCreated, uploadResponse{Ref: ref})
}

// ServeUploadHandler streams a stored image
func (s *Server) ServeUploadHandler(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")
	if !upload.ValidRef(ref) {
		http.NotFound(w, r)
		return
	}

	rc, contentType, err := s.uploads.Open(r.Context(), ref)
	if err != nil {
		if errors.Is(err, upload.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		errorLog.Printf("Failed to open upload %s: %v", ref, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Content-Security-Policy", "default-src 'none'; sandbox")
	// References are content-independent UUIDs and never reused
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	if _, err := io.Copy(w, rc); err != nil {
		debugLog.Printf("Failed to stream upload %s: %v", ref, err)
	}
}

func uploadErrorStatus(err error) (int, string) {
	var maxErr *http.MaxBytesError
	switch {
	case errors.Is(err, upload.ErrTooLarge), errors.As(err, &maxErr):
		return http.StatusRequestEntityTooLarge, "file too large"
	case errors.Is(err, upload.ErrNotImage):
		return http.StatusUnsupportedMediaType, "only images can be uploaded"
	case errors.Is(err, upload.ErrEmpty):
		return http.StatusBadRequest, "empty upload"
	default:
		return http.StatusInternalServerError, "upload failed"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		debugLog.Printf("Failed to write JSON response: %v", err)
	}
}
