package main

import (
	"bufio"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/always-cache/cachehtml"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

// newRouter mounts the admin endpoints next to the cache html server.
func newRouter(server *cachehtml.Server, metrics http.Handler, logger zerolog.Logger) *chi.Mux {
	r := chi.NewRouter()
	r.Use(hlog.NewHandler(logger))
	r.Use(hlog.RequestIDHandler("req_id", "X-Request-Id"))
	r.Use(hlog.AccessHandler(func(req *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(req).Trace().
			Str("method", req.Method).
			Stringer("url", req.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("Handled request")
	}))

	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}

	r.Route("/.cachehtml", func(r chi.Router) {
		r.Delete("/records", func(w http.ResponseWriter, req *http.Request) {
			uri := req.URL.Query().Get("uri")
			if uri == "" {
				http.Error(w, "missing uri", http.StatusBadRequest)
				return
			}
			if err := server.Purge(req.Context(), uri); err != nil {
				hlog.FromRequest(req).Error().Err(err).Str("uri", uri).Msg("Could not purge page")
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})

		// body is a newline separated list of image urls
		r.Put("/critical-images", func(w http.ResponseWriter, req *http.Request) {
			uri := req.URL.Query().Get("uri")
			if uri == "" {
				http.Error(w, "missing uri", http.StatusBadRequest)
				return
			}
			var images []string
			scanner := bufio.NewScanner(req.Body)
			for scanner.Scan() {
				if image := strings.TrimSpace(scanner.Text()); image != "" {
					images = append(images, image)
				}
			}
			if err := scanner.Err(); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			if err := server.SetCriticalImages(req.Context(), uri, images); err != nil {
				hlog.FromRequest(req).Error().Err(err).Str("uri", uri).Msg("Could not set critical images")
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})

		r.Get("/queue", func(w http.ResponseWriter, req *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(server.QueueMetrics())
		})
	})

	r.Handle("/*", server)
	return r
}
