// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package server is the thin HTTP surface over the council: conversation
// CRUD, uploads, and message submission with JSON, SSE or websocket
// delivery of pipeline events.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"llmcouncil/attachments"
	"llmcouncil/config"
	"llmcouncil/council"
	"llmcouncil/metrics"
	"llmcouncil/ratelimit"
	"llmcouncil/shared/logger"
	"llmcouncil/storage"
)

// Runner executes one council run.
type Runner interface {
	Run(ctx context.Context, req council.Request, emit council.Emitter) *council.Result
}

// Deps is everything the server needs; nothing is looked up globally.
type Deps struct {
	Council        Runner
	Conversations  *storage.Conversations
	Uploads        attachments.Store
	Limiter        ratelimit.Limiter
	RateLimits     config.RateLimitConfig
	Metrics        *metrics.Metrics
	JWTSecret      string
	AllowedOrigins []string
	Logger         *logger.Logger
}

// Server owns the router and its collaborators.
type Server struct {
	council        Runner
	conversations  *storage.Conversations
	uploads        attachments.Store
	limiter        ratelimit.Limiter
	rateLimits     config.RateLimitConfig
	metrics        *metrics.Metrics
	jwtSecret      []byte
	allowedOrigins []string
	log            *logger.Logger
	router         *mux.Router
}

// New wires the routes.
func New(d Deps) *Server {
	s := &Server{
		council:        d.Council,
		conversations:  d.Conversations,
		uploads:        d.Uploads,
		limiter:        d.Limiter,
		rateLimits:     d.RateLimits,
		metrics:        d.Metrics,
		allowedOrigins: d.AllowedOrigins,
		log:            d.Logger,
	}
	if d.JWTSecret != "" {
		s.jwtSecret = []byte(d.JWTSecret)
	}
	if s.log == nil {
		s.log = logger.New("server")
	}
	if s.limiter == nil {
		s.limiter = ratelimit.NewMemoryLimiter(d.RateLimits.Window)
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := mux.NewRouter()
	r.Use(s.instrument)

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	if s.metrics != nil {
		r.Handle("/prometheus", s.metrics.Handler()).Methods("GET")
	}

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/conversations", s.handleListConversations).Methods("GET")
	api.Handle("/conversations", s.limited(config.CategoryConversation, s.handleCreateConversation)).Methods("POST")
	api.HandleFunc("/conversations/{id}", s.handleGetConversation).Methods("GET")
	api.HandleFunc("/conversations/{id}", s.handleDeleteConversation).Methods("DELETE")
	api.HandleFunc("/conversations/{id}/test-cases", s.handleAddTestCase).Methods("POST")
	api.HandleFunc("/conversations/{id}/test-cases/{test_case_id}", s.handleDeleteTestCase).Methods("DELETE")
	api.Handle("/conversations/{id}/message", s.limited(config.CategoryMessage, s.handleMessage)).Methods("POST")
	api.Handle("/conversations/{id}/message/stream", s.limited(config.CategoryMessage, s.handleMessageStream)).Methods("POST")
	api.HandleFunc("/conversations/{id}/ws", s.handleWebSocket).Methods("GET")
	api.Handle("/upload", s.limited(config.CategoryUpload, s.handleUpload)).Methods("POST")

	if local, ok := s.uploads.(*attachments.LocalStore); ok {
		files := http.StripPrefix(attachments.LocalPrefix, http.FileServer(http.Dir(local.Dir())))
		r.PathPrefix(attachments.LocalPrefix).Handler(noDirListing(files)).Methods("GET")
	}
	s.router = r
}

// Handler returns the router wrapped in CORS.
func (s *Server) Handler() http.Handler {
	origins := s.allowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "llm-council"})
}

// limited admits the request through the limiter before any work happens.
func (s *Server) limited(category string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client, err := s.clientKey(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		if !s.admit(r.Context(), w, client, category) {
			return
		}
		next(w, r)
	})
}

// admit checks the limiter and writes the 429 response on denial.
func (s *Server) admit(ctx context.Context, w http.ResponseWriter, client, category string) bool {
	limit := s.rateLimits.Limit(category)
	if !s.limiter.IsAllowed(ctx, client, category, limit) {
		retry := s.retryAfter(client, category)
		w.Header().Set("Retry-After", formatSeconds(retry))
		w.Header().Set("X-RateLimit-Limit", itoa(limit))
		w.Header().Set("X-RateLimit-Remaining", "0")
		if s.metrics != nil {
			s.metrics.ObserveRateLimited(category)
		}
		s.log.Warn("", "", "rate limit exceeded", map[string]interface{}{
			"client":   client,
			"category": category,
		})
		writeError(w, http.StatusTooManyRequests, "Rate limit exceeded. Please try again later.")
		return false
	}
	w.Header().Set("X-RateLimit-Limit", itoa(limit))
	w.Header().Set("X-RateLimit-Remaining", itoa(s.limiter.Remaining(ctx, client, category, limit)))
	return true
}

type retryAfterer interface {
	RetryAfter(clientKey, category string) time.Duration
}

func (s *Server) retryAfter(client, category string) time.Duration {
	if ra, ok := s.limiter.(retryAfterer); ok {
		if d := ra.RetryAfter(client, category); d > 0 {
			return d
		}
	}
	if s.rateLimits.Window > 0 {
		return s.rateLimits.Window
	}
	return ratelimit.DefaultWindow
}

// instrument records per-route request metrics.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		s.metrics.ObserveRequest(route, rec.status, time.Since(start))
	})
}

// statusRecorder captures the status code while keeping streaming and
// websocket upgrades working.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func noDirListing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(r.URL.Path) == 0 || r.URL.Path[len(r.URL.Path)-1] == '/' {
			http.NotFound(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
