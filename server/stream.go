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

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"llmcouncil/config"
	"llmcouncil/council"
	"llmcouncil/storage"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadTimeout  = 60 * time.Second
)

// handleMessageStream runs the council and writes every event as an SSE
// "data:" line. The terminal complete event is only sent once the assistant
// turn is saved; a save failure ends the stream with an error event instead.
func (s *Server) handleMessageStream(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	var req MessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	run, err := s.prepareRun(r.Context(), id, req)
	if err != nil {
		s.runError(w, id, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	send := func(ev council.Event) {
		if err := writeSSE(w, ev); err != nil {
			s.log.Debug(id, run.RequestID, "sse write failed", map[string]interface{}{"error": err.Error()})
			return
		}
		flusher.Flush()
	}

	var complete *council.Event
	res := s.council.Run(r.Context(), run, func(ev council.Event) {
		if ev.Type == council.EventComplete {
			complete = &ev
			return
		}
		send(ev)
	})
	if err := s.persist(r.Context(), run, res); err != nil {
		s.log.Error(id, run.RequestID, "failed to save assistant message", map[string]interface{}{"error": err.Error()})
		send(council.Event{Type: council.EventError, Data: map[string]string{"error": "failed to save assistant message"}})
		return
	}
	if complete == nil {
		complete = &council.Event{Type: council.EventComplete, Data: res}
	}
	send(*complete)
}

func writeSSE(w http.ResponseWriter, ev council.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", payload)
	return err
}

func (s *Server) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
}

// checkOrigin accepts same-host requests, requests without an Origin header,
// and any configured CORS origin.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.allowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return origin == "http://"+r.Host || origin == "https://"+r.Host
}

// handleWebSocket reads one message request from the client, then sends one
// JSON frame per pipeline event. Closing the socket cancels the run; the
// assistant turn is still saved.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	client, err := s.clientKey(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	conn, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn(id, "", "websocket upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}
	defer conn.Close()

	send := func(ev council.Event) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteJSON(ev)
	}
	fail := func(msg string) {
		_ = send(council.Event{Type: council.EventError, Data: map[string]string{"error": msg}})
	}

	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	var req MessageRequest
	if err := conn.ReadJSON(&req); err != nil {
		fail("invalid message request")
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	limit := s.rateLimits.Limit(config.CategoryMessage)
	if !s.limiter.IsAllowed(ctx, client, config.CategoryMessage, limit) {
		if s.metrics != nil {
			s.metrics.ObserveRateLimited(config.CategoryMessage)
		}
		_ = send(council.Event{Type: council.EventError, Data: map[string]interface{}{
			"error":       "Rate limit exceeded. Please try again later.",
			"retry_after": formatSeconds(s.retryAfter(client, config.CategoryMessage)),
		}})
		return
	}

	run, err := s.prepareRun(ctx, id, req)
	if err != nil {
		switch {
		case errors.Is(err, errEmptyContent):
			fail(err.Error())
		case errors.Is(err, storage.ErrNotFound):
			fail("Conversation not found")
		default:
			s.log.Error(id, "", "failed to record user message", map[string]interface{}{"error": err.Error()})
			fail("storage operation failed")
		}
		return
	}

	// A read error means the client went away.
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				cancel()
				return
			}
		}
	}()

	var complete *council.Event
	res := s.council.Run(ctx, run, func(ev council.Event) {
		if ev.Type == council.EventComplete {
			complete = &ev
			return
		}
		if err := send(ev); err != nil {
			cancel()
		}
	})
	if err := s.persist(ctx, run, res); err != nil {
		s.log.Error(id, run.RequestID, "failed to save assistant message", map[string]interface{}{"error": err.Error()})
		fail("failed to save assistant message")
		return
	}
	if complete == nil {
		complete = &council.Event{Type: council.EventComplete, Data: res}
	}
	_ = send(*complete)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
}
