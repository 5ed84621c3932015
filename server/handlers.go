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
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"llmcouncil/attachments"
	"llmcouncil/council"
	"llmcouncil/llm"
	"llmcouncil/storage"
)

const (
	maxJSONBody   = 1 << 20
	maxTitleRunes = 60
)

// MessageRequest is the body of every message endpoint and the first
// websocket frame.
type MessageRequest struct {
	Content     string              `json:"content"`
	Attachments []llm.AttachmentRef `json:"attachments,omitempty"`
}

type testCaseRequest struct {
	Input    string `json:"input"`
	Expected string `json:"expected"`
}

// clientKey identifies the caller for rate limiting: the JWT subject when a
// bearer token is presented, otherwise the client address.
func (s *Server) clientKey(r *http.Request) (string, error) {
	if auth := r.Header.Get("Authorization"); auth != "" && s.jwtSecret != nil {
		raw, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok {
			return "", errors.New("invalid authorization header format")
		}
		claims := jwt.MapClaims{}
		token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return s.jwtSecret, nil
		})
		if err != nil || !token.Valid {
			return "", errors.New("invalid token")
		}
		sub, _ := claims.GetSubject()
		if sub == "" {
			return "", errors.New("token has no subject")
		}
		return "user:" + sub, nil
	}

	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first := strings.TrimSpace(strings.Split(fwd, ",")[0]); first != "" {
			return "ip:" + first, nil
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host, nil
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	list, err := s.conversations.List(r.Context())
	if err != nil {
		s.internalError(w, "", "failed to list conversations", err)
		return
	}
	if list == nil {
		list = []storage.Summary{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := s.conversations.Create(r.Context())
	if err != nil {
		s.internalError(w, "", "failed to create conversation", err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	conv, err := s.conversations.Get(r.Context(), id)
	if err != nil {
		s.storageError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.conversations.Delete(r.Context(), id); err != nil {
		s.storageError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": id})
}

func (s *Server) handleAddTestCase(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req testCaseRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Input) == "" {
		writeError(w, http.StatusBadRequest, "input is required")
		return
	}
	tc, err := s.conversations.AddTestCase(r.Context(), id, req.Input, req.Expected)
	if err != nil {
		s.storageError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, tc)
}

func (s *Server) handleDeleteTestCase(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, tcID := vars["id"], vars["test_case_id"]
	removed, err := s.conversations.DeleteTestCase(r.Context(), id, tcID)
	if err != nil {
		s.storageError(w, id, err)
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, "Test case not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": tcID})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if s.uploads == nil {
		writeError(w, http.StatusServiceUnavailable, "uploads are not configured")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, attachments.MaxUploadBytes+(1<<20))
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "multipart field \"file\" is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, attachments.MaxUploadBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read upload")
		return
	}
	if len(data) > attachments.MaxUploadBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "file too large")
		return
	}

	up, err := attachments.Save(r.Context(), s.uploads, header.Filename, header.Header.Get("Content-Type"), data)
	if err != nil {
		s.internalError(w, "", "failed to store upload", err)
		return
	}
	s.log.Info("", "", "upload stored", map[string]interface{}{
		"path":         up.Path,
		"content_type": up.ContentType,
		"bytes":        len(data),
	})
	writeJSON(w, http.StatusOK, up)
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
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

	res := s.council.Run(r.Context(), run, nil)
	if err := s.persist(r.Context(), run, res); err != nil {
		s.internalError(w, id, "failed to save assistant message", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

var errEmptyContent = errors.New("content is required")

// prepareRun records the user's turn and builds the council request. The
// history is taken before the new turn is appended.
func (s *Server) prepareRun(ctx context.Context, id string, req MessageRequest) (council.Request, error) {
	if strings.TrimSpace(req.Content) == "" {
		return council.Request{}, errEmptyContent
	}
	conv, err := s.conversations.Get(ctx, id)
	if err != nil {
		return council.Request{}, err
	}
	first := len(conv.Messages) == 0
	history := conv.History()

	if _, err := s.conversations.AppendUserMessage(ctx, id, req.Content, req.Attachments); err != nil {
		return council.Request{}, err
	}
	if first && conv.Title == storage.DefaultTitle {
		if err := s.conversations.SetTitle(ctx, id, titleFrom(req.Content)); err != nil {
			s.log.Warn(id, "", "failed to set conversation title", map[string]interface{}{"error": err.Error()})
		}
	}

	return council.Request{
		ConversationID: id,
		RequestID:      uuid.NewString(),
		Query:          req.Content,
		Attachments:    req.Attachments,
		History:        history,
		TestCases:      conv.TestCases,
	}, nil
}

// persist stores the assistant turn even when the client has gone away.
func (s *Server) persist(ctx context.Context, run council.Request, res *council.Result) error {
	_, err := s.conversations.AppendAssistantMessage(context.WithoutCancel(ctx), run.ConversationID, res)
	return err
}

func titleFrom(content string) string {
	title := strings.Join(strings.Fields(content), " ")
	if r := []rune(title); len(r) > maxTitleRunes {
		title = string(r[:maxTitleRunes])
	}
	if title == "" {
		return storage.DefaultTitle
	}
	return title
}

func (s *Server) runError(w http.ResponseWriter, id string, err error) {
	if errors.Is(err, errEmptyContent) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.storageError(w, id, err)
}

func (s *Server) storageError(w http.ResponseWriter, id string, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Conversation not found")
		return
	}
	s.internalError(w, id, "storage operation failed", err)
}

func (s *Server) internalError(w http.ResponseWriter, id, msg string, err error) {
	s.log.Error(id, "", msg, map[string]interface{}{"error": err.Error()})
	writeError(w, http.StatusInternalServerError, msg)
}

func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %v", err)
	}
	return nil
}

func itoa(n int) string { return strconv.Itoa(n) }

// formatSeconds rounds up so clients never retry early.
func formatSeconds(d time.Duration) string {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
