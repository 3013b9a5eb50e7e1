/*
 * Copyright 2026 GPUFleet Contributors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package gateway serves the OpenAI-compatible HTTP API: completion
// endpoints dispatched through the task scheduler plus fleet inspection
// routes.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/gpufleet/gpufleet/pkg/logger"
	"github.com/gpufleet/gpufleet/pkg/models"
	"github.com/gpufleet/gpufleet/pkg/proto"
	"github.com/gpufleet/gpufleet/pkg/registry"
	"github.com/gpufleet/gpufleet/pkg/router"
	"github.com/gpufleet/gpufleet/pkg/scheduler"
)

const auditTimeout = 5 * time.Second

type contextKey int

const authKey contextKey = 0

// AuthContext carries the resolved token scope through a request.
type AuthContext struct {
	ClientIDs []models.ClientID
	Scope     int32
}

// Allowed returns the device scope for selection: nil means whole fleet.
func (a *AuthContext) Allowed() []models.ClientID {
	if a.Scope == models.ScopeAllDevices {
		return nil
	}

	return a.ClientIDs
}

// Server is the HTTP API server.
type Server struct {
	registry     *registry.Registry
	dispatcher   Dispatcher
	auth         router.TokenAuthenticator
	audit        router.AuditPublisher
	defaultModel string

	router *mux.Router
	log    logger.Logger
}

// Config wires the API server's collaborators. Audit may be nil.
type Config struct {
	Registry   *registry.Registry
	Dispatcher Dispatcher
	Auth       router.TokenAuthenticator
	Audit      router.AuditPublisher

	// DefaultModel is substituted when a request names no model. Empty
	// leaves such requests model-less, placing them on any device.
	DefaultModel string
}

// NewServer builds the API server and its routes.
func NewServer(cfg Config, log logger.Logger) *Server {
	s := &Server{
		registry:     cfg.Registry,
		dispatcher:   cfg.Dispatcher,
		auth:         cfg.Auth,
		audit:        cfg.Audit,
		defaultModel: cfg.DefaultModel,
		router:       mux.NewRouter(),
		log:          log.WithComponent("gateway"),
	}

	s.setupRoutes()

	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.authMiddleware)

	s.router.HandleFunc("/v1/completions", s.handleCompletions).Methods(http.MethodPost)
	s.router.HandleFunc("/v1/chat/completions", s.handleChatCompletions).Methods(http.MethodPost)
	s.router.HandleFunc("/v1/models", s.handleListModels).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/devices", s.handleListDevices).Methods(http.MethodGet)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "authentication_error", "missing bearer token")
			return
		}

		clientIDs, scope, found, err := s.auth.LookupToken(r.Context(), token)
		if err != nil {
			s.log.Error().Err(err).Msg("token lookup failed")
			writeError(w, http.StatusInternalServerError, "api_error", "authorization unavailable")

			return
		}

		if !found {
			writeError(w, http.StatusUnauthorized, "authentication_error", "invalid token")
			return
		}

		auth := &AuthContext{ClientIDs: clientIDs, Scope: scope}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), authKey, auth)))
	})
}

func authFromContext(ctx context.Context) *AuthContext {
	auth, _ := ctx.Value(authKey).(*AuthContext)
	return auth
}

type completionRequest struct {
	Model         string  `json:"model"`
	Prompt        string  `json:"prompt"`
	MaxTokens     uint32  `json:"max_tokens"`
	Temperature   float32 `json:"temperature"`
	TopK          uint32  `json:"top_k"`
	TopP          float32 `json:"top_p"`
	RepeatPenalty float32 `json:"repeat_penalty"`
	RepeatLastN   int32   `json:"repeat_last_n"`
	MinKeep       uint32  `json:"min_keep"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model         string        `json:"model"`
	Messages      []chatMessage `json:"messages"`
	MaxTokens     uint32        `json:"max_tokens"`
	Temperature   float32       `json:"temperature"`
	TopK          uint32        `json:"top_k"`
	TopP          float32       `json:"top_p"`
	RepeatPenalty float32       `json:"repeat_penalty"`
	RepeatLastN   int32         `json:"repeat_last_n"`
	MinKeep       uint32        `json:"min_keep"`
}

type usage struct {
	PromptTokens     uint32 `json:"prompt_tokens"`
	CompletionTokens uint32 `json:"completion_tokens"`
	TotalTokens      uint32 `json:"total_tokens"`
}

type completionChoice struct {
	Text         string `json:"text"`
	Index        int    `json:"index"`
	FinishReason string `json:"finish_reason"`
}

type completionResponse struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []completionChoice `json:"choices"`
	Usage   usage              `json:"usage"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatCompletionResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   usage        `json:"usage"`
}

func (s *Server) handleCompletions(w http.ResponseWriter, r *http.Request) {
	var req completionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON body")
		return
	}

	if req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "prompt is required")
		return
	}

	model := s.resolveModel(req.Model)

	res, servedBy, ok := s.dispatch(w, r, req.Prompt, samplingParams(model, req))
	if !ok {
		return
	}

	s.publishAudit(r, model, servedBy)

	writeJSON(w, http.StatusOK, completionResponse{
		ID:      "cmpl-" + uuid.NewString(),
		Object:  "text_completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []completionChoice{
			{Text: res.Result, Index: 0, FinishReason: "stop"},
		},
		Usage: usage{
			PromptTokens:     res.PromptTokens,
			CompletionTokens: res.CompletionTokens,
			TotalTokens:      res.PromptTokens + res.CompletionTokens,
		},
	})
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req chatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON body")
		return
	}

	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "messages are required")
		return
	}

	prompt := renderPrompt(req.Messages)
	model := s.resolveModel(req.Model)

	res, servedBy, ok := s.dispatch(w, r, prompt, samplingParams(model, completionRequest{
		MaxTokens:     req.MaxTokens,
		Temperature:   req.Temperature,
		TopK:          req.TopK,
		TopP:          req.TopP,
		RepeatPenalty: req.RepeatPenalty,
		RepeatLastN:   req.RepeatLastN,
		MinKeep:       req.MinKeep,
	}))
	if !ok {
		return
	}

	s.publishAudit(r, model, servedBy)

	writeJSON(w, http.StatusOK, chatCompletionResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []chatChoice{
			{
				Index:        0,
				Message:      chatMessage{Role: "assistant", Content: res.Result},
				FinishReason: "stop",
			},
		},
		Usage: usage{
			PromptTokens:     res.PromptTokens,
			CompletionTokens: res.CompletionTokens,
			TotalTokens:      res.PromptTokens + res.CompletionTokens,
		},
	})
}

// renderPrompt flattens a chat transcript into the plain prompt the task
// protocol carries.
func renderPrompt(messages []chatMessage) string {
	var b strings.Builder

	for _, m := range messages {
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}

	b.WriteString("assistant:")

	return b.String()
}

func (s *Server) resolveModel(model string) string {
	if model == "" {
		return s.defaultModel
	}

	return model
}

func samplingParams(model string, req completionRequest) scheduler.Params {
	return scheduler.Params{
		Model:         model,
		MaxTokens:     req.MaxTokens,
		Temperature:   req.Temperature,
		TopK:          req.TopK,
		TopP:          req.TopP,
		RepeatPenalty: req.RepeatPenalty,
		RepeatLastN:   req.RepeatLastN,
		MinKeep:       req.MinKeep,
	}
}

// dispatch runs the task and maps failures onto the API error taxonomy.
// ok is false when a response was already written.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, prompt string, params scheduler.Params) (res *proto.InferenceResult, servedBy models.ClientID, ok bool) {
	auth := authFromContext(r.Context())
	if auth == nil {
		writeError(w, http.StatusUnauthorized, "authentication_error", "missing auth context")
		return nil, servedBy, false
	}

	params.Prompt = prompt

	res, servedBy, err := s.dispatcher.Execute(r.Context(), params, auth.Allowed())
	if err != nil {
		switch {
		case errors.Is(err, registry.ErrNoAvailableDevice):
			writeError(w, http.StatusBadRequest, "invalid_request_error", "no available device")
		case errors.Is(err, registry.ErrDeviceBusy):
			writeError(w, http.StatusServiceUnavailable, "api_error", "device busy")
		case errors.Is(err, scheduler.ErrTaskTimeout):
			writeError(w, http.StatusGatewayTimeout, "api_error", "task timed out")
		default:
			s.log.Error().Err(err).Msg("dispatch failed")
			writeError(w, http.StatusInternalServerError, "api_error", "dispatch failed")
		}

		return nil, servedBy, false
	}

	if !res.Success {
		msg := res.Error
		if msg == "" {
			msg = "inference failed"
		}

		writeError(w, http.StatusInternalServerError, "api_error", msg)

		return nil, servedBy, false
	}

	return res, servedBy, true
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	seen := make(map[string]struct{})
	list := make([]models.Model, 0)

	s.registry.ForEach(func(sess *registry.Session) {
		for _, m := range sess.Models() {
			if _, dup := seen[m.ID]; dup {
				continue
			}

			seen[m.ID] = struct{}{}
			list = append(list, m)
		}
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"object": "list",
		"data":   list,
	})
}

type deviceSummary struct {
	ClientID    string                  `json:"client_id"`
	ConnectedAt time.Time               `json:"connected_at"`
	Telemetry   models.Telemetry        `json:"telemetry"`
	Capability  models.DeviceCapability `json:"capability"`
	Models      []string                `json:"models"`
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	list := make([]deviceSummary, 0)

	s.registry.ForEach(func(sess *registry.Session) {
		names := make([]string, 0)
		for _, m := range sess.Models() {
			names = append(names, m.ID)
		}

		list = append(list, deviceSummary{
			ClientID:    sess.ClientID.String(),
			ConnectedAt: sess.ConnectedAt,
			Telemetry:   sess.Telemetry(),
			Capability:  sess.Capability(),
			Models:      names,
		})
	})

	writeJSON(w, http.StatusOK, map[string]any{"devices": list})
}

func (s *Server) publishAudit(r *http.Request, model string, servedBy models.ClientID) {
	auth := authFromContext(r.Context())
	if s.audit == nil || auth == nil || auth.Scope == models.ScopeAllDevices {
		return
	}

	requestID := r.Header.Get("X-Request-Id")
	if requestID == "" {
		requestID = uuid.NewString()
	}

	audit := &models.RequestAudit{
		RequestID: requestID,
		ClientID:  servedBy.String(),
		Model:     model,
		Timestamp: time.Now().UTC(),
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
		defer cancel()

		if err := s.audit.PublishRequestAudit(ctx, audit); err != nil {
			s.log.Warn().
				Err(err).
				Str("request_id", audit.RequestID).
				Msg("audit publish failed")
		}
	}()
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"message": message,
			"type":    errType,
		},
	})
}
