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

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpufleet/gpufleet/pkg/logger"
	"github.com/gpufleet/gpufleet/pkg/models"
	"github.com/gpufleet/gpufleet/pkg/proto"
	"github.com/gpufleet/gpufleet/pkg/registry"
	"github.com/gpufleet/gpufleet/pkg/scheduler"
)

type fakeAuth struct {
	clientIDs []models.ClientID
	scope     int32
	found     bool
	err       error
}

func (f *fakeAuth) LookupToken(context.Context, string) ([]models.ClientID, int32, bool, error) {
	return f.clientIDs, f.scope, f.found, f.err
}

type fakeDispatcher struct {
	res      *proto.InferenceResult
	servedBy models.ClientID
	err      error

	gotParams  scheduler.Params
	gotAllowed []models.ClientID
}

func (f *fakeDispatcher) Execute(_ context.Context, params scheduler.Params, allowed []models.ClientID) (*proto.InferenceResult, models.ClientID, error) {
	f.gotParams = params
	f.gotAllowed = allowed

	return f.res, f.servedBy, f.err
}

type fakeAudit struct {
	audits chan *models.RequestAudit
}

func (f *fakeAudit) PublishRequestAudit(_ context.Context, audit *models.RequestAudit) error {
	f.audits <- audit
	return nil
}

type nopConn struct{}

func (nopConn) Write(p []byte) (int, error) { return len(p), nil }
func (nopConn) Close() error                { return nil }

func mustClientID(t *testing.T, hex string) models.ClientID {
	t.Helper()

	id, err := models.ParseClientID(hex)
	require.NoError(t, err)

	return id
}

func newTestServer(t *testing.T, dispatcher Dispatcher, auth *fakeAuth) (*Server, *registry.Registry, *fakeAudit) {
	t.Helper()

	reg := registry.NewRegistry()
	audit := &fakeAudit{audits: make(chan *models.RequestAudit, 4)}
	srv := NewServer(Config{
		Registry:   reg,
		Dispatcher: dispatcher,
		Auth:       auth,
		Audit:      audit,
	}, logger.NewTestLogger())

	return srv, reg, audit
}

func doRequest(srv *Server, method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) (string, string) {
	t.Helper()

	var payload struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}

	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))

	return payload.Error.Message, payload.Error.Type
}

func TestCompletions(t *testing.T) {
	t.Parallel()

	servedBy := mustClientID(t, "0123456789abcdef0123456789abcdef")
	dispatcher := &fakeDispatcher{
		res: &proto.InferenceResult{
			Success:          true,
			Result:           "Paris.",
			PromptTokens:     9,
			CompletionTokens: 3,
		},
		servedBy: servedBy,
	}

	srv, _, _ := newTestServer(t, dispatcher, &fakeAuth{scope: models.ScopeAllDevices, found: true})

	body := `{"model": "llama3:8b", "prompt": "capital of France?", "max_tokens": 32, "temperature": 0.7}`
	rec := doRequest(srv, http.MethodPost, "/v1/completions", "tok-1", body)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp completionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, strings.HasPrefix(resp.ID, "cmpl-"))
	assert.Equal(t, "text_completion", resp.Object)
	assert.Equal(t, "llama3:8b", resp.Model)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "Paris.", resp.Choices[0].Text)
	assert.Equal(t, uint32(12), resp.Usage.TotalTokens)

	assert.Equal(t, "llama3:8b", dispatcher.gotParams.Model)
	assert.Equal(t, "capital of France?", dispatcher.gotParams.Prompt)
	assert.Equal(t, uint32(32), dispatcher.gotParams.MaxTokens)
	assert.Nil(t, dispatcher.gotAllowed, "full-fleet scope passes nil")
}

func TestCompletionsDefaultModel(t *testing.T) {
	t.Parallel()

	dispatcher := &fakeDispatcher{
		res:      &proto.InferenceResult{Success: true, Result: "ok"},
		servedBy: mustClientID(t, "0123456789abcdef0123456789abcdef"),
	}

	srv := NewServer(Config{
		Registry:     registry.NewRegistry(),
		Dispatcher:   dispatcher,
		Auth:         &fakeAuth{scope: models.ScopeAllDevices, found: true},
		DefaultModel: "gpuf",
	}, logger.NewTestLogger())

	rec := doRequest(srv, http.MethodPost, "/v1/completions", "tok-1", `{"prompt": "hi"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, "gpuf", dispatcher.gotParams.Model)

	var resp completionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "gpuf", resp.Model)
}

// frameConn buffers frames so a test can read dispatched commands back.
type frameConn struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (f *frameConn) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.buf.Write(p)
}

func (f *frameConn) Close() error { return nil }

func (f *frameConn) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.buf.Len()
}

func TestCompletionsModelRouting(t *testing.T) {
	t.Parallel()

	reg := registry.NewRegistry()
	conn := &frameConn{}
	sess := registry.NewSession(mustClientID(t, "0123456789abcdef0123456789abcdef"), conn)
	sess.SetModels([]models.Model{{ID: "m1"}})
	require.NoError(t, reg.Register(sess))

	sched := scheduler.New(reg, 5*time.Second, logger.NewTestLogger())

	srv := NewServer(Config{
		Registry:   reg,
		Dispatcher: sched,
		Auth:       &fakeAuth{scope: models.ScopeAllDevices, found: true},
	}, logger.NewTestLogger())

	// A model no device advertises must fail without dispatching a task.
	rec := doRequest(srv, http.MethodPost, "/v1/completions", "tok-1", `{"model": "m2", "prompt": "hi"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	_, errType := decodeError(t, rec)
	assert.Equal(t, "invalid_request_error", errType)
	assert.Zero(t, conn.len(), "no task frame may reach the device")

	// The advertised model is served by the advertising device.
	go func() {
		for {
			conn.mu.Lock()

			if conn.buf.Len() > 0 {
				if cmd, err := proto.ReadCommand(&conn.buf); err == nil {
					if task, ok := cmd.(*proto.InferenceTask); ok {
						conn.mu.Unlock()
						sched.HandleResult(&proto.InferenceResult{
							TaskID:  task.TaskID,
							Success: true,
							Result:  "served",
						})

						return
					}
				}
			}

			conn.mu.Unlock()
			time.Sleep(5 * time.Millisecond)
		}
	}()

	rec = doRequest(srv, http.MethodPost, "/v1/completions", "tok-1", `{"model": "m1", "prompt": "hi"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp completionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "served", resp.Choices[0].Text)
}

func TestChatCompletions(t *testing.T) {
	t.Parallel()

	dispatcher := &fakeDispatcher{
		res:      &proto.InferenceResult{Success: true, Result: "Hello!"},
		servedBy: mustClientID(t, "0123456789abcdef0123456789abcdef"),
	}

	srv, _, _ := newTestServer(t, dispatcher, &fakeAuth{scope: models.ScopeAllDevices, found: true})

	body := `{"model": "llama3:8b", "messages": [{"role": "system", "content": "be brief"}, {"role": "user", "content": "hi"}]}`
	rec := doRequest(srv, http.MethodPost, "/v1/chat/completions", "tok-1", body)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp chatCompletionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, strings.HasPrefix(resp.ID, "chatcmpl-"))
	assert.Equal(t, "chat.completion", resp.Object)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "assistant", resp.Choices[0].Message.Role)
	assert.Equal(t, "Hello!", resp.Choices[0].Message.Content)

	assert.Equal(t, "llama3:8b", dispatcher.gotParams.Model)
	assert.Equal(t, "system: be brief\nuser: hi\nassistant:", dispatcher.gotParams.Prompt)
}

func TestCompletionsRestrictedScope(t *testing.T) {
	t.Parallel()

	deviceID := mustClientID(t, "0123456789abcdef0123456789abcdef")
	dispatcher := &fakeDispatcher{
		res:      &proto.InferenceResult{Success: true, Result: "ok"},
		servedBy: deviceID,
	}

	auth := &fakeAuth{clientIDs: []models.ClientID{deviceID}, scope: 7, found: true}
	srv, _, audit := newTestServer(t, dispatcher, auth)

	rec := doRequest(srv, http.MethodPost, "/v1/completions", "tok-1", `{"prompt": "hi"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, []models.ClientID{deviceID}, dispatcher.gotAllowed)

	select {
	case got := <-audit.audits:
		assert.Equal(t, deviceID.String(), got.ClientID)
	case <-time.After(5 * time.Second):
		t.Fatal("audit was not published")
	}
}

func TestCompletionsErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		dispatcher *fakeDispatcher
		wantStatus int
		wantType   string
	}{
		{
			name:       "no_device",
			dispatcher: &fakeDispatcher{err: registry.ErrNoAvailableDevice},
			wantStatus: http.StatusBadRequest,
			wantType:   "invalid_request_error",
		},
		{
			name:       "busy",
			dispatcher: &fakeDispatcher{err: registry.ErrDeviceBusy},
			wantStatus: http.StatusServiceUnavailable,
			wantType:   "api_error",
		},
		{
			name:       "timeout",
			dispatcher: &fakeDispatcher{err: scheduler.ErrTaskTimeout},
			wantStatus: http.StatusGatewayTimeout,
			wantType:   "api_error",
		},
		{
			name:       "device_reported_failure",
			dispatcher: &fakeDispatcher{res: &proto.InferenceResult{Success: false, Error: "engine crashed"}},
			wantStatus: http.StatusInternalServerError,
			wantType:   "api_error",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv, _, _ := newTestServer(t, tt.dispatcher, &fakeAuth{scope: models.ScopeAllDevices, found: true})

			rec := doRequest(srv, http.MethodPost, "/v1/completions", "tok-1", `{"prompt": "hi"}`)
			assert.Equal(t, tt.wantStatus, rec.Code)

			_, errType := decodeError(t, rec)
			assert.Equal(t, tt.wantType, errType)
		})
	}
}

func TestCompletionsValidation(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t, &fakeDispatcher{}, &fakeAuth{scope: models.ScopeAllDevices, found: true})

	rec := doRequest(srv, http.MethodPost, "/v1/completions", "tok-1", `{"model": "m"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(srv, http.MethodPost, "/v1/completions", "tok-1", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuthMiddleware(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t, &fakeDispatcher{}, &fakeAuth{found: false})

	rec := doRequest(srv, http.MethodPost, "/v1/completions", "", `{"prompt": "hi"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	msg, errType := decodeError(t, rec)
	assert.Equal(t, "missing bearer token", msg)
	assert.Equal(t, "authentication_error", errType)

	rec = doRequest(srv, http.MethodPost, "/v1/completions", "bad", `{"prompt": "hi"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	msg, _ = decodeError(t, rec)
	assert.Equal(t, "invalid token", msg)
}

func TestListModels(t *testing.T) {
	t.Parallel()

	srv, reg, _ := newTestServer(t, &fakeDispatcher{}, &fakeAuth{scope: models.ScopeAllDevices, found: true})

	a := registry.NewSession(mustClientID(t, "11111111111111111111111111111111"), nopConn{})
	a.SetModels([]models.Model{{ID: "llama3:8b", Object: "model"}, {ID: "qwen2:7b", Object: "model"}})
	require.NoError(t, reg.Register(a))

	b := registry.NewSession(mustClientID(t, "22222222222222222222222222222222"), nopConn{})
	b.SetModels([]models.Model{{ID: "llama3:8b", Object: "model"}})
	require.NoError(t, reg.Register(b))

	rec := doRequest(srv, http.MethodGet, "/v1/models", "tok-1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Object string         `json:"object"`
		Data   []models.Model `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "list", resp.Object)
	assert.Len(t, resp.Data, 2, "duplicates are collapsed")
}

func TestListDevices(t *testing.T) {
	t.Parallel()

	srv, reg, _ := newTestServer(t, &fakeDispatcher{}, &fakeAuth{scope: models.ScopeAllDevices, found: true})

	sess := registry.NewSession(mustClientID(t, "11111111111111111111111111111111"), nopConn{})
	sess.SetTelemetry(models.Telemetry{CPUUsage: 40, MemoryUsage: 50})
	sess.SetCapability(models.DeviceCapability{DeviceCount: 1, MemTotalGB: 24, TFLOPs: 82})
	sess.SetModels([]models.Model{{ID: "llama3:8b"}})
	require.NoError(t, reg.Register(sess))

	rec := doRequest(srv, http.MethodGet, "/api/v1/devices", "tok-1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Devices []deviceSummary `json:"devices"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Devices, 1)
	assert.Equal(t, sess.ClientID.String(), resp.Devices[0].ClientID)
	assert.Equal(t, uint8(40), resp.Devices[0].Telemetry.CPUUsage)
	assert.Equal(t, []string{"llama3:8b"}, resp.Devices[0].Models)
}
