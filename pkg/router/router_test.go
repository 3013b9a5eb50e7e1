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

package router

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpufleet/gpufleet/pkg/logger"
	"github.com/gpufleet/gpufleet/pkg/models"
	"github.com/gpufleet/gpufleet/pkg/proto"
	"github.com/gpufleet/gpufleet/pkg/registry"
	"github.com/gpufleet/gpufleet/pkg/tunnel"
)

const testWait = 5 * time.Second

type fakeAuth struct {
	clientIDs []models.ClientID
	scope     int32
	found     bool
	err       error
}

func (f *fakeAuth) LookupToken(context.Context, string) ([]models.ClientID, int32, bool, error) {
	return f.clientIDs, f.scope, f.found, f.err
}

type fakeAudit struct {
	audits chan *models.RequestAudit
}

func (f *fakeAudit) PublishRequestAudit(_ context.Context, audit *models.RequestAudit) error {
	f.audits <- audit
	return nil
}

type deviceConn struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	failWrite bool
}

func (d *deviceConn) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.failWrite {
		return 0, errors.New("broken pipe")
	}

	return d.buf.Write(p)
}

func (d *deviceConn) Close() error { return nil }

func (d *deviceConn) readCommand(t *testing.T) proto.Command {
	t.Helper()

	var cmd proto.Command

	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()

		if d.buf.Len() == 0 {
			return false
		}

		var err error
		cmd, err = proto.ReadCommand(&d.buf)

		return err == nil
	}, testWait, 5*time.Millisecond)

	return cmd
}

func mustClientID(t *testing.T, hex string) models.ClientID {
	t.Helper()

	id, err := models.ParseClientID(hex)
	require.NoError(t, err)

	return id
}

type routerHarness struct {
	registry *registry.Registry
	pairings *tunnel.Pairings
	audit    *fakeAudit
	router   *Router
}

func newHarness(t *testing.T, auth TokenAuthenticator) *routerHarness {
	t.Helper()

	h := &routerHarness{
		registry: registry.NewRegistry(),
		pairings: tunnel.NewPairings(time.Minute, logger.NewTestLogger()),
		audit:    &fakeAudit{audits: make(chan *models.RequestAudit, 4)},
	}

	h.router = New(Config{
		Registry:    h.registry,
		Pairings:    h.pairings,
		Auth:        auth,
		Audit:       h.audit,
		HeadTimeout: time.Second,
	}, logger.NewTestLogger())

	return h
}

func (h *routerHarness) addDevice(t *testing.T, hexID string, modelNames ...string) (*registry.Session, *deviceConn) {
	t.Helper()

	conn := &deviceConn{}
	sess := registry.NewSession(mustClientID(t, hexID), conn)

	list := make([]models.Model, 0, len(modelNames))
	for _, name := range modelNames {
		list = append(list, models.Model{ID: name, Object: "model"})
	}

	sess.SetModels(list)
	require.NoError(t, h.registry.Register(sess))

	return sess, conn
}

// dispatch runs handle against one end of a pipe and writes the request on
// the other, returning the caller side for response reads.
func (h *routerHarness) dispatch(t *testing.T, request string) net.Conn {
	t.Helper()

	server, caller := net.Pipe()

	done := make(chan struct{})

	go func() {
		defer close(done)
		h.router.handle(context.Background(), server)
	}()

	t.Cleanup(func() {
		_ = caller.Close()

		select {
		case <-done:
		case <-time.After(testWait):
			t.Fatal("router handler did not return")
		}
	})

	require.NoError(t, caller.SetDeadline(time.Now().Add(testWait)))

	_, err := caller.Write([]byte(request))
	require.NoError(t, err)

	return caller
}

func completionRequest(token, model string) string {
	body := fmt.Sprintf(`{"model": %q, "prompt": "hi"}`, model)

	return fmt.Sprintf("POST /v1/completions HTTP/1.1\r\n"+
		"Host: broker\r\n"+
		"Authorization: Bearer %s\r\n"+
		"X-Request-Id: req-42\r\n"+
		"Content-Type: application/json\r\n"+
		"Content-Length: %d\r\n\r\n%s", token, len(body), body)
}

func readResponse(t *testing.T, conn net.Conn) *http.Response {
	t.Helper()

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)

	t.Cleanup(func() { _ = resp.Body.Close() })

	return resp
}

func TestHandleRoutesToDevice(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fakeAuth{scope: models.ScopeAllDevices, found: true})
	_, conn := h.addDevice(t, "0123456789abcdef0123456789abcdef", "llama3:8b")

	request := completionRequest("tok-1", "llama3:8b")
	h.dispatch(t, request)

	cmd := conn.readCommand(t)
	req, ok := cmd.(*proto.RequestNewProxyConn)
	require.True(t, ok, "expected RequestNewProxyConn, got %T", cmd)

	caller, buffered, found := h.pairings.Take(req.ProxyConnID)
	require.True(t, found)
	assert.NotNil(t, caller)
	assert.Equal(t, request, string(buffered), "everything consumed must be replayed")

	// Full-fleet scope produces no audit record.
	select {
	case audit := <-h.audit.audits:
		t.Fatalf("unexpected audit: %+v", audit)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHandleRestrictedScopeAudits(t *testing.T) {
	t.Parallel()

	deviceID := mustClientID(t, "0123456789abcdef0123456789abcdef")

	h := newHarness(t, &fakeAuth{clientIDs: []models.ClientID{deviceID}, scope: 7, found: true})
	_, conn := h.addDevice(t, "0123456789abcdef0123456789abcdef", "llama3:8b")

	h.dispatch(t, completionRequest("tok-1", "llama3:8b"))
	conn.readCommand(t)

	select {
	case audit := <-h.audit.audits:
		assert.Equal(t, "req-42", audit.RequestID)
		assert.Equal(t, deviceID.String(), audit.ClientID)
		assert.Equal(t, "llama3:8b", audit.Model)
	case <-time.After(testWait):
		t.Fatal("audit was not published")
	}
}

func TestHandleScopeExcludesDevice(t *testing.T) {
	t.Parallel()

	otherID := mustClientID(t, "ffffffffffffffffffffffffffffffff")

	h := newHarness(t, &fakeAuth{clientIDs: []models.ClientID{otherID}, scope: 7, found: true})
	h.addDevice(t, "0123456789abcdef0123456789abcdef", "llama3:8b")

	caller := h.dispatch(t, completionRequest("tok-1", "llama3:8b"))

	resp := readResponse(t, caller)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleInvalidToken(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fakeAuth{found: false})
	h.addDevice(t, "0123456789abcdef0123456789abcdef", "llama3:8b")

	caller := h.dispatch(t, completionRequest("bad-token", "llama3:8b"))

	resp := readResponse(t, caller)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
}

func TestHandleMissingToken(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fakeAuth{scope: models.ScopeAllDevices, found: true})

	request := "GET /v1/models HTTP/1.1\r\nHost: broker\r\n\r\n"
	caller := h.dispatch(t, request)

	resp := readResponse(t, caller)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandleNoDevice(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fakeAuth{scope: models.ScopeAllDevices, found: true})

	caller := h.dispatch(t, completionRequest("tok-1", "llama3:8b"))

	resp := readResponse(t, caller)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleDeviceSendFailureDropsDevice(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fakeAuth{scope: models.ScopeAllDevices, found: true})

	conn := &deviceConn{failWrite: true}
	sess := registry.NewSession(mustClientID(t, "0123456789abcdef0123456789abcdef"), conn)
	sess.SetModels([]models.Model{{ID: "llama3:8b"}})
	require.NoError(t, h.registry.Register(sess))

	caller := h.dispatch(t, completionRequest("tok-1", "llama3:8b"))

	resp := readResponse(t, caller)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	_, ok := h.registry.Get(sess.ClientID)
	assert.False(t, ok, "unreachable device must be dropped")
	assert.Equal(t, 0, h.pairings.Len(), "failed pairing must be withdrawn")
}

func TestParseHeaders(t *testing.T) {
	t.Parallel()

	head := "POST /v1/completions HTTP/1.1\r\n" +
		"Host: broker\r\n" +
		"authorization: Bearer sk-test\r\n" +
		"X-Request-ID: abc\r\n" +
		"Content-Length: 42"

	token, requestID, contentLength := parseHeaders([]byte(head))
	assert.Equal(t, "sk-test", token)
	assert.Equal(t, "abc", requestID)
	assert.Equal(t, 42, contentLength)
}

func TestExtractModel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		body  string
		model string
		ok    bool
	}{
		{
			name:  "complete_json",
			body:  `{"model": "llama3:8b", "prompt": "hi"}`,
			model: "llama3:8b",
			ok:    true,
		},
		{
			name:  "partial_json_with_model",
			body:  `{"prompt": "hi", "model": "llama3:8b", "max_tok`,
			model: "llama3:8b",
			ok:    true,
		},
		{
			name: "partial_json_model_value_cut",
			body: `{"model": "llama3`,
			ok:   false,
		},
		{
			name:  "complete_json_no_model",
			body:  `{"prompt": "hi"}`,
			model: "",
			ok:    true,
		},
		{
			name: "not_json_yet",
			body: `{"pro`,
			ok:   false,
		},
		{
			name:  "escaped_quote_in_value",
			body:  `{"model": "odd\"name", "x": 1}`,
			model: `odd"name`,
			ok:    true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			model, ok := extractModel([]byte(tt.body))
			assert.Equal(t, tt.ok, ok)

			if tt.ok {
				assert.Equal(t, tt.model, model)
			}
		})
	}
}

func TestReadRequestInfoAcrossChunks(t *testing.T) {
	t.Parallel()

	server, caller := net.Pipe()
	defer caller.Close()

	request := completionRequest("tok-1", "llama3:8b")
	half := len(request) / 2

	go func() {
		_, _ = caller.Write([]byte(request[:half]))
		time.Sleep(20 * time.Millisecond)
		_, _ = caller.Write([]byte(request[half:]))
	}()

	info, buffered, err := readRequestInfo(server, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", info.token)
	assert.Equal(t, "req-42", info.requestID)
	assert.Equal(t, "llama3:8b", info.model)
	assert.Equal(t, request, string(buffered))
}
