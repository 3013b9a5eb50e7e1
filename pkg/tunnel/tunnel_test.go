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

package tunnel

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpufleet/gpufleet/pkg/logger"
	"github.com/gpufleet/gpufleet/pkg/models"
	"github.com/gpufleet/gpufleet/pkg/proto"
)

const testWait = 5 * time.Second

func TestPairingsAddTake(t *testing.T) {
	t.Parallel()

	p := NewPairings(time.Minute, logger.NewTestLogger())

	caller, peer := net.Pipe()
	defer caller.Close()
	defer peer.Close()

	id := models.NewProxyConnID()
	p.Add(id, caller, []byte("head"))
	assert.Equal(t, 1, p.Len())

	got, buffered, ok := p.Take(id)
	require.True(t, ok)
	assert.Equal(t, caller, got)
	assert.Equal(t, []byte("head"), buffered)
	assert.Equal(t, 0, p.Len())

	// A pairing is single use.
	_, _, ok = p.Take(id)
	assert.False(t, ok)
}

func TestPairingsTakeUnknown(t *testing.T) {
	t.Parallel()

	p := NewPairings(time.Minute, logger.NewTestLogger())

	_, _, ok := p.Take(models.NewProxyConnID())
	assert.False(t, ok)
}

func TestPairingsSweepClosesOrphans(t *testing.T) {
	t.Parallel()

	p := NewPairings(10*time.Millisecond, logger.NewTestLogger())

	caller, peer := net.Pipe()
	defer peer.Close()

	id := models.NewProxyConnID()
	p.Add(id, caller, nil)

	p.sweep(time.Now().Add(time.Second))

	assert.Equal(t, 0, p.Len())

	// The orphaned caller must observe the close.
	require.NoError(t, peer.SetReadDeadline(time.Now().Add(testWait)))

	_, err := peer.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)

	_, _, ok := p.Take(id)
	assert.False(t, ok)
}

func TestPairingsSweepKeepsFresh(t *testing.T) {
	t.Parallel()

	p := NewPairings(time.Minute, logger.NewTestLogger())

	caller, peer := net.Pipe()
	defer caller.Close()
	defer peer.Close()

	id := models.NewProxyConnID()
	p.Add(id, caller, nil)

	p.sweep(time.Now())

	assert.Equal(t, 1, p.Len())
}

func TestHandleSplicesStreams(t *testing.T) {
	t.Parallel()

	p := NewPairings(time.Minute, logger.NewTestLogger())
	srv := NewServer(p, logger.NewTestLogger())

	callerNear, callerFar := net.Pipe()
	deviceNear, deviceFar := net.Pipe()

	id := models.NewProxyConnID()
	p.Add(id, callerNear, []byte("GET / HTTP/1.1\r\n"))

	done := make(chan struct{})

	go func() {
		defer close(done)
		srv.handle(deviceNear)
	}()

	require.NoError(t, deviceFar.SetDeadline(time.Now().Add(testWait)))
	require.NoError(t, callerFar.SetDeadline(time.Now().Add(testWait)))

	require.NoError(t, proto.WriteCommand(deviceFar, &proto.NewProxyConn{ProxyConnID: id}))

	// Buffered bytes arrive before anything the caller sends afterward.
	head := make([]byte, 16)
	_, err := io.ReadFull(deviceFar, head)
	require.NoError(t, err)
	assert.Equal(t, "GET / HTTP/1.1\r\n", string(head))

	// Live caller to device traffic.
	go func() {
		_, _ = callerFar.Write([]byte("body"))
	}()

	body := make([]byte, 4)
	_, err = io.ReadFull(deviceFar, body)
	require.NoError(t, err)
	assert.Equal(t, "body", string(body))

	// Device to caller traffic.
	go func() {
		_, _ = deviceFar.Write([]byte("resp"))
	}()

	resp := make([]byte, 4)
	_, err = io.ReadFull(callerFar, resp)
	require.NoError(t, err)
	assert.Equal(t, "resp", string(resp))

	// Closing the device ends the tunnel and the caller side.
	require.NoError(t, deviceFar.Close())

	select {
	case <-done:
	case <-time.After(testWait):
		t.Fatal("tunnel did not tear down")
	}

	_, err = callerFar.Read(make([]byte, 1))
	assert.Error(t, err)
}

func TestHandleUnknownPairingDropsConnection(t *testing.T) {
	t.Parallel()

	p := NewPairings(time.Minute, logger.NewTestLogger())
	srv := NewServer(p, logger.NewTestLogger())

	deviceNear, deviceFar := net.Pipe()

	done := make(chan struct{})

	go func() {
		defer close(done)
		srv.handle(deviceNear)
	}()

	require.NoError(t, deviceFar.SetDeadline(time.Now().Add(testWait)))
	require.NoError(t, proto.WriteCommand(deviceFar, &proto.NewProxyConn{ProxyConnID: models.NewProxyConnID()}))

	<-done

	_, err := deviceFar.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestHandleRejectsWrongAnnouncement(t *testing.T) {
	t.Parallel()

	p := NewPairings(time.Minute, logger.NewTestLogger())
	srv := NewServer(p, logger.NewTestLogger())

	deviceNear, deviceFar := net.Pipe()

	done := make(chan struct{})

	go func() {
		defer close(done)
		srv.handle(deviceNear)
	}()

	require.NoError(t, deviceFar.SetDeadline(time.Now().Add(testWait)))
	require.NoError(t, proto.WriteCommand(deviceFar, &proto.Heartbeat{}))

	<-done

	_, err := deviceFar.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}
