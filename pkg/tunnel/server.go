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
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gpufleet/gpufleet/pkg/logger"
	"github.com/gpufleet/gpufleet/pkg/proto"
)

const handshakeTimeout = 10 * time.Second

// Server accepts device-initiated proxy connections, matches each to its
// waiting caller, and splices the two streams.
type Server struct {
	pairings *Pairings
	log      logger.Logger
}

// NewServer builds a proxy listener over the given pairing table.
func NewServer(pairings *Pairings, log logger.Logger) *Server {
	return &Server{
		pairings: pairings,
		log:      log.WithComponent("tunnel"),
	}
}

// Serve accepts proxy connections until the listener closes or ctx is
// canceled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			return err
		}

		go s.handle(conn)
	}
}

// handle reads the pairing announcement off a device connection and joins
// it to the waiting caller. Connections that announce an unknown or
// already-taken pairing are dropped.
func (s *Server) handle(device net.Conn) {
	if err := device.SetReadDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		_ = device.Close()
		return
	}

	cmd, err := proto.ReadCommand(device)
	if err != nil {
		s.log.Debug().
			Err(err).
			Str("remote_addr", device.RemoteAddr().String()).
			Msg("proxy handshake failed")
		_ = device.Close()

		return
	}

	announce, ok := cmd.(*proto.NewProxyConn)
	if !ok {
		s.log.Debug().
			Str("remote_addr", device.RemoteAddr().String()).
			Msg("proxy connection did not announce a pairing")
		_ = device.Close()

		return
	}

	caller, buffered, ok := s.pairings.Take(announce.ProxyConnID)
	if !ok {
		s.log.Debug().
			Str("proxy_conn_id", announce.ProxyConnID.String()).
			Msg("no pending pairing")
		_ = device.Close()

		return
	}

	if err := device.SetReadDeadline(time.Time{}); err != nil {
		_ = device.Close()
		_ = caller.Close()

		return
	}

	// Replay the request bytes the router consumed before any live caller
	// traffic reaches the device.
	if len(buffered) > 0 {
		if _, err := device.Write(buffered); err != nil {
			s.log.Debug().
				Err(err).
				Str("proxy_conn_id", announce.ProxyConnID.String()).
				Msg("buffered replay failed")
			_ = device.Close()
			_ = caller.Close()

			return
		}
	}

	s.log.Debug().
		Str("proxy_conn_id", announce.ProxyConnID.String()).
		Msg("tunnel established")

	joinStreams(caller, device)
}

type closeWriter interface {
	CloseWrite() error
}

// joinStreams copies bytes in both directions until each side hits EOF,
// half-closing the write end so in-flight data drains before teardown.
func joinStreams(a, b net.Conn) {
	var wg sync.WaitGroup

	wg.Add(2)

	go func() {
		defer wg.Done()
		copyHalf(a, b)
	}()

	go func() {
		defer wg.Done()
		copyHalf(b, a)
	}()

	wg.Wait()

	_ = a.Close()
	_ = b.Close()
}

func copyHalf(dst, src net.Conn) {
	_, _ = io.Copy(dst, src)

	if cw, ok := dst.(closeWriter); ok {
		_ = cw.CloseWrite()
	} else {
		_ = dst.Close()
	}
}
