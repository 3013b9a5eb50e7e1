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

// devicesim is a development device worker: it logs in to the broker,
// heartbeats real host telemetry, advertises a model list, answers proxy
// dial-back requests with a canned inference endpoint, and echoes
// dispatched tasks. It exists so the control plane can be exercised
// end to end without GPU hardware.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	gopsnet "github.com/shirou/gopsutil/v3/net"

	"github.com/gpufleet/gpufleet/pkg/logger"
	"github.com/gpufleet/gpufleet/pkg/models"
	"github.com/gpufleet/gpufleet/pkg/proto"
)

const (
	heartbeatInterval   = 30 * time.Second
	modelStatusInterval = 5 * time.Minute
	dialTimeout         = 10 * time.Second
)

func main() {
	controlAddr := flag.String("control", "127.0.0.1:9000", "broker control address")
	proxyAddr := flag.String("proxy", "127.0.0.1:9001", "broker proxy address")
	clientIDHex := flag.String("client-id", "", "16-byte client id in hex (random when empty)")
	modelList := flag.String("models", "llama3:8b", "comma-separated advertised models")
	memGB := flag.Uint("mem-gb", 24, "reported device memory in GB")
	tflops := flag.Uint("tflops", 82, "reported device TFLOPs")
	flag.Parse()

	log, err := logger.New(&logger.Config{Level: "debug", Output: "stderr"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}

	log = log.WithComponent("devicesim")

	clientID := models.ClientID(uuid.New())

	if *clientIDHex != "" {
		clientID, err = models.ParseClientID(*clientIDHex)
		if err != nil {
			log.Fatal().Err(err).Msg("invalid -client-id")
		}
	}

	sim := &simulator{
		controlAddr: *controlAddr,
		proxyAddr:   *proxyAddr,
		clientID:    clientID,
		modelNames:  strings.Split(*modelList, ","),
		memGB:       uint32(*memGB),
		tflops:      uint32(*tflops),
		log:         log,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sim.run(ctx); err != nil && ctx.Err() == nil {
		log.Fatal().Err(err).Msg("devicesim exited")
	}
}

type simulator struct {
	controlAddr string
	proxyAddr   string
	clientID    models.ClientID
	modelNames  []string
	memGB       uint32
	tflops      uint32
	log         logger.Logger

	writeMu sync.Mutex
	conn    net.Conn
}

func (s *simulator) run(ctx context.Context) error {
	conn, err := net.DialTimeout("tcp", s.controlAddr, dialTimeout)
	if err != nil {
		return fmt.Errorf("dial control %s: %w", s.controlAddr, err)
	}
	defer conn.Close()

	s.conn = conn

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	if err := s.login(); err != nil {
		return err
	}

	go s.heartbeatLoop(ctx)
	go s.modelStatusLoop(ctx)

	return s.readLoop(ctx)
}

func (s *simulator) send(cmd proto.Command) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return proto.WriteCommand(s.conn, cmd)
}

func (s *simulator) login() error {
	login := &proto.Login{
		ClientID:   s.clientID,
		Version:    1,
		OSType:     hostOSType(),
		AutoModels: true,
		Telemetry:  s.sampleTelemetry(),
		MemTotalGB: s.memGB,
		TFLOPs:     s.tflops,
		Pods: []models.PodInfo{
			{
				PodID:      0,
				MemTotalGB: uint16(s.memGB),
				TFLOPs:     uint16(s.tflops),
				Port:       11434,
				OSType:     hostOSType(),
				EngineType: models.EngineOllama,
			},
		},
	}

	if err := s.send(login); err != nil {
		return fmt.Errorf("send login: %w", err)
	}

	cmd, err := proto.ReadCommand(s.conn)
	if err != nil {
		return fmt.Errorf("read login result: %w", err)
	}

	result, ok := cmd.(*proto.LoginResult)
	if !ok {
		return fmt.Errorf("expected login result, got %T", cmd)
	}

	if !result.Success {
		return fmt.Errorf("login rejected: %s", result.Error)
	}

	s.log.Info().
		Str("client_id", s.clientID.String()).
		Int("recommended_models", len(result.PodModels)).
		Msg("logged in")

	return nil
}

func (s *simulator) readLoop(ctx context.Context) error {
	for {
		cmd, err := proto.ReadCommand(s.conn)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			return fmt.Errorf("control read: %w", err)
		}

		switch c := cmd.(type) {
		case *proto.RequestNewProxyConn:
			go s.serveProxyConn(c.ProxyConnID)
		case *proto.InferenceTask:
			go s.executeTask(c)
		case *proto.PullModelResult:
			s.log.Info().Int("assignments", len(c.PodModels)).Msg("received model assignments")
		default:
			s.log.Debug().Uint16("kind", uint16(cmd.CommandKind())).Msg("ignoring command")
		}
	}
}

func (s *simulator) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hb := &proto.Heartbeat{
				ClientID:    s.clientID,
				Telemetry:   s.sampleTelemetry(),
				DeviceCount: 1,
				MemTotalGB:  s.memGB,
				TFLOPs:      s.tflops,
			}

			if err := s.send(hb); err != nil {
				s.log.Warn().Err(err).Msg("heartbeat send failed")
				return
			}
		}
	}
}

func (s *simulator) modelStatusLoop(ctx context.Context) {
	ticker := time.NewTicker(modelStatusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.send(s.modelStatus()); err != nil {
				s.log.Warn().Err(err).Msg("model status send failed")
				return
			}
		}
	}
}

func (s *simulator) modelStatus() *proto.ModelStatus {
	list := make([]models.Model, 0, len(s.modelNames))

	for _, name := range s.modelNames {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}

		list = append(list, models.Model{
			ID:      name,
			Object:  "model",
			Created: uint64(time.Now().Unix()),
			OwnedBy: "devicesim",
		})
	}

	return &proto.ModelStatus{ClientID: s.clientID, Models: list}
}

// serveProxyConn dials the broker's proxy listener, announces the pairing,
// and answers whatever request arrives with a canned completion response.
func (s *simulator) serveProxyConn(id models.ProxyConnID) {
	conn, err := net.DialTimeout("tcp", s.proxyAddr, dialTimeout)
	if err != nil {
		s.log.Warn().Err(err).Msg("proxy dial failed")
		return
	}
	defer conn.Close()

	if err := proto.WriteCommand(conn, &proto.NewProxyConn{ProxyConnID: id}); err != nil {
		s.log.Warn().Err(err).Msg("proxy announce failed")
		return
	}

	// Consume the replayed request head, then reply once and close.
	_ = conn.SetReadDeadline(time.Now().Add(dialTimeout))

	buf := make([]byte, 4096)
	if _, err := conn.Read(buf); err != nil {
		s.log.Debug().Err(err).Msg("proxy request read failed")
		return
	}

	body := `{"choices": [{"text": "devicesim response"}]}`
	_, _ = fmt.Fprintf(conn, "HTTP/1.1 200 OK\r\nContent-Type: application/json\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		len(body), body)

	s.log.Debug().Str("proxy_conn_id", id.String()).Msg("served proxy request")
}

// executeTask echoes the prompt back, standing in for a real engine.
func (s *simulator) executeTask(task *proto.InferenceTask) {
	started := time.Now()

	result := &proto.InferenceResult{
		TaskID:           task.TaskID,
		Success:          true,
		Result:           "echo: " + task.Prompt,
		ExecutionTimeMS:  uint64(time.Since(started).Milliseconds()),
		PromptTokens:     uint32(len(strings.Fields(task.Prompt))),
		CompletionTokens: uint32(len(strings.Fields(task.Prompt))) + 1,
	}

	if err := s.send(result); err != nil {
		s.log.Warn().Err(err).Str("task_id", task.TaskID).Msg("result send failed")
	}
}

// sampleTelemetry reads host usage via gopsutil; failures degrade to zero
// values rather than blocking the heartbeat.
func (s *simulator) sampleTelemetry() models.Telemetry {
	var t models.Telemetry

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		t.CPUUsage = uint8(percents[0])
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		t.MemoryUsage = uint8(vm.UsedPercent)
	}

	if du, err := disk.Usage("/"); err == nil {
		t.DiskUsage = uint8(du.UsedPercent)
	}

	if counters, err := gopsnet.IOCounters(false); err == nil && len(counters) > 0 {
		t.NetworkRx = counters[0].BytesRecv
		t.NetworkTx = counters[0].BytesSent
	}

	return t
}

func hostOSType() models.OSType {
	switch runtime.GOOS {
	case "linux":
		return models.OSLinux
	case "darwin":
		return models.OSMacOS
	case "windows":
		return models.OSWindows
	default:
		return models.OSNone
	}
}
