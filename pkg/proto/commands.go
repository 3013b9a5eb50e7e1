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

// Package proto defines the control-plane wire protocol: a versioned,
// CBOR-encoded command envelope framed with a 4-byte big-endian length
// prefix. Commands are grouped into generations so new kinds can be added
// without breaking older peers; decoding an unknown generation or kind
// fails explicitly instead of silently truncating.
package proto

import "github.com/gpufleet/gpufleet/pkg/models"

// Generation is the protocol generation a command belongs to.
type Generation uint16

const (
	// GenV1 carries the session, tunnel, and task-dispatch commands.
	GenV1 Generation = 1
	// GenV2 carries the optional peer-to-peer signaling commands.
	GenV2 Generation = 2
)

// Kind discriminates command types within a generation.
type Kind uint16

const (
	KindLogin Kind = iota + 1
	KindLoginResult
	KindHeartbeat
	KindModelStatus
	KindPullModelResult
	KindRequestNewProxyConn
	KindNewProxyConn
	KindInferenceTask
	KindInferenceResult
)

const (
	KindP2PConnectionRequest Kind = iota + 1
	KindP2PConnectionInfo
	KindP2PConnectionEstablished
	KindP2PConnectionFailed
)

// Command is any message that can travel over a framed channel.
type Command interface {
	Generation() Generation
	CommandKind() Kind
}

// Login is the first command a device sends after connecting.
type Login struct {
	ClientID   models.ClientID  `cbor:"client_id"`
	Version    uint32           `cbor:"version"`
	OSType     models.OSType    `cbor:"os_type"`
	AutoModels bool             `cbor:"auto_models"`
	Telemetry  models.Telemetry `cbor:"telemetry"`
	MemTotalGB uint32           `cbor:"device_memtotal_gb"`
	TFLOPs     uint32           `cbor:"device_total_tflops"`
	Pods       []models.PodInfo `cbor:"pods"`
}

// LoginResult is the broker's reply to a Login.
type LoginResult struct {
	Success   bool              `cbor:"success"`
	PodModels []models.PodModel `cbor:"pods_model"`
	Error     string            `cbor:"error,omitempty"`
}

// Heartbeat refreshes a device's telemetry snapshot.
type Heartbeat struct {
	ClientID    models.ClientID  `cbor:"client_id"`
	Telemetry   models.Telemetry `cbor:"telemetry"`
	DeviceCount uint16           `cbor:"device_count"`
	MemTotalGB  uint32           `cbor:"device_memtotal_gb"`
	TFLOPs      uint32           `cbor:"device_total_tflops"`
	Pods        []models.PodInfo `cbor:"pods"`
}

// ModelStatus refreshes a device's advertised model list and asks for a
// recommended-model reassignment per auto-managed pod.
type ModelStatus struct {
	ClientID models.ClientID  `cbor:"client_id"`
	Models   []models.Model   `cbor:"models"`
	AutoPods []models.PodInfo `cbor:"auto_pods"`
}

// PullModelResult carries the per-pod recommended models back to a device.
type PullModelResult struct {
	PodModels []models.PodModel `cbor:"pods_model"`
	Error     string            `cbor:"error,omitempty"`
}

// RequestNewProxyConn asks a device to open a second connection to the
// broker's proxy listener.
type RequestNewProxyConn struct {
	ProxyConnID models.ProxyConnID `cbor:"proxy_conn_id"`
}

// NewProxyConn is the first command on a device-initiated proxy connection.
type NewProxyConn struct {
	ProxyConnID models.ProxyConnID `cbor:"proxy_conn_id"`
}

// InferenceTask dispatches one unit of work to a device.
type InferenceTask struct {
	TaskID        string  `cbor:"task_id"`
	Prompt        string  `cbor:"prompt"`
	MaxTokens     uint32  `cbor:"max_tokens"`
	Temperature   float32 `cbor:"temperature"`
	TopK          uint32  `cbor:"top_k"`
	TopP          float32 `cbor:"top_p"`
	RepeatPenalty float32 `cbor:"repeat_penalty"`
	RepeatLastN   int32   `cbor:"repeat_last_n"`
	MinKeep       uint32  `cbor:"min_keep"`
}

// InferenceResult is a device's answer to a dispatched task, correlated
// by TaskID.
type InferenceResult struct {
	TaskID           string `cbor:"task_id"`
	Success          bool   `cbor:"success"`
	Result           string `cbor:"result,omitempty"`
	Error            string `cbor:"error,omitempty"`
	ExecutionTimeMS  uint64 `cbor:"execution_time_ms"`
	PromptTokens     uint32 `cbor:"prompt_tokens"`
	CompletionTokens uint32 `cbor:"completion_tokens"`
}

// P2PConnectionRequest asks the broker to introduce two devices.
type P2PConnectionRequest struct {
	SourceClientID models.ClientID `cbor:"source_client_id"`
	TargetClientID models.ClientID `cbor:"target_client_id"`
	ConnectionID   [16]byte        `cbor:"connection_id"`
}

// P2PConnectionInfo gives one end the candidate addresses of its peer.
type P2PConnectionInfo struct {
	PeerID       models.ClientID `cbor:"peer_id"`
	PeerAddrs    []string        `cbor:"peer_addrs"`
	STUNResult   string          `cbor:"stun_result,omitempty"`
	ConnectionID [16]byte        `cbor:"connection_id"`
}

// P2PConnectionEstablished reports a successful direct or relayed path.
type P2PConnectionEstablished struct {
	PeerID         models.ClientID `cbor:"peer_id"`
	ConnectionID   [16]byte        `cbor:"connection_id"`
	ConnectionType uint8           `cbor:"connection_type"`
}

// P2PConnectionFailed reports that hole punching failed.
type P2PConnectionFailed struct {
	PeerID       models.ClientID `cbor:"peer_id"`
	ConnectionID [16]byte        `cbor:"connection_id"`
	Error        string          `cbor:"error"`
}

func (*Login) Generation() Generation               { return GenV1 }
func (*Login) CommandKind() Kind                    { return KindLogin }
func (*LoginResult) Generation() Generation         { return GenV1 }
func (*LoginResult) CommandKind() Kind              { return KindLoginResult }
func (*Heartbeat) Generation() Generation           { return GenV1 }
func (*Heartbeat) CommandKind() Kind                { return KindHeartbeat }
func (*ModelStatus) Generation() Generation         { return GenV1 }
func (*ModelStatus) CommandKind() Kind              { return KindModelStatus }
func (*PullModelResult) Generation() Generation     { return GenV1 }
func (*PullModelResult) CommandKind() Kind          { return KindPullModelResult }
func (*RequestNewProxyConn) Generation() Generation { return GenV1 }
func (*RequestNewProxyConn) CommandKind() Kind      { return KindRequestNewProxyConn }
func (*NewProxyConn) Generation() Generation        { return GenV1 }
func (*NewProxyConn) CommandKind() Kind             { return KindNewProxyConn }
func (*InferenceTask) Generation() Generation       { return GenV1 }
func (*InferenceTask) CommandKind() Kind            { return KindInferenceTask }
func (*InferenceResult) Generation() Generation     { return GenV1 }
func (*InferenceResult) CommandKind() Kind          { return KindInferenceResult }

func (*P2PConnectionRequest) Generation() Generation     { return GenV2 }
func (*P2PConnectionRequest) CommandKind() Kind          { return KindP2PConnectionRequest }
func (*P2PConnectionInfo) Generation() Generation        { return GenV2 }
func (*P2PConnectionInfo) CommandKind() Kind             { return KindP2PConnectionInfo }
func (*P2PConnectionEstablished) Generation() Generation { return GenV2 }
func (*P2PConnectionEstablished) CommandKind() Kind      { return KindP2PConnectionEstablished }
func (*P2PConnectionFailed) Generation() Generation      { return GenV2 }
func (*P2PConnectionFailed) CommandKind() Kind           { return KindP2PConnectionFailed }
