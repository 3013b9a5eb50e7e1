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

package models

import "time"

// OSType identifies the operating system a device runs on.
type OSType uint8

const (
	OSNone OSType = iota
	OSLinux
	OSMacOS
	OSWindows
	OSAndroid
	OSIOS
)

func (o OSType) String() string {
	switch o {
	case OSLinux:
		return "linux"
	case OSMacOS:
		return "mac"
	case OSWindows:
		return "win"
	case OSAndroid:
		return "android"
	case OSIOS:
		return "ios"
	default:
		return "none"
	}
}

// EngineType identifies the inference engine serving a compute pod.
type EngineType int16

const (
	EngineOllama   EngineType = 1
	EngineVLLM     EngineType = 2
	EngineTensorRT EngineType = 3
	EngineONNX     EngineType = 4
	EngineNone     EngineType = 5
)

func (e EngineType) String() string {
	switch e {
	case EngineOllama:
		return "ollama"
	case EngineVLLM:
		return "vllm"
	case EngineTensorRT:
		return "tensorrt"
	case EngineONNX:
		return "onnx"
	default:
		return "none"
	}
}

// Telemetry is the latest host-level usage snapshot for a device. It is
// overwritten wholesale on every heartbeat; historical series live in the
// ingestion pipeline, not here.
type Telemetry struct {
	CPUUsage    uint8  `json:"cpu_usage" cbor:"cpu_usage"`
	MemoryUsage uint8  `json:"memory_usage" cbor:"memory_usage"`
	DiskUsage   uint8  `json:"disk_usage" cbor:"disk_usage"`
	NetworkRx   uint64 `json:"network_rx" cbor:"network_rx"`
	NetworkTx   uint64 `json:"network_tx" cbor:"network_tx"`
}

// PodInfo describes one compute pod (a GPU group served by one engine
// endpoint) on a device.
type PodInfo struct {
	PodID      uint16     `json:"pod_id" cbor:"pod_id"`
	MemTotalGB uint16     `json:"memtotal_gb" cbor:"memtotal_gb"`
	TFLOPs     uint16     `json:"total_tflops" cbor:"total_tflops"`
	Port       uint16     `json:"port" cbor:"port"`
	OSType     OSType     `json:"os_type" cbor:"os_type"`
	EngineType EngineType `json:"engine_type" cbor:"engine_type"`
	Usage      uint8      `json:"usage" cbor:"usage"`
	MemUsage   uint8      `json:"mem_usage" cbor:"mem_usage"`
}

// DeviceCapability is the declared compute profile of a device, refreshed
// on login and model-status reports.
type DeviceCapability struct {
	DeviceCount uint32    `json:"device_count" cbor:"device_count"`
	MemTotalGB  uint32    `json:"device_memtotal_gb" cbor:"device_memtotal_gb"`
	TFLOPs      uint32    `json:"device_total_tflops" cbor:"device_total_tflops"`
	OSType      OSType    `json:"os_type" cbor:"os_type"`
	Pods        []PodInfo `json:"pods" cbor:"pods"`
}

// Model is one loaded model advertised by a device, in the OpenAI
// model-object shape.
type Model struct {
	ID      string `json:"id" cbor:"id"`
	Object  string `json:"object" cbor:"object"`
	Created uint64 `json:"created" cbor:"created"`
	OwnedBy string `json:"owned_by" cbor:"owned_by"`
}

// PodModel is a recommended-model assignment for one pod, computed from the
// pod's memory size and engine type. An empty ModelName means no compatible
// model was found.
type PodModel struct {
	PodID     uint16 `json:"pod_id" cbor:"pod_id"`
	ModelName string `json:"model_name" cbor:"model_name"`
}

// HeartbeatEvent is the durable-ingestion record forwarded for every
// heartbeat the control plane receives.
type HeartbeatEvent struct {
	ClientID    string    `json:"client_id"`
	Telemetry   Telemetry `json:"telemetry"`
	DeviceCount uint32    `json:"device_count"`
	MemTotalGB  uint32    `json:"device_memtotal_gb"`
	TFLOPs      uint32    `json:"device_total_tflops"`
	Pods        []PodInfo `json:"pods,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// RequestAudit records which device served which external request, for
// billing attribution of restricted-scope tenants.
type RequestAudit struct {
	RequestID string    `json:"request_id"`
	ClientID  string    `json:"client_id"`
	Model     string    `json:"model,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ScopeAllDevices is the token access scope granting visibility of the
// whole fleet.
const ScopeAllDevices int32 = -1
