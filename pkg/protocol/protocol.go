// Package protocol defines the JSON frames exchanged over the execution WebSocket.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Client to server actions.
const (
	ActionExecute       = "execute"
	ActionStopExecution = "stop_execution"
	ActionRestartKernel = "restart_kernel"
)

// Server to client frame types.
const (
	FrameStream           = "stream"
	FrameStdout           = "stdout"
	FrameStderr           = "stderr"
	FrameFilesystemUpdate = "filesystem_update"
	FrameResourceStats    = "resource_stats"
	FrameDiskStats        = "disk_stats"
)

const (
	// CloseAuthRejected is the close code sent when the token is rejected (policy violation).
	CloseAuthRejected = 1008
	// ReasonKernelRestarting is the close reason of a benign kernel restart.
	ReasonKernelRestarting = "Kernel restarting"
	// TokenQueryParam carries the bearer token on the connection URL.
	TokenQueryParam = "token"
)

// ClientFrame is sent by the notebook client.
type ClientFrame struct {
	Action string `json:"action"`
	Code   string `json:"code,omitempty"`
}

func Execute(code string) ClientFrame {
	return ClientFrame{Action: ActionExecute, Code: code}
}

func StopExecution() ClientFrame {
	return ClientFrame{Action: ActionStopExecution}
}

func RestartKernel() ClientFrame {
	return ClientFrame{Action: ActionRestartKernel}
}

// ServerFrame is sent by the backend. Content is a JSON string for output
// frames and an object for stats frames.
type ServerFrame struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content,omitempty"`
}

// ResourceStats is the content of a resource_stats frame. Memory values are MiB.
type ResourceStats struct {
	CPUPercent float64 `json:"cpu_percent"`
	RAMUsage   float64 `json:"ram_usage"`
	RAMLimit   float64 `json:"ram_limit"`
}

// DiskStats is the content of a disk_stats frame, in MiB.
type DiskStats struct {
	DiskUsage float64 `json:"disk_usage"`
	DiskLimit float64 `json:"disk_limit"`
}

// TextFrame builds an output frame (stream, stdout, stderr, filesystem_update).
func TextFrame(frameType, content string) ServerFrame {
	raw, _ := json.Marshal(content)
	return ServerFrame{Type: frameType, Content: raw}
}

// ObjectFrame builds a frame whose content is a JSON object.
func ObjectFrame(frameType string, content interface{}) (ServerFrame, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return ServerFrame{}, fmt.Errorf("failed to marshal %s content: %w", frameType, err)
	}
	return ServerFrame{Type: frameType, Content: raw}, nil
}

// Text returns the content as a string. Missing or null content is "", and
// non-string content is returned as its raw JSON.
func (f ServerFrame) Text() string {
	if len(f.Content) == 0 || string(f.Content) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(f.Content, &s); err != nil {
		return string(f.Content)
	}
	return s
}

// ResourceStats decodes a resource_stats content.
func (f ServerFrame) ResourceStats() (ResourceStats, error) {
	var stats ResourceStats
	if err := json.Unmarshal(f.Content, &stats); err != nil {
		return stats, fmt.Errorf("invalid resource_stats content: %w", err)
	}
	return stats, nil
}

// DiskStats decodes a disk_stats content.
func (f ServerFrame) DiskStats() (DiskStats, error) {
	var stats DiskStats
	if err := json.Unmarshal(f.Content, &stats); err != nil {
		return stats, fmt.Errorf("invalid disk_stats content: %w", err)
	}
	return stats, nil
}

// IsTerminal reports whether the frame ends an execution.
func (f ServerFrame) IsTerminal() bool {
	return f.Type == FrameStdout || f.Type == FrameStderr
}
