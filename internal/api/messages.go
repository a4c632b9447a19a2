package api

import (
	"github.com/skobkin/ethercomm/internal/pdo"
	"github.com/skobkin/ethercomm/internal/publish"
)

// HelloMessage is the initial payload sent on WebSocket connection.
type HelloMessage struct {
	Type     string          `json:"type"`
	PeriodNS int64           `json:"period_ns"`
	RunID    string          `json:"run_id,omitempty"`
	Every    int             `json:"every"`
	Devices  []pdo.Entry     `json:"devices"`
	Features map[string]bool `json:"features"`
}

// NewHelloMessage constructs a hello payload.
func NewHelloMessage(periodNS int64, runID string, every int, devices []pdo.Entry, features map[string]bool) HelloMessage {
	return HelloMessage{
		Type:     "hello",
		PeriodNS: periodNS,
		RunID:    runID,
		Every:    every,
		Devices:  devices,
		Features: features,
	}
}

// PDOMessage wraps one cycle's process data for transport. Byte blobs are
// base64 encoded by encoding/json.
type PDOMessage struct {
	Type string `json:"type"`
	publish.Message
}

// NewPDOMessage constructs a pdo payload.
func NewPDOMessage(msg publish.Message) PDOMessage {
	return PDOMessage{
		Type:    "pdo",
		Message: msg,
	}
}

// ErrorMessage communicates an error condition to the client.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ClientMessage is a generic envelope used for decoding inbound client messages.
type ClientMessage struct {
	Type string `json:"type"`
}

// SubscribeMessage changes the decimation of the pdo stream: one message
// every Every cycles.
type SubscribeMessage struct {
	Type  string `json:"type"`
	Every int    `json:"every"`
}

// PongMessage is the response to a ping.
type PongMessage struct {
	Type string `json:"type"`
}

// StageOutputsRequest is the body of an output staging request.
type StageOutputsRequest struct {
	Data []byte `json:"data"`
}
