package ws

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/fleetbridge/fleetbridge/internal/fleet/model"
)

// Frame type discriminators. Every frame is a single JSON object with a
// "type" field; no newline framing.
const (
	TypeRegister     = "register"
	TypeRegistered   = "registered"
	TypeHeartbeat    = "heartbeat"
	TypeHeartbeatAck = "heartbeat_ack"
	TypeRequest      = "request"
	TypeResponse     = "response"
	TypeError        = "error"
	TypeStateChange  = "state_change"
)

// Application close codes. 1003 is the protocol-level unsupported-data code;
// the 44xx range is ours.
const (
	CloseUnknownMessage      = 1003
	CloseInvalidRegistration = 4400
	CloseLicenseInvalid      = 4401
	CloseDuplicate           = 4409
)

// Machine-readable error codes sent in error frames.
const (
	CodeInvalidRegistration = "INVALID_REGISTRATION"
	CodeLicenseInvalid      = "LICENSE_INVALID"
	CodeDuplicate           = "DUPLICATE"
)

// envelope is used to sniff the type before decoding the full frame.
type envelope struct {
	Type string `json:"type"`
}

// statusFlags travel on register and heartbeat frames.
type statusFlags struct {
	Ready        bool    `json:"ready"`
	ScreenLocked bool    `json:"screenLocked"`
	CurrentTask  *string `json:"currentTask"`
	CPUUsage     float64 `json:"cpuUsage,omitempty"`
	MemoryUsage  float64 `json:"memoryUsage,omitempty"`
}

type registerFrame struct {
	Type        string            `json:"type"`
	CustomerID  uuid.UUID         `json:"customerId"`
	MachineID   string            `json:"machineId"`
	Fingerprint string            `json:"fingerprint"`
	LicenseUUID *string           `json:"licenseUuid"`
	MachineInfo model.MachineInfo `json:"machineInfo"`
	Status      statusFlags       `json:"status"`
	Tools       []model.Tool      `json:"tools"`
}

type registeredFrame struct {
	Type              string  `json:"type"`
	AgentID           string  `json:"agentId"`
	LicenseStatus     string  `json:"licenseStatus"`
	LicenseUUID       *string `json:"licenseUuid"`
	LicenseExpiresAt  *string `json:"licenseExpiresAt"`
	HeartbeatInterval int64   `json:"heartbeatInterval"`
	ServerTime        string  `json:"serverTime"`
}

type heartbeatFrame struct {
	Type   string      `json:"type"`
	Status statusFlags `json:"status"`
}

type heartbeatAckFrame struct {
	Type              string  `json:"type"`
	LicenseStatus     string  `json:"licenseStatus"`
	LicenseUUID       *string `json:"licenseUuid,omitempty"`
	TargetState       string  `json:"targetState"`
	HeartbeatInterval int64   `json:"heartbeatInterval"`
	PendingCommands   bool    `json:"pendingCommands"`
	WakeAt            *string `json:"wakeAt,omitempty"`
}

type requestFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId"`
	Tool      string          `json:"tool"`
	Args      json.RawMessage `json:"args,omitempty"`
}

type responseFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId"`
	Success   bool            `json:"success"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *string         `json:"error,omitempty"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type stateChangeFrame struct {
	Type              string `json:"type"`
	TargetState       string `json:"targetState"`
	HeartbeatInterval int64  `json:"heartbeatInterval"`
}
