package model

import (
	"time"

	"github.com/google/uuid"
)

// AgentState is the licensing lifecycle state of an installed agent.
type AgentState string

const (
	StatePending AgentState = "pending"
	StateActive  AgentState = "active"
	StateBlocked AgentState = "blocked"
	StateExpired AgentState = "expired"
)

// PowerState controls the heartbeat cadence of a connected agent.
type PowerState string

const (
	PowerActive  PowerState = "active"
	PowerPassive PowerState = "passive"
	PowerSleep   PowerState = "sleep"
)

// OSType is the operating system family reported by the agent installer.
type OSType string

const (
	OSMacOS   OSType = "macOS"
	OSWindows OSType = "Windows"
	OSLinux   OSType = "Linux"
)

// MachineInfo is the hardware and network identity an agent presents at
// registration and refreshes on every heartbeat.
type MachineInfo struct {
	Hostname         string `json:"hostname"`
	OSType           OSType `json:"osType"`
	OSVersion        string `json:"osVersion"`
	Arch             string `json:"arch"`
	CPUModel         string `json:"cpuModel"`
	CPUID            string `json:"cpuId"`
	DiskSerial       string `json:"diskSerial"`
	MotherboardUUID  string `json:"motherboardUuid"`
	MACAddress       string `json:"macAddress"`
	TotalRAMMB       int64  `json:"totalRamMb"`
	OSInstallationID string `json:"osInstallationId"`
	LocalUsername    string `json:"localUsername"`
	LocalIPAddress   string `json:"localIpAddress"`
}

// Agent is one installed agent process and its machine identity.
// The pair (CustomerID, MachineID) is unique: the same installer on the
// same hardware always maps back to the same row.
type Agent struct {
	ID              uuid.UUID  `json:"id"                        db:"id"`
	OwnerUserID     uuid.UUID  `json:"owner_user_id"             db:"owner_user_id"`
	CustomerID      uuid.UUID  `json:"customer_id"               db:"customer_id"`
	MachineID       string     `json:"machine_id"                db:"machine_id"`
	LicenseUUID     *string    `json:"license_uuid,omitempty"    db:"license_uuid"`
	Fingerprint     *string    `json:"fingerprint,omitempty"     db:"fingerprint"`
	FingerprintRaw  map[string]string `json:"fingerprint_raw,omitempty" db:"fingerprint_raw"`
	Hostname        string     `json:"hostname"                  db:"hostname"`
	OSType          OSType     `json:"os_type"                   db:"os_type"`
	OSVersion       string     `json:"os_version"                db:"os_version"`
	Arch            string     `json:"arch"                      db:"arch"`
	CPUModel        string     `json:"cpu_model"                 db:"cpu_model"`
	CPUID           string     `json:"cpu_id"                    db:"cpu_id"`
	DiskSerial      string     `json:"disk_serial"               db:"disk_serial"`
	MotherboardUUID string     `json:"motherboard_uuid"          db:"motherboard_uuid"`
	MACAddress      string     `json:"mac_address"               db:"mac_address"`
	TotalRAMMB      int64      `json:"total_ram_mb"              db:"total_ram_mb"`
	IPAddress       string     `json:"ip_address"                db:"ip_address"`
	LocalIPAddress  string     `json:"local_ip_address"          db:"local_ip_address"`
	LocalUsername   string     `json:"local_username"            db:"local_username"`
	State           AgentState `json:"state"                     db:"state"`
	PowerState      PowerState `json:"power_state"               db:"power_state"`
	IsOnline        bool       `json:"is_online"                 db:"is_online"`
	IsScreenLocked  bool       `json:"is_screen_locked"          db:"is_screen_locked"`
	IsDuplicate     bool       `json:"is_duplicate"              db:"is_duplicate"`
	CurrentTask     *string    `json:"current_task,omitempty"    db:"current_task"`
	PendingCommands int        `json:"pending_commands"          db:"pending_commands"`
	FirstSeenAt     time.Time  `json:"first_seen_at"             db:"first_seen_at"`
	LastSeenAt      time.Time  `json:"last_seen_at"              db:"last_seen_at"`
	ActivatedAt     *time.Time `json:"activated_at,omitempty"    db:"activated_at"`
	BlockedAt       *time.Time `json:"blocked_at,omitempty"      db:"blocked_at"`
	DeactivatedAt   *time.Time `json:"deactivated_at,omitempty"  db:"deactivated_at"`
}

// Info reassembles the MachineInfo view of the stored hardware facts.
func (a *Agent) Info() MachineInfo {
	return MachineInfo{
		Hostname:        a.Hostname,
		OSType:          a.OSType,
		OSVersion:       a.OSVersion,
		Arch:            a.Arch,
		CPUModel:        a.CPUModel,
		CPUID:           a.CPUID,
		DiskSerial:      a.DiskSerial,
		MotherboardUUID: a.MotherboardUUID,
		MACAddress:      a.MACAddress,
		TotalRAMMB:      a.TotalRAMMB,
		LocalUsername:   a.LocalUsername,
		LocalIPAddress:  a.LocalIPAddress,
	}
}

// LicenseStatus is the wire value sent to agents in registered and
// heartbeat_ack frames.
func (a *Agent) LicenseStatus() string {
	return string(a.State)
}

// ChangeType classifies an observed fingerprint drift.
type ChangeType string

const (
	ChangeIP        ChangeType = "ip_change"
	ChangeUsername  ChangeType = "username_change"
	ChangeHardware  ChangeType = "hardware_change"
	ChangeDuplicate ChangeType = "duplicate_detected"
)

// FingerprintChange is an append-only audit record of fingerprint drift.
type FingerprintChange struct {
	ID             uuid.UUID         `json:"id"              db:"id"`
	AgentID        uuid.UUID         `json:"agent_id"        db:"agent_id"`
	ChangeType     ChangeType        `json:"change_type"     db:"change_type"`
	OldFingerprint string            `json:"old_fingerprint" db:"old_fingerprint"`
	NewFingerprint string            `json:"new_fingerprint" db:"new_fingerprint"`
	Detail         map[string]string `json:"detail,omitempty" db:"detail"`
	CreatedAt      time.Time         `json:"created_at"      db:"created_at"`
}
