// Package license computes machine fingerprints and arbitrates license
// assignment: it decides whether an incoming registration is the machine we
// already know, a drifted install, or a cloned license.
package license

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetbridge/fleetbridge/internal/fleet/model"
	"github.com/fleetbridge/fleetbridge/internal/fleet/store"
)

// ErrAgentBlocked is returned when a blocked agent attempts to register.
var ErrAgentBlocked = errors.New("agent is blocked")

// Outcome classifies how a registration relates to what is on record.
type Outcome string

const (
	// OutcomeNew: first contact for this (customer, machine) pair.
	OutcomeNew Outcome = "new"
	// OutcomeMatch: fingerprint matches the stored one.
	OutcomeMatch Outcome = "match"
	// OutcomeMinorDrift: ip, hostname, or local username changed; hardware identical.
	OutcomeMinorDrift Outcome = "minor_drift"
	// OutcomeMajorDrift: a hardware component differs; the agent is forced
	// back to PENDING for re-activation.
	OutcomeMajorDrift Outcome = "major_drift"
	// OutcomeDuplicate: the presented license UUID belongs to a different
	// machine. The incoming connection is refused.
	OutcomeDuplicate Outcome = "duplicate"
)

// agentStore is the persistence surface the service needs.
type agentStore interface {
	FindOrCreateAgent(ctx context.Context, customerID uuid.UUID, machineID string, info model.MachineInfo, ip string) (*model.Agent, bool, error)
	GetAgent(ctx context.Context, id uuid.UUID) (*model.Agent, error)
	GetAgentByLicense(ctx context.Context, licenseUUID string) (*model.Agent, error)
	UpdateFingerprint(ctx context.Context, agentID uuid.UUID, fingerprint string, raw map[string]string, info model.MachineInfo, ip string) error
	TransitionState(ctx context.Context, agentID uuid.UUID, from, to model.AgentState) error
	AssignLicense(ctx context.Context, agentID uuid.UUID) (string, error)
	MarkDuplicate(ctx context.Context, agentID uuid.UUID) error
	AppendFingerprintChange(ctx context.Context, fc *model.FingerprintChange) error
}

// Service implements fingerprint comparison and license lifecycle.
type Service struct {
	store  agentStore
	logger *zap.Logger
}

// NewService creates a license Service.
func NewService(st agentStore, logger *zap.Logger) *Service {
	return &Service{store: st, logger: logger}
}

// Components returns the canonical fingerprint component map for a machine.
// Before activation the license component is empty and the fingerprint is
// provisional.
func Components(info model.MachineInfo, licenseUUID string) map[string]string {
	return map[string]string{
		"cpu_id":             info.CPUID,
		"motherboard_uuid":   info.MotherboardUUID,
		"disk_serial":        info.DiskSerial,
		"total_ram_mb":       strconv.FormatInt(info.TotalRAMMB, 10),
		"os_installation_id": info.OSInstallationID,
		"license_uuid":       licenseUUID,
	}
}

// Fingerprint computes the stable hash over the component tuple. Key order
// is fixed so the same machine always hashes to the same value.
func Fingerprint(info model.MachineInfo, licenseUUID string) string {
	parts := []string{
		info.CPUID,
		info.MotherboardUUID,
		info.DiskSerial,
		strconv.FormatInt(info.TotalRAMMB, 10),
		info.OSInstallationID,
		licenseUUID,
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// RegisterRequest is the identity material presented in a register frame.
type RegisterRequest struct {
	CustomerID  uuid.UUID
	MachineID   string
	Fingerprint string
	LicenseUUID *string
	Info        model.MachineInfo
	IP          string
}

// Register resolves a registration attempt to an agent row and an outcome.
// A blocked agent yields ErrAgentBlocked; a cloned license yields
// OutcomeDuplicate with the freshly created PENDING row.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*model.Agent, Outcome, error) {
	if req.LicenseUUID != nil && *req.LicenseUUID != "" {
		holder, err := s.store.GetAgentByLicense(ctx, *req.LicenseUUID)
		if err != nil && err != store.ErrNotFound {
			return nil, "", fmt.Errorf("lookup license holder: %w", err)
		}
		if holder != nil && (holder.MachineID != req.MachineID || holder.CustomerID != req.CustomerID) {
			return s.handleDuplicate(ctx, req, holder)
		}
	}

	agent, created, err := s.store.FindOrCreateAgent(ctx, req.CustomerID, req.MachineID, req.Info, req.IP)
	if err != nil {
		return nil, "", err
	}
	if agent.State == model.StateBlocked {
		return agent, "", ErrAgentBlocked
	}

	lic := ""
	if agent.LicenseUUID != nil {
		lic = *agent.LicenseUUID
	}
	newFP := Fingerprint(req.Info, lic)
	newRaw := Components(req.Info, lic)

	if created || agent.Fingerprint == nil {
		if err := s.store.UpdateFingerprint(ctx, agent.ID, newFP, newRaw, req.Info, req.IP); err != nil {
			return nil, "", err
		}
		agent.Fingerprint = &newFP
		agent.FingerprintRaw = newRaw
		if created {
			return agent, OutcomeNew, nil
		}
		return agent, OutcomeMatch, nil
	}

	outcome := s.classify(agent, newRaw, req)
	switch outcome {
	case OutcomeMajorDrift:
		old := *agent.Fingerprint
		if agent.State == model.StateActive {
			if err := s.store.TransitionState(ctx, agent.ID, model.StateActive, model.StatePending); err != nil {
				var stale *store.StaleStateError
				if !errors.As(err, &stale) {
					return nil, "", err
				}
			}
			agent.State = model.StatePending
		}
		s.audit(ctx, agent.ID, model.ChangeHardware, old, newFP, diff(agent.FingerprintRaw, newRaw))
		s.logger.Warn("hardware fingerprint drift, forcing re-activation",
			zap.String("agent_id", agent.ID.String()))

	case OutcomeMinorDrift:
		detail := map[string]string{}
		if agent.IPAddress != req.IP && req.IP != "" {
			detail["ip"] = req.IP
			s.audit(ctx, agent.ID, model.ChangeIP, *agent.Fingerprint, newFP, detail)
		}
		if agent.LocalUsername != req.Info.LocalUsername || agent.Hostname != req.Info.Hostname {
			s.audit(ctx, agent.ID, model.ChangeUsername, *agent.Fingerprint, newFP, map[string]string{
				"hostname": req.Info.Hostname,
				"username": req.Info.LocalUsername,
			})
		}
	}

	if err := s.store.UpdateFingerprint(ctx, agent.ID, newFP, newRaw, req.Info, req.IP); err != nil {
		return nil, "", err
	}
	agent.Fingerprint = &newFP
	agent.FingerprintRaw = newRaw
	return agent, outcome, nil
}

// handleDuplicate creates (or finds) the clone's own PENDING row, flags it,
// and audits the event. The original license holder is untouched.
func (s *Service) handleDuplicate(ctx context.Context, req RegisterRequest, holder *model.Agent) (*model.Agent, Outcome, error) {
	clone, _, err := s.store.FindOrCreateAgent(ctx, req.CustomerID, req.MachineID, req.Info, req.IP)
	if err != nil {
		return nil, "", err
	}
	if err := s.store.MarkDuplicate(ctx, clone.ID); err != nil {
		return nil, "", err
	}
	clone.IsDuplicate = true
	s.audit(ctx, clone.ID, model.ChangeDuplicate, "", req.Fingerprint, map[string]string{
		"license_uuid":      *req.LicenseUUID,
		"holder_agent_id":   holder.ID.String(),
		"holder_machine_id": holder.MachineID,
	})
	s.logger.Warn("duplicate license presented",
		zap.String("license_uuid", *req.LicenseUUID),
		zap.String("clone_agent_id", clone.ID.String()),
		zap.String("holder_agent_id", holder.ID.String()))
	return clone, OutcomeDuplicate, nil
}

// classify compares stored and presented component maps.
func (s *Service) classify(agent *model.Agent, newRaw map[string]string, req RegisterRequest) Outcome {
	hardwareKeys := []string{"cpu_id", "motherboard_uuid", "disk_serial", "total_ram_mb", "os_installation_id"}
	for _, k := range hardwareKeys {
		if agent.FingerprintRaw[k] != newRaw[k] {
			return OutcomeMajorDrift
		}
	}
	if (req.IP != "" && agent.IPAddress != req.IP) ||
		agent.LocalUsername != req.Info.LocalUsername ||
		agent.Hostname != req.Info.Hostname {
		return OutcomeMinorDrift
	}
	return OutcomeMatch
}

// Activate transitions a PENDING agent to ACTIVE and assigns its license
// UUID. The stored fingerprint is re-derived to include the license.
func (s *Service) Activate(ctx context.Context, agentID uuid.UUID) (string, error) {
	if err := s.store.TransitionState(ctx, agentID, model.StatePending, model.StateActive); err != nil {
		return "", err
	}
	lic, err := s.store.AssignLicense(ctx, agentID)
	if err != nil {
		return "", err
	}
	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return "", err
	}
	info := agent.Info()
	info.OSInstallationID = agent.FingerprintRaw["os_installation_id"]
	fp := Fingerprint(info, lic)
	if err := s.store.UpdateFingerprint(ctx, agentID, fp, Components(info, lic), info, agent.IPAddress); err != nil {
		return "", err
	}
	s.logger.Info("agent activated",
		zap.String("agent_id", agentID.String()),
		zap.String("license_uuid", lic))
	return lic, nil
}

// Block transitions an agent into BLOCKED from its current state.
func (s *Service) Block(ctx context.Context, agentID uuid.UUID) error {
	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	return s.store.TransitionState(ctx, agentID, agent.State, model.StateBlocked)
}

// Unblock returns a blocked agent to PENDING, forcing re-activation.
func (s *Service) Unblock(ctx context.Context, agentID uuid.UUID) error {
	return s.store.TransitionState(ctx, agentID, model.StateBlocked, model.StatePending)
}

func (s *Service) audit(ctx context.Context, agentID uuid.UUID, ct model.ChangeType, oldFP, newFP string, detail map[string]string) {
	fc := &model.FingerprintChange{
		AgentID:        agentID,
		ChangeType:     ct,
		OldFingerprint: oldFP,
		NewFingerprint: newFP,
		Detail:         detail,
	}
	if err := s.store.AppendFingerprintChange(ctx, fc); err != nil {
		s.logger.Error("append fingerprint change", zap.Error(err))
	}
}

// diff returns the component keys whose values changed.
func diff(oldRaw, newRaw map[string]string) map[string]string {
	d := map[string]string{}
	for k, nv := range newRaw {
		if oldRaw[k] != nv {
			d[k] = nv
		}
	}
	return d
}
