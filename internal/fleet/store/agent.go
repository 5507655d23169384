package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/fleetbridge/fleetbridge/internal/fleet/model"
)

const agentColumns = `
	id, owner_user_id, customer_id, machine_id, license_uuid,
	fingerprint, fingerprint_raw, hostname, os_type, os_version, arch,
	cpu_model, cpu_id, disk_serial, motherboard_uuid, mac_address,
	total_ram_mb, ip_address, local_ip_address, local_username,
	state, power_state, is_online, is_screen_locked, is_duplicate,
	current_task, pending_commands,
	first_seen_at, last_seen_at, activated_at, blocked_at, deactivated_at`

// FindOrCreateAgent returns the agent row for (customerID, machineID),
// creating it in PENDING on first contact. The created flag reports whether
// a new row was inserted. A concurrent insert of the same pair is resolved
// by re-reading the winner's row.
func (s *Store) FindOrCreateAgent(ctx context.Context, customerID uuid.UUID, machineID string, info model.MachineInfo, ip string) (*model.Agent, bool, error) {
	a, err := s.GetAgentByMachine(ctx, customerID, machineID)
	if err == nil {
		return a, false, nil
	}
	if err != ErrNotFound {
		return nil, false, err
	}

	now := time.Now().UTC()
	agent := &model.Agent{
		ID:              uuid.New(),
		OwnerUserID:     customerID,
		CustomerID:      customerID,
		MachineID:       machineID,
		Hostname:        info.Hostname,
		OSType:          info.OSType,
		OSVersion:       info.OSVersion,
		Arch:            info.Arch,
		CPUModel:        info.CPUModel,
		CPUID:           info.CPUID,
		DiskSerial:      info.DiskSerial,
		MotherboardUUID: info.MotherboardUUID,
		MACAddress:      info.MACAddress,
		TotalRAMMB:      info.TotalRAMMB,
		IPAddress:       ip,
		LocalIPAddress:  info.LocalIPAddress,
		LocalUsername:   info.LocalUsername,
		State:           model.StatePending,
		PowerState:      model.PowerPassive,
		FirstSeenAt:     now,
		LastSeenAt:      now,
	}

	query := `
		INSERT INTO agents (
			id, owner_user_id, customer_id, machine_id,
			hostname, os_type, os_version, arch,
			cpu_model, cpu_id, disk_serial, motherboard_uuid, mac_address,
			total_ram_mb, ip_address, local_ip_address, local_username,
			state, power_state, first_seen_at, last_seen_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11,
			$12, $13, $14, $15, $16, $17, $18, $19, $20, $21
		)`

	_, err = s.db.Exec(ctx, query,
		agent.ID, agent.OwnerUserID, agent.CustomerID, agent.MachineID,
		agent.Hostname, agent.OSType, agent.OSVersion, agent.Arch,
		agent.CPUModel, agent.CPUID, agent.DiskSerial, agent.MotherboardUUID,
		agent.MACAddress, agent.TotalRAMMB, agent.IPAddress,
		agent.LocalIPAddress, agent.LocalUsername,
		agent.State, agent.PowerState, agent.FirstSeenAt, agent.LastSeenAt,
	)
	if err != nil {
		if isUniqueViolation(err, "agents_customer_machine_key") {
			// Lost the race: the other writer's row is authoritative.
			a, rerr := s.GetAgentByMachine(ctx, customerID, machineID)
			if rerr != nil {
				return nil, false, rerr
			}
			return a, false, nil
		}
		return nil, false, fmt.Errorf("insert agent: %w", err)
	}
	return agent, true, nil
}

// GetAgent retrieves an agent by its internal ID.
func (s *Store) GetAgent(ctx context.Context, id uuid.UUID) (*model.Agent, error) {
	return s.scanOneAgent(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, id)
}

// GetAgentByMachine retrieves an agent by its (customer_id, machine_id) pair.
func (s *Store) GetAgentByMachine(ctx context.Context, customerID uuid.UUID, machineID string) (*model.Agent, error) {
	return s.scanOneAgent(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE customer_id = $1 AND machine_id = $2`,
		customerID, machineID)
}

// GetAgentByLicense retrieves the agent holding the given license UUID.
func (s *Store) GetAgentByLicense(ctx context.Context, licenseUUID string) (*model.Agent, error) {
	return s.scanOneAgent(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE license_uuid = $1`, licenseUUID)
}

// ListAgentsByOwner returns all agents owned by a user, newest first.
func (s *Store) ListAgentsByOwner(ctx context.Context, ownerID uuid.UUID) ([]*model.Agent, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE owner_user_id = $1 ORDER BY first_seen_at DESC`,
		ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []*model.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// AssignLicense generates and stores a fresh license UUID for an agent that
// does not yet hold one. Uniqueness of the license column is enforced by the
// database.
func (s *Store) AssignLicense(ctx context.Context, agentID uuid.UUID) (string, error) {
	lic := uuid.New().String()
	tag, err := s.db.Exec(ctx,
		`UPDATE agents SET license_uuid = $2 WHERE id = $1 AND license_uuid IS NULL`,
		agentID, lic)
	if err != nil {
		if isUniqueViolation(err, "agents_license_uuid_key") {
			return "", &DuplicateLicenseError{LicenseUUID: lic}
		}
		return "", fmt.Errorf("assign license: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Already licensed; echo the existing value.
		a, err := s.GetAgent(ctx, agentID)
		if err != nil {
			return "", err
		}
		if a.LicenseUUID == nil {
			return "", ErrNotFound
		}
		return *a.LicenseUUID, nil
	}
	return lic, nil
}

// TransitionState moves an agent from an expected state to a new one with
// compare-and-set semantics. Lifecycle timestamps are maintained as part of
// the same statement.
func (s *Store) TransitionState(ctx context.Context, agentID uuid.UUID, from, to model.AgentState) error {
	now := time.Now().UTC()
	query := `
		UPDATE agents SET
			state          = $3,
			activated_at   = CASE WHEN $3 = 'active'  THEN $4 ELSE activated_at END,
			blocked_at     = CASE WHEN $3 = 'blocked' THEN $4 ELSE blocked_at END,
			deactivated_at = CASE WHEN $3 IN ('expired') THEN $4 ELSE deactivated_at END
		WHERE id = $1 AND state = $2`
	tag, err := s.db.Exec(ctx, query, agentID, from, to, now)
	if err != nil {
		return fmt.Errorf("transition state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		a, gerr := s.GetAgent(ctx, agentID)
		if gerr != nil {
			return gerr
		}
		return &StaleStateError{AgentID: agentID, From: from, To: to, Actual: a.State}
	}
	return nil
}

// HeartbeatFacts are the live status flags carried on each heartbeat frame.
type HeartbeatFacts struct {
	ScreenLocked bool
	CurrentTask  *string
	IPAddress    string
}

// RecordHeartbeat updates the liveness fields touched on every heartbeat.
func (s *Store) RecordHeartbeat(ctx context.Context, agentID uuid.UUID, facts HeartbeatFacts) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE agents SET
			last_seen_at     = $2,
			is_screen_locked = $3,
			current_task     = $4,
			ip_address       = COALESCE(NULLIF($5, ''), ip_address)
		WHERE id = $1`,
		agentID, time.Now().UTC(), facts.ScreenLocked, facts.CurrentTask, facts.IPAddress)
	if err != nil {
		return fmt.Errorf("record heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetOnline marks an agent online and refreshes its public IP.
func (s *Store) SetOnline(ctx context.Context, agentID uuid.UUID, ip string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE agents SET is_online = true, last_seen_at = $2,
			ip_address = COALESCE(NULLIF($3, ''), ip_address)
		WHERE id = $1`,
		agentID, time.Now().UTC(), ip)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetOffline marks an agent offline. The row itself is never deleted on
// disconnect.
func (s *Store) SetOffline(ctx context.Context, agentID uuid.UUID) error {
	_, err := s.db.Exec(ctx,
		`UPDATE agents SET is_online = false, current_task = NULL WHERE id = $1`, agentID)
	return err
}

// SetAllOffline clears the online flag on every agent. Called once at
// startup: the in-memory registry is empty after a restart, so no agent can
// be online until it reconnects.
func (s *Store) SetAllOffline(ctx context.Context) (int64, error) {
	tag, err := s.db.Exec(ctx, `UPDATE agents SET is_online = false WHERE is_online = true`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// SetPowerState persists the target power state so that a wake decision
// survives until the next heartbeat even if the in-memory mailbox is lost.
func (s *Store) SetPowerState(ctx context.Context, agentID uuid.UUID, ps model.PowerState) error {
	_, err := s.db.Exec(ctx, `UPDATE agents SET power_state = $2 WHERE id = $1`, agentID, ps)
	return err
}

// UpdateFingerprint stores a newly computed fingerprint plus the raw
// component map and refreshed machine facts.
func (s *Store) UpdateFingerprint(ctx context.Context, agentID uuid.UUID, fingerprint string, raw map[string]string, info model.MachineInfo, ip string) error {
	rawJSON, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal fingerprint components: %w", err)
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE agents SET
			fingerprint = $2, fingerprint_raw = $3,
			hostname = $4, os_version = $5, cpu_id = $6, disk_serial = $7,
			motherboard_uuid = $8, mac_address = $9, total_ram_mb = $10,
			local_username = $11, local_ip_address = $12,
			ip_address = COALESCE(NULLIF($13, ''), ip_address),
			last_seen_at = $14
		WHERE id = $1`,
		agentID, fingerprint, rawJSON,
		info.Hostname, info.OSVersion, info.CPUID, info.DiskSerial,
		info.MotherboardUUID, info.MACAddress, info.TotalRAMMB,
		info.LocalUsername, info.LocalIPAddress, ip, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update fingerprint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkDuplicate flags an agent row as a rejected license clone.
func (s *Store) MarkDuplicate(ctx context.Context, agentID uuid.UUID) error {
	_, err := s.db.Exec(ctx, `UPDATE agents SET is_duplicate = true WHERE id = $1`, agentID)
	return err
}

// IncrementPendingCommands bumps the queued-command counter for a sleeping
// agent. The next heartbeat_ack reports pendingCommands=true and promotes
// the agent to ACTIVE.
func (s *Store) IncrementPendingCommands(ctx context.Context, agentID uuid.UUID) error {
	_, err := s.db.Exec(ctx,
		`UPDATE agents SET pending_commands = pending_commands + 1 WHERE id = $1`, agentID)
	return err
}

// DrainPendingCommands resets the counter and returns the drained count.
func (s *Store) DrainPendingCommands(ctx context.Context, agentID uuid.UUID) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `
		WITH prev AS (SELECT pending_commands FROM agents WHERE id = $1)
		UPDATE agents SET pending_commands = 0
		WHERE id = $1
		RETURNING (SELECT pending_commands FROM prev)`,
		agentID).Scan(&n)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// DeleteAgent removes an agent row. Only reachable through the owner's admin
// surface.
func (s *Store) DeleteAgent(ctx context.Context, agentID, ownerID uuid.UUID) error {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM agents WHERE id = $1 AND owner_user_id = $2`, agentID, ownerID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendFingerprintChange writes one immutable fingerprint drift record.
func (s *Store) AppendFingerprintChange(ctx context.Context, fc *model.FingerprintChange) error {
	detail, err := json.Marshal(fc.Detail)
	if err != nil {
		return fmt.Errorf("marshal detail: %w", err)
	}
	fc.ID = uuid.New()
	fc.CreatedAt = time.Now().UTC()
	_, err = s.db.Exec(ctx, `
		INSERT INTO fingerprint_changes (id, agent_id, change_type, old_fingerprint, new_fingerprint, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		fc.ID, fc.AgentID, fc.ChangeType, fc.OldFingerprint, fc.NewFingerprint, detail, fc.CreatedAt)
	if err != nil {
		return fmt.Errorf("append fingerprint change: %w", err)
	}
	return nil
}

func (s *Store) scanOneAgent(ctx context.Context, query string, args ...any) (*model.Agent, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	return scanAgent(rows)
}

func scanAgent(rows pgx.Rows) (*model.Agent, error) {
	var a model.Agent
	var rawFP []byte
	err := rows.Scan(
		&a.ID, &a.OwnerUserID, &a.CustomerID, &a.MachineID, &a.LicenseUUID,
		&a.Fingerprint, &rawFP, &a.Hostname, &a.OSType, &a.OSVersion, &a.Arch,
		&a.CPUModel, &a.CPUID, &a.DiskSerial, &a.MotherboardUUID, &a.MACAddress,
		&a.TotalRAMMB, &a.IPAddress, &a.LocalIPAddress, &a.LocalUsername,
		&a.State, &a.PowerState, &a.IsOnline, &a.IsScreenLocked, &a.IsDuplicate,
		&a.CurrentTask, &a.PendingCommands,
		&a.FirstSeenAt, &a.LastSeenAt, &a.ActivatedAt, &a.BlockedAt, &a.DeactivatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(rawFP) > 0 {
		if err := json.Unmarshal(rawFP, &a.FingerprintRaw); err != nil {
			return nil, fmt.Errorf("unmarshal fingerprint_raw: %w", err)
		}
	}
	return &a, nil
}
