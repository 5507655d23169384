package license

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetbridge/fleetbridge/internal/fleet/model"
	"github.com/fleetbridge/fleetbridge/internal/fleet/store"
)

// ── Stub store ───────────────────────────────────────────────────────────

type stubStore struct {
	agents   map[uuid.UUID]*model.Agent
	byMach   map[string]*model.Agent
	byLic    map[string]*model.Agent
	changes  []*model.FingerprintChange
	licenses int
}

func newStubStore() *stubStore {
	return &stubStore{
		agents: map[uuid.UUID]*model.Agent{},
		byMach: map[string]*model.Agent{},
		byLic:  map[string]*model.Agent{},
	}
}

func machKey(c uuid.UUID, m string) string { return c.String() + "/" + m }

func (s *stubStore) FindOrCreateAgent(_ context.Context, customerID uuid.UUID, machineID string, info model.MachineInfo, ip string) (*model.Agent, bool, error) {
	if a, ok := s.byMach[machKey(customerID, machineID)]; ok {
		return a, false, nil
	}
	a := &model.Agent{
		ID:            uuid.New(),
		OwnerUserID:   customerID,
		CustomerID:    customerID,
		MachineID:     machineID,
		Hostname:      info.Hostname,
		LocalUsername: info.LocalUsername,
		IPAddress:     ip,
		State:         model.StatePending,
		PowerState:    model.PowerPassive,
	}
	s.agents[a.ID] = a
	s.byMach[machKey(customerID, machineID)] = a
	return a, true, nil
}

func (s *stubStore) GetAgent(_ context.Context, id uuid.UUID) (*model.Agent, error) {
	if a, ok := s.agents[id]; ok {
		return a, nil
	}
	return nil, store.ErrNotFound
}

func (s *stubStore) GetAgentByLicense(_ context.Context, lic string) (*model.Agent, error) {
	if a, ok := s.byLic[lic]; ok {
		return a, nil
	}
	return nil, store.ErrNotFound
}

func (s *stubStore) UpdateFingerprint(_ context.Context, id uuid.UUID, fp string, raw map[string]string, info model.MachineInfo, ip string) error {
	a := s.agents[id]
	a.Fingerprint = &fp
	a.FingerprintRaw = raw
	a.Hostname = info.Hostname
	a.OSVersion = info.OSVersion
	a.CPUID = info.CPUID
	a.DiskSerial = info.DiskSerial
	a.MotherboardUUID = info.MotherboardUUID
	a.MACAddress = info.MACAddress
	a.TotalRAMMB = info.TotalRAMMB
	a.LocalUsername = info.LocalUsername
	a.LocalIPAddress = info.LocalIPAddress
	if ip != "" {
		a.IPAddress = ip
	}
	return nil
}

func (s *stubStore) TransitionState(_ context.Context, id uuid.UUID, from, to model.AgentState) error {
	a := s.agents[id]
	if a.State != from {
		return &store.StaleStateError{AgentID: id, From: from, To: to, Actual: a.State}
	}
	a.State = to
	return nil
}

func (s *stubStore) AssignLicense(_ context.Context, id uuid.UUID) (string, error) {
	a := s.agents[id]
	if a.LicenseUUID != nil {
		return *a.LicenseUUID, nil
	}
	lic := uuid.New().String()
	a.LicenseUUID = &lic
	s.byLic[lic] = a
	s.licenses++
	return lic, nil
}

func (s *stubStore) MarkDuplicate(_ context.Context, id uuid.UUID) error {
	s.agents[id].IsDuplicate = true
	return nil
}

func (s *stubStore) AppendFingerprintChange(_ context.Context, fc *model.FingerprintChange) error {
	s.changes = append(s.changes, fc)
	return nil
}

// ── Helpers ──────────────────────────────────────────────────────────────

func testInfo() model.MachineInfo {
	return model.MachineInfo{
		Hostname:         "mac-studio",
		OSType:           model.OSMacOS,
		CPUID:            "cpu-1",
		DiskSerial:       "disk-1",
		MotherboardUUID:  "mobo-1",
		TotalRAMMB:       16384,
		OSInstallationID: "os-1",
		LocalUsername:    "alice",
		LocalIPAddress:   "192.168.0.10",
	}
}

func newService(st *stubStore) *Service {
	return NewService(st, zap.NewNop())
}

// ── Tests ────────────────────────────────────────────────────────────────

func TestFingerprint_stable(t *testing.T) {
	info := testInfo()
	if Fingerprint(info, "") != Fingerprint(info, "") {
		t.Fatal("fingerprint is not deterministic")
	}
	if Fingerprint(info, "") == Fingerprint(info, "lic-1") {
		t.Fatal("license must contribute to the fingerprint")
	}
	other := info
	other.DiskSerial = "disk-2"
	if Fingerprint(info, "") == Fingerprint(other, "") {
		t.Fatal("hardware change must change the fingerprint")
	}
}

func TestRegister_coldActivation(t *testing.T) {
	st := newStubStore()
	svc := newService(st)
	customer := uuid.New()

	req := RegisterRequest{
		CustomerID: customer, MachineID: "M1",
		Fingerprint: Fingerprint(testInfo(), ""),
		Info:        testInfo(), IP: "1.2.3.4",
	}
	agent, outcome, err := svc.Register(context.Background(), req)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if outcome != OutcomeNew {
		t.Fatalf("outcome = %s, want new", outcome)
	}
	if agent.State != model.StatePending {
		t.Fatalf("state = %s, want pending", agent.State)
	}
	if agent.LicenseUUID != nil {
		t.Fatal("no license may be assigned before activation")
	}

	lic, err := svc.Activate(context.Background(), agent.ID)
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if lic == "" {
		t.Fatal("activation must return a license uuid")
	}
	if st.agents[agent.ID].State != model.StateActive {
		t.Fatal("activation must transition to active")
	}
	// Post-activation fingerprint incorporates the license.
	want := Fingerprint(testInfo(), lic)
	if got := *st.agents[agent.ID].Fingerprint; got != want {
		t.Fatalf("fingerprint = %s, want license-bound %s", got, want)
	}
}

func TestRegister_idempotent(t *testing.T) {
	st := newStubStore()
	svc := newService(st)
	req := RegisterRequest{
		CustomerID: uuid.New(), MachineID: "M1",
		Info: testInfo(), IP: "1.2.3.4",
	}
	first, _, err := svc.Register(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	second, outcome, err := svc.Register(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if second.ID != first.ID {
		t.Fatal("identical registration must resolve to the same agent row")
	}
	if outcome != OutcomeMatch {
		t.Fatalf("outcome = %s, want match", outcome)
	}
	if len(st.agents) != 1 {
		t.Fatalf("agent rows = %d, want 1", len(st.agents))
	}
}

func TestRegister_minorDrift(t *testing.T) {
	st := newStubStore()
	svc := newService(st)
	customer := uuid.New()
	req := RegisterRequest{CustomerID: customer, MachineID: "M1", Info: testInfo(), IP: "1.2.3.4"}
	if _, _, err := svc.Register(context.Background(), req); err != nil {
		t.Fatal(err)
	}

	req.IP = "5.6.7.8"
	agent, outcome, err := svc.Register(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if outcome != OutcomeMinorDrift {
		t.Fatalf("outcome = %s, want minor_drift", outcome)
	}
	if agent.State != model.StatePending {
		t.Fatal("minor drift must not change agent state")
	}
	if len(st.changes) != 1 || st.changes[0].ChangeType != model.ChangeIP {
		t.Fatalf("expected one ip_change audit row, got %+v", st.changes)
	}
}

func TestRegister_majorDrift_forcesReactivation(t *testing.T) {
	st := newStubStore()
	svc := newService(st)
	customer := uuid.New()
	req := RegisterRequest{CustomerID: customer, MachineID: "M1", Info: testInfo(), IP: "1.2.3.4"}
	agent, _, err := svc.Register(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Activate(context.Background(), agent.ID); err != nil {
		t.Fatal(err)
	}

	drifted := testInfo()
	drifted.MotherboardUUID = "mobo-2"
	req.Info = drifted
	got, outcome, err := svc.Register(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if outcome != OutcomeMajorDrift {
		t.Fatalf("outcome = %s, want major_drift", outcome)
	}
	if got.State != model.StatePending {
		t.Fatalf("state = %s, want pending after hardware change", got.State)
	}
	var sawHardware bool
	for _, c := range st.changes {
		if c.ChangeType == model.ChangeHardware {
			sawHardware = true
		}
	}
	if !sawHardware {
		t.Fatal("expected a hardware_change audit row")
	}
}

func TestRegister_duplicateLicense(t *testing.T) {
	st := newStubStore()
	svc := newService(st)
	customer := uuid.New()

	orig, _, err := svc.Register(context.Background(), RegisterRequest{
		CustomerID: customer, MachineID: "M1", Info: testInfo(), IP: "1.2.3.4",
	})
	if err != nil {
		t.Fatal(err)
	}
	lic, err := svc.Activate(context.Background(), orig.ID)
	if err != nil {
		t.Fatal(err)
	}

	cloneInfo := testInfo()
	cloneInfo.DiskSerial = "disk-cloned"
	clone, outcome, err := svc.Register(context.Background(), RegisterRequest{
		CustomerID: customer, MachineID: "M2",
		LicenseUUID: &lic, Info: cloneInfo, IP: "9.9.9.9",
	})
	if err != nil {
		t.Fatal(err)
	}
	if outcome != OutcomeDuplicate {
		t.Fatalf("outcome = %s, want duplicate", outcome)
	}
	if !clone.IsDuplicate {
		t.Fatal("clone row must be flagged is_duplicate")
	}
	if clone.State != model.StatePending {
		t.Fatalf("clone state = %s, want pending", clone.State)
	}
	if st.agents[orig.ID].State != model.StateActive {
		t.Fatal("original license holder must be untouched")
	}
	var sawDup bool
	for _, c := range st.changes {
		if c.ChangeType == model.ChangeDuplicate {
			sawDup = true
		}
	}
	if !sawDup {
		t.Fatal("expected a duplicate_detected audit row")
	}
}

func TestRegister_blockedAgentRefused(t *testing.T) {
	st := newStubStore()
	svc := newService(st)
	customer := uuid.New()
	req := RegisterRequest{CustomerID: customer, MachineID: "M1", Info: testInfo()}
	agent, _, err := svc.Register(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Block(context.Background(), agent.ID); err != nil {
		t.Fatal(err)
	}
	if _, _, err := svc.Register(context.Background(), req); err != ErrAgentBlocked {
		t.Fatalf("err = %v, want ErrAgentBlocked", err)
	}
}
