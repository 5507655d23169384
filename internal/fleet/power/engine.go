// Package power decides each agent's target power state and heartbeat
// interval from owner-level activity signals, and learns per-owner quiet
// hours from command timing.
package power

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetbridge/fleetbridge/internal/fleet/model"
	"github.com/fleetbridge/fleetbridge/internal/fleet/registry"
)

// Config carries the tunable cadence knobs.
type Config struct {
	ActiveInterval  time.Duration // heartbeat cadence in ACTIVE
	PassiveInterval time.Duration // heartbeat cadence in PASSIVE
	SleepInterval   time.Duration // heartbeat cadence in SLEEP
	ActiveIdle      time.Duration // ACTIVE → PASSIVE after this much command idle
	PassiveIdle     time.Duration // PASSIVE → SLEEP after this much idle
	SessionTTL      time.Duration // how long an AI/portal session counts as open
}

// DefaultConfig mirrors the documented defaults.
func DefaultConfig() Config {
	return Config{
		ActiveInterval:  5 * time.Second,
		PassiveInterval: 30 * time.Second,
		SleepInterval:   300 * time.Second,
		ActiveIdle:      5 * time.Minute,
		PassiveIdle:     30 * time.Minute,
		SessionTTL:      5 * time.Minute,
	}
}

// activityStore is the persistence surface the engine needs.
type activityStore interface {
	RecordActivity(ctx context.Context, userID uuid.UUID, hour int) error
	GetActivityPattern(ctx context.Context, userID uuid.UUID) (*model.ActivityPattern, error)
	SetQuietWindow(ctx context.Context, userID uuid.UUID, start, end *int) error
	SetPowerState(ctx context.Context, agentID uuid.UUID, ps model.PowerState) error
}

// ownerSignals tracks the owner-level inputs that drive power decisions.
type ownerSignals struct {
	lastCommand     time.Time
	lastAISession   time.Time
	lastPortalLogin time.Time
}

// Engine computes heartbeat_ack target fields and maintains activity
// histograms.
type Engine struct {
	cfg    Config
	store  activityStore
	reg    registry.Registry
	logger *zap.Logger

	mu     sync.Mutex
	owners map[uuid.UUID]*ownerSignals

	now func() time.Time
}

// NewEngine creates a power Engine.
func NewEngine(cfg Config, st activityStore, reg registry.Registry, logger *zap.Logger) *Engine {
	return &Engine{
		cfg:    cfg,
		store:  st,
		reg:    reg,
		logger: logger,
		owners: make(map[uuid.UUID]*ownerSignals),
		now:    time.Now,
	}
}

func (e *Engine) signals(ownerID uuid.UUID) *ownerSignals {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.owners[ownerID]
	if !ok {
		s = &ownerSignals{}
		e.owners[ownerID] = s
	}
	return s
}

// NoteCommand records that a command was dispatched for an owner. It feeds
// both the idle timers and the hourly activity histogram (at the owner's
// local hour).
func (e *Engine) NoteCommand(ctx context.Context, ownerID uuid.UUID) {
	now := e.now()
	e.mu.Lock()
	s, ok := e.owners[ownerID]
	if !ok {
		s = &ownerSignals{}
		e.owners[ownerID] = s
	}
	s.lastCommand = now
	e.mu.Unlock()

	hour := now.UTC().Hour()
	if p, err := e.store.GetActivityPattern(ctx, ownerID); err == nil && p.Timezone != "" {
		if loc, lerr := time.LoadLocation(p.Timezone); lerr == nil {
			hour = now.In(loc).Hour()
		}
	}
	if err := e.store.RecordActivity(ctx, ownerID, hour); err != nil {
		e.logger.Warn("record activity", zap.Error(err))
	}
}

// NoteAISession records that an AI client touched one of the owner's MCP
// endpoints.
func (e *Engine) NoteAISession(ownerID uuid.UUID) {
	e.signals(ownerID).lastAISession = e.now()
}

// NotePortalLogin records a dashboard login for the owner.
func (e *Engine) NotePortalLogin(ownerID uuid.UUID) {
	e.signals(ownerID).lastPortalLogin = e.now()
}

// Decision is what a heartbeat_ack carries back to the agent.
type Decision struct {
	TargetState model.PowerState
	Interval    time.Duration
	WakeAt      *time.Time
}

// Decide computes the next target state and interval for an agent. The
// caller persists TargetState so the decision survives a lost mailbox.
func (e *Engine) Decide(ctx context.Context, agent *model.Agent) Decision {
	now := e.now()

	var pattern *model.ActivityPattern
	if p, err := e.store.GetActivityPattern(ctx, agent.OwnerUserID); err == nil {
		pattern = p
	}
	if pattern != nil && pattern.Mode == model.ScheduleAlwaysActive {
		return Decision{TargetState: model.PowerActive, Interval: e.cfg.ActiveInterval}
	}

	if agent.PendingCommands > 0 {
		return Decision{TargetState: model.PowerActive, Interval: e.cfg.ActiveInterval}
	}

	e.mu.Lock()
	s := e.owners[agent.OwnerUserID]
	var lastCommand, lastAI, lastPortal time.Time
	if s != nil {
		lastCommand, lastAI, lastPortal = s.lastCommand, s.lastAISession, s.lastPortalLogin
	}
	e.mu.Unlock()

	sessionOpen := now.Sub(lastAI) < e.cfg.SessionTTL || now.Sub(lastPortal) < e.cfg.SessionTTL
	commandRecent := !lastCommand.IsZero() && now.Sub(lastCommand) < e.cfg.ActiveIdle
	if sessionOpen || commandRecent {
		return Decision{TargetState: model.PowerActive, Interval: e.cfg.ActiveInterval}
	}

	if pattern != nil {
		hour := e.localHour(now, pattern.Timezone)
		if pattern.InQuietWindow(hour) {
			wake := e.quietWindowEnd(now, pattern)
			return Decision{TargetState: model.PowerSleep, Interval: e.cfg.SleepInterval, WakeAt: wake}
		}
	}

	idle := lastCommand.IsZero() || now.Sub(lastCommand) > e.cfg.PassiveIdle
	if idle && !lastCommand.IsZero() {
		return Decision{TargetState: model.PowerSleep, Interval: e.cfg.SleepInterval}
	}
	return Decision{TargetState: model.PowerPassive, Interval: e.cfg.PassiveInterval}
}

// Wake broadcasts a wake to every live agent of an owner and pins the
// persisted target state to ACTIVE so the next heartbeat also carries it.
func (e *Engine) Wake(ctx context.Context, ownerID uuid.UUID) int {
	n := e.reg.BroadcastWake(ownerID)
	for _, sink := range e.reg.ListByOwner(ownerID) {
		if err := e.store.SetPowerState(ctx, sink.AgentID(), model.PowerActive); err != nil {
			e.logger.Warn("persist wake target state",
				zap.String("agent_id", sink.AgentID().String()), zap.Error(err))
		}
	}
	return n
}

// RunQuietHourDetector periodically recomputes quiet windows for owners with
// AUTO_DETECT scheduling. Blocks until ctx is done.
func (e *Engine) RunQuietHourDetector(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.detectQuietHours(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) detectQuietHours(ctx context.Context) {
	e.mu.Lock()
	owners := make([]uuid.UUID, 0, len(e.owners))
	for id := range e.owners {
		owners = append(owners, id)
	}
	e.mu.Unlock()

	for _, id := range owners {
		p, err := e.store.GetActivityPattern(ctx, id)
		if err != nil || p.Mode != model.ScheduleAutoDetect {
			continue
		}
		start, end, ok := QuietWindow(p.Hourly)
		if !ok {
			continue
		}
		if err := e.store.SetQuietWindow(ctx, id, &start, &end); err != nil {
			e.logger.Warn("persist quiet window", zap.Error(err))
		}
	}
}

func (e *Engine) localHour(now time.Time, tz string) int {
	if tz != "" {
		if loc, err := time.LoadLocation(tz); err == nil {
			return now.In(loc).Hour()
		}
	}
	return now.UTC().Hour()
}

// quietWindowEnd returns the next moment the quiet window closes.
func (e *Engine) quietWindowEnd(now time.Time, p *model.ActivityPattern) *time.Time {
	if p.QuietEnd == nil {
		return nil
	}
	loc := time.UTC
	if p.Timezone != "" {
		if l, err := time.LoadLocation(p.Timezone); err == nil {
			loc = l
		}
	}
	local := now.In(loc)
	end := time.Date(local.Year(), local.Month(), local.Day(), *p.QuietEnd, 0, 0, 0, loc)
	if !end.After(local) {
		end = end.Add(24 * time.Hour)
	}
	utc := end.UTC()
	return &utc
}

// QuietWindow finds the maximal contiguous run of hours (wrapping midnight)
// where each hour's activity is under 5% of the daily maximum. ok is false
// when there is no activity at all or no quiet hour.
func QuietWindow(hourly [24]int) (start, end int, ok bool) {
	max := 0
	for _, n := range hourly {
		if n > max {
			max = n
		}
	}
	if max == 0 {
		return 0, 0, false
	}
	threshold := float64(max) * 0.05

	quiet := func(h int) bool { return float64(hourly[h%24]) < threshold }

	bestStart, bestLen := -1, 0
	for s := 0; s < 24; s++ {
		if !quiet(s) {
			continue
		}
		// Runs are scanned from a non-quiet boundary so wrapping windows are
		// counted once.
		if quiet((s + 23) % 24) {
			continue
		}
		length := 0
		for length < 24 && quiet(s+length) {
			length++
		}
		if length > bestLen {
			bestStart, bestLen = s, length
		}
	}
	if bestStart == -1 {
		// Every hour is quiet relative to the max; treat the full day as the
		// window starting at hour 0.
		return 0, 0, false
	}
	return bestStart, (bestStart + bestLen) % 24, true
}
