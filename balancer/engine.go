package balancer

import (
	"context"
	"fmt"
	"time"
)

// State is the engine's position in its control cycle.
type State string

const (
	StateDisabled   State = "disabled"
	StateIdle       State = "idle"
	StateOverload   State = "overload"
	StateRecovering State = "recovering"
)

// Dispatcher issues on/off actuation requests and reports whether the command
// was acknowledged. Implementations may block on network or device latency;
// the engine awaits each call before moving to the next candidate.
type Dispatcher interface {
	SetApplianceState(ctx context.Context, switchID string, on bool, reason string) error
}

// Config assembles an Engine.
type Config struct {
	Appliances  []Appliance
	BudgetWatts float64
	LogCapacity int
	Dispatcher  Dispatcher

	// Gate, when set, is consulted before every dispatch so that disabling the
	// balancer mid-cycle halts further candidate processing. Falls back to the
	// snapshot's gate value when nil.
	Gate func() bool

	// Now is a test hook, defaults to time.Now.
	Now func() time.Time
}

// Engine is the load-balancing decision engine. It is single-threaded by
// contract: every method must be called from the same goroutine, one cycle
// running to completion before the next.
type Engine struct {
	appliances []Appliance
	budget     float64
	dispatcher Dispatcher
	gate       func() bool
	now        func() time.Time
	log        *EventLog

	state        State
	shed         map[string]*shedRecord
	lastEnabled  bool
	lastTotal    float64
	lastDecision time.Time

	mainUnavailableLogged bool
	unresolvedLogged      bool
}

// shedRecord tracks one appliance the balancer holds off.
type shedRecord struct {
	at          time.Time
	reason      string
	wattsBefore float64 // live draw at shed time, used as the restore estimate
}

// New validates the configuration and builds an engine. Invalid configuration
// blocks activation entirely rather than being detected per cycle.
func New(cfg Config) (*Engine, error) {
	if cfg.Dispatcher == nil {
		return nil, fmt.Errorf("balancer: dispatcher is required")
	}
	if cfg.BudgetWatts <= 0 {
		return nil, fmt.Errorf("balancer: power budget must be positive, got %v", cfg.BudgetWatts)
	}
	seenSensor := map[string]bool{}
	seenSwitch := map[string]bool{}
	for i, a := range cfg.Appliances {
		if a.SensorID == "" || a.SwitchID == "" {
			return nil, fmt.Errorf("balancer: appliance %d: sensor and appliance entities are required", i)
		}
		if a.Importance < 1 || a.Importance > 10 {
			return nil, fmt.Errorf("balancer: appliance %s: importance %d outside [1,10]", a.SwitchID, a.Importance)
		}
		if seenSensor[a.SensorID] {
			return nil, fmt.Errorf("balancer: sensor %s configured twice", a.SensorID)
		}
		if seenSwitch[a.SwitchID] {
			return nil, fmt.Errorf("balancer: appliance %s configured twice", a.SwitchID)
		}
		seenSensor[a.SensorID] = true
		seenSwitch[a.SwitchID] = true
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	appliances := make([]Appliance, len(cfg.Appliances))
	copy(appliances, cfg.Appliances)
	for i := range appliances {
		if appliances[i].Name == "" {
			appliances[i].Name = appliances[i].SensorID
		}
	}

	return &Engine{
		appliances:  appliances,
		budget:      cfg.BudgetWatts,
		dispatcher:  cfg.Dispatcher,
		gate:        cfg.Gate,
		now:         now,
		log:         NewEventLog(cfg.LogCapacity),
		state:       StateIdle,
		shed:        map[string]*shedRecord{},
		lastEnabled: cfg.Gate == nil || cfg.Gate(),
	}, nil
}

// RunCycle evaluates one snapshot to completion: reconcile user overrides,
// compare consumption to the budget, then shed or restore as needed. All
// failure modes are recovered locally; future cycles keep evaluating.
func (e *Engine) RunCycle(ctx context.Context, snap Snapshot) {
	e.lastEnabled = snap.Enabled

	if !snap.Enabled {
		e.enterDisabled(snap.Main)
		return
	}
	if e.state == StateDisabled {
		e.state = StateIdle
	}

	e.reconcileOverrides(snap)

	if !snap.Main.OK {
		// Cannot evaluate this cycle. Logged once per outage, not per cycle.
		if !e.mainUnavailableLogged {
			e.mainUnavailableLogged = true
			e.log.Append(Event{
				Timestamp:   e.now(),
				Action:      ActionSkipped,
				TotalWatts:  e.lastTotal,
				BudgetWatts: e.budget,
				Reason:      "main power sensor unavailable",
			})
		}
		return
	}
	e.mainUnavailableLogged = false

	total := snap.Main.Watts
	e.lastTotal = total
	e.lastDecision = e.now()
	deficit := total - e.budget

	if deficit > 0 {
		e.state = StateOverload
		e.shedUntilWithinBudget(ctx, snap, total, deficit)
		return
	}

	e.unresolvedLogged = false
	e.restoreWithinHeadroom(ctx, snap, total)
	if len(e.shed) == 0 {
		e.state = StateIdle
	} else {
		e.state = StateRecovering
	}
}

// enterDisabled records the off transition exactly once.
func (e *Engine) enterDisabled(main Reading) {
	if e.state == StateDisabled {
		return
	}
	e.state = StateDisabled
	total := e.lastTotal
	if main.OK {
		total = main.Watts
	}
	e.log.Append(Event{
		Timestamp:    e.now(),
		Action:       ActionSkipped,
		TotalWatts:   total,
		BudgetWatts:  e.budget,
		DeficitWatts: total - e.budget,
		Reason:       "balancing disabled",
	})
}

// reconcileOverrides clears shed state for appliances the user turned back on
// externally. No command is issued; the engine does not fight the user.
func (e *Engine) reconcileOverrides(snap Snapshot) {
	for switchID := range e.shed {
		sw := snap.Switch(switchID)
		if sw.Known && sw.On {
			delete(e.shed, switchID)
		}
	}
}

// shedUntilWithinBudget sheds candidates one at a time, least important first,
// subtracting each appliance's live (or assumed) draw from the running deficit
// until the deficit closes or candidates run out.
func (e *Engine) shedUntilWithinBudget(ctx context.Context, snap Snapshot, total, deficit float64) {
	for _, a := range shedCandidates(e.appliances, snap, e.isShed) {
		if deficit <= 0 {
			break
		}
		if !e.gateOpen(snap) {
			e.enterDisabled(snap.Main)
			return
		}

		cost := e.shedCost(a, snap)
		reason := fmt.Sprintf("over budget by %.0fW", deficit)
		if err := e.dispatcher.SetApplianceState(ctx, a.SwitchID, false, reason); err != nil {
			// No retry here: the next natural reading cycle retries implicitly
			// if the overload persists.
			e.log.Append(Event{
				Timestamp:    e.now(),
				Appliance:    a.SwitchID,
				Action:       ActionFailed,
				TotalWatts:   total,
				BudgetWatts:  e.budget,
				DeficitWatts: deficit,
				Reason:       fmt.Sprintf("turn off failed: %v", err),
			})
			continue
		}

		e.shed[a.SwitchID] = &shedRecord{at: e.now(), reason: reason, wattsBefore: cost}
		e.log.Append(Event{
			Timestamp:    e.now(),
			Appliance:    a.SwitchID,
			Action:       ActionShed,
			TotalWatts:   total,
			BudgetWatts:  e.budget,
			DeficitWatts: deficit,
			Reason:       reason,
		})
		total -= cost
		deficit -= cost
	}

	if deficit > 0 {
		// Logged once per transition into the unresolved condition so a
		// persistent overload does not flood the log.
		if !e.unresolvedLogged {
			e.unresolvedLogged = true
			e.log.Append(Event{
				Timestamp:    e.now(),
				Action:       ActionSkipped,
				TotalWatts:   total,
				BudgetWatts:  e.budget,
				DeficitWatts: deficit,
				Reason:       fmt.Sprintf("still %.0fW over budget with no shedding candidates left", deficit),
			})
		}
	} else {
		e.unresolvedLogged = false
	}
}

// restoreWithinHeadroom brings shed appliances back, most important first,
// while each candidate's estimated draw fits the remaining headroom.
// Restoring never pushes the projected total back over budget.
func (e *Engine) restoreWithinHeadroom(ctx context.Context, snap Snapshot, total float64) {
	if len(e.shed) == 0 {
		return
	}

	projected := total
	for _, a := range restoreCandidates(e.appliances, e.isShed) {
		if !e.gateOpen(snap) {
			e.enterDisabled(snap.Main)
			return
		}

		sw := snap.Switch(a.SwitchID)
		if !sw.Known || sw.On {
			continue
		}

		cost := e.restoreCost(a, snap)
		if cost <= 0 {
			// No usable estimate; restoring blind could overload immediately.
			continue
		}
		if projected+cost > e.budget {
			continue
		}

		headroom := e.budget - projected
		reason := fmt.Sprintf("recovered %.0fW headroom", headroom)
		if err := e.dispatcher.SetApplianceState(ctx, a.SwitchID, true, reason); err != nil {
			e.log.Append(Event{
				Timestamp:    e.now(),
				Appliance:    a.SwitchID,
				Action:       ActionFailed,
				TotalWatts:   projected,
				BudgetWatts:  e.budget,
				DeficitWatts: projected - e.budget,
				Reason:       fmt.Sprintf("turn on failed: %v", err),
			})
			continue
		}

		delete(e.shed, a.SwitchID)
		e.log.Append(Event{
			Timestamp:    e.now(),
			Appliance:    a.SwitchID,
			Action:       ActionRestore,
			TotalWatts:   projected,
			BudgetWatts:  e.budget,
			DeficitWatts: projected - e.budget,
			Reason:       reason,
		})
		projected += cost
	}
}

// shedCost is the consumption removed by shedding: the live reading, or the
// assumed-power-on estimate while the sensor still reads zero.
func (e *Engine) shedCost(a Appliance, snap Snapshot) float64 {
	if r := snap.Sensor(a.SensorID); r.OK && r.Watts > 0 {
		return r.Watts
	}
	return a.AssumedPowerOnWatts
}

// restoreCost estimates the draw an appliance adds when turned back on: the
// draw recorded at shed time, else the assumed-power-on estimate, else the
// live reading.
func (e *Engine) restoreCost(a Appliance, snap Snapshot) float64 {
	if rec := e.shed[a.SwitchID]; rec != nil && rec.wattsBefore > 0 {
		return rec.wattsBefore
	}
	if a.AssumedPowerOnWatts > 0 {
		return a.AssumedPowerOnWatts
	}
	if r := snap.Sensor(a.SensorID); r.OK {
		return r.Watts
	}
	return 0
}

func (e *Engine) isShed(switchID string) bool {
	_, ok := e.shed[switchID]
	return ok
}

func (e *Engine) gateOpen(snap Snapshot) bool {
	if e.gate != nil {
		return e.gate()
	}
	return snap.Enabled
}

// TurnOffAppliance handles the manual turn_off_appliance operation. The action
// is attributed in the event log; shed state is not touched so the balancer
// will not auto-restore an appliance the user turned off.
func (e *Engine) TurnOffAppliance(ctx context.Context, switchID, reason string) error {
	return e.manualDispatch(ctx, switchID, false, reason)
}

// TurnOnAppliance handles the manual turn_on_appliance operation. If the
// appliance was shed, the shed state is cleared: the user has overridden the
// balancer.
func (e *Engine) TurnOnAppliance(ctx context.Context, switchID, reason string) error {
	if err := e.manualDispatch(ctx, switchID, true, reason); err != nil {
		return err
	}
	delete(e.shed, switchID)
	return nil
}

func (e *Engine) manualDispatch(ctx context.Context, switchID string, on bool, reason string) error {
	if !e.manages(switchID) {
		return fmt.Errorf("balancer: appliance %s is not managed", switchID)
	}
	if reason == "" {
		reason = "requested via service"
	}

	action := ActionShed
	verb := "turn off"
	if on {
		action = ActionRestore
		verb = "turn on"
	}

	err := e.dispatcher.SetApplianceState(ctx, switchID, on, reason)
	if err != nil {
		e.log.Append(Event{
			Timestamp:    e.now(),
			Appliance:    switchID,
			Action:       ActionFailed,
			TotalWatts:   e.lastTotal,
			BudgetWatts:  e.budget,
			DeficitWatts: e.lastTotal - e.budget,
			Reason:       fmt.Sprintf("service %s failed: %v", verb, err),
		})
		return err
	}

	e.log.Append(Event{
		Timestamp:    e.now(),
		Appliance:    switchID,
		Action:       action,
		TotalWatts:   e.lastTotal,
		BudgetWatts:  e.budget,
		DeficitWatts: e.lastTotal - e.budget,
		Reason:       fmt.Sprintf("service: %s", reason),
	})
	return nil
}

func (e *Engine) manages(switchID string) bool {
	for _, a := range e.appliances {
		if a.SwitchID == switchID {
			return true
		}
	}
	return false
}

// Status is a point-in-time summary of the engine for presentation.
type Status struct {
	State          State     `json:"state"`
	Enabled        bool      `json:"enabled"`
	BudgetWatts    float64   `json:"budget_watts"`
	LastTotalWatts float64   `json:"last_total_watts"`
	LastDecision   time.Time `json:"last_decision"`
	ShedAppliances []string  `json:"shed_appliances"`
	Synopsis       string    `json:"synopsis"`
}

// Status reports the current engine state. Shed appliances keep configuration
// order.
func (e *Engine) Status() Status {
	var shed []string
	for _, a := range e.appliances {
		if e.isShed(a.SwitchID) {
			shed = append(shed, a.SwitchID)
		}
	}
	return Status{
		State:          e.state,
		Enabled:        e.lastEnabled,
		BudgetWatts:    e.budget,
		LastTotalWatts: e.lastTotal,
		LastDecision:   e.lastDecision,
		ShedAppliances: shed,
		Synopsis:       e.log.Synopsis(),
	}
}

// State returns the engine's current state.
func (e *Engine) State() State {
	return e.state
}

// Shed reports whether the balancer currently holds an appliance off.
func (e *Engine) Shed(switchID string) bool {
	return e.isShed(switchID)
}

// Events returns the balancing history, oldest first.
func (e *Engine) Events() []Event {
	return e.log.Events()
}

// Synopsis returns the most recent event rendered as a single value.
func (e *Engine) Synopsis() string {
	return e.log.Synopsis()
}

// Appliances returns the configured appliances in configuration order.
func (e *Engine) Appliances() []Appliance {
	out := make([]Appliance, len(e.appliances))
	copy(out, e.appliances)
	return out
}
