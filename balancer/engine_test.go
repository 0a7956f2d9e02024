package balancer

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type dispatchCall struct {
	SwitchID string
	On       bool
	Reason   string
}

// fakeDispatcher records calls and can fail per switch or run a side effect
// before acknowledging (used for mid-cycle gate tests).
type fakeDispatcher struct {
	calls      []dispatchCall
	fail       map[string]error
	onDispatch func(call dispatchCall)
}

func (d *fakeDispatcher) SetApplianceState(_ context.Context, switchID string, on bool, reason string) error {
	call := dispatchCall{SwitchID: switchID, On: on, Reason: reason}
	if err := d.fail[switchID]; err != nil {
		return err
	}
	d.calls = append(d.calls, call)
	if d.onDispatch != nil {
		d.onDispatch(call)
	}
	return nil
}

// Three-appliance household: A is important, B is the first to go, C is a
// last resort.
func scenarioAppliances() []Appliance {
	return []Appliance{
		{SensorID: "sensor.a_power", SwitchID: "switch.a", Importance: 2},
		{SensorID: "sensor.b_power", SwitchID: "switch.b", Importance: 8},
		{SensorID: "sensor.c_power", SwitchID: "switch.c", Importance: 9, LastResort: true},
	}
}

func newTestEngine(t *testing.T, d Dispatcher) *Engine {
	t.Helper()
	e, err := New(Config{
		Appliances:  scenarioAppliances(),
		BudgetWatts: 1000,
		Dispatcher:  d,
		Now:         func() time.Time { return time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC) },
	})
	require.NoError(t, err)
	return e
}

// snapshot with all three appliances on and reporting their nominal draw.
func scenarioSnapshot(totalWatts float64) Snapshot {
	return Snapshot{
		Enabled: true,
		Main:    Watts(totalWatts),
		Sensors: map[string]Reading{
			"sensor.a_power": Watts(400),
			"sensor.b_power": Watts(300),
			"sensor.c_power": Watts(300),
		},
		Switches: map[string]SwitchState{
			"switch.a": {On: true, Known: true},
			"switch.b": {On: true, Known: true},
			"switch.c": {On: true, Known: true},
		},
	}
}

func TestWithinBudgetIssuesNoCommands(t *testing.T) {
	d := &fakeDispatcher{}
	e := newTestEngine(t, d)

	e.RunCycle(context.Background(), scenarioSnapshot(900))

	assert.Empty(t, d.calls)
	assert.Equal(t, StateIdle, e.State())
	assert.Empty(t, e.Events())
}

func TestSmallDeficitShedsLeastImportantOnly(t *testing.T) {
	// budget=1000, total=1100: deficit 100W, shedding B (300W) closes it.
	d := &fakeDispatcher{}
	e := newTestEngine(t, d)

	e.RunCycle(context.Background(), scenarioSnapshot(1100))

	require.Len(t, d.calls, 1)
	assert.Equal(t, dispatchCall{SwitchID: "switch.b", On: false, Reason: "over budget by 100W"}, d.calls[0])
	assert.True(t, e.Shed("switch.b"))
	assert.False(t, e.Shed("switch.a"))
	assert.False(t, e.Shed("switch.c"))
	assert.Equal(t, StateOverload, e.State())

	events := e.Events()
	require.Len(t, events, 1)
	assert.Equal(t, ActionShed, events[0].Action)
	assert.Equal(t, 1100.0, events[0].TotalWatts)
	assert.Equal(t, 1000.0, events[0].BudgetWatts)
	assert.Equal(t, 100.0, events[0].DeficitWatts)
}

func TestLargeDeficitExhaustsNonLastResortBeforeLastResort(t *testing.T) {
	// budget=1000, total=1500: deficit 500W. Non-last-resort candidates shed
	// least important first: B (300W, deficit 200W left) then A (400W, deficit
	// closed). C is last resort and survives because the others closed the
	// deficit, regardless of its low priority.
	d := &fakeDispatcher{}
	e := newTestEngine(t, d)

	e.RunCycle(context.Background(), scenarioSnapshot(1500))

	require.Len(t, d.calls, 2)
	assert.Equal(t, "switch.b", d.calls[0].SwitchID)
	assert.Equal(t, "switch.a", d.calls[1].SwitchID)
	assert.Equal(t, "over budget by 500W", d.calls[0].Reason)
	assert.Equal(t, "over budget by 200W", d.calls[1].Reason)
	assert.False(t, e.Shed("switch.c"))
}

func TestLastResortShedWhenOthersCannotCloseDeficit(t *testing.T) {
	// Deficit so large the non-last-resort tier cannot close it: the candidate
	// set extends to last-resort appliances, same ordering.
	d := &fakeDispatcher{}
	e := newTestEngine(t, d)

	e.RunCycle(context.Background(), scenarioSnapshot(2500))

	require.Len(t, d.calls, 3)
	assert.Equal(t, "switch.b", d.calls[0].SwitchID)
	assert.Equal(t, "switch.a", d.calls[1].SwitchID)
	assert.Equal(t, "switch.c", d.calls[2].SwitchID)
}

func TestUnresolvableOverloadLoggedOncePerTransition(t *testing.T) {
	d := &fakeDispatcher{}
	e := newTestEngine(t, d)

	// 3000W total: shedding everything (1000W) still leaves 1000W of deficit.
	e.RunCycle(context.Background(), scenarioSnapshot(3000))
	require.Len(t, d.calls, 3)

	skipped := eventsWithAction(e.Events(), ActionSkipped)
	require.Len(t, skipped, 1)
	assert.Contains(t, skipped[0].Reason, "no shedding candidates left")

	// Overload persists with everything already shed and off: no duplicate
	// skipped entry on subsequent cycles.
	snap := scenarioSnapshot(2000)
	for id := range snap.Switches {
		snap.Switches[id] = SwitchState{On: false, Known: true}
	}
	e.RunCycle(context.Background(), snap)
	e.RunCycle(context.Background(), snap)

	assert.Len(t, eventsWithAction(e.Events(), ActionSkipped), 1)
}

func TestAlreadyOffApplianceIsNotACandidate(t *testing.T) {
	d := &fakeDispatcher{}
	e := newTestEngine(t, d)

	// B is off independently of the balancer: it must not be double-commanded.
	snap := scenarioSnapshot(1100)
	snap.Switches["switch.b"] = SwitchState{On: false, Known: true}

	e.RunCycle(context.Background(), snap)

	require.Len(t, d.calls, 1)
	assert.Equal(t, "switch.a", d.calls[0].SwitchID)
	assert.False(t, e.Shed("switch.b"))
}

func TestUnavailableMonitoredSensorExcludedKeepsShedState(t *testing.T) {
	d := &fakeDispatcher{}
	e := newTestEngine(t, d)

	// Shed B first so it carries shed state.
	e.RunCycle(context.Background(), scenarioSnapshot(1100))
	require.True(t, e.Shed("switch.b"))
	d.calls = nil

	// A's sensor drops out while A is on: A is excluded from selection this
	// cycle, so the overload falls through to the last-resort tier. B's shed
	// state is untouched.
	snap := scenarioSnapshot(1200)
	snap.Sensors["sensor.a_power"] = Unavailable()
	snap.Switches["switch.b"] = SwitchState{On: false, Known: true}

	e.RunCycle(context.Background(), snap)

	require.Len(t, d.calls, 1)
	assert.Equal(t, "switch.c", d.calls[0].SwitchID)
	assert.True(t, e.Shed("switch.b"))
}

func TestUnavailableMainSensorSkipsCycleLogsOnce(t *testing.T) {
	d := &fakeDispatcher{}
	e := newTestEngine(t, d)

	snap := scenarioSnapshot(1100)
	snap.Main = Unavailable()

	e.RunCycle(context.Background(), snap)
	e.RunCycle(context.Background(), snap)
	e.RunCycle(context.Background(), snap)

	assert.Empty(t, d.calls)
	require.Len(t, e.Events(), 1)
	assert.Equal(t, ActionSkipped, e.Events()[0].Action)
	assert.Equal(t, "main power sensor unavailable", e.Events()[0].Reason)

	// Sensor recovers, then drops out again: a new outage logs again.
	e.RunCycle(context.Background(), scenarioSnapshot(900))
	e.RunCycle(context.Background(), snap)
	assert.Len(t, eventsWithAction(e.Events(), ActionSkipped), 2)
}

func TestRestoreMostImportantFirstWithinHeadroom(t *testing.T) {
	d := &fakeDispatcher{}
	e := newTestEngine(t, d)

	// Shed B then A (500W deficit).
	e.RunCycle(context.Background(), scenarioSnapshot(1500))
	require.True(t, e.Shed("switch.a"))
	require.True(t, e.Shed("switch.b"))
	d.calls = nil

	// Consumption drops to 500W: 500W headroom. A (importance 2, 400W
	// recorded at shed time) is restored first; B (300W) no longer fits the
	// remaining 100W and stays shed.
	snap := scenarioSnapshot(500)
	snap.Switches["switch.a"] = SwitchState{On: false, Known: true}
	snap.Switches["switch.b"] = SwitchState{On: false, Known: true}
	snap.Sensors["sensor.a_power"] = Watts(0)
	snap.Sensors["sensor.b_power"] = Watts(0)

	e.RunCycle(context.Background(), snap)

	require.Len(t, d.calls, 1)
	assert.Equal(t, dispatchCall{SwitchID: "switch.a", On: true, Reason: "recovered 500W headroom"}, d.calls[0])
	assert.False(t, e.Shed("switch.a"))
	assert.True(t, e.Shed("switch.b"))
	assert.Equal(t, StateRecovering, e.State())

	// More headroom on the next reading: B comes back and the engine idles.
	d.calls = nil
	snap2 := scenarioSnapshot(600)
	snap2.Switches["switch.b"] = SwitchState{On: false, Known: true}
	snap2.Sensors["sensor.b_power"] = Watts(0)

	e.RunCycle(context.Background(), snap2)

	require.Len(t, d.calls, 1)
	assert.Equal(t, "switch.b", d.calls[0].SwitchID)
	assert.True(t, d.calls[0].On)
	assert.Equal(t, StateIdle, e.State())
}

func TestRestoreNeverTriggersNewOverload(t *testing.T) {
	d := &fakeDispatcher{}
	e := newTestEngine(t, d)

	e.RunCycle(context.Background(), scenarioSnapshot(1500))
	d.calls = nil

	// Only 200W of headroom: neither A (400W) nor B (300W) fits.
	snap := scenarioSnapshot(800)
	snap.Switches["switch.a"] = SwitchState{On: false, Known: true}
	snap.Switches["switch.b"] = SwitchState{On: false, Known: true}
	snap.Sensors["sensor.a_power"] = Watts(0)
	snap.Sensors["sensor.b_power"] = Watts(0)

	e.RunCycle(context.Background(), snap)

	assert.Empty(t, d.calls)
	assert.Equal(t, StateRecovering, e.State())
}

func TestAssumedPowerCoversSensorBlindSpot(t *testing.T) {
	d := &fakeDispatcher{}
	appliances := scenarioAppliances()
	appliances[1].AssumedPowerOnWatts = 250
	e, err := New(Config{
		Appliances:  appliances,
		BudgetWatts: 1000,
		Dispatcher:  d,
	})
	require.NoError(t, err)

	// B is shed while its sensor reads 0 (blind spot right after startup):
	// the assumed estimate stands in.
	snap := scenarioSnapshot(1100)
	snap.Sensors["sensor.b_power"] = Watts(0)
	e.RunCycle(context.Background(), snap)
	require.True(t, e.Shed("switch.b"))
	d.calls = nil

	// 260W headroom: the 250W assumed draw fits.
	snap2 := scenarioSnapshot(740)
	snap2.Switches["switch.b"] = SwitchState{On: false, Known: true}
	snap2.Sensors["sensor.b_power"] = Watts(0)
	e.RunCycle(context.Background(), snap2)

	require.Len(t, d.calls, 1)
	assert.Equal(t, "switch.b", d.calls[0].SwitchID)
	assert.True(t, d.calls[0].On)
}

func TestUserOverrideClearsShedStateWithoutCommands(t *testing.T) {
	d := &fakeDispatcher{}
	e := newTestEngine(t, d)

	e.RunCycle(context.Background(), scenarioSnapshot(1100))
	require.True(t, e.Shed("switch.b"))
	d.calls = nil

	// The user turns B back on externally; the next cycle is within budget.
	// The state mismatch clears shed state and no command fights the user.
	e.RunCycle(context.Background(), scenarioSnapshot(900))

	assert.Empty(t, d.calls)
	assert.False(t, e.Shed("switch.b"))
}

func TestDisabledGateTransitionsOnceAndHaltsActions(t *testing.T) {
	d := &fakeDispatcher{}
	e := newTestEngine(t, d)

	snap := scenarioSnapshot(1500)
	snap.Enabled = false

	e.RunCycle(context.Background(), snap)
	e.RunCycle(context.Background(), snap)

	assert.Empty(t, d.calls)
	assert.Equal(t, StateDisabled, e.State())
	require.Len(t, e.Events(), 1)
	assert.Equal(t, "balancing disabled", e.Events()[0].Reason)

	// Re-enabled while still overloaded: the next cycle acts immediately.
	e.RunCycle(context.Background(), scenarioSnapshot(1500))
	assert.NotEmpty(t, d.calls)
	assert.Equal(t, StateOverload, e.State())
}

func TestDisablingGateMidCycleStopsFurtherShedding(t *testing.T) {
	gateOpen := true
	d := &fakeDispatcher{}
	// The first acknowledged shed flips the gate off, as if the user hit the
	// switch while the cycle was running.
	d.onDispatch = func(dispatchCall) { gateOpen = false }

	e, err := New(Config{
		Appliances:  scenarioAppliances(),
		BudgetWatts: 1000,
		Dispatcher:  d,
		Gate:        func() bool { return gateOpen },
	})
	require.NoError(t, err)

	// 1500W would normally shed B then A; the mid-cycle disable stops after B.
	e.RunCycle(context.Background(), scenarioSnapshot(1500))

	require.Len(t, d.calls, 1)
	assert.Equal(t, "switch.b", d.calls[0].SwitchID)
	assert.True(t, e.Shed("switch.b"))
	assert.Equal(t, StateDisabled, e.State())
}

func TestDispatchFailureLogsAndContinues(t *testing.T) {
	d := &fakeDispatcher{fail: map[string]error{"switch.b": fmt.Errorf("device unreachable")}}
	e := newTestEngine(t, d)

	// B fails to turn off: its draw is not subtracted, the cycle moves on to A
	// which closes the 100W deficit on its own.
	e.RunCycle(context.Background(), scenarioSnapshot(1100))

	require.Len(t, d.calls, 1)
	assert.Equal(t, "switch.a", d.calls[0].SwitchID)
	assert.False(t, e.Shed("switch.b"))
	assert.True(t, e.Shed("switch.a"))

	failed := eventsWithAction(e.Events(), ActionFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, "switch.b", failed[0].Appliance)
	assert.Contains(t, failed[0].Reason, "device unreachable")
}

func TestManualServiceOperations(t *testing.T) {
	t.Run("turn off with reason", func(t *testing.T) {
		d := &fakeDispatcher{}
		e := newTestEngine(t, d)

		require.NoError(t, e.TurnOffAppliance(context.Background(), "switch.b", "maintenance window"))

		require.Len(t, d.calls, 1)
		assert.Equal(t, dispatchCall{SwitchID: "switch.b", On: false, Reason: "maintenance window"}, d.calls[0])
		assert.False(t, e.Shed("switch.b"))

		events := e.Events()
		require.Len(t, events, 1)
		assert.Equal(t, "service: maintenance window", events[0].Reason)
	})

	t.Run("turn on defaults the reason", func(t *testing.T) {
		d := &fakeDispatcher{}
		e := newTestEngine(t, d)

		require.NoError(t, e.TurnOnAppliance(context.Background(), "switch.a", ""))

		require.Len(t, d.calls, 1)
		assert.Equal(t, "requested via service", d.calls[0].Reason)
	})

	t.Run("turn on clears shed state", func(t *testing.T) {
		d := &fakeDispatcher{}
		e := newTestEngine(t, d)
		e.RunCycle(context.Background(), scenarioSnapshot(1100))
		require.True(t, e.Shed("switch.b"))

		require.NoError(t, e.TurnOnAppliance(context.Background(), "switch.b", "need the dryer"))
		assert.False(t, e.Shed("switch.b"))
	})

	t.Run("unmanaged appliance rejected", func(t *testing.T) {
		d := &fakeDispatcher{}
		e := newTestEngine(t, d)

		err := e.TurnOffAppliance(context.Background(), "switch.nope", "")
		assert.Error(t, err)
		assert.Empty(t, d.calls)
	})

	t.Run("dispatch failure surfaces and is logged", func(t *testing.T) {
		d := &fakeDispatcher{fail: map[string]error{"switch.a": fmt.Errorf("timeout")}}
		e := newTestEngine(t, d)

		err := e.TurnOffAppliance(context.Background(), "switch.a", "")
		assert.Error(t, err)
		require.Len(t, e.Events(), 1)
		assert.Equal(t, ActionFailed, e.Events()[0].Action)
	})
}

func TestConfigValidation(t *testing.T) {
	d := &fakeDispatcher{}

	t.Run("missing dispatcher", func(t *testing.T) {
		_, err := New(Config{Appliances: scenarioAppliances(), BudgetWatts: 1000})
		assert.Error(t, err)
	})

	t.Run("non-positive budget", func(t *testing.T) {
		_, err := New(Config{Appliances: scenarioAppliances(), BudgetWatts: 0, Dispatcher: d})
		assert.Error(t, err)
	})

	t.Run("importance out of range", func(t *testing.T) {
		apps := scenarioAppliances()
		apps[0].Importance = 11
		_, err := New(Config{Appliances: apps, BudgetWatts: 1000, Dispatcher: d})
		assert.Error(t, err)
	})

	t.Run("duplicate appliance", func(t *testing.T) {
		apps := scenarioAppliances()
		apps = append(apps, Appliance{SensorID: "sensor.d_power", SwitchID: "switch.a", Importance: 5})
		_, err := New(Config{Appliances: apps, BudgetWatts: 1000, Dispatcher: d})
		assert.Error(t, err)
	})
}

func TestShedOrderBreaksTiesByConfigurationOrder(t *testing.T) {
	d := &fakeDispatcher{}
	e, err := New(Config{
		Appliances: []Appliance{
			{SensorID: "sensor.first", SwitchID: "switch.first", Importance: 7},
			{SensorID: "sensor.second", SwitchID: "switch.second", Importance: 7},
		},
		BudgetWatts: 1000,
		Dispatcher:  d,
	})
	require.NoError(t, err)

	snap := Snapshot{
		Enabled: true,
		Main:    Watts(1400),
		Sensors: map[string]Reading{
			"sensor.first":  Watts(150),
			"sensor.second": Watts(150),
		},
		Switches: map[string]SwitchState{
			"switch.first":  {On: true, Known: true},
			"switch.second": {On: true, Known: true},
		},
	}
	e.RunCycle(context.Background(), snap)

	require.Len(t, d.calls, 2)
	assert.Equal(t, "switch.first", d.calls[0].SwitchID)
	assert.Equal(t, "switch.second", d.calls[1].SwitchID)
}

func eventsWithAction(events []Event, action Action) []Event {
	var out []Event
	for _, e := range events {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}
