package balancer

import "sort"

// Appliance is one configured sensor/appliance pair. The slice order given to
// the engine is the configuration order and breaks importance ties.
type Appliance struct {
	SensorID string // power sensor entity, e.g. "sensor.dryer_power"
	SwitchID string // controllable actuator entity, e.g. "switch.dryer"
	Name     string // human label, defaults to the sensor entity

	// Importance ranges 1 (keep on at all costs) to 10 (shed first).
	Importance int

	// LastResort excludes the appliance from shedding until every
	// non-last-resort candidate has been shed.
	LastResort bool

	// AssumedPowerOnWatts estimates consumption while the live sensor has not
	// reported since the appliance was (re)enabled. 0 means no estimate.
	AssumedPowerOnWatts float64
}

// Reading is a normalized power value in watts, or an unavailable marker.
// Unavailable is never treated as zero consumption.
type Reading struct {
	Watts float64
	OK    bool
}

// Watts wraps a known-good value.
func Watts(w float64) Reading {
	return Reading{Watts: w, OK: true}
}

// Unavailable marks a sensor that cannot be read this cycle.
func Unavailable() Reading {
	return Reading{}
}

// SwitchState is the last observed physical state of an actuator.
type SwitchState struct {
	On    bool
	Known bool
}

// Snapshot is everything the engine reads during one cycle: the gate, the
// main sensor, and the latest per-appliance readings and switch states.
type Snapshot struct {
	Enabled  bool
	Main     Reading
	Sensors  map[string]Reading     // keyed by Appliance.SensorID
	Switches map[string]SwitchState // keyed by Appliance.SwitchID
}

// Sensor returns the reading for a sensor, unavailable when never reported.
func (s Snapshot) Sensor(sensorID string) Reading {
	return s.Sensors[sensorID]
}

// Switch returns the observed actuator state, unknown when never reported.
func (s Snapshot) Switch(switchID string) SwitchState {
	return s.Switches[switchID]
}

// shedCandidates returns the appliances eligible for shedding this cycle, in
// shed order: the non-last-resort tier by importance descending (least
// important first), then the last-resort tier by the same ordering. Ties keep
// configuration order. Appliances whose sensor is unavailable, whose switch is
// not known to be on, or which are already shed are excluded.
func shedCandidates(appliances []Appliance, snap Snapshot, isShed func(string) bool) []Appliance {
	var primary, lastResort []Appliance
	for _, a := range appliances {
		sw := snap.Switch(a.SwitchID)
		if !sw.Known || !sw.On {
			continue
		}
		if isShed(a.SwitchID) {
			continue
		}
		if !snap.Sensor(a.SensorID).OK {
			continue
		}
		if a.LastResort {
			lastResort = append(lastResort, a)
		} else {
			primary = append(primary, a)
		}
	}
	sortByImportanceDescending(primary)
	sortByImportanceDescending(lastResort)
	return append(primary, lastResort...)
}

// restoreCandidates returns the shed appliances in restore order: most
// important first (importance ascending), ties by configuration order.
func restoreCandidates(appliances []Appliance, isShed func(string) bool) []Appliance {
	var out []Appliance
	for _, a := range appliances {
		if isShed(a.SwitchID) {
			out = append(out, a)
		}
	}
	sortByImportanceAscending(out)
	return out
}

// Stable sorts keep the configuration-order tie-break.

func sortByImportanceDescending(a []Appliance) {
	sort.SliceStable(a, func(i, j int) bool {
		return a[i].Importance > a[j].Importance
	})
}

func sortByImportanceAscending(a []Appliance) {
	sort.SliceStable(a, func(i, j int) bool {
		return a[i].Importance < a[j].Importance
	})
}
