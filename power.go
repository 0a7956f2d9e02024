package main

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/ryansname/powerbudget/balancer"
)

// powerUnitMultiplier maps a declared sensor unit to its watts multiplier.
// Unrecognized units are a configuration error, so a typo fails at startup
// instead of silently misreading every cycle.
func powerUnitMultiplier(unit string) (float64, error) {
	switch strings.ToLower(strings.TrimSpace(unit)) {
	case "", "w", "watt", "watts":
		return 1, nil
	case "kw", "kilowatt", "kilowatts":
		return 1_000, nil
	case "mw", "megawatt", "megawatts":
		return 1_000_000, nil
	case "gw", "gigawatt", "gigawatts":
		return 1_000_000_000, nil
	default:
		return 0, fmt.Errorf("unrecognized power unit %q", unit)
	}
}

// parseReading normalizes a raw Home Assistant state value into watts.
// Unavailable, unknown, non-numeric, negative, and non-finite values all map
// to the unavailable marker: none of them may masquerade as zero consumption.
func parseReading(raw string, multiplier float64) balancer.Reading {
	switch strings.TrimSpace(raw) {
	case "", "unavailable", "unknown", "none", "None", "Undefined":
		return balancer.Unavailable()
	}

	value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return balancer.Unavailable()
	}
	watts := value * multiplier
	if math.IsNaN(watts) || math.IsInf(watts, 0) || watts < 0 {
		return balancer.Unavailable()
	}
	return balancer.Watts(watts)
}

// parseSwitchState interprets a switch state topic payload.
func parseSwitchState(raw string) balancer.SwitchState {
	switch strings.TrimSpace(raw) {
	case "on", "ON":
		return balancer.SwitchState{On: true, Known: true}
	case "off", "OFF":
		return balancer.SwitchState{On: false, Known: true}
	default:
		return balancer.SwitchState{}
	}
}

// stateTopic maps an entity ID to the Home Assistant state topic the MQTT
// bridge publishes it on, e.g. "sensor.dryer_power" ->
// "homeassistant/sensor/dryer_power/state".
func stateTopic(entityID string) string {
	domain, object, found := strings.Cut(entityID, ".")
	if !found {
		return "homeassistant/" + entityID + "/state"
	}
	return "homeassistant/" + domain + "/" + object + "/state"
}
