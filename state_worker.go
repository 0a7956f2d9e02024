package main

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/ryansname/powerbudget/balancer"
)

// gateState is the master enable switch, shared between the state worker
// (writes), the sender worker and the balance worker (reads).
type gateState struct {
	enabled atomic.Bool
}

// newGateState returns a gate that starts enabled
func newGateState() *gateState {
	g := &gateState{}
	g.enabled.Store(true)
	return g
}

func (g *gateState) Enabled() bool {
	return g.enabled.Load()
}

func (g *gateState) Set(enabled bool) {
	g.enabled.Store(enabled)
}

// ControlCommand adjusts the state worker from the debug console or HTTP API
type ControlCommand int

const (
	// ControlForceCycle enqueues a balancing cycle with the current readings
	ControlForceCycle ControlCommand = iota
	// ControlEnable turns the gate on and enqueues a cycle
	ControlEnable
	// ControlDisable turns the gate off and enqueues a cycle
	ControlDisable
)

// stateWorker folds raw topic payloads into the last-known household state
// and enqueues a snapshot for the balance worker whenever something that can
// change a balancing decision arrives.
func stateWorker(
	ctx context.Context,
	cfg *Config,
	msgChan <-chan SensorMessage,
	cycleChan chan<- balancer.Snapshot,
	controlChan <-chan ControlCommand,
	gate *gateState,
	sender *MQTTSender,
) {
	log.Println("State worker started")

	mainTopic := stateTopic(cfg.MainSensor.Sensor)
	mainMultiplier, _ := powerUnitMultiplier(cfg.MainSensor.Unit)
	multipliers := cfg.UnitMultipliers()

	// Topic routing tables built once from config
	sensorTopics := make(map[string]string, len(cfg.Appliances))
	switchTopics := make(map[string]string, len(cfg.Appliances))
	for _, a := range cfg.Appliances {
		sensorTopics[stateTopic(a.Sensor)] = a.Sensor
		switchTopics[stateTopic(a.Appliance)] = a.Appliance
	}

	// Last-known state. A sensor that has never reported is unavailable, not
	// zero; a switch that has never reported has unknown position.
	main := balancer.Unavailable()
	sensors := make(map[string]balancer.Reading, len(cfg.Appliances))
	switches := make(map[string]balancer.SwitchState, len(cfg.Appliances))
	for _, a := range cfg.Appliances {
		sensors[a.Sensor] = balancer.Unavailable()
		switches[a.Appliance] = balancer.SwitchState{}
	}

	snapshot := func() balancer.Snapshot {
		snap := balancer.Snapshot{
			Enabled:  gate.Enabled(),
			Main:     main,
			Sensors:  make(map[string]balancer.Reading, len(sensors)),
			Switches: make(map[string]balancer.SwitchState, len(switches)),
		}
		for id, r := range sensors {
			snap.Sensors[id] = r
		}
		for id, s := range switches {
			snap.Switches[id] = s
		}
		return snap
	}

	enqueue := func() {
		select {
		case cycleChan <- snapshot():
		default:
			// The balance worker is mid-cycle with a full queue; the next
			// trigger carries fresher readings anyway.
			log.Println("Cycle queue full, dropping trigger")
		}
	}

	publishGate := func(enabled bool) {
		payload := "OFF"
		if enabled {
			payload = "ON"
		}
		sender.Send(MQTTMessage{
			Topic:   TopicBalancerEnabledState,
			Payload: []byte(payload),
			QoS:     1,
			Retain:  true,
		})
	}

	// Startup visibility: warn about topics that never report
	received := make(map[string]bool)
	expected := cfg.Topics()
	allTopicsReceived := false
	startupCheckTicker := time.NewTicker(30 * time.Second)
	defer startupCheckTicker.Stop()

	for {
		select {
		case msg := <-msgChan:
			received[msg.Topic] = true
			if !allTopicsReceived && len(received) == len(expected) {
				allTopicsReceived = true
				startupCheckTicker.Stop()
				log.Printf("State worker ready: received data for all %d topics\n", len(expected))
			}

			switch {
			case msg.Topic == mainTopic:
				main = parseReading(msg.Value, mainMultiplier)
				enqueue()

			case msg.Topic == TopicBalancerEnabledState:
				enabled := msg.Value == "ON" || msg.Value == "on"
				wasEnabled := gate.Enabled()
				gate.Set(enabled)
				if enabled != wasEnabled {
					log.Printf("Balancer enabled: %v\n", enabled)
					// An off-to-on transition re-evaluates immediately; the
					// off transition still runs a cycle so the disable gets
					// logged exactly once.
					enqueue()
				}

			default:
				if sensorID, ok := sensorTopics[msg.Topic]; ok {
					sensors[sensorID] = parseReading(msg.Value, multipliers[sensorID])
					enqueue()
				} else if switchID, ok := switchTopics[msg.Topic]; ok {
					switches[switchID] = parseSwitchState(msg.Value)
					enqueue()
				}
			}

		case cmd := <-controlChan:
			switch cmd {
			case ControlForceCycle:
				enqueue()
			case ControlEnable:
				gate.Set(true)
				publishGate(true)
				enqueue()
			case ControlDisable:
				gate.Set(false)
				publishGate(false)
				enqueue()
			}

		case <-startupCheckTicker.C:
			if allTopicsReceived {
				continue
			}
			var missing []string
			for _, topic := range expected {
				if !received[topic] {
					missing = append(missing, topic)
				}
			}
			log.Printf("WARNING: Still waiting for topics. Missing %d/%d:\n", len(missing), len(expected))
			for _, topic := range missing {
				log.Printf("  - %s\n", topic)
			}

		case <-ctx.Done():
			log.Println("State worker stopped")
			return
		}
	}
}
