package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryansname/powerbudget/balancer"
)

// ackServices drains service requests, recording them and acknowledging each
// one, the way the sender worker would.
func ackServices(ctx context.Context, serviceChan <-chan ServiceRequest, seen chan<- ServiceRequest) {
	for {
		select {
		case req := <-serviceChan:
			seen <- req
			req.Reply <- nil
		case <-ctx.Done():
			return
		}
	}
}

type balanceHarness struct {
	cycleChan   chan balancer.Snapshot
	serviceCmds chan ServiceCommand
	outgoing    chan MQTTMessage
	seen        chan ServiceRequest
	store       *statusStore
}

func startBalanceWorker(t *testing.T) *balanceHarness {
	t.Helper()

	h := &balanceHarness{
		cycleChan:   make(chan balancer.Snapshot),
		serviceCmds: make(chan ServiceCommand),
		outgoing:    make(chan MQTTMessage, 64),
		seen:        make(chan ServiceRequest, 16),
		store:       &statusStore{},
	}
	serviceChan := make(chan ServiceRequest)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go ackServices(ctx, serviceChan, h.seen)

	sender := NewMQTTSender(h.outgoing, serviceChan)
	dispatcher := NewMQTTDispatcher(sender)

	engine, err := balancer.New(balancer.Config{
		Appliances: []balancer.Appliance{
			{SensorID: "sensor.heater_power", SwitchID: "switch.heater", Importance: 2},
			{SensorID: "sensor.dryer_power", SwitchID: "switch.dryer", Importance: 8},
		},
		BudgetWatts: 1000,
		Dispatcher:  dispatcher,
	})
	require.NoError(t, err)

	go balanceWorker(ctx, engine, dispatcher, h.cycleChan, h.serviceCmds, sender, h.store)
	return h
}

func overloadSnapshot(total float64) balancer.Snapshot {
	return balancer.Snapshot{
		Enabled: true,
		Main:    balancer.Watts(total),
		Sensors: map[string]balancer.Reading{
			"sensor.heater_power": balancer.Watts(400),
			"sensor.dryer_power":  balancer.Watts(300),
		},
		Switches: map[string]balancer.SwitchState{
			"switch.heater": {On: true, Known: true},
			"switch.dryer":  {On: true, Known: true},
		},
	}
}

func nextRequest(t *testing.T, h *balanceHarness) ServiceRequest {
	t.Helper()
	select {
	case req := <-h.seen:
		return req
	case <-time.After(time.Second):
		t.Fatal("no service request dispatched")
		return ServiceRequest{}
	}
}

func waitForState(t *testing.T, h *balanceHarness, want balancer.State) balancer.Status {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		status := h.store.Status()
		if status.State == want {
			return status
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("store never reached state %s (currently %s)", want, h.store.Status().State)
	return balancer.Status{}
}

func TestOverloadCycleDispatchesShedAndPublishesLog(t *testing.T) {
	h := startBalanceWorker(t)

	h.cycleChan <- overloadSnapshot(1100)

	req := nextRequest(t, h)
	assert.Equal(t, "switch", req.Domain)
	assert.Equal(t, "turn_off", req.Service)
	assert.Equal(t, "switch.dryer", req.EntityID)
	assert.Equal(t, OriginBalancer, req.Origin)

	status := waitForState(t, h, balancer.StateOverload)
	assert.Equal(t, []string{"switch.dryer"}, status.ShedAppliances)

	// The log sensor state carries the synopsis of the shed
	deadline := time.Now().Add(time.Second)
	var lastState string
	for time.Now().Before(deadline) {
		select {
		case msg := <-h.outgoing:
			if msg.Topic == TopicBalancerLogState {
				lastState = string(msg.Payload)
			}
		default:
			time.Sleep(5 * time.Millisecond)
		}
		if lastState != "" && lastState != "initialized" {
			break
		}
	}
	assert.Contains(t, lastState, "shed switch.dryer")
}

func TestServiceCommandDispatchesWithServiceOrigin(t *testing.T) {
	h := startBalanceWorker(t)

	cmd := ServiceCommand{
		TurnOn:   false,
		SwitchID: "switch.heater",
		Reason:   "vacuuming",
		Reply:    make(chan error, 1),
	}
	h.serviceCmds <- cmd

	req := nextRequest(t, h)
	assert.Equal(t, "turn_off", req.Service)
	assert.Equal(t, "switch.heater", req.EntityID)
	assert.Equal(t, OriginService, req.Origin)
	assert.Contains(t, req.Reason, "vacuuming")

	require.NoError(t, <-cmd.Reply)
}

func TestServiceCommandForUnmanagedApplianceReturnsError(t *testing.T) {
	h := startBalanceWorker(t)

	cmd := ServiceCommand{
		TurnOn:   true,
		SwitchID: "switch.unknown",
		Reply:    make(chan error, 1),
	}
	h.serviceCmds <- cmd

	err := <-cmd.Reply
	require.Error(t, err)
}

func TestDispatcherRejectsMalformedEntityID(t *testing.T) {
	sender := NewMQTTSender(make(chan MQTTMessage, 1), make(chan ServiceRequest, 1))
	d := NewMQTTDispatcher(sender)

	err := d.SetApplianceState(context.Background(), "notanentity", true, "test")
	require.Error(t, err)
}
