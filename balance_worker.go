package main

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"github.com/ryansname/powerbudget/balancer"
)

// ServiceCommand is a manual turn_on/turn_off request for a managed
// appliance, answered once the actuation has been dispatched.
type ServiceCommand struct {
	TurnOn   bool
	SwitchID string
	Reason   string
	Reply    chan error
}

// statusStore holds the latest engine status and event history for readers
// outside the balance worker goroutine.
type statusStore struct {
	mu     sync.RWMutex
	status balancer.Status
	events []balancer.Event
}

func (s *statusStore) update(status balancer.Status, events []balancer.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
	s.events = events
}

func (s *statusStore) Status() balancer.Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *statusStore) Events() []balancer.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.events
}

// balanceWorker drains the cycle queue and service commands one at a time, so
// every balancing decision sees the outcome of the previous one.
func balanceWorker(
	ctx context.Context,
	engine *balancer.Engine,
	dispatcher *MQTTDispatcher,
	cycleChan <-chan balancer.Snapshot,
	serviceChan <-chan ServiceCommand,
	sender *MQTTSender,
	store *statusStore,
) {
	log.Println("Balance worker started")

	publishLog := func() {
		events := engine.Events()
		store.update(engine.Status(), events)

		sender.Send(MQTTMessage{
			Topic:   TopicBalancerLogState,
			Payload: []byte(engine.Synopsis()),
			QoS:     1,
			Retain:  true,
		})

		attrs, err := json.Marshal(map[string]any{"events": events})
		if err != nil {
			log.Printf("Failed to marshal event log: %v\n", err)
			return
		}
		sender.Send(MQTTMessage{
			Topic:   TopicBalancerLogAttributes,
			Payload: attrs,
			QoS:     1,
			Retain:  true,
		})
	}

	// Seed the status store and log sensor before the first cycle
	publishLog()

	for {
		select {
		case snap := <-cycleChan:
			engine.RunCycle(ctx, snap)
			publishLog()

		case cmd := <-serviceChan:
			dispatcher.SetOrigin(OriginService)
			var err error
			if cmd.TurnOn {
				err = engine.TurnOnAppliance(ctx, cmd.SwitchID, cmd.Reason)
			} else {
				err = engine.TurnOffAppliance(ctx, cmd.SwitchID, cmd.Reason)
			}
			dispatcher.SetOrigin(OriginBalancer)
			if err != nil {
				log.Printf("Service command for %s failed: %v\n", cmd.SwitchID, err)
			}
			cmd.Reply <- err
			publishLog()

		case <-ctx.Done():
			log.Println("Balance worker stopped")
			return
		}
	}
}
