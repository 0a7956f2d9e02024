package main

import (
	"context"
	"fmt"
	"strings"
)

// MQTTDispatcher actuates appliance switches through Home Assistant service
// calls. Each call is acknowledged before the next one is issued, which keeps
// the balance worker's dispatch strictly sequential.
//
// The origin field is mutated only from the balance worker goroutine, which
// owns the dispatcher: it is flipped to OriginService for the duration of a
// manual service operation so the sender's gate guard does not apply.
type MQTTDispatcher struct {
	sender *MQTTSender
	origin Origin
}

func NewMQTTDispatcher(sender *MQTTSender) *MQTTDispatcher {
	return &MQTTDispatcher{sender: sender, origin: OriginBalancer}
}

// SetOrigin marks subsequent dispatches as balancer- or service-initiated
func (d *MQTTDispatcher) SetOrigin(origin Origin) {
	d.origin = origin
}

// SetApplianceState turns the given switch entity on or off and waits for the
// service call to be acknowledged.
func (d *MQTTDispatcher) SetApplianceState(ctx context.Context, switchID string, on bool, reason string) error {
	domain, _, ok := strings.Cut(switchID, ".")
	if !ok {
		return fmt.Errorf("invalid entity id %q", switchID)
	}

	service := "turn_off"
	if on {
		service = "turn_on"
	}

	return d.sender.CallService(ctx, domain, service, switchID, reason, d.origin)
}
