package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTMessage represents an outgoing MQTT message
type MQTTMessage struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// Origin identifies who requested an actuation, so the sender can drop
// balancer-initiated commands while the gate is off without blocking manual
// service operations.
type Origin string

const (
	OriginBalancer Origin = "balancer"
	OriginService  Origin = "service"
)

// ServiceRequest is a Home Assistant service call awaiting acknowledgment.
// The reply channel carries the publish result back to the caller.
type ServiceRequest struct {
	Domain   string
	Service  string
	EntityID string
	Reason   string
	Origin   Origin
	Reply    chan error
}

// MQTTSender wraps the sender worker's channels with helper methods
type MQTTSender struct {
	outgoing chan<- MQTTMessage
	services chan<- ServiceRequest
}

// NewMQTTSender creates a new MQTTSender wrapping the given channels
func NewMQTTSender(outgoing chan<- MQTTMessage, services chan<- ServiceRequest) *MQTTSender {
	return &MQTTSender{outgoing: outgoing, services: services}
}

// Send sends a raw MQTTMessage
func (s *MQTTSender) Send(msg MQTTMessage) {
	s.outgoing <- msg
}

// CallService sends a Home Assistant service call via the Node-RED proxy and
// waits for the publish to be acknowledged, or for ctx to end.
func (s *MQTTSender) CallService(ctx context.Context, domain, service, entityID, reason string, origin Origin) error {
	req := ServiceRequest{
		Domain:   domain,
		Service:  service,
		EntityID: entityID,
		Reason:   reason,
		Origin:   origin,
		Reply:    make(chan error, 1),
	}
	select {
	case s.services <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.Reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

const (
	// TopicBalancerEnabledState is the state topic where HA publishes the gate switch state
	TopicBalancerEnabledState = "homeassistant/switch/power_balancer_enabled/state"

	// Log sensor topics, published by the balance worker after each cycle
	TopicBalancerLogState      = "homeassistant/sensor/power_balancer_log/state"
	TopicBalancerLogAttributes = "homeassistant/sensor/power_balancer_log/attributes"
)

// CreateBalancerSwitch creates the power_balancer_enabled switch via MQTT discovery
func (s *MQTTSender) CreateBalancerSwitch() error {
	type haDeviceConfig struct {
		Identifiers  []string `json:"identifiers"`
		Name         string   `json:"name"`
		Manufacturer string   `json:"manufacturer,omitempty"`
	}

	type haSwitchConfig struct {
		Name         string         `json:"name"`
		StateTopic   string         `json:"state_topic"`
		CommandTopic string         `json:"command_topic"`
		UniqueId     string         `json:"unique_id"`
		Icon         string         `json:"icon,omitempty"`
		Optimistic   bool           `json:"optimistic"`
		Device       haDeviceConfig `json:"device"`
	}

	config := haSwitchConfig{
		Name:         "Enabled",
		StateTopic:   TopicBalancerEnabledState,
		CommandTopic: "homeassistant/switch/power_balancer_enabled/set",
		UniqueId:     "power_balancer_enabled",
		Icon:         "mdi:scale-balance",
		Optimistic:   true,
		Device: haDeviceConfig{
			Identifiers:  []string{"power_balancer"},
			Name:         "Power Balancer",
			Manufacturer: "Custom",
		},
	}

	payload, err := json.Marshal(config)
	if err != nil {
		return err
	}

	s.Send(MQTTMessage{
		Topic:   "homeassistant/switch/power_balancer_enabled/config",
		Payload: payload,
		QoS:     2,
		Retain:  true,
	})

	return nil
}

// CreateLogSensor creates the balancing log sensor via MQTT discovery. Its
// state is the most recent action synopsis; the JSON attributes carry the
// bounded event history.
func (s *MQTTSender) CreateLogSensor() error {
	type haDeviceConfig struct {
		Identifiers  []string `json:"identifiers"`
		Name         string   `json:"name"`
		Manufacturer string   `json:"manufacturer,omitempty"`
	}

	type haSensorConfig struct {
		Name                string         `json:"name"`
		StateTopic          string         `json:"state_topic"`
		JsonAttributesTopic string         `json:"json_attributes_topic,omitempty"`
		UniqueId            string         `json:"unique_id"`
		Icon                string         `json:"icon,omitempty"`
		Device              haDeviceConfig `json:"device"`
	}

	config := haSensorConfig{
		Name:                "Balancing Log",
		StateTopic:          TopicBalancerLogState,
		JsonAttributesTopic: TopicBalancerLogAttributes,
		UniqueId:            "power_balancer_log",
		Icon:                "mdi:script-text",
		Device: haDeviceConfig{
			Identifiers:  []string{"power_balancer"},
			Name:         "Power Balancer",
			Manufacturer: "Custom",
		},
	}

	payload, err := json.Marshal(config)
	if err != nil {
		return err
	}

	s.Send(MQTTMessage{
		Topic:   "homeassistant/sensor/power_balancer_log/config",
		Payload: payload,
		QoS:     2,
		Retain:  true,
	})

	return nil
}

// isDiscoveryTopic checks if a topic is an MQTT discovery config topic
func isDiscoveryTopic(topic string) bool {
	return strings.HasSuffix(topic, "/config")
}

// publish sends one message over the client and waits for the token
func publish(client mqtt.Client, msg MQTTMessage) error {
	if client == nil || !client.IsConnected() {
		return fmt.Errorf("mqtt client not connected")
	}
	token := client.Publish(msg.Topic, msg.QoS, msg.Retain, msg.Payload)
	token.Wait()
	return token.Error()
}

// mqttSenderWorker owns the outgoing side of the MQTT connection: it queues
// messages until a client is available and acknowledges service calls
// synchronously so that dispatch stays strictly sequential.
func mqttSenderWorker(
	ctx context.Context,
	outgoingChan <-chan MQTTMessage,
	serviceChan <-chan ServiceRequest,
	clientChan <-chan mqtt.Client,
	gate *gateState,
) {
	log.Println("MQTT sender worker started")

	var client mqtt.Client
	var messageQueue []MQTTMessage

	for {
		select {
		case newClient := <-clientChan:
			log.Println("MQTT sender worker received new client")
			client = newClient

			// Process any queued messages now that we have a client
			if client != nil && client.IsConnected() {
				queuedCount := len(messageQueue)
				for _, msg := range messageQueue {
					if err := publish(client, msg); err != nil {
						log.Printf("Failed to publish queued message to %s: %v\n", msg.Topic, err)
					}
				}
				messageQueue = nil // Clear the queue
				if queuedCount > 0 {
					log.Printf("MQTT sender worker processed %d queued messages\n", queuedCount)
				}
			}

		case msg := <-outgoingChan:
			if client != nil && client.IsConnected() {
				if err := publish(client, msg); err != nil {
					log.Printf("Failed to publish to %s: %v\n", msg.Topic, err)
				}
			} else if isDiscoveryTopic(msg.Topic) {
				// Discovery configs must survive a late connect; state
				// publishes are superseded by the next cycle anyway.
				messageQueue = append(messageQueue, msg)
				log.Printf("MQTT sender worker queued message (total queued: %d)\n", len(messageQueue))
			}

		case req := <-serviceChan:
			// The engine checks the gate itself before dispatching; this is
			// the outer guard against a toggle racing an in-flight cycle.
			if req.Origin == OriginBalancer && !gate.Enabled() {
				log.Printf("Balancer disabled, dropping %s.%s for %s\n", req.Domain, req.Service, req.EntityID)
				req.Reply <- fmt.Errorf("balancer disabled")
				continue
			}

			payload, err := json.Marshal(map[string]string{
				"domain":    req.Domain,
				"service":   req.Service,
				"entity_id": req.EntityID,
				"reason":    req.Reason,
			})
			if err != nil {
				req.Reply <- err
				continue
			}

			req.Reply <- publish(client, MQTTMessage{
				Topic:   "nodered/proxy/call_service",
				Payload: payload,
				QoS:     1,
			})

		case <-ctx.Done():
			log.Println("MQTT sender worker stopped")
			return
		}
	}
}
