package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/joho/godotenv"

	"github.com/ryansname/powerbudget/balancer"
)

// SafeGo launches a goroutine with panic recovery and retry logic.
// On panic, retries with exponential backoff (max 10 retries).
// Retry count resets if worker ran for 2+ minutes before failing.
// After exhausting retries, cancels context to trigger shutdown.
func SafeGo(
	ctx context.Context,
	cancel context.CancelFunc,
	name string,
	fn func(ctx context.Context),
) {
	const maxRetries = 10
	const maxDelay = 10 * time.Minute
	const resetAfter = 2 * time.Minute

	go func() {
		retries := 0
		delay := time.Second

		for {
			startTime := time.Now()
			var panicValue any

			func() {
				defer func() {
					panicValue = recover()
				}()
				fn(ctx)
			}()

			// If function returned normally (no panic), exit the goroutine
			// This covers both context cancellation and unexpected completion
			if panicValue == nil {
				return
			}

			// If ran for resetAfter duration before panicking, reset retry state
			if time.Since(startTime) >= resetAfter {
				retries = 0
				delay = time.Second
			}

			retries++
			log.Printf("Panic in %s (attempt %d/%d): %v\n", name, retries, maxRetries, panicValue)

			// Check if we've exhausted retries
			if retries >= maxRetries {
				log.Printf("%s failed after %d retries, shutting down\n", name, maxRetries)
				cancel()
				return
			}

			// Wait before retry with exponential backoff
			log.Printf("%s will retry in %v\n", name, delay)
			select {
			case <-time.After(delay):
				// Double delay for next time, cap at max
				delay = min(delay*2, maxDelay)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// envOr returns the environment variable or a fallback
func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	log.Println("Starting powerbudget...")

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: Error loading .env file: %v\n", err)
	}

	// Get MQTT credentials from environment
	mqttUsername := os.Getenv("MQTT_USERNAME")
	mqttPassword := os.Getenv("MQTT_PASSWORD")

	if mqttUsername == "" || mqttPassword == "" {
		log.Fatal("MQTT_USERNAME and MQTT_PASSWORD must be set in .env file")
	}

	mqttBroker := envOr("MQTT_BROKER", "homeassistant.lan")
	httpAddr := envOr("HTTP_ADDR", ":8086")
	configPath := envOr("CONFIG_FILE", "appliances.yaml")

	cfg, err := LoadConfig(configPath)
	if err != nil {
		log.Fatalf("Failed to load %s: %v", configPath, err)
	}
	log.Printf("Managing %d appliances against a %.0fW budget\n", len(cfg.Appliances), cfg.PowerBudgetWatts)

	// Create context for lifecycle management
	ctx, cancel := context.WithCancel(context.Background())

	// Create channels for communication between workers
	msgChan := make(chan SensorMessage, 10)
	mqttOutgoingChan := make(chan MQTTMessage, 100) // Larger buffer for queuing
	mqttServiceChan := make(chan ServiceRequest)    // Unbuffered: one acknowledged call at a time
	mqttClientChan := make(chan mqtt.Client, 1)     // Buffered to prevent blocking onConnect
	cycleChan := make(chan balancer.Snapshot, 16)   // FIFO cycle queue
	serviceCmdChan := make(chan ServiceCommand, 10)
	controlChan := make(chan ControlCommand, 10)

	gate := newGateState()

	// Launch MQTT sender worker (receives client updates via channel)
	SafeGo(ctx, cancel, "mqtt-sender-worker", func(ctx context.Context) {
		mqttSenderWorker(ctx, mqttOutgoingChan, mqttServiceChan, mqttClientChan, gate)
	})
	log.Println("MQTT sender worker started")

	// Create MQTT sender for workers
	mqttSender := NewMQTTSender(mqttOutgoingChan, mqttServiceChan)

	// Create Home Assistant entities
	log.Println("Creating Home Assistant entities...")

	if err := mqttSender.CreateBalancerSwitch(); err != nil {
		cancel()
		log.Fatalf("Failed to create enable switch entity: %v", err)
	}
	if err := mqttSender.CreateLogSensor(); err != nil {
		cancel()
		log.Fatalf("Failed to create balancing log entity: %v", err)
	}

	// Seed the retained gate state so HA shows the switch on from the start
	mqttSender.Send(MQTTMessage{
		Topic:   TopicBalancerEnabledState,
		Payload: []byte("ON"),
		QoS:     1,
		Retain:  true,
	})

	log.Println("Home Assistant entities created")

	dispatcher := NewMQTTDispatcher(mqttSender)

	engine, err := balancer.New(balancer.Config{
		Appliances:  cfg.BalancerAppliances(),
		BudgetWatts: cfg.PowerBudgetWatts,
		LogCapacity: cfg.LogCapacity,
		Dispatcher:  dispatcher,
		Gate:        gate.Enabled,
	})
	if err != nil {
		cancel()
		log.Fatalf("Failed to build balancing engine: %v", err)
	}

	store := &statusStore{}

	// Launch balance worker (runs all balancing decisions sequentially)
	SafeGo(ctx, cancel, "balance-worker", func(ctx context.Context) {
		balanceWorker(ctx, engine, dispatcher, cycleChan, serviceCmdChan, mqttSender, store)
	})
	log.Println("Balance worker started")

	// Launch state worker (folds topic payloads into snapshots)
	SafeGo(ctx, cancel, "state-worker", func(ctx context.Context) {
		stateWorker(ctx, cfg, msgChan, cycleChan, controlChan, gate, mqttSender)
	})

	// Launch HTTP API worker
	SafeGo(ctx, cancel, "http-worker", func(ctx context.Context) {
		httpWorker(ctx, httpAddr, store, serviceCmdChan, controlChan)
	})

	// Launch MQTT worker
	SafeGo(ctx, cancel, "mqtt-worker", func(ctx context.Context) {
		mqttWorker(ctx, mqttBroker, cfg.Topics(), mqttUsername, mqttPassword, "powerbudget", msgChan, mqttClientChan)
	})
	log.Println("MQTT worker started")

	// Launch debug console
	SafeGo(ctx, cancel, "debug-worker", func(ctx context.Context) {
		debugWorker(ctx, cancel, store, serviceCmdChan, controlChan)
	})

	// Wait for interrupt signal or context cancellation (from panic)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		log.Println("\nShutting down...")
	case <-ctx.Done():
		log.Println("\nShutting down due to error...")
	}
	cancel()
}
