package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
)

// readlineWriter wraps log output to work with readline
type readlineWriter struct {
	rl *readline.Instance
}

func (w *readlineWriter) Write(p []byte) (n int, err error) {
	if w.rl != nil {
		w.rl.Clean()
	}
	n, err = os.Stderr.Write(p)
	if w.rl != nil {
		w.rl.Refresh()
	}
	return n, err
}

// Global readline writer for log output
var rlWriter = &readlineWriter{}

// DebugState holds what the console needs to answer commands
type DebugState struct {
	store       *statusStore
	serviceChan chan<- ServiceCommand
	controlChan chan<- ControlCommand
	rl          *readline.Instance
}

// print outputs a line, handling the readline prompt properly
func (s *DebugState) print(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	if s.rl != nil {
		s.rl.Clean()
		fmt.Println(line)
		s.rl.Refresh()
	} else {
		fmt.Println(line)
	}
}

// PrintStatus shows the engine state, budget, and shed appliances
func (s *DebugState) PrintStatus() {
	status := s.store.Status()
	s.print("State:    %s", status.State)
	s.print("Enabled:  %v", status.Enabled)
	s.print("Budget:   %.0fW", status.BudgetWatts)
	s.print("Total:    %.0fW", status.LastTotalWatts)
	if !status.LastDecision.IsZero() {
		s.print("Decision: %s", status.LastDecision.Format("15:04:05"))
	}
	if len(status.ShedAppliances) == 0 {
		s.print("Shed:     none")
	} else {
		s.print("Shed:     %s", strings.Join(status.ShedAppliances, ", "))
	}
	s.print("Last:     %s", status.Synopsis)
}

// PrintEvents shows the balancing history, oldest first
func (s *DebugState) PrintEvents() {
	events := s.store.Events()
	if len(events) == 0 {
		s.print("No balancing events yet")
		return
	}
	for _, e := range events {
		s.print("%s  %s", e.Timestamp.Format("15:04:05"), e.String())
	}
}

// runService sends a manual turn_on/turn_off command to the balance worker
func (s *DebugState) runService(ctx context.Context, turnOn bool, args []string) {
	if len(args) == 0 {
		s.print("Usage: on|off <switch entity> [reason...]")
		return
	}
	cmd := ServiceCommand{
		TurnOn:   turnOn,
		SwitchID: args[0],
		Reason:   strings.Join(args[1:], " "),
		Reply:    make(chan error, 1),
	}
	select {
	case s.serviceChan <- cmd:
	case <-ctx.Done():
		return
	}
	select {
	case err := <-cmd.Reply:
		if err != nil {
			s.print("Error: %v", err)
		} else {
			s.print("ok")
		}
	case <-ctx.Done():
	}
}

// handleDebugCommand processes a debug command
func handleDebugCommand(ctx context.Context, cmd string, state *DebugState) {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return
	}

	switch parts[0] {
	case "status":
		state.PrintStatus()

	case "events", "log":
		state.PrintEvents()

	case "balance":
		state.controlChan <- ControlForceCycle
		state.print("Cycle queued")

	case "enable":
		state.controlChan <- ControlEnable
		state.print("Balancer enabled")

	case "disable":
		state.controlChan <- ControlDisable
		state.print("Balancer disabled")

	case "on":
		state.runService(ctx, true, parts[1:])

	case "off":
		state.runService(ctx, false, parts[1:])

	case "help":
		fmt.Println("Commands:")
		fmt.Println("  status                    - Show engine state and shed appliances")
		fmt.Println("  events                    - Show the balancing history")
		fmt.Println("  balance                   - Queue a balancing cycle now")
		fmt.Println("  enable | disable          - Toggle the balancer gate")
		fmt.Println("  on <switch> [reason...]   - Turn a managed appliance on")
		fmt.Println("  off <switch> [reason...]  - Turn a managed appliance off")
		fmt.Println("  help                      - Show this help")

	default:
		log.Printf("Unknown command: %s (try 'help')", parts[0])
	}
}

// readlineLoop runs the readline loop, sending commands to the channel
func readlineLoop(
	ctx context.Context,
	cancel context.CancelFunc,
	rl *readline.Instance,
	commandChan chan<- string,
) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			cancel() // Ctrl+C pressed, shutdown the app
			return
		}
		if err != nil {
			return // EOF or other error
		}
		line = strings.TrimSpace(line)
		if line != "" {
			commandChan <- line
		}
	}
}

// getHistoryFilePath returns the path for debug history file
func getHistoryFilePath() string {
	cacheDir := os.Getenv("XDG_CACHE_HOME")
	if cacheDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "" // No history if we can't find home
		}
		cacheDir = filepath.Join(home, ".cache")
	}
	appCache := filepath.Join(cacheDir, "powerbudget")
	// Create directory if it doesn't exist
	_ = os.MkdirAll(appCache, 0750)
	return filepath.Join(appCache, "debug_history")
}

// debugWorker provides an interactive console over the balancer
func debugWorker(
	ctx context.Context,
	cancel context.CancelFunc,
	store *statusStore,
	serviceChan chan<- ServiceCommand,
	controlChan chan<- ControlCommand,
) {
	// Create readline instance with prompt and persistent history
	rl, err := readline.NewEx(&readline.Config{
		Prompt:      "> ",
		HistoryFile: getHistoryFilePath(),
	})
	if err != nil {
		log.Printf("Debug worker: readline init failed: %v", err)
		return
	}
	defer func() {
		_ = rl.Close()
		rlWriter.rl = nil // Clear readline reference on exit
	}()

	// Redirect log output through readline-aware writer
	rlWriter.rl = rl
	log.SetOutput(rlWriter)

	log.Println("Debug worker started (type 'help' for commands)")

	commandChan := make(chan string, 10)
	state := &DebugState{
		store:       store,
		serviceChan: serviceChan,
		controlChan: controlChan,
		rl:          rl,
	}

	go readlineLoop(ctx, cancel, rl, commandChan)

	for {
		select {
		case cmd := <-commandChan:
			handleDebugCommand(ctx, cmd, state)
		case <-ctx.Done():
			log.Println("Debug worker stopped")
			return
		}
	}
}
