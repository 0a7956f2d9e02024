package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/ryansname/powerbudget/balancer"
)

// httpAPI exposes the balancer state and manual services over HTTP
type httpAPI struct {
	store       *statusStore
	serviceChan chan<- ServiceCommand
	controlChan chan<- ControlCommand
}

func newRouter(api *httpAPI) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", healthHandler).Methods("GET")
	r.HandleFunc("/api/status", api.getStatus).Methods("GET")
	r.HandleFunc("/api/events", api.getEvents).Methods("GET")
	r.HandleFunc("/api/services/turn_on_appliance", api.turnOn).Methods("POST")
	r.HandleFunc("/api/services/turn_off_appliance", api.turnOff).Methods("POST")
	r.HandleFunc("/api/balance", api.forceBalance).Methods("POST")

	return r
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

func (api *httpAPI) getStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(api.store.Status())
}

func (api *httpAPI) getEvents(w http.ResponseWriter, _ *http.Request) {
	events := api.store.Events()
	if events == nil {
		events = []balancer.Event{} // encode as an empty array, not null
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(events)
}

// serviceBody is the request payload for the turn_on/turn_off services
type serviceBody struct {
	EntityID string `json:"entity_id"`
	Reason   string `json:"reason,omitempty"`
}

func (api *httpAPI) turnOn(w http.ResponseWriter, r *http.Request) {
	api.runService(w, r, true)
}

func (api *httpAPI) turnOff(w http.ResponseWriter, r *http.Request) {
	api.runService(w, r, false)
}

func (api *httpAPI) runService(w http.ResponseWriter, r *http.Request, turnOn bool) {
	var body serviceBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}
	if body.EntityID == "" {
		http.Error(w, `{"error":"entity_id is required"}`, http.StatusBadRequest)
		return
	}

	cmd := ServiceCommand{
		TurnOn:   turnOn,
		SwitchID: body.EntityID,
		Reason:   body.Reason,
		Reply:    make(chan error, 1),
	}
	select {
	case api.serviceChan <- cmd:
	case <-r.Context().Done():
		return
	}

	select {
	case err := <-cmd.Reply:
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnprocessableEntity)
			json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	case <-r.Context().Done():
	}
}

func (api *httpAPI) forceBalance(w http.ResponseWriter, r *http.Request) {
	select {
	case api.controlChan <- ControlForceCycle:
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"status":"queued"}`))
	case <-r.Context().Done():
	}
}

// httpWorker serves the status API until the context ends
func httpWorker(
	ctx context.Context,
	addr string,
	store *statusStore,
	serviceChan chan<- ServiceCommand,
	controlChan chan<- ControlCommand,
) {
	api := &httpAPI{store: store, serviceChan: serviceChan, controlChan: controlChan}

	srv := &http.Server{
		Addr:    addr,
		Handler: handlers.LoggingHandler(os.Stdout, newRouter(api)),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Printf("HTTP API listening on %s\n", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Printf("HTTP server error: %v\n", err)
	}
}
