// Package server exposes the connection status feed to presentation
// clients: a websocket push channel plus a small HTTP surface for the
// status snapshot and the locate action.
package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/lumaring/ring"
	"github.com/lumaring/ring/command"
	"github.com/lumaring/ring/manager"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Status is the read-only tuple pushed to presentation clients.
type Status struct {
	State      string `json:"state"`
	Attempt    int    `json:"attempt,omitempty"`
	DeviceID   string `json:"device_id,omitempty"`
	DeviceName string `json:"device_name,omitempty"`
	MTU        int    `json:"mtu,omitempty"`
	Battery    *int   `json:"battery_level,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Server bridges the connection manager to websocket/HTTP clients. It
// is a read-only observer plus one forwarded action (locate).
type Server struct {
	mgr    *manager.Manager
	hub    *Hub
	log    ring.Logger
	http   *http.Server
	events chan Event
}

func New(mgr *manager.Manager, listen string) *Server {
	s := &Server{
		mgr:    mgr,
		hub:    NewHub(),
		log:    ring.GetLogger().ChildLogger(map[string]interface{}{"component": "server"}),
		events: make(chan Event, 64),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/locate", s.handleLocate)
	s.http = &http.Server{Addr: listen, Handler: mux}

	// One broadcaster goroutine keeps feed delivery in transition
	// order without letting a slow client stall the state machine.
	go func() {
		for ev := range s.events {
			s.hub.Broadcast(ev)
		}
	}()

	mgr.Subscribe(func(st ring.State) {
		ev := Event{Type: "connection_state", Payload: s.statusFor(st)}
		select {
		case s.events <- ev:
		default:
			s.log.Warn("status feed backlog full, dropping event")
		}
	})

	return s
}

// Run serves until the listener closes.
func (s *Server) Run() error {
	s.log.Infof("status feed listening on %s", s.http.Addr)
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Close stops the HTTP server and disconnects all feed clients.
func (s *Server) Close() error {
	return s.http.Close()
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

func (s *Server) statusFor(st ring.State) Status {
	out := Status{State: st.Kind.String()}

	switch st.Kind {
	case ring.StateConnected:
		if st.Device.Addr != nil {
			out.DeviceID = st.Device.Addr.String()
		}
		out.DeviceName = st.Device.Name
		out.MTU = st.MTU
	case ring.StateReconnecting:
		out.Attempt = st.Attempt
	case ring.StateError:
		if st.Err != nil {
			out.Error = st.Err.Error()
		}
	}

	if b := s.mgr.BatteryLevel(); b >= 0 {
		out.Battery = &b
	}
	return out
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnf("websocket upgrade: %v", err)
		return
	}

	// Seed the new client with the current snapshot before it joins
	// the hub, so the seed never races a broadcast write.
	conn.WriteJSON(Event{Type: "connection_state", Payload: s.statusFor(s.mgr.State())})

	s.hub.AddClient(conn)

	go func() {
		defer s.hub.RemoveClient(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.statusFor(s.mgr.State()))
}

func (s *Server) handleLocate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := command.Locate(s.mgr); err != nil {
		if errors.Is(err, ring.ErrNotConnected) {
			http.Error(w, "device not connected", http.StatusConflict)
			return
		}
		s.log.Errorf("locate: %v", err)
		http.Error(w, "connection failed, retry", http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
