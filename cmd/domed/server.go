package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/w1xm/dome_interface/dome"
	"github.com/w1xm/dome_interface/internal/metrics"
)

// Controller is the operator surface of *dome.Controller.
type Controller interface {
	CommandShutter(ctx context.Context, open bool) error
	ForceHome(ctx context.Context) error
}

type Server struct {
	c   Controller
	log *slog.Logger

	statusMu   sync.RWMutex
	statusCond *sync.Cond
	status     dome.Status
	// seq counts status updates so websocket writers can tell new ones.
	seq uint64
}

func NewServer(c Controller, logger *slog.Logger) *Server {
	s := &Server{c: c, log: logger}
	s.statusCond = sync.NewCond(s.statusMu.RLocker())
	return s
}

func (s *Server) Router(gatherer prometheus.Gatherer) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/status", s.StatusHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/shutter/{action:open|close}", s.ShutterHandler).Methods(http.MethodPost)
	r.HandleFunc("/api/home", s.HomeHandler).Methods(http.MethodPost)
	r.HandleFunc("/api/ws", s.StatusSocketHandler)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return r
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (s *Server) StatusHandler(w http.ResponseWriter, r *http.Request) {
	s.statusMu.RLock()
	status := s.status
	s.statusMu.RUnlock()
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) ShutterHandler(w http.ResponseWriter, r *http.Request) {
	open := mux.Vars(r)["action"] == "open"
	s.reply(w, s.c.CommandShutter(r.Context(), open))
}

func (s *Server) HomeHandler(w http.ResponseWriter, r *http.Request) {
	s.reply(w, s.c.ForceHome(r.Context()))
}

func (s *Server) reply(w http.ResponseWriter, err error) {
	if err != nil {
		s.log.Warn("operator command failed", "error", err)
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"result": "queued"})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		s.log.Error("encoding response", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(data)
}

type Command struct {
	Command string `json:"command"`
}

func (s *Server) command(ctx context.Context, msg Command) error {
	switch msg.Command {
	case "open_shutter":
		return s.c.CommandShutter(ctx, true)
	case "close_shutter":
		return s.c.CommandShutter(ctx, false)
	case "home":
		return s.c.ForceHome(ctx)
	}
	s.log.Warn("unknown websocket command", "command", msg.Command)
	return nil
}

func (s *Server) StatusSocketHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade", "error", err)
		return
	}
	defer conn.Close()
	// Clear the server's ReadTimeout, which outlives the hijack.
	conn.SetReadDeadline(time.Time{})

	// Read and process incoming messages
	go func() {
		defer cancel()
		for {
			var msg Command
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if err := s.command(ctx, msg); err != nil {
				s.log.Warn("websocket command failed", "command", msg.Command, "error", err)
			}
		}
	}()

	// Wake the writer when the connection goes away.
	go func() {
		<-ctx.Done()
		s.statusMu.Lock()
		s.statusCond.Broadcast()
		s.statusMu.Unlock()
	}()

	s.statusMu.RLock()
	for {
		status, seq := s.status, s.seq
		s.statusMu.RUnlock()
		if err := s.send(conn, status); err != nil {
			s.log.Debug("websocket closed", "remote", r.RemoteAddr, "error", err)
			return
		}
		s.statusMu.RLock()
		for s.seq == seq && ctx.Err() == nil {
			s.statusCond.Wait()
		}
		if ctx.Err() != nil {
			s.statusMu.RUnlock()
			return
		}
	}
}

func (s *Server) send(conn *websocket.Conn, status dome.Status) error {
	data, err := json.Marshal(status)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Server) statusCallback(status dome.Status) {
	metrics.ObserveStatus(status)
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	s.status = status
	s.seq++
	s.statusCond.Broadcast()
}
