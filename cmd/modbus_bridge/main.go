// Command modbus_bridge exposes a local Modbus RTU port over HTTP so that
// domed can reach a relay module plugged into another machine. Point the
// daemon's relay.url at http://<addr>/api/send.
package main

import (
	"encoding/json"
	"flag"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/goburrow/modbus"
	"github.com/gorilla/mux"

	"github.com/w1xm/dome_interface/internal/modbus/modbushttp"
)

var (
	addr       = flag.String("addr", "127.0.0.1:8503", "address to listen on")
	password   = flag.String("password", "", "password to require on remote connections")
	serialPort = flag.String("serial", "", "relay module serial port name")
	baud       = flag.Int("baud", 9600, "relay module baud rate")
)

// Transporter sends one ADU and returns the reply. *modbus.RTUClientHandler
// implements it.
type Transporter interface {
	Send(aduRequest []byte) (aduResponse []byte, err error)
}

type Server struct {
	// The serial line carries one transaction at a time.
	mu        sync.Mutex
	transport Transporter
	password  string
	log       *slog.Logger
}

func NewRTUHandler(port string, baud int) *modbus.RTUClientHandler {
	handler := modbus.NewRTUClientHandler(port)
	handler.BaudRate = baud
	handler.DataBits = 8
	handler.Parity = "N"
	handler.StopBits = 1
	handler.Timeout = 1 * time.Second
	handler.SlaveId = 1
	return handler
}

func (s *Server) SendHandler(w http.ResponseWriter, r *http.Request) {
	_, pass, ok := r.BasicAuth()
	if s.password != "" && (!ok || pass != s.password) {
		http.Error(w, "wrong password", http.StatusUnauthorized)
		return
	}
	err := func() error {
		aduRequest, err := io.ReadAll(r.Body)
		if err != nil {
			return err
		}
		s.mu.Lock()
		aduResponse, err := s.transport.Send(aduRequest)
		s.mu.Unlock()
		var errString string
		if err != nil {
			errString = err.Error()
		}
		body, err := json.Marshal(&modbushttp.SendResponse{
			ADUResponse: aduResponse,
			Error:       errString,
		})
		if err != nil {
			return err
		}
		w.Header().Set("Content-Type", "application/json")
		_, err = w.Write(body)
		return err
	}()
	if err != nil {
		s.log.Error("send handler", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/send", s.SendHandler).Methods(http.MethodPost)
	return r
}

func main() {
	flag.Parse()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	handler := NewRTUHandler(*serialPort, *baud)
	if err := handler.Connect(); err != nil {
		logger.Error("opening serial port", "port", *serialPort, "error", err)
		os.Exit(1)
	}
	defer handler.Close()
	server := &Server{transport: handler, password: *password, log: logger}
	srv := &http.Server{
		Handler:      server.Router(),
		Addr:         *addr,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	logger.Info("listening", "addr", srv.Addr, "serial", *serialPort)
	if err := srv.ListenAndServe(); err != nil {
		logger.Error("http server", "error", err)
		os.Exit(1)
	}
}
