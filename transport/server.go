// Package transport carries chat payloads between peers over HTTPS.
// Each node runs one server for inbound traffic and one client for
// outbound; payload confidentiality comes from the session layer, TLS
// only keeps ciphertext metadata off the local network.
package transport

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/archivist-app/chatcore/wire"
)

// Handler processes inbound chat payloads. Every method runs on a
// request goroutine; implementations serialize internally.
type Handler interface {
	HandleBundleExchange(req wire.BundleRequest) (wire.BundleResponse, error)
	HandleMessage(payload wire.MessagePayload) error
	HandleGroupInvite(payload wire.GroupInvitePayload) error
	HandleGroupMessage(payload wire.GroupMessagePayload) error
	HandleGroupRekey(payload wire.GroupRekeyPayload) error
	HandleAck(payload wire.AckPayload) error
	Health() wire.HealthResponse
}

// Server is the inbound HTTPS endpoint.
type Server struct {
	handler  Handler
	srv      *http.Server
	listener net.Listener
}

// NewServer builds the server with its routes; Start binds the port.
func NewServer(handler Handler, cert tls.Certificate) *Server {
	s := &Server{handler: handler}

	router := mux.NewRouter()
	router.HandleFunc("/chat/health", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/chat/prekey-bundle", s.handleBundle).Methods(http.MethodPost)
	router.HandleFunc("/chat/message", s.handleMessage).Methods(http.MethodPost)
	router.HandleFunc("/chat/group/invite", s.handleGroupInvite).Methods(http.MethodPost)
	router.HandleFunc("/chat/group/message", s.handleGroupMessage).Methods(http.MethodPost)
	router.HandleFunc("/chat/group/rekey", s.handleGroupRekey).Methods(http.MethodPost)
	router.HandleFunc("/chat/ack", s.handleAck).Methods(http.MethodPost)

	s.srv = &http.Server{
		Handler:           router,
		TLSConfig:         &tls.Config{Certificates: []tls.Certificate{cert}},
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start binds addr and serves until Shutdown. Pass port 0 to let the
// kernel pick; Addr reports the bound address.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", addr, err)
	}
	s.listener = listener

	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"address":  listener.Addr().String(),
	}).Info("Chat transport listening")

	go func() {
		if err := s.srv.ServeTLS(listener, "", ""); err != nil && err != http.ErrServerClosed {
			logrus.WithFields(logrus.Fields{
				"function": "Start",
				"error":    err,
			}).Error("Chat transport stopped unexpectedly")
		}
	}()
	return nil
}

// Addr returns the bound listen address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown drains in-flight requests and closes the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.handler.Health())
}

func (s *Server) handleBundle(w http.ResponseWriter, r *http.Request) {
	var req wire.BundleRequest
	if !decodeBody(w, r, &req) {
		return
	}
	resp, err := s.handler.HandleBundleExchange(req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var payload wire.MessagePayload
	if !decodeBody(w, r, &payload) {
		return
	}
	if err := s.handler.HandleMessage(payload); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) handleGroupInvite(w http.ResponseWriter, r *http.Request) {
	var payload wire.GroupInvitePayload
	if !decodeBody(w, r, &payload) {
		return
	}
	if err := s.handler.HandleGroupInvite(payload); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) handleGroupMessage(w http.ResponseWriter, r *http.Request) {
	var payload wire.GroupMessagePayload
	if !decodeBody(w, r, &payload) {
		return
	}
	if err := s.handler.HandleGroupMessage(payload); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) handleGroupRekey(w http.ResponseWriter, r *http.Request) {
	var payload wire.GroupRekeyPayload
	if !decodeBody(w, r, &payload) {
		return
	}
	if err := s.handler.HandleGroupRekey(payload); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	var payload wire.AckPayload
	if !decodeBody(w, r, &payload) {
		return
	}
	if err := s.handler.HandleAck(payload); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, wire.ErrorResponse{Error: "malformed request body"})
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusBadRequest, wire.ErrorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "writeJSON",
			"error":    err,
		}).Error("Failed to encode response")
	}
}
