// Package rpc exposes the cluster control surface over HTTP JSON, and
// ingests the tick and process event streams of the local supervisors.
package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/supvisors/supvisors/internal/core"
	"github.com/supvisors/supvisors/internal/model"
	"github.com/supvisors/supvisors/pkg/errors"
	"github.com/supvisors/supvisors/pkg/types"
)

// ServerConfig configures the RPC server.
type ServerConfig struct {
	// Address to bind the server to (e.g. ":60000").
	Address string `yaml:"address"`

	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// DefaultServerConfig returns default server configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:      ":60000",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 65 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Server serves the cluster RPC facade.
type Server struct {
	logger     zerolog.Logger
	httpServer *http.Server
	core       *core.Server
	config     ServerConfig
}

// NewServer wires the facade onto a core server.
func NewServer(config ServerConfig, coreServer *core.Server, logger zerolog.Logger) *Server {
	s := &Server{
		logger: logger.With().Str("component", "rpc").Logger(),
		core:   coreServer,
		config: config,
	}

	mux := http.NewServeMux()

	// Status surface
	mux.HandleFunc("/api/version", s.handleVersion)
	mux.HandleFunc("/api/supvisors_state", s.handleSupvisorsState)
	mux.HandleFunc("/api/master_address", s.handleMasterAddress)
	mux.HandleFunc("/api/addresses", s.handleAddresses)
	mux.HandleFunc("/api/addresses/", s.handleAddress)
	mux.HandleFunc("/api/applications", s.handleApplications)
	mux.HandleFunc("/api/applications/", s.handleApplication)
	mux.HandleFunc("/api/processes", s.handleProcesses)
	mux.HandleFunc("/api/processes/", s.handleProcess)
	mux.HandleFunc("/api/process_rules/", s.handleProcessRules)
	mux.HandleFunc("/api/conflicts", s.handleConflicts)

	// Command surface
	mux.HandleFunc("/api/start_application", s.handleStartApplication)
	mux.HandleFunc("/api/stop_application", s.handleStopApplication)
	mux.HandleFunc("/api/restart_application", s.handleRestartApplication)
	mux.HandleFunc("/api/start_process", s.handleStartProcess)
	mux.HandleFunc("/api/start_args", s.handleStartArgs)
	mux.HandleFunc("/api/stop_process", s.handleStopProcess)
	mux.HandleFunc("/api/restart_process", s.handleRestartProcess)
	mux.HandleFunc("/api/restart", s.handleRestart)
	mux.HandleFunc("/api/shutdown", s.handleShutdown)

	// Event ingestion from the local supervisors
	mux.HandleFunc("/events/tick", s.handleTick)
	mux.HandleFunc("/events/process", s.handleProcessEvent)

	s.httpServer = &http.Server{
		Addr:         config.Address,
		Handler:      s.loggingMiddleware(mux),
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}
	return s
}

// Handler exposes the routed handler, e.g. to serve on a shared listener.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves until Shutdown.
func (s *Server) Start() error {
	s.logger.Info().Str("address", s.config.Address).Msg("starting RPC server")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully shuts the server down.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("shutting down RPC server")
	return s.httpServer.Shutdown(ctx)
}

// Status handlers

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if !s.requireGet(w, r) {
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"version": s.core.GetAPIVersion()})
}

func (s *Server) handleSupvisorsState(w http.ResponseWriter, r *http.Request) {
	if !s.requireGet(w, r) {
		return
	}
	payload, err := s.core.GetSupvisorsState()
	s.respond(w, payload, err)
}

func (s *Server) handleMasterAddress(w http.ResponseWriter, r *http.Request) {
	if !s.requireGet(w, r) {
		return
	}
	master, err := s.core.GetMasterAddress()
	s.respond(w, map[string]string{"master_address": master}, err)
}

func (s *Server) handleAddresses(w http.ResponseWriter, r *http.Request) {
	if !s.requireGet(w, r) {
		return
	}
	payloads, err := s.core.GetAllAddressesInfo()
	s.respond(w, payloads, err)
}

func (s *Server) handleAddress(w http.ResponseWriter, r *http.Request) {
	if !s.requireGet(w, r) {
		return
	}
	payload, err := s.core.GetAddressInfo(pathTail(r, "/api/addresses/"))
	s.respond(w, payload, err)
}

func (s *Server) handleApplications(w http.ResponseWriter, r *http.Request) {
	if !s.requireGet(w, r) {
		return
	}
	payloads, err := s.core.GetAllApplicationsInfo()
	s.respond(w, payloads, err)
}

func (s *Server) handleApplication(w http.ResponseWriter, r *http.Request) {
	if !s.requireGet(w, r) {
		return
	}
	payload, err := s.core.GetApplicationInfo(pathTail(r, "/api/applications/"))
	s.respond(w, payload, err)
}

func (s *Server) handleProcesses(w http.ResponseWriter, r *http.Request) {
	if !s.requireGet(w, r) {
		return
	}
	payloads, err := s.core.GetAllProcessInfo()
	s.respond(w, payloads, err)
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	if !s.requireGet(w, r) {
		return
	}
	payloads, err := s.core.GetProcessInfo(pathTail(r, "/api/processes/"))
	s.respond(w, payloads, err)
}

func (s *Server) handleProcessRules(w http.ResponseWriter, r *http.Request) {
	if !s.requireGet(w, r) {
		return
	}
	payloads, err := s.core.GetProcessRules(pathTail(r, "/api/process_rules/"))
	s.respond(w, payloads, err)
}

func (s *Server) handleConflicts(w http.ResponseWriter, r *http.Request) {
	if !s.requireGet(w, r) {
		return
	}
	payloads, err := s.core.GetConflicts()
	s.respond(w, payloads, err)
}

// Command handlers

type applicationRequest struct {
	Strategy        string `json:"strategy"`
	ApplicationName string `json:"application_name"`
	Wait            bool   `json:"wait"`
}

type processRequest struct {
	Strategy  string `json:"strategy"`
	Namespec  string `json:"namespec"`
	ExtraArgs string `json:"extra_args"`
	Wait      bool   `json:"wait"`
}

func (s *Server) handleStartApplication(w http.ResponseWriter, r *http.Request) {
	var request applicationRequest
	if !s.decode(w, r, &request) {
		return
	}
	strategyChoice, ok := s.parseStrategy(w, request.Strategy)
	if !ok {
		return
	}
	d, err := s.core.StartApplication(strategyChoice, request.ApplicationName)
	s.respondDeferred(w, r, d, err, request.Wait)
}

func (s *Server) handleStopApplication(w http.ResponseWriter, r *http.Request) {
	var request applicationRequest
	if !s.decode(w, r, &request) {
		return
	}
	d, err := s.core.StopApplication(request.ApplicationName)
	s.respondDeferred(w, r, d, err, request.Wait)
}

func (s *Server) handleRestartApplication(w http.ResponseWriter, r *http.Request) {
	var request applicationRequest
	if !s.decode(w, r, &request) {
		return
	}
	strategyChoice, ok := s.parseStrategy(w, request.Strategy)
	if !ok {
		return
	}
	d, err := s.core.RestartApplication(strategyChoice, request.ApplicationName)
	s.respondDeferred(w, r, d, err, request.Wait)
}

func (s *Server) handleStartProcess(w http.ResponseWriter, r *http.Request) {
	var request processRequest
	if !s.decode(w, r, &request) {
		return
	}
	strategyChoice, ok := s.parseStrategy(w, request.Strategy)
	if !ok {
		return
	}
	d, err := s.core.StartProcess(strategyChoice, request.Namespec, request.ExtraArgs)
	s.respondDeferred(w, r, d, err, request.Wait)
}

func (s *Server) handleStartArgs(w http.ResponseWriter, r *http.Request) {
	var request processRequest
	if !s.decode(w, r, &request) {
		return
	}
	d, err := s.core.StartArgs(request.Namespec, request.ExtraArgs)
	s.respondDeferred(w, r, d, err, request.Wait)
}

func (s *Server) handleStopProcess(w http.ResponseWriter, r *http.Request) {
	var request processRequest
	if !s.decode(w, r, &request) {
		return
	}
	d, err := s.core.StopProcess(request.Namespec)
	s.respondDeferred(w, r, d, err, request.Wait)
}

func (s *Server) handleRestartProcess(w http.ResponseWriter, r *http.Request) {
	var request processRequest
	if !s.decode(w, r, &request) {
		return
	}
	strategyChoice, ok := s.parseStrategy(w, request.Strategy)
	if !ok {
		return
	}
	d, err := s.core.RestartProcess(strategyChoice, request.Namespec, request.ExtraArgs)
	s.respondDeferred(w, r, d, err, request.Wait)
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	if !s.requirePost(w, r) {
		return
	}
	s.respond(w, map[string]bool{"success": true}, s.core.Restart())
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if !s.requirePost(w, r) {
		return
	}
	s.respond(w, map[string]bool{"success": true}, s.core.Shutdown())
}

// Event ingestion handlers

type tickRequest struct {
	Address    string `json:"address"`
	RemoteTime int64  `json:"remote_time"`
}

func (s *Server) handleTick(w http.ResponseWriter, r *http.Request) {
	var request tickRequest
	if !s.decode(w, r, &request) {
		return
	}
	s.core.SubmitTick(request.Address, time.Unix(request.RemoteTime, 0))
	s.respondJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleProcessEvent(w http.ResponseWriter, r *http.Request) {
	var event model.ProcessEvent
	if !s.decode(w, r, &event) {
		return
	}
	s.core.SubmitProcessEvent(event)
	s.respondJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// helpers

func (s *Server) parseStrategy(w http.ResponseWriter, name string) (types.StartingStrategy, bool) {
	strategyChoice, err := types.ParseStartingStrategy(name)
	if err != nil {
		s.respondError(w, errors.NewError(errors.ErrCodeBadStrategy, err.Error()).WithComponent("rpc"))
		return 0, false
	}
	return strategyChoice, true
}

// respondDeferred implements the wait flag: waiting callers block until the
// command terminates; others get an immediate acknowledgement.
func (s *Server) respondDeferred(w http.ResponseWriter, r *http.Request, d *core.Deferred, err error, wait bool) {
	if err != nil {
		s.respondError(w, err)
		return
	}
	if !wait {
		s.respondJSON(w, http.StatusOK, map[string]bool{"success": true})
		return
	}
	if err := d.Wait(r.Context()); err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) respond(w http.ResponseWriter, payload interface{}, err error) {
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, payload)
}

func (s *Server) respondError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	body := map[string]interface{}{"message": err.Error()}
	if supErr, ok := err.(*errors.SupvisorsError); ok {
		status = errors.GetDefaultHTTPStatus(supErr.Code)
		body["code"] = supErr.Code
		body["wire_code"] = supErr.WireCode
	}
	s.respondJSON(w, status, body)
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn().Err(err).Msg("failed to encode response")
	}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	if !s.requirePost(w, r) {
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(target); err != nil {
		s.respondError(w, errors.NewError(errors.ErrCodeBadName, "malformed request body").WithComponent("rpc"))
		return false
	}
	return true
}

func (s *Server) requireGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		s.respondJSON(w, http.StatusMethodNotAllowed, map[string]string{"message": "method not allowed"})
		return false
	}
	return true
}

func (s *Server) requirePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		s.respondJSON(w, http.StatusMethodNotAllowed, map[string]string{"message": "method not allowed"})
		return false
	}
	return true
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug().Str("method", r.Method).Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).Msg("request served")
	})
}

func pathTail(r *http.Request, prefix string) string {
	return strings.TrimPrefix(r.URL.Path, prefix)
}
