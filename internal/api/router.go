package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/nerrad567/robot-starter/internal/auth"
	"github.com/nerrad567/robot-starter/internal/command"
	"github.com/nerrad567/robot-starter/internal/round"
)

// healthCheckTimeout bounds each dependency probe in the health endpoint.
const healthCheckTimeout = 2 * time.Second

// sourceHTTP names the HTTP API in command acknowledgements.
const sourceHTTP = "http"

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID, echoRequestID)
	r.Use(s.logRequests)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(middleware.RequestSize(maxRequestBodySize))

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		// Health check (no auth required)
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.With(s.requirePermission(auth.PermRoundRead)).Get("/ws", s.handleWebSocket)

			r.Route("/round", func(r chi.Router) {
				r.With(s.requirePermission(auth.PermRoundRead)).Get("/", s.handleGetRound)
				r.With(s.requirePermission(auth.PermRoundControl)).Post("/start", s.handleStart)
				r.With(s.requirePermission(auth.PermRoundControl)).Post("/stop", s.handleStop)
				r.With(s.requirePermission(auth.PermCodeUpload)).Post("/upload", s.handleUpload)
			})

			// Raw protocol messages, identical to what the pipe and MQTT
			// channels accept.
			r.With(s.requirePermission(auth.PermCodeUpload)).Post("/commands", s.handleRawCommand)
		})
	})

	return r
}

// healthResponse is returned by GET /api/v1/health.
type healthResponse struct {
	Status        string            `json:"status"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	State         round.State       `json:"state"`
	WSClients     int               `json:"ws_clients"`
	Components    map[string]string `json:"components,omitempty"`
}

// handleHealth returns the server health status. Dependency failures
// degrade the status but never fail the request.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:        "ok",
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		State:         s.status.Status().State,
		WSClients:     s.hub.ClientCount(),
	}

	if len(s.checks) > 0 {
		resp.Components = make(map[string]string, len(s.checks))
		for name, check := range s.checks {
			ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
			err := check.HealthCheck(ctx)
			cancel()
			if err != nil {
				resp.Components[name] = err.Error()
				resp.Status = "degraded"
				continue
			}
			resp.Components[name] = "ok"
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleGetRound returns the supervisor status snapshot.
func (s *Server) handleGetRound(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.status.Status())
}

// startRequest is the body of POST /api/v1/round/start.
type startRequest struct {
	Mode string          `json:"mode"`
	Zone json.RawMessage `json:"zone"`
}

// handleStart forwards a start command. The body is re-encoded as a
// protocol message so that zone parsing matches the other channels.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	params, err := json.Marshal(req)
	if err != nil {
		writeBadRequest(w, "invalid start parameters")
		return
	}
	raw, err := json.Marshal(command.Message{Request: string(command.KindStart), Params: params})
	if err != nil {
		writeInternalError(w, "encoding command")
		return
	}
	s.submitRaw(w, r, raw)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.submitCommand(w, r, command.Command{Kind: command.KindStop})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	s.submitCommand(w, r, command.Command{Kind: command.KindUpload})
}

// handleRawCommand accepts a protocol message body as-is.
func (s *Server) handleRawCommand(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeBadRequest(w, "reading body: "+err.Error())
		return
	}
	s.submitRaw(w, r, raw)
}

func (s *Server) submitCommand(w http.ResponseWriter, r *http.Request, cmd command.Command) {
	ack, err := s.commands.SubmitCommand(r.Context(), s.source(r), cmd)
	s.writeAck(w, ack, err)
}

func (s *Server) submitRaw(w http.ResponseWriter, r *http.Request, raw []byte) {
	ack, err := s.commands.Submit(r.Context(), s.source(r), raw)
	s.writeAck(w, ack, err)
}

// writeAck maps a dispatcher result to a response. Every handled command
// is a 200 carrying its ack; only transport failures are errors.
func (s *Server) writeAck(w http.ResponseWriter, ack command.Ack, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, ack)
	case errors.Is(err, command.ErrDispatcherStopped):
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "supervisor is shutting down")
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		writeError(w, http.StatusGatewayTimeout, ErrCodeTimeout, "command did not complete in time")
	default:
		s.logger.Error("command submission failed", "error", err)
		writeInternalError(w, "command submission failed")
	}
}

// source identifies the caller in acks: "http" or "http:<subject>".
func (s *Server) source(r *http.Request) string {
	if claims := claimsFromContext(r.Context()); claims != nil {
		return sourceHTTP + ":" + claims.Subject
	}
	return sourceHTTP
}
