package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"github.com/miguelosoWA/novabank-demo-sub001/internal/audio"
	"github.com/miguelosoWA/novabank-demo-sub001/internal/config"
	"github.com/miguelosoWA/novabank-demo-sub001/internal/engine"
	"github.com/miguelosoWA/novabank-demo-sub001/internal/metrics"
	"github.com/miguelosoWA/novabank-demo-sub001/internal/schema"
	"github.com/miguelosoWA/novabank-demo-sub001/internal/state"
	"github.com/miguelosoWA/novabank-demo-sub001/internal/transcription"
)

// Transcriber is the batch speech-to-text dependency. Nil when no provider
// credential is configured.
type Transcriber interface {
	Transcribe(ctx context.Context, wavAudio []byte) (*transcription.Result, error)
	GetStats() transcription.ClientStats
}

// RealtimeBroker negotiates ephemeral realtime sessions and opens transcript
// streams.
type RealtimeBroker interface {
	Negotiate(ctx context.Context, voice, instructions string) (*transcription.Session, error)
	Dial(ctx context.Context, session *transcription.Session) (*transcription.Stream, error)
}

// Converser runs one conversation turn.
type Converser interface {
	Turn(ctx context.Context, domainID, utterance string) (*engine.Decision, error)
}

// Server hosts the gateway's HTTP and websocket endpoints.
type Server struct {
	app    *fiber.App
	logger *slog.Logger
	config *config.Config

	transcriber Transcriber
	broker      RealtimeBroker
	engine      Converser
	store       *state.Store
	metrics     *metrics.Metrics
	gatherer    prometheus.Gatherer

	turns     *turnCache
	startTime time.Time
}

// NewServer wires the gateway endpoints onto a fiber app.
func NewServer(cfg *config.Config, transcriber Transcriber, broker RealtimeBroker,
	conv Converser, store *state.Store, m *metrics.Metrics, gatherer prometheus.Gatherer,
	logger *slog.Logger) *Server {

	s := &Server{
		logger:      logger,
		config:      cfg,
		transcriber: transcriber,
		broker:      broker,
		engine:      conv,
		store:       store,
		metrics:     m,
		gatherer:    gatherer,
		turns:       newTurnCache(1024),
		startTime:   time.Now(),
	}

	s.app = fiber.New(fiber.Config{
		AppName:               "novabank-voice-gateway",
		DisableStartupMessage: true,
		ReadTimeout:           30 * time.Second,
		WriteTimeout:          30 * time.Second,
		BodyLimit:             16 * 1024 * 1024, // audio uploads
	})

	s.app.Use(s.withMetrics)
	s.setupRoutes()

	return s
}

// setupRoutes configures the HTTP API routes.
func (s *Server) setupRoutes() {
	s.app.Get("/healthz", s.handleHealth)
	s.app.Get("/v1/stats", s.handleStats)

	s.app.Post("/v1/transcribe", s.handleTranscribe)
	s.app.Post("/v1/voice/session", s.handleVoiceSession)
	s.app.Post("/v1/converse/:domain", s.handleConverse)
	s.app.Post("/v1/converse/:domain/reset", s.handleReset)

	s.setupVoiceStream()

	metricsHandler := fasthttpadaptor.NewFastHTTPHandler(
		promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	s.app.Get("/metrics", func(c *fiber.Ctx) error {
		metricsHandler(c.Context())
		return nil
	})
}

// withMetrics records per-request counters and latency.
func (s *Server) withMetrics(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()

	status := c.Response().StatusCode()
	if err != nil {
		var fe *fiber.Error
		if errors.As(err, &fe) {
			status = fe.Code
		}
	}

	s.metrics.RecordHTTPRequest(c.Method(), c.Route().Path,
		strconv.Itoa(status), time.Since(start).Seconds())
	return err
}

// Listen starts serving on the configured address.
func (s *Server) Listen() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Address, s.config.Server.Port)
	s.logger.Info("starting HTTP server", slog.String("address", addr))
	return s.app.Listen(addr)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("stopping HTTP server")
	return s.app.ShutdownWithContext(ctx)
}

// App exposes the fiber app for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// handleHealth implements GET /healthz.
func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(s.startTime).String(),
		"service": fiber.Map{
			"name":    "novabank-voice-gateway",
			"version": "1.0.0",
		},
	})
}

// handleStats implements GET /v1/stats.
func (s *Server) handleStats(c *fiber.Ctx) error {
	stats := fiber.Map{
		"uptime":        time.Since(s.startTime).String(),
		"timestamp":     time.Now().UTC(),
		"conversations": s.store.Snapshot(),
	}
	if s.transcriber != nil {
		stats["transcription"] = s.transcriber.GetStats()
	}
	return c.JSON(stats)
}

// handleTranscribe implements POST /v1/transcribe. A request without a file
// part is rejected before any upstream call.
func (s *Server) handleTranscribe(c *fiber.Ctx) error {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		return s.respondError(c, &transcription.Error{Reason: transcription.ReasonMissingInput,
			Err: fmt.Errorf("multipart file part is missing: %w", err)})
	}

	file, err := fileHeader.Open()
	if err != nil {
		return s.respondError(c, &transcription.Error{Reason: transcription.ReasonMissingInput, Err: err})
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return s.respondError(c, &transcription.Error{Reason: transcription.ReasonMissingInput, Err: err})
	}

	if !audio.IsWAV(data) {
		// Raw PCM uploads get the container added here.
		data, err = audio.WrapWAV(data, s.config.Audio.SampleRate)
		if err != nil {
			return s.respondError(c, &transcription.Error{Reason: transcription.ReasonMissingInput, Err: err})
		}
	}

	if s.transcriber == nil {
		return s.respondError(c, &transcription.Error{Reason: transcription.ReasonAuth,
			Err: fmt.Errorf("batch transcription is not configured")})
	}

	start := time.Now()
	result, err := s.transcriber.Transcribe(c.Context(), data)
	if err != nil {
		reason := "unknown"
		if te, ok := transcription.AsError(err); ok {
			reason = string(te.Reason)
		}
		s.metrics.RecordTranscription("batch", time.Since(start).Seconds(), reason)
		return s.respondError(c, err)
	}
	s.metrics.RecordTranscription("batch", time.Since(start).Seconds(), "")

	return c.JSON(result)
}

type voiceSessionRequest struct {
	Voice        string `json:"voice"`
	Instructions string `json:"instructions"`
}

// handleVoiceSession implements POST /v1/voice/session.
func (s *Server) handleVoiceSession(c *fiber.Ctx) error {
	var req voiceSessionRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "malformed request body",
			})
		}
	}
	if req.Voice == "" {
		req.Voice = s.config.Realtime.Voice
	}

	session, err := s.broker.Negotiate(c.Context(), req.Voice, req.Instructions)
	if err != nil {
		return s.respondError(c, err)
	}
	s.metrics.RecordRealtimeSession()

	return c.JSON(session)
}

type converseRequest struct {
	Utterance string `json:"utterance"`
	TurnID    string `json:"turnId"`
}

type converseResponse struct {
	TurnID   string         `json:"turnId"`
	Domain   string         `json:"domain"`
	Page     string         `json:"page"`
	Fields   map[string]any `json:"fields"`
	Response string         `json:"response"`
	Reset    bool           `json:"reset"`
}

// handleConverse implements POST /v1/converse/:domain. Turns are de-duplicated
// by turnId: a retried request returns the cached decision without running a
// second merge.
func (s *Server) handleConverse(c *fiber.Ctx) error {
	domainID := c.Params("domain")

	var req converseRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "malformed request body",
		})
	}
	if req.Utterance == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "utterance cannot be empty",
		})
	}
	if req.TurnID == "" {
		req.TurnID = uuid.NewString()
	}

	cacheKey := domainID + "/" + req.TurnID
	if cached, ok := s.turns.get(cacheKey); ok {
		return c.JSON(cached)
	}

	start := time.Now()
	decision, err := s.engine.Turn(c.Context(), domainID, req.Utterance)
	if err != nil {
		outcome := "error"
		if ee, ok := engine.AsExtractionError(err); ok {
			outcome = string(ee.Reason)
		}
		s.metrics.RecordTurn(domainID, outcome, time.Since(start).Seconds())
		return s.respondError(c, err)
	}
	s.metrics.RecordTurn(domainID, "ok", time.Since(start).Seconds())
	if decision.Reset {
		s.metrics.RecordStateReset(domainID)
	}

	resp := converseResponse{
		TurnID:   req.TurnID,
		Domain:   domainID,
		Page:     decision.Page,
		Fields:   decision.Fields,
		Response: decision.Response,
		Reset:    decision.Reset,
	}
	s.turns.put(cacheKey, resp)

	return c.JSON(resp)
}

// handleReset implements POST /v1/converse/:domain/reset.
func (s *Server) handleReset(c *fiber.Ctx) error {
	domainID := c.Params("domain")

	if err := s.store.Reset(domainID); err != nil {
		return s.respondError(c, err)
	}
	s.metrics.RecordStateReset(domainID)

	conv, err := s.store.Get(domainID)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"domain": domainID,
		"fields": conv.Fields,
	})
}

// respondError maps an internal error onto the HTTP error envelope. Internal
// diagnostics are logged; the client gets a sanitized message.
func (s *Server) respondError(c *fiber.Ctx, err error) error {
	status := fiber.StatusBadGateway
	message := "upstream service failure"

	switch {
	case errors.Is(err, schema.ErrSchemaNotFound):
		status = fiber.StatusInternalServerError
		message = "unknown conversation domain"

	default:
		if te, ok := transcription.AsError(err); ok {
			switch te.Reason {
			case transcription.ReasonMissingInput:
				status = fiber.StatusBadRequest
				message = "no audio supplied"
			case transcription.ReasonAuth:
				if te.Status > 0 {
					status = fiber.StatusUnauthorized
					message = "speech provider rejected the credential"
				} else {
					status = fiber.StatusInternalServerError
					message = "speech provider credential is not configured"
				}
			case transcription.ReasonRateLimited:
				status = fiber.StatusTooManyRequests
				message = "speech provider is throttling requests"
			default:
				status = fiber.StatusBadGateway
				message = "speech provider failure"
			}
		} else if ee, ok := engine.AsExtractionError(err); ok {
			switch ee.Reason {
			case engine.ReasonAuth:
				status = fiber.StatusUnauthorized
				message = "language model rejected the credential"
			case engine.ReasonRateLimited:
				status = fiber.StatusTooManyRequests
				message = "language model is throttling requests"
			case engine.ReasonTimeout:
				status = fiber.StatusGatewayTimeout
				message = "language model did not answer in time"
			default:
				status = fiber.StatusBadGateway
				message = "language model failure"
			}
		}
	}

	s.logger.Error("request failed",
		slog.String("path", c.Path()),
		slog.Int("status", status),
		slog.String("error", err.Error()),
	)

	return c.Status(status).JSON(fiber.Map{"error": message})
}

// turnCache remembers recent turn decisions by id so client retries do not run
// a second merge. Bounded; the oldest entry is evicted first.
type turnCache struct {
	mu      sync.Mutex
	limit   int
	entries map[string]converseResponse
	order   []string
}

func newTurnCache(limit int) *turnCache {
	return &turnCache{
		limit:   limit,
		entries: make(map[string]converseResponse, limit),
	}
}

func (t *turnCache) get(key string) (converseResponse, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	resp, ok := t.entries[key]
	return resp, ok
}

func (t *turnCache) put(key string, resp converseResponse) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.entries[key]; !ok {
		t.order = append(t.order, key)
		if len(t.order) > t.limit {
			delete(t.entries, t.order[0])
			t.order = t.order[1:]
		}
	}
	t.entries[key] = resp
}
