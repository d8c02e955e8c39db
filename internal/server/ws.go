package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/miguelosoWA/novabank-demo-sub001/internal/audio"
	"github.com/miguelosoWA/novabank-demo-sub001/internal/transcription"
)

// transcriptStream is the inbound half of a realtime channel, satisfied by
// *transcription.Stream.
type transcriptStream interface {
	Partials() <-chan transcription.PartialTranscript
	Finals() <-chan transcription.FinalTranscript
}

// wsServerEvent is an outgoing websocket event: transcript fragments, turn
// decisions, and errors.
type wsServerEvent struct {
	Type     string            `json:"type"`
	Text     string            `json:"text,omitempty"`
	Turn     uint64            `json:"turn,omitempty"`
	Error    string            `json:"error,omitempty"`
	Decision *converseResponse `json:"decision,omitempty"`
}

// wsClientEvent is an incoming text control event. Binary messages carry raw
// PCM16 audio and bypass this shape.
type wsClientEvent struct {
	Type string `json:"type"` // "commit" or "cancel"
}

// setupVoiceStream mounts the voice websocket with the upgrade guard.
func (s *Server) setupVoiceStream() {
	s.app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	s.app.Get("/ws/voice", websocket.New(s.handleVoiceStream))
}

// handleVoiceStream runs one voice session: binary frames from the client are
// framed and pushed into the realtime transcription channel; partial and final
// transcripts stream back as text events. When a conversation domain is bound
// via the domain query parameter, each final transcript also runs a
// conversation turn and the decision is sent to the client.
func (s *Server) handleVoiceStream(conn *websocket.Conn) {
	defer conn.Close()

	s.metrics.ActiveVoiceStreams.Inc()
	defer s.metrics.ActiveVoiceStreams.Dec()

	domainID := conn.Query("domain")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var writeMu sync.Mutex
	writeEvent := func(ev wsServerEvent) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := conn.WriteJSON(ev); err != nil {
			cancel()
		}
	}

	session, err := s.broker.Negotiate(ctx, s.config.Realtime.Voice, "")
	if err != nil {
		s.logger.Error("realtime session negotiation failed", slog.String("error", err.Error()))
		writeEvent(wsServerEvent{Type: "error", Error: "could not open a voice session"})
		return
	}
	s.metrics.RecordRealtimeSession()

	stream, err := s.broker.Dial(ctx, session)
	if err != nil {
		s.logger.Error("realtime dial failed", slog.String("error", err.Error()))
		writeEvent(wsServerEvent{Type: "error", Error: "could not open the voice channel"})
		return
	}
	defer stream.Close()

	frameBuffer, err := audio.NewFrameBuffer(s.config.Audio.FrameSize)
	if err != nil {
		s.logger.Error("invalid frame size", slog.String("error", err.Error()))
		writeEvent(wsServerEvent{Type: "error", Error: "audio pipeline misconfigured"})
		return
	}

	frames := make(chan []float32, 32)
	frameBuffer.SetConsumer(frames)

	// The frame channel is the only path between capture and the realtime
	// channel. Frame delivery never blocks the websocket read loop.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case frame := <-frames:
				if err := stream.SendAudio(audio.EncodePCM16(frame)); err != nil {
					s.logger.Warn("failed to push audio frame", slog.String("error", err.Error()))
					cancel()
					return
				}
				s.metrics.RecordFrameEmitted()
			}
		}
	}()

	go s.forwardTranscripts(ctx, cancel, stream, domainID, writeEvent)

	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			break
		}

		select {
		case <-ctx.Done():
			// Upstream failed mid-session; stop consuming client audio.
			return
		default:
		}

		switch messageType {
		case websocket.BinaryMessage:
			s.metrics.RecordAudioBytes(len(payload))
			samples, err := audio.DecodePCM16(payload)
			if err != nil {
				writeEvent(wsServerEvent{Type: "error", Error: "binary frames must be 16-bit PCM"})
				continue
			}
			frameBuffer.Write(samples)

		case websocket.TextMessage:
			var ev wsClientEvent
			if err := json.Unmarshal(payload, &ev); err != nil {
				continue
			}
			switch ev.Type {
			case "commit":
				frameBuffer.Flush()
				if _, err := stream.CommitTurn(); err != nil {
					s.logger.Warn("failed to commit turn", slog.String("error", err.Error()))
				}
			case "cancel":
				stream.CancelPending()
				s.metrics.RecordTurnCancelled()
			}
		}
	}

	stats := frameBuffer.GetStats()
	s.metrics.FramesDropped.Add(float64(stats.Dropped))
	s.logger.Info("voice stream closed",
		slog.Uint64("frames_emitted", stats.Emitted),
		slog.Uint64("frames_dropped", stats.Dropped),
	)
}

// forwardTranscripts relays partial and final transcripts to the client. A
// final transcript also runs a conversation turn when a domain is bound.
func (s *Server) forwardTranscripts(ctx context.Context, cancel context.CancelFunc,
	stream transcriptStream, domainID string, writeEvent func(wsServerEvent)) {

	for {
		select {
		case <-ctx.Done():
			return

		case partial, ok := <-stream.Partials():
			if !ok {
				return
			}
			writeEvent(wsServerEvent{Type: "partial", Text: partial.Text, Turn: partial.Turn})

		case final, ok := <-stream.Finals():
			if !ok {
				cancel()
				return
			}
			writeEvent(wsServerEvent{Type: "final", Text: final.Text, Turn: final.Turn})

			if domainID == "" || final.Text == "" {
				continue
			}
			decision, err := s.engine.Turn(ctx, domainID, final.Text)
			if err != nil {
				s.logger.Error("voice turn failed",
					slog.String("domain", domainID),
					slog.String("error", err.Error()),
				)
				writeEvent(wsServerEvent{Type: "error", Error: "could not process the utterance"})
				continue
			}
			writeEvent(wsServerEvent{Type: "decision", Decision: &converseResponse{
				Domain:   domainID,
				Page:     decision.Page,
				Fields:   decision.Fields,
				Response: decision.Response,
				Reset:    decision.Reset,
			}})
		}
	}
}
