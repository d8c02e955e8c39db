package transcription

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// BrokerConfig contains realtime session broker configuration.
type BrokerConfig struct {
	SessionEndpoint string // HTTP endpoint that mints ephemeral sessions
	RealtimeURL     string // websocket endpoint opened with the ephemeral token
	APIKey          string // long-lived provider credential
	Model           string
	Timeout         time.Duration
}

// Session is an ephemeral credential negotiated per realtime voice
// interaction, distinct from the long-lived provider credential.
type Session struct {
	ID           string    `json:"id"`
	Voice        string    `json:"voice"`
	ClientSecret string    `json:"client_secret"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Broker negotiates ephemeral sessions and opens realtime transcript channels.
type Broker struct {
	config     BrokerConfig
	httpClient *http.Client
	dialer     *websocket.Dialer
}

// NewBroker creates a realtime session broker. A missing API key is reported
// at negotiation time so the HTTP surface can answer with a configuration
// error rather than failing at startup.
func NewBroker(config BrokerConfig) (*Broker, error) {
	if config.SessionEndpoint == "" {
		return nil, fmt.Errorf("session endpoint cannot be empty")
	}
	if config.RealtimeURL == "" {
		return nil, fmt.Errorf("realtime URL cannot be empty")
	}
	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Second
	}

	return &Broker{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		dialer: &websocket.Dialer{
			HandshakeTimeout: config.Timeout,
		},
	}, nil
}

type sessionRequest struct {
	Model        string `json:"model,omitempty"`
	Voice        string `json:"voice"`
	Instructions string `json:"instructions,omitempty"`
}

type sessionResponse struct {
	ID           string `json:"id"`
	Voice        string `json:"voice"`
	ClientSecret struct {
		Value     string `json:"value"`
		ExpiresAt int64  `json:"expires_at"`
	} `json:"client_secret"`
}

// Negotiate requests an ephemeral session token from the session broker
// endpoint, passing a voice identifier and optional system instructions.
// Fails with reason "auth" when no credential is configured and with
// "rate-limited" when the provider reports throttling.
func (b *Broker) Negotiate(ctx context.Context, voice, instructions string) (*Session, error) {
	if b.config.APIKey == "" {
		return nil, &Error{Reason: ReasonAuth, Err: fmt.Errorf("no provider credential configured")}
	}
	if voice == "" {
		return nil, &Error{Reason: ReasonMissingInput, Err: fmt.Errorf("voice identifier is required")}
	}

	payload, err := json.Marshal(sessionRequest{
		Model:        b.config.Model,
		Voice:        voice,
		Instructions: instructions,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode session request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.config.SessionEndpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create session request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+b.config.APIKey)

	resp, err := b.httpClient.Do(httpReq)
	if err != nil {
		return nil, &Error{Reason: ReasonNetwork, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &Error{Reason: ReasonNetwork, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &Error{
			Reason: statusReason(resp.StatusCode),
			Status: resp.StatusCode,
			Err:    fmt.Errorf("session broker rejected request"),
		}
	}

	var sr sessionResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return nil, &Error{Reason: ReasonUpstreamFailure, Status: resp.StatusCode,
			Err: fmt.Errorf("malformed session response: %w", err)}
	}
	if sr.ClientSecret.Value == "" {
		return nil, &Error{Reason: ReasonUpstreamFailure, Status: resp.StatusCode,
			Err: fmt.Errorf("session response missing client secret")}
	}

	return &Session{
		ID:           sr.ID,
		Voice:        sr.Voice,
		ClientSecret: sr.ClientSecret.Value,
		ExpiresAt:    time.Unix(sr.ClientSecret.ExpiresAt, 0),
	}, nil
}

// PartialTranscript is an interim transcript fragment, surfaced for display
// only and never forwarded to the conversation engine.
type PartialTranscript struct {
	Text string
	Turn uint64
}

// FinalTranscript is a transcript fragment the remote service marked as
// settled. Finals are committed in arrival order.
type FinalTranscript struct {
	Result
	Turn uint64
}

// Stream is an open realtime transcription channel. Audio frames are pushed
// continuously; partial and final transcripts arrive asynchronously on the
// channels returned by Partials and Finals.
type Stream struct {
	conn *websocket.Conn

	partials chan PartialTranscript
	finals   chan FinalTranscript

	turn  atomic.Uint64 // sequence number of the current turn
	floor atomic.Uint64 // finals tagged at or below this turn are stale

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
	readErr   error
}

// Dial opens the realtime channel using a previously negotiated session.
func (b *Broker) Dial(ctx context.Context, session *Session) (*Stream, error) {
	if session == nil || session.ClientSecret == "" {
		return nil, &Error{Reason: ReasonAuth, Err: fmt.Errorf("no ephemeral session credential")}
	}

	header := http.Header{
		"Authorization": {"Bearer " + session.ClientSecret},
	}

	conn, resp, err := b.dialer.DialContext(ctx, b.config.RealtimeURL, header)
	if err != nil {
		if resp != nil {
			return nil, &Error{Reason: statusReason(resp.StatusCode), Status: resp.StatusCode, Err: err}
		}
		return nil, &Error{Reason: ReasonNetwork, Err: err}
	}

	s := &Stream{
		conn:     conn,
		partials: make(chan PartialTranscript, 16),
		finals:   make(chan FinalTranscript, 16),
		closed:   make(chan struct{}),
	}
	s.turn.Store(1)

	go s.readLoop()

	return s, nil
}

// serverEvent covers the subset of realtime server events the gateway
// consumes; everything else is ignored.
type serverEvent struct {
	Type       string `json:"type"`
	Delta      string `json:"delta,omitempty"`
	Transcript string `json:"transcript,omitempty"`
	Text       string `json:"text,omitempty"`
	Language   string `json:"language,omitempty"`
	Error      struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// clientEvent is the outgoing realtime event shape.
type clientEvent struct {
	Type  string `json:"type"`
	Audio string `json:"audio,omitempty"`
}

// SendAudio pushes one encoded PCM frame into the remote input buffer. The
// frame is base64 encoded for the text-only channel. Never blocks on
// transcript consumption.
func (s *Stream) SendAudio(pcm []byte) error {
	if len(pcm) == 0 {
		return &Error{Reason: ReasonMissingInput, Err: fmt.Errorf("empty audio frame")}
	}

	return s.writeEvent(clientEvent{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(pcm),
	})
}

// CommitTurn marks the end of the current utterance and advances the turn
// sequence. Returns the sequence number of the committed turn.
func (s *Stream) CommitTurn() (uint64, error) {
	if err := s.writeEvent(clientEvent{Type: "input_audio_buffer.commit"}); err != nil {
		return 0, err
	}
	return s.turn.Add(1) - 1, nil
}

// CancelPending discards transcripts for everything committed so far: finals
// that later arrive for those turns are dropped instead of being delivered.
func (s *Stream) CancelPending() {
	s.floor.Store(s.turn.Load())
}

// Partials returns the channel of interim transcript fragments.
func (s *Stream) Partials() <-chan PartialTranscript {
	return s.partials
}

// Finals returns the channel of settled transcripts, in arrival order.
func (s *Stream) Finals() <-chan FinalTranscript {
	return s.finals
}

// Err returns the terminal read error after the stream closes, if any.
func (s *Stream) Err() error {
	select {
	case <-s.closed:
		return s.readErr
	default:
		return nil
	}
}

// Close tears down the channel. In-flight transcripts are discarded; closing
// an already-closed stream is a no-op.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.CancelPending()
		err = s.conn.Close()
	})
	return err
}

func (s *Stream) writeEvent(ev clientEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode client event: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return &Error{Reason: ReasonNetwork, Err: err}
	}
	return nil
}

// readLoop drains server events until the connection closes. Only transcripts
// marked final are delivered on the finals channel; interim deltas go to the
// partials channel for display. Stale finals below the cancellation floor are
// dropped.
func (s *Stream) readLoop() {
	defer close(s.closed)
	defer close(s.partials)
	defer close(s.finals)

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.readErr = &Error{Reason: ReasonNetwork, Err: err}
			}
			return
		}

		var ev serverEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			continue // tolerate unknown or partial frames
		}

		turn := s.turn.Load()

		switch ev.Type {
		case "conversation.item.input_audio_transcription.delta":
			select {
			case s.partials <- PartialTranscript{Text: ev.Delta, Turn: turn}:
			default:
				// display-only data; dropping is preferable to backpressure
			}

		case "conversation.item.input_audio_transcription.completed":
			if turn <= s.floor.Load() {
				continue // cancelled turn, discard its late response
			}
			text := ev.Transcript
			if text == "" {
				text = ev.Text
			}
			select {
			case s.finals <- FinalTranscript{
				Result: Result{Text: text, Language: ev.Language},
				Turn:   turn,
			}:
			default:
				// bounded delivery: a stalled consumer loses the final rather
				// than wedging the read loop
			}

		case "error":
			s.readErr = &Error{Reason: ReasonUpstreamFailure,
				Err: fmt.Errorf("realtime channel error: %s", ev.Error.Message)}
			return
		}
	}
}
