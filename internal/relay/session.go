package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kaichen/piggy-bank-agent/internal/audio"
	"github.com/kaichen/piggy-bank-agent/internal/config"
	"github.com/kaichen/piggy-bank-agent/internal/metrics"
	"github.com/kaichen/piggy-bank-agent/internal/protocol"
	"github.com/kaichen/piggy-bank-agent/internal/upstream"
)

// Session states as exposed through the HTTP API.
const (
	StateConnecting = "connecting"
	StateHandshake  = "handshaking"
	StateBuffering  = "buffering"
	StateReady      = "ready"
	StateClosing    = "closing"
	StateClosed     = "closed"
)

const clientWriteTimeout = 10 * time.Second

// Session is one client/upstream relay pair. It lives for the duration of a
// single client WebSocket connection.
type Session struct {
	id        string
	cfg       *config.Config
	connector *upstream.Connector
	logger    *slog.Logger
	metrics   *metrics.Metrics
	started   time.Time

	client   *websocket.Conn
	clientMu sync.Mutex // serializes all client writes

	upstream *upstream.Conn
	pending  *audio.PendingBuffer

	readyOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}

	stateMu sync.Mutex
	state   string
}

func newSession(cfg *config.Config, connector *upstream.Connector, client *websocket.Conn, logger *slog.Logger, m *metrics.Metrics) *Session {
	id := newSessionID()
	return &Session{
		id:        id,
		cfg:       cfg,
		connector: connector,
		logger:    logger.With(slog.String("session_id", id)),
		metrics:   m,
		started:   time.Now(),
		client:    client,
		pending:   audio.NewPendingBuffer(cfg.Relay.PendingAudioChunks),
		done:      make(chan struct{}),
		state:     StateConnecting,
	}
}

// State returns the session's current lifecycle state.
func (s *Session) State() string {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

func (s *Session) setState(state string) {
	s.stateMu.Lock()
	s.state = state
	s.stateMu.Unlock()
}

// run drives the session to completion. On any upstream connect or setup
// failure the client gets exactly one error event and the connection closes
// without starting the pumps.
func (s *Session) run(ctx context.Context) {
	defer s.setState(StateClosed)

	s.logger.Info("Session started")

	up, err := s.connector.Connect(ctx)
	if err != nil {
		s.logger.Error("Upstream connection failed", slog.String("error", err.Error()))
		s.sendClientEvent(protocol.ErrorEvent("failed to connect to Gemini", nil))
		s.client.Close()
		return
	}
	s.upstream = up

	s.setState(StateHandshake)
	if err := up.SendSetup(protocol.NewSetup(s.cfg.Gemini.Model, s.cfg.Gemini.SystemInstruction)); err != nil {
		s.logger.Error("Upstream setup failed", slog.String("error", err.Error()))
		s.sendClientEvent(protocol.ErrorEvent("failed to configure Gemini session", nil))
		up.Close()
		s.client.Close()
		return
	}
	s.setState(StateBuffering)

	var pumps sync.WaitGroup
	pumps.Add(2)
	go func() {
		defer pumps.Done()
		s.pumpClientToUpstream()
	}()
	go func() {
		defer pumps.Done()
		s.pumpUpstreamToClient()
	}()

	select {
	case <-s.done:
	case <-ctx.Done():
		s.logger.Info("Session cancelled by server shutdown")
	}

	// Teardown order: upstream first, then client. Closing unblocks both
	// pump reads, so the pumps drain on their own.
	s.setState(StateClosing)
	s.upstream.Close()
	s.client.Close()
	pumps.Wait()

	s.logger.Info("Session ended",
		slog.Duration("duration", time.Since(s.started)))
}

// shutdown signals session teardown. The first caller wins; run performs the
// actual close sequence.
func (s *Session) shutdown() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
}

// pumpClientToUpstream reads client frames and forwards them upstream. Binary
// frames are PCM audio: pre-ready they go to the pending buffer, after that
// straight upstream. Text frames are JSON commands.
func (s *Session) pumpClientToUpstream() {
	defer s.shutdown()

	for {
		msgType, data, err := s.client.ReadMessage()
		if err != nil {
			s.logger.Debug("Client read ended", slog.String("error", err.Error()))
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			if s.pending.Offer(data) {
				continue
			}
			if err := s.upstream.SendAudio(data); err != nil {
				s.logger.Warn("Upstream audio write failed", slog.String("error", err.Error()))
				return
			}
			s.metrics.RecordClientAudio(len(data))

		case websocket.TextMessage:
			cmd, err := protocol.ParseClientCommand(data)
			if err != nil {
				s.metrics.RecordDecodeError()
				s.logger.Debug("Ignoring malformed client command", slog.String("error", err.Error()))
				continue
			}
			if cmd.Type != protocol.CommandStop {
				s.logger.Debug("Ignoring unknown client command", slog.String("type", cmd.Type))
				continue
			}
			if err := s.upstream.SendAudioStreamEnd(); err != nil {
				s.logger.Warn("Upstream stream-end write failed", slog.String("error", err.Error()))
				return
			}
			s.logger.Debug("Client ended audio stream")
			// stop ends the client pump; the deferred shutdown signal winds
			// the session down
			return
		}
	}
}

// pumpUpstreamToClient reads Gemini messages and translates them into client
// frames: inline audio becomes binary PCM, lifecycle fields become control
// events. Malformed frames are counted and skipped, never fatal.
func (s *Session) pumpUpstreamToClient() {
	defer s.shutdown()

	for {
		data, err := s.upstream.ReadMessage()
		if err != nil {
			s.logger.Debug("Upstream read ended", slog.String("error", err.Error()))
			return
		}

		msg, err := protocol.ParseServerMessage(data)
		if err != nil {
			s.metrics.RecordDecodeError()
			s.logger.Debug("Ignoring malformed upstream message", slog.String("error", err.Error()))
			continue
		}

		if msg.IsSetupComplete() {
			s.handleSetupComplete()
			continue
		}

		if details := msg.ErrorDetails(); details != nil {
			s.logger.Error("Upstream reported an error", slog.String("details", string(details)))
			s.sendClientEvent(protocol.ErrorEvent("Gemini session error", details))
			return
		}

		content := msg.ServerContent
		if content == nil {
			continue
		}

		if content.Interrupted {
			if err := s.sendClientEvent(protocol.InterruptedEvent()); err != nil {
				return
			}
		}

		if content.ModelTurn != nil {
			for _, part := range content.ModelTurn.Parts {
				inline := part.Inline()
				if inline == nil {
					continue
				}
				pcm, err := inline.DecodeAudio()
				if err != nil {
					s.metrics.RecordDecodeError()
					s.logger.Debug("Ignoring undecodable audio part", slog.String("error", err.Error()))
					continue
				}
				if err := s.writeClientAudio(pcm); err != nil {
					s.logger.Warn("Client audio write failed", slog.String("error", err.Error()))
					return
				}
			}
		}

		if content.TurnComplete {
			if err := s.sendClientEvent(protocol.TurnCompleteEvent()); err != nil {
				return
			}
		}
	}
}

// handleSetupComplete performs the one-time readiness transition: notify the
// client, then flush the pre-ready buffer upstream. Repeated setupComplete
// messages are ignored.
func (s *Session) handleSetupComplete() {
	s.readyOnce.Do(func() {
		if err := s.sendClientEvent(protocol.ReadyEvent()); err != nil {
			s.shutdown()
			return
		}

		flushed := 0
		err := s.pending.DrainTo(func(chunk []byte) error {
			if err := s.upstream.SendAudio(chunk); err != nil {
				return err
			}
			s.metrics.RecordClientAudio(len(chunk))
			flushed++
			return nil
		})
		if err != nil {
			s.logger.Warn("Failed to flush buffered audio", slog.String("error", err.Error()))
			s.shutdown()
			return
		}

		if dropped := s.pending.Dropped(); dropped > 0 {
			s.metrics.RecordPendingAudioDrops(dropped)
			s.logger.Warn("Dropped early audio at buffer capacity",
				slog.Uint64("chunks", dropped))
		}

		s.setState(StateReady)
		s.logger.Info("Session ready", slog.Int("flushed_chunks", flushed))
	})
}

// sendClientEvent writes a JSON control event to the client as a text frame.
func (s *Session) sendClientEvent(event protocol.ClientEvent) error {
	data, err := event.Encode()
	if err != nil {
		return err
	}

	s.clientMu.Lock()
	defer s.clientMu.Unlock()

	s.client.SetWriteDeadline(time.Now().Add(clientWriteTimeout))
	if err := s.client.WriteMessage(websocket.TextMessage, data); err != nil {
		s.logger.Debug("Client event write failed",
			slog.String("type", event.Type),
			slog.String("error", err.Error()))
		return err
	}

	s.metrics.RecordControlMessage(event.Type)
	return nil
}

// writeClientAudio writes raw PCM to the client as a binary frame.
func (s *Session) writeClientAudio(pcm []byte) error {
	s.clientMu.Lock()
	defer s.clientMu.Unlock()

	s.client.SetWriteDeadline(time.Now().Add(clientWriteTimeout))
	if err := s.client.WriteMessage(websocket.BinaryMessage, pcm); err != nil {
		return err
	}

	s.metrics.RecordUpstreamAudio(len(pcm))
	return nil
}
