package relay

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kaichen/piggy-bank-agent/internal/auth"
	"github.com/kaichen/piggy-bank-agent/internal/config"
	"github.com/kaichen/piggy-bank-agent/internal/metrics"
	"github.com/kaichen/piggy-bank-agent/internal/protocol"
	"github.com/kaichen/piggy-bank-agent/internal/upstream"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// newRelayClient wires a complete relay: a fake Gemini server driven by
// handler, an engine connected to it, and a gateway server running
// ServeClient. It returns a client WebSocket dialed into the gateway.
func newRelayClient(t *testing.T, handler func(conn *websocket.Conn), mutators ...func(*config.Config)) *websocket.Conn {
	t.Helper()

	gemini := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Fake Gemini upgrade failed: %v", err)
			return
		}
		defer conn.Close()
		handler(conn)
	}))
	t.Cleanup(gemini.Close)

	cfg := config.Default()
	cfg.Gemini.Endpoint = "ws" + strings.TrimPrefix(gemini.URL, "http")
	cfg.Gemini.AccessToken = "test-token"
	cfg.Gemini.Model = "models/test-model"
	for _, mutate := range mutators {
		mutate(cfg)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.NewWith(prometheus.NewRegistry())
	connector := upstream.NewConnector(cfg, auth.NewTokenSource(cfg.Gemini, logger, m), logger, m)
	engine := NewEngine(cfg, connector, logger, m)

	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Gateway upgrade failed: %v", err)
			return
		}
		engine.ServeClient(r.Context(), conn)
	}))
	t.Cleanup(gateway.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(gateway.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Failed to dial gateway: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	return client
}

// ackSetup consumes the setup frame from the relay and acknowledges it.
func ackSetup(t *testing.T, conn *websocket.Conn) bool {
	t.Helper()

	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Errorf("Fake Gemini failed to read setup: %v", err)
		return false
	}

	var setup map[string]json.RawMessage
	if err := json.Unmarshal(data, &setup); err != nil {
		t.Errorf("Setup frame is not valid JSON: %v", err)
		return false
	}
	if _, ok := setup["setup"]; !ok {
		t.Errorf("Expected a setup frame first, got %s", data)
		return false
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"setupComplete":{}}`)); err != nil {
		t.Errorf("Fake Gemini failed to ack setup: %v", err)
		return false
	}
	return true
}

// readFrame reads one frame from a connection with a deadline.
func readFrame(t *testing.T, conn *websocket.Conn) (int, []byte) {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	msgType, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	return msgType, data
}

// expectEvent reads a text frame and asserts its event type.
func expectEvent(t *testing.T, conn *websocket.Conn, eventType string) protocol.ClientEvent {
	t.Helper()

	msgType, data := readFrame(t, conn)
	if msgType != websocket.TextMessage {
		t.Fatalf("Expected a text frame, got type %d: %s", msgType, data)
	}

	var event protocol.ClientEvent
	if err := json.Unmarshal(data, &event); err != nil {
		t.Fatalf("Event is not valid JSON: %v (%s)", err, data)
	}
	if event.Type != eventType {
		t.Fatalf("Expected %q event, got %q (%s)", eventType, event.Type, data)
	}
	return event
}

func TestHandshakeEmitsReady(t *testing.T) {
	client := newRelayClient(t, func(conn *websocket.Conn) {
		if !ackSetup(t, conn) {
			return
		}
		// hold the connection open
		conn.ReadMessage()
	})

	expectEvent(t, client, protocol.EventReady)
}

func TestBufferedAudioFlushedInOrder(t *testing.T) {
	frames := make(chan []byte, 16)
	release := make(chan struct{})

	client := newRelayClient(t, func(conn *websocket.Conn) {
		_, setup, err := conn.ReadMessage()
		if err != nil {
			t.Errorf("Fake Gemini failed to read setup: %v", err)
			return
		}
		if !strings.Contains(string(setup), `"setup"`) {
			t.Errorf("Expected setup frame first, got %s", setup)
			return
		}

		<-release
		if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"setupComplete":{}}`)); err != nil {
			t.Errorf("Fake Gemini failed to ack setup: %v", err)
			return
		}

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			frames <- data
		}
	})

	// Audio sent before the upstream acks must be buffered, not lost
	for i := 0; i < 3; i++ {
		chunk := []byte(fmt.Sprintf("pcm-%d", i))
		if err := client.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
			t.Fatalf("Client write failed: %v", err)
		}
	}

	// Give the relay time to buffer before the handshake completes
	time.Sleep(200 * time.Millisecond)
	close(release)

	expectEvent(t, client, protocol.EventReady)

	for i := 0; i < 3; i++ {
		select {
		case frame := <-frames:
			var input protocol.RealtimeInput
			if err := json.Unmarshal(frame, &input); err != nil {
				t.Fatalf("Upstream frame is not valid JSON: %v", err)
			}
			if input.RealtimeInput.Audio == nil {
				t.Fatalf("Expected an audio frame, got %s", frame)
			}
			pcm, err := base64.StdEncoding.DecodeString(input.RealtimeInput.Audio.Data)
			if err != nil {
				t.Fatalf("Audio payload is not valid base64: %v", err)
			}
			expected := fmt.Sprintf("pcm-%d", i)
			if string(pcm) != expected {
				t.Errorf("Chunk %d out of order: expected %s, got %s", i, expected, pcm)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("Timed out waiting for buffered chunk %d", i)
		}
	}
}

func TestPendingBufferDropsAtCapacity(t *testing.T) {
	frames := make(chan []byte, 16)
	release := make(chan struct{})

	client := newRelayClient(t, func(conn *websocket.Conn) {
		if _, _, err := conn.ReadMessage(); err != nil { // setup
			return
		}
		<-release
		if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"setupComplete":{}}`)); err != nil {
			return
		}
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			frames <- data
		}
	}, func(cfg *config.Config) {
		cfg.Relay.PendingAudioChunks = 2
	})

	for i := 0; i < 5; i++ {
		if err := client.WriteMessage(websocket.BinaryMessage, []byte{byte(i)}); err != nil {
			t.Fatalf("Client write failed: %v", err)
		}
	}
	time.Sleep(200 * time.Millisecond)
	close(release)

	expectEvent(t, client, protocol.EventReady)

	// Send stop as a marker so we can count the audio frames that survived
	if err := client.WriteMessage(websocket.TextMessage, []byte(`{"type":"stop"}`)); err != nil {
		t.Fatalf("Client stop failed: %v", err)
	}

	audioFrames := 0
	for {
		select {
		case frame := <-frames:
			if strings.Contains(string(frame), "audioStreamEnd") {
				if audioFrames != 2 {
					t.Errorf("Expected 2 surviving audio frames at capacity 2, got %d", audioFrames)
				}
				return
			}
			audioFrames++
		case <-time.After(3 * time.Second):
			t.Fatal("Timed out waiting for the stream-end marker")
		}
	}
}

func TestStopForwardsSingleAudioStreamEnd(t *testing.T) {
	frames := make(chan []byte, 16)

	client := newRelayClient(t, func(conn *websocket.Conn) {
		if !ackSetup(t, conn) {
			return
		}
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			frames <- data
		}
	})

	expectEvent(t, client, protocol.EventReady)

	if err := client.WriteMessage(websocket.TextMessage, []byte(`{"type":"stop"}`)); err != nil {
		t.Fatalf("Client stop failed: %v", err)
	}

	select {
	case frame := <-frames:
		expected := `{"realtimeInput":{"audioStreamEnd":true}}`
		if string(frame) != expected {
			t.Errorf("Expected %s, got %s", expected, frame)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Timed out waiting for the stream-end frame")
	}

	// stop ends the client pump, so audio or a repeated stop sent afterwards
	// must never reach the upstream. The session is tearing down, so these
	// writes may fail; only what arrives upstream matters.
	client.WriteMessage(websocket.BinaryMessage, []byte("post-stop-audio"))
	client.WriteMessage(websocket.TextMessage, []byte(`{"type":"stop"}`))

	select {
	case frame := <-frames:
		t.Errorf("Unexpected upstream frame after stop: %s", frame)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestInlineAudioDeliveredAsBinary(t *testing.T) {
	pcm := []byte{0x10, 0x20, 0x30, 0x40}

	client := newRelayClient(t, func(conn *websocket.Conn) {
		if !ackSetup(t, conn) {
			return
		}
		payload := fmt.Sprintf(
			`{"serverContent":{"modelTurn":{"parts":[{"inlineData":{"mimeType":"audio/pcm","data":"%s"}}]}}}`,
			base64.StdEncoding.EncodeToString(pcm))
		if err := conn.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
			t.Errorf("Fake Gemini write failed: %v", err)
			return
		}
		conn.ReadMessage()
	})

	expectEvent(t, client, protocol.EventReady)

	msgType, data := readFrame(t, client)
	if msgType != websocket.BinaryMessage {
		t.Fatalf("Expected a binary frame, got type %d: %s", msgType, data)
	}
	if !bytes.Equal(data, pcm) {
		t.Errorf("Expected PCM %v, got %v", pcm, data)
	}
}

func TestInterruptedAndTurnCompleteEvents(t *testing.T) {
	client := newRelayClient(t, func(conn *websocket.Conn) {
		if !ackSetup(t, conn) {
			return
		}
		conn.WriteMessage(websocket.TextMessage, []byte(`{"serverContent":{"interrupted":true}}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"serverContent":{"turnComplete":true}}`))
		conn.ReadMessage()
	})

	expectEvent(t, client, protocol.EventReady)
	expectEvent(t, client, protocol.EventInterrupted)
	expectEvent(t, client, protocol.EventTurnComplete)
}

func TestMalformedUpstreamFramesIgnored(t *testing.T) {
	client := newRelayClient(t, func(conn *websocket.Conn) {
		if !ackSetup(t, conn) {
			return
		}
		conn.WriteMessage(websocket.TextMessage, []byte(`this is not json`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"serverContent":{"turnComplete":true}}`))
		conn.ReadMessage()
	})

	expectEvent(t, client, protocol.EventReady)
	// The garbage frame must not kill the session
	expectEvent(t, client, protocol.EventTurnComplete)
}

func TestMalformedClientCommandIgnored(t *testing.T) {
	frames := make(chan []byte, 16)

	client := newRelayClient(t, func(conn *websocket.Conn) {
		if !ackSetup(t, conn) {
			return
		}
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			frames <- data
		}
	})

	expectEvent(t, client, protocol.EventReady)

	if err := client.WriteMessage(websocket.TextMessage, []byte(`{{{garbage`)); err != nil {
		t.Fatalf("Client write failed: %v", err)
	}
	// The session must survive the garbage and still process stop
	if err := client.WriteMessage(websocket.TextMessage, []byte(`{"type":"stop"}`)); err != nil {
		t.Fatalf("Client stop failed: %v", err)
	}

	select {
	case frame := <-frames:
		if !strings.Contains(string(frame), "audioStreamEnd") {
			t.Errorf("Expected the stream-end frame, got %s", frame)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Timed out waiting for the stream-end frame")
	}
}

func TestUpstreamErrorForwardedAndSessionCloses(t *testing.T) {
	client := newRelayClient(t, func(conn *websocket.Conn) {
		if !ackSetup(t, conn) {
			return
		}
		conn.WriteMessage(websocket.TextMessage, []byte(`{"error":{"code":8,"message":"quota exhausted"}}`))
		conn.ReadMessage()
	})

	expectEvent(t, client, protocol.EventReady)

	event := expectEvent(t, client, protocol.EventError)
	if !strings.Contains(string(event.Details), "quota exhausted") {
		t.Errorf("Expected upstream error details, got %s", event.Details)
	}

	// The relay closes the client after a fatal upstream error
	client.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := client.ReadMessage(); err == nil {
		t.Error("Expected the client connection to close after an upstream error")
	}
}

func TestConnectFailureSendsSingleErrorEvent(t *testing.T) {
	cfg := config.Default()
	cfg.Gemini.Endpoint = "ws://127.0.0.1:1/nothing-listens-here"
	cfg.Gemini.AccessToken = "test-token"

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.NewWith(prometheus.NewRegistry())
	connector := upstream.NewConnector(cfg, auth.NewTokenSource(cfg.Gemini, logger, m), logger, m)
	engine := NewEngine(cfg, connector, logger, m)

	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		engine.ServeClient(r.Context(), conn)
	}))
	t.Cleanup(gateway.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(gateway.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Failed to dial gateway: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	expectEvent(t, client, protocol.EventError)

	// Exactly one error event, then the connection closes
	client.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := client.ReadMessage(); err == nil {
		t.Error("Expected the client connection to close after the error event")
	}
}

func TestSessionRegistry(t *testing.T) {
	release := make(chan struct{})

	gemini := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if !ackSetup(t, conn) {
			return
		}
		<-release
	}))
	t.Cleanup(gemini.Close)

	cfg := config.Default()
	cfg.Gemini.Endpoint = "ws" + strings.TrimPrefix(gemini.URL, "http")
	cfg.Gemini.AccessToken = "test-token"

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.NewWith(prometheus.NewRegistry())
	connector := upstream.NewConnector(cfg, auth.NewTokenSource(cfg.Gemini, logger, m), logger, m)
	engine := NewEngine(cfg, connector, logger, m)

	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		engine.ServeClient(r.Context(), conn)
	}))
	t.Cleanup(gateway.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(gateway.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Failed to dial gateway: %v", err)
	}

	expectEvent(t, client, protocol.EventReady)

	if n := engine.ActiveCount(); n != 1 {
		t.Errorf("Expected 1 active session, got %d", n)
	}
	sessions := engine.Sessions()
	if len(sessions) != 1 {
		t.Fatalf("Expected 1 session snapshot, got %d", len(sessions))
	}
	if sessions[0].State != StateReady {
		t.Errorf("Expected session state %q, got %q", StateReady, sessions[0].State)
	}
	if sessions[0].ID == "" {
		t.Error("Expected a non-empty session ID")
	}

	close(release)
	client.Close()

	// The registry empties once the session tears down
	deadline := time.Now().Add(3 * time.Second)
	for engine.ActiveCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("Timed out waiting for the session to unregister")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
